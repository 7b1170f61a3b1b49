// Package coordinator implements the agent/resource coordination core:
// a registry of autonomous agents, a dependency- and capability-aware
// task scheduler, lease-based resource locks, conflict detection over
// tracked resources, and best-effort conflict resolution.
//
// One Coordinator instance serializes every state mutation behind a
// single mutex. Callers may invoke it concurrently; each operation
// completes atomically with respect to the others. Background sweeps
// (liveness, lock expiry, resource polling) run only between Start and
// Close.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foreman-dev/foreman/internal/clock"
	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/resource"
	"github.com/foreman-dev/foreman/internal/snapshot"
	"github.com/foreman-dev/foreman/internal/store"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentExists      = errors.New("agent already registered")
	ErrTaskNotFound     = errors.New("task not found")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrFileNotTracked   = errors.New("file not tracked")
	ErrNoObserver       = errors.New("no resource observer configured")
	ErrClosed           = errors.New("coordinator closed")
)

// Options configures a Coordinator. Zero values get sensible defaults:
// a real clock, no persistence, no resource observation.
type Options struct {
	Config config.CoordinatorConfig

	// Clock drives timestamps, lease expiry and timeouts. Nil means
	// the system clock.
	Clock clock.Clock

	// KV receives a full state snapshot after every mutation. Nil
	// disables persistence.
	KV store.KV

	// Codec encodes snapshots. Nil means an unencrypted codec.
	Codec *snapshot.Codec

	// Observer fingerprints tracked resources. Nil disables TrackFile.
	Observer resource.Observer

	// Content reads and writes resource bytes for auto-merge
	// resolution. Optional.
	Content resource.ContentStore

	// Session scopes the persistence key. Empty generates one.
	Session string
}

type Coordinator struct {
	mu sync.Mutex

	clk      clock.Clock
	kv       store.KV
	codec    *snapshot.Codec
	observer resource.Observer
	content  resource.ContentStore
	cfg      config.CoordinatorConfig
	session  string

	agents     map[string]*Agent
	agentOrder []string
	tasks      map[string]*Task
	taskSeq    int64
	locks      map[string][]Lock
	files      map[string]*FileState
	intents    map[string]*Intent
	conflicts  []*Conflict
	inboxes    map[string][]Message

	subs    []chan Event
	waiters map[string][]*accessWaiter

	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg.LockTTL == 0 {
		cfg.LockTTL = config.Duration(5 * time.Minute)
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = config.Duration(30 * time.Second)
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = config.Duration(30 * time.Second)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = config.Duration(30 * time.Second)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = config.Duration(time.Second)
	}
	if cfg.CoordinationTimeout == 0 {
		cfg.CoordinationTimeout = config.Duration(10 * time.Second)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	codec := opts.Codec
	if codec == nil {
		codec = snapshot.NewCodec(nil)
	}

	session := opts.Session
	if session == "" {
		session = uuid.New().String()
	}

	c := &Coordinator{
		clk:      clk,
		kv:       opts.KV,
		codec:    codec,
		observer: opts.Observer,
		content:  opts.Content,
		cfg:      cfg,
		session:  session,
		agents:   make(map[string]*Agent),
		tasks:    make(map[string]*Task),
		locks:    make(map[string][]Lock),
		files:    make(map[string]*FileState),
		intents:  make(map[string]*Intent),
		inboxes:  make(map[string][]Message),
		waiters:  make(map[string][]*accessWaiter),
		stop:     make(chan struct{}),
	}

	if cfg.Resume && c.kv != nil {
		if err := c.restore(); err != nil {
			slog.Warn("snapshot restore failed, starting fresh", "session", session, "error", err)
		}
	}

	return c, nil
}

// Start launches the background sweeps: liveness marking, expired-lock
// reaping and tracked-resource polling. They stop when ctx is
// cancelled or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(3)
	go c.loop(ctx, c.cfg.LivenessInterval.Std(), c.sweepLiveness)
	go c.loop(ctx, c.cfg.SweepInterval.Std(), c.sweepLocks)
	go c.loop(ctx, c.cfg.PollInterval.Std(), c.pollResources)
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer c.wg.Done()

	ticker := c.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Close stops background sweeps and closes every subscriber channel.
// The coordinator rejects further mutations afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	for path, ws := range c.waiters {
		for _, w := range ws {
			w.deliver(false)
		}
		delete(c.waiters, path)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// UpdateTiming replaces the reloadable interval and TTL settings on a
// running coordinator. Tickers started by Start keep their original
// cadence until restart; new leases and waits use the new values.
func (c *Coordinator) UpdateTiming(cfg config.CoordinatorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.LockTTL = cfg.LockTTL
	c.cfg.HeartbeatInterval = cfg.HeartbeatInterval
	c.cfg.OfflineGrace = cfg.OfflineGrace
	c.cfg.CoordinationTimeout = cfg.CoordinationTimeout
}

// Session returns the persistence session id.
func (c *Coordinator) Session() string { return c.session }
