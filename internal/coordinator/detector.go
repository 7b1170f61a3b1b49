package coordinator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// TrackFile registers a resource for change detection. The observer
// fingerprints it immediately; subsequent polls compare against the
// stored state.
func (c *Coordinator) TrackFile(path, agentID string) (*FileState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.observer == nil {
		return nil, ErrNoObserver
	}

	fp, err := c.observer.Observe(path)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", path, err)
	}

	now := c.clk.Now()
	fs := &FileState{
		Path:         path,
		ContentHash:  fp.Hash,
		LastModified: fp.ModTime,
		LastAgent:    agentID,
		Version:      1,
		TrackedAt:    now,
	}
	c.files[path] = fs
	slog.Debug("file tracked", "path", path, "agent", agentID, "hash", fp.Hash)
	c.persistLocked()

	out := *fs
	return &out, nil
}

// NotifyResourceChanged is the push-based alternative to polling: a
// host that watches resources itself can report a change and get the
// same detection pass a poll tick would run.
func (c *Coordinator) NotifyResourceChanged(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	fs, ok := c.files[path]
	if !ok {
		return fmt.Errorf("notify %s: %w", path, ErrFileNotTracked)
	}
	if c.observer == nil {
		return ErrNoObserver
	}

	if c.checkFileLocked(fs) {
		c.persistLocked()
	}
	return nil
}

// pollResources re-observes every tracked resource on the poll tick.
func (c *Coordinator) pollResources() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.observer == nil {
		return
	}

	changed := false
	for _, fs := range c.files {
		if c.checkFileLocked(fs) {
			changed = true
		}
	}
	if changed {
		c.persistLocked()
	}
}

// checkFileLocked re-observes one resource and reports whether its
// content drifted. A drift under a held lock whose modification time
// is newer than the recorded one raises a concurrent_modification
// conflict: the change cannot be attributed to the holder, so it is
// conservatively treated as foreign.
func (c *Coordinator) checkFileLocked(fs *FileState) bool {
	fp, err := c.observer.Observe(fs.Path)
	if err != nil {
		// Unobservable, not changed. The resource may be mid-rewrite.
		slog.Debug("observe failed", "path", fs.Path, "error", err)
		return false
	}
	if fp.Hash == fs.ContentHash {
		return false
	}

	now := c.clk.Now()
	holders := c.validLocksLocked(fs.Path, now)

	if len(holders) > 0 && fp.ModTime.After(fs.LastModified) {
		agents := make([]string, 0, len(holders))
		for _, l := range holders {
			agents = append(agents, l.AgentID)
		}
		c.recordConflictLocked(&Conflict{
			Type:        ConflictConcurrentMod,
			Severity:    SeverityHigh,
			Files:       []string{fs.Path},
			Agents:      agents,
			Description: fmt.Sprintf("%s changed while locked by %v", fs.Path, agents),
			Suggested: Suggestion{
				Strategy:       StrategyManual,
				Confidence:     0.4,
				Actions:        []string{"compare revisions", "confirm which agent made the change"},
				ReviewRequired: true,
			},
		})
	}

	fs.ContentHash = fp.Hash
	fs.LastModified = fp.ModTime
	fs.Version++
	if len(holders) > 0 {
		fs.LastAgent = holders[0].AgentID
	}

	c.emitLocked(Event{Type: EventResourceChanged, Path: fs.Path,
		Detail: map[string]any{"version": fs.Version}})
	return true
}

// recordConflictLocked stamps and stores a conflict, emits the event,
// and kicks off an automatic resolution attempt when the suggestion
// does not demand review and has an automatic strategy.
func (c *Coordinator) recordConflictLocked(conflict *Conflict) {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	conflict.DetectedAt = c.clk.Now()
	c.conflicts = append(c.conflicts, conflict)

	slog.Warn("conflict detected", "id", conflict.ID, "type", conflict.Type,
		"severity", conflict.Severity, "files", conflict.Files)
	c.emitLocked(Event{Type: EventConflictDetected, ConflictID: conflict.ID,
		Detail: map[string]any{
			"conflict_type": conflict.Type,
			"severity":      conflict.Severity,
			"files":         conflict.Files,
			"agents":        conflict.Agents,
			"description":   conflict.Description,
			"review":        conflict.Suggested.ReviewRequired,
		}})

	if conflict.Suggested.ReviewRequired {
		return
	}
	switch conflict.Suggested.Strategy {
	case StrategyAutoMerge, StrategyLastWriterWins, StrategyDelegate:
		c.attemptResolveLocked(conflict, conflict.Suggested.Strategy, "coordinator")
	}
}

// ReportConflict lets the embedding system record a conflict it
// detected externally. Missing fields get defaults.
func (c *Coordinator) ReportConflict(conflict Conflict) (*Conflict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	switch conflict.Type {
	case ConflictLockViolation, ConflictConcurrentMod, ConflictDependency, ConflictIntent:
	default:
		return nil, fmt.Errorf("unknown conflict type %q", conflict.Type)
	}
	if conflict.Severity == "" {
		conflict.Severity = SeverityMedium
	}
	if conflict.Suggested.Strategy == "" {
		conflict.Suggested = Suggestion{Strategy: StrategyManual, Confidence: 0.5, ReviewRequired: true}
	}

	stored := conflict
	c.recordConflictLocked(&stored)
	c.persistLocked()

	out := stored
	return &out, nil
}

// PredictConflicts scans other agents' declared intents for targets
// overlapping path and returns advisory warnings. Predictions are not
// stored and never block anything.
func (c *Coordinator) PredictConflicts(path, agentID, operation string) []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predictLocked(path, agentID, operation)
}

func (c *Coordinator) predictLocked(path, agentID, operation string) []Conflict {
	var warnings []Conflict
	now := c.clk.Now()

	for _, id := range c.agentOrder {
		if id == agentID {
			continue
		}
		intent, ok := c.intents[id]
		if !ok {
			continue
		}
		for _, target := range intent.TargetFiles {
			if !pathsOverlap(path, target) {
				continue
			}
			warnings = append(warnings, Conflict{
				ID:          uuid.New().String(),
				Type:        ConflictDependency,
				Severity:    SeverityLow,
				Files:       []string{path},
				Agents:      []string{id, agentID},
				Description: fmt.Sprintf("%s on %s may collide with %s's declared intent %q", operation, path, id, intent.Intent),
				Suggested: Suggestion{
					Strategy:   StrategyManual,
					Confidence: 0.5,
					Actions:    []string{"coordinate access before starting"},
				},
				DetectedAt: now,
			})
			break
		}
	}
	return warnings
}

// pathsOverlap reports whether two resource paths name the same
// resource or one contains the other.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
