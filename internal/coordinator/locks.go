package coordinator

import (
	"fmt"
	"log/slog"
	"time"
)

// validLocksLocked returns the non-expired locks on a path. Expired
// leases are treated as absent on every read path; the periodic sweep
// only exists to unblock waiting tasks promptly.
func (c *Coordinator) validLocksLocked(path string, now time.Time) []Lock {
	var valid []Lock
	for _, l := range c.locks[path] {
		if l.ExpiresAt.After(now) {
			valid = append(valid, l)
		}
	}
	return valid
}

// grantableLocked reports whether agentID may take a lock of the given
// type on path: no valid locks, all valid locks already held by the
// same agent (renewal/upgrade), or read alongside only reads.
func (c *Coordinator) grantableLocked(path, agentID string, lockType LockType, now time.Time) bool {
	valid := c.validLocksLocked(path, now)
	if len(valid) == 0 {
		return true
	}

	ownAll := true
	readOnly := true
	for _, l := range valid {
		if l.AgentID != agentID {
			ownAll = false
		}
		if l.Type != LockRead {
			readOnly = false
		}
	}
	if ownAll {
		return true
	}
	return lockType == LockRead && readOnly
}

// grantLocked installs or renews a lease. It assumes grantableLocked
// passed; the agent's previous lease on the path is replaced so a
// re-request extends ExpiresAt.
func (c *Coordinator) grantLocked(path, agentID string, lockType LockType, now time.Time) Lock {
	lock := Lock{
		ResourcePath: path,
		Type:         lockType,
		AgentID:      agentID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(c.cfg.LockTTL.Std()),
	}

	kept := c.validLocksLocked(path, now)
	out := kept[:0]
	for _, l := range kept {
		if l.AgentID != agentID {
			out = append(out, l)
		}
	}
	c.locks[path] = append(out, lock)
	return lock
}

// RequestLock asks for a lease on path. Denial is not an error: the
// call returns false and records exactly one lock_violation conflict
// naming the current holders and the requester.
func (c *Coordinator) RequestLock(path, agentID string, lockType LockType) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	if path == "" {
		return false, fmt.Errorf("resource path is required")
	}
	if _, ok := c.agents[agentID]; !ok {
		return false, fmt.Errorf("request lock for %s: %w", agentID, ErrAgentNotFound)
	}
	switch lockType {
	case LockRead, LockWrite, LockExclusive:
	default:
		return false, fmt.Errorf("unknown lock type %q", lockType)
	}

	now := c.clk.Now()
	if !c.grantableLocked(path, agentID, lockType, now) {
		holders := make([]string, 0, 1)
		for _, l := range c.validLocksLocked(path, now) {
			holders = append(holders, l.AgentID)
		}
		c.recordConflictLocked(&Conflict{
			Type:        ConflictLockViolation,
			Severity:    SeverityMedium,
			Files:       []string{path},
			Agents:      append(holders, agentID),
			Description: fmt.Sprintf("%s lock on %s denied for %s: held by %v", lockType, path, agentID, holders),
			Suggested: Suggestion{
				Strategy:   StrategyAutoMerge,
				Confidence: 0.7,
				Actions:    []string{"negotiate access via intent channel", "retry after current lease expires"},
			},
		})
		c.persistLocked()
		return false, nil
	}

	lock := c.grantLocked(path, agentID, lockType, now)
	slog.Debug("lock granted", "path", path, "agent", agentID, "type", lockType, "expires", lock.ExpiresAt)
	c.emitLocked(Event{Type: EventLockGranted, AgentID: agentID, Path: path,
		Detail: map[string]any{"lock_type": lockType}})
	c.persistLocked()
	return true, nil
}

// ReleaseLock drops the caller's lease on path. Releasing a lock the
// caller does not hold is a no-op, not an error.
func (c *Coordinator) ReleaseLock(path, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.agents[agentID]; !ok {
		return fmt.Errorf("release lock for %s: %w", agentID, ErrAgentNotFound)
	}

	if c.releaseLocked(path, agentID) {
		c.emitLocked(Event{Type: EventLockReleased, AgentID: agentID, Path: path})
		c.reevaluateLocked()
		c.persistLocked()
	}
	return nil
}

func (c *Coordinator) releaseLocked(path, agentID string) bool {
	existing := c.locks[path]
	var kept []Lock
	for _, l := range existing {
		if l.AgentID != agentID {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(existing) {
		return false
	}
	if len(kept) == 0 {
		delete(c.locks, path)
	} else {
		c.locks[path] = kept
	}
	return true
}

// releaseAgentLocksLocked drops every lease the agent holds, on any
// path. Used by the unregister cascade.
func (c *Coordinator) releaseAgentLocksLocked(agentID string) {
	for path := range c.locks {
		if c.releaseLocked(path, agentID) {
			c.emitLocked(Event{Type: EventLockReleased, AgentID: agentID, Path: path})
		}
	}
}

// sweepLocks purges expired leases and reschedules blocked tasks,
// since a previously unavailable lock may now be free. It also picks
// up scheduled tasks whose next run has come due.
func (c *Coordinator) sweepLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := c.clk.Now()
	expired := 0

	for path, locks := range c.locks {
		var kept []Lock
		for _, l := range locks {
			if l.ExpiresAt.After(now) {
				kept = append(kept, l)
				continue
			}
			expired++
			slog.Info("lock expired", "path", path, "agent", l.AgentID, "type", l.Type)
			c.emitLocked(Event{Type: EventLockExpired, AgentID: l.AgentID, Path: path,
				Detail: map[string]any{"lock_type": l.Type}})
		}
		if len(kept) == 0 {
			delete(c.locks, path)
		} else {
			c.locks[path] = kept
		}
	}

	due := false
	for _, t := range c.tasks {
		if t.Status == TaskPending && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			due = true
			break
		}
	}

	if expired > 0 || due {
		c.reevaluateLocked()
		c.persistLocked()
	}
}
