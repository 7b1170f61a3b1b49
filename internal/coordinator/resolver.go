package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ResolveConflict re-attempts resolution of a queued conflict with the
// given strategy. It reports false when the strategy could not settle
// the conflict; the attempt is still logged on the record so audit and
// retry work either way.
func (c *Coordinator) ResolveConflict(conflictID string, strategy Strategy) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	conflict := c.findConflictLocked(conflictID)
	if conflict == nil {
		return false, fmt.Errorf("resolve %s: %w", conflictID, ErrConflictNotFound)
	}
	if conflict.Resolved {
		return true, nil
	}
	switch strategy {
	case StrategyAutoMerge, StrategyLastWriterWins, StrategyRollback,
		StrategyBranchSplit, StrategyDelegate, StrategyManual:
	default:
		return false, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	ok := c.attemptResolveLocked(conflict, strategy, "operator")
	c.persistLocked()
	return ok, nil
}

func (c *Coordinator) findConflictLocked(id string) *Conflict {
	for _, cf := range c.conflicts {
		if cf.ID == id {
			return cf
		}
	}
	return nil
}

// attemptResolveLocked dispatches a strategy against a conflict.
// ResolvedBy and Resolution are set regardless of outcome; only a
// successful attempt marks the conflict resolved and emits the event.
func (c *Coordinator) attemptResolveLocked(conflict *Conflict, strategy Strategy, by string) bool {
	var (
		ok         bool
		resolution string
	)

	switch strategy {
	case StrategyAutoMerge:
		ok, resolution = c.autoMergeLocked(conflict)
	case StrategyLastWriterWins:
		ok, resolution = c.lastWriterWinsLocked(conflict)
	case StrategyRollback:
		// No rollback target is defined; restoring an earlier revision
		// needs a human to pick one.
		resolution = "rollback requires manual intervention: no rollback target defined"
	case StrategyBranchSplit:
		resolution = "branch split requires manual intervention: no branch representation defined"
	case StrategyDelegate:
		ok, resolution = c.delegateLocked(conflict)
	case StrategyManual:
		resolution = "queued for manual resolution"
	}

	conflict.ResolvedBy = by
	conflict.Resolution = resolution

	if ok {
		now := c.clk.Now()
		conflict.Resolved = true
		conflict.ResolvedAt = &now
		slog.Info("conflict resolved", "id", conflict.ID, "strategy", strategy, "by", by)
		c.emitLocked(Event{Type: EventConflictResolved, ConflictID: conflict.ID,
			Detail: map[string]any{"strategy": strategy, "resolution": resolution}})
	} else {
		slog.Info("conflict resolution attempt failed", "id", conflict.ID,
			"strategy", strategy, "by", by, "resolution", resolution)
	}
	return ok
}

// autoMergeLocked backs up the current resource bytes to the key-value
// store and accepts them when they are object-shaped JSON. Only the
// current revision's bytes are still available, so the field-level
// union degenerates to the current state; the backup keeps the result
// reviewable.
func (c *Coordinator) autoMergeLocked(conflict *Conflict) (bool, string) {
	if c.content == nil {
		return false, "auto-merge unavailable: no content store configured"
	}
	if len(conflict.Files) != 1 {
		return false, fmt.Sprintf("auto-merge needs exactly one resource, conflict names %d", len(conflict.Files))
	}
	path := conflict.Files[0]

	data, err := c.content.Read(path)
	if err != nil {
		return false, fmt.Sprintf("auto-merge read %s failed: %v", path, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, fmt.Sprintf("auto-merge not applicable: %s is not object-shaped", path)
	}

	if c.kv != nil {
		key := fmt.Sprintf("backup/%s/%s/%d", c.session, path, c.clk.Now().UnixNano())
		if err := c.kv.Set(key, data); err != nil {
			slog.Warn("auto-merge backup failed", "path", path, "error", err)
		}
	}

	// Refresh the tracked state so the merged content is the new
	// baseline and does not re-trigger detection.
	if fs, tracked := c.files[path]; tracked && c.observer != nil {
		if fp, err := c.observer.Observe(path); err == nil {
			fs.ContentHash = fp.Hash
			fs.LastModified = fp.ModTime
		}
	}

	return true, fmt.Sprintf("auto-merged %s (%d fields), backup retained", path, len(fields))
}

// lastWriterWinsLocked accepts the newest observed state of every
// conflicted resource as authoritative.
func (c *Coordinator) lastWriterWinsLocked(conflict *Conflict) (bool, string) {
	for _, path := range conflict.Files {
		fs, tracked := c.files[path]
		if !tracked || c.observer == nil {
			continue
		}
		fp, err := c.observer.Observe(path)
		if err != nil {
			return false, fmt.Sprintf("last-writer-wins observe %s failed: %v", path, err)
		}
		if fp.Hash != fs.ContentHash {
			fs.ContentHash = fp.Hash
			fs.LastModified = fp.ModTime
			fs.Version++
		}
	}
	return true, "accepted latest observed state as authoritative"
}

// delegateLocked hands the conflict to an idle reviewer agent via a
// high-priority task holding read locks on the conflicted resources.
// Without an idle reviewer the conflict stays queued.
func (c *Coordinator) delegateLocked(conflict *Conflict) (bool, string) {
	var reviewer *Agent
	for _, id := range c.agentOrder {
		agent := c.agents[id]
		if agent.Status != AgentIdle || !isReviewer(agent) {
			continue
		}
		reviewer = agent
		break
	}
	if reviewer == nil {
		return false, "no idle reviewer agent available"
	}

	locks := make([]LockRequest, 0, len(conflict.Files))
	for _, path := range conflict.Files {
		locks = append(locks, LockRequest{ResourcePath: path, Type: LockRead})
	}

	task, err := c.createTaskLocked(TaskSpec{
		Description: fmt.Sprintf("review conflict %s: %s", conflict.ID, conflict.Description),
		Priority:    100,
		Locks:       locks,
	})
	if err != nil {
		return false, fmt.Sprintf("delegation task creation failed: %v", err)
	}
	if !c.assignLocked(task, reviewer) {
		return false, fmt.Sprintf("reviewer %s could not take task %s", reviewer.ID, task.ID)
	}

	return true, fmt.Sprintf("delegated to %s via task %s", reviewer.ID, task.ID)
}

func isReviewer(agent *Agent) bool {
	if agent.Type == "reviewer" {
		return true
	}
	for _, capability := range agent.Capabilities {
		if capability.Domain == "review" {
			return true
		}
	}
	return false
}
