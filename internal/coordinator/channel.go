package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DeclareIntent stores or overwrites an agent's declaration of planned
// work. Intents never block anything: overlaps with other agents'
// intents raise informational intent_conflict records, and a broadcast
// notification gives other agents a chance to negotiate.
func (c *Coordinator) DeclareIntent(agentID, intent string, targetFiles []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	agent, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("declare intent for %s: %w", agentID, ErrAgentNotFound)
	}

	now := c.clk.Now()
	c.intents[agentID] = &Intent{
		AgentID:     agentID,
		Intent:      intent,
		TargetFiles: targetFiles,
		DeclaredAt:  now,
	}
	agent.LastActivity = now

	// Cross-check against every other agent's declared targets.
	for _, otherID := range c.agentOrder {
		if otherID == agentID {
			continue
		}
		other, ok := c.intents[otherID]
		if !ok {
			continue
		}
		overlap := intentOverlap(targetFiles, other.TargetFiles)
		if len(overlap) == 0 {
			continue
		}
		c.recordConflictLocked(&Conflict{
			Type:        ConflictIntent,
			Severity:    SeverityLow,
			Files:       overlap,
			Agents:      []string{agentID, otherID},
			Description: fmt.Sprintf("intents of %s and %s target overlapping resources %v", agentID, otherID, overlap),
			Suggested: Suggestion{
				Strategy:   StrategyManual,
				Confidence: 0.3,
				Actions:    []string{"coordinate before touching shared targets"},
			},
		})
	}

	c.broadcastLocked(agentID, "intent_declared", map[string]any{
		"intent":       intent,
		"target_files": targetFiles,
	})

	slog.Info("intent declared", "agent", agentID, "targets", len(targetFiles))
	c.emitLocked(Event{Type: EventIntentDeclared, AgentID: agentID,
		Detail: map[string]any{"intent": intent, "target_files": targetFiles}})
	c.persistLocked()
	return nil
}

func intentOverlap(a, b []string) []string {
	var overlap []string
	for _, pa := range a {
		for _, pb := range b {
			if pathsOverlap(pa, pb) {
				overlap = append(overlap, pa)
				break
			}
		}
	}
	return overlap
}

// SendMessage delivers a point-to-point or broadcast message into
// agent inboxes. Broadcast excludes the sender; an unknown recipient
// is an error.
func (c *Coordinator) SendMessage(from, to, msgType string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if to != Broadcast {
		if _, ok := c.agents[to]; !ok {
			return fmt.Errorf("send to %s: %w", to, ErrAgentNotFound)
		}
	}

	if to == Broadcast {
		c.broadcastLocked(from, msgType, payload)
	} else {
		c.deliverLocked(from, to, msgType, payload)
	}

	if msgType == "coordination_response" {
		c.resolveWaitersLocked(payload)
	}

	c.persistLocked()
	return nil
}

func (c *Coordinator) broadcastLocked(from, msgType string, payload map[string]any) {
	for _, id := range c.agentOrder {
		if id == from {
			continue
		}
		c.deliverLocked(from, id, msgType, payload)
	}
}

func (c *Coordinator) deliverLocked(from, to, msgType string, payload map[string]any) {
	c.inboxes[to] = append(c.inboxes[to], Message{
		ID:      uuid.New().String(),
		From:    from,
		To:      to,
		Type:    msgType,
		Payload: payload,
		SentAt:  c.clk.Now(),
	})
}

// Messages drains the agent's inbox: the returned messages are removed
// and a second call returns nothing new.
func (c *Coordinator) Messages(agentID string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.agents[agentID]; !ok {
		return nil, fmt.Errorf("messages for %s: %w", agentID, ErrAgentNotFound)
	}

	msgs := c.inboxes[agentID]
	delete(c.inboxes, agentID)
	if len(msgs) > 0 {
		c.persistLocked()
	}
	return msgs, nil
}

// accessWaiter is a pending CoordinateFileAccess call parked until a
// coordination_response arrives or the timeout fires.
type accessWaiter struct {
	agentID string
	ch      chan bool
}

func (w *accessWaiter) deliver(approved bool) {
	select {
	case w.ch <- approved:
	default:
	}
}

// CoordinateFileAccess negotiates access to a resource before work
// starts. With no predicted conflicts it approves immediately.
// Otherwise it broadcasts a coordination_request and waits up to the
// configured timeout for any agent to answer with a
// coordination_response for the same path: approval resolves true,
// denial or timeout false. The wait is cancellable through ctx.
func (c *Coordinator) CoordinateFileAccess(ctx context.Context, path, agentID, operation string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := c.agents[agentID]; !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("coordinate access for %s: %w", agentID, ErrAgentNotFound)
	}

	predicted := c.predictLocked(path, agentID, operation)
	if len(predicted) == 0 {
		c.mu.Unlock()
		return true, nil
	}

	waiter := &accessWaiter{agentID: agentID, ch: make(chan bool, 1)}
	c.waiters[path] = append(c.waiters[path], waiter)

	c.broadcastLocked(agentID, "coordination_request", map[string]any{
		"path":      path,
		"agent_id":  agentID,
		"operation": operation,
	})
	timeout := c.cfg.CoordinationTimeout.Std()
	c.persistLocked()
	c.mu.Unlock()

	slog.Info("coordination requested", "path", path, "agent", agentID,
		"operation", operation, "warnings", len(predicted))

	select {
	case approved := <-waiter.ch:
		return approved, nil
	case <-c.clk.After(timeout):
		c.removeWaiter(path, waiter)
		slog.Info("coordination timed out", "path", path, "agent", agentID)
		return false, nil
	case <-ctx.Done():
		c.removeWaiter(path, waiter)
		return false, ctx.Err()
	}
}

// resolveWaitersLocked completes pending coordination waits for the
// path named in a coordination_response payload.
func (c *Coordinator) resolveWaitersLocked(payload map[string]any) {
	path, _ := payload["path"].(string)
	if path == "" {
		return
	}
	approved, _ := payload["approved"].(bool)

	for _, w := range c.waiters[path] {
		w.deliver(approved)
	}
	delete(c.waiters, path)
}

func (c *Coordinator) removeWaiter(path string, waiter *accessWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[path]
	for i, w := range ws {
		if w == waiter {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, path)
	} else {
		c.waiters[path] = ws
	}
}
