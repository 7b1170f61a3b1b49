package coordinator

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RegisterAgent adds an agent with status idle. A blank spec ID gets a
// generated one; a duplicate ID is an error.
func (c *Coordinator) RegisterAgent(spec AgentSpec) (*Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, ok := c.agents[id]; ok {
		return nil, fmt.Errorf("register %s: %w", id, ErrAgentExists)
	}

	now := c.clk.Now()
	agent := &Agent{
		ID:           id,
		Name:         spec.Name,
		Type:         spec.Type,
		Capabilities: spec.Capabilities,
		Status:       AgentIdle,
		LastActivity: now,
		RegisteredAt: now,
	}
	c.agents[id] = agent
	c.agentOrder = append(c.agentOrder, id)

	slog.Info("agent registered", "agent", id, "name", spec.Name, "type", spec.Type)
	c.emitLocked(Event{Type: EventAgentRegistered, AgentID: id})

	// A new agent may unblock waiting work.
	c.reevaluateLocked()
	c.persistLocked()

	out := *agent
	return &out, nil
}

// UnregisterAgent removes an agent: every lock it holds is released,
// its assigned task (if any) returns to pending and is rescheduled.
func (c *Coordinator) UnregisterAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.agents[id]; !ok {
		return fmt.Errorf("unregister %s: %w", id, ErrAgentNotFound)
	}

	c.unregisterLocked(id)
	c.reevaluateLocked()
	c.persistLocked()
	return nil
}

func (c *Coordinator) unregisterLocked(id string) {
	agent := c.agents[id]

	c.releaseAgentLocksLocked(id)

	if agent.CurrentTaskID != "" {
		if task, ok := c.tasks[agent.CurrentTaskID]; ok && task.Status == TaskAssigned {
			task.Status = TaskPending
			task.AssignedAgentID = ""
			task.HeldLocks = nil
			task.StartedAt = nil
			slog.Info("task requeued after unregister", "task", task.ID, "agent", id)
		}
	}

	delete(c.agents, id)
	delete(c.intents, id)
	delete(c.inboxes, id)
	for i, aid := range c.agentOrder {
		if aid == id {
			c.agentOrder = append(c.agentOrder[:i], c.agentOrder[i+1:]...)
			break
		}
	}

	slog.Info("agent unregistered", "agent", id)
	c.emitLocked(Event{Type: EventAgentUnregistered, AgentID: id})
}

// Heartbeat records agent activity. An offline agent that reports in
// again is revived to idle, or busy when it still holds a task.
func (c *Coordinator) Heartbeat(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	agent, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrAgentNotFound)
	}

	agent.LastActivity = c.clk.Now()
	if agent.Status == AgentOffline {
		if agent.CurrentTaskID != "" {
			agent.Status = AgentBusy
		} else {
			agent.Status = AgentIdle
		}
		slog.Info("agent back online", "agent", id, "status", agent.Status)
		c.emitLocked(Event{Type: EventAgentStatusChanged, AgentID: id,
			Detail: map[string]any{"status": agent.Status}})
		c.reevaluateLocked()
	}
	c.persistLocked()
	return nil
}

// UpdateAgentStatus sets an agent's status explicitly and refreshes
// its activity timestamp.
func (c *Coordinator) UpdateAgentStatus(id string, status AgentStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	agent, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("update status %s: %w", id, ErrAgentNotFound)
	}
	switch status {
	case AgentIdle, AgentBusy, AgentOffline:
	default:
		return fmt.Errorf("unknown agent status %q", status)
	}

	agent.Status = status
	agent.LastActivity = c.clk.Now()
	c.emitLocked(Event{Type: EventAgentStatusChanged, AgentID: id,
		Detail: map[string]any{"status": status}})

	if status == AgentIdle {
		c.reevaluateLocked()
	}
	c.persistLocked()
	return nil
}

// sweepLiveness marks agents silent for longer than 3x the heartbeat
// interval as offline. Their locks and task stay held; the lock sweep
// and explicit unregistration reap those. When offline_grace is set,
// agents offline past the grace are auto-unregistered with the full
// cascade.
func (c *Coordinator) sweepLiveness() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := c.clk.Now()
	stale := 3 * c.cfg.HeartbeatInterval.Std()
	changed := false

	for _, id := range append([]string(nil), c.agentOrder...) {
		agent := c.agents[id]
		silence := now.Sub(agent.LastActivity)

		if agent.Status != AgentOffline && silence > stale {
			agent.Status = AgentOffline
			changed = true
			slog.Warn("agent marked offline", "agent", id, "silent_for", silence)
			c.emitLocked(Event{Type: EventAgentStatusChanged, AgentID: id,
				Detail: map[string]any{"status": AgentOffline}})
			continue
		}

		if grace := c.cfg.OfflineGrace.Std(); grace > 0 &&
			agent.Status == AgentOffline && silence > stale+grace {
			c.unregisterLocked(id)
			changed = true
		}
	}

	if changed {
		c.reevaluateLocked()
		c.persistLocked()
	}
}
