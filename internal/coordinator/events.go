package coordinator

import "time"

type EventType string

const (
	EventAgentRegistered    EventType = "agent_registered"
	EventAgentUnregistered  EventType = "agent_unregistered"
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventTaskCreated        EventType = "task_created"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskCompleted      EventType = "task_completed"
	EventLockGranted        EventType = "lock_granted"
	EventLockReleased       EventType = "lock_released"
	EventLockExpired        EventType = "lock_expired"
	EventConflictDetected   EventType = "conflict_detected"
	EventConflictResolved   EventType = "conflict_resolved"
	EventIntentDeclared     EventType = "intent_declared"
	EventResourceChanged    EventType = "resource_changed"
)

// Event is the single variant type delivered to subscribers. Only the
// fields relevant to the event type are set.
type Event struct {
	Type       EventType      `json:"type"`
	At         time.Time      `json:"at"`
	AgentID    string         `json:"agent_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Path       string         `json:"path,omitempty"`
	ConflictID string         `json:"conflict_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Events returns a channel receiving every event the coordinator emits
// from this point on. The channel is buffered; a subscriber that falls
// behind loses events rather than stalling the coordinator. Close()
// closes all subscriber channels.
func (c *Coordinator) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Event, 256)
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// emitLocked delivers an event to every subscriber without blocking.
func (c *Coordinator) emitLocked(ev Event) {
	ev.At = c.clk.Now()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
