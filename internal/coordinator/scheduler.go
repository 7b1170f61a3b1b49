package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// CreateTask adds a task and immediately tries to assign it.
func (c *Coordinator) CreateTask(spec TaskSpec) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	task, err := c.createTaskLocked(spec)
	if err != nil {
		return nil, err
	}

	c.tryAssignLocked(task)
	c.persistLocked()

	out := *task
	return &out, nil
}

func (c *Coordinator) createTaskLocked(spec TaskSpec) (*Task, error) {
	if spec.Description == "" {
		return nil, fmt.Errorf("task description is required")
	}
	for _, dep := range spec.Dependencies {
		if _, ok := c.tasks[dep]; !ok {
			return nil, fmt.Errorf("dependency %s: %w", dep, ErrTaskNotFound)
		}
	}
	for _, req := range spec.Locks {
		switch req.Type {
		case LockRead, LockWrite, LockExclusive:
		default:
			return nil, fmt.Errorf("lock request %s: unknown lock type %q", req.ResourcePath, req.Type)
		}
	}
	if spec.Schedule != nil {
		if err := spec.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("task schedule: %w", err)
		}
	}

	now := c.clk.Now()
	c.taskSeq++
	task := &Task{
		ID:                uuid.New().String(),
		Description:       spec.Description,
		Priority:          spec.Priority,
		Dependencies:      spec.Dependencies,
		EstimatedDuration: spec.EstimatedDuration,
		Locks:             spec.Locks,
		Schedule:          spec.Schedule,
		Status:            TaskPending,
		Seq:               c.taskSeq,
		CreatedAt:         now,
	}
	if task.Schedule != nil {
		task.NextRunAt = task.Schedule.Next(now)
	}
	c.tasks[task.ID] = task

	slog.Info("task created", "task", task.ID, "priority", task.Priority, "deps", len(task.Dependencies))
	c.emitLocked(Event{Type: EventTaskCreated, TaskID: task.ID})
	return task, nil
}

// lockRequests returns the leases a task needs: the explicit
// declarations when present, otherwise a best-effort inference from
// the description text.
func (c *Coordinator) lockRequests(task *Task) []LockRequest {
	if len(task.Locks) > 0 {
		return task.Locks
	}
	return inferLocks(task.Description)
}

var writeVerbs = []string{"modify", "edit", "write", "update", "fix", "refactor", "create", "delete", "implement"}
var readVerbs = []string{"read", "analyze", "review", "inspect", "audit", "check"}

// inferLocks derives lock requests from free text: path-shaped tokens
// become resources, and the verbs around them pick the lock type.
// This is a documented fallback for callers that do not declare
// explicit LockRequests; it is fragile by nature and defaults to a
// write lock when both kinds of verbs appear.
func inferLocks(description string) []LockRequest {
	lower := strings.ToLower(description)

	lockType := LockType("")
	for _, v := range readVerbs {
		if strings.Contains(lower, v) {
			lockType = LockRead
			break
		}
	}
	for _, v := range writeVerbs {
		if strings.Contains(lower, v) {
			lockType = LockWrite
			break
		}
	}
	if lockType == "" {
		return nil
	}

	var reqs []LockRequest
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(description) {
		tok = strings.Trim(tok, ".,;:!?()[]{}'\"")
		if !pathShaped(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		reqs = append(reqs, LockRequest{ResourcePath: tok, Type: lockType})
	}
	return reqs
}

// pathShaped reports whether a token looks like a resource path: it
// contains a slash, or a dot-separated extension like spec.json.
func pathShaped(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://") {
		return false
	}
	if strings.Contains(tok, "/") {
		return true
	}
	dot := strings.LastIndexByte(tok, '.')
	return dot > 0 && dot < len(tok)-1
}

// canRun reports whether an agent's declared capabilities cover a
// task. An agent with no capabilities, or a "*" domain, is a
// generalist. Otherwise a capability matches when its domain prefixes
// one of the task's resource paths or appears in the description.
func (c *Coordinator) canRun(agent *Agent, task *Task) bool {
	if len(agent.Capabilities) == 0 {
		return true
	}

	reqs := c.lockRequests(task)
	lower := strings.ToLower(task.Description)

	for _, capability := range agent.Capabilities {
		if capability.Domain == "*" {
			return true
		}
		domain := strings.ToLower(capability.Domain)
		for _, req := range reqs {
			p := strings.ToLower(req.ResourcePath)
			if p == domain || strings.HasPrefix(p, domain+"/") {
				return true
			}
		}
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

func (c *Coordinator) depsMetLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		t, ok := c.tasks[dep]
		if !ok || t.Status != TaskCompleted {
			// Recurring dependencies count as met once they have run.
			if ok && t.LastRunAt != nil {
				continue
			}
			return false
		}
	}
	return true
}

// tryAssignLocked attempts to place a pending or blocked task on a
// capable idle agent, in registration order. Unmet dependencies or
// unavailable locks park the task as blocked; lack of an idle agent
// leaves it pending.
func (c *Coordinator) tryAssignLocked(task *Task) bool {
	if task.Status != TaskPending && task.Status != TaskBlocked {
		return false
	}

	now := c.clk.Now()
	if task.NextRunAt != nil && task.NextRunAt.After(now) {
		return false
	}

	if !c.depsMetLocked(task) {
		task.Status = TaskBlocked
		return false
	}

	sawCandidate := false
	for _, id := range c.agentOrder {
		agent := c.agents[id]
		if agent.Status != AgentIdle || !c.canRun(agent, task) {
			continue
		}
		sawCandidate = true
		if c.assignLocked(task, agent) {
			return true
		}
	}

	if sawCandidate {
		// A capable agent was idle but the task's locks are taken;
		// lock release re-evaluates blocked tasks.
		task.Status = TaskBlocked
	} else if task.Status == TaskBlocked {
		task.Status = TaskPending
	}
	return false
}

// assignLocked acquires every lock the task needs, all-or-nothing,
// then binds the task to the agent. On any lock failure the lock table
// for the touched paths is restored exactly as it was, so a failed
// attempt leaves no partial lock set behind.
func (c *Coordinator) assignLocked(task *Task, agent *Agent) bool {
	now := c.clk.Now()
	reqs := c.lockRequests(task)

	saved := make(map[string][]Lock, len(reqs))
	for _, req := range reqs {
		if _, ok := saved[req.ResourcePath]; !ok {
			saved[req.ResourcePath] = append([]Lock(nil), c.locks[req.ResourcePath]...)
		}
	}

	var held []Lock
	for _, req := range reqs {
		if !c.grantableLocked(req.ResourcePath, agent.ID, req.Type, now) {
			for path, locks := range saved {
				if len(locks) == 0 {
					delete(c.locks, path)
				} else {
					c.locks[path] = locks
				}
			}
			return false
		}
		held = append(held, c.grantLocked(req.ResourcePath, agent.ID, req.Type, now))
	}

	task.Status = TaskAssigned
	task.AssignedAgentID = agent.ID
	task.HeldLocks = held
	task.StartedAt = &now

	agent.Status = AgentBusy
	agent.CurrentTaskID = task.ID
	agent.LastActivity = now

	slog.Info("task assigned", "task", task.ID, "agent", agent.ID, "locks", len(held))
	c.emitLocked(Event{Type: EventTaskAssigned, TaskID: task.ID, AgentID: agent.ID})
	return true
}

// AssignTask assigns a specific task to a specific agent. It reports
// false without error when a precondition fails: task not pending,
// agent not idle, capability mismatch, unmet dependency, or any
// required lock unavailable.
func (c *Coordinator) AssignTask(taskID, agentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	task, ok := c.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("assign %s: %w", taskID, ErrTaskNotFound)
	}
	agent, ok := c.agents[agentID]
	if !ok {
		return false, fmt.Errorf("assign to %s: %w", agentID, ErrAgentNotFound)
	}

	if task.Status != TaskPending && task.Status != TaskBlocked {
		return false, nil
	}
	if agent.Status != AgentIdle || !c.canRun(agent, task) {
		return false, nil
	}
	if !c.depsMetLocked(task) {
		task.Status = TaskBlocked
		c.persistLocked()
		return false, nil
	}

	assigned := c.assignLocked(task, agent)
	if assigned {
		c.persistLocked()
	}
	return assigned, nil
}

// CompleteTask finishes a task. Only the agent the task is assigned to
// may complete it; anything else reports false. Completion releases
// the task's locks, frees the agent and re-evaluates all waiting
// tasks. A recurring task is re-armed instead of staying terminal.
func (c *Coordinator) CompleteTask(taskID, agentID, result string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	task, ok := c.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
	}
	agent, ok := c.agents[agentID]
	if !ok {
		return false, fmt.Errorf("complete by %s: %w", agentID, ErrAgentNotFound)
	}
	if task.Status != TaskAssigned || task.AssignedAgentID != agentID {
		return false, nil
	}

	now := c.clk.Now()
	for _, l := range task.HeldLocks {
		if c.releaseLocked(l.ResourcePath, agentID) {
			c.emitLocked(Event{Type: EventLockReleased, AgentID: agentID, Path: l.ResourcePath})
		}
	}
	task.HeldLocks = nil
	task.Result = result
	task.CompletedAt = &now
	task.AssignedAgentID = ""
	task.LastRunAt = &now

	if task.Schedule != nil && task.Schedule.Recurring() {
		task.Status = TaskPending
		task.StartedAt = nil
		task.CompletedAt = nil
		task.NextRunAt = task.Schedule.Next(now)
		slog.Info("recurring task re-armed", "task", task.ID, "next_run", task.NextRunAt)
	} else {
		task.Status = TaskCompleted
	}

	agent.Status = AgentIdle
	agent.CurrentTaskID = ""
	agent.LastActivity = now

	slog.Info("task completed", "task", task.ID, "agent", agentID)
	c.emitLocked(Event{Type: EventTaskCompleted, TaskID: task.ID, AgentID: agentID})

	c.reevaluateLocked()
	c.persistLocked()
	return true, nil
}

// reevaluateLocked retries every pending and blocked task, highest
// priority first, creation order within a priority. Called whenever
// dependency or lock availability may have changed.
func (c *Coordinator) reevaluateLocked() {
	var waiting []*Task
	for _, t := range c.tasks {
		if t.Status == TaskPending || t.Status == TaskBlocked {
			waiting = append(waiting, t)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].Priority != waiting[j].Priority {
			return waiting[i].Priority > waiting[j].Priority
		}
		return waiting[i].Seq < waiting[j].Seq
	})
	for _, t := range waiting {
		c.tryAssignLocked(t)
	}
}
