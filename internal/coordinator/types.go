package coordinator

import (
	"time"

	"github.com/foreman-dev/foreman/internal/schedule"
)

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskBlocked   TaskStatus = "blocked"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
)

type LockType string

const (
	LockRead      LockType = "read"
	LockWrite     LockType = "write"
	LockExclusive LockType = "exclusive"
)

type ConflictType string

const (
	ConflictLockViolation   ConflictType = "lock_violation"
	ConflictConcurrentMod   ConflictType = "concurrent_modification"
	ConflictDependency      ConflictType = "dependency_conflict"
	ConflictIntent          ConflictType = "intent_conflict"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Strategy string

const (
	StrategyAutoMerge      Strategy = "auto_merge"
	StrategyLastWriterWins Strategy = "last_writer_wins"
	StrategyRollback       Strategy = "rollback"
	StrategyBranchSplit    Strategy = "branch_split"
	StrategyDelegate       Strategy = "delegate"
	StrategyManual         Strategy = "manual"
)

// Broadcast is the message recipient that fans out to every registered
// agent except the sender.
const Broadcast = "broadcast"

// Capability declares one work domain an agent can serve, optionally
// narrowed to specific modules within it. A domain of "*" matches any
// task.
type Capability struct {
	Domain  string   `json:"domain"`
	Modules []string `json:"modules,omitempty"`
}

// AgentSpec is the descriptor callers register an agent with. A blank
// ID gets a generated one.
type AgentSpec struct {
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name"`
	Type         string       `json:"type,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          string       `json:"type,omitempty"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
	Status        AgentStatus  `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastActivity  time.Time    `json:"last_activity"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// LockRequest names one lease a task needs before it can run.
type LockRequest struct {
	ResourcePath string   `json:"resource_path"`
	Type         LockType `json:"type"`
}

// Lock is a granted lease. It expires on its own; an expired lock is
// treated as absent everywhere.
type Lock struct {
	ResourcePath string    `json:"resource_path"`
	Type         LockType  `json:"type"`
	AgentID      string    `json:"agent_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TaskSpec is the descriptor callers create a task from. Locks are the
// preferred way to declare resource needs; when empty they are inferred
// from the description as a fallback.
type TaskSpec struct {
	Description       string             `json:"description"`
	Priority          int                `json:"priority,omitempty"`
	Dependencies      []string           `json:"dependencies,omitempty"`
	EstimatedDuration time.Duration      `json:"estimated_duration,omitempty"`
	Locks             []LockRequest      `json:"locks,omitempty"`
	Schedule          *schedule.Schedule `json:"schedule,omitempty"`
}

type Task struct {
	ID                string             `json:"id"`
	Description       string             `json:"description"`
	Priority          int                `json:"priority,omitempty"`
	Dependencies      []string           `json:"dependencies,omitempty"`
	EstimatedDuration time.Duration      `json:"estimated_duration,omitempty"`
	Locks             []LockRequest      `json:"locks,omitempty"`
	Schedule          *schedule.Schedule `json:"schedule,omitempty"`
	Status            TaskStatus         `json:"status"`
	AssignedAgentID   string             `json:"assigned_agent_id,omitempty"`
	HeldLocks         []Lock             `json:"held_locks,omitempty"`
	Result            string             `json:"result,omitempty"`
	Seq               int64              `json:"seq"`
	NextRunAt         *time.Time         `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time         `json:"last_run_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// FileState is the last known observation of a tracked resource. The
// lock view fields are filled in when state is rendered for callers;
// internally the lock table is authoritative.
type FileState struct {
	Path         string     `json:"path"`
	ContentHash  string     `json:"content_hash"`
	LastModified time.Time  `json:"last_modified"`
	LastAgent    string     `json:"last_agent,omitempty"`
	Version      int        `json:"version"`
	TrackedAt    time.Time  `json:"tracked_at"`
	LockStatus   string     `json:"lock_status,omitempty"`
	LockHolder   string     `json:"lock_holder,omitempty"`
	LockExpires  *time.Time `json:"lock_expires,omitempty"`
}

// Intent is a non-binding declaration of planned work, used only for
// predictive conflict warnings.
type Intent struct {
	AgentID     string    `json:"agent_id"`
	Intent      string    `json:"intent"`
	TargetFiles []string  `json:"target_files,omitempty"`
	DeclaredAt  time.Time `json:"declared_at"`
}

// Suggestion is the resolver guidance attached to a conflict.
type Suggestion struct {
	Strategy       Strategy `json:"strategy"`
	Confidence     float64  `json:"confidence"`
	Actions        []string `json:"actions,omitempty"`
	ReviewRequired bool     `json:"review_required"`
}

type Conflict struct {
	ID          string       `json:"id"`
	Type        ConflictType `json:"type"`
	Severity    Severity     `json:"severity"`
	Files       []string     `json:"files,omitempty"`
	Agents      []string     `json:"agents,omitempty"`
	Description string       `json:"description"`
	Suggested   Suggestion   `json:"suggested"`
	Resolved    bool         `json:"resolved"`
	ResolvedBy  string       `json:"resolved_by,omitempty"`
	Resolution  string       `json:"resolution,omitempty"`
	DetectedAt  time.Time    `json:"detected_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

type Message struct {
	ID      string         `json:"id"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// State is a consistent snapshot of everything the coordinator tracks.
// It is both the read-only view returned to observers and the document
// persisted to the key-value store.
type State struct {
	Session   string               `json:"session"`
	SavedAt   time.Time            `json:"saved_at"`
	TaskSeq   int64                `json:"task_seq"`
	Agents    []Agent              `json:"agents,omitempty"`
	Tasks     []Task               `json:"tasks,omitempty"`
	Locks     []Lock               `json:"locks,omitempty"`
	Files     []FileState          `json:"files,omitempty"`
	Intents   []Intent             `json:"intents,omitempty"`
	Conflicts []Conflict           `json:"conflicts,omitempty"`
	Inboxes   map[string][]Message `json:"inboxes,omitempty"`
}
