package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
)

func stateKey(session string) string { return "state/" + session }

// snapshotLocked renders the full coordinator state as a detached
// copy. It backs both State() and the persisted snapshot.
func (c *Coordinator) snapshotLocked() State {
	now := c.clk.Now()

	st := State{
		Session: c.session,
		SavedAt: now,
		TaskSeq: c.taskSeq,
	}

	for _, id := range c.agentOrder {
		st.Agents = append(st.Agents, *c.agents[id])
	}

	for _, t := range c.tasks {
		st.Tasks = append(st.Tasks, *t)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Seq < st.Tasks[j].Seq })

	var paths []string
	for path := range c.locks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		st.Locks = append(st.Locks, c.validLocksLocked(path, now)...)
	}

	var files []string
	for path := range c.files {
		files = append(files, path)
	}
	sort.Strings(files)
	for _, path := range files {
		fs := *c.files[path]
		// Render the lock view from the authoritative lock table.
		fs.LockStatus = "free"
		fs.LockHolder = ""
		fs.LockExpires = nil
		if locks := c.validLocksLocked(path, now); len(locks) > 0 {
			fs.LockStatus = string(locks[0].Type)
			fs.LockHolder = locks[0].AgentID
			expires := locks[0].ExpiresAt
			fs.LockExpires = &expires
		}
		st.Files = append(st.Files, fs)
	}

	for _, id := range c.agentOrder {
		if in, ok := c.intents[id]; ok {
			st.Intents = append(st.Intents, *in)
		}
	}

	for _, cf := range c.conflicts {
		st.Conflicts = append(st.Conflicts, *cf)
	}

	if len(c.inboxes) > 0 {
		st.Inboxes = make(map[string][]Message, len(c.inboxes))
		for id, msgs := range c.inboxes {
			st.Inboxes[id] = append([]Message(nil), msgs...)
		}
	}

	return st
}

// State returns a read-only snapshot of agents, tasks, locks, tracked
// files, intents, conflicts and inboxes.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// persistLocked writes the current state to the key-value store. A
// failed write is logged and swallowed: in-memory state stays
// authoritative and a transient persistence outage must not block the
// coordinator.
func (c *Coordinator) persistLocked() {
	if c.kv == nil {
		return
	}

	blob, err := c.codec.Encode(c.snapshotLocked())
	if err != nil {
		slog.Warn("snapshot encode failed", "session", c.session, "error", err)
		return
	}
	if err := c.kv.Set(stateKey(c.session), blob); err != nil {
		slog.Warn("snapshot write failed", "session", c.session, "error", err)
	}
}

// restore loads the snapshot for this session, falling back to the
// most recently written session when this one has none.
func (c *Coordinator) restore() error {
	blob, err := c.kv.Get(stateKey(c.session))
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if blob == nil {
		keys, err := c.kv.Keys("state/")
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		latest := keys[len(keys)-1]
		blob, err = c.kv.Get(latest)
		if err != nil || blob == nil {
			return fmt.Errorf("read snapshot %s: %w", latest, err)
		}
	}

	var st State
	if err := c.codec.Decode(blob, &st); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	c.load(st)
	slog.Info("state restored", "session", st.Session,
		"agents", len(st.Agents), "tasks", len(st.Tasks), "conflicts", len(st.Conflicts))
	return nil
}

func (c *Coordinator) load(st State) {
	c.taskSeq = st.TaskSeq

	for i := range st.Agents {
		a := st.Agents[i]
		c.agents[a.ID] = &a
		c.agentOrder = append(c.agentOrder, a.ID)
	}
	for i := range st.Tasks {
		t := st.Tasks[i]
		c.tasks[t.ID] = &t
	}
	for i := range st.Locks {
		l := st.Locks[i]
		c.locks[l.ResourcePath] = append(c.locks[l.ResourcePath], l)
	}
	for i := range st.Files {
		f := st.Files[i]
		c.files[f.Path] = &f
	}
	for i := range st.Intents {
		in := st.Intents[i]
		c.intents[in.AgentID] = &in
	}
	for i := range st.Conflicts {
		cf := st.Conflicts[i]
		c.conflicts = append(c.conflicts, &cf)
	}
	for id, msgs := range st.Inboxes {
		c.inboxes[id] = msgs
	}
}
