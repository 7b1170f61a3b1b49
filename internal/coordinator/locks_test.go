package coordinator

import (
	"testing"
	"time"

	"github.com/foreman-dev/foreman/internal/config"
)

func TestWriteLockExcludesSecondWriter(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	f.register(t, "bob")

	ok, err := f.c.RequestLock("spec.json", "alice", LockWrite)
	if err != nil || !ok {
		t.Fatalf("first write lock: ok=%v err=%v", ok, err)
	}

	ok, err = f.c.RequestLock("spec.json", "bob", LockWrite)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if ok {
		t.Fatal("second write lock must be denied")
	}

	violations := f.conflicts(ConflictLockViolation)
	if len(violations) != 1 {
		t.Fatalf("expected exactly 1 lock_violation, got %d", len(violations))
	}
	v := violations[0]
	if v.Severity != SeverityMedium {
		t.Errorf("expected medium severity, got %s", v.Severity)
	}
	if v.Suggested.Strategy != StrategyAutoMerge || v.Suggested.Confidence != 0.7 {
		t.Errorf("expected auto_merge/0.7 suggestion, got %+v", v.Suggested)
	}
	if !containsAll(v.Agents, "alice", "bob") {
		t.Errorf("conflict must name both agents, got %v", v.Agents)
	}
	if len(v.Files) != 1 || v.Files[0] != "spec.json" {
		t.Errorf("conflict must name the resource, got %v", v.Files)
	}
}

func containsAll(haystack []string, needles ...string) bool {
	for _, n := range needles {
		found := false
		for _, h := range haystack {
			if h == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestReadLocksAreCompatible(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	f.register(t, "bob")
	f.register(t, "carol")

	for _, agent := range []string{"alice", "bob"} {
		if ok, err := f.c.RequestLock("notes.md", agent, LockRead); err != nil || !ok {
			t.Fatalf("read lock for %s: ok=%v err=%v", agent, ok, err)
		}
	}
	if ok, _ := f.c.RequestLock("notes.md", "carol", LockWrite); ok {
		t.Error("write lock must be denied while reads are held")
	}
	if ok, _ := f.c.RequestLock("notes.md", "carol", LockExclusive); ok {
		t.Error("exclusive lock must be denied while reads are held")
	}
}

func TestSameAgentRenewalExtendsLease(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")

	if ok, _ := f.c.RequestLock("a.txt", "alice", LockWrite); !ok {
		t.Fatal("initial grant failed")
	}
	first := f.c.State().Locks[0].ExpiresAt

	f.clk.Advance(2 * time.Minute)
	if ok, _ := f.c.RequestLock("a.txt", "alice", LockWrite); !ok {
		t.Fatal("renewal failed")
	}

	renewed := f.c.State().Locks[0].ExpiresAt
	if !renewed.After(first) {
		t.Errorf("renewal must extend expiry: %v -> %v", first, renewed)
	}
	if len(f.c.State().Locks) != 1 {
		t.Errorf("renewal must not duplicate the lease")
	}
}

func TestSameAgentCanUpgradeLockType(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")

	if ok, _ := f.c.RequestLock("a.txt", "alice", LockRead); !ok {
		t.Fatal("read grant failed")
	}
	if ok, _ := f.c.RequestLock("a.txt", "alice", LockWrite); !ok {
		t.Fatal("same-holder upgrade must succeed")
	}
	if got := f.c.State().Locks[0].Type; got != LockWrite {
		t.Errorf("expected write after upgrade, got %s", got)
	}
}

func TestExpiredLockNeverBlocks(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	f.register(t, "bob")

	if ok, _ := f.c.RequestLock("spec.json", "alice", LockWrite); !ok {
		t.Fatal("grant failed")
	}

	// Still blocking just before the 5 minute TTL.
	f.clk.Advance(4*time.Minute + 59*time.Second)
	if ok, _ := f.c.RequestLock("spec.json", "bob", LockWrite); ok {
		t.Fatal("lock must still block at t+4m59s")
	}

	// Free just after.
	f.clk.Advance(2 * time.Second)
	if ok, _ := f.c.RequestLock("spec.json", "bob", LockWrite); !ok {
		t.Fatal("expired lock must not block at t+5m1s")
	}

	if got := len(f.conflicts(ConflictLockViolation)); got != 1 {
		t.Errorf("expected exactly 1 lock_violation from the denied request, got %d", got)
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice")
	f.register(t, "bob")

	if ok, _ := f.c.RequestLock("a.txt", "alice", LockWrite); !ok {
		t.Fatal("grant failed")
	}
	if err := f.c.ReleaseLock("a.txt", "bob"); err != nil {
		t.Fatalf("release by non-holder must not error: %v", err)
	}
	if len(f.c.State().Locks) != 1 {
		t.Error("non-holder release must not drop the lease")
	}
}

func TestSweepReclaimsExpiredLocksAndReschedules(t *testing.T) {
	f := newFixtureWithConfig(t, config.CoordinatorConfig{
		LockTTL: config.Duration(time.Minute),
		// Generous heartbeat so the liveness threshold is not hit.
		HeartbeatInterval: config.Duration(time.Hour),
	})
	f.register(t, "alice", Capability{Domain: "frontend"})
	f.register(t, "bob", Capability{Domain: "backend"})

	if ok, _ := f.c.RequestLock("backend/api.go", "alice", LockWrite); !ok {
		t.Fatal("grant failed")
	}

	task, err := f.c.CreateTask(TaskSpec{
		Description: "modify backend/api.go",
		Locks:       []LockRequest{{ResourcePath: "backend/api.go", Type: LockWrite}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if got := f.c.State().Tasks[0].Status; got != TaskBlocked {
		t.Fatalf("expected blocked while lock held, got %s", got)
	}

	events := f.c.Events()
	f.clk.Advance(2 * time.Minute)
	f.c.sweepLocks()

	sawExpired := false
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventLockExpired && ev.Path == "backend/api.go" {
				sawExpired = true
				done = true
			}
		default:
			done = true
		}
	}
	if !sawExpired {
		t.Error("expected lock_expired event from sweep")
	}

	st := f.c.State()
	if st.Tasks[0].Status != TaskAssigned || st.Tasks[0].AssignedAgentID != "bob" {
		t.Errorf("expected task %s assigned to bob after sweep, got %s/%s",
			task.ID, st.Tasks[0].Status, st.Tasks[0].AssignedAgentID)
	}
}
