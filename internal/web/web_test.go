package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foreman-dev/foreman/internal/clock"
	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/coordinator"
)

func newTestServer(t *testing.T, cfg config.WebConfig) (*Server, *coordinator.Coordinator) {
	t.Helper()
	coord, err := coordinator.New(coordinator.Options{
		Clock:   clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		Session: "web-test",
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	return NewServer(coord, nil, cfg, "test"), coord
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndListAgents(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	h := s.Handler()

	rec := doJSON(t, h, "POST", "/api/agents", map[string]any{"id": "alice", "name": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body)
	}

	// Duplicate registration is a conflict.
	rec = doJSON(t, h, "POST", "/api/agents", map[string]any{"id": "alice", "name": "alice"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", rec.Code)
	}

	rec = doJSON(t, h, "GET", "/api/agents", nil)
	var agents []coordinator.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "alice" {
		t.Errorf("unexpected agents: %+v", agents)
	}
}

func TestTaskEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	h := s.Handler()

	doJSON(t, h, "POST", "/api/agents", map[string]any{"id": "alice", "name": "alice"})

	rec := doJSON(t, h, "POST", "/api/tasks", map[string]any{"description": "modify api/routes.go"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create task status %d: %s", rec.Code, rec.Body)
	}
	var task coordinator.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != coordinator.TaskAssigned {
		t.Errorf("expected assigned, got %s", task.Status)
	}

	// Filtered listing.
	rec = doJSON(t, h, "GET", "/api/tasks?status=pending", nil)
	var pending []coordinator.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending tasks, got %d", len(pending))
	}

	// Completion by the wrong agent is rejected.
	rec = doJSON(t, h, "POST", "/api/tasks/"+task.ID+"/complete",
		map[string]any{"agent_id": "ghost", "result": "nope"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for wrong agent, got %d", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/api/tasks/"+task.ID+"/complete",
		map[string]any{"agent_id": "alice", "result": "done"})
	if rec.Code != http.StatusOK {
		t.Errorf("complete status %d: %s", rec.Code, rec.Body)
	}

	// Missing description is a bad request.
	rec = doJSON(t, h, "POST", "/api/tasks", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty task, got %d", rec.Code)
	}
}

func TestConflictEndpoints(t *testing.T) {
	s, coord := newTestServer(t, config.WebConfig{})
	h := s.Handler()

	doJSON(t, h, "POST", "/api/agents", map[string]any{"id": "alice", "name": "alice"})
	doJSON(t, h, "POST", "/api/agents", map[string]any{"id": "bob", "name": "bob"})

	// A denied lock request queues a conflict.
	if ok, _ := coord.RequestLock("a.txt", "alice", coordinator.LockWrite); !ok {
		t.Fatal("grant failed")
	}
	if ok, _ := coord.RequestLock("a.txt", "bob", coordinator.LockWrite); ok {
		t.Fatal("expected denial")
	}

	rec := doJSON(t, h, "GET", "/api/conflicts?unresolved=true", nil)
	var conflicts []coordinator.Conflict
	if err := json.Unmarshal(rec.Body.Bytes(), &conflicts); err != nil {
		t.Fatalf("decode conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	rec = doJSON(t, h, "POST", "/api/conflicts/"+conflicts[0].ID+"/resolve",
		map[string]any{"strategy": "last_writer_wins"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "POST", "/api/conflicts/no-such-id/resolve",
		map[string]any{"strategy": "manual"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conflict, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	h := s.Handler()

	doJSON(t, h, "POST", "/api/agents", map[string]any{"id": "alice", "name": "alice"})

	rec := doJSON(t, h, "GET", "/api/status", nil)
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["status"] != "ok" || status["session"] != "web-test" {
		t.Errorf("unexpected status: %v", status)
	}
	if status["active_agents"] != float64(1) {
		t.Errorf("expected 1 active agent, got %v", status["active_agents"])
	}
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{Auth: "s3cret"})
	h := s.Handler()

	rec := doJSON(t, h, "GET", "/api/state", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/state", nil)
	req.SetBasicAuth("anyone", "s3cret")
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("expected 200 with password, got %d", out.Code)
	}

	req = httptest.NewRequest("GET", "/api/state", nil)
	req.SetBasicAuth("anyone", "wrong")
	out = httptest.NewRecorder()
	h.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong password, got %d", out.Code)
	}
}
