package ipc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/foreman-dev/foreman/internal/bus"
	"github.com/foreman-dev/foreman/internal/clock"
	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/coordinator"
	"github.com/nats-io/nats.go"
)

type harness struct {
	bus    *bus.Bus
	client *bus.Client
	coord  *coordinator.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b, err := bus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)

	client, err := bus.NewClient(b)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	coord, err := coordinator.New(coordinator.Options{
		Clock:   clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		Session: "ipc-test",
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(coord.Close)

	gw, err := NewGateway(coord, client)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	t.Cleanup(gw.Close)
	client.Flush()

	return &harness{bus: b, client: client, coord: coord}
}

func (h *harness) request(t *testing.T, op string, payload any) map[string]any {
	t.Helper()
	reply, err := h.client.RequestJSON(bus.TopicOp(op), payload, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", op, err)
	}
	var out map[string]any
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		t.Fatalf("decode %s reply: %v", op, err)
	}
	return out
}

func TestGatewayRegisterAndState(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, "register_agent", map[string]any{"id": "alice", "name": "alice"})
	if resp["ok"] != true {
		t.Fatalf("register failed: %v", resp)
	}
	agent := resp["agent"].(map[string]any)
	if agent["id"] != "alice" || agent["status"] != "idle" {
		t.Errorf("unexpected agent: %v", agent)
	}

	resp = h.request(t, "state", nil)
	state := resp["state"].(map[string]any)
	agents := state["agents"].([]any)
	if len(agents) != 1 {
		t.Errorf("expected 1 agent in state, got %d", len(agents))
	}
}

func TestGatewayTaskLifecycle(t *testing.T) {
	h := newHarness(t)
	h.request(t, "register_agent", map[string]any{"id": "alice", "name": "alice"})

	resp := h.request(t, "create_task", map[string]any{
		"description": "modify api/routes.go",
	})
	if resp["ok"] != true {
		t.Fatalf("create failed: %v", resp)
	}
	task := resp["task"].(map[string]any)
	if task["status"] != "assigned" || task["assigned_agent_id"] != "alice" {
		t.Errorf("expected immediate assignment, got %v", task)
	}

	resp = h.request(t, "complete_task", map[string]any{
		"task_id":  task["id"],
		"agent_id": "alice",
		"result":   "done",
	})
	if resp["completed"] != true {
		t.Errorf("complete failed: %v", resp)
	}
}

func TestGatewayLockOps(t *testing.T) {
	h := newHarness(t)
	h.request(t, "register_agent", map[string]any{"id": "alice", "name": "alice"})
	h.request(t, "register_agent", map[string]any{"id": "bob", "name": "bob"})

	resp := h.request(t, "request_lock", map[string]any{
		"path": "a.txt", "agent_id": "alice", "type": "write",
	})
	if resp["granted"] != true {
		t.Fatalf("expected grant: %v", resp)
	}
	resp = h.request(t, "request_lock", map[string]any{
		"path": "a.txt", "agent_id": "bob", "type": "write",
	})
	if resp["granted"] != false {
		t.Fatalf("expected denial: %v", resp)
	}

	resp = h.request(t, "release_lock", map[string]any{"path": "a.txt", "agent_id": "alice"})
	if resp["ok"] != true {
		t.Errorf("release failed: %v", resp)
	}
}

func TestGatewayErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, "heartbeat", map[string]any{"agent_id": "ghost"})
	if resp["error"] == nil {
		t.Errorf("expected error for unknown agent, got %v", resp)
	}

	resp = h.request(t, "no_such_op", nil)
	if resp["error"] == nil {
		t.Errorf("expected error for unknown op, got %v", resp)
	}
}

func TestBridgePublishesEvents(t *testing.T) {
	h := newHarness(t)

	received := make(chan []byte, 4)
	if _, err := h.client.Subscribe(bus.TopicEventsAll, func(msg *nats.Msg) {
		received <- msg.Data
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.client.Flush()

	done := Bridge(h.client, h.coord.Events())

	h.request(t, "register_agent", map[string]any{"id": "alice", "name": "alice"})

	select {
	case data := <-received:
		var ev coordinator.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != coordinator.EventAgentRegistered || ev.AgentID != "alice" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bridged event")
	}

	h.coord.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not drain after close")
	}
}
