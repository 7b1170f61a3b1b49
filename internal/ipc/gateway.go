package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foreman-dev/foreman/internal/bus"
	"github.com/foreman-dev/foreman/internal/coordinator"
	"github.com/nats-io/nats.go"
)

// Gateway exposes the coordinator over NATS request-reply. Each
// operation listens on its own subject under foreman.ipc.*; the reply
// is a JSON object carrying either the result or an "error" field.
type Gateway struct {
	coord  *coordinator.Coordinator
	client *bus.Client
	sub    *nats.Subscription
}

func NewGateway(coord *coordinator.Coordinator, client *bus.Client) (*Gateway, error) {
	g := &Gateway{coord: coord, client: client}

	sub, err := client.Subscribe(bus.TopicOpsAll, func(msg *nats.Msg) {
		g.handle(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe ipc: %w", err)
	}
	g.sub = sub
	return g, nil
}

func (g *Gateway) Close() {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
}

func (g *Gateway) handle(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, "foreman.ipc.")
	slog.Debug("ipc request", "op", op, "bytes", len(msg.Data))

	switch op {
	case "register_agent":
		g.registerAgent(msg)
	case "unregister_agent":
		g.unregisterAgent(msg)
	case "heartbeat":
		g.heartbeat(msg)
	case "update_status":
		g.updateStatus(msg)
	case "create_task":
		g.createTask(msg)
	case "assign_task":
		g.assignTask(msg)
	case "complete_task":
		g.completeTask(msg)
	case "request_lock":
		g.requestLock(msg)
	case "release_lock":
		g.releaseLock(msg)
	case "track_file":
		g.trackFile(msg)
	case "notify_change":
		g.notifyChange(msg)
	case "declare_intent":
		g.declareIntent(msg)
	case "predict_conflicts":
		g.predictConflicts(msg)
	case "report_conflict":
		g.reportConflict(msg)
	case "resolve_conflict":
		g.resolveConflict(msg)
	case "send_message":
		g.sendMessage(msg)
	case "messages":
		g.messages(msg)
	case "coordinate_access":
		// Blocks up to the coordination timeout; run off the
		// subscription goroutine so other requests keep flowing.
		go g.coordinateAccess(msg)
	case "state":
		g.state(msg)
	default:
		slog.Warn("unknown ipc op", "op", op)
		g.respond(msg, map[string]any{"error": "unknown op: " + op})
	}
}

func (g *Gateway) respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal ipc response failed", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("ipc respond failed", "error", err)
	}
}

func (g *Gateway) fail(msg *nats.Msg, err error) {
	g.respond(msg, map[string]any{"error": err.Error()})
}

func (g *Gateway) registerAgent(msg *nats.Msg) {
	var spec coordinator.AgentSpec
	if err := json.Unmarshal(msg.Data, &spec); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	agent, err := g.coord.RegisterAgent(spec)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "agent": agent})
}

func (g *Gateway) unregisterAgent(msg *nats.Msg) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.UnregisterAgent(req.AgentID); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) heartbeat(msg *nats.Msg) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.Heartbeat(req.AgentID); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) updateStatus(msg *nats.Msg) {
	var req struct {
		AgentID string                  `json:"agent_id"`
		Status  coordinator.AgentStatus `json:"status"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.UpdateAgentStatus(req.AgentID, req.Status); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) createTask(msg *nats.Msg) {
	var spec coordinator.TaskSpec
	if err := json.Unmarshal(msg.Data, &spec); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	task, err := g.coord.CreateTask(spec)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "task": task})
}

func (g *Gateway) assignTask(msg *nats.Msg) {
	var req struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	ok, err := g.coord.AssignTask(req.TaskID, req.AgentID)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "assigned": ok})
}

func (g *Gateway) completeTask(msg *nats.Msg) {
	var req struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	ok, err := g.coord.CompleteTask(req.TaskID, req.AgentID, req.Result)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "completed": ok})
}

func (g *Gateway) requestLock(msg *nats.Msg) {
	var req struct {
		Path    string               `json:"path"`
		AgentID string               `json:"agent_id"`
		Type    coordinator.LockType `json:"type"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	granted, err := g.coord.RequestLock(req.Path, req.AgentID, req.Type)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "granted": granted})
}

func (g *Gateway) releaseLock(msg *nats.Msg) {
	var req struct {
		Path    string `json:"path"`
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.ReleaseLock(req.Path, req.AgentID); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) trackFile(msg *nats.Msg) {
	var req struct {
		Path    string `json:"path"`
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	fs, err := g.coord.TrackFile(req.Path, req.AgentID)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "file": fs})
}

func (g *Gateway) notifyChange(msg *nats.Msg) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.NotifyResourceChanged(req.Path); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) declareIntent(msg *nats.Msg) {
	var req struct {
		AgentID     string   `json:"agent_id"`
		Intent      string   `json:"intent"`
		TargetFiles []string `json:"target_files"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.DeclareIntent(req.AgentID, req.Intent, req.TargetFiles); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) predictConflicts(msg *nats.Msg) {
	var req struct {
		Path      string `json:"path"`
		AgentID   string `json:"agent_id"`
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	warnings := g.coord.PredictConflicts(req.Path, req.AgentID, req.Operation)
	g.respond(msg, map[string]any{"ok": true, "warnings": warnings})
}

func (g *Gateway) reportConflict(msg *nats.Msg) {
	var conflict coordinator.Conflict
	if err := json.Unmarshal(msg.Data, &conflict); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	stored, err := g.coord.ReportConflict(conflict)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "conflict": stored})
}

func (g *Gateway) resolveConflict(msg *nats.Msg) {
	var req struct {
		ConflictID string               `json:"conflict_id"`
		Strategy   coordinator.Strategy `json:"strategy"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	resolved, err := g.coord.ResolveConflict(req.ConflictID, req.Strategy)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "resolved": resolved})
}

func (g *Gateway) sendMessage(msg *nats.Msg) {
	var req struct {
		From    string         `json:"from"`
		To      string         `json:"to"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := g.coord.SendMessage(req.From, req.To, req.Type, req.Payload); err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) messages(msg *nats.Msg) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	msgs, err := g.coord.Messages(req.AgentID)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "messages": msgs})
}

func (g *Gateway) coordinateAccess(msg *nats.Msg) {
	var req struct {
		Path      string `json:"path"`
		AgentID   string `json:"agent_id"`
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	approved, err := g.coord.CoordinateFileAccess(context.Background(), req.Path, req.AgentID, req.Operation)
	if err != nil {
		g.fail(msg, err)
		return
	}
	g.respond(msg, map[string]any{"ok": true, "approved": approved})
}

func (g *Gateway) state(msg *nats.Msg) {
	g.respond(msg, map[string]any{"ok": true, "state": g.coord.State()})
}
