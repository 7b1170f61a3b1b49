package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/foreman-dev/foreman/internal/coordinator"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Read-only coordination state
	mux.HandleFunc("GET /api/state", s.getState)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/locks", s.listLocks)
	mux.HandleFunc("GET /api/conflicts", s.listConflicts)
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Mutations
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.heartbeat)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.resolveConflict)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.State())
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()
	out := st.Agents
	if out == nil {
		out = []coordinator.Agent{}
	}
	jsonResponse(w, out)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()

	// Optional status filter, e.g. /api/tasks?status=pending
	filter := r.URL.Query().Get("status")
	out := make([]coordinator.Task, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		if filter != "" && string(t.Status) != filter {
			continue
		}
		out = append(out, t)
	}
	jsonResponse(w, out)
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()
	out := st.Locks
	if out == nil {
		out = []coordinator.Lock{}
	}
	jsonResponse(w, out)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()

	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	out := make([]coordinator.Conflict, 0, len(st.Conflicts))
	for _, c := range st.Conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()

	activeAgents, pendingTasks, openConflicts := 0, 0, 0
	for _, a := range st.Agents {
		if a.Status != coordinator.AgentOffline {
			activeAgents++
		}
	}
	for _, t := range st.Tasks {
		if t.Status == coordinator.TaskPending || t.Status == coordinator.TaskBlocked {
			pendingTasks++
		}
	}
	for _, c := range st.Conflicts {
		if !c.Resolved {
			openConflicts++
		}
	}

	jsonResponse(w, map[string]any{
		"status":         "ok",
		"session":        st.Session,
		"active_agents":  activeAgents,
		"agents_count":   len(st.Agents),
		"pending_tasks":  pendingTasks,
		"open_conflicts": openConflicts,
		"locks_held":     len(st.Locks),
		"uptime":         formatUptime(time.Since(s.startedAt)),
		"timestamp":      time.Now().UTC(),
		"version":        s.version,
	})
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var spec coordinator.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	agent, err := s.coord.RegisterAgent(spec)
	if err != nil {
		if errors.Is(err, coordinator.ErrAgentExists) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, agent)
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.UnregisterAgent(id); err != nil {
		if errors.Is(err, coordinator.ErrAgentNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "unregistered"})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Heartbeat(id); err != nil {
		if errors.Is(err, coordinator.ErrAgentNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var spec coordinator.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if spec.Description == "" {
		jsonError(w, "description is required", http.StatusBadRequest)
		return
	}
	task, err := s.coord.CreateTask(spec)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		AgentID string `json:"agent_id"`
		Result  string `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ok, err := s.coord.CompleteTask(id, body.AgentID, body.Result)
	if err != nil {
		if errors.Is(err, coordinator.ErrTaskNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		jsonError(w, "task is not assigned to this agent", http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"status": "completed"})
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Strategy coordinator.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resolved, err := s.coord.ResolveConflict(id, body.Strategy)
	if err != nil {
		if errors.Is(err, coordinator.ErrConflictNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]any{"resolved": resolved})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
