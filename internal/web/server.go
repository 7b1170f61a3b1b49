package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foreman-dev/foreman/internal/bus"
	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/coordinator"
	"github.com/nats-io/nats.go"
)

// Server exposes the coordinator state over HTTP and streams events to
// WebSocket clients. Authentication is HTTP Basic with the configured
// password; an empty password disables the check.
type Server struct {
	coord     *coordinator.Coordinator
	busRef    *bus.Bus
	nats      *bus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(coord *coordinator.Coordinator, b *bus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		coord:     coord,
		busRef:    b,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to bus events and broadcast to WebSocket
	s.subscribeEvents()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the routed handler with middleware applied, for
// embedding and tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="foreman"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) subscribeEvents() {
	if s.busRef == nil {
		return
	}
	client, err := bus.NewClient(s.busRef)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	// Forward all coordination events to WebSocket as raw JSON
	_, _ = client.Subscribe(bus.TopicEventsAll, func(msg *nats.Msg) {
		var event coordinator.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid event payload", "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
}
