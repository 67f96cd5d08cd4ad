// Package server exposes the daemon over HTTP: a manual cycle trigger, the
// read API dashboards consume, SSE for live activity, and JWT-protected
// routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/cycle"
	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/store"
)

// CycleRunner triggers one maintenance cycle. *cycle.Coordinator satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context) cycle.Result
}

// Server is the custodian HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	store       store.Store
	coordinator CycleRunner
	bus         *event.Bus

	sseMu      sync.RWMutex
	sseClients map[chan []byte]struct{}

	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a Server wired to the store, coordinator, and event bus.
func New(cfg config.Config, st store.Store, coordinator CycleRunner, bus *event.Bus, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		mux:         http.NewServeMux(),
		logger:      logger,
		store:       st,
		coordinator: coordinator,
		bus:         bus,
		sseClients:  make(map[chan []byte]struct{}),
		startTime:   time.Now(),
		version:     version,
	}
}

// Start registers routes, hooks the event bus into SSE, and begins
// listening.
func (s *Server) Start() error {
	s.registerRoutes()
	if s.bus != nil {
		s.bus.Subscribe(func(_ context.Context, ev event.Event) {
			s.broadcast(ev)
		})
	}

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// SSE auth is handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/cycle", s.handleTriggerCycle)
	apiMux.HandleFunc("GET /api/tasks", s.handleListTasks)
	apiMux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	apiMux.HandleFunc("GET /api/findings", s.handleListFindings)
	apiMux.HandleFunc("GET /api/reports/latest", s.handleLatestReport)
	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE streams bus events to the client as Server-Sent Events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// EventSource can't set headers, so the token rides a query param.
	if _, err := s.verifyToken(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	s.sseMu.Lock()
	s.sseClients[ch] = struct{}{}
	s.sseMu.Unlock()

	defer func() {
		s.sseMu.Lock()
		delete(s.sseClients, ch)
		s.sseMu.Unlock()
		close(ch)
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// broadcast fans a bus event out to every connected SSE client.
func (s *Server) broadcast(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("broadcast event marshal", slog.Any("err", err))
		return
	}

	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- data:
		default:
			// Client channel full, skip
		}
	}
}
