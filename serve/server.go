package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	monument "github.com/monument-sim/monument"
)

// Config holds server configuration.
type Config struct {
	Addr       string
	AdminToken string
	Sim        monument.Config
}

// Server is the HTTP and WebSocket front of the namespace registry.
// Handlers are thin: validation and state changes live in the engine.
type Server struct {
	registry  *monument.Registry
	broker    *EventBroker
	metrics   *Metrics
	promReg   *prometheus.Registry
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Server and its namespace registry. Engine events
// flow through the metrics collectors into the broker.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AdminToken == "" {
		cfg.AdminToken = cfg.Sim.AdminToken
	}
	promReg := prometheus.NewRegistry()
	s := &Server{
		broker:  NewEventBroker(),
		metrics: NewMetrics(promReg),
		promReg: promReg,
		cfg:     cfg,
		logger:  logger,
	}
	pub := monument.PublisherFunc(func(event monument.Event) {
		s.metrics.Observe(event)
		s.broker.Publish(event)
	})
	s.registry = monument.NewRegistry(cfg.Sim, logger, pub)
	return s
}

// Registry exposes the namespace registry for the CLI.
func (s *Server) Registry() *monument.Registry {
	return s.registry
}

// Start registers routes and listens for HTTP requests. It blocks until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serve: listening", "addr", s.cfg.Addr, "data_dir", s.cfg.Sim.DataDir)
		fmt.Printf("API:     http://localhost%s/sim/{ns}/status\n", s.cfg.Addr)
		fmt.Printf("Metrics: http://localhost%s/metrics\n", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("serve: shutting down")
	case err := <-errCh:
		return err
	}

	// Close broker first — this closes all subscriber channels,
	// unblocking the WebSocket pumps so the HTTP server can drain.
	s.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("serve: shutdown error", "error", err)
	}
	s.registry.Shutdown()

	return nil
}

// routes builds the full handler tree.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Agent surface
	mux.HandleFunc("GET /sim/{ns}/agent/{id}/context", s.handleAgentContext)
	mux.HandleFunc("POST /sim/{ns}/agent/{id}/action", s.handleAgentAction)

	// Adjudicator surface
	mux.HandleFunc("GET /sim/{ns}/adjudicator/pending", s.handleScorePending)
	mux.HandleFunc("POST /sim/{ns}/adjudicator/score", s.handleScoreSubmit)

	// Replay and status
	mux.HandleFunc("GET /sim/{ns}/replay", s.handleReplay)
	mux.HandleFunc("GET /sim/{ns}/replay/state", s.handleReplayState)
	mux.HandleFunc("GET /sim/{ns}/replay/export", s.handleReplayExport)
	mux.HandleFunc("GET /sim/{ns}/status", s.handleStatus)

	// Live stream
	mux.HandleFunc("GET /sim/{ns}/ws/live", s.handleLive)

	// Admin surface
	mux.HandleFunc("GET /admin/sims", s.handleListSims)
	mux.HandleFunc("POST /sim/{ns}/admin/create", s.handleCreate)
	mux.HandleFunc("POST /sim/{ns}/admin/reset", s.handleReset)
	mux.HandleFunc("POST /sim/{ns}/admin/actors", s.handleAddActor)
	mux.HandleFunc("PATCH /sim/{ns}/admin/actors/{id}", s.handlePatchActor)
	mux.HandleFunc("DELETE /sim/{ns}/admin/actors/{id}", s.handleEliminateActor)
	mux.HandleFunc("POST /sim/{ns}/admin/epoch", s.handleSetEpoch)
	mux.HandleFunc("POST /sim/{ns}/admin/goal", s.handleSetGoal)
	mux.HandleFunc("POST /sim/{ns}/admin/advance", s.handleForceAdvance)
	mux.HandleFunc("POST /sim/{ns}/admin/reload", s.handleReload)

	// Ops
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", s.handleHealth)

	return corsMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

// engine resolves the {ns} path value to a running engine, writing the
// rejection itself when the namespace cannot be served.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*monument.Engine, bool) {
	eng, err := s.registry.Get(r.PathValue("ns"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return eng, true
}

// requireAdmin gates the admin surface behind X-Admin-Token. An empty
// configured token leaves the surface open for local development.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") == s.cfg.AdminToken {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error: ErrorBody{Code: "auth_failed", Detail: "bad admin token"},
	})
	return false
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Agent-Secret, X-Admin-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), ErrorResponse{Error: errorBody(err)})
}
