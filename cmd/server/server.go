package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/events"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/multitenantengine"
	"github.com/liamcoop/decisions/workflow"
)

const slowRequestThreshold = time.Second

type Server struct {
	db        *sql.DB
	orgs      *multitenantengine.Manager
	decisions *decision.Service
	registry  *prometheus.Registry
	router    *chi.Mux
}

type serverConfig struct {
	invoker      workflow.Invoker
	interpOpts   []workflow.Option
	managerOpts  []multitenantengine.Option
	stats        decision.StatsStore
	emitter      events.Emitter
	orchestrator []decision.OrchestratorOption
}

// ServerOption configures NewServerWithDB
type ServerOption func(*serverConfig)

// WithInvoker sets the data source invoker used by workflow graphs
func WithInvoker(inv workflow.Invoker) ServerOption {
	return func(c *serverConfig) { c.invoker = inv }
}

// WithInterpreterOptions passes options to the workflow interpreter
func WithInterpreterOptions(opts ...workflow.Option) ServerOption {
	return func(c *serverConfig) { c.interpOpts = append(c.interpOpts, opts...) }
}

// WithManagerOptions passes options to the organization manager
func WithManagerOptions(opts ...multitenantengine.Option) ServerOption {
	return func(c *serverConfig) { c.managerOpts = append(c.managerOpts, opts...) }
}

// WithStatsStore overrides where policy aggregates are kept
func WithStatsStore(stats decision.StatsStore) ServerOption {
	return func(c *serverConfig) { c.stats = stats }
}

// WithEmitter sets the destination of decision events
func WithEmitter(emitter events.Emitter) ServerOption {
	return func(c *serverConfig) { c.emitter = emitter }
}

// WithOrchestratorOptions passes options such as a fixed random source
func WithOrchestratorOptions(opts ...decision.OrchestratorOption) ServerOption {
	return func(c *serverConfig) { c.orchestrator = append(c.orchestrator, opts...) }
}

// NewServer connects to databaseURL and builds a server on it
func NewServer(ctx context.Context, databaseURL string, opts ...ServerOption) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := NewServerWithDB(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithDB builds a server. A nil db keeps organizations, rules,
// policies and stats in memory.
func NewServerWithDB(ctx context.Context, db *sql.DB, opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.stats == nil {
		if db != nil {
			cfg.stats = decision.NewPostgresStatsStore(db)
		} else {
			cfg.stats = decision.NewInMemoryStatsStore()
		}
	}
	if cfg.emitter == nil {
		cfg.emitter = events.NewLogEmitter()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := logger.RegisterMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to register log metrics: %w", err)
	}
	metrics := decision.NewMetrics(registry)

	orgs := multitenantengine.NewManager(db, cfg.managerOpts...)
	logger.Info("loading organizations")
	if err := orgs.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load organizations: %w", err)
	}

	interp := workflow.NewInterpreter(cfg.invoker, cfg.interpOpts...)
	orchestratorOpts := append([]decision.OrchestratorOption{
		decision.WithStatsStore(cfg.stats),
		decision.WithEmitter(cfg.emitter),
		decision.WithMetrics(metrics),
	}, cfg.orchestrator...)
	orchestrator := decision.NewOrchestrator(interp, orchestratorOpts...)

	s := &Server{
		db:        db,
		orgs:      orgs,
		decisions: decision.NewService(orgs, orchestrator, cfg.emitter, metrics),
		registry:  registry,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/decide", s.handleDecide)
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/policies/validate", s.handleValidateGraph)

		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", s.handleListOrganizations)
			r.Post("/", s.handleCreateOrganization)

			r.Route("/{orgId}", func(r chi.Router) {
				r.Get("/", s.handleGetOrganization)

				r.Get("/schema", s.handleGetSchema)
				r.Put("/schema", s.handleUpdateSchema)

				r.Get("/rules", s.handleListRules)
				r.Post("/rules", s.handleCreateRule)
				r.Get("/rules/{ruleId}", s.handleGetRule)
				r.Put("/rules/{ruleId}", s.handleUpdateRule)
				r.Delete("/rules/{ruleId}", s.handleDeleteRule)
				r.Post("/rules/{ruleId}/feedback", s.handleRuleFeedback)

				r.Get("/policies", s.handleListPolicies)
				r.Post("/policies", s.handleCreatePolicy)
				r.Get("/policies/{policyId}", s.handleGetPolicy)
				r.Put("/policies/{policyId}", s.handleUpdatePolicy)
				r.Delete("/policies/{policyId}", s.handleDeletePolicy)
				r.Post("/policies/{policyId}/execute", s.handleExecutePolicy)
				r.Get("/policies/{policyId}/stats", s.handlePolicyStats)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and feeds the HTTP counters
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx()
		}
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
		}

		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:              "healthy",
		OrganizationsLoaded: len(s.orgs.List()),
		Time:                time.Now().UTC(),
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondLookupError answers 404 for a missing organization, rule or
// policy and 500 otherwise.
func respondLookupError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, multitenantengine.ErrOrganizationNotFound) || decision.IsNotFound(err) {
		respondError(w, http.StatusNotFound, message, err)
		return
	}
	respondError(w, http.StatusInternalServerError, message, err)
}
