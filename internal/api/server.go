package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/pipeline"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Membership is the grid view the API reports on.
type Membership interface {
	Self() string
	Role() cluster.Role
	Coordinator(ctx context.Context) (string, error)
	Members(ctx context.Context) ([]string, error)
}

// Pipelines queries and stops pipelines.
type Pipelines interface {
	Status(ctx context.Context, name string) (pipeline.Status, error)
	Stop(ctx context.Context, name string) error
}

// Config controls the admin server.
type Config struct {
	// Pipeline is the pipeline reported by /v1/status and stopped by
	// /v1/pipeline/stop.
	Pipeline       string
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the grid node.
type Server struct {
	router    chi.Router
	members   Membership
	pipelines Pipelines
	docs      *DocumentsHandler
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. reg receives the
// HTTP collectors and is served at /metrics.
func NewServer(
	members Membership,
	pipelines Pipelines,
	l *ledger.Ledger,
	reg *prometheus.Registry,
	cfg Config,
	logger *zap.Logger,
) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	httpMetrics, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		members:   members,
		pipelines: pipelines,
		docs:      NewDocumentsHandler(l, logger),
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(httpMetrics.middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/pipeline/stop", s.stopPipeline)
		r.Get("/documents/{stage}", s.docs.List)
		r.Get("/reference", s.docs.Lookup)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once a coordinator is visible.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	coordinator, err := s.members.Coordinator(r.Context())
	if err != nil || coordinator == "" {
		writeError(w, http.StatusServiceUnavailable, "no coordinator")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "coordinator": coordinator})
}

type statusResponse struct {
	Node        string          `json:"node"`
	Role        string          `json:"role"`
	Coordinator string          `json:"coordinator,omitempty"`
	Members     []string        `json:"members"`
	Pipeline    pipeline.Status `json:"pipeline"`
	Documents   ledger.Counts   `json:"documents"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Node: s.members.Self(), Role: s.members.Role().String()}
	var err error
	if resp.Members, err = s.members.Members(ctx); err != nil {
		s.fail(w, "list members", err)
		return
	}
	if resp.Coordinator, err = s.members.Coordinator(ctx); err != nil {
		s.logger.Debug("coordinator unresolved", zap.Error(err))
	}
	if resp.Pipeline, err = s.pipelines.Status(ctx, s.cfg.Pipeline); err != nil {
		s.fail(w, "pipeline status", err)
		return
	}
	if resp.Documents, err = s.docs.ledger.Counts(ctx); err != nil {
		s.fail(w, "ledger counts", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.pipelines.Stop(r.Context(), s.cfg.Pipeline); err != nil {
		s.fail(w, "stop pipeline", err)
		return
	}
	s.logger.Info("pipeline stop requested via API", zap.String("pipeline", s.cfg.Pipeline))
	writeJSON(w, http.StatusAccepted, map[string]string{"pipeline": s.cfg.Pipeline, "status": "stopping"})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, what+" failed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
