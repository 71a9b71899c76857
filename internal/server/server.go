package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/auth"
	"github.com/straja-ai/phiwatch/internal/config"
	"github.com/straja-ai/phiwatch/internal/console"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/observability"
	"github.com/straja-ai/phiwatch/internal/redact"
)

// Deps are the collaborators the HTTP layer serves. Engine is required.
type Deps struct {
	Engine     *engine.Engine
	Auth       *auth.Auth
	Prometheus *observability.Prometheus
	Hub        *Hub
	Emitter    *activation.Emitter
	// HistoryDays is the default range for /api/metrics/history.
	HistoryDays int
}

// Server wraps the HTTP server components for phiwatch.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	auth    *auth.Auth
	prom    *observability.Prometheus
	hub     *Hub
	emitter *activation.Emitter
	limiter *clientLimiter

	historyDays int
	router      *gin.Engine
	http        *http.Server
}

// New creates a server with all routes registered.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &Server{
		cfg:         cfg,
		engine:      deps.Engine,
		auth:        deps.Auth,
		prom:        deps.Prometheus,
		hub:         deps.Hub,
		emitter:     deps.Emitter,
		historyDays: deps.HistoryDays,
	}
	if s.historyDays <= 0 {
		s.historyDays = 7
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("phiwatch"), s.observe(), s.cors())
	r.GET("/healthz", s.handleHealth)
	r.GET("/console", gin.WrapH(console.Handler()))
	if s.prom != nil {
		r.GET("/metrics", gin.WrapH(s.prom.Handler()))
	}

	api := r.Group("/api", s.authenticate(), s.rateLimit(), s.limitBody())
	{
		api.POST("/check-output", s.handleCheckOutput)
		api.GET("/logs", s.handleLogs)

		api.GET("/metrics", s.handleMetrics)
		api.POST("/metrics/recompute", s.handleRecompute)
		api.GET("/metrics/history", s.handleMetricsHistory)

		api.GET("/alerts", s.handleAlerts)
		api.POST("/alerts/:id/resolve", s.handleResolveAlert)
		if s.hub != nil {
			api.GET("/alerts/stream", s.hub.Serve)
		}

		api.POST("/drift-data", s.handleRecordDrift)
		api.GET("/drift-data", s.handleListDrift)
		api.POST("/bias-results", s.handleRecordBias)
		api.GET("/bias-results", s.handleListBias)
		api.POST("/training-scans", s.handleRecordTrainingScan)
		api.GET("/training-scans", s.handleListTrainingScans)

		api.POST("/generate-report", s.handleGenerateReport)
		api.GET("/report/:id", s.handleGetReport)
		api.GET("/audit-reports", s.handleListReports)
	}

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	redact.Logf("phiwatch API listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		_ = s.hub.Close(ctx)
	}
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status   string         `json:"status"`
	Time     time.Time      `json:"time"`
	Patterns any            `json:"patterns"`
	Alerts   *emitterHealth `json:"alert_delivery,omitempty"`
}

type emitterHealth struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:   "ok",
		Time:     time.Now().UTC(),
		Patterns: s.engine.Library().Status(),
	}
	if s.emitter != nil {
		m := s.emitter.MetricsSnapshot()
		resp.Alerts = &emitterHealth{Enqueued: m.Enqueued(), Dropped: m.Dropped()}
	}
	c.JSON(http.StatusOK, resp)
}
