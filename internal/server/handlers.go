package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/engine"
	"github.com/straja-ai/phiwatch/internal/risk"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type checkOutputResponse struct {
	ID        string      `json:"id"`
	Status    risk.Status `json:"status"`
	RiskScore float64     `json:"riskScore"`
	Reasons   []string    `json:"reasons"`
	Timestamp time.Time   `json:"timestamp"`
	Degraded  bool        `json:"degraded,omitempty"`
	Warning   string      `json:"warning,omitempty"`
}

func (s *Server) handleCheckOutput(c *gin.Context) {
	var req engine.EvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	out, err := s.engine.Evaluate(c.Request.Context(), req)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	resp := checkOutputResponse{
		ID:        out.Record.ID,
		Status:    out.Result.Status,
		RiskScore: out.Result.RiskScore,
		Reasons:   out.Result.Reasons,
		Timestamp: out.Record.Timestamp,
	}
	if resp.Reasons == nil {
		resp.Reasons = []string{}
	}
	if out.Degraded != nil {
		resp.Degraded = true
		resp.Warning = "evaluation result was not persisted"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := s.engine.Store().ListEvaluations(c.Request.Context(), limit)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	for i := range list {
		if list[i].Reasons == nil {
			list[i].Reasons = []string{}
		}
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap, err := s.engine.LatestMetrics(c.Request.Context())
	if err != nil {
		// the snapshot is still valid when only its append failed
		c.Header("Warning", `199 phiwatch "metrics snapshot not persisted"`)
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRecompute(c *gin.Context) {
	window := s.engine.Window()
	if v := c.Query("window_hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 || h > 24*365 {
			abortError(c, http.StatusBadRequest, "window_hours must be a positive integer", "invalid_request_error")
			return
		}
		window = time.Duration(h) * time.Hour
	}
	snap, err := s.engine.RecomputeMetrics(c.Request.Context(), window)
	if err != nil {
		c.Header("Warning", `199 phiwatch "metrics snapshot not persisted"`)
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMetricsHistory(c *gin.Context) {
	days, ok := queryPositiveInt(c, "days", s.historyDays, 365)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	history, err := s.engine.Store().QueryMetricsHistory(c.Request.Context(), since)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(history))
}

func (s *Server) handleAlerts(c *gin.Context) {
	var status alerts.Status
	if v := c.Query("status"); v != "" {
		st, ok := alerts.ParseStatus(v)
		if !ok {
			abortError(c, http.StatusBadRequest, "status must be OPEN or RESOLVED", "invalid_request_error")
			return
		}
		status = st
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := s.engine.Store().ListAlerts(c.Request.Context(), status, limit)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleResolveAlert(c *gin.Context) {
	a, err := s.engine.ResolveAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func queryLimit(c *gin.Context) (int, bool) {
	return queryPositiveInt(c, "limit", defaultListLimit, maxListLimit)
}

// queryPositiveInt reads an optional positive integer, capping it at max.
func queryPositiveInt(c *gin.Context, name string, def, max int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		abortError(c, http.StatusBadRequest, name+" must be a positive integer", "invalid_request_error")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
