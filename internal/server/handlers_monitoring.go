package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/straja-ai/phiwatch/internal/alerts"
	"github.com/straja-ai/phiwatch/internal/engine"
)

// recordResponse pairs a stored measurement with the alert it raised, if any.
type recordResponse[T any] struct {
	Record T             `json:"record"`
	Alert  *alerts.Alert `json:"alert,omitempty"`
}

func (s *Server) handleRecordDrift(c *gin.Context) {
	var m engine.DriftMeasurement
	if err := c.ShouldBindJSON(&m); err != nil {
		writeBindError(c, err)
		return
	}
	m.ID = ""
	saved, a, err := s.engine.RecordDrift(c.Request.Context(), m)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordResponse[engine.DriftMeasurement]{Record: saved, Alert: a})
}

func (s *Server) handleListDrift(c *gin.Context) {
	days, ok := queryPositiveInt(c, "days", s.historyDays, 365)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	list, err := s.engine.Store().QueryDrift(c.Request.Context(), c.Query("model"), since)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleRecordBias(c *gin.Context) {
	var b engine.BiasResult
	if err := c.ShouldBindJSON(&b); err != nil {
		writeBindError(c, err)
		return
	}
	b.ID = ""
	saved, a, err := s.engine.RecordBias(c.Request.Context(), b)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordResponse[engine.BiasResult]{Record: saved, Alert: a})
}

func (s *Server) handleListBias(c *gin.Context) {
	days, ok := queryPositiveInt(c, "days", s.historyDays, 365)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	list, err := s.engine.Store().QueryBias(c.Request.Context(), c.Query("model"), since)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (s *Server) handleRecordTrainingScan(c *gin.Context) {
	var scan engine.TrainingScan
	if err := c.ShouldBindJSON(&scan); err != nil {
		writeBindError(c, err)
		return
	}
	scan.ID = ""
	saved, a, err := s.engine.RecordTrainingScan(c.Request.Context(), scan)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordResponse[engine.TrainingScan]{Record: saved, Alert: a})
}

func (s *Server) handleListTrainingScans(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := s.engine.Store().ListTrainingScans(c.Request.Context(), limit)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}
