package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/straja-ai/phiwatch/internal/engine"
)

func (s *Server) handleGenerateReport(c *gin.Context) {
	var req engine.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	r, err := s.engine.GenerateReport(c.Request.Context(), req)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleGetReport(c *gin.Context) {
	r, err := s.engine.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleListReports(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	list, err := s.engine.Reports(c.Request.Context(), limit)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}
