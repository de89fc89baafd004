package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/store"
)

// AssessRequest is the body of POST /api/v1/assess.
type AssessRequest struct {
	Outcome   string   `json:"outcome" binding:"required"`
	Context   string   `json:"context"`
	Modifiers []string `json:"modifiers"`
}

// IngestRequest is the body of POST /api/v1/evidence/ingest.
type IngestRequest struct {
	Estimates []*domain.Estimate `json:"estimates" binding:"required"`
}

// handleHealth reports the serving state: store backend, active evidence
// version and snapshot row counts.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"backend":   s.configManager.GetStoreConfig().Backend,
	}

	if s.deps.Holder != nil {
		snap := s.deps.Holder.Current()
		version, _ := snap.ActiveVersion(c.Request.Context())
		baselines, effects := snap.Counts()
		resp["evidence_version"] = version
		resp["baselines"] = baselines
		resp["effects"] = effects
	}

	c.JSON(http.StatusOK, resp)
}

// handleAssess computes one risk assessment.
func (s *Server) handleAssess(c *gin.Context) {
	var req AssessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Context == "" {
		req.Context = domain.PopulationGeneral
	}

	assessment, err := s.deps.Calculator.CalculateRisk(c.Request.Context(), req.Outcome, req.Context, req.Modifiers)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"outcome":    req.Outcome,
		}).Error("Risk assessment failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk assessment failed"})
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// handleGetBaseline returns the pooled baseline for an outcome. The
// context query parameter defaults to the general bucket; the lookup is
// exact, without fallback, so callers can see precisely which contexts
// carry evidence.
func (s *Server) handleGetBaseline(c *gin.Context) {
	if s.deps.Holder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evidence snapshot not loaded"})
		return
	}

	outcome := c.Param("outcome")
	popContext := c.DefaultQuery("context", domain.PopulationGeneral)

	baseline, err := s.deps.Holder.GetBaseline(c.Request.Context(), outcome, popContext)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no baseline evidence for outcome and context"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "baseline lookup failed"})
		return
	}

	c.JSON(http.StatusOK, baseline)
}

// handleListOutcomes returns the outcome catalog.
func (s *Server) handleListOutcomes(c *gin.Context) {
	if s.deps.Holder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evidence snapshot not loaded"})
		return
	}

	outcomes := s.deps.Holder.Current().Outcomes()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Token < outcomes[j].Token })

	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// handleIngest runs an ingestion batch and publishes the new evidence
// version to the read path.
func (s *Server) handleIngest(c *gin.Context) {
	if s.deps.Ingest == nil || s.deps.Source == nil || s.deps.Holder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion not enabled on this instance"})
		return
	}

	if !s.ingestLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "ingestion rate limit exceeded"})
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := s.deps.Ingest.IngestBatch(c.Request.Context(), req.Estimates)
	if err != nil {
		s.logger.WithError(err).WithField("request_id", c.GetString("request_id")).Error("Ingestion batch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := store.LoadSnapshot(c.Request.Context(), s.deps.Source)
	if err != nil {
		// The version activated but the read path still serves the old
		// snapshot; surface that instead of pretending full success.
		s.logger.WithError(err).Error("Snapshot reload failed after ingestion")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "evidence ingested but snapshot reload failed",
			"report": report,
		})
		return
	}
	s.deps.Holder.Swap(snapshot)

	c.JSON(http.StatusOK, report)
}
