package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/ingest"
	"github.com/periop-risk-server/internal/pooling"
	"github.com/periop-risk-server/internal/risk"
	"github.com/periop-risk-server/internal/store"
)

type stubConfig struct {
	cfg *domain.Config
}

func (s *stubConfig) GetConfig() *domain.Config { return s.cfg }

func (s *stubConfig) GetServerConfig() *domain.ServerConfig { return &s.cfg.Server }

func (s *stubConfig) GetStoreConfig() *domain.StoreConfig { return &s.cfg.Store }

func (s *stubConfig) GetPoolingConfig() *domain.PoolingConfig { return &s.cfg.Pooling }

func (s *stubConfig) Validate() error { return nil }

func (s *stubConfig) Reload() error { return nil }

func testConfig() *stubConfig {
	return &stubConfig{cfg: &domain.Config{
		Server:  domain.ServerConfig{Host: "127.0.0.1", Port: 0},
		Store:   domain.StoreConfig{Backend: "sqlite"},
		Ingest:  domain.IngestConfig{RatePerMinute: 1, MaxBatchSize: 100},
		Logging: domain.LoggingConfig{Level: "error"},
	}}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fl(v float64) *float64 { return &v }

// newTestServer stands up the full stack on a temp sqlite store seeded
// with one baseline and one effect.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SaveBaseline(ctx, &domain.BaselineRisk{
		Outcome: "failed_intubation", Context: "adult_general",
		Mean: 0.002, CILow: 0.001, CIHigh: 0.004,
		StudyCount: 4, TotalN: 12000, Heterogeneity: 20,
		Grade: domain.GradeA, SourcePMIDs: []string{"31111111"},
		EvidenceVersion: "seed", UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SaveEffect(ctx, &domain.EffectEstimate{
		Outcome: "failed_intubation", Modifier: "osa", Population: "general",
		Measure: domain.MeasureOddsRatio, Ratio: 3.2, CILow: 2.1, CIHigh: 4.8,
		StudyCount: 3, Heterogeneity: 30,
		Grade: domain.GradeA, SourcePMIDs: []string{"33333333"},
		EvidenceVersion: "seed", UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SaveOutcomeInfo(ctx, &domain.OutcomeInfo{
		Token: "failed_intubation", Label: "Failed intubation", Category: "airway",
	}))
	require.NoError(t, st.ActivateVersion(ctx, "seed"))

	snapshot, err := store.LoadSnapshot(ctx, st)
	require.NoError(t, err)
	holder := store.NewHolder(snapshot)

	engine := risk.NewEngine(holder, logger)
	cache := risk.NewAssessmentCache(engine, nil, domain.CacheConfig{}, logger)
	pooler := pooling.NewEngine(domain.PoolingConfig{}, logger)
	ingestSvc := ingest.NewService(st, pooler, domain.IngestConfig{MaxBatchSize: 100}, logger)

	return NewServer(testConfig(), Deps{
		Calculator: cache,
		Ingest:     ingestSvc,
		Source:     st,
		Holder:     holder,
	}, logger)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "sqlite", resp["backend"])
	assert.Equal(t, "seed", resp["evidence_version"])
	assert.Equal(t, float64(1), resp["baselines"])
	assert.Equal(t, float64(1), resp["effects"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAssessEndpoint(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/assess", AssessRequest{
		Outcome:   "failed_intubation",
		Context:   "adult_general",
		Modifiers: []string{"osa", "left_handed"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var assessment domain.RiskAssessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assessment))

	assert.False(t, assessment.NoEvidence)
	require.NotNil(t, assessment.AdjustedRisk)
	assert.InDelta(t, 0.0064, *assessment.AdjustedRisk, 1e-4)
	assert.Equal(t, []string{"left_handed"}, assessment.IgnoredModifiers)
	assert.Equal(t, "Failed intubation", assessment.OutcomeLabel)
}

func TestAssessRequiresOutcome(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/assess", map[string]any{
		"context": "adult_general",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssessNoEvidenceOutcome(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/assess", AssessRequest{
		Outcome: "awareness_under_anesthesia",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var assessment domain.RiskAssessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assessment))
	assert.True(t, assessment.NoEvidence)
	assert.Nil(t, assessment.AdjustedRisk)
}

func TestBaselineEndpoint(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/baseline/failed_intubation?context=adult_general", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var baseline domain.BaselineRisk
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &baseline))
	assert.InDelta(t, 0.002, baseline.Mean, 1e-12)

	w = doJSON(t, server.Handler(), http.MethodGet, "/api/v1/baseline/failed_intubation?context=pediatric", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutcomesEndpoint(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/outcomes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Outcomes []domain.OutcomeInfo `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Outcomes, 1)
	assert.Equal(t, "failed_intubation", resp.Outcomes[0].Token)
}

func TestIngestEndpointPublishesNewVersion(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/evidence/ingest", IngestRequest{
		Estimates: []*domain.Estimate{
			{
				PMID: "40000001", Outcome: "aspiration", Population: "general",
				Measure: domain.MeasureIncidence, Value: 0.001,
				CILow: fl(0.0005), CIHigh: fl(0.002),
				SampleSize: 9000, Grade: domain.GradeA, ExtractionConfidence: 0.9,
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var report ingest.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Accepted)
	assert.True(t, report.Activated)
	assert.NotEqual(t, "seed", report.EvidenceVersion)

	// The read path now serves the new version.
	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/assess", AssessRequest{
		Outcome: "aspiration", Context: "general",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var assessment domain.RiskAssessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assessment))
	assert.False(t, assessment.NoEvidence)
	assert.Equal(t, report.EvidenceVersion, assessment.EvidenceVersion)
}

func TestIngestRateLimit(t *testing.T) {
	server := newTestServer(t)

	body := IngestRequest{Estimates: []*domain.Estimate{{
		PMID: "40000001", Outcome: "aspiration", Population: "general",
		Measure: domain.MeasureIncidence, Value: 0.001,
		SampleSize: 9000, Grade: domain.GradeB, ExtractionConfidence: 0.9,
	}}}

	// RatePerMinute is 1 in the test config; the second immediate request
	// exceeds the burst.
	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/evidence/ingest", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/evidence/ingest", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
