package risk

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/store"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func baselineRow(outcome, context string, mean, lo, hi float64, grade domain.EvidenceGrade, pmids ...string) *domain.BaselineRisk {
	return &domain.BaselineRisk{
		Outcome:         outcome,
		Context:         context,
		Mean:            mean,
		CILow:           lo,
		CIHigh:          hi,
		StudyCount:      4,
		TotalN:          10000,
		Heterogeneity:   20,
		Grade:           grade,
		SourcePMIDs:     pmids,
		EvidenceVersion: "v1",
		UpdatedAt:       time.Now().UTC(),
	}
}

func effectRow(outcome, modifier, population string, measure domain.MeasureType, ratio, lo, hi float64, grade domain.EvidenceGrade, pmids ...string) *domain.EffectEstimate {
	return &domain.EffectEstimate{
		Outcome:         outcome,
		Modifier:        modifier,
		Population:      population,
		Measure:         measure,
		Ratio:           ratio,
		CILow:           lo,
		CIHigh:          hi,
		StudyCount:      3,
		Heterogeneity:   30,
		Grade:           grade,
		SourcePMIDs:     pmids,
		EvidenceVersion: "v1",
		UpdatedAt:       time.Now().UTC(),
	}
}

func intubationSnapshot() *store.Snapshot {
	return store.NewSnapshot("v1",
		[]*domain.BaselineRisk{
			baselineRow("failed_intubation", "adult_general", 0.002, 0.001, 0.004, domain.GradeA, "31111111", "32222222"),
		},
		[]*domain.EffectEstimate{
			effectRow("failed_intubation", "osa", "general", domain.MeasureOddsRatio, 3.2, 2.1, 4.8, domain.GradeA, "33333333"),
			effectRow("failed_intubation", "beach_chair", "general", domain.MeasureRiskRatio, 0.5, 0.3, 0.9, domain.GradeC, "34444444"),
		},
		[]*domain.OutcomeInfo{
			{Token: "failed_intubation", Label: "Failed intubation", Category: "airway"},
		},
	)
}

func TestBaselineOnlyAssessment(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", nil)
	require.NoError(t, err)

	assert.False(t, assessment.NoEvidence)
	assert.Equal(t, "Failed intubation", assessment.OutcomeLabel)
	assert.Equal(t, "airway", assessment.Category)
	assert.Equal(t, "adult_general", assessment.BaselineContext)
	require.NotNil(t, assessment.AdjustedRisk)
	assert.InDelta(t, 0.002, *assessment.AdjustedRisk, 1e-12)
	assert.InDelta(t, 1.0, *assessment.CombinedRatio, 1e-12)
	assert.InDelta(t, 0.0, *assessment.RiskDifference, 1e-12)
	assert.Equal(t, domain.GradeA, assessment.Grade)
	assert.Empty(t, assessment.AppliedModifiers)
	assert.Equal(t, []string{"31111111", "32222222"}, assessment.Citations)
	assert.Equal(t, "v1", assessment.EvidenceVersion)
}

func TestOddsRatioAdjustment(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", []string{"osa"})
	require.NoError(t, err)

	// 0.002 at OR 3.2: odds 0.002/0.998*3.2, back to probability.
	require.NotNil(t, assessment.AdjustedRisk)
	assert.InDelta(t, 0.0064, *assessment.AdjustedRisk, 1e-4)
	assert.Greater(t, *assessment.AdjustedRisk, *assessment.BaselineRisk)

	require.NotNil(t, assessment.AdjustedCILow)
	require.NotNil(t, assessment.AdjustedCIHigh)
	assert.Less(t, *assessment.AdjustedCILow, *assessment.AdjustedRisk)
	assert.Greater(t, *assessment.AdjustedCIHigh, *assessment.AdjustedRisk)

	require.Len(t, assessment.AppliedModifiers, 1)
	assert.Equal(t, "osa", assessment.AppliedModifiers[0].Token)
	assert.Equal(t, domain.GradeA, assessment.Grade)

	// Baseline citations first, then the modifier's.
	assert.Equal(t, []string{"31111111", "32222222", "33333333"}, assessment.Citations)
	assert.Empty(t, assessment.Warnings)
}

func TestRiskRatioBelowOneDecreasesRisk(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", []string{"beach_chair"})
	require.NoError(t, err)

	require.NotNil(t, assessment.AdjustedRisk)
	assert.InDelta(t, 0.001, *assessment.AdjustedRisk, 1e-12)
	assert.Less(t, *assessment.AdjustedRisk, *assessment.BaselineRisk)
	assert.Negative(t, *assessment.RiskDifference)

	// Worst-link grade: baseline A, modifier C.
	assert.Equal(t, domain.GradeC, assessment.Grade)
}

func TestUnknownModifierIgnored(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", []string{"left_handed"})
	require.NoError(t, err)

	require.NotNil(t, assessment.AdjustedRisk)
	assert.InDelta(t, 0.002, *assessment.AdjustedRisk, 1e-12)
	assert.Empty(t, assessment.AppliedModifiers)
	assert.Equal(t, []string{"left_handed"}, assessment.IgnoredModifiers)
	assert.Equal(t, domain.GradeA, assessment.Grade)
}

func TestDuplicateModifierAppliedOnce(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	once, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", []string{"osa"})
	require.NoError(t, err)
	twice, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", []string{"osa", "osa"})
	require.NoError(t, err)

	assert.InDelta(t, *once.AdjustedRisk, *twice.AdjustedRisk, 1e-12)
	assert.Len(t, twice.AppliedModifiers, 1)
}

func TestNoBaselineMeansNoEvidence(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "awareness_under_anesthesia", "adult_general", []string{"osa"})
	require.NoError(t, err)

	assert.True(t, assessment.NoEvidence)
	assert.Nil(t, assessment.BaselineRisk)
	assert.Nil(t, assessment.AdjustedRisk)
	assert.Nil(t, assessment.AdjustedCILow)
	assert.Nil(t, assessment.CombinedRatio)
	assert.Equal(t, []string{"osa"}, assessment.IgnoredModifiers)
	assert.Empty(t, assessment.Citations)
}

func TestContextFallback(t *testing.T) {
	snap := store.NewSnapshot("v1",
		[]*domain.BaselineRisk{
			baselineRow("aspiration", "general", 0.001, 0.0005, 0.002, domain.GradeB, "35555555"),
		},
		nil, nil,
	)
	engine := NewEngine(snap, testLogger())

	// No row for adult_cardiac or adult; the general bucket serves.
	assessment, err := engine.CalculateRisk(context.Background(), "aspiration", "adult_cardiac", nil)
	require.NoError(t, err)

	assert.False(t, assessment.NoEvidence)
	assert.Equal(t, "general", assessment.BaselineContext)
	assert.InDelta(t, 0.001, *assessment.AdjustedRisk, 1e-12)
}

func TestContextFallbackPrefersBroaderBucket(t *testing.T) {
	snap := store.NewSnapshot("v1",
		[]*domain.BaselineRisk{
			baselineRow("aspiration", "adult", 0.002, 0.001, 0.003, domain.GradeB, "35555555"),
			baselineRow("aspiration", "general", 0.001, 0.0005, 0.002, domain.GradeB, "36666666"),
		},
		nil, nil,
	)
	engine := NewEngine(snap, testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "aspiration", "adult_cardiac", nil)
	require.NoError(t, err)

	// adult_cardiac misses, its prefix bucket adult hits before general.
	assert.Equal(t, "adult", assessment.BaselineContext)
	assert.InDelta(t, 0.002, *assessment.AdjustedRisk, 1e-12)
}

func TestClampedAdjustmentWarns(t *testing.T) {
	snap := store.NewSnapshot("v1",
		[]*domain.BaselineRisk{
			baselineRow("difficult_ventilation", "general", 0.9, 0.85, 0.95, domain.GradeB, "37777777"),
		},
		[]*domain.EffectEstimate{
			effectRow("difficult_ventilation", "bull_neck", "general", domain.MeasureRiskRatio, 5, 3, 8, domain.GradeB, "38888888"),
		},
		nil,
	)
	engine := NewEngine(snap, testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "difficult_ventilation", "general", []string{"bull_neck"})
	require.NoError(t, err)

	assert.InDelta(t, domain.MaxProbability, *assessment.AdjustedRisk, 1e-12)
	assert.True(t, assessment.HasWarning(domain.WarningClamped))
	// Combined ratio reflects the unclamped chain.
	assert.InDelta(t, 5.0, *assessment.CombinedRatio, 1e-12)
}

func TestHighUncertaintyWarning(t *testing.T) {
	snap := store.NewSnapshot("v1",
		[]*domain.BaselineRisk{
			baselineRow("difficult_ventilation", "general", 0.01, 0.005, 0.02, domain.GradeB, "37777777"),
		},
		[]*domain.EffectEstimate{
			effectRow("difficult_ventilation", "prior_failed_airway", "general", domain.MeasureOddsRatio, 10000, 5000, 20000, domain.GradeD, "39999999"),
		},
		nil,
	)
	engine := NewEngine(snap, testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "difficult_ventilation", "general", []string{"prior_failed_airway"})
	require.NoError(t, err)

	assert.Greater(t, *assessment.AdjustedRisk, 0.95)
	assert.True(t, assessment.HasWarning(domain.WarningHighUncertainty))
	assert.Equal(t, domain.GradeD, assessment.Grade)
}

func TestZeroMeanBaselineStaysFinite(t *testing.T) {
	// A zero-mean row fails write-time validation but can reach a
	// hand-seeded snapshot; the engine must not emit NaN or Inf for it.
	snap := store.NewSnapshot("v1",
		[]*domain.BaselineRisk{
			baselineRow("failed_intubation", "adult_general", 0, 0, 0, domain.GradeD, "31111111"),
		},
		[]*domain.EffectEstimate{
			effectRow("failed_intubation", "osa", "general", domain.MeasureOddsRatio, 3.2, 2.1, 4.8, domain.GradeA, "33333333"),
		},
		nil,
	)
	engine := NewEngine(snap, testLogger())

	assessment, err := engine.CalculateRisk(context.Background(), "failed_intubation", "adult_general", []string{"osa"})
	require.NoError(t, err)

	require.NotNil(t, assessment.AdjustedRisk)
	assert.InDelta(t, domain.MinProbability, *assessment.AdjustedRisk, 1e-12)
	assert.True(t, assessment.HasWarning(domain.WarningClamped))
	assert.Nil(t, assessment.CombinedRatio)

	require.NotNil(t, assessment.RiskDifference)
	assert.False(t, math.IsNaN(*assessment.RiskDifference))
	assert.False(t, math.IsInf(*assessment.RiskDifference, 0))
}

func TestAssessmentIsDeterministic(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())
	ctx := context.Background()

	first, err := engine.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"osa", "beach_chair"})
	require.NoError(t, err)
	second, err := engine.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"osa", "beach_chair"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestMissingOutcomeTokenRejected(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())

	_, err := engine.CalculateRisk(context.Background(), "", "adult_general", nil)
	assert.Error(t, err)
}
