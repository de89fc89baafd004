// Package pooling implements the evidence pooling engine: it collapses
// independent study-level estimates for the same outcome into one pooled
// baseline risk or effect estimate using inverse-variance weighted
// meta-analysis with grade-based down-weighting.
package pooling

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// zCritical is the normal quantile for a 95% confidence interval.
const zCritical = 1.96

// Engine pools raw study estimates into BaselineRisk / EffectEstimate rows.
// It is deterministic: the input order never influences the result.
type Engine struct {
	logger *logrus.Logger
	cfg    domain.PoolingConfig
}

// NewEngine creates a pooling engine. Zero-valued thresholds fall back to
// meta-analysis convention: random effects above I² 50, serious
// inconsistency above I² 75, grade downgrades below 3 studies or 500
// participants.
func NewEngine(cfg domain.PoolingConfig, logger *logrus.Logger) *Engine {
	if cfg.RandomEffectsI2 == 0 {
		cfg.RandomEffectsI2 = 50
	}
	if cfg.SevereI2 == 0 {
		cfg.SevereI2 = 75
	}
	if cfg.MinStudies == 0 {
		cfg.MinStudies = 3
	}
	if cfg.MinTotalN == 0 {
		cfg.MinTotalN = 500
	}

	return &Engine{
		logger: logger,
		cfg:    cfg,
	}
}

// study is one estimate transformed to the pooling scale (log-odds for
// incidences, log-ratio for effects).
type study struct {
	pmid     string
	theta    float64
	variance float64
	hasVar   bool
	grade    domain.EvidenceGrade
	n        int
}

// pooled is the scale-level result shared by both pooling operations.
type pooled struct {
	theta         float64
	ciLow         float64
	ciHigh        float64
	heterogeneity float64
	randomEffects bool
}

// PoolBaseline collapses incidence-type estimates that share one outcome and
// population context into a single BaselineRisk. At least one estimate is
// required; zero estimates is an InsufficientEvidence failure, never a
// fabricated default.
func (e *Engine) PoolBaseline(estimates []*domain.Estimate) (*domain.BaselineRisk, error) {
	if len(estimates) == 0 {
		return nil, domain.NewInsufficientEvidenceError("", "")
	}

	outcome := estimates[0].Outcome
	context := estimates[0].PopulationOrDefault()

	for _, est := range estimates {
		if est.Outcome != outcome {
			return nil, domain.NewInvalidEstimateError("outcome", est.Outcome,
				fmt.Sprintf("baseline pooling group mixes outcomes %s and %s", outcome, est.Outcome))
		}
		if est.PopulationOrDefault() != context {
			return nil, domain.NewInvalidEstimateError("population", est.Population,
				fmt.Sprintf("baseline pooling group mixes contexts %s and %s", context, est.PopulationOrDefault()))
		}
		if est.Measure != domain.MeasureIncidence {
			return nil, domain.NewInvalidEstimateError("measure", string(est.Measure),
				"baseline pooling requires incidence-type estimates")
		}
	}

	studies := make([]study, 0, len(estimates))
	totalN := 0
	for _, est := range estimates {
		p := domain.ClampProbability(est.Value)
		s := study{
			pmid:  est.PMID,
			theta: logit(p),
			grade: est.Grade,
			n:     est.SampleSize,
		}
		if est.HasCI() {
			lo := domain.ClampProbability(*est.CILow)
			hi := domain.ClampProbability(*est.CIHigh)
			if se := (logit(hi) - logit(lo)) / (2 * zCritical); se > 0 {
				s.variance = se * se
				s.hasVar = true
			}
		}
		if !s.hasVar {
			e.logger.WithFields(logrus.Fields{
				"pmid":    est.PMID,
				"outcome": outcome,
			}).Warn("Estimate has no usable confidence interval, pooling at minimum weight")
		}
		studies = append(studies, s)
		totalN += est.SampleSize
	}

	result := e.pool(studies)

	baseline := &domain.BaselineRisk{
		Outcome:       outcome,
		Context:       context,
		Mean:          domain.ClampProbability(invLogit(result.theta)),
		CILow:         domain.ClampProbability(invLogit(result.ciLow)),
		CIHigh:        domain.ClampProbability(invLogit(result.ciHigh)),
		StudyCount:    len(studies),
		TotalN:        totalN,
		Heterogeneity: result.heterogeneity,
		Grade:         e.compositeGrade(estimates, result.heterogeneity, totalN),
		SourcePMIDs:   sourcePMIDs(estimates),
		UpdatedAt:     time.Now().UTC(),
	}

	if err := baseline.Validate(); err != nil {
		return nil, fmt.Errorf("pooling produced invalid baseline: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"outcome":        outcome,
		"context":        context,
		"study_count":    baseline.StudyCount,
		"total_n":        totalN,
		"mean":           baseline.Mean,
		"i2":             baseline.Heterogeneity,
		"grade":          string(baseline.Grade),
		"random_effects": result.randomEffects,
	}).Info("Pooled baseline risk")

	return baseline, nil
}

// PoolEffect collapses ratio-type estimates that share one outcome, modifier
// and measure into a single EffectEstimate. Ratios pool multiplicatively, so
// the machinery runs on the log-ratio scale.
func (e *Engine) PoolEffect(estimates []*domain.Estimate) (*domain.EffectEstimate, error) {
	if len(estimates) == 0 {
		return nil, domain.NewInsufficientEvidenceError("", "")
	}

	outcome := estimates[0].Outcome
	modifier := estimates[0].Modifier
	measure := estimates[0].Measure
	population := estimates[0].PopulationOrDefault()

	for _, est := range estimates {
		if est.Outcome != outcome || est.Modifier != modifier {
			return nil, domain.NewInvalidEstimateError("modifier", est.Modifier,
				fmt.Sprintf("effect pooling group mixes %s/%s and %s/%s", outcome, modifier, est.Outcome, est.Modifier))
		}
		if est.Measure != measure {
			return nil, domain.NewInvalidEstimateError("measure", string(est.Measure),
				fmt.Sprintf("effect pooling group mixes measure types %s and %s", measure, est.Measure))
		}
		if !est.Measure.IsRatio() {
			return nil, domain.NewInvalidEstimateError("measure", string(est.Measure),
				"effect pooling requires ratio-type estimates")
		}
		if est.PopulationOrDefault() != population {
			return nil, domain.NewInvalidEstimateError("population", est.Population,
				fmt.Sprintf("effect pooling group mixes populations %s and %s", population, est.PopulationOrDefault()))
		}
	}

	studies := make([]study, 0, len(estimates))
	totalN := 0
	for _, est := range estimates {
		s := study{
			pmid:  est.PMID,
			theta: math.Log(est.Value),
			grade: est.Grade,
			n:     est.SampleSize,
		}
		if est.HasCI() {
			if se := (math.Log(*est.CIHigh) - math.Log(*est.CILow)) / (2 * zCritical); se > 0 {
				s.variance = se * se
				s.hasVar = true
			}
		}
		if !s.hasVar {
			e.logger.WithFields(logrus.Fields{
				"pmid":     est.PMID,
				"outcome":  outcome,
				"modifier": modifier,
			}).Warn("Estimate has no usable confidence interval, pooling at minimum weight")
		}
		studies = append(studies, s)
		totalN += est.SampleSize
	}

	result := e.pool(studies)

	effect := &domain.EffectEstimate{
		Outcome:       outcome,
		Modifier:      modifier,
		Population:    population,
		Measure:       measure,
		Ratio:         math.Exp(result.theta),
		CILow:         math.Exp(result.ciLow),
		CIHigh:        math.Exp(result.ciHigh),
		StudyCount:    len(studies),
		Heterogeneity: result.heterogeneity,
		Grade:         e.compositeGrade(estimates, result.heterogeneity, totalN),
		SourcePMIDs:   sourcePMIDs(estimates),
		UpdatedAt:     time.Now().UTC(),
	}

	if err := effect.Validate(); err != nil {
		return nil, fmt.Errorf("pooling produced invalid effect estimate: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"outcome":        outcome,
		"modifier":       modifier,
		"study_count":    effect.StudyCount,
		"ratio":          effect.Ratio,
		"i2":             effect.Heterogeneity,
		"grade":          string(effect.Grade),
		"random_effects": result.randomEffects,
	}).Info("Pooled effect estimate")

	return effect, nil
}

// pool runs the weighted combination on the transformed scale. Studies are
// sorted by PMID first so floating-point accumulation order is independent
// of the caller's input order.
func (e *Engine) pool(studies []study) pooled {
	sort.Slice(studies, func(i, j int) bool {
		if studies[i].pmid != studies[j].pmid {
			return studies[i].pmid < studies[j].pmid
		}
		return studies[i].theta < studies[j].theta
	})

	k := len(studies)

	// Studies without a usable interval cannot be inverse-variance weighted;
	// they contribute at the minimum weight seen among the others, which is
	// the largest reported variance.
	maxVar := 0.0
	for _, s := range studies {
		if s.hasVar && s.variance > maxVar {
			maxVar = s.variance
		}
	}
	fallbackVar := maxVar
	if fallbackVar == 0 {
		// No study reported an interval; weight them equally.
		fallbackVar = 1.0
	}
	for i := range studies {
		if !studies[i].hasVar {
			studies[i].variance = fallbackVar
		}
	}

	weights := func(tau2 float64) (sumW, sumWTheta, sumW2 float64) {
		for _, s := range studies {
			w := s.grade.WeightMultiplier() / (s.variance + tau2)
			sumW += w
			sumWTheta += w * s.theta
			sumW2 += w * w
		}
		return
	}

	// Fixed-effects pass.
	sumW, sumWTheta, sumW2 := weights(0)
	thetaFixed := sumWTheta / sumW

	q := 0.0
	for _, s := range studies {
		w := s.grade.WeightMultiplier() / s.variance
		d := s.theta - thetaFixed
		q += w * d * d
	}

	i2 := 0.0
	if k > 1 && q > 0 {
		i2 = math.Max(0, (q-float64(k-1))/q) * 100
	}

	theta := thetaFixed
	pooledVar := 1 / sumW
	randomEffects := false

	// High heterogeneity: switch to random effects with a DerSimonian-Laird
	// between-study variance component.
	if i2 > e.cfg.RandomEffectsI2 && k > 1 {
		denom := sumW - sumW2/sumW
		if denom > 0 {
			tau2 := math.Max(0, (q-float64(k-1))/denom)
			sumWR, sumWThetaR, _ := weights(tau2)
			theta = sumWThetaR / sumWR
			pooledVar = 1 / sumWR
			randomEffects = true
		}
	}

	se := math.Sqrt(pooledVar)
	return pooled{
		theta:         theta,
		ciLow:         theta - zCritical*se,
		ciHigh:        theta + zCritical*se,
		heterogeneity: i2,
		randomEffects: randomEffects,
	}
}

// compositeGrade derives the pooled evidence grade: the majority grade among
// contributing studies (ties resolve to the better grade), downgraded one
// level for a thin study base or serious inconsistency, and one further
// level for a small total sample.
func (e *Engine) compositeGrade(estimates []*domain.Estimate, i2 float64, totalN int) domain.EvidenceGrade {
	grade := majorityGrade(estimates)

	if len(estimates) < e.cfg.MinStudies || i2 > e.cfg.SevereI2 {
		grade = grade.Downgrade()
	}
	if totalN < e.cfg.MinTotalN {
		grade = grade.Downgrade()
	}

	return grade
}

// majorityGrade returns the most frequent grade among the estimates,
// preferring the better grade on ties.
func majorityGrade(estimates []*domain.Estimate) domain.EvidenceGrade {
	counts := make(map[domain.EvidenceGrade]int, 4)
	for _, est := range estimates {
		counts[est.Grade]++
	}

	best := domain.GradeD
	bestCount := -1
	for _, g := range []domain.EvidenceGrade{domain.GradeA, domain.GradeB, domain.GradeC, domain.GradeD} {
		if counts[g] > bestCount {
			best = g
			bestCount = counts[g]
		}
	}
	return best
}

// sourcePMIDs returns the deduplicated, sorted PMIDs of the estimates.
func sourcePMIDs(estimates []*domain.Estimate) []string {
	seen := make(map[string]struct{}, len(estimates))
	pmids := make([]string, 0, len(estimates))
	for _, est := range estimates {
		if _, ok := seen[est.PMID]; ok {
			continue
		}
		seen[est.PMID] = struct{}{}
		pmids = append(pmids, est.PMID)
	}
	sort.Strings(pmids)
	return pmids
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func invLogit(t float64) float64 {
	return 1 / (1 + math.Exp(-t))
}
