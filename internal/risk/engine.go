// Package risk implements the evidence-weighted risk adjustment engine. It
// combines a pooled baseline risk with the pooled effect estimates of the
// modifiers present in a patient's narrative, producing an adjusted
// probability with a propagated confidence interval, a composite evidence
// grade and the contributing citations.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// Thresholds for the implausible-adjustment warning: a modifier chain that
// lifts a rare baseline above near-certainty says more about stacked
// approximations than about the patient.
const (
	highUncertaintyAdjusted = 0.95
	highUncertaintyBaseline = 0.05
)

// Engine computes risk assessments against a read-only evidence snapshot.
// It holds no state between calls: the result is a pure function of the
// inputs and the active evidence version, so any number of calls may run
// concurrently.
type Engine struct {
	logger *logrus.Logger
	store  domain.EvidenceReader
}

// NewEngine creates a risk adjustment engine over the given evidence reader.
func NewEngine(store domain.EvidenceReader, logger *logrus.Logger) *Engine {
	return &Engine{
		logger: logger,
		store:  store,
	}
}

// CalculateRisk looks up the baseline risk for (outcome, popContext) and
// applies the effect estimate of every modifier token that has one.
//
// Modifiers combine multiplicatively and independently: odds ratios multiply
// on the odds scale, risk ratios multiply the probability directly, and no
// interaction between co-occurring factors is modeled. The adjusted
// confidence interval applies the same multiplicative chain to the baseline
// bounds point-wise; it is an approximation, not a joint-distribution
// convolution, and keeps the interval directionally meaningful only.
//
// A missing baseline is an expected outcome, reported via NoEvidence on the
// assessment rather than an error. Tokens with no effect estimate are
// ignored: absence of evidence for a modifier is not evidence of no effect,
// so the baseline is neither penalized nor inflated for them.
func (e *Engine) CalculateRisk(ctx context.Context, outcome, popContext string, modifiers []string) (*domain.RiskAssessment, error) {
	if outcome == "" {
		return nil, fmt.Errorf("calculate risk: outcome token is required")
	}

	version, err := e.store.ActiveVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("calculate risk: resolving active evidence version: %w", err)
	}

	assessment := &domain.RiskAssessment{
		Outcome:          outcome,
		OutcomeLabel:     outcome,
		AppliedModifiers: []domain.AppliedModifier{},
		Citations:        []string{},
		EvidenceVersion:  version,
	}

	if info, err := e.store.GetOutcomeInfo(ctx, outcome); err == nil {
		assessment.OutcomeLabel = info.Label
		assessment.Category = info.Category
	} else if !errors.Is(err, domain.ErrNotFound) {
		e.logger.WithError(err).WithField("outcome", outcome).Warn("Outcome catalog lookup failed, using raw token")
	}

	tokens := dedupTokens(modifiers)

	// Step 1: baseline lookup with context fallback.
	baseline, err := e.lookupBaseline(ctx, outcome, popContext)
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		assessment.NoEvidence = true
		assessment.IgnoredModifiers = tokens
		e.logger.WithFields(logrus.Fields{
			"outcome": outcome,
			"context": popContext,
		}).Info("No baseline evidence for outcome in any fallback context")
		return assessment, nil
	}

	assessment.BaselineContext = baseline.Context
	baselineMean := baseline.Mean
	assessment.BaselineRisk = &baselineMean

	// Step 2: resolve modifier tokens to effect estimates. Unknown tokens
	// are logged and skipped; narrative-derived tokens are best-effort.
	effects := make([]*domain.EffectEstimate, 0, len(tokens))
	for _, token := range tokens {
		effect, err := e.lookupEffect(ctx, outcome, token, popContext)
		if err != nil {
			return nil, err
		}
		if effect == nil {
			assessment.IgnoredModifiers = append(assessment.IgnoredModifiers, token)
			e.logger.WithFields(logrus.Fields{
				"outcome":  outcome,
				"modifier": token,
			}).Warn("No effect estimate for modifier token, ignoring")
			continue
		}
		effects = append(effects, effect)
		assessment.AppliedModifiers = append(assessment.AppliedModifiers, domain.AppliedModifier{
			Token:      effect.Modifier,
			Measure:    effect.Measure,
			Ratio:      effect.Ratio,
			Population: effect.Population,
			Grade:      effect.Grade,
		})
	}

	// Step 3: multiplicative combination of baseline and located ratios.
	adjusted := baseline.Mean
	ciLow := baseline.CILow
	ciHigh := baseline.CIHigh
	for _, effect := range effects {
		adjusted = applyRatio(adjusted, effect)
		ciLow = applyRatio(ciLow, effect)
		ciHigh = applyRatio(ciHigh, effect)
	}

	// Step 4: keep the output a valid probability, flagging rather than
	// silently suppressing implausible results. The combined ratio is
	// undefined for a degenerate zero-mean baseline row; such rows are
	// rejected at write time but may reach a hand-seeded snapshot.
	var combined *float64
	if baseline.Mean >= domain.MinProbability {
		ratio := adjusted / baseline.Mean
		combined = &ratio
	}
	if clamped := domain.ClampProbability(adjusted); clamped != adjusted {
		adjusted = clamped
		assessment.Warnings = append(assessment.Warnings, domain.WarningClamped)
	}
	ciLow = domain.ClampProbability(ciLow)
	ciHigh = domain.ClampProbability(ciHigh)

	if adjusted > highUncertaintyAdjusted && baseline.Mean < highUncertaintyBaseline {
		assessment.Warnings = append(assessment.Warnings, domain.WarningHighUncertainty)
	}

	diff := adjusted - baseline.Mean
	assessment.AdjustedRisk = &adjusted
	assessment.AdjustedCILow = &ciLow
	assessment.AdjustedCIHigh = &ciHigh
	assessment.CombinedRatio = combined
	assessment.RiskDifference = &diff

	// Step 5: composite grade and citations. The chain is only as strong as
	// its weakest link; citations keep the baseline first, then modifiers in
	// the order supplied.
	grade := baseline.Grade
	citations := append([]string{}, baseline.SourcePMIDs...)
	for _, effect := range effects {
		grade = grade.Worst(effect.Grade)
		citations = append(citations, effect.SourcePMIDs...)
	}
	assessment.Grade = grade
	assessment.Citations = dedupTokens(citations)

	e.logger.WithFields(logrus.Fields(assessment.LogFields())).Info("Risk assessment computed")

	return assessment, nil
}

// lookupBaseline walks the context fallback chain; nil result means no
// baseline exists anywhere along it.
func (e *Engine) lookupBaseline(ctx context.Context, outcome, popContext string) (*domain.BaselineRisk, error) {
	for _, candidate := range fallbackContexts(popContext) {
		baseline, err := e.store.GetBaseline(ctx, outcome, candidate)
		if err == nil {
			return baseline, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("calculate risk: baseline lookup for %s/%s: %w", outcome, candidate, err)
		}
	}
	return nil, nil
}

// lookupEffect resolves an effect estimate for the modifier, walking the
// same fallback chain since effects may declare a broader population than
// the requested context.
func (e *Engine) lookupEffect(ctx context.Context, outcome, modifier, popContext string) (*domain.EffectEstimate, error) {
	for _, candidate := range fallbackContexts(popContext) {
		effect, err := e.store.GetEffect(ctx, outcome, modifier, candidate)
		if err == nil {
			return effect, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("calculate risk: effect lookup for %s/%s/%s: %w", outcome, modifier, candidate, err)
		}
	}
	return nil, nil
}

// applyRatio applies one effect estimate to a probability. Odds ratios
// operate on the odds scale; risk ratios scale the probability directly.
func applyRatio(p float64, effect *domain.EffectEstimate) float64 {
	switch effect.Measure {
	case domain.MeasureOddsRatio:
		odds := p / (1 - p) * effect.Ratio
		return odds / (1 + odds)
	default:
		return p * effect.Ratio
	}
}

// fallbackContexts returns the lookup precedence for a requested context:
// the exact label, its broader population bucket (the segment before the
// first underscore), then the general and mixed buckets.
func fallbackContexts(popContext string) []string {
	chain := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)
	add := func(c string) {
		if c == "" {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		chain = append(chain, c)
	}

	add(popContext)
	if idx := strings.Index(popContext, "_"); idx > 0 {
		add(popContext[:idx])
	}
	add(domain.PopulationGeneral)
	add(domain.PopulationMixed)
	return chain
}

// dedupTokens removes duplicates while preserving first-seen order.
func dedupTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
