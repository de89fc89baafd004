package domain

import (
	"fmt"
	"time"
)

// BaselineRisk is the pooled probability of an outcome in a reference
// population absent any specific modifiers. One row is active per
// (outcome, context, evidence version).
type BaselineRisk struct {
	Outcome string `json:"outcome"`
	Context string `json:"context"`

	Mean   float64 `json:"mean"`
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`

	StudyCount    int           `json:"study_count"`
	TotalN        int           `json:"total_n"`
	Heterogeneity float64       `json:"heterogeneity"` // I², percent
	Grade         EvidenceGrade `json:"grade"`

	SourcePMIDs []string `json:"source_pmids"`

	EvidenceVersion string    `json:"evidence_version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate enforces the pooled-baseline invariant 0 <= low <= mean <= high <= 1.
func (b *BaselineRisk) Validate() error {
	if b.Outcome == "" {
		return fmt.Errorf("baseline risk validation: outcome is required")
	}
	if b.Context == "" {
		return fmt.Errorf("baseline risk validation: population context is required")
	}
	if b.CILow < 0 || b.CIHigh > 1 || b.CILow > b.Mean || b.Mean > b.CIHigh {
		return fmt.Errorf("baseline risk validation: interval [%g, %g] does not bracket mean %g within [0,1]",
			b.CILow, b.CIHigh, b.Mean)
	}
	// Pooled means are clamped to the probability floor; a zero mean would
	// make downstream ratios undefined.
	if b.Mean < MinProbability {
		return fmt.Errorf("baseline risk validation: mean %g is below the probability floor %g", b.Mean, MinProbability)
	}
	if b.StudyCount <= 0 {
		return fmt.Errorf("baseline risk validation: study count must be positive")
	}
	if !b.Grade.IsValid() {
		return fmt.Errorf("baseline risk validation: %w", ErrInvalidGrade)
	}
	return nil
}

// EffectEstimate is the pooled multiplicative effect of a modifier on an
// outcome, either an odds ratio or a risk ratio. Same lifecycle as
// BaselineRisk.
type EffectEstimate struct {
	Outcome    string      `json:"outcome"`
	Modifier   string      `json:"modifier"`
	Population string      `json:"population"`
	Measure    MeasureType `json:"measure"`

	Ratio  float64 `json:"ratio"`
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`

	StudyCount    int           `json:"study_count"`
	Heterogeneity float64       `json:"heterogeneity"` // I², percent
	Grade         EvidenceGrade `json:"grade"`

	SourcePMIDs []string `json:"source_pmids"`

	EvidenceVersion string    `json:"evidence_version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate enforces ratio > 0 and ci_low <= ratio <= ci_high.
func (e *EffectEstimate) Validate() error {
	if e.Outcome == "" {
		return fmt.Errorf("effect estimate validation: outcome is required")
	}
	if e.Modifier == "" {
		return fmt.Errorf("effect estimate validation: modifier token is required")
	}
	if !e.Measure.IsRatio() {
		return fmt.Errorf("effect estimate validation: %w: %s", ErrInvalidMeasure, e.Measure)
	}
	if e.Ratio <= 0 {
		return fmt.Errorf("effect estimate validation: ratio must be positive, got %g", e.Ratio)
	}
	if e.CILow > e.Ratio || e.Ratio > e.CIHigh || e.CILow <= 0 {
		return fmt.Errorf("effect estimate validation: interval [%g, %g] does not bracket ratio %g",
			e.CILow, e.CIHigh, e.Ratio)
	}
	if e.StudyCount <= 0 {
		return fmt.Errorf("effect estimate validation: study count must be positive")
	}
	if !e.Grade.IsValid() {
		return fmt.Errorf("effect estimate validation: %w", ErrInvalidGrade)
	}
	return nil
}

// Outcome metadata rendered alongside assessments. The catalog is a small
// lookup table; outcomes absent from it fall back to the raw token.
type OutcomeInfo struct {
	Token    string `json:"token"`
	Label    string `json:"label"`
	Category string `json:"category"`
}
