// Package domain contains the core business entities for perioperative risk
// estimation: raw literature estimates, pooled evidence rows and the risk
// assessment produced for a clinical outcome.
//
// Evidence is graded A-D following the convention used in the literature
// evidence base: A for consistent high-quality studies down to D for expert
// opinion or single small series.
package domain

import (
	"errors"
)

// EvidenceGrade is a coarse A-D confidence label summarizing study quality,
// consistency and volume for a given estimate.
type EvidenceGrade string

const (
	GradeA EvidenceGrade = "A"
	GradeB EvidenceGrade = "B"
	GradeC EvidenceGrade = "C"
	GradeD EvidenceGrade = "D"
)

// MeasureType identifies the statistical measure a raw estimate reports.
type MeasureType string

const (
	MeasureIncidence MeasureType = "INCIDENCE"
	MeasureOddsRatio MeasureType = "ODDS_RATIO"
	MeasureRiskRatio MeasureType = "RISK_RATIO"
)

// Validation errors for evidence data integrity.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidGrade   = errors.New("invalid evidence grade")
	ErrInvalidMeasure = errors.New("invalid measure type")
)

// IsValid validates that the grade is one of the four recognized levels.
// Only valid grades may enter the evidence base; an unrecognized grade
// must be rejected at ingestion, never coerced.
func (g EvidenceGrade) IsValid() bool {
	switch g {
	case GradeA, GradeB, GradeC, GradeD:
		return true
	default:
		return false
	}
}

// String returns the string representation of the grade.
func (g EvidenceGrade) String() string {
	return string(g)
}

// rank maps grades to an ordering where lower is better.
func (g EvidenceGrade) rank() int {
	switch g {
	case GradeA:
		return 0
	case GradeB:
		return 1
	case GradeC:
		return 2
	case GradeD:
		return 3
	default:
		return 4
	}
}

// BetterThan reports whether g is a stronger grade than other.
func (g EvidenceGrade) BetterThan(other EvidenceGrade) bool {
	return g.rank() < other.rank()
}

// Worst returns the weaker of g and other. A chain of evidence is only as
// strong as its weakest link, so composite grades are computed with Worst.
func (g EvidenceGrade) Worst(other EvidenceGrade) EvidenceGrade {
	if other.rank() > g.rank() {
		return other
	}
	return g
}

// Downgrade returns the grade one level weaker, bottoming out at D.
func (g EvidenceGrade) Downgrade() EvidenceGrade {
	switch g {
	case GradeA:
		return GradeB
	case GradeB:
		return GradeC
	default:
		return GradeD
	}
}

// WeightMultiplier returns the pooling weight multiplier for the grade.
// Higher-quality studies contribute more to the pooled estimate.
func (g EvidenceGrade) WeightMultiplier() float64 {
	switch g {
	case GradeA:
		return 1.0
	case GradeB:
		return 0.8
	case GradeC:
		return 0.6
	default:
		return 0.4
	}
}

// IsValid validates the measure type.
func (m MeasureType) IsValid() bool {
	switch m {
	case MeasureIncidence, MeasureOddsRatio, MeasureRiskRatio:
		return true
	default:
		return false
	}
}

// IsRatio reports whether the measure is pooled on the log-ratio scale.
func (m MeasureType) IsRatio() bool {
	return m == MeasureOddsRatio || m == MeasureRiskRatio
}

// String returns the string representation of the measure type.
func (m MeasureType) String() string {
	return string(m)
}

// Probability bounds applied to every pooled or adjusted probability so the
// engine never reports a degenerate 0 or 1 risk.
const (
	MinProbability = 0.00001
	MaxProbability = 0.999
)

// ClampProbability restricts p to the valid output range.
func ClampProbability(p float64) float64 {
	if p < MinProbability {
		return MinProbability
	}
	if p > MaxProbability {
		return MaxProbability
	}
	return p
}

// Context labels are leaf lookup keys such as "adult_general" or
// "pediatric_ent"; the segment before the underscore names the broader
// population bucket. PopulationGeneral and PopulationMixed are the final
// fallback buckets for baseline lookup.
const (
	PopulationGeneral = "general"
	PopulationMixed   = "mixed"
)
