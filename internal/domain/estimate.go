package domain

import (
	"fmt"
)

// Estimate is a single study-level record extracted from the literature.
// A nil Modifier means the estimate reports a baseline incidence for the
// outcome; otherwise it reports the effect of the modifier on the outcome.
//
// Estimates are created once during evidence ingestion and never mutated;
// only the pooling engine consumes them.
type Estimate struct {
	// Source study identification
	PMID string `json:"pmid" validate:"required"`

	// What the estimate is about
	Outcome    string      `json:"outcome" validate:"required"`
	Modifier   string      `json:"modifier,omitempty"` // empty => baseline estimate
	Population string      `json:"population,omitempty"`
	Measure    MeasureType `json:"measure" validate:"required"`

	// The numbers
	Value  float64  `json:"value"`
	CILow  *float64 `json:"ci_low,omitempty"`
	CIHigh *float64 `json:"ci_high,omitempty"`

	// Study characteristics
	SampleSize int           `json:"sample_size"`
	Adjusted   bool          `json:"adjusted"` // adjusted for confounders
	Grade      EvidenceGrade `json:"grade"`

	// Confidence of the extraction pipeline that produced this record (0-1).
	ExtractionConfidence float64 `json:"extraction_confidence"`
}

// IsBaseline reports whether the estimate is a baseline incidence record.
func (e *Estimate) IsBaseline() bool {
	return e.Modifier == ""
}

// HasCI reports whether the study reported a usable confidence interval.
// Estimates without one are still pooled, at minimum weight.
func (e *Estimate) HasCI() bool {
	return e.CILow != nil && e.CIHigh != nil
}

// Validate enforces the ingestion schema. Malformed records must be
// rejected at the boundary, never silently coerced: an out-of-range
// probability, a non-positive ratio or an inverted CI here would corrupt
// every pooled result downstream.
func (e *Estimate) Validate() error {
	if e.PMID == "" {
		return NewInvalidEstimateError("pmid", e.PMID, "source PMID is required")
	}

	if e.Outcome == "" {
		return NewInvalidEstimateError("outcome", e.Outcome, "outcome token is required")
	}

	if !e.Measure.IsValid() {
		return NewInvalidEstimateError("measure", string(e.Measure), "unknown measure type")
	}

	switch {
	case e.Measure == MeasureIncidence && !e.IsBaseline():
		return NewInvalidEstimateError("measure", string(e.Measure), "incidence estimates cannot carry a modifier")
	case e.Measure.IsRatio() && e.IsBaseline():
		return NewInvalidEstimateError("measure", string(e.Measure), "ratio estimates require a modifier")
	}

	if e.Measure == MeasureIncidence {
		if e.Value < 0 || e.Value > 1 {
			return NewInvalidEstimateError("value", e.Value, "incidence must be within [0,1]")
		}
	} else if e.Value <= 0 {
		return NewInvalidEstimateError("value", e.Value, "ratio must be positive")
	}

	if e.CILow != nil || e.CIHigh != nil {
		if e.CILow == nil || e.CIHigh == nil {
			return NewInvalidEstimateError("ci", nil, "confidence interval requires both bounds")
		}
		if *e.CILow > *e.CIHigh {
			return NewInvalidEstimateError("ci", fmt.Sprintf("[%g, %g]", *e.CILow, *e.CIHigh), "confidence interval bounds are inverted")
		}
		if *e.CILow > e.Value || *e.CIHigh < e.Value {
			return NewInvalidEstimateError("ci", fmt.Sprintf("[%g, %g]", *e.CILow, *e.CIHigh), "point estimate lies outside its confidence interval")
		}
		if e.Measure.IsRatio() && *e.CILow <= 0 {
			return NewInvalidEstimateError("ci", *e.CILow, "ratio confidence bounds must be positive")
		}
		if e.Measure == MeasureIncidence && (*e.CILow < 0 || *e.CIHigh > 1) {
			return NewInvalidEstimateError("ci", fmt.Sprintf("[%g, %g]", *e.CILow, *e.CIHigh), "incidence confidence bounds must be within [0,1]")
		}
	}

	if e.SampleSize <= 0 {
		return NewInvalidEstimateError("sample_size", e.SampleSize, "sample size must be positive")
	}

	if !e.Grade.IsValid() {
		return NewInvalidEstimateError("grade", string(e.Grade), "evidence grade must be A, B, C or D")
	}

	if e.ExtractionConfidence < 0 || e.ExtractionConfidence > 1 {
		return NewInvalidEstimateError("extraction_confidence", e.ExtractionConfidence, "extraction confidence must be within [0,1]")
	}

	return nil
}

// PopulationOrDefault returns the declared population, falling back to the
// general bucket when the study did not declare one.
func (e *Estimate) PopulationOrDefault() string {
	if e.Population == "" {
		return PopulationGeneral
	}
	return e.Population
}
