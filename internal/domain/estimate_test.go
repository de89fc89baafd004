package domain

import (
	"errors"
	"testing"
)

func fl(v float64) *float64 { return &v }

func validBaselineEstimate() *Estimate {
	return &Estimate{
		PMID:                 "31234567",
		Outcome:              "FAILED_INTUBATION",
		Population:           "adult_general",
		Measure:              MeasureIncidence,
		Value:                0.002,
		CILow:                fl(0.001),
		CIHigh:               fl(0.004),
		SampleSize:           12000,
		Adjusted:             true,
		Grade:                GradeA,
		ExtractionConfidence: 0.95,
	}
}

func validEffectEstimate() *Estimate {
	return &Estimate{
		PMID:                 "29876543",
		Outcome:              "FAILED_INTUBATION",
		Modifier:             "OSA",
		Population:           "adult_general",
		Measure:              MeasureOddsRatio,
		Value:                3.2,
		CILow:                fl(2.1),
		CIHigh:               fl(4.8),
		SampleSize:           850,
		Adjusted:             true,
		Grade:                GradeA,
		ExtractionConfidence: 0.9,
	}
}

func TestEstimateValidate_Valid(t *testing.T) {
	if err := validBaselineEstimate().Validate(); err != nil {
		t.Errorf("Expected valid baseline estimate, got error: %v", err)
	}
	if err := validEffectEstimate().Validate(); err != nil {
		t.Errorf("Expected valid effect estimate, got error: %v", err)
	}
}

func TestEstimateValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Estimate)
	}{
		{"missing PMID", func(e *Estimate) { e.PMID = "" }},
		{"missing outcome", func(e *Estimate) { e.Outcome = "" }},
		{"unknown measure", func(e *Estimate) { e.Measure = "HAZARD_RATIO" }},
		{"incidence above 1", func(e *Estimate) { e.Value = 1.5; e.CILow = nil; e.CIHigh = nil }},
		{"negative incidence", func(e *Estimate) { e.Value = -0.1; e.CILow = nil; e.CIHigh = nil }},
		{"inverted CI", func(e *Estimate) { e.CILow = fl(0.004); e.CIHigh = fl(0.001) }},
		{"point outside CI", func(e *Estimate) { e.CILow = fl(0.003); e.CIHigh = fl(0.004) }},
		{"half CI", func(e *Estimate) { e.CIHigh = nil }},
		{"non-positive sample size", func(e *Estimate) { e.SampleSize = 0 }},
		{"invalid grade", func(e *Estimate) { e.Grade = "F" }},
		{"extraction confidence above 1", func(e *Estimate) { e.ExtractionConfidence = 1.2 }},
		{"incidence with modifier", func(e *Estimate) { e.Modifier = "OSA" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validBaselineEstimate()
			tt.mutate(e)
			err := e.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			var invalid *InvalidEstimateError
			if !errors.As(err, &invalid) {
				t.Errorf("Expected *InvalidEstimateError, got %T", err)
			}
		})
	}
}

func TestEstimateValidate_RatioRules(t *testing.T) {
	e := validEffectEstimate()
	e.Value = 0
	e.CILow, e.CIHigh = nil, nil
	if err := e.Validate(); err == nil {
		t.Error("Expected error for non-positive ratio")
	}

	e = validEffectEstimate()
	e.Modifier = ""
	if err := e.Validate(); err == nil {
		t.Error("Expected error for ratio estimate without modifier")
	}

	e = validEffectEstimate()
	e.CILow = fl(-0.5)
	e.Value = 1.0
	e.CIHigh = fl(2.0)
	if err := e.Validate(); err == nil {
		t.Error("Expected error for non-positive ratio CI bound")
	}
}

func TestEstimateValidate_MissingCIIsAllowed(t *testing.T) {
	// A missing interval is not a schema violation; the pooling engine
	// handles it by assigning minimum weight.
	e := validBaselineEstimate()
	e.CILow, e.CIHigh = nil, nil
	if err := e.Validate(); err != nil {
		t.Errorf("Expected estimate without CI to validate, got: %v", err)
	}
	if e.HasCI() {
		t.Error("Expected HasCI()=false")
	}
}

func TestEstimatePopulationOrDefault(t *testing.T) {
	e := validBaselineEstimate()
	e.Population = ""
	if got := e.PopulationOrDefault(); got != PopulationGeneral {
		t.Errorf("Expected %q, got %q", PopulationGeneral, got)
	}
}
