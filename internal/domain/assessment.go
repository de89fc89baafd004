package domain

// Warning annotations attached to a RiskAssessment. These are surfaced to
// the caller for clinical-safety reasons, never silently dropped.
const (
	// WarningHighUncertainty marks assessments where the combined modifier
	// chain pushed the adjusted risk into an implausible range.
	WarningHighUncertainty = "high_uncertainty"
	// WarningClamped marks assessments whose adjusted value hit the valid
	// probability bounds and was clamped.
	WarningClamped = "adjusted_risk_clamped"
)

// AppliedModifier records one effect estimate that contributed to an
// adjustment, in the order the caller supplied the tokens.
type AppliedModifier struct {
	Token      string        `json:"token"`
	Measure    MeasureType   `json:"measure"`
	Ratio      float64       `json:"ratio"`
	Population string        `json:"population"`
	Grade      EvidenceGrade `json:"grade"`
}

// RiskAssessment is the engine output for one (outcome, context, modifiers)
// request. It is ephemeral: owned exclusively by the caller, never persisted
// as source of truth.
//
// NoEvidence is a result value, not an error. When it is set the numeric
// risk fields are nil and the presentation layer must render "insufficient
// evidence" rather than a number; "no evidence", "zero risk" and
// "calculation error" are three distinct states.
type RiskAssessment struct {
	Outcome      string `json:"outcome"`
	OutcomeLabel string `json:"outcome_label"`
	Category     string `json:"category,omitempty"`

	NoEvidence bool `json:"no_evidence"`

	// Context actually used after fallback, which may be broader than the
	// context requested.
	BaselineContext string   `json:"baseline_context,omitempty"`
	BaselineRisk    *float64 `json:"baseline_risk,omitempty"`

	AdjustedRisk   *float64 `json:"adjusted_risk,omitempty"`
	AdjustedCILow  *float64 `json:"adjusted_ci_low,omitempty"`
	AdjustedCIHigh *float64 `json:"adjusted_ci_high,omitempty"`

	// CombinedRatio is the overall multiplier adjusted/baseline.
	CombinedRatio  *float64 `json:"combined_ratio,omitempty"`
	RiskDifference *float64 `json:"risk_difference,omitempty"`

	Grade EvidenceGrade `json:"grade,omitempty"`

	// Modifiers that actually contributed an adjustment; tokens with no
	// matching effect estimate are absent.
	AppliedModifiers []AppliedModifier `json:"applied_modifiers"`
	IgnoredModifiers []string          `json:"ignored_modifiers,omitempty"`

	// Citations from the baseline first, then from each contributing
	// modifier in the order supplied, deduplicated.
	Citations []string `json:"citations"`

	Warnings []string `json:"warnings,omitempty"`

	EvidenceVersion string `json:"evidence_version,omitempty"`
}

// HasWarning reports whether the given warning annotation is attached.
func (a *RiskAssessment) HasWarning(warning string) bool {
	for _, w := range a.Warnings {
		if w == warning {
			return true
		}
	}
	return false
}

// LogFields returns structured logging fields for audit trails.
func (a *RiskAssessment) LogFields() map[string]any {
	fields := map[string]any{
		"outcome":           a.Outcome,
		"no_evidence":       a.NoEvidence,
		"baseline_context":  a.BaselineContext,
		"applied_modifiers": len(a.AppliedModifiers),
		"ignored_modifiers": len(a.IgnoredModifiers),
		"grade":             string(a.Grade),
		"evidence_version":  a.EvidenceVersion,
	}
	if a.AdjustedRisk != nil {
		fields["adjusted_risk"] = *a.AdjustedRisk
	}
	return fields
}
