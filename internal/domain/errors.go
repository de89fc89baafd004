package domain

import (
	"fmt"
)

// InsufficientEvidenceError is returned by the pooling engine when a pooling
// request carries zero usable source estimates. It is surfaced to the
// ingestion caller, never silently defaulted.
type InsufficientEvidenceError struct {
	Outcome  string `json:"outcome"`
	Modifier string `json:"modifier,omitempty"`
}

// Error implements the error interface.
func (e *InsufficientEvidenceError) Error() string {
	if e.Modifier != "" {
		return fmt.Sprintf("insufficient evidence: no estimates for outcome %s modifier %s", e.Outcome, e.Modifier)
	}
	return fmt.Sprintf("insufficient evidence: no estimates for outcome %s", e.Outcome)
}

// NewInsufficientEvidenceError creates an InsufficientEvidenceError.
func NewInsufficientEvidenceError(outcome, modifier string) *InsufficientEvidenceError {
	return &InsufficientEvidenceError{Outcome: outcome, Modifier: modifier}
}

// InvalidEstimateError reports an ingestion schema violation for a single
// estimate record. The violating record fails independently of its batch
// siblings; partial-batch success is expected.
type InvalidEstimateError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *InvalidEstimateError) Error() string {
	return fmt.Sprintf("invalid estimate: field %q: %s", e.Field, e.Message)
}

// NewInvalidEstimateError creates an InvalidEstimateError.
func NewInvalidEstimateError(field string, value any, message string) *InvalidEstimateError {
	return &InvalidEstimateError{Field: field, Value: value, Message: message}
}
