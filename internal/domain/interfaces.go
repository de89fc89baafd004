package domain

import (
	"context"
)

// EvidenceReader is the read side of the evidence store. All lookups operate
// against the currently active evidence version; GetBaseline and GetEffect
// return ErrNotFound (wrapped) when no row exists for the exact key.
//
// The risk adjustment engine only ever depends on this interface, so the
// read path can be served from a preloaded in-memory snapshot.
type EvidenceReader interface {
	// ActiveVersion returns the evidence version tag served by this reader.
	ActiveVersion(ctx context.Context) (string, error)

	GetBaseline(ctx context.Context, outcome, popContext string) (*BaselineRisk, error)
	GetEffect(ctx context.Context, outcome, modifier, population string) (*EffectEstimate, error)

	// GetOutcomeInfo resolves outcome catalog metadata; ErrNotFound when the
	// outcome is not cataloged.
	GetOutcomeInfo(ctx context.Context, outcome string) (*OutcomeInfo, error)
}

// EvidenceWriter is the write side of the evidence store, used exclusively
// by the offline ingestion/pooling pipeline. Pooled rows are written under a
// new evidence version and made visible atomically via ActivateVersion, so
// in-flight readers see either the old or the new evidence set, never a
// half-updated one.
type EvidenceWriter interface {
	SaveEstimate(ctx context.Context, est *Estimate) error
	ListEstimates(ctx context.Context) ([]*Estimate, error)

	SaveBaseline(ctx context.Context, baseline *BaselineRisk) error
	SaveEffect(ctx context.Context, effect *EffectEstimate) error
	SaveOutcomeInfo(ctx context.Context, info *OutcomeInfo) error

	ActivateVersion(ctx context.Context, version string) error
}

// EvidenceStore combines both sides for store implementations.
type EvidenceStore interface {
	EvidenceReader
	EvidenceWriter
	Close() error
}

// RiskCalculator is the public contract of the risk adjustment engine.
type RiskCalculator interface {
	CalculateRisk(ctx context.Context, outcome, popContext string, modifiers []string) (*RiskAssessment, error)
}

// ConfigManager defines the interface for configuration management.
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetStoreConfig() *StoreConfig
	GetPoolingConfig() *PoolingConfig
	Validate() error
	Reload() error
}
