// Package store provides the evidence store backends (embedded SQLite and
// Postgres) and the in-memory snapshot the risk read path is served from.
package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/periop-risk-server/internal/domain"
)

type baselineKey struct {
	outcome string
	context string
}

type effectKey struct {
	outcome    string
	modifier   string
	population string
}

// Snapshot is an immutable in-memory index of one evidence version, keyed by
// (outcome, context) and (outcome, modifier, population). Risk calculations
// run entirely against a snapshot so their latency is independent of the
// evidence-base size and they never touch the database.
//
// A snapshot is safe for unlimited concurrent readers: it is never mutated
// after construction. Re-pooling produces a new snapshot; swapping the
// pointer is the reader-side equivalent of version activation.
type Snapshot struct {
	version   string
	baselines map[baselineKey]*domain.BaselineRisk
	effects   map[effectKey]*domain.EffectEstimate
	outcomes  map[string]*domain.OutcomeInfo
}

// Lister enumerates the active evidence set of a persistent store for
// snapshot preloading.
type Lister interface {
	ActiveVersion(ctx context.Context) (string, error)
	ListActiveBaselines(ctx context.Context) ([]*domain.BaselineRisk, error)
	ListActiveEffects(ctx context.Context) ([]*domain.EffectEstimate, error)
	ListOutcomes(ctx context.Context) ([]*domain.OutcomeInfo, error)
}

// NewSnapshot builds a snapshot from already-loaded rows.
func NewSnapshot(version string, baselines []*domain.BaselineRisk, effects []*domain.EffectEstimate, outcomes []*domain.OutcomeInfo) *Snapshot {
	s := &Snapshot{
		version:   version,
		baselines: make(map[baselineKey]*domain.BaselineRisk, len(baselines)),
		effects:   make(map[effectKey]*domain.EffectEstimate, len(effects)),
		outcomes:  make(map[string]*domain.OutcomeInfo, len(outcomes)),
	}
	for _, b := range baselines {
		s.baselines[baselineKey{b.Outcome, b.Context}] = b
	}
	for _, e := range effects {
		s.effects[effectKey{e.Outcome, e.Modifier, e.Population}] = e
	}
	for _, o := range outcomes {
		s.outcomes[o.Token] = o
	}
	return s
}

// LoadSnapshot reads the active evidence version out of a persistent store.
func LoadSnapshot(ctx context.Context, src Lister) (*Snapshot, error) {
	version, err := src.ActiveVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: active version: %w", err)
	}

	baselines, err := src.ListActiveBaselines(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: baselines: %w", err)
	}

	effects, err := src.ListActiveEffects(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: effects: %w", err)
	}

	outcomes, err := src.ListOutcomes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: outcomes: %w", err)
	}

	return NewSnapshot(version, baselines, effects, outcomes), nil
}

// ActiveVersion implements domain.EvidenceReader.
func (s *Snapshot) ActiveVersion(ctx context.Context) (string, error) {
	return s.version, nil
}

// GetBaseline implements domain.EvidenceReader.
func (s *Snapshot) GetBaseline(ctx context.Context, outcome, popContext string) (*domain.BaselineRisk, error) {
	if b, ok := s.baselines[baselineKey{outcome, popContext}]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("baseline %s/%s: %w", outcome, popContext, domain.ErrNotFound)
}

// GetEffect implements domain.EvidenceReader.
func (s *Snapshot) GetEffect(ctx context.Context, outcome, modifier, population string) (*domain.EffectEstimate, error) {
	if e, ok := s.effects[effectKey{outcome, modifier, population}]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("effect %s/%s/%s: %w", outcome, modifier, population, domain.ErrNotFound)
}

// GetOutcomeInfo implements domain.EvidenceReader.
func (s *Snapshot) GetOutcomeInfo(ctx context.Context, outcome string) (*domain.OutcomeInfo, error) {
	if o, ok := s.outcomes[outcome]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("outcome %s: %w", outcome, domain.ErrNotFound)
}

// Outcomes returns the outcome catalog rows in unspecified order.
func (s *Snapshot) Outcomes() []*domain.OutcomeInfo {
	out := make([]*domain.OutcomeInfo, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o)
	}
	return out
}

// Counts returns the number of indexed rows, for health reporting.
func (s *Snapshot) Counts() (baselines, effects int) {
	return len(s.baselines), len(s.effects)
}

// Holder publishes the current snapshot to concurrent readers. Swapping in
// a freshly loaded snapshot after version activation is a single atomic
// pointer store; in-flight calculations keep the snapshot they started
// with.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a holder serving the given snapshot.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(s)
	return h
}

// Current returns the snapshot being served.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap replaces the served snapshot.
func (h *Holder) Swap(s *Snapshot) {
	h.current.Store(s)
}

// ActiveVersion implements domain.EvidenceReader.
func (h *Holder) ActiveVersion(ctx context.Context) (string, error) {
	return h.Current().ActiveVersion(ctx)
}

// GetBaseline implements domain.EvidenceReader.
func (h *Holder) GetBaseline(ctx context.Context, outcome, popContext string) (*domain.BaselineRisk, error) {
	return h.Current().GetBaseline(ctx, outcome, popContext)
}

// GetEffect implements domain.EvidenceReader.
func (h *Holder) GetEffect(ctx context.Context, outcome, modifier, population string) (*domain.EffectEstimate, error) {
	return h.Current().GetEffect(ctx, outcome, modifier, population)
}

// GetOutcomeInfo implements domain.EvidenceReader.
func (h *Holder) GetOutcomeInfo(ctx context.Context, outcome string) (*domain.OutcomeInfo, error) {
	return h.Current().GetOutcomeInfo(ctx, outcome)
}
