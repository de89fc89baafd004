// Package ingest implements the evidence ingestion batch: validating raw
// study estimates, persisting them, re-pooling the full evidence base and
// atomically activating the resulting evidence version.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/pooling"
)

// Service runs ingestion batches. It is the exclusive writer of the
// evidence store: mu serializes batches, so one runs at a time and
// readers keep serving the previously activated version until the new
// one is activated.
type Service struct {
	logger *logrus.Logger
	store  domain.EvidenceStore
	pooler *pooling.Engine
	cfg    domain.IngestConfig

	mu sync.Mutex
}

// NewService creates an ingestion service. A zero MaxBatchSize falls back
// to 1000 records per batch.
func NewService(store domain.EvidenceStore, pooler *pooling.Engine, cfg domain.IngestConfig, logger *logrus.Logger) *Service {
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 1000
	}
	return &Service{
		logger: logger,
		store:  store,
		pooler: pooler,
		cfg:    cfg,
	}
}

// RejectedRecord describes one batch record that failed validation.
type RejectedRecord struct {
	Index int    `json:"index"`
	PMID  string `json:"pmid,omitempty"`
	Error string `json:"error"`
}

// PoolingFailure describes one pooling group that could not produce a
// pooled row. The rest of the batch still activates.
type PoolingFailure struct {
	Outcome  string `json:"outcome"`
	Modifier string `json:"modifier,omitempty"`
	Context  string `json:"context"`
	Error    string `json:"error"`
}

// Report summarizes one ingestion batch.
type Report struct {
	EvidenceVersion string           `json:"evidence_version"`
	Accepted        int              `json:"accepted"`
	Rejected        []RejectedRecord `json:"rejected,omitempty"`
	Baselines       int              `json:"baselines"`
	Effects         int              `json:"effects"`
	PoolingFailures []PoolingFailure `json:"pooling_failures,omitempty"`
	Activated       bool             `json:"activated"`
}

// IngestBatch validates and stores the given estimates, then re-pools the
// entire evidence base under a fresh evidence version and activates it.
//
// Validation is per record: a malformed record is rejected and reported,
// the rest of the batch proceeds. The batch fails as a whole only on
// storage errors or when every record is invalid and the store holds no
// prior estimates to pool.
func (s *Service) IngestBatch(ctx context.Context, estimates []*domain.Estimate) (*Report, error) {
	if len(estimates) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("ingest batch: %d records exceeds the batch limit of %d", len(estimates), s.cfg.MaxBatchSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{}

	for i, est := range estimates {
		if err := est.Validate(); err != nil {
			report.Rejected = append(report.Rejected, RejectedRecord{
				Index: i,
				PMID:  est.PMID,
				Error: err.Error(),
			})
			s.logger.WithFields(logrus.Fields{
				"index": i,
				"pmid":  est.PMID,
			}).WithError(err).Warn("Rejecting malformed estimate")
			continue
		}
		if err := s.store.SaveEstimate(ctx, est); err != nil {
			return nil, fmt.Errorf("ingest batch: storing estimate %s: %w", est.PMID, err)
		}
		report.Accepted++
	}

	version, err := s.repool(ctx, report)
	if err != nil {
		return nil, err
	}
	report.EvidenceVersion = version

	s.logger.WithFields(logrus.Fields{
		"evidence_version": report.EvidenceVersion,
		"accepted":         report.Accepted,
		"rejected":         len(report.Rejected),
		"baselines":        report.Baselines,
		"effects":          report.Effects,
		"activated":        report.Activated,
	}).Info("Ingestion batch completed")

	return report, nil
}

// Repool re-runs pooling over every stored estimate, writes the pooled
// rows under a new evidence version and activates it. Pooled rows from
// earlier versions are left in place for audit; only the active version is
// served.
func (s *Service) Repool(ctx context.Context, report *Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repool(ctx, report)
}

func (s *Service) repool(ctx context.Context, report *Report) (string, error) {
	all, err := s.store.ListEstimates(ctx)
	if err != nil {
		return "", fmt.Errorf("repool: listing estimates: %w", err)
	}
	if len(all) == 0 {
		return "", fmt.Errorf("repool: evidence store holds no estimates")
	}

	version := uuid.New().String()

	for _, group := range groupBaselines(all) {
		baseline, err := s.pooler.PoolBaseline(group)
		if err != nil {
			s.recordFailure(report, group[0].Outcome, "", group[0].PopulationOrDefault(), err)
			continue
		}
		baseline.EvidenceVersion = version
		if err := s.store.SaveBaseline(ctx, baseline); err != nil {
			return "", fmt.Errorf("repool: storing baseline %s/%s: %w", baseline.Outcome, baseline.Context, err)
		}
		if report != nil {
			report.Baselines++
		}
	}

	for _, group := range groupEffects(all) {
		effect, err := s.pooler.PoolEffect(group)
		if err != nil {
			s.recordFailure(report, group[0].Outcome, group[0].Modifier, group[0].PopulationOrDefault(), err)
			continue
		}
		effect.EvidenceVersion = version
		if err := s.store.SaveEffect(ctx, effect); err != nil {
			return "", fmt.Errorf("repool: storing effect %s/%s: %w", effect.Outcome, effect.Modifier, err)
		}
		if report != nil {
			report.Effects++
		}
	}

	if err := s.store.ActivateVersion(ctx, version); err != nil {
		return "", fmt.Errorf("repool: activating version %s: %w", version, err)
	}
	if report != nil {
		report.Activated = true
	}

	return version, nil
}

func (s *Service) recordFailure(report *Report, outcome, modifier, context string, err error) {
	s.logger.WithFields(logrus.Fields{
		"outcome":  outcome,
		"modifier": modifier,
		"context":  context,
	}).WithError(err).Warn("Pooling group failed, skipping")
	if report != nil {
		report.PoolingFailures = append(report.PoolingFailures, PoolingFailure{
			Outcome:  outcome,
			Modifier: modifier,
			Context:  context,
			Error:    err.Error(),
		})
	}
}

type groupKey struct {
	outcome    string
	modifier   string
	population string
	measure    domain.MeasureType
}

// groupBaselines buckets incidence estimates by (outcome, context),
// returning groups in deterministic order.
func groupBaselines(estimates []*domain.Estimate) [][]*domain.Estimate {
	groups := make(map[groupKey][]*domain.Estimate)
	for _, est := range estimates {
		if !est.IsBaseline() || est.Measure != domain.MeasureIncidence {
			continue
		}
		key := groupKey{outcome: est.Outcome, population: est.PopulationOrDefault()}
		groups[key] = append(groups[key], est)
	}
	return sortedGroups(groups)
}

// groupEffects buckets ratio estimates by (outcome, modifier, population,
// measure). Odds-ratio and risk-ratio estimates for the same modifier pool
// separately; they are not interconvertible without the baseline rate of
// each study.
func groupEffects(estimates []*domain.Estimate) [][]*domain.Estimate {
	groups := make(map[groupKey][]*domain.Estimate)
	for _, est := range estimates {
		if est.IsBaseline() || !est.Measure.IsRatio() {
			continue
		}
		key := groupKey{
			outcome:    est.Outcome,
			modifier:   est.Modifier,
			population: est.PopulationOrDefault(),
			measure:    est.Measure,
		}
		groups[key] = append(groups[key], est)
	}
	return sortedGroups(groups)
}

func sortedGroups(groups map[groupKey][]*domain.Estimate) [][]*domain.Estimate {
	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.outcome != b.outcome {
			return a.outcome < b.outcome
		}
		if a.modifier != b.modifier {
			return a.modifier < b.modifier
		}
		if a.population != b.population {
			return a.population < b.population
		}
		return a.measure < b.measure
	})

	out := make([][]*domain.Estimate, 0, len(keys))
	for _, key := range keys {
		out = append(out, groups[key])
	}
	return out
}
