package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/periop-risk-server/internal/database"
	"github.com/periop-risk-server/internal/domain"
)

// PostgresStore implements domain.EvidenceStore on a Postgres connection
// pool. It is behaviorally identical to SQLiteStore; deployments pick it
// when the evidence base is shared by several service instances. Schema is
// managed by migrations, not created here.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps an established connection pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ActiveVersion returns the currently active evidence version, or the empty
// string when no version has been activated yet.
func (s *PostgresStore) ActiveVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.Pool.QueryRow(ctx,
		"SELECT version FROM evidence_versions WHERE active LIMIT 1",
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query active version: %w", err)
	}
	return version, nil
}

// SaveEstimate stores one raw study estimate, replacing any earlier row for
// the same (pmid, outcome, modifier, population, measure).
func (s *PostgresStore) SaveEstimate(ctx context.Context, est *domain.Estimate) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO estimates (
			pmid, outcome, modifier, population, measure,
			value, ci_low, ci_high, sample_size, adjusted,
			grade, extraction_confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pmid, outcome, modifier, population, measure) DO UPDATE SET
			value = EXCLUDED.value,
			ci_low = EXCLUDED.ci_low,
			ci_high = EXCLUDED.ci_high,
			sample_size = EXCLUDED.sample_size,
			adjusted = EXCLUDED.adjusted,
			grade = EXCLUDED.grade,
			extraction_confidence = EXCLUDED.extraction_confidence
	`,
		est.PMID,
		est.Outcome,
		est.Modifier,
		est.PopulationOrDefault(),
		string(est.Measure),
		est.Value,
		est.CILow,
		est.CIHigh,
		est.SampleSize,
		est.Adjusted,
		string(est.Grade),
		est.ExtractionConfidence,
	)
	if err != nil {
		return fmt.Errorf("failed to insert estimate: %w", err)
	}
	return nil
}

// ListEstimates returns all raw estimates, ordered for deterministic
// pooling-group construction.
func (s *PostgresStore) ListEstimates(ctx context.Context) ([]*domain.Estimate, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT pmid, outcome, modifier, population, measure,
			value, ci_low, ci_high, sample_size, adjusted,
			grade, extraction_confidence
		FROM estimates
		ORDER BY outcome, modifier, population, pmid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query estimates: %w", err)
	}
	defer rows.Close()

	var result []*domain.Estimate
	for rows.Next() {
		est := &domain.Estimate{}
		var measure, grade string
		var ciLow, ciHigh *float64
		err := rows.Scan(
			&est.PMID, &est.Outcome, &est.Modifier, &est.Population, &measure,
			&est.Value, &ciLow, &ciHigh, &est.SampleSize, &est.Adjusted,
			&grade, &est.ExtractionConfidence,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan estimate: %w", err)
		}
		est.Measure = domain.MeasureType(measure)
		est.Grade = domain.EvidenceGrade(grade)
		est.CILow, est.CIHigh = ciLow, ciHigh
		result = append(result, est)
	}
	return result, rows.Err()
}

// SaveBaseline stores a pooled baseline risk under its evidence version.
func (s *PostgresStore) SaveBaseline(ctx context.Context, baseline *domain.BaselineRisk) error {
	if err := baseline.Validate(); err != nil {
		return err
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO baseline_risks (
			outcome, context, mean, ci_low, ci_high,
			study_count, total_n, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (outcome, context, evidence_version) DO UPDATE SET
			mean = EXCLUDED.mean,
			ci_low = EXCLUDED.ci_low,
			ci_high = EXCLUDED.ci_high,
			study_count = EXCLUDED.study_count,
			total_n = EXCLUDED.total_n,
			heterogeneity = EXCLUDED.heterogeneity,
			grade = EXCLUDED.grade,
			source_pmids = EXCLUDED.source_pmids,
			updated_at = EXCLUDED.updated_at
	`,
		baseline.Outcome,
		baseline.Context,
		baseline.Mean,
		baseline.CILow,
		baseline.CIHigh,
		baseline.StudyCount,
		baseline.TotalN,
		baseline.Heterogeneity,
		string(baseline.Grade),
		strings.Join(baseline.SourcePMIDs, ","),
		baseline.EvidenceVersion,
		baseline.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert baseline risk: %w", err)
	}
	return nil
}

// SaveEffect stores a pooled effect estimate under its evidence version.
func (s *PostgresStore) SaveEffect(ctx context.Context, effect *domain.EffectEstimate) error {
	if err := effect.Validate(); err != nil {
		return err
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO effect_estimates (
			outcome, modifier, population, measure, ratio,
			ci_low, ci_high, study_count, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (outcome, modifier, population, evidence_version) DO UPDATE SET
			measure = EXCLUDED.measure,
			ratio = EXCLUDED.ratio,
			ci_low = EXCLUDED.ci_low,
			ci_high = EXCLUDED.ci_high,
			study_count = EXCLUDED.study_count,
			heterogeneity = EXCLUDED.heterogeneity,
			grade = EXCLUDED.grade,
			source_pmids = EXCLUDED.source_pmids,
			updated_at = EXCLUDED.updated_at
	`,
		effect.Outcome,
		effect.Modifier,
		effect.Population,
		string(effect.Measure),
		effect.Ratio,
		effect.CILow,
		effect.CIHigh,
		effect.StudyCount,
		effect.Heterogeneity,
		string(effect.Grade),
		strings.Join(effect.SourcePMIDs, ","),
		effect.EvidenceVersion,
		effect.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert effect estimate: %w", err)
	}
	return nil
}

// SaveOutcomeInfo stores or replaces outcome catalog metadata.
func (s *PostgresStore) SaveOutcomeInfo(ctx context.Context, info *domain.OutcomeInfo) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO outcomes (token, label, category) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET
			label = EXCLUDED.label,
			category = EXCLUDED.category
	`, info.Token, info.Label, info.Category)
	if err != nil {
		return fmt.Errorf("failed to insert outcome info: %w", err)
	}
	return nil
}

// ActivateVersion marks the given evidence version active and deactivates
// every other one in a single transaction.
func (s *PostgresStore) ActivateVersion(ctx context.Context, version string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE evidence_versions SET active = FALSE WHERE active"); err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO evidence_versions (version, active, created_at) VALUES ($1, TRUE, $2)
		ON CONFLICT (version) DO UPDATE SET active = TRUE
	`, version, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}

	return tx.Commit(ctx)
}

// GetBaseline returns the active baseline for (outcome, context).
func (s *PostgresStore) GetBaseline(ctx context.Context, outcome, popContext string) (*domain.BaselineRisk, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT outcome, context, mean, ci_low, ci_high,
			study_count, total_n, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM baseline_risks
		WHERE outcome = $1 AND context = $2
			AND evidence_version = (SELECT version FROM evidence_versions WHERE active LIMIT 1)
		LIMIT 1
	`, outcome, popContext)

	baseline, err := scanBaseline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("baseline %s/%s: %w", outcome, popContext, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan baseline: %w", err)
	}
	return baseline, nil
}

// GetEffect returns the active effect estimate for (outcome, modifier,
// population).
func (s *PostgresStore) GetEffect(ctx context.Context, outcome, modifier, population string) (*domain.EffectEstimate, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT outcome, modifier, population, measure, ratio,
			ci_low, ci_high, study_count, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM effect_estimates
		WHERE outcome = $1 AND modifier = $2 AND population = $3
			AND evidence_version = (SELECT version FROM evidence_versions WHERE active LIMIT 1)
		LIMIT 1
	`, outcome, modifier, population)

	effect, err := scanEffect(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("effect %s/%s/%s: %w", outcome, modifier, population, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan effect: %w", err)
	}
	return effect, nil
}

// GetOutcomeInfo returns catalog metadata for an outcome token.
func (s *PostgresStore) GetOutcomeInfo(ctx context.Context, outcome string) (*domain.OutcomeInfo, error) {
	info := &domain.OutcomeInfo{}
	err := s.db.Pool.QueryRow(ctx,
		"SELECT token, label, category FROM outcomes WHERE token = $1",
		outcome,
	).Scan(&info.Token, &info.Label, &info.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outcome %s: %w", outcome, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outcome info: %w", err)
	}
	return info, nil
}

// ListActiveBaselines returns every baseline in the active version.
func (s *PostgresStore) ListActiveBaselines(ctx context.Context) ([]*domain.BaselineRisk, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT outcome, context, mean, ci_low, ci_high,
			study_count, total_n, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM baseline_risks
		WHERE evidence_version = (SELECT version FROM evidence_versions WHERE active LIMIT 1)
		ORDER BY outcome, context
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}
	defer rows.Close()

	var result []*domain.BaselineRisk
	for rows.Next() {
		baseline, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline row: %w", err)
		}
		result = append(result, baseline)
	}
	return result, rows.Err()
}

// ListActiveEffects returns every effect estimate in the active version.
func (s *PostgresStore) ListActiveEffects(ctx context.Context) ([]*domain.EffectEstimate, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT outcome, modifier, population, measure, ratio,
			ci_low, ci_high, study_count, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM effect_estimates
		WHERE evidence_version = (SELECT version FROM evidence_versions WHERE active LIMIT 1)
		ORDER BY outcome, modifier, population
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query effects: %w", err)
	}
	defer rows.Close()

	var result []*domain.EffectEstimate
	for rows.Next() {
		effect, err := scanEffect(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan effect row: %w", err)
		}
		result = append(result, effect)
	}
	return result, rows.Err()
}

// ListOutcomes returns the outcome catalog.
func (s *PostgresStore) ListOutcomes(ctx context.Context) ([]*domain.OutcomeInfo, error) {
	rows, err := s.db.Pool.Query(ctx, "SELECT token, label, category FROM outcomes ORDER BY token")
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var result []*domain.OutcomeInfo
	for rows.Next() {
		info := &domain.OutcomeInfo{}
		if err := rows.Scan(&info.Token, &info.Label, &info.Category); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
