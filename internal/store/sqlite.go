package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/periop-risk-server/internal/domain"
)

// SQLiteStore implements domain.EvidenceStore using an embedded SQLite
// database. It is the default backend: the evidence base is small, read
// from a snapshot, and written only by the offline ingestion batch.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the evidence database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode lets snapshot reloads proceed while an ingestion batch runs.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the evidence tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS estimates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pmid TEXT NOT NULL,
		outcome TEXT NOT NULL,
		modifier TEXT NOT NULL DEFAULT '',
		population TEXT NOT NULL DEFAULT 'general',
		measure TEXT NOT NULL,
		value REAL NOT NULL,
		ci_low REAL,
		ci_high REAL,
		sample_size INTEGER NOT NULL,
		adjusted INTEGER NOT NULL DEFAULT 0,
		grade TEXT NOT NULL,
		extraction_confidence REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(pmid, outcome, modifier, population, measure)
	);

	CREATE TABLE IF NOT EXISTS baseline_risks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome TEXT NOT NULL,
		context TEXT NOT NULL,
		mean REAL NOT NULL,
		ci_low REAL NOT NULL,
		ci_high REAL NOT NULL,
		study_count INTEGER NOT NULL,
		total_n INTEGER NOT NULL,
		heterogeneity REAL NOT NULL,
		grade TEXT NOT NULL,
		source_pmids TEXT NOT NULL DEFAULT '',
		evidence_version TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(outcome, context, evidence_version)
	);

	CREATE TABLE IF NOT EXISTS effect_estimates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome TEXT NOT NULL,
		modifier TEXT NOT NULL,
		population TEXT NOT NULL,
		measure TEXT NOT NULL,
		ratio REAL NOT NULL,
		ci_low REAL NOT NULL,
		ci_high REAL NOT NULL,
		study_count INTEGER NOT NULL,
		heterogeneity REAL NOT NULL,
		grade TEXT NOT NULL,
		source_pmids TEXT NOT NULL DEFAULT '',
		evidence_version TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(outcome, modifier, population, evidence_version)
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		token TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS evidence_versions (
		version TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_estimates_outcome ON estimates(outcome, modifier, population);
	CREATE INDEX IF NOT EXISTS idx_baselines_lookup ON baseline_risks(outcome, context, evidence_version);
	CREATE INDEX IF NOT EXISTS idx_effects_lookup ON effect_estimates(outcome, modifier, population, evidence_version);
	`

	_, err := db.Exec(schema)
	return err
}

// ActiveVersion returns the currently active evidence version, or the empty
// string when no version has been activated yet.
func (s *SQLiteStore) ActiveVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM evidence_versions WHERE active = 1 LIMIT 1",
	).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query active version: %w", err)
	}
	return version, nil
}

// SaveEstimate stores one raw study estimate. Re-ingesting the same
// (pmid, outcome, modifier, population, measure) replaces the earlier row.
func (s *SQLiteStore) SaveEstimate(ctx context.Context, est *domain.Estimate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO estimates (
			pmid, outcome, modifier, population, measure,
			value, ci_low, ci_high, sample_size, adjusted,
			grade, extraction_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
func (s *SQLiteStore) ListEstimates(ctx context.Context) ([]*domain.Estimate, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var ciLow, ciHigh sql.NullFloat64
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
		if ciLow.Valid && ciHigh.Valid {
			lo, hi := ciLow.Float64, ciHigh.Float64
			est.CILow, est.CIHigh = &lo, &hi
		}
		result = append(result, est)
	}
	return result, rows.Err()
}

// SaveBaseline stores a pooled baseline risk under its evidence version.
func (s *SQLiteStore) SaveBaseline(ctx context.Context, baseline *domain.BaselineRisk) error {
	if err := baseline.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO baseline_risks (
			outcome, context, mean, ci_low, ci_high,
			study_count, total_n, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
func (s *SQLiteStore) SaveEffect(ctx context.Context, effect *domain.EffectEstimate) error {
	if err := effect.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO effect_estimates (
			outcome, modifier, population, measure, ratio,
			ci_low, ci_high, study_count, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
func (s *SQLiteStore) SaveOutcomeInfo(ctx context.Context, info *domain.OutcomeInfo) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO outcomes (token, label, category) VALUES (?, ?, ?)",
		info.Token, info.Label, info.Category,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome info: %w", err)
	}
	return nil
}

// ActivateVersion marks the given evidence version active and deactivates
// every other one in a single transaction, so readers observe either the
// old or the new evidence set, never a mixture.
func (s *SQLiteStore) ActivateVersion(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE evidence_versions SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO evidence_versions (version, active, created_at) VALUES (?, 1, ?)",
		version, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}

	return tx.Commit()
}

// GetBaseline returns the active baseline for (outcome, context).
func (s *SQLiteStore) GetBaseline(ctx context.Context, outcome, popContext string) (*domain.BaselineRisk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT outcome, context, mean, ci_low, ci_high,
			study_count, total_n, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM baseline_risks
		WHERE outcome = ? AND context = ?
			AND evidence_version = (SELECT version FROM evidence_versions WHERE active = 1 LIMIT 1)
		LIMIT 1
	`, outcome, popContext)

	baseline, err := scanBaseline(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("baseline %s/%s: %w", outcome, popContext, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan baseline: %w", err)
	}
	return baseline, nil
}

// GetEffect returns the active effect estimate for (outcome, modifier,
// population).
func (s *SQLiteStore) GetEffect(ctx context.Context, outcome, modifier, population string) (*domain.EffectEstimate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT outcome, modifier, population, measure, ratio,
			ci_low, ci_high, study_count, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM effect_estimates
		WHERE outcome = ? AND modifier = ? AND population = ?
			AND evidence_version = (SELECT version FROM evidence_versions WHERE active = 1 LIMIT 1)
		LIMIT 1
	`, outcome, modifier, population)

	effect, err := scanEffect(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("effect %s/%s/%s: %w", outcome, modifier, population, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan effect: %w", err)
	}
	return effect, nil
}

// GetOutcomeInfo returns catalog metadata for an outcome token.
func (s *SQLiteStore) GetOutcomeInfo(ctx context.Context, outcome string) (*domain.OutcomeInfo, error) {
	info := &domain.OutcomeInfo{}
	err := s.db.QueryRowContext(ctx,
		"SELECT token, label, category FROM outcomes WHERE token = ?",
		outcome,
	).Scan(&info.Token, &info.Label, &info.Category)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("outcome %s: %w", outcome, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outcome info: %w", err)
	}
	return info, nil
}

// ListActiveBaselines returns every baseline in the active version.
func (s *SQLiteStore) ListActiveBaselines(ctx context.Context) ([]*domain.BaselineRisk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, context, mean, ci_low, ci_high,
			study_count, total_n, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM baseline_risks
		WHERE evidence_version = (SELECT version FROM evidence_versions WHERE active = 1 LIMIT 1)
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
func (s *SQLiteStore) ListActiveEffects(ctx context.Context) ([]*domain.EffectEstimate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, modifier, population, measure, ratio,
			ci_low, ci_high, study_count, heterogeneity, grade,
			source_pmids, evidence_version, updated_at
		FROM effect_estimates
		WHERE evidence_version = (SELECT version FROM evidence_versions WHERE active = 1 LIMIT 1)
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
func (s *SQLiteStore) ListOutcomes(ctx context.Context) ([]*domain.OutcomeInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT token, label, category FROM outcomes ORDER BY token")
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

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is an interface for sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBaseline(s scanner) (*domain.BaselineRisk, error) {
	baseline := &domain.BaselineRisk{}
	var grade, pmids string

	err := s.Scan(
		&baseline.Outcome, &baseline.Context, &baseline.Mean, &baseline.CILow, &baseline.CIHigh,
		&baseline.StudyCount, &baseline.TotalN, &baseline.Heterogeneity, &grade,
		&pmids, &baseline.EvidenceVersion, &baseline.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	baseline.Grade = domain.EvidenceGrade(grade)
	baseline.SourcePMIDs = splitPMIDs(pmids)
	return baseline, nil
}

func scanEffect(s scanner) (*domain.EffectEstimate, error) {
	effect := &domain.EffectEstimate{}
	var measure, grade, pmids string

	err := s.Scan(
		&effect.Outcome, &effect.Modifier, &effect.Population, &measure, &effect.Ratio,
		&effect.CILow, &effect.CIHigh, &effect.StudyCount, &effect.Heterogeneity, &grade,
		&pmids, &effect.EvidenceVersion, &effect.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	effect.Measure = domain.MeasureType(measure)
	effect.Grade = domain.EvidenceGrade(grade)
	effect.SourcePMIDs = splitPMIDs(pmids)
	return effect, nil
}

func splitPMIDs(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
