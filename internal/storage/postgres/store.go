// Package postgres provides the Postgres-backed persistence layer for runs,
// exposures, scores, and result rollups.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements sov.Store on Postgres.
type Store struct {
	pool querier
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts a new run in pending state.
func (s *Store) CreateRun(ctx context.Context, run sov.Run) error {
	brandsJSON, err := json.Marshal(run.Brands)
	if err != nil {
		return fmt.Errorf("marshal brands: %w", err)
	}
	query := `
INSERT INTO sov_runs (
	id, user_id, keyword, brands, status, status_message, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.UserID, run.Keyword, brandsJSON,
		string(run.Status), run.StatusMessage, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (sov.Run, error) {
	query := `
SELECT id, user_id, keyword, brands, status, total_exposures,
       processed_exposures, status_message, error_message, created_at,
       completed_at
FROM sov_runs WHERE id = $1`
	var (
		run        sov.Run
		brandsJSON []byte
		status     string
	)
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.UserID, &run.Keyword, &brandsJSON, &status,
		&run.TotalExposures, &run.ProcessedExposures, &run.StatusMessage,
		&run.ErrorMessage, &run.CreatedAt, &run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sov.Run{}, fmt.Errorf("run %s: %w", runID, sov.ErrNotFound)
	}
	if err != nil {
		return sov.Run{}, fmt.Errorf("select run %s: %w", runID, err)
	}
	if err := json.Unmarshal(brandsJSON, &run.Brands); err != nil {
		return sov.Run{}, fmt.Errorf("unmarshal brands: %w", err)
	}
	run.Status = sov.RunStatus(status)
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status *sov.RunStatus, limit, offset int) ([]sov.Run, error) {
	query := `
SELECT id, user_id, keyword, brands, status, total_exposures,
       processed_exposures, status_message, error_message, created_at,
       completed_at
FROM sov_runs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var out []sov.Run
	for rows.Next() {
		var (
			run        sov.Run
			brandsJSON []byte
			st         string
		)
		if err := rows.Scan(
			&run.ID, &run.UserID, &run.Keyword, &brandsJSON, &st,
			&run.TotalExposures, &run.ProcessedExposures, &run.StatusMessage,
			&run.ErrorMessage, &run.CreatedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal(brandsJSON, &run.Brands); err != nil {
			return nil, fmt.Errorf("unmarshal brands: %w", err)
		}
		run.Status = sov.RunStatus(st)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// UpdateRunStatus transitions the run to a new status with a human-readable
// message.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status sov.RunStatus, message string) error {
	query := `UPDATE sov_runs SET status = $2, status_message = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, runID, string(status), message)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, sov.ErrNotFound)
	}
	return nil
}

// UpdateRunProgress records processed/total counters and the progress line.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, processed, total int, message string) error {
	query := `
UPDATE sov_runs
SET processed_exposures = $2, total_exposures = $3, status_message = $4
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, runID, processed, total, message); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// CompleteRun marks the run completed.
func (s *Store) CompleteRun(ctx context.Context, runID string, completedAt time.Time) error {
	query := `
UPDATE sov_runs
SET status = $2, status_message = '', completed_at = $3
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, runID, string(sov.RunStatusCompleted), completedAt); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FailRun marks the run failed with the terminal error text.
func (s *Store) FailRun(ctx context.Context, runID string, errText string, failedAt time.Time) error {
	query := `
UPDATE sov_runs
SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, runID, string(sov.RunStatusFailed), errText, failedAt); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// InsertExposures bulk-inserts crawled exposures in pending state.
func (s *Store) InsertExposures(ctx context.Context, exposures []sov.Exposure) error {
	query := `
INSERT INTO sov_exposures (
	id, run_id, block_type, title, url, summary, position, status, url_type
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for _, exp := range exposures {
		_, err := s.pool.Exec(ctx, query,
			exp.ID, exp.RunID, exp.BlockType, exp.Title, exp.URL,
			exp.Summary, exp.Position, string(exp.Status), string(exp.URLType),
		)
		if err != nil {
			return fmt.Errorf("insert exposure %s: %w", exp.ID, err)
		}
	}
	return nil
}

// UpdateExposureContent records the extraction outcome for one exposure.
func (s *Store) UpdateExposureContent(ctx context.Context, exposureID string, content *string, status sov.ExtractionStatus, urlType sov.URLType, method string) error {
	query := `
UPDATE sov_exposures
SET content = $2, status = $3, url_type = $4, method = $5
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, exposureID, content, string(status), string(urlType), method); err != nil {
		return fmt.Errorf("update exposure content: %w", err)
	}
	return nil
}

// ListExposures returns a run's exposures in block/position order.
func (s *Store) ListExposures(ctx context.Context, runID string) ([]sov.Exposure, error) {
	query := `
SELECT id, run_id, block_type, title, url, summary, position, content,
       status, url_type, method
FROM sov_exposures WHERE run_id = $1
ORDER BY block_type, position`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select exposures: %w", err)
	}
	defer rows.Close()

	var out []sov.Exposure
	for rows.Next() {
		var (
			exp     sov.Exposure
			status  string
			urlType string
		)
		if err := rows.Scan(
			&exp.ID, &exp.RunID, &exp.BlockType, &exp.Title, &exp.URL,
			&exp.Summary, &exp.Position, &exp.Content, &status, &urlType,
			&exp.Method,
		); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		exp.Status = sov.ExtractionStatus(status)
		exp.URLType = sov.URLType(urlType)
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exposures: %w", err)
	}
	return out, nil
}

// InsertScores bulk-inserts the per-brand judgments for one exposure.
func (s *Store) InsertScores(ctx context.Context, scores []sov.Score) error {
	query := `
INSERT INTO sov_scores (
	exposure_id, brand, rule_score, semantic_score, combined, relevant,
	needs_review
) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	for _, score := range scores {
		_, err := s.pool.Exec(ctx, query,
			score.ExposureID, score.Brand, score.RuleScore,
			score.SemanticScore, score.Combined, score.Relevant,
			score.NeedsReview,
		)
		if err != nil {
			return fmt.Errorf("insert score for %s/%s: %w", score.ExposureID, score.Brand, err)
		}
	}
	return nil
}

// ListScores returns all scores belonging to a run's exposures.
func (s *Store) ListScores(ctx context.Context, runID string) ([]sov.Score, error) {
	query := `
SELECT sc.exposure_id, sc.brand, sc.rule_score, sc.semantic_score,
       sc.combined, sc.relevant, sc.needs_review
FROM sov_scores sc
JOIN sov_exposures ex ON ex.id = sc.exposure_id
WHERE ex.run_id = $1`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select scores: %w", err)
	}
	defer rows.Close()

	var out []sov.Score
	for rows.Next() {
		var score sov.Score
		if err := rows.Scan(
			&score.ExposureID, &score.Brand, &score.RuleScore,
			&score.SemanticScore, &score.Combined, &score.Relevant,
			&score.NeedsReview,
		); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return out, nil
}

// InsertResults writes the per-brand rollup rows.
func (s *Store) InsertResults(ctx context.Context, results []sov.ResultRow) error {
	query := `
INSERT INTO sov_results (run_id, brand, exposure_count, percentage)
VALUES ($1,$2,$3,$4)`
	for _, row := range results {
		_, err := s.pool.Exec(ctx, query, row.RunID, row.Brand, row.ExposureCount, row.Percentage)
		if err != nil {
			return fmt.Errorf("insert result for %s: %w", row.Brand, err)
		}
	}
	return nil
}

// InsertResultsByType writes the per-(block type, brand) rollup rows.
func (s *Store) InsertResultsByType(ctx context.Context, rows []sov.ResultByTypeRow) error {
	query := `
INSERT INTO sov_results_by_type (run_id, block_type, brand, exposure_count, percentage)
VALUES ($1,$2,$3,$4,$5)`
	for _, row := range rows {
		_, err := s.pool.Exec(ctx, query, row.RunID, row.BlockType, row.Brand, row.ExposureCount, row.Percentage)
		if err != nil {
			return fmt.Errorf("insert result by type for %s/%s: %w", row.BlockType, row.Brand, err)
		}
	}
	return nil
}

// ListResults returns the per-brand rollups for a run.
func (s *Store) ListResults(ctx context.Context, runID string) ([]sov.ResultRow, error) {
	query := `
SELECT run_id, brand, exposure_count, percentage
FROM sov_results WHERE run_id = $1
ORDER BY brand`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()

	var out []sov.ResultRow
	for rows.Next() {
		var row sov.ResultRow
		if err := rows.Scan(&row.RunID, &row.Brand, &row.ExposureCount, &row.Percentage); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// ListResultsByType returns the per-block-type rollups for a run.
func (s *Store) ListResultsByType(ctx context.Context, runID string) ([]sov.ResultByTypeRow, error) {
	query := `
SELECT run_id, block_type, brand, exposure_count, percentage
FROM sov_results_by_type WHERE run_id = $1
ORDER BY block_type, brand`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select results by type: %w", err)
	}
	defer rows.Close()

	var out []sov.ResultByTypeRow
	for rows.Next() {
		var row sov.ResultByTypeRow
		if err := rows.Scan(&row.RunID, &row.BlockType, &row.Brand, &row.ExposureCount, &row.Percentage); err != nil {
			return nil, fmt.Errorf("scan result by type: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results by type: %w", err)
	}
	return out, nil
}
