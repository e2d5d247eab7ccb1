package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

// AnalysisRepository persists analysis records in PostgreSQL
type AnalysisRepository struct {
	db *sql.DB
}

// NewAnalysisRepository creates a repository over the given Postgres client
func NewAnalysisRepository(pg *postgres.Postgres) *AnalysisRepository {
	return &AnalysisRepository{db: pg.GetClient()}
}

// Migrate applies the analyses schema
func Migrate(pg *postgres.Postgres) error {
	return pg.Migrate(migrations, "migrations")
}

// Create inserts a new analysis record
func (r *AnalysisRepository) Create(ctx context.Context, record *domain.Analysis) error {
	windowJSON, err := json.Marshal(record.Window)
	if err != nil {
		return fmt.Errorf("failed to marshal window: %w", err)
	}
	metricsJSON, err := json.Marshal(record.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	var errorJSON interface{}
	if record.Error != nil {
		raw, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error payload: %w", err)
		}
		errorJSON = raw
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analyses (
			session_id, user_id, contract_address, chain, tier, tier_fallback,
			resumed_from, state, progress, window_json, metrics_json, error_json,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		record.SessionID, record.UserID, record.ContractAddress, string(record.Chain),
		record.Tier, record.TierFallback, nullable(record.ResumedFrom),
		string(record.State), record.Progress, windowJSON, metricsJSON, errorJSON,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return sharederrors.StorageUnavailable(err)
	}
	return nil
}

// Update applies a partial patch to one record and bumps updated_at
func (r *AnalysisRepository) Update(ctx context.Context, sessionID string, patch domain.AnalysisPatch) error {
	sets := []string{"updated_at = $1"}
	args := []interface{}{time.Now().UTC()}
	idx := 2

	if patch.State != nil {
		sets = append(sets, fmt.Sprintf("state = $%d", idx))
		args = append(args, string(*patch.State))
		idx++
	}
	if patch.Progress != nil {
		sets = append(sets, fmt.Sprintf("progress = $%d", idx))
		args = append(args, *patch.Progress)
		idx++
	}
	if patch.Window != nil {
		windowJSON, err := json.Marshal(patch.Window)
		if err != nil {
			return fmt.Errorf("failed to marshal window: %w", err)
		}
		sets = append(sets, fmt.Sprintf("window_json = $%d", idx))
		args = append(args, windowJSON)
		idx++
	}
	if patch.Metrics != nil {
		metricsJSON, err := json.Marshal(patch.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		sets = append(sets, fmt.Sprintf("metrics_json = $%d", idx))
		args = append(args, metricsJSON)
		idx++
	}
	if patch.Error != nil {
		errorJSON, err := json.Marshal(patch.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error payload: %w", err)
		}
		sets = append(sets, fmt.Sprintf("error_json = $%d", idx))
		args = append(args, errorJSON)
		idx++
	}

	args = append(args, sessionID)
	query := fmt.Sprintf("UPDATE analyses SET %s WHERE session_id = $%d", strings.Join(sets, ", "), idx)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return sharederrors.StorageUnavailable(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("analysis %s not found", sessionID)
	}
	return nil
}

const selectColumns = `
	session_id, user_id, contract_address, chain, tier, tier_fallback,
	resumed_from, state, progress, window_json, metrics_json, error_json,
	created_at, updated_at`

// FindByID returns one record by session id
func (r *AnalysisRepository) FindByID(ctx context.Context, sessionID string) (*domain.Analysis, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT"+selectColumns+" FROM analyses WHERE session_id = $1", sessionID)
	record, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("analysis %s not found", sessionID)
	}
	return record, err
}

// FindByUser returns the user's records, newest first
func (r *AnalysisRepository) FindByUser(ctx context.Context, userID string, filter domain.AnalysisFilter) ([]*domain.Analysis, error) {
	query := "SELECT" + selectColumns + " FROM analyses WHERE user_id = $1"
	args := []interface{}{userID}
	idx := 2

	if filter.Chain != "" {
		query += fmt.Sprintf(" AND chain = $%d", idx)
		args = append(args, string(filter.Chain))
		idx++
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, string(s))
			idx++
		}
		query += fmt.Sprintf(" AND state IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
	}

	return r.queryAnalyses(ctx, query, args...)
}

// FindActive returns every non-terminal record, used by stale recovery
func (r *AnalysisRepository) FindActive(ctx context.Context) ([]*domain.Analysis, error) {
	return r.queryAnalyses(ctx,
		"SELECT"+selectColumns+" FROM analyses WHERE state IN ($1,$2,$3,$4)",
		string(domain.SessionPending), string(domain.SessionPlanning),
		string(domain.SessionRunning), string(domain.SessionValidating))
}

func (r *AnalysisRepository) queryAnalyses(ctx context.Context, query string, args ...interface{}) ([]*domain.Analysis, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sharederrors.StorageUnavailable(err)
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		record, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var (
		record      domain.Analysis
		chain       string
		state       string
		resumedFrom sql.NullString
		windowJSON  []byte
		metricsJSON []byte
		errorJSON   []byte
	)

	err := row.Scan(
		&record.SessionID, &record.UserID, &record.ContractAddress, &chain,
		&record.Tier, &record.TierFallback, &resumedFrom, &state,
		&record.Progress, &windowJSON, &metricsJSON, &errorJSON,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Chain = domain.ChainID(chain)
	record.State = domain.SessionState(state)
	record.ResumedFrom = resumedFrom.String
	if err := json.Unmarshal(windowJSON, &record.Window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal window: %w", err)
	}
	if err := json.Unmarshal(metricsJSON, &record.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if len(errorJSON) > 0 {
		record.Error = &sharederrors.Error{}
		if err := json.Unmarshal(errorJSON, record.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error payload: %w", err)
		}
	}
	return &record, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
