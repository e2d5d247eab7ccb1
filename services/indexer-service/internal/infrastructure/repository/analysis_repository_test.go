package repository

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/postgres"
)

func newMockRepository(t *testing.T) (*AnalysisRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAnalysisRepository(postgres.FromDB(db)), mock
}

func sampleAnalysis() *domain.Analysis {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Analysis{
		SessionID:       "sess-1",
		UserID:          "user-1",
		ContractAddress: "0xc0ffee",
		Chain:           domain.ChainEthereum,
		Tier:            "pro",
		State:           domain.SessionPending,
		Window: domain.BlockWindow{
			StartBlock:  100,
			EndBlock:    200,
			TotalBlocks: 101,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAnalysisRepositoryCreate(t *testing.T) {
	repo, mock := newMockRepository(t)
	record := sampleAnalysis()

	windowJSON, _ := json.Marshal(record.Window)
	metricsJSON, _ := json.Marshal(record.Metrics)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WithArgs(
			record.SessionID, record.UserID, record.ContractAddress, "ethereum",
			record.Tier, false, nil, "pending", float64(0),
			windowJSON, metricsJSON, nil,
			record.CreatedAt, record.UpdatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepositoryUpdatePartialPatch(t *testing.T) {
	repo, mock := newMockRepository(t)

	state := domain.SessionRunning
	progress := 42.5
	window := &domain.BlockWindow{StartBlock: 0, EndBlock: 999, TotalBlocks: 1000}
	windowJSON, _ := json.Marshal(window)

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE analyses SET updated_at = $1, state = $2, progress = $3, window_json = $4 WHERE session_id = $5")).
		WithArgs(sqlmock.AnyArg(), "running", progress, windowJSON, "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "sess-1", domain.AnalysisPatch{
		State:    &state,
		Progress: &progress,
		Window:   window,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepositoryUpdateUnknownSession(t *testing.T) {
	repo, mock := newMockRepository(t)

	state := domain.SessionFailed
	mock.ExpectExec("UPDATE analyses SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), "missing", domain.AnalysisPatch{State: &state})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAnalysisRepositoryFindByID(t *testing.T) {
	repo, mock := newMockRepository(t)
	record := sampleAnalysis()

	windowJSON, _ := json.Marshal(record.Window)
	metricsJSON, _ := json.Marshal(record.Metrics)
	errJSON, _ := json.Marshal(sharederrors.New(sharederrors.CodeStale, "session went stale"))

	rows := sqlmock.NewRows([]string{
		"session_id", "user_id", "contract_address", "chain", "tier", "tier_fallback",
		"resumed_from", "state", "progress", "window_json", "metrics_json", "error_json",
		"created_at", "updated_at",
	}).AddRow(
		record.SessionID, record.UserID, record.ContractAddress, "ethereum",
		record.Tier, false, nil, "failed", 30.0, windowJSON, metricsJSON, errJSON,
		record.CreatedAt, record.UpdatedAt,
	)

	mock.ExpectQuery("SELECT .+ FROM analyses WHERE session_id").
		WithArgs("sess-1").
		WillReturnRows(rows)

	got, err := repo.FindByID(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainEthereum, got.Chain)
	assert.Equal(t, domain.SessionFailed, got.State)
	assert.Equal(t, record.Window, got.Window)
	require.NotNil(t, got.Error)
	assert.Equal(t, sharederrors.CodeStale, got.Error.Code)
}

func TestAnalysisRepositoryFindByIDNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT .+ FROM analyses WHERE session_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))

	_, err := repo.FindByID(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAnalysisRepositoryFindByUserFilters(t *testing.T) {
	repo, mock := newMockRepository(t)
	record := sampleAnalysis()

	windowJSON, _ := json.Marshal(record.Window)
	metricsJSON, _ := json.Marshal(record.Metrics)

	rows := sqlmock.NewRows([]string{
		"session_id", "user_id", "contract_address", "chain", "tier", "tier_fallback",
		"resumed_from", "state", "progress", "window_json", "metrics_json", "error_json",
		"created_at", "updated_at",
	}).AddRow(
		record.SessionID, record.UserID, record.ContractAddress, "ethereum",
		record.Tier, false, nil, "failed", 30.0, windowJSON, metricsJSON, nil,
		record.CreatedAt, record.UpdatedAt,
	)

	mock.ExpectQuery(regexp.QuoteMeta("AND chain = $2 AND state IN ($3) ORDER BY created_at DESC LIMIT $4")).
		WithArgs("user-1", "ethereum", "failed", 20).
		WillReturnRows(rows)

	out, err := repo.FindByUser(context.Background(), "user-1", domain.AnalysisFilter{
		Chain:  domain.ChainEthereum,
		States: []domain.SessionState{domain.SessionFailed},
		Limit:  20,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "sess-1", out[0].SessionID)
}

func TestAnalysisRepositoryFindActiveStates(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state IN ($1,$2,$3,$4)")).
		WithArgs("pending", "planning", "running", "validating").
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "user_id", "contract_address", "chain", "tier", "tier_fallback",
			"resumed_from", "state", "progress", "window_json", "metrics_json", "error_json",
			"created_at", "updated_at",
		}))

	out, err := repo.FindActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisRepositoryCreateStorageError(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("INSERT INTO analyses").
		WillReturnError(assert.AnError)

	err := repo.Create(context.Background(), sampleAnalysis())
	require.Error(t, err)
	assert.True(t, sharederrors.IsCode(err, sharederrors.CodeStorageUnavailable))
}
