// Package repository saga 实例持久化（PostgreSQL / 内存）
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exchange/saga/pkg/saga"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresRepository persists saga instances in a single table. Nested
// operational data (tcc steps, pending commands, compensation stack) lives
// in jsonb columns; two derived columns (undispatched, tcc_timeout_at) are
// maintained on every save so the recovery scans stay indexable.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository 创建仓储
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sagaColumns = `
	id, saga_type, correlation_id, status, current_step,
	step_history, tcc_steps, processed_event_ids, pending_commands,
	compensation_stack, failed_compensations,
	suspended_at, suspension_reason, timeout_at,
	retry_count, max_retries, error,
	completed_at, failed_at, created_at, updated_at,
	metadata, state_version, version
`

// Load returns the live (non-terminal) instance for the pair, or
// saga.ErrNotFound.
func (r *PostgresRepository) Load(ctx context.Context, correlationID, sagaType string) (*saga.State, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM exchange_saga.saga_instances
		WHERE correlation_id = $1 AND saga_type = $2
		  AND status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED')
	`
	st, err := scanState(r.db.QueryRowContext(ctx, query, correlationID, sagaType))
	if err == sql.ErrNoRows {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load saga: %w", err)
	}
	return st, nil
}

// Save inserts a new instance (Version 0) or updates an existing one under
// optimistic concurrency. On success st.Version reflects the persisted
// version; a lost race returns saga.ErrVersionConflict.
func (r *PostgresRepository) Save(ctx context.Context, st *saga.State) error {
	stepHistory, err := marshalJSON(st.StepHistory)
	if err != nil {
		return err
	}
	tccSteps, err := marshalJSON(st.TCCSteps)
	if err != nil {
		return err
	}
	processed, err := marshalJSON(st.ProcessedEventIDs)
	if err != nil {
		return err
	}
	pending, err := marshalJSON(st.PendingCommands)
	if err != nil {
		return err
	}
	compensations, err := marshalJSON(st.CompensationStack)
	if err != nil {
		return err
	}
	failedComps, err := marshalJSON(st.FailedCompensations)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(st.Metadata)
	if err != nil {
		return err
	}

	undispatched := st.UndispatchedCount()
	tccTimeoutAt := nullTime(st.NextTCCTimeout())

	if st.Version == 0 {
		query := `
			INSERT INTO exchange_saga.saga_instances (` + sagaColumns + `, undispatched, tcc_timeout_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			        $15, $16, $17, $18, $19, $20, $21, $22, $23, 1, $24, $25)
		`
		_, err := r.db.ExecContext(ctx, query,
			st.ID, st.SagaType, st.CorrelationID, string(st.Status), st.CurrentStep,
			stepHistory, tccSteps, processed, pending, compensations, failedComps,
			nullTime(st.SuspendedAt), st.SuspensionReason, nullTime(st.TimeoutAt),
			st.RetryCount, st.MaxRetries, st.Error,
			nullTime(st.CompletedAt), nullTime(st.FailedAt), st.CreatedAt, st.UpdatedAt,
			metadata, st.StateVersion,
			undispatched, tccTimeoutAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
				// Concurrent create of the same (correlation, type) pair.
				return saga.ErrVersionConflict
			}
			return fmt.Errorf("insert saga: %w", err)
		}
		st.Version = 1
		return nil
	}

	query := `
		UPDATE exchange_saga.saga_instances SET
			status = $1, current_step = $2,
			step_history = $3, tcc_steps = $4, processed_event_ids = $5,
			pending_commands = $6, compensation_stack = $7, failed_compensations = $8,
			suspended_at = $9, suspension_reason = $10, timeout_at = $11,
			retry_count = $12, max_retries = $13, error = $14,
			completed_at = $15, failed_at = $16, updated_at = $17,
			metadata = $18, state_version = $19,
			undispatched = $20, tcc_timeout_at = $21,
			version = version + 1
		WHERE id = $22 AND version = $23
	`
	res, err := r.db.ExecContext(ctx, query,
		string(st.Status), st.CurrentStep,
		stepHistory, tccSteps, processed, pending, compensations, failedComps,
		nullTime(st.SuspendedAt), st.SuspensionReason, nullTime(st.TimeoutAt),
		st.RetryCount, st.MaxRetries, st.Error,
		nullTime(st.CompletedAt), nullTime(st.FailedAt), st.UpdatedAt,
		metadata, st.StateVersion,
		undispatched, tccTimeoutAt,
		st.ID, st.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga rows: %w", err)
	}
	if affected == 0 {
		return saga.ErrVersionConflict
	}
	st.Version++
	return nil
}

// FindStalled 查询命令队列未清空的非终态实例。
//
// 匹配队列非空而非 undispatched > 0：崩溃可能发生在最后一条派发确认之后、
// 清队持久化之前，此时实例全部已派发但仍停留在非终态。
func (r *PostgresRepository) FindStalled(ctx context.Context, limit int) ([]*saga.State, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM exchange_saga.saga_instances
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED')
		  AND jsonb_array_length(pending_commands) > 0
		ORDER BY updated_at ASC
		LIMIT $1
	`
	return r.queryStates(ctx, query, limit)
}

// FindSuspendedTimedOut 查询挂起超时的实例
func (r *PostgresRepository) FindSuspendedTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM exchange_saga.saga_instances
		WHERE status = 'SUSPENDED'
		  AND timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2
	`
	return r.queryStates(ctx, query, now, limit)
}

// FindTCCTimedOut 查询存在过期 TIME_BASED TCC 步骤的实例
func (r *PostgresRepository) FindTCCTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM exchange_saga.saga_instances
		WHERE status = 'RUNNING'
		  AND tcc_timeout_at IS NOT NULL AND tcc_timeout_at <= $1
		ORDER BY tcc_timeout_at ASC
		LIMIT $2
	`
	return r.queryStates(ctx, query, now, limit)
}

func (r *PostgresRepository) queryStates(ctx context.Context, query string, args ...interface{}) ([]*saga.State, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()

	var states []*saga.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return states, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*saga.State, error) {
	var (
		st            saga.State
		status        string
		stepHistory   []byte
		tccSteps      []byte
		processed     []byte
		pending       []byte
		compensations []byte
		failedComps   []byte
		metadata      []byte
		suspendedAt   sql.NullTime
		timeoutAt     sql.NullTime
		completedAt   sql.NullTime
		failedAt      sql.NullTime
	)

	err := row.Scan(
		&st.ID, &st.SagaType, &st.CorrelationID, &status, &st.CurrentStep,
		&stepHistory, &tccSteps, &processed, &pending,
		&compensations, &failedComps,
		&suspendedAt, &st.SuspensionReason, &timeoutAt,
		&st.RetryCount, &st.MaxRetries, &st.Error,
		&completedAt, &failedAt, &st.CreatedAt, &st.UpdatedAt,
		&metadata, &st.StateVersion, &st.Version,
	)
	if err != nil {
		return nil, err
	}

	st.Status = saga.Status(status)
	st.SuspendedAt = timePtr(suspendedAt)
	st.TimeoutAt = timePtr(timeoutAt)
	st.CompletedAt = timePtr(completedAt)
	st.FailedAt = timePtr(failedAt)

	if err := unmarshalJSON(stepHistory, &st.StepHistory); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tccSteps, &st.TCCSteps); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(processed, &st.ProcessedEventIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(pending, &st.PendingCommands); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(compensations, &st.CompensationStack); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(failedComps, &st.FailedCompensations); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &st.Metadata); err != nil {
		return nil, err
	}
	return &st, nil
}

// CreateTableSQL 提供 saga_instances 表结构（可用于初始化/迁移）。
//
// 部分唯一索引保证同一 (correlation_id, saga_type) 最多一个存活实例。
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS exchange_saga;

CREATE TABLE IF NOT EXISTS exchange_saga.saga_instances (
  id VARCHAR(64) PRIMARY KEY,
  saga_type VARCHAR(128) NOT NULL,
  correlation_id VARCHAR(128) NOT NULL,
  status VARCHAR(16) NOT NULL,
  current_step VARCHAR(128) NOT NULL DEFAULT '',
  step_history JSONB NOT NULL DEFAULT '[]'::jsonb,
  tcc_steps JSONB NOT NULL DEFAULT '[]'::jsonb,
  processed_event_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
  pending_commands JSONB NOT NULL DEFAULT '[]'::jsonb,
  compensation_stack JSONB NOT NULL DEFAULT '[]'::jsonb,
  failed_compensations JSONB NOT NULL DEFAULT '[]'::jsonb,
  suspended_at TIMESTAMPTZ,
  suspension_reason TEXT NOT NULL DEFAULT '',
  timeout_at TIMESTAMPTZ,
  retry_count INT NOT NULL DEFAULT 0,
  max_retries INT NOT NULL DEFAULT 5,
  error TEXT NOT NULL DEFAULT '',
  completed_at TIMESTAMPTZ,
  failed_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  state_version INT NOT NULL DEFAULT 1,
  version BIGINT NOT NULL DEFAULT 1,
  undispatched INT NOT NULL DEFAULT 0,
  tcc_timeout_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_saga_instances_live
  ON exchange_saga.saga_instances (correlation_id, saga_type)
  WHERE status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED');

CREATE INDEX IF NOT EXISTS idx_saga_instances_stalled
  ON exchange_saga.saga_instances (updated_at)
  WHERE status NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED')
    AND jsonb_array_length(pending_commands) > 0;

CREATE INDEX IF NOT EXISTS idx_saga_instances_suspended
  ON exchange_saga.saga_instances (timeout_at)
  WHERE status = 'SUSPENDED' AND timeout_at IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_saga_instances_tcc_timeout
  ON exchange_saga.saga_instances (tcc_timeout_at)
  WHERE status = 'RUNNING' AND tcc_timeout_at IS NOT NULL;
`

func marshalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal saga field: %w", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal saga field: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
