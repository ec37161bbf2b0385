package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5. It is the
// durable backend for deployments that must survive restarts; lifecycle
// guards (monotone progress, absorbing terminal states) are enforced in SQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateTask(ctx context.Context, input models.InputSnapshot) (*models.Task, error) {
	t := newTask(input)

	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, progress, current_step, input_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Status, t.Progress, t.CurrentStep, inputJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var (
		t          models.Task
		inputJSON  []byte
		resultJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, progress, current_step, input_data, result, error_message, processing_time_ms, created_at, updated_at
		 FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.Status, &t.Progress, &t.CurrentStep, &inputJSON, &resultJSON,
		&t.ErrorMessage, &t.ProcessingTime, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	if err := json.Unmarshal(inputJSON, &t.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input snapshot: %w", err)
	}
	if resultJSON != nil {
		var r models.Report
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &r
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	if status == models.TaskStatusCompleted || status == models.TaskStatusFailed {
		return fmt.Errorf("invalid task status transition to %s (use SetResult or SetError)", status)
	}

	var progress *int
	if params.Progress != nil {
		p := clampProgress(*params.Progress)
		progress = &p
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $2,
		     progress = GREATEST(progress, COALESCE($3, progress)),
		     current_step = COALESCE($4, current_step),
		     updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, status, progress, params.Step)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

func (s *PostgresStore) SetResult(ctx context.Context, id uuid.UUID, report *models.Report) error {
	resultJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = 'completed',
		     progress = 100,
		     current_step = $3,
		     result = $2,
		     processing_time_ms = (EXTRACT(EPOCH FROM (NOW() - created_at)) * 1000)::BIGINT,
		     updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, resultJSON, stepCompleted)
	if err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

func (s *PostgresStore) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = 'failed',
		     current_step = $3,
		     error_message = $2,
		     processing_time_ms = (EXTRACT(EPOCH FROM (NOW() - created_at)) * 1000)::BIGINT,
		     updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, msg, stepFailed)
	if err != nil {
		return fmt.Errorf("set task error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

// Sweep deletes every task created before now-maxAge, regardless of status.
func (s *PostgresStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// missReason maps a zero-row update to ErrNotFound or ErrTerminal.
func (s *PostgresStore) missReason(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return ErrTerminal
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
