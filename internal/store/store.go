package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

var ErrNotFound = errors.New("task not found")
var ErrTerminal = errors.New("task already in a terminal state")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the single source of truth for task state, shared by the submission
// handler, the worker pipeline, the status handler and the retention sweeper.
// Callers hold task IDs, never live Task references: every mutation goes
// through the store so no torn updates can cross an asynchronous boundary.
//
// A missing task is reported as ErrNotFound on every mutating call. The
// pipeline treats that as a no-op — the task may have been swept mid-flight.
type Store interface {
	Ping(ctx context.Context) error

	CreateTask(ctx context.Context, input models.InputSnapshot) (*models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error
	SetResult(ctx context.Context, id uuid.UUID, report *models.Report) error
	SetError(ctx context.Context, id uuid.UUID, msg string) error
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Step labels written by the store itself; the pipeline supplies its own
// labels for intermediate stages via WithStep.
const (
	stepQueued    = "等待处理"
	stepCompleted = "分析完成"
	stepFailed    = "分析失败"
)

type taskUpdateParams struct {
	Progress *int
	Step     *string
}

type TaskUpdateOption func(*taskUpdateParams)

// WithProgress sets the task's progress percentage. Progress is monotone:
// values at or below the current one are ignored. Values are capped at 99 —
// 100 is reserved for the completed transition.
func WithProgress(p int) TaskUpdateOption {
	return func(params *taskUpdateParams) {
		params.Progress = &p
	}
}

// WithStep sets the human-readable label of the stage in flight.
func WithStep(step string) TaskUpdateOption {
	return func(params *taskUpdateParams) {
		params.Step = &step
	}
}

// clampProgress keeps progress within [0, 99]; 100 is set only by SetResult.
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}

// newTask builds the initial pending record for CreateTask implementations.
func newTask(input models.InputSnapshot) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:          uuid.New(),
		Status:      models.TaskStatusPending,
		Progress:    0,
		CurrentStep: stepQueued,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// applyUpdate merges a non-terminal status/progress/step update into t,
// enforcing the lifecycle guards shared by the in-process backends.
func applyUpdate(t *models.Task, status string, params *taskUpdateParams) error {
	if t.Terminal() {
		return ErrTerminal
	}
	if status == models.TaskStatusCompleted || status == models.TaskStatusFailed {
		return fmt.Errorf("invalid task status transition: %s -> %s (use SetResult or SetError)", t.Status, status)
	}

	t.Status = status
	if params.Progress != nil {
		if p := clampProgress(*params.Progress); p > t.Progress {
			t.Progress = p
		}
	}
	if params.Step != nil {
		t.CurrentStep = *params.Step
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// applyResult transitions t to completed, fixing progress at 100 and computing
// the processing time exactly once.
func applyResult(t *models.Task, report *models.Report) error {
	if t.Terminal() {
		return ErrTerminal
	}

	now := time.Now().UTC()
	elapsed := now.Sub(t.CreatedAt).Milliseconds()
	t.Status = models.TaskStatusCompleted
	t.Progress = 100
	t.CurrentStep = stepCompleted
	t.Result = report
	t.ProcessingTime = &elapsed
	t.UpdatedAt = now
	return nil
}

// applyError transitions t to failed. Progress stays where the pipeline left it.
func applyError(t *models.Task, msg string) error {
	if t.Terminal() {
		return ErrTerminal
	}

	now := time.Now().UTC()
	elapsed := now.Sub(t.CreatedAt).Milliseconds()
	t.Status = models.TaskStatusFailed
	t.CurrentStep = stepFailed
	t.ErrorMessage = &msg
	t.ProcessingTime = &elapsed
	t.UpdatedAt = now
	return nil
}
