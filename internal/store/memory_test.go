package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

func sampleInput() models.InputSnapshot {
	return models.InputSnapshot{
		Nickname:         "小王",
		Profession:       "外汇交易员",
		Age:              "29",
		BioOrChatHistory: "认识三天就说要带我投资",
		ImageCount:       2,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreateTask(ctx, sampleInput())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, models.TaskStatusPending, created.Status)
	assert.Equal(t, 0, created.Progress)
	assert.Equal(t, "等待处理", created.CurrentStep)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "小王", got.Input.Nickname)
	assert.Equal(t, 2, got.Input.ImageCount)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ProcessingTime)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateProgressAndStep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, err := s.CreateTask(ctx, sampleInput())
	require.NoError(t, err)

	err = s.UpdateTask(ctx, created.ID, models.TaskStatusProcessing,
		WithProgress(25), WithStep("分析上传内容 (1/2)"))
	require.NoError(t, err)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, got.Status)
	assert.Equal(t, 25, got.Progress)
	assert.Equal(t, "分析上传内容 (1/2)", got.CurrentStep)
	assert.True(t, got.UpdatedAt.After(created.UpdatedAt) || got.UpdatedAt.Equal(created.UpdatedAt))
}

func TestMemoryStore_ProgressMonotone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	require.NoError(t, s.UpdateTask(ctx, created.ID, models.TaskStatusProcessing, WithProgress(50)))
	require.NoError(t, s.UpdateTask(ctx, created.ID, models.TaskStatusProcessing, WithProgress(30)))

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress, "lower progress values must be ignored")
}

func TestMemoryStore_ProgressCappedBelowCompletion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	require.NoError(t, s.UpdateTask(ctx, created.ID, models.TaskStatusProcessing, WithProgress(100)))

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress, "100 is reserved for SetResult")
}

func TestMemoryStore_UpdateUnknown(t *testing.T) {
	s := NewMemoryStore()

	err := s.UpdateTask(context.Background(), uuid.New(), models.TaskStatusProcessing, WithProgress(10))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateRejectsTerminalStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	err := s.UpdateTask(ctx, created.ID, models.TaskStatusCompleted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SetResult")
}

func TestMemoryStore_SetResult(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	report := &models.Report{Success: true}
	require.NoError(t, s.SetResult(ctx, created.ID, report))

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.ProcessingTime)
	assert.GreaterOrEqual(t, *got.ProcessingTime, int64(0))
}

func TestMemoryStore_SetError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	require.NoError(t, s.SetError(ctx, created.ID, "缺少必要信息：昵称"))

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "缺少必要信息：昵称", *got.ErrorMessage)
	assert.Nil(t, got.Result)
	require.NotNil(t, got.ProcessingTime)
}

func TestMemoryStore_TerminalStatesAbsorbing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	require.NoError(t, s.SetResult(ctx, created.ID, &models.Report{Success: true}))

	assert.ErrorIs(t, s.UpdateTask(ctx, created.ID, models.TaskStatusProcessing, WithProgress(10)), ErrTerminal)
	assert.ErrorIs(t, s.SetError(ctx, created.ID, "太迟了"), ErrTerminal)
	assert.ErrorIs(t, s.SetResult(ctx, created.ID, &models.Report{}), ErrTerminal)

	// The original result must be untouched.
	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.True(t, got.Result.Success)
	assert.Nil(t, got.ErrorMessage)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old, _ := s.CreateTask(ctx, sampleInput())
	inflight, _ := s.CreateTask(ctx, sampleInput())
	fresh, _ := s.CreateTask(ctx, sampleInput())

	// Backdate two tasks past the retention window; one of them is mid-flight.
	s.mu.Lock()
	s.tasks[old.ID].CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	s.tasks[inflight.ID].CreatedAt = time.Now().UTC().Add(-90 * time.Minute)
	s.tasks[inflight.ID].Status = models.TaskStatusProcessing
	s.mu.Unlock()

	removed, err := s.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.GetTask(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask(ctx, inflight.ID)
	assert.ErrorIs(t, err, ErrNotFound, "sweep ignores status")

	_, err = s.GetTask(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	got.Status = models.TaskStatusFailed
	got.Progress = 77

	again, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, again.Status)
	assert.Equal(t, 0, again.Progress)
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleInput())

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_ = s.UpdateTask(ctx, created.ID, models.TaskStatusProcessing, WithProgress(p*4))
		}(i)
	}
	wg.Wait()

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, got.Status)
	assert.Equal(t, 80, got.Progress, "highest submitted progress wins")
}
