package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/internal/analysis"
	"github.com/aaronpan007/zhaoyaojing/internal/api/response"
	"github.com/aaronpan007/zhaoyaojing/internal/store"
	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// TaskGetter is the store subset the status handler needs.
type TaskGetter interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

// NewStatusHandler returns the handler for GET /api/report_status/{taskID}.
// Read-only; an unparseable id and an unknown id are both the same 404 —
// callers cannot distinguish never-existed from swept.
func NewStatusHandler(tasks TaskGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			response.Fail(w, http.StatusNotFound, "任务不存在")
			return
		}

		task, err := tasks.GetTask(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Fail(w, http.StatusNotFound, "任务不存在")
				return
			}
			slog.Error("looking up task", "task_id", id, "error", err)
			response.Fail(w, http.StatusInternalServerError, "查询任务状态失败")
			return
		}

		resp := statusResponse{
			Success:     true,
			Status:      task.Status,
			Progress:    task.Progress,
			CurrentStep: task.CurrentStep,
			Completed:   task.Terminal(),
		}
		switch task.Status {
		case models.TaskStatusCompleted:
			resp.Result = task.Result
			resp.ProcessingTime = task.ProcessingTime
		case models.TaskStatusFailed:
			resp.Failed = true
			if task.ErrorMessage != nil {
				resp.Error = *task.ErrorMessage
			}
			resp.ProcessingTime = task.ProcessingTime
			resp.FallbackReport = analysis.FallbackReport(task.Input)
		}

		response.OK(w, resp)
	}
}

type statusResponse struct {
	Success        bool           `json:"success"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step"`
	Completed      bool           `json:"completed"`
	Failed         bool           `json:"failed,omitempty"`
	Error          string         `json:"error,omitempty"`
	Result         *models.Report `json:"result,omitempty"`
	ProcessingTime *int64         `json:"processing_time,omitempty"`
	FallbackReport *models.Report `json:"fallback_report,omitempty"`
}
