// Package handler implements the HTTP handlers: report submission, task
// status lookup, and retrieval-service status.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aaronpan007/zhaoyaojing/internal/api/response"
	"github.com/aaronpan007/zhaoyaojing/internal/upload"
	"github.com/aaronpan007/zhaoyaojing/internal/worker"
	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// maxFormMemory bounds the in-memory portion of multipart parsing; larger
// parts spill to temp files.
const maxFormMemory = 32 << 20

// Completion-estimate seconds returned to the caller at submission.
const (
	estimateBase     = 20
	estimatePerImage = 10
	estimateAudio    = 20
)

// TaskCreator is the store subset the submission handler needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, input models.InputSnapshot) (*models.Task, error)
	SetError(ctx context.Context, id uuid.UUID, msg string) error
}

// Queue hands accepted tasks to the worker pool.
type Queue interface {
	Submit(t worker.Task) error
}

// Collector materializes multipart attachments as temp files.
type Collector interface {
	Collect(form *multipart.Form) ([]upload.File, error)
}

// NewReportHandler returns the handler for POST /api/generate_warning_report.
// It validates synchronously, creates the task record, enqueues it, and
// responds before any pipeline stage runs.
func NewReportHandler(tasks TaskCreator, queue Queue, attachments Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			response.Fail(w, http.StatusBadRequest, "无效的请求格式")
			return
		}

		nickname := strings.TrimSpace(r.FormValue("nickname"))
		if nickname == "" {
			response.Fail(w, http.StatusBadRequest, "缺少必要信息：昵称")
			return
		}

		files, err := attachments.Collect(r.MultipartForm)
		if err != nil {
			switch {
			case errors.Is(err, upload.ErrFileTooLarge), errors.Is(err, upload.ErrUnsupportedType):
				response.Fail(w, http.StatusBadRequest, err.Error())
			default:
				slog.Error("saving attachments", "error", err)
				response.Fail(w, http.StatusInternalServerError, "文件保存失败")
			}
			return
		}

		input := models.InputSnapshot{
			Nickname:         nickname,
			Profession:       strings.TrimSpace(r.FormValue("profession")),
			Age:              strings.TrimSpace(r.FormValue("age")),
			BioOrChatHistory: strings.TrimSpace(r.FormValue("bioOrChatHistory")),
			ImageCount:       upload.Count(files, upload.KindImage),
		}
		if audio := upload.First(files, upload.KindAudio); audio != nil {
			input.AudioFilename = audio.Filename
		}

		task, err := tasks.CreateTask(r.Context(), input)
		if err != nil {
			slog.Error("creating task", "error", err)
			removeFiles(files)
			response.Fail(w, http.StatusInternalServerError, "创建任务失败")
			return
		}

		if err := queue.Submit(worker.Task{ID: task.ID, Files: files}); err != nil {
			slog.Warn("queue rejected task", "task_id", task.ID, "error", err)
			removeFiles(files)
			// The record must reach failed even if the client is gone.
			if serr := tasks.SetError(context.Background(), task.ID, "服务繁忙，请稍后重试"); serr != nil {
				slog.Warn("marking rejected task failed", "task_id", task.ID, "error", serr)
			}
			response.Fail(w, http.StatusServiceUnavailable, "服务繁忙，请稍后重试")
			return
		}

		response.OK(w, submitResponse{
			Success:        true,
			TaskID:         task.ID.String(),
			EstimatedTime:  estimateSeconds(input),
			StatusCheckURL: "/api/report_status/" + task.ID.String(),
		})
	}
}

// estimateSeconds predicts completion time from the attachment mix.
func estimateSeconds(input models.InputSnapshot) int {
	est := estimateBase + estimatePerImage*input.ImageCount
	if input.AudioFilename != "" {
		est += estimateAudio
	}
	return est
}

func removeFiles(files []upload.File) {
	if err := upload.Remove(files); err != nil {
		slog.Warn("removing attachments", "error", err)
	}
}

type submitResponse struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"task_id"`
	EstimatedTime  int    `json:"estimated_time"`
	StatusCheckURL string `json:"status_check_url"`
}
