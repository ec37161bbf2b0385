package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task tracks one submission's asynchronous analysis. The API returns a task_id
// on POST /api/generate_warning_report; the client polls
// GET /api/report_status/{task_id} until status is completed or failed.
type Task struct {
	ID             uuid.UUID     `db:"id"                 json:"id"`
	Status         string        `db:"status"             json:"status"`
	Progress       int           `db:"progress"           json:"progress"`
	CurrentStep    string        `db:"current_step"       json:"current_step"`
	Input          InputSnapshot `db:"input_data"         json:"input_data"`
	Result         *Report       `db:"result"             json:"result,omitempty"`
	ErrorMessage   *string       `db:"error_message"      json:"error_message,omitempty"`
	ProcessingTime *int64        `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	CreatedAt      time.Time     `db:"created_at"         json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"         json:"updated_at"`
}

// Terminal reports whether the task has reached an absorbing state.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// InputSnapshot is the immutable copy of caller-supplied data captured at task
// creation. It feeds prompt assembly and audit logging; it is never mutated
// after Create.
type InputSnapshot struct {
	Nickname         string `json:"nickname"`
	Profession       string `json:"profession,omitempty"`
	Age              string `json:"age,omitempty"`
	BioOrChatHistory string `json:"bio_or_chat_history,omitempty"`
	ImageCount       int    `json:"image_count"`
	AudioFilename    string `json:"audio_filename,omitempty"`
}
