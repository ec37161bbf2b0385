// Package client is a small SDK for the analysis API: it submits a report
// request and polls the status endpoint until the task reaches a terminal
// state, bridging the asynchronous server to a synchronous caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxPolls     = 60
)

// ErrPollTimeout is returned when the poll budget runs out before the task
// finishes. The server-side pipeline keeps running unobserved.
var ErrPollTimeout = errors.New("polling budget exhausted before the task finished")

// TaskFailedError reports a task that ended in the failed state. The server's
// fallback report is attached so a UI still has something to render.
type TaskFailedError struct {
	TaskID   string
	Message  string
	Fallback *models.Report
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// Attachment is one uploaded file. MimeType must carry the real image/* or
// audio/* type; the server rejects parts whose declared type does not match
// the field they are sent under.
type Attachment struct {
	Name     string
	MimeType string
	Reader   io.Reader
}

// Request carries one analysis submission.
type Request struct {
	Nickname         string
	Profession       string
	Age              string
	BioOrChatHistory string
	Images           []Attachment
	Audio            *Attachment
}

// Submission is the server's acknowledgement of an accepted request.
type Submission struct {
	TaskID         string `json:"task_id"`
	EstimatedTime  int    `json:"estimated_time"`
	StatusCheckURL string `json:"status_check_url"`
}

// Status is one status-endpoint snapshot of a task.
type Status struct {
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step"`
	Completed      bool           `json:"completed"`
	Failed         bool           `json:"failed"`
	Error          string         `json:"error"`
	Result         *models.Report `json:"result"`
	ProcessingTime int64          `json:"processing_time"`
	FallbackReport *models.Report `json:"fallback_report"`
}

// Progress is delivered to OnProgress after every successful poll.
type Progress struct {
	Status      string
	Progress    int
	CurrentStep string
}

// Client talks to the analysis API.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// PollInterval and MaxPolls bound Wait: at most MaxPolls status queries,
	// one per interval. Zero values fall back to 3s × 60 (~3 minutes).
	PollInterval time.Duration
	MaxPolls     int

	// OnProgress, when set, receives every successfully polled snapshot.
	OnProgress func(Progress)
}

// New constructs a client with default polling bounds.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		PollInterval: defaultPollInterval,
		MaxPolls:     defaultMaxPolls,
	}
}

// GenerateReport submits the request and waits for the analysis to finish.
// A degraded-but-completed analysis returns its report like any other; only
// validation failures, a failed task, or an exhausted poll budget error.
func (c *Client) GenerateReport(ctx context.Context, req Request) (*models.Report, error) {
	sub, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, sub.TaskID)
}

// Submit sends the multipart submission and returns the task handle.
func (c *Client) Submit(ctx context.Context, req Request) (*Submission, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	for _, f := range []struct{ key, val string }{
		{"nickname", req.Nickname},
		{"profession", req.Profession},
		{"age", req.Age},
		{"bioOrChatHistory", req.BioOrChatHistory},
	} {
		if err := form.WriteField(f.key, f.val); err != nil {
			return nil, fmt.Errorf("encode form: %w", err)
		}
	}
	for _, img := range req.Images {
		if err := writeAttachment(form, "images", img); err != nil {
			return nil, err
		}
	}
	if req.Audio != nil {
		if err := writeAttachment(form, "audio", *req.Audio); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/generate_warning_report", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, raw)
	}

	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode submission response: %w", err)
	}
	return &sub, nil
}

// Status queries the task's current state once.
func (c *Client) Status(ctx context.Context, taskID string) (*Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/report_status/"+taskID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, raw)
	}

	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &st, nil
}

// Wait polls the task until it is terminal or the poll budget runs out.
// Poll failures (network blips, 5xx) consume budget but do not abort; only
// exhausting the whole budget is fatal.
func (c *Client) Wait(ctx context.Context, taskID string) (*models.Report, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxPolls := c.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}

	var lastErr error
	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		st, err := c.Status(ctx, taskID)
		if err != nil {
			lastErr = err
			continue
		}

		if c.OnProgress != nil {
			c.OnProgress(Progress{Status: st.Status, Progress: st.Progress, CurrentStep: st.CurrentStep})
		}

		switch st.Status {
		case models.TaskStatusCompleted:
			return st.Result, nil
		case models.TaskStatusFailed:
			return nil, &TaskFailedError{TaskID: taskID, Message: st.Error, Fallback: st.FallbackReport}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w (last poll error: %v)", ErrPollTimeout, lastErr)
	}
	return nil, ErrPollTimeout
}

func writeAttachment(form *multipart.Writer, field string, a Attachment) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, a.Name))
	h.Set("Content-Type", a.MimeType)

	part, err := form.CreatePart(h)
	if err != nil {
		return fmt.Errorf("encode attachment %s: %w", a.Name, err)
	}
	if _, err := io.Copy(part, a.Reader); err != nil {
		return fmt.Errorf("encode attachment %s: %w", a.Name, err)
	}
	return nil
}

// apiError prefers the server's own error message when the body parses.
func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("http %d: %s", status, e.Error)
	}
	return fmt.Errorf("http %d: %s", status, string(body))
}
