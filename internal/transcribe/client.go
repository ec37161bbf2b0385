// Package transcribe converts uploaded audio to text through the Replicate
// Whisper API: create a prediction, poll it until terminal, extract the text.
package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// Sentinel errors for transcription failures.
var (
	ErrNotConfigured    = errors.New("transcription service not configured")
	ErrUnreachable      = errors.New("transcription service unreachable")
	ErrTimeout          = errors.New("transcription timeout")
	ErrPredictionFailed = errors.New("transcription prediction failed")
)

const (
	whisperModel    = "large-v3"
	whisperLanguage = "zh"

	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"

	defaultPollInterval = 1 * time.Second
)

// Client is the interface for audio transcription.
type Client interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// Request identifies the audio to transcribe.
type Request struct {
	AudioPath string
	MimeType  string // data-URL media type; defaults to audio/wav
}

// Result is the transcription outcome.
type Result struct {
	Text string
}

// HTTPClient implements Client against the Replicate predictions API.
// An empty API token is a valid configuration: every call reports
// ErrNotConfigured and callers degrade gracefully.
type HTTPClient struct {
	baseURL      string
	token        string
	version      string
	client       *http.Client
	pollInterval time.Duration
}

// NewHTTPClient creates a new transcription client. version selects the
// Whisper model build on Replicate.
func NewHTTPClient(baseURL, token, version string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        token,
		version:      version,
		client:       &http.Client{Timeout: timeout},
		pollInterval: defaultPollInterval,
	}
}

// Transcribe uploads the audio as a base64 data URL, creates a Whisper
// prediction and polls it until it reaches a terminal state. The overall
// deadline comes from ctx; per-request timeouts from the HTTP client.
func (c *HTTPClient) Transcribe(ctx context.Context, req Request) (*Result, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}

	data, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("reading audio file: %w", err)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "audio/wav"
	}
	audioURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)

	pred, err := c.createPrediction(ctx, audioURL)
	if err != nil {
		return nil, err
	}

	for {
		switch pred.Status {
		case statusSucceeded:
			return &Result{Text: extractText(pred.Output)}, nil
		case statusFailed, statusCanceled:
			return nil, fmt.Errorf("%w: %s", ErrPredictionFailed, pred.Error)
		}

		select {
		case <-ctx.Done():
			return nil, classifyError(ctx.Err())
		case <-time.After(c.pollInterval):
		}

		pred, err = c.getPrediction(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (c *HTTPClient) createPrediction(ctx context.Context, audioURL string) (*prediction, error) {
	body, err := json.Marshal(predictionRequest{
		Version: c.version,
		Input: predictionInput{
			Audio:       audioURL,
			Model:       whisperModel,
			Language:    whisperLanguage,
			Temperature: 0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: create returned status %d", ErrPredictionFailed, resp.StatusCode)
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	return &pred, nil
}

func (c *HTTPClient) getPrediction(ctx context.Context, id string) (*prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll returned status %d", ErrPredictionFailed, resp.StatusCode)
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	return &pred, nil
}

// extractText handles the Whisper output shapes: a bare string, or an object
// with a text field, falling back to joining segment texts.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var out predictionOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	if out.Text != "" {
		return out.Text
	}

	parts := make([]string, 0, len(out.Segments))
	for _, seg := range out.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Replicate API request/response DTOs.

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type predictionInput struct {
	Audio       string  `json:"audio"`
	Model       string  `json:"model"`
	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type predictionOutput struct {
	Text     string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
