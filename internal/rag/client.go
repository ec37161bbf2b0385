// Package rag is the typed client for the knowledge-base retrieval service.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for retrieval failures.
var (
	ErrNotConfigured = errors.New("rag service not configured")
	ErrUnreachable   = errors.New("rag service unreachable")
	ErrQueryError    = errors.New("rag query error")
	ErrTimeout       = errors.New("rag query timeout")
)

// Client is the interface for querying the knowledge base.
type Client interface {
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
	Status(ctx context.Context) (*ServiceStatus, error)
}

// QueryRequest defines parameters for a knowledge-base query.
type QueryRequest struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// QueryResult is the retrieval outcome.
type QueryResult struct {
	Answer       string   `json:"answer"`
	Sources      []string `json:"sources"`
	SourcesCount int      `json:"sources_count"`
	StorageType  string   `json:"storage_type"`
	Error        string   `json:"error,omitempty"`
}

// ServiceStatus reports the retrieval service's own health.
type ServiceStatus struct {
	Status        string `json:"status"`
	StorageType   string `json:"storage_type"`
	DocumentCount int    `json:"document_count"`
}

// FallbackResult returns the fixed degraded payload used whenever the
// knowledge base cannot be queried. The pipeline substitutes it and keeps
// going; it never fails a task.
func FallbackResult() *QueryResult {
	return &QueryResult{
		Answer:       "系统暂时无法访问知识库，将使用AI基础知识进行分析。",
		Sources:      []string{},
		SourcesCount: 0,
		StorageType:  "fallback_mode",
	}
}

// HTTPClient implements Client against the retrieval service's HTTP API.
// An empty base URL is a valid configuration: every call reports
// ErrNotConfigured and callers degrade to FallbackResult.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new retrieval client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding query request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrQueryError, resp.StatusCode)
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	if result.Sources == nil {
		result.Sources = []string{}
	}
	return &result, nil
}

func (c *HTTPClient) Status(ctx context.Context) (*ServiceStatus, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var status ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &status, nil
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

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
