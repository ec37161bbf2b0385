// Package models contains shared data models used across the zhaoyaojing codebase.
package models

import "context"

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly — always inject this interface.
type AIProvider interface {
	// Complete generates a text completion for a system/user prompt pair.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// CompleteVision analyzes an image given a text prompt and raw image bytes.
	CompleteVision(ctx context.Context, req VisionRequest) (string, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}

// CompletionRequest is the input to a text completion.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// VisionRequest is the input to an image analysis. Data is encoded as a
// base64 data URL on the wire; MimeType must be an image/* type.
type VisionRequest struct {
	Prompt    string
	Data      []byte
	MimeType  string
	MaxTokens int
}
