// Package provider defines the AI capability interface for external model
// backends. The orchestration core issues single blocking completions (one
// per task, never fanned out) for code-change proposals and report summaries.
package provider

import "context"

// Request is a single completion request.
type Request struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed provider response.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Provider is an AI backend powering a capability.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai", "mock").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
}
