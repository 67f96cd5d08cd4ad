// Package mock provides a scripted AI provider for testing.
package mock

import (
	"context"

	"github.com/GoCodeAlone/custodian/provider"
)

const defaultResponse = "Acknowledged."

// MockProvider implements provider.Provider for testing.
// It cycles through scripted responses.
type MockProvider struct {
	responses []string
	idx       int

	// Requests records every request received, in order.
	Requests []provider.Request
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Complete returns the next scripted response, cycling through the queue.
func (m *MockProvider) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	m.Requests = append(m.Requests, req)
	if len(m.responses) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return &provider.Response{
		Content: resp,
		Usage:   provider.Usage{OutputTokens: len(resp)},
	}, nil
}
