// Package handler holds the task-type-specific execution logic the executor
// dispatches to. Every handler produces a structured, reviewable result and
// consults capability flags before mutating anything outside the store;
// withheld sub-steps are recorded as skipped, never silently dropped.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/custodian/store"
)

// Status is the coarse outcome of one handler execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// StatusPartial leaves the task in progress with updated progress, for
	// multi-step work that spans executions.
	StatusPartial Status = "partial"
)

// Outcome is what a handler returns to the executor.
type Outcome struct {
	Status   Status
	Result   json.RawMessage
	Err      error
	Progress int // meaningful for StatusPartial
}

// Success wraps v as a completed outcome. Marshal failures become failures so
// a malformed result never masquerades as success.
func Success(v any) Outcome {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failure(fmt.Errorf("encode result: %w", err))
	}
	return Outcome{Status: StatusSuccess, Result: raw}
}

func Failure(err error) Outcome {
	return Outcome{Status: StatusFailure, Err: err}
}

// Partial leaves the task in progress, carrying the interim result so work
// done this execution survives to the next one. A nil v keeps whatever
// result the task already holds.
func Partial(progress int, v any) Outcome {
	out := Outcome{Status: StatusPartial, Progress: progress}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Failure(fmt.Errorf("encode result: %w", err))
		}
		out.Result = raw
	}
	return out
}

// Step records one sub-step of a handler execution in the task result.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "done" or "skipped"
	Detail string `json:"detail,omitempty"`
}

func done(name, detail string) Step {
	return Step{Name: name, Status: "done", Detail: detail}
}

func skipped(name, reason string) Step {
	return Step{Name: name, Status: "skipped", Detail: reason}
}

// Handler executes tasks of a single type.
type Handler interface {
	Type() store.TaskType
	Execute(ctx context.Context, task *store.Task) Outcome
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[store.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[store.TaskType]Handler)}
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("handler for %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for a task type, or nil when none is registered.
func (r *Registry) Get(t store.TaskType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}

func (r *Registry) Types() []store.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
