package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/custodian/provider"
	"github.com/GoCodeAlone/custodian/store"
)

const optimizeSystemPrompt = `You are a performance engineer.
Respond with a single JSON object and nothing else, shaped as:
{"analysis":"...","recommendations":["...","..."]}`

// OptimizationResult is the structured result of an optimize_performance task.
type OptimizationResult struct {
	Analysis        string   `json:"analysis"`
	Recommendations []string `json:"recommendations"`
	Steps           []Step   `json:"steps"`
}

// OptimizePerformance analyzes a reported regression with the planner
// provider and produces prioritized recommendations for review.
type OptimizePerformance struct {
	planner provider.Provider
}

func NewOptimizePerformance(planner provider.Provider) *OptimizePerformance {
	return &OptimizePerformance{planner: planner}
}

func (h *OptimizePerformance) Type() store.TaskType { return store.TypeOptimizePerformance }

func (h *OptimizePerformance) Execute(ctx context.Context, task *store.Task) Outcome {
	if h.planner == nil {
		return Failure(fmt.Errorf("no planner provider configured"))
	}

	resp, err := h.planner.Complete(ctx, provider.Request{
		System: optimizeSystemPrompt,
		Prompt: fmt.Sprintf("Analyze this performance observation and recommend fixes.\n\nTitle: %s\n\n%s", task.Title, task.Description),
	})
	if err != nil {
		return Failure(fmt.Errorf("analyze performance: %w", err))
	}

	var result OptimizationResult
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &result); err != nil {
		return Failure(fmt.Errorf("planner returned unparseable analysis: %w", err))
	}
	result.Steps = []Step{
		done("analyze", ""),
		skipped("apply", "changes held for review"),
	}
	return Success(result)
}
