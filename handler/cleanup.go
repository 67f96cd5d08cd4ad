package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/provider"
	"github.com/GoCodeAlone/custodian/store"
)

const cleanupSystemPrompt = `You identify mechanical code cleanups (dead code, naming, duplication).
Respond with a single JSON object and nothing else, shaped as:
{"items":[{"path":"...","description":"..."}]}`

// CleanupItem is one suggested cleanup.
type CleanupItem struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// CleanupResult is the structured result of a code_cleanup task.
type CleanupResult struct {
	Items []CleanupItem `json:"items"`
	Steps []Step        `json:"steps"`
}

// CodeCleanup runs in two stages across executions: the first claim builds
// the cleanup plan and leaves the task in progress at 50%; a later claim
// verifies (or records the skipped verification) and completes it.
type CodeCleanup struct {
	planner provider.Provider
	runner  CommandRunner
	caps    config.CapabilityFlags
}

func NewCodeCleanup(planner provider.Provider, runner CommandRunner, caps config.CapabilityFlags) *CodeCleanup {
	return &CodeCleanup{planner: planner, runner: runner, caps: caps}
}

func (h *CodeCleanup) Type() store.TaskType { return store.TypeCodeCleanup }

func (h *CodeCleanup) Execute(ctx context.Context, task *store.Task) Outcome {
	if task.Progress < 50 {
		return h.plan(ctx, task)
	}
	return h.verify(ctx, task)
}

func (h *CodeCleanup) plan(ctx context.Context, task *store.Task) Outcome {
	if h.planner == nil {
		return Failure(fmt.Errorf("no planner provider configured"))
	}
	resp, err := h.planner.Complete(ctx, provider.Request{
		System: cleanupSystemPrompt,
		Prompt: fmt.Sprintf("Suggest cleanups for the following observation.\n\nTitle: %s\n\n%s", task.Title, task.Description),
	})
	if err != nil {
		return Failure(fmt.Errorf("plan cleanup: %w", err))
	}
	var result CleanupResult
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &result); err != nil {
		return Failure(fmt.Errorf("planner returned unparseable cleanup plan: %w", err))
	}
	if len(result.Items) == 0 {
		// Nothing to clean up is a completed task, not a stalled one.
		result.Steps = []Step{done("plan", "no cleanups identified")}
		return Success(result)
	}
	result.Steps = []Step{done("plan", fmt.Sprintf("%d cleanups planned", len(result.Items)))}
	return Partial(50, result)
}

// verify reads the plan the previous execution stored on the task, so the
// completed result still carries the planned items.
func (h *CodeCleanup) verify(ctx context.Context, task *store.Task) Outcome {
	var result CleanupResult
	if len(task.Result) > 0 {
		if err := json.Unmarshal(task.Result, &result); err != nil {
			return Failure(fmt.Errorf("stored cleanup plan unreadable: %w", err))
		}
	}
	result.Steps = []Step{done("plan", fmt.Sprintf("%d cleanups planned", len(result.Items)))}

	if !h.caps.RunCommands || h.runner == nil || !h.runner.Available() {
		reason := "no sandbox available"
		if !h.caps.RunCommands {
			reason = "run_commands capability withheld"
		}
		result.Steps = append(result.Steps, skipped("verify", reason))
		return Success(result)
	}

	res, err := h.runner.Run(ctx, "go vet ./...")
	if err != nil {
		return Failure(fmt.Errorf("verify cleanup: %w", err))
	}
	if res.ExitCode != 0 {
		return Failure(fmt.Errorf("vet failed (exit %d): %s", res.ExitCode, truncate(res.Stderr, 2000)))
	}
	result.Steps = append(result.Steps, done("verify", "go vet ./..."))
	return Success(result)
}
