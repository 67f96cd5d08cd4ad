package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/provider"
	"github.com/GoCodeAlone/custodian/store"
)

const plannerSystemPrompt = `You are a senior engineer producing implementation plans.
Respond with a single JSON object and nothing else, shaped as:
{"changes":[{"path":"...","action":"create|modify|delete","description":"...","risk":"low|medium|high"}],"testing_notes":"..."}`

// PlannedChange is one entry in an implementation plan.
type PlannedChange struct {
	Path        string `json:"path"`
	Action      string `json:"action"` // create|modify|delete
	Description string `json:"description"`
	Risk        string `json:"risk"` // low|medium|high
}

// Plan is the structured result of a propose_code_change task.
type Plan struct {
	Changes      []PlannedChange `json:"changes"`
	TestingNotes string          `json:"testing_notes"`
	Steps        []Step          `json:"steps"`
}

// ProposeCodeChange asks the planner provider for an implementation plan and
// stores it as the task result. It never touches the filesystem itself; the
// apply and verify sub-steps are always recorded as skipped unless the
// environment grants those capabilities, and even then application is left to
// a human reviewer.
type ProposeCodeChange struct {
	planner provider.Provider
	caps    config.CapabilityFlags
}

func NewProposeCodeChange(planner provider.Provider, caps config.CapabilityFlags) *ProposeCodeChange {
	return &ProposeCodeChange{planner: planner, caps: caps}
}

func (h *ProposeCodeChange) Type() store.TaskType { return store.TypeProposeCodeChange }

func (h *ProposeCodeChange) Execute(ctx context.Context, task *store.Task) Outcome {
	if h.planner == nil {
		return Failure(fmt.Errorf("no planner provider configured"))
	}

	resp, err := h.planner.Complete(ctx, provider.Request{
		System: plannerSystemPrompt,
		Prompt: fmt.Sprintf("Task: %s\n\n%s", task.Title, task.Description),
	})
	if err != nil {
		return Failure(fmt.Errorf("planner: %w", err))
	}

	var plan Plan
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &plan); err != nil {
		return Failure(fmt.Errorf("planner returned unparseable plan: %w", err))
	}
	if len(plan.Changes) == 0 {
		return Failure(fmt.Errorf("planner returned empty plan"))
	}

	plan.Steps = []Step{
		done("plan", fmt.Sprintf("%d changes proposed", len(plan.Changes))),
		skipped("apply", applySkipReason(h.caps)),
		skipped("verify", "verification deferred to review"),
	}
	return Success(plan)
}

func applySkipReason(caps config.CapabilityFlags) string {
	if !caps.WriteFiles {
		return "write_files capability withheld"
	}
	return "changes held for review"
}

// stripCodeFence removes a surrounding markdown fence some models wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
