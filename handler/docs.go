package handler

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/custodian/provider"
	"github.com/GoCodeAlone/custodian/store"
)

// DocUpdateResult is the structured result of an update_docs task.
type DocUpdateResult struct {
	Draft string `json:"draft"`
	Steps []Step `json:"steps"`
}

// UpdateDocs drafts documentation updates with the planner provider. The
// draft is stored for review; files are never written directly.
type UpdateDocs struct {
	planner provider.Provider
}

func NewUpdateDocs(planner provider.Provider) *UpdateDocs {
	return &UpdateDocs{planner: planner}
}

func (h *UpdateDocs) Type() store.TaskType { return store.TypeUpdateDocs }

func (h *UpdateDocs) Execute(ctx context.Context, task *store.Task) Outcome {
	if h.planner == nil {
		return Success(DocUpdateResult{
			Draft: fmt.Sprintf("Documentation update needed: %s\n\n%s", task.Title, task.Description),
			Steps: []Step{skipped("draft", "no planner provider configured"), done("record", "placeholder noted for manual authoring")},
		})
	}

	resp, err := h.planner.Complete(ctx, provider.Request{
		System: "You write concise technical documentation updates. Respond with the proposed documentation text only.",
		Prompt: fmt.Sprintf("Draft a documentation update for the following observation.\n\nTitle: %s\n\n%s", task.Title, task.Description),
	})
	if err != nil {
		return Failure(fmt.Errorf("draft docs: %w", err))
	}
	return Success(DocUpdateResult{
		Draft: resp.Content,
		Steps: []Step{done("draft", ""), skipped("publish", "publication deferred to review")},
	})
}
