package handler

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/store"
)

// SecurityScanResult is the structured result of a security_scan task.
type SecurityScanResult struct {
	Command   string   `json:"command,omitempty"`
	ExitCode  int      `json:"exit_code,omitempty"`
	Output    string   `json:"output,omitempty"`
	Checklist []string `json:"checklist,omitempty"`
	Steps     []Step   `json:"steps"`
}

// SecurityScan runs a vulnerability scan in the sandbox. Without command
// execution it degrades to a review checklist built from the task evidence,
// recording the skipped scan.
type SecurityScan struct {
	runner  CommandRunner
	caps    config.CapabilityFlags
	command string
}

func NewSecurityScan(runner CommandRunner, caps config.CapabilityFlags) *SecurityScan {
	return &SecurityScan{runner: runner, caps: caps, command: "govulncheck ./..."}
}

func (h *SecurityScan) Type() store.TaskType { return store.TypeSecurityScan }

func (h *SecurityScan) Execute(ctx context.Context, task *store.Task) Outcome {
	if !h.caps.RunCommands || h.runner == nil || !h.runner.Available() {
		reason := "no sandbox available"
		if !h.caps.RunCommands {
			reason = "run_commands capability withheld"
		}
		return Success(SecurityScanResult{
			Checklist: reviewChecklist(task),
			Steps:     []Step{skipped("vulnerability_scan", reason), done("review_checklist", "")},
		})
	}

	res, err := h.runner.Run(ctx, h.command)
	if err != nil {
		return Failure(fmt.Errorf("security scan: %w", err))
	}
	out := res.Stdout
	if res.Stderr != "" {
		out += res.Stderr
	}
	return Success(SecurityScanResult{
		Command:  h.command,
		ExitCode: res.ExitCode,
		Output:   truncate(out, 4000),
		Steps:    []Step{done("vulnerability_scan", h.command)},
	})
}

func reviewChecklist(task *store.Task) []string {
	return []string{
		"confirm the reported condition: " + task.Title,
		"identify affected modules and entry points",
		"check upstream advisories for a patched release",
		"assess exposure of deployed environments",
		"record remediation decision with owner and deadline",
	}
}
