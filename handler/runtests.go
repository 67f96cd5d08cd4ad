package handler

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/sandbox"
	"github.com/GoCodeAlone/custodian/store"
)

// CommandRunner executes shell commands in an isolated environment.
// *sandbox.Runner satisfies it; tests substitute a stub.
type CommandRunner interface {
	Available() bool
	Run(ctx context.Context, command string) (*sandbox.ExecResult, error)
}

// TestRunResult is the structured result of a run_tests task.
type TestRunResult struct {
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Steps    []Step `json:"steps"`
}

// RunTests executes the test suite in the sandbox. When command execution is
// not permitted or no sandbox is reachable, it records the skipped step and
// succeeds: an environment constraint is not a task failure.
type RunTests struct {
	runner  CommandRunner
	caps    config.CapabilityFlags
	command string
}

func NewRunTests(runner CommandRunner, caps config.CapabilityFlags) *RunTests {
	return &RunTests{runner: runner, caps: caps, command: "go test ./..."}
}

func (h *RunTests) Type() store.TaskType { return store.TypeRunTests }

func (h *RunTests) Execute(ctx context.Context, task *store.Task) Outcome {
	if !h.caps.RunCommands {
		return Success(TestRunResult{
			Steps: []Step{skipped("run_tests", "run_commands capability withheld")},
		})
	}
	if h.runner == nil || !h.runner.Available() {
		return Success(TestRunResult{
			Steps: []Step{skipped("run_tests", "no sandbox available")},
		})
	}

	res, err := h.runner.Run(ctx, h.command)
	if err != nil {
		return Failure(fmt.Errorf("run tests: %w", err))
	}
	out := res.Stdout
	if res.Stderr != "" {
		out += res.Stderr
	}
	if res.ExitCode != 0 {
		return Failure(fmt.Errorf("test suite failed (exit %d): %s", res.ExitCode, truncate(out, 2000)))
	}
	return Success(TestRunResult{
		Command:  h.command,
		ExitCode: res.ExitCode,
		Output:   truncate(out, 4000),
		Steps:    []Step{done("run_tests", h.command)},
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
