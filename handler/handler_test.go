package handler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/provider/mock"
	"github.com/GoCodeAlone/custodian/sandbox"
	"github.com/GoCodeAlone/custodian/store"
)

// stubRunner fakes the sandbox for handlers that execute commands.
type stubRunner struct {
	available bool
	result    sandbox.ExecResult
	err       error
	commands  []string
}

func (s *stubRunner) Available() bool { return s.available }

func (s *stubRunner) Run(_ context.Context, command string) (*sandbox.ExecResult, error) {
	s.commands = append(s.commands, command)
	if s.err != nil {
		return nil, s.err
	}
	return &s.result, nil
}

func task(typ store.TaskType, title string) *store.Task {
	return &store.Task{ID: "t1", Type: typ, Title: title, Description: "details", Status: store.TaskInProgress}
}

func TestProposeCodeChange(t *testing.T) {
	planner := mock.New(`{"changes":[{"path":"internal/db.go","action":"modify","description":"close rows","risk":"low"}],"testing_notes":"run store tests"}`)
	h := NewProposeCodeChange(planner, config.CapabilityFlags{})

	out := h.Execute(context.Background(), task(store.TypeProposeCodeChange, "fix leak"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}

	var plan Plan
	if err := json.Unmarshal(out.Result, &plan); err != nil {
		t.Fatal(err)
	}
	if len(plan.Changes) != 1 || plan.Changes[0].Risk != "low" {
		t.Errorf("unexpected plan: %+v", plan)
	}
	if plan.TestingNotes != "run store tests" {
		t.Errorf("unexpected testing notes: %q", plan.TestingNotes)
	}
	var sawApplySkip bool
	for _, s := range plan.Steps {
		if s.Name == "apply" && s.Status == "skipped" {
			sawApplySkip = true
		}
	}
	if !sawApplySkip {
		t.Error("expected apply step recorded as skipped")
	}
	if len(planner.Requests) != 1 || !strings.Contains(planner.Requests[0].Prompt, "fix leak") {
		t.Errorf("unexpected planner request: %+v", planner.Requests)
	}
}

func TestProposeCodeChangeFencedJSON(t *testing.T) {
	planner := mock.New("```json\n{\"changes\":[{\"path\":\"a.go\",\"action\":\"create\",\"description\":\"d\",\"risk\":\"medium\"}]}\n```")
	h := NewProposeCodeChange(planner, config.CapabilityFlags{})

	out := h.Execute(context.Background(), task(store.TypeProposeCodeChange, "x"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected fenced JSON accepted, got %s (%v)", out.Status, out.Err)
	}
}

func TestProposeCodeChangeUnparseable(t *testing.T) {
	h := NewProposeCodeChange(mock.New("I cannot help with that."), config.CapabilityFlags{})
	out := h.Execute(context.Background(), task(store.TypeProposeCodeChange, "x"))
	if out.Status != StatusFailure {
		t.Fatalf("expected failure on unparseable plan, got %s", out.Status)
	}
}

func TestRunTestsSkippedWithoutCapability(t *testing.T) {
	h := NewRunTests(&stubRunner{available: true}, config.CapabilityFlags{RunCommands: false})
	out := h.Execute(context.Background(), task(store.TypeRunTests, "verify"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success with skipped step, got %s (%v)", out.Status, out.Err)
	}
	var res TestRunResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != "skipped" {
		t.Errorf("expected a single skipped step, got %+v", res.Steps)
	}
}

func TestRunTestsSkippedWithoutSandbox(t *testing.T) {
	h := NewRunTests(&stubRunner{available: false}, config.CapabilityFlags{RunCommands: true})
	out := h.Execute(context.Background(), task(store.TypeRunTests, "verify"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success with skipped step, got %s", out.Status)
	}
	var res TestRunResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Steps[0].Detail != "no sandbox available" {
		t.Errorf("unexpected skip reason: %q", res.Steps[0].Detail)
	}
}

func TestRunTestsExecutes(t *testing.T) {
	runner := &stubRunner{available: true, result: sandbox.ExecResult{Stdout: "ok\n", ExitCode: 0}}
	h := NewRunTests(runner, config.CapabilityFlags{RunCommands: true})
	out := h.Execute(context.Background(), task(store.TypeRunTests, "verify"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	if len(runner.commands) != 1 || runner.commands[0] != "go test ./..." {
		t.Errorf("unexpected commands: %v", runner.commands)
	}
}

func TestRunTestsFailureOnNonzeroExit(t *testing.T) {
	runner := &stubRunner{available: true, result: sandbox.ExecResult{Stderr: "FAIL\n", ExitCode: 1}}
	h := NewRunTests(runner, config.CapabilityFlags{RunCommands: true})
	out := h.Execute(context.Background(), task(store.TypeRunTests, "verify"))
	if out.Status != StatusFailure {
		t.Fatalf("expected failure, got %s", out.Status)
	}
	if !strings.Contains(out.Err.Error(), "exit 1") {
		t.Errorf("unexpected error: %v", out.Err)
	}
}

func TestSecurityScanChecklistFallback(t *testing.T) {
	h := NewSecurityScan(nil, config.CapabilityFlags{})
	out := h.Execute(context.Background(), task(store.TypeSecurityScan, "vulnerable dependency"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", out.Status)
	}
	var res SecurityScanResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Checklist) == 0 {
		t.Error("expected review checklist in fallback result")
	}
	if res.Steps[0].Status != "skipped" {
		t.Errorf("expected scan step skipped, got %+v", res.Steps[0])
	}
}

func TestSecurityScanRunsScanner(t *testing.T) {
	runner := &stubRunner{available: true, result: sandbox.ExecResult{Stdout: "No vulnerabilities found.\n"}}
	h := NewSecurityScan(runner, config.CapabilityFlags{RunCommands: true})
	out := h.Execute(context.Background(), task(store.TypeSecurityScan, "audit"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	if runner.commands[0] != "govulncheck ./..." {
		t.Errorf("unexpected command: %v", runner.commands)
	}
}

func TestUpdateDocsWithoutProvider(t *testing.T) {
	h := NewUpdateDocs(nil)
	out := h.Execute(context.Background(), task(store.TypeUpdateDocs, "document retry policy"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", out.Status)
	}
	var res DocUpdateResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Draft, "document retry policy") {
		t.Errorf("unexpected draft: %q", res.Draft)
	}
}

func TestOptimizePerformance(t *testing.T) {
	planner := mock.New(`{"analysis":"N+1 query in listTasks","recommendations":["batch the lookup","add index"]}`)
	h := NewOptimizePerformance(planner)
	out := h.Execute(context.Background(), task(store.TypeOptimizePerformance, "p99 regression"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", out.Status, out.Err)
	}
	var res OptimizationResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Recommendations) != 2 {
		t.Errorf("unexpected recommendations: %+v", res.Recommendations)
	}
}

func TestCodeCleanupTwoStage(t *testing.T) {
	planner := mock.New(`{"items":[{"path":"util.go","description":"dead helper"}]}`)
	h := NewCodeCleanup(planner, nil, config.CapabilityFlags{})

	first := task(store.TypeCodeCleanup, "cleanup")
	out := h.Execute(context.Background(), first)
	if out.Status != StatusPartial || out.Progress != 50 {
		t.Fatalf("expected partial at 50, got %s/%d", out.Status, out.Progress)
	}
	if len(out.Result) == 0 {
		t.Fatal("partial outcome should carry the plan")
	}

	// The executor persists the partial result; the second stage reads it
	// back off the task.
	second := task(store.TypeCodeCleanup, "cleanup")
	second.Progress = 50
	second.Result = out.Result
	out = h.Execute(context.Background(), second)
	if out.Status != StatusSuccess {
		t.Fatalf("expected success on second stage, got %s (%v)", out.Status, out.Err)
	}
	var res CleanupResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || res.Items[0].Path != "util.go" {
		t.Errorf("planned items lost across stages: %+v", res.Items)
	}
	if len(res.Steps) != 2 || res.Steps[1].Status != "skipped" {
		t.Errorf("expected verify recorded as skipped, got %+v", res.Steps)
	}
}

func TestCodeCleanupNothingToDo(t *testing.T) {
	h := NewCodeCleanup(mock.New(`{"items":[]}`), nil, config.CapabilityFlags{})
	out := h.Execute(context.Background(), task(store.TypeCodeCleanup, "cleanup"))
	if out.Status != StatusSuccess {
		t.Fatalf("expected empty plan to complete, got %s", out.Status)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := NewUpdateDocs(nil)
	if err := reg.Register(h); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(NewUpdateDocs(nil)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if got := reg.Get(store.TypeUpdateDocs); got != h {
		t.Error("expected registered handler back")
	}
	if got := reg.Get(store.TypeRunTests); got != nil {
		t.Error("expected nil for unregistered type")
	}
}
