package report

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/custodian/provider/mock"
	"github.com/GoCodeAlone/custodian/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "custodian.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedActivity creates one resolved finding (completed task) and one
// terminally failed task.
func seedActivity(t *testing.T, st *store.SQLiteStore) {
	t.Helper()

	fid, err := st.CreateFinding(&store.Finding{
		Type: store.FindingSecurity, Severity: store.SeverityCritical, Title: "exposed credential",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTaskLinkedToFinding(fid, &store.Task{
		Type: store.TypeSecurityScan, Category: store.CategoryDebugging,
		Priority: 10, Title: "exposed credential", MaxAttempts: 3,
	}); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimNextPendingTask()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteTask(claimed.ID, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	if _, err := st.CreateTask(&store.Task{
		Type: store.TypeRunTests, Category: store.CategoryTesting,
		Priority: 5, Title: "flaky suite", MaxAttempts: 1,
	}); err != nil {
		t.Fatal(err)
	}
	claimed, err = st.ClaimNextPendingTask()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.FailTask(claimed.ID, "suite keeps failing"); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateTemplatedSummary(t *testing.T) {
	st := newTestStore(t)
	seedActivity(t, st)

	r := NewReporter(st, nil, nil, 24*time.Hour, nil)
	now := time.Now().UTC()
	rep, err := r.Generate(context.Background(), now.Add(-24*time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if rep.TasksCompleted != 1 || rep.TasksFailed != 1 {
		t.Errorf("unexpected task counts: completed=%d failed=%d", rep.TasksCompleted, rep.TasksFailed)
	}
	if rep.FindingsDetected != 1 || rep.FindingsResolved != 1 {
		t.Errorf("unexpected finding counts: detected=%d resolved=%d", rep.FindingsDetected, rep.FindingsResolved)
	}
	if !strings.Contains(rep.ExecutiveSummary, "Security Scan") {
		t.Errorf("expected humanized task type in summary, got %q", rep.ExecutiveSummary)
	}
	if !strings.Contains(rep.ExecutiveSummary, "Needs attention") {
		t.Errorf("expected failed task surfaced, got %q", rep.ExecutiveSummary)
	}

	latest, err := st.LatestReport()
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != rep.ID {
		t.Errorf("expected generated report persisted as latest")
	}
}

func TestGenerateNotesOutage(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	if err := st.RecordCycleRun(&store.CycleRun{
		StartedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Hour),
		Aborted: true, Error: "store unreachable",
	}); err != nil {
		t.Fatal(err)
	}

	r := NewReporter(st, nil, nil, 24*time.Hour, nil)
	rep, err := r.Generate(context.Background(), now.Add(-24*time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if rep.CyclesAborted != 1 {
		t.Fatalf("expected 1 aborted cycle, got %d", rep.CyclesAborted)
	}
	if !strings.Contains(rep.ExecutiveSummary, "aborted") {
		t.Errorf("expected outage noted in summary, got %q", rep.ExecutiveSummary)
	}
}

func TestSummarizerProviderPreferred(t *testing.T) {
	st := newTestStore(t)
	summarizer := mock.New("Quiet day: one security issue found and resolved.")

	r := NewReporter(st, summarizer, nil, 24*time.Hour, nil)
	now := time.Now().UTC()
	rep, err := r.Generate(context.Background(), now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if rep.ExecutiveSummary != "Quiet day: one security issue found and resolved." {
		t.Errorf("expected provider prose, got %q", rep.ExecutiveSummary)
	}
	if len(summarizer.Requests) != 1 {
		t.Fatalf("expected one summarizer call, got %d", len(summarizer.Requests))
	}
	if !strings.Contains(summarizer.Requests[0].Prompt, "detected 0 findings") {
		t.Errorf("expected templated stats in prompt, got %q", summarizer.Requests[0].Prompt)
	}
}

func TestUpdateRespectsWindow(t *testing.T) {
	st := newTestStore(t)
	r := NewReporter(st, nil, nil, 24*time.Hour, nil)

	if err := r.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, err := st.LatestReport()
	if err != nil {
		t.Fatal(err)
	}

	// Within the window nothing new should be generated.
	if err := r.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, err := st.LatestReport()
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("expected no new report inside the window")
	}
}

func TestHumanTaskType(t *testing.T) {
	if got := humanTaskType(store.TypeProposeCodeChange); got != "Propose Code Change" {
		t.Errorf("unexpected rendering: %q", got)
	}
}
