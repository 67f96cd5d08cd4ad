package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/detector"
	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/handler"
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

// oneShot emits its findings on the first call only, like a signal source
// that goes quiet once read.
type oneShot struct {
	name     string
	findings []store.Finding
	fired    bool
}

func (d *oneShot) Name() string { return d.name }

func (d *oneShot) Detect(context.Context) ([]store.Finding, error) {
	if d.fired {
		return nil, nil
	}
	d.fired = true
	return d.findings, nil
}

// scriptedHandler returns a fixed outcome for a task type.
type scriptedHandler struct {
	typ     store.TaskType
	outcome handler.Outcome
	calls   int
	panics  bool
}

func (h *scriptedHandler) Type() store.TaskType { return h.typ }

func (h *scriptedHandler) Execute(context.Context, *store.Task) handler.Outcome {
	h.calls++
	if h.panics {
		panic("handler exploded")
	}
	return h.outcome
}

func newCoordinator(t *testing.T, st *store.SQLiteStore, detectors []detector.Detector, handlers []handler.Handler) *Coordinator {
	t.Helper()
	reg := detector.NewRegistry()
	for _, d := range detectors {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	hreg := handler.NewRegistry()
	for _, h := range handlers {
		if err := hreg.Register(h); err != nil {
			t.Fatal(err)
		}
	}
	bus := event.NewBus(nil)
	gen := detector.NewGenerator(st, reg, bus, false, nil)
	conv := NewConverter(st, bus, 30, 3, nil)
	exec := NewExecutor(st, hreg, bus, 10, nil)
	return NewCoordinator(st, gen, conv, exec, nil, bus, 15*time.Minute, nil)
}

func TestRunCycleSecurityEndToEnd(t *testing.T) {
	st := newTestStore(t)
	det := &oneShot{name: "dep_scan", findings: []store.Finding{{
		Type: store.FindingSecurity, Severity: store.SeverityCritical, Title: "vulnerable dependency",
	}}}
	h := &scriptedHandler{typ: store.TypeSecurityScan, outcome: handler.Success(map[string]string{"status": "reviewed"})}

	coord := newCoordinator(t, st, []detector.Detector{det}, []handler.Handler{h})
	res := coord.RunCycle(context.Background())
	if !res.Success {
		t.Fatalf("expected successful cycle: %s", res.Summary)
	}
	if !strings.Contains(res.Summary, "detected=1 converted=1 executed=1") {
		t.Errorf("unexpected summary: %s", res.Summary)
	}

	findings, err := st.ListFindings(store.FindingFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].RelatedTaskID == "" {
		t.Fatalf("expected converted finding, got %+v", findings)
	}

	task, err := st.GetTask(findings[0].RelatedTaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Type != store.TypeSecurityScan || task.Priority != 10 || task.Category != store.CategoryDebugging {
		t.Errorf("unexpected conversion: type=%s priority=%d category=%s", task.Type, task.Priority, task.Category)
	}
	if task.Status != store.TaskCompleted {
		t.Errorf("expected task completed, got %s", task.Status)
	}
	if task.RelatedFindingID != findings[0].ID {
		t.Error("expected task linked back to finding")
	}
	if h.calls != 1 {
		t.Errorf("expected handler called once, got %d", h.calls)
	}
}

func TestRunCycleIdempotentRerun(t *testing.T) {
	st := newTestStore(t)
	det := &oneShot{name: "a", findings: []store.Finding{{
		Type: store.FindingWarning, Severity: store.SeverityMedium, Title: "slow endpoint",
	}}}
	h := &scriptedHandler{typ: store.TypeRunTests, outcome: handler.Success(nil)}

	coord := newCoordinator(t, st, []detector.Detector{det}, []handler.Handler{h})
	coord.RunCycle(context.Background())

	res := coord.RunCycle(context.Background())
	if !strings.Contains(res.Summary, "detected=0 converted=0 executed=0") {
		t.Errorf("expected quiet second cycle, got: %s", res.Summary)
	}
	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected no duplicate tasks, got %d", len(tasks))
	}
}

func TestRunCycleUnmappedFinding(t *testing.T) {
	st := newTestStore(t)
	det := &oneShot{name: "a", findings: []store.Finding{{
		Type: store.FindingType("unknown_type"), Severity: store.SeverityLow, Title: "strange signal",
	}}}

	coord := newCoordinator(t, st, []detector.Detector{det}, nil)
	res := coord.RunCycle(context.Background())
	if !strings.Contains(res.Summary, "detected=1 converted=0") {
		t.Errorf("unexpected summary: %s", res.Summary)
	}

	findings, err := st.ListFindings(store.FindingFilter{Unconverted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected finding left unconverted, got %d", len(findings))
	}
	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestRunCycleAbortsWhenStoreDown(t *testing.T) {
	st := newTestStore(t)
	coord := newCoordinator(t, st, nil, nil)
	_ = st.Close()

	res := coord.RunCycle(context.Background())
	if res.Success {
		t.Fatal("expected aborted cycle")
	}
	if !strings.Contains(res.Summary, "store unreachable") {
		t.Errorf("unexpected summary: %s", res.Summary)
	}
}

func TestExecutorRetriesThenFailsTerminally(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateTask(&store.Task{
		Type: store.TypeRunTests, Category: store.CategoryTesting,
		Priority: 5, Title: "always fails", MaxAttempts: 2,
	}); err != nil {
		t.Fatal(err)
	}
	hreg := handler.NewRegistry()
	h := &scriptedHandler{typ: store.TypeRunTests, outcome: handler.Failure(errors.New("boom"))}
	if err := hreg.Register(h); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(st, hreg, nil, 10, nil)
	executed, err := exec.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if executed != 2 {
		t.Fatalf("expected exactly max_attempts executions, got %d", executed)
	}

	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].Status != store.TaskFailed {
		t.Errorf("expected terminal failure, got %s", tasks[0].Status)
	}
	if tasks[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", tasks[0].Attempts)
	}
	if tasks[0].Error == "" {
		t.Error("expected failure cause recorded")
	}

	// Terminal tasks are never claimed again.
	claimed, err := st.ClaimNextPendingTask()
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("expected nothing claimable, got %+v", claimed)
	}
}

func TestExecutorHandlesPanic(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateTask(&store.Task{
		Type: store.TypeRunTests, Category: store.CategoryTesting,
		Priority: 5, Title: "panicky", MaxAttempts: 1,
	}); err != nil {
		t.Fatal(err)
	}
	hreg := handler.NewRegistry()
	if err := hreg.Register(&scriptedHandler{typ: store.TypeRunTests, panics: true}); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(st, hreg, nil, 10, nil)
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].Status != store.TaskFailed {
		t.Errorf("expected panic recorded as failure, got %s", tasks[0].Status)
	}
	if !strings.Contains(tasks[0].Error, "handler panic") {
		t.Errorf("unexpected error: %q", tasks[0].Error)
	}
}

func TestExecutorMissingHandler(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateTask(&store.Task{
		Type: store.TypeUpdateDocs, Category: store.CategoryDeployment,
		Priority: 4, Title: "orphan", MaxAttempts: 1,
	}); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(st, handler.NewRegistry(), nil, 10, nil)
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].Status != store.TaskFailed {
		t.Errorf("expected failure for missing handler, got %s", tasks[0].Status)
	}
}

func TestExecutorPartialOutcome(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateTask(&store.Task{
		Type: store.TypeCodeCleanup, Category: store.CategoryOptimization,
		Priority: 6, Title: "two stage", MaxAttempts: 3,
	}); err != nil {
		t.Fatal(err)
	}
	hreg := handler.NewRegistry()
	interim := map[string]any{"items": []string{"util.go"}}
	if err := hreg.Register(&scriptedHandler{typ: store.TypeCodeCleanup, outcome: handler.Partial(50, interim)}); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(st, hreg, nil, 10, nil)
	executed, err := exec.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if executed != 1 {
		t.Fatalf("expected 1 execution, got %d", executed)
	}

	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].Status != store.TaskInProgress || tasks[0].Progress != 50 {
		t.Errorf("expected in_progress at 50, got %s/%d", tasks[0].Status, tasks[0].Progress)
	}
	if !strings.Contains(string(tasks[0].Result), "util.go") {
		t.Errorf("interim result not persisted: %q", tasks[0].Result)
	}
}

func TestExecutorResumesPartialTask(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateTask(&store.Task{
		Type: store.TypeCodeCleanup, Category: store.CategoryOptimization,
		Priority: 6, Title: "cleanup", MaxAttempts: 3,
	}); err != nil {
		t.Fatal(err)
	}
	planner := mock.New(`{"items":[{"path":"util.go","description":"dead helper"}]}`)
	hreg := handler.NewRegistry()
	if err := hreg.Register(handler.NewCodeCleanup(planner, nil, config.CapabilityFlags{})); err != nil {
		t.Fatal(err)
	}
	exec := NewExecutor(st, hreg, nil, 10, nil)

	// First pass plans and parks the task at 50%.
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ReclaimStuckTasks(-time.Second); err != nil {
		t.Fatal(err)
	}
	// Second pass picks the task back up and completes it.
	if _, err := exec.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].Status != store.TaskCompleted {
		t.Fatalf("expected completion after resume, got %s", tasks[0].Status)
	}
	var res handler.CleanupResult
	if err := json.Unmarshal(tasks[0].Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || res.Items[0].Path != "util.go" {
		t.Errorf("planned items missing from final result: %+v", res.Items)
	}
	if len(res.Steps) != 2 || res.Steps[1].Status != "skipped" {
		t.Errorf("expected plan + skipped verify, got %+v", res.Steps)
	}
}

func TestExecutorBatchBound(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := st.CreateTask(&store.Task{
			Type: store.TypeRunTests, Category: store.CategoryTesting,
			Priority: 5, Title: "t", MaxAttempts: 3,
		}); err != nil {
			t.Fatal(err)
		}
	}
	hreg := handler.NewRegistry()
	if err := hreg.Register(&scriptedHandler{typ: store.TypeRunTests, outcome: handler.Success(nil)}); err != nil {
		t.Fatal(err)
	}

	exec := NewExecutor(st, hreg, nil, 3, nil)
	executed, err := exec.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if executed != 3 {
		t.Fatalf("expected batch bound of 3, got %d", executed)
	}
	pending, err := st.ListPendingTasksByPriority(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 tasks left pending, got %d", len(pending))
	}
}

func TestConverterSetsRetryBudget(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateFinding(&store.Finding{
		Type: store.FindingBug, Severity: store.SeverityHigh, Title: "nil deref",
		Evidence: "stack trace here", Detector: "log_scan",
	}); err != nil {
		t.Fatal(err)
	}

	conv := NewConverter(st, nil, 30, 5, nil)
	converted, err := conv.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if converted != 1 {
		t.Fatalf("expected 1 conversion, got %d", converted)
	}

	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	task := tasks[0]
	if task.Type != store.TypeProposeCodeChange || task.Priority != 8 {
		t.Errorf("unexpected mapping: %s/%d", task.Type, task.Priority)
	}
	if task.MaxAttempts != 5 {
		t.Errorf("expected converter's retry budget, got %d", task.MaxAttempts)
	}
	if !strings.Contains(task.Description, "stack trace here") {
		t.Errorf("expected evidence carried into description, got %q", task.Description)
	}
}
