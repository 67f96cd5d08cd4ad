package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/cycle"
	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/store"
)

type stubCoordinator struct {
	res   cycle.Result
	calls int
}

func (c *stubCoordinator) RunCycle(context.Context) cycle.Result {
	c.calls++
	return c.res
}

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore, *stubCoordinator) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "custodian.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		Auth: config.AuthConfig{
			JWTSecret: "test-secret",
			AdminUser: "admin",
			AdminPass: string(hash),
		},
	}

	coord := &stubCoordinator{res: cycle.Result{Success: true, Summary: "reclaimed=0 detected=0 converted=0 executed=0"}}
	srv := New(cfg, st, coord, event.NewBus(nil), "test", nil)
	srv.registerRoutes()

	ts := httptest.NewServer(srv.mux)
	t.Cleanup(ts.Close)
	return ts, st, coord
}

func login(t *testing.T, ts *httptest.Server, user, pass string) (string, int) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token, resp.StatusCode
}

func authedGet(t *testing.T, ts *httptest.Server, token, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestLogin(t *testing.T) {
	ts, _, _ := newTestServer(t)

	token, status := login(t, ts, "admin", "hunter2")
	if status != http.StatusOK || token == "" {
		t.Fatalf("expected token, got status=%d", status)
	}

	if _, status := login(t, ts, "admin", "wrong"); status != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", status)
	}
	if _, status := login(t, ts, "intruder", "hunter2"); status != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown user, got %d", status)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = authedGet(t, ts, "not-a-token", "/api/tasks")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestTriggerCycle(t *testing.T) {
	ts, _, coord := newTestServer(t)
	token, _ := login(t, ts, "admin", "hunter2")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/cycle", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res cycle.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || coord.calls != 1 {
		t.Errorf("expected one successful cycle, got %+v calls=%d", res, coord.calls)
	}
}

func TestListAndGetTasks(t *testing.T) {
	ts, st, _ := newTestServer(t)
	token, _ := login(t, ts, "admin", "hunter2")

	id, err := st.CreateTask(&store.Task{
		Type: store.TypeRunTests, Category: store.CategoryTesting,
		Priority: 5, Title: "verify build", MaxAttempts: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := authedGet(t, ts, token, "/api/tasks?status=pending")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list struct {
		Tasks []*store.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Tasks[0].ID != id {
		t.Errorf("unexpected list: %+v", list)
	}

	resp = authedGet(t, ts, token, "/api/tasks/"+id)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for existing task, got %d", resp.StatusCode)
	}

	resp = authedGet(t, ts, token, "/api/tasks/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing task, got %d", resp.StatusCode)
	}
}

func TestListFindings(t *testing.T) {
	ts, st, _ := newTestServer(t)
	token, _ := login(t, ts, "admin", "hunter2")

	if _, err := st.CreateFinding(&store.Finding{
		Type: store.FindingSecurity, Severity: store.SeverityCritical, Title: "leak",
	}); err != nil {
		t.Fatal(err)
	}

	resp := authedGet(t, ts, token, "/api/findings?unconverted=true")
	defer resp.Body.Close()
	var list struct {
		Findings []*store.Finding `json:"findings"`
		Count    int              `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Findings[0].Title != "leak" {
		t.Errorf("unexpected findings: %+v", list)
	}
}

func TestLatestReportNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	token, _ := login(t, ts, "admin", "hunter2")

	resp := authedGet(t, ts, token, "/api/reports/latest")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any report, got %d", resp.StatusCode)
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/events?token=not-a-token")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for garbage token, got %d", resp.StatusCode)
	}

	token, _ := login(t, ts, "admin", "hunter2")
	resp, err = http.Get(ts.URL + "/events?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected stream with valid token, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStatusIsPublic(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["status"] != "ok" || status["version"] != "test" {
		t.Errorf("unexpected status payload: %+v", status)
	}
}
