package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/custodian/store"
)

// handleTriggerCycle runs one maintenance cycle on demand.
func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	res := s.coordinator.RunCycle(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Type:     store.TaskType(q.Get("type")),
		Category: store.Category(q.Get("category")),
		Limit:    queryInt(q.Get("limit"), 100),
		Offset:   queryInt(q.Get("offset"), 0),
	}
	if v := q.Get("status"); v != "" {
		st := store.TaskStatus(v)
		filter.Status = &st
	}

	tasks, err := s.store.ListTasks(filter)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "get task failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.FindingFilter{
		Type:        store.FindingType(q.Get("type")),
		Severity:    store.Severity(q.Get("severity")),
		Unconverted: q.Get("unconverted") == "true",
		Limit:       queryInt(q.Get("limit"), 100),
		Offset:      queryInt(q.Get("offset"), 0),
	}

	findings, err := s.store.ListFindings(filter)
	if err != nil {
		s.logger.Error("list findings", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "list findings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings, "count": len(findings)})
}

func (s *Server) handleLatestReport(w http.ResponseWriter, _ *http.Request) {
	rep, err := s.store.LatestReport()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "no report generated yet")
			return
		}
		s.logger.Error("latest report", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "load report failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if err := s.store.Ping(); err != nil {
		status = "degraded"
	}
	pending, err := s.store.ListPendingTasksByPriority(1000)
	if err != nil {
		pending = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       s.version,
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"pending_tasks": len(pending),
	})
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
