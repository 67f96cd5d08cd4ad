// Package report produces the executive summary documents that complement
// the technical log stream. Reports aggregate a rolling window of task and
// finding activity; prose comes from the summarizer provider when one is
// configured, with a deterministic template as fallback.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/provider"
	"github.com/GoCodeAlone/custodian/store"
)

var titleCaser = cases.Title(language.English)

// Reporter generates executive reports over a rolling window.
type Reporter struct {
	store      store.Store
	summarizer provider.Provider // nil means templated summaries only
	bus        *event.Bus
	window     time.Duration
	logger     *slog.Logger
}

func NewReporter(st store.Store, summarizer provider.Provider, bus *event.Bus, window time.Duration, logger *slog.Logger) *Reporter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: st, summarizer: summarizer, bus: bus, window: window, logger: logger}
}

// Update generates a new report if the latest one is older than the window
// (or none exists yet). Called at the end of every cycle.
func (r *Reporter) Update(ctx context.Context) error {
	latest, err := r.store.LatestReport()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load latest report: %w", err)
	}
	now := time.Now().UTC()
	if latest != nil && now.Sub(latest.GeneratedAt) < r.window {
		return nil
	}
	_, err = r.Generate(ctx, now.Add(-r.window), now)
	return err
}

// Generate builds and persists a report covering [start, end).
func (r *Reporter) Generate(ctx context.Context, start, end time.Time) (*store.Report, error) {
	stats, err := r.store.WindowStats(start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregate window: %w", err)
	}

	rep := &store.Report{
		GeneratedAt:      time.Now().UTC(),
		WindowStart:      start,
		WindowEnd:        end,
		TasksCompleted:   stats.TasksCompleted,
		TasksFailed:      stats.TasksFailed,
		FindingsDetected: stats.FindingsDetected,
		FindingsResolved: stats.FindingsResolved,
		CyclesAborted:    stats.CyclesAborted,
		ExecutiveSummary: r.summarize(ctx, stats, start, end),
	}

	id, err := r.store.CreateReport(rep)
	if err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	rep.ID = id
	r.logger.Info("executive report generated",
		"report_id", id,
		"completed", rep.TasksCompleted, "failed", rep.TasksFailed,
		"detected", rep.FindingsDetected, "resolved", rep.FindingsResolved,
		"cycles_aborted", rep.CyclesAborted)
	if r.bus != nil {
		r.bus.Publish(ctx, event.Event{
			Type:    event.TypeReportGenerated,
			Subject: id,
		})
	}
	return rep, nil
}

// summarize produces the executive prose, preferring the summarizer provider
// and falling back to the template on any provider trouble.
func (r *Reporter) summarize(ctx context.Context, stats *store.WindowStats, start, end time.Time) string {
	templated := templateSummary(stats, start, end)
	if r.summarizer == nil {
		return templated
	}

	resp, err := r.summarizer.Complete(ctx, provider.Request{
		System: "You summarize engineering activity for a non-technical audience in one short paragraph. No markdown, no bullet lists.",
		Prompt: "Summarize this maintenance activity:\n\n" + templated,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		r.logger.Warn("summarizer unavailable, using templated summary", "error", err)
		return templated
	}
	return strings.TrimSpace(resp.Content)
}

// templateSummary renders a deterministic plain-language summary.
func templateSummary(stats *store.WindowStats, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Between %s and %s the system detected %d findings, resolved %d of them, completed %d tasks, and recorded %d terminal failures.",
		start.Format("Jan 2 15:04"), end.Format("Jan 2 15:04"),
		stats.FindingsDetected, stats.FindingsResolved,
		stats.TasksCompleted, stats.TasksFailed)

	if stats.CyclesAborted > 0 {
		fmt.Fprintf(&b, " %d maintenance cycles aborted during a store outage in this window; findings and tasks arriving then were not processed until service resumed.",
			stats.CyclesAborted)
	}

	if len(stats.NotableCompleted) > 0 {
		b.WriteString(" Notable completions: ")
		b.WriteString(joinTaskTitles(stats.NotableCompleted))
		b.WriteString(".")
	}
	if len(stats.NotableFailed) > 0 {
		b.WriteString(" Needs attention: ")
		b.WriteString(joinTaskTitles(stats.NotableFailed))
		b.WriteString(".")
	}
	return b.String()
}

func joinTaskTitles(tasks []*store.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, fmt.Sprintf("%s (%s)", t.Title, humanTaskType(t.Type)))
	}
	return strings.Join(parts, "; ")
}

// humanTaskType renders a task type for executive readers, e.g.
// "security_scan" becomes "Security Scan".
func humanTaskType(t store.TaskType) string {
	return titleCaser.String(strings.ReplaceAll(string(t), "_", " "))
}
