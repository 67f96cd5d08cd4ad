// Package event provides the in-process activity feed the daemon publishes
// lifecycle events onto. Subscribers receive every event; the bus also keeps
// a bounded history so late joiners (the SSE endpoint, status queries) can
// replay recent activity.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	TypeFindingDetected  Type = "finding.detected"
	TypeFindingConverted Type = "finding.converted"
	TypeTaskClaimed      Type = "task.claimed"
	TypeTaskCompleted    Type = "task.completed"
	TypeTaskFailed       Type = "task.failed"
	TypeTaskRetried      Type = "task.retried"
	TypeTasksReclaimed   Type = "tasks.reclaimed"
	TypeCycleStarted     Type = "cycle.started"
	TypeCycleFinished    Type = "cycle.finished"
	TypeCycleAborted     Type = "cycle.aborted"
	TypeReportGenerated  Type = "report.generated"
)

// Event is a single entry on the activity feed.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Subject   string            `json:"subject,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

const historyCap = 1000

// Bus fans events out to subscribers and retains bounded history.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]Handler
	history []Event
	logger  *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]Handler),
		logger: logger,
	}
}

// Publish stamps the event with an ID and timestamp if missing, records it
// in history, and delivers it to all current subscribers.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	b.logger.Debug("event published", "type", ev.Type, "subject", ev.Subject)
}

// Subscribe registers a handler for all events. The returned function
// removes the subscription.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	id := uuid.New().String()
	b.mu.Lock()
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// History returns up to limit most recent events, oldest first.
// limit <= 0 returns the full retained history.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
