package cycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/handler"
	"github.com/GoCodeAlone/custodian/store"
)

// Executor claims pending tasks in priority order and dispatches them to
// their handlers, up to a bounded batch per cycle.
type Executor struct {
	store    store.Store
	handlers *handler.Registry
	bus      *event.Bus
	batch    int
	logger   *slog.Logger
}

func NewExecutor(st store.Store, handlers *handler.Registry, bus *event.Bus, batch int, logger *slog.Logger) *Executor {
	if batch <= 0 {
		batch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, handlers: handlers, bus: bus, batch: batch, logger: logger}
}

// Run processes up to the configured batch of tasks and returns how many it
// executed. A task counts as executed whether it completed, failed, retried,
// or reported partial progress.
func (e *Executor) Run(ctx context.Context) (int, error) {
	executed := 0
	for executed < e.batch {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}
		task, err := e.store.ClaimNextPendingTask()
		if err != nil {
			return executed, fmt.Errorf("claim task: %w", err)
		}
		if task == nil {
			break
		}
		executed++

		e.logger.Info("task claimed",
			"task_id", task.ID, "type", task.Type,
			"priority", task.Priority, "attempt", task.Attempts)
		e.publish(ctx, event.TypeTaskClaimed, task, "")

		out := e.dispatch(ctx, task)
		e.record(ctx, task, out)
	}
	return executed, nil
}

// dispatch runs the handler for the task, converting a missing handler or a
// panic into a failure outcome.
func (e *Executor) dispatch(ctx context.Context, task *store.Task) (out handler.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", "task_id", task.ID, "type", task.Type, "panic", r)
			out = handler.Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()

	h := e.handlers.Get(task.Type)
	if h == nil {
		return handler.Failure(fmt.Errorf("no handler registered for task type %q", task.Type))
	}
	return h.Execute(ctx, task)
}

// record applies the handler outcome through the store's guarded
// transitions.
func (e *Executor) record(ctx context.Context, task *store.Task, out handler.Outcome) {
	switch out.Status {
	case handler.StatusSuccess:
		if err := e.store.CompleteTask(task.ID, out.Result); err != nil {
			e.logger.Error("complete task failed", "task_id", task.ID, "error", err)
			return
		}
		e.logger.Info("task completed", "task_id", task.ID, "type", task.Type)
		e.publish(ctx, event.TypeTaskCompleted, task, "")

	case handler.StatusPartial:
		if err := e.store.UpdateTaskProgress(task.ID, out.Progress, out.Result); err != nil {
			e.logger.Error("update progress failed", "task_id", task.ID, "error", err)
			return
		}
		e.logger.Info("task progressed", "task_id", task.ID, "progress", out.Progress)

	case handler.StatusFailure:
		cause := "unknown failure"
		if out.Err != nil {
			cause = out.Err.Error()
		}
		if task.Attempts < task.MaxAttempts {
			if err := e.store.RetryTask(task.ID, cause); err != nil {
				e.logger.Error("retry task failed", "task_id", task.ID, "error", err)
				return
			}
			e.logger.Warn("task failed, will retry",
				"task_id", task.ID, "attempt", task.Attempts,
				"max_attempts", task.MaxAttempts, "error", cause)
			e.publish(ctx, event.TypeTaskRetried, task, cause)
			return
		}
		if err := e.store.FailTask(task.ID, cause); err != nil {
			e.logger.Error("fail task failed", "task_id", task.ID, "error", err)
			return
		}
		e.logger.Error("task failed terminally",
			"task_id", task.ID, "attempts", task.Attempts, "error", cause)
		e.publish(ctx, event.TypeTaskFailed, task, cause)
	}
}

func (e *Executor) publish(ctx context.Context, typ event.Type, task *store.Task, detail string) {
	if e.bus == nil {
		return
	}
	if detail == "" {
		detail = task.Title
	}
	e.bus.Publish(ctx, event.Event{
		Type:    typ,
		Subject: task.ID,
		Detail:  detail,
		Metadata: map[string]string{
			"task_type": string(task.Type),
		},
	})
}
