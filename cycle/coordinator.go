// Package cycle implements one full pass of autonomous maintenance work:
// reclaim stuck tasks, detect findings, convert them into tasks, execute a
// bounded batch, then refresh reporting. The coordinator holds no state
// between invocations; every run is independently repeatable.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/store"
)

// Result is returned to whichever trigger invoked the cycle.
type Result struct {
	Success bool   `json:"success"`
	Summary string `json:"summary"`
}

// findingGenerator runs detectors and persists findings.
type findingGenerator interface {
	Run(ctx context.Context) int
}

// phaseRunner covers the converter and executor phases.
type phaseRunner interface {
	Run(ctx context.Context) (int, error)
}

// reportUpdater refreshes the executive report when its window has elapsed.
type reportUpdater interface {
	Update(ctx context.Context) error
}

// Coordinator sequences the cycle phases. Phase failures are isolated; only
// an unreachable store aborts the whole cycle.
type Coordinator struct {
	store          store.Store
	generator      findingGenerator
	converter      phaseRunner
	executor       phaseRunner
	reporter       reportUpdater
	bus            *event.Bus
	reclaimTimeout time.Duration
	logger         *slog.Logger
}

func NewCoordinator(
	st store.Store,
	generator findingGenerator,
	converter phaseRunner,
	executor phaseRunner,
	reporter reportUpdater,
	bus *event.Bus,
	reclaimTimeout time.Duration,
	logger *slog.Logger,
) *Coordinator {
	if reclaimTimeout <= 0 {
		reclaimTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:          st,
		generator:      generator,
		converter:      converter,
		executor:       executor,
		reporter:       reporter,
		bus:            bus,
		reclaimTimeout: reclaimTimeout,
		logger:         logger,
	}
}

// RunCycle executes one full phase sequence and returns a result for the
// caller. Overlapping invocations are safe: all contended transitions go
// through the store's conditional updates.
func (c *Coordinator) RunCycle(ctx context.Context) Result {
	started := time.Now().UTC()
	run := store.CycleRun{StartedAt: started}

	if c.bus != nil {
		c.bus.Publish(ctx, event.Event{Type: event.TypeCycleStarted})
	}

	if err := c.store.Ping(); err != nil {
		c.logger.Error("cycle aborted: store unreachable", "error", err)
		run.Aborted = true
		run.Error = err.Error()
		run.FinishedAt = time.Now().UTC()
		// Best effort: if the outage was momentary this still lands, and the
		// next report can account for the aborted cycle.
		if recErr := c.store.RecordCycleRun(&run); recErr != nil {
			c.logger.Error("record aborted cycle failed", "error", recErr)
		}
		if c.bus != nil {
			c.bus.Publish(ctx, event.Event{Type: event.TypeCycleAborted, Detail: err.Error()})
		}
		return Result{Success: false, Summary: fmt.Sprintf("cycle aborted: store unreachable: %v", err)}
	}

	// Reclaim first so wedged tasks are claimable again this same cycle.
	reclaimed, err := c.store.ReclaimStuckTasks(c.reclaimTimeout)
	if err != nil {
		c.logger.Error("reclaim phase failed", "error", err)
	} else if reclaimed > 0 {
		c.logger.Info("stuck tasks reclaimed", "count", reclaimed, "timeout", c.reclaimTimeout)
		if c.bus != nil {
			c.bus.Publish(ctx, event.Event{
				Type:   event.TypeTasksReclaimed,
				Detail: fmt.Sprintf("%d tasks returned to pending", reclaimed),
			})
		}
	}
	run.TasksReclaimed = reclaimed

	run.FindingsDetected = c.generator.Run(ctx)

	converted, err := c.converter.Run(ctx)
	if err != nil {
		c.logger.Error("converter phase failed", "error", err)
	}
	run.FindingsConverted = converted

	executed, err := c.executor.Run(ctx)
	if err != nil {
		c.logger.Error("executor phase failed", "error", err)
	}
	run.TasksExecuted = executed

	if c.reporter != nil {
		if err := c.reporter.Update(ctx); err != nil {
			c.logger.Error("reporter phase failed", "error", err)
		}
	}

	run.FinishedAt = time.Now().UTC()
	if err := c.store.RecordCycleRun(&run); err != nil {
		c.logger.Error("record cycle run failed", "error", err)
	}

	summary := fmt.Sprintf("reclaimed=%d detected=%d converted=%d executed=%d in %s",
		run.TasksReclaimed, run.FindingsDetected, run.FindingsConverted, run.TasksExecuted,
		run.FinishedAt.Sub(started).Round(time.Millisecond))
	c.logger.Info("cycle finished", "summary", summary)
	if c.bus != nil {
		c.bus.Publish(ctx, event.Event{Type: event.TypeCycleFinished, Detail: summary})
	}
	return Result{Success: true, Summary: summary}
}
