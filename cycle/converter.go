package cycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/store"
)

// taskSpec is the task shape a finding type converts into.
type taskSpec struct {
	Type     store.TaskType
	Priority int
	Category store.Category
}

// conversionTable is the fixed finding_type -> task mapping. Finding types
// absent here are skipped with a warning and stay unconverted.
var conversionTable = map[store.FindingType]taskSpec{
	store.FindingSecurity:     {store.TypeSecurityScan, 10, store.CategoryDebugging},
	store.FindingError:        {store.TypeProposeCodeChange, 9, store.CategoryDebugging},
	store.FindingBug:          {store.TypeProposeCodeChange, 8, store.CategoryDebugging},
	store.FindingPerformance:  {store.TypeOptimizePerformance, 8, store.CategoryOptimization},
	store.FindingOptimization: {store.TypeOptimizePerformance, 7, store.CategoryOptimization},
	store.FindingImprovement:  {store.TypeCodeCleanup, 6, store.CategoryOptimization},
	store.FindingWarning:      {store.TypeRunTests, 5, store.CategoryTesting},
	store.FindingInsight:      {store.TypeUpdateDocs, 4, store.CategoryDeployment},
}

// Converter turns unconverted findings into tasks, exactly once per finding.
type Converter struct {
	store       store.Store
	bus         *event.Bus
	batch       int
	maxAttempts int
	logger      *slog.Logger
}

func NewConverter(st store.Store, bus *event.Bus, batch, maxAttempts int, logger *slog.Logger) *Converter {
	if batch <= 0 {
		batch = 30
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{store: st, bus: bus, batch: batch, maxAttempts: maxAttempts, logger: logger}
}

// Run converts up to the configured batch of findings, oldest first, and
// returns how many conversions this invocation performed. Re-converting a
// finding another cycle already handled is a no-op thanks to the store's
// conditional guard.
func (c *Converter) Run(ctx context.Context) (int, error) {
	findings, err := c.store.ListUnconvertedFindings(c.batch)
	if err != nil {
		return 0, fmt.Errorf("list unconverted findings: %w", err)
	}

	converted := 0
	for _, f := range findings {
		if ctx.Err() != nil {
			return converted, ctx.Err()
		}
		rule, ok := conversionTable[f.Type]
		if !ok {
			c.logger.Warn("unmapped finding type, skipping",
				"finding_id", f.ID, "type", f.Type, "title", f.Title)
			continue
		}

		taskID, err := c.store.CreateTaskLinkedToFinding(f.ID, &store.Task{
			Type:        rule.Type,
			Category:    rule.Category,
			Priority:    rule.Priority,
			Title:       f.Title,
			Description: conversionDescription(f),
			MaxAttempts: c.maxAttempts,
		})
		if err != nil {
			c.logger.Error("conversion failed", "finding_id", f.ID, "error", err)
			continue
		}
		converted++
		c.logger.Info("finding converted",
			"finding_id", f.ID, "task_id", taskID,
			"task_type", rule.Type, "priority", rule.Priority)
		if c.bus != nil {
			c.bus.Publish(ctx, event.Event{
				Type:    event.TypeFindingConverted,
				Subject: f.ID,
				Detail:  f.Title,
				Metadata: map[string]string{
					"task_id":   taskID,
					"task_type": string(rule.Type),
				},
			})
		}
	}
	return converted, nil
}

func conversionDescription(f *store.Finding) string {
	desc := fmt.Sprintf("Detected by %s (severity %s).", f.Detector, f.Severity)
	if f.Evidence != "" {
		desc += "\n\nEvidence:\n" + f.Evidence
	}
	return desc
}
