// Package detector turns external signal sources into findings. Each
// detector is a pure producer: it reads its source and reports conditions
// worth acting on, without ever touching task state. The Generator runs all
// registered detectors once per cycle and persists what they emit.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/store"
)

// Detector produces zero or more findings from one signal source.
type Detector interface {
	Name() string
	Detect(ctx context.Context) ([]store.Finding, error)
}

// Registry holds the detectors the Generator runs each cycle.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register adds a detector. Registering a duplicate name is an error.
func (r *Registry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := d.Name()
	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.detectors[name] = d
	r.order = append(r.order, name)
	return nil
}

// List returns registered detectors in registration order.
func (r *Registry) List() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Detector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.detectors[name])
	}
	return out
}

// Generator runs every registered detector and persists the findings they
// emit. Detector failures are isolated: a failing detector contributes zero
// findings this cycle and the rest still run.
type Generator struct {
	store           store.Store
	registry        *Registry
	bus             *event.Bus
	suppressRepeats bool
	logger          *slog.Logger
}

func NewGenerator(st store.Store, reg *Registry, bus *event.Bus, suppressRepeats bool, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:           st,
		registry:        reg,
		bus:             bus,
		suppressRepeats: suppressRepeats,
		logger:          logger,
	}
}

// Run invokes each detector once and stores the resulting findings.
// It returns the number of findings persisted.
func (g *Generator) Run(ctx context.Context) int {
	total := 0
	for _, d := range g.registry.List() {
		findings := g.runOne(ctx, d)
		for i := range findings {
			f := &findings[i]
			f.Detector = d.Name()

			if g.suppressRepeats {
				dup, err := g.store.HasUnconvertedFinding(f.Type, f.Title)
				if err != nil {
					g.logger.Warn("duplicate check failed", "detector", d.Name(), "error", err)
				} else if dup {
					g.logger.Debug("suppressed repeat finding", "detector", d.Name(), "title", f.Title)
					continue
				}
			}

			id, err := g.store.CreateFinding(f)
			if err != nil {
				g.logger.Error("persist finding failed", "detector", d.Name(), "error", err)
				continue
			}
			total++
			g.logger.Info("finding detected",
				"finding_id", id, "detector", d.Name(),
				"type", f.Type, "severity", f.Severity, "title", f.Title)
			if g.bus != nil {
				g.bus.Publish(ctx, event.Event{
					Type:    event.TypeFindingDetected,
					Subject: id,
					Detail:  f.Title,
					Metadata: map[string]string{
						"detector": d.Name(),
						"severity": string(f.Severity),
					},
				})
			}
		}
	}
	return total
}

// runOne isolates a single detector invocation, converting panics and
// errors into an empty result.
func (g *Generator) runOne(ctx context.Context, d Detector) (findings []store.Finding) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("detector panicked", "detector", d.Name(), "panic", r)
			findings = nil
		}
	}()

	findings, err := d.Detect(ctx)
	if err != nil {
		g.logger.Warn("detector failed", "detector", d.Name(), "error", err)
		return nil
	}
	return findings
}
