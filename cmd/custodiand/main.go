// Command custodiand is the custodian maintenance daemon. It runs the
// detect/convert/execute cycle on an interval, exposes the HTTP API, and
// shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/custodian/config"
	"github.com/GoCodeAlone/custodian/cycle"
	"github.com/GoCodeAlone/custodian/detector"
	"github.com/GoCodeAlone/custodian/event"
	"github.com/GoCodeAlone/custodian/handler"
	"github.com/GoCodeAlone/custodian/internal/version"
	"github.com/GoCodeAlone/custodian/provider"
	"github.com/GoCodeAlone/custodian/provider/mock"
	"github.com/GoCodeAlone/custodian/report"
	"github.com/GoCodeAlone/custodian/sandbox"
	"github.com/GoCodeAlone/custodian/server"
	"github.com/GoCodeAlone/custodian/store"
)

var configPath = flag.String("config", "custodian.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting custodiand",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "custodian.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	bus := event.NewBus(logger)

	var runner handler.CommandRunner
	if cfg.Sandbox.Enabled {
		sb := sandbox.NewRunner(sandbox.Options{
			Image:       cfg.Sandbox.Image,
			Workspace:   cfg.Sandbox.Workspace,
			TimeoutSecs: cfg.Sandbox.TimeoutSecs,
		}, logger)
		defer sb.Close()
		runner = sb
	}

	planner := buildProvider(cfg.Providers.Planner, logger)
	summarizer := buildProvider(cfg.Providers.Summarizer, logger)

	detectors := detector.NewRegistry()
	registerDetectors(detectors, cfg.Detectors, logger)
	generator := detector.NewGenerator(st, detectors, bus, cfg.Cycle.SuppressRepeats, logger)

	handlers := handler.NewRegistry()
	registerHandlers(handlers, planner, runner, cfg.Caps, logger)

	converter := cycle.NewConverter(st, bus, cfg.Cycle.ConverterBatch, cfg.Cycle.MaxAttempts, logger)
	executor := cycle.NewExecutor(st, handlers, bus, cfg.Cycle.ExecutorBatch, logger)
	reporter := report.NewReporter(st, summarizer, bus, cfg.Report.Window.Duration(), logger)
	coordinator := cycle.NewCoordinator(st, generator, converter, executor, reporter, bus, cfg.Cycle.ReclaimTimeout.Duration(), logger)

	srv := server.New(*cfg, st, coordinator, bus, version.Version, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runScheduler(ctx, coordinator, cfg.Cycle.Interval.Duration(), logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// runScheduler invokes a cycle on the configured interval until ctx ends.
func runScheduler(ctx context.Context, coordinator *cycle.Coordinator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger.Info("scheduler started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coordinator.RunCycle(ctx)
		}
	}
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildProvider constructs the AI client a capability is configured with.
// Kind "none" (or unknown) yields nil, which handlers treat as absent.
func buildProvider(spec config.ProviderSpec, logger *slog.Logger) provider.Provider {
	client := &http.Client{Timeout: spec.Timeout.Duration()}
	switch spec.Kind {
	case "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:     os.Getenv(spec.APIKeyEnv),
			Model:      spec.Model,
			HTTPClient: client,
		})
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:     os.Getenv(spec.APIKeyEnv),
			Model:      spec.Model,
			HTTPClient: client,
		})
	case "mock":
		return mock.New()
	case "none", "":
		return nil
	default:
		logger.Warn("unknown provider kind, running without one", "kind", spec.Kind)
		return nil
	}
}

func registerDetectors(reg *detector.Registry, cfg config.DetectorConfig, logger *slog.Logger) {
	if cfg.LogScan.Enabled {
		mustRegisterDetector(reg, detector.NewLogScan(cfg.LogScan), logger)
	}
	if cfg.DepScan.Enabled {
		mustRegisterDetector(reg, detector.NewDepScan(cfg.DepScan), logger)
	}
	if cfg.SelfInspect.Enabled {
		mustRegisterDetector(reg, detector.NewSelfInspect(cfg.SelfInspect), logger)
	}
	if cfg.PerfScan.Enabled {
		mustRegisterDetector(reg, detector.NewPerfScan(cfg.PerfScan), logger)
	}
}

func mustRegisterDetector(reg *detector.Registry, d detector.Detector, logger *slog.Logger) {
	if err := reg.Register(d); err != nil {
		logger.Error("register detector", "detector", d.Name(), "error", err)
	}
}

func registerHandlers(reg *handler.Registry, planner provider.Provider, runner handler.CommandRunner, caps config.CapabilityFlags, logger *slog.Logger) {
	for _, h := range []handler.Handler{
		handler.NewProposeCodeChange(planner, caps),
		handler.NewRunTests(runner, caps),
		handler.NewUpdateDocs(planner),
		handler.NewSecurityScan(runner, caps),
		handler.NewOptimizePerformance(planner),
		handler.NewCodeCleanup(planner, runner, caps),
	} {
		if err := reg.Register(h); err != nil {
			logger.Error("register handler", "type", h.Type(), "error", err)
		}
	}
}
