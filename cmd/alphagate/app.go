package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"alphagate/internal/config"
	"alphagate/internal/core"
	"alphagate/internal/logging"
	"alphagate/internal/perception"
	"alphagate/internal/publisher"
	"alphagate/internal/store"
	"alphagate/internal/usage"
	"alphagate/internal/vetting"
)

// app holds the wired components for one CLI invocation.
type app struct {
	ws        string
	cfg       *config.Config
	scheduler *core.APIScheduler
	tracker   *usage.Tracker
	store     *store.SignalStore
	publisher *publisher.Publisher
	pipeline  *vetting.Pipeline
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// loadConfig reads the workspace config and applies CLI overrides.
func loadConfig() (string, *config.Config, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return "", nil, err
	}
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	return ws, cfg, nil
}

func (a *app) storePath() string {
	if filepath.IsAbs(a.cfg.Store.Path) || a.cfg.Store.Path == ":memory:" {
		return a.cfg.Store.Path
	}
	return filepath.Join(a.ws, a.cfg.Store.Path)
}

// newApp wires config, logging, scheduler, model client, usage, store,
// publisher and pipeline.
func newApp(ctx context.Context) (*app, error) {
	ws, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := logging.Configure(ws, cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.Categories, cfg.Logging.IsJSON()); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}
	if err := logging.InitAudit(); err != nil {
		logger.Warn("audit log disabled", zap.Error(err))
	}

	a := &app{ws: ws, cfg: cfg}

	a.scheduler = core.InitAPIScheduler(core.APISchedulerConfig{
		MaxConcurrentAPICalls: cfg.Scheduler.MaxConcurrentAPICalls,
		RequestsPerSecond:     cfg.Scheduler.RequestsPerSecond,
		Burst:                 cfg.Scheduler.Burst,
	})

	gemini, err := perception.NewGeminiClient(ctx, perception.GeminiConfig{
		APIKey:          cfg.LLM.APIKey,
		Timeout:         cfg.GetLLMTimeout(),
		MaxOutputTokens: int32(cfg.LLM.MaxOutputTokens),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.tracker, err = usage.NewTracker(ws)
	if err != nil {
		logger.Warn("usage tracking disabled", zap.Error(err))
	}

	invokerOpts := []perception.InvokerOption{perception.WithProvider(cfg.LLM.Provider)}
	if a.tracker != nil {
		invokerOpts = append(invokerOpts, perception.WithUsageReporter(usage.Reporter{Tracker: a.tracker}))
	}
	invoker := perception.NewInvoker(
		core.NewScheduledClient(a.scheduler, gemini),
		perception.ModelPolicy{Default: cfg.LLM.Model, Deprecated: cfg.LLM.DeprecatedModels},
		invokerOpts...,
	)

	var pub vetting.Publisher
	if cfg.Publisher.Enabled {
		a.store, err = store.Open(cfg.Store.Driver, a.storePath())
		if err != nil {
			a.close()
			return nil, err
		}
		a.publisher = publisher.New(a.store, cfg.Publisher.QueueSize)
		pub = a.publisher
	}

	pcfg := vetting.DefaultConfig()
	pcfg.Model = cfg.LLM.Model
	pcfg.MaxRetries = cfg.Retry.MaxRetries
	pcfg.InitialDelay = cfg.Retry.GetInitialDelay()
	pcfg.ReliabilityThreshold = cfg.Vetting.ReliabilityThreshold
	pcfg.FallbackTargetPct = cfg.Vetting.FallbackTargetPct
	pcfg.FallbackStopPct = cfg.Vetting.FallbackStopPct
	a.pipeline = vetting.NewPipeline(invoker, pcfg, pub)

	logger.Debug("wired",
		zap.String("workspace", ws),
		zap.String("model", cfg.LLM.Model),
		zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrentAPICalls),
		zap.Bool("publisher", cfg.Publisher.Enabled))
	return a, nil
}

// close drains the publisher and flushes usage before the process exits.
func (a *app) close() {
	if a.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.publisher.Close(ctx); err != nil {
			logger.Warn("publisher did not drain", zap.Error(err))
		}
		cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			logger.Warn("failed to save usage", zap.Error(err))
		}
	}
	if a.scheduler != nil {
		logger.Debug("scheduler", zap.Stringer("metrics", a.scheduler.Metrics()))
		a.scheduler.Stop()
	}
	logging.CloseAudit()
	logging.CloseAll()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or after timeout.
func signalContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}
