// Package main provides the runtime wiring shared by serve and run.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/orchestrator/internal/checkpoint"
	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/events/natsbus"
	"github.com/vinayprograms/orchestrator/internal/events/redisbus"
	"github.com/vinayprograms/orchestrator/internal/governance"
	"github.com/vinayprograms/orchestrator/internal/injection"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/metrics"
	"github.com/vinayprograms/orchestrator/internal/react"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
	"github.com/vinayprograms/orchestrator/internal/tools"
	"github.com/vinayprograms/orchestrator/internal/validator"
	"github.com/vinayprograms/orchestrator/internal/verifier"
	"github.com/vinayprograms/orchestrator/internal/workflow"
)

const (
	janitorInterval  = time.Minute
	telemetryTimeout = 5 * time.Second
)

// runtime holds every component a run needs.
type runtime struct {
	cfg *config.Config

	// Components
	logger     *logging.Logger
	metrics    *metrics.Metrics
	emitter    *events.Emitter
	workspace  *validator.Workspace
	executor   *secexec.Executor
	governance *governance.Manager
	provider   *llm.OllamaClient
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	engine     *workflow.Engine

	// Background work started by setup
	ctx    context.Context
	cancel context.CancelFunc

	// Cleanup
	closers []func()
}

// newRuntime builds the runtime from cfg. Background goroutines stop when ctx is
// cancelled or close is called.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	rt.ctx, rt.cancel = context.WithCancel(ctx)
	if err := rt.setup(); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup() error {
	if err := rt.setupLogging(); err != nil {
		return err
	}
	rt.setupMetrics()
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupEvents(); err != nil {
		return err
	}
	if err := rt.setupWorkspace(); err != nil {
		return err
	}
	if err := rt.setupExecutor(); err != nil {
		return err
	}
	rt.governance = governance.NewManager(rt.cfg.BackupDir(), rt.workspace, rt.executor,
		rt.logger.WithComponent("governance"))
	rt.createProvider()
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	rt.setupDispatcher()
	return rt.setupEngine()
}

// setupLogging applies level, format and the optional JSON log file.
func (rt *runtime) setupLogging() error {
	rt.logger = logging.New()
	rt.logger.SetLevel(logging.ParseLevel(rt.cfg.Logging.Level))
	switch logging.Format(rt.cfg.Logging.Format) {
	case logging.FormatJSON:
		rt.logger.SetFormat(logging.FormatJSON)
	case logging.FormatText, "":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", rt.cfg.Logging.Format)
	}
	if rt.cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(rt.cfg.Logging.File), 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(rt.cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		rt.logger.SetFile(f)
		rt.addCloser(func() { f.Close() })
	}
	return nil
}

// setupMetrics creates the Prometheus collectors. Disabled metrics leave a nil
// *Metrics, which every recorder accepts.
func (rt *runtime) setupMetrics() {
	if rt.cfg.Telemetry.Metrics {
		rt.metrics = metrics.New(rt.cfg.Telemetry.MetricsNamespace)
	}
}

// setupTelemetry installs the OTLP tracer provider.
func (rt *runtime) setupTelemetry() error {
	if !rt.cfg.Telemetry.Tracing {
		return nil
	}
	shutdown, err := telemetry.Setup(rt.ctx, rt.cfg.Telemetry.OTLPEndpoint, version, rt.cfg.Telemetry.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	rt.addCloser(func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			rt.logger.Warn("tracer shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	})
	return nil
}

// setupEvents creates the emitter with its replay queue and optional bus mirror.
func (rt *runtime) setupEvents() error {
	ev := rt.cfg.Events
	opts := []events.EmitterOption{
		events.WithMetrics(rt.metrics),
		events.WithLogger(rt.logger.WithComponent("events")),
		events.WithStrictValidation(ev.StrictValidation),
		events.WithTerminalEnforcement(ev.TerminalEnforcement),
		events.WithSubscriberBuffer(ev.SubscriberBuffer),
		events.WithCleanupDelay(rt.cfg.CleanupDelay()),
	}
	if ev.QueueEnabled {
		queue := events.NewQueue(ev.QueueMaxSize, rt.cfg.QueueTTL())
		go queue.Janitor(rt.ctx, janitorInterval)
		opts = append(opts, events.WithQueue(queue))
	}

	bus, err := rt.dialBus()
	if err != nil {
		return err
	}
	if bus != nil {
		rt.addCloser(func() { bus.Close() })
		opts = append(opts, events.WithBus(bus))
	}

	rt.emitter = events.NewEmitter(events.NewTracker(), opts...)
	return nil
}

// dialBus connects the configured backend. A nil bus means none.
func (rt *runtime) dialBus() (events.Bus, error) {
	b := rt.cfg.Bus
	switch b.Backend {
	case "redis":
		bus, err := redisbus.Dial(rt.ctx, b.RedisAddr, b.RedisPassword, b.RedisDB, b.MaxStreamLength)
		if err != nil {
			return nil, fmt.Errorf("connecting redis bus: %w", err)
		}
		rt.logger.Info("event bus connected", map[string]interface{}{"backend": "redis", "addr": b.RedisAddr})
		return bus, nil
	case "nats":
		bus, err := natsbus.Dial(rt.ctx, b.NATSURL, b.MaxStreamLength)
		if err != nil {
			return nil, fmt.Errorf("connecting nats bus: %w", err)
		}
		rt.logger.Info("event bus connected", map[string]interface{}{"backend": "nats", "url": b.NATSURL})
		return bus, nil
	}
	return nil, nil
}

// setupWorkspace resolves the sandbox root.
func (rt *runtime) setupWorkspace() error {
	ws, err := validator.NewWorkspace(rt.cfg.Workspace.Dir)
	if err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}
	rt.workspace = ws
	return nil
}

// setupExecutor creates the secure executor and loads, or watches, the policy file.
func (rt *runtime) setupExecutor() error {
	logger := rt.logger.WithComponent("secexec")
	rt.executor = secexec.New(rt.workspace.Root(),
		secexec.WithDefaultTimeout(rt.cfg.CommandTimeout()),
		secexec.WithLogger(logger),
	)

	path := rt.cfg.Executor.PolicyFile
	if path == "" {
		return nil
	}
	if !rt.cfg.Executor.WatchPolicy {
		policy, err := secexec.LoadPolicy(path)
		if err != nil {
			return err
		}
		rt.executor.SetPolicy(policy)
		return nil
	}

	watcher, err := secexec.NewPolicyWatcher(path, rt.executor, logger)
	if err != nil {
		return err
	}
	go watcher.Run(rt.ctx)
	rt.addCloser(func() { watcher.Close() })
	return nil
}

// createProvider creates the Ollama-compatible model client.
func (rt *runtime) createProvider() {
	llmCfg := rt.cfg.LLM
	rt.provider = llm.NewOllamaClient(llmCfg.BaseURL,
		llm.WithModel(rt.cfg.ExecutorModel()),
		llm.WithDefaultOptions(llm.Options{
			Temperature: llm.Temperature(llmCfg.Temperature),
			NumCtx:      llmCfg.NumCtx,
		}),
		llm.WithTimeouts(rt.cfg.LLMTimeout(), time.Duration(llmCfg.ConnectTimeout)*time.Second),
		llm.WithMetrics(rt.metrics),
		llm.WithLogger(rt.logger.WithComponent("llm")),
	)
}

// setupRegistry registers the built-in tools.
func (rt *runtime) setupRegistry() error {
	deps := tools.DepsFromConfig(rt.cfg)
	deps.Workspace = rt.workspace
	deps.Executor = rt.executor
	deps.Governance = rt.governance
	deps.Models = rt.provider

	rt.registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(rt.registry, deps); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}
	return nil
}

// setupDispatcher wraps the registry with injection screening and governance.
func (rt *runtime) setupDispatcher() {
	opts := []tools.DispatcherOption{
		tools.WithGovernance(rt.governance),
		tools.WithEvents(rt.emitter),
		tools.WithMetrics(rt.metrics),
		tools.WithLogger(rt.logger.WithComponent("dispatcher")),
	}
	if sec := rt.cfg.Security; sec.InjectionDetection {
		opts = append(opts, tools.WithDetector(injection.NewDetector(
			injection.WithStrictMode(sec.StrictMode),
			injection.WithThreshold(sec.BlockThreshold),
		)))
	}
	rt.dispatcher = tools.NewDispatcher(rt.registry, opts...)
}

// setupEngine creates the ReAct loop, the verifier and the phase pipeline.
func (rt *runtime) setupEngine() error {
	var store *checkpoint.Store
	if rt.cfg.Workflow.Checkpoints {
		var err error
		store, err = checkpoint.NewStore(filepath.Join(rt.cfg.StoragePath(), "checkpoints"))
		if err != nil {
			return fmt.Errorf("opening checkpoint store: %w", err)
		}
	}

	model := rt.cfg.ExecutorModel()
	rt.engine = workflow.New(workflow.Config{
		Provider:   rt.provider,
		Dispatcher: rt.dispatcher,
		ReAct: react.New(rt.provider, rt.dispatcher,
			react.WithEvents(rt.emitter),
			react.WithModel(model),
			react.WithMaxIterations(rt.cfg.Workflow.MaxIterations),
			react.WithLogger(rt.logger.WithComponent("react")),
		),
		Verifier: verifier.New(verifier.Config{
			Provider: rt.provider,
			Model:    rt.cfg.VerifierModel(),
			Logger:   rt.logger.WithComponent("verifier"),
		}),
		Events:          rt.emitter,
		Checkpoints:     store,
		Metrics:         rt.metrics,
		Logger:          rt.logger.WithComponent("workflow"),
		Model:           model,
		VerifyRequired:  rt.cfg.Workflow.VerifyRequired,
		MaxRepairCycles: rt.cfg.Workflow.MaxRepairCycles,
	})
	return nil
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close stops background work and runs cleanup in reverse order.
func (rt *runtime) close() {
	rt.cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
