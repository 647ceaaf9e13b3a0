package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aether-kernel/aether/internal/agent"
	"github.com/aether-kernel/aether/internal/agent/providers"
	"github.com/aether-kernel/aether/internal/agent/toolconv"
	"github.com/aether-kernel/aether/internal/audit"
	"github.com/aether-kernel/aether/internal/config"
	"github.com/aether-kernel/aether/internal/container"
	"github.com/aether-kernel/aether/internal/kernel/containerwire"
	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/kernel/eventstream"
	"github.com/aether-kernel/aether/internal/kernel/llmoracle"
	"github.com/aether-kernel/aether/internal/kernel/metricswire"
	"github.com/aether-kernel/aether/internal/kernel/router"
	"github.com/aether-kernel/aether/internal/observability"
	"github.com/aether-kernel/aether/internal/process"
	"github.com/aether-kernel/aether/internal/ratelimit"
	"github.com/aether-kernel/aether/internal/storage"
	"github.com/aether-kernel/aether/internal/tools/control"
	"github.com/aether-kernel/aether/internal/tools/exec"
	"github.com/aether-kernel/aether/internal/tools/files"
	"github.com/aether-kernel/aether/internal/tools/system"
	"github.com/aether-kernel/aether/internal/usage"
)

// kernel bundles every subsystem once they're wired together.
// One instance backs both the "serve" and "spawn" commands, since both need
// the same subsystem graph.
type kernel struct {
	cfg    *config.Config
	logger *observability.Logger

	bus        *eventbus.Bus
	store      storage.StateStore
	processes  *process.Manager
	containers *container.Manager
	governor   *usage.Governor
	auditLog   *audit.Kernel
	metrics    *observability.Metrics
	stream     *eventstream.Stream
	compat     *toolconv.Compat
	toolset    map[string]agent.Tool

	families map[router.Family]llmoracle.FamilyModel
	fallback llmoracle.FamilyModel

	rateLimitAuth *ratelimit.Limiter
	rateLimitAnon *ratelimit.Limiter

	eventStore *observability.MemoryEventStore
	timeline   *observability.EventRecorder
	tracer     *observability.Tracer

	unwireMetrics    func()
	unwireContainers func()
	tracerShutdown   func(context.Context) error
}

// buildKernel loads configuration and wires every subsystem, but starts no
// background goroutines beyond what the subsystem constructors themselves
// start (retention pruning, bus dispatch). The caller is responsible for
// calling shutdown() in dependency order.
func buildKernel(configPath string, debug bool) (*kernel, error) {
	if configPath != "" {
		os.Setenv("AETHER_CONFIG_FILE", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})

	bus := eventbus.New(logger)

	store, err := openStore(context.Background())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	processes := process.NewManager(cfg.FSRoot, bus)

	containers := container.NewManager(cfg.FSRoot, cfg.ContainerImage)
	containers.Init()
	unwireContainers := containerwire.Wire(bus, containers)

	governor := usage.NewGovernor(usage.Quota{
		MaxTokensPerSession: cfg.MaxTokensPerSession,
		MaxTokensPerDay:     cfg.MaxTokensPerDay,
		MaxSteps:            cfg.MaxSteps,
		MaxWallClockMs:      cfg.MaxWallClockMS,
	}, bus, processes)

	auditLog := audit.NewKernel(audit.KernelConfig{
		Bus:             bus,
		Store:           store,
		Logger:          logger,
		RetentionPeriod: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
	})

	metrics := observability.NewMetrics()
	unwireMetrics := metricswire.Wire(bus, metrics, processes)

	stream := eventstream.NewWithQueueSize(bus, cfg.EventStreamQueueSize)

	compat := toolconv.New(store, bus)

	toolset := buildToolset(cfg)

	families, fallback := buildOracleFamilies()

	rateLimitAuth := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimitAuthenticatedPerMin) / 60.0,
		BurstSize:         cfg.RateLimitAuthenticatedPerMin,
		Enabled:           cfg.RateLimitAuthenticatedPerMin > 0,
	})
	rateLimitAnon := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimitAnonymousPerMin) / 60.0,
		BurstSize:         cfg.RateLimitAnonymousPerMin,
		Enabled:           cfg.RateLimitAnonymousPerMin > 0,
	})

	eventStore := observability.NewMemoryEventStore(10000)
	timeline := observability.NewEventRecorder(eventStore, logger)

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "aetherd",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		SamplingRate:   cfg.OTelSamplingRate,
	})

	return &kernel{
		cfg:              cfg,
		logger:           logger,
		bus:              bus,
		store:            store,
		processes:        processes,
		containers:       containers,
		governor:         governor,
		auditLog:         auditLog,
		metrics:          metrics,
		stream:           stream,
		compat:           compat,
		toolset:          toolset,
		families:         families,
		fallback:         fallback,
		rateLimitAuth:    rateLimitAuth,
		rateLimitAnon:    rateLimitAnon,
		eventStore:       eventStore,
		timeline:         timeline,
		tracer:           tracer,
		unwireMetrics:    unwireMetrics,
		unwireContainers: unwireContainers,
		tracerShutdown:   tracerShutdown,
	}, nil
}

// openStore opens the configured StateStore backend. AETHER_DB_DSN/
// AETHER_DB_DRIVER are not part of the recognized configuration file/env
// options (which name no persistence backend), so they're read directly
// from the environment rather than through internal/config; absent a DSN,
// the kernel runs against an in-memory store.
func openStore(ctx context.Context) (storage.StateStore, error) {
	dsn := strings.TrimSpace(os.Getenv("AETHER_DB_DSN"))
	if dsn == "" {
		return storage.NewMemoryStore(), nil
	}
	driver := strings.TrimSpace(os.Getenv("AETHER_DB_DRIVER"))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.OpenSQLStore(ctx, driver, dsn, storage.DefaultCockroachConfig())
}

// buildToolset assembles the native tool catalog AgentLoop and
// ToolCompatLayer.Export draw on. It deliberately excludes
// internal/tools/sandbox and internal/tools/subagent: managed sandbox pools
// and sub-agent delegation are out of scope for this kernel.
func buildToolset(cfg *config.Config) map[string]agent.Tool {
	filesCfg := files.Config{Workspace: cfg.FSRoot, MaxReadBytes: int(cfg.MaxToolOutputBytes)}
	execMgr := exec.NewManager(cfg.FSRoot)

	tools := []agent.Tool{
		files.NewReadTool(filesCfg),
		files.NewWriteTool(filesCfg),
		files.NewEditTool(filesCfg),
		files.NewApplyPatchTool(filesCfg),
		exec.NewExecTool("exec", execMgr),
		exec.NewProcessTool(execMgr),
		control.NewCompleteTool(),
		system.NewUsageTool(buildUsageCache()),
	}

	out := make(map[string]agent.Tool, len(tools))
	for _, t := range tools {
		out[t.Name()] = t
	}
	return out
}

// buildUsageCache registers a ProviderUsageFetcher per configured LLM
// provider, so the provider_usage tool (ResourceGovernor's per-provider
// cost/token visibility) can report on whichever providers
// this kernel instance actually has credentials for.
func buildUsageCache() *usage.UsageCache {
	registry := usage.NewUsageFetcherRegistry()
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		registry.Register(&usage.AnthropicUsageFetcher{APIKey: key})
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		registry.Register(&usage.OpenAIUsageFetcher{APIKey: key})
	}
	return usage.NewUsageCache(registry, 5*time.Minute)
}

// buildOracleFamilies maps router.Family values to concrete LLM providers.
// It honors whichever of ANTHROPIC_API_KEY/OPENAI_API_KEY/AWS_REGION
// (Bedrock, using the default AWS credential chain) is present; families
// with no configured provider fall back to whichever provider is
// available, so the kernel degrades to a partial configuration rather than
// refusing to start.
func buildOracleFamilies() (map[router.Family]llmoracle.FamilyModel, llmoracle.FamilyModel) {
	families := make(map[router.Family]llmoracle.FamilyModel)
	var fallback llmoracle.FamilyModel

	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		if p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key}); err == nil {
			families[router.FlashFamily] = llmoracle.FamilyModel{Provider: p, Model: "claude-3-haiku-20240307"}
			families[router.StandardFamily] = llmoracle.FamilyModel{Provider: p, Model: "claude-sonnet-4-20250514"}
			families[router.FrontierFamily] = llmoracle.FamilyModel{Provider: p, Model: "claude-opus-4-20250514"}
			fallback = families[router.StandardFamily]
		}
	}

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		p := providers.NewOpenAIProvider(key)
		if _, ok := families[router.FlashFamily]; !ok {
			families[router.FlashFamily] = llmoracle.FamilyModel{Provider: p, Model: "gpt-4o"}
		}
		if _, ok := families[router.FrontierFamily]; !ok {
			families[router.FrontierFamily] = llmoracle.FamilyModel{Provider: p, Model: "gpt-4-turbo"}
		}
		if fallback.Provider == nil {
			fallback = llmoracle.FamilyModel{Provider: p, Model: "gpt-4o"}
			families[router.StandardFamily] = fallback
		}
	}

	if region := strings.TrimSpace(os.Getenv("AWS_REGION")); region != "" {
		if p, err := providers.NewBedrockProvider(providers.BedrockConfig{Region: region}); err == nil {
			if _, ok := families[router.FlashFamily]; !ok {
				families[router.FlashFamily] = llmoracle.FamilyModel{Provider: p, Model: "anthropic.claude-3-haiku-20240307-v1:0"}
			}
			if _, ok := families[router.StandardFamily]; !ok {
				families[router.StandardFamily] = llmoracle.FamilyModel{Provider: p, Model: "anthropic.claude-3-sonnet-20240229-v1:0"}
			}
			if _, ok := families[router.FrontierFamily]; !ok {
				families[router.FrontierFamily] = llmoracle.FamilyModel{Provider: p, Model: "anthropic.claude-3-opus-20240229-v1:0"}
			}
			if fallback.Provider == nil {
				fallback = llmoracle.FamilyModel{Provider: p, Model: "anthropic.claude-3-sonnet-20240229-v1:0"}
			}
		}
	}

	return families, fallback
}

// shutdown drains the kernel's subsystems in dependency order:
// ProcessManager stops accepting spawns, AgentLoops observe cancellation
// (handled by the caller cancelling its context before calling shutdown),
// ContainerManager shuts down, AuditLogger stops its prune timer,
// MetricsExporter unsubscribes, EventBus clears remaining listeners, the
// Tracer flushes any buffered spans, and finally the StateStore closes.
func (k *kernel) shutdown() {
	k.containers.Shutdown()
	if k.unwireContainers != nil {
		k.unwireContainers()
	}
	k.auditLog.Shutdown()
	if k.unwireMetrics != nil {
		k.unwireMetrics()
	}
	k.bus.Off("")
	if k.tracerShutdown != nil {
		if err := k.tracerShutdown(context.Background()); err != nil {
			k.logger.Error(context.Background(), "tracer shutdown failed", "error", err)
		}
	}
	if err := k.store.Close(); err != nil {
		k.logger.Error(context.Background(), "state store close failed", "error", err)
	}
}
