// Package observability provides the ambient monitoring and debugging stack
// for the Aether kernel through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: Minimal performance impact on production systems
//   - Type-safe: Strongly-typed APIs reduce configuration errors
//   - Production-ready: Built-in security (redaction) and reliability features
//   - Standards-based: Uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics implements MetricsExporter: a private Prometheus registry tracking
//   - Agent process lifecycle (spawned, active, completions by outcome)
//   - LLM oracle request latency, token usage, and estimated cost
//   - Tool invocation counts and latency
//   - Bus events emitted by topic
//   - Open EventStream (SSE) connections
//
// Metrics itself does not subscribe to the bus (observability is imported by
// eventbus for its logger, so the reverse import would cycle); the kernel
// wiring layer drives it by calling its Record* methods from bus handlers.
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordAgentSpawned()
//	metrics.RecordLLMRequest("anthropic", "claude-haiku", latencySeconds)
//	metrics.RecordToolExecution("web_search")
//	text, err := metrics.Export()
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	// Add context IDs for correlation
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	// Structured logging with automatic context correlation
//	logger.Info(ctx, "invoking tool",
//	    "tool", action.Tool,
//	    "pid", pid,
//	    "args_size", len(payload),
//	)
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "LLM request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across components:
//   - End-to-end request visualization
//   - Performance bottleneck identification
//   - Service dependency mapping
//   - Error correlation across services
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "aetherd",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	// Trace a process's think-act-observe step
//	ctx, span := tracer.TraceMessageProcessing(ctx, "agentloop", "step", runID)
//	defer span.End()
//
//	// Trace LLM requests
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-3-opus")
//	defer llmSpan.End()
//	tracer.SetAttributes(llmSpan, "prompt_tokens", 100, "completion_tokens", 500)
//
//	// Trace tool execution
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "web_search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic correlation:
//
//	// Add IDs to context
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddUserID(ctx, "user-789")
//	ctx = observability.AddChannel(ctx, "spawn-cli")
//
//	// IDs automatically appear in logs
//	logger.Info(ctx, "Processing") // Includes request_id, session_id, etc.
//
//	// Spans inherit context
//	ctx, span := tracer.Start(ctx, "operation")
//	// Trace context propagates to child spans
//
// # Integration Example
//
// Complete example integrating all three components:
//
//	func (l *Loop) step(ctx context.Context, stepNum int) error {
//	    // Add correlation IDs
//	    ctx = observability.AddRequestID(ctx, generateID())
//
//	    // Start tracing
//	    ctx, span := tracer.TraceLLMRequest(ctx, "anthropic", "claude-haiku")
//	    defer span.End()
//
//	    llmStart := time.Now()
//	    action, in, out, err := l.oracle.NextAction(ctx, l.history, l.tools)
//	    llmDuration := time.Since(llmStart).Seconds()
//
//	    if err != nil {
//	        tracer.RecordError(span, err)
//	        logger.Error(ctx, "oracle request failed", "error", err)
//	        metrics.RecordLLMRequest("anthropic", "claude-haiku", llmDuration)
//	        return l.heuristicFallback()
//	    }
//
//	    metrics.RecordLLMRequest("anthropic", "claude-haiku", llmDuration)
//	    metrics.RecordTokens("anthropic", "input", float64(in))
//	    metrics.RecordTokens("anthropic", "output", float64(out))
//	    logger.Info(ctx, "oracle request completed",
//	        "duration_ms", llmDuration*1000, "tool", action.Tool)
//
//	    return nil
//	}
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Performance
//
// The observability system is designed for minimal overhead:
//   - Metrics use lock-free counters where possible
//   - Logging with slog is highly efficient
//   - Tracing supports sampling to reduce overhead
//   - Context propagation is zero-allocation in most cases
//
// Typical overhead:
//   - Metrics: <1% CPU, ~10KB memory per metric
//   - Logging: ~1-5μs per log call
//   - Tracing: ~2-10μs per span (when sampled)
//
// # Configuration
//
// All components support configuration via structs:
//
//	// Metrics - no configuration needed, auto-registered
//	metrics := observability.NewMetrics()
//
//	// Logging - configurable output, level, format
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:          os.Getenv("LOG_LEVEL"),
//	    Format:         "json",
//	    AddSource:      true,
//	    RedactPatterns: []string{`custom-secret-\d+`},
//	})
//
//	// Tracing - configurable sampling, endpoint, attributes
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "aetherd",
//	    ServiceVersion: version,
//	    Environment:    env,
//	    Endpoint:       os.Getenv("OTEL_ENDPOINT"),
//	    SamplingRate:   0.1,
//	    Attributes: map[string]string{
//	        "deployment.region": region,
//	        "deployment.cluster": cluster,
//	    },
//	})
//	defer shutdown(context.Background())
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Best Practices
//
//  1. Always propagate context to enable correlation
//  2. Use defer for span.End() to ensure spans are closed
//  3. Record errors on both metrics and traces
//  4. Use structured logging with key-value pairs
//  5. Set appropriate sampling rates for high-traffic systems
//  6. Add relevant attributes to spans for debugging
//  7. Use typed metric labels (avoid high-cardinality values)
//  8. Call shutdown() on tracer during graceful shutdown
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Agent throughput
//	rate(aether_agents_total[5m])
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(aether_llm_latency_seconds_bucket[5m]))
//
//	# Completion outcomes
//	rate(aether_agent_completions_total[5m])
//
//	# Active agents
//	aether_agents_active
//
//	# Tool execution time
//	rate(aether_tool_latency_seconds_sum[5m]) /
//	rate(aether_tool_latency_seconds_count[5m])
//
// # Alerting
//
// Recommended alerts based on metrics:
//   - Elevated failure completions: rate(aether_agent_completions_total{outcome="failure"}[5m]) > threshold
//   - High LLM latency: p95 aether_llm_latency_seconds > 10s
//   - Agent accumulation: aether_agents_active growing unbounded
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
