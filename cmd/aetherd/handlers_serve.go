package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aether-kernel/aether/internal/agent"
	"github.com/aether-kernel/aether/internal/agent/toolconv"
	"github.com/aether-kernel/aether/internal/datetime"
	"github.com/aether-kernel/aether/internal/kernel/metricswire"
	"github.com/aether-kernel/aether/internal/observability"
	"github.com/aether-kernel/aether/internal/storage"
)

// runServe implements the serve command: it wires every subsystem, stands
// up the HTTP surface (SSE boundary, metrics, audit query, tool import/
// export), and blocks until SIGINT/SIGTERM, then drains subsystems in
// dependency order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	k, err := buildKernel(configPath, debug)
	if err != nil {
		return fmt.Errorf("build kernel: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/events", k.stream)
	mux.HandleFunc("/metrics", k.handleMetrics)
	mux.HandleFunc("/audit", k.handleAuditQuery)
	mux.HandleFunc("/timeline", k.handleTimelineQuery)
	mux.HandleFunc("/tools/export", k.handleToolsExport)
	mux.HandleFunc("/tools/import", k.handleToolsImport)

	httpServer := &http.Server{Addr: k.cfg.MetricsAddr, Handler: k.rateLimitMiddleware(mux)}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	k.bus.Emit("kernel.ready", map[string]any{"version": version, "uptime": 0})
	k.logger.Info(ctx, "aether kernel started", "http_addr", k.cfg.MetricsAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	k.logger.Info(context.Background(), "shutdown signal received, draining kernel")

	// AgentLoops observe ctx.Done() directly (each Loop.Run is passed a
	// context derived from this one via spawnLoop); by the time we reach
	// here they have already begun tearing themselves down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), k.cfg.ContainerGrace()+20*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	k.shutdown()
	k.logger.Info(context.Background(), "aether kernel stopped")
	return nil
}

// rateLimitMiddleware enforces per-client-IP request limits, using the
// authenticated tier for requests carrying an Authorization header and the
// anonymous tier otherwise. A tier with its per-minute config at zero is
// reported disabled by ratelimit.Config and never blocks.
func (k *kernel) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := k.rateLimitAnon
		if r.Header.Get("Authorization") != "" {
			limiter = k.rateLimitAuth
		}
		if !limiter.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (k *kernel) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := metricswire.RefreshAndExport(k.metrics, k.processes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(body))
}

// handleAuditQuery serves GET /audit?pid=&uid=&action=&event_type=&
// startTime=&endTime=&limit=&offset= -> {entries, total}.
func (k *kernel) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var query storage.AuditQuery

	if v := q.Get("pid"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			query.PID = &n
		}
	}
	if v := q.Get("uid"); v != "" {
		query.UID = &v
	}
	query.Action = q.Get("action")
	if v := q.Get("event_type"); v != "" {
		query.EventType = storage.EventType(v)
	}
	if v := q.Get("startTime"); v != "" {
		if ts := datetime.NormalizeTimestamp(v); ts != nil {
			t := time.UnixMilli(ts.TimestampMs).UTC()
			query.StartTime = &t
		}
	}
	if v := q.Get("endTime"); v != "" {
		if ts := datetime.NormalizeTimestamp(v); ts != nil {
			t := time.UnixMilli(ts.TimestampMs).UTC()
			query.EndTime = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			query.Offset = n
		}
	}

	entries, total, err := k.auditLog.Query(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"total":   total,
	})
}

// handleTimelineQuery serves GET /timeline?run_id=&pid= -> the replayable
// think-act-observe event sequence the AgentLoop recorded for that run, built
// from the same run/tool/LLM event stream the OpenTelemetry spans carry.
func (k *kernel) handleTimelineQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("run_id")
	if runID == "" {
		if pid := q.Get("pid"); pid != "" {
			runID = fmt.Sprintf("run-%s", pid)
		}
	}
	if runID == "" {
		http.Error(w, "run_id or pid is required", http.StatusBadRequest)
		return
	}

	events, err := k.eventStore.GetByRunID(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(observability.BuildTimeline(events))
}

// handleToolsExport renders the kernel's native tool catalog into a foreign
// agent framework's schema format, so it can be handed to LangChain- or
// OpenAI-function-calling-based callers outside the kernel.
func (k *kernel) handleToolsExport(w http.ResponseWriter, r *http.Request) {
	format := toolconv.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = toolconv.FormatOpenAI
	}

	native := make([]agent.Tool, 0, len(k.toolset))
	for _, t := range k.toolset {
		native = append(native, t)
	}

	docs, err := k.compat.Export(r.Context(), format, native)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(docs)
}

// handleToolsImport registers tool definitions authored in a foreign
// framework's schema format, so the router can advertise them to an
// Oracle as if they were native.
func (k *kernel) handleToolsImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := toolconv.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = toolconv.FormatOpenAI
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, fmt.Sprintf("decode request body: %v", err), http.StatusBadRequest)
		return
	}

	defs, err := k.compat.Import(r.Context(), format, raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(defs)
}
