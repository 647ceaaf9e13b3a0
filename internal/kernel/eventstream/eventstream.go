// Package eventstream implements EventStream: the SSE boundary that
// forwards a whitelisted, optionally caller-filtered set of bus topics to
// external consumers as newline-delimited JSON frames.
package eventstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aether-kernel/aether/internal/kernel/eventbus"
)

// DefaultQueueSize is the per-connection frame buffer depth (the "WS queued
// events" knob). A slow client drops its oldest unread frame rather than
// blocking the emitter.
const DefaultQueueSize = 500

// whitelistedTopics is the authoritative vocabulary EventStream is allowed
// to forward. Anything else emitted on the bus
// (there is none outside this vocabulary by construction) would be
// silently dropped by the filter below.
var whitelistedTopics = []string{
	"process.spawned", "process.stateChange", "process.exit", "process.approval_required",
	"agent.thought", "agent.action", "agent.observation", "agent.progress",
	"agent.approved", "agent.rejected", "agent.completed",
	"resource.usage", "resource.exceeded",
	"container.created", "container.started", "container.stopped", "container.removed",
	"workspace.cleaned",
	"tools.imported", "tools.exported",
	"reflection.stored",
	"kernel.ready", "kernel.metrics",
}

// frame is a newline-delimited JSON event envelope: {"type": <topic>, ...payload}.
type frame map[string]any

func newFrame(topic string, payload any) frame {
	f := frame{"type": topic}
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			if k == "type" {
				continue
			}
			f[k] = v
		}
		return f
	}
	f["payload"] = payload
	return f
}

// Stream is the EventStream boundary, bound to one bus.
type Stream struct {
	bus       *eventbus.Bus
	queueSize int
}

// New creates a Stream over bus using DefaultQueueSize for each
// connection's frame buffer.
func New(bus *eventbus.Bus) *Stream {
	return &Stream{bus: bus, queueSize: DefaultQueueSize}
}

// NewWithQueueSize creates a Stream whose per-connection frame buffer
// depth is queueSize instead of DefaultQueueSize (the configurable "WS
// queued events" knob).
func NewWithQueueSize(bus *eventbus.Bus, queueSize int) *Stream {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Stream{bus: bus, queueSize: queueSize}
}

// parseFilter splits a comma-separated filter token list. An empty or
// whitespace-only string means "no filter" (every whitelisted topic).
func parseFilter(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matchesFilter reports whether topic passes filters. An empty filter list
// passes everything. A filter token "prefix.*" matches any topic beginning
// with "prefix.".
func matchesFilter(topic string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasSuffix(f, ".*") {
			if strings.HasPrefix(topic, strings.TrimSuffix(f, "*")) {
				return true
			}
			continue
		}
		if f == topic {
			return true
		}
	}
	return false
}

// ServeHTTP implements GET /events?filter=<csv>: a
// text/event-stream response of `data: <json>\n\n` frames, opening with a
// synthetic {"type":"connected"} frame. The connection's subscriptions are
// torn down synchronously when the client disconnects.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	filters := parseFilter(r.URL.Query().Get("filter"))
	frames := make(chan frame, s.queueSize)

	var unsubs []eventbus.UnsubscribeFunc
	for _, topic := range whitelistedTopics {
		if !matchesFilter(topic, filters) {
			continue
		}
		t := topic
		unsubs = append(unsubs, s.bus.Subscribe(t, func(payload any) {
			select {
			case frames <- newFrame(t, payload):
			default:
				// Queue full: drop the newest frame rather than block the
				// emitter. The client is already behind.
			}
		}))
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	if !writeFrame(w, flusher, frame{"type": "connected"}) {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if !writeFrame(w, flusher, f) {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, f frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
