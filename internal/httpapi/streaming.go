package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/streaming"
)

const heartbeatInterval = 15 * time.Second

// StreamingHandler serves the observer-facing event stream. Every event
// passes the fixed allow-list filter first; subscribers may narrow further
// with a comma-separated types parameter.
type StreamingHandler struct {
	bus    *streaming.Manager
	filter *streaming.Filter
	buffer int
	logger *zap.Logger
}

// NewStreamingHandler wires the bus and the observer filter.
func NewStreamingHandler(bus *streaming.Manager, filter *streaming.Filter, buffer int, logger *zap.Logger) *StreamingHandler {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{bus: bus, filter: filter, buffer: buffer, logger: logger}
}

// RegisterRoutes registers the stream endpoints on mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams run events via Server-Sent Events.
// GET /stream/sse?run_id=<id>[&types=a,b][&last_event_id=n]
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypes(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.bus.Subscribe(runID, h.buffer)
	defer h.bus.Unsubscribe(runID, ch)

	// Initial comment establishes the stream before any event arrives.
	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	// Replay backlog since lastID (best-effort within ring capacity).
	if lastID > 0 {
		for _, evt := range h.bus.ReplaySince(runID, lastID) {
			if h.visible(evt, typeFilter) {
				writeSSE(w, evt)
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt := <-ch:
			if !h.visible(evt, typeFilter) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			// Keeps connections alive through proxies.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// visible applies the allow-list projection first, then the subscriber's own
// type narrowing.
func (h *StreamingHandler) visible(evt streaming.Event, typeFilter map[streaming.EventType]struct{}) bool {
	if h.filter != nil && !h.filter.Allow(evt) {
		return false
	}
	if len(typeFilter) > 0 {
		if _, ok := typeFilter[evt.Type]; !ok {
			return false
		}
	}
	return true
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}

func parseTypes(s string) map[streaming.EventType]struct{} {
	if s == "" {
		return nil
	}
	out := make(map[streaming.EventType]struct{})
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[streaming.EventType(t)] = struct{}{}
		}
	}
	return out
}

// parseLastEventID honors the SSE Last-Event-ID header with a query-param
// fallback for clients that cannot set headers.
func parseLastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
