package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/streaming"
)

const (
	subscriberBuffer = 256
	heartbeatEvery   = 15 * time.Second
)

// Replayer serves events that fell out of the in-memory history.
type Replayer interface {
	ReadSince(ctx context.Context, runID string, since uint64) ([]streaming.Event, error)
}

// StreamingHandler serves SSE and WebSocket endpoints for run events.
type StreamingHandler struct {
	mgr      *streaming.Manager
	replayer Replayer
	logger   *zap.Logger
}

// NewStreamingHandler creates the handler. replayer may be nil.
func NewStreamingHandler(mgr *streaming.Manager, replayer Replayer, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, replayer: replayer, logger: logger}
}

// RegisterRoutes registers SSE routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/research/events", instrument("events_sse", h.handleSSE))
	h.RegisterWebSocket(mux)
}

type streamParams struct {
	runID      string
	lastID     uint64
	replay     bool
	typeFilter map[string]struct{}
}

func parseStreamParams(r *http.Request) streamParams {
	p := streamParams{runID: strings.TrimSpace(r.URL.Query().Get("run_id")), typeFilter: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.typeFilter[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query param; last_event_id=0 replays everything.
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID, p.replay = n, true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && !p.replay {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastID, p.replay = n, true
		}
	}
	return p
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.typeFilter) == 0 {
		return true
	}
	_, ok := p.typeFilter[evt.Type]
	return ok
}

// backlog returns replayable events after lastID, falling back to the durable sink.
func (h *StreamingHandler) backlog(ctx context.Context, p streamParams) []streaming.Event {
	if !p.replay {
		return nil
	}
	events := h.mgr.ReplaySince(p.runID, p.lastID)
	if len(events) > 0 || h.replayer == nil {
		return events
	}
	stored, err := h.replayer.ReadSince(ctx, p.runID, p.lastID)
	if err != nil {
		h.logger.Warn("Durable replay failed", zap.String("run_id", p.runID), zap.Error(err))
		return nil
	}
	return stored
}

// handleSSE streams events for a run via Server-Sent Events.
// GET /v1/research/events?run_id=<id>[&last_event_id=<seq>][&types=stage,done]
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", contentTypeStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(p.runID, subscriberBuffer)
	defer h.mgr.Unsubscribe(p.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", p.runID)
	flusher.Flush()

	// Events already replayed are skipped when they also arrive live.
	var sent uint64
	for _, ev := range h.backlog(r.Context(), p) {
		if ev.Seq > sent {
			sent = ev.Seq
		}
		if !p.wants(ev) {
			continue
		}
		writeSSE(w, ev)
		if terminal(ev) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(heartbeatEvery)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("run_id", p.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= sent || !p.wants(evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if terminal(evt) {
				return
			}
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func terminal(evt streaming.Event) bool {
	return evt.Type == streaming.EventDone || evt.Type == streaming.EventError
}
