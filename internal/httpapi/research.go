package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/formatting"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metadata"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/pipeline"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/streaming"
)

const (
	maxRequestBytes   = 4 << 20
	defaultKeepRuns   = 100
	formatMarkdown    = "md"
	contentTypeJSON   = "application/json"
	contentTypeMD     = "text/markdown; charset=utf-8"
	contentTypeStream = "text/event-stream"
)

// Runner executes research runs. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, in state.Input) (*state.RunState, error)
	Stream(ctx context.Context, in state.Input) iter.Seq2[*state.RunState, error]
}

// ResearchHandler serves the research endpoints.
type ResearchHandler struct {
	runner Runner
	mgr    *streaming.Manager
	runs   *runStore
	logger *zap.Logger
}

func NewResearchHandler(runner Runner, mgr *streaming.Manager, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{runner: runner, mgr: mgr, runs: newRunStore(defaultKeepRuns), logger: logger}
}

// RegisterRoutes registers the research routes on the provided mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/research", instrument("research", h.handleRun))
	mux.HandleFunc("POST /v1/research/stream", instrument("research_stream", h.handleStream))
	mux.HandleFunc("GET /v1/research/{id}", instrument("research_get", h.handleGet))
	mux.HandleFunc("GET /v1/research/{id}/timeline", instrument("research_timeline", h.handleTimeline))
}

type researchRequest struct {
	Question json.RawMessage    `json:"question"`
	Profile  *state.UserProfile `json:"profile,omitempty"`
	Files    []state.UserFile   `json:"files,omitempty"`
}

type researchResponse struct {
	RunID       string                 `json:"run_id"`
	Error       string                 `json:"error,omitempty"`
	Deliverable *state.Deliverable     `json:"deliverable,omitempty"`
	Review      *state.Review          `json:"review,omitempty"`
	Log         []state.StageRecord    `json:"execution_log"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func decodeInput(r *http.Request) (state.Input, error) {
	var req researchRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return state.Input{}, fmt.Errorf("%w: %v", state.ErrInvalidInput, err)
	}
	question, err := state.NormalizeQuestion(req.Question)
	if err != nil {
		return state.Input{}, err
	}
	in := state.Input{Question: question, Profile: req.Profile, Files: req.Files}
	if err := in.Validate(); err != nil {
		return state.Input{}, err
	}
	return in, nil
}

func response(rs *state.RunState, err error) researchResponse {
	resp := researchResponse{
		RunID:       rs.RunID,
		Deliverable: rs.Deliverable(),
		Review:      rs.Review(),
		Log:         rs.Log,
		Metadata:    metadata.AggregateRunMetadata(rs),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// statusFor maps a fatal run error to an HTTP status. Partial state is still returned.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, state.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleRun: POST /v1/research[?format=md]
func (h *ResearchHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rs, err := h.runner.Run(r.Context(), in)
	if rs == nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.runs.put(rs)
	h.mgr.Finish(rs.RunID, err)
	if err != nil {
		h.logger.Warn("Research run ended early", zap.String("run_id", rs.RunID), zap.Error(err))
	}

	if r.URL.Query().Get("format") == formatMarkdown && rs.Deliverable() != nil {
		w.Header().Set("Content-Type", contentTypeMD)
		w.Header().Set("X-Run-ID", rs.RunID)
		w.WriteHeader(statusFor(err))
		_, _ = w.Write([]byte(formatting.RenderMarkdown(rs.Deliverable())))
		return
	}
	writeJSON(w, statusFor(err), response(rs, err))
}

// handleStream: POST /v1/research/stream. Emits a timeline event whenever the
// stage:status signature changes and a final result event.
func (h *ResearchHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	in, err := decodeInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var (
		last   *state.RunState
		runErr error
	)
	for rs, err := range h.runner.Stream(r.Context(), in) {
		if rs != nil {
			last = rs
			if evt, changed := h.mgr.PublishSnapshot(rs); changed {
				writeSSE(w, evt)
				flusher.Flush()
			}
		}
		if err != nil {
			runErr = err
		}
	}
	if last == nil {
		writeSSE(w, streaming.Event{Type: streaming.EventError, Message: errorText(runErr)})
		flusher.Flush()
		return
	}

	h.runs.put(last)
	done := h.mgr.Finish(last.RunID, runErr)
	writeSSE(w, done)

	payload, _ := json.Marshal(response(last, runErr))
	fmt.Fprintf(w, "event: result\ndata: %s\n\n", payload)
	flusher.Flush()
}

// handleGet: GET /v1/research/{id}[?format=md]
func (h *ResearchHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	rs, ok := h.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	if r.URL.Query().Get("format") == formatMarkdown && rs.Deliverable() != nil {
		w.Header().Set("Content-Type", contentTypeMD)
		_, _ = w.Write([]byte(formatting.RenderMarkdown(rs.Deliverable())))
		return
	}
	writeJSON(w, http.StatusOK, response(rs, nil))
}

// handleTimeline: GET /v1/research/{id}/timeline
func (h *ResearchHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	rs, ok := h.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	steps := streaming.BuildTimeline(rs, h.mgr.Describer())
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    rs.RunID,
		"timeline":  steps,
		"signature": streaming.Signature(steps),
	})
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": errorText(err)})
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// runStore keeps the most recent finished runs for lookup.
type runStore struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string]*state.RunState
}

func newRunStore(limit int) *runStore {
	return &runStore{limit: limit, runs: make(map[string]*state.RunState)}
}

func (s *runStore) put(rs *state.RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rs.RunID]; !ok {
		s.order = append(s.order, rs.RunID)
	}
	s.runs[rs.RunID] = rs
	for len(s.order) > s.limit {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *runStore) get(id string) (*state.RunState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[strings.TrimSpace(id)]
	return rs, ok
}
