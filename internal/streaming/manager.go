// Package streaming fans run progress out to live subscribers and an optional
// durable sink.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metrics"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/pipeline"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// Event types.
const (
	EventStage    = "stage"
	EventTimeline = "timeline"
	EventDone     = "done"
	EventError    = "error"
)

const (
	defaultCapacity     = 256
	defaultRetainedRuns = 100
	sinkWriteTimeout    = 2 * time.Second
)

// Event is one progress message of a run.
type Event struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Stage     state.StageName `json:"stage,omitempty"`
	Status    state.Status    `json:"status,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Revision  int             `json:"revision,omitempty"`
	Timeline  []Step          `json:"timeline,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink persists published events outside the process.
type Sink interface {
	Write(ctx context.Context, evt Event) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink mirrors every published event to sink.
func WithSink(sink Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithRetainedRuns sets how many finished runs keep their replay history.
func WithRetainedRuns(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// WithDescriber sets how stages are titled and summarised.
func WithDescriber(d Describer) Option {
	return func(m *Manager) { m.describer = d }
}

// Manager provides in-memory pub/sub for run events with per-run replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-run ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	trackers map[string]*Tracker
	capacity int
	// finished run ids, oldest first; only these are evicted
	finished []string
	retain   int

	describer Describer
	sink      Sink
	logger    *zap.Logger
}

// NewManager creates a manager keeping up to capacity events per run.
func NewManager(capacity int, logger *zap.Logger, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		trackers:    make(map[string]*Tracker),
		capacity:    capacity,
		retain:      defaultRetainedRuns,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Describer returns the stage describer used for timelines.
func (m *Manager) Describer() Describer { return m.describer }

// Subscribe adds a subscriber channel for runID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish sends an event to all subscribers of runID (non-blocking) and
// returns it with its sequence number.
func (m *Manager) Publish(runID string, evt Event) Event {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	m.mu.Unlock()

	// Unsubscribe closes channels under the write lock, so sends hold the read lock.
	m.mu.RLock()
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
	m.mu.RUnlock()

	if m.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := m.sink.Write(ctx, evt); err != nil {
			m.logger.Warn("Progress sink write failed",
				zap.String("run_id", runID),
				zap.Uint64("seq", evt.Seq),
				zap.Error(err),
			)
		}
		cancel()
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// PublishSnapshot publishes the timeline of rs when it changed since the last
// snapshot of the same run.
func (m *Manager) PublishSnapshot(rs *state.RunState) (Event, bool) {
	m.mu.Lock()
	tr := m.trackers[rs.RunID]
	if tr == nil {
		tr = NewTracker(m.describer)
		m.trackers[rs.RunID] = tr
	}
	m.mu.Unlock()

	steps, changed := tr.Next(rs)
	if !changed {
		return Event{}, false
	}
	return m.Publish(rs.RunID, Event{Type: EventTimeline, Timeline: steps}), true
}

// Finish publishes the terminal event of a run and releases its tracker. The
// replay history is kept for late subscribers until more than the retained
// number of runs have finished after it.
func (m *Manager) Finish(runID string, err error) Event {
	m.mu.Lock()
	delete(m.trackers, runID)
	m.mu.Unlock()

	var evt Event
	if err != nil {
		evt = m.Publish(runID, Event{Type: EventError, Message: err.Error()})
	} else {
		evt = m.Publish(runID, Event{Type: EventDone})
	}

	m.mu.Lock()
	m.finished = append(m.finished, runID)
	for len(m.finished) > m.retain {
		delete(m.history, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
	return evt
}

// Forget drops the replay history of a run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	delete(m.trackers, runID)
	for i, id := range m.finished {
		if id == runID {
			m.finished = append(m.finished[:i], m.finished[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// Retained returns the number of runs holding replay history.
func (m *Manager) Retained() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

// Observer returns a pipeline observer publishing one event per log record.
func (m *Manager) Observer() pipeline.Observer {
	return pipeline.ObserverFunc(func(runID string, rec state.StageRecord) {
		m.Publish(runID, Event{
			Type:      EventStage,
			Stage:     rec.Stage,
			Status:    rec.Status,
			Title:     m.describer.title(rec.Stage),
			Message:   rec.Message,
			Revision:  rec.Revision,
			Timestamp: rec.Timestamp,
		})
	})
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
