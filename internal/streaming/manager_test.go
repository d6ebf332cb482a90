package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.EqualValues(t, 2, evs[0].Seq)
	assert.EqualValues(t, 4, evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.EqualValues(t, 3, evs[0].Seq)
}

func TestManagerPublishAndReplay(t *testing.T) {
	m := NewManager(5, zaptest.NewLogger(t))
	ch := m.Subscribe("run-1", 10)

	for i := 0; i < 7; i++ {
		m.Publish("run-1", Event{Type: EventStage})
	}
	m.Publish("run-2", Event{Type: EventStage})

	for i := 0; i < 7; i++ {
		select {
		case e := <-ch:
			assert.EqualValues(t, i+1, e.Seq)
			assert.Equal(t, "run-1", e.RunID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}

	evs := m.ReplaySince("run-1", 3)
	require.Len(t, evs, 4)
	for _, e := range evs {
		assert.Greater(t, e.Seq, uint64(3))
	}
	assert.Len(t, m.ReplaySince("run-2", 0), 1)
	assert.Nil(t, m.ReplaySince("unknown", 0))

	m.Unsubscribe("run-1", ch)
	_, open := <-ch
	assert.False(t, open)
	// a second unsubscribe is a no-op
	m.Unsubscribe("run-1", ch)
}

func TestManagerDropsForSlowSubscriber(t *testing.T) {
	m := NewManager(10, zaptest.NewLogger(t))
	ch := m.Subscribe("run", 1)
	defer m.Unsubscribe("run", ch)

	m.Publish("run", Event{Type: EventStage})
	m.Publish("run", Event{Type: EventStage})

	assert.Len(t, ch, 1)
	assert.Len(t, m.ReplaySince("run", 0), 2)
}

type memorySink struct{ events []Event }

func (s *memorySink) Write(_ context.Context, evt Event) error {
	s.events = append(s.events, evt)
	return nil
}

func TestObserverPublishesRecords(t *testing.T) {
	sink := &memorySink{}
	m := NewManager(10, zaptest.NewLogger(t),
		WithSink(sink),
		WithDescriber(Describer{Title: func(s state.StageName) string { return "T:" + string(s) }}),
	)

	obs := m.Observer()
	obs.OnRecord("run", state.StageRecord{Stage: state.StageReviewer, Status: state.StatusCompleted, Message: "Quality score: 80%."})

	evs := m.ReplaySince("run", 0)
	require.Len(t, evs, 1)
	assert.Equal(t, EventStage, evs[0].Type)
	assert.Equal(t, "T:reviewer", evs[0].Title)
	assert.Equal(t, "Quality score: 80%.", evs[0].Message)
	require.Len(t, sink.events, 1)
	assert.EqualValues(t, 1, sink.events[0].Seq)
}

func TestPublishSnapshotDeduplicatesTimeline(t *testing.T) {
	m := NewManager(10, zaptest.NewLogger(t))
	rs := state.NewRunState(state.Input{Question: "q"})

	rs.Append(state.StageRecord{Stage: state.StagePromptEnhancer, Status: state.StatusStarted})
	_, published := m.PublishSnapshot(rs)
	assert.False(t, published, "no terminal record yet")

	rs.Append(state.StageRecord{Stage: state.StagePromptEnhancer, Status: state.StatusCompleted})
	evt, published := m.PublishSnapshot(rs)
	require.True(t, published)
	require.Len(t, evt.Timeline, 1)

	_, published = m.PublishSnapshot(rs)
	assert.False(t, published, "same signature")

	rs.Append(state.StageRecord{Stage: state.StageLeadManager, Status: state.StatusError, Message: "boom"})
	evt, published = m.PublishSnapshot(rs)
	require.True(t, published)
	require.Len(t, evt.Timeline, 2)
	assert.Equal(t, "boom", evt.Timeline[1].Summary)

	done := m.Finish(rs.RunID, errors.New("cancelled"))
	assert.Equal(t, EventError, done.Type)
	assert.Len(t, m.ReplaySince(rs.RunID, 0), 3)

	m.Forget(rs.RunID)
	assert.Nil(t, m.ReplaySince(rs.RunID, 0))
}

func TestFinishedRunsAreEvicted(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t), WithRetainedRuns(3))
	observer := m.Observer()

	m.Publish("active", Event{Type: EventStage})
	var runs []string
	for i := 0; i < 50; i++ {
		rs := state.NewRunState(state.Input{Question: "q"})
		observer.OnRecord(rs.RunID, state.StageRecord{Stage: state.StagePromptEnhancer, Status: state.StatusStarted})
		observer.OnRecord(rs.RunID, state.StageRecord{Stage: state.StagePromptEnhancer, Status: state.StatusCompleted})
		m.Finish(rs.RunID, nil)
		runs = append(runs, rs.RunID)
	}

	assert.Equal(t, 4, m.Retained(), "three finished runs plus the active one")
	assert.Nil(t, m.ReplaySince(runs[0], 0))
	assert.Nil(t, m.ReplaySince(runs[46], 0))
	for _, id := range runs[47:] {
		evs := m.ReplaySince(id, 0)
		require.Len(t, evs, 3, id)
		assert.Equal(t, EventDone, evs[2].Type)
	}
	assert.Len(t, m.ReplaySince("active", 0), 1)

	m.Forget(runs[49])
	assert.Equal(t, 3, m.Retained())
}
