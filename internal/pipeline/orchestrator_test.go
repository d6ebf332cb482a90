package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

var order = []state.StageName{
	state.StagePromptEnhancer,
	state.StageLeadManager,
	state.StageDataSourceManager,
	state.StageDataConnector,
	state.StageDataSearcher,
	state.StageExpertInput,
	state.StageDataAnalyzer,
	state.StageDataPresenter,
	state.StageReviewer,
	state.StageRenderPackager,
}

func emptyOutput(name state.StageName) state.Output {
	switch name {
	case state.StagePromptEnhancer:
		return &state.EnhancedPrompt{}
	case state.StageLeadManager:
		return &state.ScopePlan{}
	case state.StageDataSourceManager:
		return &state.SourceSelection{}
	case state.StageDataConnector:
		return &state.ConnectionSummary{}
	case state.StageDataSearcher:
		return &state.SearchPlan{}
	case state.StageExpertInput:
		return &state.GapSummary{}
	case state.StageDataAnalyzer:
		return &state.AnalysisSummary{}
	case state.StageDataPresenter:
		return &state.Presentation{}
	case state.StageReviewer:
		return &state.Review{QualityScore: 1}
	default:
		return &state.Deliverable{}
	}
}

func stub(name state.StageName) Stage {
	return New(name, func(context.Context, *state.RunState) (state.Update, error) {
		return state.Update{Output: emptyOutput(name)}, nil
	})
}

func newTestOrchestrator(t *testing.T, overrides map[state.StageName]Stage, opts ...Option) *Orchestrator {
	t.Helper()
	stages := make([]Stage, 0, len(order))
	for _, name := range order {
		if s, ok := overrides[name]; ok {
			stages = append(stages, s)
			continue
		}
		stages = append(stages, stub(name))
	}
	def, err := NewDefinition(stages, opts...)
	require.NoError(t, err)
	return NewOrchestrator(def, zaptest.NewLogger(t))
}

var testInput = state.Input{Question: "Porter's Five Forces for EV batteries in Europe"}

func TestRunRecordsEveryStageInOrder(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	st, err := o.Run(context.Background(), testInput)
	require.NoError(t, err)
	require.Len(t, st.Log, 2*len(order))

	for i, name := range order {
		started, done := st.Log[2*i], st.Log[2*i+1]
		assert.Equal(t, name, started.Stage)
		assert.Equal(t, state.StatusStarted, started.Status)
		assert.Equal(t, name, done.Stage)
		assert.Equal(t, state.StatusCompleted, done.Status)
		assert.NotEmpty(t, done.OutputDigest)
		assert.False(t, done.Timestamp.Before(started.Timestamp))
	}
	assert.Equal(t, state.StageRenderPackager, st.CurrentStage)
	assert.NotNil(t, st.Deliverable())
}

func TestRunRejectsInvalidInputBeforeAnyStage(t *testing.T) {
	called := false
	o := newTestOrchestrator(t, map[state.StageName]Stage{
		state.StagePromptEnhancer: New(state.StagePromptEnhancer, func(context.Context, *state.RunState) (state.Update, error) {
			called = true
			return state.Update{Output: &state.EnhancedPrompt{}}, nil
		}),
	})

	st, err := o.Run(context.Background(), state.Input{Question: "  "})
	require.ErrorIs(t, err, state.ErrInvalidInput)
	assert.Nil(t, st)
	assert.False(t, called)
}

func TestStageErrorIsContainedAndRunContinues(t *testing.T) {
	o := newTestOrchestrator(t, map[state.StageName]Stage{
		state.StageDataSearcher: New(state.StageDataSearcher, func(context.Context, *state.RunState) (state.Update, error) {
			return state.Update{}, errors.New("search backend unreachable")
		}),
		state.StageExpertInput: New(state.StageExpertInput, func(context.Context, *state.RunState) (state.Update, error) {
			panic("boom")
		}),
	})

	st, err := o.Run(context.Background(), testInput)
	require.NoError(t, err)

	statuses := map[state.StageName]state.Status{}
	for _, rec := range st.Log {
		if rec.Status.Terminal() {
			statuses[rec.Stage] = rec.Status
		}
	}
	assert.Equal(t, state.StatusError, statuses[state.StageDataSearcher])
	assert.Equal(t, state.StatusError, statuses[state.StageExpertInput])
	assert.Equal(t, state.StatusCompleted, statuses[state.StageRenderPackager])
	assert.False(t, st.Has(state.StageDataSearcher))
	assert.True(t, st.Has(state.StageDataAnalyzer))
}

func TestForeignSlotWriteIsRejected(t *testing.T) {
	o := newTestOrchestrator(t, map[state.StageName]Stage{
		state.StagePromptEnhancer: New(state.StagePromptEnhancer, func(context.Context, *state.RunState) (state.Update, error) {
			return state.Update{Output: &state.EnhancedPrompt{Sector: "Automotive"}}, nil
		}),
		state.StageLeadManager: New(state.StageLeadManager, func(context.Context, *state.RunState) (state.Update, error) {
			return state.Update{Output: &state.EnhancedPrompt{Sector: "Hijacked"}}, nil
		}),
	})

	st, err := o.Run(context.Background(), testInput)
	require.NoError(t, err)
	assert.Equal(t, "Automotive", st.EnhancedPrompt().Sector)
	assert.False(t, st.Has(state.StageLeadManager))

	var leadRecord state.StageRecord
	for _, rec := range st.Log {
		if rec.Stage == state.StageLeadManager && rec.Status.Terminal() {
			leadRecord = rec
		}
	}
	assert.Equal(t, state.StatusError, leadRecord.Status)
	assert.Contains(t, leadRecord.Message, "foreign")
}

func TestCancelDuringStageAppendsCancelledRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newTestOrchestrator(t, map[state.StageName]Stage{
		state.StageDataSearcher: New(state.StageDataSearcher, func(ctx context.Context, _ *state.RunState) (state.Update, error) {
			cancel()
			<-ctx.Done()
			return state.Update{}, ctx.Err()
		}),
	})

	st, err := o.Run(ctx, testInput)
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, st)

	last, ok := st.LastRecord()
	require.True(t, ok)
	assert.Equal(t, state.StageDataSearcher, last.Stage)
	assert.Equal(t, state.StatusCancelled, last.Status)
	for _, rec := range st.Log {
		assert.NotEqual(t, state.StageExpertInput, rec.Stage)
	}
	assert.True(t, st.Has(state.StageDataConnector))
}

func TestCancelBeforeRunStartsNoStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := newTestOrchestrator(t, nil).Run(ctx, testInput)
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, st)
	require.Len(t, st.Log, 1)
	assert.Equal(t, state.StagePromptEnhancer, st.Log[0].Stage)
	assert.Equal(t, state.StatusCancelled, st.Log[0].Status)
	assert.False(t, st.Has(state.StagePromptEnhancer))
}

func TestCancelBetweenStagesAppendsCancelledRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stages := make([]Stage, 0, len(order))
	for _, name := range order {
		stages = append(stages, stub(name))
	}
	def, err := NewDefinition(stages)
	require.NoError(t, err)
	o := NewOrchestrator(def, zaptest.NewLogger(t), ObserverFunc(func(_ string, rec state.StageRecord) {
		if rec.Stage == state.StageLeadManager && rec.Status == state.StatusCompleted {
			cancel()
		}
	}))

	st, err := o.Run(ctx, testInput)
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, st)

	last, ok := st.LastRecord()
	require.True(t, ok)
	assert.Equal(t, state.StageDataSourceManager, last.Stage)
	assert.Equal(t, state.StatusCancelled, last.Status)
	assert.Equal(t, "run cancelled", last.Message)
	for _, rec := range st.Log {
		if rec.Stage == state.StageDataSourceManager {
			assert.Equal(t, state.StatusCancelled, rec.Status)
		}
	}
	assert.Len(t, st.Log, 5)
}

func TestStreamCancelledBetweenPullsEndsWithMarker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newTestOrchestrator(t, nil)

	var (
		pulled int
		last   *state.RunState
		errs   []error
	)
	for snap, err := range o.Stream(ctx, testInput) {
		pulled++
		last = snap
		if err != nil {
			errs = append(errs, err)
		}
		if pulled == 2 {
			cancel()
		}
	}

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCancelled)
	require.NotNil(t, last)
	rec, ok := last.LastRecord()
	require.True(t, ok)
	assert.Equal(t, state.StageDataSourceManager, rec.Stage)
	assert.Equal(t, state.StatusCancelled, rec.Status)
	assert.Len(t, last.Log, 5)
	assert.False(t, last.Has(state.StageDataSourceManager))
}

func TestRecursionGuardStopsRunawayRevisions(t *testing.T) {
	o := newTestOrchestrator(t, nil, WithRetryEdge(RetryEdge{
		From:         state.StageReviewer,
		To:           state.StageDataAnalyzer,
		MaxRevisions: 1000,
		ShouldRetry:  func(*state.RunState) bool { return true },
	}))

	st, err := o.Run(context.Background(), testInput)
	require.ErrorIs(t, err, ErrRecursionLimit)
	require.NotNil(t, st)

	started := 0
	for _, rec := range st.Log {
		if rec.Status == state.StatusStarted {
			started++
		}
	}
	assert.Equal(t, DefaultMaxExecutions, started)
}

func TestRetryEdgeReentersAnalyzer(t *testing.T) {
	reviews := 0
	reviewer := New(state.StageReviewer, func(context.Context, *state.RunState) (state.Update, error) {
		reviews++
		score := 0.5
		if reviews > 1 {
			score = 0.9
		}
		return state.Update{Output: &state.Review{QualityScore: score}}, nil
	})
	analyzerRuns := 0
	analyzer := New(state.StageDataAnalyzer, func(_ context.Context, st *state.RunState) (state.Update, error) {
		analyzerRuns++
		return state.Update{Output: &state.AnalysisSummary{Revision: len(st.Revisions)}}, nil
	})

	o := newTestOrchestrator(t,
		map[state.StageName]Stage{state.StageReviewer: reviewer, state.StageDataAnalyzer: analyzer},
		WithRetryEdge(RetryEdge{
			From:         state.StageReviewer,
			To:           state.StageDataAnalyzer,
			MaxRevisions: 2,
			ShouldRetry:  QualityBelow(0.8),
		}),
	)

	st, err := o.Run(context.Background(), testInput)
	require.NoError(t, err)
	assert.Equal(t, 2, analyzerRuns)
	assert.Equal(t, 2, reviews)
	require.Len(t, st.Revisions, 1)
	assert.Contains(t, st.Revisions[0].Outputs, state.StageReviewer)
	assert.Equal(t, 1, st.Analysis().Revision)
	assert.InDelta(t, 0.9, st.Review().QualityScore, 1e-9)

	last, _ := st.LastRecord()
	assert.Equal(t, 1, last.Revision)
}

func TestRetryEdgeIsInertWithZeroRevisions(t *testing.T) {
	reviewer := New(state.StageReviewer, func(context.Context, *state.RunState) (state.Update, error) {
		return state.Update{Output: &state.Review{QualityScore: 0.2}}, nil
	})
	o := newTestOrchestrator(t,
		map[state.StageName]Stage{state.StageReviewer: reviewer},
		WithRetryEdge(RetryEdge{From: state.StageReviewer, To: state.StageDataAnalyzer, ShouldRetry: QualityBelow(0.8)}),
	)

	st, err := o.Run(context.Background(), testInput)
	require.NoError(t, err)
	assert.Len(t, st.Log, 2*len(order))
	assert.Empty(t, st.Revisions)
}

func TestCriticalStageFailureEndsRun(t *testing.T) {
	o := newTestOrchestrator(t,
		map[state.StageName]Stage{
			state.StageLeadManager: New(state.StageLeadManager, func(context.Context, *state.RunState) (state.Update, error) {
				return state.Update{}, errors.New("no scope")
			}),
		},
		WithCriticalStages(state.StageLeadManager),
	)

	st, err := o.Run(context.Background(), testInput)
	require.ErrorIs(t, err, ErrCriticalStage)
	require.NotNil(t, st)
	last, _ := st.LastRecord()
	assert.Equal(t, state.StageLeadManager, last.Stage)
	assert.Equal(t, state.StatusError, last.Status)
}

func TestStreamYieldsOneSnapshotPerTransition(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	var snaps []*state.RunState
	for snap, err := range o.Stream(context.Background(), testInput) {
		require.NoError(t, err)
		snaps = append(snaps, snap)
	}
	require.Len(t, snaps, len(order))
	for i, snap := range snaps {
		last, ok := snap.LastRecord()
		require.True(t, ok)
		assert.Equal(t, order[i], last.Stage)
		assert.True(t, last.Status.Terminal())
		assert.Len(t, snap.Log, 2*(i+1))
	}
}

func TestStreamIsLazyAndStopsOnBreak(t *testing.T) {
	var mu sync.Mutex
	ran := map[state.StageName]bool{}
	overrides := map[state.StageName]Stage{}
	for _, name := range order {
		overrides[name] = New(name, func(context.Context, *state.RunState) (state.Update, error) {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return state.Update{Output: emptyOutput(name)}, nil
		})
	}
	o := newTestOrchestrator(t, overrides)

	pulled := 0
	for snap, err := range o.Stream(context.Background(), testInput) {
		require.NoError(t, err)
		require.NotNil(t, snap)
		pulled++
		if pulled == 3 {
			break
		}
	}

	assert.Equal(t, 3, pulled)
	assert.True(t, ran[state.StageDataSourceManager])
	assert.False(t, ran[state.StageDataConnector])
}

func TestStreamYieldsFatalErrorOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newTestOrchestrator(t, map[state.StageName]Stage{
		state.StageLeadManager: New(state.StageLeadManager, func(context.Context, *state.RunState) (state.Update, error) {
			cancel()
			return state.Update{Output: &state.ScopePlan{}}, nil
		}),
	})

	var errs []error
	var last *state.RunState
	for snap, err := range o.Stream(ctx, testInput) {
		last = snap
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCancelled)
	rec, _ := last.LastRecord()
	assert.Equal(t, state.StatusCancelled, rec.Status)
}

func TestStreamRejectsInvalidInput(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	for snap, err := range o.Stream(context.Background(), state.Input{}) {
		assert.Nil(t, snap)
		assert.ErrorIs(t, err, state.ErrInvalidInput)
	}
}

func TestObserversSeeEveryRecord(t *testing.T) {
	var got []state.StageRecord
	def, err := NewDefinition([]Stage{stub(state.StagePromptEnhancer), stub(state.StageLeadManager)})
	require.NoError(t, err)
	o := NewOrchestrator(def, zaptest.NewLogger(t), ObserverFunc(func(_ string, rec state.StageRecord) {
		got = append(got, rec)
	}))

	st, err := o.Run(context.Background(), testInput)
	require.NoError(t, err)
	assert.Equal(t, st.Log, got)
}

func TestNewDefinitionValidation(t *testing.T) {
	_, err := NewDefinition(nil)
	assert.Error(t, err)

	_, err = NewDefinition([]Stage{stub(state.StageReviewer), stub(state.StageReviewer)})
	assert.Error(t, err)

	_, err = NewDefinition(
		[]Stage{stub(state.StageDataAnalyzer), stub(state.StageReviewer)},
		WithRetryEdge(RetryEdge{From: state.StageDataAnalyzer, To: state.StageReviewer, ShouldRetry: QualityBelow(0.8)}),
	)
	assert.Error(t, err)

	_, err = NewDefinition([]Stage{stub(state.StageReviewer)}, WithCriticalStages(state.StageLeadManager))
	assert.Error(t, err)

	def, err := NewDefinition([]Stage{stub(state.StagePromptEnhancer), stub(state.StageLeadManager)})
	require.NoError(t, err)
	assert.Equal(t, []state.StageName{state.StagePromptEnhancer, state.StageLeadManager}, def.Names())
}
