package agents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/gatherers"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/pipeline"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/websearch"
)

const evQuestion = "Porter's Five Forces for EV batteries in Europe, 2026 launch"

// topicSearcher returns two hits for queries containing topic and nothing otherwise.
type topicSearcher struct {
	topic string
	calls atomic.Int32
}

func (s *topicSearcher) Enabled() bool { return true }

func (s *topicSearcher) Search(_ context.Context, query, _ string) ([]websearch.Result, error) {
	s.calls.Add(1)
	if !strings.Contains(query, s.topic) {
		return nil, nil
	}
	return []websearch.Result{
		{Title: "EV battery market 2026", Link: "https://www.iea.org/reports/ev-batteries", Snippet: "Demand doubled"},
		{Title: "Battery makers in Europe", Link: "https://www.reuters.com/batteries", Snippet: "Capacity grows"},
	}, nil
}

// brokenWarehouse is connected but every probe fails.
type brokenWarehouse struct{ calls atomic.Int32 }

func (w *brokenWarehouse) Status() warehouse.Status {
	return warehouse.Status{State: state.WarehouseConnected}
}

func (w *brokenWarehouse) Execute(context.Context, string, []any, int) ([]warehouse.Row, error) {
	w.calls.Add(1)
	return nil, errors.New("relation does not exist")
}

func (w *brokenWarehouse) FindTables(context.Context, []string, int) ([]warehouse.Table, error) {
	return nil, nil
}

// scriptedGenerator plans two sections and writes warehouse SQL; every other
// task is unavailable so stages take their fallbacks.
func scriptedGenerator() llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, req llm.Request) (json.RawMessage, error) {
		switch req.Task {
		case "scope_plan":
			return json.Marshal(map[string]any{
				"project_title":      "EV batteries in Europe",
				"execution_strategy": "Parallel evidence gathering.",
				"sections": []map[string]any{
					{"section_id": "size", "title": "Market size", "data_requirements": []string{"Market size"}},
					{"section_id": "rivals", "title": "Competitive rivalry", "data_requirements": []string{"Market share"}, "dependencies": []string{"size"}},
				},
			})
		case "warehouse_sql":
			return json.Marshal("SELECT region, units FROM ev_sales")
		}
		return nil, llm.ErrUnavailable
	})
}

func runPipeline(t *testing.T, a *Agents, cfg config.PipelineConfig, replace ...pipeline.Stage) *state.RunState {
	t.Helper()
	stages := a.Stages()
	for _, r := range replace {
		for i, s := range stages {
			if s.Name() == r.Name() {
				stages[i] = r
			}
		}
	}
	def, err := pipeline.NewDefinition(stages, pipeline.WithRetryEdge(pipeline.RetryEdge{
		From:         state.StageReviewer,
		To:           state.StageDataAnalyzer,
		MaxRevisions: cfg.MaxRevisions,
		ShouldRetry:  pipeline.QualityBelow(cfg.QualityThreshold),
	}))
	require.NoError(t, err)

	rs, err := pipeline.NewOrchestrator(def, zaptest.NewLogger(t)).Run(context.Background(), state.Input{Question: evQuestion})
	require.NoError(t, err)
	return rs
}

func TestScenarioAllCapabilitiesUnavailable(t *testing.T) {
	a := newAgents(t, Deps{})
	rs := runPipeline(t, a, config.PipelineConfig{})

	for _, rec := range rs.Log {
		assert.NotEqual(t, state.StatusError, rec.Status, "%s: %s", rec.Stage, rec.Message)
	}
	require.True(t, rs.EnhancedPrompt().GeneratedByFallback)

	d := rs.Deliverable()
	require.NotNil(t, d)
	require.NotEmpty(t, d.Sections)
	assert.Len(t, d.Sections, len(rs.Sections()))
	for _, s := range d.Sections {
		assert.Contains(t, s.Narrative, "Pending data ingestion", s.ID)
	}
	assert.NotNil(t, d.Citations.Bibliography)
	assert.Empty(t, d.Citations.Bibliography)
	assert.Empty(t, d.Citations.Anchors)
	assert.NoError(t, d.Validate())

	plan := rs.SearchPlan()
	require.NotNil(t, plan)
	assert.Equal(t, state.WarehouseDisabled, plan.Warehouse.Status)
	for _, w := range plan.Web {
		assert.Equal(t, "none", w.Confidence)
		assert.False(t, w.Failed())
	}
}

func TestScenarioWebHitsAndWarehouseFailure(t *testing.T) {
	gen := scriptedGenerator()
	searcher := &topicSearcher{topic: "Market size"}
	wh := &brokenWarehouse{}
	g := gatherers.New(gen, searcher, wh, config.GathererConfig{MaxWarehouseProbes: 1}, zaptest.NewLogger(t))
	a := newAgents(t, Deps{Generator: gen, Gatherer: g})

	rs := runPipeline(t, a, config.PipelineConfig{})

	sections := rs.Sections()
	require.Len(t, sections, 2)
	assert.Equal(t, "section-1", sections[0].ID)
	assert.Equal(t, []string{"section-1"}, sections[1].Dependencies)
	assert.EqualValues(t, 1, wh.calls.Load())
	assert.EqualValues(t, 2, searcher.calls.Load())

	d := rs.Deliverable()
	require.NotNil(t, d)
	require.Len(t, d.Citations.Bibliography, 1)
	assert.Equal(t, "C1", d.Citations.Bibliography[0].ID)
	assert.Equal(t, "https://www.iea.org/reports/ev-batteries", d.Citations.Bibliography[0].URL)
	require.Len(t, d.Citations.Anchors, 1)
	assert.Equal(t, "section-1", d.Citations.Anchors[0].SectionID)
	assert.Equal(t, "C1", d.Citations.Anchors[0].Target)

	first := d.Sections[0]
	assert.False(t, first.Pending)
	assert.Contains(t, first.Narrative, `Warehouse probe for "Market size" failed`)
	assert.Contains(t, strings.Join(first.Summary, "\n"), "no figures reported")

	second := d.Sections[1]
	assert.Contains(t, second.Narrative, "Pending data ingestion")
	assert.NoError(t, d.Validate())
}

func TestScenarioFailingStageDegradesToPending(t *testing.T) {
	a := newAgents(t, Deps{})
	broken := pipeline.New(state.StageDataPresenter, func(context.Context, *state.RunState) (state.Update, error) {
		return state.Update{}, errors.New("presenter crashed")
	})

	rs := runPipeline(t, a, config.PipelineConfig{}, broken)

	var presenterErr, packaged bool
	for _, rec := range rs.Log {
		if rec.Stage == state.StageDataPresenter && rec.Status == state.StatusError {
			presenterErr = true
			assert.Contains(t, rec.Message, "presenter crashed")
		}
		if rec.Stage == state.StageRenderPackager && rec.Status == state.StatusCompleted {
			packaged = true
		}
	}
	assert.True(t, presenterErr)
	assert.True(t, packaged)

	d := rs.Deliverable()
	require.NotNil(t, d)
	require.NotEmpty(t, d.Sections)
	for _, s := range d.Sections {
		assert.True(t, s.Pending, s.ID)
		assert.Contains(t, s.Narrative, "pending")
		require.Len(t, s.Visuals, 1)
	}
	assert.False(t, rs.Review().FormatCorrect)
}

func TestScenarioRevisionLoopRunsOnce(t *testing.T) {
	a := newAgents(t, Deps{})
	rs := runPipeline(t, a, config.PipelineConfig{MaxRevisions: 1, QualityThreshold: 1.01})

	analyzerRuns := 0
	for _, rec := range rs.Log {
		if rec.Stage == state.StageDataAnalyzer && rec.Status == state.StatusCompleted {
			analyzerRuns++
		}
	}
	assert.Equal(t, 2, analyzerRuns)
	require.Len(t, rs.Revisions, 1)
	assert.Equal(t, 1, rs.Analysis().Revision)
	assert.NotNil(t, rs.Deliverable())
}
