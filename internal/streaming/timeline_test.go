package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

func TestBuildTimeline(t *testing.T) {
	rs := state.NewRunState(state.Input{Question: "q"})
	rs.Append(state.StageRecord{Stage: state.StagePromptEnhancer, Status: state.StatusStarted})
	rs.Append(state.StageRecord{Stage: state.StagePromptEnhancer, Status: state.StatusCompleted, Message: "done"})
	rs.Append(state.StageRecord{Stage: state.StageDataConnector, Status: state.StatusError, Message: strings.Repeat("x", 3000)})

	d := Describer{
		Title:     func(s state.StageName) string { return "Title " + string(s) },
		Summarize: func(s state.StageName, _ *state.RunState) string { return "Summary " + string(s) },
	}
	steps := BuildTimeline(rs, d)
	require.Len(t, steps, 2)

	assert.Equal(t, "Title prompt_enhancer", steps[0].Title)
	assert.Equal(t, "Summary prompt_enhancer", steps[0].Summary)
	assert.Equal(t, "done", steps[0].Details)

	assert.Equal(t, state.StatusError, steps[1].Status)
	assert.LessOrEqual(t, len(steps[1].Details), maxDetailsChars+len("..."))

	assert.Equal(t, "prompt_enhancer:completed|data_connector:error", Signature(steps))
}

func TestBuildTimelineWithoutDescriber(t *testing.T) {
	rs := state.NewRunState(state.Input{Question: "q"})
	rs.Append(state.StageRecord{Stage: state.StageDataSearcher, Status: state.StatusCompleted, Message: "Prepared 3 search tasks."})

	steps := BuildTimeline(rs, Describer{})
	require.Len(t, steps, 1)
	assert.Equal(t, "data searcher", steps[0].Title)
	assert.Equal(t, "Prepared 3 search tasks.", steps[0].Summary)
}
