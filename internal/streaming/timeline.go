package streaming

import (
	"strings"
	"time"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/util"
)

const maxDetailsChars = 2000

// Step is one entry of the human-readable progress timeline.
type Step struct {
	Stage     state.StageName `json:"agent"`
	Title     string          `json:"title"`
	Status    state.Status    `json:"status"`
	Summary   string          `json:"summary"`
	Details   string          `json:"details,omitempty"`
	Revision  int             `json:"revision,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Describer names stages and summarises their outputs for the timeline.
type Describer struct {
	Title     func(state.StageName) string
	Summarize func(state.StageName, *state.RunState) string
}

func (d Describer) title(stage state.StageName) string {
	if d.Title != nil {
		return d.Title(stage)
	}
	return strings.ReplaceAll(string(stage), "_", " ")
}

// BuildTimeline maps the terminal log records of rs to timeline steps.
func BuildTimeline(rs *state.RunState, d Describer) []Step {
	steps := make([]Step, 0, len(rs.Log))
	for _, rec := range rs.Log {
		if !rec.Status.Terminal() {
			continue
		}
		step := Step{
			Stage:     rec.Stage,
			Title:     d.title(rec.Stage),
			Status:    rec.Status,
			Revision:  rec.Revision,
			Timestamp: rec.Timestamp,
		}
		switch {
		case rec.Status != state.StatusCompleted:
			step.Summary = rec.Message
		case d.Summarize != nil:
			step.Summary = d.Summarize(rec.Stage, rs)
		default:
			step.Summary = rec.Message
		}
		if msg := strings.TrimSpace(rec.Message); msg != "" {
			step.Details = util.TruncateString(msg, maxDetailsChars, false)
		}
		steps = append(steps, step)
	}
	return steps
}

// Signature identifies a timeline by the stage:status of each step.
func Signature(steps []Step) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = string(s.Stage) + ":" + string(s.Status)
	}
	return strings.Join(parts, "|")
}

// Tracker emits a timeline only when its signature changes. One Tracker serves one run.
type Tracker struct {
	describer Describer
	last      string
}

func NewTracker(d Describer) *Tracker {
	return &Tracker{describer: d}
}

// Next returns the timeline of rs and whether it differs from the previous one.
func (t *Tracker) Next(rs *state.RunState) ([]Step, bool) {
	steps := BuildTimeline(rs, t.describer)
	if len(steps) == 0 {
		return nil, false
	}
	sig := Signature(steps)
	if sig == t.last {
		return nil, false
	}
	t.last = sig
	return steps, true
}
