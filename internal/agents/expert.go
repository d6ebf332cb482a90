package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const escalationAction = "Escalate to subject-matter expert or internal knowledge base to source the missing metrics."

func (a *Agents) flagGaps(_ context.Context, rs *state.RunState) (state.Update, error) {
	summary := &state.GapSummary{Gaps: []state.DataGap{}}

	if plan := rs.SearchPlan(); plan != nil {
		for _, c := range plan.Coverage {
			if len(c.UnmetRequirements) == 0 {
				continue
			}
			summary.Gaps = append(summary.Gaps, state.DataGap{
				ID:                fmt.Sprintf("gap-%d", len(summary.Gaps)+1),
				SectionID:         c.SectionID,
				Description:       fmt.Sprintf("Missing data for section %q (%s).", c.SectionTitle, strings.Join(c.UnmetRequirements, ", ")),
				RecommendedAction: escalationAction,
				Priority:          state.PriorityHigh,
			})
		}
	}

	msg := "No expert escalation required."
	if n := len(summary.Gaps); n == 0 {
		summary.Notes = []string{"Current search plan covers all checklist requirements. Expert input optional at this stage."}
	} else {
		summary.Notes = []string{
			fmt.Sprintf("Identified %s.", plural(n, "high-priority gap")),
			"Document outstanding questions for a later expert community handoff.",
		}
		msg = fmt.Sprintf("Flagged %s.", plural(n, "potential expert follow-up"))
	}
	return state.Update{Stage: state.StageExpertInput, Output: summary, Message: msg}, nil
}
