package agents

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

func (a *Agents) review(_ context.Context, rs *state.RunState) (state.Update, error) {
	var coverage []state.SectionCoverage
	if plan := rs.SearchPlan(); plan != nil {
		coverage = plan.Coverage
	}
	gaps := 0
	if g := rs.Gaps(); g != nil {
		gaps = len(g.Gaps)
	}
	presented := 0
	if p := rs.Presentation(); p != nil {
		presented = len(p.Sections)
	}

	covered := 0
	for _, c := range coverage {
		if len(c.UnmetRequirements) == 0 {
			covered++
		}
	}
	total := max(len(coverage), 1)
	checklist := float64(covered) / float64(total)

	trusted := false
	if c := rs.Connections(); c != nil {
		for _, conn := range c.Connections {
			if conn.TrustLevel == state.TrustVerified {
				trusted = true
				break
			}
		}
	}
	formatOK := presented > 0

	gapScore := 1.0
	if gaps > 0 {
		gapScore = 0.8
	}
	quality := round2((checklist + boolScore(trusted) + boolScore(formatOK) + gapScore) / 4)

	r := &state.Review{
		ChecklistCompletion: round2(checklist),
		DataGapsIdentified:  gaps > 0,
		TrustedSourcesUsed:  trusted,
		FormatCorrect:       formatOK,
		QualityScore:        quality,
		RevisionsNeeded:     []string{},
	}
	if checklist < 1 {
		r.RevisionsNeeded = append(r.RevisionsNeeded, "Resolve outstanding checklist items before final sign-off.")
	}
	if gaps > 0 {
		r.RevisionsNeeded = append(r.RevisionsNeeded, "Coordinate with expert community to address flagged data gaps.")
	}
	if !formatOK {
		r.RevisionsNeeded = append(r.RevisionsNeeded, "Populate executive summary and analytical sections before release.")
	}

	a.logger.Info("Quality review completed",
		zap.String("run_id", rs.RunID),
		zap.Float64("quality_score", quality),
		zap.Int("revisions_needed", len(r.RevisionsNeeded)),
	)
	return state.Update{
		Stage:   state.StageReviewer,
		Output:  r,
		Message: fmt.Sprintf("Quality score: %.0f%%.", quality*100),
	}, nil
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
