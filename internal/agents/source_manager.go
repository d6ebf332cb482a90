package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/policy"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/sources"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// maxRecommended caps the preferred list; further admitted sources are supplementary.
const maxRecommended = 5

func (a *Agents) selectSources(ctx context.Context, rs *state.RunState) (state.Update, error) {
	prompt := a.promptOf(rs)
	geography := prompt.Geography
	if geography == "" {
		geography = "Global"
	}
	trustedOnly := rs.Input.Profile != nil && rs.Input.Profile.TrustedSourcesOnly

	sel := &state.SourceSelection{
		Sector:             prompt.Sector,
		Function:           prompt.Function,
		Geography:          geography,
		TrustedSourcesOnly: trustedOnly,
		Recommended:        []state.RankedSource{},
		Supplementary:      []state.RankedSource{},
		Excluded:           []state.ExcludedSource{},
	}

	request := policy.RequestInput{
		Sector:             prompt.Sector,
		Function:           prompt.Function,
		Geography:          geography,
		TrustedSourcesOnly: trustedOnly,
	}

	for _, m := range a.catalog.Rank(sources.Query{Sector: prompt.Sector, Function: prompt.Function, Geography: geography}) {
		if err := ctx.Err(); err != nil {
			return state.Update{}, err
		}
		tier, reason := a.admit(ctx, rs.RunID, m.Source, request)

		ranked := m.Ranked()
		switch tier {
		case policy.TierRecommended:
			if len(sel.Recommended) < maxRecommended {
				sel.Recommended = append(sel.Recommended, ranked)
			} else {
				sel.Supplementary = append(sel.Supplementary, ranked)
			}
		case policy.TierSupplementary:
			sel.Supplementary = append(sel.Supplementary, ranked)
		default:
			sel.Excluded = append(sel.Excluded, state.ExcludedSource{
				ID:         m.Source.ID,
				Name:       m.Source.Name,
				TrustLevel: m.Source.TrustLevel,
				Reason:     reason,
			})
		}
	}

	sel.Notes = append(sel.Notes, fmt.Sprintf("Source admission policy mode: %s.", a.policy.Mode()))
	if trustedOnly {
		sel.Notes = append(sel.Notes, "Only verified sources were admitted as requested.")
	}
	if n := len(sel.Excluded); n > 0 {
		sel.Notes = append(sel.Notes, fmt.Sprintf("%s excluded by policy.", plural(n, "source")))
	}

	a.logger.Debug("Sources selected",
		zap.String("run_id", rs.RunID),
		zap.Int("recommended", len(sel.Recommended)),
		zap.Int("supplementary", len(sel.Supplementary)),
		zap.Int("excluded", len(sel.Excluded)),
	)
	return state.Update{
		Stage:   state.StageDataSourceManager,
		Output:  sel,
		Message: fmt.Sprintf("Selected %s.", plural(len(sel.Recommended), "preferred data source")),
	}, nil
}

// admit runs the source through the admission policy. An allow without a tier
// (policy off or not loaded) places the source by trust level, still honouring
// trusted-sources-only.
func (a *Agents) admit(ctx context.Context, runID string, src sources.Source, req policy.RequestInput) (policy.Tier, string) {
	decision, err := a.policy.Evaluate(ctx, &policy.Input{
		RunID: runID,
		Source: policy.SourceInput{
			ID:           src.ID,
			Name:         src.Name,
			TrustLevel:   src.TrustLevel,
			Type:         src.Type,
			RequiresAuth: src.RequiresAuth,
			Geographies:  src.Geographies,
		},
		Request: req,
	})
	if err != nil {
		a.logger.Warn("Source policy evaluation failed",
			zap.String("run_id", runID),
			zap.String("source", src.ID),
			zap.Error(err),
		)
		return policy.TierExcluded, "policy evaluation failed"
	}
	if !decision.Allow {
		return policy.TierExcluded, decision.Reason
	}
	if decision.Tier != "" {
		return decision.Tier, decision.Reason
	}

	if req.TrustedSourcesOnly && src.TrustLevel != "high" {
		return policy.TierExcluded, "trusted sources only: source is not verified"
	}
	if src.TrustLevel == "high" {
		return policy.TierRecommended, ""
	}
	return policy.TierSupplementary, ""
}
