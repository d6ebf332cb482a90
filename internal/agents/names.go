package agents

import (
	"fmt"
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

var titles = map[state.StageName]string{
	state.StagePromptEnhancer:    "Prompt enhancement",
	state.StageLeadManager:       "Scope planning",
	state.StageDataSourceManager: "Source management",
	state.StageDataConnector:     "Data connections",
	state.StageDataSearcher:      "Search plan",
	state.StageExpertInput:       "Expert escalation",
	state.StageDataAnalyzer:      "Analysis modelling",
	state.StageDataPresenter:     "Presentation",
	state.StageReviewer:          "Quality review",
	state.StageRenderPackager:    "Deliverable packaging",
}

// Title is the human label of a stage in progress timelines.
func Title(stage state.StageName) string {
	if t, ok := titles[stage]; ok {
		return t
	}
	return strings.ReplaceAll(string(stage), "_", " ")
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// Summarize describes what a completed stage produced, reading its slot in rs.
func Summarize(stage state.StageName, rs *state.RunState) string {
	switch stage {
	case state.StagePromptEnhancer:
		if p := rs.EnhancedPrompt(); p != nil && p.Framework != "" {
			return fmt.Sprintf("Enhanced prompt prepared using %s.", p.Framework)
		}
		return "Prompt enhancement completed."
	case state.StageLeadManager:
		if n := len(rs.Sections()); n > 0 {
			return fmt.Sprintf("Execution scope organised into %s.", plural(n, "section"))
		}
		return "Scope planning completed."
	case state.StageDataSourceManager:
		if s := rs.Sources(); s != nil && len(s.Recommended) > 0 {
			return fmt.Sprintf("Selected %s.", plural(len(s.Recommended), "preferred data source"))
		}
		return "Source curation finished."
	case state.StageDataConnector:
		if c := rs.Connections(); c != nil && len(c.Connections) > 0 {
			return fmt.Sprintf("Prepared %s for data ingestion.", plural(len(c.Connections), "connection"))
		}
		return "Data connection planning completed."
	case state.StageDataSearcher:
		plan := rs.SearchPlan()
		if plan == nil || len(plan.Tasks) == 0 {
			return "Search plan generated."
		}
		hits := 0
		for _, r := range plan.Warehouse.Results {
			if len(r.Rows) > 0 {
				hits++
			}
		}
		if hits > 0 {
			return fmt.Sprintf("Compiled %s with %s.", plural(len(plan.Tasks), "search task"), plural(hits, "warehouse result"))
		}
		return fmt.Sprintf("Compiled %s.", plural(len(plan.Tasks), "search task"))
	case state.StageExpertInput:
		if g := rs.Gaps(); g != nil && len(g.Gaps) > 0 {
			return fmt.Sprintf("Flagged %s for expert review.", plural(len(g.Gaps), "data gap"))
		}
		return "No expert escalation required."
	case state.StageDataAnalyzer:
		if a := rs.Analysis(); a != nil && len(a.Components) > 0 {
			return fmt.Sprintf("Outlined %s.", plural(len(a.Components), "analysis component"))
		}
		return "Analysis plan assembled."
	case state.StageDataPresenter:
		if p := rs.Presentation(); p != nil && len(p.Sections) > 0 {
			return fmt.Sprintf("Presentation scaffold includes %s.", plural(len(p.Sections), "section"))
		}
		return "Presentation scaffolding completed."
	case state.StageReviewer:
		if r := rs.Review(); r != nil {
			return fmt.Sprintf("Quality score: %.0f%%.", r.QualityScore*100)
		}
		return "Quality control check completed."
	case state.StageRenderPackager:
		if d := rs.Deliverable(); d != nil {
			return fmt.Sprintf("Deliverable assembled (%s) and ready for export.", plural(len(d.Sections), "section"))
		}
		return "Deliverable packaging completed."
	}
	return Title(stage) + " completed."
}
