package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const maxKeyFindings = 3

var (
	placeholderFindings = []string{
		"Highlight top three quantitative signals once analysis is complete.",
		"Surface qualitative themes that reinforce or challenge the data.",
	}
	defaultAppendices = []string{
		"List of data sources with access notes.",
		"Methodology and assumptions log.",
		"Outstanding data gaps or expert follow-up actions.",
	}
)

const (
	presenterNextSteps = "Convert preliminary findings into visuals (charts/tables) and draft narrative paragraphs for review."
	draftSummary       = "Draft concise executive summary once analyses finalize: capture market context, momentum indicators, and recommended actions."
)

func (a *Agents) present(_ context.Context, rs *state.RunState) (state.Update, error) {
	analysis := rs.Analysis()
	plan := rs.SearchPlan()

	p := &state.Presentation{
		ExecutiveSummary: draftSummary,
		Sections:         []state.PresentationSection{},
		Appendices:       append([]string(nil), defaultAppendices...),
	}
	if analysis == nil {
		return state.Update{Stage: state.StageDataPresenter, Output: p, Message: "Presentation scaffolding completed."}, nil
	}

	evidenced := 0
	for _, c := range analysis.Components {
		findings, failures := keyFindings(plan, c.SectionID)
		if len(findings) == 0 {
			findings = append([]string(nil), placeholderFindings...)
		} else {
			evidenced++
		}
		findings = append(findings, failures...)
		p.Sections = append(p.Sections, state.PresentationSection{
			SectionID:      c.SectionID,
			Title:          c.Title,
			KeyFindings:    findings,
			SupportingData: append([]string{}, c.Inputs...),
			NextSteps:      presenterNextSteps,
		})
	}

	if evidenced > 0 {
		title := "The research"
		if scope := rs.Scope(); scope != nil && scope.ProjectTitle != "" {
			title = scope.ProjectTitle
		}
		p.ExecutiveSummary = fmt.Sprintf("%s draws on gathered evidence for %d of %s. %s",
			title, evidenced, plural(len(p.Sections), "section"), draftSummary)
	}

	return state.Update{
		Stage:   state.StageDataPresenter,
		Output:  p,
		Message: fmt.Sprintf("Prepared presentation scaffold with %s.", plural(len(p.Sections), "section")),
	}, nil
}

// keyFindings lifts up to three content-bearing evidence summaries of a
// section, followed by a note per failed retrieval.
func keyFindings(plan *state.SearchPlan, sectionID string) ([]string, []string) {
	if plan == nil {
		return nil, nil
	}
	var out, failures []string
	for _, ev := range plan.EvidenceFor(sectionID) {
		if ev.Failed() {
			failures = append(failures, failureNote(ev))
			continue
		}
		if len(out) == maxKeyFindings {
			continue
		}
		switch e := ev.(type) {
		case state.WebResult:
			if len(e.Sources) > 0 && strings.TrimSpace(e.Summary) != "" {
				out = append(out, e.Summary)
			}
		case state.WarehouseResult:
			if len(e.Rows) > 0 {
				out = append(out, fmt.Sprintf("Warehouse extract for %s (%s).", e.Requirement, plural(len(e.Rows), "row")))
			}
		case state.UserFileInsight:
			if strings.TrimSpace(e.Summary) != "" {
				out = append(out, e.Summary)
			}
		}
	}
	return out, failures
}

func failureNote(ev state.Evidence) string {
	switch e := ev.(type) {
	case state.WebResult:
		return fmt.Sprintf("Web search for %q failed (%s); no figures reported.", e.Query, e.Error)
	case state.WarehouseResult:
		return fmt.Sprintf("Warehouse probe for %q failed (%s); no figures reported.", e.Requirement, e.Error)
	case state.UserFileInsight:
		return fmt.Sprintf("User file %s could not be used (%s).", e.Filename, e.Error)
	}
	return "A retrieval failed for this section."
}
