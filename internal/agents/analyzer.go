package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const (
	pendingFindings = "Pending data ingestion – prepare to calculate growth rates, benchmark comparisons, and key ratios aligned with SMART metrics."
	comboChart      = "Suggest combo chart blending quantitative trend line with annotated qualitative highlights."
	extractTable    = "Suggest table of the warehouse extract with the key ratios highlighted."
)

func (a *Agents) analyze(ctx context.Context, rs *state.RunState) (state.Update, error) {
	plan := rs.SearchPlan()
	var connections []state.DataConnection
	if c := rs.Connections(); c != nil {
		connections = c.Connections
	}

	revision, reviewNotes := lastReview(rs)

	summary := &state.AnalysisSummary{
		Components: make([]state.AnalysisComponent, 0, len(rs.Sections())),
		Notes: []string{
			"Ensure raw datasets are validated before modelling.",
			"Document assumptions and transformation steps for auditability.",
		},
		Revision: revision,
	}

	for _, sec := range rs.Sections() {
		if err := ctx.Err(); err != nil {
			return state.Update{}, err
		}
		summary.Components = append(summary.Components, analyzeSection(sec, plan, connections, reviewNotes))
	}

	if revision > 0 {
		summary.Notes = append(summary.Notes, fmt.Sprintf("Revision %d addresses reviewer notes.", revision))
		summary.Notes = append(summary.Notes, reviewNotes...)
	}

	return state.Update{
		Stage:   state.StageDataAnalyzer,
		Output:  summary,
		Message: fmt.Sprintf("Outlined %s.", plural(len(summary.Components), "analysis component")),
	}, nil
}

// lastReview returns the revision number and the revisions requested by the
// review archived when the analysis slot was last reopened.
func lastReview(rs *state.RunState) (int, []string) {
	if len(rs.Revisions) == 0 {
		return 0, nil
	}
	snap := rs.Revisions[len(rs.Revisions)-1]
	out, ok := snap.Outputs[state.StageReviewer]
	if !ok {
		return snap.Revision, nil
	}
	review, ok := out.(*state.Review)
	if !ok {
		return snap.Revision, nil
	}
	return snap.Revision, review.RevisionsNeeded
}

func analyzeSection(sec state.Section, plan *state.SearchPlan, connections []state.DataConnection, reviewNotes []string) state.AnalysisComponent {
	c := state.AnalysisComponent{
		SectionID:     sec.ID,
		Title:         sec.Title,
		Approach:      fmt.Sprintf("Synthesize quantitative indicators with qualitative insights for %s.", strings.ToLower(sec.Title)),
		Inputs:        []string{},
		Visualization: comboChart,
	}
	if plan == nil {
		c.PreliminaryFindings = pendingFindings
		return c
	}

	var targets []string
	for _, t := range plan.Tasks {
		if t.SectionID != sec.ID {
			continue
		}
		targets = append(targets, fmt.Sprintf("%s – %s", t.Channel, t.Target))
	}
	joined := strings.Join(targets, "\n")
	for _, conn := range connections {
		if conn.Name != "" && strings.Contains(joined, conn.Name) {
			c.Inputs = append(c.Inputs, conn.Name)
			break
		}
	}
	c.Inputs = append(c.Inputs, targets...)

	var findings []string
	for _, ev := range plan.EvidenceFor(sec.ID) {
		switch e := ev.(type) {
		case state.WebResult:
			if e.Failed() {
				c.FailedProbes++
				findings = append(findings, fmt.Sprintf("Web search for %q failed: %s.", e.Query, e.Error))
				continue
			}
			if len(e.Sources) == 0 {
				continue
			}
			c.EvidenceCount++
			findings = append(findings, fmt.Sprintf("Web (%s confidence, %s): %s", e.Confidence, plural(len(e.Sources), "source"), e.Summary))
		case state.WarehouseResult:
			if e.Failed() {
				c.FailedProbes++
				findings = append(findings, fmt.Sprintf("Warehouse probe for %q failed: %s.", e.Requirement, e.Error))
				continue
			}
			if len(e.Rows) == 0 {
				findings = append(findings, fmt.Sprintf("Warehouse probe for %q returned no rows.", e.Requirement))
				continue
			}
			c.EvidenceCount++
			c.Visualization = extractTable
			findings = append(findings, fmt.Sprintf("Warehouse returned %s for %q.", plural(len(e.Rows), "row"), e.Requirement))
		case state.UserFileInsight:
			if e.Failed() {
				c.FailedProbes++
				findings = append(findings, fmt.Sprintf("User file %s could not be analysed: %s.", e.Filename, e.Error))
				continue
			}
			if strings.TrimSpace(e.Summary) == "" {
				continue
			}
			c.EvidenceCount++
			line := fmt.Sprintf("User file %s: %s", e.Filename, e.Summary)
			if len(e.KeyMetrics) > 0 {
				line += fmt.Sprintf(" (metrics: %s)", strings.Join(e.KeyMetrics, ", "))
			}
			findings = append(findings, line)
		}
	}

	switch {
	case len(findings) == 0:
		c.PreliminaryFindings = pendingFindings
	case c.EvidenceCount == 0:
		c.PreliminaryFindings = strings.Join(append(findings, "No usable evidence yet; findings remain pending."), " ")
	default:
		c.PreliminaryFindings = strings.Join(findings, " ")
	}
	if len(reviewNotes) > 0 {
		c.Approach += " Reviewer follow-up: " + strings.Join(reviewNotes, " ")
	}
	return c
}
