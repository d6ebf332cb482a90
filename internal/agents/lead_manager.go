package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

type scopeDocument struct {
	ProjectTitle      string               `json:"project_title"`
	ExecutionStrategy string               `json:"execution_strategy"`
	Sections          []state.Section      `json:"sections"`
	Risk              state.RiskAssessment `json:"risk_assessment"`
}

func validateScope(d scopeDocument) error {
	if len(d.Sections) == 0 {
		return errors.New("scope has no sections")
	}
	for i, s := range d.Sections {
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("section %d has no title", i+1)
		}
	}
	return nil
}

func (a *Agents) planScope(ctx context.Context, rs *state.RunState) (state.Update, error) {
	prompt := a.promptOf(rs)

	var b strings.Builder
	fmt.Fprintf(&b, "Research brief: %s\n", prompt.Prompt)
	fmt.Fprintf(&b, "Framework: %s\n", prompt.Framework)
	for _, c := range prompt.Components {
		fmt.Fprintf(&b, "- %s: %s (data: %s)\n", c.Component, c.Description, strings.Join(c.RequiredData, "; "))
	}
	b.WriteString("Return a project title, an execution strategy, the report sections with their data requirements, and a risk assessment.")

	res := llm.Generate(ctx, a.generator, llm.Request{
		Stage:  string(state.StageLeadManager),
		Task:   "scope_plan",
		System: "You are the lead manager of a strategy consulting engagement. Break the brief into report sections.",
		Prompt: b.String(),
	}, func() scopeDocument { return fallbackScope(prompt) }, validateScope)
	if res.Fallback {
		a.logger.Warn("Scope planning fell back to framework components",
			zap.String("run_id", rs.RunID),
			zap.Error(res.Err),
		)
	}

	doc := res.Value
	plan := &state.ScopePlan{
		ProjectTitle:      doc.ProjectTitle,
		ExecutionStrategy: doc.ExecutionStrategy,
		Sections:          assignSectionIDs(doc.Sections),
		Risk:              doc.Risk,
	}
	if plan.ProjectTitle == "" {
		plan.ProjectTitle = fmt.Sprintf("%s %s", prompt.Sector, prompt.Framework)
	}
	return state.Update{
		Stage:   state.StageLeadManager,
		Output:  plan,
		Message: fmt.Sprintf("Execution scope organised into %s.", plural(len(plan.Sections), "section")),
	}, nil
}

// assignSectionIDs numbers sections section-1..n. Dependencies that named an
// earlier id are rewritten; ones that point nowhere are dropped.
func assignSectionIDs(in []state.Section) []state.Section {
	renamed := make(map[string]string, len(in))
	out := make([]state.Section, len(in))
	for i, s := range in {
		id := fmt.Sprintf("section-%d", i+1)
		if s.ID != "" {
			renamed[s.ID] = id
		}
		renamed[s.Title] = id
		s.ID = id
		if s.Priority == "" {
			s.Priority = state.PriorityMedium
		}
		out[i] = s
	}
	for i := range out {
		deps := make([]string, 0, len(out[i].Dependencies))
		for _, d := range out[i].Dependencies {
			if id, ok := renamed[d]; ok && id != out[i].ID {
				deps = append(deps, id)
			}
		}
		out[i].Dependencies = deps
	}
	return out
}

// fallbackScope derives one section per framework component.
func fallbackScope(p *state.EnhancedPrompt) scopeDocument {
	components := p.Components
	if len(components) == 0 {
		for _, name := range lookupFramework(p.Framework).Components {
			components = append(components, state.FrameworkComponent{Component: name})
		}
	}

	sections := make([]state.Section, 0, len(components))
	for i, c := range components {
		reqs := c.RequiredData
		if len(reqs) == 0 {
			reqs = defaultRequirements(c.Component, p.Sector, p.Geography)
		}
		priority := state.PriorityMedium
		if i == 0 {
			priority = state.PriorityHigh
		}
		sections = append(sections, state.Section{
			Title:            c.Component,
			Description:      c.Description,
			Dependencies:     []string{},
			Priority:         priority,
			DataRequirements: reqs,
			SuccessCriteria:  []string{"Findings are backed by cited evidence."},
		})
	}

	return scopeDocument{
		ProjectTitle:      fmt.Sprintf("%s: %s", p.Sector, p.Framework),
		ExecutionStrategy: "Gather evidence per section in parallel, then analyse and review before packaging.",
		Sections:          sections,
		Risk: state.RiskAssessment{
			DataAvailability: "medium",
			Complexity:       "medium",
			Timeline:         "low",
			Mitigation:       "Escalate unmet data requirements to experts.",
		},
	}
}
