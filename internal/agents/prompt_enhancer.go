package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

type framework struct {
	Name        string
	Components  []string
	Description string
}

const (
	frameworkSWOT     = "SWOT Analysis"
	frameworkPorter   = "Porter's Five Forces"
	frameworkPESTLE   = "PESTLE Analysis"
	frameworkCombined = "Combined SWOT & Porter's"
)

var frameworks = []framework{
	{
		Name:        frameworkSWOT,
		Components:  []string{"Strengths", "Weaknesses", "Opportunities", "Threats"},
		Description: "Strategic planning technique for identifying internal strengths/weaknesses and external opportunities/threats. Ideal for new ventures.",
	},
	{
		Name: frameworkPorter,
		Components: []string{
			"Competitive Rivalry", "Threat of New Entrants", "Threat of Substitutes",
			"Bargaining Power of Buyers", "Bargaining Power of Suppliers",
		},
		Description: "Industry analysis framework for understanding competitive intensity and attractiveness. Highly relevant for market entry.",
	},
	{
		Name:        frameworkPESTLE,
		Components:  []string{"Political", "Economic", "Social", "Technological", "Legal", "Environmental"},
		Description: "Macro-environmental analysis framework. Useful for broad context, less specific to direct competitive threats.",
	},
	{
		Name: frameworkCombined,
		Components: []string{
			"Strengths", "Weaknesses", "Opportunities", "Threats",
			"Competitive Rivalry", "Threat of New Entrants", "Threat of Substitutes",
			"Bargaining Power of Buyers", "Bargaining Power of Suppliers",
		},
		Description: "Integrates internal (SWOT) and external (Porter's) industry factors, ideal for market entry and competitive analysis.",
	},
}

func lookupFramework(name string) framework {
	for _, f := range frameworks {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return frameworks[0]
}

// enhancerDocument is the wire shape the generation service returns.
type enhancerDocument struct {
	Triage struct {
		Sector   string `json:"sector"`
		Function string `json:"function"`
	} `json:"triageResult"`
	Geography       string                     `json:"geographic_reference"`
	Timeframe       string                     `json:"timeframe"`
	SpecificFactors []string                   `json:"specific_factors_mentioned"`
	AnalysisType    string                     `json:"analysis_type"`
	Framework       string                     `json:"recommended_framework"`
	Components      []state.FrameworkComponent `json:"framework_components"`
	Smart           state.SmartRequirements    `json:"smart_requirements"`
	OutputStructure struct {
		Sections      []state.OutputSection `json:"sections"`
		GroupingLogic string                `json:"grouping_logic"`
	} `json:"output_structure"`
	Prompt string `json:"enhanced_prompt"`
}

func (d enhancerDocument) toOutput() *state.EnhancedPrompt {
	return &state.EnhancedPrompt{
		Sector:          d.Triage.Sector,
		Function:        d.Triage.Function,
		Geography:       d.Geography,
		Timeframe:       d.Timeframe,
		SpecificFactors: d.SpecificFactors,
		AnalysisType:    d.AnalysisType,
		Framework:       d.Framework,
		Components:      d.Components,
		Smart:           d.Smart,
		OutputStructure: d.OutputStructure.Sections,
		Prompt:          d.Prompt,
	}
}

func validateEnhancer(d enhancerDocument) error {
	if strings.TrimSpace(d.Triage.Sector) == "" {
		return errors.New("sector is missing")
	}
	if len(d.Components) == 0 {
		return errors.New("no framework components")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return errors.New("enhanced prompt is empty")
	}
	return nil
}

func enhancerSystemPrompt(profile *state.UserProfile) string {
	var b strings.Builder
	b.WriteString("You are a Prompt Enhancer. Analyse the user query and produce an enhanced research prompt derived solely from its content.\n")
	b.WriteString("Preserve every geographic reference, time reference, sector and specific factor exactly as written.\n")
	b.WriteString("Choose the framework that best supports the analytical goal, expand its components with the data each requires, ")
	b.WriteString("apply SMART criteria and suggest an output structure. Answer in the language of the query.\n\n")
	if profile != nil {
		if profile.Role != "" {
			fmt.Fprintf(&b, "User role: %s\n", profile.Role)
		}
		if profile.Company != "" {
			fmt.Fprintf(&b, "User company: %s\n", profile.Company)
		}
	}
	b.WriteString("Available frameworks:\n")
	for _, f := range frameworks {
		fmt.Fprintf(&b, "### %s\nDescription: %s\nComponents: %s\n", f.Name, f.Description, strings.Join(f.Components, ", "))
	}
	return b.String()
}

func (a *Agents) enhancePrompt(ctx context.Context, rs *state.RunState) (state.Update, error) {
	question := strings.TrimSpace(rs.Input.Question)
	if question == "" {
		return state.Update{}, errors.New("no message content found")
	}

	res := llm.Generate(ctx, a.generator, llm.Request{
		Stage:  string(state.StagePromptEnhancer),
		Task:   "enhance_prompt",
		System: enhancerSystemPrompt(rs.Input.Profile),
		Prompt: "Please enhance the following query: " + question,
	}, func() enhancerDocument { return enhancerDocument{} }, validateEnhancer)

	out := res.Value.toOutput()
	if res.Fallback {
		a.logger.Warn("Prompt enhancement fell back to heuristics",
			zap.String("run_id", rs.RunID),
			zap.Error(res.Err),
		)
		out = heuristicPrompt(question)
	}
	return state.Update{
		Stage:   state.StagePromptEnhancer,
		Output:  out,
		Message: fmt.Sprintf("Enhanced prompt prepared using %s.", out.Framework),
	}, nil
}

var (
	yearRange = regexp.MustCompile(`\b(?:19|20)\d{2}(?:\s*[-–]\s*(?:19|20)\d{2})?\b`)
	nextYears = regexp.MustCompile(`(?i)\b(?:next|coming|over the next)\s+(?:\d+|one|two|three|four|five|ten)\s+years?\b`)
)

// multi-word names first so "Sub-Saharan Africa" wins over "Africa"
var geographies = func() []*regexp.Regexp {
	names := []string{
		"North America", "Latin America", "South America", "Middle East", "European Union",
		"United States", "United Kingdom", "Sub-Saharan Africa",
		"Europe", "Africa", "Asia", "Oceania",
		"France", "Germany", "Spain", "Italy", "China", "Japan", "India", "Brazil",
		"Canada", "Mexico", "Nigeria", "Cameroon", "Morocco", "USA", "UK", "Global",
	}
	out := make([]*regexp.Regexp, len(names))
	for i, n := range names {
		out[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(n) + `\b`)
	}
	return out
}()

var (
	sectorKeywords = []struct {
		keywords []string
		sector   string
	}{
		{[]string{"electric vehicle", "ev ", "automotive", "car ", "cars"}, "Automotive"},
		{[]string{"battery", "batteries", "renewable", "energy", "solar", "oil"}, "Energy"},
		{[]string{"bank", "fintech", "insurance", "financial", "invest"}, "Financial Services"},
		{[]string{"health", "pharma", "medical", "hospital"}, "Healthcare"},
		{[]string{"software", "saas", "cloud", " ai", "artificial intelligence", "tech", "startup"}, "Technology"},
		{[]string{"retail", "e-commerce", "ecommerce", "consumer"}, "Retail"},
		{[]string{"government", "public sector"}, "Government"},
	}
	functionKeywords = []struct {
		keywords []string
		function string
	}{
		{[]string{"competit", "rival", "competitor"}, "Competitive Analysis"},
		{[]string{"risk"}, "Risk Assessment"},
		{[]string{"invest", "funding"}, "Investment Analysis"},
		{[]string{"strategy", "strategic", "plan"}, "Strategic Planning"},
	}
)

// heuristicPrompt extracts what it can from the question without generation.
func heuristicPrompt(question string) *state.EnhancedPrompt {
	lower := " " + strings.ToLower(question) + " "

	fw := lookupFramework(detectFramework(lower))

	sector := "General"
	for _, s := range sectorKeywords {
		if containsAny(lower, s.keywords) {
			sector = s.sector
			break
		}
	}
	function := "Market Analysis"
	for _, f := range functionKeywords {
		if containsAny(lower, f.keywords) {
			function = f.function
			break
		}
	}

	geography := ""
	for _, g := range geographies {
		if m := g.FindString(question); m != "" {
			geography = m
			break
		}
	}

	timeframe := nextYears.FindString(question)
	if timeframe == "" {
		timeframe = yearRange.FindString(question)
	}

	components := make([]state.FrameworkComponent, 0, len(fw.Components))
	for _, c := range fw.Components {
		components = append(components, state.FrameworkComponent{
			Component:        c,
			Description:      fmt.Sprintf("%s relevant to %s.", c, strings.ToLower(sector)),
			RequiredData:     defaultRequirements(c, sector, geography),
			AnalysisApproach: "Combine quantitative indicators with qualitative evidence.",
		})
	}

	structure := make([]state.OutputSection, 0, len(fw.Components))
	for i, c := range fw.Components {
		structure = append(structure, state.OutputSection{
			Title:               c,
			Order:               i + 1,
			ComponentsIncluded:  []string{c},
			ContentRequirements: "Findings, supporting data and implications.",
		})
	}

	scope := sector
	if geography != "" {
		scope += " in " + geography
	}
	if timeframe != "" {
		scope += " (" + timeframe + ")"
	}

	return &state.EnhancedPrompt{
		Sector:       sector,
		Function:     function,
		Geography:    geography,
		Timeframe:    timeframe,
		AnalysisType: strings.ToLower(function),
		Framework:    fw.Name,
		Components:   components,
		Smart: state.SmartRequirements{
			Specific:   []string{"Focus on " + scope + "."},
			Measurable: []string{"Quantify market size, growth and shares where data allows."},
			Attainable: []string{"Rely on the selected sources and attached files."},
			Relevant:   []string{"Answer the question: " + question},
			TimeBound:  []string{timeBound(timeframe)},
		},
		OutputStructure:     structure,
		Prompt:              fmt.Sprintf("Apply a %s to %s. %s", fw.Name, scope, question),
		GeneratedByFallback: true,
	}
}

func detectFramework(lower string) string {
	swot := strings.Contains(lower, "swot")
	porter := strings.Contains(lower, "porter") || strings.Contains(lower, "five forces")
	switch {
	case swot && porter:
		return frameworkCombined
	case porter:
		return frameworkPorter
	case strings.Contains(lower, "pestle") || strings.Contains(lower, "pestel"):
		return frameworkPESTLE
	case swot:
		return frameworkSWOT
	case containsAny(lower, []string{"opportunit", "threat", "launch", "market entry", "enter the"}):
		return frameworkCombined
	}
	return frameworkSWOT
}

func defaultRequirements(component, sector, geography string) []string {
	where := ""
	if geography != "" {
		where = " in " + geography
	}
	subject := strings.ToLower(sector)
	return []string{
		fmt.Sprintf("%s indicators for %s%s", component, subject, where),
		fmt.Sprintf("Recent %s market data%s", subject, where),
	}
}

func timeBound(timeframe string) string {
	if timeframe == "" {
		return "Use the latest available data."
	}
	return "Cover " + timeframe + "."
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
