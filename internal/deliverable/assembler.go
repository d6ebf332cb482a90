// Package deliverable packages a finished run into the client-facing report.
package deliverable

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metadata"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metrics"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const (
	defaultTemplate  = "consulting-report/v1"
	defaultLocale    = "fr-FR"
	defaultTimezone  = "Europe/Paris"
	defaultHighlight = 4

	pendingNarrative         = "Analysis for this section is pending; gathered evidence will be folded in once modelling completes."
	defaultExecutiveSummary  = "Executive summary to be completed once the analyses are finalised."
	executiveSummaryHeadline = "Executive summary"
	pptxSectionLimit         = 5
)

var accessibilityChecklist = []string{
	"Check chart titles and legends for screen readers.",
	"Confirm colour/text contrast for every visual.",
	"Pair every table with a text alternative.",
}

// Assembler builds the Deliverable of a run. It holds no per-run state; every
// call to Assemble creates its own citation registry.
type Assembler struct {
	cfg    config.DeliverableConfig
	scorer *metadata.Scorer
	now    func() time.Time
	logger *zap.Logger
}

// Option customises an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an assembler. A nil scorer uses the embedded credibility rules.
func NewAssembler(cfg config.DeliverableConfig, scorer *metadata.Scorer, logger *zap.Logger, opts ...Option) *Assembler {
	if cfg.Template == "" {
		cfg.Template = defaultTemplate
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = defaultLocale
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = defaultTimezone
	}
	if cfg.HighlightCount <= 0 {
		cfg.HighlightCount = defaultHighlight
	}
	if scorer == nil {
		scorer = metadata.DefaultScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assembler{
		cfg:    cfg,
		scorer: scorer,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble packages rs into a Deliverable. Missing upstream outputs degrade to
// pending sections and default texts rather than failing.
func (a *Assembler) Assemble(rs *state.RunState) *state.Deliverable {
	now := a.now()
	registry := metadata.NewRegistry(a.scorer, func() time.Time { return now })

	scope := rs.Sections()
	analysis := rs.Analysis()
	presentation := rs.Presentation()
	plan := rs.SearchPlan()

	sections := make([]state.RenderedSection, 0, len(scope))
	for _, sec := range scope {
		if plan != nil {
			for _, ev := range plan.EvidenceFor(sec.ID) {
				registry.Cite(ev)
			}
		}
		sections = append(sections, renderSection(sec, analysis, presentation))
	}

	locale := a.cfg.DefaultLocale
	timezone := a.cfg.DefaultTimezone
	if p := rs.Input.Profile; p != nil {
		if strings.TrimSpace(p.Locale) != "" {
			locale = p.Locale
		}
		if strings.TrimSpace(p.Timezone) != "" {
			timezone = p.Timezone
		}
	}

	var appendices []string
	summary := defaultExecutiveSummary
	if presentation != nil {
		appendices = append(appendices, presentation.Appendices...)
		if strings.TrimSpace(presentation.ExecutiveSummary) != "" {
			summary = presentation.ExecutiveSummary
		}
	}

	d := &state.Deliverable{
		Template:       a.cfg.Template,
		Version:        versionInfo(rs.Log),
		Pagination:     state.Pagination{TotalPages: max(1, len(sections)+1), Strategy: "auto"},
		Mode:           state.ModeExec,
		AvailableModes: []state.DeliverableMode{state.ModeExec, state.ModeDetailed},
		Locale:         locale,
		Timezone:       timezone,
		NumberFormat:   numberFormat(locale),
		DateFormat:     dateFormat(locale),
		ExecutiveSummary: state.ExecutiveSummary{
			Headline:   executiveSummaryHeadline,
			Body:       []string{summary},
			Highlights: highlights(sections, a.cfg.HighlightCount),
		},
		Sections:   sections,
		Appendices: appendices,
		Sources:    selectedSources(rs.Sources()),
		Exports:    exports(sections, appendices),
		Citations: state.Citations{
			Anchors:      registry.Anchors(sections),
			Bibliography: registry.Bibliography(),
		},
		Accessibility: state.Accessibility{
			Status:    "pending",
			Checklist: append([]string(nil), accessibilityChecklist...),
		},
		CreatedAt: now,
	}

	metrics.CitationsPerRun.Observe(float64(len(d.Citations.Bibliography)))
	a.logger.Debug("Deliverable assembled",
		zap.String("run_id", rs.RunID),
		zap.Int("sections", len(sections)),
		zap.Int("citations", len(d.Citations.Bibliography)),
		zap.Int("anchors", len(d.Citations.Anchors)),
	)
	return d
}

func renderSection(sec state.Section, analysis *state.AnalysisSummary, presentation *state.Presentation) state.RenderedSection {
	out := state.RenderedSection{
		ID:             sec.ID,
		Title:          sec.Title,
		Density:        state.ModeExec,
		Summary:        []string{},
		DataHighlights: []string{},
		Visuals:        []state.RenderedVisual{},
	}

	var (
		component    state.AnalysisComponent
		hasComponent bool
	)
	if analysis != nil {
		component, hasComponent = analysis.Component(sec.ID)
	}
	if hasComponent {
		out.Visuals = append(out.Visuals, visual(sec.ID, component))
	}

	var (
		ps      state.PresentationSection
		hasPres bool
	)
	if presentation != nil {
		ps, hasPres = presentation.Section(sec.ID)
	}

	if !hasComponent || !hasPres {
		out.Pending = true
		out.Narrative = pendingNarrative
		if hasComponent && component.PreliminaryFindings != "" {
			out.Summary = []string{component.PreliminaryFindings}
		}
		return out
	}

	if ps.Title != "" {
		out.Title = ps.Title
	}
	out.Summary = append(out.Summary, ps.KeyFindings...)
	out.DataHighlights = append(out.DataHighlights, ps.SupportingData...)
	out.Narrative = joinNonEmpty(component.PreliminaryFindings, ps.NextSteps)
	return out
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func visual(sectionID string, c state.AnalysisComponent) state.RenderedVisual {
	kind := "chart"
	if strings.Contains(strings.ToLower(c.Visualization), "table") {
		kind = "table"
	}
	source := strings.Join(c.Inputs, ", ")
	if source == "" {
		source = "Analytical model"
	}
	return state.RenderedVisual{
		ID:          sectionID + "-visual-1",
		Type:        kind,
		Title:       c.Title,
		Description: c.Visualization,
		Source:      source,
		Cached:      true,
	}
}

func highlights(sections []state.RenderedSection, n int) []string {
	out := []string{}
	for _, s := range sections {
		for _, bullet := range s.Summary {
			if len(out) == n {
				return out
			}
			out = append(out, bullet)
		}
	}
	return out
}

func exports(sections []state.RenderedSection, appendices []string) []state.Export {
	titles := make([]string, 0, len(sections))
	data := []string{}
	for _, s := range sections {
		titles = append(titles, s.Title)
		data = append(data, s.DataHighlights...)
	}
	if len(appendices) == 0 {
		appendices = []string{"Annexes"}
	}
	full := append(append([]string(nil), titles...), appendices...)

	return []state.Export{
		{Format: "pdf", Filename: "rapport-executif.pdf", Status: "queued", Includes: full},
		{Format: "pptx", Filename: "deck-synthese.pptx", Status: "queued", Includes: titles[:min(len(titles), pptxSectionLimit)]},
		{Format: "docx", Filename: "rapport-detaille.docx", Status: "queued", Includes: append([]string(nil), full...)},
		{Format: "csv", Filename: "extractions-donnees.csv", Status: "queued", Includes: data},
	}
}

// versionInfo numbers the terminal log records that precede packaging.
func versionInfo(log []state.StageRecord) state.VersionInfo {
	history := []state.VersionEntry{}
	for _, rec := range log {
		if rec.Stage == state.StageRenderPackager || !rec.Status.Terminal() {
			continue
		}
		summary := rec.Message
		if summary == "" {
			summary = string(rec.Stage)
		}
		history = append(history, state.VersionEntry{
			Version:   len(history) + 1,
			Summary:   summary,
			Timestamp: rec.Timestamp,
		})
	}
	return state.VersionInfo{Current: len(history) + 1, History: history}
}

func selectedSources(sel *state.SourceSelection) []state.RankedSource {
	out := []state.RankedSource{}
	if sel == nil {
		return out
	}
	out = append(out, sel.Recommended...)
	return append(out, sel.Supplementary...)
}

func numberFormat(locale string) string {
	if locale == "fr-FR" {
		return "1 234,56"
	}
	return "1,234.56"
}

func dateFormat(locale string) string {
	if strings.HasPrefix(strings.ToLower(locale), "fr") {
		return "dd/MM/yyyy"
	}
	return "MM/dd/yyyy"
}
