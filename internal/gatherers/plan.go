package gatherers

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metrics"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// WarehouseSourceID is the catalog source backed by the data warehouse.
const WarehouseSourceID = "snowflake-marketplace"

const (
	labelWeb           = "Web: scoped query"
	labelProbePending  = "Warehouse: SQL probe"
	labelProbeExecuted = "Warehouse: executed SQL probe"
	labelProbeFailed   = "Warehouse: SQL probe failed"
)

type webJob struct {
	index     int
	sectionID string
	query     string
	geography string
}

type probeJob struct {
	index       int
	section     state.Section
	requirement string
	coverage    int
	label       int
}

type fileJob struct {
	index   int
	section state.Section
	file    state.UserFile
}

// run is the per-call state of Gather. Result slices are sized up front and
// each job writes only its own index.
type run struct {
	plan   Plan
	out    *state.SearchPlan
	web    []webJob
	probes []probeJob
	files  []fileJob
}

var leadingNoise = regexp.MustCompile(`^[^a-zA-Z0-9]+`)

// BuildQuery joins the requirement, the geography and the first two keywords.
func BuildQuery(requirement, geography string, keywords []string) string {
	base := strings.TrimSpace(leadingNoise.ReplaceAllString(requirement, ""))
	focus := strings.Join(keywords[:min(2, len(keywords))], " ")

	parts := make([]string, 0, 3)
	for _, p := range []string{base, geography, focus} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// WebQuery scopes a query to the geography.
func WebQuery(query, geography string) string {
	return fmt.Sprintf("%s site:(%s)", query, strings.ToLower(geography))
}

// Signature is the dedup key of a web query within a section.
func Signature(sectionID, query, locale string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	if locale == "" {
		return sectionID + "|" + normalized
	}
	return sectionID + "|" + normalized + "|" + strings.ToLower(locale)
}

// pickProprietary prefers the warehouse marketplace, then a ready connection,
// then one that still needs credentials.
func pickProprietary(connections []state.DataConnection) (state.DataConnection, bool) {
	for _, c := range connections {
		if c.SourceID == WarehouseSourceID && c.Status != state.ConnectionNotApplicable {
			return c, true
		}
	}
	for _, status := range []state.ConnectionStatus{state.ConnectionReady, state.ConnectionRequiresCredentials} {
		for _, c := range connections {
			if c.Status == status {
				return c, true
			}
		}
	}
	return state.DataConnection{}, false
}

func (g *Gatherer) prepare(plan Plan) *run {
	geography := strings.TrimSpace(plan.Context.Geography)
	if geography == "" {
		geography = "Global"
	}
	locale := ""
	if g.cfg.DedupIncludeLocale {
		locale = plan.Context.Locale
	}

	status := g.warehouse.Status()
	r := &run{
		plan: plan,
		out: &state.SearchPlan{
			Tasks:    []state.SearchTask{},
			Coverage: []state.SectionCoverage{},
			Warehouse: state.WarehouseSummary{
				Status:  status.State,
				Message: status.Message,
			},
			Proprietary: []state.ProprietaryResult{},
		},
	}
	probing := status.State == state.WarehouseConnected
	source, hasSource := pickProprietary(plan.Connections)
	seen := make(map[string]struct{})

	for _, section := range plan.Sections {
		cov := state.SectionCoverage{
			SectionID:         section.ID,
			SectionTitle:      section.Title,
			PlannedTasks:      []string{},
			UnmetRequirements: []string{},
		}
		webCount := 0

		for _, requirement := range section.DataRequirements {
			query := BuildQuery(requirement, geography, plan.Context.Keywords)

			if hasSource {
				r.out.Tasks = append(r.out.Tasks, proprietaryTask(section, requirement, query, source, len(r.out.Tasks)))
				cov.PlannedTasks = append(cov.PlannedTasks, "Proprietary: "+source.Name)
			} else {
				cov.UnmetRequirements = append(cov.UnmetRequirements, requirement)
			}

			webQuery := WebQuery(query, geography)
			sig := Signature(section.ID, webQuery, locale)
			switch _, dup := seen[sig]; {
			case dup:
				metrics.WebQueriesDeduplicated.Inc()
			case webCount >= g.cfg.MaxWebQueriesPerSection:
				g.logger.Debug("Web query over section cap",
					zap.String("section_id", section.ID), zap.String("query", webQuery))
			default:
				seen[sig] = struct{}{}
				webCount++
				r.out.Tasks = append(r.out.Tasks, state.SearchTask{
					ID:             fmt.Sprintf("%s-web-%d", section.ID, len(r.out.Tasks)),
					SectionID:      section.ID,
					Channel:        state.ChannelWeb,
					Target:         "Trusted web",
					Query:          webQuery,
					Rationale:      fmt.Sprintf("Supplement proprietary data with recent commentary for %s.", section.Title),
					ExpectedOutput: "Articles, reports, or press releases published within the last 24 months.",
				})
				cov.PlannedTasks = append(cov.PlannedTasks, labelWeb)
				r.web = append(r.web, webJob{index: len(r.web), sectionID: section.ID, query: webQuery, geography: geography})
			}

			if !probing {
				continue
			}
			if len(r.probes) >= g.cfg.MaxWarehouseProbes {
				r.out.Warehouse.Skipped++
				continue
			}
			r.out.Tasks = append(r.out.Tasks, state.SearchTask{
				ID:             fmt.Sprintf("%s-warehouse-%d", section.ID, len(r.out.Tasks)),
				SectionID:      section.ID,
				Channel:        state.ChannelWarehouse,
				Target:         "Data warehouse",
				Query:          requirement,
				Rationale:      fmt.Sprintf("Probe warehouse tables for %s requirement: %s.", section.Title, requirement),
				ExpectedOutput: fmt.Sprintf("Up to %d rows of structured data.", g.cfg.WarehouseRowLimit),
			})
			cov.PlannedTasks = append(cov.PlannedTasks, labelProbePending)
			r.probes = append(r.probes, probeJob{
				index:       len(r.probes),
				section:     section,
				requirement: requirement,
				coverage:    len(r.out.Coverage),
				label:       len(cov.PlannedTasks) - 1,
			})
		}

		if hasSource && len(section.DataRequirements) > 0 {
			r.out.Proprietary = append(r.out.Proprietary, proprietaryResult(section, source))
		}
		r.out.Coverage = append(r.out.Coverage, cov)
	}

	for _, m := range matchFiles(plan.Sections, plan.Files) {
		r.out.Tasks = append(r.out.Tasks, state.SearchTask{
			ID:             fmt.Sprintf("%s-file-%d", m.section.ID, len(r.out.Tasks)),
			SectionID:      m.section.ID,
			Channel:        state.ChannelUserFiles,
			Target:         m.file.Filename,
			Query:          m.section.Title,
			Rationale:      fmt.Sprintf("Extract figures from %s relevant to %s.", m.file.Filename, m.section.Title),
			ExpectedOutput: "Summary and key metrics from the attached document.",
		})
		for i := range r.out.Coverage {
			if r.out.Coverage[i].SectionID == m.section.ID {
				r.out.Coverage[i].PlannedTasks = append(r.out.Coverage[i].PlannedTasks, "User file: "+m.file.Filename)
				break
			}
		}
		r.files = append(r.files, fileJob{index: len(r.files), section: m.section, file: m.file})
	}

	r.out.Web = make([]state.WebResult, len(r.web))
	r.out.Warehouse.Results = make([]state.WarehouseResult, len(r.probes))
	r.out.UserFiles = make([]state.UserFileInsight, len(r.files))
	return r
}

// finish resolves the probe labels once every probe has completed.
func (r *run) finish() {
	for _, job := range r.probes {
		label := labelProbeExecuted
		if r.out.Warehouse.Results[job.index].Failed() {
			label = labelProbeFailed
		}
		r.out.Coverage[job.coverage].PlannedTasks[job.label] = label
	}
	if r.out.Warehouse.Skipped > 0 {
		metrics.WarehouseProbesSkipped.Add(float64(r.out.Warehouse.Skipped))
	}
}

func proprietaryTask(section state.Section, requirement, query string, source state.DataConnection, n int) state.SearchTask {
	expected := "Structured dataset (CSV/JSON) with metrics covering the specified dimension."
	if source.SourceID == WarehouseSourceID {
		expected = "Warehouse data share delivering structured tables ready for modelling."
	}
	suffix := "."
	if source.Status == state.ConnectionRequiresCredentials {
		suffix = " (access coordination required before extraction)."
	}
	return state.SearchTask{
		ID:             fmt.Sprintf("%s-proprietary-%d", section.ID, n),
		SectionID:      section.ID,
		Channel:        state.ChannelProprietary,
		Target:         source.Name,
		Query:          query,
		Rationale:      fmt.Sprintf("Aligns with %s requirement: %s%s", section.Title, requirement, suffix),
		ExpectedOutput: expected,
	}
}

func proprietaryResult(section state.Section, source state.DataConnection) state.ProprietaryResult {
	dataset := source.Name
	summary := fmt.Sprintf("%s can supply structured data for %s.", source.Name, section.Title)
	if len(source.Datasets) > 0 {
		dataset = source.Datasets[0].Title
		if d := strings.TrimSpace(source.Datasets[0].Description); d != "" {
			summary = d
		}
	}

	availability := "available"
	next := fmt.Sprintf("Extract %s for %s.", dataset, section.Title)
	if source.Status == state.ConnectionRequiresCredentials {
		availability = "credentials required"
		next = fmt.Sprintf("Coordinate access to %s before extraction.", source.Name)
	}
	return state.ProprietaryResult{
		SectionID:    section.ID,
		SourceID:     source.SourceID,
		DatasetName:  dataset,
		Summary:      summary,
		Availability: availability,
		NextSteps:    next,
	}
}

type fileMatch struct {
	section state.Section
	file    state.UserFile
}

// matchFiles assigns every file to the section whose title and requirements
// share the most terms with it; unmatched files go to the first section.
func matchFiles(sections []state.Section, files []state.UserFile) []fileMatch {
	if len(sections) == 0 {
		return nil
	}
	out := make([]fileMatch, 0, len(files))
	for _, f := range files {
		text := strings.ToLower(f.Filename + " " + f.Content)
		best, bestScore := 0, 0
		for i, s := range sections {
			score := 0
			for _, term := range sectionTerms(s) {
				if strings.Contains(text, term) {
					score++
				}
			}
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		out = append(out, fileMatch{section: sections[best], file: f})
	}
	return out
}

func sectionTerms(s state.Section) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, text := range append([]string{s.Title}, s.DataRequirements...) {
		for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
		}) {
			if len([]rune(w)) <= 4 {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			terms = append(terms, w)
		}
	}
	return terms
}
