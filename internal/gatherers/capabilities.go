package gatherers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/util"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
)

// tableLookupLimit caps the tables listed in a SQL prompt.
const tableLookupLimit = 10

var errNoSQL = errors.New("no SQL generated")

func (g *Gatherer) runWeb(ctx context.Context, r *run) {
	var grp errgroup.Group
	grp.SetLimit(g.cfg.WebConcurrency)
	for _, job := range r.web {
		grp.Go(func() error {
			r.out.Web[job.index] = g.search(ctx, job)
			return nil
		})
	}
	_ = grp.Wait()
}

func (g *Gatherer) search(ctx context.Context, job webJob) state.WebResult {
	res := state.WebResult{
		SectionID: job.sectionID,
		Query:     job.query,
		Snippets:  []string{},
		Sources:   []state.WebSource{},
	}
	if !g.searcher.Enabled() {
		res.Summary = "Web search is not available; no results were retrieved."
		res.Confidence = "none"
		return res
	}
	if err := g.limiter.Wait(ctx); err != nil {
		res.Error = err.Error()
		res.Confidence = "none"
		return res
	}

	start := time.Now()
	hits, err := g.searcher.Search(ctx, job.query, job.geography)
	observe(capabilityWeb, start, err)
	if err != nil {
		g.logger.Warn("Web search failed",
			zap.String("section_id", job.sectionID),
			zap.String("query", job.query),
			zap.Error(err),
		)
		res.Summary = "Web search failed for this query."
		res.Error = err.Error()
		res.Confidence = "none"
		return res
	}

	for _, h := range hits {
		res.Sources = append(res.Sources, state.WebSource{Title: h.Title, Link: h.Link, Snippet: h.Snippet})
		if h.Snippet != "" {
			res.Snippets = append(res.Snippets, h.Snippet)
		}
	}
	switch n := len(res.Sources); {
	case n == 0:
		res.Summary = "No web results found for this query."
		res.Confidence = "none"
	case n >= 4:
		res.Summary = fmt.Sprintf("%d web sources found; top result: %s.", n, hits[0].Title)
		res.Confidence = "high"
	case n >= 2:
		res.Summary = fmt.Sprintf("%d web sources found; top result: %s.", n, hits[0].Title)
		res.Confidence = "medium"
	default:
		res.Summary = fmt.Sprintf("1 web source found: %s.", hits[0].Title)
		res.Confidence = "low"
	}
	return res
}

func (g *Gatherer) runWarehouse(ctx context.Context, r *run) {
	if len(r.probes) == 0 {
		return
	}
	tables := g.lookupTables(ctx, r.plan.Context.Keywords)

	var grp errgroup.Group
	grp.SetLimit(g.cfg.WarehouseConcurrency)
	for _, job := range r.probes {
		grp.Go(func() error {
			r.out.Warehouse.Results[job.index] = g.probe(ctx, r.plan.Context, tables, job)
			return nil
		})
	}
	_ = grp.Wait()
}

// lookupTables runs once per Gather call. A failed lookup only loses the hint.
func (g *Gatherer) lookupTables(ctx context.Context, keywords []string) []warehouse.Table {
	start := time.Now()
	tables, err := g.warehouse.FindTables(ctx, keywords, tableLookupLimit)
	observe(capabilityWarehouseTables, start, err)
	if err != nil {
		g.logger.Warn("Warehouse table lookup failed", zap.Strings("keywords", keywords), zap.Error(err))
		return nil
	}
	return tables
}

// SQLPrompt is the generation prompt for one warehouse probe.
func SQLPrompt(requirement, sectionTitle, geography string, keywords []string, tables []warehouse.Table) string {
	lines := []string{
		"You are a data warehouse SQL assistant. Return only a valid read-only SQL query.",
		"Requirement: " + requirement,
		"Section: " + sectionTitle,
		"Geography or filter: " + geography,
	}
	if len(keywords) > 0 {
		lines = append(lines, "Relevant keywords: "+strings.Join(keywords[:min(5, len(keywords))], ", "))
	}
	if len(tables) > 0 {
		lines = append(lines, "Candidate tables:")
		for _, t := range tables {
			line := "- " + t.Schema + "." + t.Name
			if c := strings.TrimSpace(t.Comment); c != "" {
				line += ": " + c
			}
			lines = append(lines, line)
		}
	}
	lines = append(lines, "Return only the SQL statement without commentary or markdown fences.")
	return strings.Join(lines, "\n")
}

func (g *Gatherer) probe(ctx context.Context, qc QueryContext, tables []warehouse.Table, job probeJob) state.WarehouseResult {
	res := state.WarehouseResult{
		SectionID:    job.section.ID,
		SectionTitle: job.section.Title,
		Requirement:  job.requirement,
		Rows:         []map[string]any{},
	}

	gen := llm.Generate(ctx, g.generator, llm.Request{
		Stage:  string(state.StageDataSearcher),
		Task:   "warehouse_sql",
		Prompt: SQLPrompt(job.requirement, job.section.Title, qc.Geography, qc.Keywords, tables),
	}, func() string { return "" })

	res.SQL = strings.TrimSpace(gen.Value)
	if res.SQL == "" {
		res.Error = "no SQL statement could be generated for this requirement"
		if gen.Err != nil {
			res.Error += ": " + gen.Err.Error()
		}
		observe(capabilityWarehouse, time.Now(), errNoSQL)
		return res
	}

	start := time.Now()
	rows, err := g.warehouse.Execute(ctx, res.SQL, nil, g.cfg.WarehouseRowLimit)
	observe(capabilityWarehouse, start, err)
	if err != nil {
		g.logger.Warn("Warehouse probe failed",
			zap.String("section_id", job.section.ID),
			zap.String("requirement", job.requirement),
			zap.Error(err),
		)
		res.Error = err.Error()
		return res
	}
	if rows != nil {
		res.Rows = rows
	}
	return res
}

func (g *Gatherer) runUserFiles(ctx context.Context, r *run) {
	var grp errgroup.Group
	grp.SetLimit(g.cfg.UserFileConcurrency)
	for _, job := range r.files {
		grp.Go(func() error {
			r.out.UserFiles[job.index] = g.summarizeFile(ctx, job)
			return nil
		})
	}
	_ = grp.Wait()
}

type fileInsight struct {
	Summary    string   `json:"summary"`
	KeyMetrics []string `json:"key_metrics"`
}

func (g *Gatherer) summarizeFile(ctx context.Context, job fileJob) state.UserFileInsight {
	res := state.UserFileInsight{
		SectionID:  job.section.ID,
		Filename:   job.file.Filename,
		KeyMetrics: []string{},
	}
	content := g.docs.Text(job.file)
	if content == "" {
		res.Error = "file is empty"
		return res
	}

	start := time.Now()
	gen := llm.Generate(ctx, g.generator, llm.Request{
		Stage: string(state.StageDataSearcher),
		Task:  "user_file_insight",
		Prompt: fmt.Sprintf("Summarise the document %q for the report section %q and list up to three key metrics.\n\n%s",
			job.file.Filename, job.section.Title, util.TruncateString(content, g.cfg.UserFileExcerptChars, true)),
	}, func() fileInsight { return heuristicInsight(content) }, func(fi fileInsight) error {
		if strings.TrimSpace(fi.Summary) == "" {
			return errors.New("empty summary")
		}
		return nil
	})
	var err error
	if gen.Err != nil {
		err = gen.Err
	}
	observe(capabilityUserFiles, start, err)

	res.Summary = gen.Value.Summary
	if len(gen.Value.KeyMetrics) > 0 {
		res.KeyMetrics = gen.Value.KeyMetrics
	}
	return res
}

// heuristicInsight keeps the opening of the document and the first lines
// carrying figures.
func heuristicInsight(content string) fileInsight {
	fi := fileInsight{
		Summary:    util.TruncateString(strings.Join(strings.Fields(content), " "), 280, true),
		KeyMetrics: []string{},
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.ContainsFunc(line, unicode.IsDigit) {
			continue
		}
		fi.KeyMetrics = append(fi.KeyMetrics, util.TruncateString(line, 120, true))
		if len(fi.KeyMetrics) == 3 {
			break
		}
	}
	return fi
}
