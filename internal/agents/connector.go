package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/gatherers"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/sources"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const (
	maxKeywords      = 8
	minKeywordLength = 5
)

var keywordSeparators = regexp.MustCompile(`[,.;\n]+`)

// ExtractKeywords splits the question on commas and periods and keeps the
// chunks longer than four characters, at most eight, without repeats.
func ExtractKeywords(question string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, chunk := range keywordSeparators.Split(question, -1) {
		chunk = strings.Join(strings.Fields(chunk), " ")
		if utf8.RuneCountInString(chunk) < minKeywordLength {
			continue
		}
		key := strings.ToLower(chunk)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, chunk)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

func (a *Agents) prepareConnections(ctx context.Context, rs *state.RunState) (state.Update, error) {
	prompt := a.promptOf(rs)
	sel := rs.Sources()

	summary := &state.ConnectionSummary{
		Context: state.ConnectionContext{
			Sector:    prompt.Sector,
			Function:  prompt.Function,
			Geography: prompt.Geography,
			Timeframe: prompt.Timeframe,
			Keywords:  ExtractKeywords(rs.Input.Question),
		},
		Connections: []state.DataConnection{},
	}
	if sel == nil {
		return state.Update{Stage: state.StageDataConnector, Output: summary}, nil
	}

	warehouseReady := a.gatherer.WarehouseStatus().State == state.WarehouseConnected
	for _, ranked := range append(append([]state.RankedSource(nil), sel.Recommended...), sel.Supplementary...) {
		src, ok := a.catalog.Get(ranked.ID)
		if !ok {
			continue
		}
		summary.Connections = append(summary.Connections, connectionFor(src, ranked, warehouseReady))
	}
	return state.Update{
		Stage:   state.StageDataConnector,
		Output:  summary,
		Message: fmt.Sprintf("Prepared %s for data ingestion.", plural(len(summary.Connections), "connection")),
	}, nil
}

// connectionFor decides how a selected source can be ingested.
func connectionFor(src sources.Source, ranked state.RankedSource, warehouseReady bool) state.DataConnection {
	c := state.DataConnection{
		SourceID:   src.ID,
		Name:       src.Name,
		Access:     ranked.Access,
		TrustLevel: ranked.TrustLevel,
		Datasets:   make([]state.Dataset, 0, len(src.Datasets)),
	}
	structured := false
	for _, d := range src.Datasets {
		c.Datasets = append(c.Datasets, state.Dataset{
			Title:           d.Title,
			Description:     d.Description,
			RetrievalMethod: d.RetrievalMethod,
			URL:             d.URL,
		})
		switch d.RetrievalMethod {
		case "api", "download", "data_share":
			structured = true
		}
	}

	switch {
	case src.ID == gatherers.WarehouseSourceID && warehouseReady:
		c.Status = state.ConnectionReady
		c.Notes = "Warehouse share is connected; SQL probes will run for priority requirements."
	case src.RequiresAuth:
		c.Status = state.ConnectionRequiresCredentials
		c.Notes = "Credentials are required before data can be ingested."
	case structured:
		c.Status = state.ConnectionReady
		c.Notes = "Public datasets can be ingested directly."
	default:
		c.Status = state.ConnectionNotApplicable
		c.Notes = "No structured dataset; covered through web search."
	}
	return c
}
