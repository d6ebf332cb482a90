package gatherers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/websearch"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	fail    string
}

func (f *fakeSearcher) Enabled() bool { return true }

func (f *fakeSearcher) Search(_ context.Context, query, _ string) ([]websearch.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.fail != "" && strings.Contains(query, f.fail) {
		return nil, errors.New("provider unavailable")
	}
	return []websearch.Result{
		{Title: "Report on " + query, Link: "https://example.org/" + strings.ReplaceAll(query, " ", "-"), Snippet: "Key figures"},
		{Title: "Second", Link: "https://example.com/b", Snippet: ""},
	}, nil
}

type fakeWarehouse struct {
	calls   atomic.Int32
	lookups atomic.Int32
	status  warehouse.Status
	fail    string
	tables  []warehouse.Table
	keys    []string
	tblErr  error
}

func (f *fakeWarehouse) Status() warehouse.Status { return f.status }

func (f *fakeWarehouse) Execute(_ context.Context, sql string, _ []any, rowLimit int) ([]warehouse.Row, error) {
	f.calls.Add(1)
	if f.fail != "" && strings.Contains(sql, f.fail) {
		return nil, errors.New("relation does not exist")
	}
	rows := []warehouse.Row{{"region": "EU", "units": 10}, {"region": "US", "units": 7}}
	return rows[:min(rowLimit, len(rows))], nil
}

func (f *fakeWarehouse) FindTables(_ context.Context, keywords []string, limit int) ([]warehouse.Table, error) {
	f.lookups.Add(1)
	f.keys = keywords
	if f.tblErr != nil {
		return nil, f.tblErr
	}
	return f.tables[:min(limit, len(f.tables))], nil
}

func connected() *fakeWarehouse {
	return &fakeWarehouse{status: warehouse.Status{State: state.WarehouseConnected}}
}

// sqlGenerator answers warehouse prompts with a statement naming the requirement.
func sqlGenerator() llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, req llm.Request) (json.RawMessage, error) {
		if req.Task != "warehouse_sql" {
			return nil, llm.ErrUnavailable
		}
		line := strings.SplitN(req.Prompt, "\n", 3)[1]
		sql := "```sql\nSELECT * FROM facts WHERE topic = '" + strings.TrimPrefix(line, "Requirement: ") + "'\n```"
		return json.Marshal(sql)
	})
}

func testConfig() config.GathererConfig {
	return config.GathererConfig{
		MaxWebQueriesPerSection: 2,
		WebConcurrency:          4,
		MaxWarehouseProbes:      3,
		WarehouseConcurrency:    2,
		WarehouseRowLimit:       25,
		UserFileConcurrency:     2,
		UserFileExcerptChars:    500,
	}
}

func sections() []state.Section {
	return []state.Section{
		{ID: "section-1", Title: "Market sizing", DataRequirements: []string{"Market size", "Growth rate", "Segment split"}},
		{ID: "section-2", Title: "Competitive landscape", DataRequirements: []string{"Market share", "Pricing", "New entrants"}},
	}
}

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "Market size Europe electric vehicles batteries",
		BuildQuery("- Market size", "Europe", []string{"electric vehicles", "batteries", "charging"}))
	assert.Equal(t, "Market size Global", BuildQuery("**Market size", "Global", nil))
	assert.Equal(t, "Market size Europe site:(europe)", WebQuery("Market size Europe", "Europe"))
}

func TestSignatureNormalizesQuery(t *testing.T) {
	assert.Equal(t, Signature("s1", "Market  Size", ""), Signature("s1", "market size", ""))
	assert.NotEqual(t, Signature("s1", "market size", ""), Signature("s2", "market size", ""))
	assert.NotEqual(t, Signature("s1", "market size", "fr-FR"), Signature("s1", "market size", "en-US"))
}

func TestWarehouseProbesCappedPerRun(t *testing.T) {
	wh := connected()
	g := New(sqlGenerator(), &fakeSearcher{}, wh, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections(), Context: QueryContext{Geography: "Europe"}})

	assert.EqualValues(t, 3, wh.calls.Load())
	require.Len(t, plan.Warehouse.Results, 3)
	assert.Equal(t, 3, plan.Warehouse.Skipped)
	assert.Equal(t, state.WarehouseConnected, plan.Warehouse.Status)

	// slots follow plan order
	assert.Equal(t, "Market size", plan.Warehouse.Results[0].Requirement)
	assert.Equal(t, "Growth rate", plan.Warehouse.Results[1].Requirement)
	assert.Equal(t, "Segment split", plan.Warehouse.Results[2].Requirement)
	assert.Equal(t, "SELECT * FROM facts WHERE topic = 'Market size'", plan.Warehouse.Results[0].SQL)
	for _, res := range plan.Warehouse.Results {
		assert.Empty(t, res.Error)
		assert.Len(t, res.Rows, 2)
	}
	assert.Contains(t, plan.Coverage[0].PlannedTasks, labelProbeExecuted)
	assert.NotContains(t, plan.Coverage[0].PlannedTasks, labelProbePending)
	assert.NotContains(t, plan.Coverage[1].PlannedTasks, labelProbeExecuted)
}

func TestSQLPromptListsCandidateTables(t *testing.T) {
	prompt := SQLPrompt("Market size", "Sizing", "Europe", []string{"ev", "battery"}, []warehouse.Table{
		{Schema: "public", Name: "ev_sales", Comment: "Monthly EV registrations"},
		{Schema: "main", Name: "battery_prices"},
	})
	assert.Contains(t, prompt, "Relevant keywords: ev, battery")
	assert.Contains(t, prompt, "Candidate tables:\n- public.ev_sales: Monthly EV registrations\n- main.battery_prices\n")

	assert.NotContains(t, SQLPrompt("Market size", "Sizing", "Europe", nil, nil), "Candidate tables")
}

func TestWarehouseTablesLookedUpOncePerRun(t *testing.T) {
	wh := connected()
	wh.tables = []warehouse.Table{{Schema: "public", Name: "ev_sales"}}
	var prompts []string
	var mu sync.Mutex
	gen := llm.GeneratorFunc(func(_ context.Context, req llm.Request) (json.RawMessage, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return json.Marshal("SELECT * FROM public.ev_sales")
	})
	g := New(gen, &fakeSearcher{}, wh, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{
		Sections: sections(),
		Context:  QueryContext{Geography: "Europe", Keywords: []string{"ev sales"}},
	})

	assert.EqualValues(t, 1, wh.lookups.Load())
	assert.Equal(t, []string{"ev sales"}, wh.keys)
	require.Len(t, prompts, 3)
	for _, p := range prompts {
		assert.Contains(t, p, "- public.ev_sales")
	}
	assert.Len(t, plan.Warehouse.Results, 3)
}

func TestWarehouseTableLookupFailureIsContained(t *testing.T) {
	wh := connected()
	wh.tblErr = errors.New("permission denied for information_schema")
	g := New(sqlGenerator(), &fakeSearcher{}, wh, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections()[:1]})

	assert.EqualValues(t, 3, wh.calls.Load())
	for _, res := range plan.Warehouse.Results {
		assert.Empty(t, res.Error)
	}
}

func TestWarehouseProbeCapDefaults(t *testing.T) {
	t.Run("zero uses the default cap", func(t *testing.T) {
		wh := connected()
		cfg := testConfig()
		cfg.MaxWarehouseProbes = 0
		g := New(sqlGenerator(), &fakeSearcher{}, wh, cfg, zaptest.NewLogger(t))

		plan := g.Gather(context.Background(), Plan{Sections: sections()})

		assert.EqualValues(t, 3, wh.calls.Load())
		assert.Equal(t, 3, plan.Warehouse.Skipped)
	})

	t.Run("negative turns warehouse queries off", func(t *testing.T) {
		wh := connected()
		cfg := testConfig()
		cfg.MaxWarehouseProbes = -1
		g := New(sqlGenerator(), &fakeSearcher{}, wh, cfg, zaptest.NewLogger(t))

		plan := g.Gather(context.Background(), Plan{Sections: sections()})

		assert.Zero(t, wh.calls.Load())
		assert.Zero(t, wh.lookups.Load())
		assert.Empty(t, plan.Warehouse.Results)
		assert.Equal(t, 6, plan.Warehouse.Skipped)
	})
}

func TestWarehouseProbeFailureIsContained(t *testing.T) {
	wh := connected()
	wh.fail = "Growth rate"
	g := New(sqlGenerator(), &fakeSearcher{}, wh, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections()[:1]})

	require.Len(t, plan.Warehouse.Results, 3)
	assert.True(t, plan.Warehouse.Results[1].Failed())
	assert.Contains(t, plan.Warehouse.Results[1].Error, "does not exist")
	assert.Contains(t, plan.Coverage[0].PlannedTasks, labelProbeFailed)
	assert.Contains(t, plan.Coverage[0].PlannedTasks, labelProbeExecuted)
}

func TestWarehouseWithoutSQLConsumesSlot(t *testing.T) {
	wh := connected()
	g := New(llm.Unavailable{}, &fakeSearcher{}, wh, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections()})

	assert.Zero(t, wh.calls.Load())
	require.Len(t, plan.Warehouse.Results, 3)
	assert.Contains(t, plan.Warehouse.Results[0].Error, "no SQL statement")
	assert.Equal(t, 3, plan.Warehouse.Skipped)
}

func TestDisabledWarehouse(t *testing.T) {
	g := New(sqlGenerator(), &fakeSearcher{}, nil, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections()})

	assert.Equal(t, state.WarehouseDisabled, plan.Warehouse.Status)
	assert.NotEmpty(t, plan.Warehouse.Message)
	assert.Empty(t, plan.Warehouse.Results)
	assert.Zero(t, plan.Warehouse.Skipped)
	for _, task := range plan.Tasks {
		assert.NotEqual(t, state.ChannelWarehouse, task.Channel)
	}
}

func TestWebQueriesDedupedAndCapped(t *testing.T) {
	searcher := &fakeSearcher{}
	g := New(nil, searcher, nil, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{
		Sections: []state.Section{
			{ID: "s1", Title: "Sizing", DataRequirements: []string{"- Market size", "Market size", "Growth", "Pricing"}},
			{ID: "s2", Title: "Other", DataRequirements: []string{"Market size"}},
		},
		Context: QueryContext{Geography: "Europe", Keywords: []string{"ev"}},
	})

	var s1, s2 int
	for _, task := range plan.Tasks {
		if task.Channel != state.ChannelWeb {
			continue
		}
		switch task.SectionID {
		case "s1":
			s1++
		case "s2":
			s2++
		}
	}
	assert.Equal(t, 2, s1)
	assert.Equal(t, 1, s2)
	require.Len(t, plan.Web, 3)
	assert.Len(t, searcher.queries, 3)
	assert.Equal(t, "Market size Europe ev site:(europe)", plan.Web[0].Query)
	assert.Equal(t, "Growth Europe ev site:(europe)", plan.Web[1].Query)
	assert.Equal(t, "s2", plan.Web[2].SectionID)
}

func TestWebFailureIsContained(t *testing.T) {
	searcher := &fakeSearcher{fail: "Pricing"}
	g := New(nil, searcher, nil, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections()[1:]})

	require.Len(t, plan.Web, 2)
	assert.False(t, plan.Web[0].Failed())
	assert.Equal(t, "medium", plan.Web[0].Confidence)
	assert.Len(t, plan.Web[0].Sources, 2)
	assert.Equal(t, []string{"Key figures"}, plan.Web[0].Snippets)
	assert.True(t, plan.Web[1].Failed())
	assert.Contains(t, plan.Web[1].Error, "provider unavailable")
}

func TestDisabledSearchYieldsEmptyResults(t *testing.T) {
	g := New(nil, websearch.Disabled{}, nil, testConfig(), zaptest.NewLogger(t))

	plan := g.Gather(context.Background(), Plan{Sections: sections()[:1]})

	require.Len(t, plan.Web, 2)
	for _, res := range plan.Web {
		assert.False(t, res.Failed())
		assert.Empty(t, res.Sources)
		assert.Contains(t, res.Summary, "not available")
	}
}

func TestProprietaryCoverage(t *testing.T) {
	t.Run("no connection leaves requirements unmet", func(t *testing.T) {
		g := New(nil, nil, nil, testConfig(), zaptest.NewLogger(t))
		plan := g.Gather(context.Background(), Plan{Sections: sections()[:1]})
		assert.Equal(t, []string{"Market size", "Growth rate", "Segment split"}, plan.Coverage[0].UnmetRequirements)
		assert.Empty(t, plan.Proprietary)
	})

	t.Run("warehouse marketplace preferred", func(t *testing.T) {
		g := New(nil, nil, nil, testConfig(), zaptest.NewLogger(t))
		plan := g.Gather(context.Background(), Plan{
			Sections: sections()[:1],
			Connections: []state.DataConnection{
				{SourceID: "eurostat", Name: "Eurostat", Status: state.ConnectionReady},
				{SourceID: WarehouseSourceID, Name: "Snowflake Marketplace", Status: state.ConnectionRequiresCredentials},
			},
		})
		assert.Empty(t, plan.Coverage[0].UnmetRequirements)
		require.Len(t, plan.Proprietary, 1)
		assert.Equal(t, WarehouseSourceID, plan.Proprietary[0].SourceID)
		assert.Equal(t, "credentials required", plan.Proprietary[0].Availability)

		task := plan.Tasks[0]
		assert.Equal(t, "section-1-proprietary-0", task.ID)
		assert.Equal(t, state.ChannelProprietary, task.Channel)
		assert.True(t, strings.HasSuffix(task.Rationale, "(access coordination required before extraction)."))
		assert.Equal(t, "section-1-web-1", plan.Tasks[1].ID)
		assert.Contains(t, plan.Coverage[0].PlannedTasks, "Proprietary: Snowflake Marketplace")
	})
}

func TestUserFilesMatchedToSections(t *testing.T) {
	g := New(nil, nil, nil, testConfig(), zaptest.NewLogger(t))
	plan := g.Gather(context.Background(), Plan{
		Sections: sections(),
		Files: []state.UserFile{
			{Filename: "competitors.csv", Content: "Competitive pricing overview\nLeader share 34%\nChallenger share 21%"},
			{Filename: "notes.txt", Content: "misc"},
			{Filename: "empty.txt", Content: "  "},
		},
	})

	require.Len(t, plan.UserFiles, 3)
	assert.Equal(t, "section-2", plan.UserFiles[0].SectionID)
	assert.Equal(t, []string{"Leader share 34%", "Challenger share 21%"}, plan.UserFiles[0].KeyMetrics)
	assert.NotEmpty(t, plan.UserFiles[0].Summary)
	assert.Equal(t, "section-1", plan.UserFiles[1].SectionID)
	assert.True(t, plan.UserFiles[2].Failed())
	assert.Contains(t, plan.Coverage[1].PlannedTasks, "User file: competitors.csv")
}

func TestGatherHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.WebRatePerSecond = 0.001
	cfg.WebBurst = 1
	g := New(sqlGenerator(), &fakeSearcher{}, connected(), cfg, zaptest.NewLogger(t))

	plan := g.Gather(ctx, Plan{Sections: sections()})

	require.Len(t, plan.Web, 4)
	for _, res := range plan.Web {
		assert.True(t, res.Failed())
	}
	require.Len(t, plan.Warehouse.Results, 3)
}
