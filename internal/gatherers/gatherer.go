// Package gatherers fans a section plan out to the external capabilities (web
// search, warehouse, generation over user files) and collects every outcome,
// success or contained failure, as evidence.
package gatherers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metrics"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/tracing"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/websearch"
)

const (
	capabilityWeb             = "web_search"
	capabilityWarehouse       = "warehouse"
	capabilityWarehouseTables = "warehouse_tables"
	capabilityUserFiles       = "user_files"
)

// QueryContext is shared by every sub-task of a run.
type QueryContext struct {
	Geography string
	Timeframe string
	Locale    string
	Keywords  []string
}

// Plan is the input of one Gather call.
type Plan struct {
	Sections    []state.Section
	Context     QueryContext
	Connections []state.DataConnection
	Files       []state.UserFile
}

// Gatherer holds the lifecycle-scoped capability clients. Budgets and dedup
// sets live in a per-call run value, so one Gatherer serves concurrent runs.
type Gatherer struct {
	generator llm.Generator
	searcher  websearch.Searcher
	warehouse warehouse.Querier
	cfg       config.GathererConfig
	limiter   *rate.Limiter
	docs      *documentConverter
	logger    *zap.Logger
}

// New creates a gatherer. Nil capabilities are replaced by their disabled forms.
func New(generator llm.Generator, searcher websearch.Searcher, wh warehouse.Querier, cfg config.GathererConfig, logger *zap.Logger) *Gatherer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if generator == nil {
		generator = llm.Unavailable{}
	}
	if searcher == nil {
		searcher = websearch.Disabled{}
	}
	if wh == nil {
		wh = warehouse.Disabled("Warehouse connection settings are not configured.")
	}
	cfg = withDefaults(cfg)

	limit := rate.Inf
	if cfg.WebRatePerSecond > 0 {
		limit = rate.Limit(cfg.WebRatePerSecond)
	}
	return &Gatherer{
		generator: generator,
		searcher:  searcher,
		warehouse: wh,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, max(cfg.WebBurst, 1)),
		docs:      newDocumentConverter(),
		logger:    logger,
	}
}

func withDefaults(cfg config.GathererConfig) config.GathererConfig {
	if cfg.MaxWebQueriesPerSection <= 0 {
		cfg.MaxWebQueriesPerSection = 2
	}
	if cfg.WebConcurrency <= 0 {
		cfg.WebConcurrency = 4
	}
	switch {
	case cfg.MaxWarehouseProbes == 0:
		cfg.MaxWarehouseProbes = 3
	case cfg.MaxWarehouseProbes < 0:
		cfg.MaxWarehouseProbes = 0
	}
	if cfg.WarehouseConcurrency <= 0 {
		cfg.WarehouseConcurrency = 3
	}
	if cfg.WarehouseRowLimit <= 0 {
		cfg.WarehouseRowLimit = 25
	}
	if cfg.UserFileConcurrency <= 0 {
		cfg.UserFileConcurrency = 3
	}
	if cfg.UserFileExcerptChars <= 0 {
		cfg.UserFileExcerptChars = 2000
	}
	return cfg
}

// WarehouseStatus reports the current availability of the warehouse capability.
func (g *Gatherer) WarehouseStatus() warehouse.Status { return g.warehouse.Status() }

// Gather plans the search tasks for every section and requirement, runs them
// under the per-capability caps and returns once every sub-task has finished.
func (g *Gatherer) Gather(ctx context.Context, plan Plan) *state.SearchPlan {
	ctx, span := tracing.StartSpan(ctx, "gatherers.gather")
	defer span.End()

	r := g.prepare(plan)

	var all errgroup.Group
	all.Go(func() error { g.runWeb(ctx, r); return nil })
	all.Go(func() error { g.runWarehouse(ctx, r); return nil })
	all.Go(func() error { g.runUserFiles(ctx, r); return nil })
	_ = all.Wait()

	r.finish()

	g.logger.Info("Evidence gathered",
		zap.Int("tasks", len(r.out.Tasks)),
		zap.Int("web", len(r.out.Web)),
		zap.Int("proprietary", len(r.out.Proprietary)),
		zap.Int("warehouse", len(r.out.Warehouse.Results)),
		zap.Int("warehouse_skipped", r.out.Warehouse.Skipped),
		zap.Int("user_files", len(r.out.UserFiles)),
	)
	return r.out
}

// outcome maps an error to the metrics label.
func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func observe(capability string, start time.Time, err error) {
	metrics.RecordGathererCall(capability, outcome(err), time.Since(start).Seconds())
}
