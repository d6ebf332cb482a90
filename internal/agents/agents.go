// Package agents implements the research pipeline stages. Each stage reads the
// slots written before it and returns an update for its own slot only.
package agents

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/deliverable"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/gatherers"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/pipeline"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/policy"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/sources"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// Deps are the lifecycle-scoped collaborators the stages share.
type Deps struct {
	Generator llm.Generator
	Catalog   *sources.Catalog
	Policy    policy.Engine
	Gatherer  *gatherers.Gatherer
	Assembler *deliverable.Assembler
	Logger    *zap.Logger
}

// Agents holds the stage implementations. It keeps no per-run state.
type Agents struct {
	generator llm.Generator
	catalog   *sources.Catalog
	policy    policy.Engine
	gatherer  *gatherers.Gatherer
	assembler *deliverable.Assembler
	logger    *zap.Logger
}

// New validates deps and fills the optional ones.
func New(deps Deps) (*Agents, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("agents: source catalog is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Generator == nil {
		deps.Generator = llm.Unavailable{}
	}
	if deps.Policy == nil {
		engine, err := policy.NewOPAEngine(policy.Config{Mode: policy.ModeOff}, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Policy = engine
	}
	if deps.Gatherer == nil {
		deps.Gatherer = gatherers.New(deps.Generator, nil, nil, config.GathererConfig{}, deps.Logger)
	}
	if deps.Assembler == nil {
		deps.Assembler = deliverable.NewAssembler(config.DeliverableConfig{}, nil, deps.Logger)
	}
	return &Agents{
		generator: deps.Generator,
		catalog:   deps.Catalog,
		policy:    deps.Policy,
		gatherer:  deps.Gatherer,
		assembler: deps.Assembler,
		logger:    deps.Logger,
	}, nil
}

// Stages returns the stages in their fixed execution order.
func (a *Agents) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.New(state.StagePromptEnhancer, a.enhancePrompt),
		pipeline.New(state.StageLeadManager, a.planScope),
		pipeline.New(state.StageDataSourceManager, a.selectSources),
		pipeline.New(state.StageDataConnector, a.prepareConnections),
		pipeline.New(state.StageDataSearcher, a.search),
		pipeline.New(state.StageExpertInput, a.flagGaps),
		pipeline.New(state.StageDataAnalyzer, a.analyze),
		pipeline.New(state.StageDataPresenter, a.present),
		pipeline.New(state.StageReviewer, a.review),
		pipeline.New(state.StageRenderPackager, a.packageDeliverable),
	}
}

// Definition builds the research pipeline from cfg: the reviewer -> analyzer
// revision edge, the execution budget, critical stages and the stage timeout.
func (a *Agents) Definition(cfg config.PipelineConfig) (*pipeline.Definition, error) {
	opts := []pipeline.Option{
		pipeline.WithRetryEdge(pipeline.RetryEdge{
			From:         state.StageReviewer,
			To:           state.StageDataAnalyzer,
			MaxRevisions: cfg.MaxRevisions,
			ShouldRetry:  pipeline.QualityBelow(cfg.QualityThreshold),
		}),
	}
	if cfg.MaxStageExecutions > 0 {
		opts = append(opts, pipeline.WithMaxExecutions(cfg.MaxStageExecutions))
	}
	if cfg.StageTimeout > 0 {
		opts = append(opts, pipeline.WithStageTimeout(cfg.StageTimeout))
	}
	if len(cfg.CriticalStages) > 0 {
		names := make([]state.StageName, len(cfg.CriticalStages))
		for i, n := range cfg.CriticalStages {
			names[i] = state.StageName(n)
		}
		opts = append(opts, pipeline.WithCriticalStages(names...))
	}
	return pipeline.NewDefinition(a.Stages(), opts...)
}

// promptOf returns the enhanced prompt, or the heuristic one when the
// prompt_enhancer slot is empty.
func (a *Agents) promptOf(rs *state.RunState) *state.EnhancedPrompt {
	if p := rs.EnhancedPrompt(); p != nil {
		return p
	}
	return heuristicPrompt(rs.Input.Question)
}

func elapsed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
