package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/gatherers"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

func (a *Agents) search(ctx context.Context, rs *state.RunState) (state.Update, error) {
	start := time.Now()
	prompt := a.promptOf(rs)

	qc := gatherers.QueryContext{
		Geography: prompt.Geography,
		Timeframe: prompt.Timeframe,
		Locale:    rs.Input.Locale(),
	}
	var connections []state.DataConnection
	if c := rs.Connections(); c != nil {
		connections = c.Connections
		qc.Keywords = c.Context.Keywords
		if c.Context.Geography != "" {
			qc.Geography = c.Context.Geography
		}
		if c.Context.Timeframe != "" {
			qc.Timeframe = c.Context.Timeframe
		}
	}

	plan := a.gatherer.Gather(ctx, gatherers.Plan{
		Sections:    rs.Sections(),
		Context:     qc,
		Connections: connections,
		Files:       rs.Input.Files,
	})
	if err := ctx.Err(); err != nil {
		return state.Update{}, err
	}

	a.logger.Info("Search plan executed",
		zap.String("run_id", rs.RunID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.String("warehouse", string(plan.Warehouse.Status)),
		elapsed(start),
	)
	return state.Update{
		Stage:   state.StageDataSearcher,
		Output:  plan,
		Message: fmt.Sprintf("Prepared %s.", plural(len(plan.Tasks), "search task")),
	}, nil
}
