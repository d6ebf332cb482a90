package agents

import (
	"context"
	"fmt"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

func (a *Agents) packageDeliverable(_ context.Context, rs *state.RunState) (state.Update, error) {
	d := a.assembler.Assemble(rs)
	return state.Update{
		Stage:   state.StageRenderPackager,
		Output:  d,
		Message: fmt.Sprintf("Deliverable assembled (%s) and ready for export.", plural(len(d.Sections), "section")),
	}, nil
}
