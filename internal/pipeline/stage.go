package pipeline

import (
	"context"
	"fmt"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// Stage is one step of the pipeline. Run reads the accumulated state and returns
// the update for its own slot; it must not mutate st.
type Stage interface {
	Name() state.StageName
	Run(ctx context.Context, st *state.RunState) (state.Update, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, st *state.RunState) (state.Update, error)

type funcStage struct {
	name state.StageName
	fn   StageFunc
}

// New wraps fn as a stage called name.
func New(name state.StageName, fn StageFunc) Stage {
	return &funcStage{name: name, fn: fn}
}

func (s *funcStage) Name() state.StageName { return s.name }

func (s *funcStage) Run(ctx context.Context, st *state.RunState) (state.Update, error) {
	return s.fn(ctx, st)
}

// StageError is a failure contained at a stage boundary.
type StageError struct {
	Stage state.StageName
	Err   error
	Panic bool
}

func (e *StageError) Error() string {
	if e.Panic {
		return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
