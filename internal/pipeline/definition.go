package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

// DefaultMaxExecutions bounds the total number of stage executions in one run.
const DefaultMaxExecutions = 50

// RetryEdge sends the run back from From to To while ShouldRetry holds and
// revisions remain. To must come before From.
type RetryEdge struct {
	From         state.StageName
	To           state.StageName
	MaxRevisions int
	ShouldRetry  func(st *state.RunState) bool
}

// QualityBelow retries while the review score is under threshold.
func QualityBelow(threshold float64) func(*state.RunState) bool {
	return func(st *state.RunState) bool {
		r := st.Review()
		return r != nil && r.QualityScore < threshold
	}
}

// Definition is the fixed, ordered list of stages plus the optional revision edge.
type Definition struct {
	stages        []Stage
	index         map[state.StageName]int
	retry         *RetryEdge
	maxExecutions int
	critical      map[state.StageName]bool
	stageTimeout  time.Duration
}

// Option configures a Definition.
type Option func(*Definition)

// WithRetryEdge installs the conditional revision edge.
func WithRetryEdge(edge RetryEdge) Option {
	return func(d *Definition) { d.retry = &edge }
}

// WithMaxExecutions overrides DefaultMaxExecutions.
func WithMaxExecutions(n int) Option {
	return func(d *Definition) { d.maxExecutions = n }
}

// WithCriticalStages marks stages whose failure ends the run.
func WithCriticalStages(names ...state.StageName) Option {
	return func(d *Definition) {
		for _, n := range names {
			d.critical[n] = true
		}
	}
}

// WithStageTimeout bounds every stage execution. Zero means no bound.
func WithStageTimeout(timeout time.Duration) Option {
	return func(d *Definition) { d.stageTimeout = timeout }
}

// NewDefinition validates and builds a pipeline definition.
func NewDefinition(stages []Stage, opts ...Option) (*Definition, error) {
	d := &Definition{
		stages:        stages,
		index:         make(map[state.StageName]int, len(stages)),
		maxExecutions: DefaultMaxExecutions,
		critical:      make(map[state.StageName]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) validate() error {
	if len(d.stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	for i, s := range d.stages {
		if s == nil {
			return fmt.Errorf("stage %d is nil", i)
		}
		if _, dup := d.index[s.Name()]; dup {
			return fmt.Errorf("stage %s registered twice", s.Name())
		}
		d.index[s.Name()] = i
	}
	if d.maxExecutions <= 0 {
		return fmt.Errorf("max executions must be positive, got %d", d.maxExecutions)
	}
	for name := range d.critical {
		if _, ok := d.index[name]; !ok {
			return fmt.Errorf("critical stage %s is not part of the pipeline", name)
		}
	}
	if e := d.retry; e != nil {
		from, okFrom := d.index[e.From]
		to, okTo := d.index[e.To]
		if !okFrom || !okTo {
			return fmt.Errorf("retry edge %s -> %s references an unknown stage", e.From, e.To)
		}
		if to > from {
			return fmt.Errorf("retry edge %s -> %s must point backwards", e.From, e.To)
		}
		if e.MaxRevisions < 0 {
			return fmt.Errorf("retry edge max revisions must not be negative")
		}
		if e.ShouldRetry == nil {
			return fmt.Errorf("retry edge %s -> %s has no predicate", e.From, e.To)
		}
	}
	return nil
}

// Names returns the stage names in execution order.
func (d *Definition) Names() []state.StageName {
	names := make([]state.StageName, len(d.stages))
	for i, s := range d.stages {
		names[i] = s.Name()
	}
	return names
}

// reopened returns the stages a revision pass re-executes, in order.
func (d *Definition) reopened() []state.StageName {
	from, to := d.index[d.retry.From], d.index[d.retry.To]
	names := make([]state.StageName, 0, from-to+1)
	for i := to; i <= from; i++ {
		names = append(names, d.stages[i].Name())
	}
	return names
}
