package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metrics"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/tracing"
)

var (
	// ErrCancelled is returned when the caller cancelled the run.
	ErrCancelled = errors.New("run cancelled")
	// ErrRecursionLimit is returned when a run exceeds its stage execution budget.
	ErrRecursionLimit = errors.New("stage execution limit reached")
	// ErrCriticalStage is returned when a stage marked critical fails.
	ErrCriticalStage = errors.New("critical stage failed")

	errStopped = errors.New("consumer stopped the stream")
)

// Observer receives every execution log record as it is appended.
type Observer interface {
	OnRecord(runID string, rec state.StageRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(runID string, rec state.StageRecord)

func (f ObserverFunc) OnRecord(runID string, rec state.StageRecord) { f(runID, rec) }

// Orchestrator executes a Definition against one input at a time. It holds no
// per-run state and may serve concurrent runs.
type Orchestrator struct {
	def       *Definition
	logger    *zap.Logger
	observers []Observer
}

// NewOrchestrator creates an orchestrator for def.
func NewOrchestrator(def *Definition, logger *zap.Logger, observers ...Observer) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{def: def, logger: logger, observers: observers}
}

// Definition returns the pipeline the orchestrator runs.
func (o *Orchestrator) Definition() *Definition { return o.def }

// Run executes the pipeline to completion. Stage failures are recorded and the
// run continues; fatal errors return the partial state with the error.
func (o *Orchestrator) Run(ctx context.Context, in state.Input) (*state.RunState, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return o.execute(ctx, in, "sync", nil)
}

// Stream executes the pipeline lazily, yielding a snapshot after every completed,
// errored or cancelled stage. The next stage starts only when the consumer asks
// for the next value; breaking out of the loop stops the run. A fatal error is
// yielded once, paired with the last snapshot.
func (o *Orchestrator) Stream(ctx context.Context, in state.Input) iter.Seq2[*state.RunState, error] {
	return func(yield func(*state.RunState, error) bool) {
		if err := in.Validate(); err != nil {
			yield(nil, err)
			return
		}
		_, _ = o.execute(ctx, in, "stream", yield)
	}
}

func (o *Orchestrator) execute(ctx context.Context, in state.Input, mode string, yield func(*state.RunState, error) bool) (*state.RunState, error) {
	st := state.NewRunState(in)
	ctx, span := tracing.StartRunSpan(ctx, st.RunID)
	defer span.End()

	logger := o.logger.With(zap.String("run_id", st.RunID))
	logger.Info("Research run started", zap.String("mode", mode), zap.Int("stages", len(o.def.stages)))
	metrics.RunsStarted.WithLabelValues(mode).Inc()
	started := time.Now()
	revisions := 0

	finish := func(outcome string, err error) (*state.RunState, error) {
		metrics.RecordRunMetrics(mode, outcome, time.Since(started).Seconds(), revisions)
		tracing.RecordError(span, err)
		if err != nil && !errors.Is(err, errStopped) {
			logger.Warn("Research run ended early", zap.String("outcome", outcome), zap.Error(err))
			if yield != nil {
				yield(st.Snapshot(), err)
			}
		} else {
			logger.Info("Research run finished",
				zap.String("outcome", outcome),
				zap.Int("log_entries", len(st.Log)),
				zap.Duration("elapsed", time.Since(started)),
			)
		}
		return st, err
	}

	// emit hands a transition snapshot to the stream consumer, if any.
	emit := func() bool {
		if yield == nil {
			return true
		}
		metrics.StreamSnapshots.WithLabelValues("iterator").Inc()
		return yield(st.Snapshot(), nil)
	}

	executions := 0
	for i := 0; i < len(o.def.stages); {
		stage := o.def.stages[i]
		name := stage.Name()

		// The marker names the stage that will not run.
		if ctx.Err() != nil {
			o.record(st, state.StageRecord{Stage: name, Status: state.StatusCancelled, Message: "run cancelled", Revision: revisions})
			metrics.RecordStageMetrics(string(name), string(state.StatusCancelled), 0)
			return finish("cancelled", fmt.Errorf("%w before %s", ErrCancelled, name))
		}
		executions++
		if executions > o.def.maxExecutions {
			return finish("recursion_limit", fmt.Errorf("%w: %d executions", ErrRecursionLimit, o.def.maxExecutions))
		}

		o.record(st, state.StageRecord{Stage: name, Status: state.StatusStarted, Revision: revisions})
		stageStart := time.Now()
		stageCtx, stageSpan := tracing.StartStageSpan(ctx, string(name), executions)
		upd, err := o.runStage(stageCtx, stage, st)
		tracing.RecordError(stageSpan, err)
		stageSpan.End()
		elapsedMs := float64(time.Since(stageStart).Milliseconds())

		// A cancel that arrived while the stage ran wins over its result.
		if ctx.Err() != nil {
			o.record(st, state.StageRecord{Stage: name, Status: state.StatusCancelled, Message: "run cancelled", Revision: revisions})
			metrics.RecordStageMetrics(string(name), string(state.StatusCancelled), elapsedMs)
			return finish("cancelled", fmt.Errorf("%w during %s", ErrCancelled, name))
		}

		if err == nil {
			upd.Stage = name
			if mergeErr := st.Merge(upd); mergeErr != nil {
				err = &StageError{Stage: name, Err: mergeErr}
			}
		}

		if err != nil {
			o.record(st, state.StageRecord{Stage: name, Status: state.StatusError, Message: err.Error(), Revision: revisions})
			metrics.RecordStageMetrics(string(name), string(state.StatusError), elapsedMs)
			logger.Error("Stage failed", zap.String("stage", string(name)), zap.Error(err))
			if o.def.critical[name] {
				return finish("critical_failure", fmt.Errorf("%w: %w", ErrCriticalStage, err))
			}
			if !emit() {
				return finish("stopped", errStopped)
			}
			i++
			continue
		}

		o.record(st, state.StageRecord{
			Stage:        name,
			Status:       state.StatusCompleted,
			OutputDigest: state.Digest(upd.Output),
			Message:      upd.Message,
			Revision:     revisions,
		})
		metrics.RecordStageMetrics(string(name), string(state.StatusCompleted), elapsedMs)
		logger.Debug("Stage completed", zap.String("stage", string(name)), zap.Float64("elapsed_ms", elapsedMs))
		if !emit() {
			return finish("stopped", errStopped)
		}

		if edge := o.def.retry; edge != nil && name == edge.From && revisions < edge.MaxRevisions && edge.ShouldRetry(st) {
			revisions++
			reopened := o.def.reopened()
			st.Reopen(revisions, reopened...)
			logger.Info("Quality gate requested a revision",
				zap.Int("revision", revisions),
				zap.String("resume_at", string(edge.To)),
			)
			i = o.def.index[edge.To]
			continue
		}
		i++
	}

	return finish("completed", nil)
}

// runStage contains errors and panics at the stage boundary.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, st *state.RunState) (upd state.Update, err error) {
	if o.def.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.def.stageTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: stage.Name(), Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	upd, err = stage.Run(ctx, st)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			err = &StageError{Stage: stage.Name(), Err: err}
		}
	}
	return upd, err
}

func (o *Orchestrator) record(st *state.RunState, rec state.StageRecord) {
	st.Append(rec)
	last, _ := st.LastRecord()
	for _, obs := range o.observers {
		obs.OnRecord(st.RunID, last)
	}
}
