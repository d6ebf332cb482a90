package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrForeignSlot is returned when an update writes a slot owned by another stage.
	ErrForeignSlot = errors.New("stage wrote a foreign output slot")
	// ErrSlotImmutable is returned when a completed slot is written twice.
	ErrSlotImmutable = errors.New("output slot already written")
	// ErrEmptyOutput is returned for an update without output.
	ErrEmptyOutput = errors.New("update carries no output")
)

// RevisionSnapshot archives the outputs superseded by a revision pass.
type RevisionSnapshot struct {
	Revision   int                  `json:"revision"`
	ReopenedAt time.Time            `json:"reopened_at"`
	Outputs    map[StageName]Output `json:"outputs"`
}

// RunState is the accumulator threaded through one pipeline run. It is owned by
// that run only; consumers receive copies through Snapshot.
type RunState struct {
	RunID        string
	Input        Input
	CurrentStage StageName
	Log          []StageRecord
	Revisions    []RevisionSnapshot
	StartedAt    time.Time

	outputs  map[StageName]Output
	reopened map[StageName]struct{}
}

// NewRunState creates the initial state of a run.
func NewRunState(in Input) *RunState {
	return &RunState{
		RunID:     uuid.New().String(),
		Input:     in,
		StartedAt: time.Now().UTC(),
		outputs:   make(map[StageName]Output),
		reopened:  make(map[StageName]struct{}),
	}
}

// Merge folds a stage update into the state. A stage may only set its own slot,
// and a slot is written at most once unless a revision reopened it.
func (s *RunState) Merge(u Update) error {
	if u.Output == nil {
		return fmt.Errorf("%s: %w", u.Stage, ErrEmptyOutput)
	}
	if owner := u.Output.Stage(); owner != u.Stage {
		return fmt.Errorf("%s wrote %s: %w", u.Stage, owner, ErrForeignSlot)
	}
	if _, exists := s.outputs[u.Stage]; exists {
		if _, open := s.reopened[u.Stage]; !open {
			return fmt.Errorf("%s: %w", u.Stage, ErrSlotImmutable)
		}
	}
	if v, ok := u.Output.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s output invalid: %w", u.Stage, err)
		}
	}
	s.outputs[u.Stage] = u.Output
	delete(s.reopened, u.Stage)
	s.CurrentStage = u.Stage
	return nil
}

// Append adds a record to the execution log.
func (s *RunState) Append(rec StageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.Log = append(s.Log, rec)
	s.CurrentStage = rec.Stage
}

// LastRecord returns the most recent log entry.
func (s *RunState) LastRecord() (StageRecord, bool) {
	if len(s.Log) == 0 {
		return StageRecord{}, false
	}
	return s.Log[len(s.Log)-1], true
}

// Reopen archives the named slots and allows them to be written again.
func (s *RunState) Reopen(revision int, names ...StageName) {
	archived := make(map[StageName]Output, len(names))
	for _, n := range names {
		if out, ok := s.outputs[n]; ok {
			archived[n] = out
			delete(s.outputs, n)
		}
		s.reopened[n] = struct{}{}
	}
	s.Revisions = append(s.Revisions, RevisionSnapshot{
		Revision:   revision,
		ReopenedAt: time.Now().UTC(),
		Outputs:    archived,
	})
}

// Has reports whether the stage slot is populated.
func (s *RunState) Has(name StageName) bool {
	_, ok := s.outputs[name]
	return ok
}

// Output returns the raw output of a stage.
func (s *RunState) Output(name StageName) (Output, bool) {
	out, ok := s.outputs[name]
	return out, ok
}

// Stages returns the populated slot names in log order.
func (s *RunState) Stages() []StageName {
	var names []StageName
	seen := make(map[StageName]struct{})
	for _, rec := range s.Log {
		if _, ok := seen[rec.Stage]; ok {
			continue
		}
		if _, ok := s.outputs[rec.Stage]; ok {
			seen[rec.Stage] = struct{}{}
			names = append(names, rec.Stage)
		}
	}
	return names
}

// Snapshot returns a copy that stays valid while the run continues. Outputs are
// immutable once merged, so they are shared rather than cloned.
func (s *RunState) Snapshot() *RunState {
	cp := &RunState{
		RunID:        s.RunID,
		Input:        s.Input,
		CurrentStage: s.CurrentStage,
		StartedAt:    s.StartedAt,
		Log:          append([]StageRecord(nil), s.Log...),
		Revisions:    append([]RevisionSnapshot(nil), s.Revisions...),
		outputs:      make(map[StageName]Output, len(s.outputs)),
		reopened:     make(map[StageName]struct{}, len(s.reopened)),
	}
	for k, v := range s.outputs {
		cp.outputs[k] = v
	}
	for k := range s.reopened {
		cp.reopened[k] = struct{}{}
	}
	return cp
}

func slot[T Output](s *RunState, name StageName) T {
	var zero T
	out, ok := s.outputs[name]
	if !ok {
		return zero
	}
	typed, ok := out.(T)
	if !ok {
		return zero
	}
	return typed
}

func (s *RunState) EnhancedPrompt() *EnhancedPrompt {
	return slot[*EnhancedPrompt](s, StagePromptEnhancer)
}

func (s *RunState) Scope() *ScopePlan { return slot[*ScopePlan](s, StageLeadManager) }

func (s *RunState) Sources() *SourceSelection {
	return slot[*SourceSelection](s, StageDataSourceManager)
}

func (s *RunState) Connections() *ConnectionSummary {
	return slot[*ConnectionSummary](s, StageDataConnector)
}

func (s *RunState) SearchPlan() *SearchPlan { return slot[*SearchPlan](s, StageDataSearcher) }

func (s *RunState) Gaps() *GapSummary { return slot[*GapSummary](s, StageExpertInput) }

func (s *RunState) Analysis() *AnalysisSummary {
	return slot[*AnalysisSummary](s, StageDataAnalyzer)
}

func (s *RunState) Presentation() *Presentation {
	return slot[*Presentation](s, StageDataPresenter)
}

func (s *RunState) Review() *Review { return slot[*Review](s, StageReviewer) }

func (s *RunState) Deliverable() *Deliverable {
	return slot[*Deliverable](s, StageRenderPackager)
}

// Sections returns the scope sections or nil when scoping has not completed.
func (s *RunState) Sections() []Section {
	if scope := s.Scope(); scope != nil {
		return scope.Sections
	}
	return nil
}

// Digest returns a short content hash of an output for the execution log.
func Digest(out Output) string {
	b, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:6])
}

type runStateJSON struct {
	RunID        string               `json:"run_id"`
	Input        Input                `json:"input"`
	CurrentStage StageName            `json:"current_stage"`
	StageOutputs map[StageName]Output `json:"stage_outputs"`
	Log          []StageRecord        `json:"execution_log"`
	Revisions    []RevisionSnapshot   `json:"revisions,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
}

// MarshalJSON exposes the slots under stage_outputs.
func (s *RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(runStateJSON{
		RunID:        s.RunID,
		Input:        s.Input,
		CurrentStage: s.CurrentStage,
		StageOutputs: s.outputs,
		Log:          s.Log,
		Revisions:    s.Revisions,
		StartedAt:    s.StartedAt,
	})
}
