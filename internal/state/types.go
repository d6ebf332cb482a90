package state

import (
	"time"
)

// StageName identifies a pipeline stage and the output slot it owns.
type StageName string

const (
	StagePromptEnhancer    StageName = "prompt_enhancer"
	StageLeadManager       StageName = "lead_manager"
	StageDataSourceManager StageName = "data_source_manager"
	StageDataConnector     StageName = "data_connector"
	StageDataSearcher      StageName = "data_searcher"
	StageExpertInput       StageName = "expert_input"
	StageDataAnalyzer      StageName = "data_analyzer"
	StageDataPresenter     StageName = "data_presenter"
	StageReviewer          StageName = "reviewer"
	StageRenderPackager    StageName = "render_packager"
)

// Status is the outcome recorded for a stage transition.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status closes a stage execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// StageRecord is one append-only execution log entry.
type StageRecord struct {
	Stage        StageName `json:"stage"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	OutputDigest string    `json:"output_digest,omitempty"`
	Message      string    `json:"message,omitempty"`
	Revision     int       `json:"revision,omitempty"`
}

// UserProfile carries the optional requester context.
type UserProfile struct {
	Role               string `json:"role,omitempty"`
	Company            string `json:"company_name,omitempty"`
	Locale             string `json:"locale,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	Seniority          string `json:"seniority,omitempty"`
	TrustedSourcesOnly bool   `json:"trusted_sources_only,omitempty"`
}

// UserFile is a document attached to the question.
type UserFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Input is the normalized run input.
type Input struct {
	Question string       `json:"question"`
	Profile  *UserProfile `json:"profile,omitempty"`
	Files    []UserFile   `json:"files,omitempty"`
}

// Locale returns the profile locale or the empty string.
func (in Input) Locale() string {
	if in.Profile == nil {
		return ""
	}
	return in.Profile.Locale
}

// Update is the partial state a stage hands back to the orchestrator.
// Output must belong to Stage; Message ends up in the completed log record.
type Update struct {
	Stage   StageName
	Output  Output
	Message string
}

// Output is implemented by every typed stage output.
type Output interface {
	Stage() StageName
}

// Validatable is implemented by outputs that check their own invariants at merge time.
type Validatable interface {
	Validate() error
}
