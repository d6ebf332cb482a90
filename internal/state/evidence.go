package state

// EvidenceKind tags the evidence variants.
type EvidenceKind string

const (
	EvidenceWeb         EvidenceKind = "web"
	EvidenceProprietary EvidenceKind = "proprietary"
	EvidenceWarehouse   EvidenceKind = "warehouse"
	EvidenceUserFile    EvidenceKind = "user_file"
)

// Evidence is the result of one gathering sub-task. SectionRef is a lookup-only
// back-reference; evidence never owns its section.
type Evidence interface {
	SectionRef() string
	Kind() EvidenceKind
	Failed() bool
}

// WebSource is one hit returned by the web search capability.
type WebSource struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

// WebResult groups the hits of one web query.
type WebResult struct {
	SectionID  string      `json:"sectionId"`
	Query      string      `json:"query"`
	Summary    string      `json:"summary"`
	Snippets   []string    `json:"snippets"`
	Sources    []WebSource `json:"sources"`
	Confidence string      `json:"confidence"`
	Error      string      `json:"error,omitempty"`
}

func (r WebResult) SectionRef() string { return r.SectionID }
func (r WebResult) Kind() EvidenceKind { return EvidenceWeb }
func (r WebResult) Failed() bool       { return r.Error != "" }

// ProprietaryResult describes a dataset reachable through a prepared connection.
type ProprietaryResult struct {
	SectionID    string `json:"sectionId"`
	SourceID     string `json:"sourceId"`
	DatasetName  string `json:"dataset"`
	Summary      string `json:"summary"`
	Availability string `json:"availability"`
	NextSteps    string `json:"nextSteps"`
}

func (r ProprietaryResult) SectionRef() string { return r.SectionID }
func (r ProprietaryResult) Kind() EvidenceKind { return EvidenceProprietary }
func (r ProprietaryResult) Failed() bool       { return false }

// WarehouseResult is one SQL probe.
type WarehouseResult struct {
	SectionID    string           `json:"sectionId"`
	SectionTitle string           `json:"sectionTitle"`
	Requirement  string           `json:"requirement"`
	SQL          string           `json:"sql"`
	Rows         []map[string]any `json:"rows"`
	Error        string           `json:"error,omitempty"`
}

func (r WarehouseResult) SectionRef() string { return r.SectionID }
func (r WarehouseResult) Kind() EvidenceKind { return EvidenceWarehouse }
func (r WarehouseResult) Failed() bool       { return r.Error != "" }

// UserFileInsight summarises an attached file for a section.
type UserFileInsight struct {
	SectionID  string   `json:"sectionId"`
	Filename   string   `json:"filename"`
	Summary    string   `json:"summary"`
	KeyMetrics []string `json:"keyMetrics"`
	Error      string   `json:"error,omitempty"`
}

func (r UserFileInsight) SectionRef() string { return r.SectionID }
func (r UserFileInsight) Kind() EvidenceKind { return EvidenceUserFile }
func (r UserFileInsight) Failed() bool       { return r.Error != "" }
