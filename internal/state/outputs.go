package state

import (
	"fmt"
)

// FrameworkComponent is one building block of the chosen analysis framework.
type FrameworkComponent struct {
	Component        string   `json:"component"`
	Description      string   `json:"description"`
	RequiredData     []string `json:"required_data"`
	AnalysisApproach string   `json:"analysis_approach"`
}

// SmartRequirements groups the SMART criteria for the analysis.
type SmartRequirements struct {
	Specific   []string `json:"specific"`
	Measurable []string `json:"measurable"`
	Attainable []string `json:"attainable"`
	Relevant   []string `json:"relevant"`
	TimeBound  []string `json:"time_bound"`
}

// OutputSection is a suggested section of the final report.
type OutputSection struct {
	Title               string   `json:"section_title"`
	Order               int      `json:"section_order"`
	ComponentsIncluded  []string `json:"components_included"`
	ContentRequirements string   `json:"content_requirements"`
}

// EnhancedPrompt is the prompt_enhancer output.
type EnhancedPrompt struct {
	Sector              string               `json:"sector"`
	Function            string               `json:"function"`
	Geography           string               `json:"geographic_reference,omitempty"`
	Timeframe           string               `json:"timeframe,omitempty"`
	SpecificFactors     []string             `json:"specific_factors_mentioned,omitempty"`
	AnalysisType        string               `json:"analysis_type"`
	Framework           string               `json:"recommended_framework"`
	Components          []FrameworkComponent `json:"framework_components"`
	Smart               SmartRequirements    `json:"smart_requirements"`
	OutputStructure     []OutputSection      `json:"output_structure"`
	Prompt              string               `json:"enhanced_prompt"`
	GeneratedByFallback bool                 `json:"generated_by_fallback,omitempty"`
}

func (*EnhancedPrompt) Stage() StageName { return StagePromptEnhancer }

// Priority ranks a scope section.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Section is the unit of decomposition; ID is the join key across all stages.
type Section struct {
	ID               string   `json:"section_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Dependencies     []string `json:"dependencies"`
	Priority         Priority `json:"priority"`
	DataRequirements []string `json:"data_requirements"`
	SuccessCriteria  []string `json:"success_criteria"`
}

// RiskAssessment summarises delivery risks of the scope.
type RiskAssessment struct {
	DataAvailability string `json:"data_availability_risk"`
	Complexity       string `json:"complexity_risk"`
	Timeline         string `json:"timeline_risk"`
	Mitigation       string `json:"mitigation_strategy"`
}

// ScopePlan is the lead_manager output.
type ScopePlan struct {
	ProjectTitle      string         `json:"project_title"`
	ExecutionStrategy string         `json:"execution_strategy"`
	Sections          []Section      `json:"sections"`
	Risk              RiskAssessment `json:"risk_assessment"`
}

func (*ScopePlan) Stage() StageName { return StageLeadManager }

// Validate rejects empty or duplicate section ids and dangling dependencies.
func (p *ScopePlan) Validate() error {
	seen := make(map[string]struct{}, len(p.Sections))
	for _, s := range p.Sections {
		if s.ID == "" {
			return fmt.Errorf("section %q has no id", s.Title)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate section id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for _, s := range p.Sections {
		for _, dep := range s.Dependencies {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("section %q depends on unknown section %q", s.ID, dep)
			}
		}
	}
	return nil
}

// Section returns the section with the given id.
func (p *ScopePlan) Section(id string) (Section, bool) {
	for _, s := range p.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// TrustLevel of a ranked source.
type TrustLevel string

const (
	TrustVerified TrustLevel = "verified"
	TrustTrusted  TrustLevel = "trusted"
)

// Access of a ranked source.
type Access string

const (
	AccessFree Access = "free"
	AccessPaid Access = "paid"
)

// RankedSource is a catalog source scored against the request.
type RankedSource struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Description  string     `json:"description"`
	TrustLevel   TrustLevel `json:"trustLevel"`
	Access       Access     `json:"access"`
	RequiresAuth bool       `json:"requiresAuth"`
	MatchScore   int        `json:"matchScore"`
	MatchedOn    []string   `json:"matchedOn"`
}

// ExcludedSource is a catalog source rejected by policy.
type ExcludedSource struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TrustLevel string `json:"trustLevel"`
	Reason     string `json:"reason"`
}

// SourceSelection is the data_source_manager output.
type SourceSelection struct {
	Sector             string           `json:"sector"`
	Function           string           `json:"function"`
	Geography          string           `json:"geography"`
	TrustedSourcesOnly bool             `json:"trusted_sources_only"`
	Recommended        []RankedSource   `json:"recommended_sources"`
	Supplementary      []RankedSource   `json:"supplementary_sources"`
	Excluded           []ExcludedSource `json:"excluded_sources"`
	Notes              []string         `json:"notes"`
}

func (*SourceSelection) Stage() StageName { return StageDataSourceManager }

// ConnectionStatus of a prepared data connection.
type ConnectionStatus string

const (
	ConnectionReady               ConnectionStatus = "ready"
	ConnectionRequiresCredentials ConnectionStatus = "requires_credentials"
	ConnectionNotApplicable       ConnectionStatus = "not_applicable"
)

// Dataset describes something retrievable from a connection.
type Dataset struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	RetrievalMethod string `json:"retrievalMethod"`
	URL             string `json:"url,omitempty"`
}

// DataConnection is a source prepared for ingestion.
type DataConnection struct {
	SourceID   string           `json:"sourceId"`
	Name       string           `json:"name"`
	Access     Access           `json:"access"`
	TrustLevel TrustLevel       `json:"trustLevel"`
	Status     ConnectionStatus `json:"status"`
	Notes      string           `json:"notes"`
	Datasets   []Dataset        `json:"datasets"`
}

// ConnectionContext carries the query context shared by search and analysis.
type ConnectionContext struct {
	Sector    string   `json:"sector"`
	Function  string   `json:"function"`
	Geography string   `json:"geography"`
	Timeframe string   `json:"timeframe,omitempty"`
	Keywords  []string `json:"keywords"`
}

// ConnectionSummary is the data_connector output.
type ConnectionSummary struct {
	Context     ConnectionContext `json:"context"`
	Connections []DataConnection  `json:"connections"`
}

func (*ConnectionSummary) Stage() StageName { return StageDataConnector }

// SearchChannel of a planned search task.
type SearchChannel string

const (
	ChannelWeb         SearchChannel = "web"
	ChannelProprietary SearchChannel = "proprietary"
	ChannelUserFiles   SearchChannel = "user_files"
	ChannelWarehouse   SearchChannel = "warehouse"
)

// SearchTask is one planned retrieval.
type SearchTask struct {
	ID             string        `json:"id"`
	SectionID      string        `json:"sectionId"`
	Channel        SearchChannel `json:"channel"`
	Target         string        `json:"target"`
	Query          string        `json:"query"`
	Rationale      string        `json:"rationale"`
	ExpectedOutput string        `json:"expectedOutput"`
}

// SectionCoverage tracks which requirements of a section have a planned source.
type SectionCoverage struct {
	SectionID         string   `json:"sectionId"`
	SectionTitle      string   `json:"sectionTitle"`
	PlannedTasks      []string `json:"plannedTasks"`
	UnmetRequirements []string `json:"unmetRequirements"`
}

// WarehouseState is the availability of the warehouse capability.
type WarehouseState string

const (
	WarehouseDisabled  WarehouseState = "disabled"
	WarehouseConnected WarehouseState = "connected"
	WarehouseError     WarehouseState = "error"
)

// WarehouseSummary groups probe results with the capability status.
type WarehouseSummary struct {
	Status  WarehouseState    `json:"status"`
	Message string            `json:"message,omitempty"`
	Results []WarehouseResult `json:"results"`
	Skipped int               `json:"skipped,omitempty"`
}

// SearchPlan is the data_searcher output: the plan plus all gathered evidence.
type SearchPlan struct {
	Tasks       []SearchTask        `json:"tasks"`
	Coverage    []SectionCoverage   `json:"coverage"`
	Warehouse   WarehouseSummary    `json:"warehouse"`
	Web         []WebResult         `json:"web"`
	Proprietary []ProprietaryResult `json:"proprietary"`
	UserFiles   []UserFileInsight   `json:"userFiles"`
}

func (*SearchPlan) Stage() StageName { return StageDataSearcher }

// Evidence returns every evidence item in a stable order: web, proprietary, warehouse, user files.
func (p *SearchPlan) Evidence() []Evidence {
	out := make([]Evidence, 0, len(p.Web)+len(p.Proprietary)+len(p.Warehouse.Results)+len(p.UserFiles))
	for i := range p.Web {
		out = append(out, p.Web[i])
	}
	for i := range p.Proprietary {
		out = append(out, p.Proprietary[i])
	}
	for i := range p.Warehouse.Results {
		out = append(out, p.Warehouse.Results[i])
	}
	for i := range p.UserFiles {
		out = append(out, p.UserFiles[i])
	}
	return out
}

// EvidenceFor returns the evidence items that reference sectionID.
func (p *SearchPlan) EvidenceFor(sectionID string) []Evidence {
	var out []Evidence
	for _, ev := range p.Evidence() {
		if ev.SectionRef() == sectionID {
			out = append(out, ev)
		}
	}
	return out
}

// CoverageFor returns the coverage entry for sectionID.
func (p *SearchPlan) CoverageFor(sectionID string) (SectionCoverage, bool) {
	for _, c := range p.Coverage {
		if c.SectionID == sectionID {
			return c, true
		}
	}
	return SectionCoverage{}, false
}

// DataGap is a requirement no planned source covers.
type DataGap struct {
	ID                string   `json:"id"`
	SectionID         string   `json:"sectionId"`
	Description       string   `json:"description"`
	RecommendedAction string   `json:"recommendedAction"`
	Priority          Priority `json:"priority"`
}

// GapSummary is the expert_input output.
type GapSummary struct {
	Gaps  []DataGap `json:"gaps"`
	Notes []string  `json:"notes"`
}

func (*GapSummary) Stage() StageName { return StageExpertInput }

// AnalysisComponent is the analysis outline of one section.
type AnalysisComponent struct {
	SectionID           string   `json:"sectionId"`
	Title               string   `json:"title"`
	Approach            string   `json:"approach"`
	Inputs              []string `json:"inputs"`
	PreliminaryFindings string   `json:"preliminaryFindings"`
	Visualization       string   `json:"visualization"`
	EvidenceCount       int      `json:"evidenceCount"`
	FailedProbes        int      `json:"failedProbes,omitempty"`
}

// AnalysisSummary is the data_analyzer output.
type AnalysisSummary struct {
	Components []AnalysisComponent `json:"components"`
	Notes      []string            `json:"notes"`
	Revision   int                 `json:"revision,omitempty"`
}

func (*AnalysisSummary) Stage() StageName { return StageDataAnalyzer }

// Component returns the analysis component of sectionID.
func (a *AnalysisSummary) Component(sectionID string) (AnalysisComponent, bool) {
	for _, c := range a.Components {
		if c.SectionID == sectionID {
			return c, true
		}
	}
	return AnalysisComponent{}, false
}

// PresentationSection is the presentation scaffold of one section.
type PresentationSection struct {
	SectionID      string   `json:"sectionId"`
	Title          string   `json:"title"`
	KeyFindings    []string `json:"keyFindings"`
	SupportingData []string `json:"supportingData"`
	NextSteps      string   `json:"nextSteps"`
}

// Presentation is the data_presenter output.
type Presentation struct {
	ExecutiveSummary string                `json:"executiveSummary"`
	Sections         []PresentationSection `json:"sections"`
	Appendices       []string              `json:"appendices"`
}

func (*Presentation) Stage() StageName { return StageDataPresenter }

// Section returns the presentation section of sectionID.
func (p *Presentation) Section(sectionID string) (PresentationSection, bool) {
	for _, s := range p.Sections {
		if s.SectionID == sectionID {
			return s, true
		}
	}
	return PresentationSection{}, false
}

// Review is the reviewer output.
type Review struct {
	ChecklistCompletion float64  `json:"checklist_completion"`
	DataGapsIdentified  bool     `json:"data_gaps_identified"`
	TrustedSourcesUsed  bool     `json:"trusted_sources_used"`
	FormatCorrect       bool     `json:"format_correct"`
	QualityScore        float64  `json:"quality_score"`
	RevisionsNeeded     []string `json:"revisions_needed"`
}

func (*Review) Stage() StageName { return StageReviewer }

// Validate keeps scores within [0,1].
func (r *Review) Validate() error {
	if r.QualityScore < 0 || r.QualityScore > 1 {
		return fmt.Errorf("quality score %.2f out of range", r.QualityScore)
	}
	if r.ChecklistCompletion < 0 || r.ChecklistCompletion > 1 {
		return fmt.Errorf("checklist completion %.2f out of range", r.ChecklistCompletion)
	}
	return nil
}
