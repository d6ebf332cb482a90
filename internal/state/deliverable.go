package state

import "time"

// DeliverableMode controls rendering density.
type DeliverableMode string

const (
	ModeExec     DeliverableMode = "exec"
	ModeDetailed DeliverableMode = "detailed"
)

// RenderedVisual is a chart or table attached to a section.
type RenderedVisual struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Cached      bool   `json:"cached"`
}

// RenderedSection is the packaged form of a scope section; ID equals Section.ID.
type RenderedSection struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Density        DeliverableMode  `json:"density"`
	Summary        []string         `json:"summary"`
	DataHighlights []string         `json:"dataHighlights"`
	Visuals        []RenderedVisual `json:"visuals"`
	Narrative      string           `json:"narrative"`
	Pending        bool             `json:"pending,omitempty"`
}

// CitationEntry is one bibliography item.
type CitationEntry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Publisher   string    `json:"publisher"`
	Access      string    `json:"access"`
	TrustLevel  string    `json:"trustLevel"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

// CitationAnchor binds a rendered section to a bibliography entry.
type CitationAnchor struct {
	ID        string `json:"id"`
	SectionID string `json:"sectionId"`
	Label     string `json:"label"`
	Target    string `json:"target"`
}

// Citations groups anchors and the bibliography.
type Citations struct {
	Anchors      []CitationAnchor `json:"anchors"`
	Bibliography []CitationEntry  `json:"bibliography"`
}

// Export is one queued export target.
type Export struct {
	Format   string   `json:"format"`
	Filename string   `json:"filename"`
	Status   string   `json:"status"`
	Includes []string `json:"includes"`
}

// ExecutiveSummary heads the deliverable.
type ExecutiveSummary struct {
	Headline   string   `json:"headline"`
	Body       []string `json:"body"`
	Highlights []string `json:"highlights"`
}

// Accessibility lists the checks still to perform on the export.
type Accessibility struct {
	Status    string   `json:"status"`
	Checklist []string `json:"checklist"`
}

// VersionEntry is one entry of the deliverable history.
type VersionEntry struct {
	Version   int       `json:"version"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// VersionInfo is the deliverable version history.
type VersionInfo struct {
	Current int            `json:"current"`
	History []VersionEntry `json:"history"`
}

// Pagination of the rendered report.
type Pagination struct {
	TotalPages int    `json:"totalPages"`
	Strategy   string `json:"strategy"`
}

// Deliverable is the render_packager output. It is built once and never mutated.
type Deliverable struct {
	Template         string            `json:"template"`
	Version          VersionInfo       `json:"version"`
	Pagination       Pagination        `json:"pagination"`
	Mode             DeliverableMode   `json:"mode"`
	AvailableModes   []DeliverableMode `json:"availableModes"`
	Locale           string            `json:"locale"`
	Timezone         string            `json:"timezone"`
	NumberFormat     string            `json:"numberFormat"`
	DateFormat       string            `json:"dateFormat"`
	ExecutiveSummary ExecutiveSummary  `json:"executiveSummary"`
	Sections         []RenderedSection `json:"sections"`
	Appendices       []string          `json:"appendices"`
	Sources          []RankedSource    `json:"sources"`
	Exports          []Export          `json:"exports"`
	Citations        Citations         `json:"citations"`
	Accessibility    Accessibility     `json:"accessibility"`
	CreatedAt        time.Time         `json:"createdAt"`
}

func (*Deliverable) Stage() StageName { return StageRenderPackager }

// Validate enforces the join-key and anchor invariants.
func (d *Deliverable) Validate() error {
	ids := make(map[string]struct{}, len(d.Citations.Bibliography))
	for _, e := range d.Citations.Bibliography {
		ids[e.ID] = struct{}{}
	}
	sections := make(map[string]struct{}, len(d.Sections))
	for _, s := range d.Sections {
		sections[s.ID] = struct{}{}
	}
	for _, a := range d.Citations.Anchors {
		if _, ok := ids[a.Target]; !ok {
			return &DanglingAnchorError{Anchor: a.ID, Target: a.Target}
		}
		if _, ok := sections[a.SectionID]; !ok {
			return &DanglingAnchorError{Anchor: a.ID, Target: a.SectionID}
		}
	}
	return nil
}

// DanglingAnchorError reports an anchor whose target does not exist.
type DanglingAnchorError struct {
	Anchor string
	Target string
}

func (e *DanglingAnchorError) Error() string {
	return "anchor " + e.Anchor + " points at missing " + e.Target
}
