package metadata

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const (
	warehousePublisher = "Snowflake Marketplace"
	userFilePublisher  = "User upload"
)

// Registry numbers bibliography entries for one run. Ids are handed out in
// registration order (C1, C2, ...) and the first registration of a key wins.
// A Registry is not safe for concurrent use; the render stage owns it.
type Registry struct {
	scorer  *Scorer
	now     func() time.Time
	entries []state.CitationEntry
	byKey   map[string]string
	// section id -> entry ids in citation order, without repeats
	sections map[string][]string
}

// NewRegistry creates an empty registry. A nil scorer uses the embedded rules.
func NewRegistry(scorer *Scorer, now func() time.Time) *Registry {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		scorer:   scorer,
		now:      now,
		byKey:    make(map[string]string),
		sections: make(map[string][]string),
	}
}

// Register adds entry under key and returns its id. Registering a known key
// returns the existing id and leaves the first entry untouched.
func (r *Registry) Register(key string, entry state.CitationEntry) string {
	if id, ok := r.byKey[key]; ok {
		return id
	}
	entry.ID = "C" + strconv.Itoa(len(r.entries)+1)
	if entry.RetrievedAt.IsZero() {
		entry.RetrievedAt = r.now()
	}
	r.entries = append(r.entries, entry)
	r.byKey[key] = entry.ID
	return entry.ID
}

// Cite registers the source behind ev for its section. Evidence that carries no
// content (failed probes, empty searches, connection-only results) is not cited.
func (r *Registry) Cite(ev state.Evidence) (string, bool) {
	key, entry, ok := r.entryFor(ev)
	if !ok {
		return "", false
	}
	id := r.Register(key, entry)

	sec := ev.SectionRef()
	for _, existing := range r.sections[sec] {
		if existing == id {
			return id, true
		}
	}
	r.sections[sec] = append(r.sections[sec], id)
	return id, true
}

// Bibliography returns a copy of the registered entries in id order.
func (r *Registry) Bibliography() []state.CitationEntry {
	out := make([]state.CitationEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// EntriesFor returns the entry ids cited by a section.
func (r *Registry) EntriesFor(sectionID string) []string {
	return append([]string(nil), r.sections[sectionID]...)
}

// Len is the number of registered entries.
func (r *Registry) Len() int { return len(r.entries) }

// Anchors builds one anchor per rendered section with cited evidence, pointing
// at the first entry that section cited. Sections without citations get none.
func (r *Registry) Anchors(sections []state.RenderedSection) []state.CitationAnchor {
	anchors := make([]state.CitationAnchor, 0, len(sections))
	for _, sec := range sections {
		ids := r.sections[sec.ID]
		if len(ids) == 0 {
			continue
		}
		anchors = append(anchors, state.CitationAnchor{
			ID:        fmt.Sprintf("anchor-%d", len(anchors)+1),
			SectionID: sec.ID,
			Label:     Label(ids[0]),
			Target:    ids[0],
		})
	}
	return anchors
}

// Label renders an entry id the way the report shows it inline: C3 -> [3].
func Label(id string) string {
	return "[" + strings.TrimPrefix(id, "C") + "]"
}

// Key returns the source identity key of ev, or false when ev is not citable.
func Key(ev state.Evidence) (string, bool) {
	switch e := ev.(type) {
	case state.WebResult:
		src, ok := topSource(e)
		if !ok {
			return "", false
		}
		return "web:" + normalizedOrRaw(src.Link), true
	case state.WarehouseResult:
		if e.Failed() || len(e.Rows) == 0 {
			return "", false
		}
		return "warehouse-" + e.SectionID, true
	case state.UserFileInsight:
		if e.Failed() || strings.TrimSpace(e.Summary) == "" {
			return "", false
		}
		return "file:" + e.Filename, true
	default:
		return "", false
	}
}

func (r *Registry) entryFor(ev state.Evidence) (string, state.CitationEntry, bool) {
	key, ok := Key(ev)
	if !ok {
		return "", state.CitationEntry{}, false
	}

	switch e := ev.(type) {
	case state.WebResult:
		src, _ := topSource(e)
		domain, _ := ExtractDomain(src.Link)
		title := strings.TrimSpace(src.Title)
		if title == "" {
			title = domain
		}
		return key, state.CitationEntry{
			Title:      title,
			URL:        src.Link,
			Publisher:  domain,
			Access:     string(state.AccessFree),
			TrustLevel: string(r.scorer.TrustLevel(domain)),
		}, true
	case state.WarehouseResult:
		title := "Warehouse extract"
		if e.SectionTitle != "" {
			title += ": " + e.SectionTitle
		}
		return key, state.CitationEntry{
			Title:      title,
			URL:        "warehouse://" + e.SectionID,
			Publisher:  warehousePublisher,
			Access:     string(state.AccessPaid),
			TrustLevel: string(state.TrustVerified),
		}, true
	case state.UserFileInsight:
		return key, state.CitationEntry{
			Title:      e.Filename,
			URL:        "file://" + e.Filename,
			Publisher:  userFilePublisher,
			Access:     string(state.AccessFree),
			TrustLevel: string(state.TrustTrusted),
		}, true
	}
	return "", state.CitationEntry{}, false
}

// topSource is the first hit of a successful search that points at real content.
func topSource(r state.WebResult) (state.WebSource, bool) {
	if r.Failed() {
		return state.WebSource{}, false
	}
	for _, s := range r.Sources {
		if !shouldSkipURL(s.Link) {
			return s, true
		}
	}
	return state.WebSource{}, false
}

func normalizedOrRaw(link string) string {
	if norm, err := NormalizeURL(link); err == nil && norm != "" {
		return norm
	}
	return strings.TrimSpace(link)
}
