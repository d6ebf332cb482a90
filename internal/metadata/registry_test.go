package metadata

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

var fixedNow = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

func web(section, link string) state.WebResult {
	return state.WebResult{
		SectionID:  section,
		Query:      "q",
		Sources:    []state.WebSource{{Title: "Report " + link, Link: link}},
		Confidence: "low",
	}
}

func TestRegisterFirstSeenWins(t *testing.T) {
	r := NewRegistry(nil, fixedNow)

	a := r.Register("web:https://a.example/x", state.CitationEntry{Title: "first"})
	b := r.Register("web:https://b.example/y", state.CitationEntry{Title: "second"})
	again := r.Register("web:https://a.example/x", state.CitationEntry{Title: "duplicate"})

	assert.Equal(t, "C1", a)
	assert.Equal(t, "C2", b)
	assert.Equal(t, "C1", again)

	bib := r.Bibliography()
	require.Len(t, bib, 2)
	assert.Equal(t, "first", bib[0].Title)
	assert.Equal(t, fixedNow(), bib[0].RetrievedAt)
}

func TestKeys(t *testing.T) {
	key, ok := Key(web("s1", "https://www.acea.auto/figures/?utm_source=x"))
	require.True(t, ok)
	assert.Equal(t, "web:https://acea.auto/figures", key)

	key, ok = Key(state.WarehouseResult{SectionID: "section-2", Rows: []map[string]any{{"n": 1}}})
	require.True(t, ok)
	assert.Equal(t, "warehouse-section-2", key)

	key, ok = Key(state.UserFileInsight{SectionID: "s1", Filename: "notes.csv", Summary: "Q1 sales"})
	require.True(t, ok)
	assert.Equal(t, "file:notes.csv", key)
}

func TestNonContentEvidenceIsNotCited(t *testing.T) {
	r := NewRegistry(nil, fixedNow)

	cases := []state.Evidence{
		state.WebResult{SectionID: "s1", Error: "timeout"},
		state.WebResult{SectionID: "s1", Summary: "Web search is not available; no results were retrieved.", Confidence: "none"},
		state.WebResult{SectionID: "s1", Sources: []state.WebSource{{Link: "https://example.com/login"}}},
		state.WarehouseResult{SectionID: "s1", SQL: "select 1", Error: "relation does not exist"},
		state.WarehouseResult{SectionID: "s1", SQL: "select 1"},
		state.UserFileInsight{SectionID: "s1", Filename: "empty.txt", Error: "file is empty"},
		state.ProprietaryResult{SectionID: "s1", SourceID: "snowflake-marketplace", Availability: "available"},
	}
	for _, ev := range cases {
		_, ok := r.Cite(ev)
		assert.False(t, ok, "%#v", ev)
	}
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Anchors([]state.RenderedSection{{ID: "s1"}}))
}

func TestCiteSharesEntriesAcrossSections(t *testing.T) {
	r := NewRegistry(nil, fixedNow)

	id1, ok := r.Cite(web("s1", "https://www.insee.fr/fr/statistiques/1"))
	require.True(t, ok)
	id2, _ := r.Cite(web("s2", "https://insee.fr/fr/statistiques/1/"))
	id3, _ := r.Cite(state.WarehouseResult{SectionID: "s2", SectionTitle: "Market size", Rows: []map[string]any{{"units": 10}}})

	assert.Equal(t, "C1", id1)
	assert.Equal(t, "C1", id2)
	assert.Equal(t, "C2", id3)
	assert.Equal(t, []string{"C1", "C2"}, r.EntriesFor("s2"))

	bib := r.Bibliography()
	assert.Equal(t, "insee.fr", bib[0].Publisher)
	assert.Equal(t, string(state.TrustVerified), bib[0].TrustLevel)
	assert.Equal(t, "Warehouse extract: Market size", bib[1].Title)
	assert.Equal(t, string(state.AccessPaid), bib[1].Access)

	anchors := r.Anchors([]state.RenderedSection{{ID: "s1"}, {ID: "s3"}, {ID: "s2"}})
	require.Len(t, anchors, 2)
	assert.Equal(t, state.CitationAnchor{ID: "anchor-1", SectionID: "s1", Label: "[1]", Target: "C1"}, anchors[0])
	assert.Equal(t, "s2", anchors[1].SectionID)
	assert.Equal(t, "C1", anchors[1].Target)
}

// randomEvidence builds a mixed evidence set with repeated links, failures and
// empty results spread over the given sections.
func randomEvidence(rng *rand.Rand, sections []string) []state.Evidence {
	n := rng.Intn(30)
	out := make([]state.Evidence, 0, n)
	for i := 0; i < n; i++ {
		sec := sections[rng.Intn(len(sections))]
		switch rng.Intn(5) {
		case 0:
			out = append(out, web(sec, fmt.Sprintf("https://site%d.example/page", rng.Intn(6))))
		case 1:
			out = append(out, state.WebResult{SectionID: sec, Error: "boom"})
		case 2:
			wr := state.WarehouseResult{SectionID: sec, SQL: "select 1"}
			if rng.Intn(2) == 0 {
				wr.Rows = []map[string]any{{"v": i}}
			} else {
				wr.Error = "probe failed"
			}
			out = append(out, wr)
		case 3:
			out = append(out, state.UserFileInsight{SectionID: sec, Filename: fmt.Sprintf("f%d.txt", rng.Intn(3)), Summary: "numbers"})
		default:
			out = append(out, state.ProprietaryResult{SectionID: sec, SourceID: "x"})
		}
	}
	return out
}

func TestNoDanglingAnchorsRandomised(t *testing.T) {
	sections := []string{"section-1", "section-2", "section-3", "section-4"}
	rendered := make([]state.RenderedSection, len(sections))
	for i, id := range sections {
		rendered[i] = state.RenderedSection{ID: id}
	}

	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		r := NewRegistry(nil, fixedNow)
		for _, ev := range randomEvidence(rng, sections) {
			r.Cite(ev)
		}

		d := &state.Deliverable{
			Sections:  rendered,
			Citations: state.Citations{Anchors: r.Anchors(rendered), Bibliography: r.Bibliography()},
		}
		require.NoError(t, d.Validate(), "iteration %d", iter)

		for i, e := range d.Citations.Bibliography {
			assert.Equal(t, fmt.Sprintf("C%d", i+1), e.ID)
		}
		for _, a := range d.Citations.Anchors {
			assert.Equal(t, r.EntriesFor(a.SectionID)[0], a.Target)
		}
	}
}

func TestNumberingIsDeterministic(t *testing.T) {
	sections := []string{"a", "b", "c"}
	evidence := randomEvidence(rand.New(rand.NewSource(7)), sections)

	build := func() ([]state.CitationEntry, []state.CitationAnchor) {
		r := NewRegistry(nil, fixedNow)
		for _, ev := range evidence {
			r.Cite(ev)
		}
		rendered := []state.RenderedSection{{ID: "a"}, {ID: "b"}, {ID: "c"}}
		return r.Bibliography(), r.Anchors(rendered)
	}

	bib1, anchors1 := build()
	bib2, anchors2 := build()
	assert.Equal(t, bib1, bib2)
	assert.Equal(t, anchors1, anchors2)
}
