// Package sources holds the research source catalog and ranks it against a request.
package sources

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Dataset is something a source can deliver.
type Dataset struct {
	Title           string `yaml:"title"`
	Description     string `yaml:"description"`
	RetrievalMethod string `yaml:"retrieval_method"`
	URL             string `yaml:"url"`
}

// Source is one catalog entry.
type Source struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	URL             string    `yaml:"url"`
	Description     string    `yaml:"description"`
	Sectors         []string  `yaml:"sectors"`
	Functions       []string  `yaml:"functions"`
	Geographies     []string  `yaml:"geographies"`
	Type            string    `yaml:"type"`        // free, premium, api
	TrustLevel      string    `yaml:"trust_level"` // high, medium, low
	RequiresAuth    bool      `yaml:"requires_auth"`
	UpdateFrequency string    `yaml:"update_frequency"`
	Datasets        []Dataset `yaml:"datasets"`
}

// Catalog is the set of known sources.
type Catalog struct {
	Sources []Source `yaml:"sources"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) { return Parse(defaultCatalog) }

// Load reads a catalog file, falling back to the embedded one for an empty path.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse source catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" || s.Name == "" {
			return nil, fmt.Errorf("source #%d needs an id and a name", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		switch s.TrustLevel {
		case "high", "medium", "low":
		default:
			return nil, fmt.Errorf("source %q has invalid trust level %q", s.ID, s.TrustLevel)
		}
	}
	return &c, nil
}

// Get returns the source with the given id.
func (c *Catalog) Get(id string) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// Query is what a ranking is computed against.
type Query struct {
	Sector    string
	Function  string
	Geography string
}

// Match is a scored source.
type Match struct {
	Source    Source
	Score     int
	MatchedOn []string
}

// Rank scores every source against q and returns the ones with a positive
// score, best first. Ties break on trust level then id so rankings are stable.
func (c *Catalog) Rank(q Query) []Match {
	var out []Match
	for _, s := range c.Sources {
		m := Match{Source: s, MatchedOn: []string{}}

		switch {
		case matchesAny(s.Sectors, q.Sector):
			m.Score += 3
			m.MatchedOn = append(m.MatchedOn, "sector")
		case containsFold(s.Sectors, "General"):
			m.Score++
		}
		if matchesAny(s.Functions, q.Function) {
			m.Score += 2
			m.MatchedOn = append(m.MatchedOn, "function")
		}
		switch {
		case q.Geography != "" && !strings.EqualFold(q.Geography, "Global") && matchesAny(s.Geographies, q.Geography):
			m.Score += 2
			m.MatchedOn = append(m.MatchedOn, "geography")
		case containsFold(s.Geographies, "Global"):
			m.Score++
		}

		if m.Score > 0 {
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if ti, tj := trustRank(out[i].Source.TrustLevel), trustRank(out[j].Source.TrustLevel); ti != tj {
			return ti < tj
		}
		return out[i].Source.ID < out[j].Source.ID
	})
	return out
}

// Ranked converts a match to the stage output representation.
func (m Match) Ranked() state.RankedSource {
	return state.RankedSource{
		ID:           m.Source.ID,
		Name:         m.Source.Name,
		URL:          m.Source.URL,
		Description:  m.Source.Description,
		TrustLevel:   TrustLevel(m.Source.TrustLevel),
		Access:       Access(m.Source.Type),
		RequiresAuth: m.Source.RequiresAuth,
		MatchScore:   m.Score,
		MatchedOn:    m.MatchedOn,
	}
}

// TrustLevel maps catalog trust to the output vocabulary.
func TrustLevel(level string) state.TrustLevel {
	if level == "high" {
		return state.TrustVerified
	}
	return state.TrustTrusted
}

// Access maps the catalog source type to free or paid.
func Access(sourceType string) state.Access {
	if sourceType == "premium" {
		return state.AccessPaid
	}
	return state.AccessFree
}

func trustRank(level string) int {
	switch level {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}

// matchesAny reports whether value and one of the candidates contain each other.
func matchesAny(candidates []string, value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return false
	}
	for _, c := range candidates {
		c = strings.ToLower(c)
		if c == "general" || c == "global" {
			continue
		}
		if strings.Contains(v, c) || strings.Contains(c, v) {
			return true
		}
	}
	return false
}

func containsFold(candidates []string, value string) bool {
	for _, c := range candidates {
		if strings.EqualFold(c, value) {
			return true
		}
	}
	return false
}
