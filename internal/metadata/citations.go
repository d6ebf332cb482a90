package metadata

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

//go:embed credibility.yaml
var defaultCredibility []byte

// CredibilityConfig holds domain credibility scoring rules
type CredibilityConfig struct {
	CredibilityRules struct {
		TLDPatterns []struct {
			Suffix      string  `yaml:"suffix"`
			Score       float64 `yaml:"score"`
			Description string  `yaml:"description"`
		} `yaml:"tld_patterns"`

		DomainGroups []struct {
			Category    string   `yaml:"category"`
			Score       float64  `yaml:"score"`
			Description string   `yaml:"description"`
			Domains     []string `yaml:"domains"`
		} `yaml:"domain_groups"`

		DefaultScore float64 `yaml:"default_score"`
	} `yaml:"credibility_rules"`

	QualityGates struct {
		MinCredibilityScore float64 `yaml:"min_credibility_score"`
		PreferredScore      float64 `yaml:"preferred_score"`
		HighQualityScore    float64 `yaml:"high_quality_score"`
	} `yaml:"quality_gates"`

	DiversityRules struct {
		MaxPerDomain     int `yaml:"max_per_domain"`
		MinUniqueDomains int `yaml:"min_unique_domains"`
	} `yaml:"diversity_rules"`
}

// Scorer rates publisher domains. It is immutable once loaded.
type Scorer struct {
	cfg CredibilityConfig
}

// DefaultScorer returns the scorer built from the embedded rules.
func DefaultScorer() *Scorer {
	s, err := ParseCredibility(defaultCredibility)
	if err != nil {
		panic(fmt.Sprintf("embedded credibility rules are invalid: %v", err))
	}
	return s
}

// LoadCredibility reads credibility rules from path, or the embedded rules when
// path is empty.
func LoadCredibility(path string) (*Scorer, error) {
	if path == "" {
		return DefaultScorer(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credibility rules: %w", err)
	}
	return ParseCredibility(data)
}

// ParseCredibility decodes YAML credibility rules.
func ParseCredibility(data []byte) (*Scorer, error) {
	var cfg CredibilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse credibility rules: %w", err)
	}
	if cfg.CredibilityRules.DefaultScore <= 0 {
		cfg.CredibilityRules.DefaultScore = 0.60
	}
	if cfg.QualityGates.HighQualityScore <= 0 {
		cfg.QualityGates.HighQualityScore = 0.80
	}
	return &Scorer{cfg: cfg}, nil
}

// Score calculates the credibility of a domain. TLD patterns win over domain
// groups; unknown domains get the default score.
func (s *Scorer) Score(domain string) float64 {
	domain = strings.ToLower(domain)

	for _, tld := range s.cfg.CredibilityRules.TLDPatterns {
		if strings.HasSuffix(domain, tld.Suffix) {
			return tld.Score
		}
	}

	for _, group := range s.cfg.CredibilityRules.DomainGroups {
		for _, known := range group.Domains {
			if domainMatches(domain, known) {
				return group.Score
			}
		}
	}

	return s.cfg.CredibilityRules.DefaultScore
}

// TrustLevel maps a domain score to the bibliography vocabulary.
func (s *Scorer) TrustLevel(domain string) state.TrustLevel {
	if s.Score(domain) >= s.cfg.QualityGates.HighQualityScore {
		return state.TrustVerified
	}
	return state.TrustTrusted
}

// exact match or subdomain boundary (docs.github.com matches github.com)
func domainMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// NormalizeURL cleans and normalizes a URL for deduplication
// - Converts scheme and host to lowercase
// - Removes trailing slashes
// - Removes common query parameters (utm_*, fbclid, etc.)
// - Removes fragment identifiers (#)
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid",
			"ref", "source",
		} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host from a URL, removing any port and a
// leading "www." but preserving other subdomains when present.
// Example: "https://blog.example.com/path" -> "blog.example.com"
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// CalculateSourceDiversity is unique publishers over total entries.
// Higher is better (more diverse sources)
func CalculateSourceDiversity(entries []state.CitationEntry) float64 {
	if len(entries) == 0 {
		return 0.0
	}
	publishers := make(map[string]struct{})
	for _, e := range entries {
		publishers[e.Publisher] = struct{}{}
	}
	return float64(len(publishers)) / float64(len(entries))
}

// shouldSkipURL returns true if the URL should not become a source
// (sitemaps, static assets, login and search pages).
func shouldSkipURL(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	if lower == "" {
		return true
	}

	for _, pattern := range []string{
		".xml", "sitemap", "robots.txt",
		".css", ".js", ".ico", ".png", ".jpg", ".jpeg", ".gif", ".svg",
		".woff", ".woff2", ".ttf", ".eot",
		"favicon", "/feed", "/rss", "/atom",
	} {
		if strings.HasSuffix(lower, pattern) || strings.Contains(lower, pattern+"/") || strings.Contains(lower, pattern+"?") {
			return true
		}
	}

	for _, pattern := range []string{
		"/login", "/signin", "/sign-in", "/auth",
		"/register", "/signup", "/sign-up",
		"/logout", "/signout",
		"/search", "/results",
		"/404", "/error", "not-found",
		"/terms", "/privacy", "/legal", "/cookie",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return strings.Contains(lower, "?q=") || strings.Contains(lower, "?search=") || strings.Contains(lower, "?query=")
}
