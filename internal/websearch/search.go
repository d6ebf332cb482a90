package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web query scoped to a geography.
type Searcher interface {
	Search(ctx context.Context, query, geography string) ([]Result, error)
	Enabled() bool
}

// Disabled is used when no search provider is configured. It returns no
// results and never fails.
type Disabled struct{}

func (Disabled) Search(context.Context, string, string) ([]Result, error) { return nil, nil }
func (Disabled) Enabled() bool                                            { return false }

type searchRequest struct {
	Query      string `json:"query"`
	Geography  string `json:"geography,omitempty"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
		Content string `json:"content"`
	} `json:"results"`
}

// HTTPClient calls a JSON search provider through a circuit breaker.
type HTTPClient struct {
	url        string
	apiKey     string
	maxResults int
	http       *circuitbreaker.HTTPWrapper
	logger     *zap.Logger
}

// New returns an HTTP searcher for url, or Disabled when url is empty.
func New(url, apiKey string, timeout time.Duration, settings circuitbreaker.Settings, logger *zap.Logger) Searcher {
	if strings.TrimSpace(url) == "" {
		return Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		url:        url,
		apiKey:     apiKey,
		maxResults: 5,
		http:       circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "web-search", "search-provider", settings, logger),
		logger:     logger,
	}
}

func (c *HTTPClient) Enabled() bool { return true }

// Breaker exposes the client breaker for health checks.
func (c *HTTPClient) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// Search posts the query to the provider.
func (c *HTTPClient) Search(ctx context.Context, query, geography string) ([]Result, error) {
	body, err := json.Marshal(searchRequest{Query: query, Geography: geography, MaxResults: c.maxResults})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search provider call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("search provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Result, 0, len(out.Results))
	for _, r := range out.Results {
		link := r.Link
		if link == "" {
			link = r.URL
		}
		snippet := r.Snippet
		if snippet == "" {
			snippet = r.Content
		}
		if link == "" && r.Title == "" {
			continue
		}
		results = append(results, Result{Title: strings.TrimSpace(r.Title), Link: link, Snippet: strings.TrimSpace(snippet)})
	}
	c.logger.Debug("Web search completed", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}
