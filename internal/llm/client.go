package llm

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

const structuredPath = "/agent/structured"

// response is the body returned by the LLM service
type response struct {
	Output       json.RawMessage `json:"output"`
	Message      string          `json:"message"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
}

// HTTPClient calls the LLM service over JSON/HTTP through a circuit breaker.
type HTTPClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewHTTPClient returns a Generator for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, settings circuitbreaker.Settings, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(client, "llm", "llm-service", settings, logger),
		logger:  logger,
	}
}

// Breaker exposes the client breaker for health checks.
func (c *HTTPClient) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// Generate posts req to the structured generation endpoint.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+structuredPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call llm service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode llm response: %w", err)
	}

	c.logger.Debug("Generation completed",
		zap.String("stage", req.Stage),
		zap.String("task", req.Task),
		zap.String("model", out.Model),
		zap.Int("input_tokens", out.InputTokens),
		zap.Int("output_tokens", out.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	if len(bytes.TrimSpace(out.Output)) > 0 && !bytes.Equal(bytes.TrimSpace(out.Output), []byte("null")) {
		return out.Output, nil
	}
	if strings.TrimSpace(out.Message) != "" {
		return json.Marshal(out.Message)
	}
	return nil, fmt.Errorf("llm service returned an empty response")
}
