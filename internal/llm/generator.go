package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metrics"
)

// ErrUnavailable is returned when no generator is configured.
var ErrUnavailable = errors.New("structured generation is not available")

// Request asks the generation service for a JSON document (or plain text).
type Request struct {
	Stage       string          `json:"stage"`
	Task        string          `json:"task"`
	System      string          `json:"system,omitempty"`
	Prompt      string          `json:"prompt"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// Generator performs one generation call. The returned document is either the
// structured JSON value or a JSON string holding free text.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Unavailable always fails with ErrUnavailable; call sites take their fallback.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, Request) (json.RawMessage, error) {
	return nil, ErrUnavailable
}

// ErrorKind classifies generation failures.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindTransport   ErrorKind = "transport"
	KindDecode      ErrorKind = "decode"
	KindInvalid     ErrorKind = "invalid"
)

// GenerationError describes why a structured generation fell back.
type GenerationError struct {
	Stage string
	Task  string
	Kind  ErrorKind
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s/%s generation %s: %v", e.Stage, e.Task, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Result carries either a generated value or the fallback value with the reason.
type Result[T any] struct {
	Value    T
	Err      *GenerationError
	Fallback bool
}

// Generate runs req through g and decodes the document into T. Any failure,
// including a failed check, yields fallback() with Fallback set and Err
// describing the cause.
func Generate[T any](ctx context.Context, g Generator, req Request, fallback func() T, checks ...func(T) error) Result[T] {
	fail := func(kind ErrorKind, err error) Result[T] {
		metrics.GenerationRequests.WithLabelValues(req.Stage, string(kind)).Inc()
		metrics.GenerationFallbacks.WithLabelValues(req.Stage).Inc()
		return Result[T]{
			Value:    fallback(),
			Err:      &GenerationError{Stage: req.Stage, Task: req.Task, Kind: kind, Err: err},
			Fallback: true,
		}
	}

	if g == nil {
		return fail(KindUnavailable, ErrUnavailable)
	}
	raw, err := g.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return fail(KindUnavailable, err)
		}
		return fail(KindTransport, err)
	}

	var value T
	if err := Decode(raw, &value); err != nil {
		return fail(KindDecode, err)
	}
	for _, check := range checks {
		if err := check(value); err != nil {
			return fail(KindInvalid, err)
		}
	}
	metrics.GenerationRequests.WithLabelValues(req.Stage, "ok").Inc()
	return Result[T]{Value: value}
}

// Decode unpacks a generation document into v. A JSON string payload is
// unfenced first and then either assigned (for *string) or parsed as JSON.
func Decode(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("empty document")
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		text = StripFences(text)
		if s, ok := v.(*string); ok {
			if text == "" {
				return errors.New("empty text")
			}
			*s = text
			return nil
		}
		raw = json.RawMessage(text)
	}
	if s, ok := v.(*string); ok {
		// structured payload requested as text
		*s = string(raw)
		return nil
	}
	return json.Unmarshal(raw, v)
}

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*[ \\t]*\\n(.*?)\\n?```$")

// StripFences removes a surrounding markdown code fence such as ```json or ```sql.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if len(s) >= 6 && strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") {
		return strings.TrimSpace(s[3 : len(s)-3])
	}
	return s
}
