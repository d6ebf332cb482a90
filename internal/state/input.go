package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxQuestionLength bounds the normalized question in runes.
const MaxQuestionLength = 8000

var (
	// ErrInvalidInput wraps every input validation failure.
	ErrInvalidInput = errors.New("invalid input")

	localePattern = regexp.MustCompile(`^[a-zA-Z]{2,3}([-_][a-zA-Z0-9]{2,8})*$`)
)

type messagePart struct {
	Role    string          `json:"role,omitempty"`
	Parts   json.RawMessage `json:"parts,omitempty"`
	Content string          `json:"content,omitempty"`
}

// NormalizeQuestion extracts the question text from a chat message. It accepts a
// JSON string, an object with parts or content, or an array of those.
func NormalizeQuestion(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return strings.TrimSpace(s), nil
	case '{':
		var m messagePart
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return strings.TrimSpace(m.text()), nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		lines := make([]string, 0, len(items))
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) > 0 && item[0] == '"' {
				var s string
				if err := json.Unmarshal(item, &s); err == nil {
					lines = append(lines, s)
				}
				continue
			}
			var m messagePart
			if err := json.Unmarshal(item, &m); err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			lines = append(lines, m.text())
		}
		return strings.TrimSpace(strings.Join(lines, "\n")), nil
	default:
		return "", fmt.Errorf("%w: unsupported message shape", ErrInvalidInput)
	}
}

func (m messagePart) text() string {
	if len(m.Parts) > 0 {
		var parts []string
		if err := json.Unmarshal(m.Parts, &parts); err == nil {
			return strings.Join(parts, " ")
		}
		// parts may also be [{"type":"text","text":"..."}]
		var typed []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Parts, &typed); err == nil {
			texts := make([]string, 0, len(typed))
			for _, p := range typed {
				if p.Text != "" {
					texts = append(texts, p.Text)
				}
			}
			return strings.Join(texts, " ")
		}
	}
	return m.Content
}

// Validate rejects inputs that must not reach any stage.
func (in Input) Validate() error {
	q := strings.TrimSpace(in.Question)
	if q == "" {
		return fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(q) > MaxQuestionLength {
		return fmt.Errorf("%w: question exceeds %d characters", ErrInvalidInput, MaxQuestionLength)
	}
	if in.Profile != nil && in.Profile.Locale != "" && !localePattern.MatchString(in.Profile.Locale) {
		return fmt.Errorf("%w: malformed locale %q", ErrInvalidInput, in.Profile.Locale)
	}
	for i, f := range in.Files {
		if strings.TrimSpace(f.Filename) == "" {
			return fmt.Errorf("%w: file %d has no name", ErrInvalidInput, i)
		}
	}
	return nil
}
