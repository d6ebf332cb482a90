package state

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQuestion(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"  Porter's Five Forces for EV batteries  "`, "Porter's Five Forces for EV batteries"},
		{"object parts", `{"role":"user","parts":["EV batteries","in Europe"]}`, "EV batteries in Europe"},
		{"typed parts", `{"role":"user","parts":[{"type":"text","text":"SWOT"},{"type":"text","text":"for Acme"}]}`, "SWOT for Acme"},
		{"object content", `{"role":"user","content":" market sizing "}`, "market sizing"},
		{"array", `[{"parts":["first"]},{"content":"second"},"third"]`, "first\nsecond\nthird"},
		{"null", `null`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeQuestion(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeQuestionRejectsUnsupportedShapes(t *testing.T) {
	_, err := NormalizeQuestion(json.RawMessage(`42`))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestInputValidate(t *testing.T) {
	assert.NoError(t, Input{Question: "EV batteries", Profile: &UserProfile{Locale: "fr-FR"}}.Validate())

	assert.ErrorIs(t, Input{Question: "   "}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Input{Question: strings.Repeat("a", MaxQuestionLength+1)}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Input{Question: "q", Profile: &UserProfile{Locale: "fr FR!"}}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Input{Question: "q", Files: []UserFile{{Content: "x"}}}.Validate(), ErrInvalidInput)
}
