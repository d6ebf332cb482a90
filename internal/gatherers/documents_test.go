package gatherers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

const reportHTML = `<!DOCTYPE html>
<html><head><title>Battery report</title><style>p{color:red}</style></head>
<body>
<nav><a href="/">Home</a> | <a href="/about">About us</a></nav>
<main>
<h1>Battery demand</h1>
<!-- internal draft -->
<p>Sales rose <strong>40%</strong> in 2025.</p>
<ul><li>Capacity 120 GWh</li><li>Plants 14</li></ul>
</main>
<script>track()</script>
<footer>Copyright</footer>
</body></html>`

func TestDocumentConverterHTML(t *testing.T) {
	d := newDocumentConverter()
	text := d.Text(state.UserFile{Filename: "report.html", Content: reportHTML})

	assert.Contains(t, text, "# Battery demand")
	assert.Contains(t, text, "Sales rose **40%** in 2025.")
	assert.Contains(t, text, "Capacity 120 GWh")
	assert.NotContains(t, text, "About us")
	assert.NotContains(t, text, "track()")
	assert.NotContains(t, text, "internal draft")
	assert.NotContains(t, text, "Copyright")
}

func TestDocumentConverterSniffsMarkup(t *testing.T) {
	d := newDocumentConverter()
	text := d.Text(state.UserFile{Filename: "export", Content: "<html><body><p>Share 34%</p></body></html>"})
	assert.Equal(t, "Share 34%", text)

	plain := d.Text(state.UserFile{Filename: "notes.txt", Content: "  a < b and c > d  "})
	assert.Equal(t, "a < b and c > d", plain)

	assert.Empty(t, d.Text(state.UserFile{Filename: "blank.html", Content: "<html><body><script>x()</script></body></html>"}))
}

func TestHTMLUserFileSummarisedAsText(t *testing.T) {
	g := New(nil, nil, nil, testConfig(), zaptest.NewLogger(t))
	plan := g.Gather(context.Background(), Plan{
		Sections: sections(),
		Files:    []state.UserFile{{Filename: "report.html", Content: reportHTML}},
	})

	require.Len(t, plan.UserFiles, 1)
	insight := plan.UserFiles[0]
	assert.False(t, insight.Failed())
	assert.NotContains(t, insight.Summary, "<p>")
	assert.Contains(t, insight.KeyMetrics, "Sales rose **40%** in 2025.")
}
