package formatting

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// RenderMarkdown renders a deliverable as a markdown report. Each section that
// carries an anchor gets its inline label after the heading, and the report ends
// with a Sources section rebuilt from the bibliography.
func RenderMarkdown(d *state.Deliverable) string {
	if d == nil {
		return ""
	}

	labels := make(map[string]string, len(d.Citations.Anchors))
	for _, a := range d.Citations.Anchors {
		labels[a.SectionID] = a.Label
	}

	var b strings.Builder
	headline := d.ExecutiveSummary.Headline
	if headline == "" {
		headline = "Executive summary"
	}
	fmt.Fprintf(&b, "# %s\n\n", headline)
	for _, p := range d.ExecutiveSummary.Body {
		if strings.TrimSpace(p) != "" {
			b.WriteString(p + "\n\n")
		}
	}
	for _, h := range d.ExecutiveSummary.Highlights {
		b.WriteString("- " + h + "\n")
	}
	if len(d.ExecutiveSummary.Highlights) > 0 {
		b.WriteString("\n")
	}

	for _, s := range d.Sections {
		b.WriteString("## " + s.Title)
		if label, ok := labels[s.ID]; ok {
			b.WriteString(" " + label)
		}
		b.WriteString("\n\n")
		if s.Pending {
			b.WriteString("_Pending_\n\n")
		}
		for _, line := range s.Summary {
			b.WriteString("- " + line + "\n")
		}
		if len(s.Summary) > 0 {
			b.WriteString("\n")
		}
		if len(s.DataHighlights) > 0 {
			b.WriteString("**Data highlights**\n\n")
			for _, line := range s.DataHighlights {
				b.WriteString("- " + line + "\n")
			}
			b.WriteString("\n")
		}
		for _, v := range s.Visuals {
			fmt.Fprintf(&b, "> %s: %s (%s)\n\n", capitalize(v.Type), v.Description, v.Source)
		}
		if strings.TrimSpace(s.Narrative) != "" {
			b.WriteString(s.Narrative + "\n\n")
		}
	}

	if len(d.Appendices) > 0 {
		b.WriteString("## Appendices\n\n")
		for _, a := range d.Appendices {
			b.WriteString("- " + a + "\n")
		}
		b.WriteString("\n")
	}

	return FormatReportWithCitations(b.String(), CitationsList(d.Citations.Bibliography, d.DateFormat))
}

// CitationsList renders bibliography entries one per line:
// "[1] Title (URL) - Publisher, 2024-01-01".
func CitationsList(entries []state.CitationEntry, dateFormat string) string {
	layout := "2006-01-02"
	switch dateFormat {
	case "dd/MM/yyyy":
		layout = "02/01/2006"
	case "MM/dd/yyyy":
		layout = "01/02/2006"
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		n := strings.TrimPrefix(e.ID, "C")
		line := fmt.Sprintf("[%s] %s (%s) - %s", n, e.Title, e.URL, e.Publisher)
		if !e.RetrievedAt.IsZero() {
			line += ", " + e.RetrievedAt.Format(layout)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatReportWithCitations ensures that the final report contains a complete
// Sources section listing ALL available citations. It:
//  1. Parses inline citations used in the body (e.g., [1], [2])
//  2. Removes any existing "## Sources" section from the body
//  3. Appends a rebuilt Sources section from citationsList, marking which
//     entries were used inline
//
// citationsList is expected to be lines like: "[1] Title (URL) - Source, 2024-01-01"
func FormatReportWithCitations(body string, citationsList string) string {
	s := strings.TrimSpace(body)
	if s == "" {
		return body
	}

	used := map[int]bool{}
	for _, m := range citationMarker.FindAllStringSubmatch(s, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}

	// Cut at the LAST "## Sources" so an earlier mention in the body survives.
	cut := s
	if idx := strings.LastIndex(strings.ToLower(s), "## sources"); idx != -1 {
		cut = strings.TrimSpace(s[:idx])
	}

	var rebuilt []string
	for _, ln := range strings.Split(strings.TrimSpace(citationsList), "\n") {
		t := strings.TrimSpace(ln)
		if t == "" {
			continue
		}
		label := "Additional source"
		if used[leadingIndex(t)] {
			label = "Used inline"
		}
		rebuilt = append(rebuilt, t+" - "+label)
	}

	if len(rebuilt) == 0 {
		return cut
	}

	sort.SliceStable(rebuilt, func(i, j int) bool {
		return leadingIndex(rebuilt[i]) < leadingIndex(rebuilt[j])
	})

	var b strings.Builder
	if cut != "" {
		b.WriteString(strings.TrimRight(cut, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("## Sources\n")
	b.WriteString(strings.Join(rebuilt, "\n"))
	return b.String()
}

func leadingIndex(line string) int {
	if m := citationMarker.FindStringSubmatch(line); len(m) == 2 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
