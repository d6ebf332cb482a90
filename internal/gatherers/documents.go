package gatherers

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
)

var (
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
	htmlPrefixRe     = regexp.MustCompile(`(?i)^\s*(<!doctype html|<html|<body|<article|<main)`)

	// elements that never carry document text
	droppedElements = map[string]bool{
		"script": true, "style": true, "noscript": true, "nav": true, "header": true,
		"footer": true, "aside": true, "iframe": true, "form": true, "button": true,
	}
)

// documentConverter turns attached HTML documents into markdown so the
// summariser sees text instead of markup. Other files pass through.
type documentConverter struct {
	converter *md.Converter
}

func newDocumentConverter() *documentConverter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &documentConverter{converter: c}
}

func isHTML(f state.UserFile) bool {
	switch strings.ToLower(filepath.Ext(f.Filename)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return htmlPrefixRe.MatchString(f.Content)
}

// Text returns the trimmed text content of f. Conversion failures fall back
// to the raw content.
func (d *documentConverter) Text(f state.UserFile) string {
	if !isHTML(f) {
		return strings.TrimSpace(f.Content)
	}
	cleaned, ok := mainContent(f.Content)
	if !ok {
		return strings.TrimSpace(f.Content)
	}
	markdown, err := d.converter.ConvertString(cleaned)
	if err != nil {
		return strings.TrimSpace(f.Content)
	}
	return strings.TrimSpace(excessiveLinesRe.ReplaceAllString(markdown, "\n\n"))
}

// mainContent renders the <main> or <article> element when present, else the
// body, without navigation and scripts.
func mainContent(content string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", false
	}
	prune(doc)

	root := findElement(doc, "main")
	if root == nil {
		root = findElement(doc, "article")
	}
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", false
	}
	return buf.String(), true
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && droppedElements[c.Data]) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
