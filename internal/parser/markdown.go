// Package parser extracts text and metadata from uploaded documents.
package parser

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/docagent/internal/models"
)

// MarkdownDoc represents a parsed Markdown or plain text document.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title extracted from frontmatter or first h1
	Title string

	// Main content (after frontmatter)
	Content string
}

var h1Regex = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// ParseMarkdown splits off YAML frontmatter and extracts the title.
// Plain text without frontmatter is returned as content unchanged.
func ParseMarkdown(content string) *MarkdownDoc {
	doc := &MarkdownDoc{
		Frontmatter: make(map[string]any),
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx >= 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil || doc.Frontmatter == nil {
				// Ignore YAML errors, just use empty frontmatter
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	return doc
}

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if name, ok := fm["name"].(string); ok && name != "" {
		return name
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// GetFrontmatterString extracts a string from frontmatter.
func (d *MarkdownDoc) GetFrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

// Date returns the document date from the frontmatter "date" key, else
// the first date mentioned in the content.
func (d *MarkdownDoc) Date() (time.Time, bool) {
	switch v := d.Frontmatter["date"].(type) {
	case time.Time:
		return v, true
	case string:
		if t, ok := models.ParseDate(strings.TrimSpace(v)); ok {
			return t, true
		}
	}
	return FindDate(d.Content)
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December) \d{1,2}, \d{4}\b`),
	regexp.MustCompile(`\b\d{1,2} (?:January|February|March|April|May|June|July|August|September|October|November|December) \d{4}\b`),
}

// FindDate returns the earliest-positioned parseable date in text.
func FindDate(text string) (time.Time, bool) {
	best := -1
	var found time.Time
	for _, re := range datePatterns {
		loc := re.FindStringIndex(text)
		if loc == nil || (best >= 0 && loc[0] >= best) {
			continue
		}
		if t, ok := models.ParseDate(text[loc[0]:loc[1]]); ok {
			best = loc[0]
			found = t
		}
	}
	return found, best >= 0
}

// PageCount counts form-feed separated pages. Empty text has no pages.
func PageCount(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return strings.Count(text, "\f") + 1
}
