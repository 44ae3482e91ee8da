package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkdownFrontmatter(t *testing.T) {
	doc := ParseMarkdown("---\ntitle: Q3 Statement\ndate: 2024-09-18\n---\n# Heading\nBody text.")

	assert.Equal(t, "Q3 Statement", doc.Title)
	assert.Equal(t, "# Heading\nBody text.", doc.Content)

	date, ok := doc.Date()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 9, 18, 0, 0, 0, 0, time.UTC), date)
}

func TestParseMarkdownWithoutFrontmatter(t *testing.T) {
	doc := ParseMarkdown("# Minutes\nThe meeting on March 5, 2023 concluded.")

	assert.Equal(t, "Minutes", doc.Title)
	assert.Empty(t, doc.Frontmatter)

	date, ok := doc.Date()
	require.True(t, ok)
	assert.Equal(t, time.Date(2023, 3, 5, 0, 0, 0, 0, time.UTC), date)
}

func TestParseMarkdownBrokenYAML(t *testing.T) {
	doc := ParseMarkdown("---\ntitle: [unclosed\n---\nplain")
	assert.Empty(t, doc.Frontmatter)
	assert.Equal(t, "plain", doc.Content)
}

func TestFindDate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Time
		ok   bool
	}{
		{"iso", "released 2022-11-30 to the press", time.Date(2022, 11, 30, 0, 0, 0, 0, time.UTC), true},
		{"long form", "Dated 4 July 2021.", time.Date(2021, 7, 4, 0, 0, 0, 0, time.UTC), true},
		{"earliest mention wins", "On June 1, 2020 and later 2021-01-01", time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"invalid day", "2022-13-45", time.Time{}, false},
		{"none", "no dates here", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindDate(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPageCount(t *testing.T) {
	assert.Zero(t, PageCount("  \n"))
	assert.Equal(t, 1, PageCount("one page"))
	assert.Equal(t, 3, PageCount("a\fb\fc"))
}
