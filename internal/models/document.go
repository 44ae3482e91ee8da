// Package models defines the records persisted by docagent.
package models

import (
	"time"
)

// DocumentStatus is the lifecycle state of an ingested document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Metadata keys written by the document processor.
const (
	MetaDocumentDate = "document_date" // inferred from content
	MetaFallbackDate = "fallback_date" // file modification time
	MetaTitle        = "title"
	MetaScores       = "scores"
)

// DocumentTask is one uploaded file's processing record.
type DocumentTask struct {
	ID            string          `json:"id"`
	Filename      string          `json:"filename"`
	SourcePath    string          `json:"source_path"`
	Status        DocumentStatus  `json:"status"`
	DisplayOrder  int             `json:"display_order"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	AutoOrderedAt *time.Time      `json:"auto_ordered_at,omitempty"`
	Result        *DocumentResult `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DocumentResult is the output of the document processor.
type DocumentResult struct {
	Summary   string         `json:"summary,omitempty"`
	TextPath  string         `json:"text_path"`
	PageCount int            `json:"page_count"`
	ByteSize  int64          `json:"byte_size"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HasText reports whether the document finished with a usable extracted text.
func (d *DocumentTask) HasText() bool {
	return d.Status == DocumentCompleted && d.Result != nil && d.Result.TextPath != ""
}

// InferredDate returns the content-inferred document date, if any.
func (d *DocumentTask) InferredDate() (time.Time, bool) {
	return d.metaTime(MetaDocumentDate)
}

// BestDate returns the best known real-world date of the document:
// the content-inferred date, else the fallback date, else creation time.
func (d *DocumentTask) BestDate() time.Time {
	if t, ok := d.metaTime(MetaDocumentDate); ok {
		return t
	}
	if t, ok := d.metaTime(MetaFallbackDate); ok {
		return t
	}
	return d.CreatedAt
}

func (d *DocumentTask) metaTime(key string) (time.Time, bool) {
	if d.Result == nil || d.Result.Metadata == nil {
		return time.Time{}, false
	}
	switch v := d.Result.Metadata[key].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		return ParseDate(v)
	}
	return time.Time{}, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"01/02/2006",
}

// ParseDate parses the date formats produced by processors and the
// reasoning service.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
