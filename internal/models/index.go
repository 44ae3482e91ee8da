package models

import (
	"fmt"
	"math"
	"time"
)

// IndexEntry is one named score derived from one document by one task.
type IndexEntry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	IndexName  string    `json:"index_name"`
	Score      float64   `json:"score"`
	DocumentID string    `json:"document_id"`
	Quotes     []string  `json:"quotes,omitempty"`
	Rationale  string    `json:"rationale,omitempty"`
	SourceKind TaskKind  `json:"source_kind"`
	Corrected  bool      `json:"corrected,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IndexFilter narrows ListIndexEntries. Empty fields match everything.
type IndexFilter struct {
	RunID     string
	IndexName string
}

// Matches reports whether e passes the filter.
func (f IndexFilter) Matches(e *IndexEntry) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.IndexName != "" && e.IndexName != f.IndexName {
		return false
	}
	return true
}

// ValidateScore checks that a score is a finite decimal in [-1, 1].
func ValidateScore(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("%w: score is not a number", ErrValidation)
	}
	if score < -1 || score > 1 {
		return fmt.Errorf("%w: score %v outside [-1, 1]", ErrValidation, score)
	}
	return nil
}
