package models

import (
	"fmt"
	"time"
)

// OverflowStrategy decides how rolling memory shrinks past its maximum.
type OverflowStrategy string

const (
	StrategyTruncate OverflowStrategy = "truncate"
	StrategyCompress OverflowStrategy = "compress"
)

// ParseStrategy validates an overflow strategy name.
func ParseStrategy(s string) (OverflowStrategy, error) {
	switch OverflowStrategy(s) {
	case StrategyTruncate, StrategyCompress:
		return OverflowStrategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown memory strategy %q", ErrValidation, s)
}

// MemoryState is the current value of a rolling memory.
type MemoryState struct {
	ID        string           `json:"id"`
	Context   string           `json:"context"`
	MaxLength int              `json:"max_length"`
	Strategy  OverflowStrategy `json:"strategy"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// MemorySnapshot is an immutable checkpoint of a memory, tagged with the
// task that produced it. Version increases monotonically per memory.
type MemorySnapshot struct {
	MemoryID  string    `json:"memory_id"`
	Version   int64     `json:"version"`
	TaskID    string    `json:"task_id"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
}
