package store

import (
	"cmp"
	"slices"

	"github.com/raphaelgruber/docagent/internal/models"
)

// SortDocuments orders documents by display order, then creation time.
func SortDocuments(docs []models.DocumentTask) {
	slices.SortFunc(docs, compareDocuments)
}

func compareDocuments(a, b models.DocumentTask) int {
	if c := cmp.Compare(a.DisplayOrder, b.DisplayOrder); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortRuns orders runs most recent first.
func SortRuns(runs []models.AgentRun) {
	slices.SortFunc(runs, func(a, b models.AgentRun) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// SortIndexEntries orders entries by creation time.
func SortIndexEntries(entries []models.IndexEntry) {
	slices.SortFunc(entries, func(a, b models.IndexEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func sortTasks(tasks []models.AgentTask) {
	slices.SortStableFunc(tasks, func(a, b models.AgentTask) int {
		return cmp.Compare(a.Position, b.Position)
	})
}
