// Package store defines the durable store contract and a JSON file backend.
//
// Every collection is guarded by its own single-writer mutex. Mutations run
// as read-modify-write under that mutex; reads never take it and may observe
// a slightly stale but never partially written state.
package store

import (
	"context"
	"errors"

	"github.com/raphaelgruber/docagent/internal/models"
)

// Sentinel errors for store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrPersistence wraps any I/O or database failure. The operation is
	// considered not applied.
	ErrPersistence = errors.New("persistence failure")

	// ErrAlreadyExists indicates a record with the same key already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrNotFound indicates a record referenced by a batch operation is missing.
	// Single-record update/delete report absence through their bool result.
	ErrNotFound = errors.New("record not found")
)

// DocumentStore persists ingestion document tasks.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.DocumentTask) error
	// GetDocument returns nil, nil when the document does not exist.
	GetDocument(ctx context.Context, id string) (*models.DocumentTask, error)
	ListDocuments(ctx context.Context) ([]models.DocumentTask, error)
	// UpdateDocument applies fn under the collection lock. Returns false if
	// the document does not exist. An error from fn aborts without writing.
	UpdateDocument(ctx context.Context, id string, fn func(*models.DocumentTask) error) (bool, error)
	// UpdateDocuments applies fn to every document under the collection lock.
	UpdateDocuments(ctx context.Context, fn func([]*models.DocumentTask) error) error
	DeleteDocument(ctx context.Context, id string) (bool, error)
	DeleteDocumentsByStatus(ctx context.Context, status models.DocumentStatus) (int, error)
}

// RunStore persists agent runs with their nested tasks, and task details.
type RunStore interface {
	// CreateRun stores run (including run.Tasks) and the task details.
	CreateRun(ctx context.Context, run *models.AgentRun, details []models.TaskDetail) error
	// GetRun returns nil, nil when the run does not exist.
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	ListRuns(ctx context.Context) ([]models.AgentRun, error)
	// UpdateRun applies fn to the run and its tasks under the runs lock.
	UpdateRun(ctx context.Context, id string, fn func(*models.AgentRun) error) (bool, error)
	// DeleteRun removes the run, its tasks and their details.
	DeleteRun(ctx context.Context, id string) (bool, error)

	// GetTaskDetail returns nil, nil when the detail does not exist.
	GetTaskDetail(ctx context.Context, taskID string) (*models.TaskDetail, error)
	SaveTaskDetail(ctx context.Context, detail *models.TaskDetail) error
}

// MemoryStore persists rolling memory state and its snapshots.
type MemoryStore interface {
	SaveMemory(ctx context.Context, state *models.MemoryState) error
	// GetMemory returns nil, nil when the memory does not exist.
	GetMemory(ctx context.Context, id string) (*models.MemoryState, error)
	// AppendSnapshot adds an immutable snapshot. A duplicate version for the
	// same memory returns ErrAlreadyExists.
	AppendSnapshot(ctx context.Context, snap *models.MemorySnapshot) error
	// GetSnapshot returns nil, nil when no snapshot has that version.
	GetSnapshot(ctx context.Context, memoryID string, version int64) (*models.MemorySnapshot, error)
	// ListSnapshots returns snapshots ordered by ascending version.
	ListSnapshots(ctx context.Context, memoryID string) ([]models.MemorySnapshot, error)
	// DeleteMemory removes the state and all snapshots, returning the
	// number of snapshots removed.
	DeleteMemory(ctx context.Context, memoryID string) (int, error)
}

// IndexStore persists derived index entries.
type IndexStore interface {
	CreateIndexEntry(ctx context.Context, entry *models.IndexEntry) error
	// GetIndexEntry returns nil, nil when the entry does not exist.
	GetIndexEntry(ctx context.Context, id string) (*models.IndexEntry, error)
	ListIndexEntries(ctx context.Context, filter models.IndexFilter) ([]models.IndexEntry, error)
	UpdateIndexEntry(ctx context.Context, id string, fn func(*models.IndexEntry) error) (bool, error)
	DeleteIndexEntriesByRun(ctx context.Context, runID string) (int, error)
	DeleteIndexEntriesByTasks(ctx context.Context, taskIDs []string) (int, error)
}

// Store is the full durable store.
type Store interface {
	DocumentStore
	RunStore
	MemoryStore
	IndexStore
	Close(ctx context.Context) error
}
