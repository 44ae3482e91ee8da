package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/raphaelgruber/docagent/internal/models"
)

// errNoChange aborts a mutation without writing and without error.
var errNoChange = errors.New("no change")

// collection is one JSON document on disk guarded by a single-writer mutex.
type collection[T any] struct {
	mu   sync.Mutex
	path string
}

func newCollection[T any](path string) *collection[T] {
	return &collection[T]{path: path}
}

// read loads the current document without taking the lock. Writes replace
// the file atomically, so a reader sees either the old or the new state.
func (c *collection[T]) read() (T, error) {
	var v T
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("%w: read %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: decode %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}
	return v, nil
}

// mutate runs read-modify-write while holding the lock end to end.
func (c *collection[T]) mutate(fn func(*T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.read()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	return c.write(v)
}

func (c *collection[T]) write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: replace %s: %w", ErrPersistence, filepath.Base(c.path), err)
	}
	return nil
}

// FileStore keeps each logical collection as one JSON document inside a
// data directory.
type FileStore struct {
	dir       string
	documents *collection[map[string]models.DocumentTask]
	runs      *collection[map[string]models.AgentRun]
	details   *collection[map[string]models.TaskDetail]
	memories  *collection[map[string]models.MemoryState]
	snapshots *collection[map[string][]models.MemorySnapshot]
	index     *collection[map[string]models.IndexEntry]
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrPersistence, err)
	}
	return &FileStore{
		dir:       dir,
		documents: newCollection[map[string]models.DocumentTask](filepath.Join(dir, "documents.json")),
		runs:      newCollection[map[string]models.AgentRun](filepath.Join(dir, "runs.json")),
		details:   newCollection[map[string]models.TaskDetail](filepath.Join(dir, "task_details.json")),
		memories:  newCollection[map[string]models.MemoryState](filepath.Join(dir, "memory.json")),
		snapshots: newCollection[map[string][]models.MemorySnapshot](filepath.Join(dir, "snapshots.json")),
		index:     newCollection[map[string]models.IndexEntry](filepath.Join(dir, "index_entries.json")),
	}, nil
}

// Dir returns the data directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Close is a no-op; every write is already durable.
func (s *FileStore) Close(ctx context.Context) error {
	return nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (s *FileStore) CreateDocument(ctx context.Context, doc *models.DocumentTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.documents.mutate(func(m *map[string]models.DocumentTask) error {
		if *m == nil {
			*m = map[string]models.DocumentTask{}
		}
		if _, exists := (*m)[doc.ID]; exists {
			return fmt.Errorf("%w: document %s", ErrAlreadyExists, doc.ID)
		}
		(*m)[doc.ID] = *doc
		return nil
	})
}

func (s *FileStore) GetDocument(ctx context.Context, id string) (*models.DocumentTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.documents.read()
	if err != nil {
		return nil, err
	}
	doc, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *FileStore) ListDocuments(ctx context.Context) ([]models.DocumentTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.documents.read()
	if err != nil {
		return nil, err
	}
	docs := make([]models.DocumentTask, 0, len(m))
	for _, d := range m {
		docs = append(docs, d)
	}
	SortDocuments(docs)
	return docs, nil
}

func (s *FileStore) UpdateDocument(ctx context.Context, id string, fn func(*models.DocumentTask) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.documents.mutate(func(m *map[string]models.DocumentTask) error {
		doc, ok := (*m)[id]
		if !ok {
			return errNoChange
		}
		found = true
		if err := fn(&doc); err != nil {
			return err
		}
		(*m)[id] = doc
		return nil
	})
	return found, err
}

func (s *FileStore) UpdateDocuments(ctx context.Context, fn func([]*models.DocumentTask) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.documents.mutate(func(m *map[string]models.DocumentTask) error {
		docs := make([]*models.DocumentTask, 0, len(*m))
		for _, d := range *m {
			docs = append(docs, &d)
		}
		slices.SortFunc(docs, func(a, b *models.DocumentTask) int {
			return compareDocuments(*a, *b)
		})
		if err := fn(docs); err != nil {
			return err
		}
		for _, d := range docs {
			(*m)[d.ID] = *d
		}
		return nil
	})
}

func (s *FileStore) DeleteDocument(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.documents.mutate(func(m *map[string]models.DocumentTask) error {
		if _, ok := (*m)[id]; !ok {
			return errNoChange
		}
		found = true
		delete(*m, id)
		return nil
	})
	return found, err
}

func (s *FileStore) DeleteDocumentsByStatus(ctx context.Context, status models.DocumentStatus) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.documents.mutate(func(m *map[string]models.DocumentTask) error {
		for id, d := range *m {
			if d.Status == status {
				delete(*m, id)
				count++
			}
		}
		if count == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (s *FileStore) CreateRun(ctx context.Context, run *models.AgentRun, details []models.TaskDetail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Details first: a run is only visible once everything it references exists.
	if err := s.details.mutate(func(m *map[string]models.TaskDetail) error {
		if *m == nil {
			*m = map[string]models.TaskDetail{}
		}
		for _, d := range details {
			(*m)[d.TaskID] = d
		}
		return nil
	}); err != nil {
		return err
	}
	return s.runs.mutate(func(m *map[string]models.AgentRun) error {
		if *m == nil {
			*m = map[string]models.AgentRun{}
		}
		if _, exists := (*m)[run.ID]; exists {
			return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.ID)
		}
		r := *run
		r.Tasks = slices.Clone(run.Tasks)
		sortTasks(r.Tasks)
		(*m)[run.ID] = r
		return nil
	})
}

func (s *FileStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.runs.read()
	if err != nil {
		return nil, err
	}
	run, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (s *FileStore) ListRuns(ctx context.Context) ([]models.AgentRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.runs.read()
	if err != nil {
		return nil, err
	}
	runs := make([]models.AgentRun, 0, len(m))
	for _, r := range m {
		runs = append(runs, r)
	}
	SortRuns(runs)
	return runs, nil
}

func (s *FileStore) UpdateRun(ctx context.Context, id string, fn func(*models.AgentRun) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.runs.mutate(func(m *map[string]models.AgentRun) error {
		run, ok := (*m)[id]
		if !ok {
			return errNoChange
		}
		found = true
		if err := fn(&run); err != nil {
			return err
		}
		sortTasks(run.Tasks)
		(*m)[id] = run
		return nil
	})
	return found, err
}

func (s *FileStore) DeleteRun(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var taskIDs []string
	found := false
	err := s.runs.mutate(func(m *map[string]models.AgentRun) error {
		run, ok := (*m)[id]
		if !ok {
			return errNoChange
		}
		found = true
		for _, t := range run.Tasks {
			taskIDs = append(taskIDs, t.ID)
		}
		delete(*m, id)
		return nil
	})
	if err != nil || !found {
		return found, err
	}
	err = s.details.mutate(func(m *map[string]models.TaskDetail) error {
		for tid, d := range *m {
			if d.RunID == id || slices.Contains(taskIDs, tid) {
				delete(*m, tid)
			}
		}
		return nil
	})
	return true, err
}

func (s *FileStore) GetTaskDetail(ctx context.Context, taskID string) (*models.TaskDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.details.read()
	if err != nil {
		return nil, err
	}
	d, ok := m[taskID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *FileStore) SaveTaskDetail(ctx context.Context, detail *models.TaskDetail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.details.mutate(func(m *map[string]models.TaskDetail) error {
		if *m == nil {
			*m = map[string]models.TaskDetail{}
		}
		(*m)[detail.TaskID] = *detail
		return nil
	})
}

// =============================================================================
// MEMORY
// =============================================================================

func (s *FileStore) SaveMemory(ctx context.Context, state *models.MemoryState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memories.mutate(func(m *map[string]models.MemoryState) error {
		if *m == nil {
			*m = map[string]models.MemoryState{}
		}
		(*m)[state.ID] = *state
		return nil
	})
}

func (s *FileStore) GetMemory(ctx context.Context, id string) (*models.MemoryState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.memories.read()
	if err != nil {
		return nil, err
	}
	st, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *FileStore) AppendSnapshot(ctx context.Context, snap *models.MemorySnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.snapshots.mutate(func(m *map[string][]models.MemorySnapshot) error {
		if *m == nil {
			*m = map[string][]models.MemorySnapshot{}
		}
		list := (*m)[snap.MemoryID]
		for _, existing := range list {
			if existing.Version == snap.Version {
				return fmt.Errorf("%w: snapshot %s@%d", ErrAlreadyExists, snap.MemoryID, snap.Version)
			}
		}
		list = append(list, *snap)
		slices.SortFunc(list, func(a, b models.MemorySnapshot) int {
			return cmp.Compare(a.Version, b.Version)
		})
		(*m)[snap.MemoryID] = list
		return nil
	})
}

func (s *FileStore) GetSnapshot(ctx context.Context, memoryID string, version int64) (*models.MemorySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.snapshots.read()
	if err != nil {
		return nil, err
	}
	for _, snap := range m[memoryID] {
		if snap.Version == version {
			return &snap, nil
		}
	}
	return nil, nil
}

func (s *FileStore) ListSnapshots(ctx context.Context, memoryID string) ([]models.MemorySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.snapshots.read()
	if err != nil {
		return nil, err
	}
	list := slices.Clone(m[memoryID])
	if list == nil {
		list = []models.MemorySnapshot{}
	}
	return list, nil
}

func (s *FileStore) DeleteMemory(ctx context.Context, memoryID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.memories.mutate(func(m *map[string]models.MemoryState) error {
		if _, ok := (*m)[memoryID]; !ok {
			return errNoChange
		}
		delete(*m, memoryID)
		return nil
	}); err != nil {
		return 0, err
	}
	count := 0
	err := s.snapshots.mutate(func(m *map[string][]models.MemorySnapshot) error {
		list, ok := (*m)[memoryID]
		if !ok {
			return errNoChange
		}
		count = len(list)
		delete(*m, memoryID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// =============================================================================
// INDEX ENTRIES
// =============================================================================

func (s *FileStore) CreateIndexEntry(ctx context.Context, entry *models.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.index.mutate(func(m *map[string]models.IndexEntry) error {
		if *m == nil {
			*m = map[string]models.IndexEntry{}
		}
		if _, exists := (*m)[entry.ID]; exists {
			return fmt.Errorf("%w: index entry %s", ErrAlreadyExists, entry.ID)
		}
		(*m)[entry.ID] = *entry
		return nil
	})
}

func (s *FileStore) GetIndexEntry(ctx context.Context, id string) (*models.IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.index.read()
	if err != nil {
		return nil, err
	}
	e, ok := m[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *FileStore) ListIndexEntries(ctx context.Context, filter models.IndexFilter) ([]models.IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.index.read()
	if err != nil {
		return nil, err
	}
	entries := make([]models.IndexEntry, 0, len(m))
	for _, e := range m {
		if filter.Matches(&e) {
			entries = append(entries, e)
		}
	}
	SortIndexEntries(entries)
	return entries, nil
}

func (s *FileStore) UpdateIndexEntry(ctx context.Context, id string, fn func(*models.IndexEntry) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.index.mutate(func(m *map[string]models.IndexEntry) error {
		e, ok := (*m)[id]
		if !ok {
			return errNoChange
		}
		found = true
		if err := fn(&e); err != nil {
			return err
		}
		(*m)[id] = e
		return nil
	})
	return found, err
}

func (s *FileStore) DeleteIndexEntriesByRun(ctx context.Context, runID string) (int, error) {
	return s.deleteIndexEntries(ctx, func(e models.IndexEntry) bool {
		return e.RunID == runID
	})
}

func (s *FileStore) DeleteIndexEntriesByTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	return s.deleteIndexEntries(ctx, func(e models.IndexEntry) bool {
		return slices.Contains(taskIDs, e.TaskID)
	})
}

func (s *FileStore) deleteIndexEntries(ctx context.Context, match func(models.IndexEntry) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.index.mutate(func(m *map[string]models.IndexEntry) error {
		for id, e := range *m {
			if match(e) {
				delete(*m, id)
				count++
			}
		}
		if count == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
