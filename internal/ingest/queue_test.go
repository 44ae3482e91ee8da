package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// stubProcessor records calls and returns a result with the given date.
type stubProcessor struct {
	mu    sync.Mutex
	calls []string
	dates map[string]string // filename -> document date
	fail  map[string]bool
	block chan struct{} // when set, Process waits on it or ctx
}

func (p *stubProcessor) Process(ctx context.Context, doc *models.DocumentTask) (*models.DocumentResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, doc.Filename)
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail[doc.Filename] {
		return nil, errors.New("unreadable")
	}
	meta := map[string]any{}
	if d, ok := p.dates[doc.Filename]; ok {
		meta[models.MetaDocumentDate] = d
	}
	return &models.DocumentResult{TextPath: "/tmp/" + doc.ID + ".txt", PageCount: 1, Metadata: meta}, nil
}

func (p *stubProcessor) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newTestQueue(t *testing.T, st store.DocumentStore, proc Processor, workers int) *Queue {
	t.Helper()
	q := New(st, Config{Workers: workers, Processor: proc})
	t.Cleanup(q.Close)
	return q
}

func newTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func waitForStatus(t *testing.T, st store.DocumentStore, id string, want models.DocumentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := st.GetDocument(context.Background(), id)
		return err == nil && d != nil && d.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAddRejectsUnsupportedType(t *testing.T) {
	st := newTestStore(t)
	q := newTestQueue(t, st, &stubProcessor{}, 1)

	_, err := q.Add(context.Background(), "scan.pdf", "/tmp/scan.pdf")
	assert.ErrorIs(t, err, models.ErrValidation)

	docs, err := st.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs, "rejected uploads are not persisted")
}

func TestQueueProcessesFIFO(t *testing.T) {
	st := newTestStore(t)
	proc := &stubProcessor{fail: map[string]bool{"b.md": true}}
	q := newTestQueue(t, st, proc, 1)
	ctx := context.Background()

	_, err := q.Start(ctx)
	require.NoError(t, err)

	var ids []string
	for _, name := range []string{"a.txt", "b.md", "c.markdown"} {
		id, err := q.Add(ctx, name, "/src/"+name)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	waitForStatus(t, st, ids[0], models.DocumentCompleted)
	waitForStatus(t, st, ids[1], models.DocumentFailed)
	waitForStatus(t, st, ids[2], models.DocumentCompleted)

	assert.Equal(t, []string{"a.txt", "b.md", "c.markdown"}, proc.called())

	failed, err := q.GetTask(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "unreadable", failed.Error)
	assert.NotNil(t, failed.StartedAt)
	assert.NotNil(t, failed.CompletedAt)

	docs, err := q.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{docs[0].DisplayOrder, docs[1].DisplayOrder, docs[2].DisplayOrder})

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestStartRecoversInterruptedWork(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC()

	seed := []models.DocumentTask{
		{ID: "stuck", Filename: "stuck.txt", Status: models.DocumentProcessing, DisplayOrder: 1, StartedAt: &started},
		{ID: "waiting", Filename: "waiting.txt", Status: models.DocumentPending, DisplayOrder: 2},
		{ID: "done", Filename: "done.txt", Status: models.DocumentCompleted, DisplayOrder: 3},
		{ID: "broken", Filename: "broken.txt", Status: models.DocumentFailed, DisplayOrder: 4},
	}
	for i := range seed {
		require.NoError(t, st.CreateDocument(ctx, &seed[i]))
	}

	proc := &stubProcessor{}
	q := newTestQueue(t, st, proc, 2)
	n, err := q.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "re-admitted set equals pending plus processing")

	waitForStatus(t, st, "stuck", models.DocumentCompleted)
	waitForStatus(t, st, "waiting", models.DocumentCompleted)
	assert.ElementsMatch(t, []string{"stuck.txt", "waiting.txt"}, proc.called())

	broken, err := q.GetTask(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, broken.Status, "failed documents are not retried")
}

func TestCloseRequeuesInFlightForNextStart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	blocking := &stubProcessor{block: make(chan struct{})}
	q1 := New(st, Config{Workers: 1, Processor: blocking})
	_, err := q1.Start(ctx)
	require.NoError(t, err)

	id, err := q1.Add(ctx, "a.txt", "/src/a.txt")
	require.NoError(t, err)
	waitForStatus(t, st, id, models.DocumentProcessing)

	q1.Close()
	waitForStatus(t, st, id, models.DocumentPending)

	q2 := newTestQueue(t, st, &stubProcessor{}, 1)
	n, err := q2.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitForStatus(t, st, id, models.DocumentCompleted)
}

func TestPauseHoldsPendingWork(t *testing.T) {
	st := newTestStore(t)
	q := newTestQueue(t, st, &stubProcessor{}, 1)
	ctx := context.Background()

	_, err := q.Start(ctx)
	require.NoError(t, err)
	q.Pause()

	id, err := q.Add(ctx, "a.txt", "/src/a.txt")
	require.NoError(t, err)

	assert.Never(t, func() bool {
		d, _ := st.GetDocument(ctx, id)
		return d != nil && d.Status != models.DocumentPending
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.True(t, q.Stats().Paused)
	assert.Equal(t, 1, q.Stats().Queued)

	q.Resume()
	waitForStatus(t, st, id, models.DocumentCompleted)
}

func TestRemoveAndClearCompleted(t *testing.T) {
	st := newTestStore(t)
	q := newTestQueue(t, st, &stubProcessor{}, 1)
	ctx := context.Background()

	// Not started: documents stay pending.
	id, err := q.Add(ctx, "a.txt", "/src/a.txt")
	require.NoError(t, err)

	removed, err := q.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Zero(t, q.Stats().Queued)

	removed, err = q.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = q.GetTask(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = q.Start(ctx)
	require.NoError(t, err)
	id, err = q.Add(ctx, "b.txt", "/src/b.txt")
	require.NoError(t, err)
	waitForStatus(t, st, id, models.DocumentCompleted)

	n, err := q.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveRefusesInFlight(t *testing.T) {
	st := newTestStore(t)
	proc := &stubProcessor{block: make(chan struct{})}
	q := newTestQueue(t, st, proc, 1)
	ctx := context.Background()

	_, err := q.Start(ctx)
	require.NoError(t, err)
	id, err := q.Add(ctx, "a.txt", "/src/a.txt")
	require.NoError(t, err)
	waitForStatus(t, st, id, models.DocumentProcessing)

	_, err = q.Remove(ctx, id)
	assert.ErrorIs(t, err, ErrInFlight)

	close(proc.block)
	waitForStatus(t, st, id, models.DocumentCompleted)
}

// rejectingStore refuses to persist a completed outcome.
type rejectingStore struct {
	*store.FileStore
}

func (s rejectingStore) UpdateDocument(ctx context.Context, id string, fn func(*models.DocumentTask) error) (bool, error) {
	return s.FileStore.UpdateDocument(ctx, id, func(d *models.DocumentTask) error {
		if err := fn(d); err != nil {
			return err
		}
		if d.Status == models.DocumentCompleted {
			return errors.New("disk full")
		}
		return nil
	})
}

func TestOutcomeWriteFailureIsRecorded(t *testing.T) {
	st := rejectingStore{FileStore: newTestStore(t)}
	q := newTestQueue(t, st, &stubProcessor{}, 1)
	ctx := context.Background()

	_, err := q.Start(ctx)
	require.NoError(t, err)
	id, err := q.Add(ctx, "a.txt", "/src/a.txt")
	require.NoError(t, err)

	waitForStatus(t, st, id, models.DocumentFailed)
	doc, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, doc.Error, "record outcome")
	assert.Contains(t, doc.Error, "disk full")
	assert.Nil(t, doc.Result)
	assert.NotNil(t, doc.CompletedAt)
	assert.Equal(t, int64(1), q.Stats().Failed)
}

// seedCompleted stores completed documents in upload order.
func seedCompleted(t *testing.T, st store.DocumentStore, dates ...string) []string {
	t.Helper()
	ids := make([]string, len(dates))
	for i, date := range dates {
		ids[i] = string(rune('a' + i))
		meta := map[string]any{}
		if date != "" {
			meta[models.MetaDocumentDate] = date
		}
		require.NoError(t, st.CreateDocument(context.Background(), &models.DocumentTask{
			ID:           ids[i],
			Filename:     ids[i] + ".txt",
			Status:       models.DocumentCompleted,
			DisplayOrder: i + 1,
			Result:       &models.DocumentResult{TextPath: "/nowhere/" + ids[i], Metadata: meta},
		}))
	}
	return ids
}

func orderOf(t *testing.T, q *Queue) []string {
	t.Helper()
	docs, err := q.ListTasks(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func TestReorderRequiresAutoReorderFirst(t *testing.T) {
	st := newTestStore(t)
	q := newTestQueue(t, st, &stubProcessor{}, 1)
	ctx := context.Background()
	seedCompleted(t, st, "2024-03-01", "2024-01-01", "2024-02-01")

	err := q.Reorder(ctx, []string{"c", "b", "a"})
	assert.ErrorIs(t, err, ErrReorderLocked)
	assert.Equal(t, []string{"a", "b", "c"}, orderOf(t, q))

	n, err := q.AutoReorder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"b", "c", "a"}, orderOf(t, q))

	require.NoError(t, q.Reorder(ctx, []string{"a", "b"}))
	assert.Equal(t, []string{"a", "c", "b"}, orderOf(t, q), "reordered documents take over their old slots")
}

func TestReorderIsAtomic(t *testing.T) {
	st := newTestStore(t)
	q := newTestQueue(t, st, &stubProcessor{}, 1)
	ctx := context.Background()
	seedCompleted(t, st, "2024-01-01", "2024-02-01")
	require.NoError(t, st.CreateDocument(ctx, &models.DocumentTask{ID: "p", Status: models.DocumentPending, DisplayOrder: 3}))

	_, err := q.AutoReorder(ctx)
	require.NoError(t, err)

	err = q.Reorder(ctx, []string{"b", "a", "p"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, []string{"a", "b", "p"}, orderOf(t, q), "nothing applied")

	err = q.Reorder(ctx, []string{"b", "b"})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = q.Reorder(ctx, []string{"b", "missing"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

type stubDates struct {
	dates map[string]string
	err   error
}

func (s stubDates) InferDate(_ context.Context, filename, _ string) (time.Time, bool, error) {
	if s.err != nil {
		return time.Time{}, false, s.err
	}
	d, ok := s.dates[filename]
	if !ok {
		return time.Time{}, false, nil
	}
	t, ok := models.ParseDate(d)
	return t, ok, nil
}

func TestAutoReorderInfersMissingDates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	for i, name := range []string{"late", "early"} {
		path := filepath.Join(dir, name+".txt")
		require.NoError(t, os.WriteFile(path, []byte("text"), 0o644))
		require.NoError(t, st.CreateDocument(ctx, &models.DocumentTask{
			ID:           name,
			Filename:     name + ".txt",
			Status:       models.DocumentCompleted,
			DisplayOrder: i + 1,
			Result:       &models.DocumentResult{TextPath: path},
		}))
	}

	q := New(st, Config{Processor: &stubProcessor{}, Dates: stubDates{dates: map[string]string{
		"late.txt":  "2024-06-01",
		"early.txt": "2023-06-01",
	}}})
	t.Cleanup(q.Close)

	_, err := q.AutoReorder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, orderOf(t, q))

	early, err := q.GetTask(ctx, "early")
	require.NoError(t, err)
	date, ok := early.InferredDate()
	require.True(t, ok)
	assert.Equal(t, 2023, date.Year())
	assert.NotNil(t, early.AutoOrderedAt)
}

func TestAutoReorderToleratesInferenceFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("text"), 0o644))
	require.NoError(t, st.CreateDocument(ctx, &models.DocumentTask{
		ID: "x", Filename: "x.txt", Status: models.DocumentCompleted, DisplayOrder: 1,
		Result: &models.DocumentResult{TextPath: path},
	}))

	q := New(st, Config{Processor: &stubProcessor{}, Dates: stubDates{err: errors.New("down")}})
	t.Cleanup(q.Close)

	n, err := q.AutoReorder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
