// Package ingest runs uploaded documents through a bounded worker pool.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

var (
	// ErrTaskNotFound indicates an unknown document task id.
	ErrTaskNotFound = errors.New("document task not found")

	// ErrReorderLocked indicates a manual reorder before the first auto-reorder.
	ErrReorderLocked = errors.New("manual reorder requires an auto-reorder first")

	// ErrInFlight indicates the document is currently being processed.
	ErrInFlight = errors.New("document is being processed")

	// ErrClosed indicates the queue no longer accepts work.
	ErrClosed = errors.New("ingest queue closed")
)

// errSkip aborts a store update without writing.
var errSkip = errors.New("skip")

// Extensions accepted by Add.
var allowedExtensions = map[string]bool{
	".txt":      true,
	".text":     true,
	".md":       true,
	".markdown": true,
}

// Config configures a Queue.
type Config struct {
	Workers   int
	Processor Processor
	Dates     DateInferrer // optional, used by AutoReorder
	Notifier  models.Notifier
	Metrics   *metrics.Collector
}

// Stats are process-wide ingestion counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"in_flight"`
	Workers   int   `json:"workers"`
	Paused    bool  `json:"paused"`
}

// Queue admits documents FIFO and processes them with a fixed pool of
// workers. State lives in the document store; the in-memory list only
// holds ids waiting for a worker.
type Queue struct {
	store store.DocumentStore
	cfg   Config
	now   func() time.Time

	// addMu serializes DisplayOrder assignment.
	addMu sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	paused  bool
	started bool
	closed  bool

	processed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Call Start to recover persisted work and launch
// the workers.
func New(st store.DocumentStore, cfg Config) *Queue {
	cfg.Workers = min(max(cfg.Workers, 1), 10)
	if cfg.Notifier == nil {
		cfg.Notifier = models.NopNotifier{}
	}
	q := &Queue{store: st, cfg: cfg, now: time.Now}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start demotes documents left processing by a crash to pending,
// re-admits every pending document in display order and launches the
// workers. It returns the number of re-admitted documents.
func (q *Queue) Start(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return 0, fmt.Errorf("ingest queue already started")
	}
	q.started = true
	q.mu.Unlock()

	docs, err := q.store.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	store.SortDocuments(docs)

	var recovered []string
	demoted := 0
	for _, d := range docs {
		switch d.Status {
		case models.DocumentProcessing:
			if _, err := q.store.UpdateDocument(ctx, d.ID, func(doc *models.DocumentTask) error {
				doc.Status = models.DocumentPending
				doc.StartedAt = nil
				return nil
			}); err != nil {
				return 0, fmt.Errorf("demote %s: %w", d.ID, err)
			}
			demoted++
			recovered = append(recovered, d.ID)
		case models.DocumentPending:
			recovered = append(recovered, d.ID)
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancel = cancel
	seen := make(map[string]bool, len(recovered))
	for _, id := range recovered {
		seen[id] = true
	}
	for _, id := range q.pending {
		if !seen[id] {
			recovered = append(recovered, id)
		}
	}
	q.pending = recovered
	q.cond.Broadcast()
	q.mu.Unlock()

	for range q.cfg.Workers {
		q.wg.Add(1)
		go q.work(workerCtx)
	}

	slog.Info("ingest queue started", "workers", q.cfg.Workers, "readmitted", len(recovered), "demoted", demoted)
	return len(recovered), nil
}

// Close stops the workers. Documents interrupted mid-processing return to
// pending and are picked up by the next Start.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	q.cond.Broadcast()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Add validates the file type, persists a pending document and enqueues it.
func (q *Queue) Add(ctx context.Context, filename, sourcePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: unsupported file type %q", models.ErrValidation, ext)
	}
	if strings.TrimSpace(sourcePath) == "" {
		return "", fmt.Errorf("%w: source path required", models.ErrValidation)
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	q.addMu.Lock()
	defer q.addMu.Unlock()

	docs, err := q.store.ListDocuments(ctx)
	if err != nil {
		return "", fmt.Errorf("list documents: %w", err)
	}
	order := 0
	for _, d := range docs {
		order = max(order, d.DisplayOrder)
	}

	doc := &models.DocumentTask{
		ID:           uuid.New().String(),
		Filename:     filepath.Base(filename),
		SourcePath:   sourcePath,
		Status:       models.DocumentPending,
		DisplayOrder: order + 1,
		CreatedAt:    q.now().UTC(),
	}
	if err := q.store.CreateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, doc.ID)
	q.cond.Signal()
	q.mu.Unlock()

	q.publish(doc)
	slog.Info("document queued", "task_id", doc.ID, "filename", doc.Filename)
	return doc.ID, nil
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		id, ok := q.next()
		if !ok {
			return
		}
		q.process(ctx, id)
	}
}

// next blocks until a document is available and the queue is running.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (q.paused || len(q.pending) == 0) {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight.Add(1)
	return id, true
}

func (q *Queue) process(ctx context.Context, id string) {
	defer q.inFlight.Add(-1)

	start := q.now().UTC()
	var doc models.DocumentTask
	found, err := q.store.UpdateDocument(ctx, id, func(d *models.DocumentTask) error {
		if d.Status != models.DocumentPending {
			return errSkip
		}
		d.Status = models.DocumentProcessing
		d.StartedAt = &start
		d.Error = ""
		doc = *d
		return nil
	})
	if errors.Is(err, errSkip) || (err == nil && !found) {
		// Removed or already handled since it was enqueued.
		return
	}
	if err != nil {
		slog.Error("failed to start document", "task_id", id, "error", err)
		return
	}
	q.publish(&doc)

	result, procErr := q.run(ctx, &doc)
	if procErr != nil && ctx.Err() != nil {
		q.requeue(id)
		return
	}

	done := q.now().UTC()
	found, err = q.store.UpdateDocument(context.WithoutCancel(ctx), id, func(d *models.DocumentTask) error {
		d.CompletedAt = &done
		if procErr != nil {
			d.Status = models.DocumentFailed
			d.Error = procErr.Error()
			d.Result = nil
			return nil
		}
		d.Status = models.DocumentCompleted
		d.Result = result
		doc = *d
		return nil
	})
	if err != nil {
		slog.Error("failed to record document outcome", "task_id", id, "error", err)
		if result != nil {
			RemoveText(&models.DocumentTask{ID: id, Result: result})
		}
		// Never leave the document processing: record the write failure
		// itself as the outcome, or hand it back to recovery.
		procErr = fmt.Errorf("record outcome: %w", err)
		result = nil
		found, err = q.store.UpdateDocument(context.WithoutCancel(ctx), id, func(d *models.DocumentTask) error {
			d.Status = models.DocumentFailed
			d.Error = procErr.Error()
			d.Result = nil
			d.CompletedAt = &done
			doc = *d
			return nil
		})
		if err != nil {
			slog.Error("failed to record document failure", "task_id", id, "error", err)
			q.requeue(id)
			return
		}
	}
	if !found {
		if result != nil {
			RemoveText(&models.DocumentTask{ID: id, Result: result})
		}
		return
	}

	q.cfg.Metrics.RecordDocument(done.Sub(start), procErr == nil)
	if procErr != nil {
		q.failed.Add(1)
		doc.Status = models.DocumentFailed
		doc.Error = procErr.Error()
		slog.Warn("document failed", "task_id", id, "filename", doc.Filename, "error", procErr)
	} else {
		q.processed.Add(1)
		slog.Info("document processed", "task_id", id, "filename", doc.Filename, "duration", done.Sub(start))
	}
	q.publish(&doc)
}

// run calls the processor, turning a panic into a task failure.
func (q *Queue) run(ctx context.Context, doc *models.DocumentTask) (result *models.DocumentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("document processor panicked", "task_id", doc.ID, "panic", r)
			err = fmt.Errorf("internal panic: %v", r)
		}
	}()
	return q.cfg.Processor.Process(ctx, doc)
}

// requeue returns an interrupted document to pending for the next Start.
func (q *Queue) requeue(id string) {
	_, err := q.store.UpdateDocument(context.Background(), id, func(d *models.DocumentTask) error {
		d.Status = models.DocumentPending
		d.StartedAt = nil
		return nil
	})
	if err != nil {
		slog.Warn("failed to requeue interrupted document", "task_id", id, "error", err)
	}
}

func (q *Queue) publish(doc *models.DocumentTask) {
	q.cfg.Notifier.Publish(models.Event{
		Kind:   models.EventDocument,
		ID:     doc.ID,
		Status: string(doc.Status),
		Error:  doc.Error,
		At:     q.now().UTC(),
	})
}

// GetTask returns one document task.
func (q *Queue) GetTask(ctx context.Context, id string) (*models.DocumentTask, error) {
	doc, err := q.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return doc, nil
}

// ListTasks returns all document tasks in display order.
func (q *Queue) ListTasks(ctx context.Context) ([]models.DocumentTask, error) {
	docs, err := q.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	store.SortDocuments(docs)
	return docs, nil
}

// Pause stops handing out documents. In-flight documents finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	slog.Info("ingest queue paused")
}

// Resume continues handing out documents.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
	slog.Info("ingest queue resumed")
}

// Remove deletes a document that is not being processed, along with its
// extracted text. Removing an unknown id returns false.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	doc, err := q.store.GetDocument(ctx, id)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	if doc.Status == models.DocumentProcessing {
		return false, fmt.Errorf("%w: %s", ErrInFlight, id)
	}

	q.mu.Lock()
	q.pending = slices.DeleteFunc(q.pending, func(p string) bool { return p == id })
	q.mu.Unlock()

	deleted, err := q.store.DeleteDocument(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		RemoveText(doc)
		slog.Info("document removed", "task_id", id)
	}
	return deleted, nil
}

// ClearCompleted deletes every completed document and its extracted text.
func (q *Queue) ClearCompleted(ctx context.Context) (int, error) {
	docs, err := q.store.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}
	n, err := q.store.DeleteDocumentsByStatus(ctx, models.DocumentCompleted)
	if err != nil {
		return 0, err
	}
	for i := range docs {
		if docs[i].Status == models.DocumentCompleted {
			RemoveText(&docs[i])
		}
	}
	slog.Info("cleared completed documents", "count", n)
	return n, nil
}

// Reorder gives the listed completed documents the display slots they
// already occupy, in the new order. It is refused until AutoReorder has
// stamped every listed document, and applies nothing if any id is unknown
// or not completed.
func (q *Queue) Reorder(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no documents to reorder", models.ErrValidation)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: duplicate document %s", models.ErrValidation, id)
		}
		seen[id] = true
	}

	err := q.store.UpdateDocuments(ctx, func(docs []*models.DocumentTask) error {
		byID := make(map[string]*models.DocumentTask, len(docs))
		for _, d := range docs {
			byID[d.ID] = d
		}

		slots := make([]int, 0, len(ids))
		for _, id := range ids {
			d := byID[id]
			switch {
			case d == nil:
				return fmt.Errorf("%w: unknown document %s", models.ErrValidation, id)
			case d.Status != models.DocumentCompleted:
				return fmt.Errorf("%w: document %s is %s, only completed documents can be reordered", models.ErrValidation, id, d.Status)
			case d.AutoOrderedAt == nil:
				return ErrReorderLocked
			}
			slots = append(slots, d.DisplayOrder)
		}
		slices.Sort(slots)
		for i, id := range ids {
			byID[id].DisplayOrder = slots[i]
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("documents reordered", "count", len(ids))
	return nil
}

// AutoReorder sorts completed documents chronologically by their best
// known date. Documents without a content date are first shown to the
// date inferrer, if one is configured. Returns the number of documents
// placed.
func (q *Queue) AutoReorder(ctx context.Context) (int, error) {
	docs, err := q.store.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}

	inferred := make(map[string]time.Time)
	if q.cfg.Dates != nil {
		for i := range docs {
			d := &docs[i]
			if !d.HasText() {
				continue
			}
			if _, ok := d.InferredDate(); ok {
				continue
			}
			text, err := os.ReadFile(d.Result.TextPath)
			if err != nil {
				slog.Warn("cannot read text for date inference", "task_id", d.ID, "error", err)
				continue
			}
			t, ok, err := q.cfg.Dates.InferDate(ctx, d.Filename, string(text))
			if err != nil {
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
				slog.Warn("date inference failed", "task_id", d.ID, "error", err)
				continue
			}
			if ok {
				inferred[d.ID] = t
			}
		}
	}

	now := q.now().UTC()
	placed := 0
	err = q.store.UpdateDocuments(ctx, func(all []*models.DocumentTask) error {
		var done []*models.DocumentTask
		for _, d := range all {
			if d.Status != models.DocumentCompleted {
				continue
			}
			if t, ok := inferred[d.ID]; ok && d.Result != nil {
				if d.Result.Metadata == nil {
					d.Result.Metadata = make(map[string]any)
				}
				d.Result.Metadata[models.MetaDocumentDate] = t.UTC().Format(time.RFC3339)
			}
			done = append(done, d)
		}

		slots := make([]int, len(done))
		for i, d := range done {
			slots[i] = d.DisplayOrder
		}
		slices.Sort(slots)
		slices.SortStableFunc(done, func(a, b *models.DocumentTask) int {
			if c := a.BestDate().Compare(b.BestDate()); c != 0 {
				return c
			}
			return cmp.Compare(a.DisplayOrder, b.DisplayOrder)
		})
		for i, d := range done {
			d.DisplayOrder = slots[i]
			d.AutoOrderedAt = &now
		}
		placed = len(done)
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("documents auto-reordered", "count", placed, "dates_inferred", len(inferred))
	return placed, nil
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued, paused := len(q.pending), q.paused
	q.mu.Unlock()
	return Stats{
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Queued:    queued,
		InFlight:  q.inFlight.Load(),
		Workers:   q.cfg.Workers,
		Paused:    paused,
	}
}
