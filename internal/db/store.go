package db

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// Projections select a record with its key under the model's id field.
const (
	documentFields = `record::id(id) AS id, filename, source_path, status, display_order,
		created_at, started_at, completed_at, auto_ordered_at, result, error`
	runFields = `record::id(id) AS id, name, type, query, intent, index_name, memory_id,
		status, created_at, updated_at, tasks`
	detailFields   = `record::id(id) AS task_id, run_id, payload, result`
	memoryFields   = `record::id(id) AS id, context, max_length, strategy, updated_at`
	snapshotFields = `memory_id, version, task_id, context, created_at`
	entryFields    = `record::id(id) AS id, run_id, task_id, index_name, score, document_id,
		quotes, rationale, source_kind, corrected, created_at, updated_at`
)

// Store implements store.Store on top of SurrealDB.
//
// Read-modify-write operations are serialized per table inside this
// process, matching the single-writer contract of the file backend.
type Store struct {
	client *Client

	// Task details, memory state and snapshots are only written whole by
	// UPSERT or keyed CREATE, never read-modify-written, so they have no lock.
	docMu   sync.Mutex
	runMu   sync.Mutex
	indexMu sync.Mutex
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// NewStore wraps an initialized client.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// Close closes the underlying connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func queryAll[T any](ctx context.Context, s *Store, op, sql string, vars map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, s.client.DB(), sql, vars)
	if err != nil {
		return nil, wrapQueryError(op, err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

func queryOne[T any](ctx context.Context, s *Store, op, sql string, vars map[string]any) (*T, error) {
	items, err := queryAll[T](ctx, s, op, sql, vars)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// exec runs statements whose results are not needed.
func (s *Store) exec(ctx context.Context, op, sql string, vars map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, s.client.DB(), sql, vars); err != nil {
		return wrapQueryError(op, err)
	}
	return nil
}

// deleteCount runs a DELETE ... RETURN BEFORE and counts the removed records.
func (s *Store) deleteCount(ctx context.Context, op, sql string, vars map[string]any) (int, error) {
	rows, err := queryAll[any](ctx, s, op, sql, vars)
	return len(rows), err
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func documentContent(d *models.DocumentTask) map[string]any {
	return map[string]any{
		"filename":        d.Filename,
		"source_path":     d.SourcePath,
		"status":          string(d.Status),
		"display_order":   d.DisplayOrder,
		"created_at":      d.CreatedAt,
		"started_at":      d.StartedAt,
		"completed_at":    d.CompletedAt,
		"auto_ordered_at": d.AutoOrderedAt,
		"result":          d.Result,
		"error":           d.Error,
	}
}

func (s *Store) CreateDocument(ctx context.Context, doc *models.DocumentTask) error {
	return s.exec(ctx, "create document",
		`CREATE type::record("document_task", $id) CONTENT $doc`,
		map[string]any{"id": doc.ID, "doc": documentContent(doc)})
}

func (s *Store) GetDocument(ctx context.Context, id string) (*models.DocumentTask, error) {
	return queryOne[models.DocumentTask](ctx, s, "get document",
		`SELECT `+documentFields+` FROM type::record("document_task", $id)`,
		map[string]any{"id": id})
}

func (s *Store) ListDocuments(ctx context.Context) ([]models.DocumentTask, error) {
	docs, err := queryAll[models.DocumentTask](ctx, s, "list documents",
		`SELECT `+documentFields+` FROM document_task`, nil)
	if err != nil {
		return nil, err
	}
	store.SortDocuments(docs)
	return docs, nil
}

const updateDocumentSQL = `UPDATE type::record("document_task", $id%[1]s) CONTENT $doc%[1]s;`

func (s *Store) UpdateDocument(ctx context.Context, id string, fn func(*models.DocumentTask) error) (bool, error) {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	doc, err := s.GetDocument(ctx, id)
	if err != nil || doc == nil {
		return false, err
	}
	if err := fn(doc); err != nil {
		return true, err
	}
	return true, s.exec(ctx, "update document", fmt.Sprintf(updateDocumentSQL, ""),
		map[string]any{"id": id, "doc": documentContent(doc)})
}

// fingerprint identifies the content of a document for change detection.
func fingerprint(d *models.DocumentTask) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("update documents: %w: encode %s: %w", store.ErrPersistence, d.ID, err)
	}
	return string(data), nil
}

// UpdateDocuments rewrites every changed document in one transaction.
func (s *Store) UpdateDocuments(ctx context.Context, fn func([]*models.DocumentTask) error) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return err
	}
	before := make(map[string]string, len(docs))
	ptrs := make([]*models.DocumentTask, len(docs))
	for i := range docs {
		fp, err := fingerprint(&docs[i])
		if err != nil {
			return err
		}
		before[docs[i].ID] = fp
		ptrs[i] = &docs[i]
	}
	if err := fn(ptrs); err != nil {
		return err
	}

	var sql strings.Builder
	vars := map[string]any{}
	n := 0
	for _, d := range ptrs {
		fp, err := fingerprint(d)
		if err != nil {
			return err
		}
		if fp == before[d.ID] {
			continue
		}
		suffix := fmt.Sprint(n)
		sql.WriteString(fmt.Sprintf(updateDocumentSQL, suffix))
		vars["id"+suffix] = d.ID
		vars["doc"+suffix] = documentContent(d)
		n++
	}
	if n == 0 {
		return nil
	}
	return s.exec(ctx, "update documents",
		"BEGIN TRANSACTION;\n"+sql.String()+"\nCOMMIT TRANSACTION;", vars)
}

func (s *Store) DeleteDocument(ctx context.Context, id string) (bool, error) {
	n, err := s.deleteCount(ctx, "delete document",
		`DELETE type::record("document_task", $id) RETURN BEFORE`,
		map[string]any{"id": id})
	return n > 0, err
}

func (s *Store) DeleteDocumentsByStatus(ctx context.Context, status models.DocumentStatus) (int, error) {
	return s.deleteCount(ctx, "delete documents",
		`DELETE document_task WHERE status = $status RETURN BEFORE`,
		map[string]any{"status": string(status)})
}

// =============================================================================
// RUNS
// =============================================================================

func runContent(r *models.AgentRun) map[string]any {
	tasks := slices.Clone(r.Tasks)
	if tasks == nil {
		tasks = []models.AgentTask{}
	}
	slices.SortStableFunc(tasks, func(a, b models.AgentTask) int { return cmp.Compare(a.Position, b.Position) })
	return map[string]any{
		"name":       r.Name,
		"type":       string(r.Type),
		"query":      r.Query,
		"intent":     r.Intent,
		"index_name": r.IndexName,
		"memory_id":  r.MemoryID,
		"status":     string(r.Status),
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
		"tasks":      tasks,
	}
}

func detailContent(d *models.TaskDetail) map[string]any {
	return map[string]any{
		"run_id":  d.RunID,
		"payload": d.Payload,
		"result":  d.Result,
	}
}

func (s *Store) CreateRun(ctx context.Context, run *models.AgentRun, details []models.TaskDetail) error {
	var sql strings.Builder
	sql.WriteString("BEGIN TRANSACTION;\n")
	sql.WriteString(`CREATE type::record("agent_run", $id) CONTENT $run;` + "\n")
	vars := map[string]any{"id": run.ID, "run": runContent(run)}
	for i := range details {
		suffix := fmt.Sprint(i)
		sql.WriteString(fmt.Sprintf(`UPSERT type::record("task_detail", $tid%[1]s) CONTENT $detail%[1]s;`+"\n", suffix))
		vars["tid"+suffix] = details[i].TaskID
		vars["detail"+suffix] = detailContent(&details[i])
	}
	sql.WriteString("COMMIT TRANSACTION;")
	return s.exec(ctx, "create run", sql.String(), vars)
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	return queryOne[models.AgentRun](ctx, s, "get run",
		`SELECT `+runFields+` FROM type::record("agent_run", $id)`,
		map[string]any{"id": id})
}

func (s *Store) ListRuns(ctx context.Context) ([]models.AgentRun, error) {
	runs, err := queryAll[models.AgentRun](ctx, s, "list runs",
		`SELECT `+runFields+` FROM agent_run`, nil)
	if err != nil {
		return nil, err
	}
	store.SortRuns(runs)
	return runs, nil
}

func (s *Store) UpdateRun(ctx context.Context, id string, fn func(*models.AgentRun) error) (bool, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	run, err := s.GetRun(ctx, id)
	if err != nil || run == nil {
		return false, err
	}
	if err := fn(run); err != nil {
		return true, err
	}
	return true, s.exec(ctx, "update run",
		`UPDATE type::record("agent_run", $id) CONTENT $run`,
		map[string]any{"id": id, "run": runContent(run)})
}

func (s *Store) DeleteRun(ctx context.Context, id string) (bool, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	n, err := s.deleteCount(ctx, "delete run",
		`DELETE type::record("agent_run", $id) RETURN BEFORE`,
		map[string]any{"id": id})
	if err != nil || n == 0 {
		return false, err
	}
	if err := s.exec(ctx, "delete run details",
		`DELETE task_detail WHERE run_id = $id`,
		map[string]any{"id": id}); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) GetTaskDetail(ctx context.Context, taskID string) (*models.TaskDetail, error) {
	return queryOne[models.TaskDetail](ctx, s, "get task detail",
		`SELECT `+detailFields+` FROM type::record("task_detail", $id)`,
		map[string]any{"id": taskID})
}

func (s *Store) SaveTaskDetail(ctx context.Context, detail *models.TaskDetail) error {
	return s.exec(ctx, "save task detail",
		`UPSERT type::record("task_detail", $id) CONTENT $detail`,
		map[string]any{"id": detail.TaskID, "detail": detailContent(detail)})
}

// =============================================================================
// MEMORY
// =============================================================================

func (s *Store) SaveMemory(ctx context.Context, state *models.MemoryState) error {
	return s.exec(ctx, "save memory",
		`UPSERT type::record("memory_state", $id) CONTENT $state`,
		map[string]any{
			"id": state.ID,
			"state": map[string]any{
				"context":    state.Context,
				"max_length": state.MaxLength,
				"strategy":   string(state.Strategy),
				"updated_at": state.UpdatedAt,
			},
		})
}

func (s *Store) GetMemory(ctx context.Context, id string) (*models.MemoryState, error) {
	return queryOne[models.MemoryState](ctx, s, "get memory",
		`SELECT `+memoryFields+` FROM type::record("memory_state", $id)`,
		map[string]any{"id": id})
}

func snapshotKey(memoryID string, version int64) string {
	return fmt.Sprintf("%s-%020d", memoryID, version)
}

func (s *Store) AppendSnapshot(ctx context.Context, snap *models.MemorySnapshot) error {
	return s.exec(ctx, "append snapshot",
		`CREATE type::record("memory_snapshot", $key) CONTENT $snap`,
		map[string]any{
			"key": snapshotKey(snap.MemoryID, snap.Version),
			"snap": map[string]any{
				"memory_id":  snap.MemoryID,
				"version":    snap.Version,
				"task_id":    snap.TaskID,
				"context":    snap.Context,
				"created_at": snap.CreatedAt,
			},
		})
}

func (s *Store) GetSnapshot(ctx context.Context, memoryID string, version int64) (*models.MemorySnapshot, error) {
	return queryOne[models.MemorySnapshot](ctx, s, "get snapshot",
		`SELECT `+snapshotFields+` FROM type::record("memory_snapshot", $key)`,
		map[string]any{"key": snapshotKey(memoryID, version)})
}

func (s *Store) ListSnapshots(ctx context.Context, memoryID string) ([]models.MemorySnapshot, error) {
	return queryAll[models.MemorySnapshot](ctx, s, "list snapshots",
		`SELECT `+snapshotFields+` FROM memory_snapshot WHERE memory_id = $mid ORDER BY version`,
		map[string]any{"mid": memoryID})
}

func (s *Store) DeleteMemory(ctx context.Context, memoryID string) (int, error) {
	if err := s.exec(ctx, "delete memory",
		`DELETE type::record("memory_state", $id)`,
		map[string]any{"id": memoryID}); err != nil {
		return 0, err
	}
	return s.deleteCount(ctx, "delete snapshots",
		`DELETE memory_snapshot WHERE memory_id = $id RETURN BEFORE`,
		map[string]any{"id": memoryID})
}

// =============================================================================
// INDEX ENTRIES
// =============================================================================

func entryContent(e *models.IndexEntry) map[string]any {
	quotes := e.Quotes
	if quotes == nil {
		quotes = []string{}
	}
	return map[string]any{
		"run_id":      e.RunID,
		"task_id":     e.TaskID,
		"index_name":  e.IndexName,
		"score":       e.Score,
		"document_id": e.DocumentID,
		"quotes":      quotes,
		"rationale":   e.Rationale,
		"source_kind": string(e.SourceKind),
		"corrected":   e.Corrected,
		"created_at":  e.CreatedAt,
		"updated_at":  e.UpdatedAt,
	}
}

func (s *Store) CreateIndexEntry(ctx context.Context, entry *models.IndexEntry) error {
	return s.exec(ctx, "create index entry",
		`CREATE type::record("index_entry", $id) CONTENT $entry`,
		map[string]any{"id": entry.ID, "entry": entryContent(entry)})
}

func (s *Store) GetIndexEntry(ctx context.Context, id string) (*models.IndexEntry, error) {
	return queryOne[models.IndexEntry](ctx, s, "get index entry",
		`SELECT `+entryFields+` FROM type::record("index_entry", $id)`,
		map[string]any{"id": id})
}

func (s *Store) ListIndexEntries(ctx context.Context, filter models.IndexFilter) ([]models.IndexEntry, error) {
	var where []string
	vars := map[string]any{}
	if filter.RunID != "" {
		where = append(where, "run_id = $run")
		vars["run"] = filter.RunID
	}
	if filter.IndexName != "" {
		where = append(where, "index_name = $name")
		vars["name"] = filter.IndexName
	}
	sql := `SELECT ` + entryFields + ` FROM index_entry`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}

	entries, err := queryAll[models.IndexEntry](ctx, s, "list index entries", sql, vars)
	if err != nil {
		return nil, err
	}
	store.SortIndexEntries(entries)
	return entries, nil
}

func (s *Store) UpdateIndexEntry(ctx context.Context, id string, fn func(*models.IndexEntry) error) (bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entry, err := s.GetIndexEntry(ctx, id)
	if err != nil || entry == nil {
		return false, err
	}
	if err := fn(entry); err != nil {
		return true, err
	}
	return true, s.exec(ctx, "update index entry",
		`UPDATE type::record("index_entry", $id) CONTENT $entry`,
		map[string]any{"id": id, "entry": entryContent(entry)})
}

func (s *Store) DeleteIndexEntriesByRun(ctx context.Context, runID string) (int, error) {
	return s.deleteCount(ctx, "delete index entries",
		`DELETE index_entry WHERE run_id = $run RETURN BEFORE`,
		map[string]any{"run": runID})
}

func (s *Store) DeleteIndexEntriesByTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	return s.deleteCount(ctx, "delete index entries",
		`DELETE index_entry WHERE task_id IN $tasks RETURN BEFORE`,
		map[string]any{"tasks": taskIDs})
}
