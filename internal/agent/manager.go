package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/memory"
	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
	"github.com/raphaelgruber/docagent/internal/worker"
)

// Config configures a Manager.
type Config struct {
	MemoryMaxLength int
	MemoryStrategy  models.OverflowStrategy
	Notifier        models.Notifier
	Metrics         *metrics.Collector
	WorkerOptions   []worker.Option
}

// Stats are process-wide agent counters.
type Stats struct {
	RunsStarted    int64 `json:"runs_started"`
	RunsDeleted    int64 `json:"runs_deleted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	ActiveDrives   int64 `json:"active_drives"`
}

type counters struct {
	runsStarted    atomic.Int64
	runsDeleted    atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	activeDrives   atomic.Int64
}

// runState is the in-memory side of a run. It is a cache: everything in it
// can be rebuilt from the store.
type runState struct {
	id  string
	mu  sync.Mutex // held for the whole of a drain or an operator mutation
	mem *memory.Memory

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (s *runState) setCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
}

func (s *runState) stop() {
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
}

// TaskView is one task with its payload and result.
type TaskView struct {
	models.AgentTask
	Payload models.TaskPayload `json:"payload"`
	Result  *models.TaskResult `json:"result,omitempty"`
}

// Manager starts, drives and edits agent runs.
type Manager struct {
	store        store.Store
	gen          llm.Generator
	orchestrator *Orchestrator
	queue        *Queue
	cfg          Config
	counters     *counters

	mu    sync.Mutex
	runs  map[string]*runState
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Call Recover once at startup and Close on
// shutdown.
func NewManager(st store.Store, gen llm.Generator, cfg Config) *Manager {
	if cfg.MemoryMaxLength <= 0 {
		cfg.MemoryMaxLength = 8000
	}
	if cfg.MemoryStrategy == "" {
		cfg.MemoryStrategy = models.StrategyTruncate
	}
	if cfg.Notifier == nil {
		cfg.Notifier = models.NopNotifier{}
	}

	c := &counters{}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:        st,
		gen:          gen,
		orchestrator: NewOrchestrator(gen, st),
		cfg:          cfg,
		counters:     c,
		runs:         make(map[string]*runState),
		ctx:          ctx,
		cancel:       cancel,
	}
	m.queue = &Queue{
		store: st,
		newWorker: func(kind models.TaskKind) (*worker.Worker, error) {
			return worker.New(kind, gen, cfg.WorkerOptions...)
		},
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		counters: c,
		now:      time.Now,
	}
	return m
}

// Close stops background drives and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Stats returns process-wide counters.
func (m *Manager) Stats() Stats {
	return Stats{
		RunsStarted:    m.counters.runsStarted.Load(),
		RunsDeleted:    m.counters.runsDeleted.Load(),
		TasksCompleted: m.counters.tasksCompleted.Load(),
		TasksFailed:    m.counters.tasksFailed.Load(),
		ActiveDrives:   m.counters.activeDrives.Load(),
	}
}

func (m *Manager) memoryOptions() []memory.Option {
	return []memory.Option{
		memory.WithSummarizer(memory.NewLLMSummarizer(m.gen)),
		memory.WithMetrics(m.cfg.Metrics),
	}
}

// Start plans a run for query, fans it out over the processed documents and
// starts draining it in the background.
func (m *Manager) Start(ctx context.Context, agentType models.AgentType, query string) (*models.AgentRun, error) {
	if _, err := kindFor(agentType); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", models.ErrValidation)
	}

	plan, err := m.orchestrator.Intent(ctx, agentType, query)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	runID := uuid.New().String()
	run := &models.AgentRun{
		ID:        runID,
		Name:      plan.Name,
		Type:      agentType,
		Query:     query,
		Intent:    plan.Intent,
		IndexName: plan.IndexName,
		MemoryID:  "mem-" + runID,
		Status:    models.RunActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks, details, err := m.orchestrator.FanOut(ctx, run)
	if err != nil {
		return nil, err
	}
	run.Tasks = tasks

	mem, err := memory.Create(ctx, m.store, run.MemoryID, m.cfg.MemoryMaxLength, m.cfg.MemoryStrategy, m.memoryOptions()...)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateRun(ctx, run, details); err != nil {
		if _, derr := m.store.DeleteMemory(ctx, run.MemoryID); derr != nil {
			slog.Warn("failed to clean up memory of unsaved run", "memory_id", run.MemoryID, "error", derr)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	m.mu.Lock()
	m.runs[run.ID] = &runState{id: run.ID, mem: mem}
	m.mu.Unlock()

	m.counters.runsStarted.Add(1)
	slog.Info("run started", "run_id", run.ID, "type", agentType, "name", run.Name, "tasks", len(tasks))
	m.cfg.Notifier.Publish(models.Event{Kind: models.EventRun, ID: run.ID, RunID: run.ID, Status: string(run.Status), At: now})

	m.drive(run.ID)
	return run, nil
}

// state returns the cached run state, rebuilding it from the store on first
// access. Concurrent rebuilds of the same run are deduplicated.
func (m *Manager) state(ctx context.Context, runID string) (*runState, error) {
	m.mu.Lock()
	st, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	v, err, _ := m.group.Do(runID, func() (any, error) {
		m.mu.Lock()
		if st, ok := m.runs[runID]; ok {
			m.mu.Unlock()
			return st, nil
		}
		m.mu.Unlock()

		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("get run: %w", err)
		}
		if run == nil {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		mem, err := memory.Load(ctx, m.store, run.MemoryID, m.memoryOptions()...)
		if errors.Is(err, store.ErrNotFound) {
			mem, err = memory.Create(ctx, m.store, run.MemoryID, m.cfg.MemoryMaxLength, m.cfg.MemoryStrategy, m.memoryOptions()...)
		}
		if err != nil {
			return nil, err
		}

		st := &runState{id: runID, mem: mem}
		m.mu.Lock()
		m.runs[runID] = st
		m.mu.Unlock()
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*runState), nil
}

func (m *Manager) forget(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

// drive drains the run in the background.
func (m *Manager) drive(runID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.counters.activeDrives.Add(1)
		defer m.counters.activeDrives.Add(-1)

		defer func() {
			if r := recover(); r != nil {
				slog.Error("run drive panicked", "run_id", runID, "panic", r)
				m.failRun(runID, fmt.Sprintf("internal panic: %v", r))
			}
		}()

		st, err := m.state(m.ctx, runID)
		if err != nil {
			if !errors.Is(err, ErrRunNotFound) {
				slog.Error("failed to load run", "run_id", runID, "error", err)
			}
			return
		}

		st.mu.Lock()
		defer st.mu.Unlock()

		ctx, cancel := context.WithCancel(m.ctx)
		st.setCancel(cancel)
		defer func() {
			st.setCancel(nil)
			cancel()
		}()

		err = m.queue.Drain(ctx, runID, st.mem)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		slog.Error("run drive stopped", "run_id", runID, "error", err)
		if !errors.Is(err, worker.ErrUnknownKind) {
			// Drain already derived the status for an unknown kind.
			m.failRun(runID, err.Error())
		}
	}()
}

func (m *Manager) failRun(runID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found, err := m.store.UpdateRun(ctx, runID, func(run *models.AgentRun) error {
		run.Status = models.RunFailed
		run.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		slog.Warn("failed to mark run failed", "run_id", runID, "error", err)
		return
	}
	if !found {
		return
	}
	m.cfg.Notifier.Publish(models.Event{Kind: models.EventRun, ID: runID, RunID: runID, Status: string(models.RunFailed), Error: reason, At: time.Now().UTC()})
}

// lock acquires the run for an operator mutation. It fails with ErrRunBusy
// while the run is draining.
func (m *Manager) lock(ctx context.Context, runID string) (*runState, error) {
	st, err := m.state(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !st.mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, runID)
	}
	return st, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ListRuns returns all runs, most recent first.
func (m *Manager) ListRuns(ctx context.Context) ([]models.AgentRun, error) {
	return m.store.ListRuns(ctx)
}

// GetRun returns a run with its tasks.
func (m *Manager) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// ListTasks returns the tasks of a run in position order.
func (m *Manager) ListTasks(ctx context.Context, runID string) ([]models.AgentTask, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Tasks, nil
}

// GetTask returns one task with its payload and result.
func (m *Manager) GetTask(ctx context.Context, runID, taskID string) (*TaskView, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	i := findTask(run.Tasks, taskID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	view := &TaskView{AgentTask: run.Tasks[i]}
	detail, err := m.store.GetTaskDetail(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if detail != nil {
		view.Payload = detail.Payload
		view.Result = detail.Result
	}
	return view, nil
}

// GetSnapshot returns the memory snapshot with the given version.
func (m *Manager) GetSnapshot(ctx context.Context, memoryID string, version int64) (*models.MemorySnapshot, error) {
	snap, err := m.store.GetSnapshot(ctx, memoryID, version)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot %s@%d", store.ErrNotFound, memoryID, version)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot of a memory, oldest first.
func (m *Manager) ListSnapshots(ctx context.Context, memoryID string) ([]models.MemorySnapshot, error) {
	return m.store.ListSnapshots(ctx, memoryID)
}

// ListIndexEntries returns index entries matching filter.
func (m *Manager) ListIndexEntries(ctx context.Context, filter models.IndexFilter) ([]models.IndexEntry, error) {
	return m.store.ListIndexEntries(ctx, filter)
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// Regenerate resets one task that is not processing to pending and
// re-drives the run. A pending task is one a stopped drive never reached.
// Memory is not rewound.
func (m *Manager) Regenerate(ctx context.Context, runID, taskID string) error {
	st, err := m.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	i := findTask(run.Tasks, taskID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if run.Tasks[i].Status == models.TaskProcessing {
		return fmt.Errorf("%w: task %s is %s", models.ErrValidation, taskID, run.Tasks[i].Status)
	}

	if err := m.resetTasks(ctx, run, []string{taskID}); err != nil {
		return err
	}
	slog.Info("task regenerated", "run_id", runID, "task_id", taskID)
	m.drive(runID)
	return nil
}

// RestartFromTask rewinds memory to the state just before taskID first ran,
// resets that task and every later one, and re-drives the run.
func (m *Manager) RestartFromTask(ctx context.Context, runID, taskID string) error {
	st, err := m.lock(ctx, runID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	i := findTask(run.Tasks, taskID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	content, err := m.contextBefore(ctx, run, i)
	if err != nil {
		return err
	}
	if err := st.mem.Reset(ctx, content); err != nil {
		return err
	}

	ids := make([]string, 0, len(run.Tasks)-i)
	for _, t := range run.Tasks[i:] {
		ids = append(ids, t.ID)
	}
	if err := m.resetTasks(ctx, run, ids); err != nil {
		return err
	}
	slog.Info("run restarted", "run_id", runID, "task_id", taskID, "reset", len(ids))
	m.drive(runID)
	return nil
}

// contextBefore returns the memory content produced by the nearest task
// preceding position i that left a snapshot, or empty.
func (m *Manager) contextBefore(ctx context.Context, run *models.AgentRun, i int) (string, error) {
	if i == 0 {
		return "", nil
	}
	snaps, err := m.store.ListSnapshots(ctx, run.MemoryID)
	if err != nil {
		return "", fmt.Errorf("list snapshots: %w", err)
	}
	latest := make(map[string]models.MemorySnapshot, len(snaps))
	for _, s := range snaps {
		// Ascending versions: the last one per task wins.
		latest[s.TaskID] = s
	}
	for j := i - 1; j >= 0; j-- {
		if s, ok := latest[run.Tasks[j].ID]; ok {
			return s.Context, nil
		}
	}
	return "", nil
}

// resetTasks returns the given tasks to pending, drops their results and
// index entries, and reactivates the run.
func (m *Manager) resetTasks(ctx context.Context, run *models.AgentRun, ids []string) error {
	if _, err := m.store.DeleteIndexEntriesByTasks(ctx, ids); err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	for _, id := range ids {
		detail, err := m.store.GetTaskDetail(ctx, id)
		if err != nil {
			return fmt.Errorf("get task detail: %w", err)
		}
		if detail != nil && detail.Result != nil {
			detail.Result = nil
			if err := m.store.SaveTaskDetail(ctx, detail); err != nil {
				return fmt.Errorf("save task detail: %w", err)
			}
		}
	}

	now := time.Now().UTC()
	_, err := m.store.UpdateRun(ctx, run.ID, func(r *models.AgentRun) error {
		for i := range r.Tasks {
			for _, id := range ids {
				if r.Tasks[i].ID == id {
					r.Tasks[i].Reset()
				}
			}
		}
		r.Status = models.RunActive
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset tasks: %w", err)
	}
	for _, id := range ids {
		m.cfg.Notifier.Publish(models.Event{Kind: models.EventTask, ID: id, RunID: run.ID, Status: string(models.TaskPending), At: now})
	}
	return nil
}

// Pause stops the run after its current task.
func (m *Manager) Pause(ctx context.Context, runID string) error {
	return m.setRunStatus(ctx, runID, models.RunPaused, func(cur models.RunStatus) bool {
		return cur == models.RunActive
	})
}

// Resume reactivates a paused run and re-drives it.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	if err := m.setRunStatus(ctx, runID, models.RunActive, func(cur models.RunStatus) bool {
		return cur == models.RunPaused
	}); err != nil {
		return err
	}
	m.drive(runID)
	return nil
}

func (m *Manager) setRunStatus(ctx context.Context, runID string, to models.RunStatus, allowed func(models.RunStatus) bool) error {
	now := time.Now().UTC()
	found, err := m.store.UpdateRun(ctx, runID, func(run *models.AgentRun) error {
		if !allowed(run.Status) {
			return fmt.Errorf("%w: run %s is %s", models.ErrValidation, runID, run.Status)
		}
		run.Status = to
		run.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	m.cfg.Notifier.Publish(models.Event{Kind: models.EventRun, ID: runID, RunID: runID, Status: string(to), At: now})
	return nil
}

// DeleteRun stops any drain and removes the run, its tasks and details, its
// index entries, and its memory with all snapshots. Deleting a missing run
// is not an error and returns false.
func (m *Manager) DeleteRun(ctx context.Context, runID string) (bool, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		m.forget(runID)
		return false, nil
	}

	m.mu.Lock()
	st := m.runs[runID]
	m.mu.Unlock()
	if st != nil {
		st.stop()
		st.mu.Lock()
		defer st.mu.Unlock()
	}

	entries, err := m.store.DeleteIndexEntriesByRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("delete index entries: %w", err)
	}
	snaps, err := m.store.DeleteMemory(ctx, run.MemoryID)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	deleted, err := m.store.DeleteRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	m.forget(runID)

	if deleted {
		m.counters.runsDeleted.Add(1)
		slog.Info("run deleted", "run_id", runID, "index_entries", entries, "snapshots", snaps)
		m.cfg.Notifier.Publish(models.Event{Kind: models.EventRun, ID: runID, RunID: runID, Status: "deleted", At: time.Now().UTC()})
	}
	return deleted, nil
}

// CorrectIndexEntry overrides the score of an index entry.
func (m *Manager) CorrectIndexEntry(ctx context.Context, entryID string, score float64) (*models.IndexEntry, error) {
	if err := models.ValidateScore(score); err != nil {
		return nil, err
	}
	var updated models.IndexEntry
	found, err := m.store.UpdateIndexEntry(ctx, entryID, func(e *models.IndexEntry) error {
		e.Score = score
		e.Corrected = true
		e.UpdatedAt = time.Now().UTC()
		updated = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: index entry %s", store.ErrNotFound, entryID)
	}
	return &updated, nil
}

// Recover demotes tasks left processing by a crash back to pending and
// re-drives every active run.
func (m *Manager) Recover(ctx context.Context) error {
	runs, err := m.store.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	resumed := 0
	for _, run := range runs {
		demoted := 0
		hasPending := false
		_, err := m.store.UpdateRun(ctx, run.ID, func(r *models.AgentRun) error {
			for i := range r.Tasks {
				if r.Tasks[i].Status == models.TaskProcessing {
					r.Tasks[i].Reset()
					demoted++
				}
				if r.Tasks[i].Status == models.TaskPending {
					hasPending = true
				}
			}
			if hasPending && r.Status != models.RunPaused {
				r.Status = models.RunActive
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recover run %s: %w", run.ID, err)
		}
		if demoted > 0 {
			slog.Info("demoted interrupted tasks", "run_id", run.ID, "count", demoted)
		}
		if hasPending && run.Status != models.RunPaused {
			m.drive(run.ID)
			resumed++
		}
	}
	if resumed > 0 {
		slog.Info("resumed agent runs", "count", resumed)
	}
	return nil
}
