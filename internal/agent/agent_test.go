package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// fakeLLM answers each prompt family with a canned reply.
type fakeLLM struct {
	mu        sync.Mutex
	intent    string
	intentErr error
	// score returns the scoring reply for the document named in the prompt.
	score func(user string) string
	calls int
}

func (f *fakeLLM) Generate(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	switch {
	case strings.Contains(system, "You plan a document analysis run"):
		if f.intentErr != nil {
			return "", f.intentErr
		}
		return f.intent, nil
	case strings.Contains(system, "You score one document"), strings.Contains(system, "You compare a statement"):
		if f.score != nil {
			return f.score(user), nil
		}
		return `{"index_name":"tone","score":0.25,"quotes":["q"],"rationale":"r"}`, nil
	case strings.Contains(system, "You research one document"):
		return `{"answer":"found something","quotes":[],"rationale":"r"}`, nil
	case strings.Contains(system, "You write the final research article"):
		return `{"title":"Report","article":"All documents agree.","references":[]}`, nil
	default:
		return "summary", nil
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Publish(e models.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

type fixture struct {
	store   *store.FileStore
	gen     *fakeLLM
	mgr     *Manager
	metrics *metrics.Collector
	dir     string
	texts   map[string]string
}

func newFixture(t *testing.T, gen *fakeLLM) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	if gen.intent == "" {
		gen.intent = `{"name":"Tone over time","intent":"track tone","index_name":"tone"}`
	}
	mc := metrics.NewCollector()
	mgr := NewManager(st, gen, Config{MemoryMaxLength: 4000, Notifier: &recordingNotifier{}, Metrics: mc})
	t.Cleanup(mgr.Close)
	return &fixture{store: st, gen: gen, mgr: mgr, metrics: mc, dir: dir, texts: map[string]string{}}
}

// addDocument stores a completed document whose content-inferred date is date.
func (f *fixture) addDocument(t *testing.T, id string, order int, date string) {
	t.Helper()
	text := "text of " + id
	path := filepath.Join(f.dir, id+".txt")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	f.texts[id] = text
	require.NoError(t, f.store.CreateDocument(context.Background(), &models.DocumentTask{
		ID:           id,
		Filename:     id + ".txt",
		Status:       models.DocumentCompleted,
		DisplayOrder: order,
		CreatedAt:    time.Now().UTC(),
		Result: &models.DocumentResult{
			TextPath: path,
			Metadata: map[string]any{models.MetaDocumentDate: date},
		},
	}))
}

func waitForRun(t *testing.T, m *Manager, runID string) *models.AgentRun {
	t.Helper()
	var run *models.AgentRun
	require.Eventually(t, func() bool {
		r, err := m.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == models.RunCompleted || r.Status == models.RunFailed
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

// whenIdle retries an operator action until the finished drive has
// released the run.
func whenIdle(t *testing.T, op func() error) {
	t.Helper()
	var err error
	require.Eventually(t, func() bool {
		err = op()
		return !errors.Is(err, ErrRunBusy)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
}

func TestAdvance(t *testing.T) {
	now := time.Now()
	all := []models.TaskStatus{models.TaskPending, models.TaskProcessing, models.TaskCompleted, models.TaskFailed}
	allowed := map[[2]models.TaskStatus]bool{
		{models.TaskPending, models.TaskProcessing}:   true,
		{models.TaskProcessing, models.TaskCompleted}: true,
		{models.TaskProcessing, models.TaskFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s to %s", from, to), func(t *testing.T) {
				task := models.AgentTask{Status: from}
				err := advance(&task, to, now)
				if allowed[[2]models.TaskStatus{from, to}] {
					require.NoError(t, err)
					assert.Equal(t, to, task.Status)
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition)
					assert.Equal(t, from, task.Status)
				}
			})
		}
	}
}

func TestScoringRunEndToEnd(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	// Uploaded out of chronological order.
	f.addDocument(t, "march", 1, "2024-03-01")
	f.addDocument(t, "january", 2, "2024-01-01")
	f.addDocument(t, "february", 3, "2024-02-01")

	run, err := f.mgr.Start(context.Background(), models.AgentIndex, "How does the tone change?")
	require.NoError(t, err)
	assert.Equal(t, "Tone over time", run.Name)
	assert.Equal(t, "tone", run.IndexName)

	run = waitForRun(t, f.mgr, run.ID)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, run.Tasks, 3)

	order := []string{"january", "february", "march"}
	for i, task := range run.Tasks {
		assert.Equal(t, order[i], task.DocumentID)
		assert.Equal(t, models.TaskCompleted, task.Status)

		view, err := f.mgr.GetTask(context.Background(), run.ID, task.ID)
		require.NoError(t, err)
		if i == 0 {
			assert.Empty(t, view.Payload.PrevText)
		} else {
			assert.Equal(t, f.texts[order[i-1]], view.Payload.PrevText)
			assert.Equal(t, order[i-1], view.Payload.PrevDocumentID)
		}
		assert.Equal(t, "tone", view.Payload.IndexName)
	}

	entries, err := f.mgr.ListIndexEntries(context.Background(), models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "tone", e.IndexName)
	}

	stats := f.mgr.Stats()
	assert.Equal(t, int64(1), stats.RunsStarted)
	assert.Equal(t, int64(3), stats.TasksCompleted)
}

func TestHistoryInjectedFromEarlierScores(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")

	run, err := f.mgr.Start(context.Background(), models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)

	view, err := f.mgr.GetTask(context.Background(), run.ID, run.Tasks[1].ID)
	require.NoError(t, err)
	require.Len(t, view.Payload.History, 1)
	assert.Contains(t, view.Payload.History[0], "a.txt: tone = 0.25")
}

func TestMalformedReplyFailsOnlyThatTask(t *testing.T) {
	gen := &fakeLLM{score: func(user string) string {
		if strings.Contains(user, `"b.txt"`) {
			return "no json here"
		}
		return `{"index_name":"tone","score":-0.5}`
	}}
	f := newFixture(t, gen)
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")
	f.addDocument(t, "c", 3, "2024-03-01")

	run, err := f.mgr.Start(context.Background(), models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.TaskCompleted, run.Tasks[0].Status)
	assert.Equal(t, models.TaskFailed, run.Tasks[1].Status)
	assert.Contains(t, run.Tasks[1].Error, "malformed reply")
	assert.Equal(t, models.TaskCompleted, run.Tasks[2].Status, "siblings keep running")

	view, err := f.mgr.GetTask(context.Background(), run.ID, run.Tasks[1].ID)
	require.NoError(t, err)
	require.NotNil(t, view.Result)
	assert.Equal(t, "no json here", view.Result.Raw)
	assert.NotEmpty(t, view.Result.ParseError)

	entries, err := f.mgr.ListIndexEntries(context.Background(), models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	timings := f.metrics.Snapshot().AgentTasks
	require.Len(t, timings, 1)
	assert.Equal(t, models.KindQuantify, timings[0].Kind)
	assert.Equal(t, int64(3), timings[0].Count)
	assert.Equal(t, int64(1), timings[0].Failed)
}

func TestStartUpstreamFailureLeavesNoState(t *testing.T) {
	f := newFixture(t, &fakeLLM{intentErr: fmt.Errorf("%w: connection refused", llm.ErrUpstream)})
	f.addDocument(t, "a", 1, "2024-01-01")

	_, err := f.mgr.Start(context.Background(), models.AgentIndex, "tone")
	require.ErrorIs(t, err, llm.ErrUpstream)

	runs, err := f.mgr.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, &fakeLLM{})

	_, err := f.mgr.Start(context.Background(), "poetry", "q")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.mgr.Start(context.Background(), models.AgentIndex, "  ")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.mgr.Start(context.Background(), models.AgentIndex, "no documents yet")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestIntentFallbackOnMalformedReply(t *testing.T) {
	f := newFixture(t, &fakeLLM{intent: "Sure, I will track the mood."})
	f.addDocument(t, "a", 1, "2024-01-01")

	run, err := f.mgr.Start(context.Background(), models.AgentStatement, "Mood of the central bank statements")
	require.NoError(t, err)
	assert.Equal(t, "Mood of the central bank statements", run.Name)
	assert.Equal(t, "Mood of the central bank statements", run.Intent)
	assert.Equal(t, "mood_of_the_central_bank_statements", run.IndexName)
	waitForRun(t, f.mgr, run.ID)
}

func TestResearchRunAppendsWritingTask(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")

	run, err := f.mgr.Start(context.Background(), models.AgentResearch, "What changed?")
	require.NoError(t, err)
	assert.Empty(t, run.IndexName)

	run = waitForRun(t, f.mgr, run.ID)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, run.Tasks, 3)
	last := run.Tasks[2]
	assert.Equal(t, models.KindWriting, last.Kind)

	view, err := f.mgr.GetTask(context.Background(), run.ID, last.ID)
	require.NoError(t, err)
	require.Len(t, view.Payload.Documents, 2)
	assert.Equal(t, "a.txt", view.Payload.Documents["a"].Filename)
	require.NotNil(t, view.Result)
	assert.Equal(t, "Report", view.Result.Title)

	entries, err := f.mgr.ListIndexEntries(context.Background(), models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestartFromTaskReproducesContext(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")
	f.addDocument(t, "c", 3, "2024-03-01")
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)

	before, err := f.mgr.ListSnapshots(ctx, run.MemoryID)
	require.NoError(t, err)
	require.Len(t, before, 3)

	target := run.Tasks[2]
	whenIdle(t, func() error { return f.mgr.RestartFromTask(ctx, run.ID, target.ID) })
	run = waitForRun(t, f.mgr, run.ID)
	assert.Equal(t, models.RunCompleted, run.Status)

	after, err := f.mgr.ListSnapshots(ctx, run.MemoryID)
	require.NoError(t, err)
	require.Len(t, after, 4)

	// The re-run of the target appended to exactly the context that existed
	// before it originally ran, so its new snapshot matches the original.
	assert.Equal(t, target.ID, after[3].TaskID)
	assert.Equal(t, before[2].Context, after[3].Context)

	entries, err := f.mgr.ListIndexEntries(ctx, models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 3, "entries of reset tasks are replaced, not duplicated")
}

func TestRestartFromFirstTaskStartsEmpty(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)
	before, err := f.mgr.ListSnapshots(ctx, run.MemoryID)
	require.NoError(t, err)

	whenIdle(t, func() error { return f.mgr.RestartFromTask(ctx, run.ID, run.Tasks[0].ID) })
	run = waitForRun(t, f.mgr, run.ID)

	after, err := f.mgr.ListSnapshots(ctx, run.MemoryID)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, before[0].Context, after[2].Context)
	assert.Equal(t, before[1].Context, after[3].Context)
}

func TestRegenerate(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)

	require.Eventually(t, func() bool {
		err = f.mgr.Regenerate(ctx, run.ID, "missing")
		return !errors.Is(err, ErrRunBusy)
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	whenIdle(t, func() error { return f.mgr.Regenerate(ctx, run.ID, run.Tasks[0].ID) })
	run = waitForRun(t, f.mgr, run.ID)
	assert.Equal(t, models.TaskCompleted, run.Tasks[0].Status)

	entries, err := f.mgr.ListIndexEntries(ctx, models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeleteRunCascadesAndIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)

	deleted, err := f.mgr.DeleteRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.mgr.DeleteRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, int64(1), f.mgr.Stats().RunsDeleted)

	_, err = f.mgr.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	entries, err := f.store.ListIndexEntries(ctx, models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)

	snaps, err := f.store.ListSnapshots(ctx, run.MemoryID)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	for _, task := range run.Tasks {
		d, err := f.store.GetTaskDetail(ctx, task.ID)
		require.NoError(t, err)
		assert.Nil(t, d)
	}
}

func TestRecoverResumesInterruptedRun(t *testing.T) {
	gen := &fakeLLM{}
	f := newFixture(t, gen)
	f.addDocument(t, "a", 1, "2024-01-01")
	ctx := context.Background()

	// Simulate a crash: a run whose first task was left processing.
	now := time.Now().UTC()
	run := &models.AgentRun{
		ID:        "crashed",
		Type:      models.AgentIndex,
		Query:     "tone",
		IndexName: "tone",
		MemoryID:  "mem-crashed",
		Status:    models.RunActive,
		CreatedAt: now,
		Tasks: []models.AgentTask{
			{ID: "t1", RunID: "crashed", Position: 0, Kind: models.KindQuantify, Status: models.TaskProcessing, DocumentID: "a", StartedAt: &now},
		},
	}
	require.NoError(t, f.store.CreateRun(ctx, run, []models.TaskDetail{
		{TaskID: "t1", RunID: "crashed", Payload: models.TaskPayload{
			DocumentID: "a",
			Filename:   "a.txt",
			TextPath:   filepath.Join(f.dir, "a.txt"),
			Question:   "tone",
			IndexName:  "tone",
		}},
	}))

	// A fresh manager plays the restarted process.
	mgr := NewManager(f.store, gen, Config{})
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Recover(ctx))

	got := waitForRun(t, mgr, "crashed")
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, models.TaskCompleted, got.Tasks[0].Status)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, f.mgr, run.ID)

	err = f.mgr.Pause(ctx, run.ID)
	assert.ErrorIs(t, err, models.ErrValidation, "completed runs cannot be paused")

	err = f.mgr.Resume(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCorrectIndexEntry(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	waitForRun(t, f.mgr, run.ID)

	entries, err := f.mgr.ListIndexEntries(ctx, models.IndexFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = f.mgr.CorrectIndexEntry(ctx, entries[0].ID, 1.5)
	assert.ErrorIs(t, err, models.ErrValidation)

	updated, err := f.mgr.CorrectIndexEntry(ctx, entries[0].ID, -0.75)
	require.NoError(t, err)
	assert.True(t, updated.Corrected)
	assert.InDelta(t, -0.75, updated.Score, 1e-9)

	_, err = f.mgr.CorrectIndexEntry(ctx, "missing", 0)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// faultyStore fails task detail access on demand.
type faultyStore struct {
	*store.FileStore
	mu         sync.Mutex
	failRead   map[string]bool
	failWrites bool
}

func (s *faultyStore) setFailRead(taskID string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead == nil {
		s.failRead = map[string]bool{}
	}
	s.failRead[taskID] = fail
}

func (s *faultyStore) setFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

func (s *faultyStore) GetTaskDetail(ctx context.Context, taskID string) (*models.TaskDetail, error) {
	s.mu.Lock()
	fail := s.failRead[taskID]
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: detail unreadable", store.ErrPersistence)
	}
	return s.FileStore.GetTaskDetail(ctx, taskID)
}

func (s *faultyStore) SaveTaskDetail(ctx context.Context, detail *models.TaskDetail) error {
	s.mu.Lock()
	fail := s.failWrites
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: disk full", store.ErrPersistence)
	}
	return s.FileStore.SaveTaskDetail(ctx, detail)
}

func newFaultyManager(t *testing.T, f *fixture) (*Manager, *faultyStore) {
	t.Helper()
	fs := &faultyStore{FileStore: f.store}
	mgr := NewManager(fs, f.gen, Config{MemoryMaxLength: 4000})
	t.Cleanup(mgr.Close)
	return mgr, fs
}

func TestReadFailureLeavesTaskPendingAndRegeneratable(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	f.addDocument(t, "b", 2, "2024-02-01")
	mgr, fs := newFaultyManager(t, f)
	ctx := context.Background()

	run, err := mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, mgr, run.ID)
	require.Equal(t, models.RunCompleted, run.Status)

	// History for the second task reads the first task's detail.
	fs.setFailRead(run.Tasks[0].ID, true)
	whenIdle(t, func() error { return mgr.Regenerate(ctx, run.ID, run.Tasks[1].ID) })
	run = waitForRun(t, mgr, run.ID)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.TaskPending, run.Tasks[1].Status)

	fs.setFailRead(run.Tasks[0].ID, false)
	whenIdle(t, func() error { return mgr.Regenerate(ctx, run.ID, run.Tasks[1].ID) })
	run = waitForRun(t, mgr, run.ID)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.TaskCompleted, run.Tasks[1].Status)
}

func TestSaveFailureAfterClaimFailsTask(t *testing.T) {
	f := newFixture(t, &fakeLLM{})
	f.addDocument(t, "a", 1, "2024-01-01")
	mgr, fs := newFaultyManager(t, f)
	ctx := context.Background()

	fs.setFailWrites(true)
	run, err := mgr.Start(ctx, models.AgentIndex, "tone")
	require.NoError(t, err)
	run = waitForRun(t, mgr, run.ID)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.TaskFailed, run.Tasks[0].Status)
	assert.Contains(t, run.Tasks[0].Error, "save task detail")

	fs.setFailWrites(false)
	whenIdle(t, func() error { return mgr.Regenerate(ctx, run.ID, run.Tasks[0].ID) })
	run = waitForRun(t, mgr, run.ID)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.TaskCompleted, run.Tasks[0].Status)
}
