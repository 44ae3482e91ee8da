package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docagent/internal/agent"
	"github.com/raphaelgruber/docagent/internal/ingest"
	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/server"
	"github.com/raphaelgruber/docagent/internal/store"
)

type cannedLLM struct{}

func (cannedLLM) Generate(_ context.Context, system, _ string) (string, error) {
	switch {
	case strings.Contains(system, "You plan a document analysis run"):
		return `{"name":"Tone","intent":"tone","index_name":"tone"}`, nil
	case strings.Contains(system, "You score one document"):
		return `{"index_name":"tone","score":0.5}`, nil
	}
	return "summary", nil
}

type testEnv struct {
	srv   *httptest.Server
	hub   *server.Hub
	queue *ingest.Queue
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	hub := server.NewHub()
	proc, err := ingest.NewTextProcessor(filepath.Join(dir, "text"), nil)
	require.NoError(t, err)
	queue := ingest.New(st, ingest.Config{Workers: 2, Processor: proc, Notifier: hub})
	_, err = queue.Start(context.Background())
	require.NoError(t, err)

	mgr := agent.NewManager(st, cannedLLM{}, agent.Config{Notifier: hub})

	s := server.New(server.Config{
		Ingest:    queue,
		Agents:    mgr,
		Hub:       hub,
		Metrics:   metrics.NewCollector(),
		UploadDir: filepath.Join(dir, "uploads"),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		queue.Close()
		mgr.Close()
	})
	return &testEnv{srv: ts, hub: hub, queue: queue}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocumentUploadAndRun(t *testing.T) {
	env := newEnv(t)

	var created map[string]string
	status := env.do(t, http.MethodPost, "/documents", server.AddDocumentRequest{
		Filename: "report.md",
		Content:  "---\ndate: 2024-01-05\n---\nThe outlook is cautious.",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	id := created["id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		var doc models.DocumentTask
		return env.do(t, http.MethodGet, "/documents/"+id, nil, &doc) == http.StatusOK &&
			doc.Status == models.DocumentCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var run models.AgentRun
	status = env.do(t, http.MethodPost, "/runs", server.StartRunRequest{Type: "index", Query: "tone"}, &run)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "tone", run.IndexName)

	require.Eventually(t, func() bool {
		var got models.AgentRun
		return env.do(t, http.MethodGet, "/runs/"+run.ID, nil, &got) == http.StatusOK &&
			got.Status == models.RunCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var entries []models.IndexEntry
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/index?run_id="+run.ID, nil, &entries))
	require.Len(t, entries, 1)

	var corrected models.IndexEntry
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPatch, "/index/"+entries[0].ID, map[string]float64{"score": -1}, &corrected))
	assert.True(t, corrected.Corrected)

	var deleted map[string]bool
	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/runs/"+run.ID, nil, &deleted))
	assert.True(t, deleted["deleted"])
	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/runs/"+run.ID, nil, &deleted))
	assert.False(t, deleted["deleted"])
}

func TestErrorStatuses(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unsupported upload", http.MethodPost, "/documents", server.AddDocumentRequest{Filename: "a.pdf", Content: "x"}, http.StatusBadRequest},
		{"unknown document", http.MethodGet, "/documents/nope", nil, http.StatusNotFound},
		{"unknown agent type", http.MethodPost, "/runs", server.StartRunRequest{Type: "poem", Query: "q"}, http.StatusBadRequest},
		{"no documents yet", http.MethodPost, "/runs", server.StartRunRequest{Type: "index", Query: "q"}, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/runs/nope", nil, http.StatusNotFound},
		{"reorder unknown document", http.MethodPost, "/documents/reorder", server.ReorderRequest{IDs: []string{"x"}}, http.StatusBadRequest},
		{"score out of range", http.MethodPatch, "/index/x", map[string]float64{"score": 2}, http.StatusBadRequest},
		{"unknown index entry", http.MethodPatch, "/index/x", map[string]float64{"score": 0}, http.StatusNotFound},
		{"bad snapshot version", http.MethodGet, "/memory/m/snapshots/abc", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp server.ErrorResponse
			status := env.do(t, tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestEventsStreamDocumentTransitions(t *testing.T) {
	env := newEnv(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Watchers() == 1 }, time.Second, 10*time.Millisecond)

	env.do(t, http.MethodPost, "/documents", server.AddDocumentRequest{Filename: "a.txt", Content: "hello"}, nil)

	seen := map[string]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !seen[string(models.DocumentCompleted)] {
		var e models.Event
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, models.EventDocument, e.Kind)
		seen[e.Status] = true
	}
	assert.True(t, seen[string(models.DocumentPending)])
	assert.True(t, seen[string(models.DocumentProcessing)])
}

func TestStats(t *testing.T) {
	env := newEnv(t)

	var stats server.StatsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/stats", nil, &stats))
	assert.Equal(t, 2, stats.Ingest.Workers)
	assert.Zero(t, stats.Agents.RunsStarted)
}
