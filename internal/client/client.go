// Package client provides an HTTP client for the docagent server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/docagent/internal/agent"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/server"
)

// Client talks to a docagent server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses DOCAGENT_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via DOCAGENT_CLIENT_TIMEOUT env var (default 10m, starting
// a run waits for the intent call).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("DOCAGENT_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("DOCAGENT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d - %s", e.Status, e.Message)
}

// Do sends a JSON request and decodes the JSON reply into result.
func (c *Client) Do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp server.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// UploadFile sends a local file's content to the server for ingestion.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	err = c.Do(ctx, http.MethodPost, "/documents", server.AddDocumentRequest{
		Filename: filepath.Base(path),
		Content:  string(content),
	}, &out)
	return out.ID, err
}

// ListDocuments returns all documents in display order.
func (c *Client) ListDocuments(ctx context.Context) ([]models.DocumentTask, error) {
	var docs []models.DocumentTask
	err := c.Do(ctx, http.MethodGet, "/documents", nil, &docs)
	return docs, err
}

// GetDocument returns one document.
func (c *Client) GetDocument(ctx context.Context, id string) (*models.DocumentTask, error) {
	var doc models.DocumentTask
	if err := c.Do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// RemoveDocument deletes a document that is not in flight.
func (c *Client) RemoveDocument(ctx context.Context, id string) (bool, error) {
	var out map[string]bool
	err := c.Do(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, &out)
	return out["deleted"], err
}

// ClearCompleted deletes every completed document.
func (c *Client) ClearCompleted(ctx context.Context) (int, error) {
	var out map[string]int
	err := c.Do(ctx, http.MethodPost, "/documents/clear", nil, &out)
	return out["deleted"], err
}

// Reorder sets a new display order for completed documents.
func (c *Client) Reorder(ctx context.Context, ids []string) ([]models.DocumentTask, error) {
	var docs []models.DocumentTask
	err := c.Do(ctx, http.MethodPost, "/documents/reorder", server.ReorderRequest{IDs: ids}, &docs)
	return docs, err
}

// AutoReorder sorts completed documents chronologically.
func (c *Client) AutoReorder(ctx context.Context) (int, error) {
	var out map[string]int
	err := c.Do(ctx, http.MethodPost, "/documents/auto-reorder", nil, &out)
	return out["reordered"], err
}

// PauseIngest stops handing out documents to workers.
func (c *Client) PauseIngest(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/documents/pause", nil, nil)
}

// ResumeIngest resumes document processing.
func (c *Client) ResumeIngest(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/documents/resume", nil, nil)
}

// =============================================================================
// AGENT RUNS
// =============================================================================

// StartRun starts an agent run over all completed documents.
func (c *Client) StartRun(ctx context.Context, agentType, query string) (*models.AgentRun, error) {
	var run models.AgentRun
	if err := c.Do(ctx, http.MethodPost, "/runs", server.StartRunRequest{Type: agentType, Query: query}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns all runs, most recent first.
func (c *Client) ListRuns(ctx context.Context) ([]models.AgentRun, error) {
	var runs []models.AgentRun
	err := c.Do(ctx, http.MethodGet, "/runs", nil, &runs)
	return runs, err
}

// GetRun returns one run with its tasks.
func (c *Client) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	var run models.AgentRun
	if err := c.Do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteRun removes a run and everything derived from it.
func (c *Client) DeleteRun(ctx context.Context, id string) (bool, error) {
	var out map[string]bool
	err := c.Do(ctx, http.MethodDelete, "/runs/"+url.PathEscape(id), nil, &out)
	return out["deleted"], err
}

// PauseRun stops a run after its current task.
func (c *Client) PauseRun(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/pause", nil, nil)
}

// ResumeRun continues a paused run.
func (c *Client) ResumeRun(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/resume", nil, nil)
}

// GetTask returns one task with payload and result.
func (c *Client) GetTask(ctx context.Context, runID, taskID string) (*agent.TaskView, error) {
	var task agent.TaskView
	path := "/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID)
	if err := c.Do(ctx, http.MethodGet, path, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Regenerate re-runs one finished task.
func (c *Client) Regenerate(ctx context.Context, runID, taskID string) error {
	path := "/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/regenerate"
	return c.Do(ctx, http.MethodPost, path, nil, nil)
}

// RestartFromTask rewinds memory and re-runs the run from taskID on.
func (c *Client) RestartFromTask(ctx context.Context, runID, taskID string) error {
	path := "/runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/restart"
	return c.Do(ctx, http.MethodPost, path, nil, nil)
}

// =============================================================================
// MEMORY AND INDEX
// =============================================================================

// ListSnapshots returns a memory's snapshots in version order.
func (c *Client) ListSnapshots(ctx context.Context, memoryID string) ([]models.MemorySnapshot, error) {
	var snaps []models.MemorySnapshot
	err := c.Do(ctx, http.MethodGet, "/memory/"+url.PathEscape(memoryID)+"/snapshots", nil, &snaps)
	return snaps, err
}

// GetSnapshot returns one snapshot.
func (c *Client) GetSnapshot(ctx context.Context, memoryID string, version int64) (*models.MemorySnapshot, error) {
	var snap models.MemorySnapshot
	path := fmt.Sprintf("/memory/%s/snapshots/%d", url.PathEscape(memoryID), version)
	if err := c.Do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListIndexEntries returns index entries, optionally filtered.
func (c *Client) ListIndexEntries(ctx context.Context, filter models.IndexFilter) ([]models.IndexEntry, error) {
	q := url.Values{}
	if filter.RunID != "" {
		q.Set("run_id", filter.RunID)
	}
	if filter.IndexName != "" {
		q.Set("index_name", filter.IndexName)
	}
	path := "/index"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var entries []models.IndexEntry
	err := c.Do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

// CorrectIndexEntry overrides an entry's score.
func (c *Client) CorrectIndexEntry(ctx context.Context, id string, score float64) (*models.IndexEntry, error) {
	var entry models.IndexEntry
	err := c.Do(ctx, http.MethodPatch, "/index/"+url.PathEscape(id), server.CorrectIndexRequest{Score: &score}, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Stats returns server statistics.
func (c *Client) Stats(ctx context.Context) (*server.StatsResponse, error) {
	var stats server.StatsResponse
	if err := c.Do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// =============================================================================
// EVENTS
// =============================================================================

// Watch streams state transitions until ctx is cancelled or onEvent
// returns an error.
func (c *Client) Watch(ctx context.Context, onEvent func(models.Event) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/events")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var e models.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := onEvent(e); err != nil {
			return err
		}
	}
}
