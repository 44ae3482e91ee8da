// Package server exposes the ingestion queue and agent manager over HTTP,
// with a WebSocket stream of state transitions.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/raphaelgruber/docagent/internal/agent"
	"github.com/raphaelgruber/docagent/internal/ingest"
	"github.com/raphaelgruber/docagent/internal/llm"
	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
)

// maxBodyBytes bounds request bodies, including uploaded document content.
const maxBodyBytes = 32 << 20

// Server routes HTTP requests to the ingestion queue and agent manager.
type Server struct {
	ingest    *ingest.Queue
	agents    *agent.Manager
	hub       *Hub
	metrics   *metrics.Collector
	uploadDir string
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Config holds the server dependencies.
type Config struct {
	Ingest    *ingest.Queue
	Agents    *agent.Manager
	Hub       *Hub
	Metrics   *metrics.Collector
	UploadDir string // where uploaded content is written
	Logger    *slog.Logger
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	s := &Server{
		ingest:    cfg.Ingest,
		agents:    cfg.Agents,
		hub:       cfg.Hub,
		metrics:   cfg.Metrics,
		uploadDir: cfg.UploadDir,
		logger:    cfg.Logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.Handle("GET /events", s.hub)

	s.mux.HandleFunc("POST /documents", s.handleAddDocument)
	s.mux.HandleFunc("GET /documents", s.handleListDocuments)
	s.mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	s.mux.HandleFunc("DELETE /documents/{id}", s.handleRemoveDocument)
	s.mux.HandleFunc("POST /documents/clear", s.handleClearCompleted)
	s.mux.HandleFunc("POST /documents/reorder", s.handleReorder)
	s.mux.HandleFunc("POST /documents/auto-reorder", s.handleAutoReorder)
	s.mux.HandleFunc("POST /documents/pause", func(w http.ResponseWriter, r *http.Request) {
		s.ingest.Pause()
		writeJSON(w, http.StatusOK, s.ingest.Stats())
	})
	s.mux.HandleFunc("POST /documents/resume", func(w http.ResponseWriter, r *http.Request) {
		s.ingest.Resume()
		writeJSON(w, http.StatusOK, s.ingest.Stats())
	})

	s.mux.HandleFunc("POST /runs", s.handleStartRun)
	s.mux.HandleFunc("GET /runs", s.handleListRuns)
	s.mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("DELETE /runs/{id}", s.handleDeleteRun)
	s.mux.HandleFunc("POST /runs/{id}/pause", s.handlePauseRun)
	s.mux.HandleFunc("POST /runs/{id}/resume", s.handleResumeRun)
	s.mux.HandleFunc("GET /runs/{id}/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /runs/{id}/tasks/{task}", s.handleGetTask)
	s.mux.HandleFunc("POST /runs/{id}/tasks/{task}/regenerate", s.handleRegenerate)
	s.mux.HandleFunc("POST /runs/{id}/tasks/{task}/restart", s.handleRestart)

	s.mux.HandleFunc("GET /memory/{id}/snapshots", s.handleListSnapshots)
	s.mux.HandleFunc("GET /memory/{id}/snapshots/{version}", s.handleGetSnapshot)

	s.mux.HandleFunc("GET /index", s.handleListIndex)
	s.mux.HandleFunc("PATCH /index/{id}", s.handleCorrectIndex)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Ingest   ingest.Stats     `json:"ingest"`
	Agents   agent.Stats      `json:"agents"`
	Watchers int              `json:"watchers"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Ingest:   s.ingest.Stats(),
		Agents:   s.agents.Stats(),
		Watchers: s.hub.Watchers(),
	}
	if s.metrics != nil {
		resp.Metrics = s.metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddDocumentRequest uploads a document. Either SourcePath (a file on the
// server host) or Content must be set.
type AddDocumentRequest struct {
	Filename   string `json:"filename"`
	SourcePath string `json:"source_path,omitempty"`
	Content    string `json:"content,omitempty"`
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req AddDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Filename == "" {
		writeError(w, fmt.Errorf("%w: filename required", models.ErrValidation))
		return
	}

	source := req.SourcePath
	if req.Content != "" {
		path, err := s.saveUpload(req.Filename, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		source = path
	}

	id, err := s.ingest.Add(r.Context(), req.Filename, source)
	if err != nil {
		if req.Content != "" {
			_ = os.Remove(source)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) saveUpload(filename, content string) (string, error) {
	if s.uploadDir == "" {
		return "", fmt.Errorf("%w: uploads are disabled, send source_path", models.ErrValidation)
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.New().String()+"-"+filepath.Base(filename))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.ingest.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ingest.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	removed, err := s.ingest.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": removed})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.ingest.ClearCompleted(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ReorderRequest lists completed document ids in their new order.
type ReorderRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ingest.Reorder(r.Context(), req.IDs); err != nil {
		writeError(w, err)
		return
	}
	s.handleListDocuments(w, r)
}

func (s *Server) handleAutoReorder(w http.ResponseWriter, r *http.Request) {
	n, err := s.ingest.AutoReorder(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reordered": n})
}

// StartRunRequest starts an agent run.
type StartRunRequest struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !decode(w, r, &req) {
		return
	}
	agentType, err := models.ParseAgentType(req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.agents.Start(r.Context(), agentType, req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.agents.ListRuns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.agents.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.agents.DeleteRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Pause(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetRun(w, r)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Resume(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetRun(w, r)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.agents.ListTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.agents.GetTask(r.Context(), r.PathValue("id"), r.PathValue("task"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Regenerate(r.Context(), r.PathValue("id"), r.PathValue("task")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "regenerating"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.RestartFromTask(r.Context(), r.PathValue("id"), r.PathValue("task")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarted"})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.agents.ListSnapshots(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid version", models.ErrValidation))
		return
	}
	snap, err := s.agents.GetSnapshot(r.Context(), r.PathValue("id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.agents.ListIndexEntries(r.Context(), models.IndexFilter{
		RunID:     q.Get("run_id"),
		IndexName: q.Get("index_name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// CorrectIndexRequest overrides an index entry score.
type CorrectIndexRequest struct {
	Score *float64 `json:"score"`
}

func (s *Server) handleCorrectIndex(w http.ResponseWriter, r *http.Request) {
	var req CorrectIndexRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Score == nil {
		writeError(w, fmt.Errorf("%w: score required", models.ErrValidation))
		return
	}
	entry, err := s.agents.CorrectIndexEntry(r.Context(), r.PathValue("id"), *req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrRunNotFound),
		errors.Is(err, agent.ErrTaskNotFound),
		errors.Is(err, ingest.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrRunBusy),
		errors.Is(err, ingest.ErrInFlight),
		errors.Is(err, ingest.ErrReorderLocked):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, llm.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}
