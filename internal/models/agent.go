package models

import (
	"fmt"
	"time"
)

// AgentType selects the orchestrator for a run.
type AgentType string

const (
	AgentIndex     AgentType = "index"
	AgentResearch  AgentType = "research"
	AgentStatement AgentType = "statement"
)

// ParseAgentType validates a user-supplied agent type.
func ParseAgentType(s string) (AgentType, error) {
	switch AgentType(s) {
	case AgentIndex, AgentResearch, AgentStatement:
		return AgentType(s), nil
	}
	return "", fmt.Errorf("%w: unknown agent type %q", ErrValidation, s)
}

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// TaskKind selects the worker variant for a task.
type TaskKind string

const (
	KindQuantify  TaskKind = "quantify"
	KindResearch  TaskKind = "research"
	KindStatement TaskKind = "statement"
	KindWriting   TaskKind = "writing"
)

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further automatic transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// AgentRun is one orchestrator invocation against a user query.
// Tasks are kept in Position order.
type AgentRun struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      AgentType   `json:"type"`
	Query     string      `json:"query"`
	Intent    string      `json:"intent"`
	IndexName string      `json:"index_name,omitempty"`
	MemoryID  string      `json:"memory_id"`
	Status    RunStatus   `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Tasks     []AgentTask `json:"tasks,omitempty"`
}

// AgentTask is the lightweight metadata of one unit of work in a run.
// Payload and result live in TaskDetail so listings stay cheap.
type AgentTask struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Position    int        `json:"position"`
	Kind        TaskKind   `json:"kind"`
	Status      TaskStatus `json:"status"`
	DocumentID  string     `json:"document_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Reset returns the task to pending and clears the outcome of a prior run.
func (t *AgentTask) Reset() {
	t.Status = TaskPending
	t.Error = ""
	t.StartedAt = nil
	t.CompletedAt = nil
}

// DocumentRef identifies a document inside a writing task payload.
type DocumentRef struct {
	Filename string    `json:"filename"`
	Date     time.Time `json:"date"`
}

// TaskPayload is the input of a worker.
type TaskPayload struct {
	DocumentID   string    `json:"document_id,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	DocumentDate time.Time `json:"document_date,omitempty"`
	TextPath     string    `json:"text_path,omitempty"`
	Question     string    `json:"question"`
	Intent       string    `json:"intent"`
	IndexName    string    `json:"index_name,omitempty"`

	PrevDocumentID string    `json:"prev_document_id,omitempty"`
	PrevText       string    `json:"prev_text,omitempty"`
	PrevDate       time.Time `json:"prev_date,omitempty"`

	History   []string               `json:"history,omitempty"`
	Documents map[string]DocumentRef `json:"documents,omitempty"`
}

// TaskResult is the structured outcome of a worker. Which fields are set
// depends on the task kind.
type TaskResult struct {
	IndexName  string   `json:"index_name,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Answer     string   `json:"answer,omitempty"`
	Changes    []string `json:"changes,omitempty"`
	Title      string   `json:"title,omitempty"`
	Article    string   `json:"article,omitempty"`
	References []string `json:"references,omitempty"`
	Quotes     []string `json:"quotes,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	Raw        string   `json:"raw,omitempty"`
	ParseError string   `json:"parse_error,omitempty"`
}

// TaskDetail holds the heavy parts of a task, stored apart from AgentTask.
type TaskDetail struct {
	TaskID  string      `json:"task_id"`
	RunID   string      `json:"run_id"`
	Payload TaskPayload `json:"payload"`
	Result  *TaskResult `json:"result,omitempty"`
}

// RunStatusFor derives a run's status from its tasks: all completed is
// success, any failure is failure, anything else is still running.
func RunStatusFor(tasks []AgentTask) RunStatus {
	if len(tasks) == 0 {
		return RunCompleted
	}
	allDone := true
	for _, t := range tasks {
		if t.Status == TaskFailed {
			return RunFailed
		}
		if t.Status != TaskCompleted {
			allDone = false
		}
	}
	if allDone {
		return RunCompleted
	}
	return RunActive
}
