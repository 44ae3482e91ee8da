// Package agent runs orchestrated agent queues over processed documents.
//
// A run owns an ordered list of tasks that share one rolling memory, so a
// run drains strictly sequentially. Different runs drain independently.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/docagent/internal/models"
)

// Sentinel errors for agent operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrRunNotFound indicates the run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound indicates the task does not exist in the run.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRunBusy indicates the run is draining and cannot be modified.
	ErrRunBusy = errors.New("run is busy")

	// ErrInvalidTransition indicates a task status change outside the
	// pending, processing, completed/failed lifecycle.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// advance moves a task forward through its lifecycle:
// pending → processing → completed | failed.
func advance(t *models.AgentTask, to models.TaskStatus, now time.Time) error {
	switch {
	case t.Status == models.TaskPending && to == models.TaskProcessing:
		t.StartedAt = &now
		t.CompletedAt = nil
		t.Error = ""
	case t.Status == models.TaskProcessing && to.Terminal():
		t.CompletedAt = &now
	default:
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// findTask returns the index of taskID in tasks, or -1.
func findTask(tasks []models.AgentTask, taskID string) int {
	for i := range tasks {
		if tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}
