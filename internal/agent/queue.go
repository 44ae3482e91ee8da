package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/docagent/internal/metrics"
	"github.com/raphaelgruber/docagent/internal/models"
	"github.com/raphaelgruber/docagent/internal/store"
	"github.com/raphaelgruber/docagent/internal/worker"
)

// WorkerFactory returns the worker for a task kind.
type WorkerFactory func(kind models.TaskKind) (*worker.Worker, error)

// Queue drains the pending tasks of a run in position order.
type Queue struct {
	store     store.Store
	newWorker WorkerFactory
	notifier  models.Notifier
	metrics   *metrics.Collector
	counters  *counters
	now       func() time.Time
}

// Drain processes pending tasks one at a time until none remain, the run is
// paused or deleted, or ctx is cancelled. Task failures are recorded and do
// not stop the drain; only ErrUnknownKind does.
func (q *Queue) Drain(ctx context.Context, runID string, mem worker.Memory) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, err := q.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if run == nil {
			// Deleted while draining.
			return nil
		}
		if run.Status == models.RunPaused {
			slog.Info("run paused, drain stopped", "run_id", runID)
			return nil
		}

		next := -1
		for i := range run.Tasks {
			if run.Tasks[i].Status == models.TaskPending {
				next = i
				break
			}
		}
		if next < 0 {
			return q.finish(ctx, runID)
		}

		if err := q.runTask(ctx, run, run.Tasks[next], mem); err != nil {
			if errors.Is(err, worker.ErrUnknownKind) {
				if ferr := q.finish(ctx, runID); ferr != nil {
					slog.Warn("failed to finish run", "run_id", runID, "error", ferr)
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// runTask executes one task. A returned error means the drain must stop;
// ordinary task failures are recorded on the task and return nil. All reads
// happen before the task is claimed, so a failing store leaves it pending,
// and once claimed the task always ends terminal or back in pending.
func (q *Queue) runTask(ctx context.Context, run *models.AgentRun, task models.AgentTask, mem worker.Memory) error {
	detail, err := q.store.GetTaskDetail(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("get task detail: %w", err)
	}
	if detail == nil {
		detail = &models.TaskDetail{TaskID: task.ID, RunID: run.ID}
	}
	if task.Kind == models.KindQuantify || task.Kind == models.KindStatement {
		history, err := q.history(ctx, run, task)
		if err != nil {
			return err
		}
		detail.Payload.History = history
	}

	if err := q.transition(ctx, run.ID, task.ID, models.TaskProcessing, ""); err != nil {
		return err
	}
	start := time.Now()

	w, err := q.newWorker(task.Kind)
	if err != nil {
		q.settle(run.ID, task.ID, models.TaskFailed, err.Error())
		return err
	}

	slog.Info("task started", "run_id", run.ID, "task_id", task.ID, "kind", task.Kind, "position", task.Position)
	result, procErr := w.Process(ctx, task.ID, detail.Payload, mem)

	if procErr != nil && ctx.Err() != nil {
		// Shutdown or deletion: leave the task for the next drive.
		q.cancelTask(run.ID, task.ID)
		return ctx.Err()
	}

	detail.Result = result
	if err := q.store.SaveTaskDetail(ctx, detail); err != nil {
		err = fmt.Errorf("save task detail: %w", err)
		q.counters.tasksFailed.Add(1)
		q.settle(run.ID, task.ID, models.TaskFailed, err.Error())
		return err
	}

	if procErr == nil && result != nil && result.Score != nil {
		entry := &models.IndexEntry{
			ID:         uuid.New().String(),
			RunID:      run.ID,
			TaskID:     task.ID,
			IndexName:  result.IndexName,
			Score:      *result.Score,
			DocumentID: detail.Payload.DocumentID,
			Quotes:     result.Quotes,
			Rationale:  result.Rationale,
			SourceKind: task.Kind,
			CreatedAt:  q.now().UTC(),
			UpdatedAt:  q.now().UTC(),
		}
		if err := q.store.CreateIndexEntry(ctx, entry); err != nil {
			procErr = fmt.Errorf("create index entry: %w", err)
		}
	}

	q.metrics.RecordAgentTask(task.Kind, time.Since(start), procErr == nil)
	to, msg := models.TaskCompleted, ""
	if procErr != nil {
		slog.Warn("task failed", "run_id", run.ID, "task_id", task.ID, "error", procErr)
		q.counters.tasksFailed.Add(1)
		to, msg = models.TaskFailed, procErr.Error()
	} else {
		slog.Info("task completed", "run_id", run.ID, "task_id", task.ID, "duration", time.Since(start))
		q.counters.tasksCompleted.Add(1)
	}
	if err := q.transition(ctx, run.ID, task.ID, to, msg); err != nil {
		q.cancelTask(run.ID, task.ID)
		return err
	}
	return nil
}

// history lists the scores produced by earlier completed tasks of the run.
func (q *Queue) history(ctx context.Context, run *models.AgentRun, task models.AgentTask) ([]string, error) {
	var lines []string
	for _, prior := range run.Tasks {
		if prior.Position >= task.Position || prior.Status != models.TaskCompleted {
			continue
		}
		d, err := q.store.GetTaskDetail(ctx, prior.ID)
		if err != nil {
			return nil, fmt.Errorf("get task detail: %w", err)
		}
		if d == nil || d.Result == nil || d.Result.Score == nil {
			continue
		}
		date := "undated"
		if !d.Payload.DocumentDate.IsZero() {
			date = d.Payload.DocumentDate.Format("2006-01-02")
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s = %.2f", date, d.Payload.Filename, d.Result.IndexName, *d.Result.Score))
	}
	return lines, nil
}

// transition persists a lifecycle step of one task and publishes it.
func (q *Queue) transition(ctx context.Context, runID, taskID string, to models.TaskStatus, errMsg string) error {
	now := q.now().UTC()
	found, err := q.store.UpdateRun(ctx, runID, func(run *models.AgentRun) error {
		i := findTask(run.Tasks, taskID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := advance(&run.Tasks[i], to, now); err != nil {
			return err
		}
		run.Tasks[i].Error = errMsg
		run.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	q.notifier.Publish(models.Event{
		Kind:   models.EventTask,
		ID:     taskID,
		RunID:  runID,
		Status: string(to),
		Error:  errMsg,
		At:     now,
	})
	return nil
}

// settle records a terminal status for a claimed task after the drive hit an
// error. If that write fails too the task is put back to pending.
func (q *Queue) settle(runID, taskID string, to models.TaskStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.transition(ctx, runID, taskID, to, errMsg); err != nil {
		slog.Warn("failed to record task outcome", "task_id", taskID, "error", err)
		q.cancelTask(runID, taskID)
	}
}

// cancelTask puts an interrupted task back to pending. It uses a fresh
// context because the drive context is already done.
func (q *Queue) cancelTask(runID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.store.UpdateRun(ctx, runID, func(run *models.AgentRun) error {
		if i := findTask(run.Tasks, taskID); i >= 0 && run.Tasks[i].Status == models.TaskProcessing {
			run.Tasks[i].Reset()
		}
		return nil
	})
	if err != nil {
		slog.Warn("failed to reset interrupted task", "task_id", taskID, "error", err)
	}
}

// finish derives the run status from its tasks. A paused run stays paused.
func (q *Queue) finish(ctx context.Context, runID string) error {
	var status models.RunStatus
	now := q.now().UTC()
	found, err := q.store.UpdateRun(ctx, runID, func(run *models.AgentRun) error {
		if run.Status == models.RunPaused {
			status = run.Status
			return nil
		}
		run.Status = models.RunStatusFor(run.Tasks)
		run.UpdatedAt = now
		status = run.Status
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !found {
		return nil
	}
	slog.Info("run drained", "run_id", runID, "status", status)
	q.notifier.Publish(models.Event{Kind: models.EventRun, ID: runID, RunID: runID, Status: string(status), At: now})
	return nil
}
