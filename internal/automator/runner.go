package automator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/taskclient"
)

const journalTimeout = 5 * time.Second

// runner polls for one task type and dispatches tasks to at most
// cfg.ThreadCount concurrent worker goroutines.
type runner struct {
	worker  Worker
	cfg     RunnerConfig
	opts    Options
	client  taskclient.Client
	journal store.Store
	logger  *slog.Logger

	sem      *semaphore.Weighted
	inflight atomic.Int64
	tasks    *sync.WaitGroup
}

func newRunner(w Worker, cfg RunnerConfig, opts Options, client taskclient.Client, journal store.Store, logger *slog.Logger, tasks *sync.WaitGroup) *runner {
	return &runner{
		worker:  w,
		cfg:     cfg,
		opts:    opts,
		client:  client,
		journal: journal,
		logger:  logger.With("task_type", w.TaskType()),
		sem:     semaphore.NewWeighted(int64(cfg.ThreadCount)),
		tasks:   tasks,
	}
}

func (r *runner) taskType() string { return r.worker.TaskType() }

// loop runs poll cycles with a fixed delay between the end of one cycle and
// the start of the next, until pollCtx is done. Dispatched tasks run under
// execCtx so they outlive the loop.
func (r *runner) loop(pollCtx, execCtx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return
		case <-timer.C:
		}
		r.pollCycle(pollCtx, execCtx)
		timer.Reset(r.cfg.PollInterval)
	}
}

// pollCycle keeps polling while a worker slot is free and the server keeps
// returning tasks.
func (r *runner) pollCycle(pollCtx, execCtx context.Context) {
	for pollCtx.Err() == nil {
		if !r.sem.TryAcquire(1) {
			return
		}

		task, err := r.client.Poll(pollCtx, r.taskType(), r.opts.WorkerID, r.cfg.Domain, r.cfg.PollTimeout)
		if err != nil {
			r.sem.Release(1)
			if pollCtx.Err() != nil {
				return
			}
			pollsTotal.WithLabelValues(r.taskType(), pollError).Inc()
			r.logger.Warn("poll failed", "error", err)
			return
		}
		if task == nil {
			r.sem.Release(1)
			pollsTotal.WithLabelValues(r.taskType(), pollEmpty).Inc()
			return
		}

		pollsTotal.WithLabelValues(r.taskType(), pollTask).Inc()
		r.inflight.Add(1)
		inflightTasks.WithLabelValues(r.taskType()).Inc()
		r.tasks.Go(func() {
			defer func() {
				r.inflight.Add(-1)
				inflightTasks.WithLabelValues(r.taskType()).Dec()
				r.sem.Release(1)
			}()
			r.dispatch(execCtx, task)
		})
	}
}

// dispatch executes task and pushes its result.
func (r *runner) dispatch(ctx context.Context, task *model.Task) {
	start := time.Now()
	result := r.execute(ctx, task)
	elapsed := time.Since(start)

	tasksTotal.WithLabelValues(r.taskType(), result.Status).Inc()
	taskDuration.WithLabelValues(r.taskType()).Observe(elapsed.Seconds())

	attempts, err := r.pushUpdate(ctx, result)
	rec := &model.ExecutionRecord{
		ID:             model.NewID(),
		TaskID:         task.TaskID,
		TaskType:       r.taskType(),
		WorkflowID:     task.WorkflowInstanceID,
		WorkerID:       result.WorkerID,
		Status:         result.Status,
		UpdateResult:   model.UpdateDelivered,
		UpdateAttempts: attempts,
		Reason:         result.ReasonForIncompletion,
		DurationMS:     int(elapsed.Milliseconds()),
		CreatedAt:      start.UTC(),
	}
	if err != nil {
		updatesAbandonedTotal.WithLabelValues(r.taskType()).Inc()
		r.logger.Error("abandoning task result update",
			"task_id", task.TaskID,
			"attempts", attempts,
			"status", result.Status,
			"error", err,
		)
		rec.UpdateResult = model.UpdateAbandoned
		if rec.Reason == "" {
			rec.Reason = err.Error()
		}
	}
	r.record(rec)
}

// execute runs the worker, turning errors and panics into FAILED results.
func (r *runner) execute(ctx context.Context, task *model.Task) (result *model.TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("worker panicked", "task_id", task.TaskID, "panic", p, "stack", string(debug.Stack()))
			result = failedResult(task, fmt.Sprintf("worker panic: %v", p))
		}
		result.TaskID = task.TaskID
		result.WorkflowInstanceID = task.WorkflowInstanceID
		if result.WorkerID == "" {
			result.WorkerID = r.opts.WorkerID
		}
	}()

	res, err := r.worker.Execute(ctx, task)
	if err != nil {
		r.logger.Warn("worker failed", "task_id", task.TaskID, "error", err)
		return failedResult(task, err.Error())
	}
	if res == nil {
		res = model.NewTaskResult(task)
		res.Status = model.TaskStatusCompleted
	}
	if res.Status == "" {
		res.Status = model.TaskStatusCompleted
	}
	return res
}

func failedResult(task *model.Task, reason string) *model.TaskResult {
	res := model.NewTaskResult(task)
	res.Status = model.TaskStatusFailed
	res.ReasonForIncompletion = reason
	return res
}

// pushUpdate sends result, retrying up to UpdateRetryCount times with a fixed
// pause. It returns the number of attempts made and the last error.
func (r *runner) pushUpdate(ctx context.Context, result *model.TaskResult) (int, error) {
	maxAttempts := r.opts.UpdateRetryCount + 1

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = r.client.Update(ctx, result)
		if err == nil {
			updateAttemptsTotal.WithLabelValues(r.taskType(), updateSuccess).Inc()
			return attempt, nil
		}
		updateAttemptsTotal.WithLabelValues(r.taskType(), updateFailure).Inc()
		r.logger.Warn("task update failed",
			"task_id", result.TaskID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(r.opts.SleepWhenRetry):
		case <-ctx.Done():
			return attempt, fmt.Errorf("update retries cancelled: %w", ctx.Err())
		}
	}
	return maxAttempts, err
}

func (r *runner) record(rec *model.ExecutionRecord) {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := r.journal.RecordExecution(ctx, rec); err != nil {
		r.logger.Error("failed to journal execution", "task_id", rec.TaskID, "error", err)
	}
}

func (r *runner) status() RunnerStatus {
	return RunnerStatus{
		TaskType:       r.taskType(),
		ThreadCount:    r.cfg.ThreadCount,
		PollIntervalMS: r.cfg.PollInterval.Milliseconds(),
		PollTimeoutMS:  r.cfg.PollTimeout.Milliseconds(),
		Domain:         r.cfg.Domain,
		InFlight:       r.inflight.Load(),
		Running:        true,
	}
}
