package automator

import (
	"context"

	"github.com/seantiz/ember/internal/model"
)

// Worker executes tasks of a single type.
type Worker interface {
	// TaskType returns the task type this worker polls for.
	TaskType() string

	// Execute runs one task. A returned error, or a panic, is reported to the
	// server as a FAILED result. A nil result with a nil error is reported as
	// COMPLETED with empty output.
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// WorkerFunc is the signature of a plain function worker.
type WorkerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

type funcWorker struct {
	taskType string
	fn       WorkerFunc
}

// NewWorker adapts fn into a Worker for taskType.
func NewWorker(taskType string, fn WorkerFunc) Worker {
	return &funcWorker{taskType: taskType, fn: fn}
}

func (w *funcWorker) TaskType() string { return w.taskType }

func (w *funcWorker) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return w.fn(ctx, task)
}

// Echo returns a worker that completes every task with its input as output.
func Echo(taskType string) Worker {
	return NewWorker(taskType, func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
		res := model.NewTaskResult(task)
		res.Status = model.TaskStatusCompleted
		for k, v := range task.InputData {
			res.OutputData[k] = v
		}
		return res, nil
	})
}
