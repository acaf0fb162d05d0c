package model

import "time"

// Task result status constants.
const (
	TaskStatusInProgress              = "IN_PROGRESS"
	TaskStatusFailed                  = "FAILED"
	TaskStatusFailedWithTerminalError = "FAILED_WITH_TERMINAL_ERROR"
	TaskStatusCompleted               = "COMPLETED"
)

// Task is one unit of work offered by the server to a worker.
type Task struct {
	TaskID                 string         `json:"taskId"`
	TaskType               string         `json:"taskType"`
	WorkflowInstanceID     string         `json:"workflowInstanceId"`
	ReferenceTaskName      string         `json:"referenceTaskName,omitempty"`
	Domain                 string         `json:"domain,omitempty"`
	InputData              map[string]any `json:"inputData,omitempty"`
	PollCount              int            `json:"pollCount,omitempty"`
	RetryCount             int            `json:"retryCount,omitempty"`
	ResponseTimeoutSeconds int64          `json:"responseTimeoutSeconds,omitempty"`
}

// TaskExecLog is a log line attached to a task result.
type TaskExecLog struct {
	Log         string `json:"log"`
	TaskID      string `json:"taskId"`
	CreatedTime int64  `json:"createdTime"`
}

// TaskResult is the outcome a worker reports for a task.
type TaskResult struct {
	TaskID                string         `json:"taskId"`
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	WorkerID              string         `json:"workerId,omitempty"`
	Status                string         `json:"status"`
	OutputData            map[string]any `json:"outputData,omitempty"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CallbackAfterSeconds  int64          `json:"callbackAfterSeconds,omitempty"`
	Logs                  []TaskExecLog  `json:"logs,omitempty"`
}

// NewTaskResult returns an in-progress result bound to the given task.
func NewTaskResult(t *Task) *TaskResult {
	return &TaskResult{
		TaskID:             t.TaskID,
		WorkflowInstanceID: t.WorkflowInstanceID,
		Status:             TaskStatusInProgress,
		OutputData:         make(map[string]any),
	}
}

// Log appends a log line to the result.
func (r *TaskResult) Log(line string) {
	r.Logs = append(r.Logs, TaskExecLog{
		Log:         line,
		TaskID:      r.TaskID,
		CreatedTime: time.Now().UnixMilli(),
	})
}

// IsTerminal reports whether the status ends the task on the server.
func IsTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusFailedWithTerminalError:
		return true
	default:
		return false
	}
}
