package model

// Workflow status constants.
const (
	WorkflowStatusRunning    = "RUNNING"
	WorkflowStatusCompleted  = "COMPLETED"
	WorkflowStatusFailed     = "FAILED"
	WorkflowStatusTimedOut   = "TIMED_OUT"
	WorkflowStatusTerminated = "TERMINATED"
	WorkflowStatusPaused     = "PAUSED"
)

// StartWorkflowRequest asks the server to start a workflow execution.
type StartWorkflowRequest struct {
	Name          string            `json:"name"`
	Version       int               `json:"version,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Input         map[string]any    `json:"input,omitempty"`
	TaskToDomain  map[string]string `json:"taskToDomain,omitempty"`
	Priority      int               `json:"priority,omitempty"`
}

// WorkflowRun is the completion notification for a started workflow.
// RequestID carries the correlation id of the originating request.
type WorkflowRun struct {
	RequestID             string         `json:"requestId"`
	WorkflowID            string         `json:"workflowId"`
	CorrelationID         string         `json:"correlationId,omitempty"`
	Status                string         `json:"status"`
	Input                 map[string]any `json:"input,omitempty"`
	Output                map[string]any `json:"output,omitempty"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CreateTime            int64          `json:"createTime,omitempty"`
	UpdateTime            int64          `json:"updateTime,omitempty"`
}
