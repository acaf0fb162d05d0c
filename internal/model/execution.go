package model

import "time"

// Update result constants for ExecutionRecord.UpdateResult.
const (
	UpdateDelivered = "delivered"
	UpdateAbandoned = "abandoned"
)

// ExecutionRecord is the journal entry for one dispatched task.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	TaskType       string    `json:"task_type"`
	WorkflowID     string    `json:"workflow_id"`
	WorkerID       string    `json:"worker_id"`
	Status         string    `json:"status"`
	UpdateResult   string    `json:"update_result"`
	UpdateAttempts int       `json:"update_attempts"`
	Reason         string    `json:"reason,omitempty"`
	DurationMS     int       `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
