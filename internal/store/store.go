// Package store persists the execution journal: one record per task the
// automator dispatched, with its outcome and how the result update went.
package store

import (
	"context"

	"github.com/seantiz/ember/internal/model"
)

// ExecutionStats holds aggregate journal statistics.
type ExecutionStats struct {
	Total               int            `json:"total"`
	CountByStatus       map[string]int `json:"count_by_status"`
	CountByTaskType     map[string]int `json:"count_by_task_type"`
	CountByUpdateResult map[string]int `json:"count_by_update_result"`
	AvgDurationMS       float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the execution journal.
type Store interface {
	RecordExecution(ctx context.Context, rec *model.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.ExecutionRecord, int, error)
	ListByTaskType(ctx context.Context, taskType string, limit int) ([]*model.ExecutionRecord, error)
	GetStats(ctx context.Context) (*ExecutionStats, error)
	Close() error
}
