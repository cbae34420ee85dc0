package repository

import (
	"context"

	"github.com/timmy/ms2sim/internal/domain"
	"gorm.io/gorm"
)

// TaskRunRepository persists pipeline task state. It implements
// pipeline.Recorder.
type TaskRunRepository struct {
	db *gorm.DB
}

// NewTaskRunRepository creates a new TaskRunRepository.
func NewTaskRunRepository(db *gorm.DB) *TaskRunRepository {
	return &TaskRunRepository{db: db}
}

// Record upserts the current row of a task.
func (r *TaskRunRepository) Record(ctx context.Context, run *domain.TaskRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// ListByFlowRun returns the tasks of one flow run in creation order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - flowRunID: engine run id.
// Returns:
//   - []domain.TaskRun: recorded tasks.
//   - error: non-nil if the query fails.
func (r *TaskRunRepository) ListByFlowRun(ctx context.Context, flowRunID string) ([]domain.TaskRun, error) {
	var runs []domain.TaskRun
	err := r.db.WithContext(ctx).
		Where("flow_run_id = ?", flowRunID).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}

// CountByState counts the tasks of a flow run per state.
func (r *TaskRunRepository) CountByState(ctx context.Context, flowRunID string) (map[domain.TaskState]int64, error) {
	type row struct {
		State domain.TaskState
		N     int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&domain.TaskRun{}).
		Select("state, count(*) as n").
		Where("flow_run_id = ?", flowRunID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskState]int64, len(rows))
	for _, rw := range rows {
		out[rw.State] = rw.N
	}
	return out, nil
}
