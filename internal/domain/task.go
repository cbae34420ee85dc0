package domain

import "time"

// TaskState is the lifecycle state of one pipeline task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskAborted   TaskState = "aborted"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskPending: {TaskRunning, TaskSucceeded, TaskAborted},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskAborted},
	TaskFailed:  {TaskRunning, TaskAborted},
}

// CanTransition reports whether s may move to next. Pending goes straight
// to Succeeded when a checkpoint satisfies the task.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskAborted
}

// TaskRun records one task of a flow run and its progress.
type TaskRun struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	FlowRunID   string     `gorm:"type:text;not null;index" json:"flow_run_id"`
	Flow        string     `gorm:"type:text;not null" json:"flow"`
	Task        string     `gorm:"type:text;not null" json:"task"`
	State       TaskState  `gorm:"type:text;default:pending" json:"state"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	Cached      bool       `gorm:"default:false" json:"cached"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ErrorLog    string     `json:"error_log,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for TaskRun.
func (TaskRun) TableName() string {
	return "task_runs"
}
