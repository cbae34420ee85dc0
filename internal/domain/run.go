package domain

import (
	"database/sql/driver"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// RunStatus is the registry status of a training run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// JSONMap stores params and metrics as a JSON text column.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// Experiment groups runs of one flow, reused by name.
type Experiment struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Experiment.
func (Experiment) TableName() string {
	return "experiments"
}

// Run is one registered training attempt and its artifact directory.
type Run struct {
	ID           string     `gorm:"type:text;primaryKey" json:"run_id"`
	ExperimentID string     `gorm:"type:text;not null;index" json:"experiment_id"`
	Status       RunStatus  `gorm:"type:text;default:running" json:"status"`
	ArtifactURI  string     `gorm:"type:text" json:"artifact_uri"`
	Params       JSONMap    `gorm:"type:text" json:"params"`
	Metrics      JSONMap    `gorm:"type:text" json:"metrics"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Run.
func (Run) TableName() string {
	return "runs"
}
