package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/ms2sim/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunRepository stores experiments and training runs.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RunRepository: repository instance bound to db.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// EnsureExperiment returns the experiment called name, creating it on
// first use.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - name: experiment name, usually the flow name.
// Returns:
//   - *domain.Experiment: existing or new experiment.
//   - error: non-nil if the lookup or insert fails.
func (r *RunRepository) EnsureExperiment(ctx context.Context, name string) (*domain.Experiment, error) {
	exp := domain.Experiment{ID: uuid.NewString(), Name: name}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&exp).Error
	if err != nil {
		return nil, err
	}
	var stored domain.Experiment
	if err := r.db.WithContext(ctx).First(&stored, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Update saves every field of run.
func (r *RunRepository) Update(ctx context.Context, run *domain.Run) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// GetByID retrieves a run by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
// Returns:
//   - *domain.Run: run record if found.
//   - error: gorm.ErrRecordNotFound if missing.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// MergeMetrics adds metrics to a run, overwriting keys already present.
func (r *RunRepository) MergeMetrics(ctx context.Context, id string, metrics map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.Run
		if err := tx.First(&run, "id = ?", id).Error; err != nil {
			return err
		}
		if run.Metrics == nil {
			run.Metrics = domain.JSONMap{}
		}
		for k, v := range metrics {
			run.Metrics[k] = v
		}
		return tx.Model(&run).Update("metrics", run.Metrics).Error
	})
}

// Finish sets the terminal status and end time of a run.
func (r *RunRepository) Finish(ctx context.Context, id string, status domain.RunStatus) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "ended_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListByExperiment returns the runs of an experiment, newest first.
func (r *RunRepository) ListByExperiment(ctx context.Context, experimentID string, limit int) ([]domain.Run, error) {
	var runs []domain.Run
	q := r.db.WithContext(ctx).Where("experiment_id = ?", experimentID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
