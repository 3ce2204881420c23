package repository

import (
	"context"
	"errors"

	"github.com/timmy/scadarchive/internal/domain"
	"gorm.io/gorm"
)

// RunRepository stores orchestrator run history.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run record.
func (r *RunRepository) Create(ctx context.Context, run *domain.RunRecord) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Update saves every field of an existing run record.
func (r *RunRepository) Update(ctx context.Context, run *domain.RunRecord) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// GetByID retrieves a run by id.
// Returns:
//   - *domain.RunRecord: run record if found.
//   - error: gorm.ErrRecordNotFound when missing.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns the most recent runs first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: optional status filter; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
func (r *RunRepository) List(ctx context.Context, status domain.RunState, limit, offset int) ([]domain.RunRecord, error) {
	var runs []domain.RunRecord
	query := r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkInterrupted closes runs left starting or running by a previous
// process. It returns the number of rows changed.
func (r *RunRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.RunRecord{}).
		Where("status IN ?", []domain.RunState{domain.RunStateStarting, domain.RunStateRunning}).
		Updates(map[string]any{
			"status":  domain.RunStateError,
			"message": "interrupted by restart",
		})
	return res.RowsAffected, res.Error
}

// isNotFound reports whether err is a missing-row error.
func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
