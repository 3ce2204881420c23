package repository

import (
	"context"
	"errors"

	"github.com/timmy/scadarchive/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// AdjustmentRepository is the manual alarm override store.
type AdjustmentRepository struct {
	db *gorm.DB
}

// NewAdjustmentRepository creates a new AdjustmentRepository.
func NewAdjustmentRepository(db *gorm.DB) *AdjustmentRepository {
	return &AdjustmentRepository{db: db}
}

// Upsert creates or replaces the adjustment keyed by AlarmID.
func (r *AdjustmentRepository) Upsert(ctx context.Context, adj *domain.AlarmAdjustment) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alarm_id"}},
		UpdateAll: true,
	}).Create(adj).Error
}

// Get retrieves one adjustment.
func (r *AdjustmentRepository) Get(ctx context.Context, alarmID int64) (*domain.AlarmAdjustment, error) {
	var adj domain.AlarmAdjustment
	if err := r.db.WithContext(ctx).First(&adj, "alarm_id = ?", alarmID).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &adj, nil
}

// Delete removes an adjustment. Deleting a missing row returns ErrNotFound.
func (r *AdjustmentRepository) Delete(ctx context.Context, alarmID int64) error {
	res := r.db.WithContext(ctx).Delete(&domain.AlarmAdjustment{}, "alarm_id = ?", alarmID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns adjustments ordered by alarm id, optionally restricted to
// stations.
func (r *AdjustmentRepository) List(ctx context.Context, stations []int64) ([]domain.AlarmAdjustment, error) {
	var out []domain.AlarmAdjustment
	query := r.db.WithContext(ctx)
	if len(stations) > 0 {
		query = query.Where("station_nr IN ?", stations)
	}
	if err := query.Order("alarm_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ByAlarmIDs returns the adjustments of the given alarms keyed by id.
func (r *AdjustmentRepository) ByAlarmIDs(ctx context.Context, ids []int64) (map[int64]domain.AlarmAdjustment, error) {
	out := make(map[int64]domain.AlarmAdjustment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []domain.AlarmAdjustment
	// sqlite caps bound parameters per statement
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		rows = rows[:0]
		if err := r.db.WithContext(ctx).Where("alarm_id IN ?", ids[start:end]).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, a := range rows {
			out[a.AlarmID] = a
		}
	}
	return out, nil
}
