package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/domain"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "state", "state.db"),
		AutoMigrate: true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestInitDBRejectsUnknownDriver(t *testing.T) {
	_, err := InitDB(&config.DatabaseConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
}

func TestRunRepositoryLifecycle(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	started := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	run := &domain.RunRecord{
		ID:        "run-1",
		Mode:      "append",
		Dates:     domain.StringList{"2024-02-01"},
		Types:     domain.StringList{"met", "tur"},
		Status:    domain.RunStateRunning,
		StartedAt: &started,
	}
	require.NoError(t, repo.Create(ctx, run))

	finished := started.Add(time.Minute)
	run.Status = domain.RunStateCompleted
	run.Succeeded = 1
	run.Failed = 1
	run.FailedTypes = domain.StringList{"tur"}
	run.FinishedAt = &finished
	require.NoError(t, repo.Update(ctx, run))

	got, err := repo.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCompleted, got.Status)
	assert.Equal(t, domain.StringList{"met", "tur"}, got.Types)
	assert.Equal(t, domain.StringList{"tur"}, got.FailedTypes)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, isNotFound(err))
}

func TestRunRepositoryListAndInterrupted(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	for i, st := range []domain.RunState{domain.RunStateCompleted, domain.RunStateRunning, domain.RunStateError} {
		require.NoError(t, repo.Create(ctx, &domain.RunRecord{
			ID:        string(rune('a' + i)),
			Mode:      "append",
			Status:    st,
			CreatedAt: time.Date(2024, 2, 1, i, 0, 0, 0, time.UTC),
		}))
	}

	all, err := repo.List(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	n, err := repo.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	errored, err := repo.List(ctx, domain.RunStateError, 10, 0)
	require.NoError(t, err)
	assert.Len(t, errored, 2)
}

func TestAdjustmentRepositoryCRUD(t *testing.T) {
	repo := NewAdjustmentRepository(openTestDB(t))
	ctx := context.Background()
	on := time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC)
	off := on.Add(2 * time.Hour)

	require.NoError(t, repo.Upsert(ctx, &domain.AlarmAdjustment{AlarmID: 10, AlarmCode: 1001, StationNr: 1, TimeOn: &on}))
	require.NoError(t, repo.Upsert(ctx, &domain.AlarmAdjustment{AlarmID: 11, AlarmCode: 1002, StationNr: 2, TimeOff: &off}))

	// upsert replaces the existing override
	notes := "maintenance window"
	require.NoError(t, repo.Upsert(ctx, &domain.AlarmAdjustment{AlarmID: 10, AlarmCode: 1001, StationNr: 1, TimeOn: &on, TimeOff: &off, Notes: &notes}))

	got, err := repo.Get(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, got.TimeOff)
	assert.True(t, off.Equal(*got.TimeOff))
	assert.Equal(t, "maintenance window", *got.Notes)

	list, err := repo.List(ctx, []int64{2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(11), list[0].AlarmID)

	byID, err := repo.ByAlarmIDs(ctx, []int64{10, 11, 12})
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	require.NoError(t, repo.Delete(ctx, 11))
	require.ErrorIs(t, repo.Delete(ctx, 11), ErrNotFound)
	_, err = repo.Get(ctx, 11)
	require.ErrorIs(t, err, ErrNotFound)
}
