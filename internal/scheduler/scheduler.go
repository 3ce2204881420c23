// Package scheduler triggers the daily reconciliation run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/service"
)

// Trigger starts an orchestrator run.
type Trigger interface {
	Reconcile(ctx context.Context, req service.RunRequest) (*service.RunHandle, error)
}

// Config is the cron expression and the mode of scheduled runs.
type Config struct {
	Spec string
	Mode service.Mode
}

// Scheduler runs "yesterday" on a cron schedule. A tick that finds a run in
// progress is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	mode    service.Mode
	clock   clockwork.Clock
	logger  *logger.Logger
}

// New registers the daily job. Spec uses the standard five-field syntax in UTC.
func New(cfg Config, trigger Trigger, clock clockwork.Clock, log *logger.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.GetDefault()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		trigger: trigger,
		mode:    cfg.Mode,
		clock:   clock,
		logger:  log.Component("scheduler"),
	}
	if _, err := s.cron.AddFunc(cfg.Spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop waits for a firing tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunOnce triggers the run for the previous UTC day.
func (s *Scheduler) RunOnce(ctx context.Context) (*service.RunHandle, error) {
	now := s.clock.Now().UTC()
	yesterday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	h, err := s.trigger.Reconcile(ctx, service.RunRequest{
		Dates: []time.Time{yesterday},
		Mode:  s.mode,
	})
	log := s.logger.WithField("date", yesterday.Format(domain.DateLayout))
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		log.Warn("Scheduled run skipped: a run is already in progress")
		return nil, err
	case err != nil:
		log.WithError(err).Error("Scheduled run failed to start")
		return nil, err
	}
	log.WithField(logger.FieldRunID, h.ID).Info("Scheduled run started")
	return h, nil
}
