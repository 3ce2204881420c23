// Package app wires the archive engine from configuration.
//
// Startup order:
//  1. local state database (run history, alarm adjustments)
//  2. object-storage mirror (optional)
//  3. archive store and integrity validator
//  4. remote source gateway and orchestrator (on first use)
//  5. HTTP API and scheduler (Serve only)
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/scadarchive/internal/api"
	"github.com/timmy/scadarchive/internal/api/handler"
	"github.com/timmy/scadarchive/internal/archive"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/notify"
	"github.com/timmy/scadarchive/internal/repository"
	"github.com/timmy/scadarchive/internal/scheduler"
	"github.com/timmy/scadarchive/internal/service"
	"github.com/timmy/scadarchive/internal/source"
	"github.com/timmy/scadarchive/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// App holds the engine's long-lived components.
type App struct {
	cfg *config.Config
	log *logger.Logger

	// infrastructure
	db     *gorm.DB
	mirror storage.Mirror

	// repositories
	runs        *repository.RunRepository
	adjustments *repository.AdjustmentRepository

	// services
	store     *archive.Store
	notifier  notify.Notifier
	validator *service.ValidationService
	alarms    *service.AlarmService

	sourceOnce   sync.Once
	sourceErr    error
	gateway      *source.Gateway
	orchestrator *service.Orchestrator
}

// NewLogger builds the process logger from the log section, falling back
// to the LOG_* environment for anything left unset. A nil out keeps the
// environment's output selection.
func NewLogger(cfg config.LogConfig, out io.Writer) *logger.Logger {
	env := logger.LoadFromEnv()
	env.Output = out
	if cfg.Level != "" {
		env.Level = cfg.Level
	}
	if cfg.Format != "" {
		env.Format = cfg.Format
	}
	log := logger.NewFromEnv(env)
	logger.SetDefaultLogger(log)
	return log
}

// New initializes the state database, the mirror, the archive and the
// validator. The remote source is opened lazily by Orchestrator.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	a := &App{cfg: cfg, log: log}

	if err := a.initDB(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := a.initMirror(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if err := a.initServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initDB(ctx context.Context) error {
	db, err := repository.InitDB(&a.cfg.Database, a.log)
	if err != nil {
		return err
	}
	a.db = db
	a.runs = repository.NewRunRepository(db)
	a.adjustments = repository.NewAdjustmentRepository(db)

	n, err := a.runs.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to close interrupted runs: %w", err)
	}
	if n > 0 {
		a.log.WithField(logger.FieldCount, n).Warn("Marked runs interrupted by restart")
	}
	return nil
}

func (a *App) initMirror(ctx context.Context) error {
	m, err := storage.New(&a.cfg.Storage)
	if err != nil {
		return err
	}
	if m == nil {
		a.log.Info("Object storage mirror disabled")
		return nil
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}
	a.mirror = m
	a.log.WithFields(logger.Fields{
		"bucket": a.cfg.Storage.Bucket,
		"type":   a.cfg.Storage.Type,
	}).Info("Object storage mirror enabled")
	return nil
}

func (a *App) initServices() error {
	var mirror archive.Mirror
	if a.mirror != nil {
		mirror = a.mirror
	}

	store, err := archive.New(archive.Options{
		Root:   a.cfg.Archive.Root,
		Level:  a.cfg.Archive.Level,
		Mirror: mirror,
		Prefix: a.cfg.Storage.Prefix,
		Logger: a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	a.store = store

	a.notifier = notify.Nop{}
	if a.cfg.Alerts.WebhookURL != "" {
		a.notifier = notify.NewWebhook(&notify.WebhookConfig{
			URL:     a.cfg.Alerts.WebhookURL,
			Timeout: a.cfg.Alerts.Timeout,
		})
	}

	if err := a.cfg.Validation.Validate(); err != nil {
		return err
	}
	a.validator = service.NewValidationService(service.ValidationOptions{
		Store:      store,
		Config:     a.cfg.Validation,
		ReportPath: a.cfg.Validation.ReportPath,
		Mirror:     mirror,
		MirrorKey:  path.Join(a.cfg.Storage.Prefix, service.ReportFileName),
		Notifier:   a.notifier,
		Logger:     a.log,
	})
	a.alarms = service.NewAlarmService(store, a.adjustments)
	return nil
}

// Validator returns the integrity validation service.
func (a *App) Validator() *service.ValidationService {
	return a.validator
}

// Orchestrator opens the remote source on first call and returns the
// reconciliation orchestrator.
func (a *App) Orchestrator() (*service.Orchestrator, error) {
	a.sourceOnce.Do(func() {
		a.sourceErr = a.initOrchestrator()
	})
	return a.orchestrator, a.sourceErr
}

func (a *App) initOrchestrator() error {
	pc := a.cfg.Processing
	mode, err := service.ParseMode(pc.DefaultMode)
	if err != nil {
		return fmt.Errorf("processing.default_mode: %w", err)
	}
	types, err := parseTypes(pc.Types)
	if err != nil {
		return fmt.Errorf("processing.types: %w", err)
	}

	gw, err := source.Open(&a.cfg.Source, a.log)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	a.gateway = gw

	extractor := source.NewExtractor(gw, source.ExtractorConfig{
		ExcludedAlarmCodes: a.cfg.Alarms.ExcludedCodes,
		OpenAlarmCodes:     a.cfg.Alarms.OpenAlarmCodes,
	}, a.log)

	a.orchestrator = service.NewOrchestrator(
		service.NewReconciler(a.store, extractor, a.log),
		a.runs,
		a.notifier,
		nil,
		a.log,
		&service.OrchestratorConfig{
			Workers:      pc.Workers,
			LookbackDays: pc.LookbackDays,
			Types:        types,
			DefaultMode:  mode,
		},
	)
	return nil
}

// Serve runs the HTTP API, and the scheduler when enabled, until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if a.cfg.Scheduler.Enabled {
		mode, err := service.ParseMode(a.cfg.Scheduler.Mode)
		if err != nil {
			return fmt.Errorf("scheduler.mode: %w", err)
		}
		sched, err = scheduler.New(scheduler.Config{Spec: a.cfg.Scheduler.Spec, Mode: mode}, orch, nil, a.log)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	checks := map[string]handler.Pinger{"source": a.gateway}
	if a.mirror != nil {
		checks["mirror"] = a.mirror
	}
	router := api.SetupRouter(api.Dependencies{
		Processor:   orch,
		Validator:   a.validator,
		Alarms:      a.alarms,
		Adjustments: a.adjustments,
		Runs:        a.runs,
		Health:      checks,
	}, &a.cfg.Server, a.log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logger.Fields{
			"port": a.cfg.Server.Port,
			"mode": a.cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if id, ok := orch.ActiveRun(); ok {
		a.log.WithField(logger.FieldRunID, id).Warn("Aborting active run for shutdown")
		_ = orch.Abort(id)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Close releases every component. It is safe on a partly initialized App.
func (a *App) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close source gateway")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	_ = logger.Sync()
}

func parseTypes(in []string) ([]domain.DataType, error) {
	out := make([]domain.DataType, 0, len(in))
	for _, s := range in {
		dt, err := domain.ParseDataType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}
