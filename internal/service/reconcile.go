package service

import (
	"context"
	"time"

	"github.com/timmy/scadarchive/internal/archive"
	"github.com/timmy/scadarchive/internal/domain"
	"github.com/timmy/scadarchive/internal/logger"
	"github.com/timmy/scadarchive/internal/metrics"
	"github.com/timmy/scadarchive/internal/source"
)

// Reconciler merges a remote extraction into one archive partition.
type Reconciler struct {
	store  *archive.Store
	source source.Source
	logger *logger.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store *archive.Store, src source.Source, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Reconciler{store: store, source: src, logger: log.Component("reconciler")}
}

// Reconcile applies mode to the (dt, p) partition.
// Parameters:
//   - ctx: context for cancellation.
//   - dt: data type.
//   - p: month partition.
//   - mode: update strategy.
// Returns:
//   - *domain.ReconciliationOutcome: row counts; Check is set for check mode.
//   - error: extraction or archive failure. The partition is unchanged on error.
func (r *Reconciler) Reconcile(ctx context.Context, dt domain.DataType, p domain.Period, mode Mode) (*domain.ReconciliationOutcome, error) {
	table, ok := domain.TableFor(dt)
	if !ok {
		return nil, domain.ErrInvalidArgument
	}
	start := time.Now()
	run := &reconcileRun{
		r:     r,
		ctx:   ctx,
		table: table,
		out: &domain.ReconciliationOutcome{
			DataType: dt,
			Period:   p,
			Mode:     mode.String(),
		},
	}
	if err := mode.Visit(run); err != nil {
		return nil, err
	}

	out := run.out
	metrics.ReconcileDuration.WithLabelValues(string(dt), mode.String()).Observe(time.Since(start).Seconds())
	metrics.ReconcileRowsTotal.WithLabelValues(string(dt), "inserted").Add(float64(out.Inserted))
	metrics.ReconcileRowsTotal.WithLabelValues(string(dt), "updated").Add(float64(out.Updated))
	metrics.ReconcileRowsTotal.WithLabelValues(string(dt), "deleted").Add(float64(out.Deleted))
	metrics.ReconcileRowsTotal.WithLabelValues(string(dt), "unchanged").Add(float64(out.Unchanged))

	r.logger.Metrics(logger.Fields{
		logger.FieldDataType: string(dt),
		logger.FieldPeriod:   p.String(),
		logger.FieldMode:     mode.String(),
		"action":             out.Action,
		"inserted":           out.Inserted,
		"updated":            out.Updated,
		"deleted":            out.Deleted,
		"unchanged":          out.Unchanged,
		"written":            out.Written,
	}).
		WithCount(out.Inserted+out.Updated+out.Unchanged).
		WithDuration(time.Since(start)).
		Info(ctx, "Partition reconciled")
	return out, nil
}

// reconcileRun is the per-call ModeVisitor.
type reconcileRun struct {
	r     *Reconciler
	ctx   context.Context
	table domain.Table
	out   *domain.ReconciliationOutcome
}

var _ ModeVisitor = (*reconcileRun)(nil)

func (v *reconcileRun) extract() (*source.Extraction, error) {
	return v.r.source.Extract(v.ctx, v.table.Type, v.out.Period, nil)
}

func (v *reconcileRun) Check() error {
	ex, err := v.extract()
	if err != nil {
		return err
	}
	snap, err := v.r.store.Read(v.ctx, v.table.Type, v.out.Period, archive.Filter{})
	if err != nil {
		return err
	}
	res := Merge(snap.Records, ex.Records)
	v.out.Action = domain.ActionChecked
	res.apply(v.out)

	live := snap.Live()
	remoteSum := archive.Checksum(ex.Records)
	localSum := archive.Checksum(live)
	v.out.Check = &domain.CheckSummary{
		RemoteRows:     len(ex.Records),
		LocalRows:      len(live),
		RemoteChecksum: remoteSum,
		LocalChecksum:  localSum,
		InSync:         remoteSum == localSum,
	}
	return nil
}

func (v *reconcileRun) Append() error {
	// extraction releases its connection before the partition lock is taken
	ex, err := v.extract()
	if err != nil {
		return err
	}
	v.out.Action = domain.ActionMerged
	written, err := v.r.store.Update(v.ctx, v.table.Type, v.out.Period, func(cur *archive.Snapshot) (*archive.Snapshot, error) {
		res := Merge(cur.Records, ex.Records)
		res.apply(v.out)
		if !v.out.Changed() {
			return nil, nil
		}
		return &archive.Snapshot{
			Table:   v.table,
			Period:  v.out.Period,
			Records: res.Records,
			Meta:    v.meta(cur, ex),
		}, nil
	})
	if err != nil {
		return err
	}
	v.out.Written = written
	return nil
}

func (v *reconcileRun) ForceOverwrite() error {
	ex, err := v.extract()
	if err != nil {
		return err
	}
	v.out.Action = domain.ActionReplaced
	written, err := v.r.store.Update(v.ctx, v.table.Type, v.out.Period, func(cur *archive.Snapshot) (*archive.Snapshot, error) {
		res := Overwrite(cur.Records, ex.Records)
		res.apply(v.out)
		if len(cur.Records) == 0 && len(res.Records) == 0 {
			return nil, nil
		}
		return &archive.Snapshot{
			Table:   v.table,
			Period:  v.out.Period,
			Records: res.Records,
			Meta:    v.meta(cur, ex),
		}, nil
	})
	if err != nil {
		return err
	}
	v.out.Written = written
	return nil
}

func (v *reconcileRun) ProcessExisting() error {
	snap, err := v.r.store.Read(v.ctx, v.table.Type, v.out.Period, archive.Filter{})
	if err != nil {
		return err
	}
	v.out.Action = domain.ActionRead
	v.out.Unchanged = len(snap.Records)
	return nil
}

func (v *reconcileRun) ProcessExistingExceptAlarms() error {
	if v.table.IsAlarm() {
		return v.Append()
	}
	return v.ProcessExisting()
}

func (v *reconcileRun) meta(cur *archive.Snapshot, ex *source.Extraction) *archive.Meta {
	m := &archive.Meta{}
	if cur.Meta != nil {
		*m = *cur.Meta
	}
	m.RemoteRowCount = len(ex.Records)
	m.RemoteChecksum = archive.Checksum(ex.Records)
	m.Mode = v.out.Mode
	return m
}
