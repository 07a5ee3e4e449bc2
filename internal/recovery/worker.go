// Package recovery 后台补救循环：扫描卡住的 saga 实例并通过 Manager 修复
package recovery

import (
	"context"
	"time"

	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/saga"
)

// Scanner is the slice of the saga repository the worker reads from.
type Scanner interface {
	FindStalled(ctx context.Context, limit int) ([]*saga.State, error)
	FindSuspendedTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error)
	FindTCCTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error)
}

// Remediator is the manager surface the worker drives. The worker holds no
// write path of its own: every repair goes through these.
type Remediator interface {
	RecoverStalled(ctx context.Context, st *saga.State) error
	TimeoutSuspended(ctx context.Context, st *saga.State) error
	ExpireTCC(ctx context.Context, st *saga.State) error
	Wake() <-chan struct{}
}

// Options 配置
type Options struct {
	Interval  time.Duration // poll interval
	BatchSize int           // max instances per scan per cycle
}

// DefaultOptions 默认配置
var DefaultOptions = Options{
	Interval:  5 * time.Second,
	BatchSize: 100,
}

// Worker polls for three classes of stuck state (undispatched command
// queues, suspensions past their deadline, and expired TIME_BASED TCC steps)
// and repairs each through the manager. The manager's wake signal cuts
// recovery latency below the poll interval for instances it just touched.
type Worker struct {
	repo Scanner
	mgr  Remediator
	log  *logger.Logger
	opts Options
}

// New creates a worker. Zero option fields fall back to DefaultOptions.
func New(repo Scanner, mgr Remediator, log *logger.Logger, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions.Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{repo: repo, mgr: mgr, log: log, opts: opts}
}

// Run blocks until ctx is cancelled. An in-flight cycle always completes;
// no new cycle starts after cancellation.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.log.Infof("saga recovery worker started", map[string]interface{}{
		"interval":  w.opts.Interval.String(),
		"batchSize": w.opts.BatchSize,
	})

	for {
		select {
		case <-ctx.Done():
			w.log.Info("saga recovery worker stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-w.mgr.Wake():
		}
		w.Cycle(ctx)
	}
}

// Cycle performs the three independent scans once. Scan errors are logged
// and do not abort the remaining scans.
func (w *Worker) Cycle(ctx context.Context) {
	now := time.Now().UTC()
	w.recoverStalled(ctx)
	w.recoverSuspended(ctx, now)
	w.recoverTCC(ctx, now)
}

func (w *Worker) recoverStalled(ctx context.Context) {
	states, err := w.repo.FindStalled(ctx, w.opts.BatchSize)
	if err != nil {
		w.log.WithError(err).Error("scan stalled sagas")
		return
	}
	for _, st := range states {
		if err := w.mgr.RecoverStalled(ctx, st); err != nil {
			w.log.WithError(err).WithField("sagaId", st.ID).Warn("recover stalled saga")
		}
	}
}

func (w *Worker) recoverSuspended(ctx context.Context, now time.Time) {
	states, err := w.repo.FindSuspendedTimedOut(ctx, now, w.opts.BatchSize)
	if err != nil {
		w.log.WithError(err).Error("scan suspended sagas")
		return
	}
	for _, st := range states {
		if err := w.mgr.TimeoutSuspended(ctx, st); err != nil {
			w.log.WithError(err).WithField("sagaId", st.ID).Warn("timeout suspended saga")
		}
	}
}

func (w *Worker) recoverTCC(ctx context.Context, now time.Time) {
	states, err := w.repo.FindTCCTimedOut(ctx, now, w.opts.BatchSize)
	if err != nil {
		w.log.WithError(err).Error("scan tcc timeouts")
		return
	}
	for _, st := range states {
		if err := w.mgr.ExpireTCC(ctx, st); err != nil {
			w.log.WithError(err).WithField("sagaId", st.ID).Warn("expire tcc steps")
		}
	}
}
