// Package app runs backup and restore operations against the metadata
// database and the file-storage tree.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/archive"
	"github.com/rowjay/registry-backup/internal/catalog"
	"github.com/rowjay/registry-backup/internal/config"
	"github.com/rowjay/registry-backup/internal/db"
	"github.com/rowjay/registry-backup/internal/lock"
	"github.com/rowjay/registry-backup/internal/metrics"
	"github.com/rowjay/registry-backup/internal/notify"
	"github.com/rowjay/registry-backup/internal/operation"
	"github.com/rowjay/registry-backup/internal/storage"
)

type App struct {
	Cfg      *config.Config
	Adapter  db.Adapter
	Archiver archive.Archiver
	Catalog  *catalog.Catalog
	Store    *storage.Local
	Tracker  *operation.Tracker
	Guard    *lock.Guard
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Log      zerolog.Logger

	now     func() time.Time
	workers errgroup.Group
}

type Option func(*App)

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) { a.Metrics = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.Notifier = n }
}

// WithClock replaces time.Now for artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

func New(cfg *config.Config, adapter db.Adapter, archiver archive.Archiver, tracker *operation.Tracker, log zerolog.Logger, opts ...Option) *App {
	a := &App{
		Cfg:      cfg,
		Adapter:  adapter,
		Archiver: archiver,
		Catalog:  catalog.New(cfg.Backup.Directory, log),
		Store:    storage.NewLocal(cfg.Backup.Directory),
		Tracker:  tracker,
		Guard:    lock.NewGuard(cfg.Global.LockFile),
		Log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Wait blocks until every launched operation has finished.
func (a *App) Wait() error {
	return a.workers.Wait()
}

// job is the body of an operation. It returns the success message.
type job func(ctx context.Context, r *run) (string, error)

// run lets a job report progress on its operation.
type run struct {
	app *App
	id  string
	log zerolog.Logger
}

func (r *run) step(ctx context.Context, name string) {
	if err := r.app.Tracker.Advance(ctx, r.id, name); err != nil {
		r.log.Warn().Err(err).Str("step", name).Msg("record operation step")
	}
}

func (r *run) artifact(ctx context.Context, filename string) {
	if err := r.app.Tracker.AddArtifact(ctx, r.id, filename); err != nil {
		r.log.Warn().Err(err).Str("file", filename).Msg("record operation artifact")
	}
}

// launch takes the mutation guard, registers the operation and runs fn in the
// background. It returns as soon as the operation is queued.
func (a *App) launch(ctx context.Context, kind operation.Kind, fn job) (string, error) {
	held, err := a.Guard.TryAcquire()
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			a.Metrics.Conflict()
			a.Log.Warn().Str("kind", string(kind)).Msg("operation refused, another one is running")
		}
		return "", err
	}
	op, err := a.Tracker.Create(ctx, kind)
	if err != nil {
		_ = held.Release()
		return "", err
	}

	a.Metrics.OperationStarted()
	a.workers.Go(func() error {
		defer func() {
			if err := held.Release(); err != nil {
				a.Log.Warn().Err(err).Msg("release lock")
			}
		}()
		a.execute(op, fn)
		return nil
	})
	return op.ID, nil
}

func (a *App) execute(op operation.Operation, fn job) {
	ctx := context.Background()
	if timeout := a.Cfg.Global.OperationTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := a.Log.With().Str("operation_id", op.ID).Str("kind", string(op.Kind)).Logger()
	r := &run{app: a, id: op.ID, log: log}

	start := time.Now()
	if err := a.Tracker.Start(ctx, op.ID); err != nil {
		log.Warn().Err(err).Msg("mark operation running")
	}

	msg, err := safeRun(ctx, r, fn)

	// The worker context may have expired; the final state must still land.
	final := context.Background()
	status := operation.StatusSucceeded
	if err != nil {
		status = operation.StatusFailed
		msg = err.Error()
		if ferr := a.Tracker.Fail(final, op.ID, msg); ferr != nil {
			log.Error().Err(ferr).Msg("record operation failure")
		}
	} else if serr := a.Tracker.Succeed(final, op.ID, msg); serr != nil {
		log.Error().Err(serr).Msg("record operation success")
	}

	elapsed := time.Since(start)
	a.Metrics.OperationFinished(string(op.Kind), string(status), elapsed)
	a.notify(final, op.ID, log)
}

func safeRun(ctx context.Context, r *run, fn job) (msg string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("operation panicked")
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return fn(ctx, r)
}

func (a *App) notify(ctx context.Context, id string, log zerolog.Logger) {
	if a.Notifier == nil {
		return
	}
	op, err := a.Tracker.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("load operation for notification")
		return
	}
	ended := time.Now()
	if op.FinishedAt != nil {
		ended = *op.FinishedAt
	}
	event := notify.Event{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		Message:     op.Message,
		Artifacts:   op.Artifacts,
		StartedAt:   op.StartedAt,
		EndedAt:     ended,
		Duration:    op.Duration(ended).String(),
	}
	nctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Notifier.Notify(nctx, event); err != nil {
		log.Warn().Err(err).Msg("notification failed")
	}
}

// stamp is the creation time shared by every artifact of one operation.
func (a *App) stamp() time.Time {
	return a.now().UTC().Truncate(time.Second)
}
