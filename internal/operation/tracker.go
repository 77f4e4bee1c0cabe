package operation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// Tracker drives operations through queued -> running -> succeeded|failed.
// Only the component that created an operation should mutate it.
type Tracker struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
	newID func() string

	mu sync.Mutex
}

type TrackerOption func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithIDs replaces the random id generator.
func WithIDs(next func() string) TrackerOption {
	return func(t *Tracker) { t.newID = next }
}

func NewTracker(store Store, log zerolog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		log:   log.With().Str("component", "operations").Logger(),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a queued operation and purges expired ones.
func (t *Tracker) Create(ctx context.Context, kind Kind) (Operation, error) {
	now := t.now()
	if n, err := t.store.Purge(ctx, now); err != nil {
		t.log.Warn().Err(err).Msg("purge expired operations")
	} else if n > 0 {
		t.log.Debug().Int("purged", n).Msg("expired operations purged")
	}

	op := Operation{
		ID:        t.newID(),
		Kind:      kind,
		Status:    StatusQueued,
		StartedAt: now,
	}
	if err := t.store.Save(ctx, op); err != nil {
		return Operation{}, err
	}
	t.log.Info().Str("operation_id", op.ID).Str("kind", string(kind)).Msg("operation queued")
	return op, nil
}

func (t *Tracker) Start(ctx context.Context, id string) error {
	return t.update(ctx, id, func(op *Operation) {
		op.Status = StatusRunning
		op.StartedAt = t.now()
	})
}

// Advance records the step the operation is working on. It may be called any
// number of times while the operation runs.
func (t *Tracker) Advance(ctx context.Context, id, step string) error {
	err := t.update(ctx, id, func(op *Operation) {
		if op.Status == StatusQueued {
			op.Status = StatusRunning
		}
		op.CurrentStep = step
	})
	if err == nil {
		t.log.Info().Str("operation_id", id).Str("step", step).Msg("operation step")
	}
	return err
}

// AddArtifact records a backup file produced or consumed by the operation.
func (t *Tracker) AddArtifact(ctx context.Context, id, filename string) error {
	return t.update(ctx, id, func(op *Operation) {
		op.Artifacts = append(op.Artifacts, filename)
	})
}

func (t *Tracker) Succeed(ctx context.Context, id, message string) error {
	return t.finish(ctx, id, StatusSucceeded, message)
}

func (t *Tracker) Fail(ctx context.Context, id, message string) error {
	return t.finish(ctx, id, StatusFailed, message)
}

// Get returns the operation as last saved.
func (t *Tracker) Get(ctx context.Context, id string) (Operation, error) {
	if id == "" {
		return Operation{}, apperr.Validation("operation.get", "operation id is empty")
	}
	return t.store.Load(ctx, id)
}

func (t *Tracker) finish(ctx context.Context, id string, status Status, message string) error {
	err := t.update(ctx, id, func(op *Operation) {
		now := t.now()
		op.Status = status
		op.Message = message
		op.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	evt := t.log.Info()
	if status == StatusFailed {
		evt = t.log.Error()
	}
	evt.Str("operation_id", id).Str("status", string(status)).Str("message", message).Msg("operation finished")
	return nil
}

func (t *Tracker) update(ctx context.Context, id string, mutate func(*Operation)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return apperr.Validation("operation.update", "operation %s already %s", id, op.Status)
	}
	mutate(&op)
	return t.store.Save(ctx, op)
}
