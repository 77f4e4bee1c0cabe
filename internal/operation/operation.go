// Package operation tracks long-running export and restore jobs so callers can
// poll them by id.
package operation

import (
	"context"
	"time"
)

type Kind string

const (
	KindExportDatabase  Kind = "export_database"
	KindExportFiles     Kind = "export_files"
	KindExportComplete  Kind = "export_complete"
	KindRestoreDatabase Kind = "restore_database"
	KindRestoreFiles    Kind = "restore_files"
	KindGuidedRestore   Kind = "guided_restore"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Operation struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	CurrentStep string     `json:"currentStep"`
	Message     string     `json:"message"`
	Artifacts   []string   `json:"artifacts,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Duration is the elapsed time, up to now for unfinished operations.
func (o Operation) Duration(now time.Time) time.Duration {
	if o.FinishedAt != nil {
		return o.FinishedAt.Sub(o.StartedAt)
	}
	return now.Sub(o.StartedAt)
}

// Store persists operations. Finished operations are kept for the store's
// retention window; loading one after that returns a not-found error.
type Store interface {
	Save(ctx context.Context, op Operation) error
	Load(ctx context.Context, id string) (Operation, error)
	Purge(ctx context.Context, now time.Time) (int, error)
}
