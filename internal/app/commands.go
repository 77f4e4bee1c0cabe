package app

import (
	"context"
	"fmt"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/catalog"
	"github.com/rowjay/registry-backup/internal/operation"
)

// Result is the outcome of a command. OperationID is set when a background
// operation was started; ErrorKind is set on failure.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
}

func started(id string, err error, what string) Result {
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, Message: what + " started", OperationID: id}
}

func failure(err error) Result {
	return Result{Success: false, Message: err.Error(), ErrorKind: apperr.KindOf(err).String()}
}

// Commands is the caller-facing surface of the engine. Its methods never
// panic and report every failure in the returned Result.
type Commands struct {
	app *App
}

func (a *App) Commands() Commands {
	return Commands{app: a}
}

func (c Commands) CreateDatabaseBackup(ctx context.Context) (res Result) {
	defer recoverInto(&res)
	id, err := c.app.ExportDatabase(ctx)
	return started(id, err, "database backup")
}

func (c Commands) CreateFilesBackup(ctx context.Context) (res Result) {
	defer recoverInto(&res)
	id, err := c.app.ExportFiles(ctx)
	return started(id, err, "files backup")
}

func (c Commands) CreateCompleteBackup(ctx context.Context) (res Result) {
	defer recoverInto(&res)
	id, err := c.app.CreateCompleteBackup(ctx)
	return started(id, err, "complete backup")
}

func (c Commands) RestoreDatabase(ctx context.Context, filename string) (res Result) {
	defer recoverInto(&res)
	id, err := c.app.RestoreDatabase(ctx, filename)
	return started(id, err, "database restore")
}

func (c Commands) RestoreFiles(ctx context.Context, filename string) (res Result) {
	defer recoverInto(&res)
	id, err := c.app.RestoreFiles(ctx, filename)
	return started(id, err, "files restore")
}

func (c Commands) GuidedRestore(ctx context.Context, dbFilename, filesFilename string, order Order) (res Result) {
	defer recoverInto(&res)
	id, err := c.app.GuidedRestore(ctx, dbFilename, filesFilename, order)
	return started(id, err, "guided restore")
}

// DeleteBackup removes an artifact synchronously. It refuses while another
// operation holds the mutation guard.
func (c Commands) DeleteBackup(ctx context.Context, filename string) (res Result) {
	defer recoverInto(&res)
	if err := c.app.DeleteBackup(ctx, filename); err != nil {
		return failure(err)
	}
	return Result{Success: true, Message: fmt.Sprintf("backup %s deleted", filename)}
}

func (c Commands) OperationStatus(ctx context.Context, id string) (operation.Operation, error) {
	return c.app.Tracker.Get(ctx, id)
}

func (c Commands) AvailableBackups(ctx context.Context) ([]catalog.Record, error) {
	return c.app.AvailableBackups(ctx)
}

func (c Commands) CompatibleBackupPairs(ctx context.Context) ([]catalog.Pair, error) {
	return c.app.Catalog.FindPairs(ctx, c.app.Cfg.Backup.PairTolerance)
}

func recoverInto(res *Result) {
	if p := recover(); p != nil {
		*res = Result{Success: false, Message: fmt.Sprintf("internal error: %v", p), ErrorKind: apperr.KindUnknown.String()}
	}
}

// DeleteBackup removes the named artifact while holding the mutation guard.
func (a *App) DeleteBackup(ctx context.Context, filename string) error {
	held, err := a.Guard.TryAcquire()
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			a.Metrics.Conflict()
		}
		return err
	}
	defer held.Release()
	return a.Catalog.Delete(ctx, filename)
}

// AvailableBackups lists the catalog and refreshes the artifact gauge.
func (a *App) AvailableBackups(ctx context.Context) ([]catalog.Record, error) {
	records, err := a.Catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, r := range records {
		counts[string(r.Kind)]++
	}
	a.Metrics.Artifacts(counts)
	return records, nil
}
