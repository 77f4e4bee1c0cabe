package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/archive"
	"github.com/rowjay/registry-backup/internal/artifact"
	"github.com/rowjay/registry-backup/internal/catalog"
	"github.com/rowjay/registry-backup/internal/compress"
	"github.com/rowjay/registry-backup/internal/operation"
)

const (
	stepRestoreDatabase = "restoring database"
	stepRestoreFiles    = "restoring files"
)

// Order is the sequence of a guided restore.
type Order string

const (
	OrderDatabaseFirst Order = "database_first"
	OrderFilesFirst    Order = "files_first"
)

// ParseOrder accepts "database_first", "files_first" and their dashed forms.
// An empty string means database first.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case "", OrderDatabaseFirst:
		return OrderDatabaseFirst, nil
	case OrderFilesFirst:
		return OrderFilesFirst, nil
	default:
		return "", apperr.Validation("restore.order", "unknown restore order %q", s)
	}
}

// RestoreDatabase validates filename and starts restoring the database from it.
func (a *App) RestoreDatabase(ctx context.Context, filename string) (string, error) {
	rec, err := a.resolveDatabase(ctx, filename)
	if err != nil {
		return "", err
	}
	return a.launch(ctx, operation.KindRestoreDatabase, func(ctx context.Context, r *run) (string, error) {
		r.artifact(ctx, rec.Filename)
		r.step(ctx, stepRestoreDatabase)
		if err := a.restoreDatabase(ctx, rec); err != nil {
			return "", err
		}
		return fmt.Sprintf("database restored from %s", rec.Filename), nil
	})
}

// RestoreFiles validates filename and starts extracting it over the storage root.
func (a *App) RestoreFiles(ctx context.Context, filename string) (string, error) {
	rec, err := a.resolveFiles(ctx, filename)
	if err != nil {
		return "", err
	}
	return a.launch(ctx, operation.KindRestoreFiles, func(ctx context.Context, r *run) (string, error) {
		r.artifact(ctx, rec.Filename)
		r.step(ctx, stepRestoreFiles)
		if err := a.restoreFiles(ctx, rec); err != nil {
			return "", err
		}
		return fmt.Sprintf("files restored from %s", rec.Filename), nil
	})
}

type restoreStep struct {
	name string
	run  func(context.Context) error
}

// GuidedRestore restores a database and a files backup in the given order.
// Both artifacts are validated before anything runs, and a failed first step
// skips the second.
func (a *App) GuidedRestore(ctx context.Context, dbFilename, filesFilename string, order Order) (string, error) {
	order, err := ParseOrder(string(order))
	if err != nil {
		return "", err
	}
	dbRec, err := a.resolveDatabase(ctx, dbFilename)
	if err != nil {
		return "", err
	}
	filesRec, err := a.resolveFiles(ctx, filesFilename)
	if err != nil {
		return "", err
	}
	if skew := (catalog.Pair{Database: dbRec, Files: filesRec}).Skew(); skew > a.Cfg.Backup.PairTolerance {
		a.Log.Warn().
			Str("database", dbRec.Filename).
			Str("files", filesRec.Filename).
			Dur("skew", skew).
			Msg("guided restore of backups that were not taken together")
	}

	steps := []restoreStep{
		{name: stepRestoreDatabase, run: func(ctx context.Context) error { return a.restoreDatabase(ctx, dbRec) }},
		{name: stepRestoreFiles, run: func(ctx context.Context) error { return a.restoreFiles(ctx, filesRec) }},
	}
	if order == OrderFilesFirst {
		steps[0], steps[1] = steps[1], steps[0]
	}

	return a.launch(ctx, operation.KindGuidedRestore, func(ctx context.Context, r *run) (string, error) {
		r.artifact(ctx, dbRec.Filename)
		r.artifact(ctx, filesRec.Filename)
		for i, s := range steps {
			r.step(ctx, s.name)
			if err := s.run(ctx); err != nil {
				return "", fmt.Errorf("step %d/%d (%s) failed: %w", i+1, len(steps), s.name, err)
			}
		}
		return fmt.Sprintf("guided restore completed (%s): database from %s, files from %s", order, dbRec.Filename, filesRec.Filename), nil
	})
}

func (a *App) resolve(ctx context.Context, filename string, want artifact.Kind) (catalog.Record, error) {
	rec, err := a.Catalog.Get(ctx, filename)
	if err != nil {
		return catalog.Record{}, err
	}
	if rec.Kind != want {
		return catalog.Record{}, apperr.Validation("restore", "%s is a %s backup, expected a %s backup", filename, rec.Kind, want)
	}
	return rec, nil
}

func (a *App) resolveDatabase(ctx context.Context, filename string) (catalog.Record, error) {
	rec, err := a.resolve(ctx, filename, artifact.KindDatabase)
	if err != nil {
		return catalog.Record{}, err
	}
	name, err := artifact.Decode(rec.Filename)
	if err != nil {
		return catalog.Record{}, &apperr.Error{Kind: apperr.KindValidation, Op: "restore", Err: err}
	}
	format := strings.TrimSuffix(strings.TrimSuffix(name.Ext, ".gz"), ".zst")
	if format != a.Adapter.Extension() {
		return catalog.Record{}, apperr.Validation("restore", "%s is a %s dump, the configured %s database expects %s", filename, format, a.Adapter.Name(), a.Adapter.Extension())
	}
	return rec, nil
}

func (a *App) resolveFiles(ctx context.Context, filename string) (catalog.Record, error) {
	rec, err := a.resolve(ctx, filename, artifact.KindFiles)
	if err != nil {
		return catalog.Record{}, err
	}
	if err := archive.CheckEntries(rec.Path, a.Cfg.Backup.FilesRoot); err != nil {
		return catalog.Record{}, err
	}
	return rec, nil
}

func (a *App) restoreDatabase(ctx context.Context, rec catalog.Record) error {
	if err := a.Adapter.Validate(ctx, a.Cfg.Database); err != nil {
		return err
	}
	name, err := artifact.Decode(rec.Filename)
	if err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Op: "restore.database", Err: err}
	}
	file, err := os.Open(rec.Path)
	if err != nil {
		return apperr.IO("restore.database", err)
	}
	defer file.Close()

	payload, err := compress.WrapReader(compress.FromExt(name.Ext), file)
	if err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Op: "restore.database", Msg: "unreadable dump", Err: err}
	}
	defer payload.Close()

	stream, err := a.Adapter.Restore(ctx, a.Cfg.Database, a.Cfg.Restore)
	if err != nil {
		return err
	}
	src := &sourceReader{r: payload}
	_, copyErr := io.Copy(stream.Writer, src)
	if src.err != nil {
		// A partial dump must never be committed.
		stream.Abort()
		_ = stream.Wait()
		return &apperr.Error{Kind: apperr.KindIO, Op: "restore.database", Msg: "read " + rec.Filename, Err: src.err}
	}
	closeErr := stream.Writer.Close()
	// The tool's own failure explains a broken pipe better than the pipe does.
	if err := stream.Wait(); err != nil {
		return err
	}
	if copyErr != nil {
		return apperr.IO("restore.database", copyErr)
	}
	if closeErr != nil {
		return apperr.IO("restore.database", closeErr)
	}
	a.Log.Info().Str("file", rec.Filename).Str("database", a.Adapter.Name()).Msg("database restored")
	return nil
}

// sourceReader remembers a read failure so it can be told apart from the
// restore tool refusing input.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

func (a *App) restoreFiles(ctx context.Context, rec catalog.Record) error {
	root := a.Cfg.Backup.FilesRoot
	if err := archive.CheckEntries(rec.Path, root); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return apperr.IO("restore.files", err)
	}
	if err := a.Archiver.Extract(ctx, rec.Path, root); err != nil {
		return err
	}
	a.Log.Info().Str("file", rec.Filename).Str("root", root).Msg("files restored")
	return nil
}
