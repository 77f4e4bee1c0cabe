package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/artifact"
	"github.com/rowjay/registry-backup/internal/compress"
	"github.com/rowjay/registry-backup/internal/db"
	"github.com/rowjay/registry-backup/internal/operation"
)

const (
	stepExportDatabase = "exporting database"
	stepExportFiles    = "exporting files"
)

// ExportDatabase starts a database backup and returns its operation id.
func (a *App) ExportDatabase(ctx context.Context) (string, error) {
	return a.launch(ctx, operation.KindExportDatabase, func(ctx context.Context, r *run) (string, error) {
		r.step(ctx, stepExportDatabase)
		name, err := a.exportDatabase(ctx, a.stamp())
		if err != nil {
			return "", err
		}
		r.artifact(ctx, name)
		return fmt.Sprintf("database backup %s created", name), nil
	})
}

// ExportFiles starts a file-storage backup and returns its operation id.
func (a *App) ExportFiles(ctx context.Context) (string, error) {
	return a.launch(ctx, operation.KindExportFiles, func(ctx context.Context, r *run) (string, error) {
		r.step(ctx, stepExportFiles)
		name, err := a.exportFiles(ctx, a.stamp())
		if err != nil {
			return "", err
		}
		r.artifact(ctx, name)
		return fmt.Sprintf("files backup %s created", name), nil
	})
}

// CreateCompleteBackup exports the database and then the files under one
// operation. Both artifacts carry the same timestamp so they pair up.
func (a *App) CreateCompleteBackup(ctx context.Context) (string, error) {
	return a.launch(ctx, operation.KindExportComplete, func(ctx context.Context, r *run) (string, error) {
		stamp := a.stamp()

		r.step(ctx, stepExportDatabase)
		dbName, err := a.exportDatabase(ctx, stamp)
		if err != nil {
			return "", fmt.Errorf("step 1/2 (%s) failed: %w", stepExportDatabase, err)
		}
		r.artifact(ctx, dbName)

		r.step(ctx, stepExportFiles)
		filesName, err := a.exportFiles(ctx, stamp)
		if err != nil {
			return "", fmt.Errorf("step 2/2 (%s) failed, database backup %s kept: %w", stepExportFiles, dbName, err)
		}
		r.artifact(ctx, filesName)
		return fmt.Sprintf("complete backup created: %s, %s", dbName, filesName), nil
	})
}

func (a *App) databaseExt() string {
	ext := a.Adapter.Extension()
	if suffix := compress.Suffix(a.Cfg.Backup.Compression); suffix != "" {
		ext += "." + suffix
	}
	return ext
}

func (a *App) exportDatabase(ctx context.Context, stamp time.Time) (string, error) {
	if err := a.Adapter.Validate(ctx, a.Cfg.Database); err != nil {
		return "", err
	}
	final := artifact.EncodeExt(artifact.KindDatabase, stamp, a.databaseExt())
	_, err := a.Store.Put(ctx, final, func(w io.Writer) error {
		stream, err := a.Adapter.Dump(ctx, a.Cfg.Database)
		if err != nil {
			return err
		}
		defer stream.Reader.Close()

		cw, err := compress.WrapWriter(a.Cfg.Backup.Compression, w)
		if err != nil {
			stream.Abort()
			_ = stream.Wait()
			return apperr.Validation("export.database", "%v", err)
		}
		n, err := pump(cw, stream)
		closeErr := cw.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return apperr.IO("export.database", closeErr)
		}
		if n == 0 {
			return apperr.ExternalTool(a.Adapter.Name(), errors.New("dump produced no output"), "")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	a.Log.Info().Str("file", final).Msg("backup artifact written")
	return final, nil
}

// pump copies a running dump into w. When w fails the tool is stopped before
// Wait, and the write error is reported instead of the tool's exit status.
func pump(w io.Writer, stream *db.DumpStream) (int64, error) {
	n, err := io.Copy(w, stream.Reader)
	if err != nil {
		stream.Abort()
		_ = stream.Wait()
		return n, apperr.IO("export.database", err)
	}
	return n, stream.Wait()
}

func (a *App) exportFiles(ctx context.Context, stamp time.Time) (string, error) {
	final := artifact.Encode(artifact.KindFiles, stamp)
	_, err := a.Store.Put(ctx, final, func(w io.Writer) error {
		return a.Archiver.Archive(ctx, a.Cfg.Backup.FilesRoot, w)
	})
	if err != nil {
		return "", err
	}
	a.Log.Info().Str("file", final).Msg("backup artifact written")
	return final, nil
}
