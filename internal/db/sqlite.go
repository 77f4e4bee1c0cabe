package db

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/config"
)

// SQLiteAdapter copies the database file. A restore replaces the live file
// only after the full copy has been written, and never after Abort.
type SQLiteAdapter struct{}

func NewSQLiteAdapter() *SQLiteAdapter { return &SQLiteAdapter{} }

func (s *SQLiteAdapter) Name() string { return "sqlite" }

func (s *SQLiteAdapter) Extension() string { return "sqlite" }

func (s *SQLiteAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	if cfg.SQLitePath == "" {
		return apperr.Validation("sqlite.validate", "sqlite_path is required")
	}
	if _, err := os.Stat(cfg.SQLitePath); err != nil {
		return apperr.IO("sqlite.validate", err)
	}
	return nil
}

func (s *SQLiteAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig) (*DumpStream, error) {
	if cfg.SQLitePath == "" {
		return nil, apperr.Validation("sqlite.dump", "sqlite_path is required")
	}
	file, err := os.Open(cfg.SQLitePath)
	if err != nil {
		return nil, apperr.IO("sqlite.dump", err)
	}
	return &DumpStream{Reader: file, Wait: func() error { return nil }}, nil
}

func (s *SQLiteAdapter) Restore(ctx context.Context, cfg config.DatabaseConfig, _ config.RestoreConfig) (*RestoreStream, error) {
	if cfg.SQLitePath == "" {
		return nil, apperr.Validation("sqlite.restore", "sqlite_path is required")
	}
	tmp, err := os.CreateTemp(filepath.Dir(cfg.SQLitePath), ".restore-"+filepath.Base(cfg.SQLitePath)+"-*")
	if err != nil {
		return nil, apperr.IO("sqlite.restore", err)
	}
	w := &replaceWriter{file: tmp, target: cfg.SQLitePath}
	return &RestoreStream{Writer: w, Wait: w.commit, Stop: w.abort}, nil
}

// replaceWriter stages bytes in a temp file and renames it over target on commit.
type replaceWriter struct {
	file    *os.File
	target  string
	closed  bool
	aborted bool
	err     error
}

func (w *replaceWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *replaceWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil && w.err == nil {
		w.err = err
	}
	if err := w.file.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

// abort drops the staged copy. A later commit fails and leaves target alone.
func (w *replaceWriter) abort() {
	w.aborted = true
	_ = w.Close()
	_ = os.Remove(w.file.Name())
}

func (w *replaceWriter) commit() error {
	if w.aborted {
		return apperr.IO("sqlite.restore", errors.New("restore aborted, live database left unchanged"))
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(w.file.Name())
		return apperr.IO("sqlite.restore", err)
	}
	if err := os.Rename(w.file.Name(), w.target); err != nil {
		_ = os.Remove(w.file.Name())
		return apperr.IO("sqlite.restore", err)
	}
	return nil
}

var _ io.WriteCloser = (*replaceWriter)(nil)
