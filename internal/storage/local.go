// Package storage writes backup artifacts into the backup directory.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// Local is a flat directory of artifacts. Put never exposes a partial file
// under its final name.
type Local struct {
	BasePath string
}

func NewLocal(path string) *Local {
	return &Local{BasePath: path}
}

// Put stages the bytes produced by write in a hidden temp file next to the
// target, syncs it and renames it to name. When write fails, or produces
// nothing, the temp file is removed and name is left untouched. An existing
// name is a conflict.
func (l *Local) Put(ctx context.Context, name string, write func(io.Writer) error) (written int64, err error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if err := os.MkdirAll(l.BasePath, 0o750); err != nil {
		return 0, apperr.IO("storage.put", err)
	}
	target := filepath.Join(l.BasePath, name)
	if err := l.free(target, name); err != nil {
		return 0, err
	}

	file, err := os.CreateTemp(l.BasePath, ".partial-"+name+"-*")
	if err != nil {
		return 0, apperr.IO("storage.put", err)
	}
	tmp := file.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	counter := &countingWriter{w: file}
	if err := write(counter); err != nil {
		_ = file.Close()
		return 0, err
	}
	if counter.n == 0 {
		_ = file.Close()
		return 0, apperr.ExternalTool("storage.put", errors.New("artifact is empty"), "")
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return 0, apperr.IO("storage.put", err)
	}
	if err := file.Close(); err != nil {
		return 0, apperr.IO("storage.put", err)
	}
	if err := l.free(target, name); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, target); err != nil {
		return 0, apperr.IO("storage.put", err)
	}
	return counter.n, nil
}

func (l *Local) free(path, name string) error {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return apperr.Conflict("storage.put", "backup %s already exists", name)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return apperr.IO("storage.put", err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
