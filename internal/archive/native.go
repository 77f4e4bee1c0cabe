package archive

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// Native archives in-process with deflate compression.
type Native struct{}

func (Native) Name() string { return "native" }

func (Native) Archive(ctx context.Context, root string, w io.Writer) error {
	info, err := os.Stat(root)
	if err != nil {
		return apperr.IO("archive.files", err)
	}
	if !info.IsDir() {
		return apperr.Validation("archive.files", "storage root %q is not a directory", root)
	}

	zw := zip.NewWriter(w)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			// Symlinks and devices are not part of the document store.
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		closeErr := src.Close()
		if err != nil {
			return err
		}
		return closeErr
	})
	if walkErr != nil {
		_ = zw.Close()
		return apperr.IO("archive.files", walkErr)
	}
	if err := zw.Close(); err != nil {
		return apperr.IO("archive.files", err)
	}
	return nil
}

func (Native) Extract(ctx context.Context, archivePath, root string) error {
	if err := CheckEntries(archivePath, root); err != nil {
		return err
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return apperr.IO("archive.extract", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(root, 0o750); err != nil {
		return apperr.IO("archive.extract", err)
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest, err := entryPath(root, f)
		if err != nil {
			return err
		}
		if f.Mode().IsDir() {
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return apperr.IO("archive.extract", err)
			}
			continue
		}
		if err := extractFile(f, dest); err != nil {
			return apperr.IO("archive.extract", err)
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o640
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
