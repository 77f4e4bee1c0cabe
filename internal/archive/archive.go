// Package archive packs and unpacks the file-storage tree.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// Archiver writes the tree under root as a zip stream and extracts a zip
// archive over root, overwriting existing files.
type Archiver interface {
	Name() string
	Archive(ctx context.Context, root string, w io.Writer) error
	Extract(ctx context.Context, archivePath, root string) error
}

func New(kind string, allowMissingTools bool) (Archiver, error) {
	switch kind {
	case "", "native":
		return Native{}, nil
	case "zip":
		return Exec{AllowMissingTools: allowMissingTools}, nil
	default:
		return nil, fmt.Errorf("unsupported archiver: %s", kind)
	}
}

// CheckEntries verifies every entry of the archive resolves inside root and is
// a regular file or directory. Nothing is written.
func CheckEntries(archivePath, root string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Op: "archive.check", Msg: "unreadable archive", Err: err}
	}
	defer zr.Close()
	for _, f := range zr.File {
		if _, err := entryPath(root, f); err != nil {
			return err
		}
	}
	return nil
}

func entryPath(root string, f *zip.File) (string, error) {
	mode := f.Mode()
	if !mode.IsDir() && !mode.IsRegular() {
		return "", apperr.Validation("archive.check", "entry %q is not a regular file", f.Name)
	}
	name := filepath.FromSlash(f.Name)
	if filepath.IsAbs(name) || strings.HasPrefix(f.Name, "/") || filepath.VolumeName(name) != "" {
		return "", apperr.Validation("archive.check", "entry %q has an absolute path", f.Name)
	}
	cleanRoot := filepath.Clean(root)
	dest := filepath.Join(cleanRoot, name)
	if dest != cleanRoot && !strings.HasPrefix(dest, cleanRoot+string(os.PathSeparator)) {
		return "", apperr.Validation("archive.check", "entry %q escapes the storage root", f.Name)
	}
	return dest, nil
}
