package archive

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/util"
)

// Exec shells out to the zip and unzip binaries.
type Exec struct {
	AllowMissingTools bool
}

func (Exec) Name() string { return "zip" }

// Archive feeds zip an explicit member list so both archivers agree on what
// a files backup holds.
func (e Exec) Archive(ctx context.Context, root string, w io.Writer) error {
	if !e.AllowMissingTools {
		if err := util.RequireBinary("zip"); err != nil {
			return err
		}
	}
	names, err := members(root)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		// zip refuses to write an archive with nothing in it.
		if err := zip.NewWriter(w).Close(); err != nil {
			return apperr.IO("archive.files", err)
		}
		return nil
	}
	cmd := util.Command(ctx, "zip", []string{"-q", "-", "-@"}, nil)
	cmd.Dir = root
	cmd.Stdin = strings.NewReader(strings.Join(names, "\n") + "\n")
	cmd.Stdout = w
	return util.NewTool("zip", cmd).Run()
}

// members lists the directories and regular files under root relative to it.
// Symlinks and special files are left out, as Native does.
func members(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, apperr.IO("archive.files", err)
	}
	if !info.IsDir() {
		return nil, apperr.Validation("archive.files", "storage root %q is not a directory", root)
	}
	var names []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root || (!d.IsDir() && !d.Type().IsRegular()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, apperr.IO("archive.files", err)
	}
	return names, nil
}

func (e Exec) Extract(ctx context.Context, archivePath, root string) error {
	if !e.AllowMissingTools {
		if err := util.RequireBinary("unzip"); err != nil {
			return err
		}
	}
	if err := CheckEntries(archivePath, root); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return apperr.IO("archive.extract", err)
	}
	cmd := util.Command(ctx, "unzip", []string{"-o", "-q", archivePath, "-d", root}, nil)
	return util.NewTool("unzip", cmd).Run()
}
