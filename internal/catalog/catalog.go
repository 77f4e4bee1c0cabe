package catalog

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/artifact"
)

// Record is a backup artifact found in the backup directory.
type Record struct {
	Filename  string        `json:"filename"`
	Kind      artifact.Kind `json:"kind"`
	SizeBytes int64         `json:"sizeBytes"`
	CreatedAt time.Time     `json:"createdAt"`
	Path      string        `json:"-"`
}

// Age is how long ago the record was created.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Catalog translates the backup directory into records. It never writes
// artifacts and holds no lock.
type Catalog struct {
	Dir string
	Log zerolog.Logger
}

func New(dir string, log zerolog.Logger) *Catalog {
	return &Catalog{Dir: dir, Log: log.With().Str("component", "catalog").Logger()}
}

// List returns every decodable artifact, newest first.
func (c *Catalog) List(ctx context.Context) ([]Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, apperr.IO("catalog.list", err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, err := artifact.Decode(entry.Name())
		if err != nil {
			c.Log.Debug().Str("file", entry.Name()).Msg("unknown backup file")
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			// Removed or replaced between ReadDir and Info.
			continue
		}
		records = append(records, Record{
			Filename:  entry.Name(),
			Kind:      name.Kind,
			SizeBytes: info.Size(),
			CreatedAt: name.CreatedAt,
			Path:      filepath.Join(c.Dir, entry.Name()),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Filename < records[j].Filename
	})
	return records, nil
}

// Get resolves name to a record. The name must be a bare filename present in
// the backup directory.
func (c *Catalog) Get(ctx context.Context, name string) (Record, error) {
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	default:
	}

	if err := checkName(name); err != nil {
		return Record{}, err
	}
	path := filepath.Join(c.Dir, name)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, apperr.NotFound("catalog.get", "backup %q not found", name)
		}
		return Record{}, apperr.IO("catalog.get", err)
	}
	if !info.Mode().IsRegular() {
		return Record{}, apperr.NotFound("catalog.get", "backup %q not found", name)
	}
	decoded, err := artifact.Decode(name)
	if err != nil {
		return Record{}, &apperr.Error{Kind: apperr.KindValidation, Op: "catalog.get", Err: err}
	}
	return Record{
		Filename:  name,
		Kind:      decoded.Kind,
		SizeBytes: info.Size(),
		CreatedAt: decoded.CreatedAt,
		Path:      path,
	}, nil
}

// Delete removes the named artifact.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	rec, err := c.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.NotFound("catalog.delete", "backup %q not found", name)
		}
		return apperr.IO("catalog.delete", err)
	}
	c.Log.Info().Str("file", name).Msg("backup deleted")
	return nil
}

func checkName(name string) error {
	if name == "" {
		return apperr.Validation("catalog.get", "backup name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return apperr.Validation("catalog.get", "invalid backup name %q", name)
	}
	if strings.HasPrefix(name, ".") {
		return apperr.Validation("catalog.get", "invalid backup name %q", name)
	}
	if strings.ContainsRune(name, 0) {
		return apperr.Validation("catalog.get", "invalid backup name %q", name)
	}
	return nil
}
