// Package db wraps the external dump and restore tools of each supported
// metadata database.
package db

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/rowjay/registry-backup/internal/config"
	"github.com/rowjay/registry-backup/internal/util"
)

type Adapter interface {
	Name() string
	// Extension is the artifact extension of an uncompressed dump.
	Extension() string
	Validate(ctx context.Context, cfg config.DatabaseConfig) error
	Dump(ctx context.Context, cfg config.DatabaseConfig) (*DumpStream, error)
	Restore(ctx context.Context, cfg config.DatabaseConfig, opts config.RestoreConfig) (*RestoreStream, error)
}

// DumpStream is a running dump. Read Reader to EOF before calling Wait.
// When the copy fails, call Abort and then Wait.
type DumpStream struct {
	Reader io.ReadCloser
	Wait   func() error
	// Stop ends the dump early. Nil when closing Reader is enough.
	Stop func()
}

// Abort stops the dump and closes Reader so a tool blocked on a full pipe exits.
func (s *DumpStream) Abort() {
	if s.Stop != nil {
		s.Stop()
	}
	_ = s.Reader.Close()
}

// RestoreStream is a running restore. Close Writer, then call Wait.
// When the source cannot be read to the end, call Abort and then Wait
// instead of closing Writer.
type RestoreStream struct {
	Writer io.WriteCloser
	Wait   func() error
	// Stop discards whatever was written. Wait must then report failure.
	Stop func()
}

// Abort discards a partially written restore.
func (s *RestoreStream) Abort() {
	if s.Stop != nil {
		s.Stop()
	}
}

func NewAdapter(dbType string, allowMissingTools bool) (Adapter, error) {
	switch dbType {
	case "postgres", "postgresql":
		return NewPostgresAdapter(allowMissingTools), nil
	case "mysql", "mariadb":
		return NewMySQLAdapter(allowMissingTools), nil
	case "sqlite", "sqlite3":
		return NewSQLiteAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// cliTools runs one family of client binaries. With allowMissing set the
// PATH check is skipped and a missing binary surfaces when it is started.
type cliTools struct {
	allowMissing bool
	env          map[string]string
}

func (t cliTools) require(bins ...string) error {
	if t.allowMissing {
		return nil
	}
	for _, bin := range bins {
		if err := util.RequireBinary(bin); err != nil {
			return err
		}
	}
	return nil
}

// probe runs a connectivity check when the binary exists and is a no-op otherwise.
func (t cliTools) probe(ctx context.Context, bin string, args []string) error {
	if util.RequireBinary(bin) != nil {
		return nil
	}
	return util.NewTool(bin, util.Command(ctx, bin, args, t.env)).Run()
}

func (t cliTools) dump(ctx context.Context, bin string, args []string) (*DumpStream, error) {
	if err := t.require(bin); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	tool := util.NewTool(bin, util.Command(ctx, bin, args, t.env))
	out, err := tool.Cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := tool.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &DumpStream{Reader: out, Wait: waitThen(tool.Wait, cancel), Stop: cancel}, nil
}

// restore starts bin reading SQL on stdin. Stop kills the tool, so input it
// has not committed yet is never completed by a clean end of stream.
func (t cliTools) restore(ctx context.Context, bin string, args []string) (*RestoreStream, error) {
	if err := t.require(bin); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	tool := util.NewTool(bin, util.Command(ctx, bin, args, t.env))
	in, err := tool.Cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := tool.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &RestoreStream{Writer: in, Wait: waitThen(tool.Wait, cancel), Stop: cancel}, nil
}

func waitThen(wait func() error, done func()) func() error {
	return func() error {
		defer done()
		return wait()
	}
}

func portOrDefault(port, def int) string {
	if port == 0 {
		port = def
	}
	return strconv.Itoa(port)
}
