package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/registry-backup/internal/apperr"
	"github.com/rowjay/registry-backup/internal/artifact"
	"github.com/rowjay/registry-backup/internal/config"
	"github.com/rowjay/registry-backup/internal/db"
	"github.com/rowjay/registry-backup/internal/notify"
	"github.com/rowjay/registry-backup/internal/operation"
)

var testStamp = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeAdapter struct {
	rec        *recorder
	ext        string
	dump       string
	dumpErr    error
	restoreErr error
	block      chan struct{}

	mu       sync.Mutex
	restored bytes.Buffer
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Extension() string { return f.ext }

func (f *fakeAdapter) Validate(context.Context, config.DatabaseConfig) error { return nil }

func (f *fakeAdapter) Dump(context.Context, config.DatabaseConfig) (*db.DumpStream, error) {
	f.rec.add("dump")
	if f.block != nil {
		<-f.block
	}
	return &db.DumpStream{
		Reader: io.NopCloser(strings.NewReader(f.dump)),
		Wait:   func() error { return f.dumpErr },
	}, nil
}

func (f *fakeAdapter) Restore(context.Context, config.DatabaseConfig, config.RestoreConfig) (*db.RestoreStream, error) {
	f.rec.add("restore database")
	return &db.RestoreStream{
		Writer: &lockedBuffer{mu: &f.mu, buf: &f.restored},
		Wait:   func() error { return f.restoreErr },
	}, nil
}

func (f *fakeAdapter) restoredText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restored.String()
}

type lockedBuffer struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) Close() error { return nil }

type fakeArchiver struct {
	rec        *recorder
	archiveErr error
	extractErr error
}

func (f *fakeArchiver) Name() string { return "fake" }

func (f *fakeArchiver) Archive(_ context.Context, _ string, w io.Writer) error {
	f.rec.add("archive")
	if f.archiveErr != nil {
		return f.archiveErr
	}
	return writeZip(w)
}

func (f *fakeArchiver) Extract(context.Context, string, string) error {
	f.rec.add("extract")
	return f.extractErr
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func writeZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	f, err := zw.Create("documents/2024/passport.pdf")
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte("%PDF-1.4")); err != nil {
		return err
	}
	return zw.Close()
}

type fixture struct {
	app      *App
	adapter  *fakeAdapter
	archiver *fakeArchiver
	notifier *fakeNotifier
	rec      *recorder
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Global.LockFile = filepath.Join(root, "rbu.lock")
	cfg.Global.OperationTimeout = time.Minute
	cfg.Backup.Directory = filepath.Join(root, "backups")
	cfg.Backup.FilesRoot = filepath.Join(root, "storage")
	cfg.Backup.Compression = "none"
	cfg.Backup.PairTolerance = time.Minute

	rec := &recorder{}
	adapter := &fakeAdapter{rec: rec, ext: "sql", dump: "CREATE TABLE documents (id int);\n"}
	archiver := &fakeArchiver{rec: rec}
	notifier := &fakeNotifier{}
	tracker := operation.NewTracker(operation.NewMemoryStore(time.Hour), zerolog.Nop())
	a := New(cfg, adapter, archiver, tracker, zerolog.Nop(),
		WithClock(func() time.Time { return testStamp }),
		WithNotifier(notifier),
	)
	return &fixture{app: a, adapter: adapter, archiver: archiver, notifier: notifier, rec: rec, dir: cfg.Backup.Directory}
}

func (f *fixture) finished(t *testing.T, id string) operation.Operation {
	t.Helper()
	require.NoError(t, f.app.Wait())
	op, err := f.app.Tracker.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, op.Status.Terminal(), "operation still %s", op.Status)
	return op
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *fixture) writeArtifact(t *testing.T, name string, write func(io.Writer) error) {
	t.Helper()
	require.NoError(t, os.MkdirAll(f.dir, 0o750))
	file, err := os.Create(filepath.Join(f.dir, name))
	require.NoError(t, err)
	require.NoError(t, write(file))
	require.NoError(t, file.Close())
}

func (f *fixture) seedPair(t *testing.T) (string, string) {
	t.Helper()
	dbName := artifact.Encode(artifact.KindDatabase, testStamp)
	filesName := artifact.Encode(artifact.KindFiles, testStamp)
	f.writeArtifact(t, dbName, func(w io.Writer) error {
		_, err := io.WriteString(w, "INSERT INTO documents VALUES (1);\n")
		return err
	})
	f.writeArtifact(t, filesName, writeZip)
	return dbName, filesName
}

func TestExportDatabase(t *testing.T) {
	f := newFixture(t)
	id, err := f.app.ExportDatabase(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusSucceeded, op.Status)
	assert.Equal(t, []string{"database_backup_20240101120000.sql"}, op.Artifacts)
	assert.Equal(t, []string{"database_backup_20240101120000.sql"}, f.files(t))

	data, err := os.ReadFile(filepath.Join(f.dir, "database_backup_20240101120000.sql"))
	require.NoError(t, err)
	assert.Equal(t, f.adapter.dump, string(data))
	assert.False(t, f.app.Guard.Held())
}

func TestExportDatabaseToolFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.adapter.dumpErr = apperr.ExternalTool("pg_dump", errors.New("exit status 1"), "connection refused")

	id, err := f.app.ExportDatabase(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.Message, "connection refused")
	assert.Empty(t, f.files(t))
}

func TestExportDatabaseEmptyDump(t *testing.T) {
	f := newFixture(t)
	f.adapter.dump = ""

	id, err := f.app.ExportDatabase(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.Message, "no output")
	assert.Empty(t, f.files(t))
}

func TestExportDatabaseExistingNameConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)

	id, err := f.app.ExportDatabase(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.Message, "already exists")
	assert.Len(t, f.files(t), 2)
}

func TestCompressedDumpRestores(t *testing.T) {
	f := newFixture(t)
	f.app.Cfg.Backup.Compression = "zstd"

	id, err := f.app.ExportDatabase(context.Background())
	require.NoError(t, err)
	op := f.finished(t, id)
	require.Equal(t, operation.StatusSucceeded, op.Status, op.Message)
	require.Equal(t, []string{"database_backup_20240101120000.sql.zst"}, op.Artifacts)

	id, err = f.app.RestoreDatabase(context.Background(), op.Artifacts[0])
	require.NoError(t, err)
	op = f.finished(t, id)
	require.Equal(t, operation.StatusSucceeded, op.Status, op.Message)
	assert.Equal(t, f.adapter.dump, f.adapter.restoredText())
}

func TestExportFiles(t *testing.T) {
	f := newFixture(t)
	id, err := f.app.ExportFiles(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusSucceeded, op.Status)
	assert.Equal(t, []string{"files_backup_20240101120000.zip"}, f.files(t))
}

func TestCompleteBackup(t *testing.T) {
	f := newFixture(t)
	id, err := f.app.CreateCompleteBackup(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	require.Equal(t, operation.StatusSucceeded, op.Status, op.Message)
	assert.Equal(t, []string{"dump", "archive"}, f.rec.list())
	assert.Equal(t, []string{"database_backup_20240101120000.sql", "files_backup_20240101120000.zip"}, op.Artifacts)

	pairs, err := f.app.Commands().CompatibleBackupPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, pairs[0].Database.CreatedAt, pairs[0].Files.CreatedAt)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "succeeded", f.notifier.events[0].Status)
	assert.Len(t, f.notifier.events[0].Artifacts, 2)
}

func TestCompleteBackupDatabaseFailureSkipsFiles(t *testing.T) {
	f := newFixture(t)
	f.adapter.dumpErr = apperr.ExternalTool("pg_dump", errors.New("exit status 1"), "")

	id, err := f.app.CreateCompleteBackup(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.True(t, strings.HasPrefix(op.Message, "step 1/2 (exporting database) failed"), op.Message)
	assert.Equal(t, []string{"dump"}, f.rec.list())
	assert.Empty(t, f.files(t))
}

func TestCompleteBackupFilesFailureKeepsDatabase(t *testing.T) {
	f := newFixture(t)
	f.archiver.archiveErr = apperr.IO("archive.files", errors.New("permission denied"))

	id, err := f.app.CreateCompleteBackup(context.Background())
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.Message, "step 2/2 (exporting files) failed")
	assert.Contains(t, op.Message, "database_backup_20240101120000.sql kept")
	assert.Equal(t, []string{"database_backup_20240101120000.sql"}, f.files(t))
}

func TestRestoreFiles(t *testing.T) {
	f := newFixture(t)
	_, filesName := f.seedPair(t)

	id, err := f.app.RestoreFiles(context.Background(), filesName)
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusSucceeded, op.Status)
	assert.Equal(t, []string{"extract"}, f.rec.list())
	assert.Equal(t, []string{filesName}, op.Artifacts)
}

func TestGuidedRestoreOrder(t *testing.T) {
	cases := []struct {
		order Order
		want  []string
	}{
		{OrderDatabaseFirst, []string{"restore database", "extract"}},
		{OrderFilesFirst, []string{"extract", "restore database"}},
		{"", []string{"restore database", "extract"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.order), func(t *testing.T) {
			f := newFixture(t)
			dbName, filesName := f.seedPair(t)

			id, err := f.app.GuidedRestore(context.Background(), dbName, filesName, tc.order)
			require.NoError(t, err)

			op := f.finished(t, id)
			require.Equal(t, operation.StatusSucceeded, op.Status, op.Message)
			assert.Equal(t, tc.want, f.rec.list())
		})
	}
}

func TestGuidedRestoreStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	dbName, filesName := f.seedPair(t)
	f.adapter.restoreErr = apperr.ExternalTool("psql", errors.New("exit status 3"), "relation already exists")

	id, err := f.app.GuidedRestore(context.Background(), dbName, filesName, OrderDatabaseFirst)
	require.NoError(t, err)

	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.True(t, strings.HasPrefix(op.Message, "step 1/2 (restoring database) failed"), op.Message)
	assert.Contains(t, op.Message, "relation already exists")
	assert.Equal(t, []string{"restore database"}, f.rec.list())
}

func TestGuidedRestoreValidatesBothArtifactsFirst(t *testing.T) {
	f := newFixture(t)
	dbName, filesName := f.seedPair(t)

	_, err := f.app.GuidedRestore(context.Background(), dbName, "files_backup_20230101120000.zip", OrderDatabaseFirst)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)

	_, err = f.app.GuidedRestore(context.Background(), filesName, dbName, OrderDatabaseFirst)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	_, err = f.app.GuidedRestore(context.Background(), dbName, filesName, "sideways")
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	require.NoError(t, f.app.Wait())
	assert.Empty(t, f.rec.list())
	assert.False(t, f.app.Guard.Held())
}

func TestRestoreRejectsForeignDumpFormat(t *testing.T) {
	f := newFixture(t)
	name := artifact.EncodeExt(artifact.KindDatabase, testStamp, "sqlite")
	f.writeArtifact(t, name, func(w io.Writer) error {
		_, err := w.Write([]byte("SQLite format 3\x00"))
		return err
	})

	_, err := f.app.RestoreDatabase(context.Background(), name)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
}

func TestRestoreRejectsEscapingArchive(t *testing.T) {
	f := newFixture(t)
	name := artifact.Encode(artifact.KindFiles, testStamp)
	f.writeArtifact(t, name, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		if _, err := zw.Create("../../etc/cron.d/evil"); err != nil {
			return err
		}
		return zw.Close()
	})

	_, err := f.app.RestoreFiles(context.Background(), name)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
	assert.Empty(t, f.rec.list())
}

func TestSecondMutationConflicts(t *testing.T) {
	f := newFixture(t)
	f.adapter.block = make(chan struct{})

	first, err := f.app.ExportDatabase(context.Background())
	require.NoError(t, err)

	_, err = f.app.ExportFiles(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	res := f.app.Commands().DeleteBackup(context.Background(), "database_backup_20240101120000.sql")
	assert.False(t, res.Success)
	assert.Equal(t, "conflict", res.ErrorKind)

	close(f.adapter.block)
	op := f.finished(t, first)
	assert.Equal(t, operation.StatusSucceeded, op.Status)

	second, err := f.app.ExportFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, operation.StatusSucceeded, f.finished(t, second).Status)
}

func TestConcurrentExportsOneWins(t *testing.T) {
	f := newFixture(t)
	f.adapter.block = make(chan struct{})

	ids := make([]string, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ids[i], errs[i] = f.app.ExportDatabase(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	var winner string
	conflicts := 0
	for i := range ids {
		switch {
		case errs[i] == nil:
			require.Empty(t, winner, "two exports started")
			winner = ids[i]
		case apperr.Is(errs[i], apperr.KindConflict):
			conflicts++
			assert.Empty(t, ids[i])
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	require.NotEmpty(t, winner)
	assert.Equal(t, 1, conflicts)

	close(f.adapter.block)
	assert.Equal(t, operation.StatusSucceeded, f.finished(t, winner).Status)
	assert.Equal(t, []string{"dump"}, f.rec.list())
}

func TestFailedSQLiteRestoreKeepsLiveDatabase(t *testing.T) {
	f := newFixture(t)
	liveDir := t.TempDir()
	live := filepath.Join(liveDir, "registry.db")
	original := bytes.Repeat([]byte("LIVE"), 1000)
	require.NoError(t, os.WriteFile(live, original, 0o600))
	f.app.Adapter = db.NewSQLiteAdapter()
	f.app.Cfg.Database.SQLitePath = live

	var full bytes.Buffer
	gz := gzip.NewWriter(&full)
	for i := 0; i < 20000; i++ {
		_, err := fmt.Fprintf(gz, "BACKUPDATA-%06d\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	name := "database_backup_20240101120000.sqlite.gz"
	f.writeArtifact(t, name, func(w io.Writer) error {
		_, err := w.Write(full.Bytes()[:full.Len()/2])
		return err
	})

	id, err := f.app.RestoreDatabase(context.Background(), name)
	require.NoError(t, err)
	op := f.finished(t, id)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.Message, "unexpected EOF")

	current, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, original, current, "live database replaced by a partial restore")
	leftovers, err := filepath.Glob(filepath.Join(liveDir, ".restore-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

type fullDisk struct{}

func (fullDisk) Write([]byte) (int, error) {
	return 0, errors.New("write backup: no space left on device")
}

func TestPumpStopsDumpWhenWriteFails(t *testing.T) {
	pr, pw := io.Pipe()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		chunk := bytes.Repeat([]byte("y\n"), 4096)
		for {
			if _, err := pw.Write(chunk); err != nil {
				return
			}
		}
	}()
	// Like a real dump tool, Wait only returns once the producer has given up.
	stream := &db.DumpStream{Reader: pr, Wait: func() error {
		<-exited
		return errors.New("yes: signal: killed")
	}}

	done := make(chan error, 1)
	go func() {
		_, err := pump(fullDisk{}, stream)
		done <- err
	}()
	select {
	case err := <-done:
		assert.Equal(t, apperr.KindIO, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "no space left on device")
		assert.NotContains(t, err.Error(), "killed")
	case <-time.After(5 * time.Second):
		t.Fatal("dump kept running after the write failed")
	}
}

func TestCommandsResults(t *testing.T) {
	f := newFixture(t)
	cmds := f.app.Commands()
	ctx := context.Background()

	res := cmds.CreateDatabaseBackup(ctx)
	require.True(t, res.Success, res.Message)
	require.NotEmpty(t, res.OperationID)
	assert.Empty(t, res.ErrorKind)
	require.NoError(t, f.app.Wait())

	op, err := cmds.OperationStatus(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusSucceeded, op.Status)

	records, err := cmds.AvailableBackups(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	res = cmds.DeleteBackup(ctx, records[0].Filename)
	assert.True(t, res.Success, res.Message)

	res = cmds.DeleteBackup(ctx, "nonexistent.sql")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
	assert.Equal(t, "not_found", res.ErrorKind)

	res = cmds.RestoreDatabase(ctx, "../secrets.sql")
	assert.False(t, res.Success)
	assert.Equal(t, "validation", res.ErrorKind)
	assert.Empty(t, res.OperationID)
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("Files-First")
	require.NoError(t, err)
	assert.Equal(t, OrderFilesFirst, o)

	o, err = ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderDatabaseFirst, o)

	_, err = ParseOrder("both")
	assert.Error(t, err)
}
