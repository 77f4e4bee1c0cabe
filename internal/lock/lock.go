package lock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// Guard allows a single mutating backup or restore at a time, within this
// process and across processes sharing the same lock file. It never waits.
type Guard struct {
	path string

	mu   sync.Mutex
	held bool
}

type Lock struct {
	guard *Guard
	file  *flock.Flock
	once  sync.Once
}

func NewGuard(path string) *Guard {
	if path == "" {
		path = filepath.Join(os.TempDir(), "rbu.lock")
	}
	return &Guard{path: path}
}

func (g *Guard) Path() string { return g.path }

// Held reports whether this process currently holds the guard.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// TryAcquire takes the guard or fails with a conflict error.
func (g *Guard) TryAcquire() (*Lock, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil, apperr.Conflict("lock", "another backup or restore is already running")
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0o750); err != nil {
		return nil, apperr.IO("lock", err)
	}
	file := flock.New(g.path)
	ok, err := file.TryLock()
	if err != nil {
		return nil, apperr.IO("lock", err)
	}
	if !ok {
		return nil, apperr.Conflict("lock", "another backup or restore is already running (lock: %s)", g.path)
	}
	g.held = true
	return &Lock{guard: g, file: file}, nil
}

// Release frees the guard. Calling it more than once is harmless.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.file.Unlock()
		l.guard.mu.Lock()
		l.guard.held = false
		l.guard.mu.Unlock()
	})
	return err
}
