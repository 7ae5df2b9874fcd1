package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("export already running")

type Lock struct {
	file *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on path, creating parent
// directories as needed. It fails with ErrLocked when another process (or
// another engine in this process) holds it.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "wxexp.lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock: %s)", ErrLocked, path)
	}
	return &Lock{file: fl}, nil
}

// Path reports the lock file location.
func (l *Lock) Path() string {
	if l == nil || l.file == nil {
		return ""
	}
	return l.file.Path()
}

// Release frees the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Unlock()
}
