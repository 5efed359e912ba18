package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

type Lock struct {
	file *flock.Flock
	path string
}

// DefaultPath gives each dataset its own lock so unrelated datasets can back up concurrently.
func DefaultPath(dataset string) string {
	name := strings.NewReplacer("/", "_", "@", "_", ":", "_").Replace(dataset)
	return filepath.Join(os.TempDir(), "zbu-"+name+".lock")
}

// Acquire obtains a filesystem lock to prevent overlapping operations.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "zbu.lock")
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("another backup/restore is already running (lock: %s)", path)
	}
	return &Lock{file: lock, path: path}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release frees the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Unlock()
}
