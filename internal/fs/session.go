package fs

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrSessionLocked is returned when another process already serves the
// mount point.
var ErrSessionLocked = errors.New("another blackholefs session holds the mount point")

// sessionLock is an exclusive flock held for the lifetime of a mount.
type sessionLock struct {
	lock *flock.Flock
}

// defaultLockPath derives a per-mount-point lock file under the temp dir.
func defaultLockPath(mountPoint string) string {
	h := fnv.New64a()
	h.Write([]byte(filepath.Clean(mountPoint)))
	return filepath.Join(os.TempDir(), fmt.Sprintf("blackholefs-%016x.lock", h.Sum64()))
}

func acquireSessionLock(path, mountPoint string) (*sessionLock, error) {
	if path == "" {
		path = defaultLockPath(mountPoint)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrSessionLocked
	}
	return &sessionLock{lock: lock}, nil
}

func (s *sessionLock) release() error {
	return s.lock.Unlock()
}
