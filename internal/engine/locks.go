package engine

import (
	"sync"

	"golang.org/x/sys/unix"
)

// fileKey identifies a backing file independently of the name it was
// reached through, so renames and hard links map to the same lock.
type fileKey struct {
	dev uint64
	ino uint64
}

func keyFromStat(st *unix.Stat_t) fileKey {
	return fileKey{dev: uint64(st.Dev), ino: st.Ino}
}

// fileLocks serializes callers per backing file. Entries are reference
// counted and dropped when the last holder unlocks.
type fileLocks struct {
	mu      sync.Mutex
	entries map[fileKey]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{entries: make(map[fileKey]*fileLock)}
}

func (l *fileLocks) lock(key fileKey) func() {
	l.mu.Lock()
	fl, ok := l.entries[key]
	if !ok {
		fl = &fileLock{}
		l.entries[key] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()

		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *fileLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
