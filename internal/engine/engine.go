// Package engine virtualizes regular-file content on top of a backing file.
//
// Writes never reach storage. A write only moves the apparent size of the
// backing file forward and immediately punches a hole over the whole file, so
// real allocation stays constant no matter how many bytes callers submit.
// Reads consult the apparent size and return zeroes.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MaxSize is the largest apparent size the engine will set. Extending writes
// saturate here instead of overflowing.
const MaxSize = math.MaxInt64

// punchMode deallocates a range while leaving the file size untouched.
const punchMode = unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE

// ErrNegativeOffset is returned for offsets or lengths below zero. The kernel
// never sends them; direct callers can.
var ErrNegativeOffset = errors.New("negative offset or length")

// OpError records a failed underlying call together with the operation that
// issued it.
type OpError struct {
	Op   string // engine operation: read, write, truncate, allocate
	Step string // underlying call: fstat, ftruncate, fallocate, open, close
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Step, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Step, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Descriptor is anything that owns an OS file descriptor, typically *os.File.
type Descriptor interface {
	Fd() uintptr
	Name() string
}

// Options configures an Engine.
type Options struct {
	// SerializePaths makes operations on the same backing file run one at a
	// time, across all handles. Files are told apart by device and inode, so
	// a handle opened before a rename and a truncate by the new name share a
	// lock. Off by default: handles on the same file race on size and the
	// last completed size-set wins.
	SerializePaths bool

	// Logger receives warnings for failed size changes. Nil disables logging.
	Logger *zap.Logger
}

// Engine implements read, write, truncate and allocate over backing files.
// It holds no per-file state and is safe for concurrent use.
type Engine struct {
	sys    syscalls
	locks  *fileLocks
	logger *zap.Logger
	stats  counters
}

// New creates an Engine that issues real system calls.
func New(opts Options) *Engine {
	return newEngine(opts, unixSyscalls)
}

func newEngine(opts Options, sys syscalls) *Engine {
	e := &Engine{
		sys:    sys,
		logger: opts.Logger,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if opts.SerializePaths {
		e.locks = newFileLocks()
	}
	return e
}

// Read fills dest with zeroes up to the apparent size of the file and
// returns how many bytes are valid. Reading at or past the end is a short
// read of zero bytes, not an error.
func (e *Engine) Read(d Descriptor, dest []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &OpError{Op: "read", Step: "args", Path: d.Name(), Err: ErrNegativeOffset}
	}
	fd := int(d.Fd())
	unlock, err := e.lock(fd, "read", d.Name())
	if err != nil {
		return 0, err
	}
	defer unlock()

	var st unix.Stat_t
	if err := e.sys.fstat(fd, &st); err != nil {
		return 0, &OpError{Op: "read", Step: "fstat", Path: d.Name(), Err: err}
	}

	n := readLength(int64(len(dest)), off, st.Size)
	clear(dest[:n])
	return int(n), nil
}

// Write accepts length bytes at off without storing any of them. When the
// write reaches past the current end, the file grows to off+length and is
// then hole-punched in full. On success the full length is reported.
func (e *Engine) Write(d Descriptor, length, off int64) (int64, error) {
	if err := e.extend(d, "write", off, length); err != nil {
		return 0, err
	}
	e.stats.accepted.Add(uint64(length))
	e.stats.writes.Add(1)
	return length, nil
}

// Allocate has the same size and hole outcome as Write for the same range.
func (e *Engine) Allocate(d Descriptor, off, length int64) error {
	return e.extend(d, "allocate", off, length)
}

// Truncate sets the apparent size to exactly length and leaves no real
// allocation behind.
func (e *Engine) Truncate(d Descriptor, length int64) error {
	if length < 0 {
		return &OpError{Op: "truncate", Step: "args", Path: d.Name(), Err: ErrNegativeOffset}
	}
	fd := int(d.Fd())
	unlock, err := e.lock(fd, "truncate", d.Name())
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.resize(fd, "truncate", d.Name(), length); err != nil {
		return err
	}
	e.stats.truncates.Add(1)
	return nil
}

// TruncatePath is Truncate for a file that has no open handle. The backing
// descriptor it opens is closed before returning on every path.
func (e *Engine) TruncatePath(path string, length int64) (err error) {
	if length < 0 {
		return &OpError{Op: "truncate", Step: "args", Path: path, Err: ErrNegativeOffset}
	}
	fd, err := e.sys.open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &OpError{Op: "truncate", Step: "open", Path: path, Err: err}
	}
	defer func() {
		if cerr := e.sys.close(fd); cerr != nil && err == nil {
			err = &OpError{Op: "truncate", Step: "close", Path: path, Err: cerr}
		}
	}()

	unlock, err := e.lock(fd, "truncate", path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.resize(fd, "truncate", path, length); err != nil {
		return err
	}
	e.stats.truncates.Add(1)
	return nil
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// extend grows the file to cover [off, off+length) when it does not already.
func (e *Engine) extend(d Descriptor, op string, off, length int64) error {
	if off < 0 || length < 0 {
		return &OpError{Op: op, Step: "args", Path: d.Name(), Err: ErrNegativeOffset}
	}
	fd := int(d.Fd())
	unlock, err := e.lock(fd, op, d.Name())
	if err != nil {
		return err
	}
	defer unlock()

	var st unix.Stat_t
	if err := e.sys.fstat(fd, &st); err != nil {
		return &OpError{Op: op, Step: "fstat", Path: d.Name(), Err: err}
	}

	newSize := endOffset(off, length)
	if newSize <= st.Size {
		return nil
	}
	if err := e.resize(fd, op, d.Name(), newSize); err != nil {
		return err
	}
	e.stats.extensions.Add(1)
	return nil
}

// resize sets the size of fd and then punches [0, size). The two steps are
// not atomic: if the punch fails the new size has already taken effect.
func (e *Engine) resize(fd int, op, path string, size int64) error {
	if err := e.sys.ftruncate(fd, size); err != nil {
		e.logger.Warn("size change failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int64("size", size),
			zap.Error(err),
		)
		return &OpError{Op: op, Step: "ftruncate", Path: path, Err: err}
	}
	if size == 0 {
		return nil
	}
	if err := e.sys.fallocate(fd, punchMode, 0, size); err != nil {
		e.logger.Warn("hole punch failed after size change",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int64("size", size),
			zap.Error(err),
		)
		return &OpError{Op: op, Step: "fallocate", Path: path, Err: err}
	}
	return nil
}

// lock takes the per-file lock for fd when serialization is on.
func (e *Engine) lock(fd int, op, path string) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}
	var st unix.Stat_t
	if err := e.sys.fstat(fd, &st); err != nil {
		return nil, &OpError{Op: op, Step: "fstat", Path: path, Err: err}
	}
	return e.locks.lock(keyFromStat(&st)), nil
}

// endOffset returns off+length, saturating at MaxSize.
func endOffset(off, length int64) int64 {
	if length > MaxSize-off {
		return MaxSize
	}
	return off + length
}

// readLength is min(want, max(0, size-off)).
func readLength(want, off, size int64) int64 {
	if off >= size {
		return 0
	}
	return min(want, size-off)
}

// Stats holds engine counters. They are informational only.
type Stats struct {
	Writes     uint64 // successful writes
	Accepted   uint64 // bytes reported as written and discarded
	Extensions uint64 // writes or allocations that grew a file
	Truncates  uint64 // successful truncates
}

type counters struct {
	writes     atomic.Uint64
	accepted   atomic.Uint64
	extensions atomic.Uint64
	truncates  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Writes:     c.writes.Load(),
		Accepted:   c.accepted.Load(),
		Extensions: c.extensions.Load(),
		Truncates:  c.truncates.Load(),
	}
}
