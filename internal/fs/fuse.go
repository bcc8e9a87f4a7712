// Package fs provides the FUSE filesystem that mirrors a backing directory
// and virtualizes regular-file content.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ajaxzhan/blackholefs/internal/engine"
	"github.com/ajaxzhan/blackholefs/internal/logging"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Errors for BlackholeFS
var (
	ErrInvalidSourceDir  = errors.New("invalid source directory")
	ErrInvalidMountPoint = errors.New("invalid mount point")
	ErrAlreadyMounted    = errors.New("filesystem is already mounted")
)

// Unmount retry policy for a busy mount point.
var (
	unmountAttempts = 5
	unmountBackoff  = 200 * time.Millisecond
)

// BlackholeFSConfig holds the configuration for creating a BlackholeFS.
type BlackholeFSConfig struct {
	SourceDir       string // The backing directory to mirror
	MountPoint      string // Where to mount the FUSE filesystem
	FsName          string
	AllowOther      bool
	Debug           bool
	DirectIO        bool // Bypass the page cache so reads always come from the engine
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration
	LockPath        string // Session lock file; empty derives one from MountPoint
}

// BlackholeFS is a FUSE filesystem whose metadata is the backing
// directory's and whose regular-file content is discarded.
type BlackholeFS struct {
	config  *BlackholeFSConfig
	engine  *engine.Engine
	logger  *zap.Logger
	server  *fuse.Server
	mounted atomic.Bool
	mu      sync.Mutex
}

// NewBlackholeFS creates a new BlackholeFS instance.
func NewBlackholeFS(config *BlackholeFSConfig, eng *engine.Engine) (*BlackholeFS, error) {
	if config.SourceDir == "" {
		return nil, ErrInvalidSourceDir
	}
	if config.MountPoint == "" {
		return nil, ErrInvalidMountPoint
	}

	info, err := os.Stat(config.SourceDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrInvalidSourceDir
	}

	info, err = os.Stat(config.MountPoint)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrInvalidMountPoint
	}

	if config.FsName == "" {
		config.FsName = "blackholefs"
	}
	if eng == nil {
		eng = engine.New(engine.Options{})
	}

	return &BlackholeFS{
		config: config,
		engine: eng,
		logger: logging.Named("fs"),
	}, nil
}

// Mount mounts the FUSE filesystem. It blocks until the context is cancelled
// or the filesystem is unmounted from outside, e.g. with fusermount -u.
func (bfs *BlackholeFS) Mount(ctx context.Context) error {
	if !bfs.mounted.CompareAndSwap(false, true) {
		return ErrAlreadyMounted
	}
	defer bfs.mounted.Store(false)

	lock, err := acquireSessionLock(bfs.config.LockPath, bfs.config.MountPoint)
	if err != nil {
		return err
	}
	// A server that could not be unmounted still owns the mount point, so
	// its lock stays held until the process exits.
	stillServing := false
	defer func() {
		if !stillServing {
			lock.release()
		}
	}()

	root, err := newRoot(bfs.config.SourceDir, bfs.engine, bfs.openFlags())
	if err != nil {
		return err
	}

	opts := &fs.Options{
		EntryTimeout:    &bfs.config.EntryTimeout,
		AttrTimeout:     &bfs.config.AttrTimeout,
		NegativeTimeout: &bfs.config.NegativeTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: bfs.config.AllowOther,
			FsName:     bfs.config.FsName,
			Name:       "blackholefs",
			Debug:      bfs.config.Debug,
		},
	}

	server, err := fs.Mount(bfs.config.MountPoint, root, opts)
	if err != nil {
		return err
	}

	bfs.mu.Lock()
	bfs.server = server
	bfs.mu.Unlock()

	bfs.logger.Info("filesystem mounted",
		zap.String("source_dir", bfs.config.SourceDir),
		zap.String("mount_point", bfs.config.MountPoint),
	)

	served := make(chan struct{})
	go func() {
		server.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		if err := unmountWithRetry(server.Unmount, bfs.logger); err != nil {
			bfs.mu.Lock()
			bfs.server = nil
			bfs.mu.Unlock()

			stillServing = true
			bfs.logger.Error("unmount failed, filesystem is still being served",
				zap.String("mount_point", bfs.config.MountPoint),
				zap.Int("attempts", unmountAttempts),
				zap.Error(err),
			)
			return fmt.Errorf("unmount %s: %w", bfs.config.MountPoint, err)
		}
		<-served
	case <-served:
		bfs.logger.Warn("filesystem unmounted externally", zap.String("mount_point", bfs.config.MountPoint))
	}

	bfs.mu.Lock()
	bfs.server = nil
	bfs.mu.Unlock()

	stats := bfs.engine.Stats()
	bfs.logger.Info("filesystem unmounted",
		zap.String("mount_point", bfs.config.MountPoint),
		zap.Uint64("writes", stats.Writes),
		zap.Uint64("bytes_discarded", stats.Accepted),
		zap.Uint64("extensions", stats.Extensions),
		zap.Uint64("truncates", stats.Truncates),
	)

	return ctx.Err()
}

// unmountWithRetry calls unmount until it succeeds or unmountAttempts is
// reached, sleeping unmountBackoff in between. It returns the last error.
func unmountWithRetry(unmount func() error, logger *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= unmountAttempts; attempt++ {
		if err = unmount(); err == nil {
			return nil
		}
		if attempt < unmountAttempts {
			logger.Warn("unmount failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			time.Sleep(unmountBackoff)
		}
	}
	return err
}

// openFlags are the FOPEN_* flags returned for regular-file handles.
func (bfs *BlackholeFS) openFlags() uint32 {
	if bfs.config.DirectIO {
		return fuse.FOPEN_DIRECT_IO
	}
	return 0
}

// IsMounted returns true if the filesystem is currently mounted.
func (bfs *BlackholeFS) IsMounted() bool {
	bfs.mu.Lock()
	defer bfs.mu.Unlock()
	return bfs.server != nil
}

// Stats returns the content engine counters for this filesystem.
func (bfs *BlackholeFS) Stats() engine.Stats {
	return bfs.engine.Stats()
}

// toErrno converts a Go error to a syscall.Errno.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, engine.ErrNegativeOffset) {
		return syscall.EINVAL
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	if os.IsExist(err) {
		return syscall.EEXIST
	}

	return syscall.EIO
}
