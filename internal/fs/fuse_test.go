package fs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/ajaxzhan/blackholefs/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// checkFUSEAvailable checks if FUSE is available on the system.
func checkFUSEAvailable(t *testing.T) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skipf("skipping test: FUSE tests not supported on %s", runtime.GOOS)
	}
	if _, err := os.Stat("/dev/fuse"); os.IsNotExist(err) {
		t.Skip("skipping test: FUSE is not available (/dev/fuse not found)")
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		if _, err := exec.LookPath("fusermount3"); err != nil {
			t.Skip("skipping test: fusermount not found in PATH")
		}
	}
}

// checkPunchHole skips the test when dir's filesystem cannot punch holes.
func checkPunchHole(t *testing.T, dir string) {
	t.Helper()

	f, err := os.CreateTemp(dir, "punch-probe-*")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	require.NoError(t, f.Truncate(4096))
	err = unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, 4096)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		t.Skipf("skipping test: temp filesystem cannot punch holes: %v", err)
	}
	require.NoError(t, err)
}

func newTestConfig(t *testing.T) *BlackholeFSConfig {
	t.Helper()
	return &BlackholeFSConfig{
		SourceDir:  t.TempDir(),
		MountPoint: t.TempDir(),
		LockPath:   filepath.Join(t.TempDir(), "session.lock"),
		DirectIO:   true,
	}
}

// ============================================================================
// Unit Tests (no FUSE mount required)
// ============================================================================

func TestBlackholeFS_NewBlackholeFS_ValidConfig(t *testing.T) {
	bfs, err := NewBlackholeFS(newTestConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, bfs)
	assert.Equal(t, "blackholefs", bfs.config.FsName)
	assert.False(t, bfs.IsMounted())
}

func TestBlackholeFS_NewBlackholeFS_InvalidConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name    string
		mutate  func(*BlackholeFSConfig)
		wantErr error
	}{
		{"empty source", func(c *BlackholeFSConfig) { c.SourceDir = "" }, ErrInvalidSourceDir},
		{"empty mount point", func(c *BlackholeFSConfig) { c.MountPoint = "" }, ErrInvalidMountPoint},
		{"source is a file", func(c *BlackholeFSConfig) { c.SourceDir = file }, ErrInvalidSourceDir},
		{"mount point is a file", func(c *BlackholeFSConfig) { c.MountPoint = file }, ErrInvalidMountPoint},
		{"missing source", func(c *BlackholeFSConfig) { c.SourceDir = "/nonexistent/path/that/does/not/exist" }, os.ErrNotExist},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			tc.mutate(cfg)
			_, err := NewBlackholeFS(cfg, nil)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestSessionLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")

	first, err := acquireSessionLock(path, "/mnt/a")
	require.NoError(t, err)

	_, err = acquireSessionLock(path, "/mnt/a")
	assert.ErrorIs(t, err, ErrSessionLocked)

	require.NoError(t, first.release())

	again, err := acquireSessionLock(path, "/mnt/a")
	require.NoError(t, err)
	require.NoError(t, again.release())
}

func TestDefaultLockPath(t *testing.T) {
	a := defaultLockPath("/mnt/a")
	assert.Equal(t, a, defaultLockPath("/mnt/a/"))
	assert.NotEqual(t, a, defaultLockPath("/mnt/b"))
	assert.Equal(t, os.TempDir(), filepath.Dir(a))
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"errno", syscall.ENOSPC, syscall.ENOSPC},
		{"path error", &os.PathError{Op: "open", Path: "/x", Err: syscall.EROFS}, syscall.EROFS},
		{"engine error", &engine.OpError{Op: "write", Step: "fallocate", Err: unix.EOPNOTSUPP}, syscall.EOPNOTSUPP},
		{"negative offset", &engine.OpError{Op: "read", Step: "args", Err: engine.ErrNegativeOffset}, syscall.EINVAL},
		{"not exist", os.ErrNotExist, syscall.ENOENT},
		{"unknown", errors.New("boom"), syscall.EIO},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, toErrno(tc.err))
		})
	}
}

func TestBackingFlags(t *testing.T) {
	assert.Equal(t, syscall.O_RDWR|syscall.O_CLOEXEC, backingFlags(syscall.O_RDWR|syscall.O_APPEND))
	assert.Equal(t, syscall.O_WRONLY|syscall.O_TRUNC|syscall.O_CLOEXEC, backingFlags(syscall.O_WRONLY|syscall.O_TRUNC))
	assert.Equal(t, syscall.O_RDONLY|syscall.O_CLOEXEC, backingFlags(syscall.O_RDONLY|syscall.O_LARGEFILE))
}

func withFastUnmountRetry(t *testing.T) {
	t.Helper()
	attempts, backoff := unmountAttempts, unmountBackoff
	unmountAttempts, unmountBackoff = 3, time.Millisecond
	t.Cleanup(func() {
		unmountAttempts, unmountBackoff = attempts, backoff
	})
}

func TestUnmountWithRetry_SucceedsAfterBusy(t *testing.T) {
	withFastUnmountRetry(t)

	calls := 0
	err := unmountWithRetry(func() error {
		calls++
		if calls < 3 {
			return syscall.EBUSY
		}
		return nil
	}, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUnmountWithRetry_ReturnsLastError(t *testing.T) {
	withFastUnmountRetry(t)

	calls := 0
	err := unmountWithRetry(func() error {
		calls++
		return syscall.EBUSY
	}, zap.NewNop())

	assert.ErrorIs(t, err, syscall.EBUSY)
	assert.Equal(t, 3, calls)
}

// ============================================================================
// Integration Tests (FUSE mount required)
// ============================================================================

func mountForTest(t *testing.T, eng *engine.Engine) (*BlackholeFS, *BlackholeFSConfig) {
	t.Helper()
	checkFUSEAvailable(t)

	cfg := newTestConfig(t)
	checkPunchHole(t, cfg.SourceDir)

	bfs, err := NewBlackholeFS(cfg, eng)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bfs.Mount(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("timed out waiting for unmount")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for !bfs.IsMounted() {
		select {
		case err := <-done:
			t.Skipf("skipping test: mount failed: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("filesystem did not mount")
		}
	}
	return bfs, cfg
}

func TestBlackholeFS_WriteIsDiscarded(t *testing.T) {
	bfs, cfg := mountForTest(t, nil)

	path := filepath.Join(cfg.MountPoint, "sink.bin")
	f, err := os.Create(path)
	require.NoError(t, err)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = 0xab
	}
	for i := 0; i < 8; i++ {
		n, err := f.Write(payload)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
	}
	require.NoError(t, f.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8<<20), info.Size())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8<<20), data)

	var st unix.Stat_t
	require.NoError(t, unix.Stat(filepath.Join(cfg.SourceDir, "sink.bin"), &st))
	assert.Equal(t, int64(8<<20), st.Size)
	assert.LessOrEqual(t, st.Blocks*512, int64(64*1024))

	assert.GreaterOrEqual(t, bfs.Stats().Accepted, uint64(8<<20))
}

func TestBlackholeFS_TruncateAndAllocate(t *testing.T) {
	_, cfg := mountForTest(t, nil)

	path := filepath.Join(cfg.MountPoint, "sized")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	require.NoError(t, os.Truncate(path, 1<<30))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), info.Size())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(3))
	info, err = f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	require.NoError(t, unix.Fallocate(int(f.Fd()), 0, 100, 4096))
	info, err = f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4196), info.Size())

	buf := make([]byte, 10)
	n, _ := f.ReadAt(buf, 4190)
	assert.Equal(t, 6, n)
	assert.Equal(t, make([]byte, 6), buf[:n])
}

func TestBlackholeFS_MetadataPassthrough(t *testing.T) {
	_, cfg := mountForTest(t, nil)

	require.NoError(t, os.Mkdir(filepath.Join(cfg.MountPoint, "dir"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.MountPoint, "dir", "a"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink("dir/a", filepath.Join(cfg.MountPoint, "link")))
	require.NoError(t, os.Chmod(filepath.Join(cfg.MountPoint, "dir", "a"), 0o640))
	require.NoError(t, os.Rename(filepath.Join(cfg.MountPoint, "dir", "a"), filepath.Join(cfg.MountPoint, "dir", "b")))

	info, err := os.Stat(filepath.Join(cfg.SourceDir, "dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(cfg.SourceDir, "dir", "b"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.Equal(t, int64(1), info.Size())

	target, err := os.Readlink(filepath.Join(cfg.MountPoint, "link"))
	require.NoError(t, err)
	assert.Equal(t, "dir/a", target)

	entries, err := os.ReadDir(filepath.Join(cfg.MountPoint, "dir"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name())

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(cfg.MountPoint, "dir", "b"), mtime, mtime))
	info, err = os.Stat(filepath.Join(cfg.SourceDir, "dir", "b"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	require.NoError(t, os.Remove(filepath.Join(cfg.MountPoint, "dir", "b")))
	require.NoError(t, os.Remove(filepath.Join(cfg.MountPoint, "dir")))
	_, err = os.Stat(filepath.Join(cfg.SourceDir, "dir"))
	assert.True(t, os.IsNotExist(err))
}

func TestBlackholeFS_SecondMountRejected(t *testing.T) {
	bfs, _ := mountForTest(t, nil)

	err := bfs.Mount(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyMounted)
}
