package fs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/ajaxzhan/blackholefs/internal/engine"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestHandle(t *testing.T) (*fileHandle, string) {
	t.Helper()

	dir := t.TempDir()
	checkPunchHole(t, dir)

	path := filepath.Join(dir, "backing")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	return newFileHandle(f, engine.New(engine.Options{})), path
}

func TestFileHandle_WriteReadRelease(t *testing.T) {
	fh, path := newTestHandle(t)
	ctx := context.Background()

	written, errno := fh.Write(ctx, []byte("payload that is never stored"), 1000)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, uint32(28), written)

	var out fuse.AttrOut
	require.Equal(t, fs.OK, fh.Getattr(ctx, &out))
	assert.Equal(t, uint64(1028), out.Size)

	dest := []byte("stale kernel buffer")
	res, errno := fh.Read(ctx, dest, 1020)
	require.Equal(t, fs.OK, errno)
	data, status := res.Bytes(nil)
	require.True(t, status.Ok())
	assert.Equal(t, make([]byte, 8), data)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1028), raw)

	assert.Equal(t, fs.OK, fh.Flush(ctx))
	assert.Equal(t, fs.OK, fh.Fsync(ctx, 0))
	assert.Equal(t, fs.OK, fh.Release(ctx))

	// The descriptor is gone after release.
	_, err = fh.file.Stat()
	assert.Error(t, err)
}

func TestFileHandle_Allocate(t *testing.T) {
	fh, _ := newTestHandle(t)
	ctx := context.Background()
	defer fh.Release(ctx)

	require.Equal(t, fs.OK, fh.Allocate(ctx, 4096, 4096, 0))

	var out fuse.AttrOut
	require.Equal(t, fs.OK, fh.Getattr(ctx, &out))
	assert.Equal(t, uint64(8192), out.Size)

	// KEEP_SIZE is ignored; the allocation still moves the apparent size.
	require.Equal(t, fs.OK, fh.Allocate(ctx, 8192, 100, unix.FALLOC_FL_KEEP_SIZE))
	require.Equal(t, fs.OK, fh.Getattr(ctx, &out))
	assert.Equal(t, uint64(8292), out.Size)

	assert.Equal(t, syscall.EFBIG, fh.Allocate(ctx, 1<<63, 1, 0))
}

func TestFileHandle_LseekSeesHole(t *testing.T) {
	fh, _ := newTestHandle(t)
	ctx := context.Background()
	defer fh.Release(ctx)

	_, errno := fh.Write(ctx, make([]byte, 8192), 0)
	require.Equal(t, fs.OK, errno)

	// The whole file is a hole, so there is no data to seek to.
	_, errno = fh.Lseek(ctx, 0, unix.SEEK_DATA)
	assert.Equal(t, syscall.ENXIO, errno)

	off, errno := fh.Lseek(ctx, 0, unix.SEEK_HOLE)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, uint64(0), off)
}
