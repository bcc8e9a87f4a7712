package fs

import (
	"context"
	"math"
	"os"
	"syscall"

	"github.com/ajaxzhan/blackholefs/internal/engine"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// fileHandle is an open regular file. It owns the backing descriptor until
// Release and routes all content calls to the engine.
type fileHandle struct {
	file   *os.File
	engine *engine.Engine
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileAllocater)((*fileHandle)(nil))
var _ = (fs.FileFlusher)((*fileHandle)(nil))
var _ = (fs.FileFsyncer)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))
var _ = (fs.FileLseeker)((*fileHandle)(nil))
var _ = (fs.FileGetattrer)((*fileHandle)(nil))
var _ = (fs.FileSetattrer)((*fileHandle)(nil))

func newFileHandle(f *os.File, eng *engine.Engine) *fileHandle {
	return &fileHandle{file: f, engine: eng}
}

// Read implements fs.FileReader. The data is zeroes up to the apparent size.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.engine.Read(fh.file, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write implements fs.FileWriter. The payload is never looked at.
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.engine.Write(fh.file, int64(len(data)), off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(n), fs.OK
}

// Allocate implements fs.FileAllocater. The mode is ignored: KEEP_SIZE,
// PUNCH_HOLE and the rest all extend the file like a write of the same
// range.
func (fh *fileHandle) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	if off > math.MaxInt64 {
		return syscall.EFBIG
	}
	size = min(size, math.MaxInt64)
	return toErrno(fh.engine.Allocate(fh.file, int64(off), int64(size)))
}

// Flush implements fs.FileFlusher. Nothing is buffered.
func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return fs.OK
}

// Fsync implements fs.FileFsyncer. Content is discarded, so there is
// nothing to make durable.
func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fs.OK
}

// Release implements fs.FileReleaser. The descriptor is closed whatever
// happened to earlier calls on this handle.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.file.Close(); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

// Lseek implements fs.FileLseeker. SEEK_DATA and SEEK_HOLE see the backing
// file's sparse layout.
func (fh *fileHandle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	newOff, err := unix.Seek(int(fh.file.Fd()), int64(off), int(whence))
	if err != nil {
		return 0, toErrno(err)
	}
	return uint64(newOff), fs.OK
}

// Getattr implements fs.FileGetattrer.
func (fh *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Fstat(int(fh.file.Fd()), &st); err != nil {
		return toErrno(err)
	}
	out.FromStat(&st)
	return fs.OK
}

// Setattr implements fs.FileSetattrer. Every change goes through the
// descriptor, so it works after the backing path has been unlinked or
// renamed. The size is set first since ftruncate moves mtime.
func (fh *fileHandle) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if errno := fh.setAttr(in); errno != fs.OK {
		return errno
	}
	return fh.Getattr(ctx, out)
}

func (fh *fileHandle) setAttr(in *fuse.SetAttrIn) syscall.Errno {
	fd := int(fh.file.Fd())

	if size, ok := in.GetSize(); ok {
		if size > math.MaxInt64 {
			return syscall.EFBIG
		}
		if err := fh.engine.Truncate(fh.file, int64(size)); err != nil {
			return toErrno(err)
		}
	}

	if mode, ok := in.GetMode(); ok {
		if err := unix.Fchmod(fd, mode); err != nil {
			return toErrno(err)
		}
	}

	uid32, uOk := in.GetUID()
	gid32, gOk := in.GetGID()
	if uOk || gOk {
		uid, gid := -1, -1
		if uOk {
			uid = int(uid32)
		}
		if gOk {
			gid = int(gid32)
		}
		if err := unix.Fchown(fd, uid, gid); err != nil {
			return toErrno(err)
		}
	}

	mtime, mOk := in.GetMTime()
	atime, aOk := in.GetATime()
	if mOk || aOk {
		omit := unix.Timespec{Nsec: unix.UTIME_OMIT}
		times := []unix.Timespec{omit, omit}
		if aOk {
			times[0] = unix.NsecToTimespec(atime.UnixNano())
		}
		if mOk {
			times[1] = unix.NsecToTimespec(mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(fd, "", times, unix.AT_EMPTY_PATH); err != nil {
			return toErrno(err)
		}
	}
	return fs.OK
}
