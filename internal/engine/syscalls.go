package engine

import "golang.org/x/sys/unix"

// syscalls is the set of calls the engine issues against backing files.
// Tests replace individual entries to inject failures.
type syscalls struct {
	fstat     func(fd int, st *unix.Stat_t) error
	ftruncate func(fd int, size int64) error
	fallocate func(fd int, mode uint32, off, length int64) error
	open      func(path string, flags int, mode uint32) (int, error)
	close     func(fd int) error
}

var unixSyscalls = syscalls{
	fstat:     unix.Fstat,
	ftruncate: unix.Ftruncate,
	fallocate: unix.Fallocate,
	open:      unix.Open,
	close:     unix.Close,
}
