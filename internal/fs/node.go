package fs

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ajaxzhan/blackholefs/internal/engine"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// blackholeNode forwards every metadata, link, directory and xattr call to
// the same path under the backing directory through the embedded loopback
// node. Open, Create and size changes go through the content engine.
type blackholeNode struct {
	fs.LoopbackNode
	engine    *engine.Engine
	openFlags uint32
}

var _ = (fs.NodeOpener)((*blackholeNode)(nil))
var _ = (fs.NodeCreater)((*blackholeNode)(nil))
var _ = (fs.NodeSetattrer)((*blackholeNode)(nil))
var _ = (fs.NodeGetattrer)((*blackholeNode)(nil))
var _ = (fs.NodeLookuper)((*blackholeNode)(nil))
var _ = (fs.NodeMkdirer)((*blackholeNode)(nil))
var _ = (fs.NodeMknoder)((*blackholeNode)(nil))
var _ = (fs.NodeUnlinker)((*blackholeNode)(nil))
var _ = (fs.NodeRmdirer)((*blackholeNode)(nil))
var _ = (fs.NodeRenamer)((*blackholeNode)(nil))
var _ = (fs.NodeLinker)((*blackholeNode)(nil))
var _ = (fs.NodeSymlinker)((*blackholeNode)(nil))
var _ = (fs.NodeReadlinker)((*blackholeNode)(nil))
var _ = (fs.NodeStatfser)((*blackholeNode)(nil))
var _ = (fs.NodeGetxattrer)((*blackholeNode)(nil))
var _ = (fs.NodeSetxattrer)((*blackholeNode)(nil))
var _ = (fs.NodeListxattrer)((*blackholeNode)(nil))
var _ = (fs.NodeRemovexattrer)((*blackholeNode)(nil))

// newRoot builds the root node for sourceDir. Every node created below it by
// lookup, mkdir, symlink and friends is a blackholeNode sharing eng.
func newRoot(sourceDir string, eng *engine.Engine, openFlags uint32) (fs.InodeEmbedder, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(sourceDir, &st); err != nil {
		return nil, err
	}

	rootData := &fs.LoopbackRoot{
		Path: sourceDir,
		Dev:  uint64(st.Dev),
	}
	rootData.NewNode = func(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
		return &blackholeNode{
			LoopbackNode: fs.LoopbackNode{RootData: rootData},
			engine:       eng,
			openFlags:    openFlags,
		}
	}

	root := &blackholeNode{
		LoopbackNode: fs.LoopbackNode{RootData: rootData},
		engine:       eng,
		openFlags:    openFlags,
	}
	rootData.RootNode = root
	return root, nil
}

// backingPath returns the path of this node in the backing directory.
func (n *blackholeNode) backingPath() string {
	return filepath.Join(n.RootData.Path, n.Path(n.Root()))
}

// idFromStat derives stable inode numbers the same way the loopback root does.
func idFromStat(rootDev uint64, st *syscall.Stat_t) fs.StableAttr {
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRootDev := (rootDev << 32) | (rootDev >> 32)
	return fs.StableAttr{
		Mode: uint32(st.Mode),
		Gen:  1,
		Ino:  (swapped ^ swappedRootDev) ^ st.Ino,
	}
}

// Open implements fs.NodeOpener. Regular files get an engine-backed handle;
// anything else (fifos, devices made with mknod) is opened as a plain
// loopback file.
func (n *blackholeNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if !n.isRegular() {
		return n.LoopbackNode.Open(ctx, flags)
	}

	f, err := os.OpenFile(n.backingPath(), backingFlags(flags), 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return newFileHandle(f, n.engine), n.openFlags, fs.OK
}

// Create implements fs.NodeCreater.
func (n *blackholeNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := filepath.Join(n.backingPath(), name)

	fd, err := syscall.Open(path, backingFlags(flags)|os.O_CREATE, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	f := os.NewFile(uintptr(fd), path)

	preserveOwner(ctx, path)

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		f.Close()
		return nil, nil, 0, toErrno(err)
	}
	out.Attr.FromStat(&st)

	child := n.RootData.NewNode(n.RootData, n.EmbeddedInode(), name, &st)
	ch := n.NewInode(ctx, child, idFromStat(n.RootData.Dev, &st))
	return ch, newFileHandle(f, n.engine), n.openFlags, fs.OK
}

// Setattr implements fs.NodeSetattrer. With an engine handle every change
// goes through the handle's descriptor. Without one, a size change on a
// regular file is an engine truncate by path and mode, owner and times are
// forwarded to the backing path.
func (n *blackholeNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		return h.Setattr(ctx, in, out)
	}

	if size, ok := in.GetSize(); ok && n.isRegular() {
		if size > math.MaxInt64 {
			return syscall.EFBIG
		}
		if err := n.engine.TruncatePath(n.backingPath(), int64(size)); err != nil {
			return toErrno(err)
		}
		rest := *in
		rest.Valid &^= fuse.FATTR_SIZE
		in = &rest
	}
	return n.LoopbackNode.Setattr(ctx, nil, in, out)
}

func (n *blackholeNode) isRegular() bool {
	return n.StableAttr().Mode&syscall.S_IFMT == syscall.S_IFREG
}

// backingFlags keeps the access mode and O_TRUNC. O_APPEND is dropped since
// the kernel always sends explicit write offsets.
func backingFlags(flags uint32) int {
	osFlags := int(flags&syscall.O_ACCMODE) | syscall.O_CLOEXEC
	if flags&syscall.O_TRUNC != 0 {
		osFlags |= syscall.O_TRUNC
	}
	if flags&syscall.O_EXCL != 0 {
		osFlags |= syscall.O_EXCL
	}
	return osFlags
}

// preserveOwner hands a newly created file to the calling user when the
// driver runs as root, as the loopback filesystem does.
func preserveOwner(ctx context.Context, path string) {
	if os.Getuid() != 0 {
		return
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return
	}
	_ = unix.Lchown(path, int(caller.Uid), int(caller.Gid))
}
