package fusefs

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/metadata"
	"github.com/onenonlycasper/mediafire-fuse/internal/metrics"
	"github.com/onenonlycasper/mediafire-fuse/internal/openfiles"
	"github.com/onenonlycasper/mediafire-fuse/internal/tree"
)

// Node represents a path in the mounted tree. Nodes hold no attributes of
// their own; every question goes back to the directory tree by path, so a
// node can never answer from state a refresh has already replaced.
type Node struct {
	fs.Inode

	fsys *FS
	path string
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)

// Getattr answers from the cached tree. For a locally created file that
// has no remote node yet, attributes come from its staged working copy.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.refresh(ctx)

	kind, attrs, err := n.fsys.tree.LookupAttr(n.path)
	if err == nil {
		fillAttr(&out.Attr, kind, attrs)
		return 0
	}
	if !errors.Is(err, tree.ErrNotFound) {
		return errnoOf(err)
	}

	if rec, ok := n.fsys.registry.OpenRecord(n.path); ok && rec.File != nil {
		fi, statErr := rec.File.Stat()
		if statErr != nil {
			return syscall.EIO
		}
		fillAttr(&out.Attr, tree.File, metadata.Attrs{
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return 0
	}
	return syscall.ENOENT
}

// Lookup resolves a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.refresh(ctx)

	childPath := childOf(n.path, name)
	kind, attrs, err := n.fsys.tree.LookupAttr(childPath)
	if err != nil {
		// A locally created file is visible to its creator before the
		// upload lands.
		if errors.Is(err, tree.ErrNotFound) {
			if rec, ok := n.fsys.registry.OpenRecord(childPath); ok && rec.Local {
				return n.localInode(ctx, rec, out)
			}
		}
		return nil, errnoOf(err)
	}

	fillAttr(&out.Attr, kind, attrs)
	child := &Node{fsys: n.fsys, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

func (n *Node) localInode(ctx context.Context, rec *openfiles.Record, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var attrs metadata.Attrs
	if rec.File != nil {
		if fi, err := rec.File.Stat(); err == nil {
			attrs.Size = fi.Size()
			attrs.ModTime = fi.ModTime()
		}
	}
	fillAttr(&out.Attr, tree.File, attrs)
	child := &Node{fsys: n.fsys, path: rec.Path}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

// Readdir lists the folder from the cached tree.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.fsys.refresh(ctx)

	children, err := n.fsys.tree.ListChildren(n.path)
	if err != nil {
		return nil, errnoOf(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(syscall.S_IFREG)
		if c.Kind == tree.Folder {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: c.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates the folder remotely first, then records it locally and
// forces a refresh to confirm.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	parentKey, err := n.fsys.tree.ResolveKey(n.path)
	if err != nil {
		return nil, errnoOf(err)
	}

	childPath := childOf(n.path, name)
	if _, _, err := n.fsys.tree.LookupAttr(childPath); err == nil {
		return nil, syscall.EEXIST
	}

	key, err := n.fsys.remote.FolderCreate(ctx, parentKey, name)
	if err != nil {
		logging.Error("mkdir failed", zap.String("path", childPath), logging.Err(err))
		return nil, errnoOf(err)
	}
	if err := n.fsys.tree.InsertLocal(childPath, tree.Folder, key); err != nil {
		logging.Warn("mkdir local insert failed", zap.String("path", childPath), logging.Err(err))
	}
	n.fsys.refreshForced(ctx, "mkdir")

	logging.Info("created folder", zap.String("path", childPath), zap.String("key", key))
	fillAttr(&out.Attr, tree.Folder, metadata.Attrs{})
	child := &Node{fsys: n.fsys, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

// Rmdir deletes an empty folder remotely, then locally.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := childOf(n.path, name)

	kind, _, err := n.fsys.tree.LookupAttr(childPath)
	if err != nil {
		return errnoOf(err)
	}
	if kind != tree.Folder {
		return syscall.ENOTDIR
	}
	children, err := n.fsys.tree.ListChildren(childPath)
	if err != nil {
		return errnoOf(err)
	}
	if len(children) > 0 {
		return syscall.ENOTEMPTY
	}

	key, err := n.fsys.tree.ResolveKey(childPath)
	if err != nil {
		return errnoOf(err)
	}
	if err := n.fsys.remote.FolderDelete(ctx, key); err != nil {
		logging.Error("rmdir failed", zap.String("path", childPath), logging.Err(err))
		return errnoOf(err)
	}
	if err := n.fsys.tree.RemoveLocal(childPath); err != nil {
		logging.Warn("rmdir local remove failed", zap.String("path", childPath), logging.Err(err))
	}
	n.fsys.refreshForced(ctx, "rmdir")

	logging.Info("removed folder", zap.String("path", childPath))
	return 0
}

// Unlink deletes a file remotely, then locally. A file that is open stays
// deletable remotely in principle, but its working copy would be uploaded
// again on release, so the delete is refused instead.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := childOf(n.path, name)

	kind, _, err := n.fsys.tree.LookupAttr(childPath)
	if err != nil {
		return errnoOf(err)
	}
	if kind != tree.File {
		return syscall.EISDIR
	}
	if n.fsys.registry.IsOpen(childPath) {
		return syscall.EBUSY
	}

	quickkey, err := n.fsys.tree.ResolveKey(childPath)
	if err != nil {
		return errnoOf(err)
	}
	if err := n.fsys.remote.FileDelete(ctx, quickkey); err != nil {
		logging.Error("unlink failed", zap.String("path", childPath), logging.Err(err))
		return errnoOf(err)
	}
	if err := n.fsys.tree.RemoveLocal(childPath); err != nil {
		logging.Warn("unlink local remove failed", zap.String("path", childPath), logging.Err(err))
	}
	n.fsys.refreshForced(ctx, "unlink")

	logging.Info("removed file", zap.String("path", childPath))
	return 0
}

// Open acquires the path in the registry and stages its remote content.
// Writers get exclusive access plus a pristine base copy for the release
// diff; readers stack freely while no writer holds the path.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	kind, _, err := n.fsys.tree.LookupAttr(n.path)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	if kind == tree.Folder {
		return nil, 0, syscall.EISDIR
	}

	mode := openfiles.ModeReadOnly
	wantWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if wantWrite {
		mode = openfiles.ModeWrite
	}

	rec, err := n.fsys.registry.Acquire(n.path, mode)
	if err != nil {
		if errors.Is(err, openfiles.ErrConflict) {
			metrics.IncOpenConflict()
			logging.Debug("open conflict", zap.String("path", n.path), zap.Stringer("mode", mode))
		}
		return nil, 0, errnoOf(err)
	}

	quickkey, err := n.fsys.tree.ResolveKey(n.path)
	if err != nil {
		n.releaseAcquired(rec)
		return nil, 0, errnoOf(err)
	}

	working, basePath, err := n.fsys.store.Materialize(ctx, n.fsys.remote, quickkey, wantWrite)
	if err != nil {
		n.releaseAcquired(rec)
		logging.Error("open staging failed", zap.String("path", n.path), logging.Err(err))
		return nil, 0, errnoOf(err)
	}
	if wantWrite && flags&syscall.O_TRUNC != 0 {
		if err := working.Truncate(0); err != nil {
			n.fsys.store.Discard(working, basePath)
			n.releaseAcquired(rec)
			return nil, 0, syscall.EIO
		}
	}
	rec.File = working
	rec.BasePath = basePath

	metrics.OpenFileOpened()
	logging.Debug("opened", zap.String("path", n.path), zap.Stringer("mode", mode))
	return &FileHandle{fsys: n.fsys, rec: rec}, 0, 0
}

// releaseAcquired backs out a registry acquisition whose open failed
// before a handle existed.
func (n *Node) releaseAcquired(rec *openfiles.Record) {
	if _, err := n.fsys.registry.Release(rec.ID); err != nil {
		logging.Fatal("open-file bookkeeping corrupted", zap.Uint64("handle", rec.ID), logging.Err(err))
	}
}

// Create opens a brand-new local file. Nothing is sent to the remote until
// release; until then the path exists only in the registry.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := childOf(n.path, name)
	if _, _, err := n.fsys.tree.LookupAttr(childPath); err == nil {
		return nil, nil, 0, syscall.EEXIST
	}

	rec, err := n.fsys.registry.Acquire(childPath, openfiles.ModeWrite)
	if err != nil {
		if errors.Is(err, openfiles.ErrConflict) {
			metrics.IncOpenConflict()
		}
		return nil, nil, 0, errnoOf(err)
	}

	working, err := n.fsys.store.NewWorking()
	if err != nil {
		n.releaseAcquired(rec)
		logging.Error("create staging failed", zap.String("path", childPath), logging.Err(err))
		return nil, nil, 0, syscall.EIO
	}
	rec.File = working
	rec.Local = true

	metrics.OpenFileOpened()
	logging.Info("created file locally", zap.String("path", childPath))

	fillAttr(&out.Attr, tree.File, metadata.Attrs{})
	child := &Node{fsys: n.fsys, path: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode})
	return inode, &FileHandle{fsys: n.fsys, rec: rec}, 0, 0
}

// Setattr handles truncation of an open working copy; other attribute
// changes have no remote equivalent and are accepted as no-ops.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		fh, ok := f.(*FileHandle)
		if !ok || fh.rec.File == nil {
			return syscall.EBADF
		}
		if err := fh.rec.File.Truncate(int64(sz)); err != nil {
			return syscall.EIO
		}
	}
	return n.Getattr(ctx, f, out)
}

func fillAttr(out *gofuse.Attr, kind tree.Kind, attrs metadata.Attrs) {
	if kind == tree.Folder {
		out.Mode = 0o755 | syscall.S_IFDIR
	} else {
		out.Mode = 0o644 | syscall.S_IFREG
	}
	out.Size = uint64(attrs.Size)
	if !attrs.ModTime.IsZero() {
		out.Mtime = uint64(attrs.ModTime.Unix())
	}
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func childOf(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func parentOf(path string) (dir, name string) {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/", path[i+1:]
	}
	return path[:i], path[i+1:]
}
