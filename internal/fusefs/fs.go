// Package fusefs mounts the remote store as a POSIX filesystem. Handlers
// are thin: path resolution and listings go to the directory tree, open
// arbitration to the open-file registry, content to staged working copies,
// and released writes to the upload pipeline.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/mfapi"
	"github.com/onenonlycasper/mediafire-fuse/internal/openfiles"
	"github.com/onenonlycasper/mediafire-fuse/internal/retry"
	"github.com/onenonlycasper/mediafire-fuse/internal/staging"
	"github.com/onenonlycasper/mediafire-fuse/internal/tree"
)

// Remote is the slice of the API client the filesystem handlers call
// directly. Uploads go through the staging pipeline instead.
type Remote interface {
	staging.Downloader
	FolderCreate(ctx context.Context, parentKey, name string) (string, error)
	FolderDelete(ctx context.Context, key string) error
	FileDelete(ctx context.Context, quickkey string) error
}

// FS ties the handlers to the shared state behind the mount.
type FS struct {
	remote   Remote
	tree     *tree.Tree
	registry *openfiles.Registry
	store    *staging.Store
	pipeline *staging.Pipeline

	refreshTicker *time.Ticker
	refreshStop   chan struct{}
}

// New assembles the filesystem over already-constructed collaborators.
func New(remote Remote, tr *tree.Tree, reg *openfiles.Registry, store *staging.Store, pipe *staging.Pipeline) *FS {
	return &FS{
		remote:      remote,
		tree:        tr,
		registry:    reg,
		store:       store,
		pipeline:    pipe,
		refreshStop: make(chan struct{}),
	}
}

// Root returns the root node for mounting.
func (f *FS) Root() *Node {
	return &Node{fsys: f, path: "/"}
}

// Mount mounts the filesystem at mountPoint.
func (f *FS) Mount(mountPoint string, debug bool) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      debug,
			FsName:     "mediafire",
			Name:       "mediafire",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("filesystem mounted", zap.String("mountpoint", mountPoint))
	return server, nil
}

// StartRefreshLoop refreshes the tree in the background at interval.
// Unforced, so a refresh triggered by filesystem traffic resets the clock.
func (f *FS) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	f.refreshTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-f.refreshTicker.C:
				if err := f.tree.Refresh(ctx, false); err != nil {
					logging.Warn("background refresh failed", logging.Err(err))
				}
			case <-f.refreshStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopRefreshLoop stops the background refresh.
func (f *FS) StopRefreshLoop() {
	if f.refreshTicker != nil {
		f.refreshTicker.Stop()
		close(f.refreshStop)
	}
}

// refresh runs an unforced refresh before a metadata read. Failure falls
// back to the cached state, so it is logged but never surfaced.
func (f *FS) refresh(ctx context.Context) {
	if err := f.tree.Refresh(ctx, false); err != nil {
		logging.Debug("refresh before lookup failed, serving cached state", logging.Err(err))
	}
}

// refreshForced runs the mandatory refresh after a remote mutation so the
// tree picks up the authoritative result.
func (f *FS) refreshForced(ctx context.Context, after string) {
	if err := f.tree.Refresh(ctx, true); err != nil {
		logging.Warn("forced refresh failed", zap.String("after", after), logging.Err(err))
	}
}

// errnoOf maps core errors to POSIX errnos: unknown paths to ENOENT,
// open-mode conflicts to EACCES, and remote/transport failures to EAGAIN
// so callers know a retry may succeed.
func errnoOf(err error) syscall.Errno {
	var apiErr *mfapi.APIError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, tree.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, tree.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, openfiles.ErrConflict):
		return syscall.EACCES
	case errors.As(err, &apiErr):
		return syscall.EIO
	case retry.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}
