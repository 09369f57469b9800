package fusefs

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/metrics"
	"github.com/onenonlycasper/mediafire-fuse/internal/openfiles"
)

// FileHandle is one open descriptor over a staged working copy. All reads
// and writes go to the local file; the remote sees nothing until Release.
type FileHandle struct {
	fsys *FS

	mu       sync.Mutex
	rec      *openfiles.Record
	released bool
}

var _ fs.FileHandle = (*FileHandle)(nil)
var _ fs.FileReader = (*FileHandle)(nil)
var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

// Read reads from the working copy.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.rec.File == nil {
		return nil, syscall.EBADF
	}
	n, err := fh.rec.File.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// Write writes to the working copy.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.rec.File == nil {
		return 0, syscall.EBADF
	}
	if fh.rec.Mode != openfiles.ModeWrite {
		return 0, syscall.EBADF
	}
	n, err := fh.rec.File.WriteAt(data, off)
	if err != nil {
		logging.Error("write to working copy failed",
			zap.String("path", fh.rec.Path), zap.Int64("offset", off), logging.Err(err))
		return 0, syscall.EIO
	}
	return uint32(n), 0
}

// Flush is a no-op: the upload happens once, on Release, not on every
// close of a duplicated descriptor.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Release drops the registry membership, pushes the working copy if this
// was a write handle, forces a refresh so the tree reflects the outcome,
// and removes the staging files. The membership is removed before the
// upload runs: the path is re-openable even if the upload fails.
//
// A release with no matching registry record means the bookkeeping that
// enforces write exclusivity is corrupted, and the process terminates.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.released {
		logging.Fatal("double release of file handle", zap.Uint64("handle", fh.rec.ID))
	}
	fh.released = true

	rec, err := fh.fsys.registry.Release(fh.rec.ID)
	if err != nil {
		if errors.Is(err, openfiles.ErrNotTracked) {
			logging.Fatal("open-file bookkeeping corrupted on release",
				zap.Uint64("handle", fh.rec.ID), zap.String("path", fh.rec.Path), logging.Err(err))
		}
		return syscall.EIO
	}
	metrics.OpenFileReleased()

	var uploadErr error
	if rec.Mode == openfiles.ModeWrite && rec.File != nil {
		uploadErr = fh.upload(ctx, rec)
	}
	fh.fsys.store.Discard(rec.File, rec.BasePath)

	if uploadErr != nil {
		logging.Error("upload on release failed", zap.String("path", rec.Path), logging.Err(uploadErr))
		return errnoOf(uploadErr)
	}
	return 0
}

func (fh *FileHandle) upload(ctx context.Context, rec *openfiles.Record) error {
	if rec.Local {
		dir, name := parentOf(rec.Path)
		parentKey, err := fh.fsys.tree.ResolveKey(dir)
		if err != nil {
			return err
		}
		if err := fh.fsys.pipeline.UploadNew(ctx, parentKey, name, rec.File); err != nil {
			return err
		}
		fh.fsys.refreshForced(ctx, "upload new")
		logging.Info("uploaded new file", zap.String("path", rec.Path))
		return nil
	}

	quickkey, err := fh.fsys.tree.ResolveKey(rec.Path)
	if err != nil {
		return err
	}
	changed, err := fh.fsys.pipeline.UploadModified(ctx, quickkey, rec.File, rec.BasePath)
	if err != nil {
		return err
	}
	if changed {
		fh.fsys.refreshForced(ctx, "patch upload")
		logging.Info("uploaded patch", zap.String("path", rec.Path))
	}
	return nil
}
