package staging

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/metrics"
	"github.com/onenonlycasper/mediafire-fuse/internal/mfapi"
)

// RemoteStore is the upload surface of the remote API.
type RemoteStore interface {
	UploadSimple(ctx context.Context, folderKey, name string, content io.Reader, size int64) (string, error)
	UploadPollStatus(ctx context.Context, uploadKey string) (status, fileError int, err error)
	UploadPatch(ctx context.Context, quickkey string, patch io.Reader, size int64, targetHash string, targetSize int64) error
}

// Pipeline pushes released working copies to the remote store. New files
// go through a full upload plus a poll loop that blocks until the remote
// finishes converting; existing files go through a patch upload when their
// content actually changed.
type Pipeline struct {
	remote       RemoteStore
	pollInterval time.Duration
}

// NewPipeline returns a pipeline polling upload conversion at pollInterval.
func NewPipeline(remote RemoteStore, pollInterval time.Duration) *Pipeline {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pipeline{remote: remote, pollInterval: pollInterval}
}

// UploadNew streams working as a fresh remote file named name under
// parentKey, then blocks until the remote reports conversion complete.
// Any transport or remote failure aborts the upload and surfaces to the
// caller; the file then simply does not exist remotely.
func (p *Pipeline) UploadNew(ctx context.Context, parentKey, name string, working *os.File) error {
	fi, err := working.Stat()
	if err != nil {
		return fmt.Errorf("stat working file: %w", err)
	}
	if _, err := working.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind working file: %w", err)
	}

	uploadKey, err := p.remote.UploadSimple(ctx, parentKey, name, working, fi.Size())
	if err != nil {
		metrics.ObserveUpload("new", err)
		return fmt.Errorf("upload %s: %w", name, err)
	}
	metrics.AddBytesUploaded(fi.Size())
	logging.Debug("upload accepted, polling",
		zap.String("name", name),
		zap.String("upload_key", uploadKey),
		zap.Int64("bytes", fi.Size()))

	if err := p.waitConverted(ctx, uploadKey); err != nil {
		metrics.ObserveUpload("new", err)
		return fmt.Errorf("upload %s: %w", name, err)
	}
	metrics.ObserveUpload("new", nil)
	return nil
}

// waitConverted polls the upload until the remote reports it complete.
func (p *Pipeline) waitConverted(ctx context.Context, uploadKey string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		status, fileError, err := p.remote.UploadPollStatus(ctx, uploadKey)
		if err != nil {
			return fmt.Errorf("poll upload %s: %w", uploadKey, err)
		}
		if fileError != 0 {
			return fmt.Errorf("upload %s rejected: fileerror %d", uploadKey, fileError)
		}
		if status == mfapi.StatusUploadComplete {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("poll upload %s: %w", uploadKey, ctx.Err())
		case <-ticker.C:
		}
	}
}

// UploadModified diffs working against the pristine base copy and pushes a
// patch to quickkey when the content changed. It reports whether a remote
// write happened; an unmodified file is a no-op.
func (p *Pipeline) UploadModified(ctx context.Context, quickkey string, working *os.File, basePath string) (bool, error) {
	if _, err := working.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind working file: %w", err)
	}
	target, err := io.ReadAll(working)
	if err != nil {
		return false, fmt.Errorf("read working file: %w", err)
	}
	base, err := os.ReadFile(basePath)
	if err != nil {
		return false, fmt.Errorf("read base file: %w", err)
	}

	targetSum := blake3.Sum256(target)
	if targetSum == blake3.Sum256(base) {
		logging.Debug("file unmodified, skipping upload", zap.String("quickkey", quickkey))
		return false, nil
	}

	patch, err := BuildPatch(base, target)
	if err != nil {
		return false, fmt.Errorf("build patch for %s: %w", quickkey, err)
	}

	err = p.remote.UploadPatch(ctx, quickkey,
		bytes.NewReader(patch), int64(len(patch)),
		hex.EncodeToString(targetSum[:]), int64(len(target)))
	metrics.ObserveUpload("patch", err)
	if err != nil {
		return false, fmt.Errorf("upload patch for %s: %w", quickkey, err)
	}
	metrics.AddBytesUploaded(int64(len(patch)))
	logging.Debug("patch uploaded",
		zap.String("quickkey", quickkey),
		zap.Int("patch_bytes", len(patch)),
		zap.Int("target_bytes", len(target)))
	return true, nil
}
