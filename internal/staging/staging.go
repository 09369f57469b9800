// Package staging manages the local working copies behind open file
// handles and the upload pipeline that pushes them back to the remote
// store on release.
package staging

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/metrics"
)

// Downloader fetches remote file content.
type Downloader interface {
	Download(ctx context.Context, quickkey string) (io.ReadCloser, int64, error)
}

// Store hands out working files under a dedicated staging directory.
// Working files back open handles; base files keep a pristine copy of the
// downloaded content so a later patch can be diffed against it.
type Store struct {
	dir string
}

// NewStore ensures dir exists and returns a store rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// NewWorking creates an empty working file, used when a path is created
// locally and has no remote content yet.
func (s *Store) NewWorking() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "working-*")
	if err != nil {
		return nil, fmt.Errorf("create working file: %w", err)
	}
	return f, nil
}

// Materialize downloads the remote content of quickkey into a fresh
// working file. With withBase set it also writes a pristine base copy and
// returns its path; write opens need the base for a later diff, read-only
// opens skip it.
func (s *Store) Materialize(ctx context.Context, dl Downloader, quickkey string, withBase bool) (*os.File, string, error) {
	working, err := s.NewWorking()
	if err != nil {
		return nil, "", err
	}

	body, _, err := dl.Download(ctx, quickkey)
	if err != nil {
		s.Discard(working, "")
		return nil, "", fmt.Errorf("download %s: %w", quickkey, err)
	}
	defer body.Close()

	n, err := io.Copy(working, body)
	if err != nil {
		s.Discard(working, "")
		return nil, "", fmt.Errorf("stage %s: %w", quickkey, err)
	}
	metrics.AddBytesDownloaded(n)

	var basePath string
	if withBase {
		base, err := os.CreateTemp(s.dir, "base-*")
		if err != nil {
			s.Discard(working, "")
			return nil, "", fmt.Errorf("create base file: %w", err)
		}
		if _, err := working.Seek(0, io.SeekStart); err == nil {
			_, err = io.Copy(base, working)
		}
		base.Close()
		if err != nil {
			s.Discard(working, base.Name())
			return nil, "", fmt.Errorf("copy base for %s: %w", quickkey, err)
		}
		basePath = base.Name()
	}

	if _, err := working.Seek(0, io.SeekStart); err != nil {
		s.Discard(working, basePath)
		return nil, "", fmt.Errorf("rewind working file: %w", err)
	}
	logging.Debug("materialized remote file",
		zap.String("quickkey", quickkey),
		zap.Int64("bytes", n),
		zap.String("working", working.Name()))
	return working, basePath, nil
}

// Discard closes and removes the staging artifacts of a released handle.
func (s *Store) Discard(working *os.File, basePath string) {
	if working != nil {
		name := working.Name()
		working.Close()
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			logging.Warn("remove working file", zap.String("path", name), logging.Err(err))
		}
	}
	if basePath != "" {
		if err := os.Remove(basePath); err != nil && !os.IsNotExist(err) {
			logging.Warn("remove base file", zap.String("path", basePath), logging.Err(err))
		}
	}
}
