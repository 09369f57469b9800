// Package openfiles tracks which paths are currently open and in which
// access mode, and owns the per-handle open-file records. It enforces the
// write-exclusivity rule: a path open write-capable is open exclusively;
// read-only opens of the same path may stack.
//
// The registry performs no remote I/O. Acquire and Release are atomic with
// respect to each other, which is what the upload pipeline's single-writer
// guarantee rests on.
package openfiles

import (
	"errors"
	"os"
	"sync"
)

// Mode is the access mode of an open file.
type Mode int

const (
	// ModeReadOnly covers O_RDONLY opens.
	ModeReadOnly Mode = iota
	// ModeWrite covers any write-capable open (O_WRONLY and O_RDWR).
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read-only"
}

// ErrConflict is returned when an open would violate write exclusivity.
var ErrConflict = errors.New("path already open in a conflicting mode")

// ErrNotTracked is returned when a release names a handle the registry does
// not hold. This indicates corrupted bookkeeping: the caller must treat it
// as fatal rather than continue with exclusivity guarantees in doubt.
var ErrNotTracked = errors.New("open-file record not tracked")

// Record is the state of one open file handle. It is exclusively owned by
// the call that opened it; the staging file descriptor is never shared.
type Record struct {
	ID   uint64
	Path string
	Mode Mode

	// Local marks a file created locally that has no remote object yet;
	// its release performs the initial upload instead of a patch.
	Local bool

	// File is the staging working copy backing reads and writes.
	File *os.File

	// BasePath is the pristine copy of the remote content at open time,
	// used for patch computation. Empty for local-only files and
	// read-only opens.
	BasePath string
}

// Registry holds the open-path sets and the handle records.
type Registry struct {
	mu      sync.Mutex
	readers map[string]int
	writers map[string]struct{}
	records map[uint64]*Record
	nextID  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		readers: make(map[string]int),
		writers: make(map[string]struct{}),
		records: make(map[uint64]*Record),
	}
}

// Acquire registers path as open in mode and returns its record. It fails
// with ErrConflict if mode is write-capable and the path is open in any
// mode, or if mode is read-only and the path is open write-capable. The
// caller fills in the staging fields of the returned record before handing
// it to the FUSE layer.
func (r *Registry) Acquire(path string, mode Mode) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, writing := r.writers[path]; writing {
		return nil, ErrConflict
	}
	if mode == ModeWrite && r.readers[path] > 0 {
		return nil, ErrConflict
	}

	if mode == ModeWrite {
		r.writers[path] = struct{}{}
	} else {
		r.readers[path]++
	}

	r.nextID++
	rec := &Record{ID: r.nextID, Path: path, Mode: mode}
	r.records[rec.ID] = rec
	return rec, nil
}

// Release removes the record for id and exactly one membership of its path
// from the set matching its mode, and returns the record so the caller can
// run the close-time upload. A handle that is unknown or already released
// yields ErrNotTracked, as does a membership count that does not match the
// record; both mean the registry state is corrupt.
//
// Membership is removed before any upload work happens, so a failed upload
// can never wedge the path in a permanently-open state.
func (r *Registry) Release(id uint64) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotTracked
	}
	delete(r.records, id)

	if rec.Mode == ModeWrite {
		if _, ok := r.writers[rec.Path]; !ok {
			return nil, ErrNotTracked
		}
		delete(r.writers, rec.Path)
	} else {
		if r.readers[rec.Path] <= 0 {
			return nil, ErrNotTracked
		}
		r.readers[rec.Path]--
		if r.readers[rec.Path] == 0 {
			delete(r.readers, rec.Path)
		}
	}

	return rec, nil
}

// Get returns the record for id.
func (r *Registry) Get(id uint64) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// IsOpen reports whether path is open in any mode. The directory tree
// consults this during refresh to keep remotely-deleted-but-open nodes
// alive until release.
func (r *Registry) IsOpen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readers[path] > 0 {
		return true
	}
	_, ok := r.writers[path]
	return ok
}

// OpenRecord returns a record for path, preferring the writer when both
// a writer and stale reader bookkeeping exist. Attribute lookups use it to
// answer for locally created files that have no remote node yet.
func (r *Registry) OpenRecord(path string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Record
	for _, rec := range r.records {
		if rec.Path != path {
			continue
		}
		if rec.Mode == ModeWrite {
			return rec, true
		}
		found = rec
	}
	return found, found != nil
}

// Len returns the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
