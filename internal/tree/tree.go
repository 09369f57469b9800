// Package tree maintains the locally cached mirror of the remote directory
// hierarchy: path to remote-key mapping, node kinds, and cached attributes.
// The remote store is the source of truth; the tree catches up to it by
// pull-based refreshes and never mutates cached state when a fetch fails.
package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/metadata"
	"github.com/onenonlycasper/mediafire-fuse/internal/metrics"
	"github.com/onenonlycasper/mediafire-fuse/internal/mfapi"
)

// Kind distinguishes folder and file nodes.
type Kind int

const (
	Folder Kind = iota
	File
)

func (k Kind) String() string {
	if k == File {
		return "file"
	}
	return "folder"
}

// DirEntry is one name in a folder listing.
type DirEntry struct {
	Name string
	Kind Kind
}

// ErrNotFound is returned when a path does not resolve to a known node.
var ErrNotFound = errors.New("no such file or folder")

// ErrNotDir is returned when a folder operation names a file node.
var ErrNotDir = errors.New("not a folder")

// Lister is the remote surface the tree refreshes against.
type Lister interface {
	FetchHierarchy(ctx context.Context, sinceRevision uint64) (*mfapi.Hierarchy, error)
}

// OpenChecker reports whether a path is currently open. Open paths are
// exempt from refresh eviction and metadata catch-up until released.
type OpenChecker interface {
	IsOpen(path string) bool
}

type node struct {
	name     string
	path     string
	key      string
	kind     Kind
	parent   *node
	children map[string]*node
}

// Tree is the in-memory mirror of the remote hierarchy. A single mutex
// serializes refresh merges; lookups take the same lock for reading.
type Tree struct {
	client Lister
	open   OpenChecker
	meta   *metadata.Cache

	mu          sync.RWMutex
	root        *node
	byPath      map[string]*node
	revision    uint64
	suppressed  bool // last merge skipped work for an open path
	freshFor    time.Duration
	lastRefresh time.Time
}

// New creates a tree containing only the root folder. freshFor is the
// freshness window gating unforced refreshes; zero disables the window so
// every refresh fetches.
func New(client Lister, open OpenChecker, freshFor time.Duration) *Tree {
	t := &Tree{
		client:   client,
		open:     open,
		meta:     metadata.New(),
		freshFor: freshFor,
	}
	t.reset()
	return t
}

// reset reinitializes to an empty tree. Caller holds t.mu (or owns t
// exclusively, as in New).
func (t *Tree) reset() {
	t.root = &node{
		name:     "/",
		path:     "/",
		key:      mfapi.RootFolderKey,
		kind:     Folder,
		children: make(map[string]*node),
	}
	t.byPath = map[string]*node{"/": t.root}
	t.meta = metadata.New()
	t.revision = 0
	t.suppressed = false
	t.lastRefresh = time.Time{}
}

// Refresh reconciles the tree against the remote hierarchy. An unforced
// refresh is a no-op while the previous one is within the freshness window.
// On fetch failure the cached state is left untouched and the error is
// returned to the caller.
func (t *Tree) Refresh(ctx context.Context, force bool) error {
	if !force && t.freshFor > 0 {
		t.mu.RLock()
		fresh := !t.lastRefresh.IsZero() && time.Since(t.lastRefresh) < t.freshFor
		t.mu.RUnlock()
		if fresh {
			return nil
		}
	}

	start := time.Now()
	h, err := t.client.FetchHierarchy(ctx, 0)
	if err != nil {
		metrics.ObserveRefresh(time.Since(start), err)
		return fmt.Errorf("fetch hierarchy: %w", err)
	}

	t.mu.Lock()
	if h.Revision != 0 && h.Revision == t.revision && !t.suppressed {
		// Remote unchanged since the last merge and no catch-up owed
		// to a previously open path.
		t.lastRefresh = time.Now()
		t.mu.Unlock()
		metrics.ObserveRefresh(time.Since(start), nil)
		return nil
	}
	inserted, updated, removed := t.merge(h)
	t.revision = h.Revision
	t.lastRefresh = time.Now()
	size := len(t.byPath)
	t.mu.Unlock()

	metrics.ObserveRefresh(time.Since(start), nil)
	metrics.SetTreeSize(size)
	logging.Debug("tree refreshed",
		zap.Uint64("revision", h.Revision),
		zap.Int("nodes", size),
		zap.Int("inserted", inserted),
		zap.Int("updated", updated),
		zap.Int("removed", removed))
	return nil
}

type remoteEntry struct {
	key      string
	kind     Kind
	attrs    metadata.Attrs
	revision uint64
}

// merge reconciles the full remote listing into the tree. Caller holds t.mu.
func (t *Tree) merge(h *mfapi.Hierarchy) (inserted, updated, removed int) {
	wanted := t.resolveListing(h)
	t.suppressed = false

	// Insert and update, parents before children.
	paths := make([]string, 0, len(wanted))
	for p := range wanted {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return depth(paths[i]) < depth(paths[j]) })

	for _, p := range paths {
		want := wanted[p]
		n, ok := t.byPath[p]
		if !ok {
			if err := t.insert(p, want.kind, want.key); err != nil {
				logging.Warn("skipping unplaceable remote entry", zap.String("path", p), logging.Err(err))
				continue
			}
			t.meta.Put(want.key, want.attrs)
			inserted++
			continue
		}
		// An open object keeps its apparent remote state until released.
		if t.open != nil && t.open.IsOpen(p) {
			if t.meta.NeedsUpdate(n.key, want.revision) || n.key != want.key {
				t.suppressed = true
			}
			continue
		}
		if n.key != want.key {
			if n.key != "" {
				t.meta.Forget(n.key)
			}
			n.key = want.key
		}
		if t.meta.NeedsUpdate(want.key, want.revision) {
			t.meta.Put(want.key, want.attrs)
			updated++
		}
	}

	// Evict nodes the remote no longer reports, deepest first so that
	// folders are only removed once emptied. Open nodes and local-only
	// nodes (no remote key yet) survive; so does any folder that still
	// has surviving children.
	existing := make([]*node, 0, len(t.byPath))
	for _, n := range t.byPath {
		existing = append(existing, n)
	}
	sort.Slice(existing, func(i, j int) bool { return depth(existing[i].path) > depth(existing[j].path) })

	for _, n := range existing {
		if n == t.root {
			continue
		}
		if _, ok := wanted[n.path]; ok {
			continue
		}
		if n.key == "" {
			continue
		}
		if t.open != nil && t.open.IsOpen(n.path) {
			t.suppressed = true
			continue
		}
		if n.kind == Folder && len(n.children) > 0 {
			continue
		}
		t.remove(n)
		removed++
	}

	return inserted, updated, removed
}

// resolveListing turns the flat remote listing into a path-keyed map by
// chasing parent keys. Entries whose parent chain does not reach the root
// cannot be placed and are dropped.
func (t *Tree) resolveListing(h *mfapi.Hierarchy) map[string]remoteEntry {
	folderPaths := map[string]string{mfapi.RootFolderKey: "/"}

	pending := make([]mfapi.FolderInfo, len(h.Folders))
	copy(pending, h.Folders)
	for progress := true; progress && len(pending) > 0; {
		progress = false
		rest := pending[:0]
		for _, f := range pending {
			parent, ok := folderPaths[f.ParentKey]
			if !ok {
				rest = append(rest, f)
				continue
			}
			folderPaths[f.FolderKey] = join(parent, f.Name)
			progress = true
		}
		pending = rest
	}

	wanted := make(map[string]remoteEntry, len(h.Folders)+len(h.Files))
	for _, f := range h.Folders {
		p, ok := folderPaths[f.FolderKey]
		if !ok {
			continue
		}
		wanted[p] = remoteEntry{
			key:      f.FolderKey,
			kind:     Folder,
			attrs:    metadata.Attrs{Revision: f.Revision},
			revision: f.Revision,
		}
	}
	for _, f := range h.Files {
		parent, ok := folderPaths[f.ParentKey]
		if !ok {
			continue
		}
		wanted[join(parent, f.Name)] = remoteEntry{
			key:  f.QuickKey,
			kind: File,
			attrs: metadata.Attrs{
				Size:     f.Size,
				Hash:     f.Hash,
				ModTime:  f.Created,
				Revision: f.Revision,
			},
			revision: f.Revision,
		}
	}
	return wanted
}

// LookupAttr returns the kind and cached attributes for path. It never
// triggers a refresh; callers decide when the cache is fresh enough.
func (t *Tree) LookupAttr(path string) (Kind, metadata.Attrs, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.byPath[path]
	if !ok {
		return 0, metadata.Attrs{}, ErrNotFound
	}
	attrs, _ := t.meta.Get(n.key)
	return n.kind, attrs, nil
}

// ListChildren returns the entries of the folder at path.
func (t *Tree) ListChildren(path string) ([]DirEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.byPath[path]
	if !ok {
		return nil, ErrNotFound
	}
	if n.kind != Folder {
		return nil, ErrNotDir
	}

	entries := make([]DirEntry, 0, len(n.children))
	for _, c := range n.children {
		entries = append(entries, DirEntry{Name: c.name, Kind: c.kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ResolveKey translates a path to its remote object key.
func (t *Tree) ResolveKey(path string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.byPath[path]
	if !ok {
		return "", ErrNotFound
	}
	return n.key, nil
}

// InsertLocal records a node right after a successful remote create, so the
// cache answers for it before the next forced refresh confirms it.
func (t *Tree) InsertLocal(path string, kind Kind, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byPath[path]; ok {
		return nil
	}
	if err := t.insert(path, kind, key); err != nil {
		return err
	}
	if key != "" {
		t.meta.Put(key, metadata.Attrs{ModTime: time.Now()})
	}
	return nil
}

// RemoveLocal drops a node right after a successful remote delete.
func (t *Tree) RemoveLocal(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byPath[path]
	if !ok {
		return ErrNotFound
	}
	if n == t.root {
		return fmt.Errorf("cannot remove root")
	}
	t.remove(n)
	return nil
}

// NodeCount returns the number of nodes including the root.
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPath)
}

// insert creates a node at path under its (already present) parent.
// Caller holds t.mu.
func (t *Tree) insert(path string, kind Kind, key string) error {
	parentPath, name := split(path)
	parent, ok := t.byPath[parentPath]
	if !ok {
		return fmt.Errorf("parent %s not present: %w", parentPath, ErrNotFound)
	}
	if parent.kind != Folder {
		return fmt.Errorf("parent %s: %w", parentPath, ErrNotDir)
	}

	n := &node{
		name:   name,
		path:   path,
		key:    key,
		kind:   kind,
		parent: parent,
	}
	if kind == Folder {
		n.children = make(map[string]*node)
	}
	parent.children[name] = n
	t.byPath[path] = n
	return nil
}

// remove unlinks n and its subtree. Caller holds t.mu.
func (t *Tree) remove(n *node) {
	for _, c := range n.children {
		t.remove(c)
	}
	if n.parent != nil {
		delete(n.parent.children, n.name)
	}
	delete(t.byPath, n.path)
	if n.key != "" {
		t.meta.Forget(n.key)
	}
}

func depth(path string) int {
	if path == "/" {
		return 0
	}
	return strings.Count(path, "/")
}

func join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func split(path string) (parent, name string) {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/", path[i+1:]
	}
	return path[:i], path[i+1:]
}
