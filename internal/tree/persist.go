package tree

import (
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/onenonlycasper/mediafire-fuse/internal/metadata"
)

// snapshot is the on-disk form of the tree. Nodes are stored flat, paths
// ordered so parents precede children on restore.
type snapshot struct {
	Revision uint64         `cbor:"1,keyasint"`
	Nodes    []snapshotNode `cbor:"2,keyasint"`
}

type snapshotNode struct {
	Path  string         `cbor:"1,keyasint"`
	Key   string         `cbor:"2,keyasint"`
	Kind  Kind           `cbor:"3,keyasint"`
	Attrs metadata.Attrs `cbor:"4,keyasint"`
}

// Persist writes the tree state to w so a later mount can warm-start
// without waiting for the first fetch.
func (t *Tree) Persist(w io.Writer) error {
	t.mu.RLock()
	snap := snapshot{Revision: t.revision}
	for _, n := range t.byPath {
		if n == t.root {
			continue
		}
		attrs, _ := t.meta.Get(n.key)
		snap.Nodes = append(snap.Nodes, snapshotNode{
			Path:  n.path,
			Key:   n.key,
			Kind:  n.kind,
			Attrs: attrs,
		})
	}
	t.mu.RUnlock()

	sort.Slice(snap.Nodes, func(i, j int) bool {
		di, dj := depth(snap.Nodes[i].Path), depth(snap.Nodes[j].Path)
		if di != dj {
			return di < dj
		}
		return snap.Nodes[i].Path < snap.Nodes[j].Path
	})

	if err := cbor.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("encode tree snapshot: %w", err)
	}
	return nil
}

// Restore replaces the tree state with a previously persisted snapshot.
// A malformed snapshot leaves the tree empty and returns the decode error;
// the next refresh rebuilds from the remote.
func (t *Tree) Restore(r io.Reader) error {
	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		t.mu.Lock()
		t.reset()
		t.mu.Unlock()
		return fmt.Errorf("decode tree snapshot: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	for _, sn := range snap.Nodes {
		if err := t.insert(sn.Path, sn.Kind, sn.Key); err != nil {
			// A snapshot with dangling paths is as good as corrupt.
			t.reset()
			return fmt.Errorf("restore %s: %w", sn.Path, err)
		}
		if sn.Key != "" {
			t.meta.Put(sn.Key, sn.Attrs)
		}
	}
	t.revision = snap.Revision
	return nil
}
