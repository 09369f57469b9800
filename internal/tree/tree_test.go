package tree

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onenonlycasper/mediafire-fuse/internal/mfapi"
)

type fakeLister struct {
	hierarchy *mfapi.Hierarchy
	err       error
	calls     int
}

func (f *fakeLister) FetchHierarchy(_ context.Context, _ uint64) (*mfapi.Hierarchy, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.hierarchy, nil
}

type fakeOpen map[string]bool

func (f fakeOpen) IsOpen(path string) bool { return f[path] }

func sampleHierarchy() *mfapi.Hierarchy {
	return &mfapi.Hierarchy{
		Revision: 10,
		Folders: []mfapi.FolderInfo{
			{FolderKey: "fold1", ParentKey: mfapi.RootFolderKey, Name: "docs", Revision: 3},
			{FolderKey: "fold2", ParentKey: "fold1", Name: "inner", Revision: 3},
		},
		Files: []mfapi.FileInfo{
			{QuickKey: "quick1", ParentKey: mfapi.RootFolderKey, Name: "readme.txt", Size: 12, Hash: "aa", Revision: 5},
			{QuickKey: "quick2", ParentKey: "fold1", Name: "notes.txt", Size: 34, Hash: "bb", Revision: 6},
		},
	}
}

func TestRefresh_BuildsTree(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, 0)

	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	entries, err := tr.ListChildren("/")
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("root entries = %d, want 2", len(entries))
	}
	if entries[0].Name != "docs" || entries[0].Kind != Folder {
		t.Errorf("entry 0 = %+v, want folder docs", entries[0])
	}
	if entries[1].Name != "readme.txt" || entries[1].Kind != File {
		t.Errorf("entry 1 = %+v, want file readme.txt", entries[1])
	}

	kind, attrs, err := tr.LookupAttr("/docs/notes.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if kind != File || attrs.Size != 34 || attrs.Hash != "bb" {
		t.Errorf("attrs = kind %v %+v, want file size 34 hash bb", kind, attrs)
	}

	key, err := tr.ResolveKey("/docs/inner")
	if err != nil || key != "fold2" {
		t.Errorf("ResolveKey(/docs/inner) = %q, %v, want fold2", key, err)
	}

	if _, _, err := tr.LookupAttr("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup missing = %v, want ErrNotFound", err)
	}
	if _, err := tr.ListChildren("/readme.txt"); !errors.Is(err, ErrNotDir) {
		t.Errorf("list file = %v, want ErrNotDir", err)
	}
}

func TestRefresh_Idempotent(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, 0)

	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	before := tr.NodeCount()
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := tr.NodeCount(); got != before {
		t.Errorf("node count changed across identical refreshes: %d -> %d", before, got)
	}
}

func TestRefresh_FreshnessWindow(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, time.Hour)

	if err := tr.Refresh(context.Background(), false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := tr.Refresh(context.Background(), false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if lister.calls != 1 {
		t.Errorf("unforced refresh within window fetched: %d calls, want 1", lister.calls)
	}

	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if lister.calls != 2 {
		t.Errorf("forced refresh did not fetch: %d calls, want 2", lister.calls)
	}
}

func TestRefresh_FetchFailureKeepsState(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, 0)
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	lister.err = errors.New("remote down")
	if err := tr.Refresh(context.Background(), true); err == nil {
		t.Fatal("refresh after remote failure returned nil error")
	}

	// Cached state still answers.
	if _, _, err := tr.LookupAttr("/docs/notes.txt"); err != nil {
		t.Errorf("lookup after failed refresh: %v", err)
	}
	if got := tr.NodeCount(); got != 5 {
		t.Errorf("node count after failed refresh = %d, want 5", got)
	}
}

func TestRefresh_EvictsAbsent(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, 0)
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	h := sampleHierarchy()
	h.Revision = 11
	h.Files = h.Files[:1] // notes.txt deleted remotely
	lister.hierarchy = h
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, _, err := tr.LookupAttr("/docs/notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("evicted file lookup = %v, want ErrNotFound", err)
	}
	if _, _, err := tr.LookupAttr("/docs"); err != nil {
		t.Errorf("surviving folder lookup: %v", err)
	}
}

func TestRefresh_OpenPathSurvivesEviction(t *testing.T) {
	open := fakeOpen{}
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, open, 0)
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	open["/docs/notes.txt"] = true
	h := sampleHierarchy()
	h.Revision = 11
	h.Files = h.Files[:1]
	h.Folders = h.Folders[:0] // parent folders gone remotely too
	lister.hierarchy = h
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// The open file and the folder chain above it survive.
	if _, _, err := tr.LookupAttr("/docs/notes.txt"); err != nil {
		t.Errorf("open file evicted: %v", err)
	}
	if _, _, err := tr.LookupAttr("/docs"); err != nil {
		t.Errorf("ancestor of open file evicted: %v", err)
	}

	// Once released, the next refresh evicts it.
	delete(open, "/docs/notes.txt")
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := tr.LookupAttr("/docs/notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("released file still present: %v", err)
	}
}

func TestRefresh_OpenPathKeepsApparentRevision(t *testing.T) {
	open := fakeOpen{"/readme.txt": true}
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, open, 0)
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	h := sampleHierarchy()
	h.Revision = 12
	h.Files[0].Size = 999
	h.Files[0].Revision = 9
	lister.hierarchy = h
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, attrs, err := tr.LookupAttr("/readme.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if attrs.Size != 12 {
		t.Errorf("open file attrs caught up while open: size = %d, want 12", attrs.Size)
	}
}

func TestInsertRemoveLocal(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, 0)
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := tr.InsertLocal("/docs/new", Folder, "fold9"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if key, err := tr.ResolveKey("/docs/new"); err != nil || key != "fold9" {
		t.Errorf("ResolveKey(/docs/new) = %q, %v, want fold9", key, err)
	}

	if err := tr.InsertLocal("/nowhere/file", File, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("insert under missing parent = %v, want ErrNotFound", err)
	}

	if err := tr.RemoveLocal("/docs/new"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := tr.ResolveKey("/docs/new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed node still resolves: %v", err)
	}
}

func TestPersistRestore_RoundTrip(t *testing.T) {
	lister := &fakeLister{hierarchy: sampleHierarchy()}
	tr := New(lister, fakeOpen{}, 0)
	if err := tr.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	var buf bytes.Buffer
	if err := tr.Persist(&buf); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := New(lister, fakeOpen{}, 0)
	if err := restored.Restore(&buf); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got, want := restored.NodeCount(), tr.NodeCount(); got != want {
		t.Fatalf("restored node count = %d, want %d", got, want)
	}
	kind, attrs, err := restored.LookupAttr("/docs/notes.txt")
	if err != nil {
		t.Fatalf("lookup after restore: %v", err)
	}
	if kind != File || attrs.Size != 34 || attrs.Hash != "bb" {
		t.Errorf("restored attrs = kind %v %+v", kind, attrs)
	}
}

func TestRestore_MalformedLeavesEmptyTree(t *testing.T) {
	tr := New(&fakeLister{}, fakeOpen{}, 0)
	if err := tr.Restore(bytes.NewReader([]byte("not cbor at all"))); err == nil {
		t.Fatal("restore of garbage returned nil error")
	}
	if got := tr.NodeCount(); got != 1 {
		t.Errorf("node count after failed restore = %d, want 1 (root only)", got)
	}
	if _, err := tr.ListChildren("/"); err != nil {
		t.Errorf("root unusable after failed restore: %v", err)
	}
}
