package metadata

import (
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New()

	if _, ok := c.Get("Q1"); ok {
		t.Error("Get on empty cache returned ok")
	}

	want := Attrs{Size: 100, Hash: "abc", ModTime: time.Unix(1700000000, 0), Revision: 3}
	c.Put("Q1", want)

	got, ok := c.Get("Q1")
	if !ok {
		t.Fatal("Get returned not ok after Put")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestForget(t *testing.T) {
	c := New()
	c.Put("Q1", Attrs{Size: 1})
	c.Forget("Q1")

	if _, ok := c.Get("Q1"); ok {
		t.Error("entry still present after Forget")
	}

	// Forget of a missing key is a no-op.
	c.Forget("Q2")
}

func TestNeedsUpdate(t *testing.T) {
	c := New()

	if !c.NeedsUpdate("Q1", 1) {
		t.Error("missing entry should need update")
	}

	c.Put("Q1", Attrs{Revision: 5})

	tests := []struct {
		revision uint64
		want     bool
	}{
		{5, false},
		{6, true},
		{4, true},
	}
	for _, tt := range tests {
		if got := c.NeedsUpdate("Q1", tt.revision); got != tt.want {
			t.Errorf("NeedsUpdate(Q1, %d) = %v, want %v", tt.revision, got, tt.want)
		}
	}
}
