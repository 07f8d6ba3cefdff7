package collab

import (
	"fmt"
	"testing"

	"github.com/benbazus/qub-drive-sub000/internal/models"
)

func TestChangeRingCapsAndKeepsNewest(t *testing.T) {
	t.Parallel()

	r := newChangeRing(3)
	for i := 1; i <= 5; i++ {
		r.append(models.NewChangeEntry("res-1", "alice", fmt.Sprintf("edit-%d", i), "update", uint64(i)))
	}

	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}

	entries := r.list()
	if len(entries) != 3 {
		t.Fatalf("list = %d entries, want 3", len(entries))
	}
	// Oldest first, with the two oldest overwritten.
	for i, want := range []uint64{3, 4, 5} {
		if entries[i].Version != want {
			t.Fatalf("entry %d version = %d, want %d", i, entries[i].Version, want)
		}
	}
}

func TestChangeRingEmpty(t *testing.T) {
	t.Parallel()

	r := newChangeRing(4)
	if r.len() != 0 {
		t.Fatalf("len = %d, want 0", r.len())
	}
	if got := r.list(); len(got) != 0 {
		t.Fatalf("list on empty ring = %d entries", len(got))
	}
}
