package share

import (
	"testing"

	"github.com/hoshizora/clearshare/internal/vclock"
)

func TestGetUpdatesFiltersByFilterPredicate(t *testing.T) {
	idx := newTestIndex(t)

	ready := baseFile("ready.txt", "peerA", 3)
	ready.VClock = vclock.New().Increment("peerA", 3)
	if err := idx.Insert(ready); err != nil {
		t.Fatalf("Insert(ready): %v", err)
	}

	pending := baseFile("pending.txt", "peerA", 4)
	pending.ToChecksum = true
	pending.Checksum = ""
	if err := idx.Insert(pending); err != nil {
		t.Fatalf("Insert(pending): %v", err)
	}

	gone := baseFile("gone.txt", "peerA", 5)
	gone.applyTombstone()
	if err := idx.Insert(gone); err != nil {
		t.Fatalf("Insert(gone): %v", err)
	}

	snap, err := idx.GetUpdates("peerB", map[string]uint64{"peerA": 2})
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	rows := snap.Rows()
	if len(rows) != 1 || rows[0].Path != "ready.txt" {
		t.Fatalf("rows = %+v, want only ready.txt", rows)
	}
}

func TestGetUpdatesExcludesAlreadySeenRevisions(t *testing.T) {
	idx := newTestIndex(t)
	seen := baseFile("seen.txt", "peerA", 2)
	if err := idx.Insert(seen); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	snap, err := idx.GetUpdates("peerB", map[string]uint64{"peerA": 2})
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(snap.Rows()) != 0 {
		t.Fatalf("expected no rows, since since[peerA]=2 already covers rev 2, got %+v", snap.Rows())
	}
}

func TestGetUpdatesEmptySinceReturnsEverythingEligible(t *testing.T) {
	idx := newTestIndex(t)
	for i, path := range []string{"a.txt", "b.txt", "c.txt"} {
		m := baseFile(path, "peerA", uint64(i+1))
		if err := idx.Insert(m); err != nil {
			t.Fatalf("Insert(%s): %v", path, err)
		}
	}

	snap, err := idx.GetUpdates("peerB", map[string]uint64{})
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(snap.Rows()) != 3 {
		t.Fatalf("got %d rows, want 3", len(snap.Rows()))
	}
}
