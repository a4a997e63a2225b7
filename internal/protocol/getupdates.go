package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/hoshizora/clearshare/internal/share"
	"github.com/hoshizora/clearshare/internal/wire"
)

// handleGetUpdates answers a manifest request with one or more Update
// messages built from a frozen snapshot (spec.md §4.4.2/§4.5.3). The
// snapshot is split across messages to stay under wire.MaxMessageLen,
// all but the last carrying partial=true (DESIGN.md Open Question 3).
func handleGetUpdates(c *Conn, msg wire.Message) (Effects, error) {
	snap, err := c.Index.GetUpdates(c.PeerID, msg.Since)
	if err != nil {
		return Effects{}, fmt.Errorf("protocol: get_updates: %w", err)
	}

	entries := make([]wire.FileEntry, 0, len(snap.Rows()))
	for _, row := range snap.Rows() {
		entries = append(entries, toFileEntry(row))
	}

	batches := splitEntries(entries, wire.MaxMessageLen)
	if len(batches) == 0 {
		batches = [][]wire.FileEntry{nil}
	}

	sends := make([]Outbound, 0, len(batches))
	for i, batch := range batches {
		sends = append(sends, Outbound{Message: wire.Message{
			Kind:     wire.KindUpdate,
			ShareID:  c.Share.ShareID,
			Revision: c.Share.Revision(),
			Partial:  i < len(batches)-1,
			Files:    batch,
		}})
	}

	return Effects{Send: sends}, nil
}

func toFileEntry(m share.MFile) wire.FileEntry {
	return wire.FileEntry{
		Paths:          []string{m.Path},
		LastChangedBy:  m.LastChangedBy,
		LastChangedRev: m.LastChangedRev,
		VClock:         m.VClock.Values(),
		Mtime:          m.Mtime.UTC().Format("2006-01-02T15:04:05Z"),
		Size:           m.Size,
		Mode:           m.Mode,
		Deleted:        m.Deleted,
		Checksum:       m.Checksum,
	}
}

// splitEntries groups entries into batches whose JSON-encoded Files
// array stays under maxLen, leaving headroom for the rest of the Update
// envelope. A single entry that alone exceeds the budget still gets its
// own batch rather than being dropped.
func splitEntries(entries []wire.FileEntry, maxLen int) [][]wire.FileEntry {
	const envelopeHeadroom = 4096
	budget := maxLen - envelopeHeadroom

	var batches [][]wire.FileEntry
	var cur []wire.FileEntry
	curSize := 0

	for _, e := range entries {
		size := entrySize(e)
		if len(cur) > 0 && curSize+size > budget {
			batches = append(batches, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, e)
		curSize += size
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func entrySize(e wire.FileEntry) int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}
