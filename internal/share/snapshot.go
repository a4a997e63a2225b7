package share

import "fmt"

// Snapshot is a read-consistent, filtered view of the manifest produced
// for one GetUpdates exchange (spec.md §3 "Frozen manifest snapshot",
// §4.4.2). Rows are copied out of the files table in one pass so that
// ongoing scans/checksums against the live table cannot perturb the
// reply mid-iteration.
type Snapshot struct {
	idx  *Index
	rows []MFile
}

// GetUpdates materializes the frozen snapshot for requesterPeerID's
// since vector, per the filter in spec.md §4.4.2:
//
//	scan_found ∈ {0,1} AND deleted = 0 AND to_checksum = 0 AND checksum != ""
//	AND (last_changed_by ∉ keys(since) OR last_changed_rev > since[last_changed_by])
func (idx *Index) GetUpdates(requesterPeerID string, since map[string]uint64) (*Snapshot, error) {
	var rows []MFile
	err := idx.Iter(func(m MFile) error {
		if m.Deleted || m.ToChecksum || m.Checksum == "" {
			return nil
		}
		seenRev, seen := since[m.LastChangedBy]
		if seen && m.LastChangedRev <= seenRev {
			return nil
		}
		rows = append(rows, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("share: get_updates: %w", err)
	}
	return &Snapshot{idx: idx, rows: rows}, nil
}

// Rows returns the snapshot's filtered rows in path order. The snapshot
// is single-use: callers should consume Rows once and discard it.
func (s *Snapshot) Rows() []MFile {
	return s.rows
}
