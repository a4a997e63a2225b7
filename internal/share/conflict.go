package share

import "fmt"

// RemoteUpdateResult reports what ApplyRemoteUpdate decided, so the
// protocol layer (internal/protocol) knows whether to schedule a Get for
// the incoming checksum.
type RemoteUpdateResult struct {
	// Accepted is true when the remote record (or its conflict copy) was
	// written to the index.
	Accepted bool
	// NeedsFetch is true when the accepted row's content isn't already
	// held locally and should be fetched by checksum.
	NeedsFetch bool
	Checksum   string
	// ConflictPath is set when the remote record conflicted with the
	// local one; it names the sibling path the remote content will be
	// written to, once fetched.
	ConflictPath string
}

// ApplyRemoteUpdate integrates one incoming MFile from a remote peer, resolving
// conflicts via the vector-clock rules in spec.md §4.4.3 (authoritative
// per spec.md §9 — the stubbed original is not followed).
func (idx *Index) ApplyRemoteUpdate(remote MFile) (RemoteUpdateResult, error) {
	local, found, err := idx.GetByPath(remote.Path)
	if err != nil {
		return RemoteUpdateResult{}, fmt.Errorf("share: apply_remote_update: %w", err)
	}

	if !found {
		remote.Updated = false
		remote.Pending = !remote.Deleted
		if err := idx.Insert(remote); err != nil {
			return RemoteUpdateResult{}, err
		}
		return RemoteUpdateResult{
			Accepted:   true,
			NeedsFetch: !remote.Deleted,
			Checksum:   remote.Checksum,
		}, nil
	}

	switch {
	case remote.VClock.IsDescendant(local.VClock) && !remote.VClock.Equal(local.VClock):
		needsFetch := !remote.Deleted && remote.Checksum != local.Checksum
		remote.Updated = false
		remote.Pending = needsFetch
		if err := idx.Update(remote); err != nil {
			return RemoteUpdateResult{}, err
		}
		return RemoteUpdateResult{
			Accepted:   true,
			NeedsFetch: needsFetch,
			Checksum:   remote.Checksum,
		}, nil

	case local.VClock.IsDescendant(remote.VClock):
		// We already have a newer (or equal) version; ignore.
		return RemoteUpdateResult{}, nil

	default:
		// Concurrent, divergent history: conflict. Keep the local row
		// untouched and store the remote content under a sibling path
		// once fetched.
		conflictPath := conflictSiblingPath(remote.Path, remote.LastChangedBy, remote.LastChangedRev)
		sibling := remote
		sibling.Path = conflictPath
		sibling.Updated = false
		sibling.Pending = !sibling.Deleted
		if err := idx.Upsert(sibling); err != nil {
			return RemoteUpdateResult{}, err
		}
		return RemoteUpdateResult{
			Accepted:     true,
			NeedsFetch:   !remote.Deleted,
			Checksum:     remote.Checksum,
			ConflictPath: conflictPath,
		}, nil
	}
}

// conflictSiblingPath derives "<stem>.<peer_id>.<last_changed_rev>.<ext>"
// per spec.md §4.4.3.
func conflictSiblingPath(path, peerID string, rev uint64) string {
	stem, ext := sanitizeConflictExt(path)
	return fmt.Sprintf("%s.%s.%d%s", stem, peerID, rev, ext)
}
