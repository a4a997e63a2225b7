// Package share implements the per-share indexed manifest (C4): the
// SQLite-backed store of MFile rows, the cooperative scan/checksum
// pipeline, frozen manifest snapshots, and remote-update integration.
package share

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hoshizora/clearshare/internal/vclock"
)

// Access levels for a share's pre-shared keys, per spec.md §3 and the
// access-tier supplement in SPEC_FULL.md §5.
type Access string

const (
	AccessReadWrite Access = "readwrite"
	AccessReadOnly  Access = "readonly"
	AccessUntrusted Access = "untrusted"
)

// MFile is one manifest entry, per spec.md §3.
type MFile struct {
	Path           string
	Mtime          time.Time
	Size           uint64
	Mode           uint32
	ScanFound      bool
	Deleted        bool
	ToChecksum     bool
	Checksum       string
	LastChangedRev uint64
	LastChangedBy  string
	VClock         vclock.Clock
	Updated        bool
	// Pending is true for a row accepted from a remote Update whose
	// content hasn't been fetched and written to disk yet (§4.4.3: "store
	// r under a sibling path... once its content arrives"). A row with
	// Pending set must not be offered to Get(checksum) callers or a scan
	// pass until the corresponding payload has been verified and moved
	// into place (internal/protocol's incoming-payload handling).
	Pending bool
}

// applyTombstone enforces the tombstone shape invariant from spec.md §3:
// deleted ⇒ size=0, mode=0, checksum="", to_checksum=false.
func (m *MFile) applyTombstone() {
	m.Deleted = true
	m.Size = 0
	m.Mode = 0
	m.Checksum = ""
	m.ToChecksum = false
}

// Share represents one locally-attached, replicated directory tree
// (spec.md §3).
type Share struct {
	Root     string
	ShareID  string // 32 bytes, hex
	PeerID   string // 16 bytes, hex
	PSKs     map[Access]string
	mu       sync.Mutex
	revision uint64

	Index *Index
}

// NewIdentity generates a fresh share_id and local peer_id, per spec.md
// §3 ("key material is generated on first creation and persisted").
func NewIdentity() (shareID, peerID string, err error) {
	shareID, err = randomHex(32)
	if err != nil {
		return "", "", err
	}
	peerID, err = randomHex(16)
	if err != nil {
		return "", "", err
	}
	return shareID, peerID, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("share: generate random id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Revision returns the share's current monotonically increasing
// revision counter.
func (s *Share) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// bumpRevision returns the current share revision, for the mutated row's
// last_changed_rev, and then increments it. Every local mutation must call
// this exactly once, per spec.md §3's "last_changed_rev < share.revision
// immediately after any mutation" invariant.
func (s *Share) bumpRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.revision
	s.revision++
	return rev
}

// FullPath joins the share root with a manifest-relative path.
func (s *Share) FullPath(relative string) string {
	return joinClean(s.Root, relative)
}
