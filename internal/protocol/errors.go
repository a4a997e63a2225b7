package protocol

import "errors"

// Sentinel errors for the taxonomy in spec.md §7. Handlers return these
// (wrapped with fmt.Errorf where local detail helps) so callers can
// branch with errors.Is.
var (
	// ErrProtocol is a valid message received in an unexpected state, or
	// a handshake share_id mismatch.
	ErrProtocol = errors.New("protocol: unexpected message for current state")
	// ErrShareNotFound is a referenced share_id absent on this node.
	ErrShareNotFound = errors.New("protocol: share not found")
	// ErrAccessDenied is an untrusted peer attempting an operation that
	// access tier doesn't permit (SPEC_FULL.md §5 access levels).
	ErrAccessDenied = errors.New("protocol: access denied for untrusted peer")
	// ErrChecksumMismatch is a received payload whose SHA-256 doesn't
	// match the announced checksum.
	ErrChecksumMismatch = errors.New("protocol: received payload checksum mismatch")
	// ErrUnexpectedPayload is a payload event with no pending sink
	// (FileData never announced, or for the wrong checksum).
	ErrUnexpectedPayload = errors.New("protocol: payload event with no matching pending Get")
)
