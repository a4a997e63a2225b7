package wire

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the protocol message kinds from spec.md §4.2.
type Kind string

const (
	KindInternalSendStart Kind = "internal_send_start"
	KindPing              Kind = "ping"
	KindStart             Kind = "start"
	KindGo                Kind = "go"
	KindCannotStart       Kind = "cannot_start"
	KindGetUpdates        Kind = "get_updates"
	KindUpdate            Kind = "update"
	KindGet               Kind = "get"
	KindFileData          Kind = "file_data"
	KindNoSuchFile        Kind = "no_such_file"
	// KindIdentity is the legacy no-op the listener sometimes still sends
	// after Go; see SPEC_FULL.md §5 / DESIGN.md Open Question 1.
	KindIdentity Kind = "identity"
	// KindUnknown is never encoded; it is the decode result for a kind
	// string not in this table, carrying the re-serialized JSON for
	// diagnostics (spec.md §4.2).
	KindUnknown Kind = "unknown"
)

// Message is the union of every field used by the protocol, tagged by
// Kind. Only the fields relevant to Kind are meaningful; this mirrors the
// teacher's flat JSON-tagged structs (types.go ChatMsg/FileManifest)
// generalized to one struct per spec.md's exhaustive kind table instead
// of one struct per message.
type Message struct {
	Kind Kind `json:"type"`

	// Ping
	Timeout uint32 `json:"timeout,omitempty"`

	// InternalSendStart
	ShareID string `json:"share_id,omitempty"`

	// Start / Go
	Software string   `json:"software,omitempty"`
	Protocol int      `json:"protocol,omitempty"`
	Features []string `json:"features,omitempty"`
	Access   string   `json:"access,omitempty"`
	PeerID   string   `json:"peer,omitempty"`
	Name     string   `json:"name,omitempty"`
	Time     string   `json:"time,omitempty"`

	// GetUpdates
	Since map[string]uint64 `json:"since,omitempty"`

	// Update
	Revision uint64      `json:"revision,omitempty"`
	Partial  bool        `json:"partial,omitempty"`
	Files    []FileEntry `json:"files,omitempty"`

	// Get / FileData / NoSuchFile
	Checksum string `json:"checksum,omitempty"`

	// Unknown (diagnostic only)
	RawJSON string `json:"-"`
}

// FileEntry is one row of an Update message's file list, per spec.md
// §4.5.3 — the wire form is always the plural "paths" array (see
// DESIGN.md Open Question 2). VClock rides along too: §4.4.3's conflict
// rule compares a remote row's full vector clock against the local one,
// which last_changed_by/last_changed_rev alone can't reconstruct (see
// DESIGN.md Open Question 5).
type FileEntry struct {
	Paths          []string          `json:"paths"`
	LastChangedBy  string            `json:"last_changed_by"`
	LastChangedRev uint64            `json:"last_changed_rev"`
	VClock         map[string]uint64 `json:"vclock,omitempty"`
	Mtime          string            `json:"mtime"`
	Size           uint64            `json:"size"`
	Mode           uint32            `json:"mode"`
	Deleted        bool              `json:"deleted,omitempty"`
	Checksum       string            `json:"checksum"`
}

// CoderError reports a well-framed but undecodable message (spec.md §7).
type CoderError struct {
	Reason string
}

func (e *CoderError) Error() string { return "wire: coder error: " + e.Reason }

// Encode serializes m to the JSON wire form.
func Encode(m Message) ([]byte, error) {
	if m.Kind == KindUnknown {
		return nil, fmt.Errorf("wire: cannot encode Unknown message")
	}
	return json.Marshal(m)
}

// Decode parses raw JSON bytes into a Message. A "type" field naming a
// kind outside the table above produces KindUnknown carrying the
// re-serialized JSON, per spec.md §4.2; malformed JSON is a CoderError.
func Decode(raw []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, &CoderError{Reason: err.Error()}
	}

	switch Kind(probe.Type) {
	case KindInternalSendStart, KindPing, KindStart, KindGo, KindCannotStart,
		KindGetUpdates, KindUpdate, KindGet, KindFileData, KindNoSuchFile, KindIdentity:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return Message{}, &CoderError{Reason: err.Error()}
		}
		if err := validate(m); err != nil {
			return Message{}, err
		}
		return m, nil
	default:
		return Message{Kind: KindUnknown, RawJSON: string(raw)}, nil
	}
}

// validate enforces the required-field/range checks a decoder failure
// would catch (spec.md §7: "missing required field, out-of-range
// number").
func validate(m Message) error {
	switch m.Kind {
	case KindStart, KindGo:
		if m.ShareID == "" {
			return &CoderError{Reason: "missing id"}
		}
	case KindInternalSendStart:
		if m.ShareID == "" {
			return &CoderError{Reason: "missing share_id"}
		}
	case KindGet, KindFileData, KindNoSuchFile:
		if m.Checksum == "" {
			return &CoderError{Reason: "missing checksum"}
		}
	case KindUpdate:
		for _, f := range m.Files {
			if len(f.Paths) == 0 {
				return &CoderError{Reason: "mfile paths is empty"}
			}
		}
	}
	return nil
}

// DefaultPingTimeout is the default keep-alive timeout, per spec.md
// §4.2.
const DefaultPingTimeout uint32 = 60
