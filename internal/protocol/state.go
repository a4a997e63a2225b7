// Package protocol implements the per-connection protocol state machine
// (C5): a closed tagged union of message kinds dispatched through a
// state-keyed handler table, per spec.md §9 (replacing the source's
// per-state visitor pairs). The state machine owns no socket; it accepts
// decoded wire.Message values and payload events from a transport driver
// and returns Effects describing what to send and whether to close.
package protocol

import (
	"crypto/ed25519"
	"hash"
	"os"
	"time"

	"github.com/hoshizora/clearshare/internal/share"
	"github.com/hoshizora/clearshare/internal/wire"
)

// ProtocolVersion is clearshare's own handshake protocol number,
// advertised in Start/Go (spec.md §4.2).
const ProtocolVersion = 1

// ChunkSize is the outbound payload chunk size used by GET transfers
// (spec.md §4.5.2: "drains the file in 65536-byte chunks").
const ChunkSize = 65536

// State names the five states of the per-connection state machine
// (spec.md §4.5).
type State int

const (
	StateInitial State = iota
	StateWait4Go
	StateConnected
	StateGetUpdates
	StateGet
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateWait4Go:
		return "WAIT4_GO"
	case StateConnected:
		return "CONNECTED"
	case StateGetUpdates:
		return "GET_UPDATES"
	case StateGet:
		return "GET"
	default:
		return "UNKNOWN"
	}
}

// ShareLookup resolves a share_id to its Share/Index pair, per the
// server's share_id -> Share map (spec.md §4.7). Connections hold a
// non-owning handle via this func rather than a direct map reference
// (spec.md §9 "shared mutable share map").
type ShareLookup func(shareID string) (*share.Share, *share.Index, bool)

// Outbound is one message Dispatch asks the transport to send. Payload
// announces that a payload-bearing frame follows, pumped separately via
// Conn.NextChunk.
type Outbound struct {
	Message wire.Message
	Payload bool
}

// Effects is what a handler produces: zero or more outbound messages,
// and optionally a request to close the connection.
type Effects struct {
	Send     []Outbound
	Close    bool
	CloseErr error
}

type handlerFunc func(*Conn, wire.Message) (Effects, error)

// Conn is one connection's protocol state machine. It holds the open
// source/sink file handles as scoped resources (spec.md §9 "open files
// during transfers") rather than via a callback into the transport.
type Conn struct {
	ID string

	lookup ShareLookup

	LocalPeerID   string
	LocalName     string
	LocalSoftware string
	LocalFeatures []string
	LocalAccess   share.Access

	// QuarantineDir holds in-flight incoming payloads outside any share
	// root until their checksum is verified (spec.md §4.5.5, GLOSSARY
	// "Quarantine").
	QuarantineDir string

	// SigningKey, when non-nil, signs every outbound frame (spec.md §4.1's
	// optional 's'/'$' shapes), derived from the share's read-write PSK
	// once Share is set (see deriveSigningKey in handshake.go). nil means
	// send unsigned frames; a transport driver reads the field directly.
	SigningKey ed25519.PrivateKey

	state State

	Share *share.Share
	Index *share.Index

	PeerID       string
	PeerName     string
	PeerSoftware string
	PeerFeatures []string
	PeerAccess   share.Access

	// GET: outbound file transfer (we are the sender).
	sourceFile     *os.File
	sourceChecksum string

	// Queued outbound Get requests, dispatched one at a time per
	// connection (spec.md §4.5.4 "one in-flight Get at a time").
	pendingGets []string
	getInFlight string

	// Incoming payload (we issued Get; peer is streaming FileData).
	awaitingChecksum string
	sink             *os.File
	sinkPath         string
	sinkHasher       hash.Hash

	lastActivity time.Time
	pingTimeout  time.Duration
}

// NewConn builds a fresh protocol state machine for one connection,
// starting in INITIAL.
func NewConn(id string, lookup ShareLookup, localPeerID, localName, localSoftware string, localFeatures []string, localAccess share.Access, quarantineDir string) *Conn {
	return &Conn{
		ID:            id,
		lookup:        lookup,
		LocalPeerID:   localPeerID,
		LocalName:     localName,
		LocalSoftware: localSoftware,
		LocalFeatures: localFeatures,
		LocalAccess:   localAccess,
		QuarantineDir: quarantineDir,
		state:         StateInitial,
		pingTimeout:   time.Duration(wire.DefaultPingTimeout) * time.Second,
	}
}

// State returns the connection's current state.
func (c *Conn) State() State { return c.state }

var handlers = map[State]map[wire.Kind]handlerFunc{
	StateInitial: {
		wire.KindInternalSendStart: handleInternalSendStart,
		wire.KindStart:             handleStart,
	},
	StateWait4Go: {
		wire.KindGo: handleGo,
	},
	StateConnected: {
		wire.KindGet:        handleGet,
		wire.KindGetUpdates: handleGetUpdates,
		wire.KindUpdate:     handleUpdate,
		wire.KindPing:       handlePing,
		wire.KindIdentity:   handleIdentity,
		// FileData/NoSuchFile aren't named in spec.md §4.5's CONNECTED
		// row, but §4.5.5 requires the Get-issuing side to accept them
		// while remaining CONNECTED (there is no separate "awaiting
		// payload" state in the table) — see DESIGN.md decision 7.
		wire.KindFileData:   handleFileData,
		wire.KindNoSuchFile: handleNoSuchFile,
	},
	StateGetUpdates: {
		wire.KindUpdate: handleUpdate,
	},
	StateGet: {}, // no messages allowed; default handler closes.
}

// Dispatch routes one decoded message through the state-keyed handler
// table. A (state, kind) pair absent from the table is a protocol error
// (spec.md §4.5: "all others yield a protocol error"); the single shared
// default handler closes the connection (spec.md §9).
func (c *Conn) Dispatch(msg wire.Message) (Effects, error) {
	c.Touch()
	if table, ok := handlers[c.state]; ok {
		if h, ok := table[msg.Kind]; ok {
			return h(c, msg)
		}
	}
	return Effects{Close: true, CloseErr: ErrProtocol}, ErrProtocol
}

// Touch records that a message was just seen, resetting the keep-alive
// clock (spec.md §5).
func (c *Conn) Touch() { c.lastActivity = time.Now() }

// Idle reports whether no message has arrived within 2x the negotiated
// Ping timeout, the receive-side keep-alive bound from spec.md §5.
func (c *Conn) Idle(now time.Time) bool {
	if c.lastActivity.IsZero() {
		return false
	}
	return now.Sub(c.lastActivity) > 2*c.pingTimeout
}

// PingInterval returns the negotiated Ping timeout, the cadence a
// transport driver should poll Idle at.
func (c *Conn) PingInterval() time.Duration {
	return c.pingTimeout
}

// Close releases any scoped file handles held by the state machine
// (spec.md §5 "cancellation/timeout": closing a connection aborts any
// in-flight GET and deletes any in-flight quarantine file).
func (c *Conn) Close() {
	c.closeSource()
	c.abortSink()
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}
