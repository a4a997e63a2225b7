package protocol

import (
	"github.com/hoshizora/clearshare/internal/share"
	"github.com/hoshizora/clearshare/internal/wire"
)

// deriveSigningKey returns a share's read-write PSK as the seed that
// wire.SigningKeyFromSeed expands into the ed25519 key used to sign this
// connection's outbound frames (spec.md §4.1's optional 's'/'$' shapes).
// It returns nil, and the connection sends unsigned frames, when the
// share has no read-write PSK. The access tier of either side is not
// consulted.
func deriveSigningKey(s *share.Share) []byte {
	if s == nil || s.PSKs == nil {
		return nil
	}
	psk, ok := s.PSKs[share.AccessReadWrite]
	if !ok || psk == "" {
		return nil
	}
	return []byte(psk)
}

// handleInternalSendStart is the INITIAL self-initiated transition: we
// want to start syncing share_id, so build and send Start and enter
// WAIT4_GO (spec.md §4.5.1, the initiator's symmetric half).
func handleInternalSendStart(c *Conn, msg wire.Message) (Effects, error) {
	s, idx, ok := c.lookup(msg.ShareID)
	if !ok {
		return Effects{}, ErrShareNotFound
	}
	c.Share = s
	c.Index = idx
	if seed := deriveSigningKey(s); seed != nil {
		c.SigningKey = wire.SigningKeyFromSeed(seed)
	}

	start := wire.Message{
		Kind:     wire.KindStart,
		ShareID:  msg.ShareID,
		Software: c.LocalSoftware,
		Protocol: ProtocolVersion,
		Features: c.LocalFeatures,
		Access:   string(c.LocalAccess),
		PeerID:   c.LocalPeerID,
		Name:     c.LocalName,
		Time:     nowISO(),
	}
	c.state = StateWait4Go
	return Effects{Send: []Outbound{{Message: start}}}, nil
}

// handleStart is the listener's half: look up the share by id, record
// the peer's identity fields, and reply with Go (or CannotStart and
// close on a lookup miss), per spec.md §4.5.1 and the transition table's
// INITIAL rows.
func handleStart(c *Conn, msg wire.Message) (Effects, error) {
	s, idx, ok := c.lookup(msg.ShareID)
	if !ok {
		cannot := wire.Message{Kind: wire.KindCannotStart, ShareID: msg.ShareID}
		return Effects{Send: []Outbound{{Message: cannot}}, Close: true, CloseErr: ErrShareNotFound}, ErrShareNotFound
	}
	c.Share = s
	c.Index = idx
	if seed := deriveSigningKey(s); seed != nil {
		c.SigningKey = wire.SigningKeyFromSeed(seed)
	}
	c.recordPeer(msg)

	goMsg := wire.Message{
		Kind:     wire.KindGo,
		ShareID:  msg.ShareID,
		Software: c.LocalSoftware,
		Protocol: ProtocolVersion,
		Features: c.LocalFeatures,
		Access:   string(c.LocalAccess),
		PeerID:   c.LocalPeerID,
		Name:     c.LocalName,
		Time:     nowISO(),
	}
	c.state = StateConnected
	return Effects{Send: []Outbound{{Message: goMsg}}}, nil
}

// handleGo is the initiator's WAIT4_GO -> CONNECTED transition: record
// the peer descriptor and require the share_id echoed back matches what
// we offered (spec.md §4.5's WAIT4_GO row).
func handleGo(c *Conn, msg wire.Message) (Effects, error) {
	if c.Share == nil || msg.ShareID != c.Share.ShareID {
		return Effects{Close: true, CloseErr: ErrProtocol}, ErrProtocol
	}
	c.recordPeer(msg)
	c.state = StateConnected
	return Effects{}, nil
}

func (c *Conn) recordPeer(msg wire.Message) {
	c.PeerID = msg.PeerID
	c.PeerName = msg.Name
	c.PeerSoftware = msg.Software
	c.PeerFeatures = msg.Features
	c.PeerAccess = share.Access(msg.Access)
}

// handlePing resets the keep-alive clock; Touch (called by Dispatch
// before every handler) already does the real work, so this is a no-op
// besides optionally adopting the peer's requested timeout.
func handlePing(c *Conn, msg wire.Message) (Effects, error) {
	if msg.Timeout > 0 {
		c.pingTimeout = secondsToDuration(msg.Timeout)
	}
	return Effects{}, nil
}

// handleIdentity is the legacy no-op the listener sometimes still sends
// after Go (DESIGN.md Open Question 1 / SPEC_FULL.md §5): decode it,
// log nothing of consequence, stay CONNECTED.
func handleIdentity(c *Conn, msg wire.Message) (Effects, error) {
	return Effects{}, nil
}
