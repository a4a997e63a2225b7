package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/hoshizora/clearshare/internal/share"
	"github.com/hoshizora/clearshare/internal/wire"
)

func newTestConn(t *testing.T, shareID, peerID string) (*Conn, *share.Index, *share.Share) {
	t.Helper()
	root := t.TempDir()
	quarantine := t.TempDir()

	idx, err := share.OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	s := &share.Share{Root: root, ShareID: shareID, PeerID: peerID}

	lookup := func(id string) (*share.Share, *share.Index, bool) {
		if id != shareID {
			return nil, nil, false
		}
		return s, idx, true
	}

	c := NewConn("conn-1", lookup, peerID, "node-a", "clearshare/1.0", nil, share.AccessReadWrite, quarantine)
	return c, idx, s
}

func TestHandshakeInitiatorAndListener(t *testing.T) {
	initiator, _, _ := newTestConn(t, "share-1", "peerA")
	listener, _, _ := newTestConn(t, "share-1", "peerB")

	eff, err := initiator.Dispatch(wire.Message{Kind: wire.KindInternalSendStart, ShareID: "share-1"})
	if err != nil {
		t.Fatalf("internal_send_start: %v", err)
	}
	if initiator.State() != StateWait4Go {
		t.Fatalf("initiator state = %v, want WAIT4_GO", initiator.State())
	}
	startMsg := eff.Send[0].Message

	eff, err = listener.Dispatch(startMsg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if listener.State() != StateConnected {
		t.Fatalf("listener state = %v, want CONNECTED", listener.State())
	}
	goMsg := eff.Send[0].Message

	if _, err := initiator.Dispatch(goMsg); err != nil {
		t.Fatalf("go: %v", err)
	}
	if initiator.State() != StateConnected {
		t.Fatalf("initiator state = %v, want CONNECTED", initiator.State())
	}
}

func TestHandshakeDerivesSigningKeyFromReadWritePSK(t *testing.T) {
	initiator, _, s := newTestConn(t, "share-1", "peerA")
	s.PSKs = map[share.Access]string{share.AccessReadWrite: "top-secret-psk"}
	listener, _, ls := newTestConn(t, "share-1", "peerB")
	ls.PSKs = s.PSKs

	eff, err := initiator.Dispatch(wire.Message{Kind: wire.KindInternalSendStart, ShareID: "share-1"})
	if err != nil {
		t.Fatalf("internal_send_start: %v", err)
	}
	if initiator.SigningKey == nil {
		t.Fatalf("expected initiator.SigningKey to be derived from the share's read-write PSK")
	}

	if _, err := listener.Dispatch(eff.Send[0].Message); err != nil {
		t.Fatalf("start: %v", err)
	}
	if listener.SigningKey == nil {
		t.Fatalf("expected listener.SigningKey to be derived from the share's read-write PSK")
	}
	if string(initiator.SigningKey) != string(listener.SigningKey) {
		t.Fatalf("both sides of a share should derive the same signing key")
	}

	raw, err := wire.Encode(wire.Message{Kind: wire.KindPing})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sig := wire.Sign(initiator.SigningKey, raw)
	pub := initiator.SigningKey.Public().(ed25519.PublicKey)
	if !wire.Verify(pub, raw, sig) {
		t.Fatalf("expected the signature to verify under the derived public key")
	}
	if wire.Verify(pub, append([]byte(nil), raw...), append([]byte(nil), sig[:len(sig)-1]...)) {
		t.Fatalf("truncated signature should not verify")
	}
}

func TestHandshakeNoPSKLeavesSigningKeyNil(t *testing.T) {
	initiator, _, _ := newTestConn(t, "share-1", "peerA")
	if _, err := initiator.Dispatch(wire.Message{Kind: wire.KindInternalSendStart, ShareID: "share-1"}); err != nil {
		t.Fatalf("internal_send_start: %v", err)
	}
	if initiator.SigningKey != nil {
		t.Fatalf("expected a nil SigningKey when the share has no read-write PSK")
	}
}

func TestHandshakeUnknownShareClosesWithCannotStart(t *testing.T) {
	listener, _, _ := newTestConn(t, "share-1", "peerB")

	eff, err := listener.Dispatch(wire.Message{Kind: wire.KindStart, ShareID: "no-such-share"})
	if err == nil {
		t.Fatalf("expected an error for unknown share_id")
	}
	if !eff.Close {
		t.Fatalf("expected Close=true")
	}
	if len(eff.Send) != 1 || eff.Send[0].Message.Kind != wire.KindCannotStart {
		t.Fatalf("expected a CannotStart reply, got %+v", eff.Send)
	}
}

func TestDispatchUnexpectedMessageIsProtocolError(t *testing.T) {
	c, _, _ := newTestConn(t, "share-1", "peerA")
	eff, err := c.Dispatch(wire.Message{Kind: wire.KindGet, Checksum: "aaaa"})
	if err == nil || !eff.Close {
		t.Fatalf("expected a protocol error + close in INITIAL state, got err=%v eff=%+v", err, eff)
	}
}

func TestHandleGetNoSuchFile(t *testing.T) {
	c, idx, s := newTestConn(t, "share-1", "peerA")
	c.Share = s
	c.Index = idx
	c.state = StateConnected

	eff, err := c.Dispatch(wire.Message{Kind: wire.KindGet, Checksum: "missing"})
	if err != nil {
		t.Fatalf("handleGet: %v", err)
	}
	if len(eff.Send) != 1 || eff.Send[0].Message.Kind != wire.KindNoSuchFile {
		t.Fatalf("expected NoSuchFile reply, got %+v", eff.Send)
	}
	if c.State() != StateConnected {
		t.Fatalf("state should remain CONNECTED after a miss")
	}
}

func TestHandleGetStreamsFileAndReturnsToConnected(t *testing.T) {
	c, idx, s := newTestConn(t, "share-1", "peerA")
	c.Share = s
	c.Index = idx
	c.state = StateConnected

	content := []byte("hello clearshare")
	if err := os.WriteFile(filepath.Join(s.Root, "notes.txt"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := idx.Insert(share.MFile{Path: "notes.txt", Checksum: "cksum-1"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	eff, err := c.Dispatch(wire.Message{Kind: wire.KindGet, Checksum: "cksum-1"})
	if err != nil {
		t.Fatalf("handleGet: %v", err)
	}
	if len(eff.Send) != 1 || eff.Send[0].Message.Kind != wire.KindFileData || !eff.Send[0].Payload {
		t.Fatalf("expected a payload-bearing FileData reply, got %+v", eff.Send)
	}
	if c.State() != StateGet {
		t.Fatalf("state = %v, want GET", c.State())
	}

	var gotAll []byte
	for {
		data, end, err := c.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		gotAll = append(gotAll, data...)
		if end {
			break
		}
	}
	if string(gotAll) != string(content) {
		t.Fatalf("streamed content = %q, want %q", gotAll, content)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after EOF = %v, want CONNECTED", c.State())
	}
}

func TestHandleUpdateNewRowEnqueuesGetAndStaysConnectedWhenNotPartial(t *testing.T) {
	c, idx, s := newTestConn(t, "share-1", "peerA")
	c.Share = s
	c.Index = idx
	c.state = StateConnected

	msg := wire.Message{
		Kind: wire.KindUpdate,
		Files: []wire.FileEntry{{
			Paths:          []string{"doc.txt"},
			LastChangedBy:  "peerB",
			LastChangedRev: 1,
			VClock:         map[string]uint64{"peerB": 1},
			Mtime:          "2024-01-01T00:00:00Z",
			Size:           4,
			Mode:           0o644,
			Checksum:       "remote-sum",
		}},
	}

	eff, err := c.Dispatch(msg)
	if err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want CONNECTED", c.State())
	}
	if len(eff.Send) != 1 || eff.Send[0].Message.Kind != wire.KindGet || eff.Send[0].Message.Checksum != "remote-sum" {
		t.Fatalf("expected an immediate Get dispatch, got %+v", eff.Send)
	}
	if c.awaitingChecksum != "remote-sum" {
		t.Fatalf("awaitingChecksum = %q, want remote-sum", c.awaitingChecksum)
	}

	stored, found, err := idx.GetByPath("doc.txt")
	if err != nil || !found {
		t.Fatalf("GetByPath: found=%v err=%v", found, err)
	}
	if !stored.Pending {
		t.Fatalf("expected the accepted row to be marked Pending until fetched")
	}
}

func TestHandleUpdatePartialStaysInGetUpdates(t *testing.T) {
	c, idx, s := newTestConn(t, "share-1", "peerA")
	c.Share = s
	c.Index = idx
	c.state = StateGetUpdates

	msg := wire.Message{Kind: wire.KindUpdate, Partial: true}
	if _, err := c.Dispatch(msg); err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if c.State() != StateGetUpdates {
		t.Fatalf("state = %v, want GET_UPDATES for a partial batch", c.State())
	}
}

func TestFileDataEndToEndMaterializesFile(t *testing.T) {
	c, idx, s := newTestConn(t, "share-1", "peerA")
	c.Share = s
	c.Index = idx
	c.state = StateConnected

	payload := []byte("payload bytes")
	h := sha256.New()
	h.Write(payload)
	checksum := hashToHex(h)

	if err := idx.Insert(share.MFile{Path: "incoming.txt", Checksum: checksum, Pending: true}); err != nil {
		t.Fatalf("seed pending row: %v", err)
	}

	c.awaitingChecksum = checksum
	c.getInFlight = checksum

	if _, err := c.Dispatch(wire.Message{Kind: wire.KindFileData, Checksum: checksum}); err != nil {
		t.Fatalf("handleFileData: %v", err)
	}
	if c.sink == nil {
		t.Fatalf("expected an open quarantine sink")
	}

	if err := c.OnPayloadChunk(payload); err != nil {
		t.Fatalf("OnPayloadChunk: %v", err)
	}

	if _, err := c.OnPayloadEnd(); err != nil {
		t.Fatalf("OnPayloadEnd: %v", err)
	}

	got, err := os.ReadFile(s.FullPath("incoming.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("materialized content = %q, want %q", got, payload)
	}

	stored, found, err := idx.GetByPath("incoming.txt")
	if err != nil || !found {
		t.Fatalf("GetByPath: found=%v err=%v", found, err)
	}
	if stored.Pending {
		t.Fatalf("expected Pending cleared after materialization")
	}
}
