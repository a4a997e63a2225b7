package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/hoshizora/clearshare/internal/protocol"
	"github.com/hoshizora/clearshare/internal/share"
	"github.com/hoshizora/clearshare/internal/wire"
)

// pipeStream adapts one side of a net.Pipe (a full-duplex in-memory
// connection) to the Stream interface.
type pipeStream struct{ net.Conn }

func newConnPair(t *testing.T, shareID string) (*protocol.Conn, *protocol.Conn, *share.Index, *share.Index) {
	return newConnPairWithPSKs(t, shareID, nil)
}

func newConnPairWithPSKs(t *testing.T, shareID string, psks map[share.Access]string) (*protocol.Conn, *protocol.Conn, *share.Index, *share.Index) {
	t.Helper()

	rootA, rootB := t.TempDir(), t.TempDir()
	idxA, err := share.OpenIndex(filepath.Join(t.TempDir(), "a.db"))
	if err != nil {
		t.Fatalf("OpenIndex a: %v", err)
	}
	t.Cleanup(func() { idxA.Close() })
	idxB, err := share.OpenIndex(filepath.Join(t.TempDir(), "b.db"))
	if err != nil {
		t.Fatalf("OpenIndex b: %v", err)
	}
	t.Cleanup(func() { idxB.Close() })

	shareA := &share.Share{Root: rootA, ShareID: shareID, PeerID: "peerA", PSKs: psks}
	shareB := &share.Share{Root: rootB, ShareID: shareID, PeerID: "peerB", PSKs: psks}

	lookupA := func(id string) (*share.Share, *share.Index, bool) {
		if id != shareID {
			return nil, nil, false
		}
		return shareA, idxA, true
	}
	lookupB := func(id string) (*share.Share, *share.Index, bool) {
		if id != shareID {
			return nil, nil, false
		}
		return shareB, idxB, true
	}

	connA := protocol.NewConn("A", lookupA, "peerA", "node-a", "clearshare/1.0", nil, share.AccessReadWrite, t.TempDir())
	connB := protocol.NewConn("B", lookupB, "peerB", "node-b", "clearshare/1.0", nil, share.AccessReadWrite, t.TempDir())
	return connA, connB, idxA, idxB
}

func TestDriverHandshakeOverPipe(t *testing.T) {
	shareID := "share-xyz"
	connA, connB, idxA, idxB := newConnPair(t, shareID)

	if err := idxB.Insert(share.MFile{
		Path:           "report.txt",
		Checksum:       "sum-1",
		LastChangedBy:  "peerB",
		LastChangedRev: 1,
	}); err != nil {
		t.Fatalf("seed idxB: %v", err)
	}
	_ = idxA

	clientConn, serverConn := net.Pipe()
	driverA := New(pipeStream{clientConn}, connA)
	driverB := New(pipeStream{serverConn}, connB)

	// Kick off the handshake from A's side before A's Run loop starts,
	// so the self-initiated transition doesn't race Run's own Dispatch
	// calls (spec.md §5: one dispatch in flight per connection).
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneB <- driverB.Run() }()
	go func() {
		if err := driverA.Kickoff(wire.Message{Kind: wire.KindInternalSendStart, ShareID: shareID}); err != nil {
			doneA <- err
			return
		}
		doneA <- driverA.Run()
	}()

	time.Sleep(100 * time.Millisecond)
	clientConn.Close()
	serverConn.Close()

	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatalf("driver A did not finish")
	}
	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatalf("driver B did not finish")
	}
}

func TestDriverSignsOutboundFramesWhenSharePSKIsConfigured(t *testing.T) {
	shareID := "share-signed"
	psks := map[share.Access]string{share.AccessReadWrite: "a-shared-read-write-psk"}
	connA, connB, _, _ := newConnPairWithPSKs(t, shareID, psks)

	clientConn, serverConn := net.Pipe()
	driverA := New(pipeStream{clientConn}, connA)
	driverB := New(pipeStream{serverConn}, connB)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneB <- driverB.Run() }()
	go func() {
		if err := driverA.Kickoff(wire.Message{Kind: wire.KindInternalSendStart, ShareID: shareID}); err != nil {
			doneA <- err
			return
		}
		doneA <- driverA.Run()
	}()

	time.Sleep(100 * time.Millisecond)
	clientConn.Close()
	serverConn.Close()
	<-doneA
	<-doneB

	if connA.SigningKey == nil || connB.SigningKey == nil {
		t.Fatalf("expected both sides to derive a signing key from the shared PSK")
	}
	if string(connA.SigningKey) != string(connB.SigningKey) {
		t.Fatalf("both sides of a share should derive the same signing key")
	}
}
