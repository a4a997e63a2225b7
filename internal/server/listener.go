package server

import (
	"context"
	"fmt"
	"log"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/hoshizora/clearshare/internal/transport"
	"github.com/hoshizora/clearshare/internal/wire"
)

// protocolID is clearshare's libp2p stream protocol, replacing go-node's
// /mixnets/chat and /mixnets/file protocol IDs with a single sync one.
const protocolID = "/clearshare/sync/1.0.0"

const mdnsTag = "clearshare-mdns"

// Listener owns the libp2p host and turns every inbound stream on
// protocolID into a registered connection driven to completion.
// Grounded on go-node's newNode (libp2p.New options, SetStreamHandler,
// mdns.NewMdnsService), repurposed from the chat/file protocol IDs to
// clearshare's single sync protocol.
type Listener struct {
	host   host.Host
	server *Server
}

// NewListener builds a libp2p host listening on listenAddrs, registers
// the sync stream handler, and starts mDNS-based local peer discovery.
func NewListener(ctx context.Context, server *Server, listenAddrs []string) (*Listener, error) {
	h, err := libp2p.New(
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("server: build libp2p host: %w", err)
	}

	l := &Listener{host: h, server: server}
	h.SetStreamHandler(protocolID, l.handleInboundStream)

	if _, err := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{host: h}); err != nil {
		h.Close()
		return nil, fmt.Errorf("server: start mdns: %w", err)
	}

	log.Printf("[server] listening as %s on %v", h.ID(), h.Addrs())
	return l, nil
}

// Host returns the underlying libp2p host, for callers that need raw
// addressing info (e.g. to print a connect string).
func (l *Listener) Host() host.Host { return l.host }

// Close shuts down the libp2p host.
func (l *Listener) Close() error { return l.host.Close() }

type mdnsNotifee struct{ host host.Host }

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := m.host.Connect(context.Background(), info); err != nil {
		log.Printf("[server] mdns connect to %s failed: %v", info.ID, err)
	}
}

func (l *Listener) handleInboundStream(s network.Stream) {
	id, conn := l.server.NewConn()
	log.Printf("[server] %s: inbound stream from %s", id, s.Conn().RemotePeer())
	driver := transport.New(s, conn)
	if err := driver.Run(); err != nil {
		log.Printf("[server] %s: closed: %v", id, err)
	}
	l.server.Forget(id)
}

// Dial opens an outbound stream to peerID and starts syncing shareID,
// the initiator half of spec.md §4.5.1. The driver runs in its own
// goroutine; Dial returns once the handshake's first frame is sent.
func (l *Listener) Dial(ctx context.Context, peerID peer.ID, shareID string) error {
	if !l.server.HasShare(shareID) {
		return fmt.Errorf("server: unknown share_id %s", shareID)
	}

	s, err := l.host.NewStream(ctx, peerID, protocolID)
	if err != nil {
		return fmt.Errorf("server: dial %s: %w", peerID, err)
	}

	id, conn := l.server.NewConn()
	driver := transport.New(s, conn)
	if err := driver.Kickoff(wire.Message{Kind: wire.KindInternalSendStart, ShareID: shareID}); err != nil {
		l.server.Forget(id)
		s.Close()
		return fmt.Errorf("server: kickoff %s: %w", shareID, err)
	}

	go func() {
		if err := driver.Run(); err != nil {
			log.Printf("[server] %s: closed: %v", id, err)
		}
		l.server.Forget(id)
	}()
	return nil
}
