// Package server assembles one clearshare node's connection-facing
// surface (C7): the share_id -> Share registry, the connection_id ->
// connection registry, and the libp2p listener that turns inbound/
// outbound streams into protocol.Conn + transport.Driver pairs.
package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hoshizora/clearshare/internal/protocol"
	"github.com/hoshizora/clearshare/internal/share"
)

// Config carries the node-level identity and defaults a Server needs,
// grounded on keysaver-server/config.go's flat options struct.
type Config struct {
	PeerID        string
	Name          string
	Software      string
	Features      []string
	QuarantineDir string
}

// Server owns the share_id -> Share map and connection_id -> Conn map,
// grounded on keysaver-server/server.go's Server struct (storage +
// config fields, one constructor, one entry point per concern) adapted
// from an HTTP handler table to a stream-protocol registry.
type Server struct {
	cfg Config

	mu     sync.Mutex
	shares map[string]*shareEntry
	conns  map[string]*protocol.Conn
}

type shareEntry struct {
	share *share.Share
	index *share.Index
}

// New builds an empty Server for cfg.
func New(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		shares: map[string]*shareEntry{},
		conns:  map[string]*protocol.Conn{},
	}
}

// AddShare registers a locally-attached share, making it dispatchable by
// id to any connection's Start/GetUpdates traffic.
func (s *Server) AddShare(sh *share.Share, idx *share.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[sh.ShareID] = &shareEntry{share: sh, index: idx}
}

// RemoveShare detaches a share; existing connections keep their own
// *share.Share/*share.Index handles (spec.md §9 "non-owning handle").
func (s *Server) RemoveShare(shareID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, shareID)
}

// lookup implements protocol.ShareLookup against the registered shares.
func (s *Server) lookup(shareID string) (*share.Share, *share.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.shares[shareID]
	if !ok {
		return nil, nil, false
	}
	return e.share, e.index, true
}

// NewConn builds a fresh protocol.Conn for one accepted or dialed
// stream, registers it under a uuid connection_id, and returns both.
func (s *Server) NewConn() (id string, conn *protocol.Conn) {
	id = uuid.NewString()
	conn = protocol.NewConn(id, s.lookup, s.cfg.PeerID, s.cfg.Name, s.cfg.Software, s.cfg.Features, share.AccessReadWrite, s.cfg.QuarantineDir)

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	return id, conn
}

// Forget removes a connection from the registry once its driver loop
// has returned.
func (s *Server) Forget(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// HasShare reports whether shareID is registered, so a dialer can fail
// fast before opening a stream for it.
func (s *Server) HasShare(shareID string) bool {
	_, _, ok := s.lookup(shareID)
	return ok
}
