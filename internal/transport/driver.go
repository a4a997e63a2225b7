// Package transport implements the per-connection byte-stream driver
// (C6): it demultiplexes a peer connection via internal/wire's framing
// and message codec, and drives an internal/protocol.Conn with the
// decoded events, turning its Effects back into frames on the wire.
//
// Grounded on go-node's handleFileStream/broadcastFile read/write loop
// shape, redesigned per spec.md §9 as explicit event/effect message
// passing: the driver and the state machine never call back into each
// other, only Dispatch-in / Effects-out.
package transport

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/hoshizora/clearshare/internal/protocol"
	"github.com/hoshizora/clearshare/internal/wire"
)

// Stream is the minimal surface a transport needs from a peer
// connection; satisfied directly by network.Stream from go-libp2p.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Driver owns one connection's byte-level I/O loop and keep-alive timer.
type Driver struct {
	stream Stream
	conn   *protocol.Conn
	fr     *wire.FrameReader
	fw     *wire.FrameWriter
}

// New wraps stream for conn's lifetime.
func New(stream Stream, conn *protocol.Conn) *Driver {
	return &Driver{
		stream: stream,
		conn:   conn,
		fr:     wire.NewFrameReader(stream),
		fw:     wire.NewFrameWriter(stream),
	}
}

// Kickoff dispatches a self-initiated message (spec.md §4.5.1's
// internal_send_start) and flushes the resulting Effects, before Run's
// read loop starts. Callers must call this at most once, and only
// before Run.
func (d *Driver) Kickoff(msg wire.Message) error {
	eff, err := d.conn.Dispatch(msg)
	if sendErr := d.sendEffects(eff); sendErr != nil {
		return sendErr
	}
	return err
}

// Run drives the connection until the peer disconnects, a protocol
// error closes it, or the keep-alive watcher detects the peer has gone
// silent.
// It is the single-threaded cooperative loop spec.md §5 describes: one
// frame is fully processed (including any outbound Effects) before the
// next is read.
func (d *Driver) Run() error {
	defer d.conn.Close()
	defer d.stream.Close()

	idleCheck := time.NewTicker(d.conn.PingInterval())
	defer idleCheck.Stop()
	done := make(chan struct{})
	defer close(done)
	go d.idleWatcher(idleCheck, done)

	for {
		frame, err := d.fr.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("transport: read frame: %w", err)
		}

		msg, err := wire.Decode(frame.Message)
		if err != nil {
			return fmt.Errorf("transport: decode: %w", err)
		}

		if err := d.verifyFrame(frame); err != nil {
			return err
		}

		eff, dispErr := d.conn.Dispatch(msg)
		if err := d.sendEffects(eff); err != nil {
			return err
		}
		if eff.Close {
			if dispErr != nil {
				log.Printf("[transport %s] closing: %v", d.conn.ID, dispErr)
			}
			return dispErr
		}

		if frame.HasPayload {
			if err := d.pumpIncomingPayload(); err != nil {
				return err
			}
		}
	}
}

// verifyFrame rejects a signed frame whose signature doesn't check out
// under the connection's own derived key. Both ends of a share derive
// the identical ed25519 pair from the same PSK (wire.SigningKeyFromSeed),
// so a connection verifies its peer's frames against its own public
// half rather than a separately exchanged peer key. An unsigned frame on
// a connection that has negotiated a signing key is itself a failure:
// spec.md §4.1's 's'/'$' shapes are all-or-nothing once a share has a
// read-write PSK.
func (d *Driver) verifyFrame(frame wire.Frame) error {
	key := d.conn.SigningKey
	if key == nil {
		return nil
	}
	pub := key.Public().(ed25519.PublicKey)
	if !frame.HasSigBytes {
		return fmt.Errorf("transport: unsigned frame on a signed connection")
	}
	if !wire.Verify(pub, frame.Message, frame.Signature) {
		return fmt.Errorf("transport: frame signature verification failed")
	}
	return nil
}

// pumpIncomingPayload reads chunk frames until the terminating
// zero-length chunk, handing each to the protocol layer's sink.
func (d *Driver) pumpIncomingPayload() error {
	for {
		data, ok, err := d.fr.ReadPayloadChunk()
		if err != nil {
			return fmt.Errorf("transport: read payload chunk: %w", err)
		}
		if !ok {
			eff, err := d.conn.OnPayloadEnd()
			if sendErr := d.sendEffects(eff); sendErr != nil {
				return sendErr
			}
			return err
		}
		if err := d.conn.OnPayloadChunk(data); err != nil {
			return fmt.Errorf("transport: payload chunk: %w", err)
		}
	}
}

// sendEffects writes every outbound message an Effects value carries,
// pumping the GET-state file payload afterward when Outbound.Payload is
// set (spec.md §4.5.2: FileData is immediately followed by chunk frames).
func (d *Driver) sendEffects(eff protocol.Effects) error {
	for _, ob := range eff.Send {
		raw, err := wire.Encode(ob.Message)
		if err != nil {
			return fmt.Errorf("transport: encode: %w", err)
		}
		var sig []byte
		if key := d.conn.SigningKey; key != nil {
			sig = wire.Sign(key, raw)
		}
		if err := d.fw.WriteMessage(raw, sig, ob.Payload); err != nil {
			return fmt.Errorf("transport: write message: %w", err)
		}
		if ob.Payload {
			if err := d.pumpOutgoingPayload(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) pumpOutgoingPayload() error {
	for {
		data, end, err := d.conn.NextChunk()
		if err != nil {
			return fmt.Errorf("transport: read source chunk: %w", err)
		}
		if end {
			return d.fw.WritePayloadEnd()
		}
		if err := d.fw.WritePayloadChunk(data); err != nil {
			return fmt.Errorf("transport: write payload chunk: %w", err)
		}
	}
}

// idleWatcher closes the stream if the connection goes quiet for more
// than 2x the negotiated Ping timeout (spec.md §5), unblocking the
// Run loop's pending ReadFrame.
func (d *Driver) idleWatcher(ticker *time.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if d.conn.Idle(now) {
				log.Printf("[transport %s] idle timeout, closing", d.conn.ID)
				d.stream.Close()
				return
			}
		}
	}
}
