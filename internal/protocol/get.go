package protocol

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hoshizora/clearshare/internal/wire"
)

// handleGet is the sending side of a transfer: look up every local row
// for the requested checksum, open the first one, and reply FileData
// (or NoSuchFile if nothing matches), per spec.md §4.5.2.
func handleGet(c *Conn, msg wire.Message) (Effects, error) {
	rows, err := c.Index.GetByChecksum(msg.Checksum)
	if err != nil {
		return Effects{}, fmt.Errorf("protocol: get %s: %w", msg.Checksum, err)
	}
	if len(rows) == 0 {
		reply := wire.Message{Kind: wire.KindNoSuchFile, Checksum: msg.Checksum}
		return Effects{Send: []Outbound{{Message: reply}}}, nil
	}

	f, err := os.Open(c.Share.FullPath(rows[0].Path))
	if err != nil {
		log.Printf("[protocol %s] get %s: open %s: %v", c.ID, msg.Checksum, rows[0].Path, err)
		reply := wire.Message{Kind: wire.KindNoSuchFile, Checksum: msg.Checksum}
		return Effects{Send: []Outbound{{Message: reply}}}, nil
	}

	c.sourceFile = f
	c.sourceChecksum = msg.Checksum
	c.state = StateGet

	reply := wire.Message{Kind: wire.KindFileData, Checksum: msg.Checksum}
	return Effects{Send: []Outbound{{Message: reply, Payload: true}}}, nil
}

// NextChunk is the GET-state payload pump, called by the transport
// driver once per empty-outbound tick while c.State() == StateGet. It
// drains c.sourceFile in ChunkSize pieces (spec.md §4.5.2) and reports
// end=true on the final (possibly zero-length) read.
func (c *Conn) NextChunk() (data []byte, end bool, err error) {
	if c.sourceFile == nil {
		return nil, true, nil
	}
	buf := make([]byte, ChunkSize)
	n, err := c.sourceFile.Read(buf)
	if err == io.EOF || (err == nil && n == 0) {
		c.closeSource()
		c.state = StateConnected
		return nil, true, nil
	}
	if err != nil {
		c.closeSource()
		c.state = StateConnected
		return nil, true, err
	}
	return buf[:n], false, nil
}

func (c *Conn) closeSource() {
	if c.sourceFile != nil {
		c.sourceFile.Close()
		c.sourceFile = nil
	}
	c.sourceChecksum = ""
}

// enqueueGet schedules an outbound Get for checksum. Per spec.md §4.5.4
// ("one in-flight Get at a time" on the requesting side), at most one
// request is ever on the wire; the rest wait in pendingGets.
func (c *Conn) enqueueGet(checksum string) {
	if checksum == "" || checksum == c.getInFlight {
		return
	}
	for _, q := range c.pendingGets {
		if q == checksum {
			return
		}
	}
	c.pendingGets = append(c.pendingGets, checksum)
}

// dispatchNextGet pops the next queued checksum and builds its Get
// Outbound, if none is already in flight.
func (c *Conn) dispatchNextGet() (Outbound, bool) {
	if c.getInFlight != "" || len(c.pendingGets) == 0 {
		return Outbound{}, false
	}
	checksum := c.pendingGets[0]
	c.pendingGets = c.pendingGets[1:]
	c.getInFlight = checksum
	c.awaitingChecksum = checksum
	return Outbound{Message: wire.Message{Kind: wire.KindGet, Checksum: checksum}}, true
}

// handleFileData announces an incoming payload for the Get we have in
// flight. It opens a fresh quarantine file (GLOSSARY "Quarantine") and
// starts hashing the bytes as they arrive via OnPayloadChunk.
func handleFileData(c *Conn, msg wire.Message) (Effects, error) {
	if c.awaitingChecksum == "" || msg.Checksum != c.awaitingChecksum {
		return Effects{Close: true, CloseErr: ErrUnexpectedPayload}, ErrUnexpectedPayload
	}

	name := fmt.Sprintf("%s.part", uuid.NewString())
	path := filepath.Join(c.QuarantineDir, name)
	f, err := os.Create(path)
	if err != nil {
		return Effects{}, fmt.Errorf("protocol: quarantine create: %w", err)
	}
	c.sink = f
	c.sinkPath = path
	c.sinkHasher = sha256.New()
	return Effects{}, nil
}

// handleNoSuchFile clears the in-flight Get and moves on to the next
// queued checksum, if any.
func handleNoSuchFile(c *Conn, msg wire.Message) (Effects, error) {
	if msg.Checksum != c.awaitingChecksum {
		return Effects{}, nil
	}
	c.getInFlight = ""
	c.awaitingChecksum = ""

	if ob, ok := c.dispatchNextGet(); ok {
		return Effects{Send: []Outbound{ob}}, nil
	}
	return Effects{}, nil
}

// OnPayloadChunk feeds one received payload chunk to the open sink,
// called by the transport driver between FileData and the terminating
// zero-length chunk.
func (c *Conn) OnPayloadChunk(data []byte) error {
	if c.sink == nil {
		return ErrUnexpectedPayload
	}
	if _, err := c.sink.Write(data); err != nil {
		return fmt.Errorf("protocol: quarantine write: %w", err)
	}
	c.sinkHasher.Write(data)
	return nil
}

// OnPayloadEnd finalizes a received payload: verify its SHA-256 against
// the announced checksum, and on success move the quarantined bytes into
// every manifest path pending that checksum (spec.md §4.4.3/§4.5.5,
// GLOSSARY "Quarantine").
func (c *Conn) OnPayloadEnd() (Effects, error) {
	checksum := c.awaitingChecksum
	sinkPath := c.sinkPath
	c.getInFlight = ""
	c.awaitingChecksum = ""

	defer c.clearSink()

	if c.sink == nil {
		return Effects{}, ErrUnexpectedPayload
	}
	if err := c.sink.Close(); err != nil {
		os.Remove(sinkPath)
		return Effects{}, fmt.Errorf("protocol: quarantine close: %w", err)
	}

	got := hashToHex(c.sinkHasher)
	if got != checksum {
		os.Remove(sinkPath)
		log.Printf("[protocol %s] payload checksum mismatch: got %s want %s", c.ID, got, checksum)
		return c.tryDispatchNext(), ErrChecksumMismatch
	}

	rows, err := c.Index.GetPendingByChecksum(checksum)
	if err != nil {
		os.Remove(sinkPath)
		return Effects{}, fmt.Errorf("protocol: get_pending_by_checksum: %w", err)
	}
	for _, row := range rows {
		dest := c.Share.FullPath(row.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			log.Printf("[protocol %s] mkdir for %s: %v", c.ID, row.Path, err)
			continue
		}
		if err := copyFile(sinkPath, dest); err != nil {
			log.Printf("[protocol %s] materialize %s: %v", c.ID, row.Path, err)
			continue
		}
		if err := c.Index.ClearPending(row.Path); err != nil {
			log.Printf("[protocol %s] clear_pending %s: %v", c.ID, row.Path, err)
		}
	}
	os.Remove(sinkPath)

	return c.tryDispatchNext(), nil
}

func (c *Conn) tryDispatchNext() Effects {
	if ob, ok := c.dispatchNextGet(); ok {
		return Effects{Send: []Outbound{ob}}
	}
	return Effects{}
}

func (c *Conn) clearSink() {
	c.sink = nil
	c.sinkPath = ""
	c.sinkHasher = nil
}

// abortSink discards any quarantine file left open by a connection close
// mid-transfer (spec.md §5 cancellation semantics).
func (c *Conn) abortSink() {
	if c.sink != nil {
		c.sink.Close()
		if c.sinkPath != "" {
			os.Remove(c.sinkPath)
		}
	}
	c.clearSink()
}

func hashToHex(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
