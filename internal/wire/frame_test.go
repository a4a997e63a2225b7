package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestFramingMinimal(t *testing.T) {
	// m\x00\x00\x00\x02:{}
	input := []byte{'m', 0, 0, 0, 2, ':', '{', '}'}
	fr := NewFrameReader(bytes.NewReader(input))

	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(f.Message) != "{}" {
		t.Fatalf("Message = %q, want {}", f.Message)
	}
	if f.HasPayload || f.HasSigBytes {
		t.Fatalf("expected no payload/signature, got %+v", f)
	}
}

func TestFramingPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('!')
	buf.Write(lenPrefixed([]byte("{jsonz}")))
	buf.Write(lenPrefixed([]byte("payld")))
	buf.Write(lenPrefixed(nil))

	fr := NewFrameReader(&buf)
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !f.HasPayload {
		t.Fatalf("expected payload flag set")
	}
	chunk, ok, err := fr.ReadPayloadChunk()
	if err != nil || !ok {
		t.Fatalf("ReadPayloadChunk: chunk=%q ok=%v err=%v", chunk, ok, err)
	}
	if string(chunk) != "payld" {
		t.Fatalf("chunk = %q, want payld", chunk)
	}
	_, ok, err = fr.ReadPayloadChunk()
	if err != nil {
		t.Fatalf("ReadPayloadChunk (end): %v", err)
	}
	if ok {
		t.Fatalf("expected payload-end (ok=false)")
	}
}

func TestFramingSignatureAndPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('$')
	buf.Write(lenPrefixed([]byte("{jsonz}")))
	buf.Write(lenPrefixed([]byte("signz")))
	buf.Write(lenPrefixed([]byte("payld")))
	buf.Write(lenPrefixed(nil))

	fr := NewFrameReader(&buf)
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(f.Signature) != "signz" {
		t.Fatalf("Signature = %q, want signz", f.Signature)
	}
	if !f.HasPayload {
		t.Fatalf("expected payload flag")
	}
	chunk, ok, err := fr.ReadPayloadChunk()
	if err != nil || !ok || string(chunk) != "payld" {
		t.Fatalf("chunk=%q ok=%v err=%v", chunk, ok, err)
	}
}

func TestGarbagePrefix(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{'x', 0, 0, 0, 0}))
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatalf("expected garbage error for unknown prefix")
	}
}

func TestRoundTripWriterReader(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WriteMessage([]byte(`{"type":"ping"}`), nil, false); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	fr := NewFrameReader(&buf)
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(f.Message) != `{"type":"ping"}` {
		t.Fatalf("Message = %q", f.Message)
	}
}

func TestFramingCompletenessAcrossChunking(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	const n = 5
	for i := 0; i < n; i++ {
		if err := fw.WriteMessage([]byte("{}"), nil, false); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}
	full := buf.Bytes()

	// Feed the parser one byte at a time; it must still emit exactly n
	// message-ready events in order.
	pr, pw := io.Pipe()
	fr := NewFrameReader(pr)
	done := make(chan int)
	go func() {
		count := 0
		for {
			_, err := fr.ReadFrame()
			if err != nil {
				break
			}
			count++
		}
		done <- count
	}()
	go func() {
		for _, b := range full {
			pw.Write([]byte{b})
		}
		pw.Close()
	}()
	if got := <-done; got != n {
		t.Fatalf("got %d message-ready events, want %d", got, n)
	}
}

func lenPrefixed(data []byte) []byte {
	var out bytes.Buffer
	var lbuf [4]byte
	putUint32(lbuf[:], uint32(len(data)))
	out.Write(lbuf[:])
	out.WriteByte(':')
	out.Write(data)
	return out.Bytes()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
