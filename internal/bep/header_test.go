package bep

import (
	"bytes"
	"testing"
	"testing/quick"
)

func TestHeaderRoundTrip(t *testing.T) {
	f := func(typ, comp int32) bool {
		h := Header{Type: MessageType(typ % 8), Compression: Compression(comp % 2)}
		var got Header
		if err := got.Unmarshal(h.Marshal()); err != nil {
			t.Logf("unmarshal error: %v", err)
			return false
		}
		return got == h
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestWriteHeaderFramedNoCompression(t *testing.T) {
	var buf bytes.Buffer
	hdr := Header{Type: MessageTypePing}
	payload := []byte("hello")
	if err := writeHeaderFramed(&buf, hdr, payload, 0); err != nil {
		t.Fatal(err)
	}

	hdrLen := uint16(buf.Bytes()[0])<<8 | uint16(buf.Bytes()[1])
	hb := hdr.Marshal()
	if int(hdrLen) != len(hb) {
		t.Fatalf("header length mismatch: got %d, want %d", hdrLen, len(hb))
	}

	rest := buf.Bytes()[2+len(hb):]
	msgLen := uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3])
	if int(msgLen) != len(payload) {
		t.Fatalf("msg length mismatch: got %d, want %d", msgLen, len(payload))
	}
	if !bytes.Equal(rest[4:], payload) {
		t.Fatalf("payload mismatch: got %q, want %q", rest[4:], payload)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MessageTypeClusterConfig.String() != "ClusterConfig" {
		t.Fatalf("unexpected string: %s", MessageTypeClusterConfig.String())
	}
	if got := MessageType(99).String(); got != "Unknown(99)" {
		t.Fatalf("unexpected unknown string: %s", got)
	}
}
