// Copyright (C) 2014 The Protocol Authors.

package bep

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// HelloMagic is the four-byte magic number, big-endian, that precedes
// every Hello frame.
const HelloMagic uint32 = 0x2EA7D90B

// MaxHelloLen bounds the size of an inbound Hello payload, guarding
// against a malicious or buggy peer advertising an absurd length prefix.
const MaxHelloLen = 32 * 1024

// Hello is exchanged immediately after the TLS/relay upgrade, before any
// header-framed traffic is accepted.
type Hello struct {
	DeviceName    string
	ClientName    string
	ClientVersion string
}

func (h Hello) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, h.DeviceName)
	b = appendString(b, 2, h.ClientName)
	b = appendString(b, 3, h.ClientVersion)
	return b
}

func (h *Hello) Unmarshal(b []byte) error {
	*h = Hello{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(b)
			h.DeviceName = v
			return n
		case 2:
			v, n := consumeString(b)
			h.ClientName = v
			return n
		case 3:
			v, n := consumeString(b)
			h.ClientVersion = v
			return n
		default:
			return -1
		}
	})
}

// WriteHello sends our Hello frame: magic(u32 BE) | helloLen(u16) | payload.
func WriteHello(w io.Writer, h Hello) error {
	payload := h.Marshal()
	if len(payload) > MaxHelloLen {
		return fmt.Errorf("bep: outgoing hello too large: %d bytes", len(payload))
	}
	buf := make([]byte, 6+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], HelloMagic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[6:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadHello reads and validates an inbound Hello frame, checking the magic
// before attempting to decode the payload. Any magic mismatch is fatal to
// the connection per the framing contract: there is no resynchronisation
// marker after Hello.
func ReadHello(r io.Reader) (Hello, error) {
	var prefix [6]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Hello{}, fmt.Errorf("bep: reading hello prefix: %w", err)
	}
	magic := binary.BigEndian.Uint32(prefix[0:4])
	if magic != HelloMagic {
		return Hello{}, fmt.Errorf("%w: got %#x", ErrMagicMismatch, magic)
	}
	helloLen := binary.BigEndian.Uint16(prefix[4:6])
	if int(helloLen) > MaxHelloLen {
		return Hello{}, fmt.Errorf("bep: inbound hello too large: %d bytes", helloLen)
	}
	payload := make([]byte, helloLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Hello{}, fmt.Errorf("bep: reading hello payload: %w", err)
	}
	var h Hello
	if err := h.Unmarshal(payload); err != nil {
		return Hello{}, err
	}
	return h, nil
}
