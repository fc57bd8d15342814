// Copyright (C) 2025 The Syncthing Authors.

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Relay control-channel framing (spec §4.2): every message on the relay's
// TLS control connection is magic(u32 BE) | type(u32 BE) | length(u32 BE)
// | payload, all network byte order. This is a small hand-rolled binary
// protocol, not BEP/protobuf — there is no generated-code path for it and
// the pack's only surviving copy of the real relay wire types
// (github.com/syncthing/relaysrv/protocol) was filtered out of the
// retrieval slice, so the encoding here is written directly from the
// field list spec.md §4.2 gives for each message.
const relayMagic uint32 = 0x9E79BC40

// Relay message types, per spec §4.2.
const (
	relayTypeJoinSessionRequest uint32 = 3
	relayTypeResponse           uint32 = 4
	relayTypeConnectRequest     uint32 = 5
	relayTypeSessionInvitation  uint32 = 6
)

// relayResponseSuccess is the only Response code that means "proceed";
// anything else is ErrRelaySessionFailed.
const relayResponseSuccess uint32 = 0

// maxRelayPayload bounds a single relay control message, guarding against
// a malicious or buggy relay advertising an absurd length prefix.
const maxRelayPayload = 64 * 1024

type relayConnectRequest struct {
	ID []byte // 32-byte device id of the peer we want to reach
}

func (m relayConnectRequest) marshal() []byte {
	return appendBytes32(nil, m.ID)
}

type relaySessionInvitation struct {
	From    []byte // 32-byte device id of the peer that will join
	Key     []byte
	Address []byte // raw IP bytes; empty/unspecified means "use the relay's own remote addr"
	Port    uint16
}

func (m *relaySessionInvitation) unmarshal(b []byte) error {
	var n int
	m.From, n = consumeBytes32(b)
	if n < 0 {
		return fmt.Errorf("transport: truncated session invitation (from)")
	}
	b = b[n:]
	m.Key, n = consumeBytes32(b)
	if n < 0 {
		return fmt.Errorf("transport: truncated session invitation (key)")
	}
	b = b[n:]
	m.Address, n = consumeBytes32(b)
	if n < 0 {
		return fmt.Errorf("transport: truncated session invitation (address)")
	}
	b = b[n:]
	if len(b) < 2 {
		return fmt.Errorf("transport: truncated session invitation (port)")
	}
	m.Port = binary.BigEndian.Uint16(b[:2])
	return nil
}

type relayJoinSessionRequest struct {
	Key []byte
}

func (m relayJoinSessionRequest) marshal() []byte {
	return appendBytes32(nil, m.Key)
}

type relayResponse struct {
	Code    uint32
	Message string
}

func (m *relayResponse) unmarshal(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("transport: truncated response (code)")
	}
	m.Code = binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	msg, n := consumeBytes32(b)
	if n < 0 {
		return fmt.Errorf("transport: truncated response (message)")
	}
	m.Message = string(msg)
	return nil
}

func appendBytes32(b []byte, v []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	b = append(b, lenBuf[:]...)
	return append(b, v...)
}

func consumeBytes32(b []byte) ([]byte, int) {
	if len(b) < 4 {
		return nil, -1
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	if n < 0 || len(b) < 4+n {
		return nil, -1
	}
	return b[4 : 4+n], 4 + n
}

// writeRelayMessage frames and writes one relay control message.
func writeRelayMessage(w io.Writer, typ uint32, payload []byte) error {
	if len(payload) > maxRelayPayload {
		return fmt.Errorf("transport: outgoing relay message too large: %d bytes", len(payload))
	}
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], relayMagic)
	binary.BigEndian.PutUint32(hdr[4:8], typ)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readRelayMessage reads and validates one relay control message,
// checking the magic number before trusting the declared length.
func readRelayMessage(r io.Reader) (typ uint32, payload []byte, err error) {
	var hdr [12]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != relayMagic {
		return 0, nil, fmt.Errorf("%w: got %#x", ErrRelaySessionFailed, magic)
	}
	typ = binary.BigEndian.Uint32(hdr[4:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > maxRelayPayload {
		return 0, nil, fmt.Errorf("transport: inbound relay message too large: %d bytes", length)
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}
