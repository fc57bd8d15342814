// Copyright (C) 2014 The Protocol Authors.

package bep

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the kind of a post-hello BEP message.
type MessageType int32

const (
	MessageTypeClusterConfig    MessageType = 0
	MessageTypeIndex            MessageType = 1
	MessageTypeIndexUpdate      MessageType = 2
	MessageTypeRequest          MessageType = 3
	MessageTypeResponse         MessageType = 4
	MessageTypeDownloadProgress MessageType = 5
	MessageTypePing             MessageType = 6
	MessageTypeClose            MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeClusterConfig:
		return "ClusterConfig"
	case MessageTypeIndex:
		return "Index"
	case MessageTypeIndexUpdate:
		return "IndexUpdate"
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeDownloadProgress:
		return "DownloadProgress"
	case MessageTypePing:
		return "Ping"
	case MessageTypeClose:
		return "Close"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(t))
	}
}

// Compression indicates whether a message payload is LZ4 compressed.
type Compression int32

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
)

// Header precedes every post-hello message payload: a small protobuf
// message naming the payload's type and compression.
type Header struct {
	Type        MessageType
	Compression Compression
}

func (h Header) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.Type))
	b = appendVarint(b, 2, uint64(h.Compression))
	return b
}

func (h *Header) Unmarshal(b []byte) error {
	*h = Header{}
	return forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			h.Type = MessageType(v)
			return n
		case 2:
			v, n := consumeVarint(b)
			h.Compression = Compression(v)
			return n
		default:
			return -1
		}
	})
}

// writeHeaderFramed writes the post-hello frame prefix:
// headerLen(u16) | header-bytes | msgLen(u32) | [decompressedLen(u32)?] | payload
// for an already-encoded (and possibly already-compressed) payload.
func writeHeaderFramed(w io.Writer, hdr Header, payload []byte, decompressedLen uint32) error {
	hb := hdr.Marshal()
	if len(hb) > 0xffff {
		return fmt.Errorf("bep: header too large: %d bytes", len(hb))
	}

	msgLen := len(payload)
	if hdr.Compression == CompressionLZ4 {
		msgLen += 4
	}

	var prefix [2 + 4]byte
	binary.BigEndian.PutUint16(prefix[0:2], uint16(len(hb)))
	framed := make([]byte, 0, len(prefix)+len(hb)+4+len(payload))
	framed = append(framed, prefix[0:2]...)
	framed = append(framed, hb...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(msgLen))
	framed = append(framed, lenBuf[:]...)
	if hdr.Compression == CompressionLZ4 {
		var dl [4]byte
		binary.BigEndian.PutUint32(dl[:], decompressedLen)
		framed = append(framed, dl[:]...)
	}
	framed = append(framed, payload...)

	_, err := w.Write(framed)
	return err
}
