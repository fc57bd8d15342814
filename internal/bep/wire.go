// Copyright (C) 2014 The Protocol Authors.

package bep

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// This file provides small helpers for hand-rolling the protobuf wire
// encoding of the BEP messages, built directly on
// google.golang.org/protobuf/encoding/protowire rather than generated
// .pb.go code (there is no protoc step available to regenerate those from
// a .proto file here). Every message type in messages.go implements
// Marshal/Unmarshal using these helpers.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// fieldFunc is called once per top-level field found while unmarshaling a
// message. It returns the number of bytes consumed for that field's value,
// or a negative number on error (mirroring protowire.Consume* convention).
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (n int)

// forEachField walks the fields of a serialized message, dispatching known
// fields to fn and skipping unrecognized ones. This is how unknown fields
// (and, at the message-type level in connection.go, unknown message types)
// are dropped rather than causing a hard failure.
func forEachField(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bep: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		consumed := fn(num, typ, b)
		if consumed < 0 {
			// Unknown or unwanted field: skip its value generically.
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("bep: malformed field %d: %w", num, protowire.ParseError(m))
			}
			consumed = m
		}
		b = b[consumed:]
	}
	return nil
}

func consumeVarint(b []byte) (uint64, int) {
	return protowire.ConsumeVarint(b)
}

func consumeString(b []byte) (string, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", n
	}
	return string(v), n
}

func consumeBytes(b []byte) ([]byte, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n
}
