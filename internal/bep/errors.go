// Copyright (C) 2014 The Protocol Authors.

package bep

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrMagicMismatch is returned when an inbound Hello frame's magic number
// does not match HelloMagic.
var ErrMagicMismatch = errors.New("bep: hello magic mismatch")

// ErrMalformedFrame is returned when an LZ4-compressed post-hello frame
// declares a length shorter than its own 4-byte decompressed-length
// prefix. Per the framing contract there is no resynchronisation marker,
// so this is always fatal: the connection is closed rather than an
// attempt made to recover.
var ErrMalformedFrame = errors.New("bep: malformed frame")

// ErrClosed is returned by operations attempted on a closed Connection.
var ErrClosed = errors.New("bep: connection closed")

// wrap returns err prefixed with the calling function's name and any extra
// context strings, or nil if err is nil.
func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}
	prefix := "bep"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			prefix = name
		}
	}
	if len(context) > 0 {
		return fmt.Errorf("%s (%s): %w", prefix, strings.Join(context, ", "), err)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}
