// Copyright (C) 2025 The Syncthing Authors.

package bepclient

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// MaxReadLength bounds a single Read call (spec §4.9/§6: "Reject length
// > 10 MiB").
const MaxReadLength = 10 * 1024 * 1024

// ErrReadTooLarge is returned by Read when length exceeds MaxReadLength.
var ErrReadTooLarge = errors.New("bepclient: read length exceeds 10MiB limit")

// ErrNotConnected is returned by Attributes/List/Read before Connect has
// completed the ClusterConfig handshake.
var ErrNotConnected = errors.New("bepclient: not connected")

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("bepclient: client closed")

func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}
	prefix := "bepclient"
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
