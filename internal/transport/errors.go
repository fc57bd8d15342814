// Copyright (C) 2025 The Syncthing Authors.

package transport

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrPeerAuthFailed is returned when a TLS peer's certificate fingerprint
// does not match the DeviceId the caller expected (spec §4.2: direct
// connections "must authenticate the peer by recomputing its DeviceId ...
// Mismatch ⇒ fatal PeerAuthFailed").
var ErrPeerAuthFailed = errors.New("transport: peer device id mismatch")

// ErrRelayAuthFailed is the same check applied to the relay's own
// certificate before trusting anything it says.
var ErrRelayAuthFailed = errors.New("transport: relay device id mismatch")

// ErrRelaySessionFailed is returned when the relay rejects a
// JoinSessionRequest or ConnectRequest with a non-success response code.
var ErrRelaySessionFailed = errors.New("transport: relay session failed")

// ErrUnsupportedScheme is returned for any URL scheme besides tcp/relay.
var ErrUnsupportedScheme = errors.New("transport: unsupported URL scheme")

// ErrHandshakeTimeout names a relay handshake step that did not complete
// within its budget. The dial code in this package does not return it: a
// step that overruns its deadline fails with the connection's own timeout
// error (a net.Error whose Timeout method reports true).
var ErrHandshakeTimeout = errors.New("transport: handshake timed out")

// DialError wraps a dial failure with whether it is fatal to the overall
// connection attempt (always true in this package: every error here means
// "give up on this URL") and which scheme produced it, so Core can log
// and surface it without re-deriving context (spec §4.11's "Fatal bool").
type DialError struct {
	Scheme string
	Fatal  bool
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("transport: dial %s: %v", e.Scheme, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func fatal(scheme string, err error) error {
	if err == nil {
		return nil
	}
	return &DialError{Scheme: scheme, Fatal: true, Err: err}
}

// wrap prefixes err with the calling function's name and optional
// context, matching the idiom used throughout internal/catalog and
// internal/bep.
func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}
	prefix := "transport"
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
