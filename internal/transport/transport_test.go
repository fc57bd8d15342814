// Copyright (C) 2025 The Syncthing Authors.

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/bepcore/client/internal/deviceid"
)

// selfSignedCert generates an in-memory self-signed ECDSA certificate,
// matching the "arbitrary CN, identity is the fingerprint only" model
// spec.md §6 describes for this client and its peers.
func selfSignedCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: tmpl}
}

func deviceIDOf(t *testing.T, cert tls.Certificate) deviceid.DeviceID {
	t.Helper()
	return deviceid.FromCertificate(cert.Certificate[0])
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

func TestRelayMessageRoundTrip(t *testing.T) {
	var buf bufConn
	req := relayConnectRequest{ID: bytes32(0xAB)}
	if err := writeRelayMessage(&buf, relayTypeConnectRequest, req.marshal()); err != nil {
		t.Fatal(err)
	}
	typ, payload, err := readRelayMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if typ != relayTypeConnectRequest {
		t.Fatalf("type = %d, want %d", typ, relayTypeConnectRequest)
	}
	var got relayConnectRequest
	got.ID, _ = consumeBytes32(payload)
	if string(got.ID) != string(req.ID) {
		t.Fatalf("ID round trip mismatch")
	}
}

func TestRelaySessionInvitationRoundTrip(t *testing.T) {
	inv := relaySessionInvitation{
		From:    bytes32(0x01),
		Key:     []byte("sessionkey"),
		Address: []byte{127, 0, 0, 1},
		Port:    4567,
	}
	var buf bufConn
	marshaled := appendBytes32(nil, inv.From)
	marshaled = appendBytes32(marshaled, inv.Key)
	marshaled = appendBytes32(marshaled, inv.Address)
	marshaled = append(marshaled, byte(inv.Port>>8), byte(inv.Port))
	if err := writeRelayMessage(&buf, relayTypeSessionInvitation, marshaled); err != nil {
		t.Fatal(err)
	}
	typ, payload, err := readRelayMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if typ != relayTypeSessionInvitation {
		t.Fatalf("unexpected type %d", typ)
	}
	var got relaySessionInvitation
	if err := got.unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if string(got.From) != string(inv.From) || string(got.Key) != string(inv.Key) ||
		string(got.Address) != string(inv.Address) || got.Port != inv.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, inv)
	}
}

func TestReadRelayMessageMagicMismatch(t *testing.T) {
	buf := bufConn{data: make([]byte, 12)}
	_, _, err := readRelayMessage(&buf)
	if !errors.Is(err, ErrRelaySessionFailed) {
		t.Fatalf("got %v, want ErrRelaySessionFailed", err)
	}
}

func bytes32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

// bufConn is a minimal in-memory io.ReadWriter for framing-level tests
// that don't need a real socket.
type bufConn struct{ data []byte }

func (b *bufConn) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *bufConn) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// TestDialDirectAuthenticatesPeer runs a real TLS listener in-process
// and checks that Dial succeeds against the correct expected DeviceId
// and fails (without leaking the socket open) against a mismatched one.
func TestDialDirectAuthenticatesPeer(t *testing.T) {
	serverCert := selfSignedCert(t, "peer")
	clientCert := selfSignedCert(t, "client")
	serverID := deviceIDOf(t, serverCert)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLSConfig(serverCert))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				tc := conn.(*tls.Conn)
				tc.Handshake()
				ioDiscard(tc)
			}()
		}
	}()

	dialer := New(Config{Cert: clientCert, HandshakeTimeout: 2 * time.Second, IdleTimeout: time.Second})

	t.Run("correct id succeeds", func(t *testing.T) {
		conn, err := dialer.Dial(context.Background(), "tcp://"+ln.Addr().String(), serverID, nil)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		conn.Close()
	})

	t.Run("wrong id fails fatally", func(t *testing.T) {
		var wrongID deviceid.DeviceID
		wrongID[0] = 0xFF
		_, err := dialer.Dial(context.Background(), "tcp://"+ln.Addr().String(), wrongID, nil)
		if err == nil {
			t.Fatal("expected peer auth failure")
		}
		if !errors.Is(err, ErrPeerAuthFailed) {
			t.Fatalf("got %v, want ErrPeerAuthFailed", err)
		}
	})
}

func TestDialUnsupportedScheme(t *testing.T) {
	dialer := New(Config{Cert: selfSignedCert(t, "client")})
	_, err := dialer.Dial(context.Background(), "http://example.com", deviceid.DeviceID{}, nil)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("got %v, want ErrUnsupportedScheme", err)
	}
}

func TestDialDynamicRequiresResolver(t *testing.T) {
	dialer := New(Config{Cert: selfSignedCert(t, "client")})
	_, err := dialer.Dial(context.Background(), "dynamic", deviceid.DeviceID{}, nil)
	if err == nil {
		t.Fatal("expected error without a resolver")
	}
}

func TestDialDynamicTriesEachAddress(t *testing.T) {
	serverCert := selfSignedCert(t, "peer")
	clientCert := selfSignedCert(t, "client")
	serverID := deviceIDOf(t, serverCert)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLSConfig(serverCert))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				tc := conn.(*tls.Conn)
				tc.Handshake()
				ioDiscard(tc)
			}()
		}
	}()

	dialer := New(Config{Cert: clientCert, HandshakeTimeout: 2 * time.Second, IdleTimeout: time.Second})
	resolver := fakeResolver{addrs: []string{"tcp://127.0.0.1:1", "tcp://" + ln.Addr().String()}}

	conn, err := dialer.Dial(context.Background(), "dynamic", serverID, resolver)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

type fakeResolver struct{ addrs []string }

func (f fakeResolver) Resolve(context.Context, deviceid.DeviceID) ([]string, error) {
	return f.addrs, nil
}

// ioDiscard drains a connection in the background so writer-side
// flushes in the real conn tests don't block on a full kernel buffer.
func ioDiscard(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}
