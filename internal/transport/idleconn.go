// Copyright (C) 2025 The Syncthing Authors.

package transport

import (
	"net"
	"time"
)

// idleConn wraps a net.Conn so that every successful Read or Write
// pushes the connection's deadline forward by timeout, implementing the
// "4.5-minute idle timeout" from spec §4.2/§5 without the BEP layer
// above needing to know about it — a stalled peer eventually fails a
// Read with a timeout error exactly like any other I/O error.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleConn(c net.Conn, timeout time.Duration) net.Conn {
	c.SetDeadline(time.Now().Add(timeout))
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err == nil {
		c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}

func (c *idleConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err == nil {
		c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}
