// Copyright (C) 2014 The Protocol Authors.

package bep

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// pingInterval is how often an idle connection sends a keepalive Ping.
// Chosen to stay well under the transport's idle timeout (spec §4.2: 4.5
// minutes) with margin for scheduling jitter.
const pingInterval = 90 * time.Second

// Model receives decoded messages from a Connection. Methods are called
// synchronously from the connection's single reader goroutine, in wire
// order; a Model implementation that blocks stalls further reads from that
// peer only.
type Model interface {
	ClusterConfig(deviceName string, msg ClusterConfig)
	Index(folder string, msg IndexMessage)
	IndexUpdate(folder string, msg IndexMessage)
	Request(msg Request) (Response, error)
	DownloadProgress(msg DownloadProgress)
	Closed(err error)
}

type outgoing struct {
	hdr     Header
	payload []byte
}

// Connection is a single established, post-Hello BEP session. It owns the
// underlying transport and runs two long-lived goroutines: one decoding
// inbound frames and dispatching them to a Model, one draining an
// outbound channel onto the wire. Inbound Requests are answered on
// short-lived goroutines of their own. Neither long-lived goroutine ever
// blocks on application code for longer than a single dispatch call.
type Connection struct {
	rw     io.ReadWriteCloser
	model  Model
	log    *slog.Logger
	peerID string

	outbox chan outgoing

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	mut       sync.Mutex
	nextReqID int64
	pending   map[int64]chan Response

	pool *bufferPool
}

// NewConnection wraps rw (already past the Hello exchange) and begins
// dispatching inbound messages to model. The caller must call Start.
func NewConnection(rw io.ReadWriteCloser, peerID string, model Model, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		rw:        rw,
		model:     model,
		log:       log.With(slog.String("peer", peerID)),
		peerID:    peerID,
		outbox:    make(chan outgoing, 16),
		closed:    make(chan struct{}),
		pending:   make(map[int64]chan Response),
		nextReqID: 1,
		pool:      newBufferPool(),
	}
}

// Start launches the reader and writer goroutines. It returns immediately;
// use Closed to observe termination.
func (c *Connection) Start() {
	go c.readerLoop()
	go c.writerLoop()
}

// Closed returns a channel that is closed once the connection has torn
// down, for any reason (peer Close, I/O error, or explicit Close call).
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// Err blocks until the connection has closed, then returns the reason it
// closed (nil if it was closed via a local Close call with a nil reason).
func (c *Connection) Err() error {
	<-c.closed
	return c.closeErr
}

// Close tears down the connection and wakes any pending Request calls
// with ErrClosed.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		_ = c.rw.Close()
		close(c.closed)

		c.mut.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mut.Unlock()

		if c.model != nil {
			c.model.Closed(reason)
		}
	})
}

func (c *Connection) readerLoop() {
	var err error
	defer func() { c.Close(err) }()

	for {
		var hdrLenBuf [2]byte
		if _, err = io.ReadFull(c.rw, hdrLenBuf[:]); err != nil {
			return
		}
		hdrLen := binary.BigEndian.Uint16(hdrLenBuf[:])
		hdrBuf := make([]byte, hdrLen)
		if _, err = io.ReadFull(c.rw, hdrBuf); err != nil {
			return
		}
		var hdr Header
		if err = hdr.Unmarshal(hdrBuf); err != nil {
			err = wrap(err, "decoding header")
			return
		}

		var msgLenBuf [4]byte
		if _, err = io.ReadFull(c.rw, msgLenBuf[:]); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint32(msgLenBuf[:])

		var payload []byte
		if hdr.Compression == CompressionLZ4 {
			var declBuf [4]byte
			if _, err = io.ReadFull(c.rw, declBuf[:]); err != nil {
				return
			}
			decompLen := binary.BigEndian.Uint32(declBuf[:])
			if msgLen < 4 {
				err = fmt.Errorf("%w: lz4 frame shorter than its own length prefix", ErrMalformedFrame)
				return
			}
			compressed := make([]byte, msgLen-4)
			if _, err = io.ReadFull(c.rw, compressed); err != nil {
				return
			}
			payload, err = lz4Decompress(compressed, decompLen)
			if err != nil {
				return
			}
		} else {
			payload = c.pool.get(int(msgLen))
			if _, err = io.ReadFull(c.rw, payload); err != nil {
				c.pool.put(payload)
				return
			}
		}

		dispatchErr := c.dispatch(hdr.Type, payload)
		if hdr.Compression != CompressionLZ4 {
			c.pool.put(payload)
		}
		if dispatchErr != nil {
			c.log.Warn("dropping malformed message", slog.String("type", hdr.Type.String()), slog.Any("err", dispatchErr))
			continue
		}
	}
}

func (c *Connection) dispatch(t MessageType, payload []byte) error {
	switch t {
	case MessageTypeClusterConfig:
		var m ClusterConfig
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.model.ClusterConfig(c.peerID, m)

	case MessageTypeIndex:
		var m IndexMessage
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.model.Index(m.Folder, m)

	case MessageTypeIndexUpdate:
		var m IndexMessage
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.model.IndexUpdate(m.Folder, m)

	case MessageTypeRequest:
		var m Request
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		go c.handleRequest(m)

	case MessageTypeResponse:
		var m Response
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.completeRequest(m)

	case MessageTypeDownloadProgress:
		var m DownloadProgress
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		c.model.DownloadProgress(m)

	case MessageTypePing:
		// No payload, nothing to dispatch; receipt alone resets liveness.

	case MessageTypeClose:
		var m Close
		_ = m.Unmarshal(payload)
		c.Close(fmt.Errorf("bep: peer closed: %s", m.Reason))

	default:
		c.log.Debug("ignoring unknown message type", slog.Int("type", int(t)))
	}
	return nil
}

// handleRequest answers an inbound Request using the Model; this client
// never serves blocks to peers in normal operation (it has no shared
// folders of its own) but responds correctly when asked, since the wire
// protocol requires it.
func (c *Connection) handleRequest(req Request) {
	resp, err := c.model.Request(req)
	if err != nil {
		resp = Response{ID: req.ID, Code: ResponseCodeGeneric}
	}
	resp.ID = req.ID
	c.send(Header{Type: MessageTypeResponse}, resp)
}

func (c *Connection) completeRequest(resp Response) {
	c.mut.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mut.Unlock()
	if ok {
		ch <- resp
		close(ch)
	}
}

func (c *Connection) writerLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.send(Header{Type: MessageTypePing}, Ping{})
		case out, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := writeHeaderFramed(c.rw, out.hdr, out.payload, 0); err != nil {
				c.Close(wrap(err, "writing frame"))
				return
			}
		}
	}
}

type marshaler interface{ Marshal() []byte }

func (c *Connection) send(hdr Header, msg marshaler) {
	select {
	case c.outbox <- outgoing{hdr: hdr, payload: msg.Marshal()}:
	case <-c.closed:
	}
}

// ClusterConfig sends our ClusterConfig to the peer.
func (c *Connection) ClusterConfig(msg ClusterConfig) {
	c.send(Header{Type: MessageTypeClusterConfig}, msg)
}

// Request sends a Request and blocks until the matching Response arrives,
// ctx is cancelled, or the connection closes. The caller is responsible
// for request-ID allocation via NextRequestID.
func (c *Connection) Request(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)
	c.mut.Lock()
	c.pending[req.ID] = ch
	c.mut.Unlock()

	c.send(Header{Type: MessageTypeRequest}, req)

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.mut.Lock()
		delete(c.pending, req.ID)
		c.mut.Unlock()
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, ErrClosed
	}
}

// NextRequestID returns a fresh, monotonically increasing request
// identifier, starting at 1 and wrapping before it would lose exact
// representation as a float64 (2^53), since downstream tooling and logs
// may pass request IDs through JSON. A zero ID is never returned, so it
// stays free for callers to treat as "unset" (spec §3: "RequestId:
// non-zero"), matching scheduler.nextRequestID's wrap-to-1 behavior.
func (c *Connection) NextRequestID() int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	id := c.nextReqID
	c.nextReqID++
	if c.nextReqID >= (1<<53)-1 {
		c.nextReqID = 1
	}
	return id
}
