package bep

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// pipeConn adapts a net.Conn half so it satisfies io.ReadWriteCloser
// without dragging in the transport package (which in turn depends on
// this one).
type pipeConn struct{ net.Conn }

type recordingModel struct {
	mu          sync.Mutex
	indexes     []IndexMessage
	updates     []IndexMessage
	clusterCfgs []ClusterConfig
	closed      chan struct{}
	closeErr    error
}

func newRecordingModel() *recordingModel {
	return &recordingModel{closed: make(chan struct{})}
}

func (m *recordingModel) ClusterConfig(_ string, msg ClusterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusterCfgs = append(m.clusterCfgs, msg)
}

func (m *recordingModel) Index(_ string, msg IndexMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes = append(m.indexes, msg)
}

func (m *recordingModel) IndexUpdate(_ string, msg IndexMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, msg)
}

func (m *recordingModel) Request(req Request) (Response, error) {
	return Response{ID: req.ID, Data: []byte("ok"), Code: ResponseCodeGeneric}, nil
}

func (m *recordingModel) DownloadProgress(DownloadProgress) {}

func (m *recordingModel) Closed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
	close(m.closed)
}

func newConnPair(t *testing.T) (*Connection, *Connection, *recordingModel, *recordingModel) {
	t.Helper()
	a, b := net.Pipe()
	ma, mb := newRecordingModel(), newRecordingModel()
	ca := NewConnection(pipeConn{a}, "b", ma, nil)
	cb := NewConnection(pipeConn{b}, "a", mb, nil)
	ca.Start()
	cb.Start()
	t.Cleanup(func() {
		ca.Close(nil)
		cb.Close(nil)
	})
	return ca, cb, ma, mb
}

func TestConnectionIndexDelivery(t *testing.T) {
	ca, _, _, mb := newConnPair(t)

	msg := IndexMessage{Folder: "default", Files: []Entry{{Name: "a.txt", Type: EntryTypeFile}}}
	ca.send(Header{Type: MessageTypeIndex}, msg)

	deadline := time.After(2 * time.Second)
	for {
		mb.mu.Lock()
		n := len(mb.indexes)
		mb.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for index delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectionRequestResponse(t *testing.T) {
	ca, cb, _, _ := newConnPair(t)
	_ = cb

	req := Request{ID: ca.NextRequestID(), Folder: "default", Name: "a.txt", Offset: 0, Size: 10}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := ca.Request(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Data) != "ok" {
		t.Fatalf("got %q", resp.Data)
	}
}

func TestConnectionClosePropagates(t *testing.T) {
	ca, _, _, mb := newConnPair(t)
	ca.Close(nil)

	select {
	case <-mb.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("peer model never observed close")
	}
}

var _ io.ReadWriteCloser = pipeConn{}
