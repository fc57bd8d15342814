// Copyright (C) 2025 The Syncthing Authors.

package bepclient

import (
	"context"

	"github.com/bepcore/client/internal/bep"
	"github.com/bepcore/client/internal/scheduler"
)

// connSender adapts a *bep.Connection to scheduler.Sender. It is
// constructed before the Scheduler that will use it (the Scheduler itself
// needs a Sender to be built) and has its sched field wired in
// immediately afterwards; SendRequest is never called before that happens
// because the scheduler doesn't start processing until Serve runs.
type connSender struct {
	conn  *bep.Connection
	sched *scheduler.Scheduler
}

// SendRequest transmits a block request and returns immediately; the
// outcome is delivered asynchronously to the scheduler via Received, not
// through this call's return value (the underlying Connection.Request
// waits until a response arrives, ctx ends or the connection closes,
// which can be far longer than the scheduler's own per-attempt timeout).
func (s *connSender) SendRequest(ctx context.Context, requestID int64, folder, name string, offset int64, size uint32, hash []byte) error {
	go func() {
		resp, err := s.conn.Request(ctx, bep.Request{
			ID:     requestID,
			Folder: folder,
			Name:   name,
			Offset: offset,
			Size:   size,
			Hash:   hash,
		})
		if err != nil {
			// The scheduler's own timeout will retry or fail this
			// request; there's nothing useful to report here.
			return
		}
		if resp.Code != 0 {
			return
		}
		s.sched.Received(requestID, resp.Data)
	}()
	return nil
}
