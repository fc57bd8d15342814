// Copyright (C) 2025 The Syncthing Authors.

// Package scheduler implements the priority queue of pending block
// requests described in spec §4.7: two priority bands, bounded
// concurrency, per-request timeout and retry, and response hash
// verification.
package scheduler

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bepcore/client/internal/metrics"
)

// Priority orders pending requests; higher values are scheduled first.
type Priority int

const (
	Background Priority = 0
	User       Priority = 1
)

// Errors surfaced to a request's callback.
var (
	ErrTimeout = errors.New("scheduler: request timed out")
	ErrRemoved = errors.New("scheduler: request removed")
	ErrClosed  = errors.New("scheduler: scheduler stopped")
)

// Sender transmits a block request over the wire; Scheduler doesn't know
// about BEP message shapes directly, keeping it testable without a real
// connection.
type Sender interface {
	SendRequest(ctx context.Context, requestID int64, folder, name string, offset int64, size uint32, hash []byte) error
}

// Result is delivered to a request's callback once resolved, one way or
// another.
type Result struct {
	Data []byte
	Err  error
}

type request struct {
	folder   string
	name     string
	fileID   int64
	offset   int64
	size     uint32
	hash     []byte
	priority Priority
	reqID    int64
	active   bool
	attempts int
	timer    *time.Timer
	callback []func(Result)
}

// Options configure a Scheduler; zero values fall back to the spec's
// stated defaults.
type Options struct {
	Concurrent int           // default 5
	Timeout    time.Duration // default 2s
	Retries    int           // default 2
	Metrics    *metrics.Set
}

// Scheduler is a suture.Service: call Serve to run its background process
// loop for the lifetime of a connection.
type Scheduler struct {
	sender     Sender
	concurrent int
	timeout    time.Duration
	retries    int
	metrics    *metrics.Set
	limiter    *rate.Limiter

	mu      sync.Mutex
	queued  []*request
	active  map[int64]*request
	nextID  int64
	signal  chan struct{}
	stopped chan struct{}
}

// New constructs a Scheduler bound to sender. Call Serve to start it.
func New(sender Sender, opts Options) *Scheduler {
	concurrent := opts.Concurrent
	if concurrent <= 0 {
		concurrent = 5
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 2
	}
	return &Scheduler{
		sender:     sender,
		concurrent: concurrent,
		timeout:    timeout,
		retries:    retries,
		metrics:    opts.Metrics,
		limiter:    rate.NewLimiter(rate.Limit(concurrent*4), concurrent),
		active:     make(map[int64]*request),
		nextID:     1,
		signal:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Serve runs the scheduling loop until ctx is cancelled; it satisfies
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	defer close(s.stopped)
	for {
		s.process(ctx)
		select {
		case <-ctx.Done():
			s.drainAll(ErrClosed)
			return ctx.Err()
		case <-s.signal:
		}
	}
}

// Add enqueues a request, or promotes an existing queued/active request
// for the same (fileID, offset) to max(existing, new) priority (spec
// §4.7).
func (s *Scheduler) Add(folder, name string, fileID, offset int64, size uint32, hash []byte, priority Priority, callback func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.queued {
		if r.fileID == fileID && r.offset == offset {
			if priority > r.priority {
				r.priority = priority
			}
			if callback != nil {
				r.callback = append(r.callback, callback)
			}
			s.wake()
			return
		}
	}
	if r, ok := s.active[s.activeKey(fileID, offset)]; ok {
		if priority > r.priority {
			r.priority = priority
		}
		if callback != nil {
			r.callback = append(r.callback, callback)
		}
		return
	}

	r := &request{folder: folder, name: name, fileID: fileID, offset: offset, size: size, hash: hash, priority: priority}
	if callback != nil {
		r.callback = []func(Result){callback}
	}
	s.queued = append(s.queued, r)
	s.wake()
}

func (s *Scheduler) activeKey(fileID, offset int64) int64 {
	for id, r := range s.active {
		if r.fileID == fileID && r.offset == offset {
			return id
		}
	}
	return 0
}

// Wait is the async variant of Add: it blocks until the block is
// resolved (verified bytes), the request fails, or ctx is cancelled.
func (s *Scheduler) Wait(ctx context.Context, folder, name string, fileID, offset int64, size uint32, hash []byte, priority Priority) ([]byte, error) {
	ch := make(chan Result, 1)
	s.Add(folder, name, fileID, offset, size, hash, priority, func(res Result) {
		select {
		case ch <- res:
		default:
		}
	})
	select {
	case res := <-ch:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove cancels every pending request for (folder, name), notifying
// their callbacks with ErrRemoved.
func (s *Scheduler) Remove(folder, name string) {
	s.mu.Lock()
	var removed []*request
	kept := s.queued[:0]
	for _, r := range s.queued {
		if r.folder == folder && r.name == name {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	s.queued = kept
	for id, r := range s.active {
		if r.folder == folder && r.name == name {
			if r.timer != nil {
				r.timer.Stop()
			}
			delete(s.active, id)
			removed = append(removed, r)
		}
	}
	s.mu.Unlock()

	for _, r := range removed {
		notify(r, Result{Err: ErrRemoved})
	}
}

// pickNext pops the highest-priority queued request (user before
// background, FIFO within a band), matching jobQueue's Pop vocabulary in
// the teacher's model package.
func (s *Scheduler) pickNext() *request {
	bestIdx := -1
	for i, r := range s.queued {
		if bestIdx == -1 || r.priority > s.queued[bestIdx].priority {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil
	}
	r := s.queued[bestIdx]
	s.queued = append(s.queued[:bestIdx], s.queued[bestIdx+1:]...)
	return r
}

func (s *Scheduler) process(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.active) >= s.concurrent {
			s.mu.Unlock()
			return
		}
		r := s.pickNext()
		if r == nil {
			s.mu.Unlock()
			return
		}
		r.reqID = s.nextRequestID()
		r.active = true
		s.active[r.reqID] = r
		if s.metrics != nil {
			s.metrics.RequestsInFlight.Set(float64(len(s.active)))
		}
		s.mu.Unlock()

		if err := s.limiter.Wait(ctx); err != nil {
			s.mu.Lock()
			delete(s.active, r.reqID)
			s.mu.Unlock()
			notify(r, Result{Err: err})
			return
		}

		if err := s.sender.SendRequest(ctx, r.reqID, r.folder, r.name, r.offset, r.size, r.hash); err != nil {
			s.mu.Lock()
			delete(s.active, r.reqID)
			s.mu.Unlock()
			notify(r, Result{Err: err})
			continue
		}
		s.startTimeout(r)
	}
}

func (s *Scheduler) nextRequestID() int64 {
	id := s.nextID
	s.nextID++
	if s.nextID >= (1<<53)-1 {
		s.nextID = 1
	}
	return id
}

func (s *Scheduler) startTimeout(r *request) {
	r.timer = time.AfterFunc(s.timeout, func() { s.onTimeout(r) })
}

func (s *Scheduler) onTimeout(r *request) {
	s.mu.Lock()
	if _, ok := s.active[r.reqID]; !ok {
		s.mu.Unlock()
		return // already resolved by received()/remove()
	}
	delete(s.active, r.reqID)
	if s.metrics != nil {
		s.metrics.RequestTimeouts.Inc()
		s.metrics.RequestsInFlight.Set(float64(len(s.active)))
	}
	if r.attempts < s.retries {
		r.attempts++
		r.active = false
		s.queued = append(s.queued, r)
		if s.metrics != nil {
			s.metrics.RequestRetries.Inc()
		}
		s.mu.Unlock()
		s.wake()
		return
	}
	s.mu.Unlock()
	notify(r, Result{Err: ErrTimeout})
}

// Received delivers an inbound Response's payload to the matching active
// request, verifying its hash before resolving (spec §4.7).
func (s *Scheduler) Received(requestID int64, data []byte) {
	s.mu.Lock()
	r, ok := s.active[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sum := sha256.Sum256(data)
	if !bytesEqual(sum[:], r.hash) {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.HashMismatches.Inc()
		}
		// Policy: drop the response, let the timeout path retry.
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(s.active, requestID)
	if s.metrics != nil {
		s.metrics.RequestsInFlight.Set(float64(len(s.active)))
	}
	s.mu.Unlock()
	s.wake()

	notify(r, Result{Data: data})
}

func (s *Scheduler) drainAll(err error) {
	s.mu.Lock()
	all := append([]*request{}, s.queued...)
	for _, r := range s.active {
		all = append(all, r)
	}
	s.queued = nil
	s.active = make(map[int64]*request)
	s.mu.Unlock()

	for _, r := range all {
		notify(r, Result{Err: err})
	}
}

func notify(r *request, res Result) {
	for _, cb := range r.callback {
		cb(res)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
