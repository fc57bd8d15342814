package scheduler

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"
)

// fakeSender records the order requests were transmitted and immediately
// resolves each one against sched, so a Concurrent=1 scheduler can make
// forward progress without a real connection.
type fakeSender struct {
	mu    sync.Mutex
	order []string
	data  map[string][]byte
	sched *Scheduler
}

func newFakeSender() *fakeSender {
	return &fakeSender{data: make(map[string][]byte)}
}

func (f *fakeSender) SendRequest(ctx context.Context, requestID int64, folder, name string, offset int64, size uint32, hash []byte) error {
	f.mu.Lock()
	f.order = append(f.order, name)
	data := f.data[name]
	f.mu.Unlock()

	go f.sched.Received(requestID, data)
	return nil
}

func blockFor(name string) ([]byte, []byte) {
	data := []byte("contents of " + name)
	sum := sha256.Sum256(data)
	return data, sum[:]
}

func TestScheduleOrderUserBeforeBackground(t *testing.T) {
	sender := newFakeSender()
	sched := New(sender, Options{Concurrent: 1, Timeout: 2 * time.Second})
	sender.sched = sched

	var names []string
	for i := 0; i < 5; i++ {
		name := "background-file-" + string(rune('a'+i))
		data, _ := blockFor(name)
		sender.data[name] = data
		names = append(names, name)
	}
	userData, userHash := blockFor("user-file")
	sender.data["user-file"] = userData

	var wg sync.WaitGroup
	for i, name := range names {
		_, hash := blockFor(name)
		wg.Add(1)
		offset := int64(i) * 4096
		sched.Add("folder", name, int64(i), offset, uint32(len(sender.data[name])), hash, Background, func(Result) { wg.Done() })
	}
	wg.Add(1)
	sched.Add("folder", "user-file", 99, 0, uint32(len(userData)), userHash, User, func(Result) { wg.Done() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Serve(ctx)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("requests never resolved")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.order) == 0 || sender.order[0] != "user-file" {
		t.Fatalf("expected user-file scheduled first, got order %v", sender.order)
	}
}

func TestAddPromotesPriorityOfDuplicateRequest(t *testing.T) {
	sender := newFakeSender()
	sched := New(sender, Options{Concurrent: 0}) // plenty of slots, nothing dequeues until Serve runs
	sender.sched = sched

	data, hash := blockFor("dup-file")
	sender.data["dup-file"] = data

	sched.Add("folder", "dup-file", 1, 0, uint32(len(data)), hash, Background, nil)
	sched.mu.Lock()
	if len(sched.queued) != 1 || sched.queued[0].priority != Background {
		sched.mu.Unlock()
		t.Fatalf("expected one queued background request, got %+v", sched.queued)
	}
	sched.mu.Unlock()

	sched.Add("folder", "dup-file", 1, 0, uint32(len(data)), hash, User, nil)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.queued) != 1 {
		t.Fatalf("expected the duplicate to be merged, not appended: %+v", sched.queued)
	}
	if sched.queued[0].priority != User {
		t.Fatalf("expected promoted priority User, got %v", sched.queued[0].priority)
	}
}

func TestRemoveNotifiesCallbacksWithErrRemoved(t *testing.T) {
	sender := newFakeSender()
	sched := New(sender, Options{Concurrent: 0})
	sender.sched = sched

	_, hash := blockFor("gone-file")
	result := make(chan Result, 1)
	sched.Add("folder", "gone-file", 1, 0, 4, hash, Background, func(r Result) { result <- r })

	sched.Remove("folder", "gone-file")

	select {
	case r := <-result:
		if r.Err != ErrRemoved {
			t.Fatalf("expected ErrRemoved, got %v", r.Err)
		}
	default:
		t.Fatal("expected callback invoked synchronously by Remove")
	}
}

func TestReceivedRejectsHashMismatch(t *testing.T) {
	sender := newFakeSender()
	sched := New(sender, Options{Concurrent: 1, Timeout: 50 * time.Millisecond, Retries: 1})
	sender.sched = sched

	result := make(chan Result, 1)
	_, hash := blockFor("corrupt-file")
	sender.data["corrupt-file"] = []byte("not the expected bytes")
	sched.Add("folder", "corrupt-file", 1, 0, 4, hash, User, func(r Result) { result <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Serve(ctx)

	select {
	case r := <-result:
		if r.Err != ErrTimeout {
			t.Fatalf("expected the mismatched response to be dropped and the request to time out, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
}
