package rp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	count int32
}

func (r *recordingSender) Send(s *Session, resp *Response) error {
	atomic.AddInt32(&r.count, 1)
	return nil
}

type recordingCleaner struct {
	mu      sync.Mutex
	cleaned []*Session
}

func (c *recordingCleaner) CleanupSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, s)
}

func (c *recordingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cleaned)
}

func newTestPool(sender ResponseSender, cleaner SessionCleaner) *Pool {
	d := NewDispatcher()
	d.Register(OpGetItem, func(s *Session, req *Request) (*Response, error) {
		return &Response{Payload: "value"}, nil
	})
	return New(ThreadCount, d, sender, cleaner)
}

// TestWorkerPoolSaturation is spec §8 end-to-end scenario 5: 12 fast
// requests enqueued back-to-back across 4 workers all get responses,
// each session's in-flight counter returns to 0, and a subsequent
// SessionStop cleans up immediately (no messages left in flight).
func TestWorkerPoolSaturation(t *testing.T) {
	sender := &recordingSender{}
	cleaner := &recordingCleaner{}
	p := newTestPool(sender, cleaner)
	defer p.Cleanup()

	s := NewSession(nil)
	for i := 0; i < 12; i++ {
		p.Process(s, &Request{Operation: OpGetItem})
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&sender.count) < 12 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&sender.count); got != 12 {
		t.Fatalf("responses sent = %d, want 12", got)
	}

	s.mu.Lock()
	msgCount := s.msgCount
	s.mu.Unlock()
	if msgCount != 0 {
		t.Fatalf("in-flight counter = %d, want 0", msgCount)
	}

	p.SessionStop(s)
	if cleaner.count() != 1 {
		t.Fatalf("cleanup count = %d, want 1 (immediate cleanup)", cleaner.count())
	}
}

// TestDeferredSessionCleanup is spec §8 end-to-end scenario 6: 3 slow
// requests are enqueued for session S, SessionStop(S) is called
// immediately (returning without cleaning up since messages are still
// in flight), and the worker that finishes the last of the three
// performs the deferred cleanup.
func TestDeferredSessionCleanup(t *testing.T) {
	release := make(chan struct{})
	var started int32

	d := NewDispatcher()
	d.Register(OpGetItem, func(s *Session, req *Request) (*Response, error) {
		atomic.AddInt32(&started, 1)
		<-release
		return &Response{}, nil
	})
	sender := &recordingSender{}
	cleaner := &recordingCleaner{}
	p := New(ThreadCount, d, sender, cleaner)
	defer p.Cleanup()

	s := NewSession(nil)
	for i := 0; i < 3; i++ {
		p.Process(s, &Request{Operation: OpGetItem})
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&started) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	p.SessionStop(s)
	if cleaner.count() != 0 {
		t.Fatalf("cleanup ran before in-flight messages drained")
	}

	close(release)

	deadline = time.Now().Add(2 * time.Second)
	for cleaner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cleaner.count() != 1 {
		t.Fatalf("deferred cleanup did not run, count = %d", cleaner.count())
	}
}

func TestDispatchUnsupportedOperation(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(NewSession(nil), &Request{Operation: "unknown-op"})
	if resp.Err == nil {
		t.Fatalf("expected an error for an unregistered operation")
	}
}
