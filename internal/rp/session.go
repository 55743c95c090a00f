package rp

import (
	"sync"

	"github.com/DineshReddyK/sysrepo/internal/session"
)

// Session is the request processor's per-session context (rp_session_t):
// the session-manager session it rides on, plus the in-flight message
// count and deferred-stop flag rp_msg_process/rp_session_stop/
// rp_worker_thread_execute coordinate through.
type Session struct {
	Underlying *session.Session

	mu            sync.Mutex
	msgCount      uint32
	stopRequested bool
}

// NewSession wraps a session-manager session for request-processor use
// (rp_session_start).
func NewSession(u *session.Session) *Session {
	return &Session{Underlying: u}
}

// finish is called by the worker goroutine that just dispatched one of
// this session's messages: it decrements the in-flight count and, if
// the session's stop was deferred because messages were still
// in-flight, runs the deferred cleanup now that the last one has
// drained (rp_worker_thread_execute's msg_count bookkeeping).
func (s *Session) finish(p *Pool) {
	s.mu.Lock()
	s.msgCount--
	stop := s.msgCount == 0 && s.stopRequested
	s.mu.Unlock()

	if stop {
		p.cleanupSession(s)
	}
}
