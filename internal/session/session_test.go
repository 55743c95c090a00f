package session

import (
	"testing"

	"github.com/DineshReddyK/sysrepo/internal/registry"
)

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := registry.Open(dir, 0o644)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectionAndSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	m := New(store)

	conn, err := m.ConnectionStart(UnixServer, 7, 1234)
	if err != nil {
		t.Fatalf("ConnectionStart: %v", err)
	}

	found, err := m.ConnectionFindFD(7)
	if err != nil || found != conn {
		t.Fatalf("ConnectionFindFD: %v, %v", found, err)
	}

	s1 := m.SessionCreate(conn, "alice", "alice")
	s2 := m.SessionCreate(conn, "bob", "root")
	if s1.ID == s2.ID {
		t.Fatalf("session ids collided: %d", s1.ID)
	}

	if got, err := m.SessionFindID(s1.ID); err != nil || got != s1 {
		t.Fatalf("SessionFindID(s1): %v, %v", got, err)
	}
	if len(conn.Sessions()) != 2 {
		t.Fatalf("conn sessions = %d, want 2", len(conn.Sessions()))
	}

	m.SessionDrop(s1)
	if _, err := m.SessionFindID(s1.ID); err == nil {
		t.Fatalf("SessionFindID(s1) should fail after drop")
	}
	if len(conn.Sessions()) != 1 {
		t.Fatalf("conn sessions after drop = %d, want 1", len(conn.Sessions()))
	}

	if err := m.ConnectionStop(conn); err != nil {
		t.Fatalf("ConnectionStop: %v", err)
	}
	if _, err := m.ConnectionFindFD(7); err == nil {
		t.Fatalf("ConnectionFindFD should fail after stop")
	}
	if _, err := m.SessionFindID(s2.ID); err == nil {
		t.Fatalf("SessionFindID(s2) should fail after connection stop")
	}
	if store.ConnCount() != 0 {
		t.Fatalf("conntable should be empty after ConnectionStop, got %d", store.ConnCount())
	}
}

func TestBufferAppendAndConsume(t *testing.T) {
	var b buffer
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	if string(b.Pending()) != "hello world" {
		t.Fatalf("pending = %q", b.Pending())
	}
	b.Consume(6)
	if string(b.Pending()) != "world" {
		t.Fatalf("pending after consume = %q", b.Pending())
	}
}
