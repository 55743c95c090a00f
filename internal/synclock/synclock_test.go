package synclock

import (
	"testing"
	"time"
)

func newTestLocker() *Locker {
	l := &Layout{}
	lk := New(l, 200*time.Millisecond)
	lk.Init()
	return lk
}

func TestRecursiveRead(t *testing.T) {
	lk := newTestLocker()
	var held HeldLock

	if err := lk.Lock(ModeRead, false, false, &held, nil); err != nil {
		t.Fatalf("first read lock: %v", err)
	}
	if err := lk.Lock(ModeRead, false, false, &held, nil); err != nil {
		t.Fatalf("second read lock: %v", err)
	}

	if held.Kind != HeldRead || held.ReadDepth != 2 {
		t.Fatalf("held = %+v, want Kind=Read Depth=2", held)
	}
	if got := lk.Readers(); got != 2 {
		t.Fatalf("readers = %d, want 2", got)
	}

	lk.Unlock(ModeRead, false, false, &held)
	lk.Unlock(ModeRead, false, false, &held)

	if held.Kind != HeldNone || held.ReadDepth != 0 {
		t.Fatalf("held after two unlocks = %+v, want zero value", held)
	}
	if got := lk.Readers(); got != 0 {
		t.Fatalf("readers after unlock = %d, want 0", got)
	}
}

func TestWriteExcludesRead(t *testing.T) {
	lk := newTestLocker()
	var writerHeld HeldLock

	if err := lk.Lock(ModeWrite, false, false, &writerHeld, nil); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	var readerHeld HeldLock
	err := lk.Lock(ModeRead, false, false, &readerHeld, nil)
	if err == nil {
		t.Fatalf("expected read lock to time out while write lock is held")
	}

	lk.Unlock(ModeWrite, false, false, &writerHeld)

	if err := lk.Lock(ModeRead, false, false, &readerHeld, nil); err != nil {
		t.Fatalf("read lock after write release: %v", err)
	}
	lk.Unlock(ModeRead, false, false, &readerHeld)
}

func TestWriteNoStateSkipsBookkeeping(t *testing.T) {
	lk := newTestLocker()
	var held HeldLock

	if err := lk.Lock(ModeWriteNoState, false, false, &held, nil); err != nil {
		t.Fatalf("write-no-state lock: %v", err)
	}
	if held.Kind != HeldNone {
		t.Fatalf("held = %+v, want untouched (HeldNone)", held)
	}
	lk.Unlock(ModeWriteNoState, false, false, &held)
}

func TestDeadWriterReclaimed(t *testing.T) {
	lk := newTestLocker()

	// Simulate a writer that died without releasing: set writerHeld with a
	// PID that cannot possibly be alive.
	lk.l.MainLock.writerHeld = 1
	lk.l.MainLock.writerPID = 999999

	recovered := false
	var held HeldLock
	err := lk.Lock(ModeRead, false, false, &held, func() error {
		recovered = true
		return nil
	})
	if err != nil {
		t.Fatalf("lock after dead-writer reclamation: %v", err)
	}
	if !recovered {
		t.Fatalf("expected recovery callback to run")
	}
	lk.Unlock(ModeRead, false, false, &held)
}
