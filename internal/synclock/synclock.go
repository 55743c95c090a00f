// Package synclock implements the two-level cross-process locking protocol
// of spec §4.6: a remap guard (read/write, held in write mode only by
// defragmentation) guarding a main read/write lock (guarding logical
// registry access), plus an optional schema-models mutex. Both locks are
// robust: a bounded-timeout acquisition that finds its current holder's PID
// dead reclaims the lock and invokes a caller-supplied recovery callback
// (spec §4.5) instead of failing.
//
// The primitives here are adapted from the teacher's futex wait/wake pair
// (internal/transport/shm/shm_futex_linux.go in the original tree) but
// applied to a robust rwlock rather than a ring buffer's data/space
// sequence numbers.
package synclock

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

var errFutexTimeout = errors.New("futex wait timed out")

// LockMode is the mode a caller requests from the main lock.
type LockMode int

const (
	ModeRead LockMode = iota
	ModeWrite
	// ModeWriteNoState acquires the main lock in write mode but skips the
	// per-connection held-lock bookkeeping, for the very first acquisition
	// before any connection-state record exists. Mutually exclusive with a
	// concurrent ModeWrite (spec §9 Open Question, resolved: treat both as
	// contending for the same writer slot).
	ModeWriteNoState
)

// HeldLockKind is the kind of main-lock hold a connection currently has.
// Fixed-width so HeldLock can be stored inline inside a shared-memory
// connection-state record, not just passed as a process-local value.
type HeldLockKind uint32

const (
	HeldNone HeldLockKind = iota
	HeldRead
	HeldWrite
)

func (k HeldLockKind) String() string {
	switch k {
	case HeldRead:
		return "read"
	case HeldWrite:
		return "write"
	default:
		return "none"
	}
}

// HeldLock is the per-connection held-lock descriptor of spec §3/§4.6.
// Read holds are recursive (ReadDepth counts them); write holds are not.
type HeldLock struct {
	Kind      HeldLockKind
	ReadDepth uint32
}

// rwLockState is the in-shared-memory layout of one robust read/write lock:
// a writer-held flag, a writer PID (for liveness checks), a reader count,
// and a wake sequence bumped on every release so futex waiters re-check.
// Every field is accessed exclusively through sync/atomic.
type rwLockState struct {
	writerHeld uint32
	writerPID  uint32
	readers    uint32
	seq        uint32
}

// mutexState is a simple robust mutex: the schema-models lock of spec §3.
type mutexState struct {
	locked   uint32
	ownerPID uint32
	seq      uint32
}

// Layout is the portion of the main-SHM header devoted to locking. It is
// meant to be embedded, byte-for-byte, inside the header struct that
// internal/registry maps over the shared region.
type Layout struct {
	RemapGuard rwLockState
	MainLock   rwLockState
	Schema     mutexState
}

// RWLockState is the exported name for a standalone robust read/write lock,
// for callers (internal/registry's per-module, per-datastore data and
// replay locks of spec §3/§4) that need the same primitive outside of a
// Layout's fixed three slots.
type RWLockState = rwLockState

// AcquireRW and ReleaseRW drive a standalone RWLockState with this Locker's
// timeout and PID, the same protocol as the main lock but usable on any
// lock living elsewhere in shared memory (e.g. one ModuleRecord's DataLock
// or ReplayLock field).
func (lk *Locker) AcquireRW(st *RWLockState, write bool, recover Recover) error {
	return lk.acquireRW(st, write, recover, "module-lock")
}

func (lk *Locker) ReleaseRW(st *RWLockState, write bool) {
	lk.releaseRW(st, write)
}

// Recover is invoked when a lock acquisition discovers its current holder's
// PID is dead. It must perform the liveness sweep of spec §4.5 (it is
// supplied by internal/conntable, which knows about connections and
// subscriptions; synclock itself knows only about PIDs and lock state).
type Recover func() error

// Locker drives the acquisition/release sequences of spec §4.6 over a
// Layout living in shared memory.
type Locker struct {
	l       *Layout
	timeout time.Duration
	self    uint32
	log     *zap.Logger
}

// New returns a Locker over layout, with the given per-acquisition timeout
// (spec's MAIN_LOCK_TIMEOUT).
func New(layout *Layout, timeout time.Duration) *Locker {
	return &Locker{l: layout, timeout: timeout, self: uint32(os.Getpid()), log: zap.NewNop()}
}

// SetLogger installs the structured logger this Locker reports timeout
// and dead-holder reclamation events through.
func (lk *Locker) SetLogger(l *zap.Logger) {
	if l != nil {
		lk.log = l
	}
}

// Init zero-initializes the lock layout. Called once by the process that
// creates the main region.
func (lk *Locker) Init() {
	atomic.StoreUint32(&lk.l.RemapGuard.writerHeld, 0)
	atomic.StoreUint32(&lk.l.RemapGuard.readers, 0)
	atomic.StoreUint32(&lk.l.MainLock.writerHeld, 0)
	atomic.StoreUint32(&lk.l.MainLock.readers, 0)
	atomic.StoreUint32(&lk.l.Schema.locked, 0)
}

// Readers returns the current main-lock reader count (used by tests and by
// conntable's invariant checks: spec §8 "sum of read_depth equals
// main_lock.readers").
func (lk *Locker) Readers() uint32 { return atomic.LoadUint32(&lk.l.MainLock.readers) }

// ReleaseHeldReaders folds depth read holds back out of the main lock's
// reader count directly, bypassing the normal Unlock path. Used by
// conntable's crash-recovery sweep (spec §4.5), which must return a dead
// connection's held-lock contribution without a HeldLock descriptor to
// drive the usual release.
func (lk *Locker) ReleaseHeldReaders(depth uint32) {
	if depth == 0 {
		return
	}
	atomic.AddUint32(&lk.l.MainLock.readers, ^uint32(depth-1))
	atomic.AddUint32(&lk.l.MainLock.seq, 1)
	futexWake(&lk.l.MainLock.seq, 1<<30)
}

// ReleaseHeldWriter clears the main lock's writer-held state directly,
// for a dead connection whose HeldLock.Kind was HeldWrite (spec §4.5).
func (lk *Locker) ReleaseHeldWriter() {
	atomic.StoreUint32(&lk.l.MainLock.writerPID, 0)
	atomic.StoreUint32(&lk.l.MainLock.writerHeld, 0)
	atomic.AddUint32(&lk.l.MainLock.seq, 1)
	futexWake(&lk.l.MainLock.seq, 1<<30)
}

// ProcessAlive reports whether pid still refers to a live process,
// exported for conntable's crash-recovery sweep (spec §4.5), which must
// decide independently of any single lock acquisition whether a
// connection's owning process is gone.
func ProcessAlive(pid uint32) bool { return processAlive(pid) }

// Lock acquires the remap guard (read unless remapWrite is set), then the
// main lock in mode, then optionally the schema mutex, unwinding already
// acquired locks on any failure. held is the caller's per-connection
// held-lock descriptor; it is updated on success unless mode is
// ModeWriteNoState.
func (lk *Locker) Lock(mode LockMode, remapWrite bool, schema bool, held *HeldLock, recover Recover) error {
	if err := lk.acquireRW(&lk.l.RemapGuard, remapWrite, recover, "remap-guard"); err != nil {
		return err
	}

	mainWrite := mode == ModeWrite || mode == ModeWriteNoState
	if mainWrite && held != nil && held.Kind == HeldWrite {
		lk.releaseRW(&lk.l.RemapGuard, remapWrite)
		return srerr.New(srerr.Internal, "synclock.Lock: write lock is not recursive")
	}

	if err := lk.acquireRW(&lk.l.MainLock, mainWrite, recover, "main-lock"); err != nil {
		lk.releaseRW(&lk.l.RemapGuard, remapWrite)
		return err
	}

	if schema {
		if err := lk.acquireMutex(&lk.l.Schema, recover); err != nil {
			lk.releaseRW(&lk.l.MainLock, mainWrite)
			lk.releaseRW(&lk.l.RemapGuard, remapWrite)
			return err
		}
	}

	if held != nil && mode != ModeWriteNoState {
		if mainWrite {
			held.Kind = HeldWrite
			held.ReadDepth = 0
		} else {
			held.Kind = HeldRead
			held.ReadDepth++
		}
	}

	return nil
}

// Unlock is the symmetric release. Read-lock release decrements the
// reader count and, at zero, clears the descriptor.
func (lk *Locker) Unlock(mode LockMode, remapWrite bool, schema bool, held *HeldLock) {
	if schema {
		lk.releaseMutex(&lk.l.Schema)
	}

	mainWrite := mode == ModeWrite || mode == ModeWriteNoState
	lk.releaseRW(&lk.l.MainLock, mainWrite)
	lk.releaseRW(&lk.l.RemapGuard, remapWrite)

	if held != nil && mode != ModeWriteNoState {
		if mainWrite {
			held.Kind = HeldNone
			held.ReadDepth = 0
		} else if held.ReadDepth > 0 {
			held.ReadDepth--
			if held.ReadDepth == 0 {
				held.Kind = HeldNone
			}
		}
	}
}

func (lk *Locker) acquireRW(st *rwLockState, write bool, recover Recover, name string) error {
	deadline := time.Now().Add(lk.timeout)
	for {
		if write {
			if atomic.CompareAndSwapUint32(&st.writerHeld, 0, 1) {
				if atomic.LoadUint32(&st.readers) == 0 {
					atomic.StoreUint32(&st.writerPID, lk.self)
					return nil
				}
				// Readers still hold the lock; give the writer slot back
				// and fall through to the timeout/wait path.
				atomic.StoreUint32(&st.writerHeld, 0)
			}
		} else {
			// Readers never block on other readers, only on an active writer.
			if atomic.LoadUint32(&st.writerHeld) == 0 {
				atomic.AddUint32(&st.readers, 1)
				if atomic.LoadUint32(&st.writerHeld) == 0 {
					return nil
				}
				// A writer slipped in between our check and our increment;
				// back out and fall through to the timeout/wait path.
				atomic.AddUint32(&st.readers, ^uint32(0))
			}
		}

		if time.Now().After(deadline) {
			holderPID := atomic.LoadUint32(&st.writerPID)
			if holderPID != 0 && !processAlive(holderPID) {
				if atomic.CompareAndSwapUint32(&st.writerHeld, 1, 0) {
					atomic.StoreUint32(&st.writerPID, 0)
					atomic.AddUint32(&st.seq, 1)
					lk.log.Warn("reclaiming lock held by dead process",
						zap.String("lock", name), zap.Uint32("holder_pid", holderPID))
					if recover != nil {
						if err := recover(); err != nil {
							return srerr.Wrap(srerr.Internal, "synclock."+name, err)
						}
					}
					deadline = time.Now().Add(lk.timeout)
					continue
				}
			}
			lk.log.Warn("lock acquisition timed out", zap.String("lock", name), zap.Bool("write", write))
			return srerr.New(srerr.Timeout, "synclock."+name)
		}

		remaining := time.Until(deadline)
		seq := atomic.LoadUint32(&st.seq)
		waitNs := int64(remaining)
		if waitNs > int64(5*time.Millisecond) {
			waitNs = int64(5 * time.Millisecond)
		}
		_ = futexWaitTimeout(&st.seq, seq, waitNs)
	}
}

func (lk *Locker) releaseRW(st *rwLockState, write bool) {
	if write {
		atomic.StoreUint32(&st.writerPID, 0)
		atomic.StoreUint32(&st.writerHeld, 0)
	} else {
		atomic.AddUint32(&st.readers, ^uint32(0))
	}
	atomic.AddUint32(&st.seq, 1)
	futexWake(&st.seq, 1<<30)
}

func (lk *Locker) acquireMutex(st *mutexState, recover Recover) error {
	deadline := time.Now().Add(lk.timeout)
	for {
		if atomic.CompareAndSwapUint32(&st.locked, 0, 1) {
			atomic.StoreUint32(&st.ownerPID, lk.self)
			return nil
		}
		if time.Now().After(deadline) {
			holderPID := atomic.LoadUint32(&st.ownerPID)
			if holderPID != 0 && !processAlive(holderPID) {
				if atomic.CompareAndSwapUint32(&st.locked, 1, 0) {
					atomic.StoreUint32(&st.ownerPID, 0)
					atomic.AddUint32(&st.seq, 1)
					if recover != nil {
						if err := recover(); err != nil {
							return srerr.Wrap(srerr.Internal, "synclock.schema", err)
						}
					}
					deadline = time.Now().Add(lk.timeout)
					continue
				}
			}
			return srerr.New(srerr.Timeout, "synclock.schema")
		}
		remaining := time.Until(deadline)
		seq := atomic.LoadUint32(&st.seq)
		waitNs := int64(remaining)
		if waitNs > int64(5*time.Millisecond) {
			waitNs = int64(5 * time.Millisecond)
		}
		_ = futexWaitTimeout(&st.seq, seq, waitNs)
	}
}

func (lk *Locker) releaseMutex(st *mutexState) {
	atomic.StoreUint32(&st.ownerPID, 0)
	atomic.StoreUint32(&st.locked, 0)
	atomic.AddUint32(&st.seq, 1)
	futexWake(&st.seq, 1<<30)
}
