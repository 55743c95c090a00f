package conntable

import (
	"testing"
	"time"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/synclock"
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

func TestAddFindRemoveConn(t *testing.T) {
	s := openTestStore(t)

	if _, err := Add(s, 1, 100); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := Add(s, 2, 200); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if Find(s, 1, 100) == nil {
		t.Fatalf("Find(1,100) = nil")
	}
	if Find(s, 2, 200) == nil {
		t.Fatalf("Find(2,200) = nil")
	}
	if Find(s, 3, 300) != nil {
		t.Fatalf("Find(3,300) should be nil")
	}

	if err := Remove(s, 1, 100); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.ConnCount() != 1 {
		t.Fatalf("conn count = %d, want 1", s.ConnCount())
	}
	if Find(s, 2, 200) == nil {
		t.Fatalf("Find(2,200) = nil after swap-last-into-hole remove")
	}
}

func TestEvpipeAddRemove(t *testing.T) {
	s := openTestStore(t)
	if _, err := Add(s, 1, 100); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := EvpipeAdd(s, 1, 100, 10); err != nil {
		t.Fatalf("EvpipeAdd: %v", err)
	}
	if err := EvpipeAdd(s, 1, 100, 20); err != nil {
		t.Fatalf("EvpipeAdd: %v", err)
	}
	conn := Find(s, 1, 100)
	if conn.EvpipesCount != 2 {
		t.Fatalf("evpipes count = %d, want 2", conn.EvpipesCount)
	}

	if err := EvpipeRemove(s, 1, 100, 10); err != nil {
		t.Fatalf("EvpipeRemove: %v", err)
	}
	conn = Find(s, 1, 100)
	if conn.EvpipesCount != 1 {
		t.Fatalf("evpipes count after remove = %d, want 1", conn.EvpipesCount)
	}
	if s.Arena().Uint64At(conn.EvpipesOffset) != 20 {
		t.Fatalf("surviving evpipe id = %d, want 20", s.Arena().Uint64At(conn.EvpipesOffset))
	}

	if err := EvpipeRemove(s, 1, 100, 999); err == nil {
		t.Fatalf("EvpipeRemove of absent id should fail")
	}
}

func TestChangeOperNotifSub(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddModules([]registry.ModuleInput{{Name: "m1", Revision: "2024-01-01"}}); err != nil {
		t.Fatalf("AddModules: %v", err)
	}
	rec := s.FindModule("m1")

	if err := ChangeSubAdd(s, rec, registry.Running, "/m1:a", 1, 0, 10); err != nil {
		t.Fatalf("ChangeSubAdd: %v", err)
	}
	if err := ChangeSubAdd(s, rec, registry.Running, "/m1:b", 2, 0, 20); err != nil {
		t.Fatalf("ChangeSubAdd: %v", err)
	}
	if rec.ChangeSubs[registry.Running].Count != 2 {
		t.Fatalf("change subs count = %d, want 2", rec.ChangeSubs[registry.Running].Count)
	}

	if err := OperSubAdd(s, rec, "/m1:oper", 30); err != nil {
		t.Fatalf("OperSubAdd: %v", err)
	}
	if rec.OperSubCount != 1 {
		t.Fatalf("oper sub count = %d, want 1", rec.OperSubCount)
	}

	if err := NotifSubAdd(s, rec, 40); err != nil {
		t.Fatalf("NotifSubAdd: %v", err)
	}
	if rec.NotifSubCount != 1 {
		t.Fatalf("notif sub count = %d, want 1", rec.NotifSubCount)
	}

	if err := ChangeSubRemove(s, rec, registry.Running, 10); err != nil {
		t.Fatalf("ChangeSubRemove: %v", err)
	}
	if rec.ChangeSubs[registry.Running].Count != 1 {
		t.Fatalf("change subs count after remove = %d, want 1", rec.ChangeSubs[registry.Running].Count)
	}

	if err := OperSubRemove(s, rec, 30); err != nil {
		t.Fatalf("OperSubRemove: %v", err)
	}
	if rec.OperSubCount != 0 || rec.OperSubsOffset != 0 {
		t.Fatalf("oper subs not emptied: count=%d offset=%d", rec.OperSubCount, rec.OperSubsOffset)
	}

	if err := NotifSubRemove(s, rec, 40); err != nil {
		t.Fatalf("NotifSubRemove: %v", err)
	}
	if rec.NotifSubCount != 0 || rec.NotifSubsOffset != 0 {
		t.Fatalf("notif subs not emptied: count=%d offset=%d", rec.NotifSubCount, rec.NotifSubsOffset)
	}
}

// TestChangeSubRemoveByXPath covers the (xpath, priority)-keyed targeted
// removal mode of spec §4.4, distinct from the event-pipe-keyed modes
// covered by TestChangeOperNotifSub.
func TestChangeSubRemoveByXPath(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddModules([]registry.ModuleInput{{Name: "m1", Revision: "2024-01-01"}}); err != nil {
		t.Fatalf("AddModules: %v", err)
	}
	rec := s.FindModule("m1")

	if err := ChangeSubAdd(s, rec, registry.Running, "/m1:a", 1, 0, 10); err != nil {
		t.Fatalf("ChangeSubAdd: %v", err)
	}
	if err := ChangeSubAdd(s, rec, registry.Running, "/m1:b", 2, 0, 20); err != nil {
		t.Fatalf("ChangeSubAdd: %v", err)
	}

	if err := ChangeSubRemoveByXPath(s, rec, registry.Running, "/m1:a", 1); err != nil {
		t.Fatalf("ChangeSubRemoveByXPath: %v", err)
	}
	if rec.ChangeSubs[registry.Running].Count != 1 {
		t.Fatalf("change subs count = %d, want 1", rec.ChangeSubs[registry.Running].Count)
	}

	if err := ChangeSubRemoveByXPath(s, rec, registry.Running, "/m1:a", 1); err == nil {
		t.Fatalf("ChangeSubRemoveByXPath of already-removed (xpath, priority) should fail")
	}
	if err := ChangeSubRemoveByXPath(s, rec, registry.Running, "/m1:b", 1); err == nil {
		t.Fatalf("ChangeSubRemoveByXPath with mismatched priority should fail")
	}
	if err := ChangeSubRemoveByXPath(s, rec, registry.Running, "/m1:b", 2); err != nil {
		t.Fatalf("ChangeSubRemoveByXPath: %v", err)
	}
}

func TestRPCSubAddRemoveDropsRPC(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddRPC("/m1:op1"); err != nil {
		t.Fatalf("AddRPC: %v", err)
	}

	if err := RPCSubAdd(s, "/m1:op1", 10); err != nil {
		t.Fatalf("RPCSubAdd: %v", err)
	}
	if err := RPCSubAdd(s, "/m1:op1", 20); err != nil {
		t.Fatalf("RPCSubAdd: %v", err)
	}

	if err := RPCSubRemove(s, "/m1:op1", 10); err != nil {
		t.Fatalf("RPCSubRemove: %v", err)
	}
	if s.RPCCount() != 1 {
		t.Fatalf("rpc count = %d, want 1 (rpc should survive with one sub left)", s.RPCCount())
	}

	if err := RPCSubRemove(s, "/m1:op1", 20); err != nil {
		t.Fatalf("RPCSubRemove: %v", err)
	}
	if s.RPCCount() != 0 {
		t.Fatalf("rpc count = %d, want 0 after last subscription removed", s.RPCCount())
	}
}

// TestRecursiveReadLock is spec §8 scenario 2: a connection acquires the
// main lock for read twice (recursively) and the reader count and
// held-lock depth stay consistent.
func TestRecursiveReadLock(t *testing.T) {
	s := openTestStore(t)
	lk := synclock.New(s.Layout(), time.Second)
	held := &synclock.HeldLock{}

	if err := lk.Lock(synclock.ModeRead, false, false, held, nil); err != nil {
		t.Fatalf("Lock 1: %v", err)
	}
	if err := lk.Lock(synclock.ModeRead, false, false, held, nil); err != nil {
		t.Fatalf("Lock 2: %v", err)
	}
	if held.ReadDepth != 2 {
		t.Fatalf("read depth = %d, want 2", held.ReadDepth)
	}
	if lk.Readers() != 2 {
		t.Fatalf("readers = %d, want 2", lk.Readers())
	}

	lk.Unlock(synclock.ModeRead, false, false, held)
	if held.ReadDepth != 1 {
		t.Fatalf("read depth after one unlock = %d, want 1", held.ReadDepth)
	}
	lk.Unlock(synclock.ModeRead, false, false, held)
	if held.ReadDepth != 0 || held.Kind != synclock.HeldNone {
		t.Fatalf("held lock not cleared: %+v", held)
	}
	if lk.Readers() != 0 {
		t.Fatalf("readers after full unlock = %d, want 0", lk.Readers())
	}
}

// TestRecoverDeadConnections is spec §8 scenario 3: a connection that
// holds a recursive read lock and subscriptions crashes (its PID is no
// longer alive); recovery must fold its lock contribution back in,
// strip every matching subscription, and remove its connection record.
func TestRecoverDeadConnections(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddModules([]registry.ModuleInput{{Name: "m1", Revision: "2024-01-01"}}); err != nil {
		t.Fatalf("AddModules: %v", err)
	}
	rec := s.FindModule("m1")

	lk := synclock.New(s.Layout(), time.Second)
	held := &synclock.HeldLock{}
	if err := lk.Lock(synclock.ModeRead, false, false, held, nil); err != nil {
		t.Fatalf("Lock 1: %v", err)
	}
	if err := lk.Lock(synclock.ModeRead, false, false, held, nil); err != nil {
		t.Fatalf("Lock 2: %v", err)
	}

	// deadPID is never a real process: liveness checks (synclock.ProcessAlive)
	// treat it as dead, which is exactly the scenario recovery must handle.
	const deadPID = 0
	conn, err := Add(s, 999, deadPID)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	conn.Held = *held
	if err := EvpipeAdd(s, 999, deadPID, 10); err != nil {
		t.Fatalf("EvpipeAdd: %v", err)
	}
	if err := ChangeSubAdd(s, rec, registry.Running, "/m1:a", 1, 0, 10); err != nil {
		t.Fatalf("ChangeSubAdd: %v", err)
	}
	if err := OperSubAdd(s, rec, "/m1:oper", 10); err != nil {
		t.Fatalf("OperSubAdd: %v", err)
	}

	if err := RecoverDeadConnections(s, lk, NopOperDataCleaner); err != nil {
		t.Fatalf("RecoverDeadConnections: %v", err)
	}

	if lk.Readers() != 0 {
		t.Fatalf("readers after recovery = %d, want 0", lk.Readers())
	}
	if Find(s, 999, deadPID) != nil {
		t.Fatalf("dead connection still present after recovery")
	}
	rec = s.FindModule("m1")
	if rec.ChangeSubs[registry.Running].Count != 0 {
		t.Fatalf("change subs not cleared: %d", rec.ChangeSubs[registry.Running].Count)
	}
	if rec.OperSubCount != 0 {
		t.Fatalf("oper subs not cleared: %d", rec.OperSubCount)
	}
}

// TestRecoverDeadConnectionsReportsHeldWrite is spec §4.5 step 1 /
// invariant 6: a dead connection found holding the main lock in write
// mode is a fatal internal error that must be surfaced, not silently
// reclaimed — but the sweep still tears down the rest of the
// connection's state and does not abort.
func TestRecoverDeadConnectionsReportsHeldWrite(t *testing.T) {
	s := openTestStore(t)
	lk := synclock.New(s.Layout(), time.Second)

	const deadPID = 0
	conn, err := Add(s, 999, deadPID)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	conn.Held = synclock.HeldLock{Kind: synclock.HeldWrite}

	err = RecoverDeadConnections(s, lk, NopOperDataCleaner)
	if err == nil {
		t.Fatalf("RecoverDeadConnections should report the dead write-lock holder as an error")
	}

	if Find(s, 999, deadPID) != nil {
		t.Fatalf("dead connection should still be removed despite the reported error")
	}
}
