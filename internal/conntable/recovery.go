package conntable

import (
	"go.uber.org/zap"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
	"github.com/DineshReddyK/sysrepo/internal/synclock"
)

// OperDataCleaner removes any pushed operational data owned by a dead
// connection (spec §4.5 step 3). The registry/conntable layer has no
// notion of stored operational data itself; callers that do (internal/rp)
// supply a concrete implementation, and tests/standalone uses pass
// NopOperDataCleaner.
type OperDataCleaner interface {
	RemoveConnectionOperData(handle uint64, pid uint32) error
}

type nopOperDataCleaner struct{}

func (nopOperDataCleaner) RemoveConnectionOperData(uint64, uint32) error { return nil }

// NopOperDataCleaner is an OperDataCleaner that does nothing, for callers
// with no operational-data store to clean up.
var NopOperDataCleaner OperDataCleaner = nopOperDataCleaner{}

// RecoverDeadConnections is the crash-recovery sweep of spec §4.5,
// invoked by synclock's Recover callback whenever a lock acquisition
// discovers its holder's PID is dead. It walks every connection,
// removing any whose owning PID is no longer alive:
//
//  1. folds the dead connection's held-lock contribution back into the
//     main lock directly (it cannot release through the normal Unlock
//     path: that path assumes the releasing process is the one calling
//     it) — a held *read* lock is folded back in directly, but a held
//     *write* lock is reported as a fatal internal error per spec §4.5/
//     invariant 6 rather than silently reclaimed
//  2. walks the connection's event-pipe ids, removing every matching
//     subscription from every module's change/oper/notif tables and the
//     RPC-subscription table — RPCSubRemove removes the RPC entry
//     itself once its last subscription is gone
//  3. delegates removal of any operational data the connection pushed to
//     cleaner
//  4. removes the connection-state record
//
// Errors from individual connections are accumulated rather than
// aborting the sweep, so one corrupt record does not block recovery of
// the rest (spec §4.5/§7).
func RecoverDeadConnections(s *registry.Store, lk *synclock.Locker, cleaner OperDataCleaner) error {
	var errs srerr.Compound

	// Snapshot (handle, pid) pairs up front: Remove relocates the
	// connection array via swap-last-into-hole, which would otherwise
	// skip or revisit entries if we walked live indices while removing.
	n := s.ConnCount()
	type key struct {
		handle uint64
		pid    uint32
	}
	var dead []key
	for i := uint32(0); i < n; i++ {
		c := s.ConnAt(i)
		if !synclock.ProcessAlive(c.PID) {
			dead = append(dead, key{c.ConnHandle, c.PID})
		}
	}

	if len(dead) > 0 {
		s.Logger().Info("recovering dead connections", zap.Int("count", len(dead)))
	}

	for _, k := range dead {
		if err := recoverOne(s, lk, cleaner, &errs, k.handle, k.pid); err != nil {
			s.Logger().Error("connection recovery failed",
				zap.Uint64("handle", k.handle), zap.Uint32("pid", k.pid), zap.Error(err))
			errs.Add(err)
		}
	}
	return errs.ErrOrNil()
}

func recoverOne(s *registry.Store, lk *synclock.Locker, cleaner OperDataCleaner, errs *srerr.Compound, handle uint64, pid uint32) error {
	conn := Find(s, handle, pid)
	if conn == nil {
		return nil
	}

	switch conn.Held.Kind {
	case synclock.HeldRead:
		lk.ReleaseHeldReaders(conn.Held.ReadDepth)
	case synclock.HeldWrite:
		// Spec §4.5 step 1/invariant 6: a dead connection must never be
		// found holding the main lock in write mode — the write holder
		// is always the one process actively driving a request to
		// completion, so finding one dead here means the invariant was
		// already violated before the crash. Report it rather than
		// silently reclaiming the writer slot on the dead connection's
		// behalf; the sweep continues so the rest of the connection's
		// state still gets torn down.
		errs.Add(srerr.New(srerr.Internal, "conntable.RecoverDeadConnections: dead connection held write lock"))
	}

	evpipes := make([]uint64, conn.EvpipesCount)
	for i := uint32(0); i < conn.EvpipesCount; i++ {
		evpipes[i] = s.Arena().Uint64At(conn.EvpipesOffset + uint64(i)*8)
	}

	for _, evpipeID := range evpipes {
		n := s.ModuleCount()
		for i := uint32(0); i < n; i++ {
			rec := s.ModuleAt(i)
			ChangeSubRemoveByEvpipe(s, rec, evpipeID)
			OperSubRemoveByEvpipe(s, rec, evpipeID)
			NotifSubRemoveByEvpipe(s, rec, evpipeID)
		}
		RPCSubRemoveByEvpipe(s, evpipeID)
	}

	if err := cleaner.RemoveConnectionOperData(handle, pid); err != nil {
		return err
	}

	return Remove(s, handle, pid)
}
