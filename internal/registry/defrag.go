package registry

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/DineshReddyK/sysrepo/internal/arena"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
	"github.com/DineshReddyK/sysrepo/internal/synclock"
)

// Defragment rewrites the extension arena into a fresh buffer in the
// canonical order of spec §4.7, swaps it in, and resets the wasted
// tally to 0. Must be called under the write side of the remap guard
// (spec §4.6) — registry itself does not take the lock, the caller
// does, consistently with every other registry operation.
//
// Notification-subscription arrays are relocated alongside operational
// subscriptions even though spec.md's canonical-order list omits them:
// leaving them stranded would violate invariant 1 (every stored offset
// must point inside the live mapping) for no benefit, so this fills
// the gap rather than reproducing it.
func (s *Store) Defragment() error {
	oldTail := s.ar.Tail()
	wasted := s.ar.Wasted()
	expected := oldTail - wasted

	s.log.Info("defragment starting",
		zap.Uint64("tail", oldTail), zap.Uint64("wasted", wasted))

	scratch := arena.New(arena.NewMemory(8))
	old := s.ar

	nameMap := make(map[uint64]uint64, s.ModuleCount())
	n := s.ModuleCount()

	// Step 1: all module names.
	for i := uint32(0); i < n; i++ {
		rec := s.ModuleAt(i)
		if rec.NameOffset == arena.NullOffset {
			continue
		}
		off, err := scratch.PutString(old.StringAt(rec.NameOffset))
		if err != nil {
			return err
		}
		nameMap[rec.NameOffset] = off
		rec.NameOffset = off
	}

	// Step 2: per module, features / data deps / inverse deps / op deps
	// / change subs / oper subs / notif subs.
	for i := uint32(0); i < n; i++ {
		rec := s.ModuleAt(i)
		if err := s.defragModule(old, scratch, nameMap, rec); err != nil {
			return err
		}
	}

	// Step 3: connection-state array and each connection's event-pipe
	// array.
	h := s.header()
	if h.ConnTableCount > 0 {
		newOff, err := s.relocConns(old, scratch, h.ConnTableOffset, h.ConnTableCount)
		if err != nil {
			return err
		}
		h.ConnTableOffset = newOff
	}

	// Step 4: RPC table and each RPC's subscription array.
	if h.RPCTableCount > 0 {
		newOff, err := s.relocRPCs(old, scratch, h.RPCTableOffset, h.RPCTableCount)
		if err != nil {
			return err
		}
		h.RPCTableOffset = newOff
	}

	if scratch.Tail() != expected {
		return srerr.New(srerr.Internal, "registry.Defragment: size mismatch")
	}

	if err := s.ext.Replace(expected + 8); err != nil {
		return err
	}
	copy(s.ext.Mem()[8:], scratch.Bytes(8, expected))
	s.ar.ResetWasted()
	s.log.Info("defragment complete", zap.Uint64("new_tail", expected))
	return nil
}

func (s *Store) defragModule(old, scratch *arena.Arena, nameMap map[uint64]uint64, rec *ModuleRecord) error {
	if rec.FeatureCount > 0 {
		off, err := relocStringOffsetArray(old, scratch, rec.FeaturesOffset, rec.FeatureCount)
		if err != nil {
			return err
		}
		rec.FeaturesOffset = off
	}

	if rec.DataDepCount > 0 {
		off, err := s.relocDataDeps(old, scratch, nameMap, rec.DataDepsOffset, rec.DataDepCount)
		if err != nil {
			return err
		}
		rec.DataDepsOffset = off
	}

	if rec.InvDepCount > 0 {
		offs := make([]uint64, rec.InvDepCount)
		for i := uint32(0); i < rec.InvDepCount; i++ {
			oldModOff := old.Uint64At(rec.InvDepsOffset + uint64(i)*8)
			offs[i] = nameMap[oldModOff]
		}
		base, err := scratch.Reserve(uint64(rec.InvDepCount) * 8)
		if err != nil {
			return err
		}
		for i, o := range offs {
			scratch.PutUint64At(base+uint64(i)*8, o)
		}
		rec.InvDepsOffset = base
	}

	if rec.OpDepCount > 0 {
		off, err := s.relocOpDeps(old, scratch, nameMap, rec.OpDepsOffset, rec.OpDepCount)
		if err != nil {
			return err
		}
		rec.OpDepsOffset = off
	}

	for ds := 0; ds < numDatastores; ds++ {
		t := &rec.ChangeSubs[ds]
		if t.Count == 0 {
			continue
		}
		off, err := relocChangeSubs(old, scratch, t.Offset, t.Count)
		if err != nil {
			return err
		}
		t.Offset = off
	}

	if rec.OperSubCount > 0 {
		off, err := relocOperSubs(old, scratch, rec.OperSubsOffset, rec.OperSubCount)
		if err != nil {
			return err
		}
		rec.OperSubsOffset = off
	}

	if rec.NotifSubCount > 0 {
		off, err := relocFixedArray(old, scratch, rec.NotifSubsOffset, rec.NotifSubCount, uint64(unsafe.Sizeof(NotifSubRecord{})))
		if err != nil {
			return err
		}
		rec.NotifSubsOffset = off
	}

	return nil
}

// relocFixedArray copies a fixed-width array with no internal offset
// fields verbatim into scratch.
func relocFixedArray(old, scratch *arena.Arena, oldOff uint64, count uint32, elemSize uint64) (uint64, error) {
	if count == 0 {
		return arena.NullOffset, nil
	}
	base, err := scratch.Reserve(elemSize * uint64(count))
	if err != nil {
		return 0, err
	}
	copy(scratch.Bytes(base, elemSize*uint64(count)), old.Bytes(oldOff, elemSize*uint64(count)))
	return base, nil
}

func relocUint64Array(old, scratch *arena.Arena, oldOff uint64, count uint32) (uint64, error) {
	return relocFixedArray(old, scratch, oldOff, count, 8)
}

func relocStringOffsetArray(old, scratch *arena.Arena, oldOff uint64, count uint32) (uint64, error) {
	if count == 0 {
		return arena.NullOffset, nil
	}
	newOffs := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		strOff := old.Uint64At(oldOff + uint64(i)*8)
		no, err := scratch.PutString(old.StringAt(strOff))
		if err != nil {
			return 0, err
		}
		newOffs[i] = no
	}
	base, err := scratch.Reserve(uint64(count) * 8)
	if err != nil {
		return 0, err
	}
	for i, o := range newOffs {
		scratch.PutUint64At(base+uint64(i)*8, o)
	}
	return base, nil
}

func (s *Store) relocDataDeps(old, scratch *arena.Arena, nameMap map[uint64]uint64, oldOff uint64, count uint32) (uint64, error) {
	if count == 0 {
		return arena.NullOffset, nil
	}
	sz := uint64(unsafe.Sizeof(DataDepRecord{}))

	type resolved struct {
		kind     DepKind
		modOff   uint64
		xpathOff uint64
	}
	vals := make([]resolved, count)
	for i := uint32(0); i < count; i++ {
		oldRec := (*DataDepRecord)(old.Ptr(oldOff + uint64(i)*sz))
		r := resolved{kind: oldRec.Kind}
		if oldRec.ModuleOffset != arena.NullOffset {
			r.modOff = nameMap[oldRec.ModuleOffset]
		}
		if oldRec.XPathOffset != arena.NullOffset {
			xo, err := scratch.PutString(old.StringAt(oldRec.XPathOffset))
			if err != nil {
				return 0, err
			}
			r.xpathOff = xo
		}
		vals[i] = r
	}

	base, err := scratch.Reserve(sz * uint64(count))
	if err != nil {
		return 0, err
	}
	for i, r := range vals {
		rec := (*DataDepRecord)(scratch.Ptr(base + uint64(i)*sz))
		rec.Kind = r.kind
		rec.ModuleOffset = r.modOff
		rec.XPathOffset = r.xpathOff
	}
	return base, nil
}

func (s *Store) relocOpDeps(old, scratch *arena.Arena, nameMap map[uint64]uint64, oldOff uint64, count uint32) (uint64, error) {
	if count == 0 {
		return arena.NullOffset, nil
	}
	sz := uint64(unsafe.Sizeof(OpDepRecord{}))

	type resolved struct {
		xpathOff           uint64
		inOff, outOff      uint64
		inCount, outCount  uint32
	}
	vals := make([]resolved, count)
	for i := uint32(0); i < count; i++ {
		oldRec := (*OpDepRecord)(old.Ptr(oldOff + uint64(i)*sz))
		xo, err := scratch.PutString(old.StringAt(oldRec.XPathOffset))
		if err != nil {
			return 0, err
		}
		inOff, err := s.relocDataDeps(old, scratch, nameMap, oldRec.InDepsOffset, oldRec.InDepCount)
		if err != nil {
			return 0, err
		}
		outOff, err := s.relocDataDeps(old, scratch, nameMap, oldRec.OutDepsOffset, oldRec.OutDepCount)
		if err != nil {
			return 0, err
		}
		vals[i] = resolved{xpathOff: xo, inOff: inOff, inCount: oldRec.InDepCount, outOff: outOff, outCount: oldRec.OutDepCount}
	}

	base, err := scratch.Reserve(sz * uint64(count))
	if err != nil {
		return 0, err
	}
	for i, r := range vals {
		rec := (*OpDepRecord)(scratch.Ptr(base + uint64(i)*sz))
		rec.XPathOffset = r.xpathOff
		rec.InDepsOffset = r.inOff
		rec.InDepCount = r.inCount
		rec.OutDepsOffset = r.outOff
		rec.OutDepCount = r.outCount
	}
	return base, nil
}

func relocChangeSubs(old, scratch *arena.Arena, oldOff uint64, count uint32) (uint64, error) {
	sz := uint64(unsafe.Sizeof(ChangeSubRecord{}))
	type resolved struct {
		xpathOff          uint64
		priority, opts, ev uint32
	}
	vals := make([]resolved, count)
	for i := uint32(0); i < count; i++ {
		oldRec := (*ChangeSubRecord)(old.Ptr(oldOff + uint64(i)*sz))
		xo, err := scratch.PutString(old.StringAt(oldRec.XPathOffset))
		if err != nil {
			return 0, err
		}
		vals[i] = resolved{xpathOff: xo, priority: oldRec.Priority, opts: oldRec.Opts, ev: oldRec.EvpipeID}
	}
	base, err := scratch.Reserve(sz * uint64(count))
	if err != nil {
		return 0, err
	}
	for i, r := range vals {
		rec := (*ChangeSubRecord)(scratch.Ptr(base + uint64(i)*sz))
		rec.XPathOffset = r.xpathOff
		rec.Priority = r.priority
		rec.Opts = r.opts
		rec.EvpipeID = r.ev
	}
	return base, nil
}

func relocOperSubs(old, scratch *arena.Arena, oldOff uint64, count uint32) (uint64, error) {
	sz := uint64(unsafe.Sizeof(OperSubRecord{}))
	type resolved struct {
		xpathOff uint64
		ev       uint32
	}
	vals := make([]resolved, count)
	for i := uint32(0); i < count; i++ {
		oldRec := (*OperSubRecord)(old.Ptr(oldOff + uint64(i)*sz))
		xo, err := scratch.PutString(old.StringAt(oldRec.XPathOffset))
		if err != nil {
			return 0, err
		}
		vals[i] = resolved{xpathOff: xo, ev: oldRec.EvpipeID}
	}
	base, err := scratch.Reserve(sz * uint64(count))
	if err != nil {
		return 0, err
	}
	for i, r := range vals {
		rec := (*OperSubRecord)(scratch.Ptr(base + uint64(i)*sz))
		rec.XPathOffset = r.xpathOff
		rec.EvpipeID = r.ev
	}
	return base, nil
}

func (s *Store) relocRPCs(old, scratch *arena.Arena, oldOff uint64, count uint32) (uint64, error) {
	if count == 0 {
		return arena.NullOffset, nil
	}
	sz := uint64(unsafe.Sizeof(RPCRecord{}))
	type resolved struct {
		pathOff   uint64
		subsOff   uint64
		subsCount uint32
	}
	vals := make([]resolved, count)
	for i := uint32(0); i < count; i++ {
		oldRec := (*RPCRecord)(old.Ptr(oldOff + uint64(i)*sz))
		po, err := scratch.PutString(old.StringAt(oldRec.OpPathOffset))
		if err != nil {
			return 0, err
		}
		so, err := relocFixedArray(old, scratch, oldRec.SubsOffset, oldRec.SubsCount, uint64(unsafe.Sizeof(RPCSubRecord{})))
		if err != nil {
			return 0, err
		}
		vals[i] = resolved{pathOff: po, subsOff: so, subsCount: oldRec.SubsCount}
	}
	base, err := scratch.Reserve(sz * uint64(count))
	if err != nil {
		return 0, err
	}
	for i, r := range vals {
		rec := (*RPCRecord)(scratch.Ptr(base + uint64(i)*sz))
		rec.OpPathOffset = r.pathOff
		rec.SubsOffset = r.subsOff
		rec.SubsCount = r.subsCount
	}
	return base, nil
}

func (s *Store) relocConns(old, scratch *arena.Arena, oldOff uint64, count uint32) (uint64, error) {
	if count == 0 {
		return arena.NullOffset, nil
	}
	sz := uint64(unsafe.Sizeof(ConnStateRecord{}))
	type resolved struct {
		handle  uint64
		pid     uint32
		evOff   uint64
		evCount uint32
		held    synclock.HeldLock
	}
	vals := make([]resolved, count)
	for i := uint32(0); i < count; i++ {
		oldRec := (*ConnStateRecord)(old.Ptr(oldOff + uint64(i)*sz))
		eo, err := relocUint64Array(old, scratch, oldRec.EvpipesOffset, oldRec.EvpipesCount)
		if err != nil {
			return 0, err
		}
		vals[i] = resolved{handle: oldRec.ConnHandle, pid: oldRec.PID, evOff: eo, evCount: oldRec.EvpipesCount, held: oldRec.Held}
	}
	base, err := scratch.Reserve(sz * uint64(count))
	if err != nil {
		return 0, err
	}
	for i, r := range vals {
		rec := (*ConnStateRecord)(scratch.Ptr(base + uint64(i)*sz))
		rec.ConnHandle = r.handle
		rec.PID = r.pid
		rec.EvpipesOffset = r.evOff
		rec.EvpipesCount = r.evCount
		rec.Held = r.held
	}
	return base, nil
}
