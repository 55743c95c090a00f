package conntable

import (
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

var operSubSize = uint64(unsafe.Sizeof(registry.OperSubRecord{}))

// OperSubAdd appends an operational-data subscription to rec's
// module-level table (spec §4.4; unlike change subscriptions, oper subs
// have no per-datastore dimension).
func OperSubAdd(s *registry.Store, rec *registry.ModuleRecord, xpath string, evpipeID uint64) error {
	oldOff, oldCount := rec.OperSubsOffset, rec.OperSubCount

	xpathOff, err := s.Arena().PutString(xpath)
	if err != nil {
		return err
	}

	base, err := s.Arena().Reserve(operSubSize * uint64(oldCount+1))
	if err != nil {
		return err
	}
	for i := uint32(0); i < oldCount; i++ {
		src := (*registry.OperSubRecord)(s.Arena().Ptr(oldOff + uint64(i)*operSubSize))
		dst := (*registry.OperSubRecord)(s.Arena().Ptr(base + uint64(i)*operSubSize))
		*dst = *src
	}
	if oldCount > 0 {
		s.Arena().AddWasted(operSubSize * uint64(oldCount))
	}
	newSub := (*registry.OperSubRecord)(s.Arena().Ptr(base + uint64(oldCount)*operSubSize))
	*newSub = registry.OperSubRecord{XPathOffset: xpathOff, EvpipeID: uint32(evpipeID)}

	rec.OperSubsOffset = base
	rec.OperSubCount = oldCount + 1
	return nil
}

func findOperSub(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) int {
	for i := uint32(0); i < rec.OperSubCount; i++ {
		sub := (*registry.OperSubRecord)(s.Arena().Ptr(rec.OperSubsOffset + uint64(i)*operSubSize))
		if uint64(sub.EvpipeID) == evpipeID {
			return int(i)
		}
	}
	return -1
}

func removeOperSubAt(s *registry.Store, rec *registry.ModuleRecord, idx uint32) {
	target := (*registry.OperSubRecord)(s.Arena().Ptr(rec.OperSubsOffset + uint64(idx)*operSubSize))
	s.Arena().AddWasted(s.Arena().StrlenAt(target.XPathOffset))
	s.Arena().AddWasted(operSubSize)

	lastIdx := rec.OperSubCount - 1
	if idx != lastIdx {
		last := (*registry.OperSubRecord)(s.Arena().Ptr(rec.OperSubsOffset + uint64(lastIdx)*operSubSize))
		*target = *last
	}
	rec.OperSubCount--
	if rec.OperSubCount == 0 {
		rec.OperSubsOffset = 0
	}
}

// OperSubRemove removes the operational subscription matching evpipeID.
func OperSubRemove(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) error {
	idx := findOperSub(s, rec, evpipeID)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.OperSubRemove")
	}
	removeOperSubAt(s, rec, uint32(idx))
	return nil
}

// OperSubRemoveByEvpipe removes every operational subscription of rec
// matching evpipeID (crash recovery, spec §4.5).
func OperSubRemoveByEvpipe(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) {
	for {
		idx := findOperSub(s, rec, evpipeID)
		if idx < 0 {
			return
		}
		removeOperSubAt(s, rec, uint32(idx))
	}
}
