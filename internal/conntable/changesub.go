package conntable

import (
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

var changeSubSize = uint64(unsafe.Sizeof(registry.ChangeSubRecord{}))

// ChangeSubAdd appends a configuration-change subscription to module's
// per-datastore table (spec §4.4). rec lives in the main region, so it
// stays valid across the arena.Reserve call below — unlike a
// ConnStateRecord lookup, no re-derivation is needed.
func ChangeSubAdd(s *registry.Store, rec *registry.ModuleRecord, ds registry.Datastore, xpath string, priority, opts uint32, evpipeID uint64) error {
	tbl := &rec.ChangeSubs[ds]
	oldOff, oldCount := tbl.Offset, tbl.Count

	xpathOff, err := s.Arena().PutString(xpath)
	if err != nil {
		return err
	}

	base, err := s.Arena().Reserve(changeSubSize * uint64(oldCount+1))
	if err != nil {
		return err
	}
	for i := uint32(0); i < oldCount; i++ {
		src := (*registry.ChangeSubRecord)(s.Arena().Ptr(oldOff + uint64(i)*changeSubSize))
		dst := (*registry.ChangeSubRecord)(s.Arena().Ptr(base + uint64(i)*changeSubSize))
		*dst = *src
	}
	if oldCount > 0 {
		s.Arena().AddWasted(changeSubSize * uint64(oldCount))
	}
	newSub := (*registry.ChangeSubRecord)(s.Arena().Ptr(base + uint64(oldCount)*changeSubSize))
	*newSub = registry.ChangeSubRecord{
		XPathOffset: xpathOff,
		Priority:    priority,
		Opts:        opts,
		EvpipeID:    uint32(evpipeID),
	}

	tbl.Offset = base
	tbl.Count = oldCount + 1
	return nil
}

func findChangeSub(s *registry.Store, tbl *registry.SubTable, evpipeID uint64) int {
	for i := uint32(0); i < tbl.Count; i++ {
		sub := (*registry.ChangeSubRecord)(s.Arena().Ptr(tbl.Offset + uint64(i)*changeSubSize))
		if uint64(sub.EvpipeID) == evpipeID {
			return int(i)
		}
	}
	return -1
}

func findChangeSubByXPath(s *registry.Store, tbl *registry.SubTable, xpath string, priority uint32) int {
	for i := uint32(0); i < tbl.Count; i++ {
		sub := (*registry.ChangeSubRecord)(s.Arena().Ptr(tbl.Offset + uint64(i)*changeSubSize))
		if sub.Priority == priority && s.Arena().StringAt(sub.XPathOffset) == xpath {
			return int(i)
		}
	}
	return -1
}

func removeChangeSubAt(s *registry.Store, tbl *registry.SubTable, idx uint32) {
	target := (*registry.ChangeSubRecord)(s.Arena().Ptr(tbl.Offset + uint64(idx)*changeSubSize))
	s.Arena().AddWasted(s.Arena().StrlenAt(target.XPathOffset))
	s.Arena().AddWasted(changeSubSize)

	lastIdx := tbl.Count - 1
	if idx != lastIdx {
		last := (*registry.ChangeSubRecord)(s.Arena().Ptr(tbl.Offset + uint64(lastIdx)*changeSubSize))
		*target = *last
	}
	tbl.Count--
	if tbl.Count == 0 {
		tbl.Offset = 0
	}
}

// ChangeSubRemove removes the change subscription matching evpipeID from
// the given datastore table, failing NotFound if absent.
func ChangeSubRemove(s *registry.Store, rec *registry.ModuleRecord, ds registry.Datastore, evpipeID uint64) error {
	tbl := &rec.ChangeSubs[ds]
	idx := findChangeSub(s, tbl, evpipeID)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.ChangeSubRemove")
	}
	removeChangeSubAt(s, tbl, uint32(idx))
	return nil
}

// ChangeSubRemoveByXPath removes the change subscription keyed by
// (xpath, priority) from the given datastore table (spec §4.4's
// targeted removal mode, as opposed to the event-pipe sweep crash
// recovery uses), failing NotFound if absent.
func ChangeSubRemoveByXPath(s *registry.Store, rec *registry.ModuleRecord, ds registry.Datastore, xpath string, priority uint32) error {
	tbl := &rec.ChangeSubs[ds]
	idx := findChangeSubByXPath(s, tbl, xpath, priority)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.ChangeSubRemoveByXPath")
	}
	removeChangeSubAt(s, tbl, uint32(idx))
	return nil
}

// ChangeSubRemoveByEvpipe removes every change subscription across every
// datastore of rec that matches evpipeID, used by crash recovery (spec
// §4.5) which has no per-datastore context to narrow the search.
func ChangeSubRemoveByEvpipe(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) {
	for ds := 0; ds < len(rec.ChangeSubs); ds++ {
		tbl := &rec.ChangeSubs[ds]
		for {
			idx := findChangeSub(s, tbl, evpipeID)
			if idx < 0 {
				break
			}
			removeChangeSubAt(s, tbl, uint32(idx))
		}
	}
}
