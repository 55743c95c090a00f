package conntable

import (
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

var notifSubSize = uint64(unsafe.Sizeof(registry.NotifSubRecord{}))

// NotifSubAdd appends a notification subscription to rec's module-level
// table (spec §4.4).
func NotifSubAdd(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) error {
	oldOff, oldCount := rec.NotifSubsOffset, rec.NotifSubCount

	base, err := s.Arena().Reserve(notifSubSize * uint64(oldCount+1))
	if err != nil {
		return err
	}
	for i := uint32(0); i < oldCount; i++ {
		src := (*registry.NotifSubRecord)(s.Arena().Ptr(oldOff + uint64(i)*notifSubSize))
		dst := (*registry.NotifSubRecord)(s.Arena().Ptr(base + uint64(i)*notifSubSize))
		*dst = *src
	}
	if oldCount > 0 {
		s.Arena().AddWasted(notifSubSize * uint64(oldCount))
	}
	newSub := (*registry.NotifSubRecord)(s.Arena().Ptr(base + uint64(oldCount)*notifSubSize))
	*newSub = registry.NotifSubRecord{EvpipeID: uint32(evpipeID)}

	rec.NotifSubsOffset = base
	rec.NotifSubCount = oldCount + 1
	return nil
}

func findNotifSub(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) int {
	for i := uint32(0); i < rec.NotifSubCount; i++ {
		sub := (*registry.NotifSubRecord)(s.Arena().Ptr(rec.NotifSubsOffset + uint64(i)*notifSubSize))
		if uint64(sub.EvpipeID) == evpipeID {
			return int(i)
		}
	}
	return -1
}

func removeNotifSubAt(s *registry.Store, rec *registry.ModuleRecord, idx uint32) {
	s.Arena().AddWasted(notifSubSize)

	lastIdx := rec.NotifSubCount - 1
	if idx != lastIdx {
		target := (*registry.NotifSubRecord)(s.Arena().Ptr(rec.NotifSubsOffset + uint64(idx)*notifSubSize))
		last := (*registry.NotifSubRecord)(s.Arena().Ptr(rec.NotifSubsOffset + uint64(lastIdx)*notifSubSize))
		*target = *last
	}
	rec.NotifSubCount--
	if rec.NotifSubCount == 0 {
		rec.NotifSubsOffset = 0
	}
}

// NotifSubRemove removes the notification subscription matching evpipeID.
func NotifSubRemove(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) error {
	idx := findNotifSub(s, rec, evpipeID)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.NotifSubRemove")
	}
	removeNotifSubAt(s, rec, uint32(idx))
	return nil
}

// NotifSubRemoveByEvpipe removes every notification subscription of rec
// matching evpipeID (crash recovery, spec §4.5).
func NotifSubRemoveByEvpipe(s *registry.Store, rec *registry.ModuleRecord, evpipeID uint64) {
	for {
		idx := findNotifSub(s, rec, evpipeID)
		if idx < 0 {
			return
		}
		removeNotifSubAt(s, rec, uint32(idx))
	}
}
