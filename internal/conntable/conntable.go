// Package conntable implements the connection/subscription tables of
// spec §4.4 and the crash-recovery sweep of §4.5. Every table it
// touches (connection-state array, subscription arrays, the RPC table)
// lives in the extension arena, so — unlike internal/registry's
// ModuleRecord array, which lives in the main region and tolerates a
// held pointer across arena growth — every record here is identified
// by a stable key (connection handle+PID, module+xpath+priority,
// op-path) and re-looked-up after any call that might have grown the
// arena, never cached across one.
package conntable

import (
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

var connRecordSize = uint64(unsafe.Sizeof(registry.ConnStateRecord{}))

func findIndex(s *registry.Store, handle uint64, pid uint32) int {
	n := s.ConnCount()
	for i := uint32(0); i < n; i++ {
		c := s.ConnAt(i)
		if c.ConnHandle == handle && c.PID == pid {
			return int(i)
		}
	}
	return -1
}

// Find is conn_find (spec §4.4): a linear scan by (handle, pid).
func Find(s *registry.Store, handle uint64, pid uint32) *registry.ConnStateRecord {
	idx := findIndex(s, handle, pid)
	if idx < 0 {
		return nil
	}
	return s.ConnAt(uint32(idx))
}

// Add is conn_add (spec §4.4). The connection array always relocates
// on append in this implementation, exactly as spec.md's "the current
// implementation relocates on each append" describes: the old array's
// bytes go to wasted and the whole array is re-copied to the tail.
func Add(s *registry.Store, handle uint64, pid uint32) (*registry.ConnStateRecord, error) {
	h := s.Header()
	oldCount := h.ConnTableCount
	oldOffset := h.ConnTableOffset

	newBase, err := s.Arena().Reserve(connRecordSize * uint64(oldCount+1))
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < oldCount; i++ {
		src := (*registry.ConnStateRecord)(s.Arena().Ptr(oldOffset + uint64(i)*connRecordSize))
		dst := (*registry.ConnStateRecord)(s.Arena().Ptr(newBase + uint64(i)*connRecordSize))
		*dst = *src
	}
	if oldCount > 0 {
		s.Arena().AddWasted(connRecordSize * uint64(oldCount))
	}
	newRec := (*registry.ConnStateRecord)(s.Arena().Ptr(newBase + uint64(oldCount)*connRecordSize))
	*newRec = registry.ConnStateRecord{ConnHandle: handle, PID: pid}

	s.SetConnTable(newBase, oldCount+1)
	return newRec, nil
}

// Remove is conn_remove (spec §4.4): tears down the entry's event-pipe
// array and its own record into wasted, then swaps the last entry into
// the hole.
func Remove(s *registry.Store, handle uint64, pid uint32) error {
	idx := findIndex(s, handle, pid)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.Remove")
	}
	h := s.Header()
	target := s.ConnAt(uint32(idx))
	if target.EvpipesCount > 0 {
		s.Arena().AddWasted(uint64(target.EvpipesCount) * 8)
	}
	s.Arena().AddWasted(connRecordSize)

	lastIdx := h.ConnTableCount - 1
	if uint32(idx) != lastIdx {
		last := s.ConnAt(lastIdx)
		*target = *last
	}
	h.ConnTableCount--
	if h.ConnTableCount == 0 {
		h.ConnTableOffset = 0
	}
	return nil
}

// EvpipeAdd appends evpipeID to conn's growable event-pipe array
// (spec §4.4).
func EvpipeAdd(s *registry.Store, handle uint64, pid uint32, evpipeID uint64) error {
	idx := findIndex(s, handle, pid)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.EvpipeAdd")
	}
	conn := s.ConnAt(uint32(idx))
	oldOff, oldCount := conn.EvpipesOffset, conn.EvpipesCount

	base, err := s.Arena().Reserve(8 * uint64(oldCount+1))
	if err != nil {
		return err
	}
	for i := uint32(0); i < oldCount; i++ {
		v := s.Arena().Uint64At(oldOff + uint64(i)*8)
		s.Arena().PutUint64At(base+uint64(i)*8, v)
	}
	if oldCount > 0 {
		s.Arena().AddWasted(8 * uint64(oldCount))
	}
	s.Arena().PutUint64At(base+uint64(oldCount)*8, evpipeID)

	conn = s.ConnAt(uint32(idx))
	conn.EvpipesOffset = base
	conn.EvpipesCount = oldCount + 1
	return nil
}

// EvpipeRemove removes evpipeID from conn's array, failing with
// NotFound if absent (spec §4.4).
func EvpipeRemove(s *registry.Store, handle uint64, pid uint32, evpipeID uint64) error {
	idx := findIndex(s, handle, pid)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.EvpipeRemove")
	}
	conn := s.ConnAt(uint32(idx))

	found := -1
	for i := uint32(0); i < conn.EvpipesCount; i++ {
		if s.Arena().Uint64At(conn.EvpipesOffset+uint64(i)*8) == evpipeID {
			found = int(i)
			break
		}
	}
	if found < 0 {
		return srerr.New(srerr.NotFound, "conntable.EvpipeRemove: evpipe id")
	}

	lastIdx := conn.EvpipesCount - 1
	if uint32(found) != lastIdx {
		last := s.Arena().Uint64At(conn.EvpipesOffset + uint64(lastIdx)*8)
		s.Arena().PutUint64At(conn.EvpipesOffset+uint64(found)*8, last)
	}
	s.Arena().AddWasted(8)

	conn = s.ConnAt(uint32(idx))
	conn.EvpipesCount--
	if conn.EvpipesCount == 0 {
		conn.EvpipesOffset = 0
	}
	return nil
}
