package conntable

import (
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/registry"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

var rpcSubSize = uint64(unsafe.Sizeof(registry.RPCSubRecord{}))

// RPCSubAdd appends a subscription to the RPC named opPath. Like
// ConnStateRecord, registry.RPCRecord lives in the extension arena, so
// the record pointer is re-derived by index after the Reserve call
// below rather than held across it.
func RPCSubAdd(s *registry.Store, opPath string, evpipeID uint64) error {
	idx := s.FindRPCIndex(opPath)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.RPCSubAdd: rpc")
	}
	rpc := s.RPCAt(uint32(idx))
	oldOff, oldCount := rpc.SubsOffset, rpc.SubsCount

	base, err := s.Arena().Reserve(rpcSubSize * uint64(oldCount+1))
	if err != nil {
		return err
	}
	for i := uint32(0); i < oldCount; i++ {
		src := (*registry.RPCSubRecord)(s.Arena().Ptr(oldOff + uint64(i)*rpcSubSize))
		dst := (*registry.RPCSubRecord)(s.Arena().Ptr(base + uint64(i)*rpcSubSize))
		*dst = *src
	}
	if oldCount > 0 {
		s.Arena().AddWasted(rpcSubSize * uint64(oldCount))
	}
	newSub := (*registry.RPCSubRecord)(s.Arena().Ptr(base + uint64(oldCount)*rpcSubSize))
	*newSub = registry.RPCSubRecord{EvpipeID: uint32(evpipeID)}

	rpc = s.RPCAt(uint32(idx))
	rpc.SubsOffset = base
	rpc.SubsCount = oldCount + 1
	return nil
}

func findRPCSub(s *registry.Store, rpc *registry.RPCRecord, evpipeID uint64) int {
	for i := uint32(0); i < rpc.SubsCount; i++ {
		sub := (*registry.RPCSubRecord)(s.Arena().Ptr(rpc.SubsOffset + uint64(i)*rpcSubSize))
		if uint64(sub.EvpipeID) == evpipeID {
			return int(i)
		}
	}
	return -1
}

// RPCSubRemove removes the subscription matching evpipeID from the RPC
// named opPath. When the removal empties the RPC's subscription table,
// the RPC entry itself is removed from the table (spec §4.5: "removing
// the RPC entry itself when its last subscription goes away").
func RPCSubRemove(s *registry.Store, opPath string, evpipeID uint64) error {
	idx := s.FindRPCIndex(opPath)
	if idx < 0 {
		return srerr.New(srerr.NotFound, "conntable.RPCSubRemove: rpc")
	}
	rpc := s.RPCAt(uint32(idx))
	subIdx := findRPCSub(s, rpc, evpipeID)
	if subIdx < 0 {
		return srerr.New(srerr.NotFound, "conntable.RPCSubRemove: evpipe id")
	}

	lastIdx := rpc.SubsCount - 1
	if uint32(subIdx) != lastIdx {
		target := (*registry.RPCSubRecord)(s.Arena().Ptr(rpc.SubsOffset + uint64(subIdx)*rpcSubSize))
		last := (*registry.RPCSubRecord)(s.Arena().Ptr(rpc.SubsOffset + uint64(lastIdx)*rpcSubSize))
		*target = *last
	}
	s.Arena().AddWasted(rpcSubSize)
	rpc.SubsCount--
	if rpc.SubsCount == 0 {
		rpc.SubsOffset = 0
		return s.RemoveRPC(opPath)
	}
	return nil
}

// RPCSubRemoveByEvpipe removes every RPC subscription matching evpipeID
// across the whole RPC table (crash recovery, spec §4.5). Iterates by
// op-path since RemoveRPC can shrink the table out from under an index.
func RPCSubRemoveByEvpipe(s *registry.Store, evpipeID uint64) {
	n := s.RPCCount()
	paths := make([]string, n)
	for i := uint32(0); i < n; i++ {
		paths[i] = s.Arena().StringAt(s.RPCAt(i).OpPathOffset)
	}
	for _, path := range paths {
		for {
			idx := s.FindRPCIndex(path)
			if idx < 0 {
				break
			}
			rpc := s.RPCAt(uint32(idx))
			if findRPCSub(s, rpc, evpipeID) < 0 {
				break
			}
			if err := RPCSubRemove(s, path, evpipeID); err != nil {
				break
			}
		}
	}
}
