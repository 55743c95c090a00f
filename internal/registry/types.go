// Package registry implements the module registry of spec §4.3, the
// defragmentation engine of §4.7, and the debug print of §4.8. The main
// region holds a fixed MainHeader followed by a dense array of
// fixed-width ModuleRecord entries; everything variable-length (names,
// dependency arrays, subscription tables) lives in the extension
// region's offset arena.
//
// The struct layouts below are the typed-view counterpart of the
// teacher's hdrView/ringView pattern: a Go struct overlaid directly on
// the mapped bytes via unsafe.Pointer, re-derived from the current
// mapping on every access rather than cached across a Remap.
package registry

import "github.com/DineshReddyK/sysrepo/internal/synclock"

// Datastore identifies one of sysrepo's four datastores. spec.md
// mentions "per-datastore" subscriber and lock tables without
// enumerating the ids; this is the supplemented enum (SPEC_FULL §3),
// grounded on the original sr_datastore_t.
type Datastore int

const (
	Running Datastore = iota
	Startup
	Candidate
	Operational
)

const numDatastores = int(Operational) + 1

func (d Datastore) String() string {
	switch d {
	case Running:
		return "running"
	case Startup:
		return "startup"
	case Candidate:
		return "candidate"
	case Operational:
		return "operational"
	default:
		return "unknown"
	}
}

// MainHeader is the fixed-offset-0 record of the main region (spec §3).
type MainHeader struct {
	Locks            synclock.Layout
	SessionIDCounter uint64
	EvpipeIDCounter  uint64
	ConnTableOffset  uint64
	ConnTableCount   uint32
	RPCTableOffset   uint64
	RPCTableCount    uint32
	ModuleCount      uint32
	_                uint32
}

// ModuleFlags bits.
const (
	FlagReplaySupport uint32 = 1 << 0
)

// SubTable is an (offset, count) pair pointing at an array of
// subscription records in the extension arena.
type SubTable struct {
	Offset uint64
	Count  uint32
	_      uint32
}

// ModuleRecord is one fixed-width entry of the dense module array that
// begins immediately after MainHeader (spec §3, §4.3).
type ModuleRecord struct {
	NameOffset      uint64
	Revision        [32]byte
	Flags           uint32
	Version         uint32
	FeaturesOffset  uint64
	FeatureCount    uint32
	_               uint32
	DataDepsOffset  uint64
	DataDepCount    uint32
	_               uint32
	InvDepsOffset   uint64
	InvDepCount     uint32
	_               uint32
	OpDepsOffset    uint64
	OpDepCount      uint32
	_               uint32
	ChangeSubs      [numDatastores]SubTable
	OperSubsOffset  uint64
	OperSubCount    uint32
	NotifSubsOffset uint64
	NotifSubCount   uint32
	DataLock        [numDatastores]synclock.RWLockState
	ReplayLock      [numDatastores]synclock.RWLockState
}

// DepKind is the type tag of a DataDepRecord.
type DepKind uint32

const (
	DepRef DepKind = iota
	DepInstID
)

// DataDepRecord is one entry of a module's data-dependency array.
type DataDepRecord struct {
	Kind         DepKind
	ModuleOffset uint64
	XPathOffset  uint64
}

// OpDepRecord is one entry of a module's operation-dependency array.
type OpDepRecord struct {
	XPathOffset   uint64
	InDepsOffset  uint64
	InDepCount    uint32
	_             uint32
	OutDepsOffset uint64
	OutDepCount   uint32
	_             uint32
}

// ChangeSubRecord is one per-datastore change-subscription entry.
type ChangeSubRecord struct {
	XPathOffset uint64
	Priority    uint32
	Opts        uint32
	EvpipeID    uint32
	_           uint32
}

// OperSubRecord is one operational-subscription entry.
type OperSubRecord struct {
	XPathOffset uint64
	EvpipeID    uint32
	_           uint32
}

// NotifSubRecord is one notification-subscription entry. Sized only by
// an explicit count field elsewhere, never reused as a byte multiplier
// (SPEC_FULL §3/§12, resolving spec.md §9's open question).
type NotifSubRecord struct {
	EvpipeID uint32
	_        uint32
}

// RPCRecord is one entry of the RPC table referenced from MainHeader.
type RPCRecord struct {
	OpPathOffset uint64
	SubsOffset   uint64
	SubsCount    uint32
	_            uint32
}

// RPCSubRecord is one RPC-subscription entry.
type RPCSubRecord struct {
	EvpipeID uint32
	_        uint32
}

// ConnStateRecord is the arena-resident per-connection record of spec
// §3/§4.4: owning handle and PID, its event-pipe array, and the
// held-lock descriptor synclock.Lock/Unlock update in place. Its array
// lives in the extension arena, addressed by MainHeader's
// ConnTableOffset/ConnTableCount (internal/conntable owns the
// operations over it; the layout lives here alongside the other arena
// record shapes it is a peer of).
type ConnStateRecord struct {
	ConnHandle    uint64
	PID           uint32
	_             uint32
	EvpipesOffset uint64
	EvpipesCount  uint32
	Held          synclock.HeldLock
}
