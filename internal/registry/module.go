package registry

import (
	"strings"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/DineshReddyK/sysrepo/internal/srerr"
	"github.com/DineshReddyK/sysrepo/internal/synclock"
)

const revisionBound = len(ModuleRecord{}.Revision)

// DataDepInput describes one data-dependency entry to emit (spec §3:
// "type tag ∈ {REF, INSTID}, referenced-module offset, optional xpath
// offset"). Module is resolved to an offset by name at emit time.
type DataDepInput struct {
	Kind   DepKind
	Module string
	XPath  string
}

// OpDepInput describes one operation-dependency entry; InDeps/OutDeps
// are themselves data-dependency lists (spec §3: "xpath offset,
// input-dep array, output-dep array").
type OpDepInput struct {
	XPath   string
	InDeps  []DataDepInput
	OutDeps []DataDepInput
}

// ModuleInput is the descriptor for one module in the tree passed to
// AddModules. Callers pass the *full* set of modules the datastore
// knows about (old and new), mirroring the original engine's
// add-from-full-tree model (spec §4.3, §9 "Defragmentation cost").
type ModuleInput struct {
	Name     string
	Revision string
	Version  uint32
	Replay   bool
	Features []string
	DataDeps []DataDepInput
	InvDeps  []string
	OpDeps   []OpDepInput
}

// FindModule performs the O(N) scan of spec §4.3, comparing each
// record's name (resolved through the arena) against name. Returns nil
// if absent.
func (s *Store) FindModule(name string) *ModuleRecord {
	n := s.ModuleCount()
	for i := uint32(0); i < n; i++ {
		rec := s.ModuleAt(i)
		if s.ar.StringAt(rec.NameOffset) == name {
			return rec
		}
	}
	return nil
}

// FindModuleByOffset is the offset-equality call mode of spec §4.3's
// find_module, used by collaborators that already hold a name offset
// (e.g. a dependency record) and want the owning module record without
// re-comparing strings.
func (s *Store) FindModuleByOffset(nameOffset uint64) *ModuleRecord {
	n := s.ModuleCount()
	for i := uint32(0); i < n; i++ {
		rec := s.ModuleAt(i)
		if rec.NameOffset == nameOffset {
			return rec
		}
	}
	return nil
}

// AddModules performs the bulk insertion of spec §4.3: new modules
// (those FindModule can't locate) are appended to the dense array with
// their names, revision, version, flags, and feature list; then, for
// every module now in the array (old and new), existing dependency
// arrays are torn down into the wasted tally and fresh ones are
// emitted from descriptors — the "delete everything, rebuild
// everything" policy spec.md §9 calls out to keep rather than diff.
func (s *Store) AddModules(descriptors []ModuleInput) error {
	oldCount := s.ModuleCount()

	var fresh []ModuleInput
	for _, d := range descriptors {
		if s.FindModule(d.Name) == nil {
			fresh = append(fresh, d)
		}
	}

	newCount := oldCount + uint32(len(fresh))
	if len(fresh) > 0 {
		if err := s.growModules(newCount); err != nil {
			s.log.Error("add modules: grow failed", zap.Int("fresh", len(fresh)), zap.Error(err))
			return err
		}
		for i, d := range fresh {
			rec := s.ModuleAt(oldCount + uint32(i))
			if err := s.initNewModule(rec, d); err != nil {
				return err
			}
		}
	}

	// Tear down dependency arrays of every module now in the array
	// (old survivors and the just-appended ones, which start empty so
	// tearing them down is a no-op) before re-emitting from scratch.
	for i := uint32(0); i < newCount; i++ {
		s.deleteDeps(s.ModuleAt(i))
	}

	for _, d := range descriptors {
		rec := s.FindModule(d.Name)
		if rec == nil {
			return srerr.New(srerr.Internal, "registry.AddModules: module vanished mid-rebuild")
		}
		if err := s.emitDeps(rec, d); err != nil {
			s.log.Error("add modules: emit deps failed", zap.String("module", d.Name), zap.Error(err))
			return err
		}
	}

	s.log.Info("add modules complete", zap.Int("total", len(descriptors)), zap.Int("new", len(fresh)))
	return nil
}

func (s *Store) initNewModule(rec *ModuleRecord, d ModuleInput) error {
	nameOff, err := s.ar.PutString(d.Name)
	if err != nil {
		return err
	}
	rec.NameOffset = nameOff
	copy(rec.Revision[:], d.Revision)
	if len(d.Revision) >= revisionBound {
		rec.Revision[revisionBound-1] = 0
	}
	rec.Version = d.Version
	if d.Replay {
		rec.Flags |= FlagReplaySupport
	}

	if len(d.Features) == 0 {
		return nil
	}
	off, err := s.putStringArray(d.Features)
	if err != nil {
		return err
	}
	rec.FeaturesOffset = off
	rec.FeatureCount = uint32(len(d.Features))
	return nil
}

// putStringArray writes each string then an array of uint64 offsets
// pointing at them, returning the array's base offset.
func (s *Store) putStringArray(vals []string) (uint64, error) {
	offs := make([]uint64, len(vals))
	for i, v := range vals {
		o, err := s.ar.PutString(v)
		if err != nil {
			return 0, err
		}
		offs[i] = o
	}
	base, err := s.ar.Reserve(uint64(len(offs)) * 8)
	if err != nil {
		return 0, err
	}
	for i, o := range offs {
		s.ar.PutUint64At(base+uint64(i)*8, o)
	}
	return base, nil
}

// deleteDeps tears down rec's data/inverse/operation dependency arrays,
// adding their byte ranges to the wasted tally (spec §4.3), then zeroes
// the offset/count fields. Every variable-length xpath a dependency
// record references must be wasted alongside the fixed-width record
// itself, exactly as removeChangeSubAt/removeOperSubAt do for
// subscription xpaths — otherwise those bytes go unreachable without
// ever being counted, violating invariant 4 (wasted + live + header ==
// arena_size) and making the next Defragment's size check fail.
func (s *Store) deleteDeps(rec *ModuleRecord) {
	if rec.DataDepCount > 0 {
		s.deleteDataDeps(rec.DataDepsOffset, rec.DataDepCount)
	}
	if rec.InvDepCount > 0 {
		s.ar.AddWasted(uint64(rec.InvDepCount) * 8)
	}
	for i := uint32(0); i < rec.OpDepCount; i++ {
		op := s.opDepAt(rec, i)
		s.ar.AddWasted(s.ar.StrlenAt(op.XPathOffset))
		s.deleteDataDeps(op.InDepsOffset, op.InDepCount)
		s.deleteDataDeps(op.OutDepsOffset, op.OutDepCount)
	}
	if rec.OpDepCount > 0 {
		s.ar.AddWasted(uint64(rec.OpDepCount) * uint64(unsafe.Sizeof(OpDepRecord{})))
	}
	rec.DataDepsOffset, rec.DataDepCount = 0, 0
	rec.InvDepsOffset, rec.InvDepCount = 0, 0
	rec.OpDepsOffset, rec.OpDepCount = 0, 0
}

// deleteDataDeps wastes a data-dependency array's own bytes plus each
// entry's xpath, if any (a REF dependency with no xpath leaves
// XPathOffset at arena.NullOffset, which StrlenAt reports as 0).
func (s *Store) deleteDataDeps(off uint64, count uint32) {
	if count == 0 {
		return
	}
	for i := uint32(0); i < count; i++ {
		dep := s.dataDepArrayAt(off, i)
		s.ar.AddWasted(s.ar.StrlenAt(dep.XPathOffset))
	}
	s.ar.AddWasted(uint64(count) * uint64(unsafe.Sizeof(DataDepRecord{})))
}

func (s *Store) opDepAt(rec *ModuleRecord, i uint32) *OpDepRecord {
	sz := unsafe.Sizeof(OpDepRecord{})
	ptr := s.ar.Ptr(rec.OpDepsOffset + uint64(i)*uint64(sz))
	return (*OpDepRecord)(ptr)
}

func (s *Store) dataDepArrayAt(off uint64, i uint32) *DataDepRecord {
	sz := unsafe.Sizeof(DataDepRecord{})
	return (*DataDepRecord)(s.ar.Ptr(off + uint64(i)*uint64(sz)))
}

func (s *Store) emitDeps(rec *ModuleRecord, d ModuleInput) error {
	if len(d.DataDeps) > 0 {
		off, err := s.putDataDeps(d.DataDeps)
		if err != nil {
			return err
		}
		rec.DataDepsOffset = off
		rec.DataDepCount = uint32(len(d.DataDeps))
	}

	if len(d.InvDeps) > 0 {
		offs := make([]uint64, len(d.InvDeps))
		for i, name := range d.InvDeps {
			ref := s.FindModule(name)
			if ref == nil {
				return srerr.New(srerr.NotFound, "registry.emitDeps: inverse-dep module "+name)
			}
			offs[i] = ref.NameOffset
		}
		base, err := s.ar.Reserve(uint64(len(offs)) * 8)
		if err != nil {
			return err
		}
		for i, o := range offs {
			s.ar.PutUint64At(base+uint64(i)*8, o)
		}
		rec.InvDepsOffset = base
		rec.InvDepCount = uint32(len(d.InvDeps))
	}

	if len(d.OpDeps) > 0 {
		base, err := s.putOpDeps(d.OpDeps)
		if err != nil {
			return err
		}
		rec.OpDepsOffset = base
		rec.OpDepCount = uint32(len(d.OpDeps))
	}

	return nil
}

func (s *Store) putDataDeps(deps []DataDepInput) (uint64, error) {
	sz := uint64(unsafe.Sizeof(DataDepRecord{}))
	base, err := s.ar.Reserve(sz * uint64(len(deps)))
	if err != nil {
		return 0, err
	}
	for i, dep := range deps {
		modOff := uint64(0)
		if dep.Module != "" {
			ref := s.FindModule(dep.Module)
			if ref == nil {
				return 0, srerr.New(srerr.NotFound, "registry.putDataDeps: module "+dep.Module)
			}
			modOff = ref.NameOffset
		}
		xpathOff := uint64(0)
		if dep.XPath != "" {
			o, err := s.ar.PutString(dep.XPath)
			if err != nil {
				return 0, err
			}
			xpathOff = o
		}
		rec := (*DataDepRecord)(s.ar.Ptr(base + uint64(i)*sz))
		rec.Kind = dep.Kind
		rec.ModuleOffset = modOff
		rec.XPathOffset = xpathOff
	}
	return base, nil
}

func (s *Store) putOpDeps(ops []OpDepInput) (uint64, error) {
	sz := uint64(unsafe.Sizeof(OpDepRecord{}))
	base, err := s.ar.Reserve(sz * uint64(len(ops)))
	if err != nil {
		return 0, err
	}
	for i, op := range ops {
		xpathOff, err := s.ar.PutString(op.XPath)
		if err != nil {
			return 0, err
		}
		var inOff, outOff uint64
		if len(op.InDeps) > 0 {
			inOff, err = s.putDataDeps(op.InDeps)
			if err != nil {
				return 0, err
			}
		}
		if len(op.OutDeps) > 0 {
			outOff, err = s.putDataDeps(op.OutDeps)
			if err != nil {
				return 0, err
			}
		}
		rec := (*OpDepRecord)(s.ar.Ptr(base + uint64(i)*sz))
		rec.XPathOffset = xpathOff
		rec.InDepsOffset = inOff
		rec.InDepCount = uint32(len(op.InDeps))
		rec.OutDepsOffset = outOff
		rec.OutDepCount = uint32(len(op.OutDeps))
	}
	return base, nil
}

// RPCCount is the current RPC-table length.
func (s *Store) RPCCount() uint32 { return s.header().RPCTableCount }

// RPCAt returns a typed view of the i'th RPC record. Like
// ConnStateRecord, this lives in the extension arena, not the main
// region: callers must re-derive it after any call that may have
// grown or remapped the arena (internal/conntable's RPC-subscription
// operations do).
func (s *Store) RPCAt(i uint32) *RPCRecord {
	h := s.header()
	sz := uint64(unsafe.Sizeof(RPCRecord{}))
	return (*RPCRecord)(s.ar.Ptr(h.RPCTableOffset + uint64(i)*sz))
}

// FindRPCIndex returns the index of the RPC named opPath, or -1.
func (s *Store) FindRPCIndex(opPath string) int {
	n := s.RPCCount()
	for i := uint32(0); i < n; i++ {
		if strings.EqualFold(s.ar.StringAt(s.RPCAt(i).OpPathOffset), opPath) {
			return int(i)
		}
	}
	return -1
}

// UpdateReplaySupport toggles the replay-support flag bit (spec §4.3).
func (s *Store) UpdateReplaySupport(rec *ModuleRecord, on bool) {
	if on {
		rec.Flags |= FlagReplaySupport
	} else {
		rec.Flags &^= FlagReplaySupport
	}
}

// AddRPC appends an RPC entry to the RPC table referenced from the
// header (spec §4.3, §3: "a pointer to the RPC-subscription table").
func (s *Store) AddRPC(opPath string) error {
	h := s.header()
	pathOff, err := s.ar.PutString(opPath)
	if err != nil {
		return err
	}

	sz := uint64(unsafe.Sizeof(RPCRecord{}))
	newCount := h.RPCTableCount + 1
	newBase, err := s.ar.Reserve(sz * uint64(newCount))
	if err != nil {
		return err
	}
	for i := uint32(0); i < h.RPCTableCount; i++ {
		old := (*RPCRecord)(s.ar.Ptr(h.RPCTableOffset + uint64(i)*sz))
		dst := (*RPCRecord)(s.ar.Ptr(newBase + uint64(i)*sz))
		*dst = *old
	}
	if h.RPCTableCount > 0 {
		s.ar.AddWasted(sz * uint64(h.RPCTableCount))
	}
	last := (*RPCRecord)(s.ar.Ptr(newBase + uint64(h.RPCTableCount)*sz))
	last.OpPathOffset = pathOff

	h = s.header()
	h.RPCTableOffset = newBase
	h.RPCTableCount = newCount
	return nil
}

// RemoveRPC removes the RPC named opPath, swapping the last entry into
// the hole (spec §4.3/§8 "Boundary behaviors").
func (s *Store) RemoveRPC(opPath string) error {
	h := s.header()
	sz := uint64(unsafe.Sizeof(RPCRecord{}))
	idx := -1
	for i := uint32(0); i < h.RPCTableCount; i++ {
		rec := (*RPCRecord)(s.ar.Ptr(h.RPCTableOffset + uint64(i)*sz))
		if strings.EqualFold(s.ar.StringAt(rec.OpPathOffset), opPath) {
			idx = int(i)
			break
		}
	}
	if idx < 0 {
		return srerr.New(srerr.NotFound, "registry.RemoveRPC: "+opPath)
	}

	target := (*RPCRecord)(s.ar.Ptr(h.RPCTableOffset + uint64(idx)*sz))
	s.ar.AddWasted(s.ar.StrlenAt(target.OpPathOffset))
	if target.SubsCount > 0 {
		s.ar.AddWasted(uint64(target.SubsCount) * uint64(unsafe.Sizeof(RPCSubRecord{})))
	}
	s.ar.AddWasted(sz)

	lastIdx := h.RPCTableCount - 1
	if uint32(idx) != lastIdx {
		last := (*RPCRecord)(s.ar.Ptr(h.RPCTableOffset + uint64(lastIdx)*sz))
		*target = *last
	}
	h.RPCTableCount--
	if h.RPCTableCount == 0 {
		h.RPCTableOffset = 0
	}
	return nil
}

// LockData acquires this module's per-datastore data lock (SPEC_FULL
// §4, supplementing spec.md §3's otherwise-unexercised field) using a
// fresh Locker over the store's own Layout so the reclamation timeout
// and PID match the rest of the registry's locking.
func (s *Store) LockData(rec *ModuleRecord, ds Datastore, write bool, timeout time.Duration, recover synclock.Recover) error {
	lk := synclock.New(s.Layout(), timeout)
	return lk.AcquireRW(&rec.DataLock[ds], write, recover)
}

func (s *Store) UnlockData(rec *ModuleRecord, ds Datastore, write bool, timeout time.Duration) {
	lk := synclock.New(s.Layout(), timeout)
	lk.ReleaseRW(&rec.DataLock[ds], write)
}

// LockReplay / UnlockReplay are the notification-replay counterpart.
func (s *Store) LockReplay(rec *ModuleRecord, ds Datastore, write bool, timeout time.Duration, recover synclock.Recover) error {
	lk := synclock.New(s.Layout(), timeout)
	return lk.AcquireRW(&rec.ReplayLock[ds], write, recover)
}

func (s *Store) UnlockReplay(rec *ModuleRecord, ds Datastore, write bool, timeout time.Duration) {
	lk := synclock.New(s.Layout(), timeout)
	lk.ReleaseRW(&rec.ReplayLock[ds], write)
}
