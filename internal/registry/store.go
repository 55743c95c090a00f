package registry

import (
	"os"
	"unsafe"

	"go.uber.org/zap"

	"github.com/DineshReddyK/sysrepo/internal/arena"
	"github.com/DineshReddyK/sysrepo/internal/shmregion"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
	"github.com/DineshReddyK/sysrepo/internal/synclock"
)

var headerSize = unsafe.Sizeof(MainHeader{})
var recordSize = unsafe.Sizeof(ModuleRecord{})

// Store owns the two named shared-memory regions of spec §4.1/§6: the
// main region (header + dense module array) and the extension region
// (the offset arena everything variable-length lives in).
type Store struct {
	main *shmregion.Region
	ext  *shmregion.Region
	ar   *arena.Arena
	log  *zap.Logger
}

// Open opens or creates both regions under dir (spec §6: "two named
// shared-memory files ... under a configured repo path"). perm is the
// permission bits applied to both files. On first creation the header
// and wasted-bytes tally are zero-initialized and the lock layout is
// set up.
func Open(dir string, perm os.FileMode) (*Store, error) {
	main, mainCreated, err := shmregion.Open(dir+"/sr_main.shm", perm, uint64(headerSize), true)
	if err != nil {
		return nil, err
	}
	ext, extCreated, err := shmregion.Open(dir+"/sr_ext.shm", perm, 8, true)
	if err != nil {
		main.Clear()
		return nil, err
	}

	s := &Store{main: main, ext: ext, ar: arena.New(ext), log: zap.NewNop()}

	if mainCreated {
		h := s.header()
		*h = MainHeader{}
		synclock.New(&h.Locks, 0).Init()
	}
	if extCreated {
		s.ar.ResetWasted()
	}
	return s, nil
}

// Close releases both mappings.
func (s *Store) Close() error {
	err1 := s.main.Clear()
	err2 := s.ext.Clear()
	if err1 != nil {
		return err1
	}
	return err2
}

// Arena exposes the extension-region allocator for collaborators
// (internal/conntable) that need to append their own variable-length
// records.
func (s *Store) Arena() *arena.Arena { return s.ar }

// SetLogger installs the structured logger registry and its
// collaborators (internal/conntable) log through, replacing the no-op
// default Open installs. Safe to call at any time; nil is rejected in
// favor of keeping the previous logger.
func (s *Store) SetLogger(l *zap.Logger) {
	if l != nil {
		s.log = l
	}
}

// Logger returns the store's current logger, exposed so collaborators
// sharing a Store (internal/conntable) log through the same sink.
func (s *Store) Logger() *zap.Logger { return s.log }

// header returns a typed view of the main region's fixed header,
// re-derived from the current mapping on every call so it is never
// stale across a Remap.
func (s *Store) header() *MainHeader {
	return (*MainHeader)(unsafe.Pointer(&s.main.Mem()[0]))
}

// Layout exposes the header's lock layout for constructing a
// synclock.Locker. Re-fetch after any operation that may have grown
// the main region.
func (s *Store) Layout() *synclock.Layout {
	return &s.header().Locks
}

// Header returns the current header view. Exposed for collaborators
// (internal/conntable) that need the connection/RPC table pointers.
func (s *Store) Header() *MainHeader { return s.header() }

// ModuleCount is the current dense module-array length.
func (s *Store) ModuleCount() uint32 { return s.header().ModuleCount }

// ModuleAt returns a typed view of the i'th module record. Panics if i
// is out of range; callers are expected to bound against ModuleCount.
func (s *Store) ModuleAt(i uint32) *ModuleRecord {
	mem := s.main.Mem()
	off := headerSize + uintptr(i)*recordSize
	return (*ModuleRecord)(unsafe.Pointer(&mem[off]))
}

// ConnCount is the current connection-state array length.
func (s *Store) ConnCount() uint32 { return s.header().ConnTableCount }

// ConnAt returns a typed view of the i'th connection-state record,
// re-derived from the current arena mapping. internal/conntable is the
// sole mutator of this array's contents; Store only exposes the raw
// slot access the offset/count bookkeeping needs.
func (s *Store) ConnAt(i uint32) *ConnStateRecord {
	h := s.header()
	sz := uint64(unsafe.Sizeof(ConnStateRecord{}))
	return (*ConnStateRecord)(s.ar.Ptr(h.ConnTableOffset + uint64(i)*sz))
}

// SetConnTable updates the header's connection-table pointer and
// count, used by internal/conntable after relocating the array.
func (s *Store) SetConnTable(offset uint64, count uint32) {
	h := s.header()
	h.ConnTableOffset = offset
	h.ConnTableCount = count
}

// NextSessionID / NextEvpipeID draw the next value from the header's
// monotonic counters (spec §3 invariant 7, §4.9).
func (s *Store) NextSessionID() uint64 {
	h := s.header()
	h.SessionIDCounter++
	return h.SessionIDCounter
}

func (s *Store) NextEvpipeID() uint64 {
	h := s.header()
	h.EvpipeIDCounter++
	return h.EvpipeIDCounter
}

// growModules extends the main region to hold newCount records and
// bumps the header's ModuleCount, zeroing the newly added slots. The
// byte content of existing records (and of the header, including its
// lock layout) is preserved by shmregion.Region.Remap; only the Go
// process's view pointers are invalidated, which is why every access
// above re-derives its pointer from s.main.Mem() on demand.
func (s *Store) growModules(newCount uint32) error {
	need := headerSize + uintptr(newCount)*recordSize
	if err := s.main.Remap(uint64(need)); err != nil {
		return srerr.Wrap(srerr.Sys, "registry.growModules", err)
	}
	h := s.header()
	for i := h.ModuleCount; i < newCount; i++ {
		*s.ModuleAt(i) = ModuleRecord{}
	}
	h.ModuleCount = newCount
	return nil
}
