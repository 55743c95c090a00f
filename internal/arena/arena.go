// Package arena implements the offset-arena conventions of spec §4.2: an
// append-only allocator over the extension SHM region that stores
// variable-length data (strings, arrays, nested records) as self-relative
// offsets from the region's base, with a single wasted-bytes tally at
// offset 0 feeding the defragmentation threshold (spec §4.7).
//
// The typed-view style (an Arena wraps a *shmregion.Region and derives
// pointers on demand rather than caching unsafe.Pointer values across
// Remap calls) follows the teacher's hdrView/ringView pattern in
// internal/transport/shm/shm_segment.go, generalized from a fixed ring
// layout to an arbitrarily growing byte arena.
package arena

import (
	"encoding/binary"
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/shmregion"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

// Offset 0 is reserved to mean "absent" (spec §3 invariant 1, §4.2).
const NullOffset uint64 = 0

// wastedHeaderSize is the size of the wasted-bytes tally stored at the
// very start of the extension region (spec §3: "A size_t wasted-bytes
// tally at offset 0").
const wastedHeaderSize = 8

// Arena is an append-only allocator over an extension shmregion.Region.
// All offsets returned by Put*/Reserve and consumed by Ptr/Bytes/StringAt/
// StrlenAt count from the start of the region. The wasted-bytes tally
// occupies offsets 0-7, so the first live entry lands at offset 8 and
// NullOffset never names a live entry.
type Arena struct {
	region Region
}

// Region is the minimal interface Arena needs from shmregion.Region,
// narrowed for testability.
type Region interface {
	Mem() []byte
	Size() uint64
	Remap(newSize uint64) error
}

var _ Region = (*shmregion.Region)(nil)

// MemRegion is a plain-heap Region, used as the scratch buffer
// registry.Defragment rewrites live arena data into before swapping it
// back into the real extension region (spec §4.7: "produces a fresh
// buffer ... and atomically swaps it in").
type MemRegion struct {
	mem []byte
}

// NewMemory allocates a MemRegion of at least size bytes (rounded up to
// the wasted-bytes header's minimum).
func NewMemory(size uint64) *MemRegion {
	if size < wastedHeaderSize {
		size = wastedHeaderSize
	}
	return &MemRegion{mem: make([]byte, size)}
}

func (m *MemRegion) Mem() []byte  { return m.mem }
func (m *MemRegion) Size() uint64 { return uint64(len(m.mem)) }
func (m *MemRegion) Remap(newSize uint64) error {
	if newSize <= uint64(len(m.mem)) {
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, m.mem)
	m.mem = grown
	return nil
}

var _ Region = (*MemRegion)(nil)

// New wraps region, which must be at least wastedHeaderSize bytes. It
// does not touch the wasted-bytes tally; the creator of a fresh region
// zeroes it with ResetWasted.
func New(region Region) *Arena {
	a := &Arena{region: region}
	if region.Size() < wastedHeaderSize {
		panic("arena: region smaller than the wasted-bytes header")
	}
	return a
}

// base returns the whole region mapping that offsets index into,
// including the 8-byte wasted-bytes tally at its start.
func (a *Arena) base() []byte {
	return a.region.Mem()
}

// Tail is the current allocation cursor: arena_size in spec terms, i.e.
// region size minus the wasted-bytes header.
func (a *Arena) Tail() uint64 {
	return a.region.Size() - wastedHeaderSize
}

// Wasted returns the running wasted-bytes tally.
func (a *Arena) Wasted() uint64 {
	return binary.LittleEndian.Uint64(a.region.Mem()[0:8])
}

// AddWasted adds n bytes to the wasted tally (spec §4.3/§4.4: deletions
// never reclaim space, only record it).
func (a *Arena) AddWasted(n uint64) {
	cur := a.Wasted()
	binary.LittleEndian.PutUint64(a.region.Mem()[0:8], cur+n)
}

// ResetWasted zeros the tally. Called only by Defragment (spec §4.7).
func (a *Arena) ResetWasted() {
	binary.LittleEndian.PutUint64(a.region.Mem()[0:8], 0)
}

// ensure grows the region, if needed, so that the arena tail can reach
// newTail bytes without overrunning the mapping (spec §4.2: "remap is
// called beforehand if the new tail would exceed the current mapping").
//
// Growth is exact, never padded with slack: spec §3 invariant 4 ties
// arena_size (the region's mapped size) directly to
// wasted_bytes+sum(live_entry_sizes)+header with no third category for
// unused capacity, so Tail() doubling as both "bytes used" and "bytes
// mapped" only holds if every grow request lands exactly on newTail.
func (a *Arena) ensure(newTail uint64) error {
	needed := newTail + wastedHeaderSize
	if needed <= a.region.Size() {
		return nil
	}
	if err := a.region.Remap(needed); err != nil {
		return srerr.Wrap(srerr.Sys, "arena.ensure", err)
	}
	return nil
}

// PutBytes copies len(p) bytes to the arena tail and returns the
// resulting offset. Offset 0 is never returned for a successful put,
// since allocation always starts at Tail()+wastedHeaderSize > 0.
func (a *Arena) PutBytes(p []byte) (uint64, error) {
	tail := a.Tail()
	if err := a.ensure(tail + uint64(len(p))); err != nil {
		return 0, err
	}
	off := tail + wastedHeaderSize
	copy(a.base()[off:off+uint64(len(p))], p)
	return off, nil
}

// PutString copies s plus its NUL terminator and returns the resulting
// offset.
func (a *Arena) PutString(s string) (uint64, error) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return a.PutBytes(buf)
}

// PutUint64 / PutUint32 append a single fixed-width value, for building
// arrays of offsets (e.g. the feature-name offset array) one element at a
// time.
func (a *Arena) PutUint64(v uint64) (uint64, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return a.PutBytes(buf[:])
}

// Reserve allocates n zeroed bytes and returns the offset, for records the
// caller will fill in place via Ptr().
func (a *Arena) Reserve(n uint64) (uint64, error) {
	tail := a.Tail()
	if err := a.ensure(tail + n); err != nil {
		return 0, err
	}
	off := tail + wastedHeaderSize
	region := a.base()[off : off+n]
	for i := range region {
		region[i] = 0
	}
	return off, nil
}

// Bytes returns a slice view of n bytes at off. Invalidated by the next
// Remap.
func (a *Arena) Bytes(off, n uint64) []byte {
	if off == NullOffset {
		return nil
	}
	return a.base()[off : off+n]
}

// StringAt returns the NUL-terminated string stored at off (excluding the
// terminator). off == NullOffset yields "".
func (a *Arena) StringAt(off uint64) string {
	if off == NullOffset {
		return ""
	}
	n := a.StrlenAt(off)
	if n == 0 {
		return ""
	}
	return string(a.base()[off : off+n-1])
}

// StrlenAt returns the length of the NUL-terminated string at off,
// including the terminator. Callers ensure off lies within the mapping;
// this does a bounded scan exactly like the teacher's strlen-style arena
// helpers and the original sr_strshmlen.
func (a *Arena) StrlenAt(off uint64) uint64 {
	if off == NullOffset {
		return 0
	}
	b := a.base()
	i := off
	for i < uint64(len(b)) && b[i] != 0 {
		i++
	}
	return i - off + 1
}

// Uint64At / Uint32At read a fixed-width value at off.
func (a *Arena) Uint64At(off uint64) uint64 {
	return binary.LittleEndian.Uint64(a.base()[off : off+8])
}

func (a *Arena) Uint32At(off uint64) uint32 {
	return binary.LittleEndian.Uint32(a.base()[off : off+4])
}

func (a *Arena) PutUint32At(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(a.base()[off:off+4], v)
}

func (a *Arena) PutUint64At(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(a.base()[off:off+8], v)
}

// Ptr returns an unsafe.Pointer to off, for typed-view overlays
// (internal/registry's moduleView-style structs). Invalidated by Remap.
func (a *Arena) Ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&a.base()[off])
}
