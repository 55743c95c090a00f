package registry

import (
	"fmt"
	"io"
	"sort"
	"unsafe"

	"github.com/DineshReddyK/sysrepo/internal/arena"
	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

// Span is one live arena entry, as enumerated by DebugPrint (spec
// §4.8): its byte range, as the stored region-relative offset and size,
// and a human label. Exported so
// tests can use span enumeration as the correctness oracle the spec
// calls out ("this routine is also a correctness oracle for tests").
type Span struct {
	Start uint64
	Size  uint64
	Name  string
}

func (s *Store) addSpan(spans *[]Span, off, size uint64, name string) {
	if off == arena.NullOffset || size == 0 {
		return
	}
	*spans = append(*spans, Span{Start: off, Size: size, Name: name})
}

// Spans enumerates every live arena entry reachable from the main
// region: module names and their dependency/subscription arrays, the
// connection-state array and each connection's event-pipe array, and
// the RPC table and each RPC's subscription array.
func (s *Store) Spans() []Span {
	var spans []Span
	n := s.ModuleCount()
	for i := uint32(0); i < n; i++ {
		rec := s.ModuleAt(i)
		name := s.ar.StringAt(rec.NameOffset)
		s.addSpan(&spans, rec.NameOffset, s.ar.StrlenAt(rec.NameOffset), "module-name:"+name)
		s.addSpan(&spans, rec.FeaturesOffset, uint64(rec.FeatureCount)*8, "features:"+name)
		s.addSpan(&spans, rec.DataDepsOffset, uint64(rec.DataDepCount)*uint64(unsafe.Sizeof(DataDepRecord{})), "data-deps:"+name)
		for j := uint32(0); j < rec.DataDepCount; j++ {
			dep := (*DataDepRecord)(s.ar.Ptr(rec.DataDepsOffset + uint64(j)*uint64(unsafe.Sizeof(DataDepRecord{}))))
			s.addSpan(&spans, dep.XPathOffset, s.ar.StrlenAt(dep.XPathOffset), "data-dep-xpath:"+name)
		}
		s.addSpan(&spans, rec.InvDepsOffset, uint64(rec.InvDepCount)*8, "inv-deps:"+name)
		s.addSpan(&spans, rec.OpDepsOffset, uint64(rec.OpDepCount)*uint64(unsafe.Sizeof(OpDepRecord{})), "op-deps:"+name)
		for j := uint32(0); j < rec.OpDepCount; j++ {
			op := (*OpDepRecord)(s.ar.Ptr(rec.OpDepsOffset + uint64(j)*uint64(unsafe.Sizeof(OpDepRecord{}))))
			s.addSpan(&spans, op.XPathOffset, s.ar.StrlenAt(op.XPathOffset), "op-dep-xpath:"+name)
			s.addSpan(&spans, op.InDepsOffset, uint64(op.InDepCount)*uint64(unsafe.Sizeof(DataDepRecord{})), "op-dep-in:"+name)
			s.addSpan(&spans, op.OutDepsOffset, uint64(op.OutDepCount)*uint64(unsafe.Sizeof(DataDepRecord{})), "op-dep-out:"+name)
		}
		for ds := 0; ds < numDatastores; ds++ {
			t := rec.ChangeSubs[ds]
			s.addSpan(&spans, t.Offset, uint64(t.Count)*uint64(unsafe.Sizeof(ChangeSubRecord{})), fmt.Sprintf("change-subs:%s:%s", name, Datastore(ds)))
		}
		s.addSpan(&spans, rec.OperSubsOffset, uint64(rec.OperSubCount)*uint64(unsafe.Sizeof(OperSubRecord{})), "oper-subs:"+name)
		s.addSpan(&spans, rec.NotifSubsOffset, uint64(rec.NotifSubCount)*uint64(unsafe.Sizeof(NotifSubRecord{})), "notif-subs:"+name)
	}

	h := s.header()
	s.addSpan(&spans, h.ConnTableOffset, uint64(h.ConnTableCount)*uint64(unsafe.Sizeof(ConnStateRecord{})), "conn-table")
	for i := uint32(0); i < h.ConnTableCount; i++ {
		c := s.ConnAt(i)
		s.addSpan(&spans, c.EvpipesOffset, uint64(c.EvpipesCount)*8, fmt.Sprintf("evpipes:%d", c.PID))
	}

	s.addSpan(&spans, h.RPCTableOffset, uint64(h.RPCTableCount)*uint64(unsafe.Sizeof(RPCRecord{})), "rpc-table")
	for i := uint32(0); i < h.RPCTableCount; i++ {
		rpc := (*RPCRecord)(s.ar.Ptr(h.RPCTableOffset + uint64(i)*uint64(unsafe.Sizeof(RPCRecord{}))))
		s.addSpan(&spans, rpc.OpPathOffset, s.ar.StrlenAt(rpc.OpPathOffset), "rpc-op-path")
		s.addSpan(&spans, rpc.SubsOffset, uint64(rpc.SubsCount)*uint64(unsafe.Sizeof(RPCSubRecord{})), "rpc-subs")
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// CheckNoOverlap verifies spec §3 invariant 2 (live entries never
// overlap) over a sorted span list.
func CheckNoOverlap(spans []Span) error {
	for i := 1; i < len(spans); i++ {
		prevEnd := spans[i-1].Start + spans[i-1].Size
		if spans[i].Start < prevEnd {
			return srerr.New(srerr.Internal, fmt.Sprintf("registry: overlapping spans %q and %q", spans[i-1].Name, spans[i].Name))
		}
	}
	return nil
}

// DebugPrint writes the span enumeration to w, interleaving detected
// gaps as "wasted" (spec §4.8). sysrepoctl's debug command calls it
// directly; errors from w are ignored, matching spec §7's "background
// debug prints silently drop errors."
func (s *Store) DebugPrint(w io.Writer) {
	spans := s.Spans()
	if err := CheckNoOverlap(spans); err != nil {
		fmt.Fprintf(w, "registry: invariant violation: %v\n", err)
	}

	// Offsets count from the region start; live entries begin after the
	// 8-byte wasted-bytes tally.
	cursor := uint64(8)
	for _, sp := range spans {
		if sp.Start > cursor {
			fmt.Fprintf(w, "  [%6d..%6d) wasted (%d bytes)\n", cursor, sp.Start, sp.Start-cursor)
		}
		fmt.Fprintf(w, "  [%6d..%6d) %s\n", sp.Start, sp.Start+sp.Size, sp.Name)
		cursor = sp.Start + sp.Size
	}
	tail := s.ar.Tail()
	if end := tail + 8; end > cursor {
		fmt.Fprintf(w, "  [%6d..%6d) wasted (%d bytes)\n", cursor, end, end-cursor)
	}
	fmt.Fprintf(w, "arena: tail=%d wasted=%d\n", tail, s.ar.Wasted())
}
