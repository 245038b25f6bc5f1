// Package graphdump renders the breakpoint/watchpoint tables and a
// sample of the memory write-index as a Graphviz .dot file, for
// diagnosing "why didn't my breakpoint fire" reports without attaching
// a second debugger to the debugger.
package graphdump

import (
	"io"

	"github.com/bradleyjkemp/memviz"

	"github.com/jetsetilly/tracereplay/internal/memmodel"
	"github.com/jetsetilly/tracereplay/internal/replay"
)

// snapshot is the plain-data view memviz walks; it holds no pointers
// back into live engine state so the dump reflects one instant rather
// than racing a concurrent mutation.
type snapshot struct {
	Breakpoints  []uint64
	Watchpoints  []watchpointEntry
	SampleWrites []memmodel.Sample
}

type watchpointEntry struct {
	Addr uint64
	Size uint64
	Kind replay.WatchKind
}

// Dump writes a Graphviz rendering of e's breakpoint/watchpoint tables
// and up to sampleSize entries from mem's write index to w.
func Dump(w io.Writer, e *replay.Engine, mem *memmodel.Model, sampleSize int) {
	s := snapshot{
		SampleWrites: mem.SampleWrites(sampleSize),
	}
	s.Breakpoints = e.Breakpoints.List()
	for _, wp := range e.Watchpoints.List() {
		s.Watchpoints = append(s.Watchpoints, watchpointEntry{Addr: wp.Addr, Size: wp.Size, Kind: wp.Kind})
	}
	memviz.Map(w, &s)
}
