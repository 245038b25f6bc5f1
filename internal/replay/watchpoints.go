package replay

import "github.com/jetsetilly/tracereplay/internal/errs"

// WatchKind mirrors the GDB RSP watchpoint kinds the protocol defines
// (insert/remove packet 'Z'/'z' kinds 2, 3, 4).
type WatchKind int

const (
	WatchWrite WatchKind = iota
	WatchRead
	WatchAccess // both read and write
)

// watch is one registered watchpoint: a byte range and the access kind
// that triggers it.
type watch struct {
	addr uint64
	size uint64
	kind WatchKind
}

func (w watch) overlaps(addr, size uint64) bool {
	return addr < w.addr+w.size && w.addr < addr+size
}

// Watchpoints is the table of memory-range watchpoints. Read and access
// watchpoints are rejected at insertion time: the trace records writes
// only, so a read-triggered watch can never be evaluated against
// anything but the PC's encoded instruction, which is never decoded
// here. Rejecting at insertion, rather than silently never firing,
// keeps the failure visible to the debugger on the specific packet that
// asked for it.
type Watchpoints struct {
	watches []watch
}

// NewWatchpoints returns an empty watchpoint table.
func NewWatchpoints() *Watchpoints {
	return &Watchpoints{}
}

// Insert adds a watchpoint over [addr, addr+size). Returns an
// UnsupportedFeature error for WatchRead and WatchAccess: both require
// observing reads, which the trace does not record.
func (w *Watchpoints) Insert(addr, size uint64, kind WatchKind) error {
	if kind != WatchWrite {
		return errs.Errorf(errs.UnsupportedFeature,
			"read watchpoints are unsupported: the trace does not record memory reads")
	}
	w.watches = append(w.watches, watch{addr: addr, size: size, kind: kind})
	return nil
}

// Remove drops the first watchpoint matching addr, size and kind exactly.
func (w *Watchpoints) Remove(addr, size uint64, kind WatchKind) {
	for i, x := range w.watches {
		if x.addr == addr && x.size == size && x.kind == kind {
			w.watches = append(w.watches[:i], w.watches[i+1:]...)
			return
		}
	}
}

// checkWrites returns the address of the first byte range among
// touched that overlaps a registered write watchpoint, and true, or
// (0, false) if none match.
func (w *Watchpoints) checkWrites(touched []AddrRange) (uint64, bool) {
	for _, t := range touched {
		for _, x := range w.watches {
			if x.overlaps(t.Addr, t.Size) {
				return t.Addr, true
			}
		}
	}
	return 0, false
}

// List returns every registered watchpoint, for diagnostics.
func (w *Watchpoints) List() []struct {
	Addr uint64
	Size uint64
	Kind WatchKind
} {
	out := make([]struct {
		Addr uint64
		Size uint64
		Kind WatchKind
	}, len(w.watches))
	for i, x := range w.watches {
		out[i] = struct {
			Addr uint64
			Size uint64
			Kind WatchKind
		}{x.addr, x.size, x.kind}
	}
	return out
}
