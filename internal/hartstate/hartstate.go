// Package hartstate composes the memory model and register file into the
// single time-indexed view of a RISC-V hart that both the replay engine
// and the RSP server query: "what was register/memory X at cycle C".
//
// Every method here is read-only and referentially transparent with
// respect to the cycle argument. The one piece of mutable state, the
// current-cycle cursor, is exposed only through SetCursor, which the
// replay engine is the sole caller of - the RSP server never calls it
// directly, matching the design's ownership rule that only the engine
// mutates engine/hart state.
package hartstate

import (
	"github.com/jetsetilly/tracereplay/internal/memmodel"
	"github.com/jetsetilly/tracereplay/internal/regfile"
)

// Hart is the full architectural state of the modelled RISC-V hart.
type Hart struct {
	Mem  *memmodel.Model
	Regs *regfile.File

	cursor uint64
	total  uint64
}

// New builds a Hart over a memory model and register file that have
// already been seeded with the initial (cycle 0) image, with the cursor
// starting at cycle 0. The total cycle count is not known until trace
// ingestion finishes, so it is set afterwards with SetTotal.
func New(mem *memmodel.Model, regs *regfile.File) *Hart {
	return &Hart{Mem: mem, Regs: regs}
}

// SetTotal records the cycle number of the last ingested delta, the
// cursor's upper bound. Called once, by the replay engine, when
// ingestion completes.
func (h *Hart) SetTotal(total uint64) {
	h.total = total
}

// CurrentCycle returns the cursor's current position.
func (h *Hart) CurrentCycle() uint64 {
	return h.cursor
}

// TotalCycles returns the cycle number of the last ingested delta.
func (h *Hart) TotalCycles() uint64 {
	return h.total
}

// SetCursor moves the current-cycle cursor. It is clamped to
// [0, TotalCycles()] by the caller (the replay engine); hartstate itself
// does not second-guess the value it is given.
func (h *Hart) SetCursor(cycle uint64) {
	h.cursor = cycle
}

// ReadReg reads register id as of the current cursor position.
func (h *Hart) ReadReg(id int) (regfile.Value, error) {
	return h.Regs.Read(id, h.cursor)
}

// ReadRegAt reads register id as of an arbitrary cycle, independent of
// the cursor. Used by stop-predicate evaluation during continue/reverse
// continue, which must inspect cycles other than the current one without
// disturbing it.
func (h *Hart) ReadRegAt(id int, cycle uint64) (regfile.Value, error) {
	return h.Regs.Read(id, cycle)
}

// ReadMem reads size bytes at addr as of the current cursor position.
func (h *Hart) ReadMem(addr, size uint64) ([]byte, error) {
	return h.Mem.ReadBytes(addr, size, h.cursor)
}

// ReadMemAt reads size bytes at addr as of an arbitrary cycle.
func (h *Hart) ReadMemAt(addr, size, cycle uint64) ([]byte, error) {
	return h.Mem.ReadBytes(addr, size, cycle)
}
