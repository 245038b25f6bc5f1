// Package regfile implements the register file: 32 RISC-V general-purpose
// registers plus a PC register, each independently versioned by cycle
// using the same "last write at or before cycle c" resolution rule as
// the memory model. CHERI capability metadata, when present, is carried
// alongside a register's value as an opaque blob - this package never
// interprets it.
package regfile

import (
	"sort"

	"github.com/jetsetilly/tracereplay/internal/errs"
)

// NumGPR is the number of general-purpose registers (x0..x31).
const NumGPR = 32

// PC is the register id of the program counter, one past the last GPR.
const PC = NumGPR

// numRegs is the total register count this file tracks.
const numRegs = NumGPR + 1

// Capability is the opaque CHERI augmentation attached to a register
// write. It is stored and returned verbatim; no field is interpreted.
type Capability struct {
	Tag      bool
	Metadata uint64 // encoded bounds/permissions, opaque to this package
}

// Value is a register's value as of some cycle: its width in bits, the
// raw value (zero-extended into a uint64 for arithmetic use, such as PC
// comparisons in stop predicates), and, for the CHERI dialect, the
// capability augmentation.
type Value struct {
	Width      int // 32 or 64
	Raw        uint64
	Capability *Capability // nil unless the CHERI dialect wrote this register
}

type write struct {
	cycle uint64
	value Value
}

// File is the register file for one hart.
type File struct {
	initial [numRegs]Value
	history [numRegs][]write
}

// New returns a register file with every GPR initialised to zero and PC
// initialised to entryPC, the architectural state at cycle 0 before any
// trace record has been applied.
func New(entryPC uint64, width int) *File {
	f := &File{}
	for i := 0; i < numRegs; i++ {
		f.initial[i] = Value{Width: width, Raw: 0}
	}
	f.initial[PC] = Value{Width: width, Raw: entryPC}
	return f
}

func validID(id int) bool {
	return id >= 0 && id < numRegs
}

// Write records a write to register id at cycle. Writes for a given
// register must be supplied in non-decreasing cycle order.
func (f *File) Write(id int, cycle uint64, v Value) error {
	if !validID(id) {
		return errs.Errorf(errs.InvalidRegister, "invalid register id %d", id)
	}
	f.history[id] = append(f.history[id], write{cycle: cycle, value: v})
	return nil
}

// Read returns the value of register id as of cycle: the value from the
// highest-indexed write with cycle <= the query cycle, or the initial
// value if the register was never written at or before that cycle.
func (f *File) Read(id int, cycle uint64) (Value, error) {
	if !validID(id) {
		return Value{}, errs.Errorf(errs.InvalidRegister, "invalid register id %d", id)
	}
	hist := f.history[id]
	i := sort.Search(len(hist), func(i int) bool {
		return hist[i].cycle > cycle
	})
	if i == 0 {
		return f.initial[id], nil
	}
	return hist[i-1].value, nil
}

// NumRegisters returns the total number of tracked registers (GPRs + PC).
func NumRegisters() int {
	return numRegs
}
