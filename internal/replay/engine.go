// Package replay implements the time-travel execution engine: it ingests
// a parsed trace into a hart's memory and register history, then services
// step/continue in both time directions against that already-materialized
// history. Reverse execution falls directly out of the versioned storage
// in memmodel/regfile - there is no undo log, so a reverse continue costs
// the same as a forward one.
package replay

import (
	"io"
	"sync/atomic"

	"github.com/jetsetilly/tracereplay/internal/hartstate"
	"github.com/jetsetilly/tracereplay/internal/logger"
	"github.com/jetsetilly/tracereplay/internal/regfile"
	"github.com/jetsetilly/tracereplay/internal/traceparser"
)

// AddrRange is a byte range touched by one cycle's memory writes.
type AddrRange struct {
	Addr uint64
	Size uint64
}

// cycleMeta is the per-cycle summary the engine keeps for stop-predicate
// evaluation, once the cycle's actual register/memory writes have
// already been folded into the hart's versioned storage.
type cycleMeta struct {
	cycle   uint64
	nextPC  uint64
	touched []AddrRange
}

// StopKind identifies why a continue stopped.
type StopKind int

const (
	StopNone StopKind = iota
	StopBreakpoint
	StopWriteWatch
	StopReadWatch
	StopInterrupt
)

// StopReason describes why continue_forward/continue_backward returned.
type StopReason struct {
	Kind    StopKind
	Address uint64 // meaningful for StopBreakpoint/StopWriteWatch/StopReadWatch
}

// Observer receives cycle-position and stop notifications as the engine
// advances. Both methods must return promptly: they are called from
// whichever goroutine is driving the engine (the RSP server's connection
// goroutine, or a console's).
type Observer interface {
	Update(cycle uint64)
	RecordStop(reason StopReason)
}

// Engine drives a Hart's current-cycle cursor. It is the sole mutator of
// hart state after ingestion: the RSP server only ever calls Engine
// methods, never hart.SetCursor directly.
type Engine struct {
	hart *hartstate.Hart

	// deltas is the materialized, cycle-ascending summary of every
	// ingested record; built once during Ingest and never mutated again.
	deltas []cycleMeta

	Breakpoints *Breakpoints
	Watchpoints *Watchpoints

	interrupted atomic.Bool

	log      *logger.Logger
	observer Observer
}

// SetObserver attaches obs to the engine; nil detaches. Only one observer
// is supported at a time, since the only real caller (main) fans out to
// several adapters itself via wavecursor.Multi.
func (e *Engine) SetObserver(obs Observer) {
	e.observer = obs
}

// New wraps hart with a replay engine. hart must already hold the
// initial (cycle 0) memory image and register values; call Ingest next
// to populate its history from a trace.
func New(hart *hartstate.Hart, log *logger.Logger) *Engine {
	return &Engine{
		hart:        hart,
		Breakpoints: NewBreakpoints(),
		Watchpoints: NewWatchpoints(),
		log:         log,
	}
}

// Hart returns the engine's underlying hart state, for read-only queries
// by the RSP server.
func (e *Engine) Hart() *hartstate.Hart {
	return e.hart
}

// Ingest streams a trace through the parser, folding each delta's
// register and memory writes into the hart's versioned storage and
// recording a compact per-cycle summary for later stop-predicate
// evaluation. It returns the first ingestion error encountered, if any.
func (e *Engine) Ingest(r io.Reader, opts traceparser.Options) error {
	opts.Log = e.log

	err := traceparser.Parse(r, opts, func(d traceparser.Delta) error {
		for _, rw := range d.Regs {
			if err := e.hart.Regs.Write(rw.RegID, d.Cycle, rw.Value); err != nil {
				return err
			}
		}

		width := 32
		if opts.Dialect == traceparser.DialectCHERIoT {
			width = 64
		}
		pcValue := regfile.Value{Width: width, Raw: d.NextPC}
		if err := e.hart.Regs.Write(regfile.PC, d.Cycle, pcValue); err != nil {
			return err
		}

		cm := cycleMeta{cycle: d.Cycle, nextPC: d.NextPC}
		for _, mw := range d.Mem {
			e.hart.Mem.WriteBytes(mw.Addr, d.Cycle, mw.Bytes)
			cm.touched = append(cm.touched, AddrRange{Addr: mw.Addr, Size: mw.Size})
		}
		e.deltas = append(e.deltas, cm)

		if e.log != nil {
			e.log.Logf(logger.Allow, "replay", "ingested cycle %d: %d register write(s), %d memory write(s)", d.Cycle, len(d.Regs), len(d.Mem))
		}
		return nil
	})
	if err != nil {
		return err
	}

	var total uint64
	if len(e.deltas) > 0 {
		total = e.deltas[len(e.deltas)-1].cycle
	}
	e.hart.SetTotal(total)
	return nil
}

// StepForward advances the cursor by n cycles, clamped to total_cycles.
// A step from total_cycles is a no-op, not an error.
func (e *Engine) StepForward(n uint64) uint64 {
	next := e.hart.CurrentCycle() + n
	if next > e.hart.TotalCycles() {
		next = e.hart.TotalCycles()
	}
	e.hart.SetCursor(next)
	if e.observer != nil {
		e.observer.Update(next)
	}
	return next
}

// StepBackward rewinds the cursor by n cycles, clamped to 0. A step back
// from (or past) cycle 0 is a documented no-op.
func (e *Engine) StepBackward(n uint64) uint64 {
	cur := e.hart.CurrentCycle()
	var next uint64
	if n < cur {
		next = cur - n
	}
	e.hart.SetCursor(next)
	if e.observer != nil {
		e.observer.Update(next)
	}
	return next
}

// RequestInterrupt asks a running continue to stop at the next cycle
// boundary. Safe to call from a second goroutine; this is the only
// cross-goroutine interaction the engine permits.
func (e *Engine) RequestInterrupt() {
	e.interrupted.Store(true)
}

// ContinueForward advances cycle by cycle from the current cursor toward
// total_cycles, checking breakpoints and write-watchpoints after each
// delta, in that priority order. It stops at the first firing condition,
// at an interrupt request, or at total_cycles.
func (e *Engine) ContinueForward() StopReason {
	cur := e.hart.CurrentCycle()
	start := firstIndexAfter(e.deltas, cur)

	for i := start; i < len(e.deltas); i++ {
		cm := e.deltas[i]
		e.hart.SetCursor(cm.cycle)
		if e.observer != nil {
			e.observer.Update(cm.cycle)
		}

		if reason, fired := e.checkStop(cm); fired {
			e.notifyStop(reason)
			return reason
		}
		if e.interrupted.CompareAndSwap(true, false) {
			reason := StopReason{Kind: StopInterrupt}
			e.notifyStop(reason)
			return reason
		}
	}

	e.hart.SetCursor(e.hart.TotalCycles())
	reason := StopReason{Kind: StopNone}
	e.notifyStop(reason)
	return reason
}

// ContinueBackward is continue_forward's mirror image: it scans cycles
// strictly less than the current cursor, in descending order, down to 0.
func (e *Engine) ContinueBackward() StopReason {
	cur := e.hart.CurrentCycle()
	end := lastIndexBefore(e.deltas, cur)

	for i := end; i >= 0; i-- {
		cm := e.deltas[i]
		e.hart.SetCursor(cm.cycle)
		if e.observer != nil {
			e.observer.Update(cm.cycle)
		}

		if reason, fired := e.checkStop(cm); fired {
			e.notifyStop(reason)
			return reason
		}
		if e.interrupted.CompareAndSwap(true, false) {
			reason := StopReason{Kind: StopInterrupt}
			e.notifyStop(reason)
			return reason
		}
	}

	e.hart.SetCursor(0)
	reason := StopReason{Kind: StopNone}
	e.notifyStop(reason)
	return reason
}

func (e *Engine) notifyStop(reason StopReason) {
	if e.observer != nil {
		e.observer.RecordStop(reason)
	}
}

// checkStop evaluates one cycle's summary against the breakpoint and
// watchpoint tables, in the priority order the design specifies: PC
// breakpoint, then write-watchpoint. Read-watchpoints can never appear
// here because Watchpoints.Insert refuses to register them.
func (e *Engine) checkStop(cm cycleMeta) (StopReason, bool) {
	if e.Breakpoints.Contains(cm.nextPC) {
		return StopReason{Kind: StopBreakpoint, Address: cm.nextPC}, true
	}
	if addr, ok := e.Watchpoints.checkWrites(cm.touched); ok {
		return StopReason{Kind: StopWriteWatch, Address: addr}, true
	}
	return StopReason{}, false
}

func firstIndexAfter(deltas []cycleMeta, cycle uint64) int {
	lo, hi := 0, len(deltas)
	for lo < hi {
		mid := (lo + hi) / 2
		if deltas[mid].cycle <= cycle {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func lastIndexBefore(deltas []cycleMeta, cycle uint64) int {
	lo, hi := 0, len(deltas)
	for lo < hi {
		mid := (lo + hi) / 2
		if deltas[mid].cycle < cycle {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}
