// Package console implements the optional operator REPL (--console): a
// small command grammar against the same engine and hart the RSP server
// drives, for inspecting replay state without a debugger attached.
package console

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jetsetilly/tracereplay/internal/hartstate"
	"github.com/jetsetilly/tracereplay/internal/regfile"
	"github.com/jetsetilly/tracereplay/internal/replay"
)

// Console dispatches one command line at a time against an engine. It
// never mutates state the RSP server couldn't also reach: every command
// maps directly to an Engine or Hart method.
type Console struct {
	Engine *replay.Engine
}

// New builds a Console over engine.
func New(engine *replay.Engine) *Console {
	return &Console{Engine: engine}
}

// Dispatch parses and runs one command line, returning the text to
// print. Unknown commands and argument errors return a "?"-prefixed
// message rather than an error value: a console typo should not crash
// the process it's inspecting. An unparsable step/back count falls back
// to 1.
func (c *Console) Dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "step":
		n := uint64(1)
		if len(fields) > 1 {
			if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				n = v
			}
		}
		cycle := c.Engine.StepForward(n)
		return fmt.Sprintf("cycle %d", cycle)

	case "back":
		n := uint64(1)
		if len(fields) > 1 {
			if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				n = v
			}
		}
		cycle := c.Engine.StepBackward(n)
		return fmt.Sprintf("cycle %d", cycle)

	case "continue":
		reason := c.Engine.ContinueForward()
		return describeStop(reason, c.Engine.Hart())

	case "rcontinue":
		reason := c.Engine.ContinueBackward()
		return describeStop(reason, c.Engine.Hart())

	case "reg":
		if len(fields) < 2 {
			return "? reg <id>"
		}
		return c.dispatchReg(fields[1])

	case "mem":
		if len(fields) < 3 {
			return "? mem <addr-hex> <len>"
		}
		return c.dispatchMem(fields[1], fields[2])

	case "break":
		if len(fields) < 2 {
			return "? break <addr-hex>"
		}
		addr, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return fmt.Sprintf("? bad address %q", fields[1])
		}
		c.Engine.Breakpoints.Insert(addr)
		return fmt.Sprintf("breakpoint set at %#x", addr)

	case "watch":
		if len(fields) < 3 {
			return "? watch <addr-hex> <size>"
		}
		addr, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return fmt.Sprintf("? bad address %q", fields[1])
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Sprintf("? bad size %q", fields[2])
		}
		if err := c.Engine.Watchpoints.Insert(addr, size, replay.WatchWrite); err != nil {
			return fmt.Sprintf("? %v", err)
		}
		return fmt.Sprintf("watchpoint set at %#x,%d", addr, size)

	case "goto":
		if len(fields) < 2 {
			return "? goto <cycle>"
		}
		cycle, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("? bad cycle %q", fields[1])
		}
		cur := c.Engine.Hart().CurrentCycle()
		if cycle >= cur {
			c.Engine.StepForward(cycle - cur)
		} else {
			c.Engine.StepBackward(cur - cycle)
		}
		return fmt.Sprintf("cycle %d", c.Engine.Hart().CurrentCycle())

	default:
		return fmt.Sprintf("? unknown command %q", fields[0])
	}
}

func (c *Console) dispatchReg(idField string) string {
	id, err := strconv.Atoi(idField)
	if err != nil {
		if idField == "pc" {
			id = regfile.PC
		} else {
			return fmt.Sprintf("? bad register %q", idField)
		}
	}
	v, err := c.Engine.Hart().ReadReg(id)
	if err != nil {
		return fmt.Sprintf("? %v", err)
	}
	return fmt.Sprintf("x%d = %#x", id, v.Raw)
}

func (c *Console) dispatchMem(addrField, lenField string) string {
	addr, err := strconv.ParseUint(addrField, 16, 64)
	if err != nil {
		return fmt.Sprintf("? bad address %q", addrField)
	}
	n, err := strconv.ParseUint(lenField, 10, 64)
	if err != nil {
		return fmt.Sprintf("? bad length %q", lenField)
	}
	data, err := c.Engine.Hart().ReadMem(addr, n)
	if err != nil {
		return fmt.Sprintf("? %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%#x:", addr)
	for _, v := range data {
		fmt.Fprintf(&b, " %02x", v)
	}
	return b.String()
}

func describeStop(reason replay.StopReason, hart *hartstate.Hart) string {
	switch reason.Kind {
	case replay.StopBreakpoint:
		return fmt.Sprintf("stopped at breakpoint %#x, cycle %d", reason.Address, hart.CurrentCycle())
	case replay.StopWriteWatch:
		return fmt.Sprintf("stopped at write watchpoint %#x, cycle %d", reason.Address, hart.CurrentCycle())
	case replay.StopReadWatch:
		return fmt.Sprintf("stopped at read watchpoint %#x, cycle %d", reason.Address, hart.CurrentCycle())
	case replay.StopInterrupt:
		return fmt.Sprintf("interrupted at cycle %d", hart.CurrentCycle())
	default:
		return fmt.Sprintf("ran to cycle %d", hart.CurrentCycle())
	}
}
