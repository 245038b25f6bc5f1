// Package server implements the GDB RSP packet dispatcher: it holds the
// WaitingConnect/Running state machine, decodes packets into replay
// engine calls, and encodes engine results back into RSP replies. It
// never touches a socket directly - that is transport's job - and it
// never mutates hart state itself - that is the engine's job.
package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jetsetilly/tracereplay/internal/errs"
	"github.com/jetsetilly/tracereplay/internal/logger"
	"github.com/jetsetilly/tracereplay/internal/regfile"
	"github.com/jetsetilly/tracereplay/internal/replay"
	"github.com/jetsetilly/tracereplay/internal/rsp/transport"
	"github.com/jetsetilly/tracereplay/internal/traceparser"
)

// signal numbers used in stop-reply packets.
const (
	sigTrap = 5
	sigInt  = 2
)

// sp is the register id of the RISC-V ABI stack pointer (x2).
const sp = 2

// Server dispatches RSP packets against a single replay engine. One
// Server instance serves connections one at a time; it returns to
// WaitingConnect on disconnect rather than exiting.
type Server struct {
	engine  *replay.Engine
	dialect traceparser.Dialect
	log     *logger.Logger

	// lastStop is the reason the most recent resumption stopped for, so
	// that a later "?" (a client re-querying stop status, rather than
	// resuming) reports it instead of a bare, reason-less trap.
	lastStop replay.StopReason
}

// New builds a Server around an already-ingested engine.
func New(engine *replay.Engine, dialect traceparser.Dialect, log *logger.Logger) *Server {
	return &Server{engine: engine, dialect: dialect, log: log}
}

// Serve accepts connections from ln forever, handling one at a time.
// It only returns when Accept itself fails (listener closed).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if s.log != nil {
			s.log.Logf(logger.Allow, "rsp", "accepted connection from %s", conn.RemoteAddr())
		}
		s.handleConn(conn)
	}
}

// handleConn serves packets on conn until the debugger detaches, kills,
// or disconnects, logging but not propagating connection errors: the
// server always returns to WaitingConnect.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	t := transport.New(conn)

	for {
		pkt, err := t.ReadPacket()
		if err != nil {
			if s.log != nil {
				s.log.Logf(logger.Allow, "rsp", "connection closed: %v", err)
			}
			return
		}

		reply, detach := s.dispatch(conn, t, pkt)
		if err := t.WritePacket(reply); err != nil {
			if s.log != nil {
				s.log.Logf(logger.Allow, "rsp", "write failed: %v", err)
			}
			return
		}
		if detach {
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, t *transport.Transport, cmd string) (reply string, detach bool) {
	switch {
	case cmd == "?":
		return s.stopReply(s.lastStop), false

	case strings.HasPrefix(cmd, "qSupported"):
		return "PacketSize=4000;QStartNoAckMode+;qXfer:features:read+", false

	case cmd == "QStartNoAckMode":
		t.SetNoAck(true)
		return "OK", false

	case strings.HasPrefix(cmd, "qAttached"):
		return "1", false

	case strings.HasPrefix(cmd, "qC"):
		return "QC1", false

	case strings.HasPrefix(cmd, "qfThreadInfo"):
		return "m1", false

	case strings.HasPrefix(cmd, "qsThreadInfo"):
		return "l", false

	case strings.HasPrefix(cmd, "H"):
		return "OK", false

	case strings.HasPrefix(cmd, "T"):
		return "OK", false

	case strings.HasPrefix(cmd, "qXfer:features:read:target.xml:"):
		return s.handleTargetXML(cmd), false

	case cmd == "g":
		return s.handleReadAllRegisters(), false

	case strings.HasPrefix(cmd, "G"):
		return errReply(errs.WriteRefused), false

	case strings.HasPrefix(cmd, "p"):
		return s.handleReadRegister(cmd), false

	case strings.HasPrefix(cmd, "P"):
		return errReply(errs.WriteRefused), false

	case strings.HasPrefix(cmd, "m"):
		return s.handleReadMemory(cmd), false

	case strings.HasPrefix(cmd, "M"):
		return errReply(errs.WriteRefused), false

	case cmd == "c":
		return s.handleResume(conn, t, s.engine.ContinueForward), false

	case cmd == "s":
		return s.handleResume(conn, t, func() replay.StopReason {
			s.engine.StepForward(1)
			return replay.StopReason{Kind: replay.StopNone}
		}), false

	case cmd == "bc":
		return s.handleResume(conn, t, s.engine.ContinueBackward), false

	case cmd == "bs":
		return s.handleResume(conn, t, func() replay.StopReason {
			s.engine.StepBackward(1)
			return replay.StopReason{Kind: replay.StopNone}
		}), false

	case strings.HasPrefix(cmd, "Z"):
		return s.handleInsert(cmd), false

	case strings.HasPrefix(cmd, "z"):
		return s.handleRemove(cmd), false

	case cmd == "D":
		return "OK", true

	case cmd == "k":
		return "OK", true

	case strings.HasPrefix(cmd, "vMustReplyEmpty"):
		return "", false

	default:
		return "", false
	}
}

// handleResume runs one resumption command (continue/step, either
// direction) to completion, watching for an out-of-band interrupt byte
// on a second goroutine while it runs, and returns the resulting
// stop-reply. Once run completes, the watcher goroutine is forced off
// the connection with a read deadline before the caller's packet loop
// reads from it again - the protocol allows only one reader on the
// connection at a time outside of a Running command.
func (s *Server) handleResume(conn net.Conn, t *transport.Transport, run func() replay.StopReason) string {
	var interrupted atomic.Bool
	watcherDone := make(chan struct{})

	go func() {
		defer close(watcherDone)
		if err := t.ReadInterrupt(); err == nil {
			interrupted.Store(true)
			s.engine.RequestInterrupt()
		}
	}()

	reason := run()

	conn.SetReadDeadline(time.Now())
	<-watcherDone
	conn.SetReadDeadline(time.Time{})

	if reason.Kind == replay.StopNone && interrupted.Load() {
		reason = replay.StopReason{Kind: replay.StopInterrupt}
	}
	s.lastStop = reason
	return s.stopReply(reason)
}

// stopReply renders a T-style stop-reply packet carrying signal, pc, sp,
// and a watchpoint address when relevant.
func (s *Server) stopReply(reason replay.StopReason) string {
	sig := sigTrap
	var tail string

	switch reason.Kind {
	case replay.StopInterrupt:
		sig = sigInt
	case replay.StopWriteWatch:
		tail = fmt.Sprintf("watch:%x;", reason.Address)
	case replay.StopReadWatch:
		tail = fmt.Sprintf("rwatch:%x;", reason.Address)
	}

	hart := s.engine.Hart()
	pc, _ := hart.ReadReg(regfile.PC)
	spVal, _ := hart.ReadReg(sp)
	var b strings.Builder
	fmt.Fprintf(&b, "T%02x", sig)
	fmt.Fprintf(&b, "%02x:%s;", regfile.PC, regValueHex(pc))
	fmt.Fprintf(&b, "%02x:%s;", sp, regValueHex(spVal))
	b.WriteString(tail)
	return b.String()
}

func regValueHex(v regfile.Value) string {
	width := v.Width / 8
	if width == 0 {
		width = 4
	}
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(v.Raw >> (8 * i))
	}
	return hexEncode(buf)
}

func (s *Server) handleReadAllRegisters() string {
	hart := s.engine.Hart()
	var b strings.Builder
	for id := 0; id < regfile.NumGPR+1; id++ {
		v, err := hart.ReadReg(id)
		if err != nil {
			return errReply(errs.InvalidRegister)
		}
		b.WriteString(regValueHex(v))
	}
	return b.String()
}

func (s *Server) handleReadRegister(cmd string) string {
	idx, err := strconv.ParseUint(cmd[1:], 16, 64)
	if err != nil {
		return errReply(errs.InvalidRegister)
	}
	v, err := s.engine.Hart().ReadReg(int(idx))
	if err != nil {
		return errReply(errs.InvalidRegister)
	}
	return regValueHex(v)
}

func (s *Server) handleReadMemory(cmd string) string {
	body := cmd[1:]
	parts := strings.SplitN(body, ",", 2)
	if len(parts) != 2 {
		return errReply(errs.MalformedRecord)
	}
	addr, err1 := strconv.ParseUint(parts[0], 16, 64)
	n, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return errReply(errs.MalformedRecord)
	}
	data, err := s.engine.Hart().ReadMem(addr, n)
	if err != nil {
		return errReply(errs.UnmappedMemory)
	}
	return hexEncode(data)
}

func (s *Server) handleTargetXML(cmd string) string {
	data := []byte(targetXML(s.dialect))
	lastColon := strings.LastIndex(cmd, ":")
	if lastColon < 0 {
		return errReply(errs.MalformedRecord)
	}
	parts := strings.SplitN(cmd[lastColon+1:], ",", 2)
	if len(parts) != 2 {
		return errReply(errs.MalformedRecord)
	}
	off, err1 := strconv.ParseUint(parts[0], 16, 64)
	ln, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return errReply(errs.MalformedRecord)
	}
	if off >= uint64(len(data)) {
		return "l"
	}
	end := off + ln
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	marker := byte('m')
	if end == uint64(len(data)) {
		marker = 'l'
	}
	return string(marker) + string(data[off:end])
}

func targetXML(d traceparser.Dialect) string {
	width := 32
	if d == traceparser.DialectCHERIoT {
		width = 64
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><target version="1.0"><architecture>riscv:rv32</architecture><feature name="org.gnu.gdb.riscv.cpu">`)
	for i := 0; i < regfile.NumGPR; i++ {
		fmt.Fprintf(&b, `<reg name="x%d" bitsize="%d" type="int"/>`, i, width)
	}
	fmt.Fprintf(&b, `<reg name="pc" bitsize="%d" type="code_ptr"/>`, width)
	b.WriteString(`</feature></target>`)
	return b.String()
}

func (s *Server) handleInsert(cmd string) string {
	kind, addr, size, err := parseZPacket(cmd)
	if err != nil {
		return errReply(errs.MalformedRecord)
	}
	switch kind {
	case 0, 1:
		s.engine.Breakpoints.Insert(addr)
		return "OK"
	case 2:
		if err := s.engine.Watchpoints.Insert(addr, size, replay.WatchWrite); err != nil {
			return errReply(errs.UnsupportedFeature)
		}
		return "OK"
	case 3:
		if err := s.engine.Watchpoints.Insert(addr, size, replay.WatchRead); err != nil {
			return errReply(errs.UnsupportedFeature)
		}
		return "OK"
	case 4:
		if err := s.engine.Watchpoints.Insert(addr, size, replay.WatchAccess); err != nil {
			return errReply(errs.UnsupportedFeature)
		}
		return "OK"
	default:
		return errReply(errs.UnsupportedFeature)
	}
}

func (s *Server) handleRemove(cmd string) string {
	kind, addr, size, err := parseZPacket(cmd)
	if err != nil {
		return errReply(errs.MalformedRecord)
	}
	switch kind {
	case 0, 1:
		s.engine.Breakpoints.Remove(addr)
	case 2:
		s.engine.Watchpoints.Remove(addr, size, replay.WatchWrite)
	case 3:
		s.engine.Watchpoints.Remove(addr, size, replay.WatchRead)
	case 4:
		s.engine.Watchpoints.Remove(addr, size, replay.WatchAccess)
	}
	return "OK"
}

// parseZPacket parses "Z<kind>,<addr>,<length>" or its 'z' counterpart.
func parseZPacket(cmd string) (kind int, addr, size uint64, err error) {
	body := cmd[1:]
	parts := strings.Split(body, ",")
	if len(parts) != 3 {
		return 0, 0, 0, errs.Errorf(errs.MalformedRecord, "malformed Z/z packet %q", cmd)
	}
	k, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	a, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	l, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(k), a, l, nil
}

func errReply(code errs.Code) string {
	return fmt.Sprintf("E%02x", int(code))
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}
