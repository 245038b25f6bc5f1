package server_test

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jetsetilly/tracereplay/internal/hartstate"
	"github.com/jetsetilly/tracereplay/internal/memmodel"
	"github.com/jetsetilly/tracereplay/internal/regfile"
	"github.com/jetsetilly/tracereplay/internal/replay"
	"github.com/jetsetilly/tracereplay/internal/rsp/server"
	"github.com/jetsetilly/tracereplay/internal/rsp/transport"
	"github.com/jetsetilly/tracereplay/internal/traceparser"
)

func newTestEngine(t *testing.T, trace string) *replay.Engine {
	t.Helper()
	mem := memmodel.New()
	mem.LoadSegment(0x1000, make([]byte, 16))
	regs := regfile.New(0x1000, 32)
	hart := hartstate.New(mem, regs)
	e := replay.New(hart, nil)
	if err := e.Ingest(strings.NewReader(trace), traceparser.Options{
		Dialect:          traceparser.DialectIbex,
		Source:           "test",
		AssumeAccessSize: 4,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return e
}

// servePair runs a Server over an in-memory pipe and returns a
// transport.Transport bound to the client end, with no-ack mode enabled
// so the test can exchange packets without manually checking acks.
func servePair(t *testing.T, s *server.Server) (*transport.Transport, func()) {
	t.Helper()
	client, remote := net.Pipe()

	ln := &singleConnListener{conn: remote, accepted: make(chan struct{})}
	go s.Serve(ln)

	tr := transport.New(client)
	return tr, func() { client.Close() }
}

// singleConnListener hands out exactly one pre-made connection then
// blocks forever, since net.Pipe has no listener of its own.
type singleConnListener struct {
	conn     net.Conn
	accepted chan struct{}
	done     bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		<-make(chan struct{})
	}
	l.done = true
	return l.conn, nil
}
func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "pipe" }
func (dummyAddr) String() string  { return "pipe" }

func exchange(t *testing.T, tr *transport.Transport, payload string) string {
	t.Helper()
	if err := tr.WritePacket(payload); err != nil {
		t.Fatalf("WritePacket(%q): %v", payload, err)
	}
	reply, err := tr.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket after %q: %v", payload, err)
	}
	return reply
}

func TestReadAllRegistersAndSingleRegister(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 x3=deadbeef pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	e.StepForward(1)

	all := exchange(t, tr, "g")
	if len(all) == 0 {
		t.Fatal("empty register dump")
	}

	single := exchange(t, tr, "p3")
	if !strings.Contains(single, "efbeadde") {
		t.Fatalf("p3 reply = %q, want little-endian encoding of deadbeef", single)
	}
}

func TestWriteRegisterRefused(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "P3=0000000a")
	if !strings.HasPrefix(reply, "E") {
		t.Fatalf("register write reply = %q, want error packet", reply)
	}
}

func TestReadMemory(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 PA:1000=aabbccdd pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	e.StepForward(1)

	reply := exchange(t, tr, "m1000,4")
	if reply != "aabbccdd" {
		t.Fatalf("m1000,4 reply = %q, want %q", reply, "aabbccdd")
	}
}

func TestWriteMemoryRefused(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "M1000,4:aabbccdd")
	if !strings.HasPrefix(reply, "E") {
		t.Fatalf("memory write reply = %q, want error packet", reply)
	}
}

func TestBreakpointInsertThenContinueStops(t *testing.T) {
	e := newTestEngine(t,
		"1 0x1000 0 pc=1004\n"+
			"2 0x1004 0 pc=1008\n"+
			"3 0x1008 0 pc=100c\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "Z0,1008,4")
	if reply != "OK" {
		t.Fatalf("Z0 reply = %q, want OK", reply)
	}

	reply = exchange(t, tr, "c")
	if !strings.HasPrefix(reply, "T05") {
		t.Fatalf("continue reply = %q, want T05 stop", reply)
	}
	if e.Hart().CurrentCycle() != 2 {
		t.Fatalf("cursor after stop = %d, want 2", e.Hart().CurrentCycle())
	}
}

func TestWatchpointStopReportsAddress(t *testing.T) {
	e := newTestEngine(t,
		"1 0x1000 0 pc=1004\n"+
			"2 0x1004 0 PA:1008=ff pc=1008\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "Z2,1008,1")
	if reply != "OK" {
		t.Fatalf("Z2 reply = %q, want OK", reply)
	}

	reply = exchange(t, tr, "c")
	if !strings.Contains(reply, "watch:1008") {
		t.Fatalf("continue reply = %q, want watch:1008 tag", reply)
	}
}

func TestReadWatchpointInsertFails(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "Z3,1008,4")
	if !strings.HasPrefix(reply, "E") {
		t.Fatalf("Z3 reply = %q, want error packet", reply)
	}
}

func TestUnknownPacketReturnsEmptyReply(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "vFancyNewCommand")
	if reply != "" {
		t.Fatalf("reply = %q, want empty (unsupported)", reply)
	}
}

func TestTargetXMLAdvertisesCHERIoTRegisterWidth(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectCHERIoT, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "qXfer:features:read:target.xml:0,fff")
	body := strings.TrimPrefix(strings.TrimPrefix(reply, "m"), "l")
	if strings.Contains(body, `x0" bitsize="32"`) {
		t.Fatalf("target.xml = %q, want 64-bit GPRs for the CHERIoT dialect", body)
	}
	if !strings.Contains(body, `x0" bitsize="64"`) {
		t.Fatalf("target.xml = %q, want x0 advertised at bitsize 64", body)
	}
}

func TestTargetXMLAdvertisesIbexRegisterWidth(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "qXfer:features:read:target.xml:0,fff")
	body := strings.TrimPrefix(strings.TrimPrefix(reply, "m"), "l")
	if !strings.Contains(body, `x0" bitsize="32"`) {
		t.Fatalf("target.xml = %q, want 32-bit GPRs for the Ibex dialect", body)
	}
}

func TestStopReplyIncludesStackPointer(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 x2=2000 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	e.StepForward(1)

	reply := exchange(t, tr, "c")
	if !strings.Contains(reply, "02:00200000;") {
		t.Fatalf("stop reply = %q, want a 02 (sp) field carrying x2's little-endian value", reply)
	}
}

// scenario (f): an out-of-band interrupt byte sent while a "c" is
// running stops it early and the reply reports signal 2 (SIGINT), not
// the trap signal a normal stop would carry.
func TestContinueInterruptedReturnsSigInt(t *testing.T) {
	var b strings.Builder
	for c := 1; c <= 2000000; c++ {
		pc := 0x1000 + c*4
		next := pc + 4
		fmt.Fprintf(&b, "%d 0x%x 0 pc=%x\n", c, pc, next)
	}
	e := newTestEngine(t, b.String())
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	replyCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		if err := tr.WritePacket("c"); err != nil {
			errCh <- err
			return
		}
		reply, err := tr.ReadPacket()
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}()

	time.Sleep(time.Millisecond)
	if err := tr.WriteInterrupt(); err != nil {
		t.Fatalf("WriteInterrupt: %v", err)
	}

	select {
	case reply := <-replyCh:
		if !strings.HasPrefix(reply, "T02") {
			t.Fatalf("continue reply = %q, want T02 interrupt stop", reply)
		}
	case err := <-errCh:
		t.Fatalf("exchange failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply after interrupt byte")
	}

	// a subsequent "?" re-query reports the same stop, not a bare trap.
	reply := exchange(t, tr, "?")
	if !strings.HasPrefix(reply, "T02") {
		t.Fatalf("?-query reply = %q, want T02 matching the last stop", reply)
	}
}

func TestDetachReturnsOKAndClosesConnection(t *testing.T) {
	e := newTestEngine(t, "1 0x1000 0 pc=1004\n")
	s := server.New(e, traceparser.DialectIbex, nil)
	tr, closeFn := servePair(t, s)
	defer closeFn()
	tr.SetNoAck(true)

	reply := exchange(t, tr, "D")
	if reply != "OK" {
		t.Fatalf("detach reply = %q, want OK", reply)
	}
}
