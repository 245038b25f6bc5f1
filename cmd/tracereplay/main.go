// Command tracereplay impersonates a RISC-V hart to a GDB debugger over
// the Remote Serial Protocol, replaying a pre-recorded instruction trace
// instead of executing one.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/jetsetilly/tracereplay/internal/console"
	"github.com/jetsetilly/tracereplay/internal/elfload"
	"github.com/jetsetilly/tracereplay/internal/graphdump"
	"github.com/jetsetilly/tracereplay/internal/hartstate"
	"github.com/jetsetilly/tracereplay/internal/logger"
	"github.com/jetsetilly/tracereplay/internal/memmodel"
	"github.com/jetsetilly/tracereplay/internal/regfile"
	"github.com/jetsetilly/tracereplay/internal/replay"
	"github.com/jetsetilly/tracereplay/internal/rsp/server"
	"github.com/jetsetilly/tracereplay/internal/traceparser"
	"github.com/jetsetilly/tracereplay/internal/wavecursor"
)

// exit codes, per the external interface contract.
const (
	exitOK           = 0
	exitBadArguments = 1
	exitELFLoad      = 2
	exitTraceParse   = 3
	exitSocketBind   = 4
)

type options struct {
	elf              string
	ibexTrace        string
	cheriotTrace     string
	listen           string
	uds              string
	assumeAccessSize int
	surfer           string
	console          bool
	dashboard        string
	dumpGraph        string
	dumpLog          string
	logCapacity      int
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitBadArguments
	}

	log := logger.NewLogger(opts.logCapacity)

	image, err := elfload.Load(opts.elf)
	if err != nil {
		fmt.Fprintf(stderr, "loading ELF: %v\n", err)
		return exitELFLoad
	}

	dialect := traceparser.DialectIbex
	tracePath := opts.ibexTrace
	width := 32
	if opts.cheriotTrace != "" {
		dialect = traceparser.DialectCHERIoT
		tracePath = opts.cheriotTrace
		width = 64
	}

	mem := memmodel.New()
	for _, seg := range image.Segments {
		mem.LoadSegment(seg.Addr, seg.Bytes)
	}
	regs := regfile.New(image.EntryPC, width)
	hart := hartstate.New(mem, regs)
	engine := replay.New(hart, log)

	traceFile, err := os.Open(tracePath)
	if err != nil {
		fmt.Fprintf(stderr, "opening trace: %v\n", err)
		return exitTraceParse
	}
	defer traceFile.Close()

	err = engine.Ingest(traceFile, traceparser.Options{
		Dialect:          dialect,
		Source:           tracePath,
		AssumeAccessSize: opts.assumeAccessSize,
		Log:              log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "parsing trace: %v\n", err)
		return exitTraceParse
	}

	var adapters wavecursor.Multi
	if opts.surfer != "" {
		f, err := os.Create(opts.surfer)
		if err != nil {
			fmt.Fprintf(stderr, "opening surfer output: %v\n", err)
			return exitBadArguments
		}
		adapters = append(adapters, wavecursor.NewSurferAdapter(f))
	}

	var dashboard *wavecursor.DashboardAdapter
	if opts.dashboard != "" {
		d, err := wavecursor.NewDashboardAdapter(opts.dashboard)
		if err != nil {
			log.Logf(logger.Allow, "main", "dashboard bind failed, continuing without it: %v", err)
		} else {
			dashboard = d
			dashboard.SetTotalCycles(hart.TotalCycles())
			adapters = append(adapters, d)
		}
	}

	if len(adapters) > 0 {
		engine.SetObserver(observerAdapter{adapters: adapters, dashboard: dashboard})
	}
	defer adapters.Close()

	if opts.dumpGraph != "" {
		if err := dumpGraph(opts.dumpGraph, engine, mem); err != nil {
			log.Logf(logger.Allow, "main", "graph dump failed: %v", err)
		}
		defer func() {
			if err := dumpGraph(opts.dumpGraph, engine, mem); err != nil {
				log.Logf(logger.Allow, "main", "graph dump failed: %v", err)
			}
		}()
	}

	if opts.dumpLog != "" {
		defer func() {
			f, err := os.Create(opts.dumpLog)
			if err != nil {
				return
			}
			defer f.Close()
			log.Write(f)
		}()
	}

	ln, err := listen(opts)
	if err != nil {
		fmt.Fprintf(stderr, "binding listener: %v\n", err)
		return exitSocketBind
	}
	defer ln.Close()

	if opts.console {
		c := console.New(engine)
		go console.RunREPL(stdin, stdout, c)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		ln.Close()
	}()

	srv := server.New(engine, dialect, log)
	if err := srv.Serve(ln); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			fmt.Fprintf(stderr, "serving: %v\n", err)
		}
	}

	return exitOK
}

// observerAdapter bridges the replay engine's Observer interface to the
// wave-cursor adapters and the optional dashboard's richer RecordStop
// signature.
type observerAdapter struct {
	adapters  wavecursor.Multi
	dashboard *wavecursor.DashboardAdapter
}

func (o observerAdapter) Update(cycle uint64) {
	o.adapters.Update(cycle)
}

func (o observerAdapter) RecordStop(reason replay.StopReason) {
	if o.dashboard == nil {
		return
	}
	var text string
	var breakpoint, watchpoint bool
	switch reason.Kind {
	case replay.StopBreakpoint:
		text = fmt.Sprintf("breakpoint %#x", reason.Address)
		breakpoint = true
	case replay.StopWriteWatch:
		text = fmt.Sprintf("watchpoint %#x", reason.Address)
		watchpoint = true
	case replay.StopReadWatch:
		text = fmt.Sprintf("read watchpoint %#x", reason.Address)
		watchpoint = true
	case replay.StopInterrupt:
		text = "interrupted"
	default:
		text = "ran to completion"
	}
	o.dashboard.RecordStop(text, breakpoint, watchpoint)
}

func dumpGraph(path string, e *replay.Engine, mem *memmodel.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	graphdump.Dump(f, e, mem, 64)
	return nil
}

func listen(opts options) (net.Listener, error) {
	if opts.uds != "" {
		return net.Listen("unix", opts.uds)
	}
	return net.Listen("tcp", opts.listen)
}

func parseArgs(args []string) (options, error) {
	var opts options
	flgs := flag.NewFlagSet("tracereplay", flag.ContinueOnError)
	flgs.StringVar(&opts.elf, "elf", "", "ELF binary providing the initial memory image and entry PC (required)")
	flgs.StringVar(&opts.ibexTrace, "ibex-trace", "", "Ibex-dialect instruction trace file")
	flgs.StringVar(&opts.cheriotTrace, "cheriot-ibex-trace", "", "CHERIoT-Ibex-dialect instruction trace file")
	flgs.StringVar(&opts.listen, "listen", "127.0.0.1:9001", "TCP address the GDB server listens on")
	flgs.StringVar(&opts.uds, "uds", "", "Unix domain socket path the GDB server listens on, instead of --listen")
	flgs.IntVar(&opts.assumeAccessSize, "assume-access-size", 0, "byte count to assume for memory writes with no declared size (0 disables the override)")
	flgs.StringVar(&opts.surfer, "surfer", "", "path to write cycle-cursor updates for an external waveform viewer")
	flgs.BoolVar(&opts.console, "console", false, "run an operator console on stdin/stdout alongside the GDB server")
	flgs.StringVar(&opts.dashboard, "dashboard", "", "host:port to serve a diagnostics dashboard on")
	flgs.StringVar(&opts.dumpGraph, "dump-graph", "", "path to write a Graphviz dump of breakpoint/watchpoint state and a memory sample")
	flgs.StringVar(&opts.dumpLog, "dump-log", "", "path to write the full log on exit")
	flgs.IntVar(&opts.logCapacity, "log-capacity", 4096, "ring-buffer logger capacity")

	if err := flgs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.elf == "" {
		return options{}, fmt.Errorf("--elf is required")
	}
	if opts.ibexTrace == "" && opts.cheriotTrace == "" {
		return options{}, fmt.Errorf("one of --ibex-trace or --cheriot-ibex-trace is required")
	}
	if opts.ibexTrace != "" && opts.cheriotTrace != "" {
		return options{}, fmt.Errorf("--ibex-trace and --cheriot-ibex-trace are mutually exclusive")
	}
	if opts.uds != "" && strings.TrimSpace(opts.listen) != "" && opts.listen != "127.0.0.1:9001" {
		return options{}, fmt.Errorf("--uds and --listen are mutually exclusive")
	}

	return opts, nil
}
