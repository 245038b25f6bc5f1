package wavecursor

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/statsview"
	"github.com/rs/cors"
)

// DashboardSnapshot is the replay-engine state the diagnostics dashboard
// renders: cycle position, last stop reason, and hit counts.
type DashboardSnapshot struct {
	Cycle          uint64
	TotalCycles    uint64
	LastStopReason string
	BreakpointHits int
	WatchpointHits int
}

// DashboardAdapter serves a live view of replay-engine state over HTTP
// on addr, built on go-echarts/v2 behind rs/cors, alongside statsview's
// own goroutine/heap monitor for the server process bound to the
// adjacent port: statsview's public API has no hook for custom metrics,
// so it runs standalone rather than folded into the same chart set.
type DashboardAdapter struct {
	mu   sync.Mutex
	snap DashboardSnapshot

	replaySrv  *http.Server
	runtimeMgr *statsview.Manager
}

// NewDashboardAdapter binds the replay chart on addr and starts the
// runtime monitor on the next port up. A failure to bind addr is
// returned to the caller, never fatal to the process: main logs it as a
// warning and runs without the dashboard. The runtime monitor binds in
// its own goroutine, and a failure there is not reported.
func NewDashboardAdapter(addr string) (*DashboardAdapter, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	d := &DashboardAdapter{}

	mux := http.NewServeMux()
	mux.HandleFunc("/replay", d.handleChart)
	mux.HandleFunc("/replay/data", d.handleData)
	d.replaySrv = &http.Server{Addr: addr, Handler: cors.Default().Handler(mux)}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go d.replaySrv.Serve(ln)

	runtimeAddr := net.JoinHostPort(host, strconv.Itoa(port+1))
	d.runtimeMgr = statsview.New(statsview.WithAddr(runtimeAddr))
	go d.runtimeMgr.Start()

	return d, nil
}

// Update implements Adapter: it records the new cycle position.
func (d *DashboardAdapter) Update(cycle uint64) {
	d.mu.Lock()
	d.snap.Cycle = cycle
	d.mu.Unlock()
}

// SetTotalCycles records the trace length once ingestion completes.
func (d *DashboardAdapter) SetTotalCycles(total uint64) {
	d.mu.Lock()
	d.snap.TotalCycles = total
	d.mu.Unlock()
}

// RecordStop updates the last stop reason and hit counters after a
// continue or step resolves.
func (d *DashboardAdapter) RecordStop(reason string, breakpoint, watchpoint bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap.LastStopReason = reason
	if breakpoint {
		d.snap.BreakpointHits++
	}
	if watchpoint {
		d.snap.WatchpointHits++
	}
}

func (d *DashboardAdapter) handleData(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	snap := d.snap
	d.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (d *DashboardAdapter) handleChart(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	snap := d.snap
	d.mu.Unlock()

	bar := charts.NewBar()
	bar.SetGlobalOptions(charts.WithTitleOpts(opts.Title{
		Title:    "replay cursor",
		Subtitle: snap.LastStopReason,
	}))
	bar.SetXAxis([]string{"cycle", "total"}).AddSeries("position", []opts.BarData{
		{Value: snap.Cycle},
		{Value: snap.TotalCycles},
	})
	_ = bar.Render(w)
}

// Close stops both HTTP servers.
func (d *DashboardAdapter) Close() error {
	if d.runtimeMgr != nil {
		d.runtimeMgr.Stop()
	}
	return d.replaySrv.Close()
}
