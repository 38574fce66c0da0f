// Package monitoring serves a live view of a running machine over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/sarchlab/coretiming/monitoring/web"
	"github.com/sarchlab/coretiming/sim/timing"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Target is the machine being monitored. Stats must be safe to call from any
// goroutine. Inspect runs f while holding the machine's ownership of the
// scheduler.
type Target interface {
	ID() string
	Stats() timing.Stats
	Pause()
	Continue()
	IsPaused() bool
	Inspect(f func(s *timing.Scheduler))
}

// Monitor can turn a machine into a server and allows external monitoring
// and controlling of the machine.
type Monitor struct {
	target         Target
	portNumber     int
	openBrowser    bool
	streamInterval time.Duration
	metrics        *schedulerMetrics

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		streamInterval: 500 * time.Millisecond,
		metrics:        newSchedulerMetrics(),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the monitor page in a browser.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// WithStreamInterval sets how often /api/stream pushes statistics.
func (m *Monitor) WithStreamInterval(d time.Duration) *Monitor {
	m.streamInterval = d
	return m
}

// RegisterTarget sets the machine to monitor.
func (m *Monitor) RegisterTarget(t Target) {
	m.target = t
	m.metrics.bind(t)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	fs := web.GetAssets()
	fServer := http.FileServer(fs)
	r.HandleFunc("/api/pause", m.pause)
	r.HandleFunc("/api/continue", m.continueMachine)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/scheduler", m.schedulerStats)
	r.HandleFunc("/api/pending", m.listPending)
	r.HandleFunc("/api/eventtypes", m.listEventTypes)
	r.HandleFunc("/api/clock", m.clockDetails)
	r.HandleFunc("/api/clock/{field}", m.clockField)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.HandleFunc("/api/stream", m.stream)
	r.Handle("/metrics", m.metrics.handler())
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring machine with %s\n", url)

	go func() {
		err := m.server.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}()

	if m.openBrowser {
		err = browser.OpenURL(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open browser: %v\n", err)
		}
	}

	return url
}

// Close stops the web server.
func (m *Monitor) Close() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return m.server.Shutdown(ctx)
}

func (m *Monitor) targetOr503(w http.ResponseWriter) Target {
	if m.target == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, err := w.Write([]byte("No machine registered"))
		dieOnErr(err)
	}

	return m.target
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	t.Pause()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) continueMachine(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	t.Continue()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	fmt.Fprintf(w, "{\"now\":%d}", t.Stats().GlobalTimer)
}

type statsRsp struct {
	ID     string       `json:"id"`
	Paused bool         `json:"paused"`
	Stats  timing.Stats `json:"stats"`
}

func (m *Monitor) schedulerStats(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	writeJSON(w, statsRsp{
		ID:     t.ID(),
		Paused: t.IsPaused(),
		Stats:  t.Stats(),
	})
}

func (m *Monitor) listPending(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	var pending []timing.PendingInfo
	t.Inspect(func(s *timing.Scheduler) {
		pending = s.PendingSummary()
	})

	writeJSON(w, pending)
}

func (m *Monitor) listEventTypes(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	var names []string
	t.Inspect(func(s *timing.Scheduler) {
		names = s.Registry().Names()
	})

	writeJSON(w, names)
}

// clockView is what /api/clock dumps.
type clockView struct {
	Clock     timing.VirtualClock
	Downcount timing.Cycles
	Pending   []timing.PendingInfo
}

func (m *Monitor) inspectClock(t Target) *clockView {
	view := &clockView{}

	t.Inspect(func(s *timing.Scheduler) {
		view.Clock = s.Clock()
		view.Downcount = s.Downcount()
		view.Pending = s.PendingSummary()
	})

	return view
}

func (m *Monitor) clockDetails(w http.ResponseWriter, _ *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(m.inspectClock(t))
	serializer.SetMaxDepth(2)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) clockField(w http.ResponseWriter, r *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	field := mux.Vars(r)["field"]

	elem, err := walkClock(m.inspectClock(t), field)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Invalid field %s: %v", field, err)

		return
	}

	writeJSON(w, elem.Interface())
}

// walkClock follows a dot-separated path from the clock view. A step is a
// field name, the field's JSON name or a slice index.
func walkClock(view *clockView, path string) (reflect.Value, error) {
	elem := reflect.ValueOf(view)

	for _, step := range strings.Split(path, ".") {
		elem = reflect.Indirect(elem)

		switch elem.Kind() {
		case reflect.Struct:
			field, ok := structField(elem, step)
			if !ok {
				return reflect.Value{}, fmt.Errorf("%s has no field %q",
					elem.Type().Name(), step)
			}

			elem = field
		case reflect.Slice:
			index, err := strconv.Atoi(step)
			if err != nil || index < 0 || index >= elem.Len() {
				return reflect.Value{}, fmt.Errorf("index %q out of range [0, %d)",
					step, elem.Len())
			}

			elem = elem.Index(index)
		default:
			return reflect.Value{}, fmt.Errorf("cannot take %q of a %s",
				step, elem.Kind())
		}
	}

	return reflect.Indirect(elem), nil
}

func structField(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if f.Name == name || (tag != "" && tag == name) {
			return v.Field(i), true
		}
	}

	return reflect.Value{}, false
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
