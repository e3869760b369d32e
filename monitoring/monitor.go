// Package monitoring exposes a running controller over HTTP: health and
// cycle status, safety control, setpoint changes, configuration reload,
// and inspection of the live components.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/reh3376/ignition-tools-sub002/config"
	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/controlloop"
	"github.com/reh3376/ignition-tools-sub002/datarecording"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// Monitor turns a controller daemon into a web server. Loops register
// together with their supervisors; the store and the recording reader are
// optional.
type Monitor struct {
	log        *log.Logger
	listenAddr string

	mu      sync.Mutex
	entries []*loopEntry
	store   *config.Store
	reader  datarecording.DataReader

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	listener net.Listener
	server   *http.Server
}

type loopEntry struct {
	loop    *controlloop.Loop
	sup     *safety.Supervisor
	tracker *Tracker
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		log:        log.Default(),
		listenAddr: ":0",
	}
}

// WithListenAddr sets the address the monitor serves on. An empty address
// picks a random port.
func (m *Monitor) WithListenAddr(addr string) *Monitor {
	if addr == "" {
		addr = ":0"
	}

	m.listenAddr = addr

	return m
}

// WithLogger sets the logger the monitor reports through.
func (m *Monitor) WithLogger(l *log.Logger) *Monitor {
	if l != nil {
		m.log = l
	}

	return m
}

// RegisterLoop registers a loop and its supervisor to be monitored. The
// monitor hooks the loop to keep a sliding tracking-error window.
func (m *Monitor) RegisterLoop(
	l *controlloop.Loop,
	sup *safety.Supervisor,
) {
	entry := &loopEntry{
		loop:    l,
		sup:     sup,
		tracker: NewTracker(0),
	}
	l.AcceptHook(entry.tracker)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)
}

// RegisterConfigStore registers the store backing /api/config.
func (m *Monitor) RegisterConfigStore(st *config.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store = st
}

// RegisterRecordingReader registers the reader backing /api/cycles.
func (m *Monitor) RegisterRecordingReader(r datarecording.DataReader) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reader = r
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        control.GetIDGenerator().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the webpage.
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

// StartServer starts serving. It returns once the listener is bound; Addr
// reports where.
func (m *Monitor) StartServer() error {
	r := mux.NewRouter()

	r.HandleFunc("/api/status", m.status)
	r.HandleFunc("/api/loop/{name}/latest", m.latestCycle)
	r.HandleFunc("/api/loop/{name}/safety", m.safetyStatus)
	r.HandleFunc("/api/loop/{name}/tracking", m.tracking)
	r.HandleFunc("/api/loop/{name}/setpoint", m.setSetpoint).Methods("POST")
	r.HandleFunc("/api/loop/{name}/acknowledge", m.acknowledge).Methods("POST")
	r.HandleFunc("/api/loop/{name}/reset", m.reset).Methods("POST")
	r.HandleFunc("/api/loop/{name}/estop", m.estop).Methods("POST")
	r.HandleFunc("/api/loop/{name}/shutdown", m.shutdownLoop).Methods("POST")
	r.HandleFunc("/api/config", m.activeConfig)
	r.HandleFunc("/api/config/reload", m.reloadConfig).Methods("POST")
	r.HandleFunc("/api/cycles", m.recentCycles)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.HandleFunc("/", m.index)

	listener, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return &control.ResourceError{
			Resource: "monitor listener",
			Cause:    err,
		}
	}

	m.listener = listener
	m.server = &http.Server{Handler: r}

	m.log.Printf("monitor: serving on http://%s", listener.Addr())

	go func() {
		err := m.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			m.log.Printf("monitor: server stopped: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, empty before StartServer.
func (m *Monitor) Addr() string {
	if m.listener == nil {
		return ""
	}

	return m.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

type loopStatusRsp struct {
	Name     string                  `json:"name"`
	Period   string                  `json:"period"`
	Target   float64                 `json:"target"`
	Working  float64                 `json:"working_setpoint"`
	Overruns uint64                  `json:"overruns"`
	Safety   safety.Status           `json:"safety"`
	Latest   *datarecording.CycleRow `json:"latest,omitempty"`
	Tracking TrackingStats           `json:"tracking"`
}

type statusRsp struct {
	Loops         []loopStatusRsp `json:"loops"`
	ConfigVersion int             `json:"config_version,omitempty"`
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	entries := append([]*loopEntry(nil), m.entries...)
	store := m.store
	m.mu.Unlock()

	rsp := statusRsp{Loops: []loopStatusRsp{}}

	for _, e := range entries {
		rsp.Loops = append(rsp.Loops, e.statusRsp())
	}

	if store != nil {
		rsp.ConfigVersion = store.Version()
	}

	m.writeJSON(w, rsp)
}

func (e *loopEntry) statusRsp() loopStatusRsp {
	target, working := e.loop.Setpoint()

	rsp := loopStatusRsp{
		Name:     e.loop.Name(),
		Period:   e.loop.Period().String(),
		Target:   target,
		Working:  working,
		Overruns: e.loop.Overruns(),
		Safety:   e.sup.Snapshot(),
		Tracking: e.tracker.Stats(),
	}

	if res, ok := e.loop.Latest(); ok {
		row := datarecording.NewCycleRow(res)
		rsp.Latest = &row
	}

	return rsp
}

func (m *Monitor) latestCycle(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	res, ok := entry.loop.Latest()
	if !ok {
		m.fail(w, http.StatusNotFound, "no cycle completed yet")
		return
	}

	m.writeJSON(w, datarecording.NewCycleRow(res))
}

type transitionRsp struct {
	Time  time.Time `json:"time"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Cause string    `json:"cause"`
}

type safetyRsp struct {
	safety.Status
	Events []transitionRsp `json:"events"`
}

func (m *Monitor) safetyStatus(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	rsp := safetyRsp{
		Status: entry.sup.Snapshot(),
		Events: []transitionRsp{},
	}

	for _, tr := range entry.sup.Events() {
		rsp.Events = append(rsp.Events, transitionRsp{
			Time:  tr.Time,
			From:  tr.From.String(),
			To:    tr.To.String(),
			Cause: tr.Cause,
		})
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) tracking(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	m.writeJSON(w, entry.tracker.Stats())
}

type setpointReq struct {
	Target   float64 `json:"target"`
	RampRate float64 `json:"ramp_rate,omitempty"`
}

func (m *Monitor) setSetpoint(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	var req setpointReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.fail(w, http.StatusBadRequest, "bad setpoint request: %v", err)
		return
	}

	var err error
	if req.RampRate != 0 {
		err = entry.loop.RampSetpoint(req.Target, req.RampRate)
	} else {
		err = entry.loop.SetSetpoint(req.Target)
	}

	if err != nil {
		m.fail(w, http.StatusBadRequest, "%v", err)
		return
	}

	target, working := entry.loop.Setpoint()
	m.writeJSON(w, map[string]float64{
		"target":           target,
		"working_setpoint": working,
	})
}

func (m *Monitor) acknowledge(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	entry.sup.Acknowledge()
	m.writeJSON(w, entry.sup.Snapshot())
}

func (m *Monitor) reset(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	if err := entry.sup.Reset(); err != nil {
		m.fail(w, http.StatusConflict, "%v", err)
		return
	}

	m.writeJSON(w, entry.sup.Snapshot())
}

type estopReq struct {
	Cause string `json:"cause"`
}

func (m *Monitor) estop(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	var req estopReq
	if r.Body != nil {
		// An empty body is fine; the cause is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.Cause == "" {
		req.Cause = "operator e-stop via monitor"
	}

	entry.sup.EStop(req.Cause)
	m.writeJSON(w, entry.sup.Snapshot())
}

func (m *Monitor) shutdownLoop(w http.ResponseWriter, r *http.Request) {
	entry := m.findLoopOr404(w, mux.Vars(r)["name"])
	if entry == nil {
		return
	}

	var req estopReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Cause == "" {
		req.Cause = "operator shutdown via monitor"
	}

	entry.sup.RequestShutdown(req.Cause)
	m.writeJSON(w, entry.sup.Snapshot())
}

func (m *Monitor) activeConfig(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()

	if store == nil {
		m.fail(w, http.StatusNotFound, "no config store attached")
		return
	}

	record, ok := store.Snapshot()
	if !ok {
		m.fail(w, http.StatusNotFound, "no configuration loaded")
		return
	}

	data, err := config.Encode(record)
	if err != nil {
		m.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}

	w.Header().Set("Content-Type", "text/yaml")
	m.write(w, data)
}

func (m *Monitor) reloadConfig(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()

	if store == nil {
		m.fail(w, http.StatusNotFound, "no config store attached")
		return
	}

	if err := store.Load(); err != nil {
		m.fail(w, http.StatusBadRequest, "%v", err)
		return
	}

	m.writeJSON(w, map[string]int{"version": store.Version()})
}

func (m *Monitor) recentCycles(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reader := m.reader
	m.mu.Unlock()

	if reader == nil {
		m.fail(w, http.StatusNotFound, "no recording attached")
		return
	}

	limit, offset, err := pageParams(r)
	if err != nil {
		m.fail(w, http.StatusBadRequest, "%v", err)
		return
	}

	rows, total, err := reader.Query(
		r.Context(),
		datarecording.TableControlCycles,
		datarecording.QueryParams{
			OrderBy: "Seq DESC",
			Limit:   limit,
			Offset:  offset,
		})
	if err != nil {
		m.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}

	m.writeJSON(w, map[string]any{
		"total":  total,
		"cycles": rows,
	})
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = 50

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, err
		}
	}

	if limit > 1000 {
		limit = 1000
	}

	if s := r.URL.Query().Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, err
		}
	}

	return limit, offset, nil
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	if err := serializer.Serialize(w); err != nil {
		m.log.Printf("monitor: serialize %s: %v", name, err)
	}
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		m.fail(w, http.StatusBadRequest, "bad field request: %v", err)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	fields := strings.Split(req.FieldName, ".")

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint(fields); err != nil {
		m.fail(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := serializer.Serialize(w); err != nil {
		m.log.Printf("monitor: serialize %s: %v", req.CompName, err)
	}
}

// findComponentOr404 resolves a loop or supervisor by name for inspection.
func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) any {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.loop.Name() == name {
			return e.loop
		}

		if e.sup.Name() == name {
			return e.sup
		}
	}

	w.WriteHeader(http.StatusNotFound)
	m.write(w, []byte("component not found"))

	return nil
}

func (m *Monitor) findLoopOr404(
	w http.ResponseWriter,
	name string,
) *loopEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.loop.Name() == name {
			return e
		}
	}

	w.WriteHeader(http.StatusNotFound)
	m.write(w, []byte("loop not found"))

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := append([]*ProgressBar(nil), m.progressBars...)
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		m.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		m.fail(w, http.StatusConflict, "%v", err)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) index(w http.ResponseWriter, _ *http.Request) {
	routes := []string{
		"GET  /api/status",
		"GET  /api/loop/{name}/latest",
		"GET  /api/loop/{name}/safety",
		"GET  /api/loop/{name}/tracking",
		"POST /api/loop/{name}/setpoint      {\"target\": 50, \"ramp_rate\": 0}",
		"POST /api/loop/{name}/acknowledge",
		"POST /api/loop/{name}/reset",
		"POST /api/loop/{name}/estop         {\"cause\": \"...\"}",
		"POST /api/loop/{name}/shutdown      {\"cause\": \"...\"}",
		"GET  /api/config",
		"POST /api/config/reload",
		"GET  /api/cycles?limit=50&offset=0",
		"GET  /api/component/{name}",
		"GET  /api/field/{json}",
		"GET  /api/progress",
		"GET  /api/resource",
		"GET  /api/profile",
	}

	w.Header().Set("Content-Type", "text/plain")
	m.write(w, []byte(strings.Join(routes, "\n")+"\n"))
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Panic(err)
	}

	w.Header().Set("Content-Type", "application/json")
	m.write(w, data)
}

func (m *Monitor) fail(
	w http.ResponseWriter,
	code int,
	format string,
	args ...any,
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	msg, err := json.Marshal(map[string]string{
		"error": fmt.Sprintf(format, args...),
	})
	if err != nil {
		log.Panic(err)
	}

	m.write(w, msg)
}

// write logs instead of panicking: a client hanging up must not take the
// daemon down.
func (m *Monitor) write(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		m.log.Printf("monitor: write response: %v", err)
	}
}
