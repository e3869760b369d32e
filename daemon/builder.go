package daemon

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/reh3376/ignition-tools-sub002/config"
	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/controlloop"
	"github.com/reh3376/ignition-tools-sub002/datarecording"
	"github.com/reh3376/ignition-tools-sub002/monitoring"
	"github.com/reh3376/ignition-tools-sub002/plantio"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// Builder can be used to build a daemon.
type Builder struct {
	configPath    string
	record        config.Record
	hasRecord     bool
	logger        *log.Logger
	monitorOff    bool
	forceLoopback bool
	watchInterval time.Duration
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		watchInterval: 2 * time.Second,
	}
}

// WithConfigPath sets the YAML record file the daemon loads, watches, and
// reloads from.
func (b Builder) WithConfigPath(path string) Builder {
	b.configPath = path
	return b
}

// WithRecord sets the configuration directly instead of loading it from a
// file. A daemon built this way has no store and never hot-reloads.
func (b Builder) WithRecord(rec config.Record) Builder {
	b.record = rec
	b.hasRecord = true
	return b
}

// WithLogger sets the logger. The default logger is used when unset.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// WithoutMonitoring sets the daemon to not serve the HTTP monitor even when
// the record enables it.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOff = true
	return b
}

// WithLoopbackPlant forces the loopback simulator regardless of the plant
// binding in the record, so a production record can be exercised without
// touching hardware.
func (b Builder) WithLoopbackPlant() Builder {
	b.forceLoopback = true
	return b
}

// WithWatchInterval sets how often the config file is polled for changes.
func (b Builder) WithWatchInterval(interval time.Duration) Builder {
	b.watchInterval = interval
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.configPath == "" && !b.hasRecord {
		panic("daemon: a config path or a record is required")
	}
	if b.configPath != "" && b.hasRecord {
		panic("daemon: config path and record cannot both be set")
	}
	if b.watchInterval <= 0 {
		panic("daemon: watch interval must be positive")
	}
}

// Build assembles the daemon: plant binding, recording, supervisor, loop,
// and monitor, wired in that order. Anything already opened is released
// again when a later step fails.
func (b Builder) Build() (*Daemon, error) {
	b.parametersMustBeValid()

	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	d := &Daemon{
		id:            xid.New().String(),
		log:           logger,
		watchInterval: b.watchInterval,
	}

	rec := b.record
	if b.configPath != "" {
		d.store = config.NewStore(b.configPath, logger)
		if err := d.store.Load(); err != nil {
			return nil, err
		}
		rec, _ = d.store.Snapshot()
	}

	rec = config.ApplyEnv(rec)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	d.record = rec

	built := false
	defer func() {
		if !built {
			d.Terminate()
		}
	}()

	if err := d.buildPlant(rec, b.forceLoopback); err != nil {
		return nil, err
	}
	if err := d.buildRecording(rec); err != nil {
		return nil, err
	}
	if err := d.buildLoop(rec); err != nil {
		return nil, err
	}

	d.loopRec.Observe(d.loop)
	d.loopRec.Observe(d.sup)

	if err := d.buildMonitor(rec, b.monitorOff); err != nil {
		return nil, err
	}

	if d.store != nil {
		d.store.Subscribe(d.applyRecord)
	}

	built = true

	return d, nil
}

func (d *Daemon) buildPlant(rec config.Record, forceLoopback bool) error {
	kind := rec.PlantKind()
	if forceLoopback {
		kind = "loopback"
	}

	switch kind {
	case "loopback":
		model, err := rec.ProcessModel()
		if err != nil {
			return err
		}

		discrete, err := model.Discretize(rec.Controller().SampleSeconds())
		if err != nil {
			return err
		}

		lb := plantio.NewLoopback(discrete)
		u0 := rec.Loop.InitialOutput
		lb.Seed(discrete.SteadyOutput(u0), u0)

		d.loopback = lb
		d.source = lb
		d.sink = lb

	case "modbus":
		cfg, err := rec.ModbusPlant()
		if err != nil {
			return err
		}

		mb, err := plantio.DialModbus(cfg)
		if err != nil {
			return err
		}

		d.source = mb
		d.sink = mb
		d.plantCloser = mb

	case "can":
		cfg, err := rec.CANPlant()
		if err != nil {
			return err
		}

		bus, err := plantio.DialCAN(context.Background(), cfg)
		if err != nil {
			return err
		}

		d.source = bus
		d.sink = bus
		d.plantCloser = bus

	default:
		return &control.ConfigurationError{
			Field:  "plant.kind",
			Reason: fmt.Sprintf("unknown kind %q", kind),
		}
	}

	return nil
}

func (d *Daemon) buildRecording(rec config.Record) error {
	outputPath := rec.Recording.Path
	if outputPath == "" {
		outputPath = "mpc_run_" + d.id
	}

	recorder, err := datarecording.OpenBackend(rec.Recording.Backend, outputPath)
	if err != nil {
		return err
	}
	d.recorder = recorder
	d.loopRec = datarecording.NewLoopRecorder(recorder)

	switch rec.Recording.Backend {
	case "", "none":
	default:
		d.log.Printf("daemon %s: recording to %s (%s)",
			d.id, outputPath, rec.Recording.Backend)
	}

	d.runRec = datarecording.NewRunRecorder(recorder)
	d.runRec.Start()
	d.runRec.Put("Loop", rec.Loop.Name)
	d.runRec.Put("Config Version", strconv.Itoa(rec.Version))

	// Only the SQLite backend can be read back while the daemon runs; the
	// monitor's history endpoints stay dark on the other backends.
	if rec.Recording.Backend == "sqlite" {
		reader := datarecording.NewReader(outputPath + ".sqlite3")
		reader.MapTable(datarecording.TableControlCycles, datarecording.CycleRow{})
		reader.MapTable(datarecording.TableSafetyEvents, datarecording.SafetyEventRow{})
		reader.MapTable(datarecording.TableRejections, datarecording.RejectionRow{})
		d.reader = reader
	}

	return nil
}

func (d *Daemon) buildLoop(rec config.Record) error {
	safetyCfg, err := rec.SafetyConfig()
	if err != nil {
		return err
	}

	model, err := rec.ProcessModel()
	if err != nil {
		return err
	}

	d.sup = safety.MakeBuilder().
		WithConfig(safetyCfg).
		WithLogger(d.log).
		Build(rec.Loop.Name + "-supervisor")

	lb := controlloop.MakeBuilder().
		WithModel(model).
		WithTuning(rec.Controller()).
		WithConstraints(rec.ConstraintSet()).
		WithEstimatorConfig(rec.Estimator()).
		WithSource(d.source).
		WithSink(d.sink).
		WithSupervisor(d.sup).
		WithLogger(d.log).
		WithInitialOutput(rec.Loop.InitialOutput)
	if sp := rec.Loop.InitialSetpoint; sp != nil {
		lb = lb.WithInitialSetpoint(*sp)
	}
	if rate := rec.Loop.SetpointRampRate; rate != nil {
		lb = lb.WithSetpointRampLimit(*rate)
	}
	d.loop = lb.Build(rec.Loop.Name)

	return nil
}

func (d *Daemon) buildMonitor(rec config.Record, off bool) error {
	if off || !rec.Monitoring.Enabled {
		return nil
	}

	m := monitoring.NewMonitor().
		WithListenAddr(rec.Monitoring.Listen).
		WithLogger(d.log)
	m.RegisterLoop(d.loop, d.sup)
	if d.store != nil {
		m.RegisterConfigStore(d.store)
	}
	if d.reader != nil {
		m.RegisterRecordingReader(d.reader)
	}

	if err := m.StartServer(); err != nil {
		return err
	}
	d.monitor = m

	d.log.Printf("daemon %s: monitor serving on %s", d.id, m.Addr())

	return nil
}
