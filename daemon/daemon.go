// Package daemon assembles a complete controller process from one
// configuration record: the plant binding, the control loop, its safety
// supervisor, recording, and the HTTP monitor. The pieces compose by hand
// too; the daemon is the wiring a production deployment would otherwise
// repeat.
package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/reh3376/ignition-tools-sub002/config"
	"github.com/reh3376/ignition-tools-sub002/controlloop"
	"github.com/reh3376/ignition-tools-sub002/datarecording"
	"github.com/reh3376/ignition-tools-sub002/monitoring"
	"github.com/reh3376/ignition-tools-sub002/plantio"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// flushInterval bounds how stale the recorded history can get while the
// daemon runs. Rows buffer in batches, so without a periodic flush the
// monitor's history endpoints would trail the loop by a whole batch.
const flushInterval = 5 * time.Second

// A Daemon is one running controller: a loop and its supervisor bound to a
// plant, with recording and monitoring around them.
type Daemon struct {
	id  string
	log *log.Logger

	store *config.Store

	source      plantio.Source
	sink        plantio.Sink
	loopback    *plantio.Loopback
	plantCloser io.Closer

	sup  *safety.Supervisor
	loop *controlloop.Loop

	recorder datarecording.DataRecorder
	loopRec  *datarecording.LoopRecorder
	runRec   *datarecording.RunRecorder
	reader   datarecording.DataReader

	monitor *monitoring.Monitor

	watchInterval time.Duration

	mu     sync.Mutex
	record config.Record
}

// ID returns the daemon's unique ID.
func (d *Daemon) ID() string {
	return d.id
}

// Loop returns the control loop.
func (d *Daemon) Loop() *controlloop.Loop {
	return d.loop
}

// Supervisor returns the safety supervisor.
func (d *Daemon) Supervisor() *safety.Supervisor {
	return d.sup
}

// Monitor returns the HTTP monitor, or nil when monitoring is off.
func (d *Daemon) Monitor() *monitoring.Monitor {
	return d.monitor
}

// Store returns the config store, or nil when the daemon was built from a
// record directly.
func (d *Daemon) Store() *config.Store {
	return d.store
}

// Loopback returns the simulated plant, or nil when the daemon is bound to
// hardware.
func (d *Daemon) Loopback() *plantio.Loopback {
	return d.loopback
}

// Record returns the active configuration record.
func (d *Daemon) Record() config.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record
}

// Run drives the loop, the supervisor watchdog, the config watcher, and the
// flush ticker until the context is canceled or one of them fails. The
// first failure cancels the rest; a clean shutdown returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := 2
	if d.store != nil {
		workers = 3
	}
	errs := make(chan error, workers)

	go func() { errs <- d.loop.Run(ctx) }()
	go func() { errs <- d.sup.Run(ctx) }()
	if d.store != nil {
		go func() { errs <- d.store.Watch(ctx, d.watchInterval) }()
	}
	go d.flushLoop(ctx)

	var first error
	for i := 0; i < workers; i++ {
		err := <-errs
		cancel()
		if first == nil && err != nil &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded) {
			first = err
		}
	}

	return first
}

func (d *Daemon) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.loopRec.Flush()
		}
	}
}

// applyRecord pushes a reloaded record into the running loop. The store
// validated it before accepting it, so mapping failures here are logged and
// dropped rather than killing the loop.
func (d *Daemon) applyRecord(rec config.Record) {
	model, err := rec.ProcessModel()
	if err != nil {
		d.log.Printf("daemon %s: reload rejected: %v", d.id, err)
		return
	}
	safetyCfg, err := rec.SafetyConfig()
	if err != nil {
		d.log.Printf("daemon %s: reload rejected: %v", d.id, err)
		return
	}

	if err := d.loop.SwapModel(model); err != nil {
		d.log.Printf("daemon %s: model swap rejected: %v", d.id, err)
		return
	}

	retuning := controlloop.Retuning{
		Controller:  rec.Controller(),
		Constraints: rec.ConstraintSet(),
		Estimator:   rec.Estimator(),
	}
	if err := d.loop.Retune(retuning); err != nil {
		d.log.Printf("daemon %s: retune rejected: %v", d.id, err)
		return
	}

	if err := d.sup.UpdateConfig(safetyCfg); err != nil {
		d.log.Printf("daemon %s: supervisor update rejected: %v", d.id, err)
		return
	}

	d.mu.Lock()
	d.record = rec
	d.mu.Unlock()

	d.runRec.Put("Config Version", strconv.Itoa(rec.Version))
	d.log.Printf("daemon %s: configuration version %d active", d.id, rec.Version)
}

// Terminate releases everything Build opened: the monitor stops serving,
// the run gets its end stamp, and the recording and plant are closed. It
// does not stop Run; cancel that context first. Terminating twice is safe.
func (d *Daemon) Terminate() {
	if d.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.monitor.Shutdown(ctx); err != nil {
			d.log.Printf("daemon %s: monitor shutdown: %v", d.id, err)
		}
		cancel()
		d.monitor = nil
	}

	if d.runRec != nil {
		d.runRec.End()
		d.runRec = nil
	}

	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			d.log.Printf("daemon %s: recorder close: %v", d.id, err)
		}
		d.recorder = nil
	}

	if d.reader != nil {
		if err := d.reader.Close(); err != nil {
			d.log.Printf("daemon %s: recording reader close: %v", d.id, err)
		}
		d.reader = nil
	}

	if d.plantCloser != nil {
		if err := d.plantCloser.Close(); err != nil {
			d.log.Printf("daemon %s: plant close: %v", d.id, err)
		}
		d.plantCloser = nil
	}
}
