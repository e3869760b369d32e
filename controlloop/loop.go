// Package controlloop runs the measure, estimate, optimize, gate, actuate
// cycle on its own ticker. The loop is the single writer of the estimate
// and of the applied output; everything another goroutine may want is
// published through snapshots and hooks.
package controlloop

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/estimation"
	"github.com/reh3376/ignition-tools-sub002/optimization"
	"github.com/reh3376/ignition-tools-sub002/plantio"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// A Retuning replaces the loop's tuning as one unit. Validation happens
// before anything is touched; a rejected retuning leaves the loop running
// on what it had.
type Retuning struct {
	Controller  control.ControllerConfig
	Constraints control.ConstraintSet
	Estimator   estimation.Config
}

// A Loop owns one control channel end to end. Cycles never overlap: the
// loop goroutine is the only cycle runner, and a cycle that outruns its
// period causes the next tick to be skipped rather than queued.
type Loop struct {
	*control.HookableBase

	name string
	log  *log.Logger

	source plantio.Source
	sink   plantio.Sink
	sup    *safety.Supervisor
	opt    *optimization.Optimizer

	// mu serializes cycles against retuning and setpoint changes, which
	// is what makes every swap take effect between cycles.
	mu           sync.Mutex
	processModel control.ProcessModel
	model        *control.DiscreteModel
	cfg          control.ControllerConfig
	set          control.ConstraintSet
	estCfg       estimation.Config
	est          estimation.Estimator
	sp           setpoint
	rampLimit    float64
	prevApplied  float64
	degraded     int
	overruns     uint64
	seq          uint64
	primed       bool

	last atomic.Pointer[control.ControlCycleResult]
}

// SetSetpoint retargets the loop immediately, or along the configured ramp
// limit when the loop has one.
func (l *Loop) SetSetpoint(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &control.ConfigurationError{
			Field:  "setpoint",
			Reason: "must be finite",
		}
	}
	l.mu.Lock()
	if l.rampLimit > 0 {
		l.sp.rampTo(v, l.rampLimit)
	} else {
		l.sp.jumpTo(v)
	}
	l.mu.Unlock()
	return nil
}

// RampSetpoint retargets the loop along a ramp of the given rate in units
// per second. The configured ramp limit caps the rate.
func (l *Loop) RampSetpoint(v, rate float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &control.ConfigurationError{
			Field:  "setpoint",
			Reason: "must be finite",
		}
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return &control.ConfigurationError{
			Field:  "setpoint.rate",
			Reason: "must be positive and finite",
		}
	}
	l.mu.Lock()
	if l.rampLimit > 0 && rate > l.rampLimit {
		rate = l.rampLimit
	}
	l.sp.rampTo(v, rate)
	l.mu.Unlock()
	return nil
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Setpoint returns the target and the working reference.
func (l *Loop) Setpoint() (target, working float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sp.target, l.sp.current
}

// Latest returns the most recent cycle result.
func (l *Loop) Latest() (control.ControlCycleResult, bool) {
	if r := l.last.Load(); r != nil {
		return *r, true
	}
	return control.ControlCycleResult{}, false
}

// Tuning returns the active controller tuning and constraints.
func (l *Loop) Tuning() (control.ControllerConfig, control.ConstraintSet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg, l.set
}

// Period returns the active control period.
func (l *Loop) Period() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.SampleTime
}

// Overruns returns how many cycles have missed their deadline so far.
func (l *Loop) Overruns() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overruns
}

// Prime reads one measurement and seeds the estimator, the previous
// output, and an unset setpoint from it, so the first optimized cycle
// starts from the plant's actual resting point instead of zero. Run calls
// it once; calling it again does nothing.
func (l *Loop) Prime(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.primed {
		return nil
	}

	y, err := l.source.Read(ctx)
	if err != nil {
		return &control.ResourceError{
			Resource: "measurement source",
			Cause:    err,
		}
	}

	l.est.Seed(y, l.prevApplied)
	l.sp.prime(y)
	l.primed = true
	l.log.Printf("loop %s: primed at output %.4g", l.name, y)
	return nil
}

// Run executes cycles on the loop's ticker until the context ends.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Prime(ctx); err != nil {
		return err
	}

	period := l.Period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			res := l.RunCycle(now)
			if res.Overrun {
				// Drop the tick that piled up behind the
				// long cycle so cycles never run back to
				// back.
				select {
				case <-ticker.C:
				default:
				}
			}

			if p := l.Period(); p != period {
				period = p
				ticker.Reset(period)
			}
		}
	}
}

// RunCycle executes exactly one cycle at the given tick time and returns
// its record. The run loop calls it every period; tests call it directly
// to drive the loop deterministically.
func (l *Loop) RunCycle(now time.Time) control.ControlCycleResult {
	l.mu.Lock()
	res := l.cycleLocked(now)
	l.mu.Unlock()

	l.last.Store(&res)
	l.publish(res)
	return res
}

// cycleLocked is the cycle body: measure, estimate, optimize, gate,
// actuate, report. Every path through it actuates exactly once and sends
// exactly one heartbeat.
func (l *Loop) cycleLocked(now time.Time) control.ControlCycleResult {
	l.seq++
	res := control.ControlCycleResult{
		ID:   control.GetIDGenerator().Generate(),
		Seq:  l.seq,
		Time: now,
	}

	cfg := l.cfg
	set := l.set
	model := l.model

	ctx, cancel := context.WithDeadline(
		context.Background(), now.Add(cfg.SampleTime))
	defer cancel()

	res.Setpoint = l.sp.advance(cfg.SampleSeconds())
	reference := l.sp.horizon(cfg.PredictionHorizon, cfg.SampleSeconds())

	// Measure. A failed read flows into the estimator as NaN and takes
	// the rejection path, so both faults degrade the same way.
	measurement, readErr := l.source.Read(ctx)
	if readErr != nil {
		measurement = math.NaN()
	}
	res.Measurement = measurement

	est, estErr := l.est.Update(measurement)
	res.Estimate = est.Output
	res.MeasurementValid = readErr == nil && estErr == nil
	if estErr != nil {
		res.Fault = faultKind(estErr)
	}

	// Optimize, unless the supervisor owns the actuator anyway.
	proposed := l.prevApplied
	if !l.sup.State().Overriding() {
		sol, solErr := l.opt.Solve(ctx, optimization.Problem{
			Model:       model,
			Config:      cfg,
			Constraints: set,
			State:       est.State,
			Reference:   reference,
			PrevApplied: l.prevApplied,
		})

		res.Status = sol.Status
		res.Iterations = sol.Iterations
		res.Cost = sol.Cost
		res.Feasible = sol.Feasible
		res.Relaxed = sol.Relaxed
		res.SolveTime = sol.Duration

		if solErr != nil {
			res.Degraded = true
			res.Fault = faultKind(solErr)
			l.log.Printf("loop %s: cycle %d degraded: %v",
				l.name, res.Seq, solErr)
		} else {
			proposed = sol.Moves[0]
			res.Trajectory = sol.Moves
		}
	}
	res.Proposed = proposed

	// Gate and actuate. The applied output respects the hard bounds no
	// matter which path produced it.
	applied, overridden := l.sup.Gate(
		proposed, l.prevApplied, set, cfg.SampleTime)
	res.Overridden = overridden

	actErr := l.sink.Apply(ctx, applied)
	if actErr != nil {
		// The actuator kept its last value; account for that, not
		// for what we wanted.
		applied = l.prevApplied
		res.Fault = faultKind(&control.ResourceError{
			Resource: "actuator",
			Cause:    actErr,
		})
		l.log.Printf("loop %s: cycle %d actuation failed: %v",
			l.name, res.Seq, actErr)
	}
	res.Applied = applied

	// The streak feeding the supervisor counts consecutive cycles whose
	// intended action did not reach the plant, whether the solver fell
	// back or the actuator refused. An override freezes it.
	if res.Degraded || actErr != nil {
		l.degraded++
	} else if !res.Overridden {
		l.degraded = 0
	}

	l.est.NotifyApplied(applied)
	l.prevApplied = applied

	res.SafetyState = l.sup.State()

	l.sup.Heartbeat(safety.Heartbeat{
		Time:       now,
		Estimate:   est.Output,
		Rejections: est.Rejections,
		Degraded:   l.degraded,
	})

	res.Overrun = time.Since(now) > cfg.SampleTime
	if res.Overrun {
		l.overruns++
	}
	return res
}

// publish fires the cycle hooks outside the loop mutex, so a hook may call
// back into the loop's getters.
func (l *Loop) publish(res control.ControlCycleResult) {
	if !res.MeasurementValid {
		l.InvokeHook(control.HookCtx{
			Domain: l,
			Pos:    control.HookPosMeasurementRejected,
			Item:   res.Measurement,
			Detail: res.Fault,
		})
	}
	if res.Degraded {
		l.InvokeHook(control.HookCtx{
			Domain: l,
			Pos:    control.HookPosOptimizationDegraded,
			Item:   res,
		})
	}
	if res.Overrun {
		l.InvokeHook(control.HookCtx{
			Domain: l,
			Pos:    control.HookPosCycleOverrun,
			Item:   res,
		})
	}
	l.InvokeHook(control.HookCtx{
		Domain: l,
		Pos:    control.HookPosOutputApplied,
		Item:   res.Applied,
	})
	l.InvokeHook(control.HookCtx{
		Domain: l,
		Pos:    control.HookPosCycleDone,
		Item:   res,
	})
}

// Retune replaces the tuning, constraints, and estimator configuration as
// one unit between cycles. The estimator is rebuilt and reseeded from the
// current estimate; the optimizer's warm memory is dropped.
func (l *Loop) Retune(r Retuning) error {
	if err := r.Controller.Validate(); err != nil {
		return err
	}
	if err := r.Constraints.Validate(); err != nil {
		return err
	}
	if err := r.Estimator.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	model, err := l.processModel.Discretize(r.Controller.SampleSeconds())
	if err != nil {
		l.mu.Unlock()
		return err
	}

	est, err := estimation.ForModel(l.processModel, model, r.Estimator)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	est.Seed(l.est.Current().Output, l.prevApplied)

	l.model = model
	l.est = est
	l.cfg = r.Controller
	l.set = r.Constraints
	l.estCfg = r.Estimator
	l.opt.Reset()
	version := l.cfg.Version
	l.mu.Unlock()

	l.log.Printf("loop %s: tuning v%d applied", l.name, version)
	l.InvokeHook(control.HookCtx{
		Domain: l,
		Pos:    control.HookPosConfigSwapped,
		Item:   version,
	})
	return nil
}

// SwapModel replaces the process model between cycles. The estimator is
// rebuilt for the new model family and reseeded from the current estimate,
// so the plant sees no bump from the swap itself.
func (l *Loop) SwapModel(m control.ProcessModel) error {
	if m == nil {
		return &control.ConfigurationError{
			Field:  "model",
			Reason: "required",
		}
	}
	if err := m.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	model, err := m.Discretize(l.cfg.SampleSeconds())
	if err != nil {
		l.mu.Unlock()
		return err
	}

	est, err := estimation.ForModel(m, model, l.estCfg)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	est.Seed(l.est.Current().Output, l.prevApplied)

	l.processModel = m
	l.model = model
	l.est = est
	l.opt.Reset()
	name := m.Name()
	l.mu.Unlock()

	l.log.Printf("loop %s: model swapped to %s", l.name, name)
	return nil
}

// Estimator returns the live estimator for read-only use by the operator
// surface.
func (l *Loop) Estimator() estimation.Estimator {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.est
}

func faultKind(err error) string {
	if kind, ok := control.KindOf(err); ok {
		return kind.String()
	}
	return "unclassified"
}
