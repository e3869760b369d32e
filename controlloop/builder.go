package controlloop

import (
	"log"
	"math"

	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/estimation"
	"github.com/reh3376/ignition-tools-sub002/optimization"
	"github.com/reh3376/ignition-tools-sub002/plantio"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// Builder assembles control loops. All parts must be set before Build;
// Build panics on anything invalid, since a loop that cannot be built is a
// programming error rather than a runtime condition.
type Builder struct {
	model       control.ProcessModel
	cfg         control.ControllerConfig
	set         control.ConstraintSet
	estCfg      estimation.Config
	source      plantio.Source
	sink        plantio.Sink
	sup         *safety.Supervisor
	logger      *log.Logger
	initialOut  float64
	initialSP   float64
	rampLimit   float64
	hasInitSP   bool
	hasTuning   bool
	constrained bool
}

// MakeBuilder returns a builder with unbounded constraints and default
// estimator tuning.
func MakeBuilder() Builder {
	return Builder{
		set:    control.Unbounded(),
		estCfg: estimation.DefaultConfig(),
	}
}

// WithModel sets the process model the loop predicts with.
func (b Builder) WithModel(m control.ProcessModel) Builder {
	b.model = m
	return b
}

// WithTuning sets the controller configuration.
func (b Builder) WithTuning(cfg control.ControllerConfig) Builder {
	b.cfg = cfg
	b.hasTuning = true
	return b
}

// WithConstraints sets the operating constraints.
func (b Builder) WithConstraints(set control.ConstraintSet) Builder {
	b.set = set
	b.constrained = true
	return b
}

// WithEstimatorConfig sets the estimator tuning.
func (b Builder) WithEstimatorConfig(cfg estimation.Config) Builder {
	b.estCfg = cfg
	return b
}

// WithSource sets where measurements come from.
func (b Builder) WithSource(s plantio.Source) Builder {
	b.source = s
	return b
}

// WithSink sets where outputs go.
func (b Builder) WithSink(s plantio.Sink) Builder {
	b.sink = s
	return b
}

// WithSupervisor sets the safety supervisor that gates every output.
func (b Builder) WithSupervisor(s *safety.Supervisor) Builder {
	b.sup = s
	return b
}

// WithLogger sets the logger. The default logger is used when unset.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// WithInitialOutput sets the output assumed to be on the actuator before
// the first cycle, so the first rate-of-change constraint anchors on
// reality.
func (b Builder) WithInitialOutput(u float64) Builder {
	b.initialOut = u
	return b
}

// WithInitialSetpoint sets the target the loop starts with. Without one,
// priming adopts the first measurement as the target, which makes startup
// bumpless.
func (b Builder) WithInitialSetpoint(v float64) Builder {
	b.initialSP = v
	b.hasInitSP = true
	return b
}

// WithSetpointRampLimit caps how fast setpoint changes walk the working
// reference, in units per second. Zero leaves setpoint changes immediate.
func (b Builder) WithSetpointRampLimit(rate float64) Builder {
	b.rampLimit = rate
	return b
}

// Build assembles the loop.
func (b Builder) Build(name string) *Loop {
	if b.model == nil {
		panic("controlloop: model is required")
	}
	if err := b.model.Validate(); err != nil {
		panic(err)
	}
	if !b.hasTuning {
		panic("controlloop: tuning is required")
	}
	if err := b.cfg.Validate(); err != nil {
		panic(err)
	}
	if err := b.set.Validate(); err != nil {
		panic(err)
	}
	if err := b.estCfg.Validate(); err != nil {
		panic(err)
	}
	if b.source == nil {
		panic("controlloop: measurement source is required")
	}
	if b.sink == nil {
		panic("controlloop: output sink is required")
	}
	if b.sup == nil {
		panic("controlloop: safety supervisor is required")
	}
	if math.IsNaN(b.initialOut) || math.IsInf(b.initialOut, 0) {
		panic("controlloop: initial output must be finite")
	}
	if b.rampLimit < 0 || math.IsNaN(b.rampLimit) ||
		math.IsInf(b.rampLimit, 0) {
		panic("controlloop: setpoint ramp limit must be finite and non-negative")
	}

	model, err := b.model.Discretize(b.cfg.SampleSeconds())
	if err != nil {
		panic(err)
	}
	est, err := estimation.ForModel(b.model, model, b.estCfg)
	if err != nil {
		panic(err)
	}

	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	l := &Loop{
		HookableBase: control.NewHookableBase(),
		name:         name,
		log:          logger,
		source:       b.source,
		sink:         b.sink,
		sup:          b.sup,
		opt:          optimization.New(),
		processModel: b.model,
		model:        model,
		cfg:          b.cfg,
		set:          b.set,
		estCfg:       b.estCfg,
		est:          est,
		rampLimit:    b.rampLimit,
		prevApplied:  b.initialOut,
	}
	if b.hasInitSP {
		l.sp.jumpTo(b.initialSP)
	}
	return l
}
