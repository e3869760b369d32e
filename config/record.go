// Package config loads and hot-reloads the controller's versioned YAML
// record. A record maps one to one onto the domain configurations; it is
// validated in full before any of it becomes active, so a running loop
// only ever sees configurations that passed every check.
package config

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/estimation"
	"github.com/reh3376/ignition-tools-sub002/plantio"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// Duration wraps time.Duration so YAML records can say "250ms" instead of
// counting nanoseconds. Bare integers still decode as nanoseconds.
type Duration time.Duration

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return &control.ConfigurationError{
				Field:  "duration",
				Reason: fmt.Sprintf("cannot parse %q", s),
			}
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := node.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// A Record is one complete controller configuration as persisted on disk.
// Version must increase with every accepted replacement; cycle records and
// safety events carry it so any logged decision can be traced back to the
// exact tuning that produced it.
type Record struct {
	Version int `yaml:"version"`

	Loop           LoopBlock        `yaml:"loop"`
	Model          ModelBlock       `yaml:"model"`
	Constraints    ConstraintsBlock `yaml:"constraints"`
	EstimatorBlock EstimatorBlock   `yaml:"estimator"`
	Safety         SafetyBlock      `yaml:"safety"`
	Plant          PlantBlock       `yaml:"plant"`
	Recording      RecordingBlock   `yaml:"recording"`
	Monitoring     MonitoringBlock  `yaml:"monitoring"`
}

// LoopBlock carries the controller tuning and the loop's startup state.
type LoopBlock struct {
	Name                string   `yaml:"name"`
	SampleTime          Duration `yaml:"sample_time"`
	PredictionHorizon   int      `yaml:"prediction_horizon"`
	ControlHorizon      int      `yaml:"control_horizon"`
	TrackingWeight      float64  `yaml:"tracking_weight"`
	EffortWeight        float64  `yaml:"effort_weight"`
	TerminalWeight      float64  `yaml:"terminal_weight"`
	SlackPenalty        float64  `yaml:"slack_penalty"`
	SolverBudget        Duration `yaml:"solver_budget"`
	SolverMaxIterations int      `yaml:"solver_max_iterations"`

	// InitialSetpoint is optional; without it the loop adopts the first
	// measurement as its target. SetpointRampRate, when set, limits how
	// fast later setpoint changes walk the reference.
	InitialSetpoint  *float64 `yaml:"initial_setpoint,omitempty"`
	SetpointRampRate *float64 `yaml:"setpoint_ramp_rate,omitempty"`
	InitialOutput    float64  `yaml:"initial_output"`
}

// ModelBlock selects one process-model family by kind.
type ModelBlock struct {
	Kind       string           `yaml:"kind"`
	FOPDT      *FOPDTBlock      `yaml:"fopdt,omitempty"`
	StateSpace *StateSpaceBlock `yaml:"state_space,omitempty"`
	ARX        *ARXBlock        `yaml:"arx,omitempty"`
}

type FOPDTBlock struct {
	Gain         float64 `yaml:"gain"`
	TimeConstant float64 `yaml:"time_constant"`
	DeadTime     float64 `yaml:"dead_time"`
}

type StateSpaceBlock struct {
	A [][]float64 `yaml:"a"`
	B []float64   `yaml:"b"`
	C []float64   `yaml:"c"`
	D *float64    `yaml:"d,omitempty"`
}

type ARXBlock struct {
	OutputCoeffs []float64 `yaml:"output_coeffs"`
	InputCoeffs  []float64 `yaml:"input_coeffs"`
	Delay        int       `yaml:"delay"`
}

// ConstraintsBlock holds operating bounds. Absent fields mean unbounded.
type ConstraintsBlock struct {
	UMin  *float64 `yaml:"u_min,omitempty"`
	UMax  *float64 `yaml:"u_max,omitempty"`
	DUMin *float64 `yaml:"du_min,omitempty"`
	DUMax *float64 `yaml:"du_max,omitempty"`
	YMin  *float64 `yaml:"y_min,omitempty"`
	YMax  *float64 `yaml:"y_max,omitempty"`

	// YHard makes the output bounds hard instead of slack-relaxed.
	YHard bool `yaml:"y_hard,omitempty"`
}

// EstimatorBlock tunes the state estimator. Zero fields fall back to the
// estimation defaults so a minimal record stays short.
type EstimatorBlock struct {
	Blend             *float64 `yaml:"blend,omitempty"`
	ProcessNoise      *float64 `yaml:"process_noise,omitempty"`
	MeasurementNoise  *float64 `yaml:"measurement_noise,omitempty"`
	InitialCovariance *float64 `yaml:"initial_covariance,omitempty"`
	RangeMin          *float64 `yaml:"range_min,omitempty"`
	RangeMax          *float64 `yaml:"range_max,omitempty"`
	ResidualWindow    *int     `yaml:"residual_window,omitempty"`
}

// SafetyBlock configures the supervisor. Absent band edges stay open.
type SafetyBlock struct {
	WatchdogInterval Duration `yaml:"watchdog_interval"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	WarnLow   *float64 `yaml:"warn_low,omitempty"`
	WarnHigh  *float64 `yaml:"warn_high,omitempty"`
	AlarmLow  *float64 `yaml:"alarm_low,omitempty"`
	AlarmHigh *float64 `yaml:"alarm_high,omitempty"`
	TripLow   *float64 `yaml:"trip_low,omitempty"`
	TripHigh  *float64 `yaml:"trip_high,omitempty"`

	MaxRejections int `yaml:"max_rejections"`
	MaxDegraded   int `yaml:"max_degraded"`
	ClearChecks   int `yaml:"clear_checks"`

	Fallback FallbackBlock `yaml:"fallback"`
}

type FallbackBlock struct {
	Kind   string  `yaml:"kind"`
	Target float64 `yaml:"target,omitempty"`
	Rate   float64 `yaml:"rate,omitempty"`
}

// PlantBlock selects the measurement source and actuation sink. An empty
// kind runs against the loopback simulator, so a record never actuates
// hardware by accident.
type PlantBlock struct {
	Kind   string       `yaml:"kind,omitempty"`
	Modbus *ModbusBlock `yaml:"modbus,omitempty"`
	CAN    *CANBlock    `yaml:"can,omitempty"`
}

type ModbusBlock struct {
	Address       string   `yaml:"address"`
	SlaveID       uint8    `yaml:"slave_id,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	ReadRegister  uint16   `yaml:"read_register"`
	ReadInput     bool     `yaml:"read_input,omitempty"`
	WriteRegister uint16   `yaml:"write_register"`
	Scale         float64  `yaml:"scale"`
	Offset        float64  `yaml:"offset,omitempty"`
}

type CANBlock struct {
	Interface     string         `yaml:"interface"`
	MeasurementID uint32         `yaml:"measurement_id"`
	Measurement   CANSignalBlock `yaml:"measurement"`
	CommandID     uint32         `yaml:"command_id"`
	CommandLength uint8          `yaml:"command_length"`
	Command       CANSignalBlock `yaml:"command"`
}

type CANSignalBlock struct {
	Bit    uint8   `yaml:"bit"`
	Length uint8   `yaml:"length"`
	Signed bool    `yaml:"signed,omitempty"`
	Factor float64 `yaml:"factor"`
	Offset float64 `yaml:"offset,omitempty"`
}

// RecordingBlock selects the persistence backend.
type RecordingBlock struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

// MonitoringBlock configures the HTTP monitor.
type MonitoringBlock struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Controller maps the loop block onto the controller tuning.
func (r Record) Controller() control.ControllerConfig {
	return control.ControllerConfig{
		PredictionHorizon:   r.Loop.PredictionHorizon,
		ControlHorizon:      r.Loop.ControlHorizon,
		SampleTime:          r.Loop.SampleTime.Std(),
		TrackingWeight:      r.Loop.TrackingWeight,
		EffortWeight:        r.Loop.EffortWeight,
		TerminalWeight:      r.Loop.TerminalWeight,
		SlackPenalty:        r.Loop.SlackPenalty,
		SolverBudget:        r.Loop.SolverBudget.Std(),
		SolverMaxIterations: r.Loop.SolverMaxIterations,
		Version:             r.Version,
	}
}

// ConstraintSet maps the constraints block, treating absent bounds as
// infinite.
func (r Record) ConstraintSet() control.ConstraintSet {
	set := control.Unbounded()
	set.UMin = bound(r.Constraints.UMin, math.Inf(-1))
	set.UMax = bound(r.Constraints.UMax, math.Inf(1))
	set.DUMin = bound(r.Constraints.DUMin, math.Inf(-1))
	set.DUMax = bound(r.Constraints.DUMax, math.Inf(1))
	set.YMin = bound(r.Constraints.YMin, math.Inf(-1))
	set.YMax = bound(r.Constraints.YMax, math.Inf(1))
	set.YHard = r.Constraints.YHard
	return set
}

// ProcessModel builds the model the record's kind selects.
func (r Record) ProcessModel() (control.ProcessModel, error) {
	m := r.Model
	switch m.Kind {
	case "fopdt":
		if m.FOPDT == nil {
			return nil, &control.ConfigurationError{
				Field:  "model.fopdt",
				Reason: "required for kind fopdt",
			}
		}
		return control.FOPDT{
			Gain:         m.FOPDT.Gain,
			TimeConstant: m.FOPDT.TimeConstant,
			DeadTime:     m.FOPDT.DeadTime,
		}, nil

	case "state_space":
		if m.StateSpace == nil {
			return nil, &control.ConfigurationError{
				Field:  "model.state_space",
				Reason: "required for kind state_space",
			}
		}
		return m.StateSpace.build()

	case "arx":
		if m.ARX == nil {
			return nil, &control.ConfigurationError{
				Field:  "model.arx",
				Reason: "required for kind arx",
			}
		}
		return control.ARX{
			OutputCoeffs: append([]float64{}, m.ARX.OutputCoeffs...),
			InputCoeffs:  append([]float64{}, m.ARX.InputCoeffs...),
			Delay:        m.ARX.Delay,
		}, nil

	default:
		return nil, &control.ConfigurationError{
			Field:  "model.kind",
			Reason: fmt.Sprintf("unknown kind %q", m.Kind),
		}
	}
}

func (b StateSpaceBlock) build() (control.ProcessModel, error) {
	n := len(b.A)
	if n == 0 {
		return nil, &control.ConfigurationError{
			Field:  "model.state_space.a",
			Reason: "must not be empty",
		}
	}
	flat := make([]float64, 0, n*n)
	for i, row := range b.A {
		if len(row) != n {
			return nil, &control.ConfigurationError{
				Field: "model.state_space.a",
				Reason: fmt.Sprintf(
					"row %d has %d entries, want %d",
					i, len(row), n),
			}
		}
		flat = append(flat, row...)
	}
	if len(b.B) != n || len(b.C) != n {
		return nil, &control.ConfigurationError{
			Field:  "model.state_space",
			Reason: fmt.Sprintf("b and c must have %d entries", n),
		}
	}

	ss := control.StateSpace{
		A: mat.NewDense(n, n, flat),
		B: mat.NewDense(n, 1, append([]float64{}, b.B...)),
		C: mat.NewDense(1, n, append([]float64{}, b.C...)),
	}
	if b.D != nil {
		ss.D = mat.NewDense(1, 1, []float64{*b.D})
	}
	return ss, nil
}

// Estimator maps the estimator block over the package defaults.
func (r Record) Estimator() estimation.Config {
	cfg := estimation.DefaultConfig()
	e := r.EstimatorBlock
	cfg.Blend = bound(e.Blend, cfg.Blend)
	cfg.ProcessNoise = bound(e.ProcessNoise, cfg.ProcessNoise)
	cfg.MeasurementNoise = bound(e.MeasurementNoise, cfg.MeasurementNoise)
	cfg.InitialCovariance = bound(e.InitialCovariance, cfg.InitialCovariance)
	cfg.RangeMin = bound(e.RangeMin, cfg.RangeMin)
	cfg.RangeMax = bound(e.RangeMax, cfg.RangeMax)
	if e.ResidualWindow != nil {
		cfg.ResidualWindow = *e.ResidualWindow
	}
	return cfg
}

// SafetyConfig maps the safety block over the supervisor defaults.
func (r Record) SafetyConfig() (safety.Config, error) {
	cfg := safety.DefaultConfig()
	s := r.Safety

	if s.WatchdogInterval != 0 {
		cfg.WatchdogInterval = s.WatchdogInterval.Std()
	}
	if s.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = s.HeartbeatTimeout.Std()
	}
	cfg.WarnLow = bound(s.WarnLow, cfg.WarnLow)
	cfg.WarnHigh = bound(s.WarnHigh, cfg.WarnHigh)
	cfg.AlarmLow = bound(s.AlarmLow, cfg.AlarmLow)
	cfg.AlarmHigh = bound(s.AlarmHigh, cfg.AlarmHigh)
	cfg.TripLow = bound(s.TripLow, cfg.TripLow)
	cfg.TripHigh = bound(s.TripHigh, cfg.TripHigh)
	if s.MaxRejections != 0 {
		cfg.MaxRejections = s.MaxRejections
	}
	if s.MaxDegraded != 0 {
		cfg.MaxDegraded = s.MaxDegraded
	}
	if s.ClearChecks != 0 {
		cfg.ClearChecks = s.ClearChecks
	}

	switch s.Fallback.Kind {
	case "", "hold":
		cfg.Fallback = safety.Fallback{Kind: safety.Hold}
	case "ramp_to_safe":
		cfg.Fallback = safety.Fallback{
			Kind:   safety.RampToSafe,
			Target: s.Fallback.Target,
			Rate:   s.Fallback.Rate,
		}
	case "de_energize":
		cfg.Fallback = safety.Fallback{Kind: safety.DeEnergize}
	default:
		return safety.Config{}, &control.ConfigurationError{
			Field:  "safety.fallback.kind",
			Reason: fmt.Sprintf("unknown kind %q", s.Fallback.Kind),
		}
	}

	return cfg, nil
}

// PlantKind returns the normalized plant kind; empty means loopback.
func (r Record) PlantKind() string {
	if r.Plant.Kind == "" {
		return "loopback"
	}
	return r.Plant.Kind
}

// ModbusPlant maps the modbus block.
func (r Record) ModbusPlant() (plantio.ModbusConfig, error) {
	if r.Plant.Modbus == nil {
		return plantio.ModbusConfig{}, &control.ConfigurationError{
			Field:  "plant.modbus",
			Reason: "required for kind modbus",
		}
	}
	b := r.Plant.Modbus
	return plantio.ModbusConfig{
		Address:       b.Address,
		SlaveID:       b.SlaveID,
		Timeout:       b.Timeout.Std(),
		ReadRegister:  b.ReadRegister,
		ReadInput:     b.ReadInput,
		WriteRegister: b.WriteRegister,
		Scale:         b.Scale,
		Offset:        b.Offset,
	}, nil
}

// CANPlant maps the can block.
func (r Record) CANPlant() (plantio.CANConfig, error) {
	if r.Plant.CAN == nil {
		return plantio.CANConfig{}, &control.ConfigurationError{
			Field:  "plant.can",
			Reason: "required for kind can",
		}
	}
	b := r.Plant.CAN
	return plantio.CANConfig{
		Interface:     b.Interface,
		MeasurementID: b.MeasurementID,
		Measurement:   b.Measurement.signal(),
		CommandID:     b.CommandID,
		CommandLength: b.CommandLength,
		Command:       b.Command.signal(),
	}, nil
}

func (b CANSignalBlock) signal() plantio.CANSignal {
	return plantio.CANSignal{
		Bit:    b.Bit,
		Length: b.Length,
		Signed: b.Signed,
		Factor: b.Factor,
		Offset: b.Offset,
	}
}

func (r Record) validatePlant() error {
	switch r.PlantKind() {
	case "loopback":
		return nil
	case "modbus":
		cfg, err := r.ModbusPlant()
		if err != nil {
			return err
		}
		return cfg.Validate()
	case "can":
		cfg, err := r.CANPlant()
		if err != nil {
			return err
		}
		return cfg.Validate()
	default:
		return &control.ConfigurationError{
			Field:  "plant.kind",
			Reason: fmt.Sprintf("unknown kind %q", r.Plant.Kind),
		}
	}
}

// Validate maps every block onto its domain configuration and runs the
// domain validators, so a record that passes here is accepted everywhere.
func (r Record) Validate() error {
	if r.Version < 1 {
		return &control.ConfigurationError{
			Field:  "version",
			Reason: "must be at least 1",
		}
	}
	if r.Loop.Name == "" {
		return &control.ConfigurationError{
			Field:  "loop.name",
			Reason: "required",
		}
	}

	model, err := r.ProcessModel()
	if err != nil {
		return err
	}
	if err := model.Validate(); err != nil {
		return err
	}
	if err := r.Controller().Validate(); err != nil {
		return err
	}
	if err := r.ConstraintSet().Validate(); err != nil {
		return err
	}
	if err := r.Estimator().Validate(); err != nil {
		return err
	}
	safetyCfg, err := r.SafetyConfig()
	if err != nil {
		return err
	}
	if err := safetyCfg.Validate(); err != nil {
		return err
	}
	// The supervisor must tick more often than the loop it watches, or a
	// stalled cycle goes unnoticed for whole periods.
	if safetyCfg.WatchdogInterval >= r.Loop.SampleTime.Std() {
		return &control.ConfigurationError{
			Field:  "safety.watchdog_interval",
			Reason: "must be shorter than the loop sample time",
		}
	}

	if math.IsNaN(r.Loop.InitialOutput) ||
		math.IsInf(r.Loop.InitialOutput, 0) {
		return &control.ConfigurationError{
			Field:  "loop.initial_output",
			Reason: "must be finite",
		}
	}
	if sp := r.Loop.InitialSetpoint; sp != nil &&
		(math.IsNaN(*sp) || math.IsInf(*sp, 0)) {
		return &control.ConfigurationError{
			Field:  "loop.initial_setpoint",
			Reason: "must be finite",
		}
	}
	if rate := r.Loop.SetpointRampRate; rate != nil && *rate <= 0 {
		return &control.ConfigurationError{
			Field:  "loop.setpoint_ramp_rate",
			Reason: "must be positive",
		}
	}

	if err := r.validatePlant(); err != nil {
		return err
	}

	switch r.Recording.Backend {
	case "", "none", "sqlite", "csv":
	default:
		return &control.ConfigurationError{
			Field:  "recording.backend",
			Reason: fmt.Sprintf("unknown backend %q", r.Recording.Backend),
		}
	}

	return nil
}

// Parse decodes and validates one record.
func Parse(data []byte) (Record, error) {
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Record{}, &control.ConfigurationError{
			Field:  "record",
			Reason: err.Error(),
		}
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Encode renders a record back to YAML.
func Encode(r Record) ([]byte, error) {
	return yaml.Marshal(r)
}

func bound(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
