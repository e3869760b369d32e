package safety

import (
	"fmt"
	"math"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// FallbackKind selects what the gate drives the actuator with while an
// override is active.
type FallbackKind int

const (
	// Hold keeps the last applied output.
	Hold FallbackKind = iota

	// RampToSafe walks the output toward a configured safe target at a
	// bounded rate.
	RampToSafe

	// DeEnergize drives the output to zero immediately.
	DeEnergize
)

func (k FallbackKind) String() string {
	switch k {
	case Hold:
		return "hold"
	case RampToSafe:
		return "ramp_to_safe"
	case DeEnergize:
		return "de_energize"
	}
	return fmt.Sprintf("fallback(%d)", int(k))
}

// A Fallback is the override strategy. Target and Rate only matter for
// RampToSafe; Rate is in output units per second.
type Fallback struct {
	Kind   FallbackKind
	Target float64
	Rate   float64
}

// A Config tunes the supervisor. Limits nest: the warning band sits inside
// the alarm band, which sits inside the trip band. Crossing a band edge
// raises the matching state.
type Config struct {
	// WatchdogInterval is the supervisor's own period, independent of
	// and shorter than the control period.
	WatchdogInterval time.Duration

	// HeartbeatTimeout is how stale the loop's heartbeat may grow
	// before the supervisor declares the loop dead.
	HeartbeatTimeout time.Duration

	// Estimate bands. Use infinities to disable a side.
	WarnLow, WarnHigh   float64
	AlarmLow, AlarmHigh float64
	TripLow, TripHigh   float64

	// MaxRejections is the consecutive estimation rejections tolerated
	// before an Alarm. MaxDegraded is the same for degraded cycles;
	// degradation continuing past twice MaxDegraded trips Emergency.
	MaxRejections int
	MaxDegraded   int

	// ClearChecks is how many consecutive calmer watchdog checks drop a
	// Warning or Alarm.
	ClearChecks int

	Fallback Fallback
}

// DefaultConfig returns a supervisor tuning with all bands open: it only
// watches the heartbeat and the loop's own fault counters until limits are
// configured.
func DefaultConfig() Config {
	inf := math.Inf(1)
	return Config{
		WatchdogInterval: 100 * time.Millisecond,
		HeartbeatTimeout: 3 * time.Second,
		WarnLow:          -inf,
		WarnHigh:         inf,
		AlarmLow:         -inf,
		AlarmHigh:        inf,
		TripLow:          -inf,
		TripHigh:         inf,
		MaxRejections:    5,
		MaxDegraded:      5,
		ClearChecks:      3,
		Fallback:         Fallback{Kind: Hold},
	}
}

// Validate checks the tuning and returns a ConfigurationError naming the
// first offending field.
func (c Config) Validate() error {
	switch {
	case c.WatchdogInterval <= 0:
		return &control.ConfigurationError{
			Field:  "safety.watchdog_interval",
			Reason: "must be positive",
		}
	case c.HeartbeatTimeout <= c.WatchdogInterval:
		return &control.ConfigurationError{
			Field:  "safety.heartbeat_timeout",
			Reason: "must exceed the watchdog interval",
		}
	case c.MaxRejections < 1:
		return &control.ConfigurationError{
			Field:  "safety.max_rejections",
			Reason: "must be at least 1",
		}
	case c.MaxDegraded < 1:
		return &control.ConfigurationError{
			Field:  "safety.max_degraded",
			Reason: "must be at least 1",
		}
	case c.ClearChecks < 1:
		return &control.ConfigurationError{
			Field:  "safety.clear_checks",
			Reason: "must be at least 1",
		}
	}

	bands := []struct {
		name     string
		low, high float64
	}{
		{"safety.warn", c.WarnLow, c.WarnHigh},
		{"safety.alarm", c.AlarmLow, c.AlarmHigh},
		{"safety.trip", c.TripLow, c.TripHigh},
	}
	for _, b := range bands {
		if math.IsNaN(b.low) || math.IsNaN(b.high) {
			return &control.ConfigurationError{
				Field:  b.name,
				Reason: "limits cannot be NaN",
			}
		}
		if b.low >= b.high {
			return &control.ConfigurationError{
				Field:  b.name,
				Reason: "low must be below high",
			}
		}
	}
	if c.AlarmLow > c.WarnLow || c.AlarmHigh < c.WarnHigh {
		return &control.ConfigurationError{
			Field:  "safety.alarm",
			Reason: "alarm band must contain the warning band",
		}
	}
	if c.TripLow > c.AlarmLow || c.TripHigh < c.AlarmHigh {
		return &control.ConfigurationError{
			Field:  "safety.trip",
			Reason: "trip band must contain the alarm band",
		}
	}

	if c.Fallback.Kind == RampToSafe {
		if c.Fallback.Rate <= 0 || math.IsNaN(c.Fallback.Rate) {
			return &control.ConfigurationError{
				Field:  "safety.fallback.rate",
				Reason: "must be positive",
			}
		}
		if math.IsNaN(c.Fallback.Target) ||
			math.IsInf(c.Fallback.Target, 0) {
			return &control.ConfigurationError{
				Field:  "safety.fallback.target",
				Reason: "must be finite",
			}
		}
	}

	return nil
}

// classify maps an estimate to the severity its band crossing warrants.
func (c Config) classify(estimate float64) (control.SafetyState, string) {
	switch {
	case estimate < c.TripLow || estimate > c.TripHigh:
		return control.SafetyEmergency, violationCause(
			"estimate", estimate, c.TripLow, c.TripHigh)
	case estimate < c.AlarmLow || estimate > c.AlarmHigh:
		return control.SafetyAlarm, violationCause(
			"estimate", estimate, c.AlarmLow, c.AlarmHigh)
	case estimate < c.WarnLow || estimate > c.WarnHigh:
		return control.SafetyWarning, violationCause(
			"estimate", estimate, c.WarnLow, c.WarnHigh)
	}
	return control.SafetyNormal, ""
}

func violationCause(signal string, v, low, high float64) string {
	bound := high
	if v < low {
		bound = low
	}
	return (&control.SafetyViolation{
		Signal: signal,
		Value:  v,
		Limit:  bound,
	}).Error()
}
