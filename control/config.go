package control

import (
	"math"
	"time"
)

// A ControllerConfig carries the tuning of one control loop. Configs are
// value types: the loop holds the active one behind an atomic pointer and
// replacement is all or nothing.
type ControllerConfig struct {
	// PredictionHorizon is the number of future samples the optimizer
	// scores, and ControlHorizon the number of free moves it plans.
	// Inputs beyond the control horizon hold the last planned move.
	PredictionHorizon int
	ControlHorizon    int

	// SampleTime is the control loop period.
	SampleTime time.Duration

	// TrackingWeight penalizes squared setpoint error at each predicted
	// sample, EffortWeight squared input magnitude at each planned move,
	// and TerminalWeight adds extra tracking penalty on the final
	// predicted sample. Zero disables a term.
	TrackingWeight float64
	EffortWeight   float64
	TerminalWeight float64

	// SlackPenalty prices the shared relaxation variable that keeps the
	// problem feasible when soft output bounds cannot all be met.
	SlackPenalty float64

	// SolverBudget caps the wall-clock time of one solve and
	// SolverMaxIterations the dual ascent sweeps. Whichever trips first
	// ends the solve with the best iterate so far.
	SolverBudget        time.Duration
	SolverMaxIterations int

	// Version increases with every accepted replacement so records can
	// attribute a cycle to the tuning that produced it.
	Version int
}

// Validate checks the tuning and returns a ConfigurationError naming the
// first offending field.
func (c ControllerConfig) Validate() error {
	switch {
	case c.ControlHorizon < 1:
		return &ConfigurationError{
			Field:  "controller.control_horizon",
			Reason: "must be at least 1",
		}
	case c.PredictionHorizon < c.ControlHorizon:
		return &ConfigurationError{
			Field:  "controller.prediction_horizon",
			Reason: "must be at least the control horizon",
		}
	case c.SampleTime <= 0:
		return &ConfigurationError{
			Field:  "controller.sample_time",
			Reason: "must be positive",
		}
	case !isFiniteNonNegative(c.TrackingWeight):
		return &ConfigurationError{
			Field:  "controller.tracking_weight",
			Reason: "must be finite and non-negative",
		}
	case !isFiniteNonNegative(c.EffortWeight):
		return &ConfigurationError{
			Field:  "controller.effort_weight",
			Reason: "must be finite and non-negative",
		}
	case !isFiniteNonNegative(c.TerminalWeight):
		return &ConfigurationError{
			Field:  "controller.terminal_weight",
			Reason: "must be finite and non-negative",
		}
	case c.TrackingWeight == 0 && c.TerminalWeight == 0:
		return &ConfigurationError{
			Field:  "controller.tracking_weight",
			Reason: "tracking and terminal weight cannot both be zero",
		}
	case !isFiniteNonNegative(c.SlackPenalty) || c.SlackPenalty == 0:
		return &ConfigurationError{
			Field:  "controller.slack_penalty",
			Reason: "must be finite and positive",
		}
	case c.SolverBudget <= 0:
		return &ConfigurationError{
			Field:  "controller.solver_budget",
			Reason: "must be positive",
		}
	case c.SolverBudget >= c.SampleTime:
		return &ConfigurationError{
			Field:  "controller.solver_budget",
			Reason: "must leave time in the sample period for I/O",
		}
	case c.SolverMaxIterations < 1:
		return &ConfigurationError{
			Field:  "controller.solver_max_iterations",
			Reason: "must be at least 1",
		}
	}
	return nil
}

// SampleSeconds returns the loop period in seconds, the unit the model
// mathematics work in.
func (c ControllerConfig) SampleSeconds() float64 {
	return c.SampleTime.Seconds()
}

// A ConstraintSet bounds the planned inputs and predicted outputs. Bounds
// are per sample and constant across the horizon. Use infinities to leave a
// side open.
type ConstraintSet struct {
	// Input magnitude bounds, hard.
	UMin, UMax float64

	// Input move bounds per sample, hard. The first move is measured
	// against the output applied on the previous cycle.
	DUMin, DUMax float64

	// Output bounds. Soft by default: the solver may relax them through
	// the shared slack variable and reports that it did. Marking them
	// hard makes relaxation a solver failure instead.
	YMin, YMax float64
	YHard      bool
}

// Unbounded returns a ConstraintSet with every side open.
func Unbounded() ConstraintSet {
	inf := math.Inf(1)
	return ConstraintSet{
		UMin: -inf, UMax: inf,
		DUMin: -inf, DUMax: inf,
		YMin: -inf, YMax: inf,
	}
}

// Validate checks ordering and rejects NaN bounds.
func (s ConstraintSet) Validate() error {
	pairs := []struct {
		name     string
		min, max float64
	}{
		{"constraints.u", s.UMin, s.UMax},
		{"constraints.du", s.DUMin, s.DUMax},
		{"constraints.y", s.YMin, s.YMax},
	}
	for _, p := range pairs {
		if math.IsNaN(p.min) || math.IsNaN(p.max) {
			return &ConfigurationError{
				Field:  p.name,
				Reason: "bounds cannot be NaN",
			}
		}
		if p.min > p.max {
			return &ConfigurationError{
				Field:  p.name,
				Reason: "min exceeds max",
			}
		}
	}
	return nil
}

// ClampInput forces u into the hard input bounds.
func (s ConstraintSet) ClampInput(u float64) float64 {
	if u < s.UMin {
		return s.UMin
	}
	if u > s.UMax {
		return s.UMax
	}
	return u
}

func isFiniteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
