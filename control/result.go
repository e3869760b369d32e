package control

import (
	"fmt"
	"time"
)

// SolverStatus is the terminal condition of one optimization solve.
type SolverStatus int

const (
	// SolverSkipped means the cycle never ran the solver, because the
	// supervisor was overriding the actuator.
	SolverSkipped SolverStatus = iota

	// SolverConverged means the dual ascent met its tolerance.
	SolverConverged

	// SolverIterationLimit means the sweep budget ran out first. The
	// returned trajectory is the best iterate and is still feasible.
	SolverIterationLimit

	// SolverTimedOut means the wall-clock budget or the cycle deadline
	// expired mid-solve.
	SolverTimedOut

	// SolverInfeasible means no trajectory satisfies the hard
	// constraints.
	SolverInfeasible
)

func (s SolverStatus) String() string {
	switch s {
	case SolverSkipped:
		return "skipped"
	case SolverConverged:
		return "converged"
	case SolverIterationLimit:
		return "iteration_limit"
	case SolverTimedOut:
		return "timed_out"
	case SolverInfeasible:
		return "infeasible"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Usable reports whether a solve with this status produced a trajectory the
// loop may apply.
func (s SolverStatus) Usable() bool {
	return s == SolverConverged || s == SolverIterationLimit
}

// SafetyState is the supervisor's escalation ladder. States only compare by
// severity; transitions live in the safety package.
type SafetyState int

const (
	SafetyNormal SafetyState = iota
	SafetyWarning
	SafetyAlarm
	SafetyEmergency
	SafetyShutdown
)

func (s SafetyState) String() string {
	switch s {
	case SafetyNormal:
		return "normal"
	case SafetyWarning:
		return "warning"
	case SafetyAlarm:
		return "alarm"
	case SafetyEmergency:
		return "emergency"
	case SafetyShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Latched reports whether the state holds until an operator acknowledges
// and resets it.
func (s SafetyState) Latched() bool {
	return s == SafetyEmergency || s == SafetyShutdown
}

// Overriding reports whether the supervisor takes the actuator away from
// the optimizer in this state.
func (s SafetyState) Overriding() bool {
	return s == SafetyEmergency || s == SafetyShutdown
}

// A ControlCycleResult is the record of one pass through the loop:
// measure, estimate, optimize, gate, actuate. Every cycle produces exactly
// one, including degraded and overridden ones.
type ControlCycleResult struct {
	ID   string
	Seq  uint64
	Time time.Time

	// Inputs to the cycle.
	Setpoint         float64
	Measurement      float64
	MeasurementValid bool
	Estimate         float64

	// What the optimizer planned. Trajectory holds the planned moves up
	// to the control horizon; only the first is ever applied.
	Trajectory []float64
	Proposed   float64
	Status     SolverStatus
	Iterations int
	Cost       float64
	Feasible   bool
	Relaxed    bool
	SolveTime  time.Duration

	// What actually reached the actuator.
	Applied     float64
	Degraded    bool
	Overridden  bool
	SafetyState SafetyState

	// Overrun marks a cycle that missed its deadline.
	Overrun bool

	// Fault carries the classified error of a degraded cycle, empty
	// otherwise.
	Fault string
}
