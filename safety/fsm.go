// Package safety supervises the control loop from its own clock. The
// supervisor escalates through a fixed ladder of states, latches the severe
// ones until an operator acknowledges them, and gates what the optimizer
// may send to the actuator while an override is active.
package safety

import (
	"fmt"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// A ResetError reports a reset attempted before the latched state was
// acknowledged.
type ResetError struct {
	State control.SafetyState
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("safety: reset refused: %s not acknowledged",
		e.State)
}

// Kind returns KindSafety.
func (e *ResetError) Kind() control.ErrorKind { return control.KindSafety }

// A Transition is one state change, kept for the event log and handed to
// hooks.
type Transition struct {
	From  control.SafetyState
	To    control.SafetyState
	Cause string
	Time  time.Time
}

// machine holds the escalation rules. It is not safe for concurrent use;
// the Supervisor serializes access.
//
// Escalation is immediate. De-escalation from Warning or Alarm waits for a
// streak of calmer checks and then drops to the worst severity seen during
// the streak. Emergency and Shutdown latch until acknowledged and reset.
type machine struct {
	state control.SafetyState
	cause string

	clearTicks int

	streak      int
	streakWorst control.SafetyState

	acked bool
}

func newMachine(clearTicks int) *machine {
	return &machine{
		state:      control.SafetyNormal,
		clearTicks: clearTicks,
	}
}

// observe folds one check's worst condition into the state and returns the
// transition it caused, if any.
func (m *machine) observe(
	severity control.SafetyState,
	cause string,
	now time.Time,
) (Transition, bool) {
	// Escalation always wins, including Shutdown over a latched
	// Emergency.
	if severity > m.state {
		return m.to(severity, cause, now), true
	}

	if m.state.Latched() || m.state == control.SafetyNormal {
		return Transition{}, false
	}

	// Warning or Alarm with a calmer observation.
	if severity == m.state {
		m.streak = 0
		m.streakWorst = control.SafetyNormal
		m.cause = cause
		return Transition{}, false
	}

	m.streak++
	if severity > m.streakWorst {
		m.streakWorst = severity
	}
	if m.streak < m.clearTicks {
		return Transition{}, false
	}

	target := m.streakWorst
	cause = "condition cleared"
	if target != control.SafetyNormal {
		cause = "condition eased"
	}
	return m.to(target, cause, now), true
}

// acknowledge marks a latched state as seen by the operator. Acknowledging
// with nothing latched is a no-op.
func (m *machine) acknowledge() {
	if m.state.Latched() {
		m.acked = true
	}
}

// reset returns a latched, acknowledged machine to Normal. Resetting from
// Normal is a no-op; resetting a latched state that has not been
// acknowledged is refused.
func (m *machine) reset(now time.Time) (Transition, bool, error) {
	if !m.state.Latched() {
		return Transition{}, false, nil
	}
	if !m.acked {
		return Transition{}, false, &ResetError{State: m.state}
	}
	return m.to(control.SafetyNormal, "operator reset", now), true, nil
}

func (m *machine) to(
	state control.SafetyState,
	cause string,
	now time.Time,
) Transition {
	tr := Transition{From: m.state, To: state, Cause: cause, Time: now}
	m.state = state
	m.cause = cause
	m.streak = 0
	m.streakWorst = control.SafetyNormal
	m.acked = false
	return tr
}
