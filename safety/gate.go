package safety

import (
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// Gate decides what actually reaches the actuator. In Normal through Alarm
// the optimizer's proposal passes, clamped to the hard input bounds as a
// last line of defense. In Emergency and Shutdown the proposal is discarded
// and the configured fallback drives the output instead; the fallback is
// clamped the same way, so the actuator never sees an out-of-range command.
func (s *Supervisor) Gate(
	proposed float64,
	prevApplied float64,
	set control.ConstraintSet,
	period time.Duration,
) (float64, bool) {
	state := s.State()
	if !state.Overriding() {
		return set.ClampInput(proposed), false
	}

	fb := s.fallback()
	var out float64
	switch fb.Kind {
	case RampToSafe:
		out = rampToward(prevApplied, fb.Target,
			fb.Rate*period.Seconds())
	case DeEnergize:
		out = 0
	default:
		out = prevApplied
	}
	return set.ClampInput(out), true
}

// rampToward moves from toward target by at most step.
func rampToward(from, target, step float64) float64 {
	if step <= 0 {
		return from
	}
	switch {
	case from < target:
		if from+step > target {
			return target
		}
		return from + step
	case from > target:
		if from-step < target {
			return target
		}
		return from - step
	}
	return target
}
