package controlloop

import "math"

// A setpoint tracks the operator's target and, when a ramp rate is set,
// walks the working reference toward it one period at a time. The loop
// owns it; callers go through Loop.SetSetpoint and Loop.RampSetpoint.
type setpoint struct {
	target  float64
	rate    float64 // units per second, 0 jumps immediately
	current float64
	primed  bool
}

func (s *setpoint) jumpTo(v float64) {
	s.target = v
	s.rate = 0
	s.current = v
	s.primed = true
}

func (s *setpoint) rampTo(v, rate float64) {
	s.target = v
	s.rate = rate
	s.primed = true
}

// prime seeds an unset setpoint from the first measurement so startup is
// bumpless.
func (s *setpoint) prime(v float64) {
	if s.primed {
		return
	}
	s.target = v
	s.current = v
	s.primed = true
}

// advance moves the working reference one period toward the target and
// returns it.
func (s *setpoint) advance(dt float64) float64 {
	s.current = stepToward(s.current, s.target, s.rate*dt)
	return s.current
}

// horizon projects the reference over the prediction horizon, continuing
// the ramp into the future so the optimizer sees where the reference is
// going instead of chasing a moving constant.
func (s *setpoint) horizon(np int, dt float64) []float64 {
	ref := make([]float64, np)
	v := s.current
	for i := range ref {
		v = stepToward(v, s.target, s.rate*dt)
		ref[i] = v
	}
	return ref
}

// stepToward moves from toward target by at most step; a zero step jumps.
func stepToward(from, target, step float64) float64 {
	if step <= 0 || math.IsInf(step, 1) {
		return target
	}
	if math.Abs(target-from) <= step {
		return target
	}
	if target > from {
		return from + step
	}
	return from - step
}
