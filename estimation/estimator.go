// Package estimation turns raw measurements into the state estimate the
// optimizer plans from. Filters reject unusable measurements and hold their
// previous estimate instead of failing; the loop decides when repeated
// rejections warrant escalation.
package estimation

import (
	"math"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// An Estimate is one filter output. State is a copy and safe to keep.
type Estimate struct {
	// Output is the filtered plant output in engineering units.
	Output float64

	// State realizes the estimate in the sampled model's coordinates.
	State *mat.VecDense

	Time time.Time

	// Held reports that the last measurement was rejected and the
	// estimate carried over. Rejections counts how many in a row.
	Held       bool
	Rejections int
}

// An Estimator maintains the plant state between cycles. The control loop
// is the only writer: it calls Update once per cycle with the fresh
// measurement and NotifyApplied after actuation. Current may be called from
// any goroutine.
type Estimator interface {
	// Update ingests a measurement and returns the corrected estimate.
	// A rejected measurement returns the held estimate together with an
	// EstimationError describing why.
	Update(measurement float64) (Estimate, error)

	// NotifyApplied advances the internal model by one sample under the
	// output that actually reached the actuator.
	NotifyApplied(u float64)

	// Current returns the latest estimate without modifying it.
	Current() Estimate

	// Seed initializes the filter to a steady plant at the given output
	// and held input.
	Seed(output, input float64)

	// Residuals reports innovation statistics over the recent window.
	Residuals() ResidualStats
}

// A Config tunes a filter. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	// Blend weights the measurement against the model prediction in the
	// blending filter. 1 trusts the measurement alone.
	Blend float64

	// ProcessNoise and MeasurementNoise are the Kalman filter's Q scale
	// and R.
	ProcessNoise     float64
	MeasurementNoise float64

	// InitialCovariance seeds the Kalman covariance diagonal.
	InitialCovariance float64

	// RangeMin and RangeMax bound believable measurements. Values
	// outside are rejected the same way NaN is.
	RangeMin, RangeMax float64

	// ResidualWindow is how many innovations the quality statistics
	// cover.
	ResidualWindow int
}

// DefaultConfig returns a tuning that trusts measurements heavily and
// accepts any finite value.
func DefaultConfig() Config {
	return Config{
		Blend:             0.9,
		ProcessNoise:      1e-3,
		MeasurementNoise:  1e-2,
		InitialCovariance: 1.0,
		RangeMin:          math.Inf(-1),
		RangeMax:          math.Inf(1),
		ResidualWindow:    120,
	}
}

// Validate checks the tuning.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.Blend) || c.Blend <= 0 || c.Blend > 1:
		return &control.ConfigurationError{
			Field:  "estimator.blend",
			Reason: "must be in (0, 1]",
		}
	case c.ProcessNoise <= 0 || math.IsNaN(c.ProcessNoise):
		return &control.ConfigurationError{
			Field:  "estimator.process_noise",
			Reason: "must be positive",
		}
	case c.MeasurementNoise <= 0 || math.IsNaN(c.MeasurementNoise):
		return &control.ConfigurationError{
			Field:  "estimator.measurement_noise",
			Reason: "must be positive",
		}
	case c.InitialCovariance <= 0 || math.IsNaN(c.InitialCovariance):
		return &control.ConfigurationError{
			Field:  "estimator.initial_covariance",
			Reason: "must be positive",
		}
	case math.IsNaN(c.RangeMin) || math.IsNaN(c.RangeMax):
		return &control.ConfigurationError{
			Field:  "estimator.range",
			Reason: "bounds cannot be NaN",
		}
	case c.RangeMin >= c.RangeMax:
		return &control.ConfigurationError{
			Field:  "estimator.range",
			Reason: "min must be below max",
		}
	case c.ResidualWindow < 1:
		return &control.ConfigurationError{
			Field:  "estimator.residual_window",
			Reason: "must be at least 1",
		}
	}
	return nil
}

// ForModel returns the filter suited to the model family: a full Kalman
// filter for state-space models, whose identified covariance structure it
// can exploit, and the lighter blending filter for FOPDT and ARX.
func ForModel(
	m control.ProcessModel,
	d *control.DiscreteModel,
	cfg Config,
) (Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch m.(type) {
	case control.StateSpace:
		return NewKalman(d, cfg), nil
	default:
		return NewBlending(d, cfg), nil
	}
}

// screen rejects measurements no filter should ingest.
func screen(y float64, cfg Config) error {
	switch {
	case math.IsNaN(y):
		return &control.EstimationError{
			Value:  y,
			Reason: "not a number",
		}
	case math.IsInf(y, 0):
		return &control.EstimationError{
			Value:  y,
			Reason: "infinite",
		}
	case y < cfg.RangeMin || y > cfg.RangeMax:
		return &control.EstimationError{
			Value:  y,
			Reason: "outside validity range",
		}
	}
	return nil
}

// ResidualStats summarizes recent innovations. A drifting mean or growing
// deviation signals model mismatch.
type ResidualStats struct {
	Mean  float64
	Std   float64
	Count int
}

// residualRing keeps the last n innovations.
type residualRing struct {
	buf  []float64
	next int
	full bool
}

func newResidualRing(n int) *residualRing {
	return &residualRing{buf: make([]float64, n)}
}

func (r *residualRing) Add(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *residualRing) Stats() ResidualStats {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return ResidualStats{}
	}

	window := r.buf[:n]
	s := ResidualStats{
		Mean:  stat.Mean(window, nil),
		Count: n,
	}
	if n > 1 {
		s.Std = stat.StdDev(window, nil)
	}
	return s
}
