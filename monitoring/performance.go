package monitoring

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/reh3376/ignition-tools-sub002/control"
)

const defaultTrackingWindow = 256

// TrackingStats summarizes the tracking errors of recent cycles.
type TrackingStats struct {
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean_error"`
	StdDev  float64 `json:"stddev"`
	RMSE    float64 `json:"rmse"`
	MaxAbs  float64 `json:"max_abs_error"`
}

// A Tracker keeps a sliding window of setpoint tracking errors. It is a
// hook; attach it to a loop and it samples every completed cycle with a
// valid measurement.
type Tracker struct {
	mu     sync.Mutex
	window int
	errs   []float64
	next   int
	full   bool
}

// NewTracker creates a tracker over the given window size; zero or
// negative picks the default.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = defaultTrackingWindow
	}

	return &Tracker{
		window: window,
		errs:   make([]float64, window),
	}
}

// Func implements control.Hook.
func (t *Tracker) Func(ctx control.HookCtx) {
	if ctx.Pos != control.HookPosCycleDone {
		return
	}

	res, ok := ctx.Item.(control.ControlCycleResult)
	if !ok || !res.MeasurementValid {
		return
	}

	t.Add(res.Setpoint - res.Measurement)
}

// Add records one tracking error sample.
func (t *Tracker) Add(e float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errs[t.next] = e
	t.next++

	if t.next == t.window {
		t.next = 0
		t.full = true
	}
}

// Stats summarizes the current window.
func (t *Tracker) Stats() TrackingStats {
	t.mu.Lock()

	n := t.next
	if t.full {
		n = t.window
	}

	errs := append([]float64(nil), t.errs[:n]...)

	t.mu.Unlock()

	if n == 0 {
		return TrackingStats{}
	}

	s := TrackingStats{
		Samples: n,
		Mean:    stat.Mean(errs, nil),
	}

	if n > 1 {
		s.StdDev = stat.StdDev(errs, nil)
	}

	var sq float64
	for _, e := range errs {
		sq += e * e

		if a := math.Abs(e); a > s.MaxAbs {
			s.MaxAbs = a
		}
	}

	s.RMSE = math.Sqrt(sq / float64(n))

	return s
}
