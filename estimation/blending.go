package estimation

import (
	"sync"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// A Blending filter propagates the sampled model under the applied inputs
// and pulls the output coordinate toward each accepted measurement by a
// fixed fraction. It fits first-order and ARX plants, where a full
// covariance recursion buys nothing over a well-chosen blend.
type Blending struct {
	mu sync.Mutex

	model *control.DiscreteModel
	cfg   Config

	x         *mat.VecDense
	lastInput float64
	est       Estimate
	residuals *residualRing
}

// NewBlending creates a blending filter over the sampled model. Seed it
// before the first cycle; until then the estimate is zero.
func NewBlending(d *control.DiscreteModel, cfg Config) *Blending {
	return &Blending{
		model:     d,
		cfg:       cfg,
		x:         mat.NewVecDense(d.Order(), nil),
		residuals: newResidualRing(cfg.ResidualWindow),
	}
}

// Update corrects the estimate with a measurement. Rejected measurements
// hold the previous estimate and report an EstimationError.
func (f *Blending) Update(measurement float64) (Estimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := screen(measurement, f.cfg); err != nil {
		f.est.Held = true
		f.est.Rejections++
		f.est.Time = time.Now()
		return f.snapshot(), err
	}

	predicted := f.model.Output(f.x, f.lastInput)
	innovation := measurement - predicted
	f.residuals.Add(innovation)

	correction := f.cfg.Blend * innovation
	shiftOutput(f.model, f.x, correction)

	f.est = Estimate{
		Output: predicted + correction,
		Time:   time.Now(),
	}
	return f.snapshot(), nil
}

// NotifyApplied advances the model one sample under the applied output.
// The estimate keeps propagating this way while measurements are rejected,
// so a held estimate still reflects the inputs the plant received.
func (f *Blending) NotifyApplied(u float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.model.Step(f.x, u)
	f.lastInput = u
	f.est.Output = f.model.Output(f.x, u)
	f.est.Time = time.Now()
}

// Current returns the latest estimate.
func (f *Blending) Current() Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

// Seed initializes the filter to a steady plant.
func (f *Blending) Seed(output, input float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.x = f.model.InitialState(output, input)
	f.lastInput = input
	f.est = Estimate{Output: output, Time: time.Now()}
	f.residuals = newResidualRing(f.cfg.ResidualWindow)
}

// Residuals reports innovation statistics over the recent window.
func (f *Blending) Residuals() ResidualStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.residuals.Stats()
}

func (f *Blending) snapshot() Estimate {
	e := f.est
	e.State = mat.VecDenseCopyOf(f.x)
	return e
}

// shiftOutput moves the first observed coordinate so the realized output
// changes by exactly delta.
func shiftOutput(d *control.DiscreteModel, x *mat.VecDense, delta float64) {
	for i := 0; i < x.Len(); i++ {
		if c := d.Cd.AtVec(i); c != 0 {
			x.SetVec(i, x.AtVec(i)+delta/c)
			return
		}
	}
}
