package estimation

import (
	"sync"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// A Kalman filter runs the full predict and update recursion over the
// sampled model, tracking estimate covariance. It serves state-space
// models, where the identified structure justifies the extra arithmetic.
type Kalman struct {
	mu sync.Mutex

	model *control.DiscreteModel
	cfg   Config

	x         *mat.VecDense
	p         *mat.Dense
	lastInput float64
	est       Estimate
	residuals *residualRing
}

// NewKalman creates a Kalman filter over the sampled model.
func NewKalman(d *control.DiscreteModel, cfg Config) *Kalman {
	n := d.Order()
	f := &Kalman{
		model:     d,
		cfg:       cfg,
		x:         mat.NewVecDense(n, nil),
		p:         mat.NewDense(n, n, nil),
		residuals: newResidualRing(cfg.ResidualWindow),
	}
	f.resetCovariance()
	return f
}

func (f *Kalman) resetCovariance() {
	n := f.model.Order()
	f.p.Zero()
	for i := 0; i < n; i++ {
		f.p.Set(i, i, f.cfg.InitialCovariance)
	}
}

// Update corrects the estimate with a measurement. Rejected measurements
// hold the previous estimate and report an EstimationError; the covariance
// keeps growing through the missed updates, so the next accepted
// measurement pulls harder.
func (f *Kalman) Update(measurement float64) (Estimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := screen(measurement, f.cfg); err != nil {
		f.est.Held = true
		f.est.Rejections++
		f.est.Time = time.Now()
		return f.snapshot(), err
	}

	c := f.model.Cd
	predicted := f.model.Output(f.x, f.lastInput)
	innovation := measurement - predicted
	f.residuals.Add(innovation)

	// Gain K = P C' / (C P C' + R).
	n := f.x.Len()
	pc := mat.NewVecDense(n, nil)
	pc.MulVec(f.p, c)
	s := mat.Dot(c, pc) + f.cfg.MeasurementNoise
	gain := mat.NewVecDense(n, nil)
	gain.ScaleVec(1/s, pc)

	f.x.AddScaledVec(f.x, innovation, gain)

	// P = (I - K C) P.
	var kc mat.Dense
	kc.Outer(1, gain, c)
	ikc := eyeMinus(&kc)
	var next mat.Dense
	next.Mul(ikc, f.p)
	f.p.Copy(&next)

	f.est = Estimate{
		Output: f.model.Output(f.x, f.lastInput),
		Time:   time.Now(),
	}
	return f.snapshot(), nil
}

// NotifyApplied runs the prediction step under the applied output. A held
// estimate keeps propagating this way while measurements are rejected.
func (f *Kalman) NotifyApplied(u float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.model.Step(f.x, u)
	f.lastInput = u
	f.est.Output = f.model.Output(f.x, u)
	f.est.Time = time.Now()

	// P = Ad P Ad' + Q.
	var ap, apa mat.Dense
	ap.Mul(f.model.Ad, f.p)
	apa.Mul(&ap, f.model.Ad.T())
	n := f.x.Len()
	for i := 0; i < n; i++ {
		apa.Set(i, i, apa.At(i, i)+f.cfg.ProcessNoise)
	}
	f.p.Copy(&apa)
}

// Current returns the latest estimate.
func (f *Kalman) Current() Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

// Seed initializes the filter to a steady plant and resets covariance.
func (f *Kalman) Seed(output, input float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.x = f.model.InitialState(output, input)
	f.lastInput = input
	f.resetCovariance()
	f.est = Estimate{Output: output, Time: time.Now()}
	f.residuals = newResidualRing(f.cfg.ResidualWindow)
}

// Residuals reports innovation statistics over the recent window.
func (f *Kalman) Residuals() ResidualStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.residuals.Stats()
}

func (f *Kalman) snapshot() Estimate {
	e := f.est
	e.State = mat.VecDenseCopyOf(f.x)
	return e
}

// eyeMinus returns I - m.
func eyeMinus(m *mat.Dense) *mat.Dense {
	n, _ := m.Dims()
	out := mat.NewDense(n, n, nil)
	out.Scale(-1, m)
	for i := 0; i < n; i++ {
		out.Set(i, i, out.At(i, i)+1)
	}
	return out
}
