// Package control defines the data model shared by the predictive control
// runtime: process models, controller configuration, constraint sets, cycle
// results, the fault taxonomy, and the hook plumbing that lets other
// packages observe the loop without coupling to it.
package control

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// A ProcessModel describes plant dynamics in continuous or sampled form.
// The union is closed: FOPDT, StateSpace, and ARX are the only variants.
// Models are immutable once validated; replacing a model mid-run goes
// through the loop's swap operation, never through mutation.
type ProcessModel interface {
	// Name returns the variant name for logs and records.
	Name() string

	// Validate checks the parameters and returns a ConfigurationError
	// describing the first offending field.
	Validate() error

	// Order returns the state dimension of the discrete realization,
	// including any dead-time registers.
	Order(sampleTime float64) int

	// Discretize returns the sampled realization of the model at the
	// given sample time in seconds.
	Discretize(sampleTime float64) (*DiscreteModel, error)

	isProcessModel()
}

// A FOPDT model is a first-order plant with gain, time constant, and dead
// time, all in engineering units and seconds.
type FOPDT struct {
	Gain         float64
	TimeConstant float64
	DeadTime     float64
}

var _ ProcessModel = FOPDT{}

// Name returns "fopdt".
func (m FOPDT) Name() string { return "fopdt" }

func (m FOPDT) isProcessModel() {}

// Validate rejects non-physical parameters.
func (m FOPDT) Validate() error {
	switch {
	case math.IsNaN(m.Gain) || m.Gain <= 0:
		return &ConfigurationError{
			Field:  "model.gain",
			Reason: "must be positive",
		}
	case math.IsNaN(m.TimeConstant) || m.TimeConstant <= 0:
		return &ConfigurationError{
			Field:  "model.time_constant",
			Reason: "must be positive",
		}
	case math.IsNaN(m.DeadTime) || m.DeadTime < 0:
		return &ConfigurationError{
			Field:  "model.dead_time",
			Reason: "must be non-negative",
		}
	}
	return nil
}

// deadSteps returns the dead time rounded to whole samples.
func (m FOPDT) deadSteps(sampleTime float64) int {
	return int(math.Round(m.DeadTime / sampleTime))
}

// Order returns 1 plus one register per whole sample of dead time.
func (m FOPDT) Order(sampleTime float64) int {
	return 1 + m.deadSteps(sampleTime)
}

// A StateSpace model is a continuous linear system with single input and
// single output. D is the direct feedthrough term and may be nil for a
// strictly proper plant.
type StateSpace struct {
	A *mat.Dense
	B *mat.Dense
	C *mat.Dense
	D *mat.Dense
}

var _ ProcessModel = StateSpace{}

// Name returns "state_space".
func (m StateSpace) Name() string { return "state_space" }

func (m StateSpace) isProcessModel() {}

// Validate checks that the matrices exist and agree on dimensions.
func (m StateSpace) Validate() error {
	if m.A == nil || m.B == nil || m.C == nil {
		return &ConfigurationError{
			Field:  "model",
			Reason: "A, B, and C are required",
		}
	}

	n, nc := m.A.Dims()
	if n == 0 || n != nc {
		return &ConfigurationError{
			Field:  "model.a",
			Reason: fmt.Sprintf("must be square, got %dx%d", n, nc),
		}
	}

	if br, bc := m.B.Dims(); br != n || bc != 1 {
		return &ConfigurationError{
			Field: "model.b",
			Reason: fmt.Sprintf("must be %dx1, got %dx%d",
				n, br, bc),
		}
	}

	if cr, cc := m.C.Dims(); cr != 1 || cc != n {
		return &ConfigurationError{
			Field: "model.c",
			Reason: fmt.Sprintf("must be 1x%d, got %dx%d",
				n, cr, cc),
		}
	}

	if m.D != nil {
		if dr, dc := m.D.Dims(); dr != 1 || dc != 1 {
			return &ConfigurationError{
				Field: "model.d",
				Reason: fmt.Sprintf(
					"must be 1x1, got %dx%d", dr, dc),
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if math.IsNaN(m.A.At(i, j)) || math.IsInf(m.A.At(i, j), 0) {
				return &ConfigurationError{
					Field:  "model.a",
					Reason: "entries must be finite",
				}
			}
		}
	}

	return nil
}

// Order returns the state dimension.
func (m StateSpace) Order(sampleTime float64) int {
	n, _ := m.A.Dims()
	return n
}

// An ARX model is the discrete difference equation
//
//	y[k] = a1*y[k-1] + ... + ana*y[k-na] + b1*u[k-1-d] + ... + bnb*u[k-nb-d]
//
// identified at the loop's sample time. Delay counts whole samples of input
// dead time.
type ARX struct {
	OutputCoeffs []float64
	InputCoeffs  []float64
	Delay        int
}

var _ ProcessModel = ARX{}

// Name returns "arx".
func (m ARX) Name() string { return "arx" }

func (m ARX) isProcessModel() {}

// Validate rejects empty coefficient vectors and negative delay.
func (m ARX) Validate() error {
	if len(m.OutputCoeffs) == 0 {
		return &ConfigurationError{
			Field:  "model.output_coeffs",
			Reason: "at least one coefficient required",
		}
	}
	if len(m.InputCoeffs) == 0 {
		return &ConfigurationError{
			Field:  "model.input_coeffs",
			Reason: "at least one coefficient required",
		}
	}
	if m.Delay < 0 {
		return &ConfigurationError{
			Field:  "model.delay",
			Reason: "must be non-negative",
		}
	}
	for _, c := range m.OutputCoeffs {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return &ConfigurationError{
				Field:  "model.output_coeffs",
				Reason: "coefficients must be finite",
			}
		}
	}
	for _, c := range m.InputCoeffs {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return &ConfigurationError{
				Field:  "model.input_coeffs",
				Reason: "coefficients must be finite",
			}
		}
	}
	return nil
}

// Order returns the combined length of the output and input histories the
// realization keeps.
func (m ARX) Order(sampleTime float64) int {
	return len(m.OutputCoeffs) + len(m.InputCoeffs) + m.Delay - 1
}

// A DiscreteModel is the sampled realization every control cycle works
// with: x[k+1] = Ad x[k] + Bd u[k], y[k] = Cd x[k] + Dd u[k].
type DiscreteModel struct {
	Ad *mat.Dense
	Bd *mat.VecDense
	Cd *mat.VecDense
	Dd float64

	SampleTime float64
}

// Order returns the state dimension.
func (d *DiscreteModel) Order() int {
	n, _ := d.Ad.Dims()
	return n
}

// Step advances the state in place by one sample under input u.
func (d *DiscreteModel) Step(x *mat.VecDense, u float64) {
	n := d.Order()
	next := mat.NewVecDense(n, nil)
	next.MulVec(d.Ad, x)
	next.AddScaledVec(next, u, d.Bd)
	x.CopyVec(next)
}

// Output returns the model output at state x under input u.
func (d *DiscreteModel) Output(x *mat.VecDense, u float64) float64 {
	return mat.Dot(d.Cd, x) + d.Dd*u
}

// Predict simulates the plant forward from state x0 and returns the output
// at each of the horizon steps. When inputs is shorter than the horizon the
// last input is held, matching how the actuator behaves beyond the control
// horizon. x0 is not modified.
func (d *DiscreteModel) Predict(
	x0 *mat.VecDense,
	inputs []float64,
	horizon int,
) ([]float64, error) {
	if horizon < 1 {
		return nil, &ConfigurationError{
			Field:  "horizon",
			Reason: "must be at least 1",
		}
	}
	if x0.Len() != d.Order() {
		return nil, &ConfigurationError{
			Field: "state",
			Reason: fmt.Sprintf("dimension %d does not match model order %d",
				x0.Len(), d.Order()),
		}
	}

	x := mat.VecDenseCopyOf(x0)
	outputs := make([]float64, horizon)
	u := 0.0
	for k := 0; k < horizon; k++ {
		if k < len(inputs) {
			u = inputs[k]
		}
		d.Step(x, u)
		outputs[k] = d.Output(x, u)
	}

	return outputs, nil
}

// InitialState returns a state vector that reproduces a steady plant sitting
// at output y with input u held for all past samples. It is the state the
// estimator seeds itself with on startup.
func (d *DiscreteModel) InitialState(y, u float64) *mat.VecDense {
	x := d.steadyState(u)

	// Shift the first observed coordinate so the seeded state reads
	// back exactly y.
	ys := d.Output(x, u)
	for i := 0; i < d.Order(); i++ {
		if c := d.Cd.AtVec(i); c != 0 {
			x.SetVec(i, x.AtVec(i)+(y-ys)/c)
			break
		}
	}

	return x
}

// SteadyOutput returns the output the plant settles at under a held input.
func (d *DiscreteModel) SteadyOutput(u float64) float64 {
	return d.Output(d.steadyState(u), u)
}

// steadyState solves for the state a held input converges to. Integrating
// plants make I - Ad singular; the zero vector is a fine base point for them.
func (d *DiscreteModel) steadyState(u float64) *mat.VecDense {
	n := d.Order()
	x := mat.NewVecDense(n, nil)

	var ia mat.Dense
	ia.Scale(-1, d.Ad)
	for i := 0; i < n; i++ {
		ia.Set(i, i, ia.At(i, i)+1)
	}
	b := mat.NewVecDense(n, nil)
	b.ScaleVec(u, d.Bd)
	var xs mat.VecDense
	if err := xs.SolveVec(&ia, b); err == nil {
		x.CopyVec(&xs)
	}

	return x
}
