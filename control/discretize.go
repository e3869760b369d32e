package control

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Discretize maps the continuous first-order dynamics to the exact
// hold-equivalent pole a = exp(-Ts/tau) and augments the state with one
// register per whole sample of dead time.
func (m FOPDT) Discretize(sampleTime float64) (*DiscreteModel, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := validateSampleTime(sampleTime); err != nil {
		return nil, err
	}

	a := math.Exp(-sampleTime / m.TimeConstant)
	b := m.Gain * (1 - a)
	d := m.deadSteps(sampleTime)
	n := 1 + d

	ad := mat.NewDense(n, n, nil)
	bd := mat.NewVecDense(n, nil)
	cd := mat.NewVecDense(n, nil)

	ad.Set(0, 0, a)
	cd.SetVec(0, 1)
	if d == 0 {
		bd.SetVec(0, b)
	} else {
		// x = [y, u[k-1], ..., u[k-d]]; the oldest register feeds
		// the plant and the newest takes this cycle's input.
		ad.Set(0, n-1, b)
		bd.SetVec(1, 1)
		for i := 2; i <= d; i++ {
			ad.Set(i, i-1, 1)
		}
	}

	return &DiscreteModel{
		Ad:         ad,
		Bd:         bd,
		Cd:         cd,
		SampleTime: sampleTime,
	}, nil
}

// Discretize applies a zero-order hold on the input, computing the sampled
// matrices through the exponential of the augmented system.
func (m StateSpace) Discretize(sampleTime float64) (*DiscreteModel, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := validateSampleTime(sampleTime); err != nil {
		return nil, err
	}

	n, _ := m.A.Dims()

	// exp([A B; 0 0] * Ts) packs Ad in the top-left block and Bd in the
	// top-right column.
	aug := mat.NewDense(n+1, n+1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aug.Set(i, j, m.A.At(i, j)*sampleTime)
		}
		aug.Set(i, n, m.B.At(i, 0)*sampleTime)
	}
	e := expm(aug)

	ad := mat.NewDense(n, n, nil)
	bd := mat.NewVecDense(n, nil)
	cd := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			ad.Set(i, j, e.At(i, j))
		}
		bd.SetVec(i, e.At(i, n))
		cd.SetVec(i, m.C.At(0, i))
	}

	dd := 0.0
	if m.D != nil {
		dd = m.D.At(0, 0)
	}

	return &DiscreteModel{
		Ad:         ad,
		Bd:         bd,
		Cd:         cd,
		Dd:         dd,
		SampleTime: sampleTime,
	}, nil
}

// Discretize realizes the difference equation as a shift register over past
// outputs and inputs. The model is already discrete; the sample time must
// match the one the coefficients were identified at, which the loop enforces
// by construction.
func (m ARX) Discretize(sampleTime float64) (*DiscreteModel, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := validateSampleTime(sampleTime); err != nil {
		return nil, err
	}

	na := len(m.OutputCoeffs)
	nb := len(m.InputCoeffs)
	regs := nb + m.Delay - 1
	n := na + regs

	ad := mat.NewDense(n, n, nil)
	bd := mat.NewVecDense(n, nil)
	cd := mat.NewVecDense(n, nil)
	cd.SetVec(0, 1)

	// Next output from past outputs.
	for i, a := range m.OutputCoeffs {
		ad.Set(0, i, a)
	}

	// Next output from past inputs. Lag zero only occurs with no delay
	// and flows through Bd directly.
	for j, b := range m.InputCoeffs {
		lag := j + m.Delay
		if lag == 0 {
			bd.SetVec(0, b)
		} else {
			ad.Set(0, na+lag-1, b)
		}
	}

	// Output history shifts down.
	for i := 1; i < na; i++ {
		ad.Set(i, i-1, 1)
	}

	// Input history shifts down, the newest register taking this
	// cycle's input.
	if regs > 0 {
		bd.SetVec(na, 1)
		for i := 1; i < regs; i++ {
			ad.Set(na+i, na+i-1, 1)
		}
	}

	return &DiscreteModel{
		Ad:         ad,
		Bd:         bd,
		Cd:         cd,
		SampleTime: sampleTime,
	}, nil
}

func validateSampleTime(sampleTime float64) error {
	if math.IsNaN(sampleTime) || sampleTime <= 0 {
		return &ConfigurationError{
			Field:  "sample_time",
			Reason: "must be positive",
		}
	}
	return nil
}

// expm computes the matrix exponential by scaling and squaring with a
// truncated Taylor series. Plant realizations stay small, so the plain
// series converges fast once the scaled norm is below one half.
func expm(m *mat.Dense) *mat.Dense {
	n, _ := m.Dims()

	norm := mat.Norm(m, 1)
	scalings := 0
	for norm > 0.5 {
		norm /= 2
		scalings++
	}

	s := mat.NewDense(n, n, nil)
	s.Scale(math.Ldexp(1, -scalings), m)

	e := eye(n)
	term := eye(n)
	for k := 1; k <= 16; k++ {
		var next mat.Dense
		next.Mul(term, s)
		next.Scale(1/float64(k), &next)
		term.Copy(&next)
		e.Add(e, term)
	}

	for i := 0; i < scalings; i++ {
		var sq mat.Dense
		sq.Mul(e, e)
		e.Copy(&sq)
	}

	return e
}

func eye(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}
