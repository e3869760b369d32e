package control

import (
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gonum.org/v1/gonum/mat"
)

var _ = Describe("FOPDT", func() {
	It("should reject non-positive gain", func() {
		err := FOPDT{Gain: 0, TimeConstant: 5}.Validate()

		var cfgErr *ConfigurationError
		Expect(err).To(HaveOccurred())
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Field).To(Equal("model.gain"))
	})

	It("should reject non-positive time constant", func() {
		err := FOPDT{Gain: 2, TimeConstant: -1}.Validate()

		Expect(err).To(HaveOccurred())
	})

	It("should reject negative dead time", func() {
		err := FOPDT{Gain: 2, TimeConstant: 5, DeadTime: -0.5}.Validate()

		Expect(err).To(HaveOccurred())
	})

	It("should reject non-positive sample time", func() {
		m := FOPDT{Gain: 2, TimeConstant: 5}

		_, err := m.Discretize(0)

		Expect(err).To(HaveOccurred())
	})

	It("should discretize to the hold-equivalent pole", func() {
		m := FOPDT{Gain: 2.0, TimeConstant: 5.0}

		d, err := m.Discretize(1.0)

		Expect(err).ToNot(HaveOccurred())
		Expect(d.Order()).To(Equal(1))
		Expect(d.Ad.At(0, 0)).To(BeNumerically("~", math.Exp(-0.2), 1e-12))
		Expect(d.Bd.AtVec(0)).To(
			BeNumerically("~", 2.0*(1-math.Exp(-0.2)), 1e-12))
	})

	It("should add one register per sample of dead time", func() {
		m := FOPDT{Gain: 2.0, TimeConstant: 5.0, DeadTime: 3.0}

		d, err := m.Discretize(1.0)

		Expect(err).ToNot(HaveOccurred())
		Expect(d.Order()).To(Equal(4))
		Expect(m.Order(1.0)).To(Equal(4))
	})

	It("should delay the step response by the dead time", func() {
		m := FOPDT{Gain: 2.0, TimeConstant: 5.0, DeadTime: 2.0}
		d, err := m.Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())

		x0 := mat.NewVecDense(d.Order(), nil)
		outputs, err := d.Predict(x0, []float64{1}, 6)

		Expect(err).ToNot(HaveOccurred())
		// The input needs two samples to cross the registers and one
		// more to show on the output.
		Expect(outputs[0]).To(BeZero())
		Expect(outputs[1]).To(BeZero())
		Expect(outputs[2]).To(BeNumerically(">", 0))
	})

	It("should settle at gain times input", func() {
		m := FOPDT{Gain: 2.0, TimeConstant: 5.0}
		d, err := m.Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())

		x0 := mat.NewVecDense(1, nil)
		outputs, err := d.Predict(x0, []float64{1.5}, 300)

		Expect(err).ToNot(HaveOccurred())
		Expect(outputs[len(outputs)-1]).To(
			BeNumerically("~", 3.0, 1e-9))
	})
})

var _ = Describe("StateSpace", func() {
	It("should require consistent dimensions", func() {
		m := StateSpace{
			A: mat.NewDense(2, 2, nil),
			B: mat.NewDense(1, 1, nil),
			C: mat.NewDense(1, 2, nil),
		}

		err := m.Validate()

		Expect(err).To(HaveOccurred())
	})

	It("should discretize an integrator exactly", func() {
		m := StateSpace{
			A: mat.NewDense(1, 1, []float64{0}),
			B: mat.NewDense(1, 1, []float64{1}),
			C: mat.NewDense(1, 1, []float64{1}),
		}

		d, err := m.Discretize(0.5)

		Expect(err).ToNot(HaveOccurred())
		Expect(d.Ad.At(0, 0)).To(BeNumerically("~", 1.0, 1e-12))
		Expect(d.Bd.AtVec(0)).To(BeNumerically("~", 0.5, 1e-12))
	})

	It("should agree with the first-order closed form", func() {
		tau, gain, ts := 5.0, 2.0, 1.0
		ss := StateSpace{
			A: mat.NewDense(1, 1, []float64{-1 / tau}),
			B: mat.NewDense(1, 1, []float64{gain / tau}),
			C: mat.NewDense(1, 1, []float64{1}),
		}
		fo := FOPDT{Gain: gain, TimeConstant: tau}

		ds, err := ss.Discretize(ts)
		Expect(err).ToNot(HaveOccurred())
		df, err := fo.Discretize(ts)
		Expect(err).ToNot(HaveOccurred())

		Expect(ds.Ad.At(0, 0)).To(
			BeNumerically("~", df.Ad.At(0, 0), 1e-9))
		Expect(ds.Bd.AtVec(0)).To(
			BeNumerically("~", df.Bd.AtVec(0), 1e-9))
	})

	It("should carry direct feedthrough into the output", func() {
		m := StateSpace{
			A: mat.NewDense(1, 1, []float64{-1}),
			B: mat.NewDense(1, 1, []float64{1}),
			C: mat.NewDense(1, 1, []float64{1}),
			D: mat.NewDense(1, 1, []float64{0.5}),
		}

		d, err := m.Discretize(1.0)

		Expect(err).ToNot(HaveOccurred())
		x := mat.NewVecDense(1, nil)
		Expect(d.Output(x, 2.0)).To(BeNumerically("~", 1.0, 1e-12))
	})
})

var _ = Describe("ARX", func() {
	It("should reject empty coefficients", func() {
		Expect(ARX{InputCoeffs: []float64{1}}.Validate()).
			To(HaveOccurred())
		Expect(ARX{OutputCoeffs: []float64{1}}.Validate()).
			To(HaveOccurred())
	})

	It("should reproduce the difference equation", func() {
		m := ARX{
			OutputCoeffs: []float64{1.2, -0.36},
			InputCoeffs:  []float64{0.5, 0.25},
			Delay:        1,
		}
		d, err := m.Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Order()).To(Equal(m.Order(1.0)))

		inputs := []float64{1, 0.5, -0.2, 0.8, 0.3, 0, -1, 0.4}
		x0 := mat.NewVecDense(d.Order(), nil)
		got, err := d.Predict(x0, inputs, len(inputs))
		Expect(err).ToNot(HaveOccurred())

		// Direct recursion over histories, everything zero before
		// time zero.
		y := make([]float64, len(inputs)+1)
		u := func(k int) float64 {
			if k < 0 {
				return 0
			}
			if k >= len(inputs) {
				return inputs[len(inputs)-1]
			}
			return inputs[k]
		}
		yAt := func(k int) float64 {
			if k < 0 {
				return 0
			}
			return y[k]
		}
		for k := 1; k <= len(inputs); k++ {
			y[k] = 1.2*yAt(k-1) - 0.36*yAt(k-2) +
				0.5*u(k-2) + 0.25*u(k-3)
		}

		for i := range got {
			Expect(got[i]).To(
				BeNumerically("~", y[i+1], 1e-12),
				"sample %d", i)
		}
	})

	It("should feed the current input through with no delay", func() {
		m := ARX{
			OutputCoeffs: []float64{0.5},
			InputCoeffs:  []float64{0.3},
		}

		d, err := m.Discretize(1.0)

		Expect(err).ToNot(HaveOccurred())
		Expect(d.Order()).To(Equal(1))
		Expect(d.Ad.At(0, 0)).To(Equal(0.5))
		Expect(d.Bd.AtVec(0)).To(Equal(0.3))
	})
})

var _ = Describe("DiscreteModel", func() {
	var d *DiscreteModel

	BeforeEach(func() {
		var err error
		d, err = FOPDT{Gain: 2.0, TimeConstant: 5.0, DeadTime: 1.0}.
			Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should keep a zero plant at zero", func() {
		x0 := mat.NewVecDense(d.Order(), nil)

		outputs, err := d.Predict(x0, nil, 5)

		Expect(err).ToNot(HaveOccurred())
		for _, y := range outputs {
			Expect(y).To(BeZero())
		}
	})

	It("should hold the last input beyond the given sequence", func() {
		x0 := mat.NewVecDense(d.Order(), nil)

		short, err := d.Predict(x0, []float64{1}, 50)
		Expect(err).ToNot(HaveOccurred())
		full, err := d.Predict(x0, ones(50), 50)
		Expect(err).ToNot(HaveOccurred())

		Expect(short[49]).To(BeNumerically("~", full[49], 1e-12))
	})

	It("should not modify the given state", func() {
		x0 := mat.NewVecDense(d.Order(), []float64{7, 3})

		_, err := d.Predict(x0, []float64{1}, 5)

		Expect(err).ToNot(HaveOccurred())
		Expect(x0.AtVec(0)).To(Equal(7.0))
		Expect(x0.AtVec(1)).To(Equal(3.0))
	})

	It("should reject a horizon below one", func() {
		x0 := mat.NewVecDense(d.Order(), nil)

		_, err := d.Predict(x0, nil, 0)

		Expect(err).To(HaveOccurred())
	})

	It("should reject a state of the wrong dimension", func() {
		x0 := mat.NewVecDense(d.Order()+1, nil)

		_, err := d.Predict(x0, nil, 5)

		Expect(err).To(HaveOccurred())
	})

	It("should seed a steady state that reads back", func() {
		x := d.InitialState(42.0, 21.0)

		Expect(d.Output(x, 21.0)).To(BeNumerically("~", 42.0, 1e-9))

		outputs, err := d.Predict(x, []float64{21.0}, 20)
		Expect(err).ToNot(HaveOccurred())
		for _, y := range outputs {
			Expect(y).To(BeNumerically("~", 42.0, 1e-9))
		}
	})

	It("should settle at the gain times a held input", func() {
		Expect(d.SteadyOutput(10)).To(BeNumerically("~", 20.0, 1e-9))
		Expect(d.SteadyOutput(0)).To(BeNumerically("~", 0.0, 1e-12))
	})
})

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
