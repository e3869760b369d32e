package estimation

import (
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reh3376/ignition-tools-sub002/control"
)

var _ = Describe("Blending", func() {
	var (
		model  *control.DiscreteModel
		filter *Blending
	)

	BeforeEach(func() {
		var err error
		model, err = control.FOPDT{
			Gain:         2.0,
			TimeConstant: 5.0,
			DeadTime:     1.0,
		}.Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())

		filter = NewBlending(model, DefaultConfig())
		filter.Seed(42.0, 21.0)
	})

	It("should read back the seeded output", func() {
		Expect(filter.Current().Output).To(
			BeNumerically("~", 42.0, 1e-9))
	})

	It("should pull the estimate toward the measurement", func() {
		est, err := filter.Update(43.0)

		Expect(err).ToNot(HaveOccurred())
		Expect(est.Output).To(BeNumerically("~", 42.9, 1e-9))
		Expect(est.Held).To(BeFalse())
	})

	It("should hold steady through matching measurements", func() {
		for i := 0; i < 20; i++ {
			est, err := filter.Update(42.0)
			Expect(err).ToNot(HaveOccurred())
			Expect(est.Output).To(BeNumerically("~", 42.0, 1e-6))
			filter.NotifyApplied(21.0)
		}
	})

	It("should reject NaN and hold the previous estimate", func() {
		est, err := filter.Update(math.NaN())

		Expect(err).To(HaveOccurred())
		var estErr *control.EstimationError
		Expect(errors.As(err, &estErr)).To(BeTrue())
		Expect(est.Held).To(BeTrue())
		Expect(est.Rejections).To(Equal(1))
		Expect(est.Output).To(BeNumerically("~", 42.0, 1e-9))
	})

	It("should reject infinities", func() {
		_, err := filter.Update(math.Inf(1))

		Expect(err).To(HaveOccurred())
	})

	It("should reject values outside the validity range", func() {
		cfg := DefaultConfig()
		cfg.RangeMin, cfg.RangeMax = 0, 100
		filter = NewBlending(model, cfg)
		filter.Seed(42.0, 21.0)

		est, err := filter.Update(250.0)

		Expect(err).To(HaveOccurred())
		Expect(est.Held).To(BeTrue())
		Expect(est.Output).To(BeNumerically("~", 42.0, 1e-9))
	})

	It("should count consecutive rejections and clear on recovery", func() {
		for i := 1; i <= 3; i++ {
			est, err := filter.Update(math.NaN())
			Expect(err).To(HaveOccurred())
			Expect(est.Rejections).To(Equal(i))
		}

		est, err := filter.Update(42.0)

		Expect(err).ToNot(HaveOccurred())
		Expect(est.Held).To(BeFalse())
		Expect(est.Rejections).To(Equal(0))
	})

	It("should track a rising plant through applied inputs", func() {
		// Step the real plant alongside the filter and feed its
		// output back as the measurement.
		plant := model.InitialState(42.0, 21.0)
		for i := 0; i < 30; i++ {
			model.Step(plant, 30.0)
			y := model.Output(plant, 30.0)

			est, err := filter.Update(y)
			Expect(err).ToNot(HaveOccurred())
			Expect(est.Output).To(BeNumerically("~", y, 1e-6))

			filter.NotifyApplied(30.0)
		}
	})

	It("should keep residuals near zero for a matching plant", func() {
		plant := model.InitialState(42.0, 21.0)
		for i := 0; i < 50; i++ {
			model.Step(plant, 25.0)
			_, err := filter.Update(model.Output(plant, 25.0))
			Expect(err).ToNot(HaveOccurred())
			filter.NotifyApplied(25.0)
		}

		stats := filter.Residuals()

		Expect(stats.Count).To(Equal(50))
		Expect(math.Abs(stats.Mean)).To(BeNumerically("<", 0.01))
	})

	It("should return an independent state copy", func() {
		est := filter.Current()
		est.State.SetVec(0, -999)

		Expect(filter.Current().Output).To(
			BeNumerically("~", 42.0, 1e-9))
	})
})
