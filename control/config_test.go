package control

import (
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func validConfig() ControllerConfig {
	return ControllerConfig{
		PredictionHorizon:   10,
		ControlHorizon:      3,
		SampleTime:          time.Second,
		TrackingWeight:      1.0,
		EffortWeight:        0.1,
		SlackPenalty:        1e6,
		SolverBudget:        200 * time.Millisecond,
		SolverMaxIterations: 200,
	}
}

var _ = Describe("ControllerConfig", func() {
	It("should accept a sensible tuning", func() {
		Expect(validConfig().Validate()).To(Succeed())
	})

	It("should reject a control horizon below one", func() {
		c := validConfig()
		c.ControlHorizon = 0

		Expect(c.Validate()).To(HaveOccurred())
	})

	It("should reject a prediction horizon shorter than control", func() {
		c := validConfig()
		c.PredictionHorizon = 2
		c.ControlHorizon = 3

		Expect(c.Validate()).To(HaveOccurred())
	})

	It("should accept equal horizons", func() {
		c := validConfig()
		c.PredictionHorizon = 3
		c.ControlHorizon = 3

		Expect(c.Validate()).To(Succeed())
	})

	It("should reject a non-positive sample time", func() {
		c := validConfig()
		c.SampleTime = 0

		Expect(c.Validate()).To(HaveOccurred())
	})

	It("should reject negative weights", func() {
		c := validConfig()
		c.EffortWeight = -0.1

		Expect(c.Validate()).To(HaveOccurred())
	})

	It("should reject all-zero tracking", func() {
		c := validConfig()
		c.TrackingWeight = 0
		c.TerminalWeight = 0

		Expect(c.Validate()).To(HaveOccurred())
	})

	It("should allow terminal-only tracking", func() {
		c := validConfig()
		c.TrackingWeight = 0
		c.TerminalWeight = 5

		Expect(c.Validate()).To(Succeed())
	})

	It("should require the solver budget to fit the period", func() {
		c := validConfig()
		c.SolverBudget = c.SampleTime

		Expect(c.Validate()).To(HaveOccurred())
	})

	It("should name the offending field", func() {
		c := validConfig()
		c.SolverMaxIterations = 0

		err := c.Validate()

		var cfgErr *ConfigurationError
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("solver_max_iterations"))
		cfgErr = err.(*ConfigurationError)
		Expect(cfgErr.Kind()).To(Equal(KindConfiguration))
	})
})

var _ = Describe("ConstraintSet", func() {
	It("should accept open bounds", func() {
		Expect(Unbounded().Validate()).To(Succeed())
	})

	It("should reject inverted bounds", func() {
		s := Unbounded()
		s.UMin, s.UMax = 10, -10

		Expect(s.Validate()).To(HaveOccurred())
	})

	It("should reject NaN bounds", func() {
		s := Unbounded()
		s.YMax = math.NaN()

		Expect(s.Validate()).To(HaveOccurred())
	})

	It("should clamp inputs to the hard bounds", func() {
		s := Unbounded()
		s.UMin, s.UMax = -100, 100

		Expect(s.ClampInput(250)).To(Equal(100.0))
		Expect(s.ClampInput(-250)).To(Equal(-100.0))
		Expect(s.ClampInput(42)).To(Equal(42.0))
	})
})
