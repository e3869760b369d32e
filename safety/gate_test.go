package safety

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reh3376/ignition-tools-sub002/control"
)

var _ = Describe("Gate", func() {
	var (
		sup *Supervisor
		set control.ConstraintSet
	)

	period := time.Second

	buildWith := func(fb Fallback) *Supervisor {
		cfg := testConfig()
		cfg.Fallback = fb
		return MakeBuilder().
			WithConfig(cfg).
			WithLogger(quietLogger()).
			Build("supervisor")
	}

	trip := func() {
		sup.Heartbeat(Heartbeat{Time: time.Now(), Estimate: 999})
		sup.Check(time.Now())
		Expect(sup.State()).To(Equal(control.SafetyEmergency))
	}

	BeforeEach(func() {
		sup = buildWith(Fallback{Kind: Hold})
		set = control.Unbounded()
		set.UMin, set.UMax = -100, 100
	})

	It("should pass the proposal through when Normal", func() {
		applied, overridden := sup.Gate(42, 40, set, period)

		Expect(applied).To(Equal(42.0))
		Expect(overridden).To(BeFalse())
	})

	It("should clamp the proposal to the hard bounds", func() {
		applied, overridden := sup.Gate(250, 40, set, period)

		Expect(applied).To(Equal(100.0))
		Expect(overridden).To(BeFalse())
	})

	It("should keep passing through in Warning and Alarm", func() {
		sup.Heartbeat(Heartbeat{Time: time.Now(), Estimate: 130})
		sup.Check(time.Now())
		Expect(sup.State()).To(Equal(control.SafetyAlarm))

		applied, overridden := sup.Gate(42, 40, set, period)

		Expect(applied).To(Equal(42.0))
		Expect(overridden).To(BeFalse())
	})

	It("should hold the previous output in Emergency", func() {
		trip()

		applied, overridden := sup.Gate(42, 77, set, period)

		Expect(applied).To(Equal(77.0))
		Expect(overridden).To(BeTrue())
	})

	It("should ramp toward the safe target at the configured rate", func() {
		sup = buildWith(Fallback{Kind: RampToSafe, Target: 0, Rate: 5})
		trip()

		applied, overridden := sup.Gate(42, 80, set, period)

		Expect(overridden).To(BeTrue())
		Expect(applied).To(Equal(75.0))
	})

	It("should stop ramping at the target", func() {
		sup = buildWith(Fallback{Kind: RampToSafe, Target: 0, Rate: 5})
		trip()

		applied, _ := sup.Gate(42, 3, set, period)

		Expect(applied).To(Equal(0.0))
	})

	It("should ramp upward when the target is above", func() {
		sup = buildWith(Fallback{Kind: RampToSafe, Target: 50, Rate: 5})
		trip()

		applied, _ := sup.Gate(42, 20, set, period)

		Expect(applied).To(Equal(25.0))
	})

	It("should scale the ramp step with the period", func() {
		sup = buildWith(Fallback{Kind: RampToSafe, Target: 0, Rate: 5})
		trip()

		applied, _ := sup.Gate(42, 80, set, 500*time.Millisecond)

		Expect(applied).To(Equal(77.5))
	})

	It("should de-energize to zero", func() {
		sup = buildWith(Fallback{Kind: DeEnergize})
		trip()

		applied, overridden := sup.Gate(42, 80, set, period)

		Expect(applied).To(Equal(0.0))
		Expect(overridden).To(BeTrue())
	})

	It("should clamp the fallback into the actuator range", func() {
		sup = buildWith(Fallback{Kind: DeEnergize})
		trip()
		set.UMin = 10

		applied, overridden := sup.Gate(42, 80, set, period)

		Expect(applied).To(Equal(10.0))
		Expect(overridden).To(BeTrue())
	})
})
