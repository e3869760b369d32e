package controlloop

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/estimation"
	"github.com/reh3376/ignition-tools-sub002/plantio"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

type recordingHook struct {
	mu    sync.Mutex
	count map[*control.HookPos]int
	last  map[*control.HookPos]control.HookCtx
}

func newRecordingHook() *recordingHook {
	return &recordingHook{
		count: make(map[*control.HookPos]int),
		last:  make(map[*control.HookPos]control.HookCtx),
	}
}

func (h *recordingHook) Func(ctx control.HookCtx) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count[ctx.Pos]++
	h.last[ctx.Pos] = ctx
}

func (h *recordingHook) seen(pos *control.HookPos) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count[pos]
}

func (h *recordingHook) lastCtx(pos *control.HookPos) control.HookCtx {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last[pos]
}

func quietLog() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func nominalModel() control.ProcessModel {
	return control.FOPDT{Gain: 2, TimeConstant: 5, DeadTime: 1}
}

func nominalTuning() control.ControllerConfig {
	return control.ControllerConfig{
		PredictionHorizon:   10,
		ControlHorizon:      3,
		SampleTime:          time.Second,
		TrackingWeight:      1,
		EffortWeight:        0.1,
		SlackPenalty:        1e6,
		SolverBudget:        200 * time.Millisecond,
		SolverMaxIterations: 200,
		Version:             1,
	}
}

func nominalConstraints() control.ConstraintSet {
	set := control.Unbounded()
	set.UMin = -100
	set.UMax = 100
	return set
}

func newSupervisor(fallback safety.Fallback) *safety.Supervisor {
	cfg := safety.DefaultConfig()
	cfg.Fallback = fallback
	return safety.MakeBuilder().
		WithConfig(cfg).
		WithLogger(quietLog()).
		Build("supervisor")
}

var _ = Describe("Loop", func() {
	var (
		plant *plantio.Loopback
		sup   *safety.Supervisor
		loop  *Loop
		hook  *recordingHook
		now   time.Time
	)

	build := func(b Builder) {
		loop = b.Build("loop")
		hook = newRecordingHook()
		loop.AcceptHook(hook)
		now = time.Now()
	}

	cycle := func() control.ControlCycleResult {
		res := loop.RunCycle(now)
		now = now.Add(loop.Period())
		return res
	}

	BeforeEach(func() {
		plantDisc, err := nominalModel().Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())
		plant = plantio.NewLoopback(plantDisc)
		sup = newSupervisor(safety.Fallback{Kind: safety.Hold})

		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(plant).
			WithSink(plant).
			WithSupervisor(sup).
			WithLogger(quietLog()))
	})

	It("tracks a setpoint step on the nominal plant", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())

		peak := 0.0
		var res control.ControlCycleResult
		for i := 0; i < 30; i++ {
			res = cycle()
			peak = math.Max(peak, res.Measurement)
			if i >= 24 {
				// Settled and holding. The effort weight buys
				// a small steady offset from 50.
				Expect(res.Measurement).To(
					BeNumerically("~", 50, 2.5))
			}
		}

		Expect(peak).To(BeNumerically("<", 55))
		Expect(res.Applied).To(BeNumerically("~", 24.4, 1.5))
		Expect(res.Status.Usable()).To(BeTrue())
		Expect(res.Overridden).To(BeFalse())
		Expect(hook.seen(control.HookPosCycleDone)).To(Equal(30))
	})

	It("assigns ids and an unbroken sequence", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())

		first := cycle()
		second := cycle()

		Expect(first.ID).ToNot(BeEmpty())
		Expect(second.ID).ToNot(Equal(first.ID))
		Expect(first.Seq).To(Equal(uint64(1)))
		Expect(second.Seq).To(Equal(uint64(2)))

		latest, ok := loop.Latest()
		Expect(ok).To(BeTrue())
		Expect(latest.Seq).To(Equal(uint64(2)))
	})

	It("primes bumplessly from the plant's resting point", func() {
		plant.Seed(37, 18.5)
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(plant).
			WithSink(plant).
			WithSupervisor(sup).
			WithInitialOutput(18.5).
			WithLogger(quietLog()))

		Expect(loop.Prime(context.Background())).To(Succeed())

		target, working := loop.Setpoint()
		Expect(target).To(Equal(37.0))
		Expect(working).To(Equal(37.0))

		res := cycle()
		Expect(res.Setpoint).To(Equal(37.0))
		Expect(res.Applied).To(BeNumerically("~", 18.5, 1.0))
	})

	It("primes only once", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())
		Expect(loop.Prime(context.Background())).To(Succeed())

		target, _ := loop.Setpoint()
		Expect(target).To(Equal(50.0))
	})

	It("reports a failing measurement source at prime time", func() {
		bad := plantio.SourceFunc(func(context.Context) (float64, error) {
			return 0, errors.New("wire break")
		})
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(bad).
			WithSink(plant).
			WithSupervisor(sup).
			WithLogger(quietLog()))

		err := loop.Prime(context.Background())
		Expect(err).To(HaveOccurred())

		kind, ok := control.KindOf(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(control.KindResource))
	})

	It("holds the estimate through a bad measurement", func() {
		badCycle := 0
		reads := 0
		flaky := plantio.SourceFunc(func(ctx context.Context) (float64, error) {
			y, err := plant.Read(ctx)
			reads++
			if reads == badCycle {
				return math.NaN(), nil
			}
			return y, err
		})
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(flaky).
			WithSink(plant).
			WithSupervisor(sup).
			WithLogger(quietLog()))

		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())

		var before control.ControlCycleResult
		for i := 0; i < 9; i++ {
			before = cycle()
		}
		reads = 0
		badCycle = 1

		res := cycle()
		Expect(res.MeasurementValid).To(BeFalse())
		Expect(res.Fault).To(Equal("estimation"))
		Expect(math.IsNaN(res.Estimate)).To(BeFalse())
		Expect(res.Estimate).To(BeNumerically("~", before.Estimate, 5))
		Expect(math.IsNaN(res.Applied)).To(BeFalse())
		Expect(hook.seen(control.HookPosMeasurementRejected)).To(Equal(1))

		after := cycle()
		Expect(after.MeasurementValid).To(BeTrue())
		Expect(hook.seen(control.HookPosMeasurementRejected)).To(Equal(1))
	})

	It("treats a failed read like a rejected measurement", func() {
		fail := false
		flaky := plantio.SourceFunc(func(ctx context.Context) (float64, error) {
			if fail {
				return 0, errors.New("transducer offline")
			}
			return plant.Read(ctx)
		})
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(flaky).
			WithSink(plant).
			WithSupervisor(sup).
			WithLogger(quietLog()))

		Expect(loop.Prime(context.Background())).To(Succeed())
		cycle()

		fail = true
		res := cycle()
		Expect(res.MeasurementValid).To(BeFalse())
		Expect(math.IsNaN(res.Measurement)).To(BeTrue())
		Expect(math.IsNaN(res.Estimate)).To(BeFalse())
		Expect(hook.seen(control.HookPosMeasurementRejected)).To(Equal(1))
	})

	It("falls back to the previous output when the solver budget is exhausted", func() {
		cfg := nominalTuning()
		cfg.SolverBudget = time.Nanosecond
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(cfg).
			WithConstraints(nominalConstraints()).
			WithSource(plant).
			WithSink(plant).
			WithSupervisor(sup).
			WithInitialOutput(7).
			WithLogger(quietLog()))

		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())

		res := cycle()
		Expect(res.Degraded).To(BeTrue())
		Expect(res.Status).To(Equal(control.SolverTimedOut))
		Expect(res.Fault).To(Equal("optimization"))
		Expect(res.Applied).To(Equal(7.0))
		Expect(hook.seen(control.HookPosOptimizationDegraded)).To(Equal(1))

		// The loop survives and keeps holding.
		for i := 0; i < 4; i++ {
			res = cycle()
			Expect(res.Applied).To(Equal(7.0))
		}

		// Five straight degraded heartbeats raise the alarm.
		_, changed := sup.Check(now)
		Expect(changed).To(BeTrue())
		Expect(sup.State()).To(Equal(control.SafetyAlarm))
	})

	It("skips the solver while the supervisor overrides", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())
		prev := cycle().Applied
		Expect(prev).To(BeNumerically(">", 0))

		sup.EStop("drill")
		res := cycle()
		Expect(res.Overridden).To(BeTrue())
		Expect(res.Status).To(Equal(control.SolverSkipped))
		Expect(res.Iterations).To(BeZero())
		Expect(res.Applied).To(Equal(prev))
		Expect(res.SafetyState).To(Equal(control.SafetyEmergency))

		sup.Acknowledge()
		Expect(sup.Reset()).To(Succeed())

		res = cycle()
		Expect(res.Overridden).To(BeFalse())
		Expect(res.Status.Usable()).To(BeTrue())
	})

	It("keeps the previous output when actuation fails", func() {
		healthy := true
		sink := plantio.SinkFunc(func(ctx context.Context, v float64) error {
			if !healthy {
				return errors.New("valve stuck")
			}
			return plant.Apply(ctx, v)
		})
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(plant).
			WithSink(sink).
			WithSupervisor(sup).
			WithLogger(quietLog()))

		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())

		healthy = false
		res := cycle()
		Expect(res.Proposed).To(BeNumerically(">", 0))
		Expect(res.Applied).To(BeZero())
		Expect(res.Degraded).To(BeFalse())
		Expect(res.Fault).To(Equal("resource"))

		// The refusals accumulate in the heartbeat until the
		// supervisor raises the alarm.
		for i := 0; i < 4; i++ {
			cycle()
		}
		sup.Check(now)
		Expect(sup.State()).To(Equal(control.SafetyAlarm))

		healthy = true
		res = cycle()
		Expect(res.Applied).To(BeNumerically(">", 0))
		Expect(res.Fault).To(BeEmpty())
	})

	It("reads then actuates exactly once per cycle", func() {
		ctrl := gomock.NewController(GinkgoT())
		source := NewMockSource(ctrl)
		sink := NewMockSink(ctrl)

		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(source).
			WithSink(sink).
			WithSupervisor(sup).
			WithLogger(quietLog()))

		prime := source.EXPECT().Read(gomock.Any()).Return(20.0, nil)
		read1 := source.EXPECT().Read(gomock.Any()).
			Return(20.0, nil).After(prime)
		apply1 := sink.EXPECT().Apply(gomock.Any(), gomock.Any()).
			Return(nil).After(read1)
		read2 := source.EXPECT().Read(gomock.Any()).
			Return(20.0, nil).After(apply1)
		sink.EXPECT().Apply(gomock.Any(), gomock.Any()).
			Return(nil).After(read2)

		Expect(loop.Prime(context.Background())).To(Succeed())
		cycle()
		cycle()
	})

	It("feeds the supervisor a heartbeat every cycle", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())

		stamp := now
		res := cycle()

		status := sup.Snapshot()
		Expect(status.LastHeartbeat).To(Equal(stamp))
		Expect(res.SafetyState).To(Equal(control.SafetyNormal))
	})

	It("walks a ramped setpoint sample by sample", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.RampSetpoint(50, 5)).To(Succeed())

		for i := 1; i <= 10; i++ {
			res := cycle()
			Expect(res.Setpoint).To(BeNumerically("~", float64(5*i), 1e-12))
		}
		Expect(cycle().Setpoint).To(Equal(50.0))
	})

	It("rejects non-finite setpoints and bad ramp rates", func() {
		Expect(loop.SetSetpoint(math.NaN())).ToNot(Succeed())
		Expect(loop.SetSetpoint(math.Inf(1))).ToNot(Succeed())
		Expect(loop.RampSetpoint(math.NaN(), 1)).ToNot(Succeed())
		Expect(loop.RampSetpoint(50, 0)).ToNot(Succeed())
		Expect(loop.RampSetpoint(50, -4)).ToNot(Succeed())
	})

	It("honors the configured setpoint ramp limit", func() {
		build(MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithConstraints(nominalConstraints()).
			WithSource(plant).
			WithSink(plant).
			WithSupervisor(sup).
			WithSetpointRampLimit(2).
			WithLogger(quietLog()))

		Expect(loop.Prime(context.Background())).To(Succeed())

		// A plain setpoint change walks at the limit instead of jumping.
		Expect(loop.SetSetpoint(20)).To(Succeed())
		Expect(cycle().Setpoint).To(BeNumerically("~", 2, 1e-12))

		// An explicit rate above the limit is capped to it.
		Expect(loop.RampSetpoint(20, 100)).To(Succeed())
		Expect(cycle().Setpoint).To(BeNumerically("~", 4, 1e-12))

		// A slower explicit rate is honored as given.
		Expect(loop.RampSetpoint(20, 1)).To(Succeed())
		Expect(cycle().Setpoint).To(BeNumerically("~", 5, 1e-12))
	})

	It("swaps tuning between cycles without disturbing the estimate", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())
		for i := 0; i < 5; i++ {
			cycle()
		}
		before, _ := loop.Latest()

		next := nominalTuning()
		next.PredictionHorizon = 12
		next.ControlHorizon = 4
		next.EffortWeight = 0.05
		next.Version = 2

		Expect(loop.Retune(Retuning{
			Controller:  next,
			Constraints: nominalConstraints(),
			Estimator:   estimation.DefaultConfig(),
		})).To(Succeed())

		cfg, _ := loop.Tuning()
		Expect(cfg.Version).To(Equal(2))
		Expect(hook.seen(control.HookPosConfigSwapped)).To(Equal(1))
		Expect(hook.lastCtx(control.HookPosConfigSwapped).Item).To(Equal(2))

		res := cycle()
		Expect(res.Estimate).To(BeNumerically("~", before.Estimate, 5))
		Expect(res.Status.Usable()).To(BeTrue())
	})

	It("refuses an invalid retuning and keeps the old one", func() {
		bad := nominalTuning()
		bad.ControlHorizon = 20 // longer than the prediction horizon

		err := loop.Retune(Retuning{
			Controller:  bad,
			Constraints: nominalConstraints(),
			Estimator:   estimation.DefaultConfig(),
		})
		Expect(err).To(HaveOccurred())

		cfg, _ := loop.Tuning()
		Expect(cfg.Version).To(Equal(1))
		Expect(hook.seen(control.HookPosConfigSwapped)).To(BeZero())
	})

	It("swaps the process model mid-run", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())
		Expect(loop.SetSetpoint(50)).To(Succeed())
		for i := 0; i < 5; i++ {
			cycle()
		}
		before, _ := loop.Latest()

		swapped := control.FOPDT{Gain: 2.2, TimeConstant: 4, DeadTime: 1}
		Expect(loop.SwapModel(swapped)).To(Succeed())

		res := cycle()
		Expect(res.Estimate).To(BeNumerically("~", before.Estimate, 5))
		Expect(res.Status.Usable()).To(BeTrue())
	})

	It("rejects a nil or invalid model swap", func() {
		Expect(loop.SwapModel(nil)).ToNot(Succeed())
		Expect(loop.SwapModel(control.FOPDT{Gain: -1})).ToNot(Succeed())
	})

	It("flags a cycle that outruns its period", func() {
		Expect(loop.Prime(context.Background())).To(Succeed())

		res := loop.RunCycle(time.Now().Add(-2 * time.Second))
		Expect(res.Overrun).To(BeTrue())
		Expect(loop.Overruns()).To(Equal(uint64(1)))
		Expect(hook.seen(control.HookPosCycleOverrun)).To(Equal(1))
	})

	It("runs on its own ticker until the context ends", func() {
		fast := control.FOPDT{Gain: 2, TimeConstant: 0.05}
		cfg := nominalTuning()
		cfg.SampleTime = 5 * time.Millisecond
		cfg.SolverBudget = time.Millisecond

		fastDisc, err := fast.Discretize(cfg.SampleSeconds())
		Expect(err).ToNot(HaveOccurred())
		fastPlant := plantio.NewLoopback(fastDisc)

		build(MakeBuilder().
			WithModel(fast).
			WithTuning(cfg).
			WithConstraints(nominalConstraints()).
			WithSource(fastPlant).
			WithSink(fastPlant).
			WithSupervisor(sup).
			WithLogger(quietLog()))
		Expect(loop.SetSetpoint(10)).To(Succeed())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- loop.Run(ctx)
		}()

		Eventually(func() uint64 {
			res, _ := loop.Latest()
			return res.Seq
		}).WithTimeout(2 * time.Second).WithPolling(5 * time.Millisecond).
			Should(BeNumerically(">", 25))

		cancel()
		Eventually(done).WithTimeout(time.Second).
			Should(Receive(MatchError(context.Canceled)))

		res, ok := loop.Latest()
		Expect(ok).To(BeTrue())
		Expect(res.Measurement).To(BeNumerically("~", 10, 3))
	})
})

var _ = Describe("Builder", func() {
	plant := func() *plantio.Loopback {
		disc, err := nominalModel().Discretize(1.0)
		Expect(err).ToNot(HaveOccurred())
		return plantio.NewLoopback(disc)
	}

	It("panics without a model", func() {
		p := plant()
		Expect(func() {
			MakeBuilder().
				WithTuning(nominalTuning()).
				WithSource(p).
				WithSink(p).
				WithSupervisor(newSupervisor(safety.Fallback{})).
				Build("loop")
		}).To(Panic())
	})

	It("panics without tuning", func() {
		p := plant()
		Expect(func() {
			MakeBuilder().
				WithModel(nominalModel()).
				WithSource(p).
				WithSink(p).
				WithSupervisor(newSupervisor(safety.Fallback{})).
				Build("loop")
		}).To(Panic())
	})

	It("panics without a supervisor", func() {
		p := plant()
		Expect(func() {
			MakeBuilder().
				WithModel(nominalModel()).
				WithTuning(nominalTuning()).
				WithSource(p).
				WithSink(p).
				Build("loop")
		}).To(Panic())
	})

	It("panics on tuning the validator rejects", func() {
		p := plant()
		cfg := nominalTuning()
		cfg.SampleTime = 0
		Expect(func() {
			MakeBuilder().
				WithModel(nominalModel()).
				WithTuning(cfg).
				WithSource(p).
				WithSink(p).
				WithSupervisor(newSupervisor(safety.Fallback{})).
				Build("loop")
		}).To(Panic())
	})

	It("builds with an initial setpoint", func() {
		p := plant()
		loop := MakeBuilder().
			WithModel(nominalModel()).
			WithTuning(nominalTuning()).
			WithSource(p).
			WithSink(p).
			WithSupervisor(newSupervisor(safety.Fallback{})).
			WithInitialSetpoint(42).
			WithLogger(quietLog()).
			Build("loop")

		target, working := loop.Setpoint()
		Expect(target).To(Equal(42.0))
		Expect(working).To(Equal(42.0))

		// Priming must not overwrite an explicit target.
		Expect(loop.Prime(context.Background())).To(Succeed())
		target, _ = loop.Setpoint()
		Expect(target).To(Equal(42.0))
	})
})
