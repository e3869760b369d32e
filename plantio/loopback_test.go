package plantio

import (
	"context"
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reh3376/ignition-tools-sub002/control"
)

func firstOrderPlant() *control.DiscreteModel {
	model, err := control.FOPDT{
		Gain:         2,
		TimeConstant: 5,
	}.Discretize(1.0)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	return model
}

var _ = Describe("Loopback", func() {
	var plant *Loopback

	BeforeEach(func() {
		plant = NewLoopback(firstOrderPlant())
	})

	It("starts at rest", func() {
		y, err := plant.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(BeZero())
	})

	It("reads back a seeded operating point", func() {
		plant.Seed(48, 24)

		y, err := plant.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(BeNumerically("~", 48, 1e-9))
	})

	It("steps the plant on every applied output", func() {
		a := math.Exp(-1.0 / 5.0)
		b := 2 * (1 - a)

		Expect(plant.Apply(context.Background(), 10)).To(Succeed())
		y, err := plant.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(BeNumerically("~", b*10, 1e-9))

		Expect(plant.Apply(context.Background(), 10)).To(Succeed())
		y, err = plant.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(BeNumerically("~", a*b*10+b*10, 1e-9))
	})

	It("adds the configured disturbance to reads", func() {
		plant.SetDisturbance(3.5)

		y, err := plant.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(Equal(3.5))
	})

	It("applies the noise source to reads", func() {
		plant.SetNoise(func() float64 { return -0.25 })

		y, err := plant.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(Equal(-0.25))
	})

	It("respects a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := plant.Read(ctx)
		Expect(err).To(HaveOccurred())
		Expect(plant.Apply(ctx, 1)).ToNot(Succeed())
	})
})

var _ = Describe("Func adapters", func() {
	It("forwards reads through SourceFunc", func() {
		src := SourceFunc(func(context.Context) (float64, error) {
			return 7.5, nil
		})
		y, err := src.Read(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(Equal(7.5))
	})

	It("forwards writes through SinkFunc", func() {
		var got float64
		sink := SinkFunc(func(_ context.Context, v float64) error {
			got = v
			return nil
		})
		Expect(sink.Apply(context.Background(), 3.25)).To(Succeed())
		Expect(got).To(Equal(3.25))

		boom := SinkFunc(func(context.Context, float64) error {
			return errors.New("down")
		})
		Expect(boom.Apply(context.Background(), 1)).ToNot(Succeed())
	})
})
