package plantio

import (
	"context"
	"sync"

	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// A Loopback simulates the plant in process: every Apply advances the
// sampled model by one period, every Read returns the simulated output. It
// exists for commissioning a controller against its own model and for
// tests; the measurement it returns can carry an additive disturbance and
// injected noise.
type Loopback struct {
	mu sync.Mutex

	model *control.DiscreteModel
	x     *mat.VecDense
	input float64

	disturbance float64
	noise       func() float64
}

// NewLoopback creates a simulator at rest.
func NewLoopback(model *control.DiscreteModel) *Loopback {
	return &Loopback{
		model: model,
		x:     mat.NewVecDense(model.Order(), nil),
	}
}

// Seed places the simulated plant at a steady output under a held input.
func (p *Loopback) Seed(output, input float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.x = p.model.InitialState(output, input)
	p.input = input
}

// Read returns the simulated measurement.
func (p *Loopback) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	y := p.model.Output(p.x, p.input) + p.disturbance
	if p.noise != nil {
		y += p.noise()
	}
	return y, nil
}

// Apply drives the simulated plant one period forward under the command.
func (p *Loopback) Apply(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.input = value
	p.model.Step(p.x, value)
	return nil
}

// SetDisturbance adds a constant offset to every following measurement,
// simulating an unmeasured load change.
func (p *Loopback) SetDisturbance(d float64) {
	p.mu.Lock()
	p.disturbance = d
	p.mu.Unlock()
}

// SetNoise installs a noise source sampled on every Read. Pass nil to
// remove it.
func (p *Loopback) SetNoise(f func() float64) {
	p.mu.Lock()
	p.noise = f
	p.mu.Unlock()
}

// Output returns the current simulated output without disturbance or
// noise. Tests use it to watch the true plant.
func (p *Loopback) Output() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.Output(p.x, p.input)
}

var (
	_ Source = (*Loopback)(nil)
	_ Sink   = (*Loopback)(nil)
)
