// Package plantio connects the control loop to the plant: a Source reads
// the measured output, a Sink drives the actuator. Implementations cover a
// loopback simulator for commissioning and tests, Modbus registers, and CAN
// frames.
package plantio

import "context"

// A Source reads the measured plant output in engineering units. Read
// honors the context deadline; a failed read reports an error and the loop
// treats the sample as rejected.
type Source interface {
	Read(ctx context.Context) (float64, error)
}

// A Sink writes the actuator command in engineering units.
type Sink interface {
	Apply(ctx context.Context, value float64) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (float64, error)

// Read calls f.
func (f SourceFunc) Read(ctx context.Context) (float64, error) {
	return f(ctx)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, value float64) error

// Apply calls f.
func (f SinkFunc) Apply(ctx context.Context, value float64) error {
	return f(ctx, value)
}
