package plantio

import (
	"context"
	"math"
	"net"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// A CANSignal describes where a physical value lives inside a frame
// payload: a little-endian bit field plus the factor/offset pair that maps
// raw counts to engineering units.
type CANSignal struct {
	Bit    uint8
	Length uint8
	Signed bool
	Factor float64
	Offset float64
}

// Validate checks the field geometry and scaling. Lengths up to 32 bits
// keep every representable count exact in float64.
func (s CANSignal) Validate() error {
	if s.Length < 1 || s.Length > 32 {
		return &control.ConfigurationError{
			Field:  "can.signal.length",
			Reason: "must be between 1 and 32 bits",
		}
	}
	if int(s.Bit)+int(s.Length) > 64 {
		return &control.ConfigurationError{
			Field:  "can.signal.bit",
			Reason: "field must fit an 8 byte payload",
		}
	}
	if s.Factor == 0 || math.IsNaN(s.Factor) || math.IsInf(s.Factor, 0) {
		return &control.ConfigurationError{
			Field:  "can.signal.factor",
			Reason: "must be finite and non-zero",
		}
	}
	if math.IsNaN(s.Offset) || math.IsInf(s.Offset, 0) {
		return &control.ConfigurationError{
			Field:  "can.signal.offset",
			Reason: "must be finite",
		}
	}
	return nil
}

// Decode extracts the signal from a frame payload.
func (s CANSignal) Decode(f can.Frame) float64 {
	var payload uint64
	for i := 0; i < 8; i++ {
		payload |= uint64(f.Data[i]) << (8 * i)
	}

	mask := uint64(1)<<s.Length - 1
	u := (payload >> s.Bit) & mask

	raw := int64(u)
	if s.Signed && u&(1<<(s.Length-1)) != 0 {
		raw -= 1 << s.Length
	}
	return s.Offset + s.Factor*float64(raw)
}

// Encode writes the signal into a frame payload, saturating at the bit
// field's representable range.
func (s CANSignal) Encode(f *can.Frame, value float64) {
	raw := int64(math.Round((value - s.Offset) / s.Factor))

	var lo, hi int64
	if s.Signed {
		hi = 1<<(s.Length-1) - 1
		lo = -1 << (s.Length - 1)
	} else {
		hi = 1<<s.Length - 1
		lo = 0
	}
	if raw > hi {
		raw = hi
	}
	if raw < lo {
		raw = lo
	}

	mask := uint64(1)<<s.Length - 1
	u := uint64(raw) & mask

	var payload uint64
	for i := 0; i < 8; i++ {
		payload |= uint64(f.Data[i]) << (8 * i)
	}
	payload &^= mask << s.Bit
	payload |= u << s.Bit
	for i := 0; i < 8; i++ {
		f.Data[i] = byte(payload >> (8 * i))
	}
}

// CANConfig binds the loop to a measurement frame and a command frame on
// one socketcan interface.
type CANConfig struct {
	Interface string

	MeasurementID uint32
	Measurement   CANSignal

	CommandID     uint32
	CommandLength uint8
	Command       CANSignal
}

// Validate checks the binding.
func (c CANConfig) Validate() error {
	if c.Interface == "" {
		return &control.ConfigurationError{
			Field:  "can.interface",
			Reason: "required",
		}
	}
	if err := c.Measurement.Validate(); err != nil {
		return err
	}
	if err := c.Command.Validate(); err != nil {
		return err
	}
	if c.CommandLength < 1 || c.CommandLength > 8 {
		return &control.ConfigurationError{
			Field:  "can.command_length",
			Reason: "must be between 1 and 8 bytes",
		}
	}
	need := (int(c.Command.Bit) + int(c.Command.Length) + 7) / 8
	if need > int(c.CommandLength) {
		return &control.ConfigurationError{
			Field:  "can.command_length",
			Reason: "command signal does not fit the frame",
		}
	}
	return nil
}

// A CANBus adapter reads measurements from and writes outputs to a CAN
// interface, matching frames by identifier.
type CANBus struct {
	cfg  CANConfig
	conn net.Conn
	recv *socketcan.Receiver
	tx   *socketcan.Transmitter
}

var (
	_ Source = (*CANBus)(nil)
	_ Sink   = (*CANBus)(nil)
)

// DialCAN opens the socketcan interface.
func DialCAN(ctx context.Context, cfg CANConfig) (*CANBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := socketcan.DialContext(ctx, "can", cfg.Interface)
	if err != nil {
		return nil, &control.ResourceError{
			Resource: "can bus",
			Cause:    err,
		}
	}

	return &CANBus{
		cfg:  cfg,
		conn: conn,
		recv: socketcan.NewReceiver(conn),
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

// Read blocks until a frame with the measurement identifier arrives, then
// decodes the measurement signal. The context deadline bounds the wait
// through the socket's read deadline.
func (b *CANBus) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &control.ResourceError{
			Resource: "can bus",
			Cause:    err,
		}
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return 0, &control.ResourceError{
			Resource: "can bus",
			Cause:    err,
		}
	}

	for b.recv.Receive() {
		frame := b.recv.Frame()
		if frame.ID != b.cfg.MeasurementID {
			continue
		}
		return b.cfg.Measurement.Decode(frame), nil
	}

	return 0, &control.ResourceError{
		Resource: "can bus",
		Cause:    b.recv.Err(),
	}
}

// Apply encodes the output into a command frame and transmits it.
func (b *CANBus) Apply(ctx context.Context, value float64) error {
	frame := can.Frame{
		ID:     b.cfg.CommandID,
		Length: b.cfg.CommandLength,
	}
	b.cfg.Command.Encode(&frame, value)

	if err := b.tx.TransmitFrame(ctx, frame); err != nil {
		return &control.ResourceError{
			Resource: "can bus",
			Cause:    err,
		}
	}
	return nil
}

// Close shuts the socket down.
func (b *CANBus) Close() error {
	return b.conn.Close()
}
