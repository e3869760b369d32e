package plantio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// ModbusConfig binds the loop to one measurement register and one command
// register on a Modbus TCP device. Values travel as signed 16-bit counts;
// Scale and Offset map counts to engineering units the way PLC tags do.
type ModbusConfig struct {
	Address string
	SlaveID byte
	Timeout time.Duration

	// ReadRegister holds the measurement. ReadInput selects the input
	// register table instead of the holding table.
	ReadRegister uint16
	ReadInput    bool

	// WriteRegister receives the controller output.
	WriteRegister uint16

	// Engineering value = Offset + Scale * raw count.
	Scale  float64
	Offset float64
}

// Validate checks the binding.
func (c ModbusConfig) Validate() error {
	if c.Address == "" {
		return &control.ConfigurationError{
			Field:  "modbus.address",
			Reason: "required",
		}
	}
	if c.Scale == 0 || math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return &control.ConfigurationError{
			Field:  "modbus.scale",
			Reason: "must be finite and non-zero",
		}
	}
	if math.IsNaN(c.Offset) || math.IsInf(c.Offset, 0) {
		return &control.ConfigurationError{
			Field:  "modbus.offset",
			Reason: "must be finite",
		}
	}
	return nil
}

// ToCounts converts an engineering value to the register's signed count,
// saturating at the int16 range.
func (c ModbusConfig) ToCounts(value float64) int16 {
	raw := math.Round((value - c.Offset) / c.Scale)
	switch {
	case raw > math.MaxInt16:
		return math.MaxInt16
	case raw < math.MinInt16:
		return math.MinInt16
	}
	return int16(raw)
}

// FromCounts converts a register count back to engineering units.
func (c ModbusConfig) FromCounts(raw int16) float64 {
	return c.Offset + c.Scale*float64(raw)
}

// A Modbus adapter reads measurements from and writes outputs to a Modbus
// TCP device, one register each way.
type Modbus struct {
	mu      sync.Mutex
	cfg     ModbusConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

var (
	_ Source = (*Modbus)(nil)
	_ Sink   = (*Modbus)(nil)
)

// DialModbus connects to the device. The connection is re-established by
// the handler on demand after transient failures.
func DialModbus(cfg ModbusConfig) (*Modbus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = cfg.SlaveID
	if err := handler.Connect(); err != nil {
		return nil, &control.ResourceError{
			Resource: "modbus device",
			Cause:    err,
		}
	}

	return &Modbus{
		cfg:     cfg,
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

// Read fetches the measurement register and converts it to engineering
// units.
func (m *Modbus) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &control.ResourceError{
			Resource: "modbus device",
			Cause:    err,
		}
	}

	m.mu.Lock()
	var data []byte
	var err error
	if m.cfg.ReadInput {
		data, err = m.client.ReadInputRegisters(m.cfg.ReadRegister, 1)
	} else {
		data, err = m.client.ReadHoldingRegisters(m.cfg.ReadRegister, 1)
	}
	m.mu.Unlock()

	if err != nil {
		return 0, &control.ResourceError{
			Resource: "modbus device",
			Cause:    err,
		}
	}
	if len(data) < 2 {
		return 0, &control.ResourceError{
			Resource: "modbus device",
			Cause:    fmt.Errorf("short register read: %d bytes", len(data)),
		}
	}

	raw := int16(uint16(data[0])<<8 | uint16(data[1]))
	return m.cfg.FromCounts(raw), nil
}

// Apply writes the output to the command register.
func (m *Modbus) Apply(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return &control.ResourceError{
			Resource: "modbus device",
			Cause:    err,
		}
	}

	raw := uint16(m.cfg.ToCounts(value))

	m.mu.Lock()
	_, err := m.client.WriteSingleRegister(m.cfg.WriteRegister, raw)
	m.mu.Unlock()

	if err != nil {
		return &control.ResourceError{
			Resource: "modbus device",
			Cause:    err,
		}
	}
	return nil
}

// Close shuts the connection down.
func (m *Modbus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler.Close()
}
