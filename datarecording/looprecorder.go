package datarecording

import (
	"fmt"
	"math"
	"os"

	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

// Tables written by the LoopRecorder.
const (
	TableControlCycles = "control_cycles"
	TableSafetyEvents  = "safety_events"
	TableRejections    = "estimation_rejections"
)

// CycleRow is the persisted form of one control cycle. Times are unix
// nanoseconds and planned trajectories are dropped; only the applied move
// matters after the fact.
type CycleRow struct {
	ID               string  `json:"id"`
	Seq              int64   `json:"seq"`
	Time             int64   `json:"time_unix_nano"`
	Setpoint         float64 `json:"setpoint"`
	Measurement      float64 `json:"measurement"`
	MeasurementValid bool    `json:"measurement_valid"`
	Estimate         float64 `json:"estimate"`
	Proposed         float64 `json:"proposed"`
	Applied          float64 `json:"applied"`
	Status           string  `json:"status"`
	Iterations       int     `json:"iterations"`
	Cost             float64 `json:"cost"`
	Feasible         bool    `json:"feasible"`
	Relaxed          bool    `json:"relaxed"`
	SolveNanos       int64   `json:"solve_nanos"`
	Degraded         bool    `json:"degraded"`
	Overridden       bool    `json:"overridden"`
	SafetyState      string  `json:"safety_state"`
	Fault            string  `json:"fault,omitempty"`
	Overrun          bool    `json:"overrun"`
}

// NewCycleRow flattens a cycle result into its persisted form.
func NewCycleRow(res control.ControlCycleResult) CycleRow {
	return CycleRow{
		ID:               res.ID,
		Seq:              int64(res.Seq),
		Time:             res.Time.UnixNano(),
		Setpoint:         res.Setpoint,
		Measurement:      finiteOrZero(res.Measurement),
		MeasurementValid: res.MeasurementValid,
		Estimate:         res.Estimate,
		Proposed:         res.Proposed,
		Applied:          res.Applied,
		Status:           res.Status.String(),
		Iterations:       res.Iterations,
		Cost:             finiteOrZero(res.Cost),
		Feasible:         res.Feasible,
		Relaxed:          res.Relaxed,
		SolveNanos:       res.SolveTime.Nanoseconds(),
		Degraded:         res.Degraded,
		Overridden:       res.Overridden,
		SafetyState:      res.SafetyState.String(),
		Fault:            res.Fault,
		Overrun:          res.Overrun,
	}
}

// finiteOrZero guards the SQLite backend: NaN lands as NULL, which cannot
// be scanned back into a float64. A rejected measurement reads as zero with
// MeasurementValid false.
func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return v
}

// SafetyEventRow is one persisted safety state change.
type SafetyEventRow struct {
	Time  int64  `json:"time_unix_nano"`
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause"`
}

// RejectionRow is one persisted measurement rejection.
type RejectionRow struct {
	Seq         int64   `json:"seq"`
	Time        int64   `json:"time_unix_nano"`
	Measurement float64 `json:"measurement"`
	Reason      string  `json:"reason"`
}

// LoopRecorder is a hook that persists cycle results, safety transitions,
// and measurement rejections. Attach it to a loop and its supervisor with
// Observe.
type LoopRecorder struct {
	rec DataRecorder
}

// NewLoopRecorder creates the recorder and its tables.
func NewLoopRecorder(rec DataRecorder) *LoopRecorder {
	r := &LoopRecorder{rec: rec}

	rec.CreateTable(TableControlCycles, CycleRow{})
	rec.CreateTable(TableSafetyEvents, SafetyEventRow{})
	rec.CreateTable(TableRejections, RejectionRow{})

	return r
}

// Observe registers the recorder on a hookable domain.
func (r *LoopRecorder) Observe(domain control.Hookable) {
	domain.AcceptHook(r)
}

// Func implements control.Hook.
func (r *LoopRecorder) Func(ctx control.HookCtx) {
	switch ctx.Pos {
	case control.HookPosCycleDone:
		res, ok := ctx.Item.(control.ControlCycleResult)
		if !ok {
			return
		}

		r.rec.InsertData(TableControlCycles, NewCycleRow(res))

		if !res.MeasurementValid {
			r.rec.InsertData(TableRejections, RejectionRow{
				Seq:         int64(res.Seq),
				Time:        res.Time.UnixNano(),
				Measurement: finiteOrZero(res.Measurement),
				Reason:      res.Fault,
			})
		}
	case control.HookPosSafetyTransition:
		tr, ok := ctx.Item.(safety.Transition)
		if !ok {
			return
		}

		r.rec.InsertData(TableSafetyEvents, SafetyEventRow{
			Time:  tr.Time.UnixNano(),
			From:  tr.From.String(),
			To:    tr.To.String(),
			Cause: tr.Cause,
		})
	}
}

// Flush forwards to the backend.
func (r *LoopRecorder) Flush() {
	r.rec.Flush()
}

// OpenBackend builds the recorder named by the recording configuration.
// Kind "none" or an empty kind disables recording.
func OpenBackend(kind, path string) (DataRecorder, error) {
	switch kind {
	case "", "none":
		return Nop(), nil
	case "sqlite":
		if path != "" {
			if _, err := os.Stat(path + ".sqlite3"); err == nil {
				return nil, &control.ConfigurationError{
					Field:  "recording.path",
					Reason: fmt.Sprintf("%s.sqlite3 already exists", path),
				}
			}
		}

		return New(path), nil
	case "csv":
		return NewCSV(path), nil
	default:
		return nil, &control.ConfigurationError{
			Field:  "recording.backend",
			Reason: fmt.Sprintf("unknown backend %q", kind),
		}
	}
}

type nopRecorder struct{}

// Nop returns a recorder that drops everything.
func Nop() DataRecorder { return nopRecorder{} }

func (nopRecorder) CreateTable(string, any) {}
func (nopRecorder) InsertData(string, any)  {}
func (nopRecorder) ListTables() []string    { return nil }
func (nopRecorder) Flush()                  {}
func (nopRecorder) Close() error            { return nil }
