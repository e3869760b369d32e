// Package constraints stacks the tuning's bounds into the inequality
// system the optimizer solves against. Infinite bounds produce no rows, so
// an unbounded loop pays nothing for the machinery.
package constraints

import (
	"fmt"
	"math"

	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// RowKind names what a constraint row protects.
type RowKind int

const (
	InputMax RowKind = iota
	InputMin
	RateMax
	RateMin
	OutputMax
	OutputMin
	SlackNonNegative
)

func (k RowKind) String() string {
	switch k {
	case InputMax:
		return "input_max"
	case InputMin:
		return "input_min"
	case RateMax:
		return "rate_max"
	case RateMin:
		return "rate_min"
	case OutputMax:
		return "output_max"
	case OutputMin:
		return "output_min"
	case SlackNonNegative:
		return "slack_nonneg"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// A Row records the provenance of one inequality.
type Row struct {
	Kind RowKind

	// Step is the planned move the row bounds, or the predicted sample
	// for output rows.
	Step int

	// Hard rows must hold at the solution; soft rows borrow the shared
	// slack.
	Hard bool
}

// A Bundle is the stacked system M z <= gamma over the decision vector.
// When soft output bounds are present, z is the planned moves with the
// shared slack appended as the last entry; otherwise z is the moves alone.
type Bundle struct {
	M     *mat.Dense
	Gamma []float64
	Rows  []Row

	// Moves is the number of planned input moves, HasSlack whether the
	// slack column exists.
	Moves    int
	HasSlack bool
}

// Size returns the number of inequality rows.
func (b *Bundle) Size() int { return len(b.Rows) }

// Vars returns the decision dimension.
func (b *Bundle) Vars() int {
	if b.HasSlack {
		return b.Moves + 1
	}
	return b.Moves
}

// Build stacks input magnitude, input rate, and output rows for a horizon.
// phi and fx describe the predicted outputs as y = fx + phi*U; they are
// only read when an output bound is finite. prevApplied anchors the first
// rate row.
func Build(
	set control.ConstraintSet,
	moves int,
	phi *mat.Dense,
	fx []float64,
	prevApplied float64,
) (*Bundle, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if moves < 1 {
		return nil, &control.ConfigurationError{
			Field:  "constraints.moves",
			Reason: "must be at least 1",
		}
	}

	softOutputs := !set.YHard &&
		(!math.IsInf(set.YMin, -1) || !math.IsInf(set.YMax, 1))

	vars := moves
	if softOutputs {
		vars = moves + 1
	}
	slackCol := vars - 1

	var rows []Row
	var coeffs [][]float64
	var gamma []float64

	addRow := func(row Row, c []float64, g float64) {
		rows = append(rows, row)
		coeffs = append(coeffs, c)
		gamma = append(gamma, g)
	}

	// Input magnitude, one pair per move.
	for c := 0; c < moves; c++ {
		if !math.IsInf(set.UMax, 1) {
			r := make([]float64, vars)
			r[c] = 1
			addRow(Row{Kind: InputMax, Step: c, Hard: true},
				r, set.UMax)
		}
		if !math.IsInf(set.UMin, -1) {
			r := make([]float64, vars)
			r[c] = -1
			addRow(Row{Kind: InputMin, Step: c, Hard: true},
				r, -set.UMin)
		}
	}

	// Input rate. The first move is measured against the previously
	// applied output.
	for c := 0; c < moves; c++ {
		if !math.IsInf(set.DUMax, 1) {
			r := make([]float64, vars)
			r[c] = 1
			g := set.DUMax
			if c == 0 {
				g += prevApplied
			} else {
				r[c-1] = -1
			}
			addRow(Row{Kind: RateMax, Step: c, Hard: true}, r, g)
		}
		if !math.IsInf(set.DUMin, -1) {
			r := make([]float64, vars)
			r[c] = -1
			g := -set.DUMin
			if c == 0 {
				g -= prevApplied
			} else {
				r[c-1] = 1
			}
			addRow(Row{Kind: RateMin, Step: c, Hard: true}, r, g)
		}
	}

	// Output bounds over the prediction horizon.
	if !math.IsInf(set.YMin, -1) || !math.IsInf(set.YMax, 1) {
		if phi == nil || len(fx) == 0 {
			return nil, &control.ConfigurationError{
				Field:  "constraints.y",
				Reason: "output bounds need a prediction map",
			}
		}
		np := len(fx)
		for j := 0; j < np; j++ {
			if !math.IsInf(set.YMax, 1) {
				r := make([]float64, vars)
				for c := 0; c < moves; c++ {
					r[c] = phi.At(j, c)
				}
				if softOutputs {
					r[slackCol] = -1
				}
				addRow(Row{
					Kind: OutputMax,
					Step: j,
					Hard: set.YHard,
				}, r, set.YMax-fx[j])
			}
			if !math.IsInf(set.YMin, -1) {
				r := make([]float64, vars)
				for c := 0; c < moves; c++ {
					r[c] = -phi.At(j, c)
				}
				if softOutputs {
					r[slackCol] = -1
				}
				addRow(Row{
					Kind: OutputMin,
					Step: j,
					Hard: set.YHard,
				}, r, fx[j]-set.YMin)
			}
		}
	}

	if softOutputs {
		r := make([]float64, vars)
		r[slackCol] = -1
		addRow(Row{Kind: SlackNonNegative, Hard: true}, r, 0)
	}

	b := &Bundle{
		Gamma:    gamma,
		Rows:     rows,
		Moves:    moves,
		HasSlack: softOutputs,
	}
	if len(rows) > 0 {
		b.M = mat.NewDense(len(rows), vars, nil)
		for i, r := range coeffs {
			b.M.SetRow(i, r)
		}
	}
	return b, nil
}

// Residual returns gamma_i - m_i . z, negative when row i is violated.
func (b *Bundle) Residual(i int, z []float64) float64 {
	s := 0.0
	for j, v := range z {
		s += b.M.At(i, j) * v
	}
	return b.Gamma[i] - s
}

// WorstHard returns the largest violation among hard rows at z, together
// with the offending row. A non-positive violation means every hard row
// holds.
func (b *Bundle) WorstHard(z []float64) (float64, Row) {
	worst := math.Inf(-1)
	var at Row
	found := false
	for i, row := range b.Rows {
		if !row.Hard {
			continue
		}
		v := -b.Residual(i, z)
		if v > worst {
			worst = v
			at = row
			found = true
		}
	}
	if !found {
		return 0, Row{}
	}
	return worst, at
}

// Satisfied reports whether every row holds at z within tol.
func (b *Bundle) Satisfied(z []float64, tol float64) bool {
	for i := range b.Rows {
		if b.Residual(i, z) < -tol {
			return false
		}
	}
	return true
}
