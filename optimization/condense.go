// Package optimization plans input trajectories by condensing the tracking
// problem into a small quadratic program over the control moves and solving
// it with Hildreth's dual coordinate ascent. Solves are bounded in both
// iterations and wall-clock time; a solve that runs out returns its best
// iterate and says so.
package optimization

import (
	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// A condensed problem expresses the predicted outputs as y = fx + phi*U
// over the planned moves and carries the quadratic cost
// J = 0.5 U'HU + f'U + const built from the tracking weights.
type condensed struct {
	phi *mat.Dense // np x nc prediction map
	fx  []float64  // free response, length np
	h   *mat.SymDense
	f   []float64
	ref []float64 // expanded reference, length np
}

// condense builds the prediction map and cost for the given state and
// reference. The reference may be a single value, broadcast across the
// horizon, or one value per predicted sample.
func condense(
	model *control.DiscreteModel,
	cfg control.ControllerConfig,
	state *mat.VecDense,
	reference []float64,
) (*condensed, error) {
	np := cfg.PredictionHorizon
	nc := cfg.ControlHorizon
	n := model.Order()

	if state.Len() != n {
		return nil, &control.ConfigurationError{
			Field:  "optimization.state",
			Reason: "dimension does not match the model order",
		}
	}

	ref, err := expandReference(reference, np)
	if err != nil {
		return nil, err
	}

	// Free response fx[j] = Cd Ad^(j+1) x0 and Markov parameters
	// markov[m] = Cd Ad^m Bd, both from one pass of row propagation:
	// row starts as Cd and picks up one factor of Ad per sample.
	fx := make([]float64, np)
	markov := make([]float64, np)
	row := mat.VecDenseCopyOf(model.Cd)
	tmp := mat.NewVecDense(n, nil)
	for j := 0; j < np; j++ {
		markov[j] = mat.Dot(row, model.Bd)
		tmp.MulVec(model.Ad.T(), row)
		row.CopyVec(tmp)
		fx[j] = mat.Dot(row, state)
	}

	// phi[j][c] collects how move c reaches sample j, with the last
	// move held through the prediction tail.
	phi := mat.NewDense(np, nc, nil)
	for j := 0; j < np; j++ {
		for i := 0; i <= j; i++ {
			c := i
			if c > nc-1 {
				c = nc - 1
			}
			phi.Set(j, c, phi.At(j, c)+markov[j-i])
		}
		dcol := j
		if dcol > nc-1 {
			dcol = nc - 1
		}
		phi.Set(j, dcol, phi.At(j, dcol)+model.Dd)
	}

	// Per-sample output weights, with the terminal weight folded into
	// the last sample.
	qy := make([]float64, np)
	for j := range qy {
		qy[j] = cfg.TrackingWeight
	}
	qy[np-1] += cfg.TerminalWeight

	// Effort counts every sample, so the held tail multiplies the last
	// move's weight.
	rw := make([]float64, nc)
	for c := range rw {
		rw[c] = cfg.EffortWeight
	}
	rw[nc-1] *= float64(np - nc + 1)

	// H = 2(phi' Qy phi + Rw), f = 2 phi' Qy (fx - ref).
	h := mat.NewSymDense(nc, nil)
	f := make([]float64, nc)
	for a := 0; a < nc; a++ {
		for b := a; b < nc; b++ {
			s := 0.0
			for j := 0; j < np; j++ {
				s += qy[j] * phi.At(j, a) * phi.At(j, b)
			}
			s *= 2
			if a == b {
				s += 2 * rw[a]
			}
			h.SetSym(a, b, s)
		}
		s := 0.0
		for j := 0; j < np; j++ {
			s += qy[j] * phi.At(j, a) * (fx[j] - ref[j])
		}
		f[a] = 2 * s
	}

	return &condensed{phi: phi, fx: fx, h: h, f: f, ref: ref}, nil
}

// predict returns the outputs the condensed map assigns to the moves.
func (c *condensed) predict(moves []float64) []float64 {
	np := len(c.fx)
	out := make([]float64, np)
	for j := 0; j < np; j++ {
		s := c.fx[j]
		for i, u := range moves {
			s += c.phi.At(j, i) * u
		}
		out[j] = s
	}
	return out
}

// cost evaluates the tracking objective at the moves, slack penalty
// included.
func (c *condensed) cost(
	cfg control.ControllerConfig,
	moves []float64,
	slack float64,
) float64 {
	predicted := c.predict(moves)
	np := len(predicted)
	nc := len(moves)

	total := 0.0
	for k := 0; k < np; k++ {
		w := cfg.TrackingWeight
		if k == np-1 {
			w += cfg.TerminalWeight
		}
		e := predicted[k] - c.ref[k]
		total += w * e * e
	}
	for i := 0; i < nc; i++ {
		w := cfg.EffortWeight
		if i == nc-1 {
			w *= float64(np - nc + 1)
		}
		total += w * moves[i] * moves[i]
	}
	total += cfg.SlackPenalty * slack * slack
	return total
}

func expandReference(reference []float64, np int) ([]float64, error) {
	switch len(reference) {
	case np:
		return reference, nil
	case 1:
		ref := make([]float64, np)
		for i := range ref {
			ref[i] = reference[0]
		}
		return ref, nil
	default:
		return nil, &control.ConfigurationError{
			Field:  "optimization.reference",
			Reason: "length must be 1 or the prediction horizon",
		}
	}
}
