package optimization

import (
	"math"
	"time"

	"github.com/reh3376/ignition-tools-sub002/constraints"
	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// dualTol ends the ascent when no multiplier moved more than this,
// relative to the largest multiplier.
const dualTol = 1e-9

// feasTol scales the hard-constraint acceptance threshold.
const feasTol = 1e-6

// slackTol is the relaxation the solution may use before it counts as a
// violated soft bound.
const slackTol = 1e-6

// hildrethResult carries the raw solver outcome before it is dressed into
// a Solution.
type hildrethResult struct {
	z          []float64
	lambda     []float64
	status     control.SolverStatus
	iterations int
}

// hildreth runs dual coordinate ascent on
//
//	min 0.5 z'Hz + f'z  s.t.  M z <= gamma
//
// starting from the warm multipliers when their shape matches. It stops on
// convergence, on the iteration cap, or at the deadline, and always returns
// the best iterate reached.
func hildreth(
	chol *mat.Cholesky,
	f []float64,
	bundle *constraints.Bundle,
	warmDual []float64,
	maxIter int,
	deadline time.Time,
) hildrethResult {
	nz := len(f)

	// Unconstrained minimizer.
	fv := mat.NewVecDense(nz, append([]float64{}, f...))
	var zUnc mat.VecDense
	if err := chol.SolveVecTo(&zUnc, fv); err != nil {
		// The factorization already succeeded; solving can only
		// fail on a broken backend.
		panic(err)
	}
	zUnc.ScaleVec(-1, &zUnc)

	rows := bundle.Size()
	if rows == 0 || bundle.Satisfied(zUnc.RawVector().Data, 0) {
		return hildrethResult{
			z:      vecData(&zUnc),
			status: control.SolverConverged,
		}
	}

	// v[i] = Hinv m_i, the sensitivity of the minimizer to row i.
	v := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		mi := mat.NewVecDense(nz, nil)
		for j := 0; j < nz; j++ {
			mi.SetVec(j, bundle.M.At(i, j))
		}
		var vi mat.VecDense
		if err := chol.SolveVecTo(&vi, mi); err != nil {
			panic(err)
		}
		v[i] = vecData(&vi)
	}

	// P = M Hinv M', d = M Hinv f + gamma.
	p := make([][]float64, rows)
	d := make([]float64, rows)
	for i := 0; i < rows; i++ {
		p[i] = make([]float64, rows)
		for j := 0; j < rows; j++ {
			s := 0.0
			for k := 0; k < nz; k++ {
				s += bundle.M.At(i, k) * v[j][k]
			}
			p[i][j] = s
		}
		s := 0.0
		for k := 0; k < nz; k++ {
			s += bundle.M.At(i, k) * (-zUnc.AtVec(k))
		}
		d[i] = s + bundle.Gamma[i]
	}

	lambda := make([]float64, rows)
	if len(warmDual) == rows {
		copy(lambda, warmDual)
	}

	status := control.SolverIterationLimit
	iterations := 0
	for sweep := 0; sweep < maxIter; sweep++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			status = control.SolverTimedOut
			break
		}

		maxDelta := 0.0
		maxLambda := 0.0
		for i := 0; i < rows; i++ {
			pii := p[i][i]
			if pii < 1e-14 {
				continue
			}
			w := -d[i]
			for j := 0; j < rows; j++ {
				if j != i {
					w -= p[i][j] * lambda[j]
				}
			}
			next := w / pii
			if next < 0 {
				next = 0
			}
			if delta := math.Abs(next - lambda[i]); delta > maxDelta {
				maxDelta = delta
			}
			lambda[i] = next
			if next > maxLambda {
				maxLambda = next
			}
		}
		iterations++

		if maxDelta <= dualTol*(1+maxLambda) {
			status = control.SolverConverged
			break
		}
	}

	// z = zUnc - sum_i lambda_i v_i.
	z := vecData(&zUnc)
	for i := 0; i < rows; i++ {
		if lambda[i] == 0 {
			continue
		}
		for k := 0; k < nz; k++ {
			z[k] -= lambda[i] * v[i][k]
		}
	}

	return hildrethResult{
		z:          z,
		lambda:     lambda,
		status:     status,
		iterations: iterations,
	}
}

func vecData(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
