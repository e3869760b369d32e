package optimization

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/reh3376/ignition-tools-sub002/constraints"
	"github.com/reh3376/ignition-tools-sub002/control"
	"gonum.org/v1/gonum/mat"
)

// tieBreak is the weight of the pull toward the warm start, relative to the
// Hessian scale. It keeps the program strictly convex when the effort
// weight is zero and makes degenerate optima resolve deterministically
// toward the previous plan.
const tieBreak = 1e-8

// A Problem is one cycle's optimization input.
type Problem struct {
	Model       *control.DiscreteModel
	Config      control.ControllerConfig
	Constraints control.ConstraintSet

	// State is the corrected estimate the prediction starts from.
	State *mat.VecDense

	// Reference holds the target output, one value broadcast across the
	// horizon or one per predicted sample.
	Reference []float64

	// PrevApplied anchors the first rate constraint and the fallback
	// warm start.
	PrevApplied float64
}

// A Solution is the planned trajectory and how the solve went. Moves always
// has the control horizon's length, whatever the status; the loop decides
// what it trusts.
type Solution struct {
	Moves     []float64
	Predicted []float64

	Status     control.SolverStatus
	Iterations int
	Cost       float64

	// Feasible reports that every hard constraint holds at the
	// solution. Relaxed reports that soft output bounds borrowed more
	// than a negligible amount of slack.
	Feasible bool
	Relaxed  bool
	Slack    float64

	Duration time.Duration
}

// An Optimizer plans input trajectories. It remembers the previous plan and
// dual multipliers between cycles and warm starts from them, which is what
// makes steady operation cheap: an unchanged problem converges in zero or
// one sweep.
type Optimizer struct {
	mu        sync.Mutex
	lastMoves []float64
	lastDual  []float64
}

// New creates an Optimizer with no warm-start memory.
func New() *Optimizer {
	return &Optimizer{}
}

// Reset drops the warm-start memory. The loop calls it when the model or
// tuning is swapped, and on safety resets, so stale plans never leak into a
// reconfigured problem.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	o.lastMoves = nil
	o.lastDual = nil
	o.mu.Unlock()
}

// Solve plans moves for one cycle. The wall-clock budget is the smaller of
// the tuning's solver budget and the context deadline. On a failed solve
// the returned error is an OptimizationError and the Solution still
// describes the best iterate for diagnostics.
func (o *Optimizer) Solve(ctx context.Context, p Problem) (Solution, error) {
	start := time.Now()

	if p.Model == nil || p.State == nil {
		return Solution{}, &control.ConfigurationError{
			Field:  "optimization.problem",
			Reason: "model and state are required",
		}
	}
	if err := p.Config.Validate(); err != nil {
		return Solution{}, err
	}

	nc := p.Config.ControlHorizon
	cond, err := condense(p.Model, p.Config, p.State, p.Reference)
	if err != nil {
		return Solution{}, err
	}

	bundle, err := constraints.Build(
		p.Constraints, nc, cond.phi, cond.fx, p.PrevApplied)
	if err != nil {
		return Solution{}, err
	}

	warmMoves, warmDual := o.warmStart(nc, p.PrevApplied)

	// Extend the cost to the slack dimension and add the tie-break pull
	// toward the warm start.
	nz := bundle.Vars()
	hz := mat.NewSymDense(nz, nil)
	fz := make([]float64, nz)
	for a := 0; a < nc; a++ {
		for b := a; b < nc; b++ {
			hz.SetSym(a, b, cond.h.At(a, b))
		}
		fz[a] = cond.f[a]
	}
	if bundle.HasSlack {
		hz.SetSym(nc, nc, 2*p.Config.SlackPenalty)
	}

	mu := tieBreak * (1 + meanDiag(cond.h))
	for a := 0; a < nz; a++ {
		hz.SetSym(a, a, hz.At(a, a)+2*mu)
	}
	for a := 0; a < nc; a++ {
		fz[a] -= 2 * mu * warmMoves[a]
	}

	var chol mat.Cholesky
	if !chol.Factorize(hz) {
		return Solution{}, &control.OptimizationError{
			Status: control.SolverInfeasible,
			Reason: "cost hessian is not positive definite",
		}
	}

	deadline := start.Add(p.Config.SolverBudget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		sol := Solution{
			Moves:    append([]float64{}, warmMoves...),
			Status:   control.SolverTimedOut,
			Duration: time.Since(start),
		}
		return sol, &control.OptimizationError{
			Status: control.SolverTimedOut,
			Reason: "cycle deadline expired before the solve",
			Cause:  err,
		}
	}

	res := hildreth(&chol, fz, bundle,
		warmDual, p.Config.SolverMaxIterations, deadline)

	moves := res.z[:nc]
	slack := 0.0
	if bundle.HasSlack {
		slack = math.Max(res.z[nc], 0)
	}

	worst, _ := bundle.WorstHard(res.z)
	feasible := worst <= feasTol*(1+maxAbs(bundle.Gamma))

	sol := Solution{
		Moves:      append([]float64{}, moves...),
		Predicted:  cond.predict(moves),
		Status:     res.status,
		Iterations: res.iterations,
		Cost:       cond.cost(p.Config, moves, slack),
		Feasible:   feasible,
		Relaxed:    slack > slackTol,
		Slack:      slack,
		Duration:   time.Since(start),
	}

	o.remember(moves, res.lambda)

	switch {
	case sol.Status == control.SolverTimedOut:
		return sol, &control.OptimizationError{
			Status: sol.Status,
			Reason: "solver budget exhausted",
			Cause: &control.ResourceError{
				Resource: "solver",
				Budget:   p.Config.SolverBudget,
			},
		}
	case !sol.Feasible:
		sol.Status = control.SolverInfeasible
		return sol, &control.OptimizationError{
			Status: control.SolverInfeasible,
			Reason: "hard constraints cannot be met",
		}
	}

	return sol, nil
}

// warmStart returns the initial plan and multipliers. The previous plan
// shifts forward one sample with its last move repeated; when there is no
// usable memory the previously applied output fills every move.
func (o *Optimizer) warmStart(nc int, prevApplied float64) ([]float64, []float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	moves := make([]float64, nc)
	if len(o.lastMoves) == nc {
		copy(moves, o.lastMoves[1:])
		moves[nc-1] = o.lastMoves[nc-1]
	} else {
		for i := range moves {
			moves[i] = prevApplied
		}
	}

	var dual []float64
	if o.lastDual != nil {
		dual = append([]float64{}, o.lastDual...)
	}
	return moves, dual
}

func (o *Optimizer) remember(moves, dual []float64) {
	o.mu.Lock()
	o.lastMoves = append([]float64{}, moves...)
	o.lastDual = append([]float64{}, dual...)
	o.mu.Unlock()
}

func meanDiag(h *mat.SymDense) float64 {
	n, _ := h.Dims()
	if n == 0 {
		return 0
	}
	s := 0.0
	for i := 0; i < n; i++ {
		s += math.Abs(h.At(i, i))
	}
	return s / float64(n)
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
