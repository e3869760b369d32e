package control

import "log"

// LogHookBase provides the common logic for hooks that write to a logger.
type LogHookBase struct {
	*log.Logger
}

// A CycleLogger is a hook that prints every completed control cycle. Attach
// it to a loop to trace what the controller is doing.
type CycleLogger struct {
	LogHookBase
}

// NewCycleLogger returns a CycleLogger that writes to the given logger.
func NewCycleLogger(logger *log.Logger) *CycleLogger {
	h := new(CycleLogger)
	h.Logger = logger
	return h
}

// Func writes the cycle record into the logger.
func (h *CycleLogger) Func(ctx HookCtx) {
	if ctx.Pos != HookPosCycleDone {
		return
	}

	res, ok := ctx.Item.(ControlCycleResult)
	if !ok {
		return
	}

	h.Printf("cycle %d: sp %.4g, y %.4g, u %.4g, %s in %s, safety %s",
		res.Seq, res.Setpoint, res.Measurement, res.Applied,
		res.Status, res.SolveTime, res.SafetyState)
}
