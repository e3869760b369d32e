package control

import "sync"

// HookPos defines the enum of possible hooking positions
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accept Hooks
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)
}

// HookPosCycleDone is a hook position that triggers after a control cycle
// completes, with the ControlCycleResult as the item.
var HookPosCycleDone = &HookPos{Name: "CycleDone"}

// HookPosMeasurementRejected is a hook position that triggers when the
// estimator discards a measurement and holds its previous estimate.
var HookPosMeasurementRejected = &HookPos{Name: "MeasurementRejected"}

// HookPosOptimizationDegraded is a hook position that triggers when the
// optimizer cannot produce a usable trajectory and the loop falls back to
// the previously applied output.
var HookPosOptimizationDegraded = &HookPos{Name: "OptimizationDegraded"}

// HookPosSafetyTransition is a hook position that triggers on every safety
// state change, with a safety.Transition as the item.
var HookPosSafetyTransition = &HookPos{Name: "SafetyTransition"}

// HookPosOutputApplied is a hook position that triggers after the gated
// output is written to the actuator.
var HookPosOutputApplied = &HookPos{Name: "OutputApplied"}

// HookPosConfigSwapped is a hook position that triggers after a validated
// configuration replaces the active one.
var HookPosConfigSwapped = &HookPos{Name: "ConfigSwapped"}

// HookPosCycleOverrun is a hook position that triggers when a cycle misses
// its deadline and the next tick is skipped.
var HookPosCycleOverrun = &HookPos{Name: "CycleOverrun"}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface. Hooks may be attached while the control and
// watchdog goroutines are running, so the hook list is guarded.
type HookableBase struct {
	mu    sync.RWMutex
	hooks []Hook
}

// NewHookableBase creates a HookableBase object
func NewHookableBase() *HookableBase {
	h := new(HookableBase)
	h.hooks = make([]Hook, 0)
	return h
}

// AcceptHook register a hook
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks)
}

// InvokeHook triggers the register Hooks
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.Func(ctx)
	}
}
