package control

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a controller fault. The safety supervisor and the
// recorder use the kind to decide escalation and how to count the fault.
type ErrorKind int

const (
	// KindConfiguration marks invalid parameters, horizons, or bounds.
	// Configuration faults are rejected before they reach the loop.
	KindConfiguration ErrorKind = iota

	// KindEstimation marks rejected measurements or filter faults. The
	// loop continues on the previous estimate.
	KindEstimation

	// KindOptimization marks solver failures and budget exhaustion. The
	// loop degrades to the previously applied output.
	KindOptimization

	// KindSafety marks limit violations detected by the supervisor.
	KindSafety

	// KindResource marks exhausted compute or I/O budgets.
	KindResource
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindEstimation:
		return "estimation"
	case KindOptimization:
		return "optimization"
	case KindSafety:
		return "safety"
	case KindResource:
		return "resource"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// A kinder is an error that knows its classification.
type kinder interface {
	Kind() ErrorKind
}

// KindOf reports the classification of err. It unwraps the chain until a
// classified error is found.
func KindOf(err error) (ErrorKind, bool) {
	for err != nil {
		if k, ok := err.(kinder); ok {
			return k.Kind(), true
		}
		err = errors.Unwrap(err)
	}
	return 0, false
}

// A ConfigurationError reports a parameter that fails validation. The field
// names the offending entry in dotted form, such as "controller.horizon".
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Kind returns KindConfiguration.
func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }

// An EstimationError reports a measurement the estimator refused to use.
type EstimationError struct {
	Value  float64
	Reason string
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimation: measurement %v rejected: %s",
		e.Value, e.Reason)
}

// Kind returns KindEstimation.
func (e *EstimationError) Kind() ErrorKind { return KindEstimation }

// An OptimizationError reports a solve that did not produce a trajectory the
// loop can trust. Status carries the terminal solver status.
type OptimizationError struct {
	Status SolverStatus
	Reason string
	Cause  error
}

func (e *OptimizationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("optimization: %s: %s: %v",
			e.Status, e.Reason, e.Cause)
	}
	return fmt.Sprintf("optimization: %s: %s", e.Status, e.Reason)
}

func (e *OptimizationError) Unwrap() error { return e.Cause }

// Kind returns KindOptimization.
func (e *OptimizationError) Kind() ErrorKind { return KindOptimization }

// A SafetyViolation reports a monitored signal outside its configured limit.
type SafetyViolation struct {
	Signal string
	Value  float64
	Limit  float64
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("safety: %s at %v violates limit %v",
		e.Signal, e.Value, e.Limit)
}

// Kind returns KindSafety.
func (e *SafetyViolation) Kind() ErrorKind { return KindSafety }

// A ResourceError reports an exhausted budget, such as a solve that ran out
// of wall-clock time.
type ResourceError struct {
	Resource string
	Budget   time.Duration
	Cause    error
}

func (e *ResourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resource: %s exceeded budget %v: %v",
			e.Resource, e.Budget, e.Cause)
	}
	return fmt.Sprintf("resource: %s exceeded budget %v",
		e.Resource, e.Budget)
}

func (e *ResourceError) Unwrap() error { return e.Cause }

// Kind returns KindResource.
func (e *ResourceError) Kind() ErrorKind { return KindResource }
