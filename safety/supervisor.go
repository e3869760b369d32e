package safety

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// maxEvents caps the transition history kept for the operator surface.
const maxEvents = 64

// A Heartbeat is what the control loop reports after every cycle. The
// supervisor judges staleness from Time and escalates from the counters.
type Heartbeat struct {
	Time       time.Time
	Estimate   float64
	Rejections int
	Degraded   int
}

// Status is a point-in-time snapshot for the operator surface. Rejections
// and Degraded mirror the consecutive fault counters of the latest
// heartbeat.
type Status struct {
	State         control.SafetyState `json:"-"`
	StateName     string              `json:"state"`
	Cause         string              `json:"cause,omitempty"`
	Acknowledged  bool                `json:"acknowledged"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Rejections    int                 `json:"rejected_measurements"`
	Degraded      int                 `json:"degraded_cycles"`
	Fallback      string              `json:"fallback"`
}

// A Supervisor watches the control loop from an independent clock. It never
// computes control moves; it only escalates, latches, and gates.
type Supervisor struct {
	*control.HookableBase

	name string
	log  *log.Logger

	mu      sync.Mutex
	cfg     Config
	machine *machine
	events  []Transition

	beat atomic.Pointer[Heartbeat]
}

// Heartbeat records the loop's latest cycle. Any goroutine may call it; the
// newest beat wins.
func (s *Supervisor) Heartbeat(h Heartbeat) {
	s.beat.Store(&h)
}

// Name returns the supervisor name.
func (s *Supervisor) Name() string {
	return s.name
}

// State returns the current safety state.
func (s *Supervisor) State() control.SafetyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.state
}

// Snapshot returns the full status for the operator surface.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	st := Status{
		State:        s.machine.state,
		StateName:    s.machine.state.String(),
		Cause:        s.machine.cause,
		Acknowledged: s.machine.acked,
		Fallback:     s.cfg.Fallback.Kind.String(),
	}
	s.mu.Unlock()

	if hb := s.beat.Load(); hb != nil {
		st.LastHeartbeat = hb.Time
		st.Rejections = hb.Rejections
		st.Degraded = hb.Degraded
	}
	return st
}

// Events returns the recorded transitions, oldest first.
func (s *Supervisor) Events() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition{}, s.events...)
}

// Check runs one watchdog evaluation at the given time. The run loop calls
// it every watchdog interval; tests call it directly to step the supervisor
// deterministically.
func (s *Supervisor) Check(now time.Time) (Transition, bool) {
	hb := s.beat.Load()

	s.mu.Lock()
	cfg := s.cfg

	severity := control.SafetyNormal
	cause := ""

	if hb != nil {
		if age := now.Sub(hb.Time); age > cfg.HeartbeatTimeout {
			severity = control.SafetyEmergency
			cause = fmt.Sprintf(
				"control loop heartbeat stale for %v",
				age.Truncate(time.Millisecond))
		}

		if sev, c := cfg.classify(hb.Estimate); sev > severity {
			severity, cause = sev, c
		}

		if hb.Rejections >= cfg.MaxRejections &&
			control.SafetyAlarm > severity {
			severity = control.SafetyAlarm
			cause = fmt.Sprintf(
				"%d consecutive measurements rejected",
				hb.Rejections)
		}

		if hb.Degraded >= cfg.MaxDegraded {
			// Degradation that keeps accumulating past twice the
			// threshold means the fallback has been driving the
			// plant for a long stretch.
			sev := control.SafetyAlarm
			if hb.Degraded >= 2*cfg.MaxDegraded {
				sev = control.SafetyEmergency
			}
			if sev > severity {
				severity = sev
				cause = fmt.Sprintf(
					"%d consecutive degraded cycles",
					hb.Degraded)
			}
		}
	}

	tr, changed := s.machine.observe(severity, cause, now)
	if changed {
		s.appendEvent(tr)
	}
	s.mu.Unlock()

	if changed {
		s.announce(tr)
	}
	return tr, changed
}

// Run evaluates the watchdog on its own ticker until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.WatchdogInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Check(now)

			s.mu.Lock()
			next := s.cfg.WatchdogInterval
			s.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Acknowledge marks a latched state as seen. With nothing latched it does
// nothing.
func (s *Supervisor) Acknowledge() {
	s.mu.Lock()
	s.machine.acknowledge()
	s.mu.Unlock()
}

// Reset returns an acknowledged, latched supervisor to Normal. It refuses
// to reset a state nobody acknowledged.
func (s *Supervisor) Reset() error {
	s.mu.Lock()
	tr, changed, err := s.machine.reset(time.Now())
	if changed {
		s.appendEvent(tr)
	}
	s.mu.Unlock()

	if changed {
		s.announce(tr)
	}
	return err
}

// EStop latches Emergency immediately. It is the operator's big red
// button: the fallback takes the actuator until someone acknowledges and
// resets.
func (s *Supervisor) EStop(cause string) {
	if cause == "" {
		cause = "operator emergency stop"
	}
	s.latch(control.SafetyEmergency, cause)
}

// RequestShutdown latches Shutdown, the terminal state. It wins over every
// other state, including a latched Emergency.
func (s *Supervisor) RequestShutdown(cause string) {
	if cause == "" {
		cause = "shutdown requested"
	}
	s.latch(control.SafetyShutdown, cause)
}

func (s *Supervisor) latch(severity control.SafetyState, cause string) {
	s.mu.Lock()
	tr, changed := s.machine.observe(severity, cause, time.Now())
	if changed {
		s.appendEvent(tr)
	}
	s.mu.Unlock()

	if changed {
		s.announce(tr)
	}
}

// UpdateConfig swaps the supervisor tuning. The new limits apply from the
// next check.
func (s *Supervisor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.machine.clearTicks = cfg.ClearChecks
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) fallback() Fallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Fallback
}

func (s *Supervisor) appendEvent(tr Transition) {
	s.events = append(s.events, tr)
	if len(s.events) > maxEvents {
		s.events = s.events[1:]
	}
}

func (s *Supervisor) announce(tr Transition) {
	s.log.Printf("safety %s: %s -> %s: %s",
		s.name, tr.From, tr.To, tr.Cause)
	s.InvokeHook(control.HookCtx{
		Domain: s,
		Pos:    control.HookPosSafetyTransition,
		Item:   tr,
	})
}

// A Builder can build supervisors.
type Builder struct {
	cfg    Config
	logger *log.Logger
}

// MakeBuilder returns a Builder with the default tuning.
func MakeBuilder() Builder {
	return Builder{cfg: DefaultConfig()}
}

// WithConfig sets the supervisor tuning.
func (b Builder) WithConfig(cfg Config) Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets where transitions are logged.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the supervisor. Invalid tuning at build time is a wiring
// mistake and panics; runtime replacements go through UpdateConfig.
func (b Builder) Build(name string) *Supervisor {
	if err := b.cfg.Validate(); err != nil {
		panic(err)
	}

	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Supervisor{
		HookableBase: control.NewHookableBase(),
		name:         name,
		log:          logger,
		cfg:          b.cfg,
		machine:      newMachine(b.cfg.ClearChecks),
	}
	s.beat.Store(&Heartbeat{Time: time.Now(), Estimate: math.NaN()})
	return s
}
