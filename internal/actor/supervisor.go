package actor

import (
	"math"
	"sync"
	"time"
)

// RestartStrategy selects how a parent reacts to a child's failure (spec
// §4.9). There is no teacher analogue for supervision trees -- this file's
// shape is grounded on the bounded-history idiom spec §3 describes
// ("restart_history: bounded_list<timestamp>") applied generically over
// child ids, so internal/silo can reuse it for actor-instance supervision
// without re-deriving the window/backoff bookkeeping.
type RestartStrategy string

const (
	// OneForOne restarts only the failing child.
	OneForOne RestartStrategy = "OneForOne"

	// AllForOne restarts every child of the parent.
	AllForOne RestartStrategy = "AllForOne"

	// RestForOne restarts the failing child and every child created
	// after it in insertion order.
	RestForOne RestartStrategy = "RestForOne"
)

// Directive is an explicit per-message decision a parent may apply instead
// of running the configured strategy (spec §4.9).
type Directive string

const (
	// DirectiveRestart re-invokes the restart recipe for the affected
	// children, which is what a plain failure does by default.
	DirectiveRestart Directive = "Restart"

	// DirectiveStop deactivates the child permanently.
	DirectiveStop Directive = "Stop"

	// DirectiveResume keeps the child alive without running its restart
	// recipe, for failures known to be benign.
	DirectiveResume Directive = "Resume"
)

// SupervisorConfig parameterizes one parent's restart policy (spec §4.9).
type SupervisorConfig struct {
	Strategy            RestartStrategy
	MaxRestartsInWindow int
	WindowDuration      time.Duration

	// Backoff computes the delay before the restartCount'th restart
	// (0-indexed). DefaultBackoff is used if nil.
	Backoff func(restartCount int) time.Duration
}

// DefaultBackoff is an exponential backoff capped at 30s: 1s, 2s, 4s, ...
func DefaultBackoff(restartCount int) time.Duration {
	base := time.Second
	cap_ := 30 * time.Second

	factor := math.Pow(2, math.Min(float64(restartCount), 10))
	d := time.Duration(float64(base) * factor)
	if d > cap_ {
		return cap_
	}

	return d
}

// DefaultSupervisorConfig returns OneForOne with a generous restart budget.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Strategy:            OneForOne,
		MaxRestartsInWindow: 5,
		WindowDuration:      10 * time.Second,
		Backoff:             DefaultBackoff,
	}
}

// restartHistory is a bounded-by-window FIFO of recent restart timestamps
// for one child (spec §3's restart_history field).
type restartHistory struct {
	timestamps []time.Time
}

func (h *restartHistory) purge(now time.Time, window time.Duration) {
	if window <= 0 {
		return
	}

	cutoff := now.Add(-window)

	i := 0
	for i < len(h.timestamps) && h.timestamps[i].Before(cutoff) {
		i++
	}

	h.timestamps = h.timestamps[i:]
}

// Decision is the outcome of Supervisor.Decide for one child failure.
type Decision struct {
	// Escalate reports whether the restart budget is exhausted and the
	// failure must be raised to this supervisor's own parent (or, for a
	// root supervisor, treated as terminal).
	Escalate bool

	// ToRestart lists, in siblings order, the child ids that must be
	// deactivated and recreated under the configured strategy. Empty
	// when Escalate is true.
	ToRestart []string

	// Wait is the backoff to observe before restarting ToRestart.
	Wait time.Duration
}

// Supervisor implements the restart-cap and strategy-selection logic of
// spec §4.9, independent of how a concrete child is deactivated/recreated
// -- callers own actual lifecycle transitions and only consult Decide.
type Supervisor struct {
	cfg SupervisorConfig

	mu        sync.Mutex
	histories map[string]*restartHistory
}

// NewSupervisor creates a Supervisor with cfg. A zero-value Backoff field
// falls back to DefaultBackoff.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}

	return &Supervisor{
		cfg:       cfg,
		histories: make(map[string]*restartHistory),
	}
}

// Decide records a failure of childID at time now and returns whether to
// escalate or which siblings (given in parent-insertion order) to restart
// under the configured strategy. siblings must include childID.
func (s *Supervisor) Decide(childID string, siblings []string, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[childID]
	if !ok {
		h = &restartHistory{}
		s.histories[childID] = h
	}

	h.purge(now, s.cfg.WindowDuration)

	if len(h.timestamps) >= s.cfg.MaxRestartsInWindow {
		return Decision{Escalate: true}
	}

	h.timestamps = append(h.timestamps, now)

	wait := s.cfg.Backoff(len(h.timestamps) - 1)

	return Decision{
		ToRestart: s.selectSiblings(childID, siblings),
		Wait:      wait,
	}
}

func (s *Supervisor) selectSiblings(childID string, siblings []string) []string {
	switch s.cfg.Strategy {
	case AllForOne:
		out := make([]string, len(siblings))
		copy(out, siblings)
		return out

	case RestForOne:
		for i, id := range siblings {
			if id == childID {
				out := make([]string, len(siblings)-i)
				copy(out, siblings[i:])
				return out
			}
		}
		return []string{childID}

	case OneForOne:
		fallthrough
	default:
		return []string{childID}
	}
}

// RestartCount reports how many restarts are currently recorded (within the
// window) for childID, for observability/tests.
func (s *Supervisor) RestartCount(childID string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[childID]
	if !ok {
		return 0
	}

	h.purge(now, s.cfg.WindowDuration)

	return len(h.timestamps)
}

// Forget drops childID's restart history, used when a child is permanently
// stopped (DirectiveStop) and should no longer count toward any sibling's
// AllForOne/RestForOne restart set.
func (s *Supervisor) Forget(childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.histories, childID)
}
