// Package circuit tracks consecutive cycle failures and decides when the
// monitor must stop.
//
// The state is a pure function of the failure count:
//
//	0                      healthy
//	1 .. Unhealthy-1       degraded
//	Unhealthy .. Stop-1    unhealthy
//	Stop and above         stopped (terminal)
//
// A success resets the count to zero unless the circuit has already stopped.
// Stopped never clears; only a process restart does.
package circuit

// Status is the operational status derived from the failure count.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
)

// Rank orders statuses from healthy (0) to stopped (3).
func (s Status) Rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusStopped:
		return 3
	default:
		return -1
	}
}

// Thresholds configures the failure bands.
type Thresholds struct {
	// Unhealthy is the failure count at which status becomes unhealthy.
	Unhealthy int
	// Stop is the failure count at which the circuit stops.
	Stop int
}

// DefaultThresholds returns the default bands: unhealthy at 5, stop at 20.
func DefaultThresholds() Thresholds {
	return Thresholds{Unhealthy: 5, Stop: 20}
}

// Classify maps a consecutive failure count to a status. Stop wins when it is
// configured below Unhealthy.
func (t Thresholds) Classify(failures int) Status {
	switch {
	case failures <= 0:
		return StatusHealthy
	case t.Stop > 0 && failures >= t.Stop:
		return StatusStopped
	case t.Unhealthy > 0 && failures >= t.Unhealthy:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// State is the circuit state after some sequence of outcomes.
type State struct {
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Status              Status `json:"status"`
}

// Initial is the state before any cycle has run.
func Initial() State {
	return State{Status: StatusHealthy}
}

// Stopped reports whether the circuit has tripped.
func (s State) Stopped() bool {
	return s.Status == StatusStopped
}

// Reduce applies one cycle outcome to s.
func Reduce(s State, success bool, t Thresholds) State {
	if s.Stopped() {
		return s
	}
	if success {
		return State{ConsecutiveFailures: 0, Status: StatusHealthy}
	}
	n := s.ConsecutiveFailures + 1
	return State{ConsecutiveFailures: n, Status: t.Classify(n)}
}

// RestartDue reports whether a recovery restart should be forced after
// failures consecutive failures: every multiple of every, starting at every.
// A non-positive every disables forced restarts.
func RestartDue(failures, every int) bool {
	if every <= 0 || failures < every {
		return false
	}
	return failures%every == 0
}

// Breaker holds a State and reports the transition into stopped exactly once.
// It is not safe for concurrent use; the cycle runner is its only caller.
type Breaker struct {
	thresholds Thresholds
	state      State
}

// NewBreaker creates a breaker in the initial state.
func NewBreaker(t Thresholds) *Breaker {
	return &Breaker{thresholds: t, state: Initial()}
}

// State returns the current state.
func (b *Breaker) State() State {
	return b.state
}

// Thresholds returns the configured bands.
func (b *Breaker) Thresholds() Thresholds {
	return b.thresholds
}

// Record applies an outcome. tripped is true only on the call that moved the
// circuit into stopped.
func (b *Breaker) Record(success bool) (next State, tripped bool) {
	prev := b.state
	b.state = Reduce(prev, success, b.thresholds)
	return b.state, !prev.Stopped() && b.state.Stopped()
}
