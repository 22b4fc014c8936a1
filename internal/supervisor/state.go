package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the lifecycle phase of the supervised resource.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseDegraded
	PhaseRestarting
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseUninitialized: "uninitialized",
	PhaseInitializing:  "initializing",
	PhaseReady:         "ready",
	PhaseDegraded:      "degraded",
	PhaseRestarting:    "restarting",
	PhaseClosed:        "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Event drives a phase transition.
type Event int

const (
	// EventInitialize starts the first resource creation.
	EventInitialize Event = iota
	// EventCreated reports a successful creation.
	EventCreated
	// EventCreateFailed reports a failed creation; no resource is held.
	EventCreateFailed
	// EventCheckFailed reports a failed health check on a ready resource.
	EventCheckFailed
	// EventRestart starts replacing the resource.
	EventRestart
	// EventClose releases the resource for good.
	EventClose
)

var eventNames = [...]string{
	EventInitialize:   "initialize",
	EventCreated:      "created",
	EventCreateFailed: "create_failed",
	EventCheckFailed:  "check_failed",
	EventRestart:      "restart",
	EventClose:        "close",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// ErrInvalidTransition is returned by Transition for events not accepted in
// the current phase.
var ErrInvalidTransition = errors.New("invalid supervisor transition")

// State is the tagged lifecycle state. Since is set for PhaseReady and
// records when the resource became ready.
type State struct {
	Phase Phase
	Since time.Time
}

func (s State) String() string {
	if s.Phase == PhaseReady {
		return fmt.Sprintf("ready(since %s)", s.Since.Format(time.RFC3339))
	}
	return s.Phase.String()
}

// Transition returns the phase that follows from on event ev.
//
//	uninitialized --initialize--> initializing --created--> ready
//	initializing  --create_failed--> uninitialized
//	ready --check_failed--> degraded
//	uninitialized|ready|degraded --restart--> restarting
//	restarting --created--> ready
//	restarting --create_failed--> uninitialized
//	any --close--> closed
func Transition(from Phase, ev Event) (Phase, error) {
	if ev == EventClose {
		return PhaseClosed, nil
	}

	switch from {
	case PhaseUninitialized:
		switch ev {
		case EventInitialize:
			return PhaseInitializing, nil
		case EventRestart:
			return PhaseRestarting, nil
		}
	case PhaseInitializing, PhaseRestarting:
		switch ev {
		case EventCreated:
			return PhaseReady, nil
		case EventCreateFailed:
			return PhaseUninitialized, nil
		}
	case PhaseReady:
		switch ev {
		case EventCheckFailed:
			return PhaseDegraded, nil
		case EventRestart:
			return PhaseRestarting, nil
		}
	case PhaseDegraded:
		if ev == EventRestart {
			return PhaseRestarting, nil
		}
	}

	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}
