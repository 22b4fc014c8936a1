package supervisor

import (
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	phases := []Phase{
		PhaseUninitialized, PhaseInitializing, PhaseReady,
		PhaseDegraded, PhaseRestarting, PhaseClosed,
	}
	events := []Event{
		EventInitialize, EventCreated, EventCreateFailed,
		EventCheckFailed, EventRestart, EventClose,
	}

	type key struct {
		from Phase
		ev   Event
	}
	allowed := map[key]Phase{
		{PhaseUninitialized, EventInitialize}:  PhaseInitializing,
		{PhaseUninitialized, EventRestart}:     PhaseRestarting,
		{PhaseInitializing, EventCreated}:      PhaseReady,
		{PhaseInitializing, EventCreateFailed}: PhaseUninitialized,
		{PhaseRestarting, EventCreated}:        PhaseReady,
		{PhaseRestarting, EventCreateFailed}:   PhaseUninitialized,
		{PhaseReady, EventCheckFailed}:         PhaseDegraded,
		{PhaseReady, EventRestart}:             PhaseRestarting,
		{PhaseDegraded, EventRestart}:          PhaseRestarting,
	}

	for _, from := range phases {
		for _, ev := range events {
			t.Run(from.String()+"/"+ev.String(), func(t *testing.T) {
				got, err := Transition(from, ev)

				if ev == EventClose {
					if err != nil || got != PhaseClosed {
						t.Errorf("Transition(%s, close) = %s, %v, want closed, nil", from, got, err)
					}
					return
				}

				want, ok := allowed[key{from, ev}]
				if !ok {
					if !errors.Is(err, ErrInvalidTransition) {
						t.Errorf("Transition(%s, %s) error = %v, want ErrInvalidTransition", from, ev, err)
					}
					if got != from {
						t.Errorf("Transition(%s, %s) = %s, want unchanged", from, ev, got)
					}
					return
				}
				if err != nil {
					t.Fatalf("Transition(%s, %s) unexpected error: %v", from, ev, err)
				}
				if got != want {
					t.Errorf("Transition(%s, %s) = %s, want %s", from, ev, got, want)
				}
			})
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	for _, ev := range []Event{EventInitialize, EventCreated, EventCreateFailed, EventCheckFailed, EventRestart} {
		if _, err := Transition(PhaseClosed, ev); err == nil {
			t.Errorf("Transition(closed, %s) succeeded, want error", ev)
		}
	}
}

func TestStateString(t *testing.T) {
	since := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		state State
		want  string
	}{
		{State{Phase: PhaseReady, Since: since}, "ready(since 2026-03-02T10:00:00Z)"},
		{State{Phase: PhaseDegraded}, "degraded"},
		{State{Phase: Phase(42)}, "phase(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
