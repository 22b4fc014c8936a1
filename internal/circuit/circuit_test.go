package circuit

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestThresholds_Classify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		failures int
		want     Status
	}{
		{0, StatusHealthy},
		{1, StatusDegraded},
		{4, StatusDegraded},
		{5, StatusUnhealthy},
		{19, StatusUnhealthy},
		{20, StatusStopped},
		{100, StatusStopped},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.failures); got != tt.want {
			t.Errorf("Classify(%d) = %q, want %q", tt.failures, got, tt.want)
		}
	}
}

func TestReduce_SuccessResets(t *testing.T) {
	th := DefaultThresholds()
	s := Initial()
	for i := 0; i < 7; i++ {
		s = Reduce(s, false, th)
	}
	if s.Status != StatusUnhealthy || s.ConsecutiveFailures != 7 {
		t.Fatalf("after 7 failures = %+v, want unhealthy/7", s)
	}

	s = Reduce(s, true, th)
	if s != (State{ConsecutiveFailures: 0, Status: StatusHealthy}) {
		t.Errorf("after success = %+v, want healthy/0", s)
	}
}

func TestReduce_StoppedIsTerminal(t *testing.T) {
	th := Thresholds{Unhealthy: 2, Stop: 3}
	s := Initial()
	for i := 0; i < 3; i++ {
		s = Reduce(s, false, th)
	}
	if !s.Stopped() {
		t.Fatalf("after 3 failures status = %q, want stopped", s.Status)
	}

	if got := Reduce(s, true, th); got != s {
		t.Errorf("success after stop = %+v, want unchanged %+v", got, s)
	}
	if got := Reduce(s, false, th); got != s {
		t.Errorf("failure after stop = %+v, want unchanged %+v", got, s)
	}
}

func TestBreaker_ScenarioThreeErrors(t *testing.T) {
	b := NewBreaker(Thresholds{Unhealthy: 5, Stop: 3})

	wantStatus := []Status{StatusDegraded, StatusDegraded, StatusStopped}
	trips := 0
	for i, want := range wantStatus {
		state, tripped := b.Record(false)
		if state.Status != want {
			t.Errorf("failure %d status = %q, want %q", i+1, state.Status, want)
		}
		if tripped {
			trips++
		}
	}

	// further outcomes never re-trip
	for i := 0; i < 3; i++ {
		if _, tripped := b.Record(i%2 == 0); tripped {
			trips++
		}
	}

	if trips != 1 {
		t.Errorf("trips = %d, want exactly 1", trips)
	}
}

func TestRestartDue(t *testing.T) {
	tests := []struct {
		failures, every int
		want            bool
	}{
		{0, 5, false},
		{4, 5, false},
		{5, 5, true},
		{6, 5, false},
		{10, 5, true},
		{15, 5, true},
		{5, 0, false},
		{3, 1, true},
	}
	for _, tt := range tests {
		if got := RestartDue(tt.failures, tt.every); got != tt.want {
			t.Errorf("RestartDue(%d, %d) = %v, want %v", tt.failures, tt.every, got, tt.want)
		}
	}
}

func TestStatus_Rank(t *testing.T) {
	order := []Status{StatusHealthy, StatusDegraded, StatusUnhealthy, StatusStopped}
	for i, s := range order {
		if s.Rank() != i {
			t.Errorf("%q.Rank() = %d, want %d", s, s.Rank(), i)
		}
	}
	if Status("bogus").Rank() != -1 {
		t.Error("unknown status should rank -1")
	}
}

func TestCircuitMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("failures without success never decrease count or status", prop.ForAll(
		func(unhealthy, stop, n int) bool {
			th := Thresholds{Unhealthy: unhealthy, Stop: stop}
			s := Initial()
			for i := 0; i < n; i++ {
				next := Reduce(s, false, th)
				if next.ConsecutiveFailures < s.ConsecutiveFailures {
					return false
				}
				if next.Status.Rank() < s.Status.Rank() {
					return false
				}
				s = next
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 40),
		gen.IntRange(0, 60),
	))

	properties.Property("any success before stop resets to healthy/0", prop.ForAll(
		func(failures int) bool {
			th := DefaultThresholds()
			s := Initial()
			for i := 0; i < failures; i++ {
				s = Reduce(s, false, th)
			}
			next := Reduce(s, true, th)
			return next.ConsecutiveFailures == 0 && next.Status == StatusHealthy
		},
		gen.IntRange(0, 19),
	))

	properties.Property("status always matches Classify of the count", prop.ForAll(
		func(outcomes []bool) bool {
			th := DefaultThresholds()
			s := Initial()
			for _, ok := range outcomes {
				s = Reduce(s, ok, th)
				if s.Status != th.Classify(s.ConsecutiveFailures) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
