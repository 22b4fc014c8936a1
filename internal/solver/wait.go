package solver

import (
	"context"
	"time"

	"github.com/jmylchreest/slotwatch/internal/challenge"
)

// WaitSolver clears challenges that resolve themselves, such as "checking
// your browser" interstitials, by polling until they disappear.
type WaitSolver struct {
	detector *challenge.Detector
	timeout  time.Duration
}

// NewWaitSolver creates a new wait solver.
func NewWaitSolver(detector *challenge.Detector, timeout time.Duration) *WaitSolver {
	return &WaitSolver{
		detector: detector,
		timeout:  timeout,
	}
}

// Name returns "wait".
func (w *WaitSolver) Name() string {
	return "wait"
}

// CanSolve returns true for interstitials.
func (w *WaitSolver) CanSolve(challengeType challenge.Type) bool {
	return challengeType == challenge.TypeInterstitial
}

// Solve waits for the interstitial to clear.
func (w *WaitSolver) Solve(ctx context.Context, params SolveParams) (*SolveResult, error) {
	if params.Page == nil {
		return nil, &SolverError{Message: "wait solver requires page"}
	}

	timeout := w.timeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}

	start := time.Now()
	if _, err := w.detector.WaitForClear(ctx, params.Page, timeout); err != nil {
		return nil, &SolverError{Message: "challenge timeout", Cause: err}
	}

	return &SolveResult{
		Elapsed:    time.Since(start),
		SolverName: w.Name(),
	}, nil
}

// Balance returns -1 as not applicable.
func (w *WaitSolver) Balance(ctx context.Context) (float64, error) {
	return -1, nil
}
