// Package solver provides CAPTCHA solving interfaces and implementations.
package solver

import (
	"context"
	"time"

	"github.com/go-rod/rod"

	"github.com/jmylchreest/slotwatch/internal/challenge"
)

// Solver is the interface for CAPTCHA solving services.
type Solver interface {
	// Name returns the solver's name (e.g., "2captcha", "wait").
	Name() string

	// CanSolve returns true if this solver can handle the given challenge type.
	CanSolve(challengeType challenge.Type) bool

	// Solve attempts to solve a CAPTCHA challenge.
	Solve(ctx context.Context, params SolveParams) (*SolveResult, error)

	// Balance returns the current account balance, or -1 if not supported.
	Balance(ctx context.Context) (float64, error)
}

// SolveParams contains parameters for solving a CAPTCHA.
type SolveParams struct {
	// Type is the challenge type to solve.
	Type challenge.Type

	// ImageBase64 is the base64-encoded CAPTCHA image, without a data: prefix.
	ImageBase64 string

	// SiteKey and PageURL identify widget CAPTCHAs.
	SiteKey string
	PageURL string

	// Page is the live page, needed by solvers that wait on it.
	Page *rod.Page

	// Timeout overrides the solver's own timeout when positive.
	Timeout time.Duration
}

// SolveResult contains the result of a successful CAPTCHA solve.
type SolveResult struct {
	// Text is the answer to type into the page. Empty for wait-based solves.
	Text string

	// TaskID is the provider's identifier for the solve, if any.
	TaskID string

	// Elapsed is how long the solve took.
	Elapsed time.Duration

	// SolverName is the name of the solver that solved this.
	SolverName string
}

// Chain is a solver that tries multiple solvers in order.
type Chain struct {
	solvers []Solver
}

// NewChain creates a new solver chain. Nil solvers are skipped.
func NewChain(solvers ...Solver) *Chain {
	c := &Chain{}
	for _, s := range solvers {
		if s != nil {
			c.solvers = append(c.solvers, s)
		}
	}
	return c
}

// Name returns "chain".
func (c *Chain) Name() string {
	return "chain"
}

// CanSolve returns true if any solver in the chain can solve the challenge.
func (c *Chain) CanSolve(challengeType challenge.Type) bool {
	for _, s := range c.solvers {
		if s.CanSolve(challengeType) {
			return true
		}
	}
	return false
}

// Solve tries each solver in order until one succeeds.
func (c *Chain) Solve(ctx context.Context, params SolveParams) (*SolveResult, error) {
	var lastErr error

	for _, s := range c.solvers {
		if !s.CanSolve(params.Type) {
			continue
		}

		result, err := s.Solve(ctx, params)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoSolverAvailable
}

// Balance returns the minimum balance across all solvers that report one.
func (c *Chain) Balance(ctx context.Context) (float64, error) {
	minBalance := float64(-1)
	for _, s := range c.solvers {
		balance, err := s.Balance(ctx)
		if err == nil && balance >= 0 {
			if minBalance < 0 || balance < minBalance {
				minBalance = balance
			}
		}
	}
	return minBalance, nil
}

// Errors
var (
	ErrNoSolverAvailable = &SolverError{Message: "no solver available for this challenge type"}
	ErrSolverTimeout     = &SolverError{Message: "solver timeout"}
	ErrNotConfigured     = &SolverError{Message: "solver not configured"}
)

// SolverError represents a solver error.
type SolverError struct {
	Message string
	Cause   error
}

func (e *SolverError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SolverError) Unwrap() error {
	return e.Cause
}
