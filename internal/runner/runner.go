// Package runner composes the supervisor, retry executor, circuit breaker,
// scheduler and health reporter into the monitoring loop.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/slotwatch/internal/circuit"
	"github.com/jmylchreest/slotwatch/internal/health"
	"github.com/jmylchreest/slotwatch/internal/journal"
	"github.com/jmylchreest/slotwatch/internal/logging"
	"github.com/jmylchreest/slotwatch/internal/notify"
	"github.com/jmylchreest/slotwatch/internal/probe"
	"github.com/jmylchreest/slotwatch/internal/retry"
	"github.com/jmylchreest/slotwatch/internal/schedule"
	"github.com/jmylchreest/slotwatch/internal/supervisor"
)

// ErrStopped is returned once the circuit breaker has tripped.
var ErrStopped = errors.New("monitor stopped after too many consecutive errors")

// Authenticator establishes a logged-in session on a browser.
type Authenticator interface {
	LoggedIn(ctx context.Context, h *supervisor.Handle) (bool, error)
	Login(ctx context.Context, h *supervisor.Handle) error
	WaitForManualLogin(ctx context.Context, h *supervisor.Handle) error
}

// Prober checks the target for open slots.
type Prober interface {
	Probe(ctx context.Context, h *supervisor.Handle) (*probe.Result, error)
}

// Booker books an open slot.
type Booker interface {
	Book(ctx context.Context, h *supervisor.Handle) (*probe.Booking, error)
}

// Journal persists cycle history.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	DayCounts(ctx context.Context, accountID, day string) (health.DayCounts, error)
}

// Config holds runner settings.
type Config struct {
	AccountID string
	Details   notify.Details

	Thresholds circuit.Thresholds
	// RestartEvery forces a browser restart on every multiple of this many
	// consecutive failures. Zero disables forced restarts.
	RestartEvery int
	// LoginAttempts bounds retries of the login step.
	LoginAttempts int
	// CycleTimeout bounds one cycle. Cycles are not interrupted by shutdown.
	CycleTimeout time.Duration

	AutoBook bool
}

// Deps are the collaborators of a Runner. Booker and Journal are optional.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Auth       Authenticator
	Prober     Prober
	Booker     Booker
	Notifier   notify.Notifier
	Retry      *retry.Executor
	Scheduler  *schedule.Scheduler
	Reporter   *health.Reporter
	Journal    Journal
}

// Outcome describes one completed cycle.
type Outcome struct {
	CycleID   string
	Success   bool
	Restarted bool
	Result    *probe.Result
	Booking   *probe.Booking
	Circuit   circuit.State
	Err       error
}

// Runner drives monitoring cycles. Only one cycle runs at a time.
type Runner struct {
	cfg     Config
	deps    Deps
	breaker *circuit.Breaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	alerted bool
}

// New creates a runner.
func New(cfg Config, deps Deps, logger *slog.Logger) *Runner {
	if cfg.Thresholds == (circuit.Thresholds{}) {
		cfg.Thresholds = circuit.DefaultThresholds()
	}
	if cfg.LoginAttempts < 1 {
		cfg.LoginAttempts = 3
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * time.Minute
	}
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		breaker: circuit.NewBreaker(cfg.Thresholds),
		logger:  logger.With("component", "runner"),
		sleep:   sleepContext,
	}
}

// Circuit returns the breaker state.
func (r *Runner) Circuit() circuit.State {
	return r.breaker.State()
}

// Restore seeds today's counters from the journal.
func (r *Runner) Restore(ctx context.Context) {
	if r.deps.Journal == nil {
		return
	}
	day := r.deps.Reporter.Day(r.deps.Reporter.Now())
	counts, err := r.deps.Journal.DayCounts(ctx, r.cfg.AccountID, day)
	if err != nil {
		r.logger.Warn("failed to restore daily counters", "error", err)
		return
	}
	r.deps.Reporter.RestoreDay(day, counts)
	r.logger.Info("restored daily counters", "day", day, "checks", counts.Checks, "slots_found", counts.SlotsFound)
}

// RunForever runs cycles until ctx is cancelled. After the circuit trips it
// sends one alert and then idles until ctx ends so the health surface stays
// up. It returns nil on cancellation.
func (r *Runner) RunForever(ctx context.Context) error {
	r.logger.Info("monitor started", "auto_book", r.cfg.AutoBook, "stop_after", r.cfg.Thresholds.Stop)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := r.RunOnce(ctx)
		if errors.Is(err, ErrStopped) {
			r.logger.Error("monitor stopped, waiting for shutdown")
			<-ctx.Done()
			return nil
		}

		now := r.deps.Reporter.Now()
		wait := r.deps.Scheduler.Next(now)
		r.deps.Reporter.SetNextCheck(now.Add(wait), string(r.deps.Scheduler.BandAt(now)))
		r.logger.Debug("waiting for next check", "wait", wait.Round(time.Second))

		if err := r.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// RunOnce runs exactly one cycle. Probe failures are reported in the
// Outcome; the error is non-nil only when the circuit has stopped.
func (r *Runner) RunOnce(ctx context.Context) (Outcome, error) {
	if r.breaker.State().Stopped() {
		r.alert(ctx)
		return Outcome{Circuit: r.breaker.State()}, ErrStopped
	}

	id := ulid.Make().String()
	ctx = logging.WithCycleID(ctx, id)
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CycleTimeout)
	defer cancel()

	out := r.cycle(work)
	out.CycleID = id

	state, tripped := r.breaker.Record(out.Success)
	out.Circuit = state
	r.record(work, out)

	log := logging.FromContext(ctx, r.logger)
	if out.Success {
		log.Info("check completed", "slots_found", out.Result != nil && out.Result.Available)
	} else {
		log.Error("check failed",
			"error", out.Err,
			"consecutive_failures", state.ConsecutiveFailures,
			"status", state.Status,
		)
	}

	if tripped {
		r.alert(work)
		return out, ErrStopped
	}
	if !out.Success && circuit.RestartDue(state.ConsecutiveFailures, r.cfg.RestartEvery) {
		r.recover(work, state.ConsecutiveFailures)
	}
	return out, nil
}

func (r *Runner) cycle(ctx context.Context) Outcome {
	log := logging.FromContext(ctx, r.logger)

	h, fresh, err := r.acquire(ctx)
	if err != nil {
		return Outcome{Restarted: fresh, Err: err}
	}
	out := Outcome{Restarted: fresh}

	loggedIn := false
	if !fresh {
		ok, err := r.deps.Auth.LoggedIn(ctx, h)
		if err != nil {
			log.Debug("login check failed", "error", err)
		}
		loggedIn = ok
	}
	if !loggedIn {
		if !fresh {
			log.Info("session lost, re-authenticating")
		}
		if err := r.login(ctx, h); err != nil {
			out.Err = err
			return out
		}
	}

	res, err := retry.Run(ctx, r.deps.Retry, "probe", func(ctx context.Context) (*probe.Result, error) {
		res, err := r.deps.Prober.Probe(ctx, h)
		if errors.Is(err, supervisor.ErrStaleHandle) {
			return nil, retry.Permanent(err)
		}
		return res, err
	})
	if err != nil {
		out.Err = err
		return out
	}
	out.Success = true
	out.Result = res

	if res.Available {
		log.Info("slots found", "count", res.Count, "dates", res.Dates)
		out.Booking = r.onSlots(ctx, h, res)
	}
	return out
}

// acquire returns a live handle. fresh is true when the browser was just
// created and has no authenticated state yet.
func (r *Runner) acquire(ctx context.Context) (h *supervisor.Handle, fresh bool, err error) {
	sup := r.deps.Supervisor
	if sup.State().Phase == supervisor.PhaseUninitialized && sup.Restarts() == 0 {
		h, err = sup.Initialize(ctx)
		if err == nil {
			r.deps.Reporter.SetProxy(h.Proxy())
		}
		return h, true, err
	}

	restarted, err := sup.EnsureHealthy(ctx)
	if err != nil {
		return nil, restarted, err
	}
	h, err = sup.Handle()
	return h, restarted, err
}

func (r *Runner) login(ctx context.Context, h *supervisor.Handle) error {
	err := r.deps.Retry.WithAttempts(r.cfg.LoginAttempts).Do(ctx, "login", func(ctx context.Context) error {
		err := r.deps.Auth.Login(ctx, h)
		if errors.Is(err, supervisor.ErrStaleHandle) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := r.deps.Supervisor.SaveSession(ctx); err != nil {
		r.logger.Warn("failed to save session after login", "error", err)
	}
	return nil
}

func (r *Runner) onSlots(ctx context.Context, h *supervisor.Handle, res *probe.Result) *probe.Booking {
	d := r.cfg.Details
	if !r.cfg.AutoBook || r.deps.Booker == nil {
		r.send(ctx, notify.SlotsFound(d, res.Count, res.Dates, res.Screenshot))
		return nil
	}

	bk, err := r.deps.Booker.Book(ctx, h)
	if err != nil {
		bk = &probe.Booking{Error: err.Error()}
	}
	if bk.Success {
		r.send(ctx, notify.BookingConfirmed(d, notify.Booking{
			ConfirmationCode: bk.ConfirmationCode,
			Date:             bk.Date,
			Time:             bk.Time,
		}, bk.Screenshot))
		return bk
	}

	attachment := bk.Screenshot
	if attachment == "" {
		attachment = res.Screenshot
	}
	r.send(ctx, notify.BookingFailed(d, res.Count, res.Dates, bk.Error, attachment))
	return bk
}

// send delivers msg with retries. Delivery failures never fail a cycle.
func (r *Runner) send(ctx context.Context, msg notify.Message) {
	err := r.deps.Retry.Do(ctx, "notify", func(ctx context.Context) error {
		return r.deps.Notifier.Send(ctx, msg)
	})
	if err != nil {
		r.logger.Error("failed to send notification", "kind", msg.Kind, "error", err)
	}
}

// alert sends the terminal notification at most once.
func (r *Runner) alert(ctx context.Context) {
	if r.alerted {
		return
	}
	r.alerted = true
	snap := r.deps.Reporter.Snapshot()
	r.send(ctx, notify.Stopped(r.cfg.Details, r.breaker.State().ConsecutiveFailures, snap.LastSuccess))
}

// recover forces a restart and re-login. The failure count is left as is.
func (r *Runner) recover(ctx context.Context, failures int) {
	r.logger.Warn("forcing browser restart", "restart_reason", "consecutive failures", "consecutive_failures", failures)

	h, err := r.deps.Supervisor.Restart(ctx, "consecutive failures")
	if err != nil {
		r.logger.Error("forced restart failed", "error", err)
		return
	}
	if err := r.login(ctx, h); err != nil {
		r.logger.Error("login after forced restart failed", "error", err)
	}
}

func (r *Runner) record(ctx context.Context, out Outcome) {
	rep := r.deps.Reporter
	now := rep.Now()
	booked := out.Booking != nil && out.Booking.Success
	found := out.Result != nil && out.Result.Available
	proxyURL := r.deps.Supervisor.Info().Proxy

	rep.RecordCycle(health.CycleOutcome{
		At:         now,
		Circuit:    out.Circuit,
		Success:    out.Success,
		SlotsFound: found,
		Booked:     booked,
		Err:        out.Err,
		Proxy:      proxyURL,
	})

	if r.deps.Journal == nil {
		return
	}
	e := journal.Entry{
		ID:         out.CycleID,
		AccountID:  r.cfg.AccountID,
		At:         now,
		Day:        rep.Day(now),
		Success:    out.Success,
		SlotsFound: found,
		Booked:     booked,
		Status:     string(out.Circuit.Status),
		Failures:   out.Circuit.ConsecutiveFailures,
		Proxy:      proxyURL,
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	if err := r.deps.Journal.Record(ctx, e); err != nil {
		r.logger.Warn("failed to journal cycle", "error", err)
	}
}

// ManualLogin opens a browser for a human to sign in, then saves the
// session. The caller closes the supervisor.
func (r *Runner) ManualLogin(ctx context.Context) error {
	h, err := r.deps.Supervisor.Initialize(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("manual login mode: sign in using the browser window")

	if err := r.deps.Auth.WaitForManualLogin(ctx, h); err != nil {
		return err
	}
	r.logger.Info("login detected, saving session")
	return r.deps.Supervisor.SaveSession(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
