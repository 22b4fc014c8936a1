package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/slotwatch/internal/api"
	"github.com/jmylchreest/slotwatch/internal/api/handlers"
	"github.com/jmylchreest/slotwatch/internal/browser"
	"github.com/jmylchreest/slotwatch/internal/challenge"
	"github.com/jmylchreest/slotwatch/internal/circuit"
	"github.com/jmylchreest/slotwatch/internal/config"
	"github.com/jmylchreest/slotwatch/internal/health"
	"github.com/jmylchreest/slotwatch/internal/journal"
	"github.com/jmylchreest/slotwatch/internal/logging"
	"github.com/jmylchreest/slotwatch/internal/notify"
	"github.com/jmylchreest/slotwatch/internal/probe"
	"github.com/jmylchreest/slotwatch/internal/profile"
	"github.com/jmylchreest/slotwatch/internal/proxy"
	"github.com/jmylchreest/slotwatch/internal/retry"
	"github.com/jmylchreest/slotwatch/internal/runner"
	"github.com/jmylchreest/slotwatch/internal/schedule"
	"github.com/jmylchreest/slotwatch/internal/sessionstore"
	"github.com/jmylchreest/slotwatch/internal/shutdown"
	"github.com/jmylchreest/slotwatch/internal/solver"
	"github.com/jmylchreest/slotwatch/internal/supervisor"
	"github.com/jmylchreest/slotwatch/internal/version"
)

type runFlags struct {
	once   bool
	manual bool
	health bool
}

func run(ctx context.Context, flags runFlags) error {
	// Load configuration first (logging config comes from env)
	cfg := config.Load()
	if flags.manual {
		cfg.ManualLogin = true
		cfg.Headless = false
	}
	if flags.health {
		cfg.HealthEnabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.SetDefault(logging.Options{AccountID: cfg.AccountID})
	logger.Info("starting slotwatch",
		"version", version.Get().Version,
		"email", cfg.MaskedEmail(),
		"consulate", cfg.Consulate,
		"service", cfg.Service,
		"timezone", cfg.Timezone,
		"session_encrypted", cfg.Encrypted(),
		"proxies", len(cfg.ProxyServers),
	)

	coord := shutdown.New(cfg.ShutdownTimeout, logger)
	ctx, cancel := coord.Listen(ctx)
	defer cancel()

	reporter := health.NewReporter(cfg.AccountID, cfg.Location())

	// Browser supervision
	proxies := proxy.NewRotator(cfg.ProxyServers, cfg.ProxyRotate)
	sup := supervisor.New(supervisor.Config{MaxAge: cfg.BrowserRestartInterval}, supervisor.Deps{
		Factory: browser.NewFactory(browser.Options{
			ChromePath:     cfg.ChromePath,
			Headless:       cfg.Headless,
			DisableStealth: cfg.DisableStealth,
		}, logger),
		Store:     sessionstore.New(cfg.SessionPath, []byte(cfg.SessionEncryptionKey), logger, sessionstore.WithTTL(cfg.SessionTTL)),
		Proxies:   proxies,
		Picker:    profile.NewPicker(profile.DefaultPools(), cfg.Locale, cfg.Timezone),
		OnRestart: reporter.RecordRestart,
	}, logger)
	reporter.SetProxy(proxies.Current())
	coord.Register("browser", func(ctx context.Context) error {
		sup.Close(ctx)
		return nil
	})

	// Challenge handling
	detector := challenge.NewDetector(challenge.Selectors{})
	var captcha solver.Solver
	if cfg.CaptchaAPIKey != "" {
		tc := solver.NewTwoCaptcha(cfg.CaptchaAPIKey, solver.WithLogger(logger))
		balanceCtx, balanceCancel := context.WithTimeout(ctx, 10*time.Second)
		if balance, err := tc.Balance(balanceCtx); err != nil {
			logger.Warn("2Captcha balance check failed", "error", err)
		} else {
			logger.Info("2Captcha solver enabled", "balance", balance)
		}
		balanceCancel()
		captcha = tc
	} else {
		logger.Info("no CAPTCHA_API_KEY set, image challenges need a visible browser")
	}
	solverChain := solver.NewChain(solver.NewWaitSolver(detector, 30*time.Second), captcha)

	manualWait := time.Duration(0)
	if !cfg.Headless {
		manualWait = 5 * time.Minute
	}
	driver := probe.NewDriver(probe.Options{
		BaseURL:          cfg.PortalURL,
		LoggedInMarkers:  cfg.LoggedInMarkers,
		Email:            cfg.Email,
		Password:         cfg.Password,
		Service:          cfg.Service,
		ServiceID:        cfg.ServiceID,
		AccountID:        cfg.AccountID,
		ScreenshotDir:    cfg.ScreenshotDir,
		ScreenshotOnFind: cfg.ScreenshotOnFind,
		ManualWait:       manualWait,
	}, detector, solverChain, logger)

	deps := runner.Deps{
		Supervisor: sup,
		Auth:       driver,
		Prober:     driver,
		Booker:     driver,
		Notifier:   newNotifier(cfg, logger),
		Retry: retry.New(retry.Config{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxJitter:   time.Second,
		}, logger),
		Scheduler: schedule.New(cfg.Schedule()),
		Reporter:  reporter,
	}

	var store *journal.Store
	if cfg.JournalPath != "" {
		var err error
		store, err = journal.Open(cfg.JournalPath, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		deps.Journal = store
		coord.Register("journal", func(ctx context.Context) error {
			return store.Close()
		})
	}

	r := runner.New(runner.Config{
		AccountID: cfg.AccountID,
		Details: notify.Details{
			AccountID: cfg.AccountID,
			Consulate: cfg.Consulate,
			Service:   cfg.Service,
			PortalURL: cfg.PortalURL,
		},
		Thresholds: circuit.Thresholds{
			Unhealthy: cfg.UnhealthyThreshold,
			Stop:      cfg.MaxConsecutiveErrors,
		},
		RestartEvery:  cfg.RestartAfterErrors,
		LoginAttempts: cfg.LoginAttempts,
		CycleTimeout:  cfg.CycleTimeout,
		AutoBook:      cfg.AutoBook,
	}, deps, logger)

	switch {
	case flags.manual:
		code := 0
		if err := r.ManualLogin(ctx); err != nil {
			logger.Error("manual login failed", "error", err)
			code = 1
		}
		coord.Shutdown("manual login finished", code)
		return nil

	case flags.once:
		r.Restore(ctx)
		out, err := r.RunOnce(ctx)
		code := 0
		if err != nil || !out.Success {
			code = 1
		}
		logger.Info("single check finished",
			"cycle_id", out.CycleID,
			"success", out.Success,
			"available", out.Result != nil && out.Result.Available,
			"error", out.Err,
		)
		coord.Shutdown("single check finished", code)
		return nil
	}

	r.Restore(ctx)
	err := serve(ctx, cfg, r, sup, reporter, store, logger)
	code := 0
	if err != nil {
		logger.Error("monitor failed", "error", err)
		code = 1
	}
	coord.Shutdown("monitor stopped", code)
	return nil
}

// serve runs the monitor loop, the health server and journal cleanup until
// ctx ends or one of them fails.
func serve(ctx context.Context, cfg *config.Config, r *runner.Runner, sup *supervisor.Supervisor,
	reporter *health.Reporter, store *journal.Store, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.RunForever(gctx)
	})

	if cfg.HealthEnabled {
		apiCfg := api.Config{
			Port:        cfg.HealthPort,
			AuthSecret:  cfg.HealthAuthSecret,
			RateLimit:   cfg.HealthRateLimit,
			CORSOrigins: cfg.CORSOrigins,
		}
		router := api.NewRouter(apiCfg, handlers.NewHealthHandler(reporter, sup), health.NewRegistry(reporter), logger)
		srv := api.NewServer(apiCfg, router, logger)

		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server shutdown: %w", err)
			}
			return nil
		})
	}

	if store != nil && cfg.JournalRetention > 0 {
		g.Go(func() error {
			cleanupJournal(gctx, store, cfg.JournalRetention, logger)
			return nil
		})
	}

	return g.Wait()
}

func cleanupJournal(ctx context.Context, store *journal.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		n, err := store.CleanupOlderThan(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("journal cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("journal cleanup", "deleted", n)
			if err := store.Vacuum(); err != nil {
				logger.Warn("journal vacuum failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newNotifier builds the delivery chain: the messaging CLI, then the HTTP
// gateway, then the log as a last resort.
func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	var chain []notify.Notifier
	if cfg.NotifyTarget != "" {
		if cfg.NotifyCommand != "" {
			chain = append(chain, notify.NewCommand(cfg.NotifyCommand, cfg.NotifyChannel, cfg.NotifyTarget, nil))
		}
		if cfg.NotifyGateway != "" {
			chain = append(chain, notify.NewHTTPGateway(cfg.NotifyGateway, cfg.NotifyChannel, cfg.NotifyTarget, &http.Client{Timeout: 15 * time.Second}))
		}
	} else {
		logger.Warn("NOTIFY_TARGET not set, notifications will only be logged")
	}
	chain = append(chain, notify.NewLog(logger))
	return notify.NewChain(logger, chain...)
}
