// Package shutdown turns termination signals into a single, ordered
// graceful shutdown.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Hook is one shutdown step.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator runs registered hooks exactly once, in reverse registration
// order, then exits the process.
type Coordinator struct {
	mu      sync.Mutex
	hooks   []Hook
	once    sync.Once
	done    chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	exit    func(code int)
}

// New creates a coordinator. Hooks share a total budget of timeout.
func New(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
		exit:    os.Exit,
	}
}

// WithExit replaces os.Exit. A nil fn makes Shutdown return instead.
func (c *Coordinator) WithExit(fn func(code int)) *Coordinator {
	c.exit = fn
	return c
}

// Register adds a hook. Hooks registered later run first.
func (c *Coordinator) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, Hook{Name: name, Fn: fn})
}

// Done is closed once every hook has run.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown runs the hooks and exits with code. Concurrent and repeated
// calls block until the first one finishes and never exit twice.
func (c *Coordinator) Shutdown(reason string, code int) {
	first := false
	c.once.Do(func() {
		first = true
		c.run(reason)
		close(c.done)
	})
	<-c.done

	if first && c.exit != nil {
		c.exit(code)
	}
}

func (c *Coordinator) run(reason string) {
	c.logger.Info("shutting down", "reason", reason)

	c.mu.Lock()
	hooks := make([]Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.Fn(ctx); err != nil {
			c.logger.Warn("shutdown step failed", "step", h.Name, "error", err)
			continue
		}
		c.logger.Debug("shutdown step done", "step", h.Name, "took", time.Since(start).Round(time.Millisecond))
	}
	c.logger.Info("shutdown complete")
}

// Listen returns a context cancelled on the first SIGINT or SIGTERM.
// Repeated signals are logged and otherwise ignored: the shutdown already in
// progress still flushes state and exits exactly once.
func (c *Coordinator) Listen(parent context.Context) (context.Context, context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return c.listen(parent, sigs, func() { signal.Stop(sigs) })
}

func (c *Coordinator) listen(parent context.Context, sigs <-chan os.Signal, stop func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		defer stop()
		select {
		case sig := <-sigs:
			c.logger.Info("received signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		}

		for {
			select {
			case sig := <-sigs:
				c.logger.Warn("shutdown already in progress, ignoring signal", "signal", sig.String())
			case <-c.done:
				return
			}
		}
	}()

	return ctx, cancel
}
