package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jmylchreest/slotwatch/internal/logging"
)

func TestCoordinator_ShutdownOnce(t *testing.T) {
	var exits atomic.Int32
	var closes atomic.Int32
	c := New(time.Second, logging.Discard()).WithExit(func(int) { exits.Add(1) })
	c.Register("browser", func(context.Context) error {
		closes.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown("signal", 0)
		}()
	}
	wg.Wait()

	if got := closes.Load(); got != 1 {
		t.Errorf("hook runs = %d, want 1", got)
	}
	if got := exits.Load(); got != 1 {
		t.Errorf("exits = %d, want 1", got)
	}
}

func TestCoordinator_HookOrder(t *testing.T) {
	c := New(time.Second, logging.Discard()).WithExit(nil)

	var order []string
	for _, name := range []string{"journal", "server", "browser"} {
		c.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	c.Shutdown("test", 0)

	want := []string{"browser", "server", "journal"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestCoordinator_FailingHookDoesNotBlock(t *testing.T) {
	c := New(time.Second, logging.Discard()).WithExit(nil)

	ran := false
	c.Register("last", func(context.Context) error {
		ran = true
		return nil
	})
	c.Register("first", func(context.Context) error {
		return errors.New("save failed")
	})
	c.Shutdown("test", 0)

	if !ran {
		t.Error("hook after a failing hook did not run")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after Shutdown")
	}
}

func TestCoordinator_HookDeadline(t *testing.T) {
	c := New(20*time.Millisecond, logging.Discard()).WithExit(nil)
	c.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	c.Shutdown("test", 0)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v, want it bounded by the timeout", elapsed)
	}
}

func TestCoordinator_Listen(t *testing.T) {
	c := New(time.Second, logging.Discard()).WithExit(func(int) { t.Error("unexpected exit") })

	sigs := make(chan os.Signal, 2)
	ctx, cancel := c.listen(context.Background(), sigs, func() {})
	defer cancel()

	sigs <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on signal")
	}
}

func TestCoordinator_RepeatSignalDuringFlush(t *testing.T) {
	var (
		mu      sync.Mutex
		exits   []int
		flushed atomic.Bool
	)
	c := New(5*time.Second, logging.Discard()).WithExit(func(code int) {
		mu.Lock()
		defer mu.Unlock()
		if !flushed.Load() {
			t.Error("exit before the session flush finished")
		}
		exits = append(exits, code)
	})

	started := make(chan struct{})
	release := make(chan struct{})
	c.Register("browser", func(context.Context) error {
		close(started)
		<-release
		flushed.Store(true)
		return nil
	})

	sigs := make(chan os.Signal, 2)
	ctx, cancel := c.listen(context.Background(), sigs, func() {})
	defer cancel()

	sigs <- syscall.SIGINT
	<-ctx.Done()

	finished := make(chan struct{})
	go func() {
		c.Shutdown("signal", 0)
		close(finished)
	}()
	<-started

	sigs <- syscall.SIGINT
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 1 || exits[0] != 0 {
		t.Errorf("exits = %v, want [0]", exits)
	}
}

func TestCoordinator_ListenStopsWithParent(t *testing.T) {
	c := New(time.Second, logging.Discard()).WithExit(func(int) { t.Error("unexpected exit") })

	stopped := make(chan struct{})
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := c.listen(parent, make(chan os.Signal), func() { close(stopped) })
	defer cancel()

	cancelParent()
	<-ctx.Done()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Error("signal listener not stopped")
	}
}
