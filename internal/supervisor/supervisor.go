// Package supervisor owns the lifecycle of the single automated browser
// used by a monitoring account: creation, health checks, restarts and
// session persistence across restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/slotwatch/internal/profile"
	"github.com/jmylchreest/slotwatch/internal/proxy"
)

var (
	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("supervisor is closed")
	// ErrStaleHandle is returned when a handle from an earlier generation is used.
	ErrStaleHandle = errors.New("stale resource handle")
	// ErrNotInitialized is returned when no resource is currently held.
	ErrNotInitialized = errors.New("supervisor not initialized")
	// ErrInvalidSeed may be returned by a Factory when the seeded session
	// state could not be applied. The supervisor retries without a seed.
	ErrInvalidSeed = errors.New("invalid session seed")
)

// Resource is a live browser environment.
type Resource interface {
	// Connected reports whether the underlying process is still reachable.
	Connected() bool
	// Ping runs a trivial round-trip within timeout.
	Ping(ctx context.Context, timeout time.Duration) error
	// ExportState serializes cookies and per-origin storage.
	ExportState(ctx context.Context) ([]byte, error)
	// Close releases the resource.
	Close() error
}

// CreateOptions is passed to a Factory for each new resource.
type CreateOptions struct {
	ID      string
	Proxy   string
	Profile profile.Profile
	// Seed is previously exported session state, nil when none is available.
	Seed []byte
}

// Factory creates resources.
type Factory interface {
	Create(ctx context.Context, opts CreateOptions) (Resource, error)
}

// SessionStore persists exported session state.
type SessionStore interface {
	Save(state []byte) error
	Load() ([]byte, bool)
}

// ProfilePicker selects a fingerprint profile for a new resource.
type ProfilePicker interface {
	Pick() profile.Profile
}

// Config holds supervisor tuning.
type Config struct {
	// MaxAge forces a restart once a resource has been alive this long.
	MaxAge time.Duration
	// PingTimeout bounds the liveness round-trip.
	PingTimeout time.Duration
	// SaveTimeout bounds the session export performed before a close.
	SaveTimeout time.Duration
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:      6 * time.Hour,
		PingTimeout: 5 * time.Second,
		SaveTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators of a Supervisor. Store, Picker and OnRestart
// are optional.
type Deps struct {
	Factory Factory
	Store   SessionStore
	Proxies *proxy.Rotator
	Picker  ProfilePicker
	// OnRestart is called after each restart attempt with the total restart
	// count and the proxy selected for the new resource.
	OnRestart func(restarts int64, proxy string)
}

// Info is a point-in-time description of the supervised resource.
type Info struct {
	State      State
	Generation uint64
	ResourceID string
	Proxy      string
	Profile    profile.Profile
	CreatedAt  time.Time
	Restarts   int64
}

// Supervisor manages exactly one live resource at a time.
type Supervisor struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	state     State
	current   Resource
	currentID string
	createdAt time.Time
	proxyURL  string
	prof      profile.Profile

	// info is republished on every change so readers never wait on mu,
	// which is held across launches and session saves.
	info atomic.Pointer[Info]

	generation atomic.Uint64
	closed     atomic.Bool
	restarts   atomic.Int64
	closeOnce  sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor. No resource is created until Initialize.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if deps.Proxies == nil {
		deps.Proxies = proxy.NewRotator(nil, false)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "supervisor"),
		now:    time.Now,
		state:  State{Phase: PhaseUninitialized},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishLocked()
	return s
}

// State returns the current lifecycle state. It does not block while a
// restart is in progress.
func (s *Supervisor) State() State {
	return s.info.Load().State
}

// Restarts returns the number of restarts performed so far.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Info describes the current resource. It does not block while a restart
// is in progress.
func (s *Supervisor) Info() Info {
	info := *s.info.Load()
	info.Restarts = s.restarts.Load()
	return info
}

// publishLocked replaces the Info snapshot from the fields guarded by mu.
func (s *Supervisor) publishLocked() {
	s.info.Store(&Info{
		State:      s.state,
		Generation: s.generation.Load(),
		ResourceID: s.currentID,
		Proxy:      proxy.Mask(s.proxyURL),
		Profile:    s.prof,
		CreatedAt:  s.createdAt,
		Restarts:   s.restarts.Load(),
	})
}

// Handle returns a handle to the current resource.
func (s *Supervisor) Handle() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleLocked()
}

func (s *Supervisor) handleLocked() (*Handle, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.current == nil {
		return nil, ErrNotInitialized
	}
	return &Handle{
		sup:        s,
		generation: s.generation.Load(),
		resource:   s.current,
		id:         s.currentID,
		proxy:      s.proxyURL,
		profile:    s.prof,
	}, nil
}

// Initialize creates the first resource using the current proxy. Calling it
// again while a resource is held returns a handle to that resource.
func (s *Supervisor) Initialize(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.current != nil {
		return s.handleLocked()
	}

	if err := s.transitionLocked(EventInitialize); err != nil {
		return nil, err
	}
	s.generation.Add(1)

	if err := s.createLocked(ctx, s.deps.Proxies.Current()); err != nil {
		_ = s.transitionLocked(EventCreateFailed)
		return nil, err
	}
	if err := s.transitionLocked(EventCreated); err != nil {
		return nil, err
	}
	return s.handleLocked()
}

// EnsureHealthy restarts the resource when it is missing, disconnected,
// older than MaxAge or unresponsive. It reports whether a restart happened.
func (s *Supervisor) EnsureHealthy(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false, ErrClosed
	}

	reason := s.checkLocked(ctx)
	if reason == "" {
		return false, nil
	}

	s.logger.Warn("browser unhealthy, restarting", "reason", reason)
	if s.state.Phase == PhaseReady {
		if err := s.transitionLocked(EventCheckFailed); err != nil {
			return false, err
		}
	}

	if err := s.restartLocked(ctx, reason); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Supervisor) checkLocked(ctx context.Context) string {
	if s.current == nil {
		return "not initialized"
	}
	if !s.current.Connected() {
		return "disconnected"
	}
	if age := s.now().Sub(s.createdAt); age > s.cfg.MaxAge {
		return fmt.Sprintf("max age reached (%s)", age.Round(time.Second))
	}
	if err := s.current.Ping(ctx, s.cfg.PingTimeout); err != nil {
		s.logger.Debug("ping failed", "error", err)
		return "unresponsive"
	}
	return ""
}

// Restart replaces the resource unconditionally, rotating the proxy when
// rotation is enabled.
func (s *Supervisor) Restart(ctx context.Context, reason string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.restartLocked(ctx, reason); err != nil {
		return nil, err
	}
	return s.handleLocked()
}

func (s *Supervisor) restartLocked(ctx context.Context, reason string) error {
	if err := s.transitionLocked(EventRestart); err != nil {
		return err
	}

	// Outstanding handles are invalid from here on.
	s.generation.Add(1)

	if s.current != nil {
		s.releaseLocked(ctx)
	}

	restarts := s.restarts.Add(1)
	proxyURL := s.deps.Proxies.Rotate()

	s.logger.Info("restarting browser",
		"reason", reason,
		"restarts", restarts,
		"proxy", proxy.Mask(proxyURL),
	)

	err := s.createLocked(ctx, proxyURL)
	if s.deps.OnRestart != nil {
		s.deps.OnRestart(restarts, proxyURL)
	}
	if err != nil {
		_ = s.transitionLocked(EventCreateFailed)
		return err
	}
	return s.transitionLocked(EventCreated)
}

// createLocked builds a new resource seeded from the session store.
func (s *Supervisor) createLocked(ctx context.Context, proxyURL string) error {
	opts := CreateOptions{
		ID:    ulid.Make().String(),
		Proxy: proxyURL,
	}
	if s.deps.Picker != nil {
		opts.Profile = s.deps.Picker.Pick()
	}
	if s.deps.Store != nil {
		if seed, ok := s.deps.Store.Load(); ok {
			opts.Seed = seed
		}
	}

	res, err := s.deps.Factory.Create(ctx, opts)
	if err != nil && opts.Seed != nil && errors.Is(err, ErrInvalidSeed) {
		s.logger.Warn("saved session rejected, starting clean", "error", err)
		opts.Seed = nil
		res, err = s.deps.Factory.Create(ctx, opts)
	}
	if err != nil {
		s.current = nil
		s.currentID = ""
		return fmt.Errorf("create browser: %w", err)
	}

	s.current = res
	s.currentID = opts.ID
	s.createdAt = s.now()
	s.proxyURL = proxyURL
	s.prof = opts.Profile

	s.logger.Info("browser ready",
		"resource_id", opts.ID,
		"proxy", proxy.Mask(proxyURL),
		"user_agent", opts.Profile.UserAgent,
		"viewport", fmt.Sprintf("%dx%d", opts.Profile.Viewport.Width, opts.Profile.Viewport.Height),
		"seeded", opts.Seed != nil,
	)
	return nil
}

// SaveSession exports and persists the current session state.
func (s *Supervisor) SaveSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.deps.Store == nil {
		return nil
	}
	return s.saveLocked(ctx)
}

func (s *Supervisor) saveLocked(ctx context.Context) error {
	state, err := s.current.ExportState(ctx)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	if err := s.deps.Store.Save(state); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.logger.Debug("session saved", "bytes", len(state))
	return nil
}

// releaseLocked saves the session best-effort, then closes the resource.
func (s *Supervisor) releaseLocked(ctx context.Context) {
	if s.deps.Store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
		if err := s.saveLocked(saveCtx); err != nil {
			s.logger.Warn("failed to save session before close", "error", err)
		}
		cancel()
	}

	if err := s.current.Close(); err != nil {
		s.logger.Warn("failed to close browser", "resource_id", s.currentID, "error", err)
	}
	s.current = nil
	s.currentID = ""
	s.publishLocked()
}

// Close saves the session and releases the resource. Only the first call
// has any effect.
func (s *Supervisor) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed.Store(true)
		s.generation.Add(1)
		if s.current != nil {
			s.releaseLocked(ctx)
		}
		_ = s.transitionLocked(EventClose)
		s.logger.Info("supervisor closed", "restarts", s.restarts.Load())
	})
}

func (s *Supervisor) transitionLocked(ev Event) error {
	next, err := Transition(s.state.Phase, ev)
	if err != nil {
		s.logger.Error("rejected transition", "phase", s.state.Phase, "event", ev)
		return err
	}
	prev := s.state
	s.state = State{Phase: next}
	if next == PhaseReady {
		s.state.Since = s.now()
	}
	s.publishLocked()
	s.logger.Debug("state transition", "from", prev.Phase, "event", ev, "to", next)
	return nil
}

// Handle is a generation-stamped reference to a resource. It stops working
// as soon as the supervisor restarts or closes.
type Handle struct {
	sup        *Supervisor
	generation uint64
	resource   Resource
	id         string
	proxy      string
	profile    profile.Profile
}

// Resource returns the underlying resource, or ErrStaleHandle when the
// resource has since been replaced or closed.
func (h *Handle) Resource() (Resource, error) {
	if h == nil || h.sup == nil {
		return nil, ErrNotInitialized
	}
	if !h.Valid() {
		return nil, ErrStaleHandle
	}
	return h.resource, nil
}

// Valid reports whether the handle still refers to the live resource.
func (h *Handle) Valid() bool {
	return !h.sup.closed.Load() && h.sup.generation.Load() == h.generation
}

// Generation returns the generation the handle was issued for.
func (h *Handle) Generation() uint64 { return h.generation }

// ID returns the resource identifier.
func (h *Handle) ID() string { return h.id }

// Proxy returns the proxy the resource was created with.
func (h *Handle) Proxy() string { return h.proxy }

// Profile returns the fingerprint profile of the resource.
func (h *Handle) Profile() profile.Profile { return h.profile }
