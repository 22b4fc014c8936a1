// Package browser launches and drives the Chromium instance used for
// monitoring, through go-rod.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/slotwatch/internal/profile"
	"github.com/jmylchreest/slotwatch/internal/proxy"
	"github.com/jmylchreest/slotwatch/internal/supervisor"
)

// ErrNotSession is returned when a handle refers to something other than a
// browser Session.
var ErrNotSession = errors.New("resource is not a browser session")

// Options configures how browsers are launched.
type Options struct {
	ChromePath     string
	Headless       bool
	DisableStealth bool
	// ConnectTimeout bounds the launch and initial connection.
	ConnectTimeout time.Duration
}

// Factory launches browsers for the supervisor.
type Factory struct {
	opts   Options
	logger *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(opts Options, logger *slog.Logger) *Factory {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	return &Factory{opts: opts, logger: logger.With("component", "browser")}
}

// Create launches a browser with the given proxy and profile, restores the
// seeded session state and opens the working page.
func (f *Factory) Create(ctx context.Context, co supervisor.CreateOptions) (supervisor.Resource, error) {
	var seed *StorageState
	if co.Seed != nil {
		st, err := DecodeState(co.Seed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", supervisor.ErrInvalidSeed, err)
		}
		seed = st
	}

	p := co.Profile
	if p.Viewport.Width == 0 || p.Viewport.Height == 0 {
		p.Viewport = profile.Viewport{Width: 1920, Height: 1080}
	}

	l := launcher.New()
	if f.opts.ChromePath != "" {
		l = l.Bin(f.opts.ChromePath)
	}
	l = l.
		Headless(f.opts.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("window-size", fmt.Sprintf("%d,%d", p.Viewport.Width, p.Viewport.Height))
	if p.Locale != "" {
		l = l.Set("lang", p.Locale)
	}

	server, user, pass := proxy.Split(co.Proxy)
	if server != "" {
		l = l.Proxy(server)
	}

	// The timeout bounds the launch only. The CDP connection outlives Create.
	launchCtx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout)
	defer cancel()

	u, err := l.Context(launchCtx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b, err := connect(u)
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	s := &Session{
		id:       co.ID,
		browser:  b,
		launcher: l,
		logger:   f.logger.With("resource_id", co.ID),
	}

	if user != "" {
		go s.answerProxyAuth(user, pass)
	}

	if err := s.setup(launchCtx, p, seed, f.opts.DisableStealth); err != nil {
		_ = s.Close()
		if seed != nil && errors.Is(err, errSeed) {
			return nil, fmt.Errorf("%w: %v", supervisor.ErrInvalidSeed, err)
		}
		return nil, err
	}

	s.logger.Info("browser launched",
		"headless", f.opts.Headless,
		"stealth", !f.opts.DisableStealth,
		"cookies_restored", seedCookies(seed),
	)
	return s, nil
}

var errSeed = errors.New("restore session")

// connect attaches to the DevTools endpoint at controlURL. The returned
// browser owns the connection; it must not be derived with Context, which
// copies the browser before the client is set.
func connect(controlURL string) (*rod.Browser, error) {
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func seedCookies(st *StorageState) int {
	if st == nil {
		return 0
	}
	return len(st.Cookies)
}

// Session is one launched browser with its working page.
type Session struct {
	id       string
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rod.Page
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) setup(ctx context.Context, p profile.Profile, seed *StorageState, disableStealth bool) error {
	if err := s.restoreCookies(seed); err != nil {
		return err
	}

	page, err := CreateStealthPage(s.browser, p, disableStealth)
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	s.page = page

	if seed != nil {
		script, err := restoreScript(seed.Origins)
		if err != nil {
			return fmt.Errorf("%w: local storage: %v", errSeed, err)
		}
		if script != "" {
			if _, err := page.EvalOnNewDocument(script); err != nil {
				return fmt.Errorf("%w: local storage: %v", errSeed, err)
			}
		}
	}

	pc := page.Context(ctx)
	if p.UserAgent != "" {
		if err := pc.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      p.UserAgent,
			AcceptLanguage: acceptLanguage(p),
			Platform:       p.Platform,
		}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	scale := p.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             p.Viewport.Width,
		Height:            p.Viewport.Height,
		DeviceScaleFactor: scale,
	}).Call(pc); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if p.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: p.Timezone}).Call(pc); err != nil {
			s.logger.Warn("failed to set timezone", "timezone", p.Timezone, "error", err)
		}
	}
	if p.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: p.Locale}).Call(pc); err != nil {
			s.logger.Warn("failed to set locale", "locale", p.Locale, "error", err)
		}
	}
	return nil
}

// restoreCookies loads the seeded cookies into the browser.
func (s *Session) restoreCookies(seed *StorageState) error {
	if seed == nil || len(seed.Cookies) == 0 {
		return nil
	}
	if err := s.browser.SetCookies(cookieParams(seed.Cookies)); err != nil {
		return fmt.Errorf("%w: set cookies: %v", errSeed, err)
	}
	return nil
}

func acceptLanguage(p profile.Profile) string {
	langs := p.Languages
	if len(langs) == 0 {
		langs = profile.Languages(p.Locale)
	}
	out := ""
	for i, l := range langs {
		if i == 0 {
			out = l
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		out += fmt.Sprintf(",%s;q=%.1f", l, q)
	}
	return out
}

// answerProxyAuth keeps answering proxy credential challenges until the
// browser goes away.
func (s *Session) answerProxyAuth(user, pass string) {
	for {
		wait := s.browser.HandleAuth(user, pass)
		if err := wait(); err != nil {
			return
		}
	}
}

// ID returns the resource identifier.
func (s *Session) ID() string { return s.id }

// Page returns the working page.
func (s *Session) Page() *rod.Page { return s.page }

// Connected reports whether the browser process still answers.
func (s *Session) Connected() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := s.browser.Pages()
	return err == nil
}

// Ping evaluates a trivial expression on the working page.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	if s.page == nil {
		return errors.New("no page")
	}
	_, err := s.page.Context(ctx).Timeout(timeout).Eval(`() => 1`)
	return err
}

// ExportState collects cookies and the local storage of the current origin.
func (s *Session) ExportState(ctx context.Context) ([]byte, error) {
	cookies, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	st := &StorageState{Cookies: cookiesFromNetwork(cookies)}

	if s.page != nil {
		res, err := s.page.Context(ctx).Eval(exportOriginScript)
		if err != nil {
			s.logger.Debug("local storage export skipped", "error", err)
		} else {
			var o Origin
			if err := json.Unmarshal([]byte(res.Value.Str()), &o); err == nil {
				st.MergeOrigin(o)
			}
		}
	}
	return st.Encode()
}

// Close closes the browser and removes its profile directory.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.browser.Close()
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		s.logger.Info("browser closed")
	})
	return s.closeErr
}

// Page resolves a supervisor handle to its working page. Stale handles are
// rejected.
func Page(h *supervisor.Handle) (*rod.Page, error) {
	res, err := h.Resource()
	if err != nil {
		return nil, err
	}
	s, ok := res.(*Session)
	if !ok {
		return nil, ErrNotSession
	}
	return s.page, nil
}

// Screenshot captures the full page as PNG and, when dir is set,
// writes it to dir/name_<unix ms>.png. It returns the image and the path.
func Screenshot(ctx context.Context, page *rod.Page, dir, name string) ([]byte, string, error) {
	img, err := page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, "", fmt.Errorf("capture screenshot: %w", err)
	}
	if dir == "" {
		return img, "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return img, "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.png", name, time.Now().UnixMilli()))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return img, "", fmt.Errorf("write screenshot: %w", err)
	}
	return img, path, nil
}
