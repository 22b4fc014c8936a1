// Package probe drives the booking portal: logging in, checking a service
// for open appointment slots and booking the first one.
package probe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/slotwatch/internal/browser"
	"github.com/jmylchreest/slotwatch/internal/challenge"
	"github.com/jmylchreest/slotwatch/internal/consent"
	"github.com/jmylchreest/slotwatch/internal/solver"
	"github.com/jmylchreest/slotwatch/internal/supervisor"
)

var (
	// ErrLoginFailed is returned when the portal does not accept the credentials.
	ErrLoginFailed = errors.New("login failed")
	// ErrServiceNotFound is returned when no link for the service is on the page.
	ErrServiceNotFound = errors.New("service link not found")
	// ErrChallengeUnsolved is returned when a CAPTCHA blocks the page.
	ErrChallengeUnsolved = errors.New("challenge could not be solved")
)

// Selectors locate portal elements. Each value may list alternatives.
type Selectors struct {
	EmailInput    string
	PasswordInput string
	LoginButton   string
	AvailableSlot string
	Calendar      string
	TimeSlot      string
	ConfirmButton string
	Confirmation  string
	ErrorMessage  string
}

// DefaultSelectors returns the selectors for the portal's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		EmailInput:    `input[name="Email"], input[type="email"], #Email`,
		PasswordInput: `input[name="Password"], input[type="password"], #Password`,
		LoginButton:   `button[type="submit"], input[type="submit"], .btn-login, #login-button`,
		AvailableSlot: `.available, .open, [class*="available"], td:not(.disabled), .day:not(.disabled)`,
		Calendar:      `.calendar, #calendar, [class*="calendar"], .datepicker`,
		TimeSlot:      `.time-slot, [class*="time"], select[name*="time"], .slot`,
		ConfirmButton: `button[type="submit"], input[type="submit"], .confirm-booking, .btn-primary, .btn-confirm`,
		Confirmation:  `.confirmation-code, [class*="confirmation"], [class*="booking-id"], .booking-number`,
		ErrorMessage:  `.error, .alert-danger, .validation-summary-errors, .alert-error, [class*="error"]`,
	}
}

// Options configures a Driver.
type Options struct {
	BaseURL         string
	ServicesPath    string
	LoggedInMarkers []string
	NoSlotPhrases   []string
	SuccessPhrases  []string

	Email    string
	Password string

	Service   string
	ServiceID string

	AccountID        string
	ScreenshotDir    string
	ScreenshotOnFind bool

	// NavigationTimeout bounds each page load.
	NavigationTimeout time.Duration
	// ManualWait bounds how long Login waits for a human to clear a CAPTCHA.
	// Zero disables waiting.
	ManualWait time.Duration

	Selectors Selectors
}

// Result is the outcome of one availability check.
type Result struct {
	Available  bool     `json:"available"`
	Count      int      `json:"count,omitempty"`
	Dates      []string `json:"dates,omitempty"`
	Screenshot string   `json:"screenshot,omitempty"`
}

// Booking is the outcome of an automatic booking attempt.
type Booking struct {
	Success          bool   `json:"success"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
	Date             string `json:"date,omitempty"`
	Time             string `json:"time,omitempty"`
	Screenshot       string `json:"screenshot,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Driver implements login, probing and booking against the portal.
type Driver struct {
	opts     Options
	detector *challenge.Detector
	solver   solver.Solver
	consent  *consent.Dismisser
	logger   *slog.Logger
}

// NewDriver creates a Driver. sol may be nil when no solver is configured.
func NewDriver(opts Options, detector *challenge.Detector, sol solver.Solver, logger *slog.Logger) *Driver {
	if opts.ServicesPath == "" {
		opts.ServicesPath = "/Services"
	}
	if len(opts.LoggedInMarkers) == 0 {
		opts.LoggedInMarkers = DefaultLoggedInMarkers
	}
	if len(opts.NoSlotPhrases) == 0 {
		opts.NoSlotPhrases = DefaultNoSlotPhrases
	}
	if len(opts.SuccessPhrases) == 0 {
		opts.SuccessPhrases = DefaultSuccessPhrases
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.Selectors == (Selectors{}) {
		opts.Selectors = DefaultSelectors()
	}
	if detector == nil {
		detector = challenge.NewDetector(challenge.Selectors{})
	}
	if sol == nil {
		sol = solver.NewChain()
	}
	logger = logger.With("component", "probe")
	return &Driver{
		opts:     opts,
		detector: detector,
		solver:   sol,
		consent:  consent.NewDismisser(logger),
		logger:   logger,
	}
}

// LoginURL is the portal entry page.
func (d *Driver) LoginURL() string {
	return strings.TrimRight(d.opts.BaseURL, "/")
}

func (d *Driver) servicesURL() string {
	return d.LoginURL() + d.opts.ServicesPath
}

// LoggedIn reports whether the page is on an authenticated area of the
// portal, judged by the current URL.
func (d *Driver) LoggedIn(ctx context.Context, h *supervisor.Handle) (bool, error) {
	page, err := browser.Page(h)
	if err != nil {
		return false, err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return false, fmt.Errorf("page info: %w", err)
	}
	return IsLoggedInPath(info.URL, d.opts.LoggedInMarkers), nil
}

// navigate loads url and waits for the network to settle.
func (d *Driver) navigate(ctx context.Context, page *rod.Page, url string) error {
	p := page.Context(ctx).Timeout(d.opts.NavigationTimeout)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	wait()
	return nil
}

// clickAndWait clicks el and waits for the resulting navigation.
func (d *Driver) clickAndWait(ctx context.Context, page *rod.Page, el *rod.Element, human bool) error {
	p := page.Context(ctx).Timeout(d.opts.NavigationTimeout)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	var err error
	if human {
		err = browser.HumanClick(ctx, page, el)
	} else {
		err = el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
	}
	if err != nil {
		return err
	}
	wait()
	return nil
}

func (d *Driver) bodyText(ctx context.Context, page *rod.Page) (string, error) {
	res, err := page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// HandleChallenge clears whatever challenge is on the page. It returns nil
// when the page is free of challenges afterwards.
func (d *Driver) HandleChallenge(ctx context.Context, page *rod.Page) error {
	det, err := d.detector.Detect(ctx, page)
	if err != nil {
		return err
	}

	switch det.Type {
	case challenge.TypeNone:
		return nil
	case challenge.TypeReCaptcha, challenge.TypeHCaptcha:
		d.logger.Warn("widget captcha detected, not supported for auto-solve", "type", det.Type)
		return fmt.Errorf("%w: %s", ErrChallengeUnsolved, det.Type)
	}

	if !d.solver.CanSolve(det.Type) {
		d.logger.Warn("captcha detected but no solver configured", "type", det.Type)
		return fmt.Errorf("%w: %s", ErrChallengeUnsolved, det.Type)
	}

	params := solver.SolveParams{Type: det.Type, PageURL: det.PageURL, Page: page}
	if det.Type == challenge.TypeImage {
		img, err := d.captchaImage(ctx, page)
		if err != nil {
			return err
		}
		params.ImageBase64 = img
	}

	res, err := d.solver.Solve(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChallengeUnsolved, err)
	}

	if det.Type == challenge.TypeImage {
		el, err := page.Context(ctx).Timeout(5 * time.Second).Element(d.detector.Selectors().Input)
		if err != nil {
			return fmt.Errorf("captcha input: %w", err)
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		if err := browser.HumanType(ctx, page, el, res.Text); err != nil {
			return fmt.Errorf("type captcha answer: %w", err)
		}
		_ = browser.RandomDelay(ctx, 500*time.Millisecond, time.Second)
	}
	d.logger.Info("challenge handled", "type", det.Type, "solver", res.SolverName)
	return nil
}

func (d *Driver) captchaImage(ctx context.Context, page *rod.Page) (string, error) {
	el, err := page.Context(ctx).Timeout(5 * time.Second).Element(d.detector.Selectors().Image)
	if err != nil {
		return "", fmt.Errorf("captcha image: %w", err)
	}
	img, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return "", fmt.Errorf("capture captcha image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(img), nil
}

// Login signs in with the configured credentials. It returns nil without
// touching the form when the stored session is still valid.
func (d *Driver) Login(ctx context.Context, h *supervisor.Handle) error {
	page, err := browser.Page(h)
	if err != nil {
		return err
	}
	d.logger.Info("attempting login")

	if err := d.navigate(ctx, page, d.LoginURL()); err != nil {
		return err
	}
	_ = browser.RandomDelay(ctx, time.Second, 2*time.Second)
	d.consent.Dismiss(ctx, page)

	if ok, err := d.LoggedIn(ctx, h); err == nil && ok {
		d.logger.Info("already logged in, session valid")
		return nil
	}

	sel := d.opts.Selectors
	p := page.Context(ctx)

	email, err := p.Timeout(10 * time.Second).Element(sel.EmailInput)
	if err != nil {
		return fmt.Errorf("email input not found: %w", err)
	}
	if err := browser.HumanClick(ctx, page, email); err != nil {
		return err
	}
	_ = browser.RandomDelay(ctx, 200*time.Millisecond, 400*time.Millisecond)
	if err := browser.HumanType(ctx, page, email, d.opts.Email); err != nil {
		return err
	}
	_ = browser.RandomDelay(ctx, 500*time.Millisecond, time.Second)

	password, err := p.Timeout(10 * time.Second).Element(sel.PasswordInput)
	if err != nil {
		return fmt.Errorf("password input not found: %w", err)
	}
	if err := browser.HumanClick(ctx, page, password); err != nil {
		return err
	}
	_ = browser.RandomDelay(ctx, 200*time.Millisecond, 400*time.Millisecond)
	if err := browser.HumanType(ctx, page, password, d.opts.Password); err != nil {
		return err
	}
	_ = browser.RandomDelay(ctx, 500*time.Millisecond, time.Second)

	if err := d.HandleChallenge(ctx, page); err != nil {
		d.logger.Warn("pre-submit challenge not cleared", "error", err)
	}

	if err := d.submitLogin(ctx, page); err != nil {
		return err
	}

	if det, err := d.detector.Detect(ctx, page); err == nil && det.Type != challenge.TypeNone {
		if err := d.HandleChallenge(ctx, page); err != nil {
			if d.opts.ManualWait <= 0 {
				return err
			}
			d.logger.Warn("please solve the captcha in the browser window", "wait", d.opts.ManualWait)
			if err := d.waitForLogin(ctx, h, d.opts.ManualWait); err != nil {
				return err
			}
		} else if err := d.submitLogin(ctx, page); err != nil {
			return err
		}
	}

	return d.verifyLogin(ctx, h, page)
}

func (d *Driver) submitLogin(ctx context.Context, page *rod.Page) error {
	has, btn, err := page.Context(ctx).Has(d.opts.Selectors.LoginButton)
	if err != nil {
		return err
	}
	if has {
		return d.clickAndWait(ctx, page, btn, true)
	}

	p := page.Context(ctx).Timeout(d.opts.NavigationTimeout)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := p.Keyboard.Type(input.Enter); err != nil {
		return err
	}
	wait()
	return nil
}

func (d *Driver) verifyLogin(ctx context.Context, h *supervisor.Handle, page *rod.Page) error {
	if ok, err := d.LoggedIn(ctx, h); err == nil && ok {
		d.logger.Info("login successful")
		return nil
	}

	text, _ := d.bodyText(ctx, page)
	if strings.Contains(text, "Prenota") || strings.Contains(text, "Area riservata") {
		d.logger.Info("login successful")
		return nil
	}

	msg := ""
	if has, el, err := page.Context(ctx).Has(d.opts.Selectors.ErrorMessage); err == nil && has {
		msg, _ = el.Text()
		msg = strings.TrimSpace(msg)
	}
	d.logger.Error("login failed", "error_text", msg)
	if msg != "" {
		return fmt.Errorf("%w: %s", ErrLoginFailed, msg)
	}
	return ErrLoginFailed
}

// waitForLogin polls every 5s until the page reaches a logged-in URL.
func (d *Driver) waitForLogin(ctx context.Context, h *supervisor.Handle, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		if ok, err := d.LoggedIn(ctx, h); err == nil && ok {
			return nil
		} else if errors.Is(err, supervisor.ErrStaleHandle) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForManualLogin opens the login page and waits until a human has
// signed in, or ctx ends.
func (d *Driver) WaitForManualLogin(ctx context.Context, h *supervisor.Handle) error {
	page, err := browser.Page(h)
	if err != nil {
		return err
	}
	if err := d.navigate(ctx, page, d.LoginURL()); err != nil {
		return err
	}
	return d.waitForLogin(ctx, h, 24*time.Hour)
}

type slotIndicators struct {
	HasCalendar    bool     `json:"hasCalendar"`
	AvailableCount int      `json:"availableCount"`
	HasBookButton  bool     `json:"hasBookButton"`
	Dates          []string `json:"dates"`
}

const indicatorsScript = `(sel) => {
    const q = (s) => { try { return document.querySelector(s); } catch (e) { return null; } };
    const qa = (s) => { try { return Array.from(document.querySelectorAll(s)); } catch (e) { return []; } };
    const slots = qa(sel.available);
    const confirm = sel.confirm.split(',').map((s) => s.trim() + ':not([disabled])').join(', ');
    return JSON.stringify({
        hasCalendar: q(sel.calendar) !== null,
        availableCount: slots.length,
        hasBookButton: q(confirm) !== null,
        dates: slots.map((el) => (el.textContent || '').trim()).filter(Boolean).slice(0, 20)
    });
}`

// Probe opens the configured service and reports whether slots are open.
func (d *Driver) Probe(ctx context.Context, h *supervisor.Handle) (*Result, error) {
	page, err := browser.Page(h)
	if err != nil {
		return nil, err
	}
	d.logger.Info("checking for available slots")

	if err := d.navigate(ctx, page, d.servicesURL()); err != nil {
		return nil, err
	}
	_ = browser.RandomDelay(ctx, time.Second, 2*time.Second)

	link, err := d.findServiceLink(ctx, page)
	if err != nil {
		return nil, err
	}
	if err := d.clickAndWait(ctx, page, link, false); err != nil {
		return nil, fmt.Errorf("open service: %w", err)
	}
	_ = browser.RandomDelay(ctx, 500*time.Millisecond, time.Second)

	if err := d.HandleChallenge(ctx, page); err != nil {
		d.logger.Warn("challenge on service page", "error", err)
	}

	text, err := d.bodyText(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	if ContainsAny(text, d.opts.NoSlotPhrases) {
		d.logger.Info("no slots available")
		return &Result{}, nil
	}

	sel := d.opts.Selectors
	res, err := page.Context(ctx).Eval(indicatorsScript, map[string]string{
		"available": sel.AvailableSlot,
		"calendar":  sel.Calendar,
		"confirm":   sel.ConfirmButton,
	})
	if err != nil {
		return nil, fmt.Errorf("inspect page: %w", err)
	}
	var ind slotIndicators
	if err := json.Unmarshal([]byte(res.Value.Str()), &ind); err != nil {
		return nil, fmt.Errorf("decode indicators: %w", err)
	}

	if !ind.HasCalendar && ind.AvailableCount == 0 && !ind.HasBookButton {
		d.logger.Info("no slots found")
		return &Result{}, nil
	}

	result := &Result{
		Available: true,
		Count:     max(ind.AvailableCount, 1),
		Dates:     CleanDates(ind.Dates, 10),
	}
	d.logger.Info("slots potentially available",
		"calendar", ind.HasCalendar,
		"count", ind.AvailableCount,
		"book_button", ind.HasBookButton,
	)

	if d.opts.ScreenshotOnFind {
		result.Screenshot = d.screenshot(ctx, page, "slots_found")
	}
	return result, nil
}

const linksScript = `() => JSON.stringify(Array.from(document.querySelectorAll('a')).map((a) => ({
    text: (a.textContent || '').trim(),
    href: a.getAttribute('href') || ''
})))`

func (d *Driver) findServiceLink(ctx context.Context, page *rod.Page) (*rod.Element, error) {
	res, err := page.Context(ctx).Eval(linksScript)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var links []Link
	if err := json.Unmarshal([]byte(res.Value.Str()), &links); err != nil {
		return nil, fmt.Errorf("decode links: %w", err)
	}

	i := MatchServiceLink(links, d.opts.ServiceID, ServiceKeywords(d.opts.Service))
	if i < 0 {
		d.logger.Warn("service link not found", "service", d.opts.Service, "links", len(links))
		return nil, ErrServiceNotFound
	}

	anchors, err := page.Context(ctx).Elements("a")
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	if i >= len(anchors) {
		return nil, ErrServiceNotFound
	}
	return anchors[i], nil
}

// Book clicks the first open slot, confirms and reads the confirmation.
// Failures after slots were found are reported in Booking.Error rather than
// as an error, so the slots alert still goes out.
func (d *Driver) Book(ctx context.Context, h *supervisor.Handle) (*Booking, error) {
	page, err := browser.Page(h)
	if err != nil {
		return nil, err
	}
	d.logger.Info("attempting auto-booking")
	sel := d.opts.Selectors
	p := page.Context(ctx)

	has, slot, err := p.Has(sel.AvailableSlot)
	if err != nil || !has {
		return &Booking{Error: "no available date element found"}, nil
	}
	if err := browser.HumanClick(ctx, page, slot); err != nil {
		return &Booking{Error: err.Error()}, nil
	}
	_ = browser.RandomDelay(ctx, 500*time.Millisecond, time.Second)

	timeSel := sel.TimeSlot + `.available, ` + sel.TimeSlot + `:not([disabled])`
	if has, ts, err := p.Has(timeSel); err == nil && has {
		if err := ts.Click(proto.InputMouseButtonLeft, 1); err == nil {
			_ = browser.RandomDelay(ctx, 300*time.Millisecond, 500*time.Millisecond)
		}
	}

	if err := d.HandleChallenge(ctx, page); err != nil {
		d.logger.Warn("challenge before confirm", "error", err)
	}

	has, confirm, err := p.Has(sel.ConfirmButton)
	if err != nil || !has {
		return &Booking{Error: "confirm button not found"}, nil
	}

	d.screenshot(ctx, page, "pre-booking")

	if err := d.clickAndWait(ctx, page, confirm, true); err != nil {
		return &Booking{Error: err.Error()}, nil
	}

	text, _ := d.bodyText(ctx, page)
	conf := ParseConfirmation(text)
	if has, el, err := p.Has(sel.Confirmation); err == nil && has {
		if code, err := el.Text(); err == nil && strings.TrimSpace(code) != "" {
			conf.Code = strings.TrimSpace(code)
		}
	}

	booking := &Booking{
		ConfirmationCode: conf.Code,
		Date:             conf.Date,
		Time:             conf.Time,
		Screenshot:       d.screenshot(ctx, page, "booking_confirmation"),
	}
	if ContainsAny(text, d.opts.SuccessPhrases) || conf.Code != "" {
		booking.Success = true
		d.logger.Info("booking successful", "code", conf.Code, "date", conf.Date, "time", conf.Time)
		return booking, nil
	}
	booking.Error = "booking may have failed, check manually"
	return booking, nil
}

// screenshot saves a full-page capture and returns its path, or "" on
// failure.
func (d *Driver) screenshot(ctx context.Context, page *rod.Page, name string) string {
	if d.opts.ScreenshotDir == "" {
		return ""
	}
	_, path, err := browser.Screenshot(ctx, page, d.opts.ScreenshotDir, d.opts.AccountID+"_"+name)
	if err != nil {
		d.logger.Warn("screenshot failed", "name", name, "error", err)
		return ""
	}
	d.logger.Info("screenshot saved", "path", path)
	return path
}
