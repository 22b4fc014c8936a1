// Package challenge detects CAPTCHA and bot-check pages in front of the
// monitored site.
package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// Type represents the type of challenge detected on a page.
type Type string

const (
	// TypeNone indicates no challenge was detected.
	TypeNone Type = "none"
	// TypeImage is a classic distorted-text image CAPTCHA with an input box.
	TypeImage Type = "image"
	// TypeReCaptcha is a Google reCAPTCHA widget.
	TypeReCaptcha Type = "recaptcha"
	// TypeHCaptcha is an hCaptcha widget.
	TypeHCaptcha Type = "hcaptcha"
	// TypeInterstitial is a "checking your browser" page that clears itself.
	TypeInterstitial Type = "interstitial"
)

// Selectors locate challenge elements.
type Selectors struct {
	Image     string
	Input     string
	ReCaptcha string
	HCaptcha  string
}

// DefaultSelectors matches the CAPTCHA markup used by the booking portal.
func DefaultSelectors() Selectors {
	return Selectors{
		Image:     `img[src*="captcha"], #captchaImage, .captcha-image, [class*="captcha"] img`,
		Input:     `input[name*="captcha"], #captchaInput, .captcha-input, [class*="captcha"] input`,
		ReCaptcha: `.g-recaptcha, #recaptcha, .recaptcha, iframe[src*="recaptcha"]`,
		HCaptcha:  `.h-captcha, iframe[src*="hcaptcha.com"]`,
	}
}

var interstitialTitles = []string{
	"just a moment",
	"checking your browser",
	"please wait",
	"attention required",
	"one more step",
	"verify you are human",
}

// Signals are the raw page observations a Detection is derived from.
type Signals struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	HasImage     bool   `json:"hasImage"`
	HasInput     bool   `json:"hasInput"`
	HasReCaptcha bool   `json:"hasReCaptcha"`
	HasHCaptcha  bool   `json:"hasHCaptcha"`
	HasCFMarker  bool   `json:"hasCfMarker"`
	SiteKey      string `json:"siteKey"`
}

// Detection describes the challenge found on a page.
type Detection struct {
	Type    Type   `json:"type"`
	SiteKey string `json:"siteKey,omitempty"`
	PageURL string `json:"pageUrl"`
	Title   string `json:"title"`
	// CanAuto reports whether waiting is enough to clear the challenge.
	CanAuto bool `json:"canAuto"`
}

// Classify derives a Detection from page signals. Interstitials take
// precedence, then image CAPTCHAs (which need both an image and an input),
// then widget CAPTCHAs.
func Classify(s Signals) Detection {
	d := Detection{Type: TypeNone, PageURL: s.URL, Title: s.Title}

	switch {
	case s.HasCFMarker || isInterstitialTitle(s.Title):
		d.Type = TypeInterstitial
		d.CanAuto = true
	case s.HasImage && s.HasInput:
		d.Type = TypeImage
	case s.HasReCaptcha:
		d.Type = TypeReCaptcha
		d.SiteKey = s.SiteKey
	case s.HasHCaptcha:
		d.Type = TypeHCaptcha
		d.SiteKey = s.SiteKey
	}
	return d
}

func isInterstitialTitle(title string) bool {
	t := strings.ToLower(title)
	for _, p := range interstitialTitles {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// Detector detects challenges on web pages.
type Detector struct {
	sel Selectors
}

// NewDetector creates a challenge detector.
func NewDetector(sel Selectors) *Detector {
	def := DefaultSelectors()
	if sel.Image == "" {
		sel.Image = def.Image
	}
	if sel.Input == "" {
		sel.Input = def.Input
	}
	if sel.ReCaptcha == "" {
		sel.ReCaptcha = def.ReCaptcha
	}
	if sel.HCaptcha == "" {
		sel.HCaptcha = def.HCaptcha
	}
	return &Detector{sel: sel}
}

// Selectors returns the selectors in use.
func (d *Detector) Selectors() Selectors { return d.sel }

const signalsScript = `(sel) => {
    const q = (s) => { try { return document.querySelector(s); } catch (e) { return null; } };
    const widget = q(sel.reCaptcha) || q(sel.hCaptcha);
    const keyed = q('[data-sitekey]');
    return JSON.stringify({
        url: location.href,
        title: document.title,
        hasImage: !!q(sel.image),
        hasInput: !!q(sel.input),
        hasReCaptcha: !!q(sel.reCaptcha),
        hasHCaptcha: !!q(sel.hCaptcha),
        hasCfMarker: !!(q('#cf-browser-verification') || q('.challenge-running') || q('#cf-challenge-running')),
        siteKey: (keyed && keyed.getAttribute('data-sitekey')) || (widget && widget.getAttribute('data-sitekey')) || ''
    });
}`

type selectorArgs struct {
	Image     string `json:"image"`
	Input     string `json:"input"`
	ReCaptcha string `json:"reCaptcha"`
	HCaptcha  string `json:"hCaptcha"`
}

// Signals collects the observations for Classify in one round-trip.
func (d *Detector) Signals(ctx context.Context, page *rod.Page) (Signals, error) {
	res, err := page.Context(ctx).Eval(signalsScript, selectorArgs{
		Image:     d.sel.Image,
		Input:     d.sel.Input,
		ReCaptcha: d.sel.ReCaptcha,
		HCaptcha:  d.sel.HCaptcha,
	})
	if err != nil {
		return Signals{}, fmt.Errorf("collect challenge signals: %w", err)
	}
	var s Signals
	if err := json.Unmarshal([]byte(res.Value.Str()), &s); err != nil {
		return Signals{}, fmt.Errorf("decode challenge signals: %w", err)
	}
	return s, nil
}

// Detect analyzes a page and returns the detected challenge.
func (d *Detector) Detect(ctx context.Context, page *rod.Page) (*Detection, error) {
	s, err := d.Signals(ctx, page)
	if err != nil {
		return nil, err
	}
	det := Classify(s)
	return &det, nil
}

// WaitForClear polls until no auto-resolving challenge remains. It returns
// early, without error, when a challenge that needs solving appears.
func (d *Detector) WaitForClear(ctx context.Context, page *rod.Page, timeout time.Duration) (*Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		det, err := d.Detect(ctx, page)
		if err != nil {
			return nil, err
		}
		if !det.CanAuto {
			return det, nil
		}

		select {
		case <-ctx.Done():
			return det, ctx.Err()
		case <-ticker.C:
		}
	}
}
