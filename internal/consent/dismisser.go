// Package consent dismisses cookie consent banners before the page is used.
package consent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// Common consent button selectors, most specific first.
var buttonSelectors = []string{
	`#onetrust-accept-btn-handler`,
	`button#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,
	`button#didomi-notice-agree-button`,
	`.iubenda-cs-accept-btn`,
	`button[data-testid="accept-cookies"]`,
	`button.cookie-accept`,
	`button.accept-cookies`,
	`button#accept-cookies`,
	`button#cookieAccept`,
	`a.cookie-accept`,
	`div[class*="cookie"] button[class*="accept"]`,
	`div[class*="consent"] button[class*="accept"]`,
}

// Accept labels in the languages the portal is served in.
var acceptTexts = []string{
	"accetta tutti",
	"accetta",
	"accetto",
	"aceitar todos",
	"aceitar",
	"accept all",
	"accept cookies",
	"i accept",
	"i agree",
	"got it",
	"ok",
}

// MatchAcceptText reports whether a button label looks like a consent
// acceptance. Short labels must match exactly; longer ones by prefix.
func MatchAcceptText(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return false
	}
	for _, t := range acceptTexts {
		if l == t {
			return true
		}
		if len(t) > 3 && strings.HasPrefix(l, t) {
			return true
		}
	}
	return false
}

const dismissScript = `(selectors, texts) => {
    const visible = (el) => {
        const r = el.getBoundingClientRect();
        return r.width > 0 && r.height > 0;
    };
    for (const sel of selectors) {
        let el = null;
        try { el = document.querySelector(sel); } catch (e) {}
        if (el && visible(el)) { el.click(); return 'selector:' + sel; }
    }
    for (const el of document.querySelectorAll('button, a, [role="button"]')) {
        const label = (el.textContent || '').trim().toLowerCase();
        if (!label || !visible(el)) continue;
        for (const t of texts) {
            if (label === t || (t.length > 3 && label.startsWith(t))) {
                el.click();
                return 'text:' + t;
            }
        }
    }
    return '';
}`

// Dismisser handles cookie consent banner dismissal.
type Dismisser struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewDismisser creates a new cookie consent dismisser.
func NewDismisser(logger *slog.Logger) *Dismisser {
	return &Dismisser{
		logger:  logger,
		timeout: 2 * time.Second,
	}
}

// Dismiss clicks the first visible consent button. It reports whether a
// banner was dismissed. Failures are logged and treated as no banner.
func (d *Dismisser) Dismiss(ctx context.Context, page *rod.Page) bool {
	res, err := page.Context(ctx).Timeout(d.timeout).Eval(dismissScript, buttonSelectors, acceptTexts)
	if err != nil {
		d.logger.Debug("consent check failed", "error", err)
		return false
	}

	how := res.Value.Str()
	if how == "" {
		return false
	}

	d.logger.Info("dismissed cookie consent banner", "method", how)
	return true
}
