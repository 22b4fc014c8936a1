package browser

import (
	"encoding/json"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/jmylchreest/slotwatch/internal/profile"
)

// fingerprintScript patches the navigator surface so that it agrees with the
// selected profile. It runs before any page script on every document.
const fingerprintScript = `(function(fp) {
    'use strict';
    const define = (obj, prop, value) => {
        try {
            Object.defineProperty(obj, prop, { get: () => value, configurable: true });
        } catch (e) {}
    };

    define(navigator, 'webdriver', false);
    try { delete Object.getPrototypeOf(navigator).webdriver; } catch (e) {}

    try {
        const plugins = Object.create(PluginArray.prototype);
        fp.plugins.forEach((name, i) => {
            const p = Object.create(Plugin.prototype);
            Object.defineProperties(p, {
                name: { value: name, enumerable: true },
                filename: { value: 'internal-pdf-viewer', enumerable: true },
                description: { value: 'Portable Document Format', enumerable: true },
                length: { value: 1, enumerable: true }
            });
            plugins[i] = p;
            plugins[name] = p;
        });
        Object.defineProperty(plugins, 'length', { value: fp.plugins.length });
        Object.defineProperty(plugins, 'item', { value: (i) => plugins[i] || null });
        Object.defineProperty(plugins, 'namedItem', { value: (n) => plugins[n] || null });
        define(navigator, 'plugins', plugins);
    } catch (e) {}

    define(navigator, 'languages', Object.freeze(fp.languages.slice()));
    define(navigator, 'language', fp.languages[0]);
    define(navigator, 'platform', fp.platform);
    define(navigator, 'hardwareConcurrency', fp.hardwareConcurrency);
    define(navigator, 'deviceMemory', fp.deviceMemory);
    define(navigator, 'maxTouchPoints', 0);
    define(navigator, 'vendor', 'Google Inc.');

    if (!window.chrome) {
        Object.defineProperty(window, 'chrome', { value: {}, writable: true, configurable: false });
    }
    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            get id() { return undefined; },
            connect: function() {},
            sendMessage: function() {}
        };
    }

    try {
        const query = Permissions.prototype.query;
        Permissions.prototype.query = function(params) {
            if (params && params.name === 'notifications') {
                return Promise.resolve({ state: Notification.permission });
            }
            return query.call(this, params);
        };
    } catch (e) {}

    const glHandler = {
        apply: function(target, ctx, args) {
            if (args[0] === 37445) return fp.webglVendor;
            if (args[0] === 37446) return fp.webglRenderer;
            return Reflect.apply(target, ctx, args);
        }
    };
    for (const C of [window.WebGLRenderingContext, window.WebGL2RenderingContext]) {
        try {
            C.prototype.getParameter = new Proxy(C.prototype.getParameter, glHandler);
        } catch (e) {}
    }

    try {
        const toDataURL = HTMLCanvasElement.prototype.toDataURL;
        HTMLCanvasElement.prototype.toDataURL = function() {
            const ctx = this.getContext('2d');
            if (ctx && this.width > 0 && this.height > 0) {
                const img = ctx.getImageData(0, 0, 1, 1);
                img.data[0] = (img.data[0] + fp.canvasNoise) % 256;
                ctx.putImageData(img, 0, 0);
            }
            return toDataURL.apply(this, arguments);
        };
    } catch (e) {}
})(__FINGERPRINT__);`

type fingerprint struct {
	Languages           []string `json:"languages"`
	Platform            string   `json:"platform"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	Plugins             []string `json:"plugins"`
	WebGLVendor         string   `json:"webglVendor"`
	WebGLRenderer       string   `json:"webglRenderer"`
	CanvasNoise         int      `json:"canvasNoise"`
}

// FingerprintScript renders the navigator patches for p.
func FingerprintScript(p profile.Profile) (string, error) {
	fp := fingerprint{
		Languages:           p.Languages,
		Platform:            p.Platform,
		HardwareConcurrency: p.HardwareConcurrency,
		DeviceMemory:        p.DeviceMemory,
		Plugins:             []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer"},
		WebGLVendor:         "Intel Inc.",
		WebGLRenderer:       "Intel Iris OpenGL Engine",
		CanvasNoise:         1 + p.Viewport.Width%7,
	}
	if len(fp.Languages) == 0 {
		fp.Languages = profile.Languages(p.Locale)
	}
	if fp.Platform == "" {
		fp.Platform = profile.Platform(p.UserAgent)
	}
	if fp.HardwareConcurrency <= 0 {
		fp.HardwareConcurrency = 8
	}
	if fp.DeviceMemory <= 0 {
		fp.DeviceMemory = 8
	}

	data, err := json.Marshal(fp)
	if err != nil {
		return "", err
	}
	return strings.Replace(fingerprintScript, "__FINGERPRINT__", string(data), 1), nil
}

// CreateStealthPage opens a page with the go-rod/stealth evasions and the
// profile fingerprint applied. With disable set it returns a plain page.
func CreateStealthPage(b *rod.Browser, p profile.Profile, disable bool) (*rod.Page, error) {
	if disable {
		return b.Page(proto.TargetCreateTarget{})
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, err
	}

	script, err := FingerprintScript(p)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(script); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}
