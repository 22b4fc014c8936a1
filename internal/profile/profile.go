// Package profile picks the browser environment presented to the target.
//
// A Profile is chosen once per browser and never changes for that browser's
// lifetime. Values are drawn from fixed pools of common desktop configurations.
package profile

import (
	"math/rand/v2"
	"strings"
)

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Profile is one concrete environment.
type Profile struct {
	UserAgent           string   `json:"userAgent"`
	Viewport            Viewport `json:"viewport"`
	DeviceMemory        int      `json:"deviceMemory"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceScaleFactor   float64  `json:"deviceScaleFactor"`
	Locale              string   `json:"locale"`
	Languages           []string `json:"languages"`
	Timezone            string   `json:"timezone"`
	Platform            string   `json:"platform"`
}

// Pools holds the candidate values a Picker draws from.
type Pools struct {
	UserAgents          []string
	Viewports           []Viewport
	DeviceMemories      []int
	HardwareConcurrency []int
	DeviceScaleFactors  []float64
}

// DefaultPools returns the built-in candidate pools.
func DefaultPools() Pools {
	return Pools{
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		},
		Viewports: []Viewport{
			{1920, 1080},
			{1366, 768},
			{1536, 864},
			{1440, 900},
			{1280, 720},
		},
		DeviceMemories:      []int{4, 8, 16},
		HardwareConcurrency: []int{4, 8, 12, 16},
		DeviceScaleFactors:  []float64{1, 1.25},
	}
}

// Picker draws profiles from Pools.
type Picker struct {
	pools    Pools
	locale   string
	timezone string
	intn     func(n int) int
}

// NewPicker creates a picker. locale is a BCP 47 tag such as "pt-BR" and
// timezone an IANA zone name.
func NewPicker(pools Pools, locale, timezone string) *Picker {
	return &Picker{
		pools:    pools,
		locale:   locale,
		timezone: timezone,
		intn:     rand.IntN,
	}
}

// WithRand replaces the random source, for deterministic tests.
func (p *Picker) WithRand(intn func(n int) int) *Picker {
	p.intn = intn
	return p
}

// Pick returns a new profile.
func (p *Picker) Pick() Profile {
	ua := pick(p.intn, p.pools.UserAgents, "")
	return Profile{
		UserAgent:           ua,
		Viewport:            pick(p.intn, p.pools.Viewports, Viewport{1920, 1080}),
		DeviceMemory:        pick(p.intn, p.pools.DeviceMemories, 8),
		HardwareConcurrency: pick(p.intn, p.pools.HardwareConcurrency, 8),
		DeviceScaleFactor:   pick(p.intn, p.pools.DeviceScaleFactors, 1),
		Locale:              p.locale,
		Languages:           Languages(p.locale),
		Timezone:            p.timezone,
		Platform:            Platform(ua),
	}
}

func pick[T any](intn func(int) int, pool []T, fallback T) T {
	if len(pool) == 0 {
		return fallback
	}
	return pool[intn(len(pool))]
}

// Languages expands a locale into a navigator.languages list ending in English.
func Languages(locale string) []string {
	if locale == "" {
		return []string{"en-US", "en"}
	}
	langs := []string{locale}
	base, _, _ := strings.Cut(strings.ReplaceAll(locale, "_", "-"), "-")
	if base != locale {
		langs = append(langs, base)
	}
	if base != "en" {
		langs = append(langs, "en-US", "en")
	}
	return langs
}

// Platform derives navigator.platform from a user agent string.
func Platform(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Macintosh"):
		return "MacIntel"
	case strings.Contains(userAgent, "Linux"):
		return "Linux x86_64"
	default:
		return "Win32"
	}
}
