// Package config provides configuration management for the slot monitor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Portal time zones must resolve on minimal images

	"github.com/go-playground/validator/v10"

	"github.com/jmylchreest/slotwatch/internal/schedule"
)

// DefaultPortalURL is the booking portal.
const DefaultPortalURL = "https://prenotami.esteri.it"

// Config holds all configuration for one monitored account.
type Config struct {
	AccountID string `validate:"required"`

	// Credentials
	Email    string `validate:"omitempty,email"`
	Password string `validate:"omitempty,min=4"`

	// Target
	PortalURL       string `validate:"required,url"`
	Consulate       string
	Service         string
	ServiceID       string
	LoggedInMarkers []string

	// Schedule
	CheckIntervalActive time.Duration `validate:"gt=0"`
	CheckIntervalNormal time.Duration `validate:"gt=0"`
	CheckIntervalIdle   time.Duration `validate:"gt=0"`
	ActiveDays          []string
	ActiveHours         string
	IdleHours           string
	MaxInterval         time.Duration `validate:"gte=0"`
	Timezone            string        `validate:"required"`
	Locale              string        `validate:"required"`

	// Notification
	NotifyChannel string
	NotifyTarget  string
	NotifyCommand string
	NotifyGateway string `validate:"omitempty,url"`

	// Browser and behaviour
	CaptchaAPIKey    string
	ManualLogin      bool
	Headless         bool
	DisableStealth   bool
	ChromePath       string
	ScreenshotOnFind bool
	AutoBook         bool

	// Proxy
	ProxyServers []string
	ProxyRotate  bool

	// Session
	SessionEncryptionKey string        `validate:"omitempty,min=32"`
	SessionPath          string        `validate:"required"`
	SessionTTL           time.Duration `validate:"gt=0"`
	ScreenshotDir        string

	// Health surface
	HealthEnabled    bool
	HealthPort       int    `validate:"gte=1,lte=65535"`
	HealthAuthSecret string `validate:"omitempty,min=32"`
	HealthRateLimit  int    `validate:"gte=0"`
	CORSOrigins      []string

	// Resilience
	MaxConsecutiveErrors   int           `validate:"gte=1"`
	UnhealthyThreshold     int           `validate:"gte=0"`
	RestartAfterErrors     int           `validate:"gte=0"`
	BrowserRestartInterval time.Duration `validate:"gt=0"`
	RetryAttempts          int           `validate:"gte=1"`
	RetryBaseDelay         time.Duration `validate:"gte=0"`
	RetryMaxDelay          time.Duration `validate:"gte=0"`
	LoginAttempts          int           `validate:"gte=1"`
	CycleTimeout           time.Duration `validate:"gt=0"`
	ShutdownTimeout        time.Duration `validate:"gt=0"`

	// Journal
	JournalPath      string
	JournalRetention time.Duration `validate:"gte=0"`

	// Logging
	LogLevel  string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `validate:"omitempty,oneof=text json"`
}

// Load creates a Config from environment variables with sensible defaults.
func Load() *Config {
	accountID := getEnv("ACCOUNT_ID", "default")
	proxies := getEnvList("PROXY_SERVER", nil)
	if len(proxies) == 0 {
		proxies = getEnvList("PROXY_SERVERS", nil)
	}

	return &Config{
		AccountID: accountID,

		Email:    getEnv("PRENOTAMI_EMAIL", ""),
		Password: getEnv("PRENOTAMI_PASSWORD", ""),

		PortalURL:       getEnv("PORTAL_URL", DefaultPortalURL),
		Consulate:       getEnv("PRENOTAMI_CONSULATE", "saopaulo"),
		Service:         getEnv("PRENOTAMI_SERVICE", "passport_first"),
		ServiceID:       getEnv("PRENOTAMI_SERVICE_ID", ""),
		LoggedInMarkers: getEnvList("LOGGED_IN_MARKERS", []string{"/UserArea", "/Services"}),

		CheckIntervalActive: getEnvDuration("CHECK_INTERVAL_ACTIVE", 5*time.Second),
		CheckIntervalNormal: getEnvDuration("CHECK_INTERVAL_NORMAL", 5*time.Minute),
		CheckIntervalIdle:   getEnvDuration("CHECK_INTERVAL_IDLE", 30*time.Minute),
		ActiveDays:          getEnvList("ACTIVE_DAYS", []string{"mon", "wed"}),
		ActiveHours:         getEnv("ACTIVE_HOURS", "10-13"),
		IdleHours:           getEnv("IDLE_HOURS", "23-7"),
		MaxInterval:         getEnvDuration("MAX_INTERVAL", time.Hour),
		Timezone:            getEnv("TIMEZONE", "America/Sao_Paulo"),
		Locale:              getEnv("LOCALE", "pt-BR"),

		NotifyChannel: getEnv("NOTIFY_CHANNEL", "telegram"),
		NotifyTarget:  getEnv("NOTIFY_TARGET", ""),
		NotifyCommand: getEnv("NOTIFY_COMMAND", "moltbot"),
		NotifyGateway: getEnv("NOTIFY_GATEWAY", getEnv("MOLTBOT_GATEWAY", "http://localhost:3000")),

		CaptchaAPIKey:    getEnv("CAPTCHA_API_KEY", ""),
		ManualLogin:      getEnvBool("MANUAL_LOGIN", false),
		Headless:         getEnvBool("HEADLESS", true),
		DisableStealth:   getEnvBool("DISABLE_STEALTH", false),
		ChromePath:       getEnv("CHROME_PATH", ""),
		ScreenshotOnFind: getEnvBool("SCREENSHOT_ON_FIND", true),
		AutoBook:         getEnvBool("AUTO_BOOK", false),

		ProxyServers: proxies,
		ProxyRotate:  getEnvBool("PROXY_ROTATE", false),

		SessionEncryptionKey: getEnv("SESSION_ENCRYPTION_KEY", ""),
		SessionPath:          getEnv("SESSION_PATH", "./sessions/"+accountID+".json"),
		SessionTTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
		ScreenshotDir:        getEnv("SCREENSHOT_DIR", "./screenshots"),

		HealthEnabled:    getEnvBool("HEALTH_ENABLED", false),
		HealthPort:       getEnvInt("HEALTH_PORT", 8080),
		HealthAuthSecret: getEnv("HEALTH_AUTH_SECRET", ""),
		HealthRateLimit:  getEnvInt("HEALTH_RATE_LIMIT", 60),
		CORSOrigins:      getEnvList("HEALTH_CORS_ORIGINS", []string{"*"}),

		MaxConsecutiveErrors:   getEnvInt("MAX_CONSECUTIVE_ERRORS", 20),
		UnhealthyThreshold:     getEnvInt("UNHEALTHY_THRESHOLD", 5),
		RestartAfterErrors:     getEnvInt("RESTART_AFTER_ERRORS", 5),
		BrowserRestartInterval: getEnvDuration("BROWSER_RESTART_INTERVAL_MS", 6*time.Hour),
		RetryAttempts:          getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
		LoginAttempts:          getEnvInt("LOGIN_ATTEMPTS", 3),
		CycleTimeout:           getEnvDuration("CYCLE_TIMEOUT", 10*time.Minute),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		JournalPath:      getEnv("JOURNAL_DB_PATH", ""),
		JournalRetention: getEnvDuration("JOURNAL_RETENTION", 30*24*time.Hour),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "")),
	}
}

// ErrCredentialsRequired is reported when automatic login has no credentials.
var ErrCredentialsRequired = errors.New("PRENOTAMI_EMAIL and PRENOTAMI_PASSWORD are required unless MANUAL_LOGIN is set")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateConfig, Config{})
	return v
}

func validateConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if !c.ManualLogin {
		if c.Email == "" {
			sl.ReportError(c.Email, "Email", "Email", "required_unless_manual", "")
		}
		if c.Password == "" {
			sl.ReportError(c.Password, "Password", "Password", "required_unless_manual", "")
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		sl.ReportError(c.Timezone, "Timezone", "Timezone", "timezone", "")
	}
	if _, err := ParseWindow(c.ActiveHours); err != nil {
		sl.ReportError(c.ActiveHours, "ActiveHours", "ActiveHours", "window", "")
	}
	if _, err := ParseWindow(c.IdleHours); err != nil {
		sl.ReportError(c.IdleHours, "IdleHours", "IdleHours", "window", "")
	}
	if _, err := schedule.ParseWeekdays(c.ActiveDays); err != nil {
		sl.ReportError(c.ActiveDays, "ActiveDays", "ActiveDays", "weekdays", "")
	}
}

// Validate checks the configuration. Each problem is reported on its own line.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required_unless_manual" {
			return ErrCredentialsRequired
		}
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "email":
		return "Email: invalid email format"
	case "min":
		return fmt.Sprintf("%s: must be at least %s characters", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s: must be a valid URL", fe.Field())
	case "window":
		return fmt.Sprintf("%s: must be an hour range like 10-13", fe.Field())
	default:
		return fmt.Sprintf("%s: failed %q check", fe.Field(), fe.Tag())
	}
}

// Encrypted reports whether sessions are encrypted at rest.
func (c *Config) Encrypted() bool {
	return c.SessionEncryptionKey != ""
}

// Location returns the configured time zone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Schedule builds the scheduler configuration.
func (c *Config) Schedule() schedule.Config {
	sc := schedule.DefaultConfig(c.Location())
	sc.Active = c.CheckIntervalActive
	sc.Normal = c.CheckIntervalNormal
	sc.Idle = c.CheckIntervalIdle
	sc.MaxInterval = c.MaxInterval
	if days, err := schedule.ParseWeekdays(c.ActiveDays); err == nil {
		sc.ActiveDays = days
	}
	if w, err := ParseWindow(c.ActiveHours); err == nil {
		sc.ActiveHours = w
	}
	if w, err := ParseWindow(c.IdleHours); err == nil {
		sc.IdleHours = w
	}
	return sc
}

// ParseWindow parses "start-end" hours, each 0-24.
func ParseWindow(s string) (schedule.Window, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return schedule.Window{}, fmt.Errorf("hour range %q: missing '-'", s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return schedule.Window{}, fmt.Errorf("hour range %q: %w", s, err)
	}
	b, err := strconv.Atoi(strings.TrimSpace(end))
	if err != nil {
		return schedule.Window{}, fmt.Errorf("hour range %q: %w", s, err)
	}
	if a < 0 || a > 24 || b < 0 || b > 24 {
		return schedule.Window{}, fmt.Errorf("hour range %q: hours must be 0-24", s)
	}
	return schedule.Window{Start: a % 24, End: b}, nil
}

// MaskedEmail returns the first three characters of the email followed by a mask.
func (c *Config) MaskedEmail() string {
	if c.Email == "" {
		return "(not set)"
	}
	prefix := c.Email
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return prefix + "***@***"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("5m") and bare integers, read as
// milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
