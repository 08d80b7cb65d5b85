// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config is the complete runtime configuration of cspd.
type Config struct {
	Addr          string `validate:"required"`
	DBPath        string `validate:"required"`
	LibrariesDir  string
	SecureCookies bool
	SessionTTL    time.Duration `validate:"gt=0"`

	// Bootstrap credentials, used only when no users exist.
	AdminUser string `validate:"required_with=AdminPass"`
	AdminPass string `validate:"required_with=AdminUser"`

	Log       LogConfig
	Reports   ReportsConfig
	RateLimit RateLimitConfig

	// TrustedProxies are networks whose X-Forwarded-For header is honored
	// when identifying report senders.
	TrustedProxies []netip.Prefix

	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// LogConfig selects the zap logger flavor.
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// ReportsConfig controls violation report retention.
type ReportsConfig struct {
	RetentionDays int    `validate:"min=1"`
	PruneSchedule string `validate:"cron"` // five fields or an @descriptor
}

// RateLimitConfig bounds violation reports per client.
type RateLimitConfig struct {
	Requests int           `validate:"min=1"`
	Window   time.Duration `validate:"gt=0"`
}

// Load reads an optional .env file and then CSPD_* environment variables.
// Variables already set in the environment win over the .env file.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv()
}

// FromEnv builds a Config from the current environment without reading any
// .env file.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Addr:          getEnv("CSPD_ADDR", ":8080"),
		DBPath:        getEnv("CSPD_DB_PATH", "cspd.db"),
		LibrariesDir:  getEnv("CSPD_LIBRARIES_DIR", ""),
		SecureCookies: p.bool("CSPD_SECURE_COOKIES", false),
		SessionTTL:    p.duration("CSPD_SESSION_TTL", 12*time.Hour),
		AdminUser:     getEnv("CSPD_ADMIN_USER", ""),
		AdminPass:     getEnv("CSPD_ADMIN_PASS", ""),
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("CSPD_LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("CSPD_LOG_FORMAT", "json")),
		},
		Reports: ReportsConfig{
			RetentionDays: p.int("CSPD_REPORT_RETENTION_DAYS", 30),
			PruneSchedule: getEnv("CSPD_PRUNE_SCHEDULE", "@hourly"),
		},
		RateLimit: RateLimitConfig{
			Requests: p.int("CSPD_REPORT_RATE_LIMIT", 60),
			Window:   p.duration("CSPD_REPORT_RATE_WINDOW", time.Minute),
		},
		TrustedProxies:  p.prefixes("CSPD_TRUSTED_PROXIES"),
		ShutdownTimeout: p.duration("CSPD_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks value ranges and formats.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %q fails %s", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag())
		}
		return err
	}
	return nil
}

// IsDevelopment reports whether human-readable console logs were requested.
func (c *Config) IsDevelopment() bool {
	return c.Log.Format == "console"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects conversion errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("config: %s=%q: %w", key, value, err))
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (p *parser) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return d
}

// prefixes parses a comma-separated list of CIDRs or bare addresses.
func (p *parser) prefixes(key string) []netip.Prefix {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				p.fail(key, part, err)
				continue
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			p.fail(key, part, err)
			continue
		}
		out = append(out, prefix.Masked())
	}
	return out
}
