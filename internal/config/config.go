// Package config loads gateway settings from the environment and watches an
// optional YAML overlay for the few values that may change at runtime.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the process configuration. Every field is populated by
// envdecode from the variable named in its tag.
type Config struct {
	Command         string        `env:"GATEWAY_COMMAND,required"`
	RawArgs         string        `env:"GATEWAY_ARGS"`
	Dir             string        `env:"GATEWAY_DIR"`
	CallTimeout     time.Duration `env:"GATEWAY_CALL_TIMEOUT,default=60s"`
	InitTimeout     time.Duration `env:"GATEWAY_INIT_TIMEOUT,default=30s"`
	GraceTimeout    time.Duration `env:"GATEWAY_GRACE_TIMEOUT,default=2s"`
	ProtocolVersion string        `env:"GATEWAY_PROTOCOL_VERSION,default=2024-11-05"`

	HTTPAddr string `env:"HTTP_ADDR,default=:3000"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// RedisAddr selects the Redis broker and journal; empty keeps both in memory.
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcp:gateway:"`

	OllamaURL     string        `env:"OLLAMA_URL,default=http://localhost:11434"`
	OllamaModel   string        `env:"OLLAMA_MODEL,default=aya"`
	OllamaTimeout time.Duration `env:"OLLAMA_TIMEOUT,default=300s"`

	AuthIssuer         string `env:"AUTH_ISSUER"`
	AuthAudience       string `env:"AUTH_AUDIENCE"`
	AuthJWKSURL        string `env:"AUTH_JWKS_URL"`
	AuthRequiredScopes string `env:"AUTH_REQUIRED_SCOPES"`
	// PublicURL is the externally visible origin, used as the resource in
	// protected resource metadata.
	PublicURL string `env:"GATEWAY_PUBLIC_URL"`

	JournalTTL time.Duration `env:"CALL_JOURNAL_TTL,default=1h"`
	ReceiptKey string        `env:"RECEIPT_KEY"`

	ConfigFile string `env:"GATEWAY_CONFIG_FILE"`
}

// Load decodes the environment into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envdecode cannot express.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("GATEWAY_COMMAND is empty"))
	}
	for name, d := range map[string]time.Duration{
		"GATEWAY_CALL_TIMEOUT": c.CallTimeout,
		"GATEWAY_INIT_TIMEOUT": c.InitTimeout,
		"OLLAMA_TIMEOUT":       c.OllamaTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.GraceTimeout < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_GRACE_TIMEOUT must not be negative, got %s", c.GraceTimeout))
	}
	if c.AuthIssuer != "" && c.AuthAudience == "" {
		errs = append(errs, errors.New("AUTH_AUDIENCE is required when AUTH_ISSUER is set"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Args splits GATEWAY_ARGS on whitespace.
func (c *Config) Args() []string {
	return strings.Fields(c.RawArgs)
}

// RequiredScopes splits AUTH_REQUIRED_SCOPES on commas and whitespace.
func (c *Config) RequiredScopes() []string {
	return strings.FieldsFunc(c.AuthRequiredScopes, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// AuthEnabled reports whether bearer authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthIssuer != ""
}

// ParseLevel parses debug, info, warn or error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
