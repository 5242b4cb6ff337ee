// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Delivery modes for Slack events.
const (
	DeliverySocket = "SOCKET"
	DeliveryHTTP   = "HTTP"
)

// Config holds all application configuration.
type Config struct {
	Port     string
	DBPath   string
	LogLevel slog.Level

	Slack   SlackConfig
	HelpMe  HelpMeConfig
	Linking LinkingConfig

	// EncryptionKey is the base64 master key used to seal tokens and sign views.
	EncryptionKey string
	// RedisURL optionally moves link states out of SQLite.
	RedisURL string

	DefaultCourseID       int64
	CallbackRatePerMinute int
}

// SlackConfig controls the Slack transport.
type SlackConfig struct {
	DeliveryMode  string
	BotToken      string
	AppToken      string
	SigningSecret string
	Debug         bool
}

// HelpMeConfig controls the backend gateway.
type HelpMeConfig struct {
	// BaseURL is the public web origin used for the authorization redirect.
	BaseURL string
	// APIURL is the REST base all gateway paths are resolved against.
	APIURL       string
	APIKey       string
	OrgID        string
	Timeout      time.Duration
	HeavyTimeout time.Duration
}

// LinkingConfig controls the account-linking flow.
type LinkingConfig struct {
	Required     bool
	AppBaseURL   string
	SharedSecret string
	StateTTL     time.Duration
	MinStateTTL  time.Duration
	MaxStateTTL  time.Duration
	MaxAttempts  int
	SweepEvery   time.Duration
}

// CallbackURL returns the absolute URL HelpMe redirects back to.
func (l LinkingConfig) CallbackURL() string {
	return strings.TrimRight(l.AppBaseURL, "/") + "/link/callback"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	helpMeBase := getEnv("HELPME_BASE_URL", getEnv("HELP_ME_BASE_URL", "http://localhost:3000"))

	cfg := &Config{
		Port:     getEnv("PORT", "3109"),
		DBPath:   getEnv("DB_PATH", getEnv("DATABASE_PATH", "./data/data.db")),
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
		Slack: SlackConfig{
			DeliveryMode:  strings.ToUpper(getEnv("DELIVERY_MODE", DeliverySocket)),
			BotToken:      getEnv("SLACK_BOT_TOKEN", ""),
			AppToken:      getEnv("SLACK_APP_TOKEN", ""),
			SigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),
			Debug:         getEnvBool("SLACK_DEBUG", false),
		},
		HelpMe: HelpMeConfig{
			BaseURL:      helpMeBase,
			APIURL:       getEnv("HELPME_API_URL", strings.TrimRight(helpMeBase, "/")+"/api/v1"),
			APIKey:       getEnv("CHATBOT_API_KEY", ""),
			OrgID:        getEnv("DEFAULT_ORG_ID", getEnv("HELPME_ORG_ID", "")),
			Timeout:      getEnvDuration("BACKEND_TIMEOUT", 10*time.Second),
			HeavyTimeout: getEnvDuration("BACKEND_HEAVY_TIMEOUT", 30*time.Second),
		},
		Linking: LinkingConfig{
			Required:     getEnvBool("LINKING_REQUIRED", true),
			AppBaseURL:   getEnv("APP_BASE_URL", "http://localhost:3109"),
			SharedSecret: getEnv("LINK_SHARED_SECRET", ""),
			StateTTL:     time.Duration(getEnvInt("LINK_STATE_TTL_SECONDS", 600)) * time.Second,
			MinStateTTL:  time.Duration(getEnvInt("LINK_STATE_TTL_MIN_SECONDS", 60)) * time.Second,
			MaxStateTTL:  time.Duration(getEnvInt("LINK_STATE_TTL_MAX_SECONDS", 600)) * time.Second,
			MaxAttempts:  getEnvInt("EXCHANGE_MAX_ATTEMPTS", 3),
			SweepEvery:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		EncryptionKey:         getEnv("ENCRYPTION_KEY", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		DefaultCourseID:       int64(getEnvInt("DEFAULT_COURSE_ID", 0)),
		CallbackRatePerMinute: getEnvInt("CALLBACK_RATE_PER_MINUTE", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY cannot be empty")
	}
	switch c.Slack.DeliveryMode {
	case DeliverySocket:
		if c.Slack.AppToken == "" {
			return fmt.Errorf("SLACK_APP_TOKEN is required in SOCKET mode")
		}
		if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
			return fmt.Errorf("SLACK_APP_TOKEN must start with xapp-")
		}
	case DeliveryHTTP:
		if c.Slack.SigningSecret == "" {
			return fmt.Errorf("SLACK_SIGNING_SECRET is required in HTTP mode")
		}
	default:
		return fmt.Errorf("DELIVERY_MODE must be %s or %s", DeliverySocket, DeliveryHTTP)
	}
	if c.Slack.BotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.HelpMe.APIURL); err != nil {
		return fmt.Errorf("HELPME_API_URL is not a valid URL: %w", err)
	}
	if _, err := url.ParseRequestURI(c.HelpMe.BaseURL); err != nil {
		return fmt.Errorf("HELPME_BASE_URL is not a valid URL: %w", err)
	}
	if c.HelpMe.Timeout <= 0 || c.HelpMe.HeavyTimeout <= 0 {
		return fmt.Errorf("backend timeouts must be > 0")
	}
	if c.Linking.MinStateTTL <= 0 || c.Linking.MaxStateTTL < c.Linking.MinStateTTL {
		return fmt.Errorf("link state TTL bounds are invalid (min %s, max %s)", c.Linking.MinStateTTL, c.Linking.MaxStateTTL)
	}
	if c.Linking.MaxAttempts <= 0 {
		return fmt.Errorf("EXCHANGE_MAX_ATTEMPTS must be > 0")
	}
	if c.Linking.SweepEvery <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if the public callback URL points at a local host.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.Linking.AppBaseURL, "localhost") ||
		strings.Contains(c.Linking.AppBaseURL, "127.0.0.1")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("15s") or bare milliseconds ("15000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
