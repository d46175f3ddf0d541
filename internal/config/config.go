package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bishkek-meetup/internal/model"
)

const (
	defaultDatabaseURL   = "meetup.db"
	defaultHTTPAddr      = ":8080"
	defaultAuthTimeout   = 5 * time.Minute
	defaultAuthTokenTTL  = 5 * time.Minute
	defaultAppTokenTTL   = 30 * 24 * time.Hour
	defaultSweepInterval = time.Minute
)

// Config keeps runtime settings shared by the web and bot processes.
type Config struct {
	TelegramToken string `yaml:"telegram_token"`
	BotUsername   string `yaml:"bot_username"`
	DatabaseURL   string `yaml:"database_url"`
	SiteURL       string `yaml:"site_url"`
	HTTPAddr      string `yaml:"http_addr"`
	JWTSecret     string `yaml:"jwt_secret"`
	RedisURL      string `yaml:"redis_url"`
	LogLevel      string `yaml:"log_level"`
	LogPretty     bool   `yaml:"log_pretty"`

	RequiredChats []model.RequiredChat `yaml:"required_chats"`

	AuthTimeout   time.Duration `yaml:"auth_timeout"`
	AuthTokenTTL  time.Duration `yaml:"auth_token_ttl"`
	AppTokenTTL   time.Duration `yaml:"app_token_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Load reads the optional CONFIG_FILE and then applies environment overrides and defaults.
func Load() (Config, error) {
	var cfg Config

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	overrideString(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	overrideString(&cfg.BotUsername, "BOT_USERNAME")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.SiteURL, "SITE_URL")
	overrideString(&cfg.HTTPAddr, "HTTP_ADDR")
	overrideString(&cfg.JWTSecret, "JWT_SECRET")
	overrideString(&cfg.RedisURL, "REDIS_URL")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")

	if raw := strings.TrimSpace(os.Getenv("LOG_PRETTY")); raw != "" {
		pretty, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("LOG_PRETTY: %w", err)
		}
		cfg.LogPretty = pretty
	}

	if raw := strings.TrimSpace(os.Getenv("REQUIRED_CHATS")); raw != "" {
		chats, err := ParseRequiredChats(raw)
		if err != nil {
			return cfg, err
		}
		cfg.RequiredChats = chats
	}

	durations := []struct {
		target *time.Duration
		env    string
	}{
		{&cfg.AuthTimeout, "AUTH_TIMEOUT"},
		{&cfg.AuthTokenTTL, "AUTH_TOKEN_TTL"},
		{&cfg.AppTokenTTL, "APP_TOKEN_TTL"},
		{&cfg.SweepInterval, "SWEEP_INTERVAL"},
	}
	for _, d := range durations {
		if err := overrideDuration(d.target, d.env); err != nil {
			return cfg, err
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// ValidateBot checks the settings the bot process cannot run without.
func (c Config) ValidateBot() error {
	var errs []error
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}
	if c.SiteURL == "" {
		errs = append(errs, errors.New("SITE_URL is required"))
	}
	if len(c.RequiredChats) == 0 {
		errs = append(errs, errors.New("REQUIRED_CHATS is required"))
	}
	return errors.Join(errs...)
}

// ValidateWeb checks the settings the web process cannot run without.
func (c Config) ValidateWeb() error {
	var errs []error
	if c.BotUsername == "" {
		errs = append(errs, errors.New("BOT_USERNAME is required"))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = defaultDatabaseURL
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.AuthTokenTTL <= 0 {
		c.AuthTokenTTL = defaultAuthTokenTTL
	}
	if c.AppTokenTTL <= 0 {
		c.AppTokenTTL = defaultAppTokenTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	c.SiteURL = strings.TrimRight(c.SiteURL, "/")
	c.BotUsername = strings.TrimPrefix(c.BotUsername, "@")
	for i := range c.RequiredChats {
		c.RequiredChats[i] = c.RequiredChats[i].Normalize()
	}
}

// ParseRequiredChats parses a comma separated list of "id|title|link" entries.
// Title and link are optional; public @usernames get a t.me link by default.
func ParseRequiredChats(raw string) ([]model.RequiredChat, error) {
	var chats []model.RequiredChat
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		chat := model.RequiredChat{ID: strings.TrimSpace(parts[0])}
		if chat.ID == "" {
			return nil, fmt.Errorf("REQUIRED_CHATS: empty chat id in %q", entry)
		}
		if len(parts) > 1 {
			chat.Title = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			chat.InviteLink = strings.TrimSpace(parts[2])
		}
		chats = append(chats, chat.Normalize())
	}
	return chats, nil
}

func overrideString(target *string, env string) {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		*target = value
	}
}

func overrideDuration(target *time.Duration, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: invalid duration %q", env, raw)
	}
	*target = d
	return nil
}
