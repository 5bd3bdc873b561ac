// Package config reads broker and process settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the settings read from RABBITMQ_*, LOG_LEVEL and METRICS_ADDR
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	VHost       string
	RawURL      string
	LogLevel    string
	MetricsAddr string
}

// Default returns the settings used when no variable is set
func Default() Config {
	return Config{
		Host:     "localhost",
		Port:     5672,
		User:     "guest",
		Password: "guest",
		VHost:    "/",
		LogLevel: "info",
	}
}

// Load reads a .env file from the working directory if one exists and
// then the process environment. Variables already set in the process
// take precedence over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an environment lookup function
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	get := func(key string, target *string) {
		if v, ok := lookup(key); ok && v != "" {
			*target = v
		}
	}

	get("RABBITMQ_HOST", &cfg.Host)
	get("RABBITMQ_USER", &cfg.User)
	get("RABBITMQ_PASSWORD", &cfg.Password)
	get("RABBITMQ_VHOST", &cfg.VHost)
	get("RABBITMQ_URL", &cfg.RawURL)
	get("LOG_LEVEL", &cfg.LogLevel)
	get("METRICS_ADDR", &cfg.MetricsAddr)

	if v, ok := lookup("RABBITMQ_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid RABBITMQ_PORT %q", v)
		}
		cfg.Port = port
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// URL returns RABBITMQ_URL when set and otherwise builds an AMQP URL
// from the individual settings. The default vhost "/" maps to an empty path.
func (c Config) URL() string {
	if c.RawURL != "" {
		return c.RawURL
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	if c.VHost != "" && c.VHost != "/" {
		u.Path = "/" + c.VHost
		u.RawPath = "/" + url.PathEscape(c.VHost)
	}
	return u.String()
}

// ParseLevel maps LOG_LEVEL values onto slog levels
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", level)
}

// Logger builds a text logger writing to stderr at the configured level
func (c Config) Logger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
