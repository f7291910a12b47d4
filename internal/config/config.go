// Package config loads settings from flags, ABSURD_* environment variables
// and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ABSURD_PORT
const EnvPrefix = "ABSURD"

const devSessionSecret = "development-only-secret"

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Session SessionConfig
	Game    GameConfig
	Events  EventsConfig
	Logging LoggingConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port      string
	Host      string
	Env       string // "development" or "production"
	PublicURL string
}

// StoreConfig selects the document store
type StoreConfig struct {
	Driver string // "memory" or "sqlite"
	DSN    string
}

// SessionConfig configures anonymous session tokens
type SessionConfig struct {
	Secret string
	TTL    time.Duration
}

// GameConfig holds game-related configuration
type GameConfig struct {
	DeckPath     string
	OptionCount  int
	RoomTTL      time.Duration
	ReapInterval time.Duration
}

// EventsConfig configures where room events are relayed. An empty NATSURL
// keeps events in the log only.
type EventsConfig struct {
	NATSURL     string
	NATSSubject string
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// BindFlags registers every setting on fs
func BindFlags(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.String("host", "0.0.0.0", "address to bind to (env: ABSURD_HOST)")
	fs.IntP("port", "p", 8080, "port to listen on (env: ABSURD_PORT)")
	fs.String("env", "development", "development or production (env: ABSURD_ENV)")
	fs.String("public-url", "", "base URL players open, used for join links (env: ABSURD_PUBLIC_URL)")
	fs.String("store-driver", "memory", "document store: memory or sqlite (env: ABSURD_STORE_DRIVER)")
	fs.String("store-dsn", "", "sqlite database file (env: ABSURD_STORE_DSN)")
	fs.String("session-secret", "", "secret signing session tokens (env: ABSURD_SESSION_SECRET)")
	fs.Duration("session-ttl", 24*time.Hour, "lifetime of a session token (env: ABSURD_SESSION_TTL)")
	fs.String("deck", "", "YAML deck file replacing the built-in cards (env: ABSURD_DECK)")
	fs.Int("option-count", 3, "answer options offered to each player (env: ABSURD_OPTION_COUNT)")
	fs.Duration("room-ttl", 6*time.Hour, "idle time before a room is deleted (env: ABSURD_ROOM_TTL)")
	fs.Duration("reap-interval", 10*time.Minute, "how often idle rooms are looked for (env: ABSURD_REAP_INTERVAL)")
	fs.String("nats-url", "", "NATS server to relay room events to (env: ABSURD_NATS_URL)")
	fs.String("nats-subject", "absurd.rooms", "subject prefix for room events (env: ABSURD_NATS_SUBJECT)")
	fs.String("log-level", "info", "debug, info, warn or error (env: ABSURD_LOG_LEVEL)")
	fs.String("log-format", "text", "text or json (env: ABSURD_LOG_FORMAT)")
}

// NewViper returns a viper instance reading fs and ABSURD_* variables
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, nil
}

// LoadDotEnv loads variables from the given files (default .env) without
// overriding ones already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from v
func Load(v *viper.Viper) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("port"),
			Host:      v.GetString("host"),
			Env:       v.GetString("env"),
			PublicURL: strings.TrimRight(v.GetString("public-url"), "/"),
		},
		Store: StoreConfig{
			Driver: v.GetString("store-driver"),
			DSN:    v.GetString("store-dsn"),
		},
		Session: SessionConfig{
			Secret: v.GetString("session-secret"),
			TTL:    v.GetDuration("session-ttl"),
		},
		Game: GameConfig{
			DeckPath:     v.GetString("deck"),
			OptionCount:  v.GetInt("option-count"),
			RoomTTL:      v.GetDuration("room-ttl"),
			ReapInterval: v.GetDuration("reap-interval"),
		},
		Events: EventsConfig{
			NATSURL:     v.GetString("nats-url"),
			NATSSubject: v.GetString("nats-subject"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log-level"),
			Format: v.GetString("log-format"),
		},
	}

	if cfg.Session.Secret == "" && cfg.IsDevelopment() {
		cfg.Session.Secret = devSessionSecret
	}
	return cfg
}

// Validate reports every missing or malformed setting in one error
func (c *Config) Validate() error {
	var missing []string
	if c.Server.Port == "" {
		missing = append(missing, "port")
	}
	if c.Store.Driver == "" {
		missing = append(missing, "store-driver")
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		missing = append(missing, "store-dsn")
	}
	if c.Session.Secret == "" {
		missing = append(missing, "session-secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %s", c.Server.Port)
	}
	if c.Server.Env != "development" && c.Server.Env != "production" {
		return fmt.Errorf("invalid env %q", c.Server.Env)
	}
	if c.IsProduction() && c.Session.Secret == devSessionSecret {
		return errors.New("session-secret must be set in production")
	}
	if c.Game.OptionCount < 1 {
		return fmt.Errorf("option-count must be positive: %d", c.Game.OptionCount)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// GetAddr returns the server address in host:port format
func (c *Config) GetAddr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}
