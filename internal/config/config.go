// Package config loads server settings from defaults, an optional TOML file,
// an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"twentyone/internal/game"
)

// Config is the server configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Table  TableConfig  `toml:"table"`
	Ledger LedgerConfig `toml:"ledger"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig covers the listener and per-connection limits.
type ServerConfig struct {
	Addr         string  `toml:"addr"`          // listen address, e.g. ":8080"
	OutboxSize   int     `toml:"outbox_size"`   // queued messages per client before it is dropped
	CommandRate  float64 `toml:"command_rate"`  // inbound commands per second per client
	CommandBurst int     `toml:"command_burst"` // burst allowance for inbound commands
}

// TableConfig covers the game itself.
type TableConfig struct {
	Stake          int `toml:"stake"`
	MaxPlayers     int `toml:"max_players"`
	StartingTokens int `toml:"starting_tokens"` // used when a client asks for none
}

// LedgerConfig covers the round history database.
type LedgerConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			OutboxSize:   256,
			CommandRate:  10,
			CommandBurst: 20,
		},
		Table: TableConfig{
			Stake:          20,
			MaxPlayers:     7,
			StartingTokens: 200,
		},
		Ledger: LedgerConfig{
			Path: "ledger.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. path names a TOML file; an empty path falls
// back to CONFIG_FILE. A missing file is not an error. envFile names a
// dotenv file whose variables are loaded without overriding the real
// environment.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if p := os.Getenv("PORT"); p != "" {
		c.Server.Addr = ":" + p
	}
	if p := os.Getenv("DB_PATH"); p != "" {
		c.Ledger.Path = p
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		c.Log.Level = l
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"STAKE", &c.Table.Stake},
		{"MAX_PLAYERS", &c.Table.MaxPlayers},
		{"STARTING_TOKENS", &c.Table.StartingTokens},
		{"OUTBOX_SIZE", &c.Server.OutboxSize},
		{"COMMAND_BURST", &c.Server.CommandBurst},
	}
	for _, v := range ints {
		s := os.Getenv(v.key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = n
	}
	if s := os.Getenv("COMMAND_RATE"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("COMMAND_RATE: %w", err)
		}
		c.Server.CommandRate = f
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Server.OutboxSize < 1 {
		return fmt.Errorf("outbox size must be positive: %d", c.Server.OutboxSize)
	}
	if c.Server.CommandRate <= 0 {
		return fmt.Errorf("command rate must be positive: %v", c.Server.CommandRate)
	}
	if c.Server.CommandBurst < 1 {
		return fmt.Errorf("command burst must be positive: %d", c.Server.CommandBurst)
	}
	if c.Table.Stake < 1 {
		return fmt.Errorf("stake must be positive: %d", c.Table.Stake)
	}
	if c.Table.StartingTokens < 1 {
		return fmt.Errorf("starting tokens must be positive: %d", c.Table.StartingTokens)
	}
	if c.Table.MaxPlayers < game.MinPlayers || c.Table.MaxPlayers > game.MaxPlayers {
		return fmt.Errorf("max players must be between %d and %d: %d", game.MinPlayers, game.MaxPlayers, c.Table.MaxPlayers)
	}
	if c.Ledger.Path == "" {
		return errors.New("ledger path is required")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
