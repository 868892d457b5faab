package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the mirror bot daemon.
type Config struct {
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	Bot     Bot     `yaml:"bot"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Bot is the settings of a single mirroring bot: which strategy to follow and
// which venue to trade on.
type Bot struct {
	StrategyID       string        `yaml:"strategy_id"`
	RebalanceOnStart bool          `yaml:"rebalance_on_start"`
	CloseOnStop      bool          `yaml:"close_on_stop"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	Feed             Feed          `yaml:"feed"`
	Broker           Broker        `yaml:"broker"`
}

// Feed holds credentials and endpoints for the AlphaInsider strategy feed.
type Feed struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
}

// Broker selects a trading venue and carries its credentials.
type Broker struct {
	// Type is one of "alpaca", "binance" or "simulator".
	Type    string  `yaml:"type"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	Binance Binance `yaml:"binance"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Binance holds credentials for the Binance margin API.
type Binance struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Storage: Storage{SQLitePath: "mirrorbot.db"},
		Logging: Logging{Level: "info", Format: "json"},
		Bot: Bot{
			RebalanceOnStart: true,
			CloseOnStop:      true,
			TickInterval:     5 * time.Minute,
			Feed: Feed{
				BaseURL:   "https://alphainsider.com/api",
				StreamURL: "wss://alphainsider.com/ws",
			},
		},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, loads a .env file from the working directory when present, then
// applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings describe a bot that can be built.
func (c *Config) Validate() error {
	if c.Bot.StrategyID == "" {
		return errors.New("config: bot.strategy_id is required")
	}
	if c.Bot.TickInterval <= 0 {
		return errors.New("config: bot.tick_interval must be positive")
	}
	switch c.Bot.Broker.Type {
	case "alpaca", "binance", "simulator":
	default:
		return fmt.Errorf("config: unsupported broker type %q", c.Bot.Broker.Type)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("MIRRORBOT_STRATEGY_ID"); v != "" {
		cfg.Bot.StrategyID = v
	}
	if v := os.Getenv("MIRRORBOT_BROKER"); v != "" {
		cfg.Bot.Broker.Type = v
	}
	if v := os.Getenv("MIRRORBOT_REBALANCE_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MIRRORBOT_REBALANCE_ON_START: %w", err)
		}
		cfg.Bot.RebalanceOnStart = b
	}
	if v := os.Getenv("MIRRORBOT_CLOSE_ON_STOP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MIRRORBOT_CLOSE_ON_STOP: %w", err)
		}
		cfg.Bot.CloseOnStop = b
	}
	if v := os.Getenv("MIRRORBOT_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: MIRRORBOT_TICK_INTERVAL: %w", err)
		}
		cfg.Bot.TickInterval = d
	}

	if v := os.Getenv("ALPHAINSIDER_KEY"); v != "" {
		cfg.Bot.Feed.APIKey = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Bot.Broker.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Bot.Broker.Binance.APISecret = v
	}

	// Standard Alpaca env vars, the names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Bot.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Bot.Broker.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Bot.Broker.Alpaca.BaseURL = v
	}
	return nil
}
