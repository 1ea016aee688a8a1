package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"strategylab/internal/strategy/builtins"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for strategylab.
type Config struct {
	Storage    Storage         `yaml:"storage"`
	Server     Server          `yaml:"server"`
	Alpaca     Alpaca          `yaml:"alpaca"`
	Logging    Logging         `yaml:"logging"`
	Provider   Provider        `yaml:"provider"`
	Backtest   Backtest        `yaml:"backtest"`
	Strategies builtins.Params `yaml:"strategies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for `strategylab serve`.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// HTTPAddr is the JSON API and /metrics listen address.
func (s Server) HTTPAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// GRPCAddr is the gRPC listen address.
func (s Server) GRPCAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort)) }

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Configured reports whether credentials are present.
func (a Alpaca) Configured() bool { return a.APIKey != "" && a.APISecret != "" }

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Provider controls how market data is fetched upstream.
type Provider struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	// AlpacaCalendar loads exchange holidays from Alpaca instead of
	// treating every weekday as a trading day.
	AlpacaCalendar bool `yaml:"alpaca_calendar"`
}

// Backtest holds run defaults.
type Backtest struct {
	InitialCash  float64 `yaml:"initial_cash"`
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	Workers      int     `yaml:"workers"`
	ReportDir    string  `yaml:"report_dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/strategylab.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			GRPCPort: 9090,
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			Feed:    "iex",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Provider: Provider{
			MaxAttempts:     3,
			BaseDelay:       500 * time.Millisecond,
			RateLimitPerMin: 200,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Backtest: Backtest{
			InitialCash:  100000,
			RiskFreeRate: 0.02,
			Workers:      4,
			ReportDir:    "reports",
		},
		Strategies: builtins.DefaultParams(),
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the defaults,
// applies environment variable overrides and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the rest of the program relies on.
func (c *Config) Validate() error {
	var errs []error
	if !(c.Backtest.InitialCash > 0) {
		errs = append(errs, fmt.Errorf("backtest.initial_cash must be positive, got %v", c.Backtest.InitialCash))
	}
	if c.Backtest.Workers < 1 {
		errs = append(errs, fmt.Errorf("backtest.workers must be at least 1, got %d", c.Backtest.Workers))
	}
	if c.Provider.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("provider.max_attempts must be at least 1, got %d", c.Provider.MaxAttempts))
	}
	if c.Provider.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("provider.rate_limit_per_min must not be negative"))
	}
	switch c.Alpaca.Feed {
	case "", "iex", "sip":
	default:
		errs = append(errs, fmt.Errorf("alpaca.feed must be iex or sip, got %q", c.Alpaca.Feed))
	}
	if err := c.Strategies.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("strategies: %w", err))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("STRATEGYLAB_REPORT_DIR"); v != "" {
		cfg.Backtest.ReportDir = v
	}

	if v := os.Getenv("STRATEGYLAB_RISK_FREE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("STRATEGYLAB_RISK_FREE_RATE: %w", err)
		}
		cfg.Backtest.RiskFreeRate = rate
	}

	if v := os.Getenv("STRATEGYLAB_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STRATEGYLAB_WORKERS: %w", err)
		}
		cfg.Backtest.Workers = n
	}

	// Standard Alpaca env vars (highest priority, the SDK's canonical names).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}
