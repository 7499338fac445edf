// Package config loads the YAML configuration file and applies environment
// variable overrides for credentials and paths.
package config

import (
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradeflow/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradeflow execution engine.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Trading   TradingConfig   `yaml:"trading"`
	Portfolio PortfolioConfig `yaml:"portfolio"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	PaperMode bool `yaml:"paper_mode"`

	// Risk limits applied to the default portfolio. Zero disables a limit.
	MaxLeverage      float64 `yaml:"max_leverage"`
	MaxPositionPct   float64 `yaml:"max_position_pct"`
	MaxSectorPct     float64 `yaml:"max_sector_pct"`
	DailyNotionalCap float64 `yaml:"daily_notional_cap"`

	// Execution tuning.
	LargeOrderQty      float64 `yaml:"large_order_qty"`
	PollRatePerMin     int     `yaml:"poll_rate_per_min"`
	MaxChildWaitSec    int     `yaml:"max_child_wait_sec"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
}

// Limits converts the configured risk ceilings to domain limits.
func (t TradingConfig) Limits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxLeverage:      decimal.NewFromFloat(t.MaxLeverage),
		MaxPositionPct:   decimal.NewFromFloat(t.MaxPositionPct),
		MaxSectorPct:     decimal.NewFromFloat(t.MaxSectorPct),
		DailyNotionalCap: decimal.NewFromFloat(t.DailyNotionalCap),
	}
}

// PortfolioConfig seeds the default portfolio on first start.
type PortfolioConfig struct {
	ID          string  `yaml:"id"`
	InitialCash float64 `yaml:"initial_cash"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills in values a missing config section would otherwise
// leave zero.
func applyDefaults(cfg *Config) {
	if cfg.Portfolio.ID == "" {
		cfg.Portfolio.ID = "default"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Trading.PollRatePerMin == 0 {
		cfg.Trading.PollRatePerMin = 120
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
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

	// Canonical Alpaca env vars take highest priority; the SDK reads the
	// same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
