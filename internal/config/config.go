package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	State    StateConfig    `yaml:"state"`
	Venues   VenuesConfig   `yaml:"venues"`
	Strategy StrategyConfig `yaml:"strategy"`
	Trading  TradingConfig  `yaml:"trading"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	History  HistoryConfig  `yaml:"history"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type VenuesConfig struct {
	Spot VenueConfig `yaml:"spot"`
	Perp VenueConfig `yaml:"perp"`
}

type VenueConfig struct {
	Symbol         string        `yaml:"symbol"`
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// StrategyConfig holds the spread and funding thresholds. Spread values are
// signed fractions (0.001 = 0.1%); funding rates are per-interval fractions.
type StrategyConfig struct {
	OpenSpreadThreshold    float64 `yaml:"open_spread_threshold"`
	MinFundingRate         float64 `yaml:"min_funding_rate"`
	CloseSpreadThreshold   float64 `yaml:"close_spread_threshold"`
	ReverseSpreadThreshold float64 `yaml:"reverse_spread_threshold"`
	// Nil disables the funding-reversal close check.
	ReverseFundingThreshold *float64 `yaml:"reverse_funding_threshold"`

	PositionSize float64 `yaml:"position_size"`
	MaxPositions int     `yaml:"max_positions"`

	MaxSlippage  float64       `yaml:"max_slippage"`
	MaxDataAge   time.Duration `yaml:"max_data_age"`
	OrderTimeout time.Duration `yaml:"order_timeout"`

	CycleInterval time.Duration `yaml:"cycle_interval"`
}

type TradingConfig struct {
	Enabled        bool `yaml:"enabled"`
	UseLimitOrders bool `yaml:"use_limit_orders"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides lets the secret-bearing fields come from the environment
// (typically via a .env file) instead of the yaml file. Environment wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/statarb-bot.db"
	}
	applyVenueDefaults(&cfg.Venues.Spot)
	applyVenueDefaults(&cfg.Venues.Perp)
	if cfg.Strategy.OpenSpreadThreshold == 0 {
		cfg.Strategy.OpenSpreadThreshold = 0.001
	}
	if cfg.Strategy.MinFundingRate == 0 {
		cfg.Strategy.MinFundingRate = 0.0001
	}
	if cfg.Strategy.CloseSpreadThreshold == 0 {
		cfg.Strategy.CloseSpreadThreshold = 0.0005
	}
	if cfg.Strategy.ReverseSpreadThreshold == 0 {
		cfg.Strategy.ReverseSpreadThreshold = -0.001
	}
	if cfg.Strategy.PositionSize == 0 {
		cfg.Strategy.PositionSize = 100
	}
	if cfg.Strategy.MaxPositions == 0 {
		cfg.Strategy.MaxPositions = 1
	}
	if cfg.Strategy.MaxSlippage == 0 {
		cfg.Strategy.MaxSlippage = 0.002
	}
	if cfg.Strategy.MaxDataAge == 0 {
		cfg.Strategy.MaxDataAge = 5 * time.Second
	}
	if cfg.Strategy.OrderTimeout == 0 {
		cfg.Strategy.OrderTimeout = 30 * time.Second
	}
	if cfg.Strategy.CycleInterval == 0 {
		cfg.Strategy.CycleInterval = 5 * time.Second
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
}

func applyVenueDefaults(v *VenueConfig) {
	if v.ReconnectDelay == 0 {
		v.ReconnectDelay = 3 * time.Second
	}
	if v.PingInterval == 0 {
		v.PingInterval = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Venues.Spot.Symbol == "" {
		return errors.New("venues.spot.symbol is required")
	}
	if cfg.Venues.Perp.Symbol == "" {
		return errors.New("venues.perp.symbol is required")
	}
	if cfg.Strategy.PositionSize <= 0 {
		return errors.New("strategy.position_size must be > 0")
	}
	if cfg.Strategy.MaxPositions < 1 {
		return errors.New("strategy.max_positions must be >= 1")
	}
	if cfg.Strategy.CloseSpreadThreshold >= cfg.Strategy.OpenSpreadThreshold {
		return errors.New("strategy.close_spread_threshold must be below open_spread_threshold")
	}
	if cfg.Strategy.ReverseSpreadThreshold >= cfg.Strategy.CloseSpreadThreshold {
		return errors.New("strategy.reverse_spread_threshold must be below close_spread_threshold")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
