// Package config defines the single typed configuration struct for the
// trading engine. It is loaded from YAML, validated once at startup, and
// immutable afterwards.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nirre55/trading-engine/pkg/errors"
)

// Duration wraps time.Duration so YAML values like "30s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid duration %q", raw)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ExchangeConfig configures the exchange gateway and its retry policy.
type ExchangeConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	BaseURL    string `yaml:"base_url"`
	UseTestnet bool   `yaml:"use_testnet"`

	Symbol   string `yaml:"symbol" validate:"required"`
	Interval string `yaml:"interval" validate:"required,oneof=1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d"`

	// Client-side rate limiting for REST calls.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	RequestBurst      int     `yaml:"request_burst" validate:"gte=1"`

	// Retry policy for transient failures.
	MaxRetries        int      `yaml:"max_retries" validate:"gte=0"`
	RetryInitialDelay Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
}

// StrategyConfig configures the signal detector.
type StrategyConfig struct {
	RSIOversold   float64 `yaml:"rsi_oversold" validate:"gt=0,lt=50"`
	RSIOverbought float64 `yaml:"rsi_overbought" validate:"gt=50,lt=100"`

	RSIFastPeriod int `yaml:"rsi_fast_period" validate:"gt=0"`
	RSIMidPeriod  int `yaml:"rsi_mid_period" validate:"gt=0"`
	RSISlowPeriod int `yaml:"rsi_slow_period" validate:"gt=0"`
	EMAPeriod     int `yaml:"ema_period" validate:"gt=0"`
	// MTFFactor is how many base candles aggregate into one coarser candle for
	// the multi-timeframe RSI.
	MTFFactor int `yaml:"mtf_factor" validate:"gte=1"`

	// Confirmation gates, each independently togglable.
	FilterHeikinAshi bool `yaml:"filter_heikin_ashi"`
	FilterTrend      bool `yaml:"filter_trend"`
	FilterMTFRSI     bool `yaml:"filter_mtf_rsi"`

	// RecheckBaseCondition, when true, drops a pending latch as soon as the
	// base oscillator condition stops holding instead of keeping it armed.
	RecheckBaseCondition bool `yaml:"recheck_base_condition"`

	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
}

// RiskConfig configures position sizing and the safety circuit breakers.
type RiskConfig struct {
	MaxRiskFraction float64 `yaml:"max_risk_fraction" validate:"gt=0,lte=0.1"`
	StopLossPercent float64 `yaml:"stop_loss_percent" validate:"gt=0"`
	MinNotional     float64 `yaml:"min_notional" validate:"gte=0"`
	MaxNotional     float64 `yaml:"max_notional" validate:"gt=0"`

	// TPMode selects how the take-profit is derived: "ratio" multiplies the
	// stop distance, "fixed_percent" offsets the entry price.
	TPMode         string  `yaml:"tp_mode" validate:"oneof=ratio fixed_percent"`
	TPRatio        float64 `yaml:"tp_ratio" validate:"gt=0"`
	TPFixedPercent float64 `yaml:"tp_fixed_percent" validate:"gt=0"`

	MaxDailyTrades       int     `yaml:"max_daily_trades" validate:"gt=0"`
	MaxDailyLoss         float64 `yaml:"max_daily_loss" validate:"gt=0"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" validate:"gt=0"`
	// EmergencyStopLoss is the cumulative loss (or drawdown) that trips the
	// one-way emergency stop.
	EmergencyStopLoss float64 `yaml:"emergency_stop_loss" validate:"gt=0"`
}

// OrderConfig configures entry execution and order monitoring.
type OrderConfig struct {
	// EntryType is MARKET or LIMIT.
	EntryType string `yaml:"entry_type" validate:"oneof=MARKET LIMIT"`
	// LimitSpreadPercent offsets the limit price from the current tick
	// (below for buys, above for sells).
	LimitSpreadPercent float64  `yaml:"limit_spread_percent" validate:"gte=0"`
	EntryFillTimeout   Duration `yaml:"entry_fill_timeout"`
	// MarketFallback falls back to a market order when the limit entry times
	// out. When false, the trade fails instead.
	MarketFallback bool `yaml:"market_fallback"`
	// MaxSlippagePercent flattens the position and fails the trade when the
	// fallback fill deviates more than this from the intended entry.
	MaxSlippagePercent float64  `yaml:"max_slippage_percent" validate:"gte=0"`
	WatchInterval      Duration `yaml:"watch_interval"`
}

// ProtectionConfig configures SL/TP placement.
type ProtectionConfig struct {
	// Deferred delays protection placement until the entry candle closes.
	Deferred bool `yaml:"deferred"`
	// OffsetPercent widens/tightens levels the live price has already crossed.
	OffsetPercent float64 `yaml:"offset_percent" validate:"gte=0"`
	// MinDistancePercent is the minimum gap between a protective level and the
	// current price, so a stop never fires on placement.
	MinDistancePercent float64  `yaml:"min_distance_percent" validate:"gte=0"`
	CheckInterval      Duration `yaml:"check_interval"`
	// ProcessingTimeout is the re-entrancy window: an in-flight marker older
	// than this is considered stale and reset.
	ProcessingTimeout Duration `yaml:"processing_timeout"`
}

// ConnectionConfig configures the feed supervisor.
type ConnectionConfig struct {
	ReconnectBaseDelay Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `yaml:"reconnect_max_delay"`
	// MaxReconnectAttempts caps the reconnection loop; 0 means unlimited.
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" validate:"gte=0"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
	SafeModeDuration     Duration `yaml:"safe_mode_duration"`
	HealthCheckInterval  Duration `yaml:"health_check_interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// FilePath enables rotating file output when non-empty.
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

// Config is the complete engine configuration.
type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Risk       RiskConfig       `yaml:"risk"`
	Orders     OrderConfig      `yaml:"orders"`
	Protection ProtectionConfig `yaml:"protection"`
	Connection ConnectionConfig `yaml:"connection"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns a Config with every tunable at its default value. API keys
// and symbol remain empty and must be supplied.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Interval:          "5m",
			RequestsPerSecond: 8,
			RequestBurst:      16,
			MaxRetries:        5,
			RetryInitialDelay: Duration(2 * time.Second),
			RetryMaxDelay:     Duration(60 * time.Second),
		},
		Strategy: StrategyConfig{
			RSIOversold:   30,
			RSIOverbought: 70,
			RSIFastPeriod: 5,
			RSIMidPeriod:  14,
			RSISlowPeriod: 21,
			EMAPeriod:     200,
			MTFFactor:     4,

			FilterHeikinAshi: true,
			FilterTrend:      false,
			FilterMTFRSI:     false,

			MinConfidence: 0.4,
		},
		Risk: RiskConfig{
			MaxRiskFraction:      0.02,
			StopLossPercent:      1.0,
			MinNotional:          10,
			MaxNotional:          10000,
			TPMode:               "ratio",
			TPRatio:              1.2,
			TPFixedPercent:       1.0,
			MaxDailyTrades:       10,
			MaxDailyLoss:         100,
			MaxConsecutiveLosses: 3,
			EmergencyStopLoss:    300,
		},
		Orders: OrderConfig{
			EntryType:          "MARKET",
			LimitSpreadPercent: 0.05,
			EntryFillTimeout:   Duration(30 * time.Second),
			MarketFallback:     true,
			MaxSlippagePercent: 0.5,
			WatchInterval:      Duration(5 * time.Second),
		},
		Protection: ProtectionConfig{
			OffsetPercent:      0.01,
			MinDistancePercent: 0.05,
			CheckInterval:      Duration(10 * time.Second),
			ProcessingTimeout:  Duration(60 * time.Second),
		},
		Connection: ConnectionConfig{
			ReconnectBaseDelay:  Duration(30 * time.Second),
			ReconnectMaxDelay:   Duration(5 * time.Minute),
			ConnectTimeout:      Duration(15 * time.Second),
			SafeModeDuration:    Duration(5 * time.Minute),
			HealthCheckInterval: Duration(60 * time.Second),
		},
		Logging: LoggingConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}

// Load reads and validates a YAML config file, applying defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to read config file", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the full configuration. It is called once at startup; the
// config is treated as immutable afterwards.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	if c.Risk.MinNotional > c.Risk.MaxNotional {
		return errors.New(errors.ErrCodeInvalidConfiguration, "risk.min_notional exceeds risk.max_notional")
	}

	if c.Connection.ReconnectBaseDelay.Std() > c.Connection.ReconnectMaxDelay.Std() {
		return errors.New(errors.ErrCodeInvalidConfiguration, "connection.reconnect_base_delay exceeds reconnect_max_delay")
	}

	return nil
}

// CandleDuration returns the configured interval as a time.Duration.
func (c *Config) CandleDuration() time.Duration {
	switch c.Exchange.Interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}
