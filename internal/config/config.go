// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System     SystemConfig     `yaml:"system"`
	Asset      AssetConfig      `yaml:"asset"`
	Freshness  FreshnessConfig  `yaml:"freshness"`
	Risk       RiskConfig       `yaml:"risk"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Timing     TimingConfig     `yaml:"timing"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Journal    JournalConfig    `yaml:"journal"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	Venue    string `yaml:"venue"`
}

// AssetConfig describes the traded pair
type AssetConfig struct {
	PerpSymbol   string `yaml:"perp_symbol"`
	SpotSymbol   string `yaml:"spot_symbol"`
	BaseAsset    string `yaml:"base_asset"`
	QuoteAsset   string `yaml:"quote_asset"`
	BaseDecimals int    `yaml:"base_decimals"`
}

// FreshnessConfig bounds the age of store snapshots used for decisions
type FreshnessConfig struct {
	MaxTickerAgeMs  int `yaml:"max_ticker_age_ms"`
	MaxFundingAgeMs int `yaml:"max_funding_age_ms"`
	MaxAccountAgeMs int `yaml:"max_account_age_ms"`
}

// RiskConfig contains hard and soft risk limits. Quote amounts are in the
// smallest quote unit, thresholds in basis points.
type RiskConfig struct {
	MaxPositionSizeQuote        int64 `yaml:"max_position_size_quote"`
	MaxLeverageBps              int64 `yaml:"max_leverage_bps"`
	MaxDailyLossQuote           int64 `yaml:"max_daily_loss_quote"`
	MaxDrawdownBps              int64 `yaml:"max_drawdown_bps"`
	MinLiquidationBufferBps     int64 `yaml:"min_liquidation_buffer_bps"`
	MaxMarginUtilizationBps     int64 `yaml:"max_margin_utilization_bps"`
	WarningLeverageBps          int64 `yaml:"warning_leverage_bps"`
	WarningDrawdownBps          int64 `yaml:"warning_drawdown_bps"`
	WarningLiquidationBufferBps int64 `yaml:"warning_liquidation_buffer_bps"`
	WarningMarginUtilizationBps int64 `yaml:"warning_margin_utilization_bps"`
}

// StrategyConfig contains funding-rate thresholds and window sizing
type StrategyConfig struct {
	MinFundingRateBps      int64 `yaml:"min_funding_rate_bps"`
	MinPredictedRateBps    int64 `yaml:"min_predicted_rate_bps"`
	ExitFundingRateBps     int64 `yaml:"exit_funding_rate_bps"`
	TargetYieldBps         int64 `yaml:"target_yield_bps"`
	TrendWindow            int   `yaml:"trend_window"`
	TrendThresholdBps      int64 `yaml:"trend_threshold_bps"`
	VolatilityThresholdBps int64 `yaml:"volatility_threshold_bps"`
	MaxHistorySize         int   `yaml:"max_history_size"`
}

// ExecutionConfig contains execution engine limits and timeouts
type ExecutionConfig struct {
	MaxSlippageBps        int64 `yaml:"max_slippage_bps"`
	AckTimeoutMs          int   `yaml:"ack_timeout_ms"`
	FillTimeoutMs         int   `yaml:"fill_timeout_ms"`
	MaxPartialFillRetries int   `yaml:"max_partial_fill_retries"`
	MaxHedgeDriftBps      int64 `yaml:"max_hedge_drift_bps"`
	OrderBookDepth        int   `yaml:"order_book_depth"`
	PollIntervalMs        int   `yaml:"poll_interval_ms"`
}

// ReconcilerConfig contains reconciliation cadence and tolerances
type ReconcilerConfig struct {
	IntervalMs          int   `yaml:"interval_ms"`
	ToleranceSizeBps    int64 `yaml:"tolerance_size_bps"`
	TolerancePriceBps   int64 `yaml:"tolerance_price_bps"`
	ToleranceBalanceBps int64 `yaml:"tolerance_balance_bps"`
}

// BucketConfig is one token bucket: sustained rate and burst capacity
type BucketConfig struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// RateLimitConfig contains per-category buckets plus retry and breaker tuning
type RateLimitConfig struct {
	Public  BucketConfig `yaml:"public"`
	Private BucketConfig `yaml:"private"`
	Orders  BucketConfig `yaml:"orders"`

	DefaultTimeoutMs      int `yaml:"default_timeout_ms"`
	MaxRetries            int `yaml:"max_retries"`
	BaseBackoffMs         int `yaml:"base_backoff_ms"`
	MaxBackoffMs          int `yaml:"max_backoff_ms"`
	RateLimitBaseMs       int `yaml:"rate_limit_base_ms"`
	BreakerFailures       int `yaml:"breaker_failures"`
	BreakerResetMs        int `yaml:"breaker_reset_ms"`
	BreakerHalfOpenPasses int `yaml:"breaker_half_open_passes"`
}

// TimingConfig contains loop cadence settings
type TimingConfig struct {
	EvaluatorIntervalMs  int `yaml:"evaluator_interval_ms"`
	EvaluatorWarnMs      int `yaml:"evaluator_warn_ms"`
	ShutdownWaitMs       int `yaml:"shutdown_wait_ms"`
	PositionFreshAgeSecs int `yaml:"position_fresh_age_secs"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// JournalConfig controls the optional transition journal
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars replaces ${VAR} references with environment values
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration populated with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel: "INFO",
			Venue:    "paper",
		},
		Asset: AssetConfig{
			PerpSymbol:   "BTCUSDT-PERP",
			SpotSymbol:   "BTCUSDT",
			BaseAsset:    "BTC",
			QuoteAsset:   "USDT",
			BaseDecimals: 8,
		},
		Freshness: FreshnessConfig{
			MaxTickerAgeMs:  10_000,
			MaxFundingAgeMs: 120_000,
			MaxAccountAgeMs: 120_000,
		},
		Risk: RiskConfig{
			MaxPositionSizeQuote:        10_000_000_000,
			MaxLeverageBps:              30_000,
			MaxDailyLossQuote:           500_000_000,
			MaxDrawdownBps:              1_500,
			MinLiquidationBufferBps:     1_000,
			MaxMarginUtilizationBps:     8_000,
			WarningLeverageBps:          20_000,
			WarningDrawdownBps:          1_000,
			WarningLiquidationBufferBps: 2_000,
			WarningMarginUtilizationBps: 6_000,
		},
		Strategy: StrategyConfig{
			MinFundingRateBps:      10,
			MinPredictedRateBps:    5,
			ExitFundingRateBps:     3,
			TargetYieldBps:         100,
			TrendWindow:            24,
			TrendThresholdBps:      5,
			VolatilityThresholdBps: 5,
			MaxHistorySize:         48,
		},
		Execution: ExecutionConfig{
			MaxSlippageBps:        30,
			AckTimeoutMs:          5_000,
			FillTimeoutMs:         30_000,
			MaxPartialFillRetries: 3,
			MaxHedgeDriftBps:      100,
			OrderBookDepth:        20,
			PollIntervalMs:        200,
		},
		Reconciler: ReconcilerConfig{
			IntervalMs:          60_000,
			ToleranceSizeBps:    50,
			TolerancePriceBps:   50,
			ToleranceBalanceBps: 50,
		},
		RateLimit: RateLimitConfig{
			Public:                BucketConfig{RatePerSec: 20, Burst: 40},
			Private:               BucketConfig{RatePerSec: 10, Burst: 20},
			Orders:                BucketConfig{RatePerSec: 5, Burst: 10},
			DefaultTimeoutMs:      10_000,
			MaxRetries:            3,
			BaseBackoffMs:         500,
			MaxBackoffMs:          10_000,
			RateLimitBaseMs:       2_000,
			BreakerFailures:       5,
			BreakerResetMs:        10_000,
			BreakerHalfOpenPasses: 1,
		},
		Timing: TimingConfig{
			EvaluatorIntervalMs:  2_000,
			EvaluatorWarnMs:      1_500,
			ShutdownWaitMs:       15_000,
			PositionFreshAgeSecs: 30,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "fundarb_journal.db",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, err := range []error{
		c.validateSystem(),
		c.validateAsset(),
		c.validateFreshness(),
		c.validateRisk(),
		c.validateStrategy(),
		c.validateExecution(),
		c.validateReconciler(),
		c.validateRateLimit(),
		c.validateTiming(),
	} {
		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateAsset() error {
	if c.Asset.PerpSymbol == "" {
		return ValidationError{Field: "asset.perp_symbol", Message: "perp symbol is required"}
	}
	if c.Asset.SpotSymbol == "" {
		return ValidationError{Field: "asset.spot_symbol", Message: "spot symbol is required"}
	}
	if c.Asset.BaseAsset == "" || c.Asset.QuoteAsset == "" {
		return ValidationError{Field: "asset", Message: "base and quote assets are required"}
	}
	if c.Asset.BaseDecimals < 0 || c.Asset.BaseDecimals > 18 {
		return ValidationError{
			Field:   "asset.base_decimals",
			Value:   c.Asset.BaseDecimals,
			Message: "must be between 0 and 18",
		}
	}
	return nil
}

func (c *Config) validateFreshness() error {
	if c.Freshness.MaxTickerAgeMs <= 0 {
		return ValidationError{Field: "freshness.max_ticker_age_ms", Value: c.Freshness.MaxTickerAgeMs, Message: "must be positive"}
	}
	if c.Freshness.MaxFundingAgeMs <= 0 {
		return ValidationError{Field: "freshness.max_funding_age_ms", Value: c.Freshness.MaxFundingAgeMs, Message: "must be positive"}
	}
	if c.Freshness.MaxAccountAgeMs <= 0 {
		return ValidationError{Field: "freshness.max_account_age_ms", Value: c.Freshness.MaxAccountAgeMs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxPositionSizeQuote <= 0 {
		return ValidationError{Field: "risk.max_position_size_quote", Value: c.Risk.MaxPositionSizeQuote, Message: "must be positive"}
	}
	if c.Risk.MaxLeverageBps <= 0 {
		return ValidationError{Field: "risk.max_leverage_bps", Value: c.Risk.MaxLeverageBps, Message: "must be positive"}
	}
	if c.Risk.MinLiquidationBufferBps < 0 || c.Risk.MinLiquidationBufferBps > 10_000 {
		return ValidationError{Field: "risk.min_liquidation_buffer_bps", Value: c.Risk.MinLiquidationBufferBps, Message: "must be within [0, 10000]"}
	}
	if c.Risk.MaxMarginUtilizationBps <= 0 || c.Risk.MaxMarginUtilizationBps > 10_000 {
		return ValidationError{Field: "risk.max_margin_utilization_bps", Value: c.Risk.MaxMarginUtilizationBps, Message: "must be within (0, 10000]"}
	}
	if c.Risk.WarningLeverageBps > c.Risk.MaxLeverageBps {
		return ValidationError{Field: "risk.warning_leverage_bps", Value: c.Risk.WarningLeverageBps, Message: "must not exceed max_leverage_bps"}
	}
	if c.Risk.WarningLiquidationBufferBps < c.Risk.MinLiquidationBufferBps {
		return ValidationError{Field: "risk.warning_liquidation_buffer_bps", Value: c.Risk.WarningLiquidationBufferBps, Message: "must not be below min_liquidation_buffer_bps"}
	}
	return nil
}

func (c *Config) validateStrategy() error {
	if c.Strategy.TrendWindow < 2 {
		return ValidationError{Field: "strategy.trend_window", Value: c.Strategy.TrendWindow, Message: "must be at least 2"}
	}
	if c.Strategy.MaxHistorySize < c.Strategy.TrendWindow {
		return ValidationError{Field: "strategy.max_history_size", Value: c.Strategy.MaxHistorySize, Message: "must be at least trend_window"}
	}
	if c.Strategy.ExitFundingRateBps > c.Strategy.MinFundingRateBps {
		return ValidationError{Field: "strategy.exit_funding_rate_bps", Value: c.Strategy.ExitFundingRateBps, Message: "must not exceed min_funding_rate_bps"}
	}
	return nil
}

func (c *Config) validateExecution() error {
	if c.Execution.MaxSlippageBps <= 0 {
		return ValidationError{Field: "execution.max_slippage_bps", Value: c.Execution.MaxSlippageBps, Message: "must be positive"}
	}
	if c.Execution.AckTimeoutMs <= 0 || c.Execution.FillTimeoutMs <= 0 {
		return ValidationError{Field: "execution.timeouts", Message: "ack and fill timeouts must be positive"}
	}
	if c.Execution.MaxPartialFillRetries < 0 {
		return ValidationError{Field: "execution.max_partial_fill_retries", Value: c.Execution.MaxPartialFillRetries, Message: "must not be negative"}
	}
	if c.Execution.OrderBookDepth <= 0 {
		return ValidationError{Field: "execution.order_book_depth", Value: c.Execution.OrderBookDepth, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateReconciler() error {
	if c.Reconciler.IntervalMs < 1_000 {
		return ValidationError{Field: "reconciler.interval_ms", Value: c.Reconciler.IntervalMs, Message: "must be at least 1000"}
	}
	if c.Reconciler.ToleranceSizeBps < 0 || c.Reconciler.ToleranceBalanceBps < 0 {
		return ValidationError{Field: "reconciler.tolerances", Message: "tolerances must not be negative"}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	for name, bucket := range map[string]BucketConfig{
		"public":  c.RateLimit.Public,
		"private": c.RateLimit.Private,
		"orders":  c.RateLimit.Orders,
	} {
		if bucket.RatePerSec <= 0 || bucket.Burst <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("rate_limit.%s", name),
				Message: "rate and burst must be positive",
			}
		}
	}
	if c.RateLimit.MaxRetries < 0 {
		return ValidationError{Field: "rate_limit.max_retries", Value: c.RateLimit.MaxRetries, Message: "must not be negative"}
	}
	if c.RateLimit.BreakerFailures <= 0 {
		return ValidationError{Field: "rate_limit.breaker_failures", Value: c.RateLimit.BreakerFailures, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateTiming() error {
	if c.Timing.EvaluatorIntervalMs < 100 {
		return ValidationError{Field: "timing.evaluator_interval_ms", Value: c.Timing.EvaluatorIntervalMs, Message: "must be at least 100"}
	}
	if c.Timing.EvaluatorWarnMs <= 0 || c.Timing.EvaluatorWarnMs > c.Timing.EvaluatorIntervalMs {
		return ValidationError{Field: "timing.evaluator_warn_ms", Value: c.Timing.EvaluatorWarnMs, Message: "must be positive and at most the evaluator interval"}
	}
	if c.Timing.ShutdownWaitMs <= 0 {
		return ValidationError{Field: "timing.shutdown_wait_ms", Value: c.Timing.ShutdownWaitMs, Message: "must be positive"}
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// Decimal accessors. YAML carries int64; decisions operate on integer decimals.

func (r RiskConfig) MaxPositionSize() decimal.Decimal    { return decimal.NewFromInt(r.MaxPositionSizeQuote) }
func (r RiskConfig) MaxLeverage() decimal.Decimal        { return decimal.NewFromInt(r.MaxLeverageBps) }
func (r RiskConfig) MaxDailyLoss() decimal.Decimal       { return decimal.NewFromInt(r.MaxDailyLossQuote) }
func (r RiskConfig) MaxDrawdown() decimal.Decimal        { return decimal.NewFromInt(r.MaxDrawdownBps) }
func (r RiskConfig) MinLiquidationBuffer() decimal.Decimal {
	return decimal.NewFromInt(r.MinLiquidationBufferBps)
}
func (r RiskConfig) MaxMarginUtilization() decimal.Decimal {
	return decimal.NewFromInt(r.MaxMarginUtilizationBps)
}

// Duration accessors

func (f FreshnessConfig) MaxTickerAge() time.Duration {
	return time.Duration(f.MaxTickerAgeMs) * time.Millisecond
}
func (f FreshnessConfig) MaxFundingAge() time.Duration {
	return time.Duration(f.MaxFundingAgeMs) * time.Millisecond
}
func (f FreshnessConfig) MaxAccountAge() time.Duration {
	return time.Duration(f.MaxAccountAgeMs) * time.Millisecond
}

func (e ExecutionConfig) AckTimeout() time.Duration {
	return time.Duration(e.AckTimeoutMs) * time.Millisecond
}
func (e ExecutionConfig) FillTimeout() time.Duration {
	return time.Duration(e.FillTimeoutMs) * time.Millisecond
}
func (e ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

func (r ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

func (t TimingConfig) EvaluatorInterval() time.Duration {
	return time.Duration(t.EvaluatorIntervalMs) * time.Millisecond
}
func (t TimingConfig) EvaluatorWarn() time.Duration {
	return time.Duration(t.EvaluatorWarnMs) * time.Millisecond
}
func (t TimingConfig) ShutdownWait() time.Duration {
	return time.Duration(t.ShutdownWaitMs) * time.Millisecond
}
func (t TimingConfig) PositionFreshAge() time.Duration {
	return time.Duration(t.PositionFreshAgeSecs) * time.Second
}
