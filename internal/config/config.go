// Package config defines all configuration for the paper trading platform.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive or operationally hot fields overridable via TMF_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Store     StoreConfig     `mapstructure:"store"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Cost      CostConfig      `mapstructure:"cost"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig locates the embedded database backing the Event Store and
// State Store, plus the single-instance lock directory.
type StoreConfig struct {
	DatabasePath   string `mapstructure:"database_path"`
	LockDir        string `mapstructure:"lock_dir"`
	EventScanLimit int    `mapstructure:"event_scan_limit"`
}

// SafetyConfig mirrors the Safety Engine's enumerated configuration.
type SafetyConfig struct {
	RequireRecentBidAsk   bool          `mapstructure:"require_recent_bidask"`
	BidAskKind            string        `mapstructure:"bidask_kind"`
	RejectSyntheticBidAsk bool          `mapstructure:"reject_synthetic_bidask"`
	FopCode               string        `mapstructure:"fop_code"`
	MaxBidAskAge          time.Duration `mapstructure:"max_bidask_age"`
	RequireSessionOpen    bool          `mapstructure:"require_session_open"`
	SessionOpenHHMM       string        `mapstructure:"session_open_hhmm"`
	SessionCloseHHMM      string        `mapstructure:"session_close_hhmm"`
	HaltDatesCSV          string        `mapstructure:"halt_dates_csv"`
}

// CalendarConfig controls the Market Calendar Gate's override knobs.
type CalendarConfig struct {
	AllowMarketClosed bool `mapstructure:"allow_market_closed"`
	SimMode           bool `mapstructure:"sim_mode"`
	PaperMode         bool `mapstructure:"paper_mode"`
}

// PreflightConfig controls TAIFEX exchange-specific order-shape gates.
type PreflightConfig struct {
	MarketQtyLimitRegular    int `mapstructure:"market_qty_limit_regular"`
	MarketQtyLimitAfterHours int `mapstructure:"market_qty_limit_after_hours"`
	LimitMWPQtyCap           int `mapstructure:"limit_mwp_qty_cap"`
}

// RiskConfig mirrors the Risk Engine's enumerated configuration.
type RiskConfig struct {
	StrictRequireStop                     bool               `mapstructure:"strict_require_stop"`
	PerTradeMaxLossNTD                    float64            `mapstructure:"per_trade_max_loss_ntd"`
	DailyMaxLossNTD                       float64            `mapstructure:"daily_max_loss_ntd"`
	ConsecutiveLossesLimit                int                `mapstructure:"consecutive_losses_limit"`
	CooldownMinutesAfterConsecutiveLosses int                `mapstructure:"cooldown_minutes_after_consecutive_losses"`
	StrictRequireMarketMetrics            bool               `mapstructure:"strict_require_market_metrics"`
	MaxSpreadPoints                       float64            `mapstructure:"max_spread_points"`
	MaxVolatilityATRPoints                float64            `mapstructure:"max_volatility_atr_points"`
	MinLiquidityScore                     float64            `mapstructure:"min_liquidity_score"`
	MaxQtyPerOrder                        float64            `mapstructure:"max_qty_per_order"`
	AllowSymbols                          []string           `mapstructure:"allow_symbols"`
	PointValueBySymbol                    map[string]float64 `mapstructure:"point_value_by_symbol"`
}

// CostConfig carries the per-symbol fee schedule and the transaction tax rate.
type CostConfig struct {
	TaxRate            float64            `mapstructure:"tax_rate"`
	FeePerSideBySymbol map[string]float64 `mapstructure:"fee_per_side_by_symbol"`
	MultiplierBySymbol map[string]float64 `mapstructure:"multiplier_by_symbol"`
}

// GatewayConfig tunes the orchestrator's per-intent deadline and split-loop ceiling.
type GatewayConfig struct {
	IntentDeadline   time.Duration `mapstructure:"intent_deadline"`
	SplitLoopGuard   int           `mapstructure:"split_loop_guard"`
	RejectPolicyPath string        `mapstructure:"reject_policy_path"`
}

// IngestConfig tunes the market-data ingestor's bounded queue.
type IngestConfig struct {
	QueueCapacity int    `mapstructure:"queue_capacity"`
	WSURL         string `mapstructure:"ws_url"`
}

// NotifyConfig configures the alert/webhook sink fired on kill/cooldown events.
type NotifyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// HealthConfig controls the Prometheus metrics exposition endpoint.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive/operational fields use env vars: TMF_STORE_DATABASE_PATH,
// TMF_SAFETY_FOP_CODE, TMF_DRY_RUN, TMF_DEV_ALLOW_STALE_BIDASK,
// TMF_DEV_MAX_BIDASK_AGE_SECONDS, TMF_IGNORE_MARKET_CALENDAR.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TMF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p := os.Getenv("TMF_STORE_DATABASE_PATH"); p != "" {
		cfg.Store.DatabasePath = p
	}
	if c := os.Getenv("TMF_SAFETY_FOP_CODE"); c != "" {
		cfg.Safety.FopCode = c
	}
	if os.Getenv("TMF_DRY_RUN") == "true" || os.Getenv("TMF_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path is required")
	}
	if c.Safety.FopCode == "" {
		return fmt.Errorf("safety.fop_code is required")
	}
	if c.Risk.MaxQtyPerOrder <= 0 {
		return fmt.Errorf("risk.max_qty_per_order must be > 0")
	}
	if len(c.Risk.AllowSymbols) == 0 {
		return fmt.Errorf("risk.allow_symbols must not be empty")
	}
	if c.Gateway.SplitLoopGuard <= 0 {
		return fmt.Errorf("gateway.split_loop_guard must be > 0")
	}
	return nil
}

// EnvTruthy reports whether an environment variable's value is one of the
// recognized truthy tokens. Matches the original source's permissive
// boolean-from-string convention used for dev override flags.
func EnvTruthy(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
