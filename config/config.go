// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every field overridable via CONFLUX_* environment variables, e.g.
// CONFLUX_RISK_MAX_POSITION_USD=250. Invalid env coercions are logged by
// viper's cast layer and fall back to the file value.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Mode of the engine.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config is the top-level configuration. Immutable after Load; reload is an
// explicit operator action (restart), never a background watcher.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	AI         AIConfig         `mapstructure:"ai"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	ML         MLConfig         `mapstructure:"ml"`
}

type AppConfig struct {
	Mode     string `mapstructure:"mode"` // paper | live
	Debug    bool   `mapstructure:"debug"`
	TenantID string `mapstructure:"tenant_id"`
}

type ExchangeConfig struct {
	Name                    string  `mapstructure:"name"`
	RESTURL                 string  `mapstructure:"rest_url"`
	WSURL                   string  `mapstructure:"ws_url"`
	APIKey                  string  `mapstructure:"api_key"`
	APISecret               string  `mapstructure:"api_secret"`
	RateLimitPerSecond      float64 `mapstructure:"rate_limit_per_second"`
	MaxRetries              int     `mapstructure:"max_retries"`
	TimeoutSeconds          int     `mapstructure:"timeout_seconds"`
	MakerFee                float64 `mapstructure:"maker_fee"` // fraction per side
	TakerFee                float64 `mapstructure:"taker_fee"`
	SlippagePct             float64 `mapstructure:"slippage_pct"` // paper-mode symmetric pct per side
	PostOnly                bool    `mapstructure:"post_only"`
	LimitChaseAttempts      int     `mapstructure:"limit_chase_attempts"`
	LimitChaseDelaySeconds  float64 `mapstructure:"limit_chase_delay_seconds"`
	LimitFallbackToMarket   bool    `mapstructure:"limit_fallback_to_market"`
	QuantityDecimals        int     `mapstructure:"quantity_decimals"`
	PriceDecimals           int     `mapstructure:"price_decimals"`
	MinOrderQty             float64 `mapstructure:"min_order_qty"`
	SupportsShortSelling    bool    `mapstructure:"supports_short_selling"`
	SupportsClientOrderID   bool    `mapstructure:"supports_client_order_id"`
	FillPollTimeoutSeconds  int     `mapstructure:"fill_poll_timeout_seconds"`
	FillPollIntervalSeconds float64 `mapstructure:"fill_poll_interval_seconds"`
}

type TradingConfig struct {
	Pairs                        []string       `mapstructure:"pairs"`
	ScanIntervalSeconds          int            `mapstructure:"scan_interval_seconds"`
	PositionCheckIntervalSeconds int            `mapstructure:"position_check_interval_seconds"`
	CandlePollSeconds            int            `mapstructure:"candle_poll_seconds"`
	WarmupBars                   int            `mapstructure:"warmup_bars"`
	Timeframes                   []int          `mapstructure:"timeframes"` // minutes
	MaxConcurrentPositions       int            `mapstructure:"max_concurrent_positions"`
	CooldownSeconds              int            `mapstructure:"cooldown_seconds"`
	StrategyCooldownsSeconds     map[string]int `mapstructure:"strategy_cooldowns_seconds"`
	EventPriceMovePct            float64        `mapstructure:"event_price_move_pct"`
	MaxSpreadPct                 float64        `mapstructure:"max_spread_pct"`
	UseClosedCandlesOnly         bool           `mapstructure:"use_closed_candles_only"`
	SingleStrategyMode           string         `mapstructure:"single_strategy_mode"`
	QuietHoursUTC                []int          `mapstructure:"quiet_hours_utc"`
	MaxTradesPerHour             int            `mapstructure:"max_trades_per_hour"`
	MaxHoldSeconds               int            `mapstructure:"max_hold_seconds"` // 0 = hold until stop/target (crypto default)

	CanaryMode               bool     `mapstructure:"canary_mode"`
	CanaryPairs              []string `mapstructure:"canary_pairs"`
	CanaryMaxPairs           int      `mapstructure:"canary_max_pairs"`
	CanaryMaxPositionUSD     float64  `mapstructure:"canary_max_position_usd"`
	CanaryMaxRiskPerTrade    float64  `mapstructure:"canary_max_risk_per_trade"`
	CanaryMinConfidence      float64  `mapstructure:"canary_min_confidence"`
	CanaryMinConfluence      int      `mapstructure:"canary_min_confluence"`
	CanaryScanIntervalSecond int      `mapstructure:"canary_scan_interval_seconds"`
}

type AIConfig struct {
	ConfluenceThreshold       int                `mapstructure:"confluence_threshold"`
	MinConfidence             float64            `mapstructure:"min_confidence"`
	ExecConfidence            float64            `mapstructure:"exec_confidence"` // clamped to [0.45, 0.75]
	MinRiskRewardRatio        float64            `mapstructure:"min_risk_reward_ratio"`
	AllowKeltnerSolo          bool               `mapstructure:"allow_keltner_solo"`
	AllowAnySolo              bool               `mapstructure:"allow_any_solo"`
	KeltnerSoloMinConfidence  float64            `mapstructure:"keltner_solo_min_confidence"`
	SoloMinConfidence         float64            `mapstructure:"solo_min_confidence"`
	OBIThreshold              float64            `mapstructure:"obi_threshold"`
	BookScoreThreshold        float64            `mapstructure:"book_score_threshold"`
	BookScoreMaxAgeSeconds    int                `mapstructure:"book_score_max_age_seconds"`
	MultiTimeframeMinAgree    int                `mapstructure:"multi_timeframe_min_agreement"`
	PrimaryTimeframe          int                `mapstructure:"primary_timeframe"`
	OBICountsAsConfluence     bool               `mapstructure:"obi_counts_as_confluence"`
	OBIWeight                 float64            `mapstructure:"obi_weight"`
	WhaleThresholdUSD         float64            `mapstructure:"whale_threshold_usd"`
	StaleAfterSeconds         int                `mapstructure:"stale_after_seconds"`
	StrategyWeights           map[string]float64 `mapstructure:"strategy_weights"`
	RegimeMultipliers         map[string]float64 `mapstructure:"regime_multipliers"` // "<strategy>.<regime>" -> mult
	SureFireMinCount          int                `mapstructure:"sure_fire_min_count"`
	SessionEnabled            bool               `mapstructure:"session_enabled"`
	SessionMinTradesPerHour   int                `mapstructure:"session_min_trades_per_hour"`
	SessionCacheSeconds       int                `mapstructure:"session_cache_seconds"`
	GuardrailWindow           int                `mapstructure:"strategy_guardrails_window"`
	GuardrailMinTrades        int                `mapstructure:"strategy_guardrails_min_trades"`
	GuardrailMinWinRate       float64            `mapstructure:"strategy_guardrails_min_win_rate"`
	GuardrailMinProfitFactor  float64            `mapstructure:"strategy_guardrails_min_profit_factor"`
	GuardrailDisableMinutes   int                `mapstructure:"strategy_guardrails_disable_minutes"`
	DisabledStrategies        []string           `mapstructure:"disabled_strategies"`
	StrategyTimeoutSeconds    int                `mapstructure:"strategy_timeout_seconds"`
	OnlineMinUpdates          int                `mapstructure:"online_min_updates"`
	ModelsDir                 string             `mapstructure:"models_dir"`
}

type RiskConfig struct {
	MaxRiskPerTrade             float64 `mapstructure:"max_risk_per_trade"`
	MaxDailyLoss                float64 `mapstructure:"max_daily_loss"`
	MaxPositionUSD              float64 `mapstructure:"max_position_usd"`
	InitialBankroll             float64 `mapstructure:"initial_bankroll"`
	ATRMultiplierSL             float64 `mapstructure:"atr_multiplier_sl"`
	ATRMultiplierTP             float64 `mapstructure:"atr_multiplier_tp"`
	TrailingActivationPct       float64 `mapstructure:"trailing_activation_pct"`
	TrailingStepPct             float64 `mapstructure:"trailing_step_pct"`
	BreakevenActivationPct      float64 `mapstructure:"breakeven_activation_pct"`
	KellyFraction               float64 `mapstructure:"kelly_fraction"`
	MaxKellySize                float64 `mapstructure:"max_kelly_size"`
	RiskOfRuinThreshold         float64 `mapstructure:"risk_of_ruin_threshold"`
	MaxDailyTrades              int     `mapstructure:"max_daily_trades"`
	MaxTotalExposurePct         float64 `mapstructure:"max_total_exposure_pct"`
	GlobalCooldownSecondsOnLoss int     `mapstructure:"global_cooldown_seconds_on_loss"`
	GlobalCooldownLossStreak    int     `mapstructure:"global_cooldown_loss_streak"`
}

type MonitoringConfig struct {
	HealthCheckIntervalSeconds       int     `mapstructure:"health_check_interval_seconds"`
	AutoPauseOnStaleData             bool    `mapstructure:"auto_pause_on_stale_data"`
	StaleDataPauseAfterChecks        int     `mapstructure:"stale_data_pause_after_checks"`
	StalePairAfterSeconds            int     `mapstructure:"stale_pair_after_seconds"`
	AutoPauseOnWSDisconnect          bool    `mapstructure:"auto_pause_on_ws_disconnect"`
	WSDisconnectPauseAfterSeconds    int     `mapstructure:"ws_disconnect_pause_after_seconds"`
	AutoPauseOnConsecutiveLosses     bool    `mapstructure:"auto_pause_on_consecutive_losses"`
	ConsecutiveLossesPauseThreshold  int     `mapstructure:"consecutive_losses_pause_threshold"`
	AutoPauseOnDrawdown              bool    `mapstructure:"auto_pause_on_drawdown"`
	DrawdownPausePct                 float64 `mapstructure:"drawdown_pause_pct"`
	EmergencyCloseOnAutoPause        bool    `mapstructure:"emergency_close_on_auto_pause"`
	RetentionDays                    int     `mapstructure:"retention_days"`
	CleanupCron                      string  `mapstructure:"cleanup_cron"`
	DailySummaryCron                 string  `mapstructure:"daily_summary_cron"`
}

type StorageConfig struct {
	DBPath   string `mapstructure:"db_path"`
	LockPath string `mapstructure:"lock_path"`
}

type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	AdminToken string `mapstructure:"admin_token"`
}

type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

type WebhookConfig struct {
	Secret                  string `mapstructure:"secret"`
	MaxTimestampSkewSeconds int    `mapstructure:"max_timestamp_skew_seconds"`
}

type MirrorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type MLConfig struct {
	BatchModelPath     string `mapstructure:"batch_model_path"`
	NormalizationPath  string `mapstructure:"normalization_path"`
	OnlineModelPath    string `mapstructure:"online_model_path"`
}

// Timeout returns the REST call deadline.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RoundTripFeePct returns total taker fee for entry+exit as a fraction.
func (e ExchangeConfig) RoundTripFeePct() float64 {
	return 2 * e.TakerFee
}

// Load reads the YAML file at path (empty → configs/config.yaml), applies
// CONFLUX_* env overrides, validates, and applies canary tightening.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = "configs/config.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONFLUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Warn().Str("path", path).Msg("Config file not found, using defaults + env")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i, p := range cfg.Trading.Pairs {
		cfg.Trading.Pairs[i] = strings.ToUpper(strings.TrimSpace(p))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyCanary()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.mode", ModePaper)
	v.SetDefault("app.tenant_id", "default")

	v.SetDefault("exchange.name", "kraken")
	v.SetDefault("exchange.rest_url", "https://api.kraken.com")
	v.SetDefault("exchange.ws_url", "wss://ws.kraken.com")
	v.SetDefault("exchange.rate_limit_per_second", 3)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.timeout_seconds", 10)
	v.SetDefault("exchange.maker_fee", 0.0016)
	v.SetDefault("exchange.taker_fee", 0.0026)
	v.SetDefault("exchange.slippage_pct", 0.0005)
	v.SetDefault("exchange.limit_chase_attempts", 3)
	v.SetDefault("exchange.limit_chase_delay_seconds", 2.0)
	v.SetDefault("exchange.limit_fallback_to_market", true)
	v.SetDefault("exchange.quantity_decimals", 8)
	v.SetDefault("exchange.price_decimals", 1)
	v.SetDefault("exchange.min_order_qty", 0.00005)
	v.SetDefault("exchange.supports_client_order_id", true)
	v.SetDefault("exchange.fill_poll_timeout_seconds", 10)
	v.SetDefault("exchange.fill_poll_interval_seconds", 0.5)

	v.SetDefault("trading.pairs", []string{"BTC/USD", "ETH/USD"})
	v.SetDefault("trading.scan_interval_seconds", 30)
	v.SetDefault("trading.position_check_interval_seconds", 2)
	v.SetDefault("trading.candle_poll_seconds", 60)
	v.SetDefault("trading.warmup_bars", 200)
	v.SetDefault("trading.timeframes", []int{1})
	v.SetDefault("trading.max_concurrent_positions", 3)
	v.SetDefault("trading.cooldown_seconds", 300)
	v.SetDefault("trading.event_price_move_pct", 0.5)
	v.SetDefault("trading.max_spread_pct", 0.35)
	v.SetDefault("trading.use_closed_candles_only", false)
	v.SetDefault("trading.max_trades_per_hour", 6)
	v.SetDefault("trading.canary_max_pairs", 2)
	v.SetDefault("trading.canary_max_position_usd", 50)
	v.SetDefault("trading.canary_max_risk_per_trade", 0.005)
	v.SetDefault("trading.canary_min_confidence", 0.62)
	v.SetDefault("trading.canary_min_confluence", 3)
	v.SetDefault("trading.canary_scan_interval_seconds", 60)

	v.SetDefault("ai.confluence_threshold", 2)
	v.SetDefault("ai.min_confidence", 0.55)
	v.SetDefault("ai.exec_confidence", 0.55)
	v.SetDefault("ai.min_risk_reward_ratio", 1.0)
	v.SetDefault("ai.keltner_solo_min_confidence", 0.66)
	v.SetDefault("ai.solo_min_confidence", 0.72)
	v.SetDefault("ai.obi_threshold", 0.25)
	v.SetDefault("ai.book_score_threshold", 0.30)
	v.SetDefault("ai.book_score_max_age_seconds", 45)
	v.SetDefault("ai.multi_timeframe_min_agreement", 2)
	v.SetDefault("ai.primary_timeframe", 1)
	v.SetDefault("ai.obi_counts_as_confluence", true)
	v.SetDefault("ai.obi_weight", 0.8)
	v.SetDefault("ai.whale_threshold_usd", 50000)
	v.SetDefault("ai.stale_after_seconds", 180)
	v.SetDefault("ai.sure_fire_min_count", 4)
	v.SetDefault("ai.session_enabled", true)
	v.SetDefault("ai.session_min_trades_per_hour", 5)
	v.SetDefault("ai.session_cache_seconds", 3600)
	v.SetDefault("ai.strategy_guardrails_window", 30)
	v.SetDefault("ai.strategy_guardrails_min_trades", 20)
	v.SetDefault("ai.strategy_guardrails_min_win_rate", 0.35)
	v.SetDefault("ai.strategy_guardrails_min_profit_factor", 0.85)
	v.SetDefault("ai.strategy_guardrails_disable_minutes", 120)
	v.SetDefault("ai.strategy_timeout_seconds", 5)
	v.SetDefault("ai.online_min_updates", 50)
	v.SetDefault("ai.models_dir", "models")

	v.SetDefault("risk.max_risk_per_trade", 0.02)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.max_position_usd", 500)
	v.SetDefault("risk.initial_bankroll", 10000)
	v.SetDefault("risk.atr_multiplier_sl", 1.5)
	v.SetDefault("risk.atr_multiplier_tp", 2.5)
	v.SetDefault("risk.trailing_activation_pct", 0.015)
	v.SetDefault("risk.trailing_step_pct", 0.005)
	v.SetDefault("risk.breakeven_activation_pct", 0.01)
	v.SetDefault("risk.kelly_fraction", 0.5)
	v.SetDefault("risk.max_kelly_size", 0.10)
	v.SetDefault("risk.risk_of_ruin_threshold", 0.05)
	v.SetDefault("risk.max_daily_trades", 20)
	v.SetDefault("risk.max_total_exposure_pct", 0.5)
	v.SetDefault("risk.global_cooldown_seconds_on_loss", 900)
	v.SetDefault("risk.global_cooldown_loss_streak", 3)

	v.SetDefault("monitoring.health_check_interval_seconds", 30)
	v.SetDefault("monitoring.auto_pause_on_stale_data", true)
	v.SetDefault("monitoring.stale_data_pause_after_checks", 3)
	v.SetDefault("monitoring.stale_pair_after_seconds", 600)
	v.SetDefault("monitoring.auto_pause_on_ws_disconnect", true)
	v.SetDefault("monitoring.ws_disconnect_pause_after_seconds", 300)
	v.SetDefault("monitoring.auto_pause_on_consecutive_losses", true)
	v.SetDefault("monitoring.consecutive_losses_pause_threshold", 5)
	v.SetDefault("monitoring.auto_pause_on_drawdown", true)
	v.SetDefault("monitoring.drawdown_pause_pct", 10)
	v.SetDefault("monitoring.retention_days", 14)
	v.SetDefault("monitoring.cleanup_cron", "0 * * * *")
	v.SetDefault("monitoring.daily_summary_cron", "5 0 * * *")

	v.SetDefault("storage.db_path", "data/confluxbot.db")
	v.SetDefault("storage.lock_path", "data/instance.lock")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", "127.0.0.1:8787")

	v.SetDefault("webhook.max_timestamp_skew_seconds", 300)

	v.SetDefault("mirror.enabled", true)
	v.SetDefault("mirror.path", "data/analytics.msgpack")
	v.SetDefault("mirror.buffer_size", 1024)

	v.SetDefault("ml.batch_model_path", "models/trade_predictor.json")
	v.SetDefault("ml.normalization_path", "models/normalization.json")
	v.SetDefault("ml.online_model_path", "models/online_sgd.json")
}

// Validate enforces the hard constraints. Live mode requires credentials.
func (c *Config) Validate() error {
	if c.App.Mode != ModePaper && c.App.Mode != ModeLive {
		return fmt.Errorf("app.mode must be %q or %q, got %q", ModePaper, ModeLive, c.App.Mode)
	}
	if c.App.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("live mode requires exchange.api_key and exchange.api_secret")
	}
	if len(c.Trading.Pairs) == 0 {
		return fmt.Errorf("trading.pairs must not be empty")
	}
	if c.Risk.InitialBankroll <= 0 {
		return fmt.Errorf("risk.initial_bankroll must be positive")
	}
	if c.AI.MinRiskRewardRatio < 0 {
		return fmt.Errorf("ai.min_risk_reward_ratio must be >= 0")
	}
	if len(c.Trading.Timeframes) == 0 {
		c.Trading.Timeframes = []int{1}
	}
	// ExecConfidence is bounded to a sane band regardless of input.
	if c.AI.ExecConfidence < 0.45 {
		c.AI.ExecConfidence = 0.45
	}
	if c.AI.ExecConfidence > 0.75 {
		c.AI.ExecConfidence = 0.75
	}
	return nil
}

// applyCanary narrows the pair set and tightens risk caps when canary mode
// is on. Canary never loosens a limit.
func (c *Config) applyCanary() {
	if !c.Trading.CanaryMode {
		return
	}
	pairs := c.Trading.CanaryPairs
	if len(pairs) == 0 {
		pairs = c.Trading.Pairs
	}
	if c.Trading.CanaryMaxPairs > 0 && len(pairs) > c.Trading.CanaryMaxPairs {
		pairs = pairs[:c.Trading.CanaryMaxPairs]
	}
	c.Trading.Pairs = pairs

	if c.Trading.CanaryMaxPositionUSD > 0 && c.Trading.CanaryMaxPositionUSD < c.Risk.MaxPositionUSD {
		c.Risk.MaxPositionUSD = c.Trading.CanaryMaxPositionUSD
	}
	if c.Trading.CanaryMaxRiskPerTrade > 0 && c.Trading.CanaryMaxRiskPerTrade < c.Risk.MaxRiskPerTrade {
		c.Risk.MaxRiskPerTrade = c.Trading.CanaryMaxRiskPerTrade
	}
	if c.Trading.CanaryMinConfidence > c.AI.ExecConfidence {
		c.AI.ExecConfidence = c.Trading.CanaryMinConfidence
	}
	if c.Trading.CanaryMinConfluence > c.AI.ConfluenceThreshold {
		c.AI.ConfluenceThreshold = c.Trading.CanaryMinConfluence
	}
	if c.Trading.CanaryScanIntervalSecond > c.Trading.ScanIntervalSeconds {
		c.Trading.ScanIntervalSeconds = c.Trading.CanaryScanIntervalSecond
	}
	log.Info().
		Strs("pairs", c.Trading.Pairs).
		Float64("max_position_usd", c.Risk.MaxPositionUSD).
		Msg("🐤 Canary mode active")
}
