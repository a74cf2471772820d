package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigbot/types"
)

// RiskWeights are the composite score weights. They are normalized by their sum.
type RiskWeights struct {
	PortfolioHeat float64 `yaml:"portfolio_heat"`
	TokenRisk     float64 `yaml:"token_risk"`
	Volatility    float64 `yaml:"volatility"`
	Correlation   float64 `yaml:"correlation"`
	Liquidity     float64 `yaml:"liquidity"`
	Timing        float64 `yaml:"timing"`
	Confidence    float64 `yaml:"confidence"`
}

// Sum returns the total weight
func (w RiskWeights) Sum() float64 {
	return w.PortfolioHeat + w.TokenRisk + w.Volatility + w.Correlation + w.Liquidity + w.Timing + w.Confidence
}

// TakeProfitLevel configures one rung of the take-profit ladder
type TakeProfitLevel struct {
	Offset   decimal.Decimal // above average price
	ClosePct decimal.Decimal // of remaining amount
	Trailing bool
}

// Config holds all configuration for the bot. It is built once by Load and
// never mutated afterwards.
type Config struct {
	// Core trading surface
	MaxPositionSize        decimal.Decimal // quote units per trade
	PortfolioCap           decimal.Decimal // max aggregate exposure
	DailyDrawdownLimit     decimal.Decimal // fraction of PortfolioCap
	MinConfidenceThreshold float64
	MinLiquidity           decimal.Decimal
	SignalSources          []string
	AutoTradingEnabled     bool
	TradingMode            types.TradingMode

	// Admission
	MaxRugRisk    float64
	QueueCapacity int
	DrainBatch    int
	MaxSignalAge  time.Duration

	// Risk scoring
	ApprovalThreshold      float64
	MinOrderSize           decimal.Decimal
	UtilizationThreshold   float64
	UtilizationScale       decimal.Decimal
	LowWinRateThreshold    float64
	LowWinRateScale        decimal.Decimal
	MinTradesForWinRate    int
	ReferenceLiquidity     decimal.Decimal
	Weights                RiskWeights
	SourceTrust            map[string]float64
	DefaultSourceTrust     float64
	MaxConsecutiveLosses   int
	CircuitBreakerCooldown time.Duration

	// Exits
	StopLossPct         decimal.Decimal
	TakeProfits         []TakeProfitLevel
	TrailingEnabled     bool
	TrailingArmPct      decimal.Decimal
	TrailingDistancePct decimal.Decimal

	// Execution
	MaxSlippageBps   int
	PaperSuccessRate float64
	PaperFeeRate     decimal.Decimal
	InitialBalance   decimal.Decimal
	BrokerURL        string
	BrokerAPIKey     string
	BrokerSigningKey string
	BrokerTimeout    time.Duration

	// Streaming
	StreamURL         string
	StreamAPIKey      string
	TrackedWallets    []string
	TradingWallet     string // own wallet; its quote balance is the live cash
	QuoteMints        []string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxReconnects     int
	SyntheticInterval time.Duration

	// Periodic tasks
	DrainInterval   time.Duration
	MonitorInterval time.Duration
	PriceInterval   time.Duration
	StatsInterval   time.Duration

	// Market data
	PriceAPIURL       string
	PriceRatePerMin   float64
	PriceRequestBurst int

	// Persistence
	DatabaseURL string

	// Ingress
	WebhookAddr       string
	WebhookSecret     string
	IngressRatePerMin float64

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Profiling
	PyroscopeAddr string

	Debug bool
}

// Load loads configuration from environment variables, then applies the YAML
// overlay named by CONFIG_FILE if set
func Load() (*Config, error) {
	cfg := Default()

	// Core
	cfg.MaxPositionSize = getEnvDecimal("MAX_POSITION_SIZE", cfg.MaxPositionSize)
	cfg.PortfolioCap = getEnvDecimal("PORTFOLIO_CAP", cfg.PortfolioCap)
	cfg.DailyDrawdownLimit = getEnvDecimal("DAILY_DRAWDOWN_LIMIT", cfg.DailyDrawdownLimit)
	cfg.MinConfidenceThreshold = getEnvFloat("MIN_CONFIDENCE", cfg.MinConfidenceThreshold)
	cfg.MinLiquidity = getEnvDecimal("MIN_LIQUIDITY", cfg.MinLiquidity)
	cfg.SignalSources = getEnvList("SIGNAL_SOURCES", cfg.SignalSources)
	cfg.AutoTradingEnabled = getEnvBool("AUTO_TRADING", cfg.AutoTradingEnabled)
	cfg.TradingMode = types.TradingMode(strings.ToUpper(getEnv("TRADING_MODE", string(cfg.TradingMode))))

	// Admission
	cfg.MaxRugRisk = getEnvFloat("MAX_RUG_RISK", cfg.MaxRugRisk)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.DrainBatch = getEnvInt("DRAIN_BATCH", cfg.DrainBatch)
	cfg.MaxSignalAge = getEnvDuration("MAX_SIGNAL_AGE", cfg.MaxSignalAge)

	// Risk
	cfg.ApprovalThreshold = getEnvFloat("APPROVAL_THRESHOLD", cfg.ApprovalThreshold)
	cfg.MinOrderSize = getEnvDecimal("MIN_ORDER_SIZE", cfg.MinOrderSize)
	cfg.UtilizationThreshold = getEnvFloat("UTILIZATION_THRESHOLD", cfg.UtilizationThreshold)
	cfg.UtilizationScale = getEnvDecimal("UTILIZATION_SCALE", cfg.UtilizationScale)
	cfg.LowWinRateThreshold = getEnvFloat("LOW_WIN_RATE", cfg.LowWinRateThreshold)
	cfg.LowWinRateScale = getEnvDecimal("LOW_WIN_RATE_SCALE", cfg.LowWinRateScale)
	cfg.MinTradesForWinRate = getEnvInt("MIN_TRADES_FOR_WIN_RATE", cfg.MinTradesForWinRate)
	cfg.ReferenceLiquidity = getEnvDecimal("REFERENCE_LIQUIDITY", cfg.ReferenceLiquidity)
	cfg.MaxConsecutiveLosses = getEnvInt("MAX_CONSECUTIVE_LOSSES", cfg.MaxConsecutiveLosses)
	cfg.CircuitBreakerCooldown = getEnvDuration("CIRCUIT_COOLDOWN", cfg.CircuitBreakerCooldown)

	// Exits
	cfg.StopLossPct = getEnvDecimal("STOP_LOSS_PCT", cfg.StopLossPct)
	cfg.TrailingEnabled = getEnvBool("TRAILING_STOP", cfg.TrailingEnabled)
	cfg.TrailingArmPct = getEnvDecimal("TRAILING_ARM_PCT", cfg.TrailingArmPct)
	cfg.TrailingDistancePct = getEnvDecimal("TRAILING_DISTANCE_PCT", cfg.TrailingDistancePct)

	// Execution
	cfg.MaxSlippageBps = getEnvInt("MAX_SLIPPAGE_BPS", cfg.MaxSlippageBps)
	cfg.PaperSuccessRate = getEnvFloat("PAPER_SUCCESS_RATE", cfg.PaperSuccessRate)
	cfg.PaperFeeRate = getEnvDecimal("PAPER_FEE_RATE", cfg.PaperFeeRate)
	cfg.InitialBalance = getEnvDecimal("INITIAL_BALANCE", cfg.InitialBalance)
	cfg.BrokerURL = os.Getenv("BROKER_URL")
	cfg.BrokerAPIKey = os.Getenv("BROKER_API_KEY")
	cfg.BrokerSigningKey = os.Getenv("BROKER_SIGNING_KEY")
	cfg.BrokerTimeout = getEnvDuration("BROKER_TIMEOUT", cfg.BrokerTimeout)

	// Streaming
	cfg.StreamURL = os.Getenv("STREAM_URL")
	cfg.StreamAPIKey = os.Getenv("STREAM_API_KEY")
	cfg.TrackedWallets = getEnvList("TRACKED_WALLETS", cfg.TrackedWallets)
	cfg.TradingWallet = os.Getenv("TRADING_WALLET")
	cfg.QuoteMints = getEnvList("QUOTE_MINTS", cfg.QuoteMints)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.BackoffBase = getEnvDuration("BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = getEnvDuration("BACKOFF_MAX", cfg.BackoffMax)
	cfg.MaxReconnects = getEnvInt("MAX_RECONNECTS", cfg.MaxReconnects)
	cfg.SyntheticInterval = getEnvDuration("SYNTHETIC_INTERVAL", cfg.SyntheticInterval)

	// Periodic tasks
	cfg.DrainInterval = getEnvDuration("DRAIN_INTERVAL", cfg.DrainInterval)
	cfg.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.PriceInterval = getEnvDuration("PRICE_INTERVAL", cfg.PriceInterval)
	cfg.StatsInterval = getEnvDuration("STATS_INTERVAL", cfg.StatsInterval)

	// Market data
	cfg.PriceAPIURL = os.Getenv("PRICE_API_URL")
	cfg.PriceRatePerMin = getEnvFloat("PRICE_RATE_PER_MIN", cfg.PriceRatePerMin)
	cfg.PriceRequestBurst = getEnvInt("PRICE_BURST", cfg.PriceRequestBurst)

	// Persistence
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	// Ingress
	cfg.WebhookAddr = os.Getenv("WEBHOOK_ADDR")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.IngressRatePerMin = getEnvFloat("INGRESS_RATE_PER_MIN", cfg.IngressRatePerMin)

	// Telegram
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	cfg.PyroscopeAddr = os.Getenv("PYROSCOPE_ADDR")
	cfg.Debug = getEnvBool("DEBUG", false)

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, &types.ConfigurationError{Field: "TELEGRAM_CHAT_ID", Reason: err.Error()}
		}
		cfg.TelegramChatID = id
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading the environment
func Default() *Config {
	return &Config{
		MaxPositionSize:        decimal.NewFromInt(100),
		PortfolioCap:           decimal.NewFromInt(1000),
		DailyDrawdownLimit:     decimal.NewFromFloat(0.10),
		MinConfidenceThreshold: 0.6,
		MinLiquidity:           decimal.NewFromInt(50000),
		SignalSources:          []string{"ALPHA", "WHALE", "WEBHOOK", "SYNTHETIC"},
		AutoTradingEnabled:     true,
		TradingMode:            types.ModePaper,
		MaxRugRisk:             0.7,
		QueueCapacity:          1000,
		DrainBatch:             10,
		MaxSignalAge:           5 * time.Minute,
		ApprovalThreshold:      0.6,
		MinOrderSize:           decimal.NewFromInt(5),
		UtilizationThreshold:   0.8,
		UtilizationScale:       decimal.NewFromFloat(0.5),
		LowWinRateThreshold:    0.4,
		LowWinRateScale:        decimal.NewFromFloat(0.5),
		MinTradesForWinRate:    5,
		ReferenceLiquidity:     decimal.NewFromInt(1_000_000),
		Weights:                DefaultWeights(),
		SourceTrust:            map[string]float64{"ALPHA": 0.8, "WHALE": 0.7, "WEBHOOK": 0.6, "SYNTHETIC": 0.5},
		DefaultSourceTrust:     0.5,
		MaxConsecutiveLosses:   3,
		CircuitBreakerCooldown: 30 * time.Minute,
		StopLossPct:            decimal.NewFromFloat(0.08),
		TakeProfits:            DefaultTakeProfits(),
		TrailingEnabled:        true,
		TrailingArmPct:         decimal.NewFromFloat(0.05),
		TrailingDistancePct:    decimal.NewFromFloat(0.03),
		MaxSlippageBps:         100,
		PaperSuccessRate:       0.95,
		PaperFeeRate:           decimal.NewFromFloat(0.0025),
		InitialBalance:         decimal.NewFromInt(1000),
		BrokerTimeout:          15 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		BackoffBase:            time.Second,
		BackoffMax:             30 * time.Second,
		MaxReconnects:          10,
		SyntheticInterval:      15 * time.Second,
		DrainInterval:          100 * time.Millisecond,
		MonitorInterval:        5 * time.Second,
		PriceInterval:          30 * time.Second,
		StatsInterval:          10 * time.Second,
		PriceRatePerMin:        60,
		PriceRequestBurst:      5,
		DatabaseURL:            "data/sigbot.db",
		IngressRatePerMin:      600,
		QuoteMints: []string{
			"So11111111111111111111111111111111111111112",  // wSOL
			"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", // USDC
		},
	}
}

// DefaultWeights are illustrative, not calibrated
func DefaultWeights() RiskWeights {
	return RiskWeights{
		PortfolioHeat: 0.20,
		TokenRisk:     0.20,
		Volatility:    0.15,
		Correlation:   0.10,
		Liquidity:     0.15,
		Timing:        0.10,
		Confidence:    0.10,
	}
}

// DefaultTakeProfits is +3% (33%), +7% (50%), +12% trailing (rest)
func DefaultTakeProfits() []TakeProfitLevel {
	return []TakeProfitLevel{
		{Offset: decimal.NewFromFloat(0.03), ClosePct: decimal.NewFromFloat(0.33)},
		{Offset: decimal.NewFromFloat(0.07), ClosePct: decimal.NewFromFloat(0.50)},
		{Offset: decimal.NewFromFloat(0.12), ClosePct: decimal.NewFromInt(1), Trailing: true},
	}
}

// IsLive reports whether orders go to the external broker
func (c *Config) IsLive() bool {
	return c.TradingMode == types.ModeLive
}

// SourceAllowed reports whether a signal source is allow-listed.
// An empty allow-list admits every source.
func (c *Config) SourceAllowed(source string) bool {
	if len(c.SignalSources) == 0 {
		return true
	}
	for _, s := range c.SignalSources {
		if strings.EqualFold(s, source) {
			return true
		}
	}
	return false
}

// TrustFor returns the configured trust for a source
func (c *Config) TrustFor(source string) float64 {
	if t, ok := c.SourceTrust[strings.ToUpper(source)]; ok {
		return t
	}
	return c.DefaultSourceTrust
}

// Validate rejects missing or out-of-range values
func (c *Config) Validate() error {
	bad := func(field, reason string) error {
		return &types.ConfigurationError{Field: field, Reason: reason}
	}
	unit := func(v float64) bool { return v >= 0 && v <= 1 }

	switch c.TradingMode {
	case types.ModePaper, types.ModeLive:
	default:
		return bad("TRADING_MODE", fmt.Sprintf("must be PAPER or LIVE, got %q", c.TradingMode))
	}
	if c.IsLive() && c.BrokerURL == "" {
		return bad("BROKER_URL", "required when TRADING_MODE=LIVE")
	}
	if !c.MaxPositionSize.IsPositive() {
		return bad("MAX_POSITION_SIZE", "must be positive")
	}
	if !c.PortfolioCap.IsPositive() {
		return bad("PORTFOLIO_CAP", "must be positive")
	}
	if c.MaxPositionSize.GreaterThan(c.PortfolioCap) {
		return bad("MAX_POSITION_SIZE", "exceeds PORTFOLIO_CAP")
	}
	if c.DailyDrawdownLimit.IsNegative() || c.DailyDrawdownLimit.GreaterThan(decimal.NewFromInt(1)) {
		return bad("DAILY_DRAWDOWN_LIMIT", "must be a fraction in [0,1]")
	}
	if !unit(c.MinConfidenceThreshold) {
		return bad("MIN_CONFIDENCE", "must be in [0,1]")
	}
	if !unit(c.MaxRugRisk) {
		return bad("MAX_RUG_RISK", "must be in [0,1]")
	}
	if !unit(c.ApprovalThreshold) {
		return bad("APPROVAL_THRESHOLD", "must be in [0,1]")
	}
	if !unit(c.LowWinRateThreshold) || !unit(c.UtilizationThreshold) || !unit(c.PaperSuccessRate) {
		return bad("RISK_SCALING", "thresholds must be in [0,1]")
	}
	if c.MinLiquidity.IsNegative() {
		return bad("MIN_LIQUIDITY", "must not be negative")
	}
	if c.MinOrderSize.IsNegative() || c.MinOrderSize.GreaterThan(c.MaxPositionSize) {
		return bad("MIN_ORDER_SIZE", "must be in [0, MAX_POSITION_SIZE]")
	}
	if c.Weights.Sum() <= 0 {
		return bad("weights", "must sum to a positive value")
	}
	if c.QueueCapacity <= 0 || c.DrainBatch <= 0 {
		return bad("QUEUE_CAPACITY", "queue capacity and drain batch must be positive")
	}
	if !c.StopLossPct.IsPositive() || c.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return bad("STOP_LOSS_PCT", "must be in (0,1)")
	}
	if len(c.TakeProfits) == 0 {
		return bad("take_profits", "at least one tier required")
	}
	prev := decimal.Zero
	for i, tp := range c.TakeProfits {
		if !tp.Offset.GreaterThan(prev) {
			return bad("take_profits", fmt.Sprintf("tier %d must be above the previous tier", i+1))
		}
		if !tp.ClosePct.IsPositive() || tp.ClosePct.GreaterThan(decimal.NewFromInt(1)) {
			return bad("take_profits", fmt.Sprintf("tier %d close pct must be in (0,1]", i+1))
		}
		prev = tp.Offset
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return bad("BACKOFF_BASE", "base must be positive and not exceed BACKOFF_MAX")
	}
	for name, d := range map[string]time.Duration{
		"DRAIN_INTERVAL":     c.DrainInterval,
		"MONITOR_INTERVAL":   c.MonitorInterval,
		"PRICE_INTERVAL":     c.PriceInterval,
		"STATS_INTERVAL":     c.StatsInterval,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
	} {
		if d <= 0 {
			return bad(name, "must be positive")
		}
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
