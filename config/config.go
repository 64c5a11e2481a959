// Package config loads the bot configuration: .env first (credentials),
// then config.yaml via viper with environment override. Every key has a
// default so a bare checkout starts in a sane paper state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully resolved bot configuration.
type Config struct {
	LogLevel string

	Sniper  SniperConfig
	Default DefaultConfig
	Hedging HedgingConfig

	Bybit ExchangeCredentials
	MEXC  ExchangeCredentials

	AI    AIConfig
	Store StoreConfig
	API   APIConfig

	Risk RiskConfig
}

// SniperConfig drives the aggressive scanning path.
type SniperConfig struct {
	FixedRate time.Duration // sniper tick cadence
	Symbols   []string
	Interval  string // primary evaluation interval

	Lookback            int     // pivot S/R lookback bars per side
	GroupTolerancePct   float64 // S/R level grouping tolerance, percent
	WickBodyRatio       float64 // rejection wick-to-body minimum
	LongTermMAPeriod    int
	StopLossPercentMax  float64 // fallback SL distance, percent
	FirstProfitTargetRR float64 // PT1 distance in R multiples
	ATRMultiplier       float64 // trailing / initial SL ATR multiplier
}

// DefaultConfig drives the slower default-strategy path.
type DefaultConfig struct {
	FixedRate   time.Duration
	Symbols     []string
	Interval    string
	ExchangeMap map[string]string // symbol -> exchange name
}

// HedgingConfig drives the hedging tick.
type HedgingConfig struct {
	FixedRate        time.Duration
	LossThresholdPct float64 // unrealized loss that triggers a hedge
	Ratio            float64 // hedge size as fraction of base position
	Cooldown         time.Duration
	Expiry           time.Duration // 0 disables time-based close
}

// ExchangeCredentials holds one venue's API access.
type ExchangeCredentials struct {
	APIKey    string
	APISecret string
	RESTURL   string
	WSURL     string
}

// AIConfig points at the external analysis oracle.
type AIConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration // single-symbol verdict calls
	ScanTimeout time.Duration // full AI-enabled custom scans
}

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path string
}

// APIConfig configures the operational HTTP endpoint.
type APIConfig struct {
	Listen    string
	JWTSecret string
}

// RiskConfig holds account-level limits.
type RiskConfig struct {
	MaxOpenPositions int
	MaxRiskPerTrade  float64            // fraction of equity
	SymbolCaps       map[string]float64 // symbol -> max position value, USDT
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tradingbot.log.level", "info")

	v.SetDefault("tradingbot.sniper.schedule.fixedRateMs", 60000)
	v.SetDefault("tradingbot.sniper.strategy.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("tradingbot.sniper.strategy.interval", "1h")
	v.SetDefault("tradingbot.sniper.strategy.lookback", 50)
	v.SetDefault("tradingbot.sniper.strategy.groupTolerancePct", 1.0)
	v.SetDefault("tradingbot.sniper.strategy.wickBodyRatio", 1.5)
	v.SetDefault("tradingbot.sniper.strategy.longTermMAPeriod", 200)
	v.SetDefault("tradingbot.sniper.strategy.stopLossPercentMax", 1.0)
	v.SetDefault("tradingbot.sniper.strategy.firstProfitTargetRR", 2.0)
	v.SetDefault("tradingbot.sniper.strategy.atrMultiplier", 1.5)

	v.SetDefault("tradingbot.default.schedule.fixedRateMs", 300000)
	v.SetDefault("tradingbot.default.strategy.symbols", []string{"BTCUSDT"})
	v.SetDefault("tradingbot.default.strategy.interval", "1h")
	v.SetDefault("tradingbot.default.strategy.exchange.map", map[string]string{})

	v.SetDefault("tradingbot.hedging.schedule.fixedRateMs", 60000)
	v.SetDefault("tradingbot.hedging.lossThresholdPct", 15.0)
	v.SetDefault("tradingbot.hedging.ratio", 0.5)
	v.SetDefault("tradingbot.hedging.cooldownSec", 300)
	v.SetDefault("tradingbot.hedging.expirySec", 0)

	v.SetDefault("bybit.restUrl", "https://api.bybit.com")
	v.SetDefault("bybit.wsUrl", "wss://stream.bybit.com/v5/private")
	v.SetDefault("mexc.restUrl", "https://api.mexc.com")
	v.SetDefault("mexc.futuresUrl", "https://contract.mexc.com")

	v.SetDefault("ai.timeoutSec", 30)
	v.SetDefault("ai.scanTimeoutSec", 300)
	v.SetDefault("ai.model", "default")

	v.SetDefault("store.path", "tbot.db")
	v.SetDefault("api.listen", ":8080")

	v.SetDefault("risk.maxOpenPositions", 5)
	v.SetDefault("risk.maxRiskPerTrade", 0.02)
}

// Load reads .env (if present) and config.yaml from the working directory.
// Environment variables override file values (BYBIT_APIKEY etc.).
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom loads configuration rooted at dir.
func LoadFrom(dir string) (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable; defaults + env carry it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("tradingbot.log.level"),
		Sniper: SniperConfig{
			FixedRate:           time.Duration(v.GetInt("tradingbot.sniper.schedule.fixedRateMs")) * time.Millisecond,
			Symbols:             v.GetStringSlice("tradingbot.sniper.strategy.symbols"),
			Interval:            v.GetString("tradingbot.sniper.strategy.interval"),
			Lookback:            v.GetInt("tradingbot.sniper.strategy.lookback"),
			GroupTolerancePct:   v.GetFloat64("tradingbot.sniper.strategy.groupTolerancePct"),
			WickBodyRatio:       v.GetFloat64("tradingbot.sniper.strategy.wickBodyRatio"),
			LongTermMAPeriod:    v.GetInt("tradingbot.sniper.strategy.longTermMAPeriod"),
			StopLossPercentMax:  v.GetFloat64("tradingbot.sniper.strategy.stopLossPercentMax"),
			FirstProfitTargetRR: v.GetFloat64("tradingbot.sniper.strategy.firstProfitTargetRR"),
			ATRMultiplier:       v.GetFloat64("tradingbot.sniper.strategy.atrMultiplier"),
		},
		Default: DefaultConfig{
			FixedRate:   time.Duration(v.GetInt("tradingbot.default.schedule.fixedRateMs")) * time.Millisecond,
			Symbols:     v.GetStringSlice("tradingbot.default.strategy.symbols"),
			Interval:    v.GetString("tradingbot.default.strategy.interval"),
			ExchangeMap: v.GetStringMapString("tradingbot.default.strategy.exchange.map"),
		},
		Hedging: HedgingConfig{
			FixedRate:        time.Duration(v.GetInt("tradingbot.hedging.schedule.fixedRateMs")) * time.Millisecond,
			LossThresholdPct: v.GetFloat64("tradingbot.hedging.lossThresholdPct"),
			Ratio:            v.GetFloat64("tradingbot.hedging.ratio"),
			Cooldown:         time.Duration(v.GetInt("tradingbot.hedging.cooldownSec")) * time.Second,
			Expiry:           time.Duration(v.GetInt("tradingbot.hedging.expirySec")) * time.Second,
		},
		Bybit: ExchangeCredentials{
			APIKey:    v.GetString("bybit.apiKey"),
			APISecret: v.GetString("bybit.apiSecret"),
			RESTURL:   v.GetString("bybit.restUrl"),
			WSURL:     v.GetString("bybit.wsUrl"),
		},
		MEXC: ExchangeCredentials{
			APIKey:    v.GetString("mexc.apiKey"),
			APISecret: v.GetString("mexc.apiSecret"),
			RESTURL:   v.GetString("mexc.restUrl"),
			WSURL:     v.GetString("mexc.futuresUrl"),
		},
		AI: AIConfig{
			Endpoint:    v.GetString("ai.endpoint"),
			APIKey:      v.GetString("ai.apiKey"),
			Model:       v.GetString("ai.model"),
			Timeout:     time.Duration(v.GetInt("ai.timeoutSec")) * time.Second,
			ScanTimeout: time.Duration(v.GetInt("ai.scanTimeoutSec")) * time.Second,
		},
		Store: StoreConfig{Path: v.GetString("store.path")},
		API: APIConfig{
			Listen:    v.GetString("api.listen"),
			JWTSecret: v.GetString("api.jwtSecret"),
		},
		Risk: RiskConfig{
			MaxOpenPositions: v.GetInt("risk.maxOpenPositions"),
			MaxRiskPerTrade:  v.GetFloat64("risk.maxRiskPerTrade"),
			SymbolCaps:       stringMapToFloat(v.GetStringMapString("risk.symbolCaps")),
		},
	}

	if len(cfg.Sniper.Symbols) == 0 {
		return nil, fmt.Errorf("sniper symbol list is empty")
	}
	return cfg, nil
}

func stringMapToFloat(in map[string]string) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, s := range in {
		var f float64
		if _, err := fmt.Sscanf(s, "%f", &f); err == nil {
			out[strings.ToUpper(k)] = f
		}
	}
	return out
}
