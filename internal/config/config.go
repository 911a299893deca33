package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries every tunable the ledger core needs. All values are
// env-overridable; defaults describe a EURUSD M5 paper account.
type Config struct {
	// HTTP
	Port      string `mapstructure:"PORT"`
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// API credentials exchanged for JWT tokens
	APIKey    string `mapstructure:"API_KEY"`
	APISecret string `mapstructure:"API_SECRET"`

	// Persistence
	DatabasePath string `mapstructure:"DATABASE_PATH"`

	// Instrument
	Symbol    string  `mapstructure:"SYMBOL"`
	Timeframe string  `mapstructure:"TIMEFRAME"`
	PipSize   float64 `mapstructure:"PIP_SIZE"`

	// Execution
	SpreadPips   float64 `mapstructure:"SPREAD_PIPS"`
	SlippagePips float64 `mapstructure:"SLIPPAGE_PIPS"`
	ContractSize float64 `mapstructure:"CONTRACT_SIZE"`

	// Account
	InitialBalance  float64 `mapstructure:"INITIAL_BALANCE"`
	AccountCurrency string  `mapstructure:"ACCOUNT_CURRENCY"`
	AccountLeverage float64 `mapstructure:"ACCOUNT_LEVERAGE"`

	// Order management
	MinOrderQty    float64  `mapstructure:"MIN_ORDER_QTY"`
	AllowedSymbols []string `mapstructure:"ALLOWED_SYMBOLS"`

	// Risk limits (seed values for the per-account RiskLimits row)
	MaxOpenPositions          int     `mapstructure:"RISK_MAX_OPEN_POSITIONS"`
	MaxOpenPositionsPerSymbol int     `mapstructure:"RISK_MAX_OPEN_POSITIONS_PER_SYMBOL"`
	MaxTotalNotional          float64 `mapstructure:"RISK_MAX_TOTAL_NOTIONAL"`
	MaxSymbolNotional         float64 `mapstructure:"RISK_MAX_SYMBOL_NOTIONAL"`
	RiskPerTradePct           float64 `mapstructure:"RISK_PER_TRADE_PCT"`
	DailyLossLimitPct         float64 `mapstructure:"RISK_DAILY_LOSS_LIMIT_PCT"`
	DailyLossLimitAmount      float64 `mapstructure:"RISK_DAILY_LOSS_LIMIT_AMOUNT"`
	LotStep                   float64 `mapstructure:"RISK_LOT_STEP"`
}

// Load reads configuration from the environment with sensible defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", "8080")
	v.SetDefault("JWT_SECRET", "paper-secret-key")
	v.SetDefault("API_KEY", "paper-api-key")
	v.SetDefault("API_SECRET", "paper-api-secret")
	v.SetDefault("DATABASE_PATH", "paper.db")

	v.SetDefault("SYMBOL", "EURUSD")
	v.SetDefault("TIMEFRAME", "M5")
	v.SetDefault("PIP_SIZE", 0.0001)

	v.SetDefault("SPREAD_PIPS", 1.0)
	v.SetDefault("SLIPPAGE_PIPS", 0.0)
	v.SetDefault("CONTRACT_SIZE", 1.0)

	v.SetDefault("INITIAL_BALANCE", 10000.0)
	v.SetDefault("ACCOUNT_CURRENCY", "USD")
	v.SetDefault("ACCOUNT_LEVERAGE", 30.0)

	v.SetDefault("MIN_ORDER_QTY", 1000.0)
	v.SetDefault("ALLOWED_SYMBOLS", []string{"EURUSD"})

	v.SetDefault("RISK_MAX_OPEN_POSITIONS", 5)
	v.SetDefault("RISK_MAX_OPEN_POSITIONS_PER_SYMBOL", 1)
	v.SetDefault("RISK_MAX_TOTAL_NOTIONAL", 1000000.0)
	v.SetDefault("RISK_MAX_SYMBOL_NOTIONAL", 500000.0)
	v.SetDefault("RISK_PER_TRADE_PCT", 0.01)
	v.SetDefault("RISK_DAILY_LOSS_LIMIT_PCT", 0.05)
	v.SetDefault("RISK_DAILY_LOSS_LIMIT_AMOUNT", 0.0)
	v.SetDefault("RISK_LOT_STEP", 1000.0)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the ledger cannot run with.
func (c *Config) Validate() error {
	if c.InitialBalance <= 0 {
		return fmt.Errorf("INITIAL_BALANCE must be positive, got %v", c.InitialBalance)
	}
	if c.AccountLeverage <= 0 {
		return fmt.Errorf("ACCOUNT_LEVERAGE must be positive, got %v", c.AccountLeverage)
	}
	if c.PipSize <= 0 {
		return fmt.Errorf("PIP_SIZE must be positive, got %v", c.PipSize)
	}
	if c.SpreadPips < 0 {
		return fmt.Errorf("SPREAD_PIPS must be non-negative, got %v", c.SpreadPips)
	}
	if c.SlippagePips < 0 {
		return fmt.Errorf("SLIPPAGE_PIPS must be non-negative, got %v", c.SlippagePips)
	}
	if c.ContractSize <= 0 {
		return fmt.Errorf("CONTRACT_SIZE must be positive, got %v", c.ContractSize)
	}
	if c.LotStep <= 0 {
		return fmt.Errorf("RISK_LOT_STEP must be positive, got %v", c.LotStep)
	}
	if c.Symbol == "" || c.Timeframe == "" {
		return fmt.Errorf("SYMBOL and TIMEFRAME are required")
	}
	return nil
}

// SymbolAllowed reports whether orders may be placed for symbol.
func (c *Config) SymbolAllowed(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range c.AllowedSymbols {
		if strings.ToUpper(s) == symbol {
			return true
		}
	}
	return false
}

// Default returns the configuration used by tests and the simulation
// harness: identical to Load() without consulting the environment.
func Default() *Config {
	return &Config{
		Port:                      "8080",
		JWTSecret:                 "paper-secret-key",
		APIKey:                    "paper-api-key",
		APISecret:                 "paper-api-secret",
		DatabasePath:              "paper.db",
		Symbol:                    "EURUSD",
		Timeframe:                 "M5",
		PipSize:                   0.0001,
		SpreadPips:                1.0,
		SlippagePips:              0.0,
		ContractSize:              1.0,
		InitialBalance:            10000.0,
		AccountCurrency:           "USD",
		AccountLeverage:           30.0,
		MinOrderQty:               1000.0,
		AllowedSymbols:            []string{"EURUSD"},
		MaxOpenPositions:          5,
		MaxOpenPositionsPerSymbol: 1,
		MaxTotalNotional:          1000000.0,
		MaxSymbolNotional:         500000.0,
		RiskPerTradePct:           0.01,
		DailyLossLimitPct:         0.05,
		DailyLossLimitAmount:      0.0,
		LotStep:                   1000.0,
	}
}
