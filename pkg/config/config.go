package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trading desk.
type Config struct {
	Port string

	// Binance Futures (USDT)
	BinanceTestnet    bool
	BinanceUSDTKey    string
	BinanceUSDTSecret string
	RecvWindowMs      int64
	QuoteAsset        string

	// Simulation
	SimInitialBalance float64

	// Live adapter caching and bracket timing
	AccountCacheTTL    time.Duration
	OrdersCacheTTL     time.Duration
	SymbolInfoTTL      time.Duration
	BracketSettleDelay time.Duration
	BracketGap         time.Duration
	BracketRetries     int

	// Trading defaults
	Symbols            []string
	DefaultTradeAmount float64
	DefaultLeverage    int
	DefaultMarginMode  string // CROSS or ISOLATED
	SignalStyle        string // conservative or aggressive

	// Loops
	UseMockFeed       bool
	PricePollInterval time.Duration
	TPSLCheckInterval time.Duration
	ReconInterval     time.Duration
	CommandWorkers    int
	AutoTradeInterval time.Duration

	// Journal
	EnableJournal bool
	JournalDBPath string

	// Auth
	JWTSecret   string
	OperatorKey string

	// Localization
	Language string // "en" or "zh"
}

// Overlay is the optional YAML file named by ENGINE_CONFIG. Set fields win
// over the environment.
type Overlay struct {
	Symbols []string `yaml:"symbols"`
	Trade   struct {
		Amount     float64 `yaml:"amount"`
		Leverage   int     `yaml:"leverage"`
		MarginMode string  `yaml:"margin_mode"`
		Style      string  `yaml:"style"`
	} `yaml:"trade"`
	AutoTradeInterval string `yaml:"auto_trade_interval"`
	Language          string `yaml:"language"`
}

// Load reads environment variables (optionally via .env) into Config and then
// applies the YAML overlay when ENGINE_CONFIG is set.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		BinanceTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceUSDTKey:     os.Getenv("BINANCE_USDT_KEY"),
		BinanceUSDTSecret:  os.Getenv("BINANCE_USDT_SECRET"),
		RecvWindowMs:       int64(getEnvInt("RECV_WINDOW_MS", 5000)),
		QuoteAsset:         strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		SimInitialBalance:  getEnvFloat("SIM_INITIAL_BALANCE", 10000.0),
		AccountCacheTTL:    getEnvDuration("ACCOUNT_CACHE_TTL", 3*time.Second),
		OrdersCacheTTL:     getEnvDuration("ORDERS_CACHE_TTL", 3*time.Second),
		SymbolInfoTTL:      getEnvDuration("SYMBOL_INFO_TTL", time.Hour),
		BracketSettleDelay: getEnvDuration("BRACKET_SETTLE_DELAY", 2*time.Second),
		BracketGap:         getEnvDuration("BRACKET_GAP", 500*time.Millisecond),
		BracketRetries:     getEnvInt("BRACKET_RETRIES", 1),
		Symbols:            splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		DefaultTradeAmount: getEnvFloat("DEFAULT_TRADE_AMOUNT", 100),
		DefaultLeverage:    getEnvInt("DEFAULT_LEVERAGE", 10),
		DefaultMarginMode:  strings.ToUpper(getEnv("DEFAULT_MARGIN_MODE", "CROSS")),
		SignalStyle:        strings.ToLower(getEnv("SIGNAL_STYLE", "conservative")),
		UseMockFeed:        getEnv("USE_MOCK_FEED", "true") == "true",
		PricePollInterval:  getEnvDuration("PRICE_POLL_INTERVAL", 2*time.Second),
		TPSLCheckInterval:  getEnvDuration("TPSL_CHECK_INTERVAL", time.Second),
		ReconInterval:      getEnvDuration("RECON_INTERVAL", 30*time.Second),
		CommandWorkers:     getEnvInt("COMMAND_WORKERS", 4),
		AutoTradeInterval:  getEnvDuration("AUTO_TRADE_INTERVAL", 30*time.Second),
		EnableJournal:      getEnv("ENABLE_JOURNAL", "true") == "true",
		JournalDBPath:      getEnv("JOURNAL_DB_PATH", "./data/journal.db"),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey:        os.Getenv("OPERATOR_KEY"),
		Language:           getEnv("LANGUAGE", "en"),
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(s)
	}

	if path := os.Getenv("ENGINE_CONFIG"); path != "" {
		if err := cfg.ApplyOverlayFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// HasLiveCredentials reports whether the live backend can be enabled.
func (c *Config) HasLiveCredentials() bool {
	return c.BinanceUSDTKey != "" && c.BinanceUSDTSecret != ""
}

// ApplyOverlayFile reads a YAML overlay from path.
func (c *Config) ApplyOverlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config overlay: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	return c.ApplyOverlay(o)
}

// ApplyOverlay copies the set fields of o into c.
func (c *Config) ApplyOverlay(o Overlay) error {
	if len(o.Symbols) > 0 {
		c.Symbols = c.Symbols[:0]
		for _, s := range o.Symbols {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				c.Symbols = append(c.Symbols, s)
			}
		}
	}
	if o.Trade.Amount > 0 {
		c.DefaultTradeAmount = o.Trade.Amount
	}
	if o.Trade.Leverage > 0 {
		c.DefaultLeverage = o.Trade.Leverage
	}
	if o.Trade.MarginMode != "" {
		c.DefaultMarginMode = strings.ToUpper(o.Trade.MarginMode)
	}
	if o.Trade.Style != "" {
		c.SignalStyle = strings.ToLower(o.Trade.Style)
	}
	if o.AutoTradeInterval != "" {
		d, err := time.ParseDuration(o.AutoTradeInterval)
		if err != nil {
			return fmt.Errorf("config overlay auto_trade_interval: %w", err)
		}
		c.AutoTradeInterval = d
	}
	if o.Language != "" {
		c.Language = o.Language
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("3s") or plain milliseconds ("3000").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
