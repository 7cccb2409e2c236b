package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdirForTest(t, t.TempDir()) // no stray .env
	t.Setenv("ENGINE_CONFIG", "")
	t.Setenv("SYMBOLS", "")
	t.Setenv("BINANCE_USDT_KEY", "")
	t.Setenv("BINANCE_USDT_SECRET", "")
	t.Setenv("ACCOUNT_CACHE_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.AccountCacheTTL != 3*time.Second || cfg.BracketSettleDelay != 2*time.Second || cfg.BracketGap != 500*time.Millisecond {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Symbols, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Fatalf("symbols=%v", cfg.Symbols)
	}
	if cfg.HasLiveCredentials() {
		t.Fatalf("no credentials expected")
	}
}

func TestLoadEnvAndOverlay(t *testing.T) {
	dir := t.TempDir()
	chdirForTest(t, dir)
	overlay := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(overlay, []byte(`
symbols: [solusdt, " bnbusdt "]
trade:
  amount: 250
  leverage: 5
  margin_mode: isolated
  style: AGGR
auto_trade_interval: 45s
`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_CONFIG", overlay)
	t.Setenv("SYMBOLS", "btcusdt")
	t.Setenv("ACCOUNT_CACHE_TTL", "1500")
	t.Setenv("BRACKET_GAP", "250ms")
	t.Setenv("BINANCE_USDT_KEY", "k")
	t.Setenv("BINANCE_USDT_SECRET", "s")
	t.Setenv("DEFAULT_LEVERAGE", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Symbols, []string{"SOLUSDT", "BNBUSDT"}) {
		t.Fatalf("symbols=%v", cfg.Symbols)
	}
	if cfg.AccountCacheTTL != 1500*time.Millisecond || cfg.BracketGap != 250*time.Millisecond {
		t.Fatalf("durations: %v %v", cfg.AccountCacheTTL, cfg.BracketGap)
	}
	if cfg.DefaultTradeAmount != 250 || cfg.DefaultLeverage != 5 || cfg.DefaultMarginMode != "ISOLATED" || cfg.SignalStyle != "aggr" {
		t.Fatalf("trade defaults: %+v", cfg)
	}
	if cfg.AutoTradeInterval != 45*time.Second || !cfg.HasLiveCredentials() {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestOverlayErrors(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ApplyOverlayFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file must fail")
	}
	var o Overlay
	o.AutoTradeInterval = "soon"
	if err := cfg.ApplyOverlay(o); err == nil {
		t.Fatalf("bad duration must fail")
	}
}
