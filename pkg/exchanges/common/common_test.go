package common

import (
	"context"
	"testing"
	"time"
)

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatalf("Opposite mismatch")
	}
}

func TestOrderVariants(t *testing.T) {
	reqs := []OrderRequest{
		MarketOrder{Symbol: "BTCUSDT", Side: SideBuy},
		TakeProfitOrder{Symbol: "BTCUSDT", Side: SideSell},
		StopOrder{Symbol: "BTCUSDT", Side: SideSell},
	}
	want := []OrderType{OrderTypeMarket, OrderTypeTakeProfitMarket, OrderTypeStopMarket}
	for i, r := range reqs {
		if r.OrderType() != want[i] {
			t.Fatalf("variant %d type=%s, expected %s", i, r.OrderType(), want[i])
		}
		if r.OrderSymbol() != "BTCUSDT" {
			t.Fatalf("variant %d symbol=%s", i, r.OrderSymbol())
		}
	}
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(100, time.Minute, 1000, 10)
	rl.UpdateFromHeader("")
	rl.UpdateFromHeader("abc")
	if used, _, _ := rl.GetUsage(); used != 0 {
		t.Fatalf("used=%d, expected 0", used)
	}
	rl.UpdateFromHeader("50")
	if rl.ShouldDelay() {
		t.Fatalf("50%% should not delay")
	}
	rl.UpdateFromHeader("95")
	if !rl.ShouldDelay() {
		t.Fatalf("95%% should delay")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatalf("Wait on cancelled context should fail")
	}
}

func TestTimeSyncOffset(t *testing.T) {
	server := time.Now().Add(2 * time.Second).UnixMilli()
	ts := NewTimeSync(func(context.Context) (int64, error) { return server, nil })
	if err := ts.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if off := ts.Offset(); off < 1500 || off > 2500 {
		t.Fatalf("offset=%d, expected about 2000", off)
	}
	if ts.LastSync().IsZero() {
		t.Fatalf("LastSync not recorded")
	}
}
