package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/internal/ledger"
	"perpdesk/internal/monitor"
	"perpdesk/pkg/cache"
)

type stubTickers struct {
	prices map[string]float64
	err    error
}

func (s stubTickers) GetTickerPrices(context.Context) (map[string]float64, error) {
	return s.prices, s.err
}

func TestFeedPollFiltersSymbols(t *testing.T) {
	bus := events.NewBus()
	ticks, unsub := bus.Subscribe(10, events.EventPriceTick)
	defer unsub()
	metrics := monitor.NewSystemMetrics()
	prices := cache.NewPriceCache()
	f := &Feed{
		Source:  stubTickers{prices: map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 2000, "DOGEUSDT": 0.1}},
		Prices:  prices,
		Bus:     bus,
		Metrics: metrics,
		Symbols: []string{"btcusdt", "ETHUSDT", "SOLUSDT"},
	}

	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if prices.Len() != 2 {
		t.Fatalf("cached %d symbols, expected 2", prices.Len())
	}
	if _, ok := prices.Get("DOGEUSDT"); ok {
		t.Fatalf("unconfigured symbol cached")
	}
	if got := metrics.GetSnapshot().TicksProcessed; got != 2 {
		t.Fatalf("ticks=%d", got)
	}
	seen := map[string]float64{}
	for i := 0; i < 2; i++ {
		tick := (<-ticks).Payload.(events.PriceTick)
		seen[tick.Symbol] = tick.Price
	}
	if seen["BTCUSDT"] != 60000 || seen["ETHUSDT"] != 2000 {
		t.Fatalf("ticks=%v", seen)
	}
}

func TestFeedPollError(t *testing.T) {
	f := &Feed{Source: stubTickers{err: errors.New("503")}, Prices: cache.NewPriceCache()}
	if err := f.Poll(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	f.Source = stubTickers{prices: map[string]float64{"A": 1, "B": 2}}
	if err := f.Poll(context.Background()); err != nil || f.Prices.Len() != 2 {
		t.Fatalf("empty symbol list should take all, err=%v len=%d", err, f.Prices.Len())
	}
}

func TestMockFeedStep(t *testing.T) {
	prices := cache.NewPriceCache()
	m := &MockFeed{Prices: prices, Symbols: []string{"BTCUSDT", "ethusdt"}, StartPrices: map[string]float64{"BTCUSDT": 50000}, StepPct: 0.01}
	for i := 0; i < 50; i++ {
		m.Step()
	}
	btc, ok := prices.Get("BTCUSDT")
	if !ok || btc < 50000*0.6 || btc > 50000*1.7 {
		t.Fatalf("btc=%v", btc)
	}
	eth, ok := prices.Get("ETHUSDT")
	if !ok || eth < 60 || eth > 170 {
		t.Fatalf("eth=%v, expected a walk from 100", eth)
	}
}

func TestWatcherClosesTriggeredPositions(t *testing.T) {
	l := ledger.New(10000)
	ctx := context.Background()
	res := l.OpenPosition(ctx, engine.OpenRequest{Symbol: "BTCUSDT", Side: engine.SideLong, Notional: 1000, Price: 100, Leverage: 10, TakeProfit: 110, StopLoss: 95})
	if !res.Success {
		t.Fatalf("open=%+v", res)
	}

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(4, events.EventTPSLTriggered)
	defer unsub()
	metrics := monitor.NewSystemMetrics()
	prices := cache.NewPriceCache()
	w := &Watcher{Engines: []engine.Engine{l}, Prices: prices, Bus: bus, Metrics: metrics, MaxAge: time.Minute}

	if got := w.CheckOnce(ctx); got != nil {
		t.Fatalf("no prices, no notices: %+v", got)
	}
	prices.Set("BTCUSDT", 105, time.Now())
	if got := w.CheckOnce(ctx); len(got) != 0 {
		t.Fatalf("in range: %+v", got)
	}
	prices.Set("BTCUSDT", 111, time.Now())
	got := w.CheckOnce(ctx)
	if len(got) != 1 || got[0].Trigger != engine.TriggerTakeProfit {
		t.Fatalf("notices=%+v", got)
	}
	if n := (<-ch).Payload.(engine.Notice); n.PositionID != res.Position.ID {
		t.Fatalf("published %+v", n)
	}
	if metrics.GetSnapshot().TPSLTriggered != 1 || len(l.Positions(ctx)) != 0 {
		t.Fatalf("position should be closed and counted")
	}
}

func TestWatcherIgnoresStalePrices(t *testing.T) {
	l := ledger.New(10000)
	ctx := context.Background()
	l.OpenPosition(ctx, engine.OpenRequest{Symbol: "BTCUSDT", Side: engine.SideShort, Notional: 1000, Price: 100, Leverage: 10, StopLoss: 105})

	prices := cache.NewPriceCache()
	prices.Set("BTCUSDT", 200, time.Now().Add(-time.Hour))
	w := &Watcher{Engines: []engine.Engine{l}, Prices: prices, MaxAge: time.Minute}
	if got := w.CheckOnce(ctx); len(got) != 0 {
		t.Fatalf("stale price triggered %+v", got)
	}
}
