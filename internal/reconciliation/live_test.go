package reconciliation

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/live"
	"perpdesk/pkg/exchanges/binance/futures_usdt"
	"perpdesk/pkg/exchanges/common"
	"perpdesk/pkg/precision"
)

// bookExchange keeps one-way position amounts that market orders move.
type bookExchange struct {
	mu     sync.Mutex
	amount map[string]float64
}

func newBookExchange() *bookExchange {
	return &bookExchange{amount: make(map[string]float64)}
}

func (b *bookExchange) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	o, ok := req.(common.MarketOrder)
	if !ok {
		return common.OrderResult{ExchangeOrderID: "2", Status: common.StatusNew}, nil
	}
	qty, err := strconv.ParseFloat(o.Quantity, 64)
	if err != nil {
		return common.OrderResult{}, err
	}
	if o.Side == common.SideSell {
		qty = -qty
	}
	b.mu.Lock()
	b.amount[o.Symbol] += qty
	b.mu.Unlock()
	return common.OrderResult{ExchangeOrderID: "1", Status: common.StatusFilled}, nil
}

func (b *bookExchange) GetAccountInfo(context.Context) (*futures_usdt.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := &futures_usdt.AccountInfo{
		TotalMarginBalance: "1000",
		Assets:             []futures_usdt.AccountAsset{{Asset: "USDT", AvailableBalance: "1000"}},
	}
	for sym, amt := range b.amount {
		info.Positions = append(info.Positions, futures_usdt.AccountPosition{
			Symbol: sym, PositionSide: "BOTH", PositionAmt: strconv.FormatFloat(amt, 'f', -1, 64),
			EntryPrice: "100", Leverage: "5",
		})
	}
	return info, nil
}

func (b *bookExchange) GetOpenOrders(context.Context, string) ([]futures_usdt.OpenOrder, error) {
	return nil, nil
}

func (b *bookExchange) GetPositionMode(context.Context) (bool, error) { return false, nil }

func (b *bookExchange) SetLeverage(context.Context, string, int) error { return nil }

func (b *bookExchange) SetMarginType(context.Context, string, string) error { return nil }

func (b *bookExchange) set(symbol string, amt float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.amount[symbol] = amt
}

type stepRules struct{}

func (stepRules) Rule(_ context.Context, symbol string) (precision.Rule, error) {
	return precision.Rule{Symbol: symbol, Status: "TRADING", StepSize: 0.001, TickSize: 0.01, MinNotional: 5}, nil
}

func syncDetails(h *engine.History) []string {
	var out []string
	for _, r := range h.Records() {
		if r.Action == engine.ActionSync {
			out = append(out, r.Detail)
		}
	}
	return out
}

func TestReconcileIgnoresOwnTrades(t *testing.T) {
	ex := newBookExchange()
	adapter := live.New(ex, stepRules{}, live.Config{QuoteAsset: "USDT", AccountTTL: time.Minute, OrdersTTL: time.Minute})
	svc := NewService(adapter, nil, nil, time.Minute)
	ctx := context.Background()

	if _, err := svc.RunOnce(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	res := adapter.OpenPosition(ctx, engine.OpenRequest{Symbol: "BTCUSDT", Side: engine.SideLong, Notional: 100, Price: 100, Leverage: 5})
	if !res.Success {
		t.Fatalf("open=%+v", res)
	}
	report, err := svc.RunOnce(ctx)
	if err != nil || report.HasDiffs {
		t.Fatalf("after open report=%+v err=%v", report, err)
	}

	res = adapter.ClosePosition(ctx, engine.CloseRequest{PositionID: "LIVE-BTCUSDT-LONG", Price: 101})
	if !res.Success {
		t.Fatalf("close=%+v", res)
	}
	report, err = svc.RunOnce(ctx)
	if err != nil || report.HasDiffs {
		t.Fatalf("after close report=%+v err=%v", report, err)
	}
	if syncs := syncDetails(adapter.History()); len(syncs) != 0 {
		t.Fatalf("own trades recorded as sync: %v", syncs)
	}

	t.Run("outside changes still reported", func(t *testing.T) {
		ex.set("ETHUSDT", -2)
		report, err := svc.RunOnce(ctx)
		if err != nil {
			t.Fatalf("pass: %v", err)
		}
		if len(report.Detected) != 1 || report.Detected[0].ID != "LIVE-ETHUSDT-SHORT" {
			t.Fatalf("report=%+v", report)
		}
		ex.set("ETHUSDT", 0)
		report, err = svc.RunOnce(ctx)
		if err != nil || len(report.Closed) != 1 {
			t.Fatalf("report=%+v err=%v", report, err)
		}
		if syncs := syncDetails(adapter.History()); len(syncs) != 2 {
			t.Fatalf("sync records=%v", syncs)
		}
	})
}
