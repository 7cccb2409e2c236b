package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/pkg/exchanges/binance/futures_usdt"
	"perpdesk/pkg/exchanges/common"
	"perpdesk/pkg/precision"
)

type fakeExchange struct {
	mu sync.Mutex

	account     *futures_usdt.AccountInfo
	accountErr  error
	orders      []futures_usdt.OpenOrder
	ordersErr   error
	hedge       bool
	modeErr     error
	leverageErr error
	submitErr   map[common.OrderType]error

	accountCalls int
	ordersCalls  int
	leverage     []int
	marginTypes  []string
	submitted    []common.OrderRequest
}

func (f *fakeExchange) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if err := f.submitErr[req.OrderType()]; err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{ExchangeOrderID: "1", Status: common.StatusNew}, nil
}

func (f *fakeExchange) GetAccountInfo(context.Context) (*futures_usdt.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	return f.account, f.accountErr
}

func (f *fakeExchange) GetOpenOrders(context.Context, string) ([]futures_usdt.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ordersCalls++
	return f.orders, f.ordersErr
}

func (f *fakeExchange) GetPositionMode(context.Context) (bool, error) {
	return f.hedge, f.modeErr
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, leverage)
	return f.leverageErr
}

func (f *fakeExchange) SetMarginType(_ context.Context, _ string, marginType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marginTypes = append(f.marginTypes, marginType)
	return nil
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeRules map[string]precision.Rule

func (r fakeRules) Rule(_ context.Context, symbol string) (precision.Rule, error) {
	rule, ok := r[symbol]
	if !ok {
		return precision.Rule{}, precision.ErrUnknownSymbol
	}
	return rule, nil
}

var testRules = fakeRules{
	"BTCUSDT": {Symbol: "BTCUSDT", Status: "TRADING", StepSize: 0.001, TickSize: 0.1, MinNotional: 100},
	"ETHUSDT": {Symbol: "ETHUSDT", Status: "TRADING", StepSize: 0.001, TickSize: 0.01, MinNotional: 5},
}

func newTestAdapter(ex *fakeExchange) *Adapter {
	return New(ex, testRules, Config{QuoteAsset: "USDT", AccountTTL: time.Minute, OrdersTTL: time.Minute, BracketRetries: 1})
}

func accountFixture() *futures_usdt.AccountInfo {
	return &futures_usdt.AccountInfo{
		TotalMarginBalance: "1500.5",
		Assets: []futures_usdt.AccountAsset{
			{Asset: "USDT", AvailableBalance: "1200.25"},
			{Asset: "BNB", AvailableBalance: "1"},
		},
		Positions: []futures_usdt.AccountPosition{
			{Symbol: "BTCUSDT", PositionSide: "BOTH", PositionAmt: "-0.010", EntryPrice: "60000", Leverage: "10", InitialMargin: "60"},
			{Symbol: "ETHUSDT", PositionSide: "BOTH", PositionAmt: "0", EntryPrice: "0", Leverage: "20"},
			{Symbol: "ETHUSDT", PositionSide: "LONG", PositionAmt: "0.5", EntryPrice: "2000", Leverage: "5", Isolated: true},
		},
	}
}

func TestPositionsDerivedFromSnapshot(t *testing.T) {
	ex := &fakeExchange{
		account: accountFixture(),
		orders: []futures_usdt.OpenOrder{
			{Symbol: "BTCUSDT", Type: "TAKE_PROFIT_MARKET", StopPrice: "55000", PositionSide: "BOTH"},
			{Symbol: "BTCUSDT", Type: "STOP_MARKET", StopPrice: "62000", PositionSide: "BOTH"},
			{Symbol: "ETHUSDT", Type: "STOP_MARKET", StopPrice: "1900", PositionSide: "LONG"},
			{Symbol: "ETHUSDT", Type: "TAKE_PROFIT_MARKET", StopPrice: "2500", PositionSide: "SHORT"},
			{Symbol: "ETHUSDT", Type: "LIMIT", StopPrice: "0", PositionSide: "LONG"},
		},
	}
	a := newTestAdapter(ex)
	ctx := context.Background()

	got := a.Positions(ctx)
	if len(got) != 2 {
		t.Fatalf("positions=%+v", got)
	}
	btc, eth := got[0], got[1]
	if btc.ID != "LIVE-BTCUSDT-SHORT" || btc.Side != engine.SideShort || btc.Quantity != 0.01 || btc.Margin != 60 {
		t.Fatalf("btc=%+v", btc)
	}
	if btc.TakeProfit != 55000 || btc.StopLoss != 62000 {
		t.Fatalf("btc bracket tp=%v sl=%v", btc.TakeProfit, btc.StopLoss)
	}
	if eth.Side != engine.SideLong || eth.MarginMode != engine.MarginIsolated || eth.StopLoss != 1900 || eth.TakeProfit != 0 {
		t.Fatalf("eth=%+v", eth)
	}
	if eth.Margin != 200 {
		t.Fatalf("eth margin=%v, expected derived 200", eth.Margin)
	}

	if a.Balance(ctx) != 1200.25 || a.Equity(ctx, nil) != 1500.5 {
		t.Fatalf("balance=%v equity=%v", a.Balance(ctx), a.Equity(ctx, nil))
	}
	if ex.accountCalls != 1 || ex.ordersCalls != 1 {
		t.Fatalf("cache not used: account=%d orders=%d", ex.accountCalls, ex.ordersCalls)
	}
	if a.CheckTPSL(ctx, engine.PriceMap{"BTCUSDT": 1}) != nil {
		t.Fatalf("live CheckTPSL must be empty")
	}
}

func TestReadsFallBackToLastKnown(t *testing.T) {
	ex := &fakeExchange{account: accountFixture()}
	a := New(ex, testRules, Config{AccountTTL: time.Nanosecond, OrdersTTL: time.Nanosecond})
	ctx := context.Background()

	if a.Balance(ctx) != 1200.25 {
		t.Fatalf("initial balance wrong")
	}
	ex.mu.Lock()
	ex.accountErr = errors.New("timeout")
	ex.ordersErr = errors.New("timeout")
	ex.mu.Unlock()
	time.Sleep(time.Millisecond)

	if got := a.Balance(ctx); got != 1200.25 {
		t.Fatalf("balance=%v, expected last known 1200.25", got)
	}
	if got := a.Equity(ctx, nil); got != 1500.5 {
		t.Fatalf("equity=%v, expected last known", got)
	}
	view := a.Account(ctx, false)
	if !view.Valid || view.Err == nil || !view.Stale(time.Minute) {
		t.Fatalf("view should be valid but stale with error: %+v", view)
	}
	st := a.Status()
	if st.AccountError == "" || !st.AccountValid {
		t.Fatalf("status=%+v", st)
	}
}

func TestNeverFetchedReturnsZero(t *testing.T) {
	ex := &fakeExchange{accountErr: errors.New("down")}
	a := newTestAdapter(ex)
	ctx := context.Background()
	if a.Balance(ctx) != 0 || a.Equity(ctx, nil) != 0 || a.Positions(ctx) != nil || a.Observed() {
		t.Fatalf("expected empty reads before first successful snapshot")
	}
}

func TestOpenPositionOneWayWithBracket(t *testing.T) {
	ex := &fakeExchange{account: accountFixture()}
	a := newTestAdapter(ex)

	res := a.OpenPosition(context.Background(), engine.OpenRequest{
		Symbol: "ethusdt", Side: engine.SideLong, Notional: 100, Price: 3000, Leverage: 5,
		MarginMode: engine.MarginIsolated, TakeProfit: 3300.123, StopLoss: 2900.987,
	})
	if !res.Success || res.Err != nil {
		t.Fatalf("open=%+v", res)
	}
	if len(ex.submitted) != 3 {
		t.Fatalf("submitted=%+v", ex.submitted)
	}
	entry := ex.submitted[0].(common.MarketOrder)
	if entry.Quantity != "0.033" || entry.Side != common.SideBuy || entry.PositionSide != common.PositionSideNone || entry.ReduceOnly {
		t.Fatalf("entry=%+v", entry)
	}
	tp := ex.submitted[1].(common.TakeProfitOrder)
	if tp.StopPrice != "3300.12" || tp.Side != common.SideSell || tp.WorkingType != common.WorkingMarkPrice || !tp.PriceProtect {
		t.Fatalf("tp=%+v", tp)
	}
	sl := ex.submitted[2].(common.StopOrder)
	if sl.StopPrice != "2900.98" || sl.Side != common.SideSell {
		t.Fatalf("sl=%+v", sl)
	}
	if len(ex.leverage) != 1 || ex.leverage[0] != 5 || ex.marginTypes[0] != "ISOLATED" {
		t.Fatalf("leverage=%v margin=%v", ex.leverage, ex.marginTypes)
	}
	if res.Position.TakeProfit != 3300.12 || res.Position.StopLoss != 2900.98 {
		t.Fatalf("position bracket=%+v", res.Position)
	}
}

func TestOpenPositionHedgeShort(t *testing.T) {
	ex := &fakeExchange{account: accountFixture(), hedge: true}
	a := newTestAdapter(ex)

	res := a.OpenPosition(context.Background(), engine.OpenRequest{
		Symbol: "BTCUSDT", Side: engine.SideShort, Notional: 600, Price: 60000, Leverage: 10, StopLoss: 61000,
	})
	if !res.Success {
		t.Fatalf("open=%+v", res)
	}
	if len(ex.submitted) != 2 {
		t.Fatalf("submitted=%+v", ex.submitted)
	}
	entry := ex.submitted[0].(common.MarketOrder)
	if entry.Side != common.SideSell || entry.PositionSide != common.PositionSideShort || entry.Quantity != "0.01" {
		t.Fatalf("entry=%+v", entry)
	}
	sl := ex.submitted[1].(common.StopOrder)
	if sl.Side != common.SideBuy || sl.PositionSide != common.PositionSideShort {
		t.Fatalf("sl=%+v", sl)
	}
}

func TestOpenPositionSwapsInvertedBracket(t *testing.T) {
	ex := &fakeExchange{account: accountFixture()}
	a := newTestAdapter(ex)

	res := a.OpenPosition(context.Background(), engine.OpenRequest{
		Symbol: "ETHUSDT", Side: engine.SideLong, Notional: 100, Price: 95, Leverage: 1, TakeProfit: 90, StopLoss: 100,
	})
	if !res.Success {
		t.Fatalf("open=%+v", res)
	}
	tp := ex.submitted[1].(common.TakeProfitOrder)
	sl := ex.submitted[2].(common.StopOrder)
	if tp.StopPrice != "100" || sl.StopPrice != "90" {
		t.Fatalf("tp=%s sl=%s, expected 100/90", tp.StopPrice, sl.StopPrice)
	}
	var warned bool
	for _, r := range a.TradeHistory() {
		if r.Action == engine.ActionWarn {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("swap should be recorded")
	}
}

func TestOpenPositionValidationMakesNoOrderCalls(t *testing.T) {
	tests := []struct {
		name string
		req  engine.OpenRequest
		want error
	}{
		{"unknown symbol", engine.OpenRequest{Symbol: "NOPEUSDT", Side: engine.SideLong, Notional: 100, Price: 1, Leverage: 1}, engine.ErrUnknownSymbol},
		{"below min notional", engine.OpenRequest{Symbol: "BTCUSDT", Side: engine.SideLong, Notional: 99, Price: 60000, Leverage: 1}, engine.ErrBelowMinNotional},
		{"quantity rounds to zero", engine.OpenRequest{Symbol: "ETHUSDT", Side: engine.SideLong, Notional: 10, Price: 20000, Leverage: 1}, engine.ErrQuantityTooSmall},
		{"invalid leverage", engine.OpenRequest{Symbol: "ETHUSDT", Side: engine.SideLong, Notional: 10, Price: 1, Leverage: 0}, engine.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchange{account: accountFixture()}
			a := newTestAdapter(ex)
			res := a.OpenPosition(context.Background(), tt.req)
			if res.Success || !errors.Is(res.Err, tt.want) || res.Message == "" {
				t.Fatalf("res=%+v, expected %v", res, tt.want)
			}
			if ex.orderCount() != 0 || len(ex.leverage) != 0 || len(ex.marginTypes) != 0 {
				t.Fatalf("validation failure must not reach the exchange")
			}
			if len(a.TradeHistory()) != 0 {
				t.Fatalf("validation failure must not record history")
			}
		})
	}
}

func TestOpenPositionBestEffortSetup(t *testing.T) {
	ex := &fakeExchange{account: accountFixture(), leverageErr: errors.New("leverage locked"), modeErr: errors.New("mode timeout"), hedge: true}
	a := newTestAdapter(ex)

	res := a.OpenPosition(context.Background(), engine.OpenRequest{Symbol: "ETHUSDT", Side: engine.SideLong, Notional: 100, Price: 2000, Leverage: 3})
	if !res.Success {
		t.Fatalf("setup failures must not abort the open: %+v", res)
	}
	entry := ex.submitted[0].(common.MarketOrder)
	if entry.PositionSide != common.PositionSideNone {
		t.Fatalf("unknown mode must fall back to one-way, got %+v", entry)
	}
	warns := 0
	for _, r := range a.TradeHistory() {
		if r.Action == engine.ActionWarn {
			warns++
		}
	}
	if warns != 2 {
		t.Fatalf("warns=%d, expected 2", warns)
	}
}

func TestOpenPositionEntryFailure(t *testing.T) {
	ex := &fakeExchange{account: accountFixture(), submitErr: map[common.OrderType]error{
		common.OrderTypeMarket: errors.New("Margin is insufficient."),
	}}
	a := newTestAdapter(ex)

	res := a.OpenPosition(context.Background(), engine.OpenRequest{Symbol: "ETHUSDT", Side: engine.SideLong, Notional: 100, Price: 2000, Leverage: 3, TakeProfit: 2100})
	if res.Success || !errors.Is(res.Err, engine.ErrExchangeUnavailable) {
		t.Fatalf("res=%+v", res)
	}
	if ex.orderCount() != 1 {
		t.Fatalf("no bracket may follow a failed entry, submitted=%d", ex.orderCount())
	}
}

func TestOpenPositionPartialBracket(t *testing.T) {
	ex := &fakeExchange{account: accountFixture(), submitErr: map[common.OrderType]error{
		common.OrderTypeStopMarket: errors.New("Order would immediately trigger."),
	}}
	a := newTestAdapter(ex)

	res := a.OpenPosition(context.Background(), engine.OpenRequest{
		Symbol: "ETHUSDT", Side: engine.SideLong, Notional: 100, Price: 2000, Leverage: 3, TakeProfit: 2100, StopLoss: 1900,
	})
	if !res.Success || !errors.Is(res.Err, engine.ErrPartialBracketFailure) {
		t.Fatalf("res=%+v, expected partial success", res)
	}
	// entry + TP + SL with one retry
	if ex.orderCount() != 4 {
		t.Fatalf("submitted=%d, expected 4", ex.orderCount())
	}
	if res.Position.TakeProfit != 2100 || res.Position.StopLoss != 0 {
		t.Fatalf("position=%+v", res.Position)
	}
	hist := a.TradeHistory()
	last := hist[len(hist)-1]
	if last.Action != engine.ActionWarn {
		t.Fatalf("failed leg must be recorded, last=%+v", last)
	}
}

func TestClosePosition(t *testing.T) {
	t.Run("one-way reduce only by id", func(t *testing.T) {
		ex := &fakeExchange{account: accountFixture()}
		a := newTestAdapter(ex)
		res := a.ClosePosition(context.Background(), engine.CloseRequest{PositionID: "LIVE-BTCUSDT-SHORT", Price: 59000})
		if !res.Success {
			t.Fatalf("close=%+v", res)
		}
		o := ex.submitted[0].(common.MarketOrder)
		if o.Side != common.SideBuy || !o.ReduceOnly || o.PositionSide != common.PositionSideNone || o.Quantity != "0.01" {
			t.Fatalf("order=%+v", o)
		}
	})

	t.Run("hedge sets position side", func(t *testing.T) {
		ex := &fakeExchange{account: accountFixture(), hedge: true}
		a := newTestAdapter(ex)
		res := a.ClosePosition(context.Background(), engine.CloseRequest{Symbol: "ETHUSDT", Side: engine.SideLong, Quantity: 0.5})
		if !res.Success {
			t.Fatalf("close=%+v", res)
		}
		o := ex.submitted[0].(common.MarketOrder)
		if o.Side != common.SideSell || o.ReduceOnly || o.PositionSide != common.PositionSideLong {
			t.Fatalf("order=%+v", o)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		ex := &fakeExchange{account: accountFixture()}
		a := newTestAdapter(ex)
		res := a.ClosePosition(context.Background(), engine.CloseRequest{PositionID: "LIVE-SOLUSDT-LONG"})
		if !errors.Is(res.Err, engine.ErrPositionNotFound) || ex.orderCount() != 0 {
			t.Fatalf("res=%+v", res)
		}
	})

	t.Run("exchange rejects", func(t *testing.T) {
		ex := &fakeExchange{account: accountFixture(), submitErr: map[common.OrderType]error{common.OrderTypeMarket: errors.New("ReduceOnly Order is rejected.")}}
		a := newTestAdapter(ex)
		res := a.ClosePosition(context.Background(), engine.CloseRequest{Symbol: "BTCUSDT", Side: engine.SideShort, Quantity: 0.01})
		if res.Success || !errors.Is(res.Err, engine.ErrExchangeUnavailable) {
			t.Fatalf("res=%+v", res)
		}
	})
}

func TestMutationRefreshesCaches(t *testing.T) {
	ex := &fakeExchange{account: accountFixture()}
	a := newTestAdapter(ex)
	ctx := context.Background()

	a.Positions(ctx)
	before := ex.accountCalls
	a.ClosePosition(ctx, engine.CloseRequest{Symbol: "BTCUSDT", Side: engine.SideShort, Quantity: 0.01})
	if ex.accountCalls <= before {
		t.Fatalf("close must force a snapshot refresh")
	}
}

func TestCloseRecordCarriesOpener(t *testing.T) {
	ex := &fakeExchange{account: accountFixture()}
	a := newTestAdapter(ex)
	ctx := context.Background()

	res := a.OpenPosition(ctx, engine.OpenRequest{Symbol: "ETHUSDT", Side: engine.SideShort, Notional: 100, Price: 2000, Leverage: 5, Owner: engine.OwnerAI})
	if !res.Success {
		t.Fatalf("open=%+v", res)
	}
	changed := a.TakeLocalChanges()
	if _, ok := changed["LIVE-ETHUSDT-SHORT"]; !ok || len(changed) != 1 {
		t.Fatalf("changes=%v", changed)
	}
	if again := a.TakeLocalChanges(); len(again) != 0 {
		t.Fatalf("changes not cleared: %v", again)
	}

	closeAndOwner := func(symbol string, side engine.Side) engine.Owner {
		t.Helper()
		res := a.ClosePosition(ctx, engine.CloseRequest{Symbol: symbol, Side: side, Quantity: 0.05})
		if !res.Success {
			t.Fatalf("close=%+v", res)
		}
		recs := a.TradeHistory()
		last := recs[len(recs)-1]
		if last.Action != engine.ActionClose {
			t.Fatalf("last=%+v", last)
		}
		return last.Owner
	}

	t.Run("opened here", func(t *testing.T) {
		if got := closeAndOwner("ETHUSDT", engine.SideShort); got != engine.OwnerAI {
			t.Fatalf("owner=%q", got)
		}
	})
	t.Run("opened elsewhere", func(t *testing.T) {
		if got := closeAndOwner("BTCUSDT", engine.SideShort); got != engine.OwnerUser {
			t.Fatalf("owner=%q", got)
		}
	})
	t.Run("opener forgotten after close", func(t *testing.T) {
		if got := closeAndOwner("ETHUSDT", engine.SideShort); got != engine.OwnerUser {
			t.Fatalf("owner=%q", got)
		}
	})

	changed = a.TakeLocalChanges()
	if len(changed) != 2 {
		t.Fatalf("closes not tracked: %v", changed)
	}
}
