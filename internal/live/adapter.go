// Package live is the exchange-backed trading backend. Account state is read
// on demand through short-lived snapshot caches; orders go straight to the
// exchange and invalidate those caches.
package live

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/monitor"
	"perpdesk/pkg/exchanges/binance/futures_usdt"
	"perpdesk/pkg/exchanges/common"
	"perpdesk/pkg/precision"
)

// Name is the backend name of the live adapter.
const Name = "live"

// Exchange is the futures venue the adapter talks to.
type Exchange interface {
	common.Gateway
	GetAccountInfo(ctx context.Context) (*futures_usdt.AccountInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]futures_usdt.OpenOrder, error)
	GetPositionMode(ctx context.Context) (bool, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
}

// RuleSource resolves symbol precision rules.
type RuleSource interface {
	Rule(ctx context.Context, symbol string) (precision.Rule, error)
}

// Config tunes caching and bracket placement.
type Config struct {
	QuoteAsset     string
	AccountTTL     time.Duration
	OrdersTTL      time.Duration
	SettleDelay    time.Duration // wait between entry fill and bracket orders
	BracketGap     time.Duration // wait between TP and SL submission
	BracketRetries int
	HistoryLimit   int
}

// DefaultConfig mirrors the exchange's usual settle times.
func DefaultConfig() Config {
	return Config{
		QuoteAsset:     "USDT",
		AccountTTL:     3 * time.Second,
		OrdersTTL:      3 * time.Second,
		SettleDelay:    2 * time.Second,
		BracketGap:     500 * time.Millisecond,
		BracketRetries: 1,
	}
}

// Adapter implements engine.Engine against a live futures account.
type Adapter struct {
	ex      Exchange
	rules   RuleSource
	cfg     Config
	history *engine.History
	metrics *monitor.SystemMetrics

	account *Cache[Snapshot]
	orders  *Cache[[]futures_usdt.OpenOrder]

	sleep func(ctx context.Context, d time.Duration) error

	localMu sync.Mutex
	owners  map[string]engine.Owner // open positions this adapter opened
	touched map[string]struct{}     // opened or closed here since the last TakeLocalChanges
}

var _ engine.Engine = (*Adapter)(nil)

// New creates an adapter. Zero durations in cfg fall back to DefaultConfig
// except SettleDelay and BracketGap, where zero means no wait.
func New(ex Exchange, rules RuleSource, cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}
	if cfg.AccountTTL <= 0 {
		cfg.AccountTTL = def.AccountTTL
	}
	if cfg.OrdersTTL <= 0 {
		cfg.OrdersTTL = def.OrdersTTL
	}
	if cfg.BracketRetries < 0 {
		cfg.BracketRetries = 0
	}
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)

	a := &Adapter{
		ex:      ex,
		rules:   rules,
		cfg:     cfg,
		history: engine.NewHistory(Name, cfg.HistoryLimit),
		sleep:   sleepCtx,
		owners:  make(map[string]engine.Owner),
		touched: make(map[string]struct{}),
	}
	a.account = NewCache("account", cfg.AccountTTL, a.fetchAccount)
	a.orders = NewCache("openOrders", cfg.OrdersTTL, a.fetchOrders)
	return a
}

// SetMetrics attaches exchange and cache metrics.
func (a *Adapter) SetMetrics(m *monitor.SystemMetrics) {
	a.metrics = m
	a.account.metrics = m
	a.orders.metrics = m
}

func (a *Adapter) Name() string { return Name }

// History exposes the trade log so sinks can be attached.
func (a *Adapter) History() *engine.History { return a.history }

func (a *Adapter) TradeHistory() []engine.TradeRecord { return a.history.Records() }

func (a *Adapter) fetchAccount(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	info, err := a.ex.GetAccountInfo(ctx)
	a.metrics.ObserveExchange(start, err)
	if err != nil {
		log.Printf("live: account snapshot failed: %v", err)
		return Snapshot{}, err
	}
	return parseSnapshot(info), nil
}

func (a *Adapter) fetchOrders(ctx context.Context) ([]futures_usdt.OpenOrder, error) {
	start := time.Now()
	orders, err := a.ex.GetOpenOrders(ctx, "")
	a.metrics.ObserveExchange(start, err)
	if err != nil {
		log.Printf("live: open orders fetch failed: %v", err)
	}
	return orders, err
}

// Account returns the account snapshot view, fetching when expired.
func (a *Adapter) Account(ctx context.Context, force bool) View[Snapshot] {
	return a.account.Get(ctx, force)
}

// Refresh force-reloads both caches and returns the account fetch error.
func (a *Adapter) Refresh(ctx context.Context) error {
	v := a.account.Get(ctx, true)
	a.orders.Get(ctx, true)
	return v.Err
}

// Observed reports whether an account snapshot has ever been read.
func (a *Adapter) Observed() bool {
	return a.account.Peek().Valid
}

// CacheStatus describes both caches for diagnostics.
type CacheStatus struct {
	AccountValid bool          `json:"account_valid"`
	AccountAge   time.Duration `json:"account_age_ns"`
	AccountError string        `json:"account_error,omitempty"`
	OrdersValid  bool          `json:"orders_valid"`
	OrdersAge    time.Duration `json:"orders_age_ns"`
	OrdersError  string        `json:"orders_error,omitempty"`
}

// Status reports cache ages and last errors without fetching.
func (a *Adapter) Status() CacheStatus {
	acc, ord := a.account.Peek(), a.orders.Peek()
	st := CacheStatus{
		AccountValid: acc.Valid, AccountAge: acc.Age,
		OrdersValid: ord.Valid, OrdersAge: ord.Age,
	}
	if acc.Err != nil {
		st.AccountError = acc.Err.Error()
	}
	if ord.Err != nil {
		st.OrdersError = ord.Err.Error()
	}
	return st
}

// Balance is the available quote balance; the last known value when the
// exchange cannot be read.
func (a *Adapter) Balance(ctx context.Context) float64 {
	v := a.account.Get(ctx, false)
	if !v.Valid {
		return 0
	}
	return v.Value.Available[a.cfg.QuoteAsset]
}

// Equity is the exchange-reported total margin balance. prices is unused.
func (a *Adapter) Equity(ctx context.Context, _ engine.PriceMap) float64 {
	v := a.account.Get(ctx, false)
	if !v.Valid {
		return 0
	}
	return v.Value.TotalMarginBalance
}

// Positions derives open positions from the account snapshot and the open
// orders list. An orders failure reuses the previous orders list.
func (a *Adapter) Positions(ctx context.Context) []engine.Position {
	acc := a.account.Get(ctx, false)
	if !acc.Valid {
		return nil
	}
	ord := a.orders.Get(ctx, false)
	return derivePositions(acc.Value, ord.Value)
}

// CheckTPSL is a no-op: protection lives on the exchange as conditional orders.
func (a *Adapter) CheckTPSL(context.Context, engine.PriceMap) []engine.Notice {
	return nil
}

func (a *Adapter) markOpened(id string, owner engine.Owner) {
	a.localMu.Lock()
	defer a.localMu.Unlock()
	if _, ok := a.owners[id]; !ok {
		a.owners[id] = owner
	}
	a.touched[id] = struct{}{}
}

// markClosed forgets the opener of id and returns it, OwnerUser when unknown.
func (a *Adapter) markClosed(id string) engine.Owner {
	a.localMu.Lock()
	defer a.localMu.Unlock()
	owner, ok := a.owners[id]
	if !ok {
		owner = engine.OwnerUser
	}
	delete(a.owners, id)
	a.touched[id] = struct{}{}
	return owner
}

// TakeLocalChanges returns the IDs of positions opened or closed through this
// adapter since the previous call and clears the set.
func (a *Adapter) TakeLocalChanges() map[string]struct{} {
	a.localMu.Lock()
	defer a.localMu.Unlock()
	out := a.touched
	a.touched = make(map[string]struct{})
	return out
}

// invalidate drops both caches and reloads them so the next read reflects
// the mutation just sent.
func (a *Adapter) invalidate(ctx context.Context) {
	a.account.Invalidate()
	a.orders.Invalidate()
	a.Refresh(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
