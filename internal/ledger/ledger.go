// Package ledger is the simulated trading backend: an in-memory account with
// margin accounting and local TP/SL evaluation.
package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpdesk/internal/engine"
	"perpdesk/pkg/i18n"
)

// Name is the backend name of the simulated ledger.
const Name = "sim"

type simPosition struct {
	pos    engine.Position
	qty    decimal.Decimal
	entry  decimal.Decimal
	margin decimal.Decimal
}

// Ledger is the simulated account. Every public method holds mu for its
// whole duration, so margin checks and debits can never interleave.
type Ledger struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*simPosition
	order     []string // open position IDs, oldest first

	history *engine.History
}

// New creates a ledger funded with initialBalance.
func New(initialBalance float64) *Ledger {
	log.Printf("💰 "+i18n.M().SimInitialized, initialBalance)
	return &Ledger{
		balance:   decimal.NewFromFloat(initialBalance),
		positions: make(map[string]*simPosition),
		history:   engine.NewHistory(Name, 0),
	}
}

var _ engine.Engine = (*Ledger)(nil)

func (l *Ledger) Name() string { return Name }

// History exposes the trade log so sinks can be attached.
func (l *Ledger) History() *engine.History { return l.history }

func (l *Ledger) Balance(context.Context) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance.InexactFloat64()
}

// Equity adds margin and unrealized PnL of positions that have a price in prices.
func (l *Ledger) Equity(_ context.Context, prices engine.PriceMap) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	equity := l.balance
	for _, id := range l.order {
		sp := l.positions[id]
		price, ok := prices[sp.pos.Symbol]
		if !ok {
			continue
		}
		equity = equity.Add(sp.margin).Add(pnl(sp, decimal.NewFromFloat(price)))
	}
	return equity.InexactFloat64()
}

func (l *Ledger) Positions(context.Context) []engine.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]engine.Position, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.positions[id].pos)
	}
	return out
}

func (l *Ledger) TradeHistory() []engine.TradeRecord {
	return l.history.Records()
}

// OpenPosition reserves notional/leverage of margin and opens at req.Price.
// A take-profit and stop-loss given on the wrong sides of the entry are
// swapped rather than rejected, and the swap is recorded as a WARN entry.
// The live adapter applies the same rule to exchange brackets.
func (l *Ledger) OpenPosition(_ context.Context, req engine.OpenRequest) engine.Result {
	msg := i18n.M()
	if err := req.Validate(); err != nil {
		return engine.Fail(err, fmt.Sprintf(msg.InvalidRequest, err))
	}
	symbol := strings.ToUpper(req.Symbol)
	mode := req.MarginMode
	if mode == "" {
		mode = engine.MarginCross
	}
	owner := req.Owner
	if owner == "" {
		owner = engine.OwnerUser
	}

	notional := decimal.NewFromFloat(req.Notional)
	price := decimal.NewFromFloat(req.Price)
	margin := notional.Div(decimal.NewFromInt(int64(req.Leverage)))
	qty := notional.Div(price)

	l.mu.Lock()
	defer l.mu.Unlock()

	if margin.GreaterThan(l.balance) {
		err := fmt.Errorf("%w: need %s, available %s", engine.ErrInsufficientMargin, margin.StringFixed(2), l.balance.StringFixed(2))
		return engine.Fail(err, fmt.Sprintf(msg.InsufficientMargin, margin.InexactFloat64(), l.balance.InexactFloat64()))
	}

	tp, sl, swapped := engine.NormalizeBracket(req.Side, req.TakeProfit, req.StopLoss)
	if swapped {
		l.history.Append(engine.TradeRecord{
			Action: engine.ActionWarn, Owner: owner, Symbol: symbol, Side: req.Side,
			Detail: fmt.Sprintf(msg.BracketSwapped, symbol, req.Side, fmtFloat(tp), fmtFloat(sl)),
		})
	}

	l.balance = l.balance.Sub(margin)
	sp := &simPosition{
		pos: engine.Position{
			ID:         l.newID(),
			Symbol:     symbol,
			Side:       req.Side,
			Quantity:   qty.InexactFloat64(),
			EntryPrice: req.Price,
			Leverage:   req.Leverage,
			MarginMode: mode,
			Margin:     margin.InexactFloat64(),
			TakeProfit: tp,
			StopLoss:   sl,
			Owner:      owner,
			OpenedAt:   time.Now(),
		},
		qty:    qty,
		entry:  price,
		margin: margin,
	}
	l.positions[sp.pos.ID] = sp
	l.order = append(l.order, sp.pos.ID)

	text := fmt.Sprintf(msg.PositionOpened, symbol, req.Side, qty.Round(8).String(), price.String(), sp.pos.Margin, req.Leverage)
	l.history.Append(engine.TradeRecord{
		Action: engine.ActionOpen, Owner: owner, Symbol: symbol, Side: req.Side,
		Price: req.Price, Quantity: sp.pos.Quantity, Detail: text,
	})
	log.Printf("SIM: %s id=%s balance=%s", text, sp.pos.ID, l.balance.StringFixed(2))

	pos := sp.pos
	return engine.Result{Success: true, Message: text, Position: &pos}
}

// ClosePosition closes req.PositionID at req.Price and releases margin plus PnL.
func (l *Ledger) ClosePosition(_ context.Context, req engine.CloseRequest) engine.Result {
	msg := i18n.M()
	if req.Price <= 0 {
		err := fmt.Errorf("%w: close price must be positive", engine.ErrInvalidRequest)
		return engine.Fail(err, fmt.Sprintf(msg.InvalidRequest, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sp, ok := l.positions[req.PositionID]
	if !ok {
		err := fmt.Errorf("%w: %s", engine.ErrPositionNotFound, req.PositionID)
		return engine.Fail(err, fmt.Sprintf(msg.PositionNotFound, req.PositionID))
	}
	realized := l.closeLocked(sp, decimal.NewFromFloat(req.Price))
	text := fmt.Sprintf(msg.PositionClosed, sp.pos.Symbol, sp.pos.Side, fmtFloat(req.Price), realized)
	l.history.Append(engine.TradeRecord{
		Action: engine.ActionClose, Owner: sp.pos.Owner, Symbol: sp.pos.Symbol, Side: sp.pos.Side,
		Price: req.Price, Quantity: sp.pos.Quantity, PnL: engine.PnL(realized), Detail: text,
	})
	log.Printf("SIM: %s id=%s balance=%s", text, sp.pos.ID, l.balance.StringFixed(2))

	pos := sp.pos
	return engine.Result{Success: true, Message: text, Position: &pos, PnL: realized}
}

// CheckTPSL closes every position whose TP or SL is crossed. Each position is
// evaluated once per call.
func (l *Ledger) CheckTPSL(_ context.Context, prices engine.PriceMap) []engine.Notice {
	msg := i18n.M()

	l.mu.Lock()
	defer l.mu.Unlock()

	var notices []engine.Notice
	ids := append([]string(nil), l.order...)
	for _, id := range ids {
		sp := l.positions[id]
		price, ok := prices[sp.pos.Symbol]
		if !ok || price <= 0 {
			continue
		}
		trigger, hit := engine.Triggered(sp.pos, price)
		if !hit {
			continue
		}
		realized := l.closeLocked(sp, decimal.NewFromFloat(price))
		format := msg.TakeProfitHit
		if trigger == engine.TriggerStopLoss {
			format = msg.StopLossHit
		}
		text := fmt.Sprintf(format, sp.pos.Symbol, sp.pos.Side, fmtFloat(price), realized)
		l.history.Append(engine.TradeRecord{
			Action: engine.ActionClose, Owner: sp.pos.Owner, Symbol: sp.pos.Symbol, Side: sp.pos.Side,
			Price: price, Quantity: sp.pos.Quantity, PnL: engine.PnL(realized), Detail: text,
		})
		log.Printf("🎯 SIM: %s id=%s", text, id)
		notices = append(notices, engine.Notice{
			PositionID: id, Symbol: sp.pos.Symbol, Side: sp.pos.Side, Trigger: trigger,
			Price: price, PnL: realized, Message: text,
		})
	}
	return notices
}

// closeLocked removes sp and credits margin plus PnL. Caller holds mu.
func (l *Ledger) closeLocked(sp *simPosition, price decimal.Decimal) float64 {
	realized := pnl(sp, price)
	l.balance = l.balance.Add(sp.margin).Add(realized)
	delete(l.positions, sp.pos.ID)
	for i, id := range l.order {
		if id == sp.pos.ID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return realized.InexactFloat64()
}

func pnl(sp *simPosition, price decimal.Decimal) decimal.Decimal {
	if sp.pos.Side == engine.SideShort {
		return sp.entry.Sub(price).Mul(sp.qty)
	}
	return price.Sub(sp.entry).Mul(sp.qty)
}

// newID returns a short id unique among open positions. Caller holds mu.
func (l *Ledger) newID() string {
	for {
		id := strings.ToUpper(uuid.NewString()[:8])
		if _, taken := l.positions[id]; !taken {
			return id
		}
	}
}

func fmtFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}
