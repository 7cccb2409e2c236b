package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpdesk/internal/engine"
	"perpdesk/pkg/exchanges/common"
	"perpdesk/pkg/i18n"
	"perpdesk/pkg/precision"
)

// OpenPosition sends a market entry sized notional/price, rounded down to the
// symbol step, and then the TP/SL bracket. Leverage, margin type and position
// mode reads are best-effort. A failed bracket leg does not undo the entry.
func (a *Adapter) OpenPosition(ctx context.Context, req engine.OpenRequest) engine.Result {
	msg := i18n.M()
	if err := req.Validate(); err != nil {
		return engine.Fail(err, fmt.Sprintf(msg.InvalidRequest, err))
	}
	symbol := strings.ToUpper(req.Symbol)
	owner := req.Owner
	if owner == "" {
		owner = engine.OwnerUser
	}
	mode := req.MarginMode
	if mode == "" {
		mode = engine.MarginCross
	}

	rule, res, ok := a.resolveRule(ctx, symbol)
	if !ok {
		return res
	}
	if rule.BelowMinNotional(req.Notional) {
		err := fmt.Errorf("%w: %s notional %v < %v", engine.ErrBelowMinNotional, symbol, req.Notional, rule.MinNotional)
		return engine.Fail(err, fmt.Sprintf(msg.BelowMinNotional, req.Notional, rule.MinNotional, symbol))
	}
	rawQty := decimal.NewFromFloat(req.Notional).Div(decimal.NewFromFloat(req.Price))
	qty := precision.RoundDownDecimal(rawQty, decimal.NewFromFloat(rule.StepSize))
	if !qty.IsPositive() {
		err := fmt.Errorf("%w: %s qty %s with step %v", engine.ErrQuantityTooSmall, symbol, rawQty.String(), rule.StepSize)
		return engine.Fail(err, fmt.Sprintf(msg.QuantityTooSmall, symbol, rule.StepSize))
	}

	if err := a.call(func() error { return a.ex.SetLeverage(ctx, symbol, req.Leverage) }); err != nil {
		a.warn(owner, symbol, req.Side, fmt.Sprintf(msg.LeverageFailed, symbol, err))
	}
	if err := a.call(func() error { return a.ex.SetMarginType(ctx, symbol, mode.ExchangeMarginType()) }); err != nil {
		a.warn(owner, symbol, req.Side, fmt.Sprintf(msg.MarginTypeFailed, symbol, err))
	}
	hedge := a.positionMode(ctx, owner, symbol, req.Side)

	entry := common.MarketOrder{
		Symbol:   symbol,
		Side:     req.Side.EntrySide(),
		Quantity: qty.String(),
		ClientID: clientOrderID(),
	}
	if hedge {
		entry.PositionSide = req.Side.PositionSide()
	}
	var ack common.OrderResult
	err := a.call(func() error {
		var err error
		ack, err = a.ex.SubmitOrder(ctx, entry)
		return err
	})
	if err != nil {
		a.invalidate(ctx)
		text := fmt.Sprintf(msg.ExchangeFailed, err)
		a.history.Append(engine.TradeRecord{Action: engine.ActionWarn, Owner: owner, Symbol: symbol, Side: req.Side, Detail: text})
		return engine.Fail(fmt.Errorf("%w: %v", engine.ErrExchangeUnavailable, err), text)
	}

	a.markOpened(PositionID(symbol, req.Side), owner)
	qtyF := qty.InexactFloat64()
	text := fmt.Sprintf(msg.EntrySubmitted, symbol, req.Side, qty.String())
	a.history.Append(engine.TradeRecord{
		Action: engine.ActionOpen, Owner: owner, Symbol: symbol, Side: req.Side,
		Price: req.Price, Quantity: qtyF, Detail: text + " #" + ack.ExchangeOrderID,
	})
	log.Printf("✅ live: %s order=%s status=%s", text, ack.ExchangeOrderID, ack.Status)

	pos := engine.Position{
		ID:         PositionID(symbol, req.Side),
		Symbol:     symbol,
		Side:       req.Side,
		Quantity:   qtyF,
		EntryPrice: req.Price,
		Leverage:   req.Leverage,
		MarginMode: mode,
		Margin:     qtyF * req.Price / float64(req.Leverage),
		Owner:      owner,
		OpenedAt:   time.Now(),
	}
	result := engine.Result{Success: true, Message: text, Position: &pos}

	if req.TakeProfit > 0 || req.StopLoss > 0 {
		tp, sl, failures := a.placeBracket(ctx, rule, owner, symbol, req.Side, req.TakeProfit, req.StopLoss, hedge)
		pos.TakeProfit, pos.StopLoss = tp, sl
		if len(failures) > 0 {
			detail := strings.Join(failures, "; ")
			result.Message = text + "; " + fmt.Sprintf(msg.PartialBracket, detail)
			result.Err = fmt.Errorf("%w: %s", engine.ErrPartialBracketFailure, detail)
			result.Code = engine.ErrorCode(result.Err)
		}
	}

	a.invalidate(ctx)
	return result
}

// placeBracket waits for the entry to settle, then submits the TP and SL legs.
// It returns the submitted levels and a message per failed leg.
func (a *Adapter) placeBracket(ctx context.Context, rule precision.Rule, owner engine.Owner, symbol string, side engine.Side, tp, sl float64, hedge bool) (float64, float64, []string) {
	msg := i18n.M()
	if err := a.sleep(ctx, a.cfg.SettleDelay); err != nil {
		return 0, 0, []string{fmt.Sprintf(msg.BracketFailed, "TP/SL", symbol, err)}
	}

	tp, sl, swapped := engine.NormalizeBracket(side, tp, sl)
	if swapped {
		a.warn(owner, symbol, side, fmt.Sprintf(msg.BracketSwapped, symbol, side, fmtFloat(tp), fmtFloat(sl)))
	}

	ps := common.PositionSideNone
	if hedge {
		ps = side.PositionSide()
	}
	exit := side.ExitSide()

	var failures []string
	var placedTP, placedSL float64
	if tp > 0 {
		price := rule.Price(tp)
		order := common.TakeProfitOrder{
			Symbol: symbol, Side: exit, StopPrice: price.String(), PositionSide: ps,
			WorkingType: common.WorkingMarkPrice, PriceProtect: true, ClientID: clientOrderID(),
		}
		if err := a.submitLeg(ctx, "TP", owner, symbol, side, price, order); err != nil {
			failures = append(failures, fmt.Sprintf(msg.BracketFailed, "TP", symbol, err))
		} else {
			placedTP = price.InexactFloat64()
		}
	}
	if sl > 0 {
		if tp > 0 {
			if err := a.sleep(ctx, a.cfg.BracketGap); err != nil {
				return placedTP, 0, append(failures, fmt.Sprintf(msg.BracketFailed, "SL", symbol, err))
			}
		}
		price := rule.Price(sl)
		order := common.StopOrder{
			Symbol: symbol, Side: exit, StopPrice: price.String(), PositionSide: ps,
			WorkingType: common.WorkingMarkPrice, PriceProtect: true, ClientID: clientOrderID(),
		}
		if err := a.submitLeg(ctx, "SL", owner, symbol, side, price, order); err != nil {
			failures = append(failures, fmt.Sprintf(msg.BracketFailed, "SL", symbol, err))
		} else {
			placedSL = price.InexactFloat64()
		}
	}
	return placedTP, placedSL, failures
}

// submitLeg sends one protective order with up to BracketRetries retries and
// records the outcome.
func (a *Adapter) submitLeg(ctx context.Context, leg string, owner engine.Owner, symbol string, side engine.Side, price decimal.Decimal, order common.OrderRequest) error {
	msg := i18n.M()
	if !price.IsPositive() {
		err := fmt.Errorf("%w: %s price rounds to zero", engine.ErrInvalidRequest, leg)
		a.warn(owner, symbol, side, fmt.Sprintf(msg.BracketFailed, leg, symbol, err))
		return err
	}

	var err error
	for attempt := 0; attempt <= a.cfg.BracketRetries; attempt++ {
		if attempt > 0 {
			if serr := a.sleep(ctx, a.cfg.BracketGap); serr != nil {
				err = serr
				break
			}
			log.Printf("⚠️ live: retrying %s for %s (attempt %d): %v", leg, symbol, attempt+1, err)
		}
		err = a.call(func() error {
			_, err := a.ex.SubmitOrder(ctx, order)
			return err
		})
		if err == nil {
			a.history.Append(engine.TradeRecord{
				Action: engine.ActionBracket, Owner: owner, Symbol: symbol, Side: side,
				Price: price.InexactFloat64(), Detail: fmt.Sprintf(msg.BracketPlaced, leg, symbol, price.String()),
			})
			return nil
		}
	}
	a.warn(owner, symbol, side, fmt.Sprintf(msg.BracketFailed, leg, symbol, err))
	return err
}

// ClosePosition sends an opposite-side market order for the whole quantity.
// req may name the position by ID; Symbol, Side and Quantity are then filled
// from the current positions.
func (a *Adapter) ClosePosition(ctx context.Context, req engine.CloseRequest) engine.Result {
	msg := i18n.M()

	if req.PositionID != "" && (req.Symbol == "" || req.Side == "" || req.Quantity <= 0) {
		found := false
		for _, p := range a.Positions(ctx) {
			if p.ID == req.PositionID {
				req.Symbol, req.Side, req.Quantity = p.Symbol, p.Side, p.Quantity
				found = true
				break
			}
		}
		if !found {
			err := fmt.Errorf("%w: %s", engine.ErrPositionNotFound, req.PositionID)
			return engine.Fail(err, fmt.Sprintf(msg.PositionNotFound, req.PositionID))
		}
	}
	symbol := strings.ToUpper(req.Symbol)
	if symbol == "" || (req.Side != engine.SideLong && req.Side != engine.SideShort) || req.Quantity <= 0 {
		err := fmt.Errorf("%w: symbol, side and quantity required", engine.ErrInvalidRequest)
		return engine.Fail(err, fmt.Sprintf(msg.InvalidRequest, err))
	}

	qty := decimal.NewFromFloat(req.Quantity)
	if rule, err := a.rules.Rule(ctx, symbol); err == nil {
		if rounded := precision.RoundDownDecimal(qty, decimal.NewFromFloat(rule.StepSize)); rounded.IsPositive() {
			qty = rounded
		}
	}

	hedge := a.positionMode(ctx, engine.OwnerUser, symbol, req.Side)
	order := common.MarketOrder{
		Symbol:   symbol,
		Side:     req.Side.ExitSide(),
		Quantity: qty.String(),
		ClientID: clientOrderID(),
	}
	if hedge {
		order.PositionSide = req.Side.PositionSide()
	} else {
		order.ReduceOnly = true
	}

	var ack common.OrderResult
	err := a.call(func() error {
		var err error
		ack, err = a.ex.SubmitOrder(ctx, order)
		return err
	})
	if err != nil {
		a.invalidate(ctx)
		text := fmt.Sprintf(msg.ExchangeFailed, err)
		a.history.Append(engine.TradeRecord{Action: engine.ActionWarn, Owner: engine.OwnerUser, Symbol: symbol, Side: req.Side, Detail: text})
		return engine.Fail(fmt.Errorf("%w: %v", engine.ErrExchangeUnavailable, err), text)
	}

	owner := a.markClosed(PositionID(symbol, req.Side))
	text := fmt.Sprintf(msg.CloseSubmitted, symbol, req.Side, qty.String())
	a.history.Append(engine.TradeRecord{
		Action: engine.ActionClose, Owner: owner, Symbol: symbol, Side: req.Side,
		Price: req.Price, Quantity: qty.InexactFloat64(), Detail: text + " #" + ack.ExchangeOrderID,
	})
	log.Printf("✅ live: %s order=%s", text, ack.ExchangeOrderID)

	a.invalidate(ctx)
	return engine.Result{Success: true, Message: text}
}

// resolveRule maps precision failures to engine errors.
func (a *Adapter) resolveRule(ctx context.Context, symbol string) (precision.Rule, engine.Result, bool) {
	msg := i18n.M()
	rule, err := a.rules.Rule(ctx, symbol)
	if err == nil {
		return rule, engine.Result{}, true
	}
	if errors.Is(err, precision.ErrUnknownSymbol) || errors.Is(err, precision.ErrNotTrading) {
		return rule, engine.Fail(fmt.Errorf("%w: %v", engine.ErrUnknownSymbol, err), fmt.Sprintf(msg.UnknownSymbol, symbol)), false
	}
	return rule, engine.Fail(fmt.Errorf("%w: %v", engine.ErrExchangeUnavailable, err), fmt.Sprintf(msg.ExchangeFailed, err)), false
}

// positionMode reads hedge mode; a failure is recorded and treated as one-way.
func (a *Adapter) positionMode(ctx context.Context, owner engine.Owner, symbol string, side engine.Side) bool {
	var hedge bool
	err := a.call(func() error {
		var err error
		hedge, err = a.ex.GetPositionMode(ctx)
		return err
	})
	if err != nil {
		a.warn(owner, symbol, side, fmt.Sprintf(i18n.M().PositionModeFailed, err))
		return false
	}
	return hedge
}

func (a *Adapter) warn(owner engine.Owner, symbol string, side engine.Side, text string) {
	log.Printf("⚠️ live: %s", text)
	a.history.Append(engine.TradeRecord{Action: engine.ActionWarn, Owner: owner, Symbol: symbol, Side: side, Detail: text})
}

// call times one exchange request.
func (a *Adapter) call(fn func() error) error {
	start := time.Now()
	err := fn()
	a.metrics.ObserveExchange(start, err)
	return err
}

func clientOrderID() string {
	return "pd" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func fmtFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}
