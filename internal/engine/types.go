package engine

import (
	"fmt"
	"strings"
	"time"

	"perpdesk/pkg/exchanges/common"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT in any case, and BUY/SELL as aliases.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrInvalidRequest, s)
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntrySide is the order side that opens the position.
func (s Side) EntrySide() common.Side {
	if s == SideLong {
		return common.SideBuy
	}
	return common.SideSell
}

// ExitSide is the order side that closes the position.
func (s Side) ExitSide() common.Side {
	return s.EntrySide().Opposite()
}

// PositionSide is the hedge-mode leg for this direction.
func (s Side) PositionSide() common.PositionSide {
	if s == SideLong {
		return common.PositionSideLong
	}
	return common.PositionSideShort
}

// MarginMode is CROSS or ISOLATED.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// ParseMarginMode defaults to CROSS for an empty string.
func ParseMarginMode(s string) (MarginMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CROSS", "CROSSED":
		return MarginCross, nil
	case "ISOLATED":
		return MarginIsolated, nil
	}
	return "", fmt.Errorf("%w: margin mode %q", ErrInvalidRequest, s)
}

// ExchangeMarginType is the value the futures API expects.
func (m MarginMode) ExchangeMarginType() string {
	if m == MarginIsolated {
		return "ISOLATED"
	}
	return "CROSSED"
}

// Owner tags who opened a position.
type Owner string

const (
	OwnerUser     Owner = "user"
	OwnerAI       Owner = "ai"
	OwnerFollow   Owner = "follow"
	OwnerReverse  Owner = "reverse"
	OwnerExchange Owner = "exchange"
)

// Position is an open leveraged exposure on one symbol.
// TakeProfit and StopLoss are zero when unset.
type Position struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	Leverage      int        `json:"leverage"`
	MarginMode    MarginMode `json:"margin_mode"`
	Margin        float64    `json:"margin"`
	TakeProfit    float64    `json:"take_profit,omitempty"`
	StopLoss      float64    `json:"stop_loss,omitempty"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	Owner         Owner      `json:"owner"`
	OpenedAt      time.Time  `json:"opened_at"`
}

// PnLAt is the profit of closing the whole position at price.
func (p Position) PnLAt(price float64) float64 {
	return CalculatePnL(p.Side, p.EntryPrice, price, p.Quantity)
}

// CalculatePnL returns realized PnL for closing qty at exit.
func CalculatePnL(side Side, entry, exit, qty float64) float64 {
	if side == SideShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// OpenRequest asks a backend to open a position worth Notional quote units.
// Price is the current reference price; the live backend fills at market.
type OpenRequest struct {
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Notional   float64    `json:"notional"`
	Price      float64    `json:"price"`
	Leverage   int        `json:"leverage"`
	MarginMode MarginMode `json:"margin_mode"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	Owner      Owner      `json:"owner,omitempty"`
}

// Validate checks fields that do not depend on backend state.
func (r OpenRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	case r.Side != SideLong && r.Side != SideShort:
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, r.Side)
	case r.Notional <= 0:
		return fmt.Errorf("%w: notional must be positive", ErrInvalidRequest)
	case r.Price <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	case r.Leverage < 1:
		return fmt.Errorf("%w: leverage must be at least 1", ErrInvalidRequest)
	case r.TakeProfit < 0 || r.StopLoss < 0:
		return fmt.Errorf("%w: negative TP/SL", ErrInvalidRequest)
	}
	return nil
}

// CloseRequest closes a whole position. The simulated backend needs PositionID
// and Price. The live backend takes either PositionID or Symbol+Side+Quantity.
type CloseRequest struct {
	PositionID string  `json:"position_id,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Side       Side    `json:"side,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	Price      float64 `json:"price"`
}

// Result is the outcome of an engine command. Message is always renderable.
// Err is nil on full success; a partial success has Success set and Err
// wrapping ErrPartialBracketFailure.
type Result struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	Code     string    `json:"code,omitempty"`
	Err      error     `json:"-"`
	Position *Position `json:"position,omitempty"`
	PnL      float64   `json:"pnl,omitempty"`
}

// Ok builds a successful result.
func Ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

// Fail builds a failed result.
func Fail(err error, msg string) Result {
	return Result{Success: false, Message: msg, Err: err, Code: ErrorCode(err)}
}

// PriceMap maps symbol to latest price.
type PriceMap map[string]float64

// Trigger names which protective level fired.
type Trigger string

const (
	TriggerTakeProfit Trigger = "TP"
	TriggerStopLoss   Trigger = "SL"
)

// Notice reports a position closed by a TP/SL check.
type Notice struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Trigger    Trigger `json:"trigger"`
	Price      float64 `json:"price"`
	PnL        float64 `json:"pnl"`
	Message    string  `json:"message"`
}

func (n Notice) String() string { return n.Message }
