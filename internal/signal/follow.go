package signal

import (
	"strings"

	"perpdesk/internal/engine"
)

// Params are the operator's inputs for acting on a decision. Zero TakeProfit
// or StopLoss means "use the advice".
type Params struct {
	Symbol     string            `json:"symbol"`
	Price      float64           `json:"price"`
	Notional   float64           `json:"notional"`
	Leverage   int               `json:"leverage"`
	MarginMode engine.MarginMode `json:"margin_mode"`
	Style      Style             `json:"style"`
	TakeProfit float64           `json:"take_profit"`
	StopLoss   float64           `json:"stop_loss"`
}

// Follow opens in the advised direction. Each manual level overrides the
// advised one on its own.
func Follow(d Decision, p Params) (engine.OpenRequest, error) {
	side, err := d.Side()
	if err != nil {
		return engine.OpenRequest{}, err
	}
	tp, sl := d.Bracket(p.Style)
	if p.TakeProfit > 0 {
		tp = p.TakeProfit
	}
	if p.StopLoss > 0 {
		sl = p.StopLoss
	}
	return request(d, p, side, tp, sl, engine.OwnerFollow), nil
}

// Reverse opens against the advice. Without manual levels the advised stop
// becomes the take profit and the advised target becomes the stop.
func Reverse(d Decision, p Params) (engine.OpenRequest, error) {
	side, err := d.Side()
	if err != nil {
		return engine.OpenRequest{}, err
	}
	tp, sl := p.TakeProfit, p.StopLoss
	if tp == 0 && sl == 0 {
		advTP, advSL := d.Bracket(p.Style)
		tp, sl = advSL, advTP
	}
	return request(d, p, side.Opposite(), tp, sl, engine.OwnerReverse), nil
}

func request(d Decision, p Params, side engine.Side, tp, sl float64, owner engine.Owner) engine.OpenRequest {
	lev := p.Leverage
	if lev < 1 {
		lev = d.Leverage
	}
	if lev < 1 {
		lev = 1
	}
	mode := p.MarginMode
	if mode == "" {
		mode = d.MarginMode
	}
	if mode == "" {
		mode = engine.MarginCross
	}
	return engine.OpenRequest{
		Symbol:     strings.ToUpper(p.Symbol),
		Side:       side,
		Notional:   p.Notional,
		Price:      p.Price,
		Leverage:   lev,
		MarginMode: mode,
		TakeProfit: tp,
		StopLoss:   sl,
		Owner:      owner,
	}
}
