package live

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/pkg/exchanges/binance/futures_usdt"
)

// Snapshot is one parsed account read. It is never mutated after parsing.
type Snapshot struct {
	FetchedAt          time.Time
	TotalMarginBalance float64
	Available          map[string]float64 // asset -> available balance
	Positions          []ExchangePosition // non-zero positions only
}

// ExchangePosition is a non-flat position as reported by the exchange.
type ExchangePosition struct {
	Symbol        string
	Amount        float64 // signed
	EntryPrice    float64
	Leverage      int
	Isolated      bool
	PositionSide  string
	InitialMargin float64
	Unrealized    float64
}

func parseSnapshot(info *futures_usdt.AccountInfo) Snapshot {
	snap := Snapshot{
		FetchedAt:          time.Now(),
		TotalMarginBalance: parseFloat(info.TotalMarginBalance),
		Available:          make(map[string]float64, len(info.Assets)),
	}
	for _, a := range info.Assets {
		snap.Available[strings.ToUpper(a.Asset)] = parseFloat(a.AvailableBalance)
	}
	for _, p := range info.Positions {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		snap.Positions = append(snap.Positions, ExchangePosition{
			Symbol:        p.Symbol,
			Amount:        amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			Leverage:      lev,
			Isolated:      p.Isolated,
			PositionSide:  strings.ToUpper(p.PositionSide),
			InitialMargin: parseFloat(p.InitialMargin),
			Unrealized:    parseFloat(p.UnrealizedProfit),
		})
	}
	return snap
}

// Side is LONG/SHORT from the hedge-mode position side, or from the sign of
// the amount in one-way mode.
func (p ExchangePosition) Side() engine.Side {
	switch p.PositionSide {
	case "LONG":
		return engine.SideLong
	case "SHORT":
		return engine.SideShort
	}
	if p.Amount < 0 {
		return engine.SideShort
	}
	return engine.SideLong
}

// PositionID is the stable id of a live position.
func PositionID(symbol string, side engine.Side) string {
	return fmt.Sprintf("LIVE-%s-%s", symbol, side)
}

// derivePositions maps exchange positions to engine positions, annotating
// TP/SL from resting conditional orders on the same symbol and position side.
func derivePositions(snap Snapshot, orders []futures_usdt.OpenOrder) []engine.Position {
	out := make([]engine.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		side := p.Side()
		qty := math.Abs(p.Amount)
		lev := p.Leverage
		if lev < 1 {
			lev = 1
		}
		margin := p.InitialMargin
		if margin == 0 {
			margin = qty * p.EntryPrice / float64(lev)
		}
		mode := engine.MarginCross
		if p.Isolated {
			mode = engine.MarginIsolated
		}
		tp, sl := bracketFromOrders(p, orders)
		out = append(out, engine.Position{
			ID:            PositionID(p.Symbol, side),
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    p.EntryPrice,
			Leverage:      lev,
			MarginMode:    mode,
			Margin:        margin,
			TakeProfit:    tp,
			StopLoss:      sl,
			UnrealizedPnL: p.Unrealized,
			Owner:         engine.OwnerExchange,
			OpenedAt:      snap.FetchedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func bracketFromOrders(p ExchangePosition, orders []futures_usdt.OpenOrder) (tp, sl float64) {
	ps := p.PositionSide
	if ps == "" {
		ps = "BOTH"
	}
	for _, o := range orders {
		if o.Symbol != p.Symbol {
			continue
		}
		ops := strings.ToUpper(o.PositionSide)
		if ops == "" {
			ops = "BOTH"
		}
		if ops != ps {
			continue
		}
		stop := parseFloat(o.StopPrice)
		if stop <= 0 {
			continue
		}
		typ := strings.ToUpper(o.Type)
		switch {
		case strings.Contains(typ, "TAKE_PROFIT"):
			tp = stop
		case strings.Contains(typ, "STOP"):
			sl = stop
		}
	}
	return tp, sl
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
