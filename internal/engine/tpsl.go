package engine

// NormalizeBracket orders TP and SL so that a LONG has tp > sl and a SHORT has
// tp < sl. Inverted pairs are swapped. Brackets with a missing leg are left as is.
func NormalizeBracket(side Side, tp, sl float64) (float64, float64, bool) {
	if tp <= 0 || sl <= 0 {
		return tp, sl, false
	}
	if (side == SideLong && tp < sl) || (side == SideShort && tp > sl) {
		return sl, tp, true
	}
	return tp, sl, false
}

// TakeProfitHit reports whether price reached the take-profit level.
func TakeProfitHit(side Side, tp, price float64) bool {
	if tp <= 0 {
		return false
	}
	if side == SideLong {
		return price >= tp
	}
	return price <= tp
}

// StopLossHit reports whether price reached the stop-loss level.
func StopLossHit(side Side, sl, price float64) bool {
	if sl <= 0 {
		return false
	}
	if side == SideLong {
		return price <= sl
	}
	return price >= sl
}

// Triggered evaluates a position against price. Take profit wins when both fire.
func Triggered(p Position, price float64) (Trigger, bool) {
	if TakeProfitHit(p.Side, p.TakeProfit, price) {
		return TriggerTakeProfit, true
	}
	if StopLossHit(p.Side, p.StopLoss, price) {
		return TriggerStopLoss, true
	}
	return "", false
}
