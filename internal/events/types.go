package events

// Event enumerates high-level topics inside the trading engine.
type Event string

const (
	// EventPriceTick carries a PriceTick.
	EventPriceTick Event = "price_tick"
	// EventTradeRecord carries an engine.TradeRecord appended by any backend.
	EventTradeRecord Event = "trade.record"
	// EventTPSLTriggered carries an engine.Notice.
	EventTPSLTriggered Event = "tpsl.triggered"
	// EventReconciliation carries a reconciliation report.
	EventReconciliation Event = "reconciliation"
	// EventCommandResult carries a command.ExecutionResult.
	EventCommandResult Event = "command.result"
)

// PriceTick is one price update.
type PriceTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"`
}
