package events

import "perpdesk/internal/engine"

// TradeSink publishes every appended trade record on the bus.
type TradeSink struct {
	Bus *Bus
}

func (s TradeSink) RecordTrade(r engine.TradeRecord) {
	if s.Bus != nil {
		s.Bus.Publish(EventTradeRecord, r)
	}
}
