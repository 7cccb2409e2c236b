package monitor

import (
	"context"
	"log"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/events"
)

// Monitor turns TP/SL closes and warning records into alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(200, events.EventTPSLTriggered, events.EventTradeRecord)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if rec, isRec := msg.Payload.(engine.TradeRecord); isRec && rec.Action != engine.ActionWarn {
					continue
				}
				m.send(msg.Payload)
			}
		}
	}()
}

func (m *Monitor) send(msg any) {
	if err := m.Sink.Send(formatAlert(msg)); err != nil {
		log.Printf("alert delivery failed: %v", err)
	}
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case engine.Notice:
		return t.Message
	case engine.TradeRecord:
		return t.String()
	default:
		return "alert triggered"
	}
}
