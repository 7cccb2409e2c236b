package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/events"
)

type chanSink struct {
	out chan string
}

func (c *chanSink) Send(m string) error {
	c.out <- m
	return nil
}

func TestMonitorForwardsAlerts(t *testing.T) {
	bus := events.NewBus()
	sink := &chanSink{out: make(chan string, 4)}
	m := &Monitor{Bus: bus, Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventTradeRecord, engine.TradeRecord{Action: engine.ActionOpen, Detail: "ignored"})
	bus.Publish(events.EventTradeRecord, engine.TradeRecord{Action: engine.ActionWarn, Detail: "leverage failed"})
	bus.Publish(events.EventTPSLTriggered, engine.Notice{Message: "Take profit hit"})

	want := map[string]bool{"leverage failed": false, "Take profit hit": false}
	deadline := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case got := <-sink.out:
			for k := range want {
				if strings.Contains(got, k) {
					want[k] = true
				}
			}
			if strings.Contains(got, "ignored") {
				t.Fatalf("non-warning record forwarded: %s", got)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for alerts: %v", want)
		}
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("alert %q not delivered", k)
		}
	}
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 10} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 1 || s.Max != 10 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *SystemMetrics
	m.ObserveExchange(time.Now(), nil)
	m.CacheHit()
	m.CacheRefresh(nil)
	m.ObserveCommand(time.Millisecond, true)

	real := NewSystemMetrics()
	real.ObserveExchange(time.Now(), context.Canceled)
	real.CacheRefresh(context.Canceled)
	real.AddTPSLTriggered(2)
	snap := real.GetSnapshot()
	if snap.ExchangeErrors != 1 || snap.CacheErrors != 1 || snap.TPSLTriggered != 2 || snap.ExchangeLatency.Count != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
