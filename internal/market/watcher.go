package market

import (
	"context"
	"log"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/internal/monitor"
	"perpdesk/pkg/cache"
	"perpdesk/pkg/i18n"
)

// Watcher periodically runs CheckTPSL on each engine with the cached prices.
type Watcher struct {
	Engines  []engine.Engine
	Prices   *cache.PriceCache
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Interval time.Duration
	MaxAge   time.Duration // prices older than this are not used
}

func (w *Watcher) Start(ctx context.Context) {
	if w.Prices == nil || len(w.Engines) == 0 {
		log.Println("tp/sl watcher not fully configured; skipping")
		return
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	go func() {
		t := time.NewTicker(w.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.CheckOnce(ctx)
			}
		}
	}()
	log.Printf("🎯 %s (every %v)", i18n.M().WatcherStarted, w.Interval)
}

// CheckOnce evaluates TP/SL on every engine and publishes the notices.
func (w *Watcher) CheckOnce(ctx context.Context) []engine.Notice {
	prices := engine.PriceMap(w.Prices.Snapshot(w.MaxAge))
	if len(prices) == 0 {
		return nil
	}
	var all []engine.Notice
	for _, e := range w.Engines {
		notices := e.CheckTPSL(ctx, prices)
		for _, n := range notices {
			if w.Bus != nil {
				w.Bus.Publish(events.EventTPSLTriggered, n)
			}
		}
		all = append(all, notices...)
	}
	if len(all) > 0 {
		w.Metrics.AddTPSLTriggered(len(all))
	}
	return all
}
