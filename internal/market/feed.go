// Package market keeps the price cache current and drives TP/SL checks.
package market

import (
	"context"
	"log"
	"strings"
	"time"

	"perpdesk/internal/events"
	"perpdesk/internal/monitor"
	"perpdesk/pkg/cache"
	"perpdesk/pkg/i18n"
)

// TickerSource returns the latest price of every listed symbol.
type TickerSource interface {
	GetTickerPrices(ctx context.Context) (map[string]float64, error)
}

// Feed polls exchange tickers into the price cache and publishes each tick.
type Feed struct {
	Source   TickerSource
	Prices   *cache.PriceCache
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Symbols  []string // empty means every symbol the source returns
	Interval time.Duration
}

// Start begins polling for configured symbols.
func (f *Feed) Start(ctx context.Context) {
	if f.Source == nil || f.Prices == nil {
		log.Println("market feed not fully configured; skipping start")
		return
	}
	if f.Interval <= 0 {
		f.Interval = 2 * time.Second
	}

	go func() {
		if err := f.Poll(ctx); err != nil {
			log.Printf("market feed: initial poll error: %v", err)
		}
		ticker := time.NewTicker(f.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Poll(ctx); err != nil {
					log.Printf("market feed: poll error: %v", err)
				}
			}
		}
	}()
	log.Printf("📈 %s (%d symbols, every %v)", i18n.M().TickerFeedStarted, len(f.Symbols), f.Interval)
}

// Poll fetches one round of prices and returns how many were stored.
func (f *Feed) Poll(ctx context.Context) error {
	start := time.Now()
	prices, err := f.Source.GetTickerPrices(ctx)
	f.Metrics.ObserveExchange(start, err)
	if err != nil {
		return err
	}
	now := time.Now()
	if len(f.Symbols) == 0 {
		for sym, p := range prices {
			f.store(sym, p, now)
		}
		return nil
	}
	for _, sym := range f.Symbols {
		sym = strings.ToUpper(sym)
		if p, ok := prices[sym]; ok {
			f.store(sym, p, now)
		}
	}
	return nil
}

func (f *Feed) store(symbol string, price float64, at time.Time) {
	if !f.Prices.Set(symbol, price, at) {
		return
	}
	f.Metrics.IncrementTicks()
	if f.Bus != nil {
		f.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: symbol, Price: price, Time: at.UnixMilli()})
	}
}
