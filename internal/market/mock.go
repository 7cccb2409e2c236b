package market

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	"perpdesk/internal/events"
	"perpdesk/internal/monitor"
	"perpdesk/pkg/cache"
	"perpdesk/pkg/i18n"
)

// MockFeed generates synthetic ticks for local development.
type MockFeed struct {
	Prices      *cache.PriceCache
	Bus         *events.Bus
	Metrics     *monitor.SystemMetrics
	Symbols     []string
	StartPrices map[string]float64 // per symbol; missing symbols start at 100
	StepPct     float64            // max relative move per tick
	Interval    time.Duration

	rng  *rand.Rand
	last map[string]float64
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Prices == nil {
		log.Println("mock feed: price cache not set")
		return
	}
	m.init()

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Step()
			}
		}
	}()
	log.Printf("🧪 %s (%v)", i18n.M().MockFeedStarted, m.Symbols)
}

func (m *MockFeed) init() {
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.StepPct == 0 {
		m.StepPct = 0.002
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if m.last == nil {
		m.last = make(map[string]float64, len(m.Symbols))
		for _, sym := range m.Symbols {
			sym = strings.ToUpper(sym)
			p := m.StartPrices[sym]
			if p <= 0 {
				p = 100
			}
			m.last[sym] = p
		}
	}
}

// Step advances every symbol by one random-walk move. Not safe for
// concurrent use; Start calls it from a single goroutine.
func (m *MockFeed) Step() {
	m.init()
	now := time.Now()
	for sym, price := range m.last {
		price *= 1 + (m.rng.Float64()*2-1)*m.StepPct
		if price <= 0 {
			continue
		}
		m.last[sym] = price
		m.Prices.Set(sym, price, now)
		m.Metrics.IncrementTicks()
		if m.Bus != nil {
			m.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: sym, Price: price, Time: now.UnixMilli()})
		}
	}
}
