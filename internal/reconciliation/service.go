// Package reconciliation compares the live position set between passes and
// records positions that appeared, vanished or changed size outside this process.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/pkg/db"
	"perpdesk/pkg/i18n"
)

// Source is a backend whose positions can be force-refreshed.
type Source interface {
	Name() string
	Refresh(ctx context.Context) error
	Positions(ctx context.Context) []engine.Position
	History() *engine.History
}

// localChanges is implemented by sources that know which positions this
// process opened or closed itself.
type localChanges interface {
	TakeLocalChanges() map[string]struct{}
}

// Store persists reports and the last seen position set.
type Store interface {
	SaveReconReport(ctx context.Context, r db.ReconReport) (int64, error)
	ReplacePositions(ctx context.Context, backend string, rows []db.PositionRow) error
	ListPositions(ctx context.Context, backend string) ([]db.PositionRow, error)
}

// Service handles periodic reconciliation
type Service struct {
	source   Source
	store    Store
	bus      *events.Bus
	interval time.Duration

	mu     sync.Mutex
	known  map[string]engine.Position
	local  map[string]struct{} // own changes not yet covered by a successful pass
	primed bool
}

// Report contains reconciliation results
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Backend   string            `json:"backend"`
	Closed    []engine.Position `json:"closed,omitempty"`
	Detected  []engine.Position `json:"detected,omitempty"`
	Resized   []PositionDiff    `json:"resized,omitempty"`
	HasDiffs  bool              `json:"has_diffs"`
}

// PositionDiff represents a size change of a known position.
type PositionDiff struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Difference  float64 `json:"difference"`
}

// NewService creates a service. store and bus may be nil.
func NewService(source Source, store Store, bus *events.Bus, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		source:   source,
		store:    store,
		bus:      bus,
		interval: interval,
		known:    make(map[string]engine.Position),
		local:    make(map[string]struct{}),
	}
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("❌ Reconciliation error: %v", err)
					continue
				}
				s.handleReport(ctx, report)

			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("✓ %s (interval: %v)", i18n.M().ReconStarted, s.interval)
}

// Reconcile refreshes the source and diffs its positions against the
// previous pass. Positions the source reports as opened or closed by this
// process are left out of the diff. The first pass only establishes the
// baseline, taken from the store when one is attached. A failed refresh
// reports nothing: a stale position set cannot tell a closed position from an
// unreadable one.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backend := s.source.Name()
	report := &Report{Timestamp: time.Now(), Backend: backend}

	// Drained before the refresh so every change it reflects is already marked.
	if lc, ok := s.source.(localChanges); ok {
		for id := range lc.TakeLocalChanges() {
			s.local[id] = struct{}{}
		}
	}
	if err := s.source.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", backend, err)
	}
	current := make(map[string]engine.Position)
	for _, p := range s.source.Positions(ctx) {
		current[p.ID] = p
	}

	if !s.primed {
		s.primed = true
		if !s.loadBaseline(ctx, backend) {
			s.known = current
			s.local = make(map[string]struct{})
			return report, nil
		}
	}

	msg := i18n.M()
	hist := s.source.History()
	for id, old := range s.known {
		if _, ok := current[id]; ok {
			continue
		}
		if _, own := s.local[id]; own {
			continue
		}
		report.Closed = append(report.Closed, old)
		hist.Append(engine.TradeRecord{
			Action: engine.ActionSync, Owner: old.Owner, Symbol: old.Symbol, Side: old.Side,
			Quantity: old.Quantity, Detail: fmt.Sprintf(msg.ClosedOnExchange, old.Symbol, old.Side),
		})
	}
	for id, cur := range current {
		if _, own := s.local[id]; own {
			continue
		}
		old, ok := s.known[id]
		if !ok {
			report.Detected = append(report.Detected, cur)
			hist.Append(engine.TradeRecord{
				Action: engine.ActionSync, Owner: cur.Owner, Symbol: cur.Symbol, Side: cur.Side,
				Price: cur.EntryPrice, Quantity: cur.Quantity,
				Detail: fmt.Sprintf(msg.DetectedOnExchange, cur.Symbol, cur.Side, strconv.FormatFloat(cur.Quantity, 'f', -1, 64)),
			})
			continue
		}
		if math.Abs(old.Quantity-cur.Quantity) > 1e-9 {
			report.Resized = append(report.Resized, PositionDiff{
				ID:          id,
				Symbol:      cur.Symbol,
				LocalQty:    old.Quantity,
				ExchangeQty: cur.Quantity,
				Difference:  old.Quantity - cur.Quantity,
			})
		}
	}
	report.HasDiffs = len(report.Closed)+len(report.Detected)+len(report.Resized) > 0
	s.known = current
	s.local = make(map[string]struct{})
	return report, nil
}

func (s *Service) loadBaseline(ctx context.Context, backend string) bool {
	if s.store == nil {
		return false
	}
	rows, err := s.store.ListPositions(ctx, backend)
	if err != nil {
		log.Printf("⚠️ Reconciliation: load baseline: %v", err)
		return false
	}
	for _, r := range rows {
		s.known[r.ID] = engine.Position{
			ID: r.ID, Symbol: r.Symbol, Side: engine.Side(r.Side), Quantity: r.Qty,
			EntryPrice: r.EntryPrice, Leverage: r.Leverage, MarginMode: engine.MarginMode(r.MarginMode),
			TakeProfit: r.TakeProfit, StopLoss: r.StopLoss, Owner: engine.OwnerExchange,
		}
	}
	return len(rows) > 0
}

// handleReport logs, publishes and persists one report.
func (s *Service) handleReport(ctx context.Context, report *Report) {
	if report.HasDiffs {
		log.Printf("⚠️ Reconciliation - %s position differences detected:", report.Backend)
		for _, p := range report.Closed {
			log.Printf("  %s: closed outside this process (qty %.4f)", p.ID, p.Quantity)
		}
		for _, p := range report.Detected {
			log.Printf("  %s: opened outside this process (qty %.4f)", p.ID, p.Quantity)
		}
		for _, d := range report.Resized {
			log.Printf("  %s: Local=%.4f, Exchange=%.4f, Diff=%.4f", d.ID, d.LocalQty, d.ExchangeQty, d.Difference)
		}
		if s.bus != nil {
			s.bus.Publish(events.EventReconciliation, *report)
		}
	}
	s.saveReport(ctx, report)
}

// saveReport stores the report when it has differences and always refreshes
// the stored position set, so a restart compares against the latest pass.
func (s *Service) saveReport(ctx context.Context, report *Report) {
	if s.store == nil {
		return
	}
	if report.HasDiffs {
		var ids []string
		for _, p := range report.Closed {
			ids = append(ids, "-"+p.ID)
		}
		for _, p := range report.Detected {
			ids = append(ids, "+"+p.ID)
		}
		for _, d := range report.Resized {
			ids = append(ids, "~"+d.ID)
		}
		if _, err := s.store.SaveReconReport(ctx, db.ReconReport{
			Time:     report.Timestamp,
			Backend:  report.Backend,
			Detected: len(report.Detected),
			Closed:   len(report.Closed),
			Resized:  len(report.Resized),
			Detail:   strings.Join(ids, " "),
		}); err != nil {
			log.Printf("❌ Reconciliation: save report: %v", err)
		}
	}

	s.mu.Lock()
	rows := make([]db.PositionRow, 0, len(s.known))
	for _, p := range s.known {
		rows = append(rows, db.PositionRow{
			Backend: report.Backend, ID: p.ID, Symbol: p.Symbol, Side: string(p.Side),
			Qty: p.Quantity, EntryPrice: p.EntryPrice, Leverage: p.Leverage, MarginMode: string(p.MarginMode),
			TakeProfit: p.TakeProfit, StopLoss: p.StopLoss,
		})
	}
	s.mu.Unlock()
	if err := s.store.ReplacePositions(ctx, report.Backend, rows); err != nil {
		log.Printf("❌ Reconciliation: save positions: %v", err)
	}
}

// RunOnce reconciles and handles the report, for callers outside the ticker.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	report, err := s.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	s.handleReport(ctx, report)
	return report, nil
}
