package reconciliation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/pkg/db"
)

type fakeSource struct {
	mu        sync.Mutex
	positions []engine.Position
	err       error
	history   *engine.History
}

func newFakeSource() *fakeSource {
	return &fakeSource{history: engine.NewHistory("live", 0)}
}

func (f *fakeSource) Name() string { return "live" }

func (f *fakeSource) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) Positions(context.Context) []engine.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Position(nil), f.positions...)
}

func (f *fakeSource) History() *engine.History { return f.history }

func (f *fakeSource) set(ps ...engine.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = ps
}

func pos(symbol string, side engine.Side, qty float64) engine.Position {
	return engine.Position{ID: "LIVE-" + symbol + "-" + string(side), Symbol: symbol, Side: side, Quantity: qty, EntryPrice: 100, Leverage: 5, MarginMode: engine.MarginCross, Owner: engine.OwnerExchange}
}

func TestReconcileDiffs(t *testing.T) {
	src := newFakeSource()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(4, events.EventReconciliation)
	defer unsub()
	svc := NewService(src, nil, bus, time.Minute)
	ctx := context.Background()

	src.set(pos("BTCUSDT", engine.SideLong, 0.01), pos("ETHUSDT", engine.SideShort, 1))
	report, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if report.HasDiffs {
		t.Fatalf("first pass only sets the baseline: %+v", report)
	}

	src.set(pos("ETHUSDT", engine.SideShort, 0.5), pos("SOLUSDT", engine.SideLong, 3))
	report, err = svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !report.HasDiffs || len(report.Closed) != 1 || len(report.Detected) != 1 || len(report.Resized) != 1 {
		t.Fatalf("report=%+v", report)
	}
	if report.Closed[0].Symbol != "BTCUSDT" || report.Detected[0].Symbol != "SOLUSDT" || report.Resized[0].Difference != 0.5 {
		t.Fatalf("report=%+v", report)
	}

	var syncs []string
	for _, r := range src.history.Records() {
		if r.Action == engine.ActionSync {
			syncs = append(syncs, r.Detail)
		}
	}
	if len(syncs) != 2 {
		t.Fatalf("sync records=%v", syncs)
	}
	if !strings.Contains(strings.Join(syncs, "|"), "BTCUSDT LONG closed on exchange") {
		t.Fatalf("missing closed line: %v", syncs)
	}

	select {
	case msg := <-ch:
		if r, ok := msg.Payload.(Report); !ok || r.Backend != "live" {
			t.Fatalf("published %T %+v", msg, msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("report not published")
	}
}

func TestReconcileRefreshFailureKeepsBaseline(t *testing.T) {
	src := newFakeSource()
	svc := NewService(src, nil, nil, time.Minute)
	ctx := context.Background()

	src.set(pos("BTCUSDT", engine.SideLong, 0.01))
	if _, err := svc.Reconcile(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	src.mu.Lock()
	src.err = errors.New("418 I'm a teapot")
	src.mu.Unlock()
	src.set()
	if _, err := svc.Reconcile(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if len(src.history.Records()) != 0 {
		t.Fatalf("failed refresh must not record closes")
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.set(pos("BTCUSDT", engine.SideLong, 0.01))
	report, err := svc.Reconcile(ctx)
	if err != nil || report.HasDiffs {
		t.Fatalf("report=%+v err=%v", report, err)
	}
}

func TestReconcileBaselineFromStore(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	src := newFakeSource()
	src.set(pos("BTCUSDT", engine.SideLong, 0.01), pos("ETHUSDT", engine.SideShort, 1))
	first := NewService(src, database, nil, time.Minute)
	if _, err := first.RunOnce(ctx); err != nil {
		t.Fatalf("first: %v", err)
	}

	// a new process sees ETH gone since the last stored pass
	src.set(pos("BTCUSDT", engine.SideLong, 0.01))
	second := NewService(src, database, nil, time.Minute)
	report, err := second.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(report.Closed) != 1 || report.Closed[0].ID != "LIVE-ETHUSDT-SHORT" {
		t.Fatalf("report=%+v", report)
	}

	saved, err := database.ListReconReports(ctx, "live", 10)
	if err != nil || len(saved) != 1 || saved[0].Closed != 1 || saved[0].Detail != "-LIVE-ETHUSDT-SHORT" {
		t.Fatalf("saved=%+v err=%v", saved, err)
	}
	stored, _ := database.ListPositions(ctx, "live")
	if len(stored) != 1 || stored[0].ID != "LIVE-BTCUSDT-LONG" {
		t.Fatalf("stored=%+v", stored)
	}
}
