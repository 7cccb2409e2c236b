package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/pkg/db"
)

type memStore struct {
	mu      sync.Mutex
	rows    []db.TradeRow
	batches int
	err     error
}

func (m *memStore) InsertTradeRecords(_ context.Context, rows []db.TradeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, rows...)
	m.batches++
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func TestJournalFlushOnClose(t *testing.T) {
	store := &memStore{}
	j := NewJournal(store, 100, time.Hour)

	j.RecordTrade(engine.TradeRecord{Time: time.Now(), Backend: "sim", Action: engine.ActionOpen, Symbol: "BTCUSDT", Side: engine.SideLong, Quantity: 1, Price: 100})
	j.RecordTrade(engine.TradeRecord{Time: time.Now(), Backend: "sim", Action: engine.ActionClose, PnL: engine.PnL(5)})
	if j.Pending() != 2 {
		t.Fatalf("pending=%d", j.Pending())
	}
	j.Close()
	j.Close()

	if store.count() != 2 {
		t.Fatalf("rows=%d", store.count())
	}
	if r := store.rows[1]; r.Action != "CLOSE" || r.PnL == nil || *r.PnL != 5 {
		t.Fatalf("row=%+v", r)
	}
	if m := j.GetMetrics(); m.TotalWrites != 2 || m.TotalBatches != 1 || m.LastBatchSize != 2 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestJournalFlushesWhenFull(t *testing.T) {
	store := &memStore{}
	j := NewJournal(store, 3, time.Hour)
	defer j.Close()

	for i := 0; i < 3; i++ {
		j.RecordTrade(engine.TradeRecord{Backend: "sim", Action: engine.ActionOpen})
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("size-triggered flush did not happen, rows=%d", store.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJournalStoreError(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	j := NewJournal(store, 100, time.Hour)
	defer j.Close()

	if err := j.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	j.RecordTrade(engine.TradeRecord{Backend: "live", Action: engine.ActionWarn})
	if err := j.Flush(context.Background()); err == nil {
		t.Fatalf("expected store error")
	}
	if j.GetMetrics().TotalErrors != 1 {
		t.Fatalf("errors not counted")
	}
}

func TestJournalDropsOldestWhenBacklogged(t *testing.T) {
	store := &memStore{}
	j := NewJournal(store, 100, time.Hour)
	j.maxPending = 2

	for _, sym := range []string{"A", "B", "C", "D", "E"} {
		j.RecordTrade(engine.TradeRecord{Backend: "sim", Action: engine.ActionOpen, Symbol: sym})
	}
	if j.Pending() != 2 || j.GetMetrics().Dropped != 3 {
		t.Fatalf("pending=%d dropped=%d", j.Pending(), j.GetMetrics().Dropped)
	}
	j.Close()
	if store.count() != 2 || store.rows[0].Symbol != "D" || store.rows[1].Symbol != "E" {
		t.Fatalf("rows=%+v", store.rows)
	}
}

func TestJournalWithSQLite(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := engine.NewHistory("sim", 10)
	j := NewJournal(database, 10, time.Hour)
	h.AddSink(j)
	h.Append(engine.TradeRecord{Action: engine.ActionOpen, Symbol: "ETHUSDT", Side: engine.SideShort, Quantity: 2, Price: 2000})
	j.Close()

	rows, err := database.ListTradeRecords(context.Background(), "sim", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Symbol != "ETHUSDT" || rows[0].Side != "SHORT" {
		t.Fatalf("rows=%+v", rows)
	}
}
