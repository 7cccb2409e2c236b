// Package persistence journals trade records to SQLite in batches.
package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"perpdesk/internal/engine"
	"perpdesk/internal/monitor"
	"perpdesk/pkg/db"
)

// Store is the part of the database the journal writes to.
type Store interface {
	InsertTradeRecords(ctx context.Context, rows []db.TradeRow) error
}

// Journal batches trade records and writes them in one transaction per flush.
// RecordTrade never blocks on the database; when the buffer is full the
// oldest pending record is dropped and counted.
type Journal struct {
	store       Store
	buffer      []db.TradeRow
	mu          sync.Mutex
	maxSize     int
	maxPending  int
	flushIntval time.Duration
	kick        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     JournalMetrics
	system      *monitor.SystemMetrics
}

// JournalMetrics provides statistics about batch operations.
type JournalMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Dropped       uint64    `json:"dropped"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

var _ engine.RecordSink = (*Journal)(nil)

// NewJournal creates a journal.
// maxSize: records before an early flush
// interval: time-based flush interval
func NewJournal(store Store, maxSize int, interval time.Duration) *Journal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	j := &Journal{
		store:       store,
		buffer:      make([]db.TradeRow, 0, maxSize),
		maxSize:     maxSize,
		maxPending:  maxSize * 20,
		flushIntval: interval,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	j.wg.Add(1)
	go j.backgroundFlush()

	return j
}

// SetMetrics records write latency into m.DBLatency.
func (j *Journal) SetMetrics(m *monitor.SystemMetrics) {
	j.mu.Lock()
	j.system = m
	j.mu.Unlock()
}

// RecordTrade queues one record.
func (j *Journal) RecordTrade(r engine.TradeRecord) {
	row := db.TradeRow{
		Time:    r.Time,
		Backend: r.Backend,
		Action:  string(r.Action),
		Owner:   string(r.Owner),
		Symbol:  r.Symbol,
		Side:    string(r.Side),
		Price:   r.Price,
		Qty:     r.Quantity,
		PnL:     r.PnL,
		Detail:  r.Detail,
	}

	j.mu.Lock()
	if len(j.buffer) >= j.maxPending {
		j.buffer = j.buffer[1:]
		atomic.AddUint64(&j.metrics.Dropped, 1)
	}
	j.buffer = append(j.buffer, row)
	shouldFlush := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if shouldFlush {
		select {
		case j.kick <- struct{}{}:
		default:
		}
	}
}

// Flush immediately writes all buffered records.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	rows := j.buffer
	j.buffer = make([]db.TradeRow, 0, j.maxSize)
	sys := j.system
	j.mu.Unlock()

	atomic.AddUint64(&j.metrics.TotalWrites, uint64(len(rows)))
	atomic.AddUint64(&j.metrics.TotalBatches, 1)

	start := time.Now()
	err := j.store.InsertTradeRecords(ctx, rows)
	sys.ObserveDB(start)
	if err != nil {
		atomic.AddUint64(&j.metrics.TotalErrors, 1)
		log.Printf("❌ Journal: batch of %d failed: %v", len(rows), err)
		return err
	}

	j.mu.Lock()
	j.metrics.LastBatchSize = len(rows)
	j.metrics.LastFlushTime = time.Now()
	j.mu.Unlock()
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (j *Journal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-j.kick:
		case <-j.done:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := j.Flush(ctx); err != nil {
				log.Printf("⚠️ Journal: final flush error: %v", err)
			}
			cancel()
			return
		}
		if err := j.Flush(context.Background()); err != nil {
			log.Printf("⚠️ Journal: background flush error: %v", err)
		}
	}
}

// Pending returns the number of unwritten records.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// GetMetrics returns the current journal metrics.
func (j *Journal) GetMetrics() JournalMetrics {
	j.mu.Lock()
	size, at := j.metrics.LastBatchSize, j.metrics.LastFlushTime
	j.mu.Unlock()
	return JournalMetrics{
		TotalWrites:   atomic.LoadUint64(&j.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&j.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&j.metrics.TotalErrors),
		Dropped:       atomic.LoadUint64(&j.metrics.Dropped),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is pending and stops the background writer.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()
	return nil
}
