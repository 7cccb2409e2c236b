package engine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Action classifies a trade record.
type Action string

const (
	ActionOpen    Action = "OPEN"
	ActionClose   Action = "CLOSE"
	ActionOrder   Action = "ORDER"
	ActionBracket Action = "BRACKET"
	ActionWarn    Action = "WARN"
	ActionSync    Action = "SYNC"
)

// TradeRecord is one immutable line of trade history.
type TradeRecord struct {
	Time     time.Time `json:"time"`
	Backend  string    `json:"backend"`
	Action   Action    `json:"action"`
	Owner    Owner     `json:"owner,omitempty"`
	Symbol   string    `json:"symbol,omitempty"`
	Side     Side      `json:"side,omitempty"`
	Price    float64   `json:"price,omitempty"`
	Quantity float64   `json:"quantity,omitempty"`
	PnL      *float64  `json:"pnl,omitempty"`
	Detail   string    `json:"detail"`
}

// String renders the record as a single human-readable line.
func (r TradeRecord) String() string {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, " [%s] %s", strings.ToUpper(r.Backend), r.Action)
	if r.Owner != "" {
		fmt.Fprintf(&b, " (%s)", r.Owner)
	}
	if r.Symbol != "" {
		fmt.Fprintf(&b, " %s", r.Symbol)
	}
	if r.Side != "" {
		fmt.Fprintf(&b, " %s", r.Side)
	}
	if r.Quantity > 0 {
		b.WriteString(" qty=" + strconv.FormatFloat(r.Quantity, 'f', -1, 64))
	}
	if r.Price > 0 {
		b.WriteString(" @ " + strconv.FormatFloat(r.Price, 'f', -1, 64))
	}
	if r.PnL != nil {
		fmt.Fprintf(&b, " pnl=%.2f", *r.PnL)
	}
	if r.Detail != "" {
		b.WriteString(" | " + r.Detail)
	}
	return b.String()
}

// RecordSink receives every appended record, e.g. the event bus or a journal.
type RecordSink interface {
	RecordTrade(TradeRecord)
}

// History is an append-only, most-recent-last trade log. A positive limit
// keeps only the newest records in memory; sinks still see every record.
type History struct {
	backend string
	limit   int

	mu      sync.RWMutex
	records []TradeRecord
	sinks   []RecordSink
}

// NewHistory creates a log for a backend.
func NewHistory(backend string, limit int) *History {
	return &History{backend: backend, limit: limit}
}

// AddSink registers a sink for future records.
func (h *History) AddSink(s RecordSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Append stamps and stores a record.
func (h *History) Append(r TradeRecord) TradeRecord {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	if r.Backend == "" {
		r.Backend = h.backend
	}

	h.mu.Lock()
	h.records = append(h.records, r)
	if h.limit > 0 && len(h.records) > h.limit {
		h.records = h.records[len(h.records)-h.limit:]
	}
	sinks := h.sinks
	h.mu.Unlock()

	for _, s := range sinks {
		s.RecordTrade(r)
	}
	return r
}

// Records returns a copy of the log.
func (h *History) Records() []TradeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TradeRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Lines renders the log.
func (h *History) Lines() []string {
	recs := h.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String()
	}
	return out
}

// PnL is a helper for building records with a realized PnL.
func PnL(v float64) *float64 { return &v }
