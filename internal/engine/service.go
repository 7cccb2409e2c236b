// Package engine defines the backend-agnostic trading contract shared by the
// simulated ledger and the live exchange adapter. Callers hold an Engine
// handle and never branch on which backend is behind it.
package engine

import "context"

// Engine is a trading backend.
type Engine interface {
	// Name identifies the backend, e.g. "sim" or "live".
	Name() string

	// Balance is the free quote balance. It never fails; backends that read
	// remote state fall back to the last known value.
	Balance(ctx context.Context) float64
	// Equity is balance plus margin and unrealized PnL of open positions.
	Equity(ctx context.Context, prices PriceMap) float64
	Positions(ctx context.Context) []Position

	OpenPosition(ctx context.Context, req OpenRequest) Result
	ClosePosition(ctx context.Context, req CloseRequest) Result
	// CheckTPSL closes positions whose TP or SL is crossed by prices.
	// Backends with exchange-side protection return nil.
	CheckTPSL(ctx context.Context, prices PriceMap) []Notice

	TradeHistory() []TradeRecord
}

// Registry resolves backends by name. It is built once at startup and passed
// to whatever needs to select a backend.
type Registry struct {
	order    []string
	backends map[string]Engine
}

// NewRegistry registers the given backends in order.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{backends: make(map[string]Engine)}
	for _, e := range engines {
		if e == nil {
			continue
		}
		if _, dup := r.backends[e.Name()]; !dup {
			r.order = append(r.order, e.Name())
		}
		r.backends[e.Name()] = e
	}
	return r
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Engine, bool) {
	e, ok := r.backends[name]
	return e, ok
}

// Names lists registered backends in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
