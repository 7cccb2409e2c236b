// Package precision resolves per-symbol quantity/price granularity and
// minimum order value, and corrects values to them.
package precision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"perpdesk/pkg/exchanges/binance/futures_usdt"
)

// Fallbacks used when the exchange omits a filter.
const (
	DefaultStepSize    = 0.001
	DefaultTickSize    = 0.01
	DefaultMinNotional = 5.0
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrNotTrading    = errors.New("symbol not trading")
)

// Rule is the precision rule of one symbol.
type Rule struct {
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	StepSize    float64 `json:"stepSize"`
	TickSize    float64 `json:"tickSize"`
	MinNotional float64 `json:"minNotional"`
}

// RoundDown truncates value to a multiple of step. It never rounds up, so
// RoundDown(x, s) <= x, and applying it twice gives the same result.
// A non-positive step leaves the value unchanged.
func RoundDown(value, step float64) float64 {
	return RoundDownDecimal(decimal.NewFromFloat(value), decimal.NewFromFloat(step)).InexactFloat64()
}

// RoundDownDecimal is RoundDown on decimals.
func RoundDownDecimal(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Quantity rounds q down to the step size.
func (r Rule) Quantity(q float64) decimal.Decimal {
	return RoundDownDecimal(decimal.NewFromFloat(q), decimal.NewFromFloat(r.StepSize))
}

// Price rounds p down to the tick size.
func (r Rule) Price(p float64) decimal.Decimal {
	return RoundDownDecimal(decimal.NewFromFloat(p), decimal.NewFromFloat(r.TickSize))
}

// BelowMinNotional reports whether an order value is under the symbol minimum.
func (r Rule) BelowMinNotional(notional float64) bool {
	return notional < r.MinNotional
}

// RuleFromSymbol builds a rule from exchange metadata, falling back to the
// defaults for missing or unparseable filters.
func RuleFromSymbol(s futures_usdt.SymbolInfo) Rule {
	rule := Rule{
		Symbol:      s.Symbol,
		Status:      s.Status,
		StepSize:    DefaultStepSize,
		TickSize:    DefaultTickSize,
		MinNotional: DefaultMinNotional,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if v, ok := positive(f.StepSize); ok {
				rule.StepSize = v
			}
		case "PRICE_FILTER":
			if v, ok := positive(f.TickSize); ok {
				rule.TickSize = v
			}
		case "MIN_NOTIONAL":
			if v, ok := positive(f.Notional); ok {
				rule.MinNotional = v
			}
		}
	}
	return rule
}

func positive(s string) (float64, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	return d.InexactFloat64(), true
}

// InfoSource supplies exchange trading rules.
type InfoSource interface {
	GetExchangeInfo(ctx context.Context) (*futures_usdt.ExchangeInfo, error)
}

// Resolver caches the exchange rules for a validity window. A failed refresh
// keeps serving the previous rules.
type Resolver struct {
	src InfoSource
	ttl time.Duration

	mu        sync.RWMutex
	rules     map[string]Rule
	overrides map[string]Rule
	fetchedAt time.Time

	group singleflight.Group
}

// NewResolver creates a resolver. ttl <= 0 means one hour.
func NewResolver(src InfoSource, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{
		src:       src,
		ttl:       ttl,
		rules:     make(map[string]Rule),
		overrides: make(map[string]Rule),
	}
}

// SetOverride pins a rule for a symbol regardless of exchange metadata.
func (r *Resolver) SetOverride(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule.Symbol = strings.ToUpper(rule.Symbol)
	if rule.Status == "" {
		rule.Status = "TRADING"
	}
	r.overrides[rule.Symbol] = rule
}

// Rule returns the rule for symbol, refreshing exchange metadata when stale.
func (r *Resolver) Rule(ctx context.Context, symbol string) (Rule, error) {
	symbol = strings.ToUpper(symbol)

	r.mu.RLock()
	if rule, ok := r.overrides[symbol]; ok {
		r.mu.RUnlock()
		return rule, nil
	}
	fresh := !r.fetchedAt.IsZero() && time.Since(r.fetchedAt) < r.ttl
	r.mu.RUnlock()

	if !fresh {
		if err := r.Refresh(ctx); err != nil {
			r.mu.RLock()
			empty := len(r.rules) == 0
			r.mu.RUnlock()
			if empty {
				return Rule{}, err
			}
			log.Printf("precision: refresh failed, using cached rules: %v", err)
		}
	}

	r.mu.RLock()
	rule, ok := r.rules[symbol]
	r.mu.RUnlock()
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if rule.Status != "" && rule.Status != "TRADING" {
		return Rule{}, fmt.Errorf("%w: %s is %s", ErrNotTrading, symbol, rule.Status)
	}
	return rule, nil
}

// Refresh reloads exchange metadata. Concurrent calls share one request.
func (r *Resolver) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("exchangeInfo", func() (any, error) {
		info, err := r.src.GetExchangeInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("load exchange info: %w", err)
		}
		rules := make(map[string]Rule, len(info.Symbols))
		for _, s := range info.Symbols {
			rules[strings.ToUpper(s.Symbol)] = RuleFromSymbol(s)
		}
		r.mu.Lock()
		r.rules = rules
		r.fetchedAt = time.Now()
		r.mu.Unlock()
		log.Printf("precision: loaded %d symbol rules", len(rules))
		return nil, nil
	})
	return err
}
