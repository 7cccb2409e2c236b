package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/command"
	"perpdesk/internal/engine"
	"perpdesk/pkg/i18n"
)

var (
	ErrThrottled   = errors.New("auto trade throttled")
	ErrHasPosition = errors.New("position already open on symbol")
	ErrNotObserved = errors.New("account positions not observed yet")
)

// observer is implemented by backends whose positions come from a remote
// snapshot that may not have been read yet.
type observer interface {
	Observed() bool
}

// AutoTrader opens ai-owned positions from decisions. At most one trade per
// symbol per Interval is attempted, and never while the backend already
// holds a position on the symbol.
type AutoTrader struct {
	Engine   engine.Engine
	Executor *command.Executor
	Interval time.Duration
	Style    Style

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewAutoTrader creates a trader with a 30s per-symbol throttle when interval is zero.
func NewAutoTrader(e engine.Engine, exec *command.Executor, interval time.Duration, style Style) *AutoTrader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if style == "" {
		style = StyleConservative
	}
	return &AutoTrader{Engine: e, Executor: exec, Interval: interval, Style: style, last: make(map[string]time.Time), now: time.Now}
}

// Handle checks the guards and submits the open. Guard failures return an
// error wrapping ErrHold, ErrThrottled, ErrHasPosition or ErrNotObserved and
// a nil future.
func (a *AutoTrader) Handle(ctx context.Context, d Decision, p Params) (*command.Future[engine.Result], error) {
	msg := i18n.M()
	symbol := strings.ToUpper(p.Symbol)
	if d.Action == ActionHold {
		log.Printf("🤖 %s", fmt.Sprintf(msg.SignalHold, symbol))
		return nil, ErrHold
	}

	if o, ok := a.Engine.(observer); ok && !o.Observed() {
		text := fmt.Sprintf(msg.SignalNoAccount, symbol)
		log.Printf("🤖 %s", text)
		return nil, fmt.Errorf("%w: %s", ErrNotObserved, text)
	}
	for _, pos := range a.Engine.Positions(ctx) {
		if pos.Symbol == symbol {
			text := fmt.Sprintf(msg.SignalHasPosition, symbol)
			log.Printf("🤖 %s", text)
			return nil, fmt.Errorf("%w: %s", ErrHasPosition, text)
		}
	}

	a.mu.Lock()
	now := a.now()
	if last, ok := a.last[symbol]; ok && now.Sub(last) < a.Interval {
		a.mu.Unlock()
		text := fmt.Sprintf(msg.SignalThrottled, symbol, now.Sub(last).Round(time.Second))
		log.Printf("🤖 %s", text)
		return nil, fmt.Errorf("%w: %s", ErrThrottled, text)
	}
	a.last[symbol] = now
	a.mu.Unlock()

	if p.Style == "" {
		p.Style = a.Style
	}
	req, err := Follow(d, p)
	if err != nil {
		return nil, err
	}
	req.Owner = engine.OwnerAI

	return command.Submit(ctx, a.Executor, "auto-open "+symbol, func(ctx context.Context) (engine.Result, error) {
		res := a.Engine.OpenPosition(ctx, req)
		if !res.Success {
			return res, res.Err
		}
		return res, nil
	}), nil
}
