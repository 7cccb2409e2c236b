// Package signal turns advisory decision text into open requests: follow the
// advice, trade against it, or let the auto trader act on it.
package signal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"perpdesk/internal/engine"
)

var (
	ErrMalformedDecision = errors.New("malformed decision")
	ErrHold              = errors.New("decision is HOLD")
)

// Action is the advised direction.
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionHold  Action = "HOLD"
)

// Style selects which advised bracket is used.
type Style string

const (
	StyleConservative Style = "conservative"
	StyleAggressive   Style = "aggressive"
)

// ParseStyle accepts conservative/aggressive and the CONS/AGGR short forms.
// Empty means conservative.
func ParseStyle(s string) (Style, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CONSERVATIVE", "CONS":
		return StyleConservative, nil
	case "AGGRESSIVE", "AGGR":
		return StyleAggressive, nil
	}
	return "", fmt.Errorf("%w: style %q", engine.ErrInvalidRequest, s)
}

// Decision is one parsed advice. Zero prices and leverage mean NONE.
type Decision struct {
	Action         Action            `json:"action"`
	TPConservative float64           `json:"tp_cons,omitempty"`
	SLConservative float64           `json:"sl_cons,omitempty"`
	TPAggressive   float64           `json:"tp_aggr,omitempty"`
	SLAggressive   float64           `json:"sl_aggr,omitempty"`
	Leverage       int               `json:"leverage,omitempty"`
	MarginMode     engine.MarginMode `json:"margin_mode,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// Parse reads "ACTION:LONG, TP_CONS:110, SL_CONS:95, TP_AGGR:NONE, ...,
// REASON:text". Keys are case-insensitive and may come in any order; unknown
// keys are ignored. REASON runs to the end of the text and may contain
// commas. A missing ACTION reads as HOLD.
func Parse(text string) (Decision, error) {
	d := Decision{Action: ActionHold}
	body := text
	if i := strings.Index(strings.ToUpper(text), "REASON:"); i >= 0 {
		d.Reason = strings.TrimSpace(text[i+len("REASON:"):])
		body = text[:i]
	}

	for _, part := range strings.Split(body, ",") {
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		var err error
		switch key {
		case "ACTION":
			switch a := Action(strings.ToUpper(val)); a {
			case ActionLong, ActionShort, ActionHold:
				d.Action = a
			default:
				return Decision{}, fmt.Errorf("%w: action %q", ErrMalformedDecision, val)
			}
		case "TP_CONS":
			d.TPConservative, err = parsePrice(key, val)
		case "SL_CONS":
			d.SLConservative, err = parsePrice(key, val)
		case "TP_AGGR":
			d.TPAggressive, err = parsePrice(key, val)
		case "SL_AGGR":
			d.SLAggressive, err = parsePrice(key, val)
		case "LEVERAGE":
			if !isNone(val) {
				d.Leverage, err = strconv.Atoi(val)
				if err != nil || d.Leverage < 1 {
					err = fmt.Errorf("%w: leverage %q", ErrMalformedDecision, val)
				}
			}
		case "MARGIN_MODE":
			d.MarginMode, err = parseMarginMode(val)
		}
		if err != nil {
			return Decision{}, err
		}
	}
	return d, nil
}

func isNone(v string) bool {
	return v == "" || strings.EqualFold(v, "NONE")
}

func parsePrice(key, v string) (float64, error) {
	if isNone(v) {
		return 0, nil
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil || p < 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedDecision, key, v)
	}
	return p, nil
}

func parseMarginMode(v string) (engine.MarginMode, error) {
	switch v {
	case "全仓", "全倉":
		return engine.MarginCross, nil
	case "逐仓", "逐倉":
		return engine.MarginIsolated, nil
	}
	if isNone(v) {
		return "", nil
	}
	m, err := engine.ParseMarginMode(v)
	if err != nil {
		return "", fmt.Errorf("%w: margin mode %q", ErrMalformedDecision, v)
	}
	return m, nil
}

// Bracket returns the advised TP/SL for style.
func (d Decision) Bracket(style Style) (tp, sl float64) {
	if style == StyleAggressive {
		return d.TPAggressive, d.SLAggressive
	}
	return d.TPConservative, d.SLConservative
}

// Side is the advised side; HOLD has none.
func (d Decision) Side() (engine.Side, error) {
	switch d.Action {
	case ActionLong:
		return engine.SideLong, nil
	case ActionShort:
		return engine.SideShort, nil
	}
	return "", ErrHold
}
