package engine

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrPositionNotFound      = errors.New("position not found")
	ErrUnknownSymbol         = errors.New("unknown symbol")
	ErrBelowMinNotional      = errors.New("below minimum notional")
	ErrQuantityTooSmall      = errors.New("quantity too small")
	ErrExchangeUnavailable   = errors.New("exchange unavailable")
	ErrPartialBracketFailure = errors.New("partial bracket failure")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, "INVALID_REQUEST"},
	{ErrInsufficientMargin, "INSUFFICIENT_MARGIN"},
	{ErrPositionNotFound, "POSITION_NOT_FOUND"},
	{ErrUnknownSymbol, "UNKNOWN_SYMBOL"},
	{ErrBelowMinNotional, "BELOW_MIN_NOTIONAL"},
	{ErrQuantityTooSmall, "QUANTITY_TOO_SMALL"},
	{ErrExchangeUnavailable, "EXCHANGE_UNAVAILABLE"},
	{ErrPartialBracketFailure, "PARTIAL_BRACKET"},
}

// ErrorCode maps an error to a stable API code. Unknown errors map to "INTERNAL".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
