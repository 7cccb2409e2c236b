package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for an order placed on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the futures order types this module sends.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
)

// PositionSide is the hedge-mode leg an order applies to. Empty means one-way mode.
type PositionSide string

const (
	PositionSideNone  PositionSide = ""
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// WorkingType selects the price that triggers a conditional order.
type WorkingType string

const (
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest is one of MarketOrder, TakeProfitOrder or StopOrder.
// The set is closed: only this package can add variants.
type OrderRequest interface {
	OrderSymbol() string
	OrderType() OrderType
	OrderSide() Side
	isOrderRequest()
}

// MarketOrder opens or reduces a position at market.
// ReduceOnly is only meaningful in one-way mode; hedge mode uses PositionSide instead.
type MarketOrder struct {
	Symbol       string
	Side         Side
	Quantity     string // already rounded to the symbol step
	PositionSide PositionSide
	ReduceOnly   bool
	ClientID     string
}

// TakeProfitOrder closes the whole position when StopPrice is reached.
type TakeProfitOrder struct {
	Symbol       string
	Side         Side
	StopPrice    string // already rounded to the symbol tick
	PositionSide PositionSide
	WorkingType  WorkingType
	PriceProtect bool
	ClientID     string
}

// StopOrder closes the whole position when StopPrice is reached.
type StopOrder struct {
	Symbol       string
	Side         Side
	StopPrice    string
	PositionSide PositionSide
	WorkingType  WorkingType
	PriceProtect bool
	ClientID     string
}

func (o MarketOrder) OrderSymbol() string  { return o.Symbol }
func (o MarketOrder) OrderType() OrderType { return OrderTypeMarket }
func (o MarketOrder) OrderSide() Side      { return o.Side }
func (MarketOrder) isOrderRequest()        {}

func (o TakeProfitOrder) OrderSymbol() string  { return o.Symbol }
func (o TakeProfitOrder) OrderType() OrderType { return OrderTypeTakeProfitMarket }
func (o TakeProfitOrder) OrderSide() Side      { return o.Side }
func (TakeProfitOrder) isOrderRequest()        {}

func (o StopOrder) OrderSymbol() string  { return o.Symbol }
func (o StopOrder) OrderType() OrderType { return OrderTypeStopMarket }
func (o StopOrder) OrderSide() Side      { return o.Side }
func (StopOrder) isOrderRequest()        {}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}
