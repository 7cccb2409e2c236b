package futures_usdt

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// AccountInfo is the /fapi/v2/account payload.
type AccountInfo struct {
	CanTrade              bool              `json:"canTrade"`
	UpdateTime            int64             `json:"updateTime"`
	TotalWalletBalance    string            `json:"totalWalletBalance"`
	TotalUnrealizedProfit string            `json:"totalUnrealizedProfit"`
	TotalMarginBalance    string            `json:"totalMarginBalance"`
	AvailableBalance      string            `json:"availableBalance"`
	Assets                []AccountAsset    `json:"assets"`
	Positions             []AccountPosition `json:"positions"`
}

type AccountAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	MarginBalance    string `json:"marginBalance"`
	AvailableBalance string `json:"availableBalance"`
}

// AccountPosition is one entry of the account positions list. The list also
// carries flat (zero amount) symbols.
type AccountPosition struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	InitialMargin    string `json:"initialMargin"`
	Leverage         string `json:"leverage"`
	Isolated         bool   `json:"isolated"`
	UpdateTime       int64  `json:"updateTime"`
}

type OpenOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	Status        string `json:"status"`
	PositionSide  string `json:"positionSide"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	WorkingType   string `json:"workingType"`
}

// ExchangeInfo is the subset of /fapi/v1/exchangeInfo used for precision rules.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	QuoteAsset        string         `json:"quoteAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// SymbolFilter keeps only the fields of the filters we read.
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}
