package futures_usdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"perpdesk/pkg/exchanges/common"
)

// ErrMissingCredentials is returned by signed endpoints when no key pair is configured.
var ErrMissingCredentials = errors.New("binance usdt futures: API key/secret required")

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the production/testnet host
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, 20, 40) // 2400 weight/min for futures
	return c
}

// TimeSync exposes the server clock tracker so callers can Start it.
func (c *Client) TimeSync() *common.TimeSync { return c.timeSync }

// HasCredentials reports whether signed endpoints can be called.
func (c *Client) HasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// SubmitOrder places a market entry/exit or a close-position conditional order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if !c.HasCredentials() {
		return common.OrderResult{}, ErrMissingCredentials
	}
	params, err := orderParams(req)
	if err != nil {
		return common.OrderResult{}, err
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}, nil
}

func orderParams(req common.OrderRequest) (url.Values, error) {
	params := url.Values{}
	params.Set("symbol", req.OrderSymbol())
	params.Set("side", string(req.OrderSide()))
	params.Set("type", string(req.OrderType()))

	switch o := req.(type) {
	case common.MarketOrder:
		if o.Quantity == "" {
			return nil, errors.New("market order: quantity required")
		}
		params.Set("quantity", o.Quantity)
		setPositionSide(params, o.PositionSide)
		// reduceOnly is rejected by the exchange in hedge mode
		if o.ReduceOnly && o.PositionSide == common.PositionSideNone {
			params.Set("reduceOnly", "true")
		}
		setClientID(params, o.ClientID)
	case common.TakeProfitOrder:
		setConditional(params, o.StopPrice, o.PositionSide, o.WorkingType, o.PriceProtect)
		setClientID(params, o.ClientID)
	case common.StopOrder:
		setConditional(params, o.StopPrice, o.PositionSide, o.WorkingType, o.PriceProtect)
		setClientID(params, o.ClientID)
	default:
		return nil, fmt.Errorf("unsupported order request %T", req)
	}
	return params, nil
}

func setConditional(params url.Values, stopPrice string, ps common.PositionSide, wt common.WorkingType, protect bool) {
	params.Set("stopPrice", stopPrice)
	params.Set("closePosition", "true")
	if wt != "" {
		params.Set("workingType", string(wt))
	}
	if protect {
		params.Set("priceProtect", "TRUE")
	}
	setPositionSide(params, ps)
}

func setPositionSide(params url.Values, ps common.PositionSide) {
	if ps != common.PositionSideNone {
		params.Set("positionSide", string(ps))
	}
}

func setClientID(params url.Values, id string) {
	if id != "" {
		params.Set("newClientOrderId", id)
	}
}

// GetAccountInfo returns futures account balances, totals and positions.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// GetPositionMode reports whether the account is in hedge (dual side) mode.
func (c *Client) GetPositionMode(ctx context.Context) (bool, error) {
	if !c.HasCredentials() {
		return false, ErrMissingCredentials
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", url.Values{})
	if err != nil {
		return false, err
	}
	var out struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode position mode: %w", err)
	}
	return out.DualSidePosition, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if !c.HasCredentials() {
		return ErrMissingCredentials
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// SetMarginType sets margin type (ISOLATED or CROSSED). Asking for the
// current type is not an error.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if !c.HasCredentials() {
		return ErrMissingCredentials
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", strings.ToUpper(marginType))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChangeMargin {
		return nil
	}
	return err
}

// GetExchangeInfo returns trading rules for every symbol.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	return &info, nil
}

// GetTickerPrices returns the latest price of every symbol.
func (c *Client) GetTickerPrices(ctx context.Context) (map[string]float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", nil)
	if err != nil {
		return nil, err
	}
	var tickers []tickerPrice
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("decode ticker prices: %w", err)
	}
	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		p, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			continue
		}
		out[t.Symbol] = p
	}
	return out, nil
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req)
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req *http.Request) ([]byte, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, newAPIError(req.Method, req.URL.Path, res.StatusCode, body)
	}
	return body, nil
}
