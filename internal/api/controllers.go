package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"perpdesk/internal/command"
	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/internal/live"
	"perpdesk/internal/signal"
)

const backendContextKey = "Backend"

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// statusForCode maps engine error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case "INVALID_REQUEST", "UNKNOWN_SYMBOL":
		return http.StatusBadRequest
	case "INSUFFICIENT_MARGIN", "BELOW_MIN_NOTIONAL", "QUANTITY_TOO_SMALL":
		return http.StatusUnprocessableEntity
	case "POSITION_NOT_FOUND":
		return http.StatusNotFound
	case "EXCHANGE_UNAVAILABLE":
		return http.StatusBadGateway
	case "PARTIAL_BRACKET":
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func (s *Server) resolveBackend() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.ToLower(c.Param("backend"))
		e, ok := s.Engines.Get(name)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"code":  "UNKNOWN_BACKEND",
				"error": "unknown backend " + strconv.Quote(name),
			})
			return
		}
		c.Set(backendContextKey, e)
		c.Next()
	}
}

func backendFrom(c *gin.Context) engine.Engine {
	return c.MustGet(backendContextKey).(engine.Engine)
}

func (s *Server) priceMap() engine.PriceMap {
	if s.Prices == nil {
		return engine.PriceMap{}
	}
	return engine.PriceMap(s.Prices.Snapshot(0))
}

func (s *Server) lastPrice(symbol string) (float64, bool) {
	if s.Prices == nil {
		return 0, false
	}
	return s.Prices.Get(symbol)
}

// commandContext detaches the command from the HTTP request so a client
// disconnect cannot abort an order half way through its bracket.
func (s *Server) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.Defaults.CommandTimeout)
}

func (s *Server) execute(c *gin.Context, name string, fn func(context.Context) engine.Result) {
	ctx, cancel := s.commandContext(c)
	fut := command.Submit(ctx, s.Executor, name, func(ctx context.Context) (engine.Result, error) {
		res := fn(ctx)
		if !res.Success {
			return res, res.Err
		}
		return res, nil
	})
	fut.OnComplete(func(engine.Result, error) { cancel() })
	s.respondFuture(c, fut)
}

func (s *Server) respondFuture(c *gin.Context, fut *command.Future[engine.Result]) {
	res, err := fut.Await(c.Request.Context())
	if err != nil && res.Message == "" {
		switch {
		case errors.Is(err, command.ErrClosed):
			respondError(c, http.StatusServiceUnavailable, "EXECUTOR_CLOSED", err.Error())
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"code":       "COMMAND_PENDING",
				"error":      "command still running",
				"command_id": fut.ID(),
			})
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	c.JSON(statusForCode(res.Code), res)
}

func (s *Server) getMetrics(c *gin.Context) {
	resp := gin.H{"meta": s.Meta}
	if s.Metrics != nil {
		resp["system"] = s.Metrics.GetSnapshot()
	}
	if s.Prices != nil {
		resp["prices"] = s.Prices.Stats()
	}
	if s.Bus != nil {
		resp["bus"] = s.Bus.Stats()
	}
	if s.Executor != nil {
		resp["pending_commands"] = s.Executor.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPrices(c *gin.Context) {
	c.JSON(http.StatusOK, s.priceMap())
}

type backendInfo struct {
	Name   string            `json:"name"`
	Status *live.CacheStatus `json:"cache,omitempty"`
}

func (s *Server) listBackends(c *gin.Context) {
	names := s.Engines.Names()
	out := make([]backendInfo, 0, len(names))
	for _, name := range names {
		info := backendInfo{Name: name}
		e, _ := s.Engines.Get(name)
		if sr, ok := e.(interface{ Status() live.CacheStatus }); ok {
			st := sr.Status()
			info.Status = &st
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"backends": out})
}

func (s *Server) getBalance(c *gin.Context) {
	e := backendFrom(c)
	c.JSON(http.StatusOK, gin.H{"backend": e.Name(), "balance": e.Balance(c.Request.Context())})
}

func (s *Server) getEquity(c *gin.Context) {
	e := backendFrom(c)
	c.JSON(http.StatusOK, gin.H{"backend": e.Name(), "equity": e.Equity(c.Request.Context(), s.priceMap())})
}

func (s *Server) getPositions(c *gin.Context) {
	e := backendFrom(c)
	positions := e.Positions(c.Request.Context())
	if positions == nil {
		positions = []engine.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"backend": e.Name(), "positions": positions})
}

func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) getHistory(c *gin.Context) {
	e := backendFrom(c)
	limit, ok := parseLimit(c, 100)
	if !ok {
		return
	}

	var records []engine.TradeRecord
	if c.Query("source") == "journal" {
		if s.DB == nil {
			respondError(c, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "trade journal is not enabled")
			return
		}
		rows, err := s.DB.ListTradeRecords(c.Request.Context(), e.Name(), limit)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		records = make([]engine.TradeRecord, 0, len(rows))
		for _, r := range rows {
			records = append(records, engine.TradeRecord{
				Time: r.Time, Backend: r.Backend, Action: engine.Action(r.Action),
				Owner: engine.Owner(r.Owner), Symbol: r.Symbol, Side: engine.Side(r.Side),
				Price: r.Price, Quantity: r.Qty, PnL: r.PnL, Detail: r.Detail,
			})
		}
	} else {
		records = e.TradeHistory()
		if limit > 0 && len(records) > limit {
			records = records[len(records)-limit:]
		}
	}

	if c.Query("format") == "text" {
		lines := make([]string, 0, len(records))
		for _, r := range records {
			lines = append(lines, r.String())
		}
		c.String(http.StatusOK, strings.Join(lines, "\n"))
		return
	}
	if records == nil {
		records = []engine.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"backend": e.Name(), "records": records})
}

func (s *Server) getReconciliation(c *gin.Context) {
	e := backendFrom(c)
	if s.DB == nil {
		respondError(c, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "trade journal is not enabled")
		return
	}
	limit, ok := parseLimit(c, 20)
	if !ok {
		return
	}
	reports, err := s.DB.ListReconReports(c.Request.Context(), e.Name(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"backend": e.Name(), "reports": reports})
}

type openPositionRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Notional   float64 `json:"notional"`
	Price      float64 `json:"price"`
	Leverage   int     `json:"leverage"`
	MarginMode string  `json:"margin_mode"`
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
}

func (s *Server) openPosition(c *gin.Context) {
	e := backendFrom(c)
	var body openPositionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	side, err := engine.ParseSide(body.Side)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	mode := s.Defaults.MarginMode
	if body.MarginMode != "" {
		if mode, err = engine.ParseMarginMode(body.MarginMode); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	req := engine.OpenRequest{
		Symbol:     strings.ToUpper(strings.TrimSpace(body.Symbol)),
		Side:       side,
		Notional:   body.Notional,
		Price:      body.Price,
		Leverage:   body.Leverage,
		MarginMode: mode,
		TakeProfit: body.TakeProfit,
		StopLoss:   body.StopLoss,
		Owner:      engine.OwnerUser,
	}
	if req.Notional == 0 {
		req.Notional = s.Defaults.Notional
	}
	if req.Leverage == 0 {
		req.Leverage = s.Defaults.Leverage
	}
	if req.Price == 0 {
		price, ok := s.lastPrice(req.Symbol)
		if !ok {
			respondError(c, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE", "no price for "+req.Symbol)
			return
		}
		req.Price = price
	}

	s.execute(c, "open "+req.Symbol, func(ctx context.Context) engine.Result {
		return e.OpenPosition(ctx, req)
	})
}

type closePositionRequest struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
}

func (s *Server) closePosition(c *gin.Context) {
	e := backendFrom(c)
	var body closePositionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	req := engine.CloseRequest{
		PositionID: strings.TrimSpace(body.PositionID),
		Symbol:     strings.ToUpper(strings.TrimSpace(body.Symbol)),
		Quantity:   body.Quantity,
		Price:      body.Price,
	}
	if body.Side != "" {
		side, err := engine.ParseSide(body.Side)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		req.Side = side
	}
	if req.Price == 0 {
		symbol := req.Symbol
		if symbol == "" && req.PositionID != "" {
			for _, p := range e.Positions(c.Request.Context()) {
				if p.ID == req.PositionID {
					symbol = p.Symbol
					break
				}
			}
		}
		if price, ok := s.lastPrice(symbol); ok {
			req.Price = price
		}
	}

	label := req.PositionID
	if label == "" {
		label = req.Symbol
	}
	s.execute(c, "close "+label, func(ctx context.Context) engine.Result {
		return e.ClosePosition(ctx, req)
	})
}

func (s *Server) checkTPSL(c *gin.Context) {
	e := backendFrom(c)
	var body struct {
		Prices map[string]float64 `json:"prices"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	prices := s.priceMap()
	for sym, p := range body.Prices {
		prices[strings.ToUpper(sym)] = p
	}

	notices := e.CheckTPSL(c.Request.Context(), prices)
	for _, n := range notices {
		if s.Bus != nil {
			s.Bus.Publish(events.EventTPSLTriggered, n)
		}
	}
	s.Metrics.AddTPSLTriggered(len(notices))
	if notices == nil {
		notices = []engine.Notice{}
	}
	c.JSON(http.StatusOK, gin.H{"backend": e.Name(), "triggered": notices})
}

type signalRequest struct {
	Decision   string  `json:"decision"`
	Mode       string  `json:"mode"`
	Symbol     string  `json:"symbol"`
	Notional   float64 `json:"notional"`
	Price      float64 `json:"price"`
	Leverage   int     `json:"leverage"`
	MarginMode string  `json:"margin_mode"`
	Style      string  `json:"style"`
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
}

func (s *Server) autoTrader(e engine.Engine) *signal.AutoTrader {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	t, ok := s.auto[e.Name()]
	if !ok {
		t = signal.NewAutoTrader(e, s.Executor, s.Defaults.AutoTradeInterval, s.Defaults.Style)
		s.auto[e.Name()] = t
	}
	return t
}

func (s *Server) handleSignal(c *gin.Context) {
	e := backendFrom(c)
	var body signalRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	d, err := signal.Parse(body.Decision)
	if err != nil {
		respondError(c, http.StatusBadRequest, "MALFORMED_DECISION", err.Error())
		return
	}

	p := signal.Params{
		Symbol:     strings.ToUpper(strings.TrimSpace(body.Symbol)),
		Price:      body.Price,
		Notional:   body.Notional,
		Leverage:   body.Leverage,
		TakeProfit: body.TakeProfit,
		StopLoss:   body.StopLoss,
		Style:      s.Defaults.Style,
	}
	if body.Style != "" {
		if p.Style, err = signal.ParseStyle(body.Style); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	if body.MarginMode != "" {
		if p.MarginMode, err = engine.ParseMarginMode(body.MarginMode); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	if p.Notional == 0 {
		p.Notional = s.Defaults.Notional
	}
	if d.Action == signal.ActionHold {
		c.JSON(http.StatusOK, gin.H{"success": false, "code": "HOLD", "message": "decision is HOLD, nothing to do", "decision": d})
		return
	}
	if p.Price == 0 {
		price, ok := s.lastPrice(p.Symbol)
		if !ok {
			respondError(c, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE", "no price for "+p.Symbol)
			return
		}
		p.Price = price
	}

	mode := strings.ToLower(strings.TrimSpace(body.Mode))
	switch mode {
	case "", "follow", "reverse":
		build := signal.Follow
		if mode == "reverse" {
			build = signal.Reverse
		}
		req, err := build(d, p)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		if mode == "" {
			mode = "follow"
		}
		s.execute(c, mode+" "+req.Symbol, func(ctx context.Context) engine.Result {
			return e.OpenPosition(ctx, req)
		})
	case "auto":
		ctx, cancel := s.commandContext(c)
		fut, err := s.autoTrader(e).Handle(ctx, d, p)
		if err != nil {
			cancel()
			respondSignalError(c, err)
			return
		}
		fut.OnComplete(func(engine.Result, error) { cancel() })
		s.respondFuture(c, fut)
	default:
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "mode must be follow, reverse or auto")
	}
}

func respondSignalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signal.ErrThrottled):
		respondError(c, http.StatusTooManyRequests, "THROTTLED", err.Error())
	case errors.Is(err, signal.ErrHasPosition):
		respondError(c, http.StatusConflict, "POSITION_EXISTS", err.Error())
	case errors.Is(err, signal.ErrNotObserved):
		respondError(c, http.StatusServiceUnavailable, "ACCOUNT_NOT_READY", err.Error())
	default:
		code := engine.ErrorCode(err)
		respondError(c, statusForCode(code), code, err.Error())
	}
}
