package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"perpdesk/internal/command"
	"perpdesk/internal/engine"
	"perpdesk/internal/events"
	"perpdesk/internal/monitor"
	"perpdesk/internal/signal"
	"perpdesk/pkg/cache"
	"perpdesk/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the backend registry and the event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Engines  *engine.Registry
	Executor *command.Executor
	Prices   *cache.PriceCache
	Metrics  *monitor.SystemMetrics
	DB       *db.Database // optional journal
	Auth     AuthConfig
	Defaults TradeDefaults
	Meta     SystemMeta

	limiter *ipLimiter

	autoMu sync.Mutex
	auto   map[string]*signal.AutoTrader
}

// Deps are the collaborators NewServer needs. DB and Bus may be nil.
type Deps struct {
	Bus      *events.Bus
	Engines  *engine.Registry
	Executor *command.Executor
	Prices   *cache.PriceCache
	Metrics  *monitor.SystemMetrics
	DB       *db.Database
	Auth     AuthConfig
	Defaults TradeDefaults
	Meta     SystemMeta
}

// TradeDefaults fill in fields an open or signal request leaves empty.
type TradeDefaults struct {
	Notional          float64
	Leverage          int
	MarginMode        engine.MarginMode
	Style             signal.Style
	AutoTradeInterval time.Duration
	CommandTimeout    time.Duration
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Testnet     bool     `json:"testnet"`
	Symbols     []string `json:"symbols"`
	UseMockFeed bool     `json:"use_mock_feed"`
	Language    string   `json:"language"`
	Version     string   `json:"version"`
}

func NewServer(d Deps) *Server {
	r := gin.New()

	limiter := newIPLimiter(20, 50)

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(d.Metrics))            // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(limiter))        // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request deadline
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	if d.Defaults.CommandTimeout <= 0 {
		d.Defaults.CommandTimeout = time.Minute
	}
	if d.Defaults.Leverage < 1 {
		d.Defaults.Leverage = 1
	}
	if d.Defaults.MarginMode == "" {
		d.Defaults.MarginMode = engine.MarginCross
	}

	s := &Server{
		Router:   r,
		Bus:      d.Bus,
		Engines:  d.Engines,
		Executor: d.Executor,
		Prices:   d.Prices,
		Metrics:  d.Metrics,
		DB:       d.DB,
		Auth:     d.Auth,
		Defaults: d.Defaults,
		Meta:     d.Meta,
		limiter:  limiter,
		auto:     make(map[string]*signal.AutoTrader),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/backends", s.listBackends)
		api.GET("/prices", s.getPrices)

		// Auth endpoints (no auth required)
		api.POST("/auth/token", s.issueToken)

		backend := api.Group("/:backend")
		backend.Use(s.resolveBackend())
		{
			backend.GET("/balance", s.getBalance)
			backend.GET("/equity", s.getEquity)
			backend.GET("/positions", s.getPositions)
			backend.GET("/history", s.getHistory)
			backend.GET("/reconciliation", s.getReconciliation)

			// Mutating routes
			protected := backend.Group("")
			protected.Use(AuthMiddleware(s.Auth.JWTSecret))
			{
				protected.POST("/positions", s.openPosition)
				protected.POST("/positions/close", s.closePosition)
				protected.POST("/tpsl/check", s.checkTPSL)
				protected.POST("/signal", s.handleSignal)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backends": s.Engines.Names()})
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	go s.limiter.sweep(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
