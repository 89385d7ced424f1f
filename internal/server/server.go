package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/market_hours"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/rebalancing"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/modules/strategy"
	"github.com/hantuquant/trader/internal/modules/trading"
	"github.com/hantuquant/trader/internal/scheduler"
)

// StrategyControl is the engine surface the operator API drives.
type StrategyControl interface {
	Enabled() bool
	SetEnabled(enabled bool) error
	Status() strategy.EngineStatus
	Opportunities() []strategy.Opportunity
	WaitingList() []strategy.PendingDecision
	RequestSellAllRebuy() error
	CancelSellAllRebuy() error
}

// OrderPlacer submits manual orders straight to the executor.
type OrderPlacer interface {
	Execute(ctx context.Context, intent trading.OrderIntent) (*domain.OrderResult, error)
}

// TradeHistory reads the local trade ledger.
type TradeHistory interface {
	History(limit int) ([]domain.Trade, error)
	BySymbol(symbol string, limit int) ([]domain.Trade, error)
}

// PortfolioReader serves the account mirror and can force a re-sync.
type PortfolioReader interface {
	Current() *portfolio.Snapshot
	Sync(ctx context.Context) (*portfolio.Snapshot, error)
}

// RegimeReader serves the macro assessment and its history.
type RegimeReader interface {
	Current(ctx context.Context) *domain.RegimeSnapshot
	History(limit int) ([]domain.RegimeSnapshot, error)
}

// RebalanceControl runs the sector rebalancer on demand.
type RebalanceControl interface {
	Run(ctx context.Context, force bool) (*rebalancing.Report, error)
	LastReport() rebalancing.Report
}

// MarketStatusReader reports per-market session state.
type MarketStatusReader interface {
	Statuses(at time.Time) []market_hours.MarketStatus
}

// Config holds server configuration.
type Config struct {
	Port    int
	Log     zerolog.Logger
	DevMode bool
	DataDir string

	DB         *database.DB
	Engine     StrategyControl
	Executor   OrderPlacer
	Trades     TradeHistory
	Portfolio  PortfolioReader
	Settings   *settings.Service
	Regime     RegimeReader
	Hours      MarketStatusReader
	Rebalancer RebalanceControl
	Scheduler  *scheduler.Scheduler
	Jobs       map[string]scheduler.Job
	Events     *events.Manager
	Clock      domain.Clock
}

// Server is the operator HTTP API. It carries no authentication; that
// layer sits in front of it.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	db         *database.DB
	engine     StrategyControl
	executor   OrderPlacer
	trades     TradeHistory
	portfolio  PortfolioReader
	settings   *settings.Service
	regime     RegimeReader
	hours      MarketStatusReader
	rebalancer RebalanceControl
	sched      *scheduler.Scheduler
	jobs       map[string]scheduler.Job
	events     *events.Manager
	clock      domain.Clock
	dataDir    string
	startedAt  time.Time
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}

	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		db:         cfg.DB,
		engine:     cfg.Engine,
		executor:   cfg.Executor,
		trades:     cfg.Trades,
		portfolio:  cfg.Portfolio,
		settings:   cfg.Settings,
		regime:     cfg.Regime,
		hours:      cfg.Hours,
		rebalancer: cfg.Rebalancer,
		sched:      cfg.Scheduler,
		jobs:       cfg.Jobs,
		events:     cfg.Events,
		clock:      clock,
		dataDir:    cfg.DataDir,
		startedAt:  clock.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/strategy", func(r chi.Router) {
			r.Get("/status", s.handleStrategyStatus)
			r.Post("/start", s.handleStrategyStart)
			r.Post("/stop", s.handleStrategyStop)
			r.Get("/opportunities", s.handleOpportunities)
			r.Get("/waiting", s.handleWaitingList)
			r.Post("/sell-all-rebuy", s.handleSellAllRebuy)
			r.Delete("/sell-all-rebuy", s.handleCancelSellAllRebuy)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/{key}", s.handlePutSetting)
		})

		r.Post("/orders", s.handlePlaceOrder)
		r.Get("/trades", s.handleTrades)

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/", s.handlePortfolio)
			r.Post("/sync", s.handlePortfolioSync)
		})

		r.Route("/regime", func(r chi.Router) {
			r.Get("/", s.handleRegime)
			r.Get("/history", s.handleRegimeHistory)
		})

		r.Route("/rebalance", func(r chi.Router) {
			r.Post("/run", s.handleRebalanceRun)
			r.Get("/report", s.handleRebalanceReport)
		})

		r.Get("/markets/status", s.handleMarketStatus)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs/{name}/run", s.handleRunJob)
		})
	})
}

// Start starts the HTTP server. It blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// response is the envelope every endpoint answers with.
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	s.write(w, status, response{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.write(w, status, response{Success: false, Error: message})
}

func (s *Server) write(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
