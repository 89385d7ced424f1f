package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/clients/kis"
	"github.com/hantuquant/trader/internal/clients/yahoo"
	"github.com/hantuquant/trader/internal/config"
	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/locking"
	"github.com/hantuquant/trader/internal/market_regime"
	"github.com/hantuquant/trader/internal/modules/financials"
	"github.com/hantuquant/trader/internal/modules/market_hours"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/rebalancing"
	"github.com/hantuquant/trader/internal/modules/scoring"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/modules/strategy"
	"github.com/hantuquant/trader/internal/modules/ticker"
	"github.com/hantuquant/trader/internal/modules/trading"
	"github.com/hantuquant/trader/internal/modules/universe"
	"github.com/hantuquant/trader/internal/notify"
	"github.com/hantuquant/trader/internal/scheduler"
	"github.com/hantuquant/trader/internal/server"
	"github.com/hantuquant/trader/pkg/logger"
)

func main() {
	// Load configuration first so the logger honors LOG_LEVEL.
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Bool("simulated", cfg.Simulated).
		Bool("credentials", cfg.HasCredentials()).
		Msg("Starting trader")

	if !cfg.HasCredentials() {
		log.Warn().Msg("Brokerage credentials missing, trading calls will fail with tagged results")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("Unknown timezone, falling back to KST")
		loc = time.FixedZone("KST", 9*60*60)
	}
	clock := domain.RealClock{}
	eventsMgr := events.NewManager(log)

	// === Store ===

	db, err := database.New(cfg.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	if db.Recovered() {
		log.Warn().Msg("Database was quarantined and rebuilt, local history starts fresh")
		eventsMgr.Emit(events.DatabaseRecovered, "database", map[string]interface{}{
			"path": cfg.DatabasePath,
		})
	}

	settingsSvc := settings.NewService(settings.NewRepository(db, log), log)
	if err := settingsSvc.Bootstrap(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed settings defaults")
	}

	locks := locking.NewManager(log)
	hours := market_hours.NewService(log)

	// === Brokerage clients ===

	routes, err := kis.LoadRoutes(db, cfg.Simulated)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load broker routing table")
	}

	broker, err := kis.NewClient(cfg, routes, settingsSvc, clock, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build broker client")
	}
	yahooClient := yahoo.NewClient(log)

	// === Market data ===

	cache := ticker.NewCache(clock, log)

	feed, err := kis.NewFeed(cfg.WSBaseURL, broker, broker, routes, func(tick domain.RealtimeTick) {
		cache.OnRealtimeData(tick)
	}, eventsMgr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build realtime feed")
	}

	financialsRepo := financials.NewRepository(db, log)
	universeRepo := universe.NewRepository(db, log)

	portfolioSvc, err := portfolio.NewService(broker, portfolio.NewRepository(db, log), settingsSvc, universeRepo, cache, eventsMgr, cfg.UserID, clock, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build portfolio service")
	}
	universeSvc := universe.NewService(broker, universeRepo, portfolioSvc, settingsSvc, cfg, eventsMgr, log)
	warmer := ticker.NewWarmer(cache, broker, financialsRepo, universeRepo, settingsSvc, hours, portfolioSvc, eventsMgr, clock, log)

	regimeSvc := market_regime.NewService(broker, yahooClient, market_regime.NewRepository(db, log), eventsMgr, clock, log)

	// === Notifications ===

	queue := notify.NewQueue()
	consumer := notify.NewConsumer(queue, cfg.WebhookURL, log)
	consumer.Start()

	// === Trading ===

	tradesRepo := trading.NewRepository(db, log)
	executor := trading.NewExecutor(broker, tradesRepo, hours, settingsSvc, queue, eventsMgr, cfg.ExtendedUS, clock, log)

	scorer := scoring.NewScorer(settingsSvc, log)
	stateStore := strategy.NewStore(cfg.StrategyStatePath(), log)
	engine := strategy.NewEngine(universeSvc, portfolioSvc, cache, warmer, executor, regimeSvc, hours, scorer, settingsSvc, stateStore, locks, queue, eventsMgr, clock, log)

	rebalancer := rebalancing.NewRebalancer(portfolioSvc, executor, hours, engine, universeSvc, settingsSvc, eventsMgr, clock, log)

	// First account mirror; a broker failure leaves the stale snapshot.
	if _, err := portfolioSvc.Sync(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Initial portfolio sync failed, serving the stored snapshot")
	}

	if err := feed.Start(); err != nil {
		log.Warn().Err(err).Msg("Realtime feed offline, reconnecting in background")
	}

	// === Scheduler ===

	sched := scheduler.New(log, loc, eventsMgr)
	jobs, err := registerJobs(sched, jobDeps{
		cfg:        cfg,
		db:         db,
		locks:      locks,
		engine:     engine,
		portfolio:  portfolioSvc,
		universe:   universeSvc,
		warmer:     warmer,
		cache:      cache,
		feed:       feed,
		regime:     regimeSvc,
		hours:      hours,
		settings:   settingsSvc,
		notifier:   queue,
		rebalancer: rebalancer,
		clock:      clock,
		log:        log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()

	// === HTTP server ===

	srv := server.New(server.Config{
		Port:       cfg.Port,
		Log:        log,
		DevMode:    cfg.DevMode,
		DataDir:    cfg.DataDir,
		DB:         db,
		Engine:     engine,
		Executor:   executor,
		Trades:     tradesRepo,
		Portfolio:  portfolioSvc,
		Settings:   settingsSvc,
		Regime:     regimeSvc,
		Hours:      hours,
		Rebalancer: rebalancer,
		Scheduler:  sched,
		Jobs:       jobs,
		Events:     eventsMgr,
		Clock:      clock,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Trader started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	if err := feed.Stop(); err != nil {
		log.Warn().Err(err).Msg("Feed close failed")
	}
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to stop")
	}

	if err := engine.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to persist strategy state")
	}
	consumer.Stop()

	log.Info().Msg("Trader stopped")
}

type jobDeps struct {
	cfg        *config.Config
	db         *database.DB
	locks      *locking.Manager
	engine     *strategy.Engine
	portfolio  *portfolio.Service
	universe   *universe.Service
	warmer     *ticker.Warmer
	cache      *ticker.Cache
	feed       *kis.Feed
	regime     *market_regime.Service
	hours      *market_hours.Service
	settings   *settings.Service
	notifier   domain.Notifier
	rebalancer *rebalancing.Rebalancer
	clock      domain.Clock
	log        zerolog.Logger
}

// registerJobs wires every periodic task. Wall-clock times are in the
// configured exchange timezone (Seoul by default).
func registerJobs(sched *scheduler.Scheduler, d jobDeps) (map[string]scheduler.Job, error) {
	strategyJob := scheduler.NewStrategyJob(d.engine, d.log)
	if err := sched.AddJob("0 * * * * *", strategyJob); err != nil {
		return nil, fmt.Errorf("failed to register strategy job: %w", err)
	}

	portfolioSync := scheduler.NewPortfolioSyncJob(d.portfolio, d.locks, d.log)
	if err := sched.AddJob("0 */10 * * * *", portfolioSync); err != nil {
		return nil, fmt.Errorf("failed to register portfolio_sync job: %w", err)
	}

	hourlyReport := scheduler.NewHourlyReportJob(d.portfolio, d.cache, d.regime, d.hours, d.settings, d.notifier, d.clock, d.log)
	if err := sched.AddJob("0 0 * * * *", hourlyReport); err != nil {
		return nil, fmt.Errorf("failed to register hourly_report job: %w", err)
	}

	dailyData := scheduler.NewDailyDataSyncJob(d.universe, d.warmer, d.locks, d.log)
	if err := sched.AddJob("0 0 4 * * *", dailyData); err != nil {
		return nil, fmt.Errorf("failed to register daily_data_sync job: %w", err)
	}

	universeRefresh := scheduler.NewUniverseRefreshJob(d.universe, d.portfolio, d.cache, d.feed, d.log)
	if err := sched.AddJob("0 30 8 * * *", universeRefresh); err != nil {
		return nil, fmt.Errorf("failed to register universe_refresh job: %w", err)
	}

	rebalance := scheduler.NewRebalanceJob(d.rebalancer, d.log)
	if err := sched.AddJob("0 10 9 * * *", rebalance); err != nil {
		return nil, fmt.Errorf("failed to register rebalance job: %w", err)
	}

	healthCheck := scheduler.NewHealthCheckJob(d.db, d.locks, d.cfg.DataDir, d.log)
	if err := sched.AddJob("0 0 */6 * * *", healthCheck); err != nil {
		return nil, fmt.Errorf("failed to register health_check job: %w", err)
	}

	return map[string]scheduler.Job{
		strategyJob.Name():     strategyJob,
		portfolioSync.Name():   portfolioSync,
		hourlyReport.Name():    hourlyReport,
		dailyData.Name():       dailyData,
		universeRefresh.Name(): universeRefresh,
		rebalance.Name():       rebalance,
		healthCheck.Name():     healthCheck,
	}, nil
}
