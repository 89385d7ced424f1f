package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/locking"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/rebalancing"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/notify"
)

// maxLiveSubscriptions is how many symbols ride the realtime feed. The
// broker caps registrations per approval key at 41; one slot stays free
// for ad-hoc subscriptions.
const maxLiveSubscriptions = 40

// hourlyMoversLimit bounds the movers list in the hourly report.
const hourlyMoversLimit = 5

type strategyRunner interface {
	Run(ctx context.Context) error
}

type portfolioSyncer interface {
	Sync(ctx context.Context) (*portfolio.Snapshot, error)
}

type portfolioView interface {
	Current() *portfolio.Snapshot
	HeldSymbols() ([]string, error)
}

type universeRefresher interface {
	Refresh(ctx context.Context, force bool) ([]string, error)
	Current() []string
}

type warmupRunner interface {
	RegisterBatch(ctx context.Context, symbols []string, force bool) (ready, queued int)
	Wait()
}

type tickerView interface {
	GetAllStates() map[string]*domain.TickerState
	SetTiers(high, low []string)
}

type feedControl interface {
	Subscribe(symbol string, market domain.Market) error
	Unsubscribe(symbol string) error
	SubscribedSymbols() []string
}

type regimeView interface {
	Current(ctx context.Context) *domain.RegimeSnapshot
}

type hoursView interface {
	OpenMarkets(at time.Time) []domain.Market
}

type rebalanceRunner interface {
	Run(ctx context.Context, force bool) (*rebalancing.Report, error)
}

// StrategyJob drives the decision loop once a minute. Overlap control
// lives inside the engine, so a slow pass just drops the next tick.
type StrategyJob struct {
	engine strategyRunner
	log    zerolog.Logger
}

func NewStrategyJob(engine strategyRunner, log zerolog.Logger) *StrategyJob {
	return &StrategyJob{
		engine: engine,
		log:    log.With().Str("job", "strategy").Logger(),
	}
}

func (j *StrategyJob) Name() string { return "strategy" }

func (j *StrategyJob) Run() error {
	return j.engine.Run(context.Background())
}

// PortfolioSyncJob refreshes the account mirror from the broker every
// ten minutes, independently of trading activity.
type PortfolioSyncJob struct {
	portfolio portfolioSyncer
	locks     *locking.Manager
	log       zerolog.Logger
}

func NewPortfolioSyncJob(portfolioSvc portfolioSyncer, locks *locking.Manager, log zerolog.Logger) *PortfolioSyncJob {
	return &PortfolioSyncJob{
		portfolio: portfolioSvc,
		locks:     locks,
		log:       log.With().Str("job", "portfolio_sync").Logger(),
	}
}

func (j *PortfolioSyncJob) Name() string { return "portfolio_sync" }

func (j *PortfolioSyncJob) Run() error {
	if !j.locks.Acquire("portfolio_sync") {
		j.log.Debug().Msg("Sync still running, skipping")
		return nil
	}
	defer j.locks.Release("portfolio_sync")

	_, err := j.portfolio.Sync(context.Background())
	return err
}

// HourlyReportJob posts the portfolio summary and the top movers while
// at least one market is trading. Quiet hours stay quiet.
type HourlyReportJob struct {
	portfolio portfolioView
	tickers   tickerView
	regime    regimeView
	hours     hoursView
	settings  *settings.Service
	notifier  domain.Notifier
	clock     domain.Clock
	log       zerolog.Logger
}

func NewHourlyReportJob(
	portfolioSvc portfolioView,
	tickers tickerView,
	regime regimeView,
	hours hoursView,
	settingsSvc *settings.Service,
	notifier domain.Notifier,
	clock domain.Clock,
	log zerolog.Logger,
) *HourlyReportJob {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &HourlyReportJob{
		portfolio: portfolioSvc,
		tickers:   tickers,
		regime:    regime,
		hours:     hours,
		settings:  settingsSvc,
		notifier:  notifier,
		clock:     clock,
		log:       log.With().Str("job", "hourly_report").Logger(),
	}
}

func (j *HourlyReportJob) Name() string { return "hourly_report" }

func (j *HourlyReportJob) Run() error {
	now := j.clock.Now()
	open := j.hours.OpenMarkets(now)
	if len(open) == 0 {
		j.log.Debug().Msg("All markets closed, no report")
		return nil
	}

	snap := j.portfolio.Current()
	if snap == nil {
		j.log.Debug().Msg("No portfolio snapshot yet, no report")
		return nil
	}

	status := domain.RegimeNeutral
	if reg := j.regime.Current(context.Background()); reg != nil {
		status = reg.Status
	}
	fx := j.settings.GetFloat(settings.KeyExchangeRate, 1350)
	j.notifier.Enqueue(notify.FormatPortfolioSummary(snap.Holdings, snap.Cash, status, fx))

	openSet := make(map[domain.Market]struct{}, len(open))
	for _, m := range open {
		openSet[m] = struct{}{}
	}
	var gainers []notify.Gainer
	for _, st := range j.tickers.GetAllStates() {
		if _, ok := openSet[st.Market]; !ok || st.ChangeRate <= 0 {
			continue
		}
		gainers = append(gainers, notify.Gainer{
			Symbol:     st.Symbol,
			Name:       st.Name,
			Price:      st.CurrentPrice,
			ChangeRate: st.ChangeRate,
		})
	}
	if text := notify.FormatHourlyGainers(gainers, hourlyMoversLimit); text != "" {
		j.notifier.Enqueue(text)
	}
	return nil
}

// DailyDataSyncJob re-warms the whole universe before the Seoul open:
// fresh bars, indicators, DCF, and a persisted snapshot per symbol.
// force on the batch bypasses the snapshot fast path on purpose.
type DailyDataSyncJob struct {
	universe universeRefresher
	warmer   warmupRunner
	locks    *locking.Manager
	log      zerolog.Logger
}

func NewDailyDataSyncJob(universeSvc universeRefresher, warmer warmupRunner, locks *locking.Manager, log zerolog.Logger) *DailyDataSyncJob {
	return &DailyDataSyncJob{
		universe: universeSvc,
		warmer:   warmer,
		locks:    locks,
		log:      log.With().Str("job", "daily_data_sync").Logger(),
	}
}

func (j *DailyDataSyncJob) Name() string { return "daily_data_sync" }

func (j *DailyDataSyncJob) Run() error {
	if !j.locks.Acquire("daily_data_sync") {
		j.log.Warn().Msg("Previous data sync still running, skipping")
		return nil
	}
	defer j.locks.Release("daily_data_sync")

	ctx := context.Background()
	symbols, err := j.universe.Refresh(ctx, false)
	if err != nil {
		j.log.Warn().Err(err).Msg("Universe refresh failed, re-warming the stored list")
		symbols = j.universe.Current()
	}
	if len(symbols) == 0 {
		j.log.Debug().Msg("Universe empty, nothing to warm")
		return nil
	}

	ready, queued := j.warmer.RegisterBatch(ctx, symbols, true)
	j.warmer.Wait()

	j.log.Info().
		Int("symbols", len(symbols)).
		Int("ready", ready).
		Int("queued", queued).
		Msg("Daily data sync finished")
	return nil
}

// UniverseRefreshJob forces a ranking re-pull before the open and
// points the realtime feed at the new high tier: held symbols always,
// then the top of the universe up to the registration cap.
type UniverseRefreshJob struct {
	universe  universeRefresher
	portfolio portfolioView
	tickers   tickerView
	feed      feedControl
	log       zerolog.Logger
}

func NewUniverseRefreshJob(
	universeSvc universeRefresher,
	portfolioSvc portfolioView,
	tickers tickerView,
	feed feedControl,
	log zerolog.Logger,
) *UniverseRefreshJob {
	return &UniverseRefreshJob{
		universe:  universeSvc,
		portfolio: portfolioSvc,
		tickers:   tickers,
		feed:      feed,
		log:       log.With().Str("job", "universe_refresh").Logger(),
	}
}

func (j *UniverseRefreshJob) Name() string { return "universe_refresh" }

func (j *UniverseRefreshJob) Run() error {
	ctx := context.Background()
	symbols, err := j.universe.Refresh(ctx, true)
	if err != nil {
		return err
	}

	held, err := j.portfolio.HeldSymbols()
	if err != nil {
		j.log.Warn().Err(err).Msg("Held symbols unavailable, tiering on universe order only")
	}

	high, low := splitTiers(held, symbols, maxLiveSubscriptions)
	j.tickers.SetTiers(high, low)

	subscribed, dropped := j.reconcileFeed(high)
	j.log.Info().
		Int("universe", len(symbols)).
		Int("live", len(high)).
		Int("subscribed", subscribed).
		Int("dropped", dropped).
		Msg("Universe and subscriptions refreshed")
	return nil
}

// reconcileFeed moves the feed's registrations to exactly the wanted
// set. The feed itself paces registration frames.
func (j *UniverseRefreshJob) reconcileFeed(want []string) (subscribed, dropped int) {
	wanted := make(map[string]struct{}, len(want))
	for _, s := range want {
		wanted[s] = struct{}{}
	}

	current := make(map[string]struct{})
	for _, s := range j.feed.SubscribedSymbols() {
		current[s] = struct{}{}
		if _, keep := wanted[s]; keep {
			continue
		}
		if err := j.feed.Unsubscribe(s); err != nil {
			j.log.Warn().Err(err).Str("symbol", s).Msg("Unsubscribe failed")
			continue
		}
		dropped++
	}
	for _, s := range want {
		if _, ok := current[s]; ok {
			continue
		}
		if err := j.feed.Subscribe(s, domain.MarketOf(s)); err != nil {
			j.log.Warn().Err(err).Str("symbol", s).Msg("Subscribe failed")
			continue
		}
		subscribed++
	}
	return subscribed, dropped
}

// splitTiers picks the live-feed set: every held symbol first, then the
// universe in ranking order until the cap. Everything else rides the
// periodic sync.
func splitTiers(held, universe []string, limit int) (high, low []string) {
	seen := make(map[string]struct{}, limit)
	for _, raw := range held {
		s := domain.NormalizeSymbol(raw)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		high = append(high, s)
	}
	sort.Strings(high)

	for _, raw := range universe {
		s := domain.NormalizeSymbol(raw)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if len(high) < limit {
			high = append(high, s)
		} else {
			low = append(low, s)
		}
	}
	return high, low
}

// RebalanceJob runs the weekly sector rebalancer every morning; the
// cadence guard inside decides whether this is the week's run.
type RebalanceJob struct {
	rebalancer rebalanceRunner
	log        zerolog.Logger
}

func NewRebalanceJob(rebalancer rebalanceRunner, log zerolog.Logger) *RebalanceJob {
	return &RebalanceJob{
		rebalancer: rebalancer,
		log:        log.With().Str("job", "rebalance").Logger(),
	}
}

func (j *RebalanceJob) Name() string { return "rebalance" }

func (j *RebalanceJob) Run() error {
	_, err := j.rebalancer.Run(context.Background(), false)
	return err
}
