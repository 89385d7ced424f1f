package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/locking"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/rebalancing"
	"github.com/hantuquant/trader/internal/modules/settings"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type stubEngine struct {
	runs int
	err  error
}

func (s *stubEngine) Run(context.Context) error {
	s.runs++
	return s.err
}

type stubSyncer struct {
	syncs int
	err   error
}

func (s *stubSyncer) Sync(context.Context) (*portfolio.Snapshot, error) {
	s.syncs++
	return nil, s.err
}

type stubPortfolioView struct {
	snap    *portfolio.Snapshot
	held    []string
	heldErr error
}

func (s *stubPortfolioView) Current() *portfolio.Snapshot   { return s.snap }
func (s *stubPortfolioView) HeldSymbols() ([]string, error) { return s.held, s.heldErr }

type stubUniverse struct {
	symbols    []string
	refreshErr error
	stored     []string
	forces     []bool
}

func (s *stubUniverse) Refresh(_ context.Context, force bool) ([]string, error) {
	s.forces = append(s.forces, force)
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.symbols, nil
}

func (s *stubUniverse) Current() []string { return s.stored }

type stubWarmer struct {
	batches [][]string
	forced  []bool
	waits   int
}

func (s *stubWarmer) RegisterBatch(_ context.Context, symbols []string, force bool) (int, int) {
	s.batches = append(s.batches, append([]string(nil), symbols...))
	s.forced = append(s.forced, force)
	return len(symbols), 0
}

func (s *stubWarmer) Wait() { s.waits++ }

type stubTickers struct {
	states    map[string]*domain.TickerState
	high, low []string
	tiersSet  int
}

func (s *stubTickers) GetAllStates() map[string]*domain.TickerState { return s.states }

func (s *stubTickers) SetTiers(high, low []string) {
	s.high, s.low = high, low
	s.tiersSet++
}

type stubFeed struct {
	live    []string
	added   []string
	removed []string
}

func (s *stubFeed) Subscribe(symbol string, _ domain.Market) error {
	s.added = append(s.added, symbol)
	return nil
}

func (s *stubFeed) Unsubscribe(symbol string) error {
	s.removed = append(s.removed, symbol)
	return nil
}

func (s *stubFeed) SubscribedSymbols() []string { return s.live }

type stubRegimeView struct{ snap *domain.RegimeSnapshot }

func (s *stubRegimeView) Current(context.Context) *domain.RegimeSnapshot { return s.snap }

type stubOpenMarkets struct{ open []domain.Market }

func (s *stubOpenMarkets) OpenMarkets(time.Time) []domain.Market { return s.open }

type recordingNotifier struct{ msgs []string }

func (n *recordingNotifier) Enqueue(text string) { n.msgs = append(n.msgs, text) }

type stubRebalancer struct{ forces []bool }

func (s *stubRebalancer) Run(_ context.Context, force bool) (*rebalancing.Report, error) {
	s.forces = append(s.forces, force)
	return &rebalancing.Report{Ran: true}, nil
}

func TestStrategyJobDelegatesToTheEngine(t *testing.T) {
	engine := &stubEngine{err: errors.New("broker down")}
	job := NewStrategyJob(engine, zerolog.Nop())

	assert.Equal(t, "strategy", job.Name())
	assert.EqualError(t, job.Run(), "broker down")
	assert.Equal(t, 1, engine.runs)
}

func TestPortfolioSyncSkipsWhileHeld(t *testing.T) {
	syncer := &stubSyncer{}
	locks := locking.NewManager(zerolog.Nop())
	job := NewPortfolioSyncJob(syncer, locks, zerolog.Nop())

	require.True(t, locks.Acquire("portfolio_sync"))
	require.NoError(t, job.Run())
	assert.Equal(t, 0, syncer.syncs)

	locks.Release("portfolio_sync")
	require.NoError(t, job.Run())
	assert.Equal(t, 1, syncer.syncs)
	assert.False(t, locks.IsHeld("portfolio_sync"))
}

func newReportJob(t *testing.T, hours *stubOpenMarkets, view *stubPortfolioView, tickers *stubTickers) (*HourlyReportJob, *recordingNotifier) {
	t.Helper()

	db := newTestDB(t)
	settingsSvc := settings.NewService(settings.NewRepository(db, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, settingsSvc.Bootstrap())

	notifier := &recordingNotifier{}
	clock := &fixedClock{now: time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)}
	job := NewHourlyReportJob(view, tickers, &stubRegimeView{}, hours, settingsSvc, notifier, clock, zerolog.Nop())
	return job, notifier
}

func TestHourlyReportStaysQuietOffHours(t *testing.T) {
	job, notifier := newReportJob(t,
		&stubOpenMarkets{},
		&stubPortfolioView{snap: &portfolio.Snapshot{}},
		&stubTickers{},
	)

	require.NoError(t, job.Run())
	assert.Empty(t, notifier.msgs)
}

func TestHourlyReportWaitsForTheFirstSync(t *testing.T) {
	job, notifier := newReportJob(t,
		&stubOpenMarkets{open: []domain.Market{domain.MarketKR}},
		&stubPortfolioView{},
		&stubTickers{},
	)

	require.NoError(t, job.Run())
	assert.Empty(t, notifier.msgs)
}

func TestHourlyReportPostsSummaryAndMovers(t *testing.T) {
	snap := &portfolio.Snapshot{
		Holdings: []domain.Holding{
			{Symbol: "005930", Market: domain.MarketKR, Name: "Samsung Electronics", Quantity: 10, AvgBuyPrice: 60000, CurrentPrice: 70000},
		},
		Cash: domain.CashBalance{KRW: 1_000_000, USD: 100},
	}
	tickers := &stubTickers{states: map[string]*domain.TickerState{
		"005930": {Symbol: "005930", Name: "Samsung Electronics", Market: domain.MarketKR, CurrentPrice: 70000, ChangeRate: 3.2},
		"000660": {Symbol: "000660", Name: "SK hynix", Market: domain.MarketKR, CurrentPrice: 180000, ChangeRate: -1.1},
		"AAPL":   {Symbol: "AAPL", Name: "Apple", Market: domain.MarketUS, CurrentPrice: 210, ChangeRate: 4.0},
	}}
	job, notifier := newReportJob(t,
		&stubOpenMarkets{open: []domain.Market{domain.MarketKR}},
		&stubPortfolioView{snap: snap},
		tickers,
	)

	require.NoError(t, job.Run())
	require.Len(t, notifier.msgs, 2)
	assert.Contains(t, notifier.msgs[0], "Portfolio report")
	assert.Contains(t, notifier.msgs[0], "Best 005930")

	// Movers list carries only gainers whose market is trading.
	assert.Contains(t, notifier.msgs[1], "005930")
	assert.NotContains(t, notifier.msgs[1], "AAPL")
	assert.NotContains(t, notifier.msgs[1], "000660")
}

func TestDailyDataSyncRewarmsEverything(t *testing.T) {
	universe := &stubUniverse{symbols: []string{"005930", "AAPL"}}
	warmer := &stubWarmer{}
	job := NewDailyDataSyncJob(universe, warmer, locking.NewManager(zerolog.Nop()), zerolog.Nop())

	require.NoError(t, job.Run())
	require.Len(t, warmer.batches, 1)
	assert.Equal(t, []string{"005930", "AAPL"}, warmer.batches[0])
	assert.Equal(t, []bool{true}, warmer.forced)
	assert.Equal(t, 1, warmer.waits)
	assert.Equal(t, []bool{false}, universe.forces)
}

func TestDailyDataSyncFallsBackToTheStoredList(t *testing.T) {
	universe := &stubUniverse{refreshErr: errors.New("ranking api down"), stored: []string{"005930"}}
	warmer := &stubWarmer{}
	job := NewDailyDataSyncJob(universe, warmer, locking.NewManager(zerolog.Nop()), zerolog.Nop())

	require.NoError(t, job.Run())
	require.Len(t, warmer.batches, 1)
	assert.Equal(t, []string{"005930"}, warmer.batches[0])
}

func TestDailyDataSyncDoesNothingOnAnEmptyUniverse(t *testing.T) {
	job := NewDailyDataSyncJob(&stubUniverse{}, &stubWarmer{}, locking.NewManager(zerolog.Nop()), zerolog.Nop())

	require.NoError(t, job.Run())
}

func TestUniverseRefreshRetiersAndResubscribes(t *testing.T) {
	universe := &stubUniverse{symbols: []string{"005930", "000660", "AAPL"}}
	view := &stubPortfolioView{held: []string{"035720"}}
	tickers := &stubTickers{}
	feed := &stubFeed{live: []string{"005930", "DELISTED"}}
	job := NewUniverseRefreshJob(universe, view, tickers, feed, zerolog.Nop())

	require.NoError(t, job.Run())

	assert.Equal(t, []bool{true}, universe.forces)
	assert.Equal(t, 1, tickers.tiersSet)
	assert.Equal(t, []string{"035720", "005930", "000660", "AAPL"}, tickers.high)
	assert.Empty(t, tickers.low)

	assert.Equal(t, []string{"DELISTED"}, feed.removed)
	assert.ElementsMatch(t, []string{"035720", "000660", "AAPL"}, feed.added)
}

func TestUniverseRefreshSurfacesRankingFailures(t *testing.T) {
	universe := &stubUniverse{refreshErr: errors.New("ranking api down")}
	job := NewUniverseRefreshJob(universe, &stubPortfolioView{}, &stubTickers{}, &stubFeed{}, zerolog.Nop())

	assert.Error(t, job.Run())
}

func TestSplitTiersKeepsHoldingsAndCapsTheRest(t *testing.T) {
	held := []string{"5930", "AAPL", "005930"} // unpadded + duplicate
	universe := []string{"000660", "035720", "AAPL", "105560"}

	high, low := splitTiers(held, universe, 3)

	assert.Equal(t, []string{"005930", "AAPL", "000660"}, high)
	assert.Equal(t, []string{"035720", "105560"}, low)
}

func TestSplitTiersAlwaysKeepsEveryHolding(t *testing.T) {
	held := []string{"A", "B", "C", "D"}

	high, low := splitTiers(held, []string{"E"}, 2)

	// Holdings exceed the cap; they still all ride the live feed.
	assert.Len(t, high, 4)
	assert.Equal(t, []string{"E"}, low)
}

func TestRebalanceJobNeverForces(t *testing.T) {
	rb := &stubRebalancer{}
	job := NewRebalanceJob(rb, zerolog.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, []bool{false}, rb.forces)
}

func TestHealthCheckPassesOnAHealthyStore(t *testing.T) {
	db := newTestDB(t)
	job := NewHealthCheckJob(db, locking.NewManager(zerolog.Nop()), t.TempDir(), zerolog.Nop())

	assert.Equal(t, "health_check", job.Name())
	require.NoError(t, job.Run())
}

func TestHealthCheckSkipsWhileHeld(t *testing.T) {
	db := newTestDB(t)
	locks := locking.NewManager(zerolog.Nop())
	require.True(t, locks.Acquire("health_check"))

	job := NewHealthCheckJob(db, locks, t.TempDir(), zerolog.Nop())
	require.NoError(t, job.Run())
	assert.True(t, locks.IsHeld("health_check"))
}
