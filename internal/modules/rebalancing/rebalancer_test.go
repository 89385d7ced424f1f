package rebalancing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/modules/strategy"
	"github.com/hantuquant/trader/internal/modules/trading"
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

type stubPortfolio struct {
	snap  *portfolio.Snapshot
	err   error
	syncs int
}

func (s *stubPortfolio) Sync(context.Context) (*portfolio.Snapshot, error) {
	s.syncs++
	return s.snap, s.err
}

type stubExecutor struct {
	intents []trading.OrderIntent
}

func (s *stubExecutor) Execute(_ context.Context, intent trading.OrderIntent) (*domain.OrderResult, error) {
	s.intents = append(s.intents, intent)
	return &domain.OrderResult{
		Status:   domain.OrderSuccess,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
	}, nil
}

type stubHours struct {
	open map[domain.Market]bool
}

func (s *stubHours) IsMarketOpen(m domain.Market, _ time.Time) bool { return s.open[m] }

type stubCandidates struct {
	opps []strategy.Opportunity
}

func (s *stubCandidates) Opportunities() []strategy.Opportunity { return s.opps }

type stubInstruments struct {
	sectors map[string]string
}

func (s *stubInstruments) Instrument(symbol string) (*domain.Instrument, error) {
	sector, ok := s.sectors[symbol]
	if !ok {
		return nil, nil
	}
	return &domain.Instrument{Symbol: symbol, Sector: sector}, nil
}

type rebalEnv struct {
	portfolio   *stubPortfolio
	executor    *stubExecutor
	hours       *stubHours
	candidates  *stubCandidates
	instruments *stubInstruments
	settings    *settings.Service
	clock       *fixedClock
	rebalancer  *Rebalancer
}

func newRebalEnv(t *testing.T) *rebalEnv {
	t.Helper()

	db := newTestDB(t)
	settingsSvc := settings.NewService(settings.NewRepository(db, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, settingsSvc.Bootstrap())

	seoul := time.FixedZone("KST", 9*3600)
	env := &rebalEnv{
		portfolio:   &stubPortfolio{},
		executor:    &stubExecutor{},
		hours:       &stubHours{open: map[domain.Market]bool{domain.MarketKR: true}},
		candidates:  &stubCandidates{},
		instruments: &stubInstruments{sectors: map[string]string{}},
		settings:    settingsSvc,
		clock:       &fixedClock{now: time.Date(2025, 3, 11, 9, 10, 0, 0, seoul)},
	}
	env.rebalancer = NewRebalancer(
		env.portfolio,
		env.executor,
		env.hours,
		env.candidates,
		env.instruments,
		settingsSvc,
		events.NewManager(zerolog.Nop()),
		env.clock,
		zerolog.Nop(),
	)
	return env
}

func holdingOf(symbol string, market domain.Market, sector string, qty int64, avg, current float64) domain.Holding {
	return domain.Holding{
		Symbol:       symbol,
		Market:       market,
		Name:         symbol,
		Sector:       sector,
		Quantity:     qty,
		AvgBuyPrice:  avg,
		CurrentPrice: current,
	}
}

// Weights: tech 70% (winner 005930 +40%, loser 000660 -12.5%),
// value 20%, financial 10% against 50/30/20 targets.
func driftedSnapshot() *portfolio.Snapshot {
	return &portfolio.Snapshot{
		Holdings: []domain.Holding{
			holdingOf("005930", domain.MarketKR, "semiconductor", 30, 50000, 70000),
			holdingOf("000660", domain.MarketKR, "IT", 40, 80000, 70000),
			holdingOf("035720", domain.MarketKR, "consumer", 10, 140000, 140000),
			holdingOf("105560", domain.MarketKR, "insurance", 10, 70000, 70000),
		},
		Cash:     domain.CashBalance{KRW: 3_000_000},
		SyncedAt: time.Now(),
	}
}

func TestRunSkipsInsideTheWeek(t *testing.T) {
	env := newRebalEnv(t)
	require.NoError(t, env.settings.Set(settings.KeyLastRebalanceDate, "2025-03-08", nil))

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, report.Ran)
	assert.Equal(t, "already rebalanced this week", report.Skipped)
	assert.Zero(t, env.portfolio.syncs, "a skipped run does not touch the broker")
}

func TestRunIsDueAfterAWeek(t *testing.T) {
	env := newRebalEnv(t)
	require.NoError(t, env.settings.Set(settings.KeyLastRebalanceDate, "2025-03-04", nil))
	env.portfolio.snap = driftedSnapshot()

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, report.Ran)
	assert.Equal(t, "2025-03-11", env.settings.GetString(settings.KeyLastRebalanceDate, ""))
}

func TestTrimsOverweightGroupSellingTopGainer(t *testing.T) {
	env := newRebalEnv(t)
	env.portfolio.snap = driftedSnapshot()

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, env.executor.intents, 1)
	intent := env.executor.intents[0]
	assert.Equal(t, "005930", intent.Symbol, "the winner goes, not the bigger loser")
	assert.Equal(t, domain.SideSell, intent.Side)
	assert.Equal(t, int64(10), intent.Quantity, "one split tranche of 30")
	assert.Equal(t, "rebalance", intent.Strategy)
	assert.Zero(t, intent.Price, "domestic orders go at market")

	require.Len(t, report.Actions, 1)
	assert.Equal(t, domain.GroupTech, report.Actions[0].Group)
	assert.Equal(t, "overweight trim", report.Actions[0].Reason)
	assert.InDelta(t, 0.70, report.Actions[0].Weight, 0.001)
}

func TestBuysLowestScoreCandidateForUnderweightGroup(t *testing.T) {
	env := newRebalEnv(t)
	// Tech 40% against a 50% target; value and financial sit inside the
	// band. Every holding is flat or down, so no trim can fire.
	env.portfolio.snap = &portfolio.Snapshot{
		Holdings: []domain.Holding{
			holdingOf("005930", domain.MarketKR, "semiconductor", 40, 60000, 50000),
			holdingOf("035720", domain.MarketKR, "consumer", 50, 35000, 35000),
			holdingOf("105560", domain.MarketKR, "insurance", 25, 50000, 50000),
		},
		Cash:     domain.CashBalance{KRW: 3_000_000},
		SyncedAt: time.Now(),
	}
	env.candidates.opps = []strategy.Opportunity{
		{Symbol: "000990", Market: domain.MarketKR, Score: 35, Price: 30000},
		{Symbol: "042700", Market: domain.MarketKR, Score: 20, Price: 50000},
	}
	env.instruments.sectors["000990"] = "semiconductor"
	env.instruments.sectors["042700"] = "semiconductor"

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, env.executor.intents, 1)
	intent := env.executor.intents[0]
	assert.Equal(t, "042700", intent.Symbol, "the strongest score wins, not list order")
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.Equal(t, int64(2), intent.Quantity, "one plain tranche of total assets")

	require.Len(t, report.Actions, 1)
	assert.Equal(t, "underweight add", report.Actions[0].Reason)
}

func TestNeverSellsLosersToRebalance(t *testing.T) {
	env := newRebalEnv(t)
	// Tech is heavily overweight but everything in it is under water.
	env.portfolio.snap = &portfolio.Snapshot{
		Holdings: []domain.Holding{
			holdingOf("005930", domain.MarketKR, "semiconductor", 100, 80000, 70000),
			holdingOf("035720", domain.MarketKR, "consumer", 10, 140000, 140000),
			holdingOf("105560", domain.MarketKR, "insurance", 10, 70000, 70000),
		},
		Cash:     domain.CashBalance{KRW: 1_000_000},
		SyncedAt: time.Now(),
	}

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, env.executor.intents)
	assert.True(t, report.Ran, "an examined pass stamps the week even when nothing trades")
	assert.Empty(t, report.Actions)
}

func TestClosedMarketsSitOut(t *testing.T) {
	env := newRebalEnv(t)
	env.hours.open = map[domain.Market]bool{} // nothing trading
	env.portfolio.snap = driftedSnapshot()
	env.candidates.opps = []strategy.Opportunity{
		{Symbol: "042700", Market: domain.MarketKR, Score: 20, Price: 50000},
	}
	env.instruments.sectors["042700"] = "consumer"

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, env.executor.intents)
	assert.True(t, report.Ran)
}

func TestForceBypassesTheCadenceGuard(t *testing.T) {
	env := newRebalEnv(t)
	require.NoError(t, env.settings.Set(settings.KeyLastRebalanceDate, "2025-03-11", nil))
	env.portfolio.snap = driftedSnapshot()

	report, err := env.rebalancer.Run(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, report.Ran)
	assert.Equal(t, 1, env.portfolio.syncs)
	assert.Len(t, env.executor.intents, 1)
}

func TestStaleSnapshotDefersToTomorrow(t *testing.T) {
	env := newRebalEnv(t)
	snap := driftedSnapshot()
	snap.Stale = true
	env.portfolio.snap = snap

	report, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, report.Ran)
	assert.Equal(t, "broker snapshot stale", report.Skipped)
	assert.Empty(t, env.executor.intents)
	assert.Empty(t, env.settings.GetString(settings.KeyLastRebalanceDate, ""),
		"the week is not stamped, the next morning retries")
}

func TestLastReportIsServedToOperators(t *testing.T) {
	env := newRebalEnv(t)
	env.portfolio.snap = driftedSnapshot()

	_, err := env.rebalancer.Run(context.Background(), false)
	require.NoError(t, err)

	report := env.rebalancer.LastReport()
	assert.True(t, report.Ran)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, "005930", report.Actions[0].Symbol)
}
