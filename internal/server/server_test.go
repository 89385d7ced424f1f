package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type stubEngine struct {
	enabled      bool
	sellAll      bool
	setErr       error
	opps         []strategy.Opportunity
	waiting      []strategy.PendingDecision
	enableCalls  []bool
	sellAllCalls int
	cancelCalls  int
}

func (s *stubEngine) Enabled() bool { return s.enabled }

func (s *stubEngine) SetEnabled(enabled bool) error {
	s.enableCalls = append(s.enableCalls, enabled)
	if s.setErr != nil {
		return s.setErr
	}
	s.enabled = enabled
	return nil
}

func (s *stubEngine) Status() strategy.EngineStatus {
	return strategy.EngineStatus{Enabled: s.enabled, SellAllRebuy: s.sellAll}
}

func (s *stubEngine) Opportunities() []strategy.Opportunity { return s.opps }

func (s *stubEngine) WaitingList() []strategy.PendingDecision { return s.waiting }

func (s *stubEngine) RequestSellAllRebuy() error {
	s.sellAllCalls++
	s.sellAll = true
	return nil
}

func (s *stubEngine) CancelSellAllRebuy() error {
	s.cancelCalls++
	s.sellAll = false
	return nil
}

type stubExecutor struct {
	intents []trading.OrderIntent
	result  *domain.OrderResult
	err     error
}

func (s *stubExecutor) Execute(_ context.Context, intent trading.OrderIntent) (*domain.OrderResult, error) {
	s.intents = append(s.intents, intent)
	return s.result, s.err
}

type stubTrades struct {
	all      []domain.Trade
	bySymbol map[string][]domain.Trade
}

func (s *stubTrades) History(limit int) ([]domain.Trade, error) {
	if limit < len(s.all) {
		return s.all[:limit], nil
	}
	return s.all, nil
}

func (s *stubTrades) BySymbol(symbol string, _ int) ([]domain.Trade, error) {
	return s.bySymbol[symbol], nil
}

type stubPortfolio struct {
	snap    *portfolio.Snapshot
	syncErr error
	syncs   int
}

func (s *stubPortfolio) Current() *portfolio.Snapshot { return s.snap }

func (s *stubPortfolio) Sync(context.Context) (*portfolio.Snapshot, error) {
	s.syncs++
	return s.snap, s.syncErr
}

type stubRegime struct {
	snap    *domain.RegimeSnapshot
	history []domain.RegimeSnapshot
}

func (s *stubRegime) Current(context.Context) *domain.RegimeSnapshot { return s.snap }

func (s *stubRegime) History(int) ([]domain.RegimeSnapshot, error) { return s.history, nil }

type stubRebalancer struct {
	report Report
	forces []bool
	runErr error
}

// Report aliases the rebalancing view so stub literals stay short.
type Report = rebalancing.Report

func (s *stubRebalancer) Run(_ context.Context, force bool) (*rebalancing.Report, error) {
	s.forces = append(s.forces, force)
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &s.report, nil
}

func (s *stubRebalancer) LastReport() rebalancing.Report { return s.report }

type stubHours struct{ statuses []market_hours.MarketStatus }

func (s *stubHours) Statuses(time.Time) []market_hours.MarketStatus { return s.statuses }

type stubJob struct {
	name string
	runs int
	done chan struct{}
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Run() error {
	j.runs++
	if j.done != nil {
		close(j.done)
	}
	return nil
}

type serverEnv struct {
	engine     *stubEngine
	executor   *stubExecutor
	trades     *stubTrades
	portfolio  *stubPortfolio
	regime     *stubRegime
	rebalancer *stubRebalancer
	hours      *stubHours
	settings   *settings.Service
	jobs       map[string]scheduler.Job
	server     *Server
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	settingsSvc := settings.NewService(settings.NewRepository(db, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, settingsSvc.Bootstrap())
	em := events.NewManager(zerolog.Nop())

	env := &serverEnv{
		engine:     &stubEngine{},
		executor:   &stubExecutor{result: &domain.OrderResult{Status: domain.OrderSuccess, OrderID: "OD1"}},
		trades:     &stubTrades{bySymbol: map[string][]domain.Trade{}},
		portfolio:  &stubPortfolio{},
		regime:     &stubRegime{snap: &domain.RegimeSnapshot{Status: domain.RegimeNeutral}},
		rebalancer: &stubRebalancer{},
		hours:      &stubHours{},
		settings:   settingsSvc,
		jobs:       map[string]scheduler.Job{},
	}

	env.server = New(Config{
		Port:       0,
		Log:        zerolog.Nop(),
		DataDir:    t.TempDir(),
		DB:         db,
		Engine:     env.engine,
		Executor:   env.executor,
		Trades:     env.trades,
		Portfolio:  env.portfolio,
		Settings:   settingsSvc,
		Regime:     env.regime,
		Hours:      env.hours,
		Rebalancer: env.rebalancer,
		Scheduler:  scheduler.New(zerolog.Nop(), time.UTC, em),
		Jobs:       env.jobs,
		Events:     em,
		Clock:      &fixedClock{now: time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)},
	})
	return env
}

func (env *serverEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthAnswersImmediately(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), "healthy")
}

func TestStrategyStartStopFlipTheSwitch(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/api/strategy/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.engine.enabled)

	rec = env.do(t, http.MethodPost, "/api/strategy/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.engine.enabled)

	assert.Equal(t, []bool{true, false}, env.engine.enableCalls)
}

func TestStrategyStartSurfacesPersistFailures(t *testing.T) {
	env := newServerEnv(t)
	env.engine.setErr = errors.New("disk full")

	rec := env.do(t, http.MethodPost, "/api/strategy/start", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "disk full", resp.Error)
}

func TestSellAllRebuyArmAndDisarm(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/api/strategy/sell-all-rebuy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.engine.sellAllCalls)
	assert.True(t, env.engine.sellAll)

	rec = env.do(t, http.MethodDelete, "/api/strategy/sell-all-rebuy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.engine.cancelCalls)
	assert.False(t, env.engine.sellAll)
}

func TestOpportunitiesServeTheLastPass(t *testing.T) {
	env := newServerEnv(t)
	env.engine.opps = []strategy.Opportunity{{Symbol: "005930", Score: 22}}

	rec := env.do(t, http.MethodGet, "/api/strategy/opportunities", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var opps []strategy.Opportunity
	resp := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, &opps))
	require.Len(t, opps, 1)
	assert.Equal(t, "005930", opps[0].Symbol)
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPut, "/api/settings/per_trade_ratio", settingRequest{Value: "0.08"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/settings/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var all map[string]string
	resp := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, &all))
	assert.Equal(t, "0.08", all["per_trade_ratio"])
}

func TestPutSettingRejectsEmptyValue(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPut, "/api/settings/per_trade_ratio", settingRequest{Value: "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualOrderForcesPastTheSessionGate(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders", orderRequest{
		Symbol: "5930", Side: "BUY", Quantity: 3, Price: 70000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.executor.intents, 1)
	intent := env.executor.intents[0]
	assert.Equal(t, "005930", intent.Symbol)
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.Equal(t, int64(3), intent.Quantity)
	assert.Equal(t, "manual", intent.Strategy)
	assert.True(t, intent.Force)

	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
}

func TestManualOrderSurfacesBrokerRejection(t *testing.T) {
	env := newServerEnv(t)
	env.executor.result = &domain.OrderResult{Status: domain.OrderError, Message: "insufficient balance"}

	rec := env.do(t, http.MethodPost, "/api/orders", orderRequest{
		Symbol: "005930", Side: "sell", Quantity: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient balance", resp.Error)
}

func TestManualOrderValidatesInput(t *testing.T) {
	env := newServerEnv(t)

	cases := []orderRequest{
		{Symbol: "", Side: "buy", Quantity: 1},
		{Symbol: "005930", Side: "hold", Quantity: 1},
		{Symbol: "005930", Side: "buy", Quantity: 0},
		{Symbol: "005930", Side: "buy", Quantity: 1, Price: -5},
	}
	for _, c := range cases {
		rec := env.do(t, http.MethodPost, "/api/orders", c)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Empty(t, env.executor.intents)
}

func TestTradesFilterBySymbol(t *testing.T) {
	env := newServerEnv(t)
	env.trades.all = []domain.Trade{{Symbol: "005930"}, {Symbol: "AAPL"}}
	env.trades.bySymbol["AAPL"] = []domain.Trade{{Symbol: "AAPL"}}

	rec := env.do(t, http.MethodGet, "/api/trades?symbol=aapl", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var trades []domain.Trade
	resp := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "AAPL", trades[0].Symbol)
}

func TestPortfolioBeforeFirstSyncIs404(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodGet, "/api/portfolio/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortfolioSyncReturnsFreshSnapshot(t *testing.T) {
	env := newServerEnv(t)
	env.portfolio.snap = &portfolio.Snapshot{
		Holdings: []domain.Holding{{Symbol: "005930", Quantity: 10}},
	}

	rec := env.do(t, http.MethodPost, "/api/portfolio/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.portfolio.syncs)

	var snap portfolio.Snapshot
	resp := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	require.Len(t, snap.Holdings, 1)
}

func TestRebalanceRunAlwaysForces(t *testing.T) {
	env := newServerEnv(t)
	env.rebalancer.report = Report{Ran: true, At: time.Now()}

	rec := env.do(t, http.MethodPost, "/api/rebalance/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true}, env.rebalancer.forces)
}

func TestRebalanceReportBeforeFirstRunIs404(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodGet, "/api/rebalance/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarketStatusHonorsTheAtParam(t *testing.T) {
	env := newServerEnv(t)
	env.hours.statuses = []market_hours.MarketStatus{{Market: domain.MarketKR, IsOpen: true}}

	rec := env.do(t, http.MethodGet, "/api/markets/status?at=2025-03-11T10:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/markets/status?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemJobsListAndTrigger(t *testing.T) {
	env := newServerEnv(t)
	job := &stubJob{name: "daily_data_sync", done: make(chan struct{})}
	env.jobs["daily_data_sync"] = job

	rec := env.do(t, http.MethodGet, "/api/system/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "daily_data_sync")

	rec = env.do(t, http.MethodPost, "/api/system/jobs/daily_data_sync/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-job.done:
	case <-time.After(2 * time.Second):
		t.Fatal("manual trigger never ran the job")
	}

	rec = env.do(t, http.MethodPost, "/api/system/jobs/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemStatusReportsStoreAndStrategy(t *testing.T) {
	env := newServerEnv(t)
	env.engine.enabled = true

	rec := env.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	resp := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, "running", status["status"])
	require.Contains(t, status, "store")
	require.Contains(t, status, "strategy")
}
