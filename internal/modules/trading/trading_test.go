package trading

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
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

type stubOrderBroker struct {
	mu         sync.Mutex
	domestic   int
	afterHours int
	overseas   int
	result     *domain.OrderResult // status/order id/message template
	err        error
}

func (s *stubOrderBroker) send(symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	res := &domain.OrderResult{
		Status:   domain.OrderSuccess,
		OrderID:  "ORD-1",
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		At:       time.Now(),
	}
	if s.result != nil {
		res.Status = s.result.Status
		res.OrderID = s.result.OrderID
		res.Message = s.result.Message
	}
	return res, s.err
}

func (s *stubOrderBroker) SendDomesticOrder(_ context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domestic++
	return s.send(symbol, qty, price, side)
}

func (s *stubOrderBroker) SendDomesticAfterHoursOrder(_ context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterHours++
	return s.send(symbol, qty, price, side)
}

func (s *stubOrderBroker) SendOverseasOrder(_ context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overseas++
	return s.send(symbol, qty, price, side)
}

func (s *stubOrderBroker) calls() (domestic, afterHours, overseas int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domestic, s.afterHours, s.overseas
}

type stubHours struct {
	open     map[domain.Market]bool
	extended map[domain.Market]bool
}

func (s *stubHours) IsMarketOpen(m domain.Market, _ time.Time) bool         { return s.open[m] }
func (s *stubHours) IsMarketOpenExtended(m domain.Market, _ time.Time) bool { return s.extended[m] }

type stubNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (s *stubNotifier) Enqueue(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
}

func (s *stubNotifier) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type testEnv struct {
	exec     *Executor
	repo     *Repository
	broker   *stubOrderBroker
	notifier *stubNotifier
	settings *settings.Service
	db       *database.DB
}

func newTestEnv(t *testing.T, broker *stubOrderBroker, hours *stubHours, extendedUS bool) testEnv {
	t.Helper()

	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	st := settings.NewService(settings.NewRepository(db, zerolog.Nop()), zerolog.Nop())
	notifier := &stubNotifier{}
	exec := NewExecutor(broker, repo, hours, st, notifier,
		events.NewManager(zerolog.Nop()), extendedUS, domain.RealClock{}, zerolog.Nop())

	return testEnv{exec: exec, repo: repo, broker: broker, notifier: notifier, settings: st, db: db}
}

func allOpen() *stubHours {
	return &stubHours{
		open:     map[domain.Market]bool{domain.MarketKR: true, domain.MarketUS: true},
		extended: map[domain.Market]bool{domain.MarketKR: true, domain.MarketUS: true},
	}
}

func allClosed() *stubHours {
	return &stubHours{open: map[domain.Market]bool{}, extended: map[domain.Market]bool{}}
}

func TestOrderBlockedWhenMarketClosed(t *testing.T) {
	env := newTestEnv(t, &stubOrderBroker{}, allClosed(), false)

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "005930", Side: domain.SideBuy, Quantity: 10, Strategy: "score_buy",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderBlocked, result.Status)

	dom, ah, ovs := env.broker.calls()
	assert.Zero(t, dom+ah+ovs, "blocked orders never reach the broker")

	trades, err := env.repo.History(10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, env.notifier.messages(), "session gating is routine, not notification-worthy")
}

func TestDomesticOrderRecordsTrade(t *testing.T) {
	broker := &stubOrderBroker{result: &domain.OrderResult{Status: domain.OrderSuccess, OrderID: "KRX0042"}}
	env := newTestEnv(t, broker, allOpen(), false)

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "5930", Side: domain.SideBuy, Quantity: 10, Strategy: "score_buy",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuccess, result.Status)
	assert.Equal(t, "KRX0042", result.OrderID)

	dom, ah, ovs := env.broker.calls()
	assert.Equal(t, 1, dom)
	assert.Zero(t, ah)
	assert.Zero(t, ovs)

	trades, err := env.repo.History(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "005930", trades[0].Symbol, "symbols are normalized before hitting the ledger")
	assert.Equal(t, domain.SideBuy, trades[0].Side)
	assert.Equal(t, int64(10), trades[0].Quantity)
	assert.Equal(t, "score_buy", trades[0].Strategy)
	assert.Equal(t, "KRX0042", trades[0].OrderID)
	assert.False(t, trades[0].ExecutedAt.IsZero())

	msgs := env.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "BUY 10 005930 @ market")
	assert.Contains(t, msgs[0], "[score_buy]")
}

func TestOverseasOrdersUseOverseasRoute(t *testing.T) {
	env := newTestEnv(t, &stubOrderBroker{}, allOpen(), false)

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "AAPL", Side: domain.SideSell, Quantity: 5, Price: 195.5, Strategy: "split_sell",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuccess, result.Status)

	dom, ah, ovs := env.broker.calls()
	assert.Zero(t, dom+ah)
	assert.Equal(t, 1, ovs)

	trades, err := env.repo.BySymbol("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideSell, trades[0].Side)
	assert.Equal(t, 195.5, trades[0].Price)
}

func TestAfterHoursPathRequiresOptIn(t *testing.T) {
	hours := &stubHours{
		open:     map[domain.Market]bool{},
		extended: map[domain.Market]bool{domain.MarketKR: true},
	}
	env := newTestEnv(t, &stubOrderBroker{}, hours, false)

	intent := OrderIntent{Symbol: "005930", Side: domain.SideSell, Quantity: 3, Price: 71000}

	result, err := env.exec.Execute(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderBlocked, result.Status, "after-hours is off by default")

	require.NoError(t, env.settings.SetBool(settings.KeyAfterHoursEnabled, true))

	result, err = env.exec.Execute(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuccess, result.Status)

	dom, ah, _ := env.broker.calls()
	assert.Zero(t, dom, "past the close the regular endpoint is never used")
	assert.Equal(t, 1, ah)
}

func TestExtendedUSSessionNeedsConfigSwitch(t *testing.T) {
	hours := &stubHours{
		open:     map[domain.Market]bool{},
		extended: map[domain.Market]bool{domain.MarketUS: true},
	}

	env := newTestEnv(t, &stubOrderBroker{}, hours, false)
	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 2, Price: 190,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderBlocked, result.Status)

	env = newTestEnv(t, &stubOrderBroker{}, hours, true)
	result, err = env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 2, Price: 190,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuccess, result.Status)

	_, _, ovs := env.broker.calls()
	assert.Equal(t, 1, ovs)
}

func TestForceBypassesSessionGate(t *testing.T) {
	env := newTestEnv(t, &stubOrderBroker{}, allClosed(), false)

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "005930", Side: domain.SideBuy, Quantity: 1, Strategy: "manual", Force: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuccess, result.Status)

	dom, _, _ := env.broker.calls()
	assert.Equal(t, 1, dom)
}

func TestBrokerRejectionSkipsLedgerAndNotifies(t *testing.T) {
	broker := &stubOrderBroker{result: &domain.OrderResult{Status: domain.OrderFailed, Message: "insufficient cash"}}
	env := newTestEnv(t, broker, allOpen(), false)

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "005930", Side: domain.SideBuy, Quantity: 100, Strategy: "score_buy",
	})
	require.NoError(t, err, "business rejections are results, not errors")
	assert.Equal(t, domain.OrderFailed, result.Status)

	trades, err := env.repo.History(10)
	require.NoError(t, err)
	assert.Empty(t, trades, "only accepted orders enter the ledger")

	msgs := env.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Order failed")
	assert.Contains(t, msgs[0], "insufficient cash")
}

func TestTransportErrorSurfaces(t *testing.T) {
	broker := &stubOrderBroker{
		result: &domain.OrderResult{Status: domain.OrderError, Message: "gateway timeout"},
		err:    errors.New("gateway timeout"),
	}
	env := newTestEnv(t, broker, allOpen(), false)

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "005930", Side: domain.SideSell, Quantity: 5,
	})
	require.Error(t, err)
	assert.Equal(t, domain.OrderError, result.Status)

	trades, dbErr := env.repo.History(10)
	require.NoError(t, dbErr)
	assert.Empty(t, trades)
}

func TestLedgerFailureDoesNotUnwindOrder(t *testing.T) {
	env := newTestEnv(t, &stubOrderBroker{}, allOpen(), false)
	require.NoError(t, env.db.Close())

	result, err := env.exec.Execute(context.Background(), OrderIntent{
		Symbol: "005930", Side: domain.SideBuy, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSuccess, result.Status, "a lost ledger row must not look like a failed order")
}

func TestValidationRejectsBadIntents(t *testing.T) {
	env := newTestEnv(t, &stubOrderBroker{}, allOpen(), false)

	cases := []OrderIntent{
		{Symbol: "", Side: domain.SideBuy, Quantity: 1},
		{Symbol: "005930", Side: domain.SideBuy, Quantity: 0},
		{Symbol: "005930", Side: domain.TradeSide("hold"), Quantity: 1},
	}
	for _, intent := range cases {
		result, err := env.exec.Execute(context.Background(), intent)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderError, result.Status)
	}

	dom, ah, ovs := env.broker.calls()
	assert.Zero(t, dom+ah+ovs)
}

func TestLedgerQueries(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	base := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)
	seed := []domain.Trade{
		{ExecutedAt: base, Symbol: "005930", Side: domain.SideBuy, Quantity: 10, Price: 70000, Strategy: "score_buy"},
		{ExecutedAt: base.Add(2 * time.Hour), Symbol: "AAPL", Side: domain.SideBuy, Quantity: 5, Price: 190, Strategy: "score_buy"},
		{ExecutedAt: base.Add(26 * time.Hour), Symbol: "AAPL", Side: domain.SideSell, Quantity: 2, Price: 205, Strategy: "split_sell"},
	}
	for _, tr := range seed {
		require.NoError(t, repo.Create(tr))
	}

	history, err := repo.History(10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.SideSell, history[0].Side, "history is newest first")
	assert.Equal(t, "005930", history[2].Symbol)

	day, err := repo.Between(base.Add(-time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "005930", day[0].Symbol, "range queries are oldest first")

	last, err := repo.LastExecution("AAPL", domain.SideSell)
	require.NoError(t, err)
	assert.True(t, last.Equal(base.Add(26*time.Hour)), "last sell timestamp survives the round trip")

	none, err := repo.LastExecution("TSLA", domain.SideBuy)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}
