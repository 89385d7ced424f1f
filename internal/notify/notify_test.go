package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantuquant/trader/internal/domain"
)

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestQueueDrainKeepsOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue("first")
	q.Enqueue("")
	q.Enqueue("second")

	assert.Equal(t, 2, q.Len(), "empty strings are dropped")

	msgs := q.drain()
	assert.Equal(t, []string{"first", "second"}, texts(msgs))
	assert.NotEmpty(t, msgs[0].ID)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
	assert.Nil(t, q.drain())
}

func TestQueueRequeueKeepsIDAndGoesToFront(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")

	pending := q.drain()
	q.Enqueue("c")
	q.requeue(pending[1:])

	drained := q.drain()
	assert.Equal(t, []string{"b", "c"}, texts(drained))
	assert.Equal(t, pending[1].ID, drained[0].ID, "redelivery keeps the original id")
}

type webhookRecorder struct {
	mu       sync.Mutex
	texts    []string
	failures int
}

func (w *webhookRecorder) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var body Message
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.failures > 0 {
			w.failures--
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		w.texts = append(w.texts, body.Text)
		rw.WriteHeader(http.StatusOK)
	}
}

func (w *webhookRecorder) received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.texts))
	copy(out, w.texts)
	return out
}

func TestConsumerDeliversInOrder(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	q := NewQueue()
	c := NewConsumer(q, server.URL, zerolog.Nop())

	q.Enqueue("one")
	q.Enqueue("two")
	c.flush(context.Background())

	assert.Equal(t, []string{"one", "two"}, recorder.received())
	assert.Equal(t, 0, q.Len())
}

func TestConsumerRequeuesOnFailure(t *testing.T) {
	recorder := &webhookRecorder{failures: 1}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	q := NewQueue()
	c := NewConsumer(q, server.URL, zerolog.Nop())

	q.Enqueue("keep me")
	c.flush(context.Background())
	assert.Equal(t, 1, q.Len(), "failed message went back")
	assert.Empty(t, recorder.received())

	c.flush(context.Background())
	assert.Equal(t, []string{"keep me"}, recorder.received())
	assert.Equal(t, 0, q.Len())
}

func TestConsumerWithoutWebhookDropsMessages(t *testing.T) {
	q := NewQueue()
	c := NewConsumer(q, "", zerolog.Nop())

	q.Enqueue("nowhere to go")
	c.flush(context.Background())
	assert.Equal(t, 0, q.Len())
}

func TestConsumerStopFlushes(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	q := NewQueue()
	c := NewConsumer(q, server.URL, zerolog.Nop())
	c.interval = time.Hour // make sure delivery comes from Stop, not the ticker

	c.Start()
	q.Enqueue("last words")
	c.Stop()

	assert.Equal(t, []string{"last words"}, recorder.received())
}

func TestFormatTradeFill(t *testing.T) {
	limit := &domain.OrderResult{Side: domain.SideBuy, Quantity: 10, Symbol: "005930", Price: 70000}
	assert.Equal(t, "Order placed: BUY 10 005930 @ 70000 [score_buy]", FormatTradeFill(limit, "score_buy"))

	market := &domain.OrderResult{Side: domain.SideSell, Quantity: 3, Symbol: "AAPL", Price: 0}
	assert.Equal(t, "Order placed: SELL 3 AAPL @ market", FormatTradeFill(market, ""))
}

func TestFormatTradeFailureCarriesReason(t *testing.T) {
	result := &domain.OrderResult{Side: domain.SideBuy, Quantity: 5, Symbol: "NVDA", Message: "insufficient funds"}
	text := FormatTradeFailure(result, "manual")
	assert.Contains(t, text, "Order failed: BUY 5 NVDA")
	assert.Contains(t, text, "[manual]")
	assert.Contains(t, text, "insufficient funds")
}

func TestFormatPortfolioSummary(t *testing.T) {
	holdings := []domain.Holding{
		{Symbol: "005930", Market: domain.MarketKR, Quantity: 100, AvgBuyPrice: 68000, CurrentPrice: 70000},
		{Symbol: "AAPL", Market: domain.MarketUS, Quantity: 10, AvgBuyPrice: 180, CurrentPrice: 195},
		{Symbol: "035720", Market: domain.MarketKR, Quantity: 50, AvgBuyPrice: 50000, CurrentPrice: 47000},
	}
	cash := domain.CashBalance{KRW: 5_000_000, USD: 1_234.5}

	text := FormatPortfolioSummary(holdings, cash, domain.RegimeNeutral, 1350)

	assert.Contains(t, text, "regime: Neutral")
	assert.Contains(t, text, "KR: 2 positions 9,350,000 KRW, cash 5,000,000 KRW")
	assert.Contains(t, text, "US: 1 positions 1,950.00 USD, cash 1,234.50 USD")
	assert.Contains(t, text, "Best AAPL +8.3%")
	assert.Contains(t, text, "Worst 035720 -6.0%")
}

func TestFormatHourlyGainers(t *testing.T) {
	gainers := []Gainer{
		{Symbol: "AAPL", Name: "Apple", Price: 195.3, ChangeRate: 2.1},
		{Symbol: "005930", Name: "삼성전자", Price: 70000, ChangeRate: 4.25},
		{Symbol: "TSLA", Price: 250, ChangeRate: -1.0},
	}

	text := FormatHourlyGainers(gainers, 2)
	require.NotEmpty(t, text)

	lines := []string{
		"1. 삼성전자 (005930) +4.25% @ 70,000",
		"2. Apple (AAPL) +2.10% @ 195.3",
	}
	for _, line := range lines {
		assert.Contains(t, text, line)
	}
	assert.NotContains(t, text, "TSLA", "limit trims the tail")

	assert.Empty(t, FormatHourlyGainers(nil, 5))
}

func TestGroupDigits(t *testing.T) {
	assert.Equal(t, "1,234,567", groupDigits(1234567, 0))
	assert.Equal(t, "-12,345.68", groupDigits(-12345.678, 2))
	assert.Equal(t, "950", groupDigits(950, 0))
	assert.Equal(t, "195.3", groupDigits(195.3, -1))
}
