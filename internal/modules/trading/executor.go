package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/notify"
)

// orderBroker is the slice of the brokerage client the executor needs.
type orderBroker interface {
	SendDomesticOrder(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error)
	SendDomesticAfterHoursOrder(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error)
	SendOverseasOrder(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error)
}

type marketClock interface {
	IsMarketOpen(market domain.Market, at time.Time) bool
	IsMarketOpenExtended(market domain.Market, at time.Time) bool
}

type sessionMode int

const (
	sessionClosed sessionMode = iota
	sessionRegular
	sessionAfterHours
)

// OrderIntent is one order as the strategy (or an operator) wants it.
// Price zero means a market order; overseas orders must carry a price
// because the broker only accepts limit orders there. Force skips the
// session gate for manual orders.
type OrderIntent struct {
	Symbol   string
	Side     domain.TradeSide
	Quantity int64
	Price    float64
	Strategy string
	Force    bool
}

// Executor routes intents to the right brokerage endpoint, gates them on
// the session calendar, and records accepted orders in the ledger.
type Executor struct {
	broker     orderBroker
	trades     *Repository
	hours      marketClock
	settings   *settings.Service
	notifier   domain.Notifier
	events     *events.Manager
	clock      domain.Clock
	log        zerolog.Logger
	extendedUS bool
}

func NewExecutor(
	broker orderBroker,
	trades *Repository,
	hours marketClock,
	settingsSvc *settings.Service,
	notifier domain.Notifier,
	eventsMgr *events.Manager,
	extendedUS bool,
	clock domain.Clock,
	log zerolog.Logger,
) *Executor {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Executor{
		broker:     broker,
		trades:     trades,
		hours:      hours,
		settings:   settingsSvc,
		notifier:   notifier,
		events:     eventsMgr,
		clock:      clock,
		log:        log.With().Str("module", "trading").Logger(),
		extendedUS: extendedUS,
	}
}

// Execute submits one order. The result is always non-nil and tagged
// with a status; the error is non-nil only for transport failures that
// survived the client's retries.
func (e *Executor) Execute(ctx context.Context, intent OrderIntent) (*domain.OrderResult, error) {
	symbol := domain.NormalizeSymbol(intent.Symbol)
	now := e.clock.Now()
	result := &domain.OrderResult{
		Symbol:   symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Price:    intent.Price,
		At:       now,
	}

	if symbol == "" {
		result.Status = domain.OrderError
		result.Message = "order requires a symbol"
		return result, nil
	}
	if !intent.Side.IsBuy() && !intent.Side.IsSell() {
		result.Status = domain.OrderError
		result.Message = fmt.Sprintf("order side %q is not buy or sell", intent.Side)
		return result, nil
	}
	if intent.Quantity <= 0 {
		result.Status = domain.OrderError
		result.Message = "order quantity must be positive"
		return result, nil
	}

	market := domain.MarketOf(symbol)
	afterHours := false
	if !intent.Force {
		switch e.sessionFor(market, now) {
		case sessionClosed:
			result.Status = domain.OrderBlocked
			result.Message = fmt.Sprintf("%s market is closed", market)
			e.log.Debug().
				Str("symbol", symbol).
				Str("side", string(intent.Side)).
				Str("market", string(market)).
				Msg("Order blocked outside trading hours")
			e.emitRejected(result, intent.Strategy)
			return result, nil
		case sessionAfterHours:
			afterHours = true
		}
	}

	sent, err := e.dispatch(ctx, symbol, market, intent, afterHours)
	if sent != nil {
		result = sent
	}
	if err != nil {
		result.Status = domain.OrderError
		if result.Message == "" {
			result.Message = err.Error()
		}
		e.log.Error().Err(err).
			Str("symbol", symbol).
			Str("side", string(intent.Side)).
			Int64("quantity", intent.Quantity).
			Msg("Order submission failed")
		e.emitRejected(result, intent.Strategy)
		e.notify(notify.FormatTradeFailure(result, intent.Strategy))
		return result, err
	}

	switch result.Status {
	case domain.OrderSuccess:
		e.log.Info().
			Str("symbol", symbol).
			Str("side", string(intent.Side)).
			Int64("quantity", result.Quantity).
			Float64("price", result.Price).
			Str("order_id", result.OrderID).
			Str("strategy", intent.Strategy).
			Bool("after_hours", afterHours).
			Msg("Order accepted")
		e.recordTrade(result, intent.Strategy)
		if e.events != nil {
			e.events.Emit(events.OrderPlaced, "trading", map[string]interface{}{
				"symbol":   symbol,
				"side":     string(intent.Side),
				"quantity": result.Quantity,
				"price":    result.Price,
				"order_id": result.OrderID,
				"strategy": intent.Strategy,
			})
		}
		e.notify(notify.FormatTradeFill(result, intent.Strategy))
	case domain.OrderBlocked:
		e.log.Debug().
			Str("symbol", symbol).
			Str("reason", result.Message).
			Msg("Order blocked by broker-side gate")
		e.emitRejected(result, intent.Strategy)
	default:
		e.log.Warn().
			Str("symbol", symbol).
			Str("side", string(intent.Side)).
			Str("reason", result.Message).
			Msg("Order rejected by broker")
		e.emitRejected(result, intent.Strategy)
		e.notify(notify.FormatTradeFailure(result, intent.Strategy))
	}
	return result, nil
}

// sessionFor decides which order path a market supports right now.
// KR past the regular close goes through the dedicated after-hours
// endpoint when the account opted in; US extended trading uses the same
// endpoint as the day session, so it only needs the config switch.
func (e *Executor) sessionFor(market domain.Market, at time.Time) sessionMode {
	if e.hours.IsMarketOpen(market, at) {
		return sessionRegular
	}
	if !e.hours.IsMarketOpenExtended(market, at) {
		return sessionClosed
	}
	switch market {
	case domain.MarketKR:
		if e.settings != nil && e.settings.GetBool(settings.KeyAfterHoursEnabled, false) {
			return sessionAfterHours
		}
	case domain.MarketUS:
		if e.extendedUS {
			return sessionRegular
		}
	}
	return sessionClosed
}

func (e *Executor) dispatch(ctx context.Context, symbol string, market domain.Market, intent OrderIntent, afterHours bool) (*domain.OrderResult, error) {
	if market == domain.MarketUS {
		return e.broker.SendOverseasOrder(ctx, symbol, intent.Quantity, intent.Price, intent.Side)
	}
	if afterHours {
		return e.broker.SendDomesticAfterHoursOrder(ctx, symbol, intent.Quantity, intent.Price, intent.Side)
	}
	return e.broker.SendDomesticOrder(ctx, symbol, intent.Quantity, intent.Price, intent.Side)
}

// recordTrade writes the accepted order to the ledger. A ledger failure
// is logged but never unwinds the order; the money already moved.
func (e *Executor) recordTrade(result *domain.OrderResult, strategy string) {
	trade := domain.Trade{
		ExecutedAt:    result.At,
		Symbol:        result.Symbol,
		Side:          result.Side,
		Quantity:      result.Quantity,
		Price:         result.Price,
		Strategy:      strategy,
		OrderID:       result.OrderID,
		ResultMessage: result.Message,
	}
	if err := e.trades.Create(trade); err != nil {
		e.log.Warn().Err(err).
			Str("symbol", result.Symbol).
			Str("order_id", result.OrderID).
			Msg("Trade executed but failed to record")
		return
	}
	if e.events != nil {
		e.events.Emit(events.TradeRecorded, "trading", map[string]interface{}{
			"symbol":   result.Symbol,
			"side":     string(result.Side),
			"quantity": result.Quantity,
			"strategy": strategy,
		})
	}
}

func (e *Executor) emitRejected(result *domain.OrderResult, strategy string) {
	if e.events == nil {
		return
	}
	e.events.Emit(events.OrderRejected, "trading", map[string]interface{}{
		"symbol":   result.Symbol,
		"side":     string(result.Side),
		"quantity": result.Quantity,
		"status":   string(result.Status),
		"reason":   result.Message,
		"strategy": strategy,
	})
}

func (e *Executor) notify(text string) {
	if e.notifier == nil || text == "" {
		return
	}
	e.notifier.Enqueue(text)
}
