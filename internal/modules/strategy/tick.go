package strategy

import (
	"context"
	"time"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/modules/settings"
)

const (
	// tickWindow is the trailing span the low-entry looks at.
	tickWindow = time.Hour
	// tickMinSamples is the context required before the trailing low
	// means anything; at the one-minute cadence this is a quarter hour.
	tickMinSamples = 15
	// tickMaxEntries matches the half-tranche sizing: one entry plus
	// one add consume the whole tick budget.
	tickMaxEntries = 2
)

// runTick drives the optional intraday strategy on the operator-chosen
// symbol: scalp entries at fresh one-hour lows or just under the last
// exit, one averaging add, tight exits, and a forced close shortly
// before the bell. It spends from the pass's projected cash so the main
// loop's buys are already accounted for.
func (e *Engine) runTick(ctx context.Context, run *passRun) {
	if !e.settings.GetBool(settings.KeyTickStrategyEnabled, false) {
		return
	}
	symbol := domain.NormalizeSymbol(e.settings.GetString(settings.KeyTickSymbol, ""))
	if symbol == "" {
		return
	}

	e.mu.Lock()
	tick := e.state.Tick
	tick.Window = append([]TickSample(nil), tick.Window...)
	e.mu.Unlock()

	// Day roll resets the book; an overnight leftover becomes a plain
	// holding the main loop manages. Switching symbols waits until the
	// old position is flat.
	if tick.Date != run.today {
		tick = TickState{Symbol: symbol, Date: run.today}
	}
	if tick.Symbol != symbol {
		if tick.Position > 0 {
			e.log.Warn().
				Str("holding", tick.Symbol).
				Str("requested", symbol).
				Msg("Tick symbol change deferred until the open position closes")
		} else {
			tick = TickState{Symbol: symbol, Date: run.today}
		}
	}

	state := e.tickers.GetState(tick.Symbol)
	if state == nil {
		// First sight of the symbol: queue a warm-up and trade it on a
		// later pass.
		e.warmer.RegisterBatch(ctx, []string{tick.Symbol}, false)
		e.storeTick(tick)
		return
	}
	price := state.CurrentPrice
	market := state.Market
	if price <= 0 || !e.hours.IsMarketOpen(market, run.now) {
		e.storeTick(tick)
		return
	}

	low, samples := trailingLow(tick.Window, run.now)
	tick.Window = pruneWindow(append(tick.Window, TickSample{At: run.now, Price: price}), run.now)

	if tick.Position > 0 {
		e.tickManage(ctx, &tick, market, price, run)
	} else {
		e.tickEnter(ctx, &tick, market, price, low, samples, run)
	}

	e.storeTick(tick)
}

// tickManage handles an open tick position: forced close near the
// bell, then take-profit, stop-loss, and the single averaging add.
func (e *Engine) tickManage(ctx context.Context, tick *TickState, market domain.Market, price float64, run *passRun) {
	closeBefore := e.settings.GetInt(settings.KeyTickCloseBeforeMin, 10)
	if mtc := e.hours.MinutesToClose(market, run.now); mtc >= 0 && mtc <= closeBefore {
		e.tickExit(ctx, tick, market, price, "tick_close", run)
		return
	}

	pnl := (price - tick.AvgPrice) / tick.AvgPrice * 100.0
	takeProfit := e.settings.GetFloat(settings.KeyTickTakeProfitPct, 1.5)
	stopLoss := e.settings.GetFloat(settings.KeyTickStopLossPct, -2.0)
	switch {
	case pnl >= takeProfit:
		e.tickExit(ctx, tick, market, price, "tick_take_profit", run)
		return
	case pnl <= stopLoss:
		e.tickExit(ctx, tick, market, price, "tick_stop_loss", run)
		return
	}

	addPct := e.settings.GetFloat(settings.KeyTickAddPct, -1.5)
	if tick.Entries >= tickMaxEntries || price > tick.AvgPrice*(1+addPct/100.0) {
		return
	}
	qty := e.tickQuantity(market, price, run)
	if qty <= 0 {
		return
	}
	if e.submit(ctx, tick.Symbol, market, price, domain.SideBuy, qty, "tick_add") {
		cost := float64(qty) * price
		tick.AvgPrice = (tick.AvgPrice*float64(tick.Position) + cost) / float64(tick.Position+qty)
		tick.Position += qty
		tick.Entries++
		run.placed++
		run.spend(market, cost)
	}
}

// tickEnter opens the day's position at a fresh trailing low or just
// under the last exit price. No entries inside the force-close window:
// a position opened there would be dumped a minute later.
func (e *Engine) tickEnter(ctx context.Context, tick *TickState, market domain.Market, price, low float64, samples int, run *passRun) {
	closeBefore := e.settings.GetInt(settings.KeyTickCloseBeforeMin, 10)
	if mtc := e.hours.MinutesToClose(market, run.now); mtc >= 0 && mtc <= closeBefore {
		return
	}

	entryPct := e.settings.GetFloat(settings.KeyTickEntryPct, -1.0)

	trigger := ""
	if samples >= tickMinSamples && low > 0 && price <= low {
		trigger = "trailing_low"
	} else if tick.LastSellPrice > 0 && price <= tick.LastSellPrice*(1+entryPct/100.0) {
		trigger = "reentry"
	}
	if trigger == "" {
		return
	}

	qty := e.tickQuantity(market, price, run)
	if qty <= 0 {
		return
	}
	if e.submit(ctx, tick.Symbol, market, price, domain.SideBuy, qty, "tick_entry") {
		tick.Position = qty
		tick.AvgPrice = price
		tick.Entries = 1
		run.placed++
		run.spend(market, float64(qty)*price)
		e.log.Info().
			Str("symbol", tick.Symbol).
			Str("trigger", trigger).
			Int64("qty", qty).
			Float64("price", price).
			Msg("Tick entry")
	}
}

func (e *Engine) tickExit(ctx context.Context, tick *TickState, market domain.Market, price float64, tag string, run *passRun) {
	if e.submit(ctx, tick.Symbol, market, price, domain.SideSell, tick.Position, tag) {
		e.log.Info().
			Str("symbol", tick.Symbol).
			Str("exit", tag).
			Int64("qty", tick.Position).
			Float64("price", price).
			Msg("Tick exit")
		tick.Position = 0
		tick.AvgPrice = 0
		tick.Entries = 0
		tick.LastSellPrice = price
		run.placed++
	}
}

// tickQuantity sizes one tick tranche: half the strategy's cash budget,
// so an entry plus an add spend it exactly.
func (e *Engine) tickQuantity(market domain.Market, price float64, run *passRun) int64 {
	if price <= 0 {
		return 0
	}
	cash := run.cashOf(market)
	if cash <= 0 {
		return 0
	}
	ratio := e.settings.GetFloat(settings.KeyTickCashRatio, 0.10)
	tranche := cash * ratio / 2.0
	return int64(tranche / price)
}

func (e *Engine) storeTick(tick TickState) {
	e.mu.Lock()
	e.state.Tick = tick
	e.mu.Unlock()
}

// trailingLow is the lowest observed price within the window, not
// counting the sample being added this pass.
func trailingLow(window []TickSample, now time.Time) (float64, int) {
	cutoff := now.Add(-tickWindow)
	low := 0.0
	n := 0
	for _, s := range window {
		if s.At.Before(cutoff) {
			continue
		}
		n++
		if low == 0 || s.Price < low {
			low = s.Price
		}
	}
	return low, n
}

func pruneWindow(window []TickSample, now time.Time) []TickSample {
	cutoff := now.Add(-tickWindow)
	out := window[:0]
	for _, s := range window {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
