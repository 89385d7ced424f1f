// Package strategy runs the automated decision loop. Each pass scores
// the tradable universe against the macro backdrop, executes buys and
// sells in a fixed precedence under per-day cooldowns, sizes orders as
// split tranches of the market sub-portfolio, and persists its state
// across restarts. A separate intraday tick strategy trades one
// operator-chosen symbol per day.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/locking"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/scoring"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/modules/trading"
	"github.com/hantuquant/trader/internal/notify"
)

// runLock serializes strategy passes; an overlapping tick is dropped,
// not queued.
const runLock = "strategy_run"

const topTenPerMarket = 10

// panicScoreFloor derives the dump threshold from the aggressive
// conviction setting: a held symbol scoring at or below 100-minus-it
// is sold even though low scores normally mean buy.
func (e *Engine) panicScoreFloor() int {
	return 100 - e.settings.GetInt(settings.KeyAggressiveConvictionMin, 90)
}

type universeSource interface {
	Refresh(ctx context.Context, force bool) ([]string, error)
	Current() []string
}

type portfolioSource interface {
	Sync(ctx context.Context) (*portfolio.Snapshot, error)
}

type tickerSource interface {
	GetAllStates() map[string]*domain.TickerState
	GetState(symbol string) *domain.TickerState
	PruneStates(keep []string) int
}

type warmupQueue interface {
	RegisterBatch(ctx context.Context, symbols []string, force bool) (ready, queued int)
}

type orderExecutor interface {
	Execute(ctx context.Context, intent trading.OrderIntent) (*domain.OrderResult, error)
}

type regimeSource interface {
	Current(ctx context.Context) *domain.RegimeSnapshot
}

type strategyClock interface {
	IsMarketOpen(market domain.Market, at time.Time) bool
	MinutesToClose(market domain.Market, at time.Time) int
}

type scoreSource interface {
	Score(state *domain.TickerState, holding *domain.Holding, ctx scoring.Context) scoring.Result
}

// Opportunity is one scored symbol from the latest pass, served to
// operators ordered from strongest buy to strongest sell.
type Opportunity struct {
	Symbol    string           `json:"symbol"`
	Name      string           `json:"name"`
	Market    domain.Market    `json:"market"`
	Score     int              `json:"score"`
	Price     float64          `json:"price"`
	Held      int64            `json:"held"`
	PnLPct    float64          `json:"pnl_pct"`
	ForceSell bool             `json:"force_sell"`
	Reasons   []scoring.Reason `json:"reasons"`
}

// PendingDecision is an action the engine wanted to take but parked
// because the symbol's market was closed. The list is rebuilt every
// pass.
type PendingDecision struct {
	Symbol   string        `json:"symbol"`
	Market   domain.Market `json:"market"`
	Action   string        `json:"action"`
	Score    int           `json:"score"`
	Quantity int64         `json:"quantity"`
	Reason   string        `json:"reason"`
	QueuedAt time.Time     `json:"queued_at"`
}

// EngineStatus is the operator view of the engine.
type EngineStatus struct {
	Enabled         bool      `json:"enabled"`
	SellAllRebuy    bool      `json:"sell_all_rebuy"`
	LastRunAt       time.Time `json:"last_run_at"`
	SellCooldowns   int       `json:"sell_cooldowns"`
	AddBuyCooldowns int       `json:"add_buy_cooldowns"`
	PanicLocks      int       `json:"panic_locks"`
	TickSymbol      string    `json:"tick_symbol,omitempty"`
	TickPosition    int64     `json:"tick_position"`
}

// Engine is the decision loop. All trading flows through it except
// manual operator orders, which hit the executor directly.
type Engine struct {
	universe  universeSource
	portfolio portfolioSource
	tickers   tickerSource
	warmer    warmupQueue
	executor  orderExecutor
	regime    regimeSource
	hours     strategyClock
	scorer    scoreSource
	settings  *settings.Service
	store     *Store
	locks     *locking.Manager
	notifier  domain.Notifier
	events    *events.Manager
	clock     domain.Clock
	log       zerolog.Logger

	mu    sync.Mutex
	state *State

	viewMu        sync.RWMutex
	opportunities []Opportunity
	waiting       []PendingDecision
	lastRunAt     time.Time
}

func NewEngine(
	universeSvc universeSource,
	portfolioSvc portfolioSource,
	tickers tickerSource,
	warmer warmupQueue,
	executor orderExecutor,
	regime regimeSource,
	hours strategyClock,
	scorer scoreSource,
	settingsSvc *settings.Service,
	store *Store,
	locks *locking.Manager,
	notifier domain.Notifier,
	eventsMgr *events.Manager,
	clock domain.Clock,
	log zerolog.Logger,
) *Engine {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Engine{
		universe:  universeSvc,
		portfolio: portfolioSvc,
		tickers:   tickers,
		warmer:    warmer,
		executor:  executor,
		regime:    regime,
		hours:     hours,
		scorer:    scorer,
		settings:  settingsSvc,
		store:     store,
		locks:     locks,
		notifier:  notifier,
		events:    eventsMgr,
		clock:     clock,
		log:       log.With().Str("module", "strategy").Logger(),
		state:     store.Load(),
	}
}

// Enabled reports the persisted master switch.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Enabled
}

// SetEnabled flips the master switch and persists it immediately so a
// restart comes back in the same mode.
func (e *Engine) SetEnabled(enabled bool) error {
	e.mu.Lock()
	changed := e.state.Enabled != enabled
	e.state.Enabled = enabled
	e.mu.Unlock()
	if changed {
		e.log.Info().Bool("enabled", enabled).Msg("Strategy switch changed")
		if e.events != nil {
			e.events.Emit(events.StrategyChange, "strategy", map[string]interface{}{
				"enabled": enabled,
			})
		}
	}
	return e.saveState()
}

// RequestSellAllRebuy arms the liquidation flag. The next pass sells
// every holding whose market is open and keeps trying until the book
// is flat; normal buying resumes on the pass after that.
func (e *Engine) RequestSellAllRebuy() error {
	e.mu.Lock()
	e.state.SellAllRebuy = true
	e.mu.Unlock()
	e.log.Warn().Msg("Sell-all-and-rebuy armed")
	if e.events != nil {
		e.events.Emit(events.StrategyChange, "strategy", map[string]interface{}{
			"sell_all_rebuy": true,
		})
	}
	return e.saveState()
}

// CancelSellAllRebuy disarms a pending liquidation that has not
// completed yet.
func (e *Engine) CancelSellAllRebuy() error {
	e.mu.Lock()
	e.state.SellAllRebuy = false
	e.mu.Unlock()
	e.log.Info().Msg("Sell-all-and-rebuy disarmed")
	return e.saveState()
}

// SellAllPending reports whether a liquidation is still in progress.
func (e *Engine) SellAllPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.SellAllRebuy
}

// Status returns the operator summary of the engine.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	st := e.state.clone()
	e.mu.Unlock()
	e.viewMu.RLock()
	last := e.lastRunAt
	e.viewMu.RUnlock()
	return EngineStatus{
		Enabled:         st.Enabled,
		SellAllRebuy:    st.SellAllRebuy,
		LastRunAt:       last,
		SellCooldowns:   len(st.SellCooldown),
		AddBuyCooldowns: len(st.AddBuyCooldown),
		PanicLocks:      len(st.PanicLocks),
		TickSymbol:      st.Tick.Symbol,
		TickPosition:    st.Tick.Position,
	}
}

// Opportunities returns the latest pass's scored symbols, strongest
// buys first.
func (e *Engine) Opportunities() []Opportunity {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	out := make([]Opportunity, len(e.opportunities))
	copy(out, e.opportunities)
	return out
}

// WaitingList returns decisions parked on a closed market.
func (e *Engine) WaitingList() []PendingDecision {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	out := make([]PendingDecision, len(e.waiting))
	copy(out, e.waiting)
	return out
}

// Run executes one pass. Overlapping calls are dropped: a pass that
// outlives the scheduler interval must not stack behind itself.
func (e *Engine) Run(ctx context.Context) error {
	if !e.locks.Acquire(runLock) {
		e.log.Debug().Msg("Strategy pass still running, tick dropped")
		return nil
	}
	defer e.locks.Release(runLock)

	now := e.clock.Now()

	if e.SellAllPending() {
		return e.liquidate(ctx, now)
	}
	if !e.Enabled() {
		return nil
	}
	return e.pass(ctx, now)
}

// pass is one full decision cycle: refresh the universe, sync the
// book, score everything tradable, act in precedence order, run the
// tick strategy, persist, and report when the book changed.
func (e *Engine) pass(ctx context.Context, now time.Time) error {
	today := now.Format(dateLayout)

	e.mu.Lock()
	e.state.prune(today)
	e.mu.Unlock()

	if symbols, err := e.universe.Refresh(ctx, false); err != nil {
		e.log.Warn().Err(err).Msg("Universe refresh failed, scoring cached tickers")
	} else {
		e.tickers.PruneStates(symbols)
		e.warmer.RegisterBatch(ctx, symbols, false)
	}

	snap, err := e.portfolio.Sync(ctx)
	if err != nil {
		return fmt.Errorf("strategy pass aborted: %w", err)
	}
	before := snap.Quantities()

	sctx := e.buildContext(ctx, snap)
	items := e.collect(snap, sctx, now)
	e.publishViews(items, snap, now)

	placed := 0
	if snap.Stale {
		// A stale book has no trustworthy cash numbers; score and
		// publish, but do not trade against it.
		e.log.Warn().Msg("Portfolio snapshot stale, skipping order execution")
	} else {
		run := e.execute(ctx, items, snap, sctx, now, today)
		e.runTick(ctx, run)
		placed = run.placed
	}

	if err := e.saveState(); err != nil {
		e.log.Error().Err(err).Msg("Strategy state not persisted")
	}

	if placed > 0 {
		fresh, err := e.portfolio.Sync(ctx)
		if err == nil && !quantitiesEqual(before, fresh.Quantities()) {
			e.report(fresh, sctx.Regime)
		}
	}

	e.viewMu.Lock()
	e.lastRunAt = now
	e.viewMu.Unlock()
	return nil
}

// liquidate is the sell-all-and-rebuy path: market-sell every holding
// reachable right now and clear the flag once the book is flat.
func (e *Engine) liquidate(ctx context.Context, now time.Time) error {
	snap, err := e.portfolio.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sell-all aborted: %w", err)
	}
	if snap.Stale {
		e.log.Warn().Msg("Sell-all waiting: portfolio snapshot stale")
		return nil
	}

	remaining := 0
	placed := 0
	for i := range snap.Holdings {
		h := &snap.Holdings[i]
		if h.Quantity <= 0 {
			continue
		}
		if !e.hours.IsMarketOpen(h.Market, now) {
			remaining++
			continue
		}
		price := 0.0
		if h.Market == domain.MarketUS {
			price = h.CurrentPrice
		}
		res, err := e.executor.Execute(ctx, trading.OrderIntent{
			Symbol:   h.Symbol,
			Side:     domain.SideSell,
			Quantity: h.Quantity,
			Price:    price,
			Strategy: "sell_all",
		})
		if err != nil || res.Status != domain.OrderSuccess {
			remaining++
			continue
		}
		placed++
	}

	if remaining == 0 {
		e.mu.Lock()
		e.state.SellAllRebuy = false
		e.mu.Unlock()
		e.log.Info().Int("orders", placed).Msg("Sell-all complete, rebuy resumes next pass")
		if e.events != nil {
			e.events.Emit(events.StrategyChange, "strategy", map[string]interface{}{
				"sell_all_rebuy": false,
				"orders":         placed,
			})
		}
	} else {
		e.log.Info().
			Int("orders", placed).
			Int("remaining", remaining).
			Msg("Sell-all partial, positions wait for their market to open")
	}

	if err := e.saveState(); err != nil {
		e.log.Error().Err(err).Msg("Strategy state not persisted")
	}
	if placed > 0 {
		if _, err := e.portfolio.Sync(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Post-liquidation sync failed")
		}
	}
	return nil
}

// assessment is one scored candidate within a pass.
type assessment struct {
	state   *domain.TickerState
	holding *domain.Holding
	result  scoring.Result
}

// buildContext assembles the shared scoring backdrop for one pass.
func (e *Engine) buildContext(ctx context.Context, snap *portfolio.Snapshot) scoring.Context {
	sctx := scoring.Context{
		Regime:    domain.RegimeNeutral,
		FearGreed: -1,
		TopTen:    e.topTen(),
		GroupTarget: map[string]float64{
			domain.GroupTech:      e.settings.GetFloat(settings.KeyGroupTargetTech, 0.50),
			domain.GroupValue:     e.settings.GetFloat(settings.KeyGroupTargetValue, 0.30),
			domain.GroupFinancial: e.settings.GetFloat(settings.KeyGroupTargetFinancial, 0.20),
		},
		GroupBand:   e.settings.GetFloat(settings.KeyGroupDevThreshold, 0.05),
		GroupWeight: snap.GroupWeightsKRW(e.settings.GetFloat(settings.KeyExchangeRate, 1350)),
		CashRatio: map[domain.Market]float64{
			domain.MarketKR: cashShare(snap, domain.MarketKR),
			domain.MarketUS: cashShare(snap, domain.MarketUS),
		},
	}

	if reg := e.regime.Current(ctx); reg != nil {
		sctx.Regime = reg.Status
		sctx.VIX = reg.VIX
		sctx.FearGreed = reg.FearGreed
	}

	sctx.CashTarget = map[domain.Market]float64{
		domain.MarketKR: e.settings.GetFloat(settings.CashRatioKey(string(domain.MarketKR), string(sctx.Regime)), 0),
		domain.MarketUS: e.settings.GetFloat(settings.CashRatioKey(string(domain.MarketUS), string(sctx.Regime)), 0),
	}
	return sctx
}

// collect scores every ready ticker whose counterpart market is not
// open right now. Results come back ordered strongest buy first.
func (e *Engine) collect(snap *portfolio.Snapshot, sctx scoring.Context, now time.Time) []assessment {
	states := e.tickers.GetAllStates()
	out := make([]assessment, 0, len(states))
	for _, st := range states {
		if !st.IsReady() {
			continue
		}
		if e.hours.IsMarketOpen(st.Market.Counterpart(), now) {
			continue
		}
		holding := snap.Find(st.Symbol)
		res := e.scorer.Score(st, holding, sctx)
		out = append(out, assessment{state: st, holding: holding, result: res})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].result.Score != out[j].result.Score {
			return out[i].result.Score < out[j].result.Score
		}
		return out[i].state.Symbol < out[j].state.Symbol
	})
	return out
}

// execute walks the pass's assessments in the fixed precedence:
// profit-taking, averaging-down, score buys, score sells.
func (e *Engine) execute(ctx context.Context, items []assessment, snap *portfolio.Snapshot, sctx scoring.Context, now time.Time, today string) *passRun {
	run := &passRun{
		snap:    snap,
		sctx:    sctx,
		now:     now,
		today:   today,
		cashKRW: snap.Cash.KRW,
		cashUSD: snap.Cash.USD,
		fx:      e.settings.GetFloat(settings.KeyExchangeRate, 1350),
		acted:   make(map[string]bool),
		panic:   scoring.PanicWindow(sctx.VIX, sctx.FearGreed),
	}

	e.takeProfits(ctx, items, run)
	e.averageDowns(ctx, items, run)
	e.scoreBuys(ctx, items, run)
	e.scoreSells(ctx, items, run)

	e.viewMu.Lock()
	e.waiting = run.pending
	e.viewMu.Unlock()

	return run
}

// passRun is the mutable bookkeeping of one execution sweep: projected
// cash per currency, symbols already acted on, and parked decisions.
type passRun struct {
	snap    *portfolio.Snapshot
	sctx    scoring.Context
	now     time.Time
	today   string
	cashKRW float64
	cashUSD float64
	fx      float64
	panic   bool
	placed  int
	acted   map[string]bool
	pending []PendingDecision
}

func (r *passRun) cashOf(market domain.Market) float64 {
	if market == domain.MarketUS {
		return r.cashUSD
	}
	return r.cashKRW
}

func (r *passRun) spend(market domain.Market, amount float64) {
	if market == domain.MarketUS {
		r.cashUSD -= amount
		return
	}
	r.cashKRW -= amount
}

func (r *passRun) park(a assessment, action, reason string, qty int64, at time.Time) {
	r.pending = append(r.pending, PendingDecision{
		Symbol:   a.state.Symbol,
		Market:   a.state.Market,
		Action:   action,
		Score:    a.result.Score,
		Quantity: qty,
		Reason:   reason,
		QueuedAt: at,
	})
}

// takeProfits sells one tranche of every winner at or past the
// take-profit line, most profitable first.
func (e *Engine) takeProfits(ctx context.Context, items []assessment, run *passRun) {
	takeProfit := e.settings.GetFloat(settings.KeyTakeProfitPct, 5.0)
	splits := e.settings.GetInt(settings.KeySplitCount, 3)

	winners := make([]assessment, 0)
	for _, a := range items {
		if a.holding == nil || a.holding.Quantity <= 0 {
			continue
		}
		if a.holding.PnLPct() >= takeProfit {
			winners = append(winners, a)
		}
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].holding.PnLPct() > winners[j].holding.PnLPct()
	})

	for _, a := range winners {
		symbol := a.state.Symbol
		if run.acted[symbol] || e.sellLockedToday(symbol, run.today) {
			continue
		}
		qty := sellQuantity(a.holding.Quantity, splits, false)
		reason := fmt.Sprintf("pnl %+.1f%% >= take profit %.1f%%", a.holding.PnLPct(), takeProfit)
		if !e.hours.IsMarketOpen(a.state.Market, run.now) {
			run.park(a, "profit_take", reason, qty, run.now)
			continue
		}
		if e.place(ctx, a, domain.SideSell, qty, "profit_take") {
			e.markSellCooldown(symbol, run.today)
			run.acted[symbol] = true
			run.placed++
		}
	}
}

// averageDowns adds one tranche to losers inside the averaging window
// when momentum and score agree, one add per symbol per day.
func (e *Engine) averageDowns(ctx context.Context, items []assessment, run *passRun) {
	stopLoss := e.settings.GetFloat(settings.KeyStopLossPct, -10.0)
	rsiMax := e.settings.GetFloat(settings.KeyAddBuyRSIMax, 60)
	scoreMax := e.settings.GetInt(settings.KeyAddBuyScoreMax, 55)

	for _, a := range items {
		if a.holding == nil || a.holding.Quantity <= 0 {
			continue
		}
		symbol := a.state.Symbol
		pnl := a.holding.PnLPct()
		if pnl > averagingTriggerPct || pnl <= stopLoss {
			continue
		}
		if a.state.RSI >= rsiMax || a.result.Score > scoreMax {
			continue
		}
		if run.acted[symbol] || e.addBuyLockedToday(symbol, run.today) || e.panicLockedToday(symbol, run.today) {
			continue
		}
		if gated, why := e.cashGated(a.state.Market, run); gated {
			e.log.Debug().Str("symbol", symbol).Str("gate", why).Msg("Averaging-down blocked by cash gate")
			continue
		}
		qty := e.sizeBuy(a, run)
		if qty <= 0 {
			continue
		}
		reason := fmt.Sprintf("pnl %+.1f%% rsi %.0f score %d", pnl, a.state.RSI, a.result.Score)
		if !e.hours.IsMarketOpen(a.state.Market, run.now) {
			run.park(a, "averaging_down", reason, qty, run.now)
			continue
		}
		if e.place(ctx, a, domain.SideBuy, qty, "averaging_down") {
			e.markAddBuyCooldown(symbol, run.today)
			run.acted[symbol] = true
			run.placed++
			run.spend(a.state.Market, float64(qty)*a.state.CurrentPrice)
		}
	}
}

// scoreBuys opens new positions for the strongest buy scores, gated on
// deployment ceilings and the per-sector cap.
func (e *Engine) scoreBuys(ctx context.Context, items []assessment, run *passRun) {
	buyMax := e.settings.GetInt(settings.KeyBuyThresholdMax, 30)
	sectorCap := e.settings.GetFloat(settings.KeySectorCapRatio, 0.30)
	totalKRW := run.snap.TotalAssetsKRW(run.fx)

	for _, a := range items {
		if a.result.Score > buyMax {
			break
		}
		if a.holding != nil && a.holding.Quantity > 0 {
			continue
		}
		symbol := a.state.Symbol
		if run.acted[symbol] || e.panicLockedToday(symbol, run.today) {
			continue
		}
		if gated, why := e.cashGated(a.state.Market, run); gated {
			e.log.Debug().Str("symbol", symbol).Str("gate", why).Msg("Buy blocked by cash gate")
			continue
		}
		if sectorCap > 0 && totalKRW > 0 && a.state.Sector != "" {
			share := sectorValueKRW(run.snap, a.state.Sector, run.fx) / totalKRW
			if share >= sectorCap {
				e.log.Debug().
					Str("symbol", symbol).
					Str("sector", a.state.Sector).
					Float64("share", share).
					Msg("Buy blocked by sector cap")
				continue
			}
		}
		qty := e.sizeBuy(a, run)
		if qty <= 0 {
			continue
		}
		reason := fmt.Sprintf("score %d <= buy max %d", a.result.Score, buyMax)
		if !e.hours.IsMarketOpen(a.state.Market, run.now) {
			run.park(a, "score_buy", reason, qty, run.now)
			continue
		}
		if e.place(ctx, a, domain.SideBuy, qty, "score_buy") {
			run.acted[symbol] = true
			run.placed++
			run.spend(a.state.Market, float64(qty)*a.state.CurrentPrice)
		}
	}
}

// scoreSells trims or dumps held positions: stop-losses sell the whole
// position and skip the cooldown, scores past the sell threshold trim
// one tranche, and a held symbol collapsing to the panic floor is
// trimmed and locked against a same-day rebuy.
func (e *Engine) scoreSells(ctx context.Context, items []assessment, run *passRun) {
	sellMin := e.settings.GetInt(settings.KeySellThresholdMin, 70)
	splits := e.settings.GetInt(settings.KeySplitCount, 3)
	panicFloor := e.panicScoreFloor()

	for i := len(items) - 1; i >= 0; i-- {
		a := items[i]
		if a.holding == nil || a.holding.Quantity <= 0 {
			continue
		}
		symbol := a.state.Symbol
		if run.acted[symbol] {
			continue
		}
		stop := a.result.ForceSell
		panicDump := !stop && a.result.Score <= panicFloor
		if !stop && !panicDump && a.result.Score < sellMin {
			continue
		}
		if !stop && e.sellLockedToday(symbol, run.today) {
			continue
		}
		qty := sellQuantity(a.holding.Quantity, splits, stop)
		action := "score_sell"
		reason := fmt.Sprintf("score %d >= sell min %d", a.result.Score, sellMin)
		switch {
		case stop:
			action = "stop_loss"
			reason = fmt.Sprintf("pnl %+.1f%% breached stop loss", a.holding.PnLPct())
		case panicDump:
			reason = fmt.Sprintf("score %d <= panic floor %d", a.result.Score, panicFloor)
		}
		if !e.hours.IsMarketOpen(a.state.Market, run.now) {
			run.park(a, action, reason, qty, run.now)
			continue
		}
		if e.place(ctx, a, domain.SideSell, qty, action) {
			if !stop {
				e.markSellCooldown(symbol, run.today)
			}
			if panicDump {
				e.markPanicLock(symbol, run.today)
			}
			run.acted[symbol] = true
			run.placed++
		}
	}
}

// cashGated applies the deployment ceiling: once the market's invested
// share reaches the per-regime target, buys stop until a panic window
// opens the gate.
func (e *Engine) cashGated(market domain.Market, run *passRun) (bool, string) {
	if run.panic {
		return false, ""
	}
	target := e.settings.GetFloat(settings.CashRatioKey(string(market), string(run.sctx.Regime)), 1.0)
	invested := investedShareProjected(run, market)
	if invested >= target {
		return true, fmt.Sprintf("invested %.2f >= target %.2f", invested, target)
	}
	return false, ""
}

// sizeBuy computes the tranche quantity for one buy against projected
// cash, so earlier buys in the same pass shrink later ones.
func (e *Engine) sizeBuy(a assessment, run *passRun) int64 {
	cash := run.cashOf(a.state.Market)
	if cash <= 0 {
		return 0
	}
	cashKRW := cash
	marketTotal := run.snap.ValueOf(a.state.Market) + run.snap.Cash.KRW
	if a.state.Market == domain.MarketUS {
		cashKRW = cash * run.fx
		marketTotal = (run.snap.ValueOf(domain.MarketUS) + run.snap.Cash.USD) * run.fx
	}
	return e.buyQuantity(buySizing{
		Market:         a.state.Market,
		Score:          a.result.Score,
		UnitPrice:      a.state.CurrentPrice,
		MarketTotalKRW: marketTotal,
		TotalAssetsKRW: run.snap.TotalAssetsKRW(run.fx),
		CashKRW:        cashKRW,
		ExchangeRate:   run.fx,
	})
}

func (e *Engine) place(ctx context.Context, a assessment, side domain.TradeSide, qty int64, tag string) bool {
	return e.submit(ctx, a.state.Symbol, a.state.Market, a.state.CurrentPrice, side, qty, tag)
}

// submit sends one order. KR orders go out at market; the overseas
// endpoint only accepts limits, so US orders are pinned to the live
// price.
func (e *Engine) submit(ctx context.Context, symbol string, market domain.Market, live float64, side domain.TradeSide, qty int64, tag string) bool {
	price := 0.0
	if market == domain.MarketUS {
		price = live
	}
	res, err := e.executor.Execute(ctx, trading.OrderIntent{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Strategy: tag,
	})
	if err != nil {
		return false
	}
	return res.Status == domain.OrderSuccess
}

func (e *Engine) publishViews(items []assessment, snap *portfolio.Snapshot, now time.Time) {
	opps := make([]Opportunity, 0, len(items))
	for _, a := range items {
		opp := Opportunity{
			Symbol:    a.state.Symbol,
			Name:      a.state.Name,
			Market:    a.state.Market,
			Score:     a.result.Score,
			Price:     a.state.CurrentPrice,
			ForceSell: a.result.ForceSell,
			Reasons:   a.result.Reasons,
		}
		if a.holding != nil {
			opp.Held = a.holding.Quantity
			opp.PnLPct = a.holding.PnLPct()
		}
		opps = append(opps, opp)
	}
	e.viewMu.Lock()
	e.opportunities = opps
	e.viewMu.Unlock()
}

func (e *Engine) report(snap *portfolio.Snapshot, regime domain.RegimeStatus) {
	if e.notifier == nil {
		return
	}
	fx := e.settings.GetFloat(settings.KeyExchangeRate, 1350)
	e.notifier.Enqueue(notify.FormatPortfolioSummary(snap.Holdings, snap.Cash, regime, fx))
}

// topTen returns the market-cap leaders: the first ten universe
// symbols of each market, in ranking order.
func (e *Engine) topTen() map[string]struct{} {
	out := make(map[string]struct{}, 2*topTenPerMarket)
	var kr, us int
	for _, symbol := range e.universe.Current() {
		if domain.MarketOf(symbol) == domain.MarketKR {
			if kr < topTenPerMarket {
				out[symbol] = struct{}{}
				kr++
			}
		} else if us < topTenPerMarket {
			out[symbol] = struct{}{}
			us++
		}
	}
	return out
}

func (e *Engine) saveState() error {
	e.mu.Lock()
	st := e.state.clone()
	e.mu.Unlock()
	return e.store.Save(st)
}

// Close persists the cooldown and tick books one last time. Called on
// process shutdown.
func (e *Engine) Close() error {
	return e.saveState()
}

func (e *Engine) sellLockedToday(symbol, today string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.sellLocked(symbol, today)
}

func (e *Engine) addBuyLockedToday(symbol, today string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.addBuyLocked(symbol, today)
}

func (e *Engine) panicLockedToday(symbol, today string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.panicLocked(symbol, today)
}

func (e *Engine) markSellCooldown(symbol, today string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.SellCooldown[symbol] = today
}

func (e *Engine) markAddBuyCooldown(symbol, today string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.AddBuyCooldown[symbol] = today
}

func (e *Engine) markPanicLock(symbol, today string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.PanicLocks[symbol] = today
}

// averagingTriggerPct is the shallow edge of the averaging-down
// window; the deep edge is the stop-loss setting.
const averagingTriggerPct = -5.0

// cashShare is the market's free-cash proportion of its sub-portfolio,
// in native currency.
func cashShare(snap *portfolio.Snapshot, market domain.Market) float64 {
	cash := snap.Cash.KRW
	if market == domain.MarketUS {
		cash = snap.Cash.USD
	}
	total := snap.ValueOf(market) + cash
	if total <= 0 {
		return 0
	}
	return cash / total
}

// investedShareProjected is the complement of the cash share, computed
// against the pass's projected cash so buys executed moments ago count.
func investedShareProjected(run *passRun, market domain.Market) float64 {
	cash := run.cashOf(market)
	value := run.snap.ValueOf(market)
	spent := 0.0
	if market == domain.MarketUS {
		spent = run.snap.Cash.USD - cash
	} else {
		spent = run.snap.Cash.KRW - cash
	}
	total := value + spent + cash
	if total <= 0 {
		return 0
	}
	return (value + spent) / total
}

// sectorValueKRW sums current positions carrying one sector label. The
// hard cap works on raw labels; the coarser groups only nudge scores.
func sectorValueKRW(snap *portfolio.Snapshot, sector string, fx float64) float64 {
	var total float64
	for i := range snap.Holdings {
		h := &snap.Holdings[i]
		if !strings.EqualFold(h.Sector, sector) {
			continue
		}
		v := h.MarketValue()
		if h.Market == domain.MarketUS {
			v *= fx
		}
		total += v
	}
	return total
}

func quantitiesEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
