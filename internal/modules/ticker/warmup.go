package ticker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/pkg/formulas"
)

const (
	// warmupBars is the history depth fetched per symbol; enough for a
	// seeded 200-span EMA with some runway.
	warmupBars = 300

	// snapshotMaxAge bounds the database fast path: a snapshot older
	// than this goes back through the full REST warm-up.
	snapshotMaxAge = 24 * time.Hour

	targetBuyFactor  = 1.01
	targetSellFactor = 1.15

	// maxImpliedGrowth caps the EPS/BPS growth proxy fed into the DCF.
	maxImpliedGrowth = 0.12
)

type marketDataSource interface {
	GetDomesticQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	GetOverseasQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	GetDomesticDailyBars(ctx context.Context, symbol string, count int) ([]domain.DailyBar, error)
	GetOverseasDailyBars(ctx context.Context, symbol string, count int) ([]domain.DailyBar, error)
}

type snapshotStore interface {
	LatestBySymbols(symbols []string) (map[string]domain.FinancialSnapshot, error)
	Upsert(snap domain.FinancialSnapshot) error
	GetOverride(symbol string) (*domain.DcfOverride, error)
}

type instrumentSource interface {
	GetBySymbol(symbol string) (*domain.Instrument, error)
	UpdateSector(symbol, sector string) error
}

type holdingsSource interface {
	HeldSymbols() ([]string, error)
}

type marketClock interface {
	IsMarketOpen(market domain.Market, at time.Time) bool
}

// Warmer populates the cache. Registration prefers a recent persisted
// snapshot (no REST traffic); everything else is warmed in the
// background, one symbol at a time so the broker's rate limiter never
// sees a burst.
type Warmer struct {
	cache       *Cache
	broker      marketDataSource
	store       snapshotStore
	instruments instrumentSource
	settings    *settings.Service
	hours       marketClock
	holdings    holdingsSource
	events      *events.Manager
	clock       domain.Clock
	log         zerolog.Logger
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
}

func NewWarmer(
	cache *Cache,
	broker marketDataSource,
	store snapshotStore,
	instruments instrumentSource,
	settingsSvc *settings.Service,
	hours marketClock,
	holdings holdingsSource,
	eventsMgr *events.Manager,
	clock domain.Clock,
	log zerolog.Logger,
) *Warmer {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Warmer{
		cache:       cache,
		broker:      broker,
		store:       store,
		instruments: instruments,
		settings:    settingsSvc,
		hours:       hours,
		holdings:    holdings,
		events:      eventsMgr,
		clock:       clock,
		log:         log.With().Str("component", "ticker_warmup").Logger(),
		sem:         semaphore.NewWeighted(1),
	}
}

// RegisterBatch brings a set of symbols into the cache. Symbols whose
// market is closed are skipped unless held (no API budget for
// unreachable instruments). Known symbols are left alone; unknown ones
// take the snapshot fast path when a fresh row exists, otherwise they
// queue for background warm-up. force bypasses the market filter, the
// fast path and the already-cached check, re-warming everything.
//
// Returns how many states became ready without REST calls and how many
// were queued. Queued warm-ups inherit ctx, so callers should pass a
// context that outlives the batch.
func (w *Warmer) RegisterBatch(ctx context.Context, symbols []string, force bool) (ready, queued int) {
	now := w.clock.Now()
	held := w.heldSet()

	var candidates []string
	seen := make(map[string]struct{}, len(symbols))
	skipped := 0
	for _, raw := range symbols {
		symbol := domain.NormalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}

		if !force {
			if w.cache.Has(symbol) {
				continue
			}
			if _, isHeld := held[symbol]; !isHeld && !w.hours.IsMarketOpen(domain.MarketOf(symbol), now) {
				skipped++
				continue
			}
		}
		candidates = append(candidates, symbol)
	}

	pending := candidates
	if !force && len(candidates) > 0 {
		pending = pending[:0]
		snaps, err := w.store.LatestBySymbols(candidates)
		if err != nil {
			w.log.Warn().Err(err).Msg("Snapshot fast path unavailable, warming everything")
			snaps = nil
		}
		for _, symbol := range candidates {
			if snap, ok := snaps[symbol]; ok && now.Sub(snap.CreatedAt) < snapshotMaxAge {
				if state := w.stateFromSnapshot(symbol, snap); state.IsReady() {
					w.cache.Put(state)
					ready++
					continue
				}
			}
			pending = append(pending, symbol)
		}
	}

	if len(pending) == 0 {
		if skipped > 0 || ready > 0 {
			w.log.Debug().Int("ready", ready).Int("skipped_closed", skipped).Msg("Registration served from snapshots")
		}
		return ready, 0
	}

	var batch sync.WaitGroup
	var warmed, failed atomic.Int64
	for _, symbol := range pending {
		batch.Add(1)
		w.wg.Add(1)
		go func(symbol string) {
			defer batch.Done()
			defer w.wg.Done()
			if err := w.sem.Acquire(ctx, 1); err != nil {
				failed.Add(1)
				return
			}
			defer w.sem.Release(1)
			if w.warmUp(ctx, symbol) {
				warmed.Add(1)
			} else {
				failed.Add(1)
			}
		}(symbol)
	}

	readyCount, skippedCount := ready, skipped
	go func() {
		batch.Wait()
		if w.events != nil {
			w.events.Emit(events.WarmupCompleted, "ticker", map[string]interface{}{
				"ready":  readyCount,
				"warmed": warmed.Load(),
				"failed": failed.Load(),
			})
		}
		w.log.Info().
			Int("ready", readyCount).
			Int64("warmed", warmed.Load()).
			Int64("failed", failed.Load()).
			Int("skipped_closed", skippedCount).
			Msg("Warm-up batch finished")
	}()

	return ready, len(pending)
}

// Wait blocks until every queued warm-up has finished. The daily data
// sync uses it to run registration to completion.
func (w *Warmer) Wait() {
	w.wg.Wait()
}

// warmUp is the full REST path: daily history, a live quote, indicator
// computation, DCF, then cache insert and snapshot persistence. Missing
// history means the symbol is skipped, not retried.
func (w *Warmer) warmUp(ctx context.Context, symbol string) bool {
	market := domain.MarketOf(symbol)

	var (
		bars []domain.DailyBar
		err  error
	)
	if market == domain.MarketKR {
		bars, err = w.broker.GetDomesticDailyBars(ctx, symbol, warmupBars)
	} else {
		bars, err = w.broker.GetOverseasDailyBars(ctx, symbol, warmupBars)
	}
	if err != nil || len(bars) == 0 {
		w.log.Warn().Err(err).Str("symbol", symbol).Msg("No history, warm-up skipped")
		return false
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	var quote *domain.Quote
	if market == domain.MarketKR {
		quote, err = w.broker.GetDomesticQuote(ctx, symbol)
	} else {
		quote, err = w.broker.GetOverseasQuote(ctx, symbol)
	}
	if err != nil || quote == nil {
		// History alone still yields a scoreable state.
		w.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote unavailable, falling back to last close")
		last := bars[len(bars)-1]
		quote = &domain.Quote{
			Symbol: symbol,
			Price:  last.Close,
			Open:   last.Open,
			High:   last.High,
			Low:    last.Low,
			Volume: last.Volume,
		}
	}

	// Some quote endpoints omit the 52-week range; derive it from history.
	if quote.Week52High == 0 {
		if hi := formulas.Calculate52WeekHigh(closes); hi != nil {
			quote.Week52High = *hi
		}
		if lo := formulas.Calculate52WeekLow(closes); lo != nil {
			quote.Week52Low = *lo
		}
	}

	set := formulas.CalculateIndicators(closes)
	dcf := w.computeDCF(symbol, quote)

	state := w.buildState(symbol, market, quote, bars, set, dcf)
	w.cache.Put(state)

	if err := w.persistSnapshot(symbol, bars[len(bars)-1].Date, quote, set, dcf); err != nil {
		w.log.Warn().Err(err).Str("symbol", symbol).Msg("State cached but snapshot not persisted")
	}
	return true
}

func (w *Warmer) buildState(symbol string, market domain.Market, quote *domain.Quote, bars []domain.DailyBar, set formulas.IndicatorSet, dcf float64) *domain.TickerState {
	state := &domain.TickerState{
		Symbol:       symbol,
		Name:         quote.Name,
		Sector:       quote.Sector,
		Market:       market,
		CurrentPrice: quote.Price,
		OpenPrice:    quote.Open,
		HighPrice:    quote.High,
		LowPrice:     quote.Low,
		ChangeRate:   quote.ChangeRate,
		CumVolume:    quote.Volume,
		MarketCap:    quote.MarketCap,
		DCFValue:     dcf,
		EMA:          make(map[int]float64, len(set.EMA)),
		UpdatedAt:    w.clock.Now(),
	}
	if denom := 1 + quote.ChangeRate/100; quote.ChangeRate != 0 && denom > 0 {
		state.PrevClose = quote.Price / denom
	} else if len(bars) >= 2 {
		state.PrevClose = bars[len(bars)-2].Close
	}
	for span, v := range set.EMA {
		if v != nil {
			state.EMA[span] = *v
		}
	}
	if set.RSI != nil {
		state.RSI = *set.RSI
	}
	if set.Bollinger != nil {
		state.BollingerUpper = set.Bollinger.Upper
		state.BollingerMiddle = set.Bollinger.Middle
		state.BollingerLower = set.Bollinger.Lower
	}
	w.decorate(state)
	applyTargets(state)
	return state
}

// stateFromSnapshot rebuilds a state from a persisted row. Session
// OHLC and Bollinger bands are not stored; live ticks and syncs fill
// those in as they arrive.
func (w *Warmer) stateFromSnapshot(symbol string, snap domain.FinancialSnapshot) *domain.TickerState {
	state := &domain.TickerState{
		Symbol:       symbol,
		Market:       domain.MarketOf(symbol),
		CurrentPrice: snap.CurrentPrice,
		MarketCap:    snap.MarketCap,
		EMA:          snap.EMAMap(),
		UpdatedAt:    snap.CreatedAt,
	}
	if snap.RSI != nil {
		state.RSI = *snap.RSI
	}
	if snap.DCFValue != nil {
		state.DCFValue = *snap.DCFValue
	}
	w.decorate(state)
	applyTargets(state)
	return state
}

// applyTargets anchors entry and exit prices on the longest EMA: buy
// just above the trend line, sell well into it.
func applyTargets(state *domain.TickerState) {
	if long := state.LongEMA(); long > 0 {
		state.TargetBuyPrice = long * targetBuyFactor
		state.TargetSellPrice = long * targetSellFactor
	}
}

// decorate fills catalog fields into the state. Catalog sectors win over
// the quote's industry label (operators may relabel); a label the catalog
// has not seen yet is written back for holdings enrichment and the
// allocation caps.
func (w *Warmer) decorate(state *domain.TickerState) {
	if w.instruments == nil {
		return
	}
	inst, err := w.instruments.GetBySymbol(state.Symbol)
	if err != nil || inst == nil {
		return
	}
	if state.Name == "" {
		state.Name = inst.Name
	}
	switch {
	case inst.Sector != "":
		state.Sector = inst.Sector
	case state.Sector != "":
		if err := w.instruments.UpdateSector(state.Symbol, state.Sector); err != nil {
			w.log.Warn().Err(err).Str("symbol", state.Symbol).Msg("Sector backfill failed")
		}
	}
}

// computeDCF prices the symbol from broker fundamentals, letting any
// stored override take precedence. EPS stands in for free cash flow and
// EPS/BPS for sustainable growth; crude, but overridable per symbol.
func (w *Warmer) computeDCF(symbol string, quote *domain.Quote) float64 {
	in := formulas.DCFInputs{
		Beta:              1.0,
		RiskFree:          w.settings.GetFloat(settings.KeyDCFRiskFree, 0.04),
		EquityRiskPremium: w.settings.GetFloat(settings.KeyDCFERP, 0.055),
		TerminalGrowth:    w.settings.GetFloat(settings.KeyDCFTerminalGrowth, 0.03),
	}
	if quote.EPS > 0 {
		in.FCFPerShare = quote.EPS
		growth := in.TerminalGrowth
		if quote.BPS > 0 {
			growth = quote.EPS / quote.BPS
		}
		in.GrowthRate = clampFloat(growth, in.TerminalGrowth, maxImpliedGrowth)
	}

	if w.store != nil {
		override, err := w.store.GetOverride(symbol)
		if err == nil && override != nil {
			if override.FairValue != nil {
				return *override.FairValue
			}
			if override.FCFPerShare != nil {
				in.FCFPerShare = *override.FCFPerShare
			}
			if override.Beta != nil {
				in.Beta = *override.Beta
			}
			if override.GrowthRate != nil {
				in.GrowthRate = *override.GrowthRate
			}
			in.ManualDiscount = override.ManualDiscount
		}
	}

	if in.FCFPerShare <= 0 {
		return 0
	}
	value, err := formulas.CalculateDCF(in)
	if err != nil {
		w.log.Debug().Err(err).Str("symbol", symbol).Msg("DCF not computable")
		return 0
	}
	return value
}

func (w *Warmer) persistSnapshot(symbol, baseDate string, quote *domain.Quote, set formulas.IndicatorSet, dcf float64) error {
	if w.store == nil {
		return nil
	}
	snap := domain.FinancialSnapshot{
		Symbol:        symbol,
		BaseDate:      baseDate,
		CurrentPrice:  quote.Price,
		MarketCap:     quote.MarketCap,
		PER:           quote.PER,
		PBR:           quote.PBR,
		EPS:           quote.EPS,
		BPS:           quote.BPS,
		DividendYield: quote.DividendYield,
		Week52High:    quote.Week52High,
		Week52Low:     quote.Week52Low,
		Volume:        quote.Volume,
		Amount:        quote.Amount,
		RSI:           set.RSI,
		EMA5:          set.EMA[5],
		EMA10:         set.EMA[10],
		EMA20:         set.EMA[20],
		EMA60:         set.EMA[60],
		EMA100:        set.EMA[100],
		EMA120:        set.EMA[120],
		EMA200:        set.EMA[200],
	}
	if quote.BPS > 0 {
		snap.ROE = quote.EPS / quote.BPS * 100
	}
	if dcf > 0 {
		snap.DCFValue = &dcf
	}
	return w.store.Upsert(snap)
}

func (w *Warmer) heldSet() map[string]struct{} {
	out := make(map[string]struct{})
	if w.holdings == nil {
		return out
	}
	symbols, err := w.holdings.HeldSymbols()
	if err != nil {
		w.log.Warn().Err(err).Msg("Holdings unavailable for warm-up filtering")
		return out
	}
	for _, s := range symbols {
		out[domain.NormalizeSymbol(s)] = struct{}{}
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
