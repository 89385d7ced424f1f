// Package ticker maintains the in-memory per-symbol state the strategy
// scores against. States are born through warm-up (REST history plus a
// quote) or the database fast path, then kept current by live WebSocket
// ticks and portfolio syncs. The cache is the single writer; everything
// else receives clones.
package ticker

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/pkg/formulas"
)

// Cache is the concurrency-safe TickerState store.
type Cache struct {
	mu       sync.RWMutex
	states   map[string]*domain.TickerState
	highTier map[string]struct{}
	lowTier  map[string]struct{}
	clock    domain.Clock
	log      zerolog.Logger
}

func NewCache(clock domain.Clock, log zerolog.Logger) *Cache {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Cache{
		states:   make(map[string]*domain.TickerState),
		highTier: make(map[string]struct{}),
		lowTier:  make(map[string]struct{}),
		clock:    clock,
		log:      log.With().Str("component", "ticker_cache").Logger(),
	}
}

// GetState returns a clone of one symbol's state, nil when unknown.
func (c *Cache) GetState(symbol string) *domain.TickerState {
	symbol = domain.NormalizeSymbol(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[symbol]
	if !ok {
		return nil
	}
	return state.Clone()
}

// GetAllStates returns clones of every cached state keyed by symbol.
func (c *Cache) GetAllStates() map[string]*domain.TickerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*domain.TickerState, len(c.states))
	for symbol, state := range c.states {
		out[symbol] = state.Clone()
	}
	return out
}

// Len reports the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Has reports whether a symbol is already cached.
func (c *Cache) Has(symbol string) bool {
	symbol = domain.NormalizeSymbol(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.states[symbol]
	return ok
}

// Put installs a freshly built state, replacing any previous one.
func (c *Cache) Put(state *domain.TickerState) {
	if state == nil || state.Symbol == "" {
		return
	}
	state.Symbol = domain.NormalizeSymbol(state.Symbol)
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = c.clock.Now()
	}
	c.mu.Lock()
	c.states[state.Symbol] = state
	c.mu.Unlock()
}

// OnRealtimeData applies one live tick: price fields are replaced and
// every tracked EMA advances incrementally by the standard recurrence
// ema = price*alpha + prev*(1-alpha). Ticks for symbols that were never
// registered are dropped, states are born in warm-up, not here.
func (c *Cache) OnRealtimeData(tick domain.RealtimeTick) {
	symbol := domain.NormalizeSymbol(tick.Symbol)
	if symbol == "" || tick.Price <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[symbol]
	if !ok {
		return
	}

	state.CurrentPrice = tick.Price
	state.ChangeRate = tick.ChangeRate
	if tick.Open > 0 {
		state.OpenPrice = tick.Open
	}
	if tick.High > 0 {
		state.HighPrice = tick.High
	}
	if tick.Low > 0 {
		state.LowPrice = tick.Low
	}
	if tick.Price > state.HighPrice {
		state.HighPrice = tick.Price
	}
	if state.LowPrice == 0 || tick.Price < state.LowPrice {
		state.LowPrice = tick.Price
	}
	if tick.CumVolume > 0 {
		state.CumVolume = tick.CumVolume
	}

	for span, prev := range state.EMA {
		state.EMA[span] = formulas.UpdateEMA(prev, tick.Price, span)
	}

	at := tick.At
	if at.IsZero() {
		at = c.clock.Now()
	}
	state.UpdatedAt = at
}

// UpdatePriceFromSync refreshes price and change rate from a portfolio
// balance row. Balance data carries no session OHLC, so only the
// high/low bounds are widened when the price escapes them.
func (c *Cache) UpdatePriceFromSync(symbol string, price, changeRate float64) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" || price <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[symbol]
	if !ok {
		return
	}
	state.CurrentPrice = price
	state.ChangeRate = changeRate
	if price > state.HighPrice {
		state.HighPrice = price
	}
	if state.LowPrice == 0 || price < state.LowPrice {
		state.LowPrice = price
	}
	state.UpdatedAt = c.clock.Now()
}

// PruneStates drops every state not in keep and returns how many were
// removed. Tier membership of removed symbols is dropped with them.
func (c *Cache) PruneStates(keep []string) int {
	keepSet := make(map[string]struct{}, len(keep))
	for _, s := range keep {
		keepSet[domain.NormalizeSymbol(s)] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for symbol := range c.states {
		if _, ok := keepSet[symbol]; ok {
			continue
		}
		delete(c.states, symbol)
		delete(c.highTier, symbol)
		delete(c.lowTier, symbol)
		removed++
	}
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Int("remaining", len(c.states)).Msg("Pruned ticker states")
	}
	return removed
}

// SetTiers replaces the tier assignment. High-tier symbols are the ones
// the live feed subscribes to; the low tier rides on periodic syncs.
func (c *Cache) SetTiers(high, low []string) {
	highSet := make(map[string]struct{}, len(high))
	for _, s := range high {
		highSet[domain.NormalizeSymbol(s)] = struct{}{}
	}
	lowSet := make(map[string]struct{}, len(low))
	for _, s := range low {
		lowSet[domain.NormalizeSymbol(s)] = struct{}{}
	}

	c.mu.Lock()
	c.highTier = highSet
	c.lowTier = lowSet
	c.mu.Unlock()
}

// HighTier returns the realtime-subscription set, sorted for stable
// subscribe ordering.
func (c *Cache) HighTier() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.highTier))
	for symbol := range c.highTier {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
