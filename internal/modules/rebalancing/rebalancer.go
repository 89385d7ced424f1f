// Package rebalancing nudges sector-group weights back toward their
// configured targets. It trades at most one symbol per drifted group
// and runs on a weekly cadence, so allocation drift corrects over weeks
// instead of churning the book in a morning.
package rebalancing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/portfolio"
	"github.com/hantuquant/trader/internal/modules/settings"
	"github.com/hantuquant/trader/internal/modules/strategy"
	"github.com/hantuquant/trader/internal/modules/trading"
)

const (
	dateLayout = "2006-01-02"
	cadence    = 7 * 24 * time.Hour
)

type portfolioSource interface {
	Sync(ctx context.Context) (*portfolio.Snapshot, error)
}

type orderExecutor interface {
	Execute(ctx context.Context, intent trading.OrderIntent) (*domain.OrderResult, error)
}

type marketClock interface {
	IsMarketOpen(market domain.Market, at time.Time) bool
}

// candidateSource serves the strategy loop's latest scored pass; the
// rebalancer never scores on its own.
type candidateSource interface {
	Opportunities() []strategy.Opportunity
}

type instrumentSource interface {
	Instrument(symbol string) (*domain.Instrument, error)
}

// Action is one executed rebalancing order.
type Action struct {
	Group    string           `json:"group"`
	Symbol   string           `json:"symbol"`
	Side     domain.TradeSide `json:"side"`
	Quantity int64            `json:"quantity"`
	Weight   float64          `json:"weight"`
	Target   float64          `json:"target"`
	Reason   string           `json:"reason"`
}

// Report is the operator view of the most recent run, including runs
// that decided to do nothing.
type Report struct {
	ID      string             `json:"id"`
	At      time.Time          `json:"at"`
	Ran     bool               `json:"ran"`
	Skipped string             `json:"skipped,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`
	Actions []Action           `json:"actions"`
}

// Rebalancer compares sector-group weights against their targets and
// trims or adds one position per group outside the deviation band.
type Rebalancer struct {
	portfolio   portfolioSource
	executor    orderExecutor
	hours       marketClock
	candidates  candidateSource
	instruments instrumentSource
	settings    *settings.Service
	events      *events.Manager
	clock       domain.Clock
	log         zerolog.Logger

	mu   sync.RWMutex
	last Report
}

func NewRebalancer(
	portfolioSvc portfolioSource,
	executor orderExecutor,
	hours marketClock,
	candidates candidateSource,
	instruments instrumentSource,
	settingsSvc *settings.Service,
	eventsMgr *events.Manager,
	clock domain.Clock,
	log zerolog.Logger,
) *Rebalancer {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Rebalancer{
		portfolio:   portfolioSvc,
		executor:    executor,
		hours:       hours,
		candidates:  candidates,
		instruments: instruments,
		settings:    settingsSvc,
		events:      eventsMgr,
		clock:       clock,
		log:         log.With().Str("module", "rebalancing").Logger(),
	}
}

// LastReport returns the outcome of the most recent Run.
func (r *Rebalancer) LastReport() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run examines group weights and trades back toward target. The weekly
// cadence guard lives here rather than in the scheduler, so a skipped
// morning retries the next day instead of waiting a full week. force
// bypasses the guard for operator-triggered runs.
func (r *Rebalancer) Run(ctx context.Context, force bool) (*Report, error) {
	now := r.clock.Now()
	report := &Report{ID: uuid.New().String(), At: now, Actions: []Action{}}

	if !force && !r.due(now) {
		report.Skipped = "already rebalanced this week"
		r.store(report)
		return report, nil
	}

	snap, err := r.portfolio.Sync(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Stale {
		// A stale mirror has yesterday's prices; deciding weights on it
		// would trade noise. The guard is not stamped, tomorrow retries.
		report.Skipped = "broker snapshot stale"
		r.store(report)
		return report, nil
	}

	fx := r.settings.GetFloat(settings.KeyExchangeRate, 1350)
	weights := snap.GroupWeightsKRW(fx)
	report.Weights = weights
	if len(weights) == 0 {
		report.Skipped = "nothing invested"
		r.store(report)
		return report, nil
	}

	band := r.settings.GetFloat(settings.KeyGroupDevThreshold, 0.05)
	targets := map[string]float64{
		domain.GroupTech:      r.settings.GetFloat(settings.KeyGroupTargetTech, 0.50),
		domain.GroupValue:     r.settings.GetFloat(settings.KeyGroupTargetValue, 0.30),
		domain.GroupFinancial: r.settings.GetFloat(settings.KeyGroupTargetFinancial, 0.20),
	}

	run := &runState{snap: snap, fx: fx, now: now, cashKRW: snap.Cash.KRW, cashUSD: snap.Cash.USD}
	for _, group := range []string{domain.GroupTech, domain.GroupValue, domain.GroupFinancial} {
		target := targets[group]
		weight := weights[group]
		switch {
		case weight > target+band:
			r.trim(ctx, report, run, group, weight, target)
		case weight < target-band:
			r.add(ctx, report, run, group, weight, target)
		}
	}

	report.Ran = true
	if err := r.settings.Set(settings.KeyLastRebalanceDate, now.Format(dateLayout), nil); err != nil {
		r.log.Warn().Err(err).Msg("Rebalance date not persisted")
	}
	if len(report.Actions) > 0 {
		r.events.Emit(events.RebalanceExecuted, "rebalancing", map[string]interface{}{
			"actions": len(report.Actions),
			"weights": weights,
		})
	}
	r.log.Info().
		Int("actions", len(report.Actions)).
		Interface("weights", weights).
		Msg("Rebalance pass finished")

	r.store(report)
	return report, nil
}

// runState tracks cash across the groups so a second buy sees what the
// first one spent.
type runState struct {
	snap    *portfolio.Snapshot
	fx      float64
	now     time.Time
	cashKRW float64
	cashUSD float64
}

func (s *runState) cashKRWOf(market domain.Market) float64 {
	if market == domain.MarketUS {
		return s.cashUSD * s.fx
	}
	return s.cashKRW
}

func (s *runState) spend(market domain.Market, amountKRW float64) {
	if market == domain.MarketUS {
		s.cashUSD -= amountKRW / s.fx
		return
	}
	s.cashKRW -= amountKRW
}

// trim sells one split tranche of the group's most profitable open
// position. Losing positions are never force-sold: a drawdown is the
// stop-loss's problem, not the allocator's.
func (r *Rebalancer) trim(ctx context.Context, report *Report, run *runState, group string, weight, target float64) {
	var winners []domain.Holding
	for _, h := range run.snap.Holdings {
		if domain.SectorGroupOf(h.Sector) != group {
			continue
		}
		if h.PnLPct() <= 0 || h.CurrentPrice <= 0 || h.Quantity <= 0 {
			continue
		}
		if !r.hours.IsMarketOpen(h.Market, run.now) {
			continue
		}
		winners = append(winners, h)
	}
	if len(winners) == 0 {
		r.log.Debug().Str("group", group).Float64("weight", weight).
			Msg("Overweight group has no sellable winner")
		return
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].PnLPct() > winners[j].PnLPct() })

	pick := winners[0]
	splits := r.settings.GetInt(settings.KeySplitCount, 3)
	if splits < 1 {
		splits = 1
	}
	qty := pick.Quantity / int64(splits)
	if qty < 1 {
		qty = 1
	}
	if r.submit(ctx, pick.Symbol, pick.Market, pick.CurrentPrice, domain.SideSell, qty) {
		report.Actions = append(report.Actions, Action{
			Group:    group,
			Symbol:   pick.Symbol,
			Side:     domain.SideSell,
			Quantity: qty,
			Weight:   weight,
			Target:   target,
			Reason:   "overweight trim",
		})
	}
}

// add buys one tranche of the strongest candidate in the group, taken
// from the strategy loop's latest scored pass.
func (r *Rebalancer) add(ctx context.Context, report *Report, run *runState, group string, weight, target float64) {
	base := r.settings.GetInt(settings.KeyBaseScore, 50)

	var pick *strategy.Opportunity
	for _, opp := range r.candidates.Opportunities() {
		opp := opp
		if opp.ForceSell || opp.Price <= 0 || opp.Score >= base {
			continue
		}
		if !r.hours.IsMarketOpen(opp.Market, run.now) {
			continue
		}
		if r.groupOf(opp.Symbol) != group {
			continue
		}
		if pick == nil || opp.Score < pick.Score {
			pick = &opp
		}
	}
	if pick == nil {
		r.log.Debug().Str("group", group).Float64("weight", weight).
			Msg("Underweight group has no scored candidate")
		return
	}

	qty := r.buyQuantity(pick, run)
	if qty <= 0 {
		return
	}
	costKRW := float64(qty) * pick.Price
	if pick.Market == domain.MarketUS {
		costKRW *= run.fx
	}
	if r.submit(ctx, pick.Symbol, pick.Market, pick.Price, domain.SideBuy, qty) {
		run.spend(pick.Market, costKRW)
		report.Actions = append(report.Actions, Action{
			Group:    group,
			Symbol:   pick.Symbol,
			Side:     domain.SideBuy,
			Quantity: qty,
			Weight:   weight,
			Target:   target,
			Reason:   "underweight add",
		})
	}
}

// buyQuantity sizes one plain tranche, no conviction scaling: the
// allocator corrects drift, it does not press bets.
func (r *Rebalancer) buyQuantity(pick *strategy.Opportunity, run *runState) int64 {
	unitKRW := pick.Price
	if pick.Market == domain.MarketUS {
		unitKRW *= run.fx
	}
	if unitKRW <= 0 {
		return 0
	}

	perTrade := r.settings.GetFloat(settings.KeyPerTradeRatio, 0.05)
	splits := r.settings.GetInt(settings.KeySplitCount, 3)
	if splits < 1 {
		splits = 1
	}
	tranche := run.snap.TotalAssetsKRW(run.fx) * perTrade / float64(splits)
	invest := tranche
	if cash := run.cashKRWOf(pick.Market); cash < invest {
		invest = cash
	}
	return int64(invest / unitKRW)
}

func (r *Rebalancer) submit(ctx context.Context, symbol string, market domain.Market, price float64, side domain.TradeSide, qty int64) bool {
	intent := trading.OrderIntent{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Strategy: "rebalance",
	}
	if market == domain.MarketUS {
		intent.Price = price // overseas orders are always limit orders
	}
	result, err := r.executor.Execute(ctx, intent)
	if err != nil {
		r.log.Error().Err(err).Str("symbol", symbol).Msg("Rebalance order failed")
		return false
	}
	if result.Status != domain.OrderSuccess {
		r.log.Warn().
			Str("symbol", symbol).
			Str("status", string(result.Status)).
			Str("message", result.Message).
			Msg("Rebalance order not accepted")
		return false
	}
	return true
}

// due reports whether a week has passed since the last stamped run. An
// unparseable stamp counts as due.
func (r *Rebalancer) due(now time.Time) bool {
	last := r.settings.GetString(settings.KeyLastRebalanceDate, "")
	if last == "" {
		return true
	}
	at, err := time.ParseInLocation(dateLayout, last, now.Location())
	if err != nil {
		r.log.Warn().Str("value", last).Msg("Unreadable rebalance date, treating as due")
		return true
	}
	return now.Sub(at) >= cadence
}

func (r *Rebalancer) store(report *Report) {
	r.mu.Lock()
	r.last = *report
	r.mu.Unlock()
}

func (r *Rebalancer) groupOf(symbol string) string {
	inst, err := r.instruments.Instrument(symbol)
	if err != nil || inst == nil {
		return domain.GroupOther
	}
	return domain.SectorGroupOf(inst.Sector)
}
