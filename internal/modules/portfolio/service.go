package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/settings"
)

// defaultProbeSymbol feeds the overseas buying-power endpoint when the
// account holds no US position to probe with.
const defaultProbeSymbol = "AAPL"

type balanceSource interface {
	GetDomesticBalance(ctx context.Context) (*domain.DomesticBalance, error)
	GetOverseasBalance(ctx context.Context) (*domain.OverseasBalance, error)
	GetOverseasAvailableCash(ctx context.Context, probeSymbol string) (float64, error)
}

type instrumentSource interface {
	GetBySymbol(symbol string) (*domain.Instrument, error)
}

type priceSink interface {
	UpdatePriceFromSync(symbol string, price, changeRate float64)
}

// Snapshot is one consistent view of the account: holdings across both
// markets plus free cash per currency. Stale marks a snapshot rebuilt
// from the database because the broker was unreachable.
type Snapshot struct {
	Holdings []domain.Holding   `json:"holdings"`
	Cash     domain.CashBalance `json:"cash"`
	Stale    bool               `json:"stale"`
	SyncedAt time.Time          `json:"synced_at"`
}

// ValueOf sums the market value of one market's positions in its native
// currency (KRW for KR, USD for US).
func (s *Snapshot) ValueOf(market domain.Market) float64 {
	var total float64
	for i := range s.Holdings {
		if s.Holdings[i].Market == market {
			total += s.Holdings[i].MarketValue()
		}
	}
	return total
}

// Quantities returns symbol -> held quantity, used by the strategy for
// change detection across an order cycle.
func (s *Snapshot) Quantities() map[string]int64 {
	out := make(map[string]int64, len(s.Holdings))
	for _, h := range s.Holdings {
		out[h.Symbol] = h.Quantity
	}
	return out
}

// Find returns the holding for a symbol, nil when not held.
func (s *Snapshot) Find(symbol string) *domain.Holding {
	symbol = domain.NormalizeSymbol(symbol)
	for i := range s.Holdings {
		if s.Holdings[i].Symbol == symbol {
			h := s.Holdings[i]
			return &h
		}
	}
	return nil
}

// GroupWeightsKRW returns each sector group's share of the invested
// equity, valued in KRW across both markets at the given exchange rate.
// An empty book yields an empty map.
func (s *Snapshot) GroupWeightsKRW(fx float64) map[string]float64 {
	weights := make(map[string]float64, 4)
	var total float64
	for i := range s.Holdings {
		h := &s.Holdings[i]
		v := h.MarketValue()
		if h.Market == domain.MarketUS {
			v *= fx
		}
		weights[domain.SectorGroupOf(h.Sector)] += v
		total += v
	}
	if total <= 0 {
		return map[string]float64{}
	}
	for g := range weights {
		weights[g] /= total
	}
	return weights
}

// TotalAssetsKRW values the whole account, positions plus cash, in KRW.
func (s *Snapshot) TotalAssetsKRW(fx float64) float64 {
	if fx <= 0 {
		fx = 1
	}
	krw := s.ValueOf(domain.MarketKR) + s.Cash.KRW
	usd := s.ValueOf(domain.MarketUS) + s.Cash.USD
	return krw + usd*fx
}

func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Holdings = make([]domain.Holding, len(s.Holdings))
	copy(cp.Holdings, s.Holdings)
	return &cp
}

// Service keeps the local account mirror in step with the broker.
type Service struct {
	broker      balanceSource
	repo        *Repository
	settings    *settings.Service
	instruments instrumentSource
	prices      priceSink
	events      *events.Manager
	clock       domain.Clock
	log         zerolog.Logger

	portfolioID int64

	mu       sync.RWMutex
	snapshot *Snapshot
}

func NewService(
	broker balanceSource,
	repo *Repository,
	settingsSvc *settings.Service,
	instruments instrumentSource,
	prices priceSink,
	eventsMgr *events.Manager,
	userID string,
	clock domain.Clock,
	log zerolog.Logger,
) (*Service, error) {
	if clock == nil {
		clock = domain.RealClock{}
	}
	portfolioID, err := repo.EnsurePortfolio(userID)
	if err != nil {
		return nil, err
	}
	return &Service{
		broker:      broker,
		repo:        repo,
		settings:    settingsSvc,
		instruments: instruments,
		prices:      prices,
		events:      eventsMgr,
		clock:       clock,
		log:         log.With().Str("service", "portfolio").Logger(),
		portfolioID: portfolioID,
	}, nil
}

// Sync pulls both balances and replaces the local mirror. A market
// whose balance call failed keeps its last persisted rows; when both
// fail the whole snapshot is served from the database and marked stale.
func (s *Service) Sync(ctx context.Context) (*Snapshot, error) {
	dom, domErr := s.broker.GetDomesticBalance(ctx)
	ovs, ovsErr := s.broker.GetOverseasBalance(ctx)

	if domErr != nil && ovsErr != nil {
		s.log.Warn().
			AnErr("domestic", domErr).
			AnErr("overseas", ovsErr).
			Msg("Balance sync failed, serving last persisted holdings")
		return s.fallback()
	}

	previous, err := s.repo.GetHoldings(s.portfolioID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Previous holdings unreadable, syncing without them")
		previous = nil
	}

	var holdings []domain.Holding
	if domErr == nil {
		holdings = append(holdings, s.convert(dom.Holdings, domain.MarketKR)...)
	} else {
		s.log.Warn().Err(domErr).Msg("Domestic balance failed, keeping persisted KR rows")
		holdings = append(holdings, filterMarket(previous, domain.MarketKR)...)
	}
	if ovsErr == nil {
		holdings = append(holdings, s.convert(ovs.Holdings, domain.MarketUS)...)
	} else {
		s.log.Warn().Err(ovsErr).Msg("Overseas balance failed, keeping persisted US rows")
		holdings = append(holdings, filterMarket(previous, domain.MarketUS)...)
	}

	cash := s.resolveCash(ctx, dom, domErr == nil, holdings)

	if err := s.repo.ReplaceHoldings(s.portfolioID, holdings); err != nil {
		s.log.Error().Err(err).Msg("Holdings not persisted, memory snapshot still updated")
	}

	if s.prices != nil {
		for _, h := range holdings {
			if h.CurrentPrice > 0 {
				s.prices.UpdatePriceFromSync(h.Symbol, h.CurrentPrice, h.ChangeRate)
			}
		}
	}

	snap := &Snapshot{Holdings: holdings, Cash: cash, SyncedAt: s.clock.Now()}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(events.PortfolioSynced, "portfolio", map[string]interface{}{
			"holdings": len(holdings),
			"cash_krw": cash.KRW,
			"cash_usd": cash.USD,
		})
	}
	s.log.Info().
		Int("holdings", len(holdings)).
		Float64("cash_krw", cash.KRW).
		Float64("cash_usd", cash.USD).
		Msg("Portfolio synced")

	return snap.clone(), nil
}

// Current returns the last snapshot, nil before the first sync.
func (s *Service) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil
	}
	return s.snapshot.clone()
}

// HeldSymbols lists currently held symbols, preferring the in-memory
// snapshot and falling back to the database before the first sync.
func (s *Service) HeldSymbols() ([]string, error) {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()

	if snap != nil {
		symbols := make([]string, 0, len(snap.Holdings))
		for _, h := range snap.Holdings {
			symbols = append(symbols, h.Symbol)
		}
		return symbols, nil
	}
	return s.repo.HeldSymbols(s.portfolioID)
}

func (s *Service) convert(rows []domain.BrokerHolding, market domain.Market) []domain.Holding {
	out := make([]domain.Holding, 0, len(rows))
	for _, row := range rows {
		if row.Quantity <= 0 {
			continue
		}
		symbol := domain.NormalizeSymbol(row.Symbol)
		h := domain.Holding{
			Symbol:       symbol,
			Market:       market,
			Name:         row.Name,
			Quantity:     row.Quantity,
			AvgBuyPrice:  row.AvgBuyPrice,
			CurrentPrice: row.CurrentPrice,
			ChangeRate:   row.ChangeRate,
		}
		if s.instruments != nil {
			if inst, err := s.instruments.GetBySymbol(symbol); err == nil && inst != nil {
				h.Sector = inst.Sector
				if h.Name == "" {
					h.Name = inst.Name
				}
			}
		}
		out = append(out, h)
	}
	return out
}

// resolveCash picks KRW from the settlement field of the domestic
// balance and probes the overseas buying-power endpoint for USD. Both
// figures are persisted so a later failure still has something to
// fall back on.
func (s *Service) resolveCash(ctx context.Context, dom *domain.DomesticBalance, domOK bool, holdings []domain.Holding) domain.CashBalance {
	cash := domain.CashBalance{UpdatedAt: s.clock.Now()}

	if domOK && dom != nil {
		cash.KRW = dom.CashKRW
		if err := s.settings.SetFloat(settings.KeyCachedKRWCash, cash.KRW); err != nil {
			s.log.Debug().Err(err).Msg("KRW cash not cached")
		}
	} else {
		cash.KRW = s.settings.GetFloat(settings.KeyCachedKRWCash, s.lastCash().KRW)
	}

	usd, err := s.broker.GetOverseasAvailableCash(ctx, usProbeSymbol(holdings))
	if err != nil {
		cash.USD = s.settings.GetFloat(settings.KeyCachedUSDCash, 0)
		s.log.Debug().Err(err).Msg("USD cash probe failed, using cached value")
	} else {
		cash.USD = usd
		if err := s.settings.SetFloat(settings.KeyCachedUSDCash, usd); err != nil {
			s.log.Debug().Err(err).Msg("USD cash not cached")
		}
	}
	return cash
}

func (s *Service) fallback() (*Snapshot, error) {
	holdings, err := s.repo.GetHoldings(s.portfolioID)
	if err != nil {
		return nil, fmt.Errorf("balance sync failed and local holdings unreadable: %w", err)
	}

	snap := &Snapshot{
		Holdings: holdings,
		Cash: domain.CashBalance{
			KRW:       s.settings.GetFloat(settings.KeyCachedKRWCash, 0),
			USD:       s.settings.GetFloat(settings.KeyCachedUSDCash, 0),
			UpdatedAt: s.clock.Now(),
		},
		Stale:    true,
		SyncedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	return snap.clone(), nil
}

func (s *Service) lastCash() domain.CashBalance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return domain.CashBalance{}
	}
	return s.snapshot.Cash
}

func usProbeSymbol(holdings []domain.Holding) string {
	for _, h := range holdings {
		if h.Market == domain.MarketUS {
			return h.Symbol
		}
	}
	return defaultProbeSymbol
}

func filterMarket(holdings []domain.Holding, market domain.Market) []domain.Holding {
	var out []domain.Holding
	for _, h := range holdings {
		if h.Market == market {
			out = append(out, h)
		}
	}
	return out
}
