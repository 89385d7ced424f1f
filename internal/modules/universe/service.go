package universe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/config"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/internal/modules/settings"
)

// krExchanges are the domestic ranking segments. Each keeps its own
// master snapshot on disk.
var krExchanges = []string{"KOSPI", "KOSDAQ"}

// usExchanges are the overseas ranking venues. AMEX is skipped; its
// ranking is dominated by ETFs.
var usExchanges = []string{"NAS", "NYS"}

// rankingSource is the slice of the broker adapter the universe needs.
type rankingSource interface {
	GetDomesticRanking(ctx context.Context, exchange string, limit int) ([]domain.RankingEntry, error)
	GetOverseasRanking(ctx context.Context, exchange string, limit int) ([]domain.RankingEntry, error)
}

// holdingsSource lists the symbols currently held. Held symbols stay in
// the universe even after they fall out of the rankings.
type holdingsSource interface {
	HeldSymbols() ([]string, error)
}

// Service rebuilds the tradable universe: top-N by market cap per
// market, unioned with current holdings, cached for a TTL so the
// per-minute strategy loop does not hammer the ranking endpoints.
type Service struct {
	broker   rankingSource
	repo     *Repository
	holdings holdingsSource
	settings *settings.Service
	events   *events.Manager
	cfg      *config.Config
	log      zerolog.Logger

	mu          sync.RWMutex
	symbols     []string
	refreshedAt time.Time

	nowFn func() time.Time
}

// NewService creates the universe service. holdings may be nil when no
// portfolio is wired (tests, read-only tooling).
func NewService(
	broker rankingSource,
	repo *Repository,
	holdings holdingsSource,
	st *settings.Service,
	cfg *config.Config,
	em *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		broker:   broker,
		repo:     repo,
		holdings: holdings,
		settings: st,
		events:   em,
		cfg:      cfg,
		log:      log.With().Str("service", "universe").Logger(),
		nowFn:    time.Now,
	}
}

// Symbols returns the current universe, refreshing first when the
// cached one is stale.
func (s *Service) Symbols(ctx context.Context) ([]string, error) {
	return s.Refresh(ctx, false)
}

// Current returns whatever the cache holds without touching the broker.
func (s *Service) Current() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// Instrument looks up catalog metadata for one symbol.
func (s *Service) Instrument(symbol string) (*domain.Instrument, error) {
	return s.repo.GetBySymbol(symbol)
}

// Refresh rebuilds the universe unless the cached one is younger than
// universe_ttl_min. force bypasses the TTL; the daily 08:30 job uses it.
func (s *Service) Refresh(ctx context.Context, force bool) ([]string, error) {
	ttl := time.Duration(s.settings.GetInt(settings.KeyUniverseTTLMin, 30)) * time.Minute
	now := s.nowFn()

	s.mu.RLock()
	if !force && len(s.symbols) > 0 && now.Sub(s.refreshedAt) < ttl {
		out := make([]string, len(s.symbols))
		copy(out, s.symbols)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	limit := s.settings.GetInt(settings.KeyRankingLimit, 100)

	kr := s.domesticTop(ctx, limit)
	if len(kr) == 0 {
		kr = s.storedFallback(domain.MarketKR, limit)
	}
	us := s.overseasTop(ctx, limit)
	if len(us) == 0 {
		us = s.storedFallback(domain.MarketUS, limit)
	}
	held := s.heldSymbols()

	seen := make(map[string]bool, len(kr)+len(us)+len(held))
	symbols := make([]string, 0, len(kr)+len(us)+len(held))
	upserts := make([]domain.Instrument, 0, len(kr)+len(us)+len(held))

	for _, inst := range kr {
		if seen[inst.Symbol] {
			continue
		}
		seen[inst.Symbol] = true
		symbols = append(symbols, inst.Symbol)
		upserts = append(upserts, inst)
	}
	for _, inst := range us {
		if seen[inst.Symbol] {
			continue
		}
		seen[inst.Symbol] = true
		symbols = append(symbols, inst.Symbol)
		upserts = append(upserts, inst)
	}
	for _, symbol := range held {
		symbol = domain.NormalizeSymbol(symbol)
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		symbols = append(symbols, symbol)
		// Held leavers still need a catalog row for sector lookups.
		upserts = append(upserts, domain.Instrument{Symbol: symbol, Market: domain.MarketOf(symbol)})
	}

	if len(symbols) == 0 {
		return nil, fmt.Errorf("universe refresh produced no symbols")
	}

	if err := s.repo.UpsertBatch(upserts); err != nil {
		// The in-memory universe is still usable; the catalog catches
		// up on the next refresh.
		s.log.Error().Err(err).Msg("Failed to persist instruments")
	}

	s.mu.Lock()
	s.symbols = symbols
	s.refreshedAt = now
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(events.UniverseRefreshed, "universe", map[string]interface{}{
			"total": len(symbols),
			"kr":    len(kr),
			"us":    len(us),
			"held":  len(held),
		})
	}
	s.log.Info().
		Int("total", len(symbols)).
		Int("kr", len(kr)).
		Int("us", len(us)).
		Int("held", len(held)).
		Msg("Universe refreshed")

	out := make([]string, len(symbols))
	copy(out, symbols)
	return out, nil
}

// domesticTop merges the KOSPI and KOSDAQ market-cap rankings. A
// successful fetch refreshes that exchange's master snapshot; a failed
// one falls back to it.
func (s *Service) domesticTop(ctx context.Context, limit int) []domain.Instrument {
	var merged []rankedInstrument
	for _, exchange := range krExchanges {
		path := s.cfg.MasterFilePath(exchange)
		entries, err := s.broker.GetDomesticRanking(ctx, exchange, limit)
		if err != nil || len(entries) == 0 {
			fallback, readErr := readMasterFile(path, limit)
			if readErr != nil || len(fallback) == 0 {
				s.log.Warn().Err(err).Str("exchange", exchange).
					Msg("Ranking unavailable and no master snapshot")
				continue
			}
			s.log.Warn().Err(err).Str("exchange", exchange).Int("rows", len(fallback)).
				Msg("Ranking unavailable, using master snapshot")
			entries = fallback
		} else if writeErr := writeMasterFile(path, entries); writeErr != nil {
			s.log.Warn().Err(writeErr).Str("exchange", exchange).Msg("Failed to refresh master snapshot")
		}

		for _, e := range entries {
			merged = append(merged, rankedInstrument{
				inst: domain.Instrument{
					Symbol:   e.Symbol,
					Market:   domain.MarketKR,
					Exchange: exchange,
					Name:     e.Name,
				},
				marketCap: e.MarketCap,
			})
		}
	}
	return sortAndTrim(merged, limit)
}

// overseasTop merges the per-venue US rankings.
func (s *Service) overseasTop(ctx context.Context, limit int) []domain.Instrument {
	var merged []rankedInstrument
	for _, exchange := range usExchanges {
		entries, err := s.broker.GetOverseasRanking(ctx, exchange, limit)
		if err != nil || len(entries) == 0 {
			s.log.Warn().Err(err).Str("exchange", exchange).Msg("Overseas ranking unavailable")
			continue
		}
		for _, e := range entries {
			merged = append(merged, rankedInstrument{
				inst: domain.Instrument{
					Symbol:   e.Symbol,
					Market:   domain.MarketUS,
					Exchange: listingExchange(exchange),
					Name:     e.Name,
				},
				marketCap: e.MarketCap,
			})
		}
	}
	return sortAndTrim(merged, limit)
}

// storedFallback reuses the persisted catalog when no ranking source
// answered, so held and previously ranked symbols keep their states.
func (s *Service) storedFallback(market domain.Market, limit int) []domain.Instrument {
	stored, err := s.repo.GetByMarket(market)
	if err != nil || len(stored) == 0 {
		return nil
	}
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	s.log.Warn().Str("market", string(market)).Int("rows", len(stored)).
		Msg("Rankings unavailable, reusing stored instruments")
	return stored
}

func (s *Service) heldSymbols() []string {
	if s.holdings == nil {
		return nil
	}
	held, err := s.holdings.HeldSymbols()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list held symbols")
		return nil
	}
	return held
}

type rankedInstrument struct {
	inst      domain.Instrument
	marketCap float64
}

func sortAndTrim(merged []rankedInstrument, limit int) []domain.Instrument {
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].marketCap > merged[j].marketCap
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	out := make([]domain.Instrument, len(merged))
	for i, m := range merged {
		out[i] = m.inst
	}
	return out
}

// listingExchange maps quote venue codes to the exchange names kept on
// instruments.
func listingExchange(code string) string {
	switch strings.ToUpper(code) {
	case "NAS":
		return "NASD"
	case "NYS":
		return "NYSE"
	case "AMS":
		return "AMEX"
	}
	return strings.ToUpper(code)
}
