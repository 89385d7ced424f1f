package market_regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/clients/kis"
	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/events"
	"github.com/hantuquant/trader/pkg/formulas"
)

// cacheTTL bounds how often the index endpoints are hit; the macro
// picture does not move on a strategy-tick timescale.
const cacheTTL = time.Hour

// neutralBandPct is the deviation band around the 200-day MA inside
// which the regime is Neutral rather than Bull or Bear.
const neutralBandPct = 1.0

// spxBarCount requests enough daily closes for a 200-day average plus
// slack for holidays.
const spxBarCount = 260

type indexBarSource interface {
	GetIndexDailyBars(ctx context.Context, market domain.Market, code string, count int) ([]domain.DailyBar, error)
}

type backupBarSource interface {
	GetDailyBars(ctx context.Context, symbol, rangeSpec string) ([]domain.DailyBar, error)
	GetSpot(ctx context.Context, symbol string) (float64, error)
}

// Chart-API symbols for the fallback source.
const (
	backupSPX    = "^GSPC"
	backupVIX    = "^VIX"
	backupKOSPI  = "^KS11"
	backupNasdaq = "^NDX"
	backupDow    = "^DJI"
	backupTNX    = "^TNX"
)

// Service computes and caches the daily regime snapshot. Index prices
// come from the broker chart endpoints with the public chart API as
// fallback; the 10-year yield has no broker endpoint and uses the
// fallback only.
type Service struct {
	broker indexBarSource
	backup backupBarSource
	repo   *Repository
	events *events.Manager
	clock  domain.Clock
	seoul  *time.Location
	log    zerolog.Logger

	mu       sync.Mutex
	cached   *domain.RegimeSnapshot
	cachedAt time.Time
}

// NewService wires the macro provider.
func NewService(
	broker indexBarSource,
	backup backupBarSource,
	repo *Repository,
	eventsMgr *events.Manager,
	clock domain.Clock,
	log zerolog.Logger,
) *Service {
	if clock == nil {
		clock = domain.RealClock{}
	}
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		seoul = time.FixedZone("KST", 9*60*60)
	}
	return &Service{
		broker: broker,
		backup: backup,
		repo:   repo,
		events: eventsMgr,
		clock:  clock,
		seoul:  seoul,
		log:    log.With().Str("service", "market_regime").Logger(),
	}
}

// Assess returns the current snapshot, recomputing when the cached one
// is older than an hour. A new assessment is persisted, and a status
// flip emits a regime-change event.
func (s *Service) Assess(ctx context.Context) (*domain.RegimeSnapshot, error) {
	s.mu.Lock()
	if s.cached != nil && s.clock.Now().Sub(s.cachedAt) < cacheTTL {
		snap := *s.cached
		s.mu.Unlock()
		return &snap, nil
	}
	s.mu.Unlock()

	snap, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.cached
	s.cached = snap
	s.cachedAt = s.clock.Now()
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Upsert(*snap); err != nil {
			s.log.Warn().Err(err).Msg("Regime snapshot not persisted")
		}
	}

	if prev != nil && prev.Status != snap.Status {
		s.log.Info().
			Str("from", string(prev.Status)).
			Str("to", string(snap.Status)).
			Float64("deviation_pct", snap.DeviationPct).
			Msg("Market regime changed")
		if s.events != nil {
			s.events.Emit(events.RegimeChanged, "market_regime", map[string]interface{}{
				"from":  string(prev.Status),
				"to":    string(snap.Status),
				"score": snap.Score,
				"vix":   snap.VIX,
			})
		}
	}

	out := *snap
	return &out, nil
}

// Current never fails: on assessment error it serves the last persisted
// snapshot, and before any history exists it assumes Neutral.
func (s *Service) Current(ctx context.Context) *domain.RegimeSnapshot {
	snap, err := s.Assess(ctx)
	if err == nil {
		return snap
	}
	s.log.Warn().Err(err).Msg("Regime assessment failed, serving last known")

	if s.repo != nil {
		if last, lerr := s.repo.Latest(); lerr == nil && last != nil {
			return last
		}
	}
	return &domain.RegimeSnapshot{
		Date:      s.clock.Now().In(s.seoul).Format("2006-01-02"),
		Status:    domain.RegimeNeutral,
		Score:     50,
		FearGreed: 50,
	}
}

// History exposes persisted snapshots, newest first.
func (s *Service) History(limit int) ([]domain.RegimeSnapshot, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.History(limit)
}

func (s *Service) compute(ctx context.Context) (*domain.RegimeSnapshot, error) {
	closes, err := s.spxCloses(ctx)
	if err != nil {
		return nil, fmt.Errorf("S&P 500 history unavailable: %w", err)
	}

	spx := closes[len(closes)-1]
	ma200 := formulas.MovingAverage(closes, 200)
	if ma200 <= 0 {
		// Short history (fresh listing of the fallback source, or a
		// truncated broker response): average what we have.
		ma200 = formulas.Mean(closes)
	}
	if ma200 <= 0 {
		return nil, fmt.Errorf("S&P 500 moving average is zero")
	}
	deviationPct := (spx - ma200) / ma200 * 100

	vix := s.vixLevel(ctx)
	fearGreed := FearGreedProxy(deviationPct)
	yield := s.yield10Y(ctx)

	score, components := compositeScore(deviationPct, vix, fearGreed, yield)
	s.indexLevels(ctx, components)

	return &domain.RegimeSnapshot{
		Date:         s.clock.Now().In(s.seoul).Format("2006-01-02"),
		Status:       Classify(deviationPct),
		Score:        score,
		VIX:          vix,
		FearGreed:    fearGreed,
		Yield10Y:     yield,
		SPX:          spx,
		SPXMA200:     ma200,
		DeviationPct: deviationPct,
		Components:   components,
	}, nil
}

// spxCloses pulls ~260 daily closes, oldest first, broker first.
func (s *Service) spxCloses(ctx context.Context) ([]float64, error) {
	bars, err := s.broker.GetIndexDailyBars(ctx, domain.MarketUS, kis.IndexSP500, spxBarCount)
	if err != nil || len(bars) == 0 {
		if err != nil {
			s.log.Warn().Err(err).Msg("Broker S&P bars failed, using fallback source")
		}
		bars, err = s.backup.GetDailyBars(ctx, backupSPX, "2y")
		if err != nil {
			return nil, err
		}
	}

	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			closes = append(closes, b.Close)
		}
	}
	if len(closes) == 0 {
		return nil, fmt.Errorf("no usable S&P closes")
	}
	return closes, nil
}

// vixLevel returns the latest VIX close, 0 when both sources fail
// (the composite treats 0 as unknown).
func (s *Service) vixLevel(ctx context.Context) float64 {
	bars, err := s.broker.GetIndexDailyBars(ctx, domain.MarketUS, kis.IndexVIX, 5)
	if err == nil && len(bars) > 0 {
		if last := bars[len(bars)-1].Close; last > 0 {
			return last
		}
	}
	spot, err := s.backup.GetSpot(ctx, backupVIX)
	if err != nil {
		s.log.Warn().Err(err).Msg("VIX unavailable from both sources")
		return 0
	}
	return spot
}

// yield10Y returns the 10-year treasury yield in percent, 0 if
// unavailable. The fallback index quotes either the yield directly or
// ten times it depending on source convention.
func (s *Service) yield10Y(ctx context.Context) float64 {
	spot, err := s.backup.GetSpot(ctx, backupTNX)
	if err != nil {
		s.log.Debug().Err(err).Msg("10y yield unavailable")
		return 0
	}
	if spot > 20 {
		return spot / 10
	}
	return spot
}

// indexLevels records the latest KOSPI / Nasdaq 100 / Dow closes into
// the component blob, best effort.
func (s *Service) indexLevels(ctx context.Context, components map[string]float64) {
	for _, idx := range []struct {
		key        string
		market     domain.Market
		brokerCode string
		backupSym  string
	}{
		{"level_kospi", domain.MarketKR, kis.IndexKOSPI, backupKOSPI},
		{"level_ndx", domain.MarketUS, kis.IndexNasdaq100, backupNasdaq},
		{"level_dji", domain.MarketUS, kis.IndexDow, backupDow},
	} {
		bars, err := s.broker.GetIndexDailyBars(ctx, idx.market, idx.brokerCode, 5)
		if err == nil && len(bars) > 0 && bars[len(bars)-1].Close > 0 {
			components[idx.key] = bars[len(bars)-1].Close
			continue
		}
		if spot, serr := s.backup.GetSpot(ctx, idx.backupSym); serr == nil && spot > 0 {
			components[idx.key] = spot
		}
	}
}

// Classify maps percent deviation from the 200-day MA onto the
// qualitative regime. Within the neutral band the trend is treated as
// undecided.
func Classify(deviationPct float64) domain.RegimeStatus {
	switch {
	case deviationPct > neutralBandPct:
		return domain.RegimeBull
	case deviationPct < -neutralBandPct:
		return domain.RegimeBear
	default:
		return domain.RegimeNeutral
	}
}

// FearGreedProxy maps MA200 deviation onto a 0-100 sentiment figure.
// A real fear/greed feed needs scraping an unofficial endpoint; the
// deviation proxy keeps the signal self-contained.
func FearGreedProxy(deviationPct float64) float64 {
	return clampF(50+deviationPct*2.5, 0, 100)
}

// compositeScore folds trend, VIX band, fear/greed and yield into one
// 0-100 figure, 50 neutral, higher is healthier. Zero VIX or yield
// mean the source was unavailable and contribute nothing.
func compositeScore(deviationPct, vix, fearGreed, yield10y float64) (float64, map[string]float64) {
	components := make(map[string]float64, 8)

	trend := clampF(deviationPct*2, -20, 20)
	components["trend"] = trend

	var vixDelta float64
	switch {
	case vix <= 0:
	case vix >= 35:
		vixDelta = -25
	case vix >= 25:
		vixDelta = -15
	case vix <= 15:
		vixDelta = 10
	}
	components["vix"] = vixDelta

	sentiment := clampF((fearGreed-50)/5, -10, 10)
	components["fear_greed"] = sentiment

	var yieldDelta float64
	switch {
	case yield10y <= 0:
	case yield10y >= 4.5:
		yieldDelta = -5
	case yield10y <= 3.0:
		yieldDelta = 5
	}
	components["yield"] = yieldDelta

	score := clampF(50+trend+vixDelta+sentiment+yieldDelta, 0, 100)
	return score, components
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
