package market_regime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(db, zerolog.Nop())
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubIndexSource struct {
	mu    sync.Mutex
	bars  map[string][]domain.DailyBar
	err   error
	calls []string
}

func (s *stubIndexSource) GetIndexDailyBars(_ context.Context, _ domain.Market, code string, _ int) ([]domain.DailyBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, code)
	if s.err != nil {
		return nil, s.err
	}
	return s.bars[code], nil
}

func (s *stubIndexSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubBackupSource struct {
	bars  map[string][]domain.DailyBar
	spots map[string]float64
}

func (s *stubBackupSource) GetDailyBars(_ context.Context, symbol, _ string) ([]domain.DailyBar, error) {
	bars, ok := s.bars[symbol]
	if !ok {
		return nil, errors.New("no chart data")
	}
	return bars, nil
}

func (s *stubBackupSource) GetSpot(_ context.Context, symbol string) (float64, error) {
	spot, ok := s.spots[symbol]
	if !ok {
		return 0, errors.New("no spot data")
	}
	return spot, nil
}

// flatBars builds count daily bars closing at level, oldest first.
func flatBars(level float64, count int) []domain.DailyBar {
	bars := make([]domain.DailyBar, count)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = domain.DailyBar{
			Date:  base.AddDate(0, 0, i).Format("2006-01-02"),
			Close: level,
		}
	}
	return bars
}

// trendBars ends at last after a long flat stretch at base, so the
// 200-day MA stays near base while the latest close is last.
func trendBars(base, last float64, count int) []domain.DailyBar {
	bars := flatBars(base, count)
	bars[count-1].Close = last
	return bars
}

func newRegimeEnv(t *testing.T, broker *stubIndexSource, backup *stubBackupSource) (*Service, *stubClock, *Repository) {
	t.Helper()
	repo := newTestRepo(t)
	clock := &stubClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	svc := NewService(broker, backup, repo, nil, clock, zerolog.Nop())
	return svc, clock, repo
}

func TestAssessBullRegime(t *testing.T) {
	broker := &stubIndexSource{bars: map[string][]domain.DailyBar{
		"SPX": trendBars(5000, 5600, 260), // ~+11.8% above MA200
		"VIX": flatBars(14, 5),
	}}
	backup := &stubBackupSource{spots: map[string]float64{"^TNX": 4.2}}
	svc, _, repo := newRegimeEnv(t, broker, backup)

	snap, err := svc.Assess(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RegimeBull, snap.Status)
	assert.InDelta(t, 5600.0, snap.SPX, 0.01)
	assert.Greater(t, snap.DeviationPct, 1.0)
	assert.Greater(t, snap.Score, 50.0, "bull composite sits above neutral")
	assert.Equal(t, 14.0, snap.VIX)
	assert.Equal(t, 4.2, snap.Yield10Y)
	assert.Greater(t, snap.FearGreed, 50.0)

	// Snapshot hit the history table.
	persisted, err := repo.Latest()
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, domain.RegimeBull, persisted.Status)
	assert.Equal(t, snap.Date, persisted.Date)
}

func TestAssessBearRegime(t *testing.T) {
	broker := &stubIndexSource{bars: map[string][]domain.DailyBar{
		"SPX": trendBars(5000, 4300, 260), // well below MA200
		"VIX": flatBars(32, 5),
	}}
	backup := &stubBackupSource{spots: map[string]float64{"^TNX": 4.7}}
	svc, _, _ := newRegimeEnv(t, broker, backup)

	snap, err := svc.Assess(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RegimeBear, snap.Status)
	assert.Less(t, snap.Score, 50.0)
	assert.Less(t, snap.FearGreed, 50.0)
	assert.Equal(t, -15.0, snap.Components["vix"], "elevated VIX drags the composite")
	assert.Equal(t, -5.0, snap.Components["yield"])
}

func TestAssessCachesForAnHour(t *testing.T) {
	broker := &stubIndexSource{bars: map[string][]domain.DailyBar{
		"SPX": trendBars(5000, 5600, 260),
		"VIX": flatBars(18, 5),
	}}
	svc, clock, _ := newRegimeEnv(t, broker, &stubBackupSource{})

	_, err := svc.Assess(context.Background())
	require.NoError(t, err)
	calls := broker.callCount()

	clock.advance(10 * time.Minute)
	_, err = svc.Assess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls, broker.callCount(), "within TTL no index call is made")

	clock.advance(time.Hour)
	_, err = svc.Assess(context.Background())
	require.NoError(t, err)
	assert.Greater(t, broker.callCount(), calls, "expired cache recomputes")
}

func TestAssessFallsBackToChartSource(t *testing.T) {
	broker := &stubIndexSource{err: errors.New("gateway down")}
	backup := &stubBackupSource{
		bars:  map[string][]domain.DailyBar{"^GSPC": trendBars(5000, 5600, 260)},
		spots: map[string]float64{"^VIX": 22.0, "^TNX": 42.0},
	}
	svc, _, _ := newRegimeEnv(t, broker, backup)

	snap, err := svc.Assess(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RegimeBull, snap.Status)
	assert.Equal(t, 22.0, snap.VIX, "VIX spot from fallback")
	assert.Equal(t, 4.2, snap.Yield10Y, "ten-times convention normalized")
}

func TestCurrentServesNeutralWhenEverythingFails(t *testing.T) {
	broker := &stubIndexSource{err: errors.New("down")}
	svc, _, _ := newRegimeEnv(t, broker, &stubBackupSource{})

	snap := svc.Current(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, domain.RegimeNeutral, snap.Status)
	assert.Equal(t, 50.0, snap.Score)
}

func TestCurrentServesPersistedOnFailure(t *testing.T) {
	broker := &stubIndexSource{err: errors.New("down")}
	svc, _, repo := newRegimeEnv(t, broker, &stubBackupSource{})

	require.NoError(t, repo.Upsert(domain.RegimeSnapshot{
		Date: "2025-05-30", Status: domain.RegimeBear, Score: 31,
		VIX: 29, FearGreed: 22, SPX: 4300, SPXMA200: 4800, DeviationPct: -10.4,
	}))

	snap := svc.Current(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, domain.RegimeBear, snap.Status)
	assert.Equal(t, 31.0, snap.Score)
}

func TestClassifyNeutralBand(t *testing.T) {
	assert.Equal(t, domain.RegimeBull, Classify(1.5))
	assert.Equal(t, domain.RegimeNeutral, Classify(0.9))
	assert.Equal(t, domain.RegimeNeutral, Classify(-0.9))
	assert.Equal(t, domain.RegimeBear, Classify(-1.5))
}

func TestRepositoryUpsertReplacesSameDate(t *testing.T) {
	repo := newTestRepo(t)

	first := domain.RegimeSnapshot{
		Date: "2025-06-02", Status: domain.RegimeNeutral, Score: 50,
		Components: map[string]float64{"trend": 0},
	}
	require.NoError(t, repo.Upsert(first))
	require.NoError(t, repo.Upsert(domain.RegimeSnapshot{
		Date: "2025-06-02", Status: domain.RegimeBull, Score: 68,
		VIX: 13, Components: map[string]float64{"trend": 12, "vix": 10},
	}))

	snaps, err := repo.History(10)
	require.NoError(t, err)
	require.Len(t, snaps, 1, "same date replaces, not appends")
	assert.Equal(t, domain.RegimeBull, snaps[0].Status)
	assert.Equal(t, 68.0, snaps[0].Score)
	assert.Equal(t, 10.0, snaps[0].Components["vix"])
}

func TestRepositoryHistoryNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, repo.Upsert(domain.RegimeSnapshot{
			Date:   fmt.Sprintf("2025-06-%02d", i),
			Status: domain.RegimeNeutral,
			Score:  float64(50 + i),
		}))
	}

	snaps, err := repo.History(3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "2025-06-05", snaps[0].Date)
	assert.Equal(t, "2025-06-03", snaps[2].Date)
}

func TestCompositeScoreIgnoresUnknownInputs(t *testing.T) {
	score, comps := compositeScore(0, 0, 50, 0)
	assert.Equal(t, 50.0, score, "flat market with unknown VIX and yield stays neutral")
	assert.Equal(t, 0.0, comps["vix"])
	assert.Equal(t, 0.0, comps["yield"])
}
