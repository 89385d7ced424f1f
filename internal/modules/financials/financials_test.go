package financials

import (
	"path/filepath"
	"testing"

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

func f(v float64) *float64 { return &v }

func TestUpsertCreatesInstrumentAndReplacesByDate(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Upsert(domain.FinancialSnapshot{
		Symbol:       "5930",
		BaseDate:     "2025-06-02",
		CurrentPrice: 70000,
		PER:          12.5,
		RSI:          f(44.2),
		EMA200:       f(68000),
	}))

	// Same date overwrites instead of duplicating.
	require.NoError(t, repo.Upsert(domain.FinancialSnapshot{
		Symbol:       "005930",
		BaseDate:     "2025-06-02",
		CurrentPrice: 71000,
		PER:          12.7,
		RSI:          f(48.1),
		EMA200:       f(68100),
	}))

	history, err := repo.History("005930", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 71000.0, history[0].CurrentPrice)
	require.NotNil(t, history[0].RSI)
	assert.InDelta(t, 48.1, *history[0].RSI, 1e-9)
}

func TestLatestPicksNewestDatePerInstrument(t *testing.T) {
	repo := newTestRepo(t)

	for _, snap := range []domain.FinancialSnapshot{
		{Symbol: "005930", BaseDate: "2025-05-30", CurrentPrice: 68000},
		{Symbol: "005930", BaseDate: "2025-06-02", CurrentPrice: 71000, EMA200: f(68100)},
		{Symbol: "AAPL", BaseDate: "2025-06-01", CurrentPrice: 210.5},
	} {
		require.NoError(t, repo.Upsert(snap))
	}

	latest, err := repo.LatestBySymbols([]string{"5930", "AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, latest, 2)

	samsung := latest["005930"]
	assert.Equal(t, "2025-06-02", samsung.BaseDate)
	assert.Equal(t, 71000.0, samsung.CurrentPrice)
	require.NotNil(t, samsung.EMA200)
	assert.InDelta(t, 68100, *samsung.EMA200, 1e-9)
	assert.Nil(t, samsung.RSI)

	apple, err := repo.Latest("AAPL")
	require.NoError(t, err)
	require.NotNil(t, apple)
	assert.Equal(t, 210.5, apple.CurrentPrice)

	missing, err := repo.Latest("MSFT")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOverrideRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetOverride("AAPL")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.SetOverride(domain.DcfOverride{
		Symbol:      "AAPL",
		FCFPerShare: f(6.8),
		GrowthRate:  f(0.09),
	}))

	got, err = repo.GetOverride("AAPL")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.FCFPerShare)
	assert.InDelta(t, 6.8, *got.FCFPerShare, 1e-9)
	assert.Nil(t, got.Beta)
	assert.Nil(t, got.FairValue)

	// Re-setting with a nil field clears it.
	require.NoError(t, repo.SetOverride(domain.DcfOverride{
		Symbol:    "AAPL",
		FairValue: f(250),
	}))
	got, err = repo.GetOverride("AAPL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.FCFPerShare)
	require.NotNil(t, got.FairValue)
	assert.InDelta(t, 250, *got.FairValue, 1e-9)

	all, err := repo.AllOverrides()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.DeleteOverride("AAPL"))
	got, err = repo.GetOverride("AAPL")
	require.NoError(t, err)
	assert.Nil(t, got)
}
