// Package market_regime assesses the macro backdrop the strategy trades
// against: S&P 500 versus its 200-day average, VIX, a fear/greed proxy
// and the 10-year yield, folded into one daily snapshot.
package market_regime

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

// Repository persists one regime snapshot per calendar date.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new regime history repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "market_regime").Logger(),
	}
}

const snapshotColumns = `id, date, status, score, vix, fear_greed,
	yield_10y, spx, spx_ma200, deviation_pct, components, created_at`

// Upsert writes the snapshot for its date, replacing an earlier
// assessment of the same day.
func (r *Repository) Upsert(snap domain.RegimeSnapshot) error {
	if snap.Date == "" {
		return fmt.Errorf("regime snapshot needs a date")
	}

	components := "{}"
	if len(snap.Components) > 0 {
		raw, err := json.Marshal(snap.Components)
		if err != nil {
			return fmt.Errorf("failed to encode regime components: %w", err)
		}
		components = string(raw)
	}

	_, err := r.db.Exec(`
		INSERT INTO market_regime_history (
			date, status, score, vix, fear_greed, yield_10y,
			spx, spx_ma200, deviation_pct, components
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			status        = excluded.status,
			score         = excluded.score,
			vix           = excluded.vix,
			fear_greed    = excluded.fear_greed,
			yield_10y     = excluded.yield_10y,
			spx           = excluded.spx,
			spx_ma200     = excluded.spx_ma200,
			deviation_pct = excluded.deviation_pct,
			components    = excluded.components`,
		snap.Date, string(snap.Status), snap.Score, snap.VIX, snap.FearGreed,
		snap.Yield10Y, snap.SPX, snap.SPXMA200, snap.DeviationPct, components)
	if err != nil {
		return fmt.Errorf("failed to upsert regime snapshot %s: %w", snap.Date, err)
	}
	return nil
}

// Latest returns the newest snapshot, nil when history is empty.
func (r *Repository) Latest() (*domain.RegimeSnapshot, error) {
	snaps, err := r.History(1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// History returns up to limit snapshots, newest first.
func (r *Repository) History(limit int) ([]domain.RegimeSnapshot, error) {
	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT %s FROM market_regime_history
		ORDER BY date DESC
		LIMIT ?`, snapshotColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query regime history: %w", err)
	}
	defer rows.Close()

	var snaps []domain.RegimeSnapshot
	for rows.Next() {
		var snap domain.RegimeSnapshot
		var status, components, createdAt string
		if err := rows.Scan(
			&snap.ID, &snap.Date, &status, &snap.Score, &snap.VIX,
			&snap.FearGreed, &snap.Yield10Y, &snap.SPX, &snap.SPXMA200,
			&snap.DeviationPct, &components, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan regime snapshot: %w", err)
		}
		snap.Status = domain.RegimeStatus(status)
		snap.CreatedAt = database.ParseTime(createdAt)
		if err := json.Unmarshal([]byte(components), &snap.Components); err != nil {
			r.log.Warn().Err(err).Str("date", snap.Date).Msg("Regime components unreadable, dropping")
			snap.Components = nil
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating regime history: %w", err)
	}
	return snaps, nil
}
