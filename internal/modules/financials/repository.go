// Package financials persists per-instrument fundamental snapshots and
// user DCF overrides. Snapshots are upserted by (instrument, base date);
// the newest one per instrument feeds the ticker warm-up fast path.
package financials

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

// Repository handles financial snapshot rows.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new financials repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "financials").Logger(),
	}
}

const snapshotColumns = `f.id, i.symbol, f.instrument_id, f.base_date,
	f.current_price, f.market_cap, f.per, f.pbr, f.roe, f.eps, f.bps,
	f.dividend_yield, f.week52_high, f.week52_low, f.volume, f.amount,
	f.rsi, f.ema_5, f.ema_10, f.ema_20, f.ema_60, f.ema_100, f.ema_120,
	f.ema_200, f.dcf_value, f.created_at`

// Upsert writes one snapshot keyed by (instrument, base date). The
// instrument row is created on first encounter so a snapshot can never
// be orphaned.
func (r *Repository) Upsert(snap domain.FinancialSnapshot) error {
	symbol := domain.NormalizeSymbol(snap.Symbol)
	if symbol == "" {
		return fmt.Errorf("snapshot needs a symbol")
	}
	if snap.BaseDate == "" {
		return fmt.Errorf("snapshot for %s needs a base date", symbol)
	}

	return r.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO instruments (symbol, market) VALUES (?, ?) ON CONFLICT(symbol) DO NOTHING",
			symbol, string(domain.MarketOf(symbol))); err != nil {
			return fmt.Errorf("failed to ensure instrument %s: %w", symbol, err)
		}

		var instrumentID int64
		if err := tx.QueryRow("SELECT id FROM instruments WHERE symbol = ?", symbol).Scan(&instrumentID); err != nil {
			return fmt.Errorf("failed to resolve instrument %s: %w", symbol, err)
		}

		_, err := tx.Exec(`
			INSERT INTO financials (
				instrument_id, base_date, current_price, market_cap, per, pbr, roe,
				eps, bps, dividend_yield, week52_high, week52_low, volume, amount,
				rsi, ema_5, ema_10, ema_20, ema_60, ema_100, ema_120, ema_200, dcf_value
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instrument_id, base_date) DO UPDATE SET
				current_price  = excluded.current_price,
				market_cap     = excluded.market_cap,
				per            = excluded.per,
				pbr            = excluded.pbr,
				roe            = excluded.roe,
				eps            = excluded.eps,
				bps            = excluded.bps,
				dividend_yield = excluded.dividend_yield,
				week52_high    = excluded.week52_high,
				week52_low     = excluded.week52_low,
				volume         = excluded.volume,
				amount         = excluded.amount,
				rsi            = excluded.rsi,
				ema_5          = excluded.ema_5,
				ema_10         = excluded.ema_10,
				ema_20         = excluded.ema_20,
				ema_60         = excluded.ema_60,
				ema_100        = excluded.ema_100,
				ema_120        = excluded.ema_120,
				ema_200        = excluded.ema_200,
				dcf_value      = excluded.dcf_value`,
			instrumentID, snap.BaseDate, snap.CurrentPrice, snap.MarketCap, snap.PER,
			snap.PBR, snap.ROE, snap.EPS, snap.BPS, snap.DividendYield,
			snap.Week52High, snap.Week52Low, snap.Volume, snap.Amount,
			nullable(snap.RSI), nullable(snap.EMA5), nullable(snap.EMA10),
			nullable(snap.EMA20), nullable(snap.EMA60), nullable(snap.EMA100),
			nullable(snap.EMA120), nullable(snap.EMA200), nullable(snap.DCFValue))
		if err != nil {
			return fmt.Errorf("failed to upsert snapshot %s@%s: %w", symbol, snap.BaseDate, err)
		}
		return nil
	})
}

// Latest returns the newest snapshot for one symbol. Returns nil if the
// symbol has none (not an error).
func (r *Repository) Latest(symbol string) (*domain.FinancialSnapshot, error) {
	snaps, err := r.LatestBySymbols([]string{symbol})
	if err != nil {
		return nil, err
	}
	snap, ok := snaps[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// LatestBySymbols returns the newest snapshot per symbol in one query,
// so warm-up stays a single round-trip regardless of universe size.
func (r *Repository) LatestBySymbols(symbols []string) (map[string]domain.FinancialSnapshot, error) {
	out := make(map[string]domain.FinancialSnapshot, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(symbols))
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		placeholders[i] = "?"
		args[i] = domain.NormalizeSymbol(s)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM financials f
		JOIN instruments i ON i.id = f.instrument_id
		WHERE i.symbol IN (%s)
		  AND f.base_date = (
			SELECT MAX(base_date) FROM financials WHERE instrument_id = f.instrument_id
		  )`,
		snapshotColumns, strings.Join(placeholders, ","))

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out[snap.Symbol] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// History returns up to limit snapshots for one symbol, newest first.
func (r *Repository) History(symbol string, limit int) ([]domain.FinancialSnapshot, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM financials f
		JOIN instruments i ON i.id = f.instrument_id
		WHERE i.symbol = ?
		ORDER BY f.base_date DESC
		LIMIT ?`, snapshotColumns)

	rows, err := r.db.Query(query, domain.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot history: %w", err)
	}
	defer rows.Close()

	var snaps []domain.FinancialSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(rows *sql.Rows) (domain.FinancialSnapshot, error) {
	var snap domain.FinancialSnapshot
	var rsi, ema5, ema10, ema20, ema60, ema100, ema120, ema200, dcf sql.NullFloat64
	var createdAt string

	err := rows.Scan(
		&snap.ID, &snap.Symbol, &snap.InstrumentID, &snap.BaseDate,
		&snap.CurrentPrice, &snap.MarketCap, &snap.PER, &snap.PBR, &snap.ROE,
		&snap.EPS, &snap.BPS, &snap.DividendYield, &snap.Week52High,
		&snap.Week52Low, &snap.Volume, &snap.Amount,
		&rsi, &ema5, &ema10, &ema20, &ema60, &ema100, &ema120, &ema200, &dcf,
		&createdAt,
	)
	if err != nil {
		return snap, err
	}

	snap.RSI = floatPtr(rsi)
	snap.EMA5 = floatPtr(ema5)
	snap.EMA10 = floatPtr(ema10)
	snap.EMA20 = floatPtr(ema20)
	snap.EMA60 = floatPtr(ema60)
	snap.EMA100 = floatPtr(ema100)
	snap.EMA120 = floatPtr(ema120)
	snap.EMA200 = floatPtr(ema200)
	snap.DCFValue = floatPtr(dcf)
	snap.CreatedAt = database.ParseTime(createdAt)
	return snap, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
