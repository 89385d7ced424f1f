// Package universe maintains the tradable instrument catalog: broker
// market-cap rankings unioned with current holdings, with local master
// snapshots standing in when the ranking endpoints are unavailable.
package universe

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

// Repository persists instruments. Rows are created on first encounter,
// refreshed in place and never deleted; symbols that leave the universe
// keep their catalog entry for sector lookups and history.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new instrument repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "instruments").Logger(),
	}
}

const instrumentColumns = "id, symbol, market, exchange, name, sector, created_at, updated_at"

// GetBySymbol returns one instrument. Returns nil if the symbol is
// unknown (not an error).
func (r *Repository) GetBySymbol(symbol string) (*domain.Instrument, error) {
	rows, err := r.db.Query(
		"SELECT "+instrumentColumns+" FROM instruments WHERE symbol = ?",
		domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument %s: %w", symbol, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	inst, err := scanInstrument(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan instrument %s: %w", symbol, err)
	}
	return &inst, nil
}

// GetAll returns the whole catalog ordered by symbol.
func (r *Repository) GetAll() ([]domain.Instrument, error) {
	return r.list("SELECT " + instrumentColumns + " FROM instruments ORDER BY symbol")
}

// GetByMarket returns every instrument of one market.
func (r *Repository) GetByMarket(market domain.Market) ([]domain.Instrument, error) {
	return r.list(
		"SELECT "+instrumentColumns+" FROM instruments WHERE market = ? ORDER BY symbol",
		string(market))
}

func (r *Repository) list(query string, args ...interface{}) ([]domain.Instrument, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []domain.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}
	return instruments, nil
}

const upsertInstrumentQuery = `
	INSERT INTO instruments (symbol, market, exchange, name, sector)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(symbol) DO UPDATE SET
		market     = excluded.market,
		exchange   = CASE WHEN excluded.exchange != '' THEN excluded.exchange ELSE instruments.exchange END,
		name       = CASE WHEN excluded.name != '' THEN excluded.name ELSE instruments.name END,
		sector     = CASE WHEN excluded.sector != '' THEN excluded.sector ELSE instruments.sector END,
		updated_at = CURRENT_TIMESTAMP`

// Upsert creates or refreshes one instrument. Empty incoming fields
// never clobber known values: rankings carry no sector and the
// financial sync carries no exchange.
func (r *Repository) Upsert(inst domain.Instrument) error {
	symbol := domain.NormalizeSymbol(inst.Symbol)
	market := inst.Market
	if market == "" {
		market = domain.MarketOf(symbol)
	}
	_, err := r.db.Exec(upsertInstrumentQuery,
		symbol, string(market), inst.Exchange, inst.Name, inst.Sector)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument %s: %w", symbol, err)
	}
	return nil
}

// UpsertBatch applies a whole refresh inside one transaction.
func (r *Repository) UpsertBatch(instruments []domain.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	err := r.db.WithTx(func(tx *sql.Tx) error {
		for _, inst := range instruments {
			symbol := domain.NormalizeSymbol(inst.Symbol)
			market := inst.Market
			if market == "" {
				market = domain.MarketOf(symbol)
			}
			if _, err := tx.Exec(upsertInstrumentQuery,
				symbol, string(market), inst.Exchange, inst.Name, inst.Sector); err != nil {
				return fmt.Errorf("failed to upsert instrument %s: %w", symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Debug().Int("count", len(instruments)).Msg("Instruments upserted")
	return nil
}

// UpdateSector sets the sector label used by the allocation caps.
func (r *Repository) UpdateSector(symbol, sector string) error {
	_, err := r.db.Exec(
		"UPDATE instruments SET sector = ?, updated_at = CURRENT_TIMESTAMP WHERE symbol = ?",
		sector, domain.NormalizeSymbol(symbol))
	if err != nil {
		return fmt.Errorf("failed to update sector for %s: %w", symbol, err)
	}
	return nil
}

func scanInstrument(rows *sql.Rows) (domain.Instrument, error) {
	var inst domain.Instrument
	var market, createdAt, updatedAt string
	err := rows.Scan(
		&inst.ID,
		&inst.Symbol,
		&market,
		&inst.Exchange,
		&inst.Name,
		&inst.Sector,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return inst, err
	}
	inst.Market = domain.Market(market)
	inst.CreatedAt = database.ParseTime(createdAt)
	inst.UpdatedAt = database.ParseTime(updatedAt)
	return inst, nil
}
