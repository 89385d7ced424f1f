package financials

import (
	"database/sql"
	"fmt"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

// GetOverride returns the DCF override for one symbol. Returns nil if
// none exists (not an error).
func (r *Repository) GetOverride(symbol string) (*domain.DcfOverride, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, fcf_per_share, beta, growth_rate, manual_discount, fair_value, updated_at
		FROM dcf_overrides WHERE symbol = ?`,
		domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to query dcf override %s: %w", symbol, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	o, err := scanOverride(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan dcf override %s: %w", symbol, err)
	}
	return &o, nil
}

// AllOverrides returns every override keyed by symbol.
func (r *Repository) AllOverrides() (map[string]domain.DcfOverride, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, fcf_per_share, beta, growth_rate, manual_discount, fair_value, updated_at
		FROM dcf_overrides`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dcf overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.DcfOverride)
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dcf override: %w", err)
		}
		out[o.Symbol] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dcf overrides: %w", err)
	}
	return out, nil
}

// SetOverride upserts the override for one symbol. Nil fields clear the
// corresponding column so the computed value applies again.
func (r *Repository) SetOverride(o domain.DcfOverride) error {
	symbol := domain.NormalizeSymbol(o.Symbol)
	if symbol == "" {
		return fmt.Errorf("dcf override needs a symbol")
	}
	_, err := r.db.Exec(`
		INSERT INTO dcf_overrides (symbol, fcf_per_share, beta, growth_rate, manual_discount, fair_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			fcf_per_share   = excluded.fcf_per_share,
			beta            = excluded.beta,
			growth_rate     = excluded.growth_rate,
			manual_discount = excluded.manual_discount,
			fair_value      = excluded.fair_value,
			updated_at      = excluded.updated_at`,
		symbol, nullable(o.FCFPerShare), nullable(o.Beta), nullable(o.GrowthRate),
		nullable(o.ManualDiscount), nullable(o.FairValue))
	if err != nil {
		return fmt.Errorf("failed to upsert dcf override %s: %w", symbol, err)
	}
	return nil
}

// DeleteOverride removes the override for one symbol.
func (r *Repository) DeleteOverride(symbol string) error {
	_, err := r.db.Exec("DELETE FROM dcf_overrides WHERE symbol = ?", domain.NormalizeSymbol(symbol))
	if err != nil {
		return fmt.Errorf("failed to delete dcf override %s: %w", symbol, err)
	}
	return nil
}

func scanOverride(rows *sql.Rows) (domain.DcfOverride, error) {
	var o domain.DcfOverride
	var fcf, beta, growth, discount, fair sql.NullFloat64
	var updatedAt string

	err := rows.Scan(&o.ID, &o.Symbol, &fcf, &beta, &growth, &discount, &fair, &updatedAt)
	if err != nil {
		return o, err
	}

	o.FCFPerShare = floatPtr(fcf)
	o.Beta = floatPtr(beta)
	o.GrowthRate = floatPtr(growth)
	o.ManualDiscount = floatPtr(discount)
	o.FairValue = floatPtr(fair)
	o.UpdatedAt = database.ParseTime(updatedAt)
	return o, nil
}
