// Package portfolio mirrors the brokerage account locally. Every sync
// replaces the holdings table in one transaction, so the latest good
// rows double as the fallback when the broker is unreachable.
package portfolio

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "portfolio").Logger(),
	}
}

// EnsurePortfolio returns the portfolio id for a user, creating the row
// on first use.
func (r *Repository) EnsurePortfolio(userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("portfolio requires a user id")
	}
	_, err := r.db.Exec(`INSERT INTO portfolios (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return 0, fmt.Errorf("create portfolio: %w", err)
	}

	var id int64
	if err := r.db.QueryRow(`SELECT id FROM portfolios WHERE user_id = ?`, userID).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup portfolio: %w", err)
	}
	return id, nil
}

// ReplaceHoldings swaps the entire holdings set for a portfolio in one
// transaction. The delete and inserts commit together, so readers never
// observe a half-synced account.
func (r *Repository) ReplaceHoldings(portfolioID int64, holdings []domain.Holding) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM portfolio_holdings WHERE portfolio_id = ?`, portfolioID); err != nil {
			return fmt.Errorf("clear holdings: %w", err)
		}
		for _, h := range holdings {
			symbol := domain.NormalizeSymbol(h.Symbol)
			if symbol == "" || h.Quantity <= 0 {
				continue
			}
			market := h.Market
			if market == "" {
				market = domain.MarketOf(symbol)
			}
			_, err := tx.Exec(`
				INSERT INTO portfolio_holdings
					(portfolio_id, symbol, market, name, quantity, avg_buy_price, current_price, change_rate, sector)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				portfolioID, symbol, string(market), h.Name, h.Quantity,
				h.AvgBuyPrice, h.CurrentPrice, h.ChangeRate, h.Sector,
			)
			if err != nil {
				return fmt.Errorf("insert holding %s: %w", symbol, err)
			}
		}
		return nil
	})
}

// GetHoldings returns the persisted holdings of a portfolio.
func (r *Repository) GetHoldings(portfolioID int64) ([]domain.Holding, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, market, name, quantity, avg_buy_price, current_price, change_rate, sector, updated_at
		FROM portfolio_holdings
		WHERE portfolio_id = ?
		ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var (
			h         domain.Holding
			market    string
			updatedAt string
		)
		if err := rows.Scan(&h.ID, &h.Symbol, &market, &h.Name, &h.Quantity,
			&h.AvgBuyPrice, &h.CurrentPrice, &h.ChangeRate, &h.Sector, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		h.Market = domain.Market(market)
		h.UpdatedAt = database.ParseTime(updatedAt)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// HeldSymbols returns the symbols currently held in a portfolio.
func (r *Repository) HeldSymbols(portfolioID int64) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT symbol FROM portfolio_holdings
		WHERE portfolio_id = ? AND quantity > 0
		ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("query held symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}
