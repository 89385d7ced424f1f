// Package trading places orders with the brokerage and keeps the local
// trade ledger. The ledger records what this service submitted, not the
// broker's fill reports, so it survives broker outages and is the input
// for reports and audits.
package trading

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
	"github.com/hantuquant/trader/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// timestampLayout matches SQLite's CURRENT_TIMESTAMP so explicit writes
// and column defaults sort together under the executed_at index.
const timestampLayout = "2006-01-02 15:04:05"

type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "trading").Logger(),
	}
}

// Create appends one executed order to the ledger.
func (r *Repository) Create(trade domain.Trade) error {
	symbol := domain.NormalizeSymbol(trade.Symbol)
	if symbol == "" {
		return fmt.Errorf("trade requires a symbol")
	}
	if !trade.Side.IsBuy() && !trade.Side.IsSell() {
		return fmt.Errorf("trade side %q is not buy or sell", trade.Side)
	}
	executedAt := trade.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO trade_history
			(executed_at, symbol, side, quantity, price, strategy, order_id, result_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		executedAt.UTC().Format(timestampLayout),
		symbol,
		string(trade.Side),
		trade.Quantity,
		trade.Price,
		trade.Strategy,
		trade.OrderID,
		trade.ResultMessage,
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}

	r.log.Info().
		Str("symbol", symbol).
		Str("side", string(trade.Side)).
		Int64("quantity", trade.Quantity).
		Float64("price", trade.Price).
		Str("strategy", trade.Strategy).
		Msg("Trade recorded")
	return nil
}

// History returns the most recent trades, newest first.
func (r *Repository) History(limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := r.db.Query(`
		SELECT id, executed_at, symbol, side, quantity, price, strategy, order_id, result_message
		FROM trade_history
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load trade history: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// BySymbol returns the most recent trades for one symbol, newest first.
func (r *Repository) BySymbol(symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.db.Query(`
		SELECT id, executed_at, symbol, side, quantity, price, strategy, order_id, result_message
		FROM trade_history
		WHERE symbol = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`, domain.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("load trades for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Between returns trades executed in [start, end), oldest first. Reports
// use it for "trades today" and "trades this week" windows.
func (r *Repository) Between(start, end time.Time) ([]domain.Trade, error) {
	rows, err := r.db.Query(`
		SELECT id, executed_at, symbol, side, quantity, price, strategy, order_id, result_message
		FROM trade_history
		WHERE executed_at >= ? AND executed_at < ?
		ORDER BY executed_at ASC, id ASC`,
		start.UTC().Format(timestampLayout),
		end.UTC().Format(timestampLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("load trades between %s and %s: %w", start, end, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// LastExecution returns when the given side last ran for a symbol, or a
// zero time when the ledger has no such trade.
func (r *Repository) LastExecution(symbol string, side domain.TradeSide) (time.Time, error) {
	var executedAt string
	err := r.db.QueryRow(`
		SELECT executed_at FROM trade_history
		WHERE symbol = ? AND side = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT 1`, domain.NormalizeSymbol(symbol), string(side)).Scan(&executedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup last %s for %s: %w", side, symbol, err)
	}
	return database.ParseTime(executedAt), nil
}

func scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var (
			t          domain.Trade
			side       string
			executedAt string
		)
		if err := rows.Scan(&t.ID, &executedAt, &t.Symbol, &side, &t.Quantity,
			&t.Price, &t.Strategy, &t.OrderID, &t.ResultMessage); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.ExecutedAt = database.ParseTime(executedAt)
		if parsed, ok := domain.TradeSideFromString(side); ok {
			t.Side = parsed
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
