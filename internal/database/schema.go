package database

import (
	"fmt"
)

// schema is the single source of truth for the database layout. Every
// statement is idempotent so Migrate can run on every start.
const schema = `
CREATE TABLE IF NOT EXISTS instruments (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT NOT NULL UNIQUE,
    market      TEXT NOT NULL CHECK (market IN ('KR', 'US')),
    exchange    TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    sector      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_instruments_market ON instruments(market);

CREATE TABLE IF NOT EXISTS financials (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    instrument_id  INTEGER NOT NULL REFERENCES instruments(id),
    base_date      TEXT NOT NULL,
    current_price  REAL NOT NULL DEFAULT 0,
    market_cap     REAL NOT NULL DEFAULT 0,
    per            REAL NOT NULL DEFAULT 0,
    pbr            REAL NOT NULL DEFAULT 0,
    roe            REAL NOT NULL DEFAULT 0,
    eps            REAL NOT NULL DEFAULT 0,
    bps            REAL NOT NULL DEFAULT 0,
    dividend_yield REAL NOT NULL DEFAULT 0,
    week52_high    REAL NOT NULL DEFAULT 0,
    week52_low     REAL NOT NULL DEFAULT 0,
    volume         REAL NOT NULL DEFAULT 0,
    amount         REAL NOT NULL DEFAULT 0,
    rsi            REAL,
    ema_5          REAL,
    ema_10         REAL,
    ema_20         REAL,
    ema_60         REAL,
    ema_100        REAL,
    ema_120        REAL,
    ema_200        REAL,
    dcf_value      REAL,
    created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (instrument_id, base_date)
);
CREATE INDEX IF NOT EXISTS idx_financials_instrument_date ON financials(instrument_id, base_date DESC);

CREATE TABLE IF NOT EXISTS api_transactions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT NOT NULL,
    is_simulated INTEGER NOT NULL DEFAULT 0,
    tr_id        TEXT NOT NULL DEFAULT '',
    path         TEXT NOT NULL,
    method       TEXT NOT NULL DEFAULT 'GET',
    UNIQUE (name, is_simulated)
);

CREATE TABLE IF NOT EXISTS dcf_overrides (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol          TEXT NOT NULL UNIQUE,
    fcf_per_share   REAL,
    beta            REAL,
    growth_rate     REAL,
    manual_discount REAL,
    fair_value      REAL,
    updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS portfolios (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS portfolio_holdings (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_id  INTEGER NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
    symbol        TEXT NOT NULL,
    market        TEXT NOT NULL CHECK (market IN ('KR', 'US')),
    name          TEXT NOT NULL DEFAULT '',
    quantity      INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
    avg_buy_price REAL NOT NULL DEFAULT 0,
    current_price REAL NOT NULL DEFAULT 0,
    change_rate   REAL NOT NULL DEFAULT 0,
    sector        TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (portfolio_id, symbol)
);

CREATE TABLE IF NOT EXISTS trade_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    executed_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    symbol         TEXT NOT NULL,
    side           TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
    quantity       INTEGER NOT NULL,
    price          REAL NOT NULL,
    strategy       TEXT NOT NULL DEFAULT '',
    order_id       TEXT NOT NULL DEFAULT '',
    result_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trade_history_symbol ON trade_history(symbol);
CREATE INDEX IF NOT EXISTS idx_trade_history_executed ON trade_history(executed_at DESC);

CREATE TABLE IF NOT EXISTS settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS market_regime_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    date          TEXT NOT NULL UNIQUE,
    status        TEXT NOT NULL,
    score         REAL NOT NULL DEFAULT 50,
    vix           REAL NOT NULL DEFAULT 0,
    fear_greed    REAL NOT NULL DEFAULT 50,
    yield_10y     REAL NOT NULL DEFAULT 0,
    spx           REAL NOT NULL DEFAULT 0,
    spx_ma200     REAL NOT NULL DEFAULT 0,
    deviation_pct REAL NOT NULL DEFAULT 0,
    components    TEXT NOT NULL DEFAULT '{}',
    created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// apiTransaction seeds the broker routing table. Real and simulated
// environments use different transaction ids for the same logical call.
type apiTransaction struct {
	name      string
	simulated bool
	trID      string
	path      string
	method    string
}

var apiTransactionSeed = []apiTransaction{
	{"oauth_token", false, "", "/oauth2/tokenP", "POST"},
	{"oauth_token", true, "", "/oauth2/tokenP", "POST"},
	{"ws_approval", false, "", "/oauth2/Approval", "POST"},
	{"ws_approval", true, "", "/oauth2/Approval", "POST"},

	{"domestic_order_buy", false, "TTTC0802U", "/uapi/domestic-stock/v1/trading/order-cash", "POST"},
	{"domestic_order_buy", true, "VTTC0802U", "/uapi/domestic-stock/v1/trading/order-cash", "POST"},
	{"domestic_order_sell", false, "TTTC0801U", "/uapi/domestic-stock/v1/trading/order-cash", "POST"},
	{"domestic_order_sell", true, "VTTC0801U", "/uapi/domestic-stock/v1/trading/order-cash", "POST"},
	{"domestic_balance", false, "TTTC8434R", "/uapi/domestic-stock/v1/trading/inquire-balance", "GET"},
	{"domestic_balance", true, "VTTC8434R", "/uapi/domestic-stock/v1/trading/inquire-balance", "GET"},
	{"domestic_price", false, "FHKST01010100", "/uapi/domestic-stock/v1/quotations/inquire-price", "GET"},
	{"domestic_price", true, "FHKST01010100", "/uapi/domestic-stock/v1/quotations/inquire-price", "GET"},
	{"domestic_daily_bars", false, "FHKST03010100", "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", "GET"},
	{"domestic_daily_bars", true, "FHKST03010100", "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", "GET"},
	{"domestic_ranking_cap", false, "FHPST01740000", "/uapi/domestic-stock/v1/ranking/market-cap", "GET"},
	{"domestic_ranking_cap", true, "FHPST01740000", "/uapi/domestic-stock/v1/ranking/market-cap", "GET"},

	{"overseas_order_buy", false, "TTTT1002U", "/uapi/overseas-stock/v1/trading/order", "POST"},
	{"overseas_order_buy", true, "VTTT1002U", "/uapi/overseas-stock/v1/trading/order", "POST"},
	{"overseas_order_sell", false, "TTTT1006U", "/uapi/overseas-stock/v1/trading/order", "POST"},
	{"overseas_order_sell", true, "VTTT1001U", "/uapi/overseas-stock/v1/trading/order", "POST"},
	{"overseas_balance", false, "TTTS3012R", "/uapi/overseas-stock/v1/trading/inquire-balance", "GET"},
	{"overseas_balance", true, "VTTS3012R", "/uapi/overseas-stock/v1/trading/inquire-balance", "GET"},
	{"overseas_psamount", false, "TTTS3007R", "/uapi/overseas-stock/v1/trading/inquire-psamount", "GET"},
	{"overseas_psamount", true, "VTTS3007R", "/uapi/overseas-stock/v1/trading/inquire-psamount", "GET"},
	{"overseas_price", false, "HHDFS00000300", "/uapi/overseas-price/v1/quotations/price", "GET"},
	{"overseas_price", true, "HHDFS00000300", "/uapi/overseas-price/v1/quotations/price", "GET"},
	{"overseas_detail", false, "HHDFS76200200", "/uapi/overseas-price/v1/quotations/price-detail", "GET"},
	{"overseas_detail", true, "HHDFS76200200", "/uapi/overseas-price/v1/quotations/price-detail", "GET"},
	{"overseas_daily_bars", false, "HHDFS76240000", "/uapi/overseas-price/v1/quotations/dailyprice", "GET"},
	{"overseas_daily_bars", true, "HHDFS76240000", "/uapi/overseas-price/v1/quotations/dailyprice", "GET"},
	{"overseas_ranking", false, "HHDFS76410000", "/uapi/overseas-price/v1/quotations/inquire-search", "GET"},
	{"overseas_ranking", true, "HHDFS76410000", "/uapi/overseas-price/v1/quotations/inquire-search", "GET"},

	{"index_daily_bars_kr", false, "FHKUP03500100", "/uapi/domestic-stock/v1/quotations/inquire-daily-indexchartprice", "GET"},
	{"index_daily_bars_kr", true, "FHKUP03500100", "/uapi/domestic-stock/v1/quotations/inquire-daily-indexchartprice", "GET"},
	{"index_daily_bars_us", false, "FHKST03030100", "/uapi/overseas-price/v1/quotations/inquire-daily-chartprice", "GET"},
	{"index_daily_bars_us", true, "FHKST03030100", "/uapi/overseas-price/v1/quotations/inquire-daily-chartprice", "GET"},

	{"ws_domestic_tick", false, "H0STCNT0", "", "WS"},
	{"ws_domestic_tick", true, "H0STCNT0", "", "WS"},
	{"ws_overseas_tick", false, "HDFSUSP0", "", "WS"},
	{"ws_overseas_tick", true, "HDFSUSP0", "", "WS"},
}

// Migrate applies the schema and seeds the broker routing table inside
// one transaction.
func (db *DB) Migrate() error {
	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}

	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	for _, t := range apiTransactionSeed {
		sim := 0
		if t.simulated {
			sim = 1
		}
		_, err := tx.Exec(`
			INSERT INTO api_transactions (name, is_simulated, tr_id, path, method)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (name, is_simulated) DO UPDATE SET
				tr_id = excluded.tr_id,
				path = excluded.path,
				method = excluded.method`,
			t.name, sim, t.trID, t.path, t.method)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to seed api transaction %s: %w", t.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
