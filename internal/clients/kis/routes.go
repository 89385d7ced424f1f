package kis

import (
	"fmt"

	"github.com/hantuquant/trader/internal/database"
)

// Route is one row of the api_transactions table: a named broker
// endpoint bound to the TR ID for the current environment.
type Route struct {
	Name   string
	TRID   string
	Path   string
	Method string
}

// Route names resolved against the routing table. Live and simulated
// environments share names; the table maps each to its own TR ID.
const (
	routeToken             = "oauth_token"
	routeApproval          = "ws_approval"
	routeDomesticOrderBuy  = "domestic_order_buy"
	routeDomesticOrderSell = "domestic_order_sell"
	routeDomesticBalance   = "domestic_balance"
	routeDomesticPrice     = "domestic_price"
	routeDomesticBars      = "domestic_daily_bars"
	routeDomesticRanking   = "domestic_ranking_cap"
	routeOverseasOrderBuy  = "overseas_order_buy"
	routeOverseasOrderSell = "overseas_order_sell"
	routeOverseasBalance   = "overseas_balance"
	routeOverseasPsamount  = "overseas_psamount"
	routeOverseasDetail    = "overseas_detail"
	routeOverseasBars      = "overseas_daily_bars"
	routeOverseasRanking   = "overseas_ranking"
	routeIndexBarsKR       = "index_daily_bars_kr"
	routeIndexBarsUS       = "index_daily_bars_us"
	routeWSDomesticTick    = "ws_domestic_tick"
	routeWSOverseasTick    = "ws_overseas_tick"
)

// LoadRoutes reads the routing table for one environment. The result is
// immutable; the client resolves every call against it.
func LoadRoutes(db *database.DB, simulated bool) (map[string]Route, error) {
	sim := 0
	if simulated {
		sim = 1
	}

	rows, err := db.Reader().Query(
		`SELECT name, tr_id, path, method FROM api_transactions WHERE is_simulated = ?`, sim)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker routes: %w", err)
	}
	defer rows.Close()

	routes := make(map[string]Route)
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.Name, &r.TRID, &r.Path, &r.Method); err != nil {
			return nil, fmt.Errorf("failed to scan broker route: %w", err)
		}
		routes[r.Name] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read broker routes: %w", err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("routing table is empty for is_simulated=%d", sim)
	}
	return routes, nil
}
