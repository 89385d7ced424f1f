package kis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hantuquant/trader/internal/domain"
)

// GetOverseasBalance fetches the US account snapshot. Evaluation totals
// are in USD; exchange codes per row feed the exchange-hint cache.
func (c *Client) GetOverseasBalance(ctx context.Context) (*domain.OverseasBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, balanceTimeout)
	defer cancel()

	params := map[string]string{
		"CANO":           c.cano,
		"ACNT_PRDT_CD":   c.prdtCode,
		"OVRS_EXCG_CD":   "NASD",
		"TR_CRCY_CD":     "USD",
		"CTX_AREA_FK200": "",
		"CTX_AREA_NK200": "",
	}

	var out overseasBalanceResponse
	if err := c.invoke(ctx, routeOverseasBalance, params, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("overseas balance rejected: %s %s", out.MsgCd, out.message())
	}

	balance := &domain.OverseasBalance{Holdings: make([]domain.BrokerHolding, 0, len(out.Output1))}
	for _, row := range out.Output1 {
		qty := int64(row.Quantity.float())
		if qty <= 0 {
			continue
		}
		symbol := domain.NormalizeSymbol(row.Symbol)
		balance.Holdings = append(balance.Holdings, domain.BrokerHolding{
			Symbol:       symbol,
			Name:         row.Name,
			Quantity:     qty,
			AvgBuyPrice:  row.AvgPrice.float(),
			CurrentPrice: row.Price.float(),
			ChangeRate:   row.PnLRate.float(),
			Exchange:     row.Exchange,
		})
		balance.TotalEval += row.EvalAmount.float()
		c.rememberExchange(symbol, quoteExchangeCode(row.Exchange))
	}

	c.rememberOverseas(balance)
	return balance, nil
}

// GetOverseasAvailableCash reads the orderable USD amount. The endpoint
// requires an item code, so callers probe with a symbol they hold.
func (c *Client) GetOverseasAvailableCash(ctx context.Context, probeSymbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, balanceTimeout)
	defer cancel()

	symbol := domain.NormalizeSymbol(probeSymbol)
	params := map[string]string{
		"CANO":          c.cano,
		"ACNT_PRDT_CD":  c.prdtCode,
		"OVRS_EXCG_CD":  orderExchangeCode(c.ExchangeHint(symbol)),
		"OVRS_ORD_UNPR": "",
		"ITEM_CD":       symbol,
	}

	var out psamountResponse
	if err := c.invoke(ctx, routeOverseasPsamount, params, nil, &out); err != nil {
		return 0, err
	}
	if !out.ok() {
		return 0, fmt.Errorf("overseas purchasable-amount rejected for %s: %s", probeSymbol, out.message())
	}
	return out.Output.OrderableCash.float(), nil
}

// SendOverseasOrder places a US order. The venue only accepts limit
// orders, so price <= 0 is rejected locally.
func (c *Client) SendOverseasOrder(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	result := &domain.OrderResult{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		At:       c.clock.Now(),
	}
	if qty <= 0 {
		result.Status = domain.OrderError
		result.Message = "order quantity must be positive"
		return result, nil
	}
	if price <= 0 {
		result.Status = domain.OrderError
		result.Message = "overseas orders must be limit orders with a positive price"
		return result, nil
	}

	routeName := routeOverseasOrderBuy
	if side.IsSell() {
		routeName = routeOverseasOrderSell
	}

	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	normalized := domain.NormalizeSymbol(symbol)
	body := map[string]string{
		"CANO":            c.cano,
		"ACNT_PRDT_CD":    c.prdtCode,
		"OVRS_EXCG_CD":    orderExchangeCode(c.ExchangeHint(normalized)),
		"PDNO":            normalized,
		"ORD_QTY":         strconv.FormatInt(qty, 10),
		"OVRS_ORD_UNPR":   strconv.FormatFloat(price, 'f', 2, 64),
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        "00",
	}

	var out orderResponse
	if err := c.invoke(ctx, routeName, nil, body, &out); err != nil {
		result.Status = domain.OrderError
		result.Message = err.Error()
		return result, err
	}
	if !out.ok() {
		result.Status = domain.OrderFailed
		result.Message = out.message()
		c.log.Warn().
			Str("symbol", symbol).
			Str("side", string(side)).
			Str("msg_cd", out.MsgCd).
			Str("msg", out.message()).
			Msg("Overseas order rejected by broker")
		return result, nil
	}

	result.Status = domain.OrderSuccess
	result.OrderID = out.Output.OrderNo
	c.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Int64("qty", qty).
		Float64("price", price).
		Str("order_id", result.OrderID).
		Msg("Overseas order accepted")
	return result, nil
}

// GetOverseasQuote fetches the US detail quote, probing exchanges until
// one answers with a live price. The winning exchange is remembered.
func (c *Client) GetOverseasQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	normalized := domain.NormalizeSymbol(symbol)

	var lastErr error
	for _, excd := range c.exchangeCandidates(normalized) {
		quote, err := c.fetchOverseasDetail(ctx, normalized, excd)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Price <= 0 {
			lastErr = fmt.Errorf("overseas quote empty for %s on %s", symbol, excd)
			continue
		}
		c.rememberExchange(normalized, excd)
		return quote, nil
	}
	return nil, lastErr
}

func (c *Client) fetchOverseasDetail(ctx context.Context, symbol, excd string) (*domain.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	params := map[string]string{
		"AUTH": "",
		"EXCD": excd,
		"SYMB": symbol,
	}

	var out overseasDetailResponse
	if err := c.invoke(ctx, routeOverseasDetail, params, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("overseas quote rejected for %s on %s: %s", symbol, excd, out.message())
	}

	o := out.Output
	return &domain.Quote{
		Symbol:     symbol,
		Price:      o.Price.float(),
		ChangeRate: o.ChangeRate.float(),
		Open:       o.Open.float(),
		High:       o.High.float(),
		Low:        o.Low.float(),
		Volume:     o.Volume.float(),
		Amount:     o.Amount.float(),
		Week52High: o.Week52High.float(),
		Week52Low:  o.Week52Low.float(),
		PER:        o.PER.float(),
		PBR:        o.PBR.float(),
		EPS:        o.EPS.float(),
		BPS:        o.BPS.float(),
		MarketCap:  o.MarketCap.float(),
	}, nil
}

// GetOverseasDailyBars returns up to count US daily bars, oldest first,
// paging backwards from the latest session.
func (c *Client) GetOverseasDailyBars(ctx context.Context, symbol string, count int) ([]domain.DailyBar, error) {
	normalized := domain.NormalizeSymbol(symbol)
	excd := c.ExchangeHint(normalized)
	before := "" // empty means "from the latest session"

	var newestFirst []domain.DailyBar
	for page := 0; page < maxBarPages && len(newestFirst) < count; page++ {
		params := map[string]string{
			"AUTH": "",
			"EXCD": excd,
			"SYMB": normalized,
			"GUBN": "0",
			"BYMD": before,
			"MODP": "1",
		}

		callCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
		var out overseasBarsResponse
		err := c.invoke(callCtx, routeOverseasBars, params, nil, &out)
		cancel()
		if err != nil {
			return nil, err
		}
		if !out.ok() {
			return nil, fmt.Errorf("overseas bars rejected for %s: %s", symbol, out.message())
		}

		added := 0
		for _, row := range out.Output2 {
			if row.Date == "" {
				continue
			}
			newestFirst = append(newestFirst, domain.DailyBar{
				Date:   formatBarDate(row.Date),
				Open:   row.Open.float(),
				High:   row.High.float(),
				Low:    row.Low.float(),
				Close:  row.Close.float(),
				Volume: row.Volume.float(),
			})
			added++
		}
		if added == 0 {
			break
		}

		oldest, err := time.Parse("2006-01-02", newestFirst[len(newestFirst)-1].Date)
		if err != nil {
			break
		}
		before = oldest.AddDate(0, 0, -1).Format("20060102")
	}

	return oldestFirst(newestFirst, count), nil
}

// GetOverseasRanking fetches US symbols filtered by market cap on one
// exchange, largest first.
func (c *Client) GetOverseasRanking(ctx context.Context, exchange string, limit int) ([]domain.RankingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	params := map[string]string{
		"AUTH":       "",
		"EXCD":       exchange,
		"CO_YN_VALX": "1",
		"CO_ST_VALX": "1000", // min market cap, in millions USD
		"CO_EN_VALX": "",
	}

	var out overseasRankingResponse
	if err := c.invoke(ctx, routeOverseasRanking, params, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("overseas ranking rejected on %s: %s", exchange, out.message())
	}

	entries := make([]domain.RankingEntry, 0, len(out.Output2))
	for _, row := range out.Output2 {
		symbol := strings.TrimSpace(row.Symbol)
		if symbol == "" {
			continue
		}
		entries = append(entries, domain.RankingEntry{
			Symbol:    domain.NormalizeSymbol(symbol),
			Name:      row.Name,
			Price:     row.Price.float(),
			MarketCap: row.MarketCap.float(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MarketCap > entries[j].MarketCap })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
		c.rememberExchange(entries[i].Symbol, exchange)
	}
	return entries, nil
}

// quoteExchangeCode maps an order-path exchange code back to the quote
// code used by price endpoints.
func quoteExchangeCode(orderCode string) string {
	switch strings.ToUpper(strings.TrimSpace(orderCode)) {
	case "NYSE", "NYS":
		return "NYS"
	case "AMEX", "AMS":
		return "AMS"
	case "NASD", "NAS":
		return "NAS"
	default:
		return ""
	}
}
