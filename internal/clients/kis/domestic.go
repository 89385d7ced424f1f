package kis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hantuquant/trader/internal/domain"
)

const (
	// One chart call returns at most 100 bars; windows walk backwards
	// until enough history is collected.
	barPageDays = 160
	maxBarPages = 6
)

// GetDomesticBalance fetches the KR account snapshot. Available cash is
// the D+2 settlement amount, not the raw deposit.
func (c *Client) GetDomesticBalance(ctx context.Context) (*domain.DomesticBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, balanceTimeout)
	defer cancel()

	params := map[string]string{
		"CANO":                  c.cano,
		"ACNT_PRDT_CD":          c.prdtCode,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "02",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "00",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}

	var out domesticBalanceResponse
	if err := c.invoke(ctx, routeDomesticBalance, params, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("domestic balance rejected: %s %s", out.MsgCd, out.message())
	}

	balance := &domain.DomesticBalance{Holdings: make([]domain.BrokerHolding, 0, len(out.Output1))}
	for _, row := range out.Output1 {
		qty := int64(row.Quantity.float())
		if qty <= 0 {
			continue
		}
		balance.Holdings = append(balance.Holdings, domain.BrokerHolding{
			Symbol:       domain.NormalizeSymbol(row.Symbol),
			Name:         row.Name,
			Quantity:     qty,
			AvgBuyPrice:  row.AvgPrice.float(),
			CurrentPrice: row.Price.float(),
			ChangeRate:   row.PnLRate.float(),
		})
	}
	if len(out.Output2) > 0 {
		balance.CashKRW = out.Output2[0].SettlementCash.float()
		balance.TotalEval = out.Output2[0].TotalEval.float()
	}

	c.rememberDomestic(balance)
	return balance, nil
}

// SendDomesticOrder places a KR cash order. price > 0 places a limit
// order, price <= 0 a market order.
func (c *Client) SendDomesticOrder(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	ordDvsn := "01" // market
	unitPrice := "0"
	if price > 0 {
		ordDvsn = "00" // limit
		unitPrice = strconv.FormatFloat(price, 'f', 0, 64)
	}
	return c.sendDomestic(ctx, symbol, qty, price, side, ordDvsn, unitPrice)
}

// SendDomesticAfterHoursOrder places a KR order in the 15:40-18:00
// after-hours session. Simulated endpoints, a disabled flag, or an
// out-of-window clock all return a blocked result without touching the
// wire.
func (c *Client) SendDomesticAfterHoursOrder(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide) (*domain.OrderResult, error) {
	blocked := func(msg string) *domain.OrderResult {
		return &domain.OrderResult{
			Status:   domain.OrderBlocked,
			Message:  msg,
			Symbol:   symbol,
			Side:     side,
			Quantity: qty,
			Price:    price,
			At:       c.clock.Now(),
		}
	}

	if c.simulated {
		return blocked("after-hours orders are not supported on the simulated endpoint"), nil
	}
	if !c.afterHoursEnabled() {
		return blocked("after-hours trading is disabled"), nil
	}
	if !c.inAfterHoursWindow() {
		return blocked("outside the after-hours window (15:40-18:00 KST)"), nil
	}

	unitPrice := "0"
	if price > 0 {
		unitPrice = strconv.FormatFloat(price, 'f', 0, 64)
	}
	return c.sendDomestic(ctx, symbol, qty, price, side, c.afterHoursOrdDvsn(), unitPrice)
}

func (c *Client) sendDomestic(ctx context.Context, symbol string, qty int64, price float64, side domain.TradeSide, ordDvsn, unitPrice string) (*domain.OrderResult, error) {
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

	routeName := routeDomesticOrderBuy
	if side.IsSell() {
		routeName = routeDomesticOrderSell
	}

	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	body := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.prdtCode,
		"PDNO":         domain.NormalizeSymbol(symbol),
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     unitPrice,
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
			Msg("Domestic order rejected by broker")
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
		Msg("Domestic order accepted")
	return result, nil
}

// GetDomesticQuote fetches the KR current quote with fundamentals. The
// endpoint carries no stock name, only the Korean industry label, which
// maps to Sector.
func (c *Client) GetDomesticQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	params := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         domain.NormalizeSymbol(symbol),
	}

	var out domesticQuoteResponse
	if err := c.invoke(ctx, routeDomesticPrice, params, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("domestic quote rejected for %s: %s", symbol, out.message())
	}

	o := out.Output
	return &domain.Quote{
		Symbol:     domain.NormalizeSymbol(symbol),
		Sector:     o.SectorName,
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
		MarketCap:  o.MarketCap.float() * 1e8, // reported in 100M KRW
	}, nil
}

// GetDomesticDailyBars returns up to count daily bars, oldest first,
// paging backwards through 100-bar chart windows.
func (c *Client) GetDomesticDailyBars(ctx context.Context, symbol string, count int) ([]domain.DailyBar, error) {
	code := domain.NormalizeSymbol(symbol)
	end := c.clock.Now().In(c.seoul)

	var newestFirst []domain.DailyBar
	for page := 0; page < maxBarPages && len(newestFirst) < count; page++ {
		start := end.AddDate(0, 0, -barPageDays)
		params := map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         code,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		}

		callCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
		var out domesticBarsResponse
		err := c.invoke(callCtx, routeDomesticBars, params, nil, &out)
		cancel()
		if err != nil {
			return nil, err
		}
		if !out.ok() {
			return nil, fmt.Errorf("domestic bars rejected for %s: %s", symbol, out.message())
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
		next, ok := pageEnd(newestFirst, c.seoul)
		if !ok {
			break
		}
		end = next
	}

	return oldestFirst(newestFirst, count), nil
}

// GetDomesticRanking fetches the KR market-cap ranking for one exchange
// segment (KOSPI or KOSDAQ; anything else queries the whole market).
// The simulated environment does not serve this endpoint; callers fall
// back to the local master snapshot on error.
func (c *Client) GetDomesticRanking(ctx context.Context, exchange string, limit int) ([]domain.RankingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	segment := "0000"
	switch strings.ToUpper(exchange) {
	case "KOSPI":
		segment = "0001"
	case "KOSDAQ":
		segment = "1001"
	}

	params := map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "20174",
		"fid_div_cls_code":       "0",
		"fid_input_iscd":         segment,
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
		"fid_input_option_1":     "",
		"fid_input_option_2":     "",
		"fid_rank_sort_cls_code": "0",
		"fid_blng_cls_code":      "0",
	}

	var out domesticRankingResponse
	if err := c.invoke(ctx, routeDomesticRanking, params, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("domestic ranking rejected: %s %s", out.MsgCd, out.message())
	}

	entries := make([]domain.RankingEntry, 0, limit)
	for i, row := range out.Output {
		if row.Symbol == "" {
			continue
		}
		rank := int(row.Rank.float())
		if rank == 0 {
			rank = i + 1
		}
		entries = append(entries, domain.RankingEntry{
			Rank:      rank,
			Symbol:    domain.NormalizeSymbol(row.Symbol),
			Name:      row.Name,
			Price:     row.Price.float(),
			MarketCap: row.MarketCap.float() * 1e8,
		})
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// formatBarDate converts the broker's YYYYMMDD into YYYY-MM-DD.
func formatBarDate(d string) string {
	if len(d) != 8 {
		return d
	}
	return d[:4] + "-" + d[4:6] + "-" + d[6:]
}

// pageEnd computes the next backwards window end, one day before the
// oldest bar accumulated so far.
func pageEnd(newestFirst []domain.DailyBar, loc *time.Location) (time.Time, bool) {
	oldest, err := time.ParseInLocation("2006-01-02", newestFirst[len(newestFirst)-1].Date, loc)
	if err != nil {
		return time.Time{}, false
	}
	return oldest.AddDate(0, 0, -1), true
}

// oldestFirst reverses a newest-first accumulation and trims it to the
// most recent count bars.
func oldestFirst(newestFirst []domain.DailyBar, count int) []domain.DailyBar {
	if count > 0 && len(newestFirst) > count {
		newestFirst = newestFirst[:count]
	}
	bars := make([]domain.DailyBar, len(newestFirst))
	for i, bar := range newestFirst {
		bars[len(bars)-1-i] = bar
	}
	return bars
}
