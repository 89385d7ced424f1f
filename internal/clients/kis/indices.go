package kis

import (
	"context"
	"fmt"

	"github.com/hantuquant/trader/internal/domain"
)

// Index codes accepted by the chart endpoints.
const (
	IndexKOSPI     = "0001"
	IndexSP500     = "SPX"
	IndexDow       = ".DJI"
	IndexNasdaq100 = "NDX"
	IndexVIX       = "VIX"
)

// GetIndexDailyBars returns daily index bars, oldest first. KR indices
// go through the domestic index chart, everything else through the
// overseas one. Volume is not populated for overseas indices.
func (c *Client) GetIndexDailyBars(ctx context.Context, market domain.Market, code string, count int) ([]domain.DailyBar, error) {
	if market == domain.MarketKR {
		return c.indexBarsKR(ctx, code, count)
	}
	return c.indexBarsUS(ctx, code, count)
}

func (c *Client) indexBarsKR(ctx context.Context, code string, count int) ([]domain.DailyBar, error) {
	end := c.clock.Now().In(c.seoul)

	var newestFirst []domain.DailyBar
	for page := 0; page < maxBarPages && len(newestFirst) < count; page++ {
		start := end.AddDate(0, 0, -barPageDays)
		params := map[string]string{
			"FID_COND_MRKT_DIV_CODE": "U",
			"FID_INPUT_ISCD":         code,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
		}

		callCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
		var out indexBarsKRResponse
		err := c.invoke(callCtx, routeIndexBarsKR, params, nil, &out)
		cancel()
		if err != nil {
			return nil, err
		}
		if !out.ok() {
			return nil, fmt.Errorf("index bars rejected for %s: %s", code, out.message())
		}

		added := 0
		for _, row := range out.Output2 {
			if row.Date == "" {
				continue
			}
			newestFirst = append(newestFirst, domain.DailyBar{
				Date:  formatBarDate(row.Date),
				Open:  row.Open.float(),
				High:  row.High.float(),
				Low:   row.Low.float(),
				Close: row.Close.float(),
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

func (c *Client) indexBarsUS(ctx context.Context, code string, count int) ([]domain.DailyBar, error) {
	end := c.clock.Now().In(c.seoul)

	var newestFirst []domain.DailyBar
	for page := 0; page < maxBarPages && len(newestFirst) < count; page++ {
		start := end.AddDate(0, 0, -barPageDays)
		params := map[string]string{
			"FID_COND_MRKT_DIV_CODE": "N",
			"FID_INPUT_ISCD":         code,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
		}

		callCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
		var out indexBarsUSResponse
		err := c.invoke(callCtx, routeIndexBarsUS, params, nil, &out)
		cancel()
		if err != nil {
			return nil, err
		}
		if !out.ok() {
			return nil, fmt.Errorf("index bars rejected for %s: %s", code, out.message())
		}

		added := 0
		for _, row := range out.Output2 {
			if row.Date == "" {
				continue
			}
			newestFirst = append(newestFirst, domain.DailyBar{
				Date:  formatBarDate(row.Date),
				Open:  row.Open.float(),
				High:  row.High.float(),
				Low:   row.Low.float(),
				Close: row.Close.float(),
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
