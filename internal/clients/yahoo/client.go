package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
)

const chartBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

// Client fetches index history from the public chart API. It is the
// fallback bar source when the broker returns nothing for an index.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewClient creates the fallback chart client.
func NewClient(log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(15*time.Second).
		// The endpoint rejects default Go user agents.
		SetHeader("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36").
		SetHeader("Accept", "application/json")

	return &Client{
		http: httpClient,
		log:  log.With().Str("client", "yahoo").Logger(),
	}
}

// GetDailyBars fetches daily OHLCV bars for a symbol, oldest first.
// rangeSpec follows the chart API ("5d", "3mo", "1y", "2y", ...).
func (c *Client) GetDailyBars(ctx context.Context, symbol, rangeSpec string) ([]domain.DailyBar, error) {
	var out chartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"interval": "1d",
			"range":    rangeSpec,
		}).
		SetResult(&out).
		Get(chartBaseURL + url.PathEscape(symbol))
	if err != nil {
		return nil, fmt.Errorf("chart request failed for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chart request for %s: status %d", symbol, resp.StatusCode())
	}
	if out.Chart.Error != nil {
		return nil, fmt.Errorf("chart error for %s: %v", symbol, out.Chart.Error)
	}
	if len(out.Chart.Result) == 0 || len(out.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no chart data returned for %s", symbol)
	}

	result := out.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	bars := make([]domain.DailyBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == 0 {
			continue
		}
		var volume float64
		if i < len(quote.Volume) {
			volume = float64(quote.Volume[i])
		}
		bars = append(bars, domain.DailyBar{
			Date:   time.Unix(ts, 0).UTC().Format("2006-01-02"),
			Open:   at(quote.Open, i),
			High:   at(quote.High, i),
			Low:    at(quote.Low, i),
			Close:  quote.Close[i],
			Volume: volume,
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("chart for %s held no usable bars", symbol)
	}

	c.log.Debug().Str("symbol", symbol).Str("range", rangeSpec).Int("count", len(bars)).Msg("Fetched fallback bars")
	return bars, nil
}

// GetSpot returns the latest price from chart metadata, falling back to
// the last daily close.
func (c *Client) GetSpot(ctx context.Context, symbol string) (float64, error) {
	var out chartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"interval": "1d",
			"range":    "5d",
		}).
		SetResult(&out).
		Get(chartBaseURL + url.PathEscape(symbol))
	if err != nil {
		return 0, fmt.Errorf("spot request failed for %s: %w", symbol, err)
	}
	if resp.IsError() || out.Chart.Error != nil || len(out.Chart.Result) == 0 {
		return 0, fmt.Errorf("no spot data returned for %s", symbol)
	}

	result := out.Chart.Result[0]
	if result.Meta.RegularMarketPrice > 0 {
		return result.Meta.RegularMarketPrice, nil
	}
	if len(result.Indicators.Quote) > 0 {
		closes := result.Indicators.Quote[0].Close
		for i := len(closes) - 1; i >= 0; i-- {
			if closes[i] > 0 {
				return closes[i], nil
			}
		}
	}
	return 0, fmt.Errorf("spot price missing for %s", symbol)
}

func at(values []float64, i int) float64 {
	if i < len(values) {
		return values[i]
	}
	return 0
}
