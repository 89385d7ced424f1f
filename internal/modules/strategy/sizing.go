package strategy

import (
	"math"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/modules/settings"
)

// buySizing carries one buy decision's inputs. Monetary values are KRW
// regardless of market; US unit prices are converted with the exchange
// rate before dividing.
type buySizing struct {
	Market         domain.Market
	Score          int
	UnitPrice      float64 // native currency of the market
	MarketTotalKRW float64 // positions plus cash of this market only
	TotalAssetsKRW float64 // both markets, used when the market total is zero
	CashKRW        float64 // free cash of this market's currency
	ExchangeRate   float64 // KRW per USD
}

// buyConviction maps a composite score to buy strength: scores near
// zero are the strongest buys.
func buyConviction(score int) float64 {
	return float64(100 - score)
}

func convictionMultiplier(conviction float64) float64 {
	switch {
	case conviction >= 90:
		return 2.0
	case conviction >= 80:
		return 1.5
	default:
		return 1.0
	}
}

// buyQuantity sizes one buy tranche: a per-trade slice of the market's
// portfolio, scaled by conviction, split across split_count orders and
// capped by free cash. A zero quantity with very high conviction rounds
// up to a single share when cash covers it, so small accounts still
// participate.
func (e *Engine) buyQuantity(in buySizing) int64 {
	if in.UnitPrice <= 0 {
		return 0
	}
	unitKRW := in.UnitPrice
	if in.Market == domain.MarketUS {
		fx := in.ExchangeRate
		if fx <= 0 {
			fx = e.settings.GetFloat(settings.KeyExchangeRate, 1350)
		}
		unitKRW = in.UnitPrice * fx
	}

	base := in.MarketTotalKRW
	if base <= 0 {
		base = in.TotalAssetsKRW
	}
	if base <= 0 {
		return 0
	}

	perTrade := e.settings.GetFloat(settings.KeyPerTradeRatio, 0.05)
	splits := e.settings.GetInt(settings.KeySplitCount, 3)
	if splits < 1 {
		splits = 1
	}

	conviction := buyConviction(in.Score)
	target := base * perTrade * convictionMultiplier(conviction)
	tranche := target / float64(splits)
	invest := math.Min(tranche, in.CashKRW)

	qty := int64(math.Floor(invest / unitKRW))
	if qty == 0 {
		aggressive := e.settings.GetFloat(settings.KeyAggressiveConvictionMin, 90)
		if conviction >= aggressive && in.CashKRW >= unitKRW {
			qty = 1
		}
	}
	return qty
}

// sellQuantity sizes one sell. A stop-loss dumps the whole position;
// anything else sells one split tranche, never less than a share.
func sellQuantity(held int64, splits int, stopLoss bool) int64 {
	if held <= 0 {
		return 0
	}
	if stopLoss {
		return held
	}
	if splits < 1 {
		splits = 1
	}
	qty := held / int64(splits)
	if qty < 1 {
		qty = 1
	}
	return qty
}
