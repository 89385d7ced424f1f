// Package scoring turns one ticker's state plus the market backdrop
// into a composite score in [0,100]. Low scores argue for buying, high
// scores for selling; thresholds and orders belong to the strategy.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
	"github.com/hantuquant/trader/internal/modules/settings"
)

// Structural signal boundaries. Magnitudes are tunable through
// "score_w_*" settings; these cut points are not.
const (
	rsiOversoldMax   = 30.0
	rsiNeutral       = 50.0
	rsiOverboughtMin = 70.0

	intradayMovePct = 5.0
	emaSupportBand  = 1.02

	dcfDeepBand     = 0.20
	dcfMidBand      = 0.10
	dcfLowBand      = 0.05
	dcfOverHighBand = 0.15

	vixPanicLevel   = 25.0
	vixCalmLevel    = 15.0
	fearGreedPanic  = 30.0
	fearGreedGreedy = 70.0

	averagingZonePct = -5.0

	// The cash penalty only piles onto scores already leaning sell;
	// pushing an undecided score past a threshold with a liquidity
	// signal would manufacture trades.
	cashPenaltyPivot = 50.0
)

// Reason is one signal's contribution to a composite score.
type Reason struct {
	Code  string  `json:"code"`
	Note  string  `json:"note,omitempty"`
	Delta float64 `json:"delta"`
}

// Result is a scored ticker. ForceSell marks the stop-loss path: the
// score is pinned to 100 and every other signal is skipped.
type Result struct {
	Symbol    string   `json:"symbol"`
	Score     int      `json:"score"`
	ForceSell bool     `json:"force_sell"`
	Reasons   []Reason `json:"reasons"`
}

// Context is the market backdrop shared by every symbol scored in one
// strategy pass. VIX zero and FearGreed below zero mean "unknown" and
// mute the sentiment signals.
type Context struct {
	Regime      domain.RegimeStatus
	VIX         float64
	FearGreed   float64
	TopTen      map[string]struct{}
	GroupWeight map[string]float64
	GroupTarget map[string]float64
	GroupBand   float64
	CashRatio   map[domain.Market]float64
	CashTarget  map[domain.Market]float64
}

type Scorer struct {
	settings *settings.Service
	log      zerolog.Logger
}

func NewScorer(settingsSvc *settings.Service, log zerolog.Logger) *Scorer {
	return &Scorer{
		settings: settingsSvc,
		log:      log.With().Str("module", "scoring").Logger(),
	}
}

// Score evaluates one ready ticker. holding is nil when the account has
// no position in the symbol.
func (s *Scorer) Score(state *domain.TickerState, holding *domain.Holding, ctx Context) Result {
	res := Result{Symbol: state.Symbol}
	w := s.weights()

	stopLoss := s.settings.GetFloat(settings.KeyStopLossPct, -10.0)
	takeProfit := s.settings.GetFloat(settings.KeyTakeProfitPct, 5.0)

	held := holding != nil && holding.Quantity > 0
	var pnl float64
	hasPnl := false
	if held && holding.AvgBuyPrice > 0 {
		px := state.CurrentPrice
		if px <= 0 {
			px = holding.CurrentPrice
		}
		if px > 0 {
			pnl = (px - holding.AvgBuyPrice) / holding.AvgBuyPrice * 100
			hasPnl = true
		}
	}

	// Stop-loss dominates everything else.
	if hasPnl && pnl <= stopLoss {
		res.Score = 100
		res.ForceSell = true
		res.Reasons = append(res.Reasons, Reason{
			Code:  "stop_loss",
			Note:  fmt.Sprintf("pnl %.1f%% breached %.1f%%", pnl, stopLoss),
			Delta: 100,
		})
		return res
	}

	score := s.settings.GetFloat(settings.KeyBaseScore, 50)
	add := func(code, note string, delta float64) {
		if delta == 0 {
			return
		}
		score += delta
		res.Reasons = append(res.Reasons, Reason{Code: code, Note: note, Delta: delta})
	}

	if rsi := state.RSI; rsi > 0 {
		delta := rsiDelta(rsi, w.RSIMild, w.RSIExtreme)
		code := "rsi_oversold"
		if delta > 0 {
			code = "rsi_overbought"
		}
		add(code, fmt.Sprintf("rsi %.1f", rsi), delta)
	}

	switch {
	case state.ChangeRate <= -intradayMovePct:
		add("intraday_dip", fmt.Sprintf("%.1f%%", state.ChangeRate), -w.IntradayMove)
	case state.ChangeRate >= intradayMovePct:
		add("intraday_surge", fmt.Sprintf("%.1f%%", state.ChangeRate), w.IntradayMove)
	}

	if ema := state.EMA[200]; ema > 0 && state.CurrentPrice >= ema && state.CurrentPrice <= ema*emaSupportBand {
		add("ema200_support", "", -w.EMASupport)
	}

	if dcf := state.DCFValue; dcf > 0 && state.CurrentPrice > 0 {
		diff := (dcf - state.CurrentPrice) / state.CurrentPrice
		note := fmt.Sprintf("fair %.2f vs px %.2f", dcf, state.CurrentPrice)
		switch {
		case diff >= dcfDeepBand:
			add("dcf_deep_discount", note, -w.DCFDeep)
		case diff >= dcfMidBand:
			add("dcf_discount", note, -w.DCFMid)
		case diff >= dcfLowBand:
			add("dcf_small_discount", note, -w.DCFLow)
		case diff > -dcfLowBand:
			add("dcf_fair", note, -w.DCFFair)
		case diff > -dcfOverHighBand:
			add("dcf_premium", note, w.DCFOverLow)
		default:
			add("dcf_high_premium", note, w.DCFOverHigh)
		}
	}

	if hasPnl {
		if pnl >= takeProfit {
			add("profit_zone", fmt.Sprintf("pnl %.1f%%", pnl), w.ProfitZone)
		} else if pnl <= averagingZonePct && pnl > stopLoss {
			add("averaging_zone", fmt.Sprintf("pnl %.1f%%", pnl), -w.AveragingZone)
		}
	}

	switch {
	case PanicWindow(ctx.VIX, ctx.FearGreed):
		add("panic_market", "", -w.PanicMarket)
	case (ctx.VIX > 0 && ctx.VIX <= vixCalmLevel) || ctx.FearGreed >= fearGreedGreedy:
		add("complacent_market", "", w.ComplacentMarket)
	}

	switch ctx.Regime {
	case domain.RegimeBull:
		add("bull_regime", "", -w.BullRegime)
	case domain.RegimeBear:
		add("bear_regime", "", w.BearRegime)
	}

	if state.TargetBuyPrice > 0 && state.CurrentPrice > 0 && state.CurrentPrice <= state.TargetBuyPrice {
		add("target_buy_hit", fmt.Sprintf("px %.2f <= %.2f", state.CurrentPrice, state.TargetBuyPrice), -w.TargetPrice)
	}
	if state.TargetSellPrice > 0 && state.CurrentPrice >= state.TargetSellPrice {
		add("target_sell_hit", fmt.Sprintf("px %.2f >= %.2f", state.CurrentPrice, state.TargetSellPrice), w.TargetPrice)
	}

	if _, ok := ctx.TopTen[state.Symbol]; ok {
		add("market_cap_leader", "", -w.TopTen)
	}

	if override := s.settings.GetFloat(OverrideKey(state.Symbol), 0); override != 0 {
		add("user_override", "", override)
	}

	if group := domain.SectorGroupOf(sectorOf(state, holding)); ctx.GroupBand > 0 {
		if target, ok := ctx.GroupTarget[group]; ok {
			weight := ctx.GroupWeight[group]
			if weight-target > ctx.GroupBand {
				add("group_overweight", group, w.GroupDeviation)
			} else if target-weight > ctx.GroupBand {
				add("group_underweight", group, -w.GroupDeviation)
			}
		}
	}

	// Evaluated last: the penalty reads the running score.
	if score > cashPenaltyPivot {
		market := domain.MarketOf(state.Symbol)
		ratio, okRatio := ctx.CashRatio[market]
		target, okTarget := ctx.CashTarget[market]
		if okRatio && okTarget && ratio < target {
			add("cash_shortage", fmt.Sprintf("ratio %.2f < target %.2f", ratio, target), w.CashShortage)
		}
	}

	res.Score = clampScore(score)
	return res
}

// PanicWindow reports whether the backdrop counts as a panic: elevated
// VIX or a fear/greed reading deep in fear. The strategy's cash gate
// opens during one. FearGreed below zero means unknown.
func PanicWindow(vix, fearGreed float64) bool {
	return vix >= vixPanicLevel || (fearGreed >= 0 && fearGreed <= fearGreedPanic)
}

// OverrideKey names the per-symbol manual score adjustment setting.
func OverrideKey(symbol string) string {
	return "score_override_" + strings.ToLower(domain.NormalizeSymbol(symbol))
}

// rsiDelta maps RSI onto a signed delta: negative below the midpoint,
// positive above, reaching the extreme magnitude at RSI 0 and 100. The
// ladder is continuous at the 30 and 70 boundaries so small RSI moves
// never jump the score.
func rsiDelta(rsi, mild, extreme float64) float64 {
	switch {
	case rsi <= rsiOversoldMax:
		floor := math.Max(rsi, 0)
		return -mild - (extreme-mild)*(rsiOversoldMax-floor)/rsiOversoldMax
	case rsi < rsiNeutral:
		return -mild * (rsiNeutral - rsi) / (rsiNeutral - rsiOversoldMax)
	case rsi <= rsiOverboughtMin:
		return mild * (rsi - rsiNeutral) / (rsiOverboughtMin - rsiNeutral)
	default:
		ceil := math.Min(rsi, 100)
		return mild + (extreme-mild)*(ceil-rsiOverboughtMin)/(100-rsiOverboughtMin)
	}
}

func sectorOf(state *domain.TickerState, holding *domain.Holding) string {
	if state.Sector != "" {
		return state.Sector
	}
	if holding != nil {
		return holding.Sector
	}
	return ""
}

func clampScore(score float64) int {
	rounded := int(math.Round(score))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}
