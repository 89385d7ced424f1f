package formulas

// EMASpans is the canonical set of EMA spans carried on every
// financial snapshot and ticker state.
var EMASpans = []int{5, 10, 20, 60, 100, 120, 200}

// RSIPeriod is the default lookback for RSI.
const RSIPeriod = 14

// IndicatorSet bundles the indicator values computed from one close
// series. EMA entries whose span exceeds the series length are nil.
type IndicatorSet struct {
	RSI       *float64
	EMA       map[int]*float64
	Bollinger *BollingerBands
}

// CalculateIndicators computes RSI, every canonical EMA span and the
// 20-bar Bollinger bands from a single close series.
func CalculateIndicators(closes []float64) IndicatorSet {
	set := IndicatorSet{
		RSI: CalculateRSI(closes, RSIPeriod),
		EMA: make(map[int]*float64, len(EMASpans)),
	}
	for _, span := range EMASpans {
		set.EMA[span] = CalculateEMA(closes, span)
	}
	set.Bollinger = CalculateBollinger(closes, 20, 2)
	return set
}
