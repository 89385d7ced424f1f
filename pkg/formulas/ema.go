package formulas

// CalculateEMA calculates an Exponential Moving Average over the whole
// series in one pass. The smoothing factor is alpha = 2/(span+1) and the
// seed is the first price, so a fresh calculation and a tick-by-tick
// incremental update converge to the same value.
//
// Returns nil when the span exceeds the series length.
func CalculateEMA(closes []float64, span int) *float64 {
	if span <= 0 || len(closes) < span {
		return nil
	}

	alpha := 2.0 / (float64(span) + 1.0)
	ema := closes[0]
	for _, price := range closes[1:] {
		ema = price*alpha + ema*(1.0-alpha)
	}

	return &ema
}

// UpdateEMA folds a single new price into a previous EMA value.
// Used by the live tick path so older bars never need recomputing.
func UpdateEMA(prev, price float64, span int) float64 {
	if span <= 0 {
		return prev
	}
	alpha := 2.0 / (float64(span) + 1.0)
	return price*alpha + prev*(1.0-alpha)
}
