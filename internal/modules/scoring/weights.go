package scoring

// Weights are the signal magnitudes. Every field reads through a
// "score_w_*" settings key, so individual signals can be tuned, or
// silenced with zero, without a restart.
type Weights struct {
	RSIExtreme       float64
	RSIMild          float64
	IntradayMove     float64
	EMASupport       float64
	DCFDeep          float64
	DCFMid           float64
	DCFLow           float64
	DCFFair          float64
	DCFOverLow       float64
	DCFOverHigh      float64
	ProfitZone       float64
	AveragingZone    float64
	PanicMarket      float64
	ComplacentMarket float64
	BullRegime       float64
	BearRegime       float64
	TargetPrice      float64
	TopTen           float64
	GroupDeviation   float64
	CashShortage     float64
}

func DefaultWeights() Weights {
	return Weights{
		RSIExtreme:       20,
		RSIMild:          10,
		IntradayMove:     15,
		EMASupport:       10,
		DCFDeep:          25,
		DCFMid:           15,
		DCFLow:           10,
		DCFFair:          5,
		DCFOverLow:       10,
		DCFOverHigh:      20,
		ProfitZone:       30,
		AveragingZone:    10,
		PanicMarket:      30,
		ComplacentMarket: 15,
		BullRegime:       15,
		BearRegime:       10,
		TargetPrice:      30,
		TopTen:           10,
		GroupDeviation:   10,
		CashShortage:     15,
	}
}

func (s *Scorer) weights() Weights {
	d := DefaultWeights()
	return Weights{
		RSIExtreme:       s.settings.GetFloat("score_w_rsi_extreme", d.RSIExtreme),
		RSIMild:          s.settings.GetFloat("score_w_rsi_mild", d.RSIMild),
		IntradayMove:     s.settings.GetFloat("score_w_intraday", d.IntradayMove),
		EMASupport:       s.settings.GetFloat("score_w_ema_support", d.EMASupport),
		DCFDeep:          s.settings.GetFloat("score_w_dcf_deep", d.DCFDeep),
		DCFMid:           s.settings.GetFloat("score_w_dcf_mid", d.DCFMid),
		DCFLow:           s.settings.GetFloat("score_w_dcf_low", d.DCFLow),
		DCFFair:          s.settings.GetFloat("score_w_dcf_fair", d.DCFFair),
		DCFOverLow:       s.settings.GetFloat("score_w_dcf_over_low", d.DCFOverLow),
		DCFOverHigh:      s.settings.GetFloat("score_w_dcf_over_high", d.DCFOverHigh),
		ProfitZone:       s.settings.GetFloat("score_w_profit_zone", d.ProfitZone),
		AveragingZone:    s.settings.GetFloat("score_w_averaging_zone", d.AveragingZone),
		PanicMarket:      s.settings.GetFloat("score_w_panic", d.PanicMarket),
		ComplacentMarket: s.settings.GetFloat("score_w_complacent", d.ComplacentMarket),
		BullRegime:       s.settings.GetFloat("score_w_bull", d.BullRegime),
		BearRegime:       s.settings.GetFloat("score_w_bear", d.BearRegime),
		TargetPrice:      s.settings.GetFloat("score_w_target_hit", d.TargetPrice),
		TopTen:           s.settings.GetFloat("score_w_top_ten", d.TopTen),
		GroupDeviation:   s.settings.GetFloat("score_w_group_dev", d.GroupDeviation),
		CashShortage:     s.settings.GetFloat("score_w_cash_shortage", d.CashShortage),
	}
}
