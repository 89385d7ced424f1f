package domain

import "time"

// TickerState is the in-memory per-symbol snapshot used by the trading
// hot path. The ticker cache owns every instance; other components only
// ever see copies.
type TickerState struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Market       Market  `json:"market"`
	Sector       string  `json:"sector"`
	CurrentPrice float64 `json:"current_price"`
	OpenPrice    float64 `json:"open_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	PrevClose    float64 `json:"prev_close"`
	CumVolume    float64 `json:"cum_volume"`
	ChangeRate   float64 `json:"change_rate"` // percent vs previous close

	EMA             map[int]float64 `json:"ema"`
	RSI             float64         `json:"rsi"`
	BollingerUpper  float64         `json:"bollinger_upper"`
	BollingerMiddle float64         `json:"bollinger_middle"`
	BollingerLower  float64         `json:"bollinger_lower"`
	DCFValue        float64         `json:"dcf_value"`
	MarketCap       float64         `json:"market_cap"`

	TargetBuyPrice  float64 `json:"target_buy_price"`
	TargetSellPrice float64 `json:"target_sell_price"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsReady reports whether the state carries enough data to be scored:
// a live price, a real RSI, and at least one long-horizon EMA.
func (t *TickerState) IsReady() bool {
	if t.CurrentPrice <= 0 || t.RSI <= 0 {
		return false
	}
	return t.EMA[200] > 0 || t.EMA[120] > 0 || t.EMA[60] > 0
}

// LongEMA returns the longest populated EMA of the 200/120/60 ladder.
func (t *TickerState) LongEMA() float64 {
	for _, span := range []int{200, 120, 60} {
		if v := t.EMA[span]; v > 0 {
			return v
		}
	}
	return 0
}

// Clone deep-copies the state so readers never share the EMA map with
// the cache's mutable instance.
func (t *TickerState) Clone() *TickerState {
	cp := *t
	cp.EMA = make(map[int]float64, len(t.EMA))
	for span, v := range t.EMA {
		cp.EMA[span] = v
	}
	return &cp
}

// RealtimeTick is one normalized trade/quote event from the live feed.
type RealtimeTick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ChangeRate float64   `json:"change_rate"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	CumVolume  float64   `json:"cum_volume"`
	At         time.Time `json:"at"`
}
