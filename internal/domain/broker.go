package domain

import (
	"strings"
	"time"
)

// TradeSide is the direction of an order.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeSideFromString parses a side, accepting any casing.
func TradeSideFromString(s string) (TradeSide, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, true
	case "sell":
		return SideSell, true
	}
	return "", false
}

func (s TradeSide) IsBuy() bool  { return s == SideBuy }
func (s TradeSide) IsSell() bool { return s == SideSell }

// OrderStatus tags every order outcome. Nothing in the trading core
// panics on a bad order; callers branch on this status.
type OrderStatus string

const (
	OrderSuccess OrderStatus = "success" // accepted by the broker
	OrderFailed  OrderStatus = "failed"  // broker business rejection (rt_cd != "0")
	OrderError   OrderStatus = "error"   // local validation or transport failure
	OrderBlocked OrderStatus = "blocked" // gated: market closed, after-hours off, ...
)

// OrderResult is the tagged outcome of one order attempt.
type OrderResult struct {
	Status   OrderStatus `json:"status"`
	OrderID  string      `json:"order_id,omitempty"`
	Message  string      `json:"message,omitempty"`
	Symbol   string      `json:"symbol"`
	Side     TradeSide   `json:"side"`
	Quantity int64       `json:"quantity"`
	Price    float64     `json:"price"`
	At       time.Time   `json:"at"`
}

// Quote is a normalized current quote. Fundamental fields are zero when
// the venue's endpoint does not carry them.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name,omitempty"`
	Sector        string  `json:"sector,omitempty"` // industry label, domestic quotes only
	Price         float64 `json:"price"`
	ChangeRate    float64 `json:"change_rate"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Volume        float64 `json:"volume"`
	Amount        float64 `json:"amount"`
	Week52High    float64 `json:"week52_high"`
	Week52Low     float64 `json:"week52_low"`
	PER           float64 `json:"per"`
	PBR           float64 `json:"pbr"`
	EPS           float64 `json:"eps"`
	BPS           float64 `json:"bps"`
	MarketCap     float64 `json:"market_cap"`
	DividendYield float64 `json:"dividend_yield"`
}

// DailyBar is one day of OHLCV history, oldest-first in slices.
type DailyBar struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// BrokerHolding is one position row as reported by a balance endpoint.
type BrokerHolding struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Quantity     int64   `json:"quantity"`
	AvgBuyPrice  float64 `json:"avg_buy_price"`
	CurrentPrice float64 `json:"current_price"`
	ChangeRate   float64 `json:"change_rate"`
	Exchange     string  `json:"exchange,omitempty"`
}

// DomesticBalance is the normalized domestic account snapshot. CashKRW
// is the broker's next-settlement available cash.
type DomesticBalance struct {
	Holdings  []BrokerHolding `json:"holdings"`
	CashKRW   float64         `json:"cash_krw"`
	TotalEval float64         `json:"total_eval"`
}

// OverseasBalance is the normalized overseas account snapshot.
type OverseasBalance struct {
	Holdings  []BrokerHolding `json:"holdings"`
	TotalEval float64         `json:"total_eval"`
}

// RankingEntry is one row of a market-cap ranking response.
type RankingEntry struct {
	Rank      int     `json:"rank"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	MarketCap float64 `json:"market_cap"`
}
