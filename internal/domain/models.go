package domain

import (
	"strings"
	"time"
	"unicode"
)

// Currency represents a currency code
type Currency string

const (
	CurrencyKRW Currency = "KRW"
	CurrencyUSD Currency = "USD"
)

// Market identifies which venue a symbol trades on.
type Market string

const (
	MarketKR Market = "KR"
	MarketUS Market = "US"
)

// Counterpart returns the other market.
func (m Market) Counterpart() Market {
	if m == MarketKR {
		return MarketUS
	}
	return MarketKR
}

// Currency returns the settlement currency of the market.
func (m Market) Currency() Currency {
	if m == MarketKR {
		return CurrencyKRW
	}
	return CurrencyUSD
}

// IsKRSymbol reports whether a symbol is a Korean listing. Korean
// tickers are all-numeric; everything else is treated as US. This is
// the single place that convention lives.
func IsKRSymbol(symbol string) bool {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return false
	}
	for _, r := range symbol {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// MarketOf maps a symbol to its market via IsKRSymbol.
func MarketOf(symbol string) Market {
	if IsKRSymbol(symbol) {
		return MarketKR
	}
	return MarketUS
}

// NormalizeSymbol canonicalizes a ticker: trims whitespace, upper-cases
// US symbols and zero-pads Korean ones to six digits.
func NormalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if IsKRSymbol(symbol) {
		for len(symbol) < 6 {
			symbol = "0" + symbol
		}
		return symbol
	}
	return strings.ToUpper(symbol)
}

// Sector groups used by allocation targets and rebalancing. Every
// instrument lands in exactly one group.
const (
	GroupTech      = "tech"
	GroupValue     = "value"
	GroupFinancial = "financial"
	GroupOther     = "other"
)

// SectorGroupOf collapses a free-text sector label into one of the four
// allocation groups. Labels arrive in English from operator edits and in
// Korean from the broker's industry field on domestic quotes. Unknown
// labels land in "other".
func SectorGroupOf(sector string) string {
	switch strings.ToLower(strings.TrimSpace(sector)) {
	case GroupTech, "technology", "it", "semiconductor", "semiconductors", "software", "internet":
		return GroupTech
	case GroupValue, "consumer", "industrial", "industrials", "energy", "materials", "utilities", "healthcare":
		return GroupValue
	case GroupFinancial, "finance", "financials", "bank", "banks", "insurance", "securities":
		return GroupFinancial
	default:
		return krxSectorGroup(sector)
	}
}

// krxSectorGroup matches KRX industry names. Punctuation varies across
// venues ("전기·전자", "전기.전자"), so matching runs on a stripped form.
// "서비스업" stays unmapped: that class spans internet platforms and
// staffing firms alike.
func krxSectorGroup(sector string) string {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '·', '.', '-', '&':
			return -1
		}
		return r
	}, strings.ToLower(sector))

	switch {
	case containsAny(stripped, "전기전자", "반도체", "소프트웨어", "인터넷", "디지털컨텐츠", "통신장비", "컴퓨터", "it부품"):
		return GroupTech
	case containsAny(stripped, "은행", "증권", "보험", "금융"):
		return GroupFinancial
	case containsAny(stripped,
		"화학", "철강", "음식료", "운수", "유통", "건설", "기계", "의약품", "제약",
		"전기가스", "섬유", "의복", "종이", "목재", "비금속", "광물", "에너지", "의료", "통신업"):
		return GroupValue
	default:
		return GroupOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Instrument is a tradable listing. Created on first encounter, updated
// by universe refresh, never deleted.
type Instrument struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Market    Market    `json:"market"`
	Exchange  string    `json:"exchange"` // KOSPI, KOSDAQ, NASD, NYSE, AMEX
	Name      string    `json:"name"`
	Sector    string    `json:"sector"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FinancialSnapshot is one instrument's fundamentals and indicators on a
// given base date. Upserted by (instrument, base_date).
type FinancialSnapshot struct {
	ID            int64   `json:"id"`
	InstrumentID  int64   `json:"instrument_id"`
	Symbol        string  `json:"symbol"`
	BaseDate      string  `json:"base_date"` // YYYY-MM-DD
	CurrentPrice  float64 `json:"current_price"`
	MarketCap     float64 `json:"market_cap"`
	PER           float64 `json:"per"`
	PBR           float64 `json:"pbr"`
	ROE           float64 `json:"roe"`
	EPS           float64 `json:"eps"`
	BPS           float64 `json:"bps"`
	DividendYield float64 `json:"dividend_yield"`
	Week52High    float64 `json:"week52_high"`
	Week52Low     float64 `json:"week52_low"`
	Volume        float64 `json:"volume"`
	Amount        float64 `json:"amount"`

	RSI      *float64 `json:"rsi"`
	EMA5     *float64 `json:"ema_5"`
	EMA10    *float64 `json:"ema_10"`
	EMA20    *float64 `json:"ema_20"`
	EMA60    *float64 `json:"ema_60"`
	EMA100   *float64 `json:"ema_100"`
	EMA120   *float64 `json:"ema_120"`
	EMA200   *float64 `json:"ema_200"`
	DCFValue *float64 `json:"dcf_value"`

	CreatedAt time.Time `json:"created_at"`
}

// EMAMap returns the populated spans as span -> value.
func (s *FinancialSnapshot) EMAMap() map[int]float64 {
	out := make(map[int]float64, 7)
	for span, v := range map[int]*float64{
		5: s.EMA5, 10: s.EMA10, 20: s.EMA20, 60: s.EMA60,
		100: s.EMA100, 120: s.EMA120, 200: s.EMA200,
	} {
		if v != nil {
			out[span] = *v
		}
	}
	return out
}

// Holding is one row of the local portfolio mirror. Quantity is whole
// shares; rows that reach zero are removed on the next sync.
type Holding struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Market       Market    `json:"market"`
	Name         string    `json:"name"`
	Quantity     int64     `json:"quantity"`
	AvgBuyPrice  float64   `json:"avg_buy_price"`
	CurrentPrice float64   `json:"current_price"`
	ChangeRate   float64   `json:"change_rate"`
	Sector       string    `json:"sector"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PnLPct returns the unrealized profit percentage against average cost.
func (h *Holding) PnLPct() float64 {
	if h.AvgBuyPrice <= 0 {
		return 0
	}
	return (h.CurrentPrice - h.AvgBuyPrice) / h.AvgBuyPrice * 100.0
}

// MarketValue returns quantity * current price in the holding currency.
func (h *Holding) MarketValue() float64 {
	return float64(h.Quantity) * h.CurrentPrice
}

// CashBalance mirrors the broker's free cash per currency.
type CashBalance struct {
	KRW       float64   `json:"krw"`
	USD       float64   `json:"usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade is one executed order as recorded in local history. Strategy
// names the signal path that produced the order ("stop_loss",
// "split_sell", "manual", ...).
type Trade struct {
	ID            int64     `json:"id"`
	ExecutedAt    time.Time `json:"executed_at"`
	Symbol        string    `json:"symbol"`
	Side          TradeSide `json:"side"`
	Quantity      int64     `json:"quantity"`
	Price         float64   `json:"price"`
	Strategy      string    `json:"strategy"`
	OrderID       string    `json:"order_id"`
	ResultMessage string    `json:"result_message"`
}

// DcfOverride carries user-pinned valuation inputs for one symbol. Any
// nil field falls back to computed values; FairValue short-circuits the
// model entirely.
type DcfOverride struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	FCFPerShare    *float64  `json:"fcf_per_share"`
	Beta           *float64  `json:"beta"`
	GrowthRate     *float64  `json:"growth_rate"`
	ManualDiscount *float64  `json:"manual_discount"`
	FairValue      *float64  `json:"fair_value"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RegimeStatus is the qualitative market state.
type RegimeStatus string

const (
	RegimeBull    RegimeStatus = "Bull"
	RegimeNeutral RegimeStatus = "Neutral"
	RegimeBear    RegimeStatus = "Bear"
)

// RegimeSnapshot is one day's macro assessment.
type RegimeSnapshot struct {
	ID           int64              `json:"id"`
	Date         string             `json:"date"` // YYYY-MM-DD
	Status       RegimeStatus       `json:"status"`
	Score        float64            `json:"score"` // 0-100
	VIX          float64            `json:"vix"`
	FearGreed    float64            `json:"fear_greed"`
	Yield10Y     float64            `json:"yield_10y"`
	SPX          float64            `json:"spx"`
	SPXMA200     float64            `json:"spx_ma200"`
	DeviationPct float64            `json:"deviation_pct"`
	Components   map[string]float64 `json:"components"`
	CreatedAt    time.Time          `json:"created_at"`
}
