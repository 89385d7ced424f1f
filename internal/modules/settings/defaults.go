package settings

import "strings"

// Setting keys shared across modules. Scoring-weight overrides build
// their own "score_w_*" keys next to the scorer.
const (
	KeyTickStrategyEnabled = "tick_strategy_enabled"
	KeyTickSymbol          = "tick_symbol"
	KeyTickCashRatio       = "tick_cash_ratio"
	KeyTickEntryPct        = "tick_entry_pct"
	KeyTickAddPct          = "tick_add_pct"
	KeyTickTakeProfitPct   = "tick_take_profit_pct"
	KeyTickStopLossPct     = "tick_stop_loss_pct"
	KeyTickCloseBeforeMin  = "tick_close_before_min"

	KeyBuyThresholdMax         = "buy_threshold_max"
	KeySellThresholdMin        = "sell_threshold_min"
	KeyAggressiveConvictionMin = "aggressive_conviction_min"
	KeyBaseScore               = "base_score"
	KeyTakeProfitPct           = "take_profit_pct"
	KeyStopLossPct             = "stop_loss_pct"
	KeyAddBuyRSIMax            = "add_buy_rsi_max"
	KeyAddBuyScoreMax          = "add_buy_score_max"
	KeyPerTradeRatio           = "per_trade_ratio"
	KeySplitCount              = "split_count"
	KeySectorCapRatio          = "sector_cap_ratio"
	KeyGroupDevThreshold       = "group_dev_threshold"
	KeyGroupTargetTech         = "group_target_tech"
	KeyGroupTargetValue        = "group_target_value"
	KeyGroupTargetFinancial    = "group_target_financial"
	KeyExchangeRate            = "exchange_rate"

	KeyAfterHoursEnabled = "after_hours_enabled"
	KeyAfterHoursOrdDvsn = "after_hours_ord_dvsn"

	KeyDCFRiskFree       = "dcf_risk_free"
	KeyDCFERP            = "dcf_erp"
	KeyDCFTerminalGrowth = "dcf_terminal_growth"

	KeyRateLimitIntervalMs = "rate_limit_interval_ms"
	KeyRankingLimit        = "ranking_limit"
	KeyUniverseTTLMin      = "universe_ttl_min"
	KeyLastRebalanceDate   = "last_rebalance_date"

	KeyCachedKRWCash = "cached_krw_cash"
	KeyCachedUSDCash = "cached_usd_cash"
)

// CashRatioKey builds the per-market, per-regime target cash ratio key,
// e.g. cash_ratio_kr_bull.
func CashRatioKey(market, regime string) string {
	return "cash_ratio_" + strings.ToLower(market) + "_" + strings.ToLower(regime)
}

// Default is one seeded settings row.
type Default struct {
	Key         string
	Value       string
	Description string
}

// Defaults returns the built-in defaults seeded at start-up for keys
// that do not exist yet.
func Defaults() []Default {
	return []Default{
		{KeyTickStrategyEnabled, "false", "Intraday tick strategy master switch (reset on boot)"},
		{KeyTickSymbol, "", "Single symbol the tick strategy trades today"},
		{KeyTickCashRatio, "0.10", "Share of market cash the tick strategy may use"},
		{KeyTickEntryPct, "-1.0", "Re-entry threshold below last tick sell, percent"},
		{KeyTickAddPct, "-1.5", "Drawdown add threshold, percent"},
		{KeyTickTakeProfitPct, "1.5", "Tick take-profit, percent"},
		{KeyTickStopLossPct, "-2.0", "Tick stop-loss, percent"},
		{KeyTickCloseBeforeMin, "10", "Force-close minutes before market close"},

		{KeyBuyThresholdMax, "30", "Scores at or below this are buy candidates"},
		{KeySellThresholdMin, "70", "Scores at or above this are sell candidates"},
		{KeyAggressiveConvictionMin, "90", "Conviction needed for the tiny-account round-up"},
		{KeyBaseScore, "50", "Composite score baseline"},
		{KeyTakeProfitPct, "5.0", "Unrealized pnl percent that triggers profit taking"},
		{KeyStopLossPct, "-10.0", "Unrealized pnl percent that forces a full sell"},
		{KeyAddBuyRSIMax, "60", "RSI ceiling for averaging down"},
		{KeyAddBuyScoreMax, "55", "Score ceiling for averaging down"},
		{KeyPerTradeRatio, "0.05", "Base tranche ratio of the market portfolio"},
		{KeySplitCount, "3", "Split buy/sell denominator"},
		{KeySectorCapRatio, "0.30", "Per-sector cap as share of total assets"},
		{KeyGroupDevThreshold, "0.05", "Sector-group deviation band"},
		{KeyGroupTargetTech, "0.50", "Target weight of the tech group"},
		{KeyGroupTargetValue, "0.30", "Target weight of the value group"},
		{KeyGroupTargetFinancial, "0.20", "Target weight of the financial group"},
		{KeyExchangeRate, "1350.0", "KRW per USD used for sizing"},

		{CashRatioKey("kr", "bull"), "0.50", "KR deployment ceiling in a bull regime"},
		{CashRatioKey("kr", "neutral"), "0.35", "KR deployment ceiling in a neutral regime"},
		{CashRatioKey("kr", "bear"), "0.20", "KR deployment ceiling in a bear regime"},
		{CashRatioKey("us", "bull"), "0.50", "US deployment ceiling in a bull regime"},
		{CashRatioKey("us", "neutral"), "0.40", "US deployment ceiling in a neutral regime"},
		{CashRatioKey("us", "bear"), "0.30", "US deployment ceiling in a bear regime"},

		{KeyAfterHoursEnabled, "false", "Allow KR after-hours orders (live endpoint only)"},
		{KeyAfterHoursOrdDvsn, "81", "Order division code for KR after-hours orders"},

		{KeyDCFRiskFree, "0.04", "DCF risk-free rate"},
		{KeyDCFERP, "0.055", "DCF equity risk premium"},
		{KeyDCFTerminalGrowth, "0.03", "DCF terminal growth"},

		{KeyRateLimitIntervalMs, "550", "Minimum gap between broker REST calls"},
		{KeyRankingLimit, "100", "Universe size per market from rankings"},
		{KeyUniverseTTLMin, "30", "Minutes before a ranking refresh goes stale"},
	}
}
