package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hantuquant/trader/internal/domain"
)

// FormatTradeFill renders an accepted order.
func FormatTradeFill(result *domain.OrderResult, strategy string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order placed: %s %d %s @ %s",
		strings.ToUpper(string(result.Side)), result.Quantity, result.Symbol, priceLabel(result.Price))
	if strategy != "" {
		fmt.Fprintf(&b, " [%s]", strategy)
	}
	return b.String()
}

// FormatTradeFailure renders a rejected or failed order.
func FormatTradeFailure(result *domain.OrderResult, strategy string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order failed: %s %d %s",
		strings.ToUpper(string(result.Side)), result.Quantity, result.Symbol)
	if strategy != "" {
		fmt.Fprintf(&b, " [%s]", strategy)
	}
	if result.Message != "" {
		fmt.Fprintf(&b, ": %s", result.Message)
	}
	return b.String()
}

// FormatPortfolioSummary renders the periodic account report: position
// counts and value per market, cash, an approximate KRW total, and the
// strongest and weakest position.
func FormatPortfolioSummary(holdings []domain.Holding, cash domain.CashBalance, regime domain.RegimeStatus, exchangeRate float64) string {
	var krValue, usValue float64
	var krCount, usCount int
	for i := range holdings {
		h := &holdings[i]
		switch h.Market {
		case domain.MarketKR:
			krValue += h.MarketValue()
			krCount++
		case domain.MarketUS:
			usValue += h.MarketValue()
			usCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio report (regime: %s)\n", regime)
	fmt.Fprintf(&b, "KR: %d positions %s KRW, cash %s KRW\n", krCount, groupDigits(krValue, 0), groupDigits(cash.KRW, 0))
	fmt.Fprintf(&b, "US: %d positions %s USD, cash %s USD\n", usCount, groupDigits(usValue, 2), groupDigits(cash.USD, 2))

	if exchangeRate > 0 {
		total := krValue + cash.KRW + (usValue+cash.USD)*exchangeRate
		fmt.Fprintf(&b, "Total approx %s KRW\n", groupDigits(total, 0))
	}

	if best, worst := extremes(holdings); best != nil {
		fmt.Fprintf(&b, "Best %s %+.1f%%", best.Symbol, best.PnLPct())
		if worst != nil && worst.Symbol != best.Symbol {
			fmt.Fprintf(&b, " / Worst %s %+.1f%%", worst.Symbol, worst.PnLPct())
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Gainer is one row of the hourly movers message.
type Gainer struct {
	Symbol     string
	Name       string
	Price      float64
	ChangeRate float64
}

// FormatHourlyGainers renders the top movers, strongest first. Returns
// "" when nothing moved, so callers can skip the enqueue.
func FormatHourlyGainers(gainers []Gainer, limit int) string {
	if len(gainers) == 0 {
		return ""
	}
	sorted := make([]Gainer, len(gainers))
	copy(sorted, gainers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangeRate > sorted[j].ChangeRate })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	var b strings.Builder
	b.WriteString("Hourly movers:")
	for i, g := range sorted {
		label := g.Symbol
		if g.Name != "" {
			label = fmt.Sprintf("%s (%s)", g.Name, g.Symbol)
		}
		fmt.Fprintf(&b, "\n%d. %s %+.2f%% @ %s", i+1, label, g.ChangeRate, groupDigits(g.Price, -1))
	}
	return b.String()
}

func priceLabel(price float64) string {
	if price <= 0 {
		return "market"
	}
	return strconv.FormatFloat(price, 'f', -1, 64)
}

func extremes(holdings []domain.Holding) (best, worst *domain.Holding) {
	for i := range holdings {
		h := &holdings[i]
		if h.AvgBuyPrice <= 0 {
			continue
		}
		if best == nil || h.PnLPct() > best.PnLPct() {
			best = h
		}
		if worst == nil || h.PnLPct() < worst.PnLPct() {
			worst = h
		}
	}
	return best, worst
}

// groupDigits renders v with thousands separators. decimals < 0 keeps
// the shortest exact representation of the fraction.
func groupDigits(v float64, decimals int) string {
	var raw string
	if decimals < 0 {
		raw = strconv.FormatFloat(v, 'f', -1, 64)
	} else {
		raw = strconv.FormatFloat(v, 'f', decimals, 64)
	}

	sign := ""
	if strings.HasPrefix(raw, "-") {
		sign = "-"
		raw = raw[1:]
	}
	intPart, fracPart, hasFrac := strings.Cut(raw, ".")

	var b strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	out := sign + b.String()
	if hasFrac {
		out += "." + fracPart
	}
	return out
}
