package formulas

import (
	"fmt"
	"math"
)

// DCFInputs are the per-share inputs for the two-stage valuation.
// RiskFree, EquityRiskPremium and TerminalGrowth carry the model
// constants (typically 0.04 / 0.055 / 0.03, tunable via settings).
// ManualDiscount, when set, replaces the CAPM-derived rate entirely.
type DCFInputs struct {
	FCFPerShare       float64
	GrowthRate        float64
	Beta              float64
	RiskFree          float64
	EquityRiskPremium float64
	TerminalGrowth    float64
	ManualDiscount    *float64
}

const (
	dcfStageYears  = 10
	dcfMinDiscount = 0.06
	dcfMaxDiscount = 0.15
)

// CalculateDCF values one share with a two-stage discounted cash flow:
// ten explicit years whose growth decays linearly from GrowthRate to
// TerminalGrowth, then a Gordon terminal value on the year-10 cash flow.
// The discount rate is CAPM (rf + beta*ERP) clamped to [0.06, 0.15]
// unless a manual rate is supplied.
func CalculateDCF(in DCFInputs) (float64, error) {
	if in.FCFPerShare <= 0 {
		return 0, fmt.Errorf("dcf requires positive fcf per share, got %.4f", in.FCFPerShare)
	}

	discount := in.RiskFree + in.Beta*in.EquityRiskPremium
	if discount < dcfMinDiscount {
		discount = dcfMinDiscount
	}
	if discount > dcfMaxDiscount {
		discount = dcfMaxDiscount
	}
	if in.ManualDiscount != nil {
		discount = *in.ManualDiscount
	}
	if discount <= in.TerminalGrowth {
		return 0, fmt.Errorf("discount rate %.4f must exceed terminal growth %.4f", discount, in.TerminalGrowth)
	}

	fcf := in.FCFPerShare
	fairValue := 0.0
	for year := 1; year <= dcfStageYears; year++ {
		// Growth fades from the input rate in year 1 to the terminal
		// rate in year 10.
		progress := float64(year-1) / float64(dcfStageYears-1)
		growth := in.GrowthRate + (in.TerminalGrowth-in.GrowthRate)*progress

		fcf *= 1.0 + growth
		fairValue += fcf / math.Pow(1.0+discount, float64(year))
	}

	terminal := fcf * (1.0 + in.TerminalGrowth) / (discount - in.TerminalGrowth)
	fairValue += terminal / math.Pow(1.0+discount, float64(dcfStageYears))

	return fairValue, nil
}
