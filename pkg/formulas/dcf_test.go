package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDCFInputs() DCFInputs {
	return DCFInputs{
		FCFPerShare:       5.0,
		GrowthRate:        0.10,
		Beta:              1.0,
		RiskFree:          0.04,
		EquityRiskPremium: 0.055,
		TerminalGrowth:    0.03,
	}
}

func TestCalculateDCF(t *testing.T) {
	t.Run("rejects non-positive fcf", func(t *testing.T) {
		in := baseDCFInputs()
		in.FCFPerShare = 0
		_, err := CalculateDCF(in)
		assert.Error(t, err)

		in.FCFPerShare = -3
		_, err = CalculateDCF(in)
		assert.Error(t, err)
	})

	t.Run("rejects discount at or below terminal growth", func(t *testing.T) {
		in := baseDCFInputs()
		manual := 0.02
		in.ManualDiscount = &manual
		_, err := CalculateDCF(in)
		assert.Error(t, err)
	})

	t.Run("flat growth matches closed form", func(t *testing.T) {
		// With growth == terminal growth the decay schedule is constant,
		// so the stage-1 sum is a plain geometric series.
		in := baseDCFInputs()
		in.GrowthRate = 0.03
		manual := 0.08
		in.ManualDiscount = &manual

		got, err := CalculateDCF(in)
		require.NoError(t, err)

		x := 1.03 / 1.08
		stage1 := 5.0 * x * (1 - math.Pow(x, 10)) / (1 - x)
		fcf10 := 5.0 * math.Pow(1.03, 10)
		terminal := fcf10 * 1.03 / (0.08 - 0.03) / math.Pow(1.08, 10)
		assert.InDelta(t, stage1+terminal, got, 1e-9)
	})

	t.Run("capm rate is clamped into [0.06, 0.15]", func(t *testing.T) {
		high := baseDCFInputs()
		high.Beta = 3.0 // raw 0.205

		manual := 0.15
		capped := baseDCFInputs()
		capped.Beta = 3.0
		capped.ManualDiscount = &manual

		a, err := CalculateDCF(high)
		require.NoError(t, err)
		b, err := CalculateDCF(capped)
		require.NoError(t, err)
		assert.InDelta(t, b, a, 1e-12)

		low := baseDCFInputs()
		low.Beta = 0 // raw 0.04, clamped to 0.06
		floor := 0.06
		flooring := baseDCFInputs()
		flooring.Beta = 0
		flooring.ManualDiscount = &floor

		a, err = CalculateDCF(low)
		require.NoError(t, err)
		b, err = CalculateDCF(flooring)
		require.NoError(t, err)
		assert.InDelta(t, b, a, 1e-12)
	})
}

func TestDCFMonotonicity(t *testing.T) {
	t.Run("higher growth never lowers fair value", func(t *testing.T) {
		manual := 0.095
		prev := 0.0
		for _, growth := range []float64{0.00, 0.03, 0.06, 0.10, 0.15} {
			in := baseDCFInputs()
			in.GrowthRate = growth
			in.ManualDiscount = &manual
			fair, err := CalculateDCF(in)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, fair, prev, "growth %.2f", growth)
			prev = fair
		}
	})

	t.Run("higher discount never raises fair value", func(t *testing.T) {
		prev := math.Inf(1)
		for _, rate := range []float64{0.06, 0.08, 0.10, 0.12, 0.15} {
			r := rate
			in := baseDCFInputs()
			in.ManualDiscount = &r
			fair, err := CalculateDCF(in)
			require.NoError(t, err)
			assert.LessOrEqual(t, fair, prev, "discount %.2f", rate)
			prev = fair
		}
	})
}
