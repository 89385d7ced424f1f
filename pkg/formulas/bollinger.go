package formulas

// BollingerBands holds the three band values for the most recent bar.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollinger calculates Bollinger bands over the trailing window:
// middle = rolling mean, upper/lower = middle +/- k * rolling std
// (sample standard deviation, matching the usual charting convention).
//
// Returns nil if the series is shorter than the window.
func CalculateBollinger(closes []float64, window int, k float64) *BollingerBands {
	if window <= 1 || len(closes) < window {
		return nil
	}

	tail := closes[len(closes)-window:]
	middle := Mean(tail)
	std := StdDev(tail)

	return &BollingerBands{
		Upper:  middle + k*std,
		Middle: middle,
		Lower:  middle - k*std,
	}
}
