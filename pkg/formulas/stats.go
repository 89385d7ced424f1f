package formulas

import (
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// MovingAverage calculates the simple moving average of the trailing
// window, or 0 if the series is shorter than the window.
func MovingAverage(closes []float64, window int) float64 {
	if window <= 0 || len(closes) < window {
		return 0
	}
	return Mean(closes[len(closes)-window:])
}
