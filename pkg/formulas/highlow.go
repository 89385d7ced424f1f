package formulas

// week52Days is the approximate number of trading days in 52 weeks.
const week52Days = 252

// Calculate52WeekHigh finds the 52-week high price
func Calculate52WeekHigh(prices []float64) *float64 {
	if len(prices) == 0 {
		return nil
	}

	startIdx := 0
	if len(prices) > week52Days {
		startIdx = len(prices) - week52Days
	}

	relevant := prices[startIdx:]
	high := relevant[0]

	for _, price := range relevant {
		if price > high {
			high = price
		}
	}

	return &high
}

// Calculate52WeekLow finds the 52-week low price
func Calculate52WeekLow(prices []float64) *float64 {
	if len(prices) == 0 {
		return nil
	}

	startIdx := 0
	if len(prices) > week52Days {
		startIdx = len(prices) - week52Days
	}

	relevant := prices[startIdx:]
	low := relevant[0]

	for _, price := range relevant {
		if price < low {
			low = price
		}
	}

	return &low
}
