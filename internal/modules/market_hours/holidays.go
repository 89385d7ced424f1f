package market_hours

import "time"

// isUSMarketHoliday reports whether the date (exchange-local) is a full
// NYSE/NASDAQ closure day. Half-days are treated as open.
func isUSMarketHoliday(t time.Time) bool {
	date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for _, h := range usHolidays(t.Year()) {
		if h.Equal(date) {
			return true
		}
	}
	return false
}

// usHolidays computes the full-closure days for one year. Computing
// them keeps the calendar valid past the current year, unlike a
// hard-coded list that silently expires in January.
func usHolidays(year int) []time.Time {
	fixed := func(m time.Month, day int) time.Time {
		return time.Date(year, m, day, 0, 0, 0, 0, time.UTC)
	}
	holidays := []time.Time{
		observed(fixed(time.January, 1)),                  // New Year's Day
		nthWeekday(year, time.January, time.Monday, 3),    // Martin Luther King Jr. Day
		goodFriday(year),                                  //
		lastWeekday(year, time.May, time.Monday),          // Memorial Day
		observed(fixed(time.July, 4)),                     // Independence Day
		nthWeekday(year, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4), // Thanksgiving
		observed(fixed(time.December, 25)),                // Christmas
	}
	if year >= 2022 {
		holidays = append(holidays, observed(fixed(time.June, 19))) // Juneteenth
	}
	return holidays
}

// nthWeekday returns the n-th given weekday of a month (n starts at 1).
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the last given weekday of a month.
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// observed shifts a fixed-date holiday off the weekend: Saturday is
// observed the Friday before, Sunday the Monday after.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	default:
		return d
	}
}

// goodFriday is two days before Easter Sunday, via the anonymous
// Gregorian computus.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := time.Month((h + l - 7*m + 114) / 31)
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return easter.AddDate(0, 0, -2)
}
