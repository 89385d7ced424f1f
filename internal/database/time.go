package database

import "time"

// timeLayouts covers what SQLite emits for CURRENT_TIMESTAMP columns
// plus RFC3339 used by explicit writes.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// ParseTime parses a timestamp column leniently. Unparseable input
// yields the zero time rather than an error; timestamps are metadata,
// not business state.
func ParseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
