package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownTimeframe is returned for anything but day, week or month
var ErrUnknownTimeframe = errors.New("timeframe must be day, week or month")

// Timeframe selects the UTC calendar period metrics cover
type Timeframe string

const (
	Day   Timeframe = "day"
	Week  Timeframe = "week"
	Month Timeframe = "month"
)

// ParseTimeframe validates a timeframe; empty means month
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(s))); tf {
	case "":
		return Month, nil
	case Day, Week, Month:
		return tf, nil
	default:
		return "", fmt.Errorf("%w, got %q", ErrUnknownTimeframe, s)
	}
}

// Window returns the half-open UTC interval [from, to) of the calendar
// period containing now. Weeks start on Monday.
func Window(tf Timeframe, now time.Time) (from, to time.Time) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch tf {
	case Day:
		return midnight, midnight.AddDate(0, 0, 1)
	case Week:
		offset := (int(midnight.Weekday()) + 6) % 7
		from = midnight.AddDate(0, 0, -offset)
		return from, from.AddDate(0, 0, 7)
	default:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	}
}
