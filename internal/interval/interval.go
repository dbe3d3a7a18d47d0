// Package interval maps Chomp's symbolic interval strings ("m5", "h1",
// "D1", ...) to cron expressions, second counts, and floor/ceil arithmetic.
//
// All operations are pure functions over a fixed table; there is no I/O
// and no mutable state, so the package is trivially safe for concurrent
// use from every ingester's tick callback.
package interval

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInterval is returned for any symbol outside the fixed table.
var ErrInvalidInterval = errors.New("interval: invalid symbol")

// InvalidInterval wraps ErrInvalidInterval with the offending symbol.
func InvalidInterval(symbol string) error {
	return fmt.Errorf("%w: %q", ErrInvalidInterval, symbol)
}

const (
	day   = 24 * 60 * 60
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// entry holds the fixed seconds count and cron expression for one symbol.
type entry struct {
	seconds int64
	cron    string
}

// table is the closed set of recognized symbolic intervals.
var table = map[string]entry{
	"s2":  {2, "*/2 * * * * *"},
	"s5":  {5, "*/5 * * * * *"},
	"s10": {10, "*/10 * * * * *"},
	"s15": {15, "*/15 * * * * *"},
	"s20": {20, "*/20 * * * * *"},
	"s30": {30, "*/30 * * * * *"},
	"m1":  {60, "* * * * *"},
	"m2":  {2 * 60, "*/2 * * * *"},
	"m5":  {5 * 60, "*/5 * * * *"},
	"m10": {10 * 60, "*/10 * * * *"},
	"m15": {15 * 60, "*/15 * * * *"},
	"m30": {30 * 60, "*/30 * * * *"},
	"h1":  {3600, "0 * * * *"},
	"h2":  {2 * 3600, "0 */2 * * *"},
	"h4":  {4 * 3600, "0 */4 * * *"},
	"h6":  {6 * 3600, "0 */6 * * *"},
	"h8":  {8 * 3600, "0 */8 * * *"},
	"h12": {12 * 3600, "0 */12 * * *"},
	"D1":  {day, "0 0 * * *"},
	"D2":  {2 * day, "0 0 */2 * *"},
	"D3":  {3 * day, "0 0 */3 * *"},
	"W1":  {week, "0 0 * * 0"},
	"M1":  {month, "0 0 1 * *"},
	"Y1":  {year, "0 0 1 1 *"},
}

// Symbols returns the recognized interval symbols, ordered from shortest to
// longest period.
func Symbols() []string {
	order := []string{
		"s2", "s5", "s10", "s15", "s20", "s30",
		"m1", "m2", "m5", "m10", "m15", "m30",
		"h1", "h2", "h4", "h6", "h8", "h12",
		"D1", "D2", "D3", "W1", "M1", "Y1",
	}
	return order
}

// ToSeconds returns the interval's period in seconds.
func ToSeconds(sym string) (int64, error) {
	e, ok := table[sym]
	if !ok {
		return 0, InvalidInterval(sym)
	}
	return e.seconds, nil
}

// MustToSeconds panics on an invalid symbol; for use only with symbols
// already validated at config load.
func MustToSeconds(sym string) int64 {
	s, err := ToSeconds(sym)
	if err != nil {
		panic(err)
	}
	return s
}

// ToCron returns the cron expression associated with the interval.
func ToCron(sym string) (string, error) {
	e, ok := table[sym]
	if !ok {
		return "", InvalidInterval(sym)
	}
	return e.cron, nil
}

// HasSeconds reports whether the interval's cron expression carries a
// leading seconds field (true for the sub-minute "sN" symbols), which the
// scheduler needs to know to pick gocron's seconds-aware cron parser.
func HasSeconds(sym string) bool {
	return len(sym) > 0 && sym[0] == 's'
}

// Floor returns the greatest multiple of the interval's seconds count that
// is <= t, expressed as a UTC time. Floor(interval, Floor(interval, t)) ==
// Floor(interval, t) for every t (idempotence invariant).
func Floor(sym string, t time.Time) (time.Time, error) {
	secs, err := ToSeconds(sym)
	if err != nil {
		return time.Time{}, err
	}
	epoch := t.Unix()
	floored := (epoch / secs) * secs
	return time.Unix(floored, 0).UTC(), nil
}

// Ceil returns Floor(interval, t) + the interval's seconds count.
func Ceil(sym string, t time.Time) (time.Time, error) {
	f, err := Floor(sym, t)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := ToSeconds(sym)
	if err != nil {
		return time.Time{}, err
	}
	return f.Add(time.Duration(secs) * time.Second), nil
}

// FitInterval returns the smallest interval whose second count is >=
// (to-from)/targetEpochs, defaulting to "h6" when nothing in the table
// reaches that density or when to is not after from. A targetEpochs <= 0
// is treated as 100.
func FitInterval(from, to time.Time, targetEpochs int) string {
	if targetEpochs <= 0 {
		targetEpochs = 100
	}
	span := to.Sub(from).Seconds()
	if span <= 0 {
		return "h6"
	}
	want := span / float64(targetEpochs)

	best := ""
	var bestSeconds int64
	for _, sym := range Symbols() {
		secs := table[sym].seconds
		if float64(secs) >= want {
			if best == "" || secs < bestSeconds {
				best = sym
				bestSeconds = secs
			}
		}
	}
	if best == "" {
		return "h6"
	}
	return best
}
