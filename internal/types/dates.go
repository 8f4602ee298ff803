package types

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-module/carbon/v2"
)

// dateLayout is the extended round-trip ISO-8601 ("o"-equivalent)
// layout spec.md ยง3 requires: year-month-day 'T' hh:mm:ss.fffffff 'zzz'.
const dateLayout = "2006-01-02T15:04:05.0000000Z07:00"

// FormatDate renders t in the round-trip layout used for the encoded
// form of a date PropertyValue. Dates have no encoded type of their
// own (spec.md ยง3): they persist as this string.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate reparses a date PropertyValue's string on demand, as
// getDate() does per spec.md ยง4.1. A non-parseable string fails.
func ParseDate(s string) (time.Time, error) {
	c := carbon.Parse(s)
	if c.Error == nil {
		return c.StdTime(), nil
	}

	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}

	return time.Time{}, errors.Newf("date: %q is not a parseable date", s)
}
