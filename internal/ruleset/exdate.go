package ruleset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadExDate reports an excluded instant that matches none of the
// accepted layouts.
var ErrBadExDate = errors.New("ruleset: bad excluded instant")

// Layouts with an explicit offset come first; the rest carry no zone and
// are read as UTC.
var exDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"20060102T150405Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"20060102T150405",
	"2006-01-02",
}

// ParseExDate parses an excluded instant in ISO-8601 / RFC 3339 or
// iCalendar basic form. A value without a zone is taken as UTC. The result
// is always in UTC.
func ParseExDate(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	for _, layout := range exDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadExDate, s)
}

// ParseExDates parses every value with ParseExDate, stopping at the first
// failure.
func ParseExDates(values []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t, err := ParseExDate(v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
