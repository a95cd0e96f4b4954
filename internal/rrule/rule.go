package rrule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the FREQ of a recurrence rule. Lower values are coarser.
type Frequency int

const (
	Yearly Frequency = iota
	Monthly
	Weekly
	Daily
	Hourly
	Minutely
	Secondly
)

var frequencyNames = [...]string{"YEARLY", "MONTHLY", "WEEKLY", "DAILY", "HOURLY", "MINUTELY", "SECONDLY"}

func (f Frequency) String() string {
	if f < Yearly || f > Secondly {
		return "Frequency(" + strconv.Itoa(int(f)) + ")"
	}
	return frequencyNames[f]
}

// Weekday is a BYDAY entry. N is the signed ordinal within the month or
// year (e.g. 1MO, -1FR); zero means every such weekday in the period.
type Weekday struct {
	Day time.Weekday
	N   int
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
	time.Sunday:    "SU",
}

func (w Weekday) String() string {
	if w.N == 0 {
		return weekdayNames[w.Day]
	}
	return strconv.Itoa(w.N) + weekdayNames[w.Day]
}

// MaxYear bounds generation. Periods past this year are never produced.
const MaxYear = 9999

var (
	// ErrMalformedRule reports unparseable or self-contradictory rule text.
	ErrMalformedRule = errors.New("rrule: malformed rule")
	// ErrUnsupportedZone reports a TZID that cannot be loaded.
	ErrUnsupportedZone = errors.New("rrule: unsupported zone")
)

// ParseError identifies the clause and token that could not be parsed.
type ParseError struct {
	Clause string // "DTSTART", "RRULE", ...
	Token  string
	Reason string
	Err    error // ErrMalformedRule or ErrUnsupportedZone
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Clause != "" {
		b.WriteString(": ")
		b.WriteString(e.Clause)
	}
	if e.Token != "" {
		fmt.Fprintf(&b, " %q", e.Token)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

func malformed(clause, token, reason string) *ParseError {
	return &ParseError{Clause: clause, Token: token, Reason: reason, Err: ErrMalformedRule}
}

// Rule is a parsed recurrence rule. It is immutable once returned by Parse
// and safe for concurrent use.
type Rule struct {
	// Start is the DTSTART wall clock, located in Zone.
	Start time.Time
	Zone  *time.Location
	// zoneName is the TZID as written, empty for floating or UTC starts.
	zoneName string
	utcStart bool

	Freq      Frequency
	Interval  int
	Count     int       // 0 when unset
	Until     time.Time // zero when unset
	WeekStart time.Weekday

	ByMonth    []int
	ByMonthDay []int
	ByYearDay  []int
	ByWeekNo   []int
	ByDay      []Weekday
	ByHour     []int
	ByMinute   []int
	BySecond   []int
	BySetPos   []int

	// effective filters, with the defaults derived from Start applied.
	eff expansion
}

type expansion struct {
	months    []int
	monthDays []int
	weekdays  []Weekday
	hours     []int
	minutes   []int
	seconds   []int

	// startWall is Start as a floating wall clock (UTC location).
	startWall time.Time
	// untilWall is Until in the rule's wall clock, used to stop scanning.
	untilWall time.Time
}

// String returns the canonical DTSTART + RRULE text of the rule. Parsing
// the result yields an equivalent rule.
func (r *Rule) String() string {
	var b strings.Builder
	b.WriteString("DTSTART")
	switch {
	case r.zoneName != "":
		b.WriteString(";TZID=")
		b.WriteString(r.zoneName)
		b.WriteString(":")
		b.WriteString(r.eff.startWall.Format(layoutLocal))
	case r.utcStart:
		b.WriteString(":")
		b.WriteString(r.eff.startWall.Format(layoutUTC))
	default:
		b.WriteString(":")
		b.WriteString(r.eff.startWall.Format(layoutLocal))
	}
	b.WriteString("\nRRULE:")
	b.WriteString(r.RuleString())
	return b.String()
}

// RuleString returns the RRULE value (without the "RRULE:" prefix).
func (r *Rule) RuleString() string {
	parts := []string{"FREQ=" + r.Freq.String()}
	if r.Interval != 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+weekdayNames[r.WeekStart])
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if !r.Until.IsZero() {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format(layoutUTC))
	}
	parts = appendInts(parts, "BYSETPOS", r.BySetPos)
	parts = appendInts(parts, "BYMONTH", r.ByMonth)
	parts = appendInts(parts, "BYMONTHDAY", r.ByMonthDay)
	parts = appendInts(parts, "BYYEARDAY", r.ByYearDay)
	parts = appendInts(parts, "BYWEEKNO", r.ByWeekNo)
	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	parts = appendInts(parts, "BYHOUR", r.ByHour)
	parts = appendInts(parts, "BYMINUTE", r.ByMinute)
	parts = appendInts(parts, "BYSECOND", r.BySecond)
	return strings.Join(parts, ";")
}

func appendInts(parts []string, key string, values []int) []string {
	if len(values) == 0 {
		return parts
	}
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = strconv.Itoa(v)
	}
	return append(parts, key+"="+strings.Join(s, ","))
}
