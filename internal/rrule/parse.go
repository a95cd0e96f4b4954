package rrule

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	layoutLocal = "20060102T150405"
	layoutUTC   = "20060102T150405Z"
	layoutDate  = "20060102"
)

// Parse parses rule text made of an optional DTSTART clause and a required
// RRULE clause separated by whitespace, e.g.
//
//	DTSTART;TZID=Europe/Zurich:20300331T020000 RRULE:FREQ=WEEKLY;BYDAY=SU;COUNT=3
//
// The rule clause may also be written as EXRULE:... or as a bare FREQ=...
// value. A DTSTART without TZID and without a trailing Z is floating and is
// evaluated at a fixed zero offset. Text without DTSTART is rejected; use
// ParseWithDefaultStart to anchor such rules.
//
// Failures are *ParseError values wrapping ErrMalformedRule or
// ErrUnsupportedZone.
func Parse(text string) (*Rule, error) {
	return parse(text, time.Time{}, false)
}

// ParseWithDefaultStart is like Parse, but a rule without a DTSTART clause
// is anchored at start (truncated to the second, evaluated in UTC).
func ParseWithDefaultStart(text string, start time.Time) (*Rule, error) {
	return parse(text, start, true)
}

func parse(text string, defaultStart time.Time, hasDefault bool) (*Rule, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, malformed("", "", "empty rule text")
	}

	var dtstart, body, bodyClause string
	for _, f := range fields {
		name, value, hasColon := strings.Cut(f, ":")
		upper := strings.ToUpper(name)
		switch {
		case upper == "DTSTART" || strings.HasPrefix(upper, "DTSTART;"):
			if dtstart != "" {
				return nil, malformed("DTSTART", f, "duplicate clause")
			}
			if !hasColon || value == "" {
				return nil, malformed("DTSTART", f, "missing value")
			}
			dtstart = f
		case hasColon && (upper == "RRULE" || upper == "EXRULE"):
			if body != "" {
				return nil, malformed(upper, f, "duplicate rule clause")
			}
			body, bodyClause = value, upper
		case !hasColon && strings.HasPrefix(upper, "FREQ="):
			if body != "" {
				return nil, malformed("RRULE", f, "duplicate rule clause")
			}
			body, bodyClause = f, "RRULE"
		default:
			return nil, malformed("", f, "unrecognized clause")
		}
	}
	if body == "" {
		return nil, malformed("RRULE", "", "missing rule clause")
	}

	r := &Rule{Interval: 1, WeekStart: time.Monday}
	switch {
	case dtstart != "":
		if err := r.parseStart(dtstart); err != nil {
			return nil, err
		}
	case hasDefault:
		r.Zone = time.UTC
		r.utcStart = true
		r.eff.startWall = wallOf(defaultStart.UTC().Truncate(time.Second))
	default:
		return nil, malformed("DTSTART", "", "missing start")
	}
	r.Start = approxLocal(r.eff.startWall, r.Zone)
	if t, ok := resolveLocal(r.eff.startWall, r.Zone); ok {
		r.Start = t
	}

	if err := r.parseBody(bodyClause, body); err != nil {
		return nil, err
	}
	r.expandDefaults()
	return r, nil
}

func (r *Rule) parseStart(clause string) error {
	head, value, _ := strings.Cut(clause, ":")
	params := strings.Split(head, ";")[1:]

	r.Zone = time.UTC
	dateOnly := false
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || v == "" {
			return malformed("DTSTART", p, "bad parameter")
		}
		switch strings.ToUpper(k) {
		case "TZID":
			name := strings.Trim(v, `"`)
			loc, err := time.LoadLocation(name)
			if err != nil {
				return &ParseError{Clause: "DTSTART", Token: name, Reason: err.Error(), Err: ErrUnsupportedZone}
			}
			r.Zone = loc
			r.zoneName = name
		case "VALUE":
			switch strings.ToUpper(v) {
			case "DATE":
				dateOnly = true
			case "DATE-TIME":
			default:
				return malformed("DTSTART", p, "unknown VALUE")
			}
		default:
			return malformed("DTSTART", p, "unknown parameter")
		}
	}

	switch {
	case strings.HasSuffix(value, "Z"):
		if r.zoneName != "" {
			return malformed("DTSTART", value, "UTC time combined with TZID")
		}
		t, err := time.Parse(layoutUTC, value)
		if err != nil {
			return malformed("DTSTART", value, "bad date-time")
		}
		r.utcStart = true
		r.eff.startWall = wallOf(t)
	case dateOnly || len(value) == len(layoutDate):
		t, err := time.Parse(layoutDate, value)
		if err != nil {
			return malformed("DTSTART", value, "bad date")
		}
		r.eff.startWall = t
	default:
		t, err := time.Parse(layoutLocal, value)
		if err != nil {
			return malformed("DTSTART", value, "bad date-time")
		}
		r.eff.startWall = t
	}
	return nil
}

func (r *Rule) parseBody(clause, body string) error {
	seen := make(map[string]bool)
	var until string
	hasFreq := false

	for _, pair := range strings.Split(body, ";") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || v == "" {
			return malformed(clause, pair, "expected KEY=VALUE")
		}
		key := strings.ToUpper(k)
		if seen[key] {
			return malformed(clause, pair, "duplicate key")
		}
		seen[key] = true

		var err error
		switch key {
		case "FREQ":
			r.Freq, err = parseFreq(clause, v)
			hasFreq = true
		case "INTERVAL":
			r.Interval, err = parsePositive(clause, pair, v)
		case "COUNT":
			r.Count, err = parsePositive(clause, pair, v)
		case "UNTIL":
			until = v
		case "WKST":
			r.WeekStart, err = parseDay(clause, v)
		case "BYDAY":
			r.ByDay, err = parseByDay(clause, v)
		case "BYMONTH":
			r.ByMonth, err = parseInts(clause, key, v, 1, 12, false)
		case "BYMONTHDAY":
			r.ByMonthDay, err = parseInts(clause, key, v, 1, 31, true)
		case "BYYEARDAY":
			r.ByYearDay, err = parseInts(clause, key, v, 1, 366, true)
		case "BYWEEKNO":
			r.ByWeekNo, err = parseInts(clause, key, v, 1, 53, true)
		case "BYHOUR":
			r.ByHour, err = parseInts(clause, key, v, 0, 23, false)
		case "BYMINUTE":
			r.ByMinute, err = parseInts(clause, key, v, 0, 59, false)
		case "BYSECOND":
			r.BySecond, err = parseInts(clause, key, v, 0, 59, false)
		case "BYSETPOS":
			r.BySetPos, err = parseInts(clause, key, v, 1, 366, true)
		default:
			err = malformed(clause, pair, "unknown key")
		}
		if err != nil {
			return err
		}
	}

	if !hasFreq {
		return malformed(clause, body, "FREQ is required")
	}
	if r.Count > 0 && until != "" {
		return malformed(clause, body, "COUNT and UNTIL are mutually exclusive")
	}
	if until != "" {
		t, err := r.parseUntil(clause, until)
		if err != nil {
			return err
		}
		r.Until = t
	}
	return r.validate(clause, body)
}

func (r *Rule) parseUntil(clause, v string) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutUTC, v)
		if err != nil {
			return time.Time{}, malformed(clause, "UNTIL="+v, "bad date-time")
		}
		return t, nil
	}
	layout := layoutLocal
	if len(v) == len(layoutDate) {
		layout = layoutDate
	}
	wall, err := time.Parse(layout, v)
	if err != nil {
		return time.Time{}, malformed(clause, "UNTIL="+v, "bad date-time")
	}
	if t, ok := resolveLocal(wall, r.Zone); ok {
		return t, nil
	}
	return approxLocal(wall, r.Zone), nil
}

func (r *Rule) validate(clause, body string) error {
	if len(r.BySetPos) > 0 {
		others := len(r.ByMonth) + len(r.ByMonthDay) + len(r.ByYearDay) + len(r.ByWeekNo) +
			len(r.ByDay) + len(r.ByHour) + len(r.ByMinute) + len(r.BySecond)
		if others == 0 {
			return malformed(clause, body, "BYSETPOS requires another BY* rule part")
		}
	}
	if len(r.ByWeekNo) > 0 && r.Freq != Yearly {
		return malformed(clause, body, "BYWEEKNO is only valid with FREQ=YEARLY")
	}
	if len(r.ByYearDay) > 0 && (r.Freq == Daily || r.Freq == Weekly || r.Freq == Monthly) {
		return malformed(clause, body, "BYYEARDAY is not valid with FREQ="+r.Freq.String())
	}
	if len(r.ByMonthDay) > 0 && r.Freq == Weekly {
		return malformed(clause, body, "BYMONTHDAY is not valid with FREQ=WEEKLY")
	}
	for _, d := range r.ByDay {
		if d.N == 0 {
			continue
		}
		if r.Freq != Monthly && r.Freq != Yearly {
			return malformed(clause, d.String(), "BYDAY ordinals need FREQ=MONTHLY or FREQ=YEARLY")
		}
		if len(r.ByWeekNo) > 0 {
			return malformed(clause, d.String(), "BYDAY ordinals cannot be combined with BYWEEKNO")
		}
		if r.Freq == Monthly && (d.N > 5 || d.N < -5) {
			return malformed(clause, d.String(), "ordinal out of range for a month")
		}
	}
	if len(r.BySetPos) > 0 && !r.setPosReachable() {
		return malformed(clause, body, "BYSETPOS exceeds the candidates of any period")
	}
	if !r.gridReachable() {
		return malformed(clause, body, "BYHOUR/BYMINUTE/BYSECOND never fall on the INTERVAL grid")
	}
	return nil
}

// setPosReachable reports whether some BYSETPOS value fits within the
// largest number of candidates a period can hold.
func (r *Rule) setPosReachable() bool {
	most := 1
	switch r.Freq {
	case Yearly:
		most = 366
	case Monthly:
		most = 31
	case Weekly:
		most = 7
	}
	if r.Freq < Hourly && len(r.ByHour) > 0 {
		most *= len(r.ByHour)
	}
	if r.Freq < Minutely && len(r.ByMinute) > 0 {
		most *= len(r.ByMinute)
	}
	if r.Freq < Secondly && len(r.BySecond) > 0 {
		most *= len(r.BySecond)
	}
	for _, p := range r.BySetPos {
		if p <= most && -p <= most {
			return true
		}
	}
	return false
}

// gridReachable reports whether a sub-daily rule can ever produce a time of
// day its BYHOUR, BYMINUTE and BYSECOND filters accept. Periods step by
// INTERVAL units from the start, so the reachable times of day are those
// congruent to the start modulo gcd(INTERVAL, units per day).
func (r *Rule) gridReachable() bool {
	if r.Freq < Hourly {
		return true
	}
	filtered := len(r.ByHour) > 0 ||
		(r.Freq >= Minutely && len(r.ByMinute) > 0) ||
		(r.Freq == Secondly && len(r.BySecond) > 0)
	if !filtered {
		return true
	}

	unit := 1
	switch r.Freq {
	case Hourly:
		unit = 3600
	case Minutely:
		unit = 60
	}
	g := int(gcd(int64(r.Interval), int64(secondsPerDay/unit)))
	if g == 1 {
		return true
	}
	sw := r.eff.startWall
	origin := (sw.Hour()*3600 + sw.Minute()*60 + sw.Second()) / unit

	hours := valuesOrRange(r.ByHour, true, 24)
	minutes := valuesOrRange(r.ByMinute, r.Freq >= Minutely, 60)
	seconds := valuesOrRange(r.BySecond, r.Freq == Secondly, 60)
	for _, h := range hours {
		for _, m := range minutes {
			for _, s := range seconds {
				p := (h*3600 + m*60 + s) / unit
				if ((p-origin)%g+g)%g == 0 {
					return true
				}
			}
		}
	}
	return false
}

// valuesOrRange returns set, or every value below n when the unit is a
// filter left unset, or just 0 when the unit is not part of the grid.
func valuesOrRange(set []int, onGrid bool, n int) []int {
	if !onGrid {
		return []int{0}
	}
	if len(set) > 0 {
		return set
	}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return all
}

// expandDefaults fills the effective filters: BY* parts that are absent
// take their single value from the start.
func (r *Rule) expandDefaults() {
	e := &r.eff
	sw := e.startWall

	e.months = sortedInts(r.ByMonth)
	e.monthDays = sortedInts(r.ByMonthDay)
	e.weekdays = append([]Weekday(nil), r.ByDay...)

	if len(r.ByWeekNo) == 0 && len(r.ByYearDay) == 0 && len(r.ByMonthDay) == 0 && len(r.ByDay) == 0 {
		switch r.Freq {
		case Yearly:
			if len(e.months) == 0 {
				e.months = []int{int(sw.Month())}
			}
			e.monthDays = []int{sw.Day()}
		case Monthly:
			e.monthDays = []int{sw.Day()}
		case Weekly:
			e.weekdays = []Weekday{{Day: sw.Weekday()}}
		}
	}

	e.hours = defaultInts(r.ByHour, r.Freq < Hourly, sw.Hour())
	e.minutes = defaultInts(r.ByMinute, r.Freq < Minutely, sw.Minute())
	e.seconds = defaultInts(r.BySecond, r.Freq < Secondly, sw.Second())

	if !r.Until.IsZero() {
		e.untilWall = wallOf(r.Until.In(r.Zone))
	}
}

func defaultInts(set []int, coarser bool, fallback int) []int {
	if len(set) > 0 {
		return sortedInts(set)
	}
	if coarser {
		return []int{fallback}
	}
	return nil
}

func sortedInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func parseFreq(clause, v string) (Frequency, error) {
	for i, name := range frequencyNames {
		if strings.EqualFold(v, name) {
			return Frequency(i), nil
		}
	}
	return 0, malformed(clause, "FREQ="+v, "unknown frequency")
}

func parsePositive(clause, pair, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, malformed(clause, pair, "expected a positive integer")
	}
	return n, nil
}

func parseInts(clause, key, v string, lo, hi int, signed bool) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimPrefix(p, "+"))
		if err != nil {
			return nil, malformed(clause, key+"="+v, "bad integer "+strconv.Quote(p))
		}
		abs := n
		if signed && n < 0 {
			abs = -n
		}
		if abs < lo || abs > hi {
			return nil, malformed(clause, key+"="+v, "value "+p+" out of range")
		}
		out = append(out, n)
	}
	return out, nil
}

func parseDay(clause, v string) (time.Weekday, error) {
	u := strings.ToUpper(v)
	for d, name := range weekdayNames {
		if name == u {
			return d, nil
		}
	}
	return 0, malformed(clause, v, "unknown weekday")
}

func parseByDay(clause, v string) ([]Weekday, error) {
	parts := strings.Split(v, ",")
	out := make([]Weekday, 0, len(parts))
	for _, p := range parts {
		if len(p) < 2 {
			return nil, malformed(clause, p, "bad BYDAY entry")
		}
		day, err := parseDay(clause, p[len(p)-2:])
		if err != nil {
			return nil, err
		}
		w := Weekday{Day: day}
		if prefix := p[:len(p)-2]; prefix != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(prefix, "+"))
			if err != nil || n == 0 || n > 53 || n < -53 {
				return nil, malformed(clause, p, "bad BYDAY ordinal")
			}
			w.N = n
		}
		out = append(out, w)
	}
	return out, nil
}
