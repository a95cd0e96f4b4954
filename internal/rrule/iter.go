package rrule

import (
	"sort"
	"time"

	"github.com/samber/mo"
)

const secondsPerDay = 24 * 60 * 60

// Iterator walks the occurrences of a rule forward from a reference
// instant. It is not safe for concurrent use; the Rule it reads is.
type Iterator struct {
	rule    *Rule
	ref     time.Time
	k       int64 // next period index
	pending []time.Time
	emitted int
	done    bool
}

// Iterator returns an iterator over the occurrences at or after ref.
//
// Rules with COUNT are always walked from their start, since every local
// candidate since the start consumes the budget. Other rules jump straight
// to the period holding ref.
func (r *Rule) Iterator(ref time.Time) *Iterator {
	it := &Iterator{rule: r, ref: ref}
	if r.Count == 0 {
		it.k = r.periodIndex(ref)
	}
	return it
}

// Next returns the next occurrence, or false once the rule is exhausted.
func (it *Iterator) Next() (time.Time, bool) {
	r := it.rule
	for !it.done {
		if len(it.pending) == 0 {
			if !it.fill() {
				it.done = true
			}
			continue
		}
		wall := it.pending[0]
		it.pending = it.pending[1:]

		if r.Count > 0 {
			if it.emitted >= r.Count {
				it.done = true
				break
			}
			it.emitted++
		}

		abs, ok := resolveLocal(wall, r.Zone)
		if !r.Until.IsZero() {
			bound := abs
			if !ok {
				bound = approxLocal(wall, r.Zone)
			}
			if bound.After(r.Until) {
				it.done = true
				break
			}
		}
		if !ok || abs.Before(it.ref) {
			continue
		}
		return abs, true
	}
	return time.Time{}, false
}

func (it *Iterator) fill() bool {
	r := it.rule
	emptyFrom := int64(-1)
	for {
		k := it.k
		walls, periodStart, next, ok := r.expand(k)
		if !ok {
			return false
		}
		it.k = next
		if len(walls) > 0 {
			it.pending = walls
			return true
		}
		if !r.Until.IsZero() && periodStart.After(r.eff.untilWall.Add(48*time.Hour)) {
			return false
		}
		// Period 0 may only look empty because candidates before the start
		// were dropped.
		if k == 0 {
			continue
		}
		if emptyFrom < 0 {
			emptyFrom = k
		}
		if next-emptyFrom >= r.cyclePeriods() {
			return false
		}
	}
}

// cyclePeriods is the number of periods after which the candidates of a
// period repeat: the Gregorian calendar repeats every 400 years, which is
// 146097 days and a whole number of weeks. A run of that many empty
// periods means the rule has no further occurrences.
func (r *Rule) cyclePeriods() int64 {
	const days400 = 146097
	var cycle int64
	switch r.Freq {
	case Yearly:
		cycle = 400
	case Monthly:
		cycle = 400 * 12
	case Weekly:
		cycle = days400 / 7
	case Daily:
		cycle = days400
	case Hourly:
		cycle = days400 * 24
	case Minutely:
		cycle = days400 * 24 * 60
	default:
		cycle = days400 * secondsPerDay
	}
	return cycle / gcd(cycle, int64(r.Interval))
}

// NextAtOrAfter returns the earliest occurrence at or after ref.
func (r *Rule) NextAtOrAfter(ref time.Time) mo.Option[time.Time] {
	if t, ok := r.Iterator(ref).Next(); ok {
		return mo.Some(t)
	}
	return mo.None[time.Time]()
}

// Contains reports whether t is exactly one of the rule's occurrences.
func (r *Rule) Contains(t time.Time) bool {
	next, ok := r.Iterator(t).Next()
	return ok && next.Equal(t)
}

// Take returns up to n occurrences at or after ref.
func (r *Rule) Take(ref time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	it := r.Iterator(ref)
	for len(out) < n {
		t, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out
}

// periodIndex returns the index of a period that starts no later than any
// occurrence at or after ref. The 48h margin covers every zone offset
// change between ref's wall clock and the candidates' wall clocks.
func (r *Rule) periodIndex(ref time.Time) int64 {
	sw := r.eff.startWall
	target := wallOf(ref.In(r.Zone)).Add(-48 * time.Hour)
	if !target.After(sw) {
		return 0
	}
	interval := int64(r.Interval)
	switch r.Freq {
	case Yearly:
		return int64(target.Year()-sw.Year()) / interval
	case Monthly:
		months := int64(target.Year()-sw.Year())*12 + int64(target.Month()-sw.Month())
		return months / interval
	case Weekly:
		return daysBetween(r.weekStart0(), dateOf(target)) / (7 * interval)
	case Daily:
		return daysBetween(dateOf(sw), dateOf(target)) / interval
	default:
		return (target.Unix() - r.base0().Unix()) / r.step()
	}
}

// expand returns the sorted wall-clock candidates of period k, the wall
// clock at which the period starts, and the index of the next period to
// visit. ok is false once the period lies beyond MaxYear.
func (r *Rule) expand(k int64) (walls []time.Time, periodStart time.Time, next int64, ok bool) {
	sw := r.eff.startWall
	interval := int64(r.Interval)
	next = k + 1

	switch r.Freq {
	case Yearly:
		y := int64(sw.Year()) + k*interval
		if y > MaxYear {
			return nil, time.Time{}, 0, false
		}
		periodStart = date(int(y), time.January, 1)
		walls = r.expandDays(periodStart, daysInYear(int(y)))
	case Monthly:
		m := int64(sw.Month()-1) + k*interval
		y := int64(sw.Year()) + m/12
		if y > MaxYear {
			return nil, time.Time{}, 0, false
		}
		periodStart = date(int(y), time.Month(m%12+1), 1)
		walls = r.expandDays(periodStart, daysInMonth(periodStart.Year(), periodStart.Month()))
	case Weekly:
		periodStart = r.weekStart0().AddDate(0, 0, int(7*k*interval))
		if periodStart.Year() > MaxYear {
			return nil, time.Time{}, 0, false
		}
		walls = r.expandDays(periodStart, 7)
	case Daily:
		periodStart = dateOf(sw).AddDate(0, 0, int(k*interval))
		if periodStart.Year() > MaxYear {
			return nil, time.Time{}, 0, false
		}
		walls = r.expandDays(periodStart, 1)
	default:
		periodStart = time.Unix(r.base0().Unix()+k*r.step(), 0).UTC()
		if periodStart.Year() > MaxYear {
			return nil, time.Time{}, 0, false
		}
		walls, next = r.expandSubDaily(k, periodStart)
	}

	if len(r.BySetPos) > 0 {
		walls = selectSetPos(walls, r.BySetPos)
	}
	for len(walls) > 0 && walls[0].Before(sw) {
		walls = walls[1:]
	}
	return walls, periodStart, next, true
}

func (r *Rule) expandDays(first time.Time, n int) []time.Time {
	e := &r.eff
	var walls []time.Time
	for i := 0; i < n; i++ {
		d := first.AddDate(0, 0, i)
		if !r.dayMatches(d) {
			continue
		}
		for _, h := range e.hours {
			for _, m := range e.minutes {
				for _, s := range e.seconds {
					walls = append(walls, d.Add(time.Duration(h)*time.Hour+time.Duration(m)*time.Minute+time.Duration(s)*time.Second))
				}
			}
		}
	}
	return walls
}

// expandSubDaily handles HOURLY, MINUTELY and SECONDLY periods. Periods
// whose day, hour or minute is rejected by a BY* filter are skipped by
// jumping to the first period of the next acceptable unit.
func (r *Rule) expandSubDaily(k int64, base time.Time) ([]time.Time, int64) {
	e := &r.eff
	day := dateOf(base)
	if !r.dayMatches(day) {
		return nil, r.indexAtOrAfter(day.AddDate(0, 0, 1))
	}
	hour := base.Truncate(time.Hour)
	if len(r.ByHour) > 0 && !containsInt(e.hours, base.Hour()) {
		if r.Freq == Hourly {
			return nil, k + 1
		}
		return nil, r.indexAtOrAfter(hour.Add(time.Hour))
	}
	if r.Freq == Hourly {
		var walls []time.Time
		for _, m := range e.minutes {
			for _, s := range e.seconds {
				walls = append(walls, hour.Add(time.Duration(m)*time.Minute+time.Duration(s)*time.Second))
			}
		}
		return walls, k + 1
	}

	minute := base.Truncate(time.Minute)
	if len(r.ByMinute) > 0 && !containsInt(e.minutes, base.Minute()) {
		if r.Freq == Minutely {
			return nil, k + 1
		}
		return nil, r.indexAtOrAfter(minute.Add(time.Minute))
	}
	if r.Freq == Minutely {
		walls := make([]time.Time, 0, len(e.seconds))
		for _, s := range e.seconds {
			walls = append(walls, minute.Add(time.Duration(s)*time.Second))
		}
		return walls, k + 1
	}

	if len(r.BySecond) > 0 && !containsInt(e.seconds, base.Second()) {
		return nil, k + 1
	}
	return []time.Time{base}, k + 1
}

// base0 is the wall clock of sub-daily period 0: the start truncated to
// the frequency's unit.
func (r *Rule) base0() time.Time {
	sw := r.eff.startWall
	switch r.Freq {
	case Hourly:
		return sw.Truncate(time.Hour)
	case Minutely:
		return sw.Truncate(time.Minute)
	default:
		return sw
	}
}

// step is the sub-daily period length in seconds.
func (r *Rule) step() int64 {
	unit := int64(1)
	switch r.Freq {
	case Hourly:
		unit = 3600
	case Minutely:
		unit = 60
	}
	return unit * int64(r.Interval)
}

func (r *Rule) indexAtOrAfter(target time.Time) int64 {
	diff := target.Unix() - r.base0().Unix()
	step := r.step()
	return (diff + step - 1) / step
}

// weekStart0 is the first day of the week holding the start.
func (r *Rule) weekStart0() time.Time {
	d := dateOf(r.eff.startWall)
	back := (int(d.Weekday()) - int(r.WeekStart) + 7) % 7
	return d.AddDate(0, 0, -back)
}

func (r *Rule) dayMatches(d time.Time) bool {
	e := &r.eff
	if len(e.months) > 0 && !containsInt(e.months, int(d.Month())) {
		return false
	}
	if len(r.ByWeekNo) > 0 && !r.weekNoMatches(d) {
		return false
	}
	if len(r.ByYearDay) > 0 {
		yd := d.YearDay()
		if !containsInt(r.ByYearDay, yd) && !containsInt(r.ByYearDay, yd-daysInYear(d.Year())-1) {
			return false
		}
	}
	if len(e.monthDays) > 0 {
		md := d.Day()
		if !containsInt(e.monthDays, md) && !containsInt(e.monthDays, md-daysInMonth(d.Year(), d.Month())-1) {
			return false
		}
	}
	if len(e.weekdays) > 0 && !r.weekdayMatches(d) {
		return false
	}
	return true
}

func (r *Rule) weekdayMatches(d time.Time) bool {
	inMonth := r.Freq == Monthly || (r.Freq == Yearly && len(r.ByMonth) > 0)
	for _, w := range r.eff.weekdays {
		if w.Day != d.Weekday() {
			continue
		}
		if w.N == 0 {
			return true
		}
		var nth, last int
		if inMonth {
			nth = (d.Day()-1)/7 + 1
			last = -((daysInMonth(d.Year(), d.Month())-d.Day())/7 + 1)
		} else {
			nth = (d.YearDay()-1)/7 + 1
			last = -((daysInYear(d.Year())-d.YearDay())/7 + 1)
		}
		if w.N == nth || w.N == last {
			return true
		}
	}
	return false
}

func (r *Rule) weekNoMatches(d time.Time) bool {
	wy, wn := weekNumber(d, r.WeekStart)
	total := weeksInYear(wy, r.WeekStart)
	for _, n := range r.ByWeekNo {
		if n == wn || n == wn-total-1 {
			return true
		}
	}
	return false
}

// week1Start returns the first day of week 1 of year y: the first week
// starting on wkst that has at least four days in y.
func week1Start(y int, wkst time.Weekday) time.Time {
	jan1 := date(y, time.January, 1)
	off := (int(jan1.Weekday()) - int(wkst) + 7) % 7
	if off <= 3 {
		return jan1.AddDate(0, 0, -off)
	}
	return jan1.AddDate(0, 0, 7-off)
}

func weekNumber(d time.Time, wkst time.Weekday) (year, week int) {
	year = d.Year()
	start := week1Start(year, wkst)
	if d.Before(start) {
		year--
		start = week1Start(year, wkst)
	} else if next := week1Start(year+1, wkst); !d.Before(next) {
		year++
		start = next
	}
	return year, int(daysBetween(start, d)/7) + 1
}

func weeksInYear(y int, wkst time.Weekday) int {
	return int(daysBetween(week1Start(y, wkst), week1Start(y+1, wkst)) / 7)
}

func selectSetPos(walls []time.Time, positions []int) []time.Time {
	n := len(walls)
	picked := make([]int, 0, len(positions))
	for _, p := range positions {
		i := p - 1
		if p < 0 {
			i = n + p
		}
		if i >= 0 && i < n && !containsInt(picked, i) {
			picked = append(picked, i)
		}
	}
	sort.Ints(picked)
	out := make([]time.Time, len(picked))
	for j, i := range picked {
		out[j] = walls[i]
	}
	return out
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return date(y, m, d)
}

func daysBetween(a, b time.Time) int64 {
	return (b.Unix() - a.Unix()) / secondsPerDay
}

func daysInMonth(y int, m time.Month) int {
	return date(y, m+1, 0).Day()
}

func daysInYear(y int) int {
	return date(y, time.December, 31).YearDay()
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
