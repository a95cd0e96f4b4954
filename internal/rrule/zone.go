package rrule

import "time"

// wallOf returns the wall clock of t as a floating time in UTC. Arithmetic
// on floating times never crosses a DST transition.
func wallOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func sameWall(t, wall time.Time) bool {
	ty, tmo, td := t.Date()
	wy, wmo, wd := wall.Date()
	th, tmi, ts := t.Clock()
	wh, wmi, ws := wall.Clock()
	return ty == wy && tmo == wmo && td == wd && th == wh && tmi == wmi && ts == ws
}

// approxLocal places wall in loc using time.Date normalisation. It is only
// used where any nearby instant will do (UNTIL bounds, a DTSTART that falls
// in a gap).
func approxLocal(wall time.Time, loc *time.Location) time.Time {
	y, mo, d := wall.Date()
	h, mi, s := wall.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, loc)
}

// resolveLocal converts a floating wall clock to an absolute instant in loc.
// A wall clock that does not exist in loc (spring-forward gap) reports
// false. A wall clock that exists twice (fall-back overlap) resolves to the
// earlier instant.
func resolveLocal(wall time.Time, loc *time.Location) (time.Time, bool) {
	guess := approxLocal(wall, loc)

	// The candidate offsets are the one time.Date picked and those of the
	// neighbouring zone periods; a wall clock can only map into one of them.
	offsets := make([]int, 0, 3)
	_, off := guess.Zone()
	offsets = append(offsets, off)
	start, end := guess.ZoneBounds()
	if !start.IsZero() {
		_, off := start.Add(-time.Second).In(loc).Zone()
		offsets = append(offsets, off)
	}
	if !end.IsZero() {
		_, off := end.In(loc).Zone()
		offsets = append(offsets, off)
	}

	naive := wall.Unix()
	var best time.Time
	found := false
	for _, off := range offsets {
		t := time.Unix(naive-int64(off), 0).In(loc)
		if !sameWall(t, wall) {
			continue
		}
		if !found || t.Before(best) {
			best, found = t, true
		}
	}
	return best, found
}
