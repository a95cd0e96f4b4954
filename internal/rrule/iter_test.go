package rrule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) *Rule {
	t.Helper()
	r, err := Parse(text)
	require.NoError(t, err, text)
	return r
}

func utc(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

func assertTimes(t *testing.T, want, got []time.Time) {
	t.Helper()
	require.Len(t, got, len(want), "got %v", got)
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "occurrence %d: got %s, want %s", i, got[i].UTC(), want[i])
	}
}

func TestIterator_Sequences(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want []time.Time
	}{
		{
			name: "last friday of the month",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=MONTHLY;BYDAY=-1FR;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 26, 9, 0), utc(2024, 2, 23, 9, 0), utc(2024, 3, 29, 9, 0)},
		},
		{
			name: "monthly on the 31st skips short months",
			text: "DTSTART:20240131T090000Z RRULE:FREQ=MONTHLY;COUNT=4",
			n:    10,
			want: []time.Time{utc(2024, 1, 31, 9, 0), utc(2024, 3, 31, 9, 0), utc(2024, 5, 31, 9, 0), utc(2024, 7, 31, 9, 0)},
		},
		{
			name: "last day of the month",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=MONTHLY;BYMONTHDAY=-1;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 31, 9, 0), utc(2024, 2, 29, 9, 0), utc(2024, 3, 31, 9, 0)},
		},
		{
			name: "last weekday of the month",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 31, 9, 0), utc(2024, 2, 29, 9, 0), utc(2024, 3, 29, 9, 0)},
		},
		{
			name: "second to last weekday",
			text: "DTSTART:19970929T090000Z RRULE:FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-2;COUNT=4",
			n:    10,
			want: []time.Time{utc(1997, 9, 29, 9, 0), utc(1997, 10, 30, 9, 0), utc(1997, 11, 27, 9, 0), utc(1997, 12, 30, 9, 0)},
		},
		{
			name: "third tuesday wednesday or thursday",
			text: "DTSTART:19970904T090000Z RRULE:FREQ=MONTHLY;COUNT=3;BYDAY=TU,WE,TH;BYSETPOS=3",
			n:    10,
			want: []time.Time{utc(1997, 9, 4, 9, 0), utc(1997, 10, 7, 9, 0), utc(1997, 11, 6, 9, 0)},
		},
		{
			name: "leap day",
			text: "DTSTART:20240229T090000Z RRULE:FREQ=YEARLY;COUNT=2",
			n:    10,
			want: []time.Time{utc(2024, 2, 29, 9, 0), utc(2028, 2, 29, 9, 0)},
		},
		{
			name: "first monday of september",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=YEARLY;BYMONTH=9;BYDAY=1MO;COUNT=2",
			n:    10,
			want: []time.Time{utc(2024, 9, 2, 9, 0), utc(2025, 9, 1, 9, 0)},
		},
		{
			name: "twentieth monday of the year",
			text: "DTSTART:19970902T090000Z RRULE:FREQ=YEARLY;BYDAY=20MO;COUNT=3",
			n:    10,
			want: []time.Time{utc(1998, 5, 18, 9, 0), utc(1999, 5, 17, 9, 0), utc(2000, 5, 15, 9, 0)},
		},
		{
			name: "first and last day of the year",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=YEARLY;BYYEARDAY=1,-1;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 12, 31, 9, 0), utc(2025, 1, 1, 9, 0)},
		},
		{
			name: "monday of week one",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=YEARLY;BYWEEKNO=1;BYDAY=MO;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 12, 30, 9, 0), utc(2025, 12, 29, 9, 0)},
		},
		{
			name: "monday of week twenty",
			text: "DTSTART:19970512T090000Z RRULE:FREQ=YEARLY;BYWEEKNO=20;BYDAY=MO;COUNT=3",
			n:    10,
			want: []time.Time{utc(1997, 5, 12, 9, 0), utc(1998, 5, 11, 9, 0), utc(1999, 5, 17, 9, 0)},
		},
		{
			name: "friday the thirteenth style intersection",
			text: "DTSTART:19970913T090000Z RRULE:FREQ=MONTHLY;COUNT=5;BYDAY=SA;BYMONTHDAY=7,8,9,10,11,12,13",
			n:    10,
			want: []time.Time{utc(1997, 9, 13, 9, 0), utc(1997, 10, 11, 9, 0), utc(1997, 11, 8, 9, 0), utc(1997, 12, 13, 9, 0), utc(1998, 1, 10, 9, 0)},
		},
		{
			name: "election day",
			text: "DTSTART:19961105T090000Z RRULE:FREQ=YEARLY;INTERVAL=4;BYMONTH=11;BYDAY=TU;BYMONTHDAY=2,3,4,5,6,7,8;COUNT=3",
			n:    10,
			want: []time.Time{utc(1996, 11, 5, 9, 0), utc(2000, 11, 7, 9, 0), utc(2004, 11, 2, 9, 0)},
		},
		{
			name: "biweekly with monday week start",
			text: "DTSTART:19970805T090000Z RRULE:FREQ=WEEKLY;INTERVAL=2;COUNT=4;BYDAY=TU,SU;WKST=MO",
			n:    10,
			want: []time.Time{utc(1997, 8, 5, 9, 0), utc(1997, 8, 10, 9, 0), utc(1997, 8, 19, 9, 0), utc(1997, 8, 24, 9, 0)},
		},
		{
			name: "biweekly with sunday week start",
			text: "DTSTART:19970805T090000Z RRULE:FREQ=WEEKLY;INTERVAL=2;COUNT=4;BYDAY=TU,SU;WKST=SU",
			n:    10,
			want: []time.Time{utc(1997, 8, 5, 9, 0), utc(1997, 8, 17, 9, 0), utc(1997, 8, 19, 9, 0), utc(1997, 8, 31, 9, 0)},
		},
		{
			name: "daily cross product of hours and minutes",
			text: "DTSTART:20240101T000000Z RRULE:FREQ=DAILY;BYHOUR=9,18;BYMINUTE=0,30;COUNT=5",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 1, 9, 30), utc(2024, 1, 1, 18, 0), utc(2024, 1, 1, 18, 30), utc(2024, 1, 2, 9, 0)},
		},
		{
			name: "hourly filtered by hour keeps the start minute",
			text: "DTSTART:20240101T083000Z RRULE:FREQ=HOURLY;BYHOUR=9,17;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 30), utc(2024, 1, 1, 17, 30), utc(2024, 1, 2, 9, 30)},
		},
		{
			name: "every three hours",
			text: "DTSTART:19970902T090000Z RRULE:FREQ=HOURLY;INTERVAL=3;COUNT=4",
			n:    10,
			want: []time.Time{utc(1997, 9, 2, 9, 0), utc(1997, 9, 2, 12, 0), utc(1997, 9, 2, 15, 0), utc(1997, 9, 2, 18, 0)},
		},
		{
			name: "quarter hours within one hour",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=MINUTELY;INTERVAL=15;BYHOUR=9;COUNT=6",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 1, 9, 15), utc(2024, 1, 1, 9, 30), utc(2024, 1, 1, 9, 45), utc(2024, 1, 2, 9, 0), utc(2024, 1, 2, 9, 15)},
		},
		{
			name: "every twenty minutes during office hours",
			text: "DTSTART:19970902T090000Z RRULE:FREQ=MINUTELY;INTERVAL=20;BYHOUR=9,10,11,12,13,14,15,16;COUNT=6",
			n:    10,
			want: []time.Time{utc(1997, 9, 2, 9, 0), utc(1997, 9, 2, 9, 20), utc(1997, 9, 2, 9, 40), utc(1997, 9, 2, 10, 0), utc(1997, 9, 2, 10, 20), utc(1997, 9, 2, 10, 40)},
		},
		{
			name: "secondly limited to one minute",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=SECONDLY;INTERVAL=30;BYHOUR=9;BYMINUTE=0;COUNT=3",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 1, 9, 0).Add(30 * time.Second), utc(2024, 1, 2, 9, 0)},
		},
		{
			name: "until is inclusive",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=DAILY;UNTIL=20240103T090000Z",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 2, 9, 0), utc(2024, 1, 3, 9, 0)},
		},
		{
			name: "date only until means midnight",
			text: "DTSTART:20240101T090000Z RRULE:FREQ=DAILY;UNTIL=20240103",
			n:    10,
			want: []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 2, 9, 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustParse(t, tt.text)
			assertTimes(t, tt.want, r.Take(r.Start, tt.n))
		})
	}
}

func TestIterator_FastStartMatchesFullWalk(t *testing.T) {
	texts := []string{
		"DTSTART:20000101T090000Z RRULE:FREQ=YEARLY;BYMONTH=1,7;BYDAY=-1SU",
		"DTSTART:20000131T090000Z RRULE:FREQ=MONTHLY;INTERVAL=5",
		"DTSTART:20000103T090000Z RRULE:FREQ=WEEKLY;INTERVAL=3;BYDAY=MO,FR;WKST=SU",
		"DTSTART:20000101T090000Z RRULE:FREQ=DAILY;INTERVAL=7;BYHOUR=6,18",
		"DTSTART:20000101T001500Z RRULE:FREQ=HOURLY;INTERVAL=5",
		"DTSTART:20000101T000000Z RRULE:FREQ=MINUTELY;INTERVAL=7;BYDAY=TU;BYHOUR=10",
		"DTSTART;TZID=Europe/Zurich:20000101T023000 RRULE:FREQ=DAILY",
		"DTSTART;TZID=America/New_York:20000101T013000 RRULE:FREQ=WEEKLY;BYDAY=SU",
	}
	refs := []time.Time{
		utc(2000, 1, 1, 0, 0),
		utc(2024, 3, 10, 7, 0),
		utc(2024, 10, 27, 0, 45),
		utc(2024, 11, 3, 5, 59),
		utc(2031, 6, 15, 12, 0),
	}

	for _, text := range texts {
		r := mustParse(t, text)
		for _, ref := range refs {
			got := r.Take(ref, 5)

			// Walk from the very start and drop everything before ref.
			var want []time.Time
			it := &Iterator{rule: r, ref: ref}
			for len(want) < 5 {
				occ, ok := it.Next()
				if !ok {
					break
				}
				want = append(want, occ)
			}
			assertTimes(t, want, got)
			for _, occ := range got {
				assert.False(t, occ.Before(ref), "%s: %s before ref %s", text, occ, ref)
			}
		}
	}
}

func TestRule_NextAndContains(t *testing.T) {
	r := mustParse(t, "DTSTART:20240101T090000Z RRULE:FREQ=WEEKLY;BYDAY=MO,WE")
	mon := utc(2024, 1, 8, 9, 0)
	wed := utc(2024, 1, 10, 9, 0)

	next, ok := r.NextAtOrAfter(mon).Get()
	require.True(t, ok)
	assert.True(t, next.Equal(mon))

	next, ok = r.NextAtOrAfter(mon.Add(time.Nanosecond)).Get()
	require.True(t, ok)
	assert.True(t, next.Equal(wed))

	assert.True(t, r.Contains(wed))
	assert.False(t, r.Contains(wed.Add(time.Second)))
	assert.False(t, r.Contains(utc(2024, 1, 9, 9, 0)))
	assert.False(t, r.Contains(utc(2023, 12, 25, 9, 0)), "before the start")

	occ, ok := r.NextAtOrAfter(utc(2024, 1, 10, 9, 1)).Get()
	require.True(t, ok)
	assert.True(t, occ.Equal(utc(2024, 1, 15, 9, 0)))
}

func TestIterator_EmptyCycleEndsWalk(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		// 2024-01-07 is a Sunday; a seven day step never reaches a Monday.
		{"daily", "DTSTART:20240107T090000Z RRULE:FREQ=DAILY;INTERVAL=7;BYDAY=MO"},
		{"hourly", "DTSTART:20240107T090000Z RRULE:FREQ=HOURLY;INTERVAL=168;BYDAY=MO"},
		{"monthly", "DTSTART:20240107T090000Z RRULE:FREQ=MONTHLY;BYMONTH=2;BYMONTHDAY=30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustParse(t, tt.text)
			it := r.Iterator(r.Start)
			_, ok := it.Next()
			assert.False(t, ok)
			assert.LessOrEqual(t, it.k, r.cyclePeriods()+1, "walk must stop after one calendar cycle")
		})
	}
}

func TestIterator_SparseRuleSurvivesEmptyRuns(t *testing.T) {
	// Leap days falling on a Monday are 28 years apart here.
	r := mustParse(t, "DTSTART:20240229T090000Z RRULE:FREQ=DAILY;BYMONTH=2;BYMONTHDAY=29;BYDAY=MO")
	assertTimes(t, []time.Time{utc(2044, 2, 29, 9, 0), utc(2072, 2, 29, 9, 0)}, r.Take(r.Start, 2))
}

func TestRule_Exhaustion(t *testing.T) {
	tests := []struct {
		name string
		text string
		ref  time.Time
	}{
		{"count used up", "DTSTART:20240101T090000Z RRULE:FREQ=DAILY;COUNT=3", utc(2024, 1, 3, 9, 1)},
		{"past until", "DTSTART:20240101T090000Z RRULE:FREQ=DAILY;UNTIL=20240105T000000Z", utc(2024, 1, 5, 0, 0)},
		{"impossible date", "DTSTART:20240101T090000Z RRULE:FREQ=YEARLY;BYMONTH=2;BYMONTHDAY=30", utc(2024, 1, 1, 0, 0)},
		{"never reaches max year", "DTSTART:20240101T090000Z RRULE:FREQ=YEARLY", time.Date(MaxYear, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustParse(t, tt.text)
			assert.True(t, r.NextAtOrAfter(tt.ref).IsAbsent())
			assert.Empty(t, r.Take(tt.ref, 3))
		})
	}
}

func TestRule_CountFromStartNotFromRef(t *testing.T) {
	r := mustParse(t, "DTSTART:20240101T090000Z RRULE:FREQ=DAILY;COUNT=5")
	got := r.Take(utc(2024, 1, 3, 12, 0), 10)
	assertTimes(t, []time.Time{utc(2024, 1, 4, 9, 0), utc(2024, 1, 5, 9, 0)}, got)
}

func TestRule_YearlyLeapDayInterval(t *testing.T) {
	r := mustParse(t, "DTSTART:20240229T090000Z RRULE:FREQ=YEARLY;INTERVAL=4")
	occ, ok := r.NextAtOrAfter(utc(2100, 1, 1, 0, 0)).Get()
	require.True(t, ok)
	assert.True(t, occ.Equal(utc(2104, 2, 29, 9, 0)), "2100 is not a leap year, got %s", occ)
}
