package rrule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rrulego "github.com/teambition/rrule-go"
)

// Cross-check UTC rules against rrule-go. Zoned rules are left out: the two
// engines disagree on purpose around DST gaps and overlaps.
func TestOracle_BoundedRules(t *testing.T) {
	rules := []struct{ dtstart, rule string }{
		{"19970902T090000Z", "FREQ=DAILY;COUNT=10"},
		{"19970902T090000Z", "FREQ=DAILY;INTERVAL=10;COUNT=5"},
		{"19970902T090000Z", "FREQ=WEEKLY;COUNT=10;WKST=SU;BYDAY=TU,TH"},
		{"19970901T090000Z", "FREQ=WEEKLY;INTERVAL=2;COUNT=8;WKST=SU;BYDAY=MO,WE,FR"},
		{"19970905T090000Z", "FREQ=MONTHLY;COUNT=10;BYDAY=1FR"},
		{"19970907T090000Z", "FREQ=MONTHLY;INTERVAL=2;COUNT=10;BYDAY=1SU,-1SU"},
		{"19970922T090000Z", "FREQ=MONTHLY;COUNT=6;BYDAY=-2MO"},
		{"19970928T090000Z", "FREQ=MONTHLY;BYMONTHDAY=-3;COUNT=6"},
		{"19970902T090000Z", "FREQ=MONTHLY;COUNT=10;BYMONTHDAY=2,15"},
		{"19970910T090000Z", "FREQ=YEARLY;INTERVAL=2;COUNT=10;BYMONTH=1,2,3"},
		{"19970101T090000Z", "FREQ=YEARLY;INTERVAL=3;COUNT=10;BYYEARDAY=1,100,200"},
		{"19970512T090000Z", "FREQ=YEARLY;BYWEEKNO=20;BYDAY=MO;COUNT=5"},
		{"19970313T090000Z", "FREQ=YEARLY;BYMONTH=3;BYDAY=TH;COUNT=8"},
		{"19970913T090000Z", "FREQ=MONTHLY;BYDAY=FR;BYMONTHDAY=13;COUNT=5"},
		{"19970904T090000Z", "FREQ=MONTHLY;COUNT=3;BYDAY=TU,WE,TH;BYSETPOS=3"},
		{"19970929T090000Z", "FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-2;COUNT=7"},
		{"19970902T090000Z", "FREQ=HOURLY;INTERVAL=3;COUNT=6"},
		{"19970902T090000Z", "FREQ=MINUTELY;INTERVAL=15;COUNT=6"},
		{"19970902T090000Z", "FREQ=MINUTELY;INTERVAL=20;BYHOUR=9,10,11,12,13,14,15,16;COUNT=12"},
		{"20240101T083000Z", "FREQ=HOURLY;BYHOUR=9,17;COUNT=6"},
		{"20240101T000000Z", "FREQ=DAILY;BYHOUR=9,18;BYMINUTE=0,30;COUNT=9"},
		{"20240229T090000Z", "FREQ=YEARLY;COUNT=3"},
	}

	for _, tc := range rules {
		t.Run(tc.rule, func(t *testing.T) {
			oracle, err := rrulego.StrToRRuleSet("DTSTART:" + tc.dtstart + "\nRRULE:" + tc.rule)
			require.NoError(t, err)

			r := mustParse(t, "DTSTART:"+tc.dtstart+" RRULE:"+tc.rule)
			want := oracle.All()
			assertTimes(t, want, r.Take(r.Start, len(want)+5))
		})
	}
}

func TestOracle_UnboundedRulesAfterRef(t *testing.T) {
	rules := []struct{ dtstart, rule string }{
		{"20000101T090000Z", "FREQ=YEARLY;BYMONTH=1,7;BYDAY=-1SU"},
		{"20000131T090000Z", "FREQ=MONTHLY;INTERVAL=5"},
		{"20000103T090000Z", "FREQ=WEEKLY;INTERVAL=3;BYDAY=MO,FR;WKST=SU"},
		{"20000101T061500Z", "FREQ=DAILY;INTERVAL=7;BYHOUR=6,18"},
		{"20000101T001500Z", "FREQ=HOURLY;INTERVAL=5"},
		{"20000101T000000Z", "FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=1,-1"},
	}
	refs := []time.Time{
		utc(2001, 2, 3, 4, 5),
		utc(2024, 10, 26, 6, 0),
		utc(2031, 12, 31, 23, 59),
	}

	for _, tc := range rules {
		t.Run(tc.rule, func(t *testing.T) {
			oracle, err := rrulego.StrToRRuleSet("DTSTART:" + tc.dtstart + "\nRRULE:" + tc.rule)
			require.NoError(t, err)
			r := mustParse(t, "DTSTART:"+tc.dtstart+" RRULE:"+tc.rule)

			for _, ref := range refs {
				want := oracle.After(ref, true)
				got, ok := r.NextAtOrAfter(ref).Get()
				require.True(t, ok)
				assert.True(t, want.Equal(got), "ref %s: got %s, want %s", ref, got, want)
			}
		})
	}
}
