package ruleset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-10-26T06:00:00Z", utc(2024, 10, 26, 6, 0, 0)},
		{"2024-10-26T08:00:00+02:00", utc(2024, 10, 26, 6, 0, 0)},
		{"2024-10-26 08:00:00+02:00", utc(2024, 10, 26, 6, 0, 0)},
		{"20241026T060000Z", utc(2024, 10, 26, 6, 0, 0)},
		{"2024-10-26T06:00:00", utc(2024, 10, 26, 6, 0, 0)},
		{"2024-10-26 06:00:00", utc(2024, 10, 26, 6, 0, 0)},
		{"2024-10-26T06:00", utc(2024, 10, 26, 6, 0, 0)},
		{"20241026T060000", utc(2024, 10, 26, 6, 0, 0)},
		{"2024-10-26", utc(2024, 10, 26, 0, 0, 0)},
		{"  2024-12-26T07:00:01Z ", utc(2024, 12, 26, 7, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExDate(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseExDate_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2024-13-01", "26/10/2024 06:00"} {
		_, err := ParseExDate(in)
		assert.ErrorIs(t, err, ErrBadExDate, in)
	}
}

func TestParseExDates(t *testing.T) {
	got, err := ParseExDates([]string{"2024-10-25T06:00:00Z", "", "2024-10-26T06:00:00Z"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Equal(utc(2024, 10, 26, 6, 0, 0)))

	_, err = ParseExDates([]string{"2024-10-25T06:00:00Z", "nope"})
	assert.ErrorIs(t, err, ErrBadExDate)
}
