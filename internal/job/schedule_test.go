package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseScheduleAcceptsBoundaries(t *testing.T) {
	cases := map[string]string{
		"00:00": "00:00",
		"23:59": "23:59",
		"9:05":  "09:05",
		"07:30": "07:30",
	}
	for in, want := range cases {
		s, err := ParseSchedule(in)
		require.NoError(t, err, in)
		require.Equal(t, want, s.String())
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, in := range []string{"", "24:00", "12:60", "1230", "ab:cd", "12:5", "123:00", " 12:00", "12:00 ", "-1:00"} {
		_, err := ParseSchedule(in)
		require.Error(t, err, in)
		require.True(t, errors.Is(err, ErrInvalidTime), in)
	}
}

func TestNextLaterTodayStaysToday(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	s, err := ParseSchedule("14:30")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 14, 30, 0, 0, loc), s.Next(now, loc))
}

func TestNextPastRollsToTomorrow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	s, err := ParseSchedule("09:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, loc), s.Next(now, loc))
}

func TestNextExactMinuteIsNow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	s, err := ParseSchedule("10:00")
	require.NoError(t, err)
	require.Equal(t, now, s.Next(now, loc))
}

func TestNextWithinMinuteRollsOver(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, loc)
	s, err := ParseSchedule("10:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, loc), s.Next(now, loc))
}

func TestNextUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	// 2024-01-01 02:00 UTC is 09:00 in UTC+7.
	now := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	s, err := ParseSchedule("10:00")
	require.NoError(t, err)
	got := s.Next(now, loc)
	require.Equal(t, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), got.UTC())
}

func TestZeroScheduleIsMidnight(t *testing.T) {
	var s Schedule
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), s.Next(now, time.UTC))
}

func TestResolve(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	spec, at, err := Resolve("8:15", now, time.UTC)
	require.NoError(t, err)
	require.Equal(t, "08:15", spec)
	require.Equal(t, time.Date(2024, 1, 2, 8, 15, 0, 0, time.UTC), at)

	_, _, err = Resolve("25:00", now, time.UTC)
	require.ErrorIs(t, err, ErrInvalidTime)
}

func TestStatusParseAndString(t *testing.T) {
	for _, st := range []Status{Pending, Running, Completed, Failed} {
		got, ok := ParseStatus(st.String())
		require.True(t, ok)
		require.Equal(t, st, got)
	}
	got, ok := ParseStatus("COMPLETED")
	require.True(t, ok)
	require.Equal(t, Completed, got)

	_, ok = ParseStatus("done")
	require.False(t, ok)
	require.Equal(t, "Unknown", Status(9).String())
	require.True(t, Failed.Terminal())
	require.False(t, Running.Terminal())
}

func TestJobDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	j := Job{Status: Pending, ScheduledAt: now}
	require.True(t, j.Due(now))
	require.False(t, j.Due(now.Add(-time.Second)))
	j.Executed = true
	require.False(t, j.Due(now))
}
