package job

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidTime is returned for schedule strings that are not a valid HH:MM.
var ErrInvalidTime = errors.New("invalid time")

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// Daily minute/hour parser; days, months and weekdays are always "*".
var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a daily wall-clock time of day.
type Schedule struct {
	Hour   int
	Minute int

	spec cron.Schedule
}

// ParseSchedule parses "HH:MM" with 0 <= HH <= 23 and 0 <= MM <= 59.
// Single-digit hours ("9:05") are accepted and normalized by String.
func ParseSchedule(raw string) (Schedule, error) {
	m := reHHMM.FindStringSubmatch(raw)
	if len(m) != 3 {
		return Schedule{}, fmt.Errorf("%w: %q (use HH:MM)", ErrInvalidTime, raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return Schedule{}, fmt.Errorf("%w: %q out of range", ErrInvalidTime, raw)
	}
	spec, err := dailyParser.Parse(fmt.Sprintf("%d %d * * *", mm, hh))
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidTime, err)
	}
	return Schedule{Hour: hh, Minute: mm, spec: spec}, nil
}

// String returns the zero-padded HH:MM form.
func (s Schedule) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// Next returns the first occurrence of the time of day at or after now,
// evaluated in loc (nil means now's location). An occurrence strictly before
// now rolls over to the next day.
func (s Schedule) Next(now time.Time, loc *time.Location) time.Time {
	if loc != nil {
		now = now.In(loc)
	}
	if s.spec == nil {
		// Zero Schedule: build the spec lazily so copies stay usable.
		p, err := ParseSchedule(s.String())
		if err != nil {
			return time.Time{}
		}
		s = p
	}
	// cron returns the first match strictly after its input (rounded up to
	// the next whole second). Backing off 1ns makes an exact match on now count.
	return s.spec.Next(now.Add(-time.Nanosecond))
}

// Resolve parses raw and returns the normalized spec and its trigger instant.
func Resolve(raw string, now time.Time, loc *time.Location) (string, time.Time, error) {
	s, err := ParseSchedule(raw)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.String(), s.Next(now, loc), nil
}
