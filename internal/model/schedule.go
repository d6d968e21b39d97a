package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a weekly opening slot: a weekday plus a time of day.
// Day uses the Monday=0 .. Sunday=6 convention; Time is "HH:MM" wall clock
// in the bot's configured location.
type Schedule struct {
	Day  int    `json:"day" yaml:"day" validate:"min=0,max=6"`
	Time string `json:"time" yaml:"time" validate:"required"`
}

// Clock parses the HH:MM time-of-day component.
func (s Schedule) Clock() (hour, minute int, err error) {
	parts := strings.SplitN(s.Time, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("schedule time %q: want HH:MM", s.Time)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("schedule time %q: bad hour", s.Time)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("schedule time %q: bad minute", s.Time)
	}
	return hour, minute, nil
}

// Validate checks the schedule is well-formed.
func (s Schedule) Validate() error {
	if s.Day < 0 || s.Day > 6 {
		return fmt.Errorf("schedule day %d: want 0..6 (Monday=0)", s.Day)
	}
	_, _, err := s.Clock()
	return err
}

// NextOccurrence returns the first instant strictly after now that falls on
// the scheduled weekday at the scheduled time in loc. A slot earlier today
// rolls over to next week; there is no catch-up for missed slots.
func (s Schedule) NextOccurrence(now time.Time, loc *time.Location) (time.Time, error) {
	hour, minute, err := s.Clock()
	if err != nil {
		return time.Time{}, err
	}

	now = now.In(loc)
	// time.Weekday counts Sunday=0; schedules count Monday=0.
	today := (int(now.Weekday()) + 6) % 7
	daysAhead := (s.Day - today + 7) % 7

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc).
		AddDate(0, 0, daysAhead)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next, nil
}

// DayName returns the English weekday name for the schedule's day.
func (s Schedule) DayName() string {
	names := [...]string{
		"Monday", "Tuesday", "Wednesday", "Thursday",
		"Friday", "Saturday", "Sunday",
	}
	if s.Day < 0 || s.Day > 6 {
		return "?"
	}
	return names[s.Day]
}

// String renders the schedule as "Wednesday 20:00".
func (s Schedule) String() string {
	return s.DayName() + " " + s.Time
}
