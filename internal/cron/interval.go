package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 6-field expressions (with seconds) and descriptors such as
// @daily or @every 1h. 5-field expressions go through Normalize first.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Normalize prepends "0 " to standard 5-field cron expressions so they work
// with the 6-field (with seconds) parser.
func Normalize(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if len(strings.Fields(pattern)) == 5 {
		return "0 " + pattern
	}
	return pattern
}

// Validate checks that a recurrence pattern parses and that the timezone,
// when given, is a known IANA location.
func Validate(pattern, timezone string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("empty recurrence pattern")
	}
	if _, err := parser.Parse(Normalize(pattern)); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", pattern, err)
	}
	if _, err := location(timezone); err != nil {
		return err
	}
	return nil
}

// NextRun returns the first activation strictly after from, evaluated in the
// schedule's timezone.
func NextRun(pattern, timezone string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(Normalize(pattern))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", pattern, err)
	}
	loc, err := location(timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.In(loc)), nil
}

func location(timezone string) (*time.Location, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}
	return loc, nil
}
