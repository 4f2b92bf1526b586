// Package timeparse parses the schedule inputs jobman accepts: cron
// expressions, durations, and human time specs.
package timeparse

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	fiveField = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sixField = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// ParseCron parses a 5- or 6-field cron expression. Schedules evaluate in
// UTC.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return fiveField.Parse(expr)
	case 6:
		return sixField.Parse(expr)
	default:
		return nil, fmt.Errorf("cron expression must have 5 or 6 fields, got %d", len(fields))
	}
}

// ValidateCron reports whether expr is an acceptable cron expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextAfter returns the first occurrence of expr strictly after ref, in UTC.
func NextAfter(expr string, ref time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(ref.UTC()), nil
}
