// Package cron evaluates five-field cron expressions
// (minute hour day-of-month month day-of-week).
//
// Expressions are parsed with robfig/cron into one bitmask per field. A time
// matches when all five masks contain the corresponding component, so
// day-of-month and day-of-week restrict together rather than either one being
// enough.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoNextRun is returned when no matching time exists within Horizon.
	ErrNoNextRun = errors.New("no next run within horizon")
)

// Horizon bounds how far ahead Next searches.
const Horizon = 366 * 24 * time.Hour

// starBit marks a field written as * in robfig's masks.
const starBit = 1 << 63

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// set is a bitmask of allowed values, bit i meaning value i.
type set uint64

func (s set) has(v int) bool {
	return s&(1<<uint(v)) != 0
}

// Expression is a parsed cron expression.
type Expression struct {
	source   string
	minutes  set
	hours    set
	days     set
	months   set
	weekdays set
}

// Parse parses a five-field expression. Fields accept *, single values,
// lists (a,b), ranges (a-b), steps (*/n, a-b/n, a/n) and month or weekday
// names. Day-of-week takes 0-6 with 0 as Sunday. Descriptors and time zone
// prefixes are rejected; evaluation uses the location of the reference time.
func Parse(expr string) (*Expression, error) {
	source := strings.Join(strings.Fields(expr), " ")

	if strings.HasPrefix(source, "TZ=") || strings.HasPrefix(source, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: time zone prefixes are not supported", ErrInvalidExpression)
	}

	schedule, err := parser.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	spec, ok := schedule.(*robfig.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a field expression", ErrInvalidExpression, source)
	}

	return &Expression{
		source:   source,
		minutes:  set(spec.Minute &^ starBit),
		hours:    set(spec.Hour &^ starBit),
		days:     set(spec.Dom &^ starBit),
		months:   set(spec.Month &^ starBit),
		weekdays: set(spec.Dow &^ starBit),
	}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}

	return e
}

func (e *Expression) String() string {
	return e.source
}

// Matches reports whether t, at minute resolution, satisfies every field.
func (e *Expression) Matches(t time.Time) bool {
	return e.minutes.has(t.Minute()) &&
		e.hours.has(t.Hour()) &&
		e.days.has(t.Day()) &&
		e.months.has(int(t.Month())) &&
		e.weekdays.has(int(t.Weekday()))
}

// Next returns the first matching minute strictly after from, evaluated in
// from's location. Whole months, days and hours that cannot match are
// skipped, which gives the same answer as testing every minute.
func (e *Expression) Next(from time.Time) (time.Time, error) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(Horizon)
	loc := from.Location()

	for !t.After(limit) {
		switch {
		case !e.months.has(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !e.days.has(t.Day()) || !e.weekdays.has(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !e.hours.has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !e.minutes.has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoNextRun, e.source, from.Format(time.RFC3339))
}

// NextRun parses expr and returns its next run after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	return e.Next(from)
}
