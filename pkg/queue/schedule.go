package queue

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a five-field cron expression or descriptor such as
// "@hourly" together with an IANA timezone. An empty timezone means UTC.
func ParseSchedule(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidArgument, tz, err)
		}
		loc = l
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidArgument, expr, err)
	}
	return sched, loc, nil
}

// NextFireTime returns the first instant strictly after the given time at
// which expr fires in timezone tz. The result is returned in UTC.
func NextFireTime(expr, tz string, after time.Time) (time.Time, error) {
	sched, loc, err := ParseSchedule(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron expression %q never fires", ErrInvalidArgument, expr)
	}
	return next.UTC(), nil
}
