package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a periodic task should run
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(s.every)
}

func (s intervalSchedule) String() string {
	return fmt.Sprintf("every %v", s.every)
}

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

func (s cronSchedule) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

func (s cronSchedule) String() string {
	return "cron " + s.expr
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every creates a schedule that runs at a fixed interval.
func Every(d time.Duration) Schedule {
	return intervalSchedule{every: d}
}

// Cron parses a standard five-field cron expression or a descriptor such as "@daily".
func Cron(expr string) (Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, expr, err)
	}
	return cronSchedule{expr: expr, sched: sched}, nil
}
