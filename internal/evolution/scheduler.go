package evolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
)

// Schedule is either a fixed interval or a weekly slot.
type Schedule struct {
	Interval time.Duration
	Weekday  time.Weekday
	Hour     int
	Minute   int
	Location *time.Location
}

// WeeklySchedule is the default: Friday 00:00 in loc.
func WeeklySchedule(loc *time.Location) Schedule {
	return Schedule{Weekday: time.Friday, Location: loc}
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(v string) (time.Weekday, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", v)
}

// Next returns the first run time strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.Interval > 0 {
		return t.Add(s.Interval)
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	days := (int(s.Weekday) - int(local.Weekday()) + 7) % 7
	next := time.Date(local.Year(), local.Month(), local.Day()+days, s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// Runner is what the scheduler drives; *Evolver satisfies it.
type Runner interface {
	RunCycle(ctx context.Context) ([]Change, error)
}

// Scheduler runs evolution cycles until its context ends.
type Scheduler struct {
	runner   Runner
	schedule Schedule
	onCycle  func(context.Context, []Change, error)
	now      func() time.Time
	log      *logrus.Entry
}

// NewScheduler creates a Scheduler. onCycle, if set, receives every cycle
// result, e.g. to send a notification.
func NewScheduler(runner Runner, schedule Schedule, onCycle func(context.Context, []Change, error)) *Scheduler {
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		onCycle:  onCycle,
		now:      time.Now,
		log:      logging.For("evolution"),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(s.now())
		s.log.WithField("next", next.Format(time.RFC3339)).Debug("evolution scheduled")
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		changes, err := s.runner.RunCycle(ctx)
		if err != nil {
			s.log.WithError(err).Error("evolution cycle failed")
		}
		if s.onCycle != nil {
			s.onCycle(ctx, changes, err)
		}
	}
}
