package risk

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Hours configures the permitted trading window. An empty Start and End
// means the window is always open.
type Hours struct {
	Start    string `yaml:"start"`    // "09:30"
	End      string `yaml:"end"`      // "16:00"
	Location string `yaml:"location"` // IANA zone, e.g. "America/New_York"
	Weekends bool   `yaml:"weekends"`
}

// Session is a parsed Hours.
type Session struct {
	start, end int // minutes since midnight
	loc        *time.Location
	weekends   bool
	always     bool
}

func ParseSession(h Hours) (Session, error) {
	loc := time.UTC
	if name := strings.TrimSpace(h.Location); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return Session{}, fmt.Errorf("trading hours location %q: %w", name, err)
		}
		loc = l
	}
	if strings.TrimSpace(h.Start) == "" && strings.TrimSpace(h.End) == "" {
		return Session{loc: loc, weekends: h.Weekends, always: true}, nil
	}
	start, err := parseClock(h.Start)
	if err != nil {
		return Session{}, err
	}
	end, err := parseClock(h.End)
	if err != nil {
		return Session{}, err
	}
	if end <= start {
		return Session{}, fmt.Errorf("trading hours end %s must be after start %s", h.End, h.Start)
	}
	return Session{start: start, end: end, loc: loc, weekends: h.Weekends}, nil
}

// Open reports whether t falls inside the window. Start is inclusive, end
// exclusive.
func (s Session) Open(t time.Time) bool {
	loc := s.loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if !s.weekends && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false
	}
	if s.always {
		return true
	}
	m := local.Hour()*60 + local.Minute()
	return m >= s.start && m < s.end
}

// Location returns the session's time zone.
func (s Session) Location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM): %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
