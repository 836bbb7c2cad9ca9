package app

import (
	"sync"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

// KPISnapshot is a copy of the daily counters.
type KPISnapshot struct {
	DayStart         time.Time      `json:"day_start"`
	Decisions        map[string]int `json:"decisions"`
	Denials          map[string]int `json:"denials_by_class"`
	Approvals        map[string]int `json:"approvals_resolved"`
	Halted           int            `json:"halted"`
	OrdersSubmitted  int            `json:"orders_submitted"`
	OrdersFailed     int            `json:"orders_failed"`
	FilledNotional   float64        `json:"filled_notional"`
	LastDenialReason string         `json:"last_denial_reason,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ApprovalRate is approved over all resolved approvals, 0 when none.
func (k KPISnapshot) ApprovalRate() float64 {
	total := 0
	for _, n := range k.Approvals {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(k.Approvals[string(approval.StatusApproved)]) / float64(total)
}

type kpiCollector struct {
	mu sync.Mutex

	loc         *time.Location
	dayStart    time.Time
	lastUpdated time.Time

	decisions        map[trade.Outcome]int
	denials          map[trade.Class]int
	approvals        map[approval.Status]int
	halted           int
	ordersSubmitted  int
	ordersFailed     int
	filledNotional   float64
	lastDenialReason string
}

func newKPICollector(loc *time.Location, now time.Time) *kpiCollector {
	if loc == nil {
		loc = time.UTC
	}
	c := &kpiCollector{loc: loc}
	c.resetLocked(now)
	return c
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func (c *kpiCollector) resetLocked(now time.Time) {
	c.dayStart = startOfDay(now, c.loc)
	c.lastUpdated = now
	c.decisions = make(map[trade.Outcome]int)
	c.denials = make(map[trade.Class]int)
	c.approvals = make(map[approval.Status]int)
	c.halted = 0
	c.ordersSubmitted = 0
	c.ordersFailed = 0
	c.filledNotional = 0
	c.lastDenialReason = ""
}

// ensureDayLocked rolls the counters over when now is past the current day.
func (c *kpiCollector) ensureDayLocked(now time.Time) {
	if day := startOfDay(now, c.loc); day.After(c.dayStart) {
		c.resetLocked(now)
	}
	c.lastUpdated = now
}

func (c *kpiCollector) recordDecision(d trade.Decision, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDayLocked(now)
	c.decisions[d.Outcome]++
	if d.Outcome == trade.Denied {
		c.denials[d.Class]++
		c.lastDenialReason = d.Reason
	}
}

func (c *kpiCollector) recordHalted(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDayLocked(now)
	c.halted++
}

func (c *kpiCollector) recordApproval(p approval.Pending, now time.Time) {
	if !p.Status.Terminal() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDayLocked(now)
	c.approvals[p.Status]++
}

func (c *kpiCollector) recordOrder(notional float64, failed bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDayLocked(now)
	c.ordersSubmitted++
	if failed {
		c.ordersFailed++
		return
	}
	c.filledNotional += notional
}

// snapshot copies the counters for the current day.
func (c *kpiCollector) snapshot(now time.Time) KPISnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDayLocked(now)
	return c.snapshotLocked()
}

// rollover returns the finished day's counters and starts a new day.
func (c *kpiCollector) rollover(now time.Time) KPISnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snapshotLocked()
	c.resetLocked(now)
	return out
}

func (c *kpiCollector) snapshotLocked() KPISnapshot {
	out := KPISnapshot{
		DayStart:         c.dayStart,
		Decisions:        make(map[string]int, len(c.decisions)),
		Denials:          make(map[string]int, len(c.denials)),
		Approvals:        make(map[string]int, len(c.approvals)),
		Halted:           c.halted,
		OrdersSubmitted:  c.ordersSubmitted,
		OrdersFailed:     c.ordersFailed,
		FilledNotional:   c.filledNotional,
		LastDenialReason: c.lastDenialReason,
		UpdatedAt:        c.lastUpdated,
	}
	for k, v := range c.decisions {
		out.Decisions[string(k)] = v
	}
	for k, v := range c.denials {
		out.Denials[string(k)] = v
	}
	for k, v := range c.approvals {
		out.Approvals[string(k)] = v
	}
	return out
}
