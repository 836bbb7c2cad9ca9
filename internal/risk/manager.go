package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

// Limit names used in denial reasons.
const (
	LimitPaused           = "trading paused"
	LimitDailyLoss        = "daily loss limit breached"
	LimitPositionSize     = "position size cap exceeded"
	LimitTradesPerDay     = "max trades per day exceeded"
	LimitTradingHours     = "outside trading hours"
	LimitPriceUnavailable = "price unavailable"
)

// BreachError names the hard limit an intent violated.
type BreachError struct {
	Limit  string
	Detail string
}

func (e *BreachError) Error() string {
	if e.Detail == "" {
		return e.Limit
	}
	return fmt.Sprintf("%s: %s", e.Limit, e.Detail)
}

// Limits are the hard limits in effect for one decision.
type Limits struct {
	DailyLossLimitPct  float64
	MaxPositionSizePct float64
	MaxTradesPerDay    int
}

// LimitsFrom reads the limits from a parameter snapshot.
func LimitsFrom(snap params.Snapshot) Limits {
	return Limits{
		DailyLossLimitPct:  snap.Get(params.DailyLossLimitPct),
		MaxPositionSizePct: snap.Get(params.MaxPositionSizePct),
		MaxTradesPerDay:    int(snap.Get(params.MaxTradesPerDay)),
	}
}

// State is a point-in-time copy of the risk counters.
type State struct {
	Paused      bool               `json:"paused"`
	DailyPnL    float64            `json:"daily_pnl"`
	TradesToday int                `json:"trades_today"`
	Equity      float64            `json:"equity"`
	Positions   map[string]float64 `json:"positions"`
	DayStart    time.Time          `json:"day_start"`
}

// Order describes the trade being checked.
type Order struct {
	Symbol   string
	Side     trade.Side
	Quantity int64
	Price    float64
}

// Check evaluates the hard limits in a fixed order and returns the first
// breach, or nil.
func Check(st State, l Limits, o Order, marketOpen bool) error {
	if st.Paused {
		return &BreachError{Limit: LimitPaused, Detail: "resume trading to continue"}
	}
	if l.DailyLossLimitPct > 0 && st.Equity > 0 {
		limit := st.Equity * l.DailyLossLimitPct / 100
		if st.DailyPnL <= -limit {
			return &BreachError{
				Limit:  LimitDailyLoss,
				Detail: fmt.Sprintf("%.2f/%.2f (%.2f%% of %.2f)", st.DailyPnL, -limit, l.DailyLossLimitPct, st.Equity),
			}
		}
	}
	if o.Price <= 0 || math.IsNaN(o.Price) {
		return &BreachError{Limit: LimitPriceUnavailable, Detail: o.Symbol}
	}
	if l.MaxPositionSizePct > 0 && st.Equity > 0 {
		current := st.Positions[o.Symbol]
		signed := float64(o.Quantity)
		if o.Side == trade.Sell {
			signed = -signed
		}
		after := current + signed
		if math.Abs(after) > math.Abs(current) {
			value := math.Abs(after) * o.Price
			limit := st.Equity * l.MaxPositionSizePct / 100
			if value > limit {
				return &BreachError{
					Limit:  LimitPositionSize,
					Detail: fmt.Sprintf("%s %.2f > %.2f (%.2f%% of equity)", o.Symbol, value, limit, l.MaxPositionSizePct),
				}
			}
		}
	}
	if l.MaxTradesPerDay > 0 && st.TradesToday >= l.MaxTradesPerDay {
		return &BreachError{Limit: LimitTradesPerDay, Detail: fmt.Sprintf("%d/%d", st.TradesToday, l.MaxTradesPerDay)}
	}
	if !marketOpen {
		return &BreachError{Limit: LimitTradingHours}
	}
	return nil
}

// Manager holds the live risk counters.
type Manager struct {
	mu          sync.RWMutex
	paused      bool
	dailyPnL    float64
	tradesToday int
	equity      float64
	positions   map[string]float64 // symbol -> signed quantity
	dayStart    time.Time
}

func New(equity float64) *Manager {
	return &Manager{
		equity:    equity,
		positions: make(map[string]float64),
		dayStart:  time.Now().UTC(),
	}
}

func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

func (m *Manager) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// RecordTrade counts an executed trade and moves the position.
func (m *Manager) RecordTrade(symbol string, side trade.Side, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesToday++
	if side == trade.Sell {
		qty = -qty
	}
	m.positions[symbol] += qty
	if math.Abs(m.positions[symbol]) < 1e-9 {
		delete(m.positions, symbol)
	}
}

func (m *Manager) RecordPnL(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL += amount
}

func (m *Manager) DailyPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL
}

// SetEquity updates the account equity used for percentage limits.
func (m *Manager) SetEquity(equity float64) {
	if equity <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

// SyncPositions replaces the position map, e.g. after a broker sync.
func (m *Manager) SyncPositions(positions map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]float64, len(positions))
	for k, v := range positions {
		if v != 0 {
			m.positions[k] = v
		}
	}
}

// ResetDaily clears the per-day counters. Positions carry over.
func (m *Manager) ResetDaily(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = 0
	m.tradesToday = 0
	m.dayStart = now.UTC()
}

// State returns a copy of the counters.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos := make(map[string]float64, len(m.positions))
	for k, v := range m.positions {
		pos[k] = v
	}
	return State{
		Paused:      m.paused,
		DailyPnL:    m.dailyPnL,
		TradesToday: m.tradesToday,
		Equity:      m.equity,
		Positions:   pos,
		DayStart:    m.dayStart,
	}
}
