package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

// Fill represents a single execution.
type Fill struct {
	OrderID    string     `json:"order_id"`
	Symbol     string     `json:"symbol"`
	Side       trade.Side `json:"side"`
	Price      float64    `json:"price"`
	Quantity   float64    `json:"quantity"`
	StrategyID string     `json:"strategy_id"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Position tracks aggregated holdings for a symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	NetQty        float64   `json:"net_qty"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	TotalFills    int       `json:"total_fills"`
	OpenedAt      time.Time `json:"opened_at"`
	StrategyID    string    `json:"strategy_id"`
	Confidence    float64   `json:"confidence"`
}

// Tracker is the ledger of fills, positions and closed round trips.
type Tracker struct {
	mu        sync.RWMutex
	fills     []Fill
	positions map[string]*Position
	closed    []performance.Trade
	seq       int

	OnFill  func(Fill)              // called after every fill
	OnClose func(performance.Trade) // called when a fill reduces a position
}

// NewTracker creates a Tracker ready to use.
func NewTracker() *Tracker {
	return &Tracker{positions: make(map[string]*Position)}
}

// RecordFill appends a fill and updates the position.
func (t *Tracker) RecordFill(f Fill) {
	if f.Quantity <= 0 || f.Price <= 0 {
		return
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.fills = append(t.fills, f)
	closed := t.updatePosition(f)
	t.closed = append(t.closed, closed...)
	onFill, onClose := t.OnFill, t.OnClose
	t.mu.Unlock()

	if onFill != nil {
		onFill(f)
	}
	if onClose != nil {
		for _, c := range closed {
			onClose(c)
		}
	}
}

// updatePosition adjusts the position for a fill and returns any round trips
// it closed. Caller must hold t.mu.
func (t *Tracker) updatePosition(f Fill) []performance.Trade {
	pos, ok := t.positions[f.Symbol]
	if !ok {
		pos = &Position{Symbol: f.Symbol}
		t.positions[f.Symbol] = pos
	}
	pos.TotalFills++

	signed := f.Quantity
	if f.Side == trade.Sell {
		signed = -f.Quantity
	}

	// Same direction (or flat): extend the position and average the entry.
	if pos.NetQty == 0 || (pos.NetQty > 0) == (signed > 0) {
		absCur := math.Abs(pos.NetQty)
		totalCost := pos.AvgEntryPrice*absCur + f.Price*f.Quantity
		if pos.NetQty == 0 {
			pos.OpenedAt = f.Timestamp
			pos.StrategyID = f.StrategyID
			pos.Confidence = f.Confidence
		}
		pos.NetQty += signed
		pos.AvgEntryPrice = totalCost / math.Abs(pos.NetQty)
		return nil
	}

	// Opposite direction: close up to the open quantity.
	closedQty := math.Min(math.Abs(pos.NetQty), f.Quantity)
	direction := 1.0
	entrySide := "long"
	if pos.NetQty < 0 {
		direction = -1
		entrySide = "short"
	}
	pnl := (f.Price - pos.AvgEntryPrice) * closedQty * direction
	pos.RealizedPnL += pnl

	t.seq++
	round := performance.Trade{
		ID:         fmt.Sprintf("rt-%06d", t.seq),
		Symbol:     f.Symbol,
		StrategyID: pos.StrategyID,
		Side:       entrySide,
		Quantity:   closedQty,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  f.Price,
		PnL:        pnl,
		Confidence: pos.Confidence,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   f.Timestamp,
	}
	if pos.AvgEntryPrice > 0 {
		round.ReturnPct = (f.Price - pos.AvgEntryPrice) / pos.AvgEntryPrice * direction
	}

	pos.NetQty += math.Copysign(closedQty, signed)
	if remaining := f.Quantity - closedQty; remaining > 0 {
		// Flipped through flat: the remainder opens a new position.
		pos.NetQty = math.Copysign(remaining, signed)
		pos.AvgEntryPrice = f.Price
		pos.OpenedAt = f.Timestamp
		pos.StrategyID = f.StrategyID
		pos.Confidence = f.Confidence
	}
	if pos.NetQty == 0 {
		pos.AvgEntryPrice = 0
	}
	return []performance.Trade{round}
}

// Position returns the current position for a symbol (nil if none).
func (t *Tracker) Position(symbol string) *Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Positions returns a snapshot of all positions.
func (t *Tracker) Positions() map[string]Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Position, len(t.positions))
	for k, v := range t.positions {
		out[k] = *v
	}
	return out
}

// TotalFills returns the total number of recorded fills.
func (t *Tracker) TotalFills() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fills)
}

// TotalRealizedPnL sums realized PnL across all positions.
func (t *Tracker) TotalRealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, p := range t.positions {
		total += p.RealizedPnL
	}
	return total
}

// RecentFills returns the last N fills (most recent first).
func (t *Tracker) RecentFills(limit int) []Fill {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.fills)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Fill, limit)
	for i := 0; i < limit; i++ {
		out[i] = t.fills[n-1-i]
	}
	return out
}

// ClosedTrades implements performance.TradeSource.
func (t *Tracker) ClosedTrades(_ context.Context, since time.Time) ([]performance.Trade, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []performance.Trade
	for _, c := range t.closed {
		if !c.ClosedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}
