package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/trade-gatekeeper/internal/execution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/portfolio"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

type Config struct {
	InitialCash float64 `yaml:"initial_cash"`
	FeeBps      float64 `yaml:"fee_bps"`
	SlippageBps float64 `yaml:"slippage_bps"`
	AllowShort  *bool   `yaml:"allow_short"`
}

// PriceSource prices market orders.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

type Snapshot struct {
	InitialCash float64            `json:"initial_cash"`
	Cash        float64            `json:"cash"`
	FeesPaid    float64            `json:"fees_paid"`
	TotalVolume float64            `json:"total_volume"`
	TotalTrades int                `json:"total_trades"`
	AllowShort  bool               `json:"allow_short"`
	Positions   map[string]float64 `json:"positions"`
}

// Simulator fills market orders against the latest price with fee and
// slippage applied. It keeps cash in decimal.
type Simulator struct {
	mu sync.Mutex

	cfg    Config
	prices PriceSource
	now    func() time.Time

	sequence    int64
	initial     decimal.Decimal
	cash        decimal.Decimal
	feesPaid    decimal.Decimal
	totalVolume decimal.Decimal
	totalTrades int
	allowShort  bool
	inventory   map[string]int64 // symbol -> shares, negative when short
}

func NewSimulator(cfg Config, prices PriceSource) *Simulator {
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = 100000
	}
	allowShort := false
	if cfg.AllowShort != nil {
		allowShort = *cfg.AllowShort
	}
	initial := decimal.NewFromFloat(cfg.InitialCash)
	return &Simulator{
		cfg:        cfg,
		prices:     prices,
		now:        time.Now,
		initial:    initial,
		cash:       initial,
		allowShort: allowShort,
		inventory:  make(map[string]int64),
	}
}

func (s *Simulator) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := make(map[string]float64, len(s.inventory))
	for sym, q := range s.inventory {
		pos[sym] = float64(q)
	}
	return Snapshot{
		InitialCash: s.initial.InexactFloat64(),
		Cash:        s.cash.InexactFloat64(),
		FeesPaid:    s.feesPaid.InexactFloat64(),
		TotalVolume: s.totalVolume.InexactFloat64(),
		TotalTrades: s.totalTrades,
		AllowShort:  s.allowShort,
		Positions:   pos,
	}
}

// PlaceOrder fills a market order in full at the current price.
func (s *Simulator) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	if req.Quantity <= 0 {
		return execution.OrderResult{}, fmt.Errorf("quantity must be positive")
	}
	if req.Side != trade.Buy && req.Side != trade.Sell {
		return execution.OrderResult{}, fmt.Errorf("unsupported side: %s", req.Side)
	}
	mark, err := s.prices.Price(ctx, req.Symbol)
	if err != nil {
		return execution.OrderResult{}, fmt.Errorf("price %s: %w", req.Symbol, err)
	}
	if mark <= 0 {
		return execution.OrderResult{}, fmt.Errorf("invalid execution price")
	}
	price := applySlippage(decimal.NewFromFloat(mark), req.Side, s.cfg.SlippageBps)
	qty := decimal.NewFromInt(req.Quantity)
	notional := price.Mul(qty)
	fee := notional.Mul(decimal.NewFromFloat(s.cfg.FeeBps)).Div(decimal.NewFromInt(10000))

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Side {
	case trade.Buy:
		need := notional.Add(fee)
		if need.GreaterThan(s.cash) {
			return execution.OrderResult{}, fmt.Errorf("insufficient paper cash: need %s have %s", need.StringFixed(2), s.cash.StringFixed(2))
		}
		s.cash = s.cash.Sub(need)
		s.inventory[req.Symbol] += req.Quantity
	case trade.Sell:
		if !s.allowShort && s.inventory[req.Symbol] < req.Quantity {
			return execution.OrderResult{}, fmt.Errorf("insufficient paper inventory: need %d have %d", req.Quantity, s.inventory[req.Symbol])
		}
		s.cash = s.cash.Add(notional).Sub(fee)
		s.inventory[req.Symbol] -= req.Quantity
		if s.inventory[req.Symbol] == 0 {
			delete(s.inventory, req.Symbol)
		}
	}
	s.feesPaid = s.feesPaid.Add(fee)
	s.totalVolume = s.totalVolume.Add(notional)
	s.totalTrades++
	s.sequence++

	return execution.OrderResult{
		OrderID:     fmt.Sprintf("paper-order-%06d", s.sequence),
		Status:      "filled",
		FilledQty:   float64(req.Quantity),
		FilledPrice: price.InexactFloat64(),
		FeePaid:     fee.InexactFloat64(),
		SubmittedAt: s.now().UTC(),
	}, nil
}

// Account marks the paper book to market for the portfolio sync.
func (s *Simulator) Account(ctx context.Context) (portfolio.Account, error) {
	snap := s.Snapshot()
	equity := decimal.NewFromFloat(snap.Cash)
	for sym, q := range snap.Positions {
		p, err := s.prices.Price(ctx, sym)
		if err != nil {
			return portfolio.Account{}, fmt.Errorf("mark %s: %w", sym, err)
		}
		equity = equity.Add(decimal.NewFromFloat(p).Mul(decimal.NewFromFloat(q)))
	}
	return portfolio.Account{
		Equity:    equity.InexactFloat64(),
		Cash:      snap.Cash,
		Positions: snap.Positions,
	}, nil
}

func applySlippage(price decimal.Decimal, side trade.Side, slippageBps float64) decimal.Decimal {
	if slippageBps <= 0 {
		return price
	}
	m := decimal.NewFromFloat(slippageBps).Div(decimal.NewFromInt(10000))
	if side == trade.Buy {
		return price.Mul(decimal.NewFromInt(1).Add(m))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(m))
}
