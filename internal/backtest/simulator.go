package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
)

type Action string

const (
	Hold Action = "hold"
	Buy  Action = "buy"
	Sell Action = "sell"
)

// Signal is a strategy's instruction for the current bar.
type Signal struct {
	Action     Action
	Quantity   int64
	Confidence float64
	Reason     string
}

// View is what a strategy may see at one step. History ends at the current
// bar and has no spare capacity, so re-slicing cannot reach future bars.
type View struct {
	History  []Bar
	Cash     float64
	Position int64
	Params   params.Snapshot
}

// Strategy decides on each bar.
type Strategy interface {
	ID() string
	Decide(v View) Signal
}

type funcStrategy struct {
	id string
	fn func(View) Signal
}

func (f funcStrategy) ID() string           { return f.id }
func (f funcStrategy) Decide(v View) Signal { return f.fn(v) }

// Func adapts a plain function to a Strategy.
func Func(id string, fn func(View) Signal) Strategy {
	return funcStrategy{id: id, fn: fn}
}

// Config is the fill model.
type Config struct {
	FeeBps      float64 `yaml:"fee_bps"`
	SlippageBps float64 `yaml:"slippage_bps"`
}

// Simulator replays price series. It holds no state between runs.
type Simulator struct {
	cfg Config
}

func NewSimulator(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

type lot struct {
	qty         int64
	price       float64
	feePerShare float64
	fill        Fill
}

// Run replays series against strategy. Signals whose confidence is below the
// auto_trade_threshold in p are skipped: they would have waited on a human.
// Fills happen at the bar close adjusted for slippage; sells never exceed
// the open position.
func (s *Simulator) Run(strategy Strategy, series []Bar, initialCapital float64, p params.Snapshot) (Result, error) {
	if strategy == nil {
		return Result{}, fmt.Errorf("backtest: nil strategy")
	}
	if initialCapital <= 0 {
		return Result{}, fmt.Errorf("backtest: initial capital must be > 0, got %f", initialCapital)
	}
	if err := Validate(series); err != nil {
		return Result{}, err
	}

	threshold, gated := p.Lookup(params.AutoTradeThreshold)
	feeRate := decimal.NewFromFloat(s.cfg.FeeBps).Div(decimal.NewFromInt(10000))
	slip := s.cfg.SlippageBps / 10000

	cash := decimal.NewFromFloat(initialCapital)
	var (
		position int64
		lots     []lot
		fills    []Fill
		closed   []performance.Trade
		curve    = make([]EquityPoint, 0, len(series))
		equities = make([]float64, 0, len(series))
		skipped  int
	)

	for i := range series {
		bar := series[i]
		view := View{
			History:  series[: i+1 : i+1],
			Cash:     cash.InexactFloat64(),
			Position: position,
			Params:   p,
		}
		sig := strategy.Decide(view)

		if sig.Action != Hold && sig.Quantity > 0 {
			if gated && sig.Confidence < threshold {
				skipped++
			} else {
				switch sig.Action {
				case Buy:
					price := decimal.NewFromFloat(bar.Close * (1 + slip))
					perShare := price.Mul(decimal.NewFromInt(1).Add(feeRate))
					affordable := cash.Div(perShare).Floor().IntPart()
					qty := sig.Quantity
					if qty > affordable {
						qty = affordable
					}
					if qty > 0 {
						notional := price.Mul(decimal.NewFromInt(qty))
						fee := notional.Mul(feeRate)
						cash = cash.Sub(notional).Sub(fee)
						position += qty
						f := Fill{Time: bar.Time, Side: Buy, Quantity: qty, Price: price.InexactFloat64(), Fee: fee.InexactFloat64(), Confidence: sig.Confidence, Reason: sig.Reason}
						fills = append(fills, f)
						lots = append(lots, lot{qty: qty, price: f.Price, feePerShare: f.Fee / float64(qty), fill: f})
					}
				case Sell:
					qty := sig.Quantity
					if qty > position {
						qty = position
					}
					if qty > 0 {
						price := decimal.NewFromFloat(bar.Close * (1 - slip))
						notional := price.Mul(decimal.NewFromInt(qty))
						fee := notional.Mul(feeRate)
						cash = cash.Add(notional).Sub(fee)
						position -= qty
						f := Fill{Time: bar.Time, Side: Sell, Quantity: qty, Price: price.InexactFloat64(), Fee: fee.InexactFloat64(), Confidence: sig.Confidence, Reason: sig.Reason}
						fills = append(fills, f)
						var matched []performance.Trade
						lots, matched = matchFIFO(lots, f, strategy.ID(), len(closed))
						closed = append(closed, matched...)
					}
				}
			}
		}

		equity := cash.Add(decimal.NewFromFloat(bar.Close).Mul(decimal.NewFromInt(position))).InexactFloat64()
		curve = append(curve, EquityPoint{Time: bar.Time, Equity: equity})
		equities = append(equities, equity)
	}

	final := equities[len(equities)-1]
	return Result{
		Key: Key{
			StrategyID: strategy.ID(),
			ParamHash:  ParamHash(p),
			From:       series[0].Time,
			To:         series[len(series)-1].Time,
		},
		InitialCapital: initialCapital,
		FinalEquity:    final,
		TotalReturnPct: (final - initialCapital) / initialCapital * 100,
		EquityCurve:    curve,
		EquityDrawdown: performance.EquityDrawdown(equities),
		Trades:         fills,
		ClosedTrades:   closed,
		Metrics:        performance.Compute(closed),
		Skipped:        skipped,
	}, nil
}

// matchFIFO closes the oldest lots first against a sell fill.
func matchFIFO(lots []lot, sell Fill, strategyID string, seq int) ([]lot, []performance.Trade) {
	remaining := sell.Quantity
	exitFeePerShare := sell.Fee / float64(sell.Quantity)
	var out []performance.Trade
	for remaining > 0 && len(lots) > 0 {
		l := &lots[0]
		q := l.qty
		if q > remaining {
			q = remaining
		}
		fees := (l.feePerShare + exitFeePerShare) * float64(q)
		pnl := (sell.Price-l.price)*float64(q) - fees
		seq++
		out = append(out, performance.Trade{
			ID:         fmt.Sprintf("bt-%06d", seq),
			StrategyID: strategyID,
			Side:       "long",
			Quantity:   float64(q),
			EntryPrice: l.price,
			ExitPrice:  sell.Price,
			PnL:        pnl,
			ReturnPct:  pnl / (l.price * float64(q)),
			Confidence: l.fill.Confidence,
			OpenedAt:   l.fill.Time,
			ClosedAt:   sell.Time,
		})
		l.qty -= q
		remaining -= q
		if l.qty == 0 {
			lots = lots[1:]
		}
	}
	return lots, out
}
