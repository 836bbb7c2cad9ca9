// Package gate decides whether a trade intent executes, is denied, or waits
// for an operator.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

// ErrHalted means the parameter store could not be read. No decision is
// made and no defaults are substituted.
var ErrHalted = errors.New("gate: decisions halted: parameter store unavailable")

const ReasonForced = "forced by operator"

// Env is the live context a decision is made in.
type Env struct {
	Risk        risk.State
	Price       float64
	MarketOpen  bool
	KnownSymbol bool
}

// Decide is the pure decision function. It never blocks and never mutates
// its inputs.
func Decide(intent trade.Intent, snap params.Snapshot, perf performance.Snapshot, env Env) trade.Decision {
	threshold := snap.Get(params.AutoTradeThreshold)

	if reason := malformed(intent, env.KnownSymbol); reason != "" {
		return trade.Decision{Outcome: trade.Denied, Reason: reason, ThresholdUsed: threshold, Class: trade.ClassMalformed}
	}

	order := risk.Order{Symbol: intent.Symbol, Side: intent.Side, Quantity: intent.Quantity, Price: env.Price}
	if err := risk.Check(env.Risk, risk.LimitsFrom(snap), order, env.MarketOpen); err != nil {
		return trade.Decision{Outcome: trade.Denied, Reason: err.Error(), ThresholdUsed: threshold, Class: trade.ClassRisk}
	}

	if intent.Force {
		return trade.Decision{Outcome: trade.AutoExecute, Reason: ReasonForced, ThresholdUsed: threshold}
	}
	if intent.Confidence >= threshold {
		return trade.Decision{
			Outcome:       trade.AutoExecute,
			Reason:        fmt.Sprintf("confidence %.2f meets threshold %.2f", intent.Confidence, threshold),
			ThresholdUsed: threshold,
		}
	}

	reason := fmt.Sprintf("confidence %.2f below threshold %.2f", intent.Confidence, threshold)
	if perf.TradeCount > 0 {
		reason += fmt.Sprintf(" (%s win rate %.0f%% over %d trades)", perf.Window, perf.WinRate*100, perf.TradeCount)
	}
	return trade.Decision{
		Outcome:       trade.PendingApproval,
		Reason:        reason,
		ThresholdUsed: threshold,
		Remediation:   []string{trade.ForceCommand(intent), trade.ThresholdCommand(intent.Confidence)},
	}
}

func malformed(i trade.Intent, known bool) string {
	switch {
	case strings.TrimSpace(i.Symbol) == "":
		return "malformed intent: symbol is required"
	case i.Quantity <= 0:
		return fmt.Sprintf("malformed intent: quantity must be positive, got %d", i.Quantity)
	case i.Side != trade.Buy && i.Side != trade.Sell:
		return fmt.Sprintf("malformed intent: unsupported side %q", i.Side)
	case math.IsNaN(i.Confidence) || i.Confidence < 0 || i.Confidence > 1:
		return fmt.Sprintf("malformed intent: confidence %v outside [0,1]", i.Confidence)
	case !known:
		return fmt.Sprintf("malformed intent: unknown symbol %s", i.Symbol)
	}
	return ""
}

// ParamSource yields a consistent parameter snapshot.
type ParamSource interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
}

// PerformanceSource yields rolling performance.
type PerformanceSource interface {
	Evaluate(ctx context.Context, win performance.Window) (performance.Snapshot, error)
}

// RiskSource yields a copy of the live risk counters.
type RiskSource interface {
	State() risk.State
}

// PriceSource returns the latest price for a symbol.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// SymbolValidator reports whether a symbol can be traded.
type SymbolValidator interface {
	ValidSymbol(ctx context.Context, symbol string) (bool, error)
}

// MarketClock reports whether the exchange is open right now.
type MarketClock interface {
	IsOpen(ctx context.Context) (bool, error)
}

// Approver blocks until an operator, a timeout or ctx resolves a request.
type Approver interface {
	RequestApproval(ctx context.Context, intent trade.Intent, threshold float64, perf performance.Snapshot) (approval.Outcome, error)
}

// SymbolSet is a static SymbolValidator. An empty set accepts everything.
type SymbolSet map[string]struct{}

func NewSymbolSet(symbols ...string) SymbolSet {
	s := make(SymbolSet, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			s[sym] = struct{}{}
		}
	}
	return s
}

func (s SymbolSet) ValidSymbol(_ context.Context, symbol string) (bool, error) {
	if len(s) == 0 {
		return true, nil
	}
	_, ok := s[strings.ToUpper(symbol)]
	return ok, nil
}

// Deps are the collaborators of a Gate. Clock and Performance are optional.
type Deps struct {
	Params      ParamSource
	Performance PerformanceSource
	Risk        RiskSource
	Prices      PriceSource
	Symbols     SymbolValidator
	Session     risk.Session
	Clock       MarketClock
	Approver    Approver
	Window      performance.Window
	Now         func() time.Time
}

// Result is the full outcome of processing one intent.
type Result struct {
	Intent   trade.Intent      `json:"intent"`
	Decision trade.Decision    `json:"decision"`
	Approval *approval.Outcome `json:"approval,omitempty"`
	Execute  bool              `json:"execute"`
	Reason   string            `json:"reason"`
}

type Gate struct {
	deps Deps
	log  *logrus.Entry
}

func New(deps Deps) *Gate {
	if deps.Window == "" {
		deps.Window = performance.Short
	}
	if deps.Symbols == nil {
		deps.Symbols = SymbolSet(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Gate{deps: deps, log: logging.For("gate")}
}

// Process runs one intent through the gate and, when needed, the approval
// broker. It returns ErrHalted when parameters cannot be read.
func (g *Gate) Process(ctx context.Context, intent trade.Intent) (Result, error) {
	intent = intent.Normalize()
	snap, err := g.deps.Params.Snapshot(ctx)
	if err != nil {
		g.log.WithError(err).Error("parameter snapshot failed; halting decisions")
		return Result{Intent: intent}, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	var perf performance.Snapshot
	if g.deps.Performance != nil {
		if perf, err = g.deps.Performance.Evaluate(ctx, g.deps.Window); err != nil {
			g.log.WithError(err).Warn("performance snapshot unavailable")
			perf = performance.Snapshot{Window: g.deps.Window}
		}
	}

	d := Decide(intent, snap, perf, g.env(ctx, intent))
	res := Result{Intent: intent, Decision: d, Reason: d.Reason}
	log := g.log.WithFields(logrus.Fields{
		"symbol":     intent.Symbol,
		"side":       intent.Side,
		"quantity":   intent.Quantity,
		"confidence": intent.Confidence,
		"threshold":  d.ThresholdUsed,
		"outcome":    d.Outcome,
	})

	switch d.Outcome {
	case trade.Denied:
		log.WithField("class", d.Class).Warn(d.Reason)
		return res, nil
	case trade.AutoExecute:
		log.Info(d.Reason)
		res.Execute = true
		return res, nil
	}

	log.Info(d.Reason)
	if g.deps.Approver == nil {
		res.Reason = "approval unavailable"
		return res, nil
	}
	out, err := g.deps.Approver.RequestApproval(ctx, intent, d.ThresholdUsed, perf)
	if err != nil {
		res.Reason = "approval failed: " + err.Error()
		if out.Status == "" {
			return res, fmt.Errorf("gate: request approval: %w", err)
		}
	}
	res.Approval = &out
	res.Execute = out.Approved()
	res.Reason = out.Reason
	return res, nil
}

func (g *Gate) env(ctx context.Context, intent trade.Intent) Env {
	env := Env{}
	if g.deps.Risk != nil {
		env.Risk = g.deps.Risk.State()
	}

	known, err := g.deps.Symbols.ValidSymbol(ctx, intent.Symbol)
	if err != nil {
		g.log.WithError(err).WithField("symbol", intent.Symbol).Warn("symbol validation failed")
	}
	env.KnownSymbol = known

	if g.deps.Prices != nil && intent.Symbol != "" {
		price, err := g.deps.Prices.Price(ctx, intent.Symbol)
		if err != nil {
			g.log.WithError(err).WithField("symbol", intent.Symbol).Warn("price unavailable")
		} else {
			env.Price = price
		}
	}

	env.MarketOpen = g.deps.Session.Open(g.deps.Now())
	if env.MarketOpen && g.deps.Clock != nil {
		open, err := g.deps.Clock.IsOpen(ctx)
		if err != nil {
			g.log.WithError(err).Warn("market clock unavailable; using configured session")
		} else {
			env.MarketOpen = open
		}
	}
	return env
}
