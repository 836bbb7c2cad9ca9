package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/api"
	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/audit"
	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/execution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/gate"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/telegramtmpl"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

const orderStatusDryRun = "dry_run"

// Submit runs an intent through the gate and, when it may proceed, places
// the order. It blocks while the intent waits for approval.
func (a *App) Submit(ctx context.Context, intent trade.Intent) (api.Submission, error) {
	res, err := a.gate.Process(ctx, intent)
	if err != nil {
		if errors.Is(err, gate.ErrHalted) {
			a.kpi.recordHalted(a.now())
		}
		return api.Submission{}, err
	}
	return a.finish(ctx, res), nil
}

// finish executes an allowed result and records the decision.
func (a *App) finish(ctx context.Context, res gate.Result) api.Submission {
	// The caller may have gone away while waiting for approval; the record
	// and any approved order must still go through.
	ctx = context.WithoutCancel(ctx)
	a.kpi.recordDecision(res.Decision, a.now())

	sub := api.Submission{DecisionID: uuid.NewString(), Result: res}
	rec := audit.Decision{
		ID:          sub.DecisionID,
		At:          a.now().UTC(),
		Intent:      res.Intent,
		Decision:    res.Decision,
		Execute:     res.Execute,
		FinalReason: res.Reason,
	}
	if res.Approval != nil {
		rec.ApprovalToken = res.Approval.Token
		rec.ApprovalStatus = string(res.Approval.Status)
	}

	if res.Execute {
		order, err := a.execute(ctx, res.Intent, res.Reason)
		if err != nil {
			sub.OrderError = err.Error()
		} else {
			sub.Order = &order
			rec.OrderID = order.OrderID
		}
	}

	if a.audit != nil {
		if err := a.audit.RecordDecision(ctx, rec); err != nil {
			a.log.WithError(err).WithField("decision_id", rec.ID).Error("audit decision failed")
		}
	}
	return sub
}

// execute places the order and books any immediate fill.
func (a *App) execute(ctx context.Context, intent trade.Intent, reason string) (execution.OrderResult, error) {
	req := execution.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		StrategyID:    intent.StrategyID,
		Confidence:    intent.Confidence,
	}
	log := a.log.WithFields(logrus.Fields{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
	})

	res, err := a.executor.PlaceOrder(ctx, req)
	if err != nil {
		a.kpi.recordOrder(0, true, a.now())
		log.WithError(err).Error("order failed")
		return res, err
	}
	a.kpi.recordOrder(res.FilledQty*res.FilledPrice, false, a.now())

	switch {
	case res.Status == orderStatusDryRun:
		log.Info("dry run: order not sent")
		return res, nil
	case res.Filled():
		a.tracker.RecordFill(execution.Fill{
			OrderID:    res.OrderID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Price:      res.FilledPrice,
			Quantity:   res.FilledQty,
			StrategyID: req.StrategyID,
			Confidence: req.Confidence,
			Timestamp:  res.SubmittedAt,
		})
		a.risk.RecordTrade(req.Symbol, req.Side, res.FilledQty)
	default:
		// Accepted but not yet filled; the portfolio sync settles the position.
		a.risk.RecordTrade(req.Symbol, req.Side, float64(req.Quantity))
	}
	log.WithFields(logrus.Fields{
		"order_id": res.OrderID,
		"status":   res.Status,
		"price":    res.FilledPrice,
	}).Info("order placed")

	if a.telegram != nil {
		price := res.FilledPrice
		if price == 0 {
			price, _ = a.prices.Price(ctx, req.Symbol)
		}
		err := a.telegram.NotifyExecution(ctx, telegramtmpl.ExecutionData{
			Symbol:   req.Symbol,
			Side:     string(req.Side),
			Quantity: float64(req.Quantity),
			Price:    price,
			OrderID:  res.OrderID,
			Mode:     a.mode,
			Reason:   reason,
		})
		if err != nil {
			log.WithError(err).Warn("execution notification failed")
		}
	}
	a.hub.Broadcast("order", res)
	return res, nil
}

func (a *App) onTradeClosed(t performance.Trade) {
	a.risk.RecordPnL(t.PnL)
	if a.audit != nil {
		if err := a.audit.RecordTrade(context.Background(), t); err != nil {
			a.log.WithError(err).WithField("trade_id", t.ID).Error("audit trade failed")
		}
	}
	a.perf.Invalidate()
}

func (a *App) onApprovalEvent(ev approval.Event) {
	if ev.Type != approval.EventResolved {
		return
	}
	a.kpi.recordApproval(ev.Pending, a.now())
	if a.telegram != nil {
		if err := a.telegram.NotifyResolution(context.Background(), ev.Pending); err != nil {
			a.log.WithError(err).WithField("token", ev.Pending.ID).Warn("resolution notification failed")
		}
	}
}

// onOrphanResolved handles approvals that outlived the process that asked
// for them. An approved intent is re-run as forced so the risk limits of
// the moment still apply.
func (a *App) onOrphanResolved(p approval.Pending) {
	log := a.log.WithFields(logrus.Fields{"token": p.ID, "status": p.Status})
	if p.Status != approval.StatusApproved {
		log.Info("restored approval closed without execution")
		return
	}
	ctx := context.Background()
	intent := p.Intent
	intent.Force = true
	res, err := a.gate.Process(ctx, intent)
	if err != nil {
		log.WithError(err).Error("restored approval could not be processed")
		return
	}
	res.Approval = &approval.Outcome{Token: p.ID, Status: p.Status, Reason: p.Reason, ResolvedBy: p.ResolvedBy}
	if res.Execute {
		res.Reason = p.Reason
	}
	sub := a.finish(ctx, res)
	log.WithFields(logrus.Fields{"decision_id": sub.DecisionID, "execute": res.Execute}).Info("restored approval processed")
}

// SetPaused is the operator kill switch.
func (a *App) SetPaused(ctx context.Context, paused bool, by string) {
	a.risk.SetPaused(paused)
	a.log.WithFields(logrus.Fields{"paused": paused, "by": by}).Warn("trading pause changed")
	a.hub.Broadcast("paused", map[string]any{"paused": paused, "by": by})
	if a.telegram != nil {
		if err := a.telegram.NotifyPaused(ctx, paused, by); err != nil {
			a.log.WithError(err).Warn("pause notification failed")
		}
	}
}

// Backtest replays history for one symbol with the live parameters,
// optionally overridden key by key.
func (a *App) Backtest(ctx context.Context, req api.BacktestRequest) (backtest.Result, error) {
	if a.history == nil {
		return backtest.Result{}, errors.New("no price history configured")
	}
	snap, err := a.params.Snapshot(ctx)
	if err != nil {
		return backtest.Result{}, err
	}
	for k, v := range req.Params {
		spec, ok := a.params.Spec(k)
		if !ok {
			return backtest.Result{}, fmt.Errorf("%w: %s", params.ErrUnknownKey, k)
		}
		if v < spec.Min || v > spec.Max {
			return backtest.Result{}, fmt.Errorf("%s=%g must be within [%g, %g]", k, v, spec.Min, spec.Max)
		}
		snap = snap.With(k, v)
	}

	to := req.To
	if to.IsZero() {
		to = a.now().UTC()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-time.Duration(a.cfg.Evolution.BacktestDays) * 24 * time.Hour)
	}
	series, err := a.history.Bars(ctx, req.Symbol, from, to)
	if err != nil {
		return backtest.Result{}, err
	}
	capital := req.InitialCapital
	if capital <= 0 {
		capital = a.cfg.Paper.InitialCash
	}
	res, err := a.simulator.Run(a.strategy, series, capital, snap)
	if err != nil {
		return backtest.Result{}, err
	}
	res.Key.Symbol = req.Symbol
	return res, nil
}

func (a *App) onEvolutionCycle(ctx context.Context, changes []evolution.Change, err error) {
	for _, c := range changes {
		a.hub.Broadcast("evolution", c)
	}
	if a.telegram == nil {
		return
	}
	if nerr := a.telegram.NotifyEvolution(ctx, changes, err); nerr != nil {
		a.log.WithError(nerr).Warn("evolution notification failed")
	}
}
