// Package alpaca adapts the Alpaca trading and market data APIs to the
// gatekeeper's executor, clock, symbol, price, account and history ports.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/execution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/portfolio"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

const (
	PaperURL = "https://paper-api.alpaca.markets"
	LiveURL  = "https://api.alpaca.markets"
)

type Config struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
	// DryRun logs orders instead of placing them.
	DryRun bool `yaml:"dry_run"`
}

// Broker talks to one Alpaca account.
type Broker struct {
	cfg     Config
	trading *alpacaapi.Client
	data    *marketdata.Client
	log     *logrus.Entry
	now     func() time.Time
}

func New(cfg Config) *Broker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = PaperURL
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	return &Broker{
		cfg: cfg,
		trading: alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			RetryLimit: 2,
			RetryDelay: 500 * time.Millisecond,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.DataURL,
			Feed:      marketdata.Feed(cfg.Feed),
		}),
		log: logging.For("alpaca"),
		now: time.Now,
	}
}

// PlaceOrder submits a day market order.
func (b *Broker) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return execution.OrderResult{}, err
	}
	side := alpacaapi.Buy
	if req.Side == trade.Sell {
		side = alpacaapi.Sell
	}
	qty := decimal.NewFromInt(req.Quantity)
	fields := logrus.Fields{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"qty":             req.Quantity,
		"client_order_id": req.ClientOrderID,
	}
	if b.cfg.DryRun {
		b.log.WithFields(fields).Info("dry run: order not placed")
		return execution.OrderResult{OrderID: "dry-run-" + req.ClientOrderID, Status: "dry_run", SubmittedAt: b.now().UTC()}, nil
	}

	order, err := b.trading.PlaceOrder(alpacaapi.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpacaapi.Market,
		TimeInForce:   alpacaapi.Day,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return execution.OrderResult{}, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	res := execution.OrderResult{
		OrderID:     order.ID,
		Status:      order.Status,
		FilledQty:   order.FilledQty.InexactFloat64(),
		SubmittedAt: order.SubmittedAt,
	}
	if order.FilledAvgPrice != nil {
		res.FilledPrice = order.FilledAvgPrice.InexactFloat64()
	}
	b.log.WithFields(fields).WithField("order_id", order.ID).WithField("status", order.Status).Info("order placed")
	return res, nil
}

// IsOpen reports the exchange clock.
func (b *Broker) IsOpen(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	clock, err := b.trading.GetClock()
	if err != nil {
		return false, fmt.Errorf("get clock: %w", err)
	}
	return clock.IsOpen, nil
}

// ValidSymbol reports whether the asset exists, is active and tradable.
func (b *Broker) ValidSymbol(ctx context.Context, symbol string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	asset, err := b.trading.GetAsset(strings.ToUpper(symbol))
	if err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get asset %s: %w", symbol, err)
	}
	return asset.Tradable && asset.Status == alpacaapi.AssetActive, nil
}

// Account reads equity, cash and positions.
func (b *Broker) Account(ctx context.Context) (portfolio.Account, error) {
	if err := ctx.Err(); err != nil {
		return portfolio.Account{}, err
	}
	acct, err := b.trading.GetAccount()
	if err != nil {
		return portfolio.Account{}, fmt.Errorf("get account: %w", err)
	}
	positions, err := b.trading.GetPositions()
	if err != nil {
		return portfolio.Account{}, fmt.Errorf("get positions: %w", err)
	}
	out := portfolio.Account{
		Equity:    acct.Equity.InexactFloat64(),
		Cash:      acct.Cash.InexactFloat64(),
		Positions: make(map[string]float64, len(positions)),
	}
	for _, p := range positions {
		out.Positions[p.Symbol] = p.Qty.InexactFloat64()
	}
	return out, nil
}

// LatestPrice returns the last trade price.
func (b *Broker) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("latest trade %s: %w", symbol, err)
	}
	if t == nil || t.Price <= 0 {
		return 0, fmt.Errorf("no trade for %s", symbol)
	}
	return t.Price, nil
}

// Bars loads daily bars for the backtest validator.
func (b *Broker) Bars(ctx context.Context, symbol string, from, to time.Time) ([]backtest.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := b.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.Split,
		Start:      from,
		End:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}
	return convertBars(bars), nil
}

func convertBars(bars []marketdata.Bar) []backtest.Bar {
	out := make([]backtest.Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, backtest.Bar{
			Time:   b.Timestamp.UTC(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}
	return out
}
