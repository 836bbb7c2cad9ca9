package backtest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
)

// Key identifies a result: the same strategy, parameters and date range
// always produce the same result.
type Key struct {
	StrategyID string    `json:"strategy_id"`
	ParamHash  string    `json:"param_hash"`
	Symbol     string    `json:"symbol,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", k.StrategyID, k.ParamHash, k.Symbol, k.From.UnixNano(), k.To.UnixNano())
}

// ParamHash is a stable digest of a parameter snapshot.
func ParamHash(p params.Snapshot) string {
	h := sha256.New()
	for _, k := range p.Keys() {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(strconv.FormatFloat(p.Get(k), 'g', -1, 64)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Fill is one simulated execution.
type Fill struct {
	Time       time.Time `json:"time"`
	Side       Action    `json:"side"`
	Quantity   int64     `json:"quantity"`
	Price      float64   `json:"price"`
	Fee        float64   `json:"fee"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
}

// Result is immutable once returned.
type Result struct {
	Key            Key                 `json:"key"`
	InitialCapital float64             `json:"initial_capital"`
	FinalEquity    float64             `json:"final_equity"`
	TotalReturnPct float64             `json:"total_return_pct"`
	EquityCurve    []EquityPoint       `json:"equity_curve"`
	EquityDrawdown float64             `json:"equity_drawdown"`
	Trades         []Fill              `json:"trades"`
	ClosedTrades   []performance.Trade `json:"closed_trades"`
	Metrics        performance.Metrics `json:"metrics"`
	Skipped        int                 `json:"skipped_below_threshold"`
}
