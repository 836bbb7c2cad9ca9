// Package trade holds the vocabulary shared by the gate, the approval broker
// and the executors.
package trade

import (
	"fmt"
	"math"
	"strings"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide normalizes user input such as "BUY" or " sell ".
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unsupported side %q", s)
}

// Intent is a request to trade, owned by the caller for one decision.
type Intent struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   int64   `json:"quantity"`
	Confidence float64 `json:"confidence"`
	StrategyID string  `json:"strategy_id"`
	Rationale  string  `json:"rationale"`
	Force      bool    `json:"force"`
}

// Normalize upper-cases the symbol and lower-cases the side.
func (i Intent) Normalize() Intent {
	i.Symbol = strings.ToUpper(strings.TrimSpace(i.Symbol))
	i.Side = Side(strings.ToLower(strings.TrimSpace(string(i.Side))))
	return i
}

type Outcome string

const (
	AutoExecute     Outcome = "auto_execute"
	Denied          Outcome = "denied"
	PendingApproval Outcome = "pending_approval"
)

// Class tags why a decision was denied.
type Class string

const (
	ClassNone      Class = ""
	ClassMalformed Class = "malformed"
	ClassRisk      Class = "risk"
	ClassHalted    Class = "halted"
)

// Decision is the gate's verdict for one intent.
type Decision struct {
	Outcome       Outcome  `json:"outcome"`
	Reason        string   `json:"reason"`
	ThresholdUsed float64  `json:"threshold_used"`
	Class         Class    `json:"class,omitempty"`
	Remediation   []string `json:"remediation,omitempty"`
}

// ForceCommand is the operator command that re-submits an intent with force.
func ForceCommand(i Intent) string {
	return fmt.Sprintf("/test-trade %s %s %d --force", i.Symbol, strings.ToUpper(string(i.Side)), i.Quantity)
}

// ThresholdCommand is the operator command that would let a trade with the
// given confidence auto-execute.
func ThresholdCommand(confidence float64) string {
	v := math.Floor(confidence*100+1e-9) / 100
	return fmt.Sprintf("/update-threshold %.2f", v)
}
