package execution

import (
	"context"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

// OrderRequest is what the gate hands to a broker once a trade may proceed.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          trade.Side
	Quantity      int64
	StrategyID    string
	Confidence    float64
}

// OrderResult is the broker's answer to an order submission.
type OrderResult struct {
	OrderID     string    `json:"order_id"`
	Status      string    `json:"status"`
	FilledQty   float64   `json:"filled_qty"`
	FilledPrice float64   `json:"filled_price"`
	FeePaid     float64   `json:"fee_paid"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Filled reports whether the order produced an immediate fill.
func (r OrderResult) Filled() bool { return r.FilledQty > 0 && r.FilledPrice > 0 }

// Executor submits orders to a broker, live or simulated.
type Executor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}
