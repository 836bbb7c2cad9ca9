// Package approval tracks trades that wait for an operator decision.
//
// Each pending approval is keyed by a random token. It moves from waiting to
// exactly one terminal status. The first resolution wins, whether it comes
// from an operator, the timeout or the caller giving up.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether s ends an approval.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// ParseStatus accepts the operator verbs as well as status names.
func ParseStatus(v string) (Status, bool) {
	switch v {
	case "approve", "approved":
		return StatusApproved, true
	case "deny", "denied", "reject":
		return StatusDenied, true
	case "expire", "expired", "cancel":
		return StatusExpired, true
	case "waiting":
		return StatusWaiting, true
	}
	return "", false
}

var (
	ErrNotFound      = errors.New("approval: token not found")
	ErrAlreadyExists = errors.New("approval: token already exists")
	ErrInvalidStatus = errors.New("approval: invalid resolution status")
	ErrClosed        = errors.New("approval: broker closed")
)

// Pending is the stored record for one approval request.
type Pending struct {
	ID         string       `json:"id"`
	Owner      string       `json:"owner,omitempty"` // instance of the broker waiting on it
	Intent     trade.Intent `json:"intent"`
	Threshold  float64      `json:"threshold"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Status     Status       `json:"status"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Note       string       `json:"note,omitempty"`
}

// Outcome is what a waiting caller receives.
type Outcome struct {
	Token      string `json:"token"`
	Status     Status `json:"status"`
	Reason     string `json:"reason"`
	ResolvedBy string `json:"resolved_by"`
}

func (o Outcome) Approved() bool { return o.Status == StatusApproved }

func outcomeOf(p Pending) Outcome {
	return Outcome{Token: p.ID, Status: p.Status, Reason: p.Reason, ResolvedBy: p.ResolvedBy}
}

// Resolution describes a terminal transition applied by a Store.
type Resolution struct {
	Status Status
	By     string
	Reason string
	Note   string
	At     time.Time
}

func (r Resolution) apply(p Pending) Pending {
	p.Status = r.Status
	p.ResolvedBy = r.By
	p.Reason = r.Reason
	p.Note = r.Note
	p.ResolvedAt = r.At
	return p
}

// Store persists pending approvals. Resolve must be a compare-and-set from
// StatusWaiting: when the record is already terminal it returns the stored
// record with applied=false and a nil error.
type Store interface {
	Create(ctx context.Context, p Pending) error
	Get(ctx context.Context, id string) (Pending, error)
	Resolve(ctx context.Context, id string, r Resolution) (Pending, bool, error)
	// List returns records with the given status, or all records when status
	// is empty, oldest first.
	List(ctx context.Context, status Status) ([]Pending, error)
	Close() error
}

// Request is everything a Publisher needs to render an approval message.
type Request struct {
	Pending          Pending              `json:"pending"`
	Performance      performance.Snapshot `json:"performance"`
	ForceCommand     string               `json:"force_command"`
	ThresholdCommand string               `json:"threshold_command"`
}

// Publisher delivers approval requests to operators.
type Publisher interface {
	PublishApproval(ctx context.Context, req Request) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, req Request) error

func (f PublisherFunc) PublishApproval(ctx context.Context, req Request) error { return f(ctx, req) }

type EventType string

const (
	EventCreated  EventType = "approval_created"
	EventResolved EventType = "approval_resolved"
)

// Event is broadcast to listeners on every transition.
type Event struct {
	Type    EventType `json:"type"`
	Pending Pending   `json:"pending"`
}

// Listener observes broker transitions. It must not block.
type Listener func(Event)
