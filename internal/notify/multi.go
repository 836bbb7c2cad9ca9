package notify

import (
	"context"
	"errors"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
)

// Multi publishes an approval request to every channel and reports the
// joined errors. One failing channel does not stop the others.
type Multi []approval.Publisher

func (m Multi) PublishApproval(ctx context.Context, req approval.Request) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishApproval(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
