package ports

import (
	"context"

	"github.com/layer-3/obgate/core"
)

// EventPublisher publishes domain events to other instances and downstream consumers
type EventPublisher interface {
	PublishConsent(ctx context.Context, event core.ConsentEvent) error
	PublishPayment(ctx context.Context, event core.PaymentEvent) error
	PublishSecurity(ctx context.Context, event core.SecurityEvent) error
}
