package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
)

const (
	TopicConsent  = "obgate.consent"
	TopicPayment  = "obgate.payment"
	TopicSecurity = "obgate.security"
)

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishConsent publishes a consent status change
func (p *WatermillPublisher) PublishConsent(ctx context.Context, event core.ConsentEvent) error {
	return p.publish(ctx, TopicConsent, string(event.Status), event)
}

// PublishPayment publishes a payment status change
func (p *WatermillPublisher) PublishPayment(ctx context.Context, event core.PaymentEvent) error {
	return p.publish(ctx, TopicPayment, string(event.Status), event)
}

// PublishSecurity publishes a suspected compromise
func (p *WatermillPublisher) PublishSecurity(ctx context.Context, event core.SecurityEvent) error {
	return p.publish(ctx, TopicSecurity, event.Type, event)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", eventType)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishConsent(context.Context, core.ConsentEvent) error { return nil }
func (NopPublisher) PublishPayment(context.Context, core.PaymentEvent) error { return nil }
func (NopPublisher) PublishSecurity(context.Context, core.SecurityEvent) error { return nil }
