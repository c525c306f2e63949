package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"go.uber.org/zap"
)

// ConsentService is the Consent Manager and the only writer of consent status.
// Every transition is a compare-and-set on the stored status, so concurrent
// callers get a single winner.
type ConsentService struct {
	store  ports.ConsentStore
	events ports.EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

// NewConsentService creates a new consent manager
func NewConsentService(store ports.ConsentStore, events ports.EventPublisher, logger *zap.Logger) *ConsentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsentService{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Create stores a new pending consent
func (s *ConsentService) Create(ctx context.Context, c *core.Consent) error {
	if c.Status != core.ConsentStatusPending {
		return core.Errorf(core.KindInvalidTransition, "new consent must be pending, got %s", c.Status)
	}
	if err := s.store.CreateConsent(ctx, c); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	s.publish(ctx, c, "")
	return nil
}

// Get returns a consent, expiring it first when its window has lapsed
func (s *ConsentService) Get(ctx context.Context, id string) (*core.Consent, error) {
	c, err := s.store.GetConsent(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "consent")
	}
	return s.expireIfLapsed(ctx, c)
}

// GetForUser returns a consent owned by userID
func (s *ConsentService) GetForUser(ctx context.Context, userID, id string) (*core.Consent, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, core.NewError(core.KindNotFound, "consent not found")
	}
	return c, nil
}

// ListForUser returns every consent userID has decided on
func (s *ConsentService) ListForUser(ctx context.Context, userID string) ([]*core.Consent, error) {
	consents, err := s.store.ListConsentsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	for i, c := range consents {
		if consents[i], err = s.expireIfLapsed(ctx, c); err != nil {
			return nil, err
		}
	}
	return consents, nil
}

// Authorize records the user's approval
func (s *ConsentService) Authorize(ctx context.Context, id, userID string, accountIDs []string) (*core.Consent, error) {
	return s.mutate(ctx, id, "", func(c *core.Consent, at time.Time) error {
		if c.Lapsed(at) {
			return core.ErrConsentExpired
		}
		return c.Authorize(userID, accountIDs, at)
	})
}

// Reject records the user's refusal
func (s *ConsentService) Reject(ctx context.Context, id, userID string) (*core.Consent, error) {
	return s.mutate(ctx, id, "", func(c *core.Consent, at time.Time) error {
		return c.Reject(userID, at)
	})
}

// Revoke ends an authorized consent. A user may only revoke their own
// consents; an admin may revoke any. Every credential bound to the consent
// fails its next validation because validation re-reads this record.
func (s *ConsentService) Revoke(ctx context.Context, id string, by core.RevocationInitiator, userID, reason string) (*core.Consent, error) {
	c, err := s.mutate(ctx, id, by, func(c *core.Consent, at time.Time) error {
		if by == core.RevokedByUser && c.UserID != userID {
			return core.NewError(core.KindNotFound, "consent not found")
		}
		return c.Revoke(by, reason, at)
	})
	if err != nil {
		return c, err
	}

	s.logger.Warn("consent revoked",
		zap.String("consent_id", c.ID),
		zap.String("app_id", c.AppID),
		zap.String("initiator", string(by)))
	return c, nil
}

// ExpireLapsed marks up to limit lapsed authorized consents expired
func (s *ConsentService) ExpireLapsed(ctx context.Context, limit int) (int, error) {
	lapsed, err := s.store.ListLapsedConsents(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed consents: %w", err)
	}
	expired := 0
	for _, c := range lapsed {
		if err := s.expire(ctx, c); err != nil {
			if errors.Is(err, core.ErrConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *ConsentService) expireIfLapsed(ctx context.Context, c *core.Consent) (*core.Consent, error) {
	if c.Status != core.ConsentStatusAuthorized || !c.Lapsed(s.now()) {
		return c, nil
	}
	err := s.expire(ctx, c)
	if errors.Is(err, core.ErrConflict) {
		fresh, err := s.store.GetConsent(ctx, c.ID)
		if err != nil {
			return nil, lookupErr(err, "consent")
		}
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConsentService) expire(ctx context.Context, c *core.Consent) error {
	if err := c.Expire(s.now()); err != nil {
		return err
	}
	if err := s.store.UpdateConsent(ctx, c, core.ConsentStatusAuthorized); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to expire consent: %w", err)
	}
	s.publish(ctx, c, "")
	return nil
}

// mutate applies fn to the stored consent and writes it back if nobody else
// changed the status meanwhile. A loser sees the winner's state.
func (s *ConsentService) mutate(ctx context.Context, id string, by core.RevocationInitiator, fn func(*core.Consent, time.Time) error) (*core.Consent, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := c.Status
	if err := fn(c, s.now()); err != nil {
		return nil, err
	}

	err = s.store.UpdateConsent(ctx, c, expected)
	if errors.Is(err, core.ErrConflict) {
		fresh, getErr := s.store.GetConsent(ctx, id)
		if getErr != nil {
			return nil, lookupErr(getErr, "consent")
		}
		return fresh, core.Errorf(core.KindInvalidTransition, "consent is already %s", fresh.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update consent: %w", err)
	}

	s.publish(ctx, c, by)
	return c, nil
}

func (s *ConsentService) publish(ctx context.Context, c *core.Consent, by core.RevocationInitiator) {
	event := core.ConsentEvent{
		ConsentID: c.ID,
		AppID:     c.AppID,
		UserID:    c.UserID,
		Status:    c.Status,
		Initiator: string(by),
		At:        c.UpdatedAt,
	}
	if err := s.events.PublishConsent(ctx, event); err != nil {
		// The record is authoritative; a lost event does not undo the transition
		s.logger.Warn("failed to publish consent event", zap.String("consent_id", c.ID), zap.Error(err))
	}
}
