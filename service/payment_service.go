package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentOrder is what a client asks to pay
type PaymentOrder struct {
	DebtorAccount   string
	CreditorAccount string
	CreditorName    string
	Amount          decimal.Decimal
	Currency        string
	Reference       string
}

// PaymentService is the Payment Orchestrator. A payment moves
// pending → processing → {completed, failed} or pending → cancelled.
type PaymentService struct {
	payments   ports.PaymentStore
	ledger     ports.Ledger
	eventPub   ports.EventPublisher
	scaTimeout time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewPaymentService creates a new payment orchestrator
func NewPaymentService(payments ports.PaymentStore, ledger ports.Ledger, eventPub ports.EventPublisher, settings Settings, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		payments:   payments,
		ledger:     ledger,
		eventPub:   eventPub,
		scaTimeout: settings.SCATimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// Initiate creates a pending payment under a consent that may initiate
// payments, and opens its SCA challenge.
func (s *PaymentService) Initiate(ctx context.Context, consent *core.Consent, order PaymentOrder) (*core.Payment, error) {
	now := s.now()
	if err := consent.CheckUsable(now); err != nil {
		return nil, err
	}
	if !consent.Permissions.InitiatePayments {
		return nil, core.NewError(core.KindInsufficientScope, "consent does not permit payment initiation")
	}

	order.DebtorAccount = strings.TrimSpace(order.DebtorAccount)
	order.CreditorAccount = strings.TrimSpace(order.CreditorAccount)
	switch {
	case order.DebtorAccount == "":
		return nil, core.NewError(core.KindInvalidRequest, "debtor_account is required")
	case order.CreditorAccount == "":
		return nil, core.NewError(core.KindInvalidRequest, "creditor_account is required")
	case order.DebtorAccount == order.CreditorAccount:
		return nil, core.NewError(core.KindInvalidRequest, "debtor and creditor accounts must differ")
	}
	if !consent.CoversAccount(order.DebtorAccount) {
		return nil, core.Errorf(core.KindInsufficientScope, "consent does not cover account %s", order.DebtorAccount)
	}
	currency := strings.ToUpper(strings.TrimSpace(order.Currency))
	if err := core.ValidatePaymentAmount(order.Amount, currency); err != nil {
		return nil, err
	}

	p := &core.Payment{
		ID:              uuid.New().String(),
		ConsentID:       consent.ID,
		AppID:           consent.AppID,
		UserID:          consent.UserID,
		DebtorAccount:   order.DebtorAccount,
		CreditorAccount: order.CreditorAccount,
		CreditorName:    strings.TrimSpace(order.CreditorName),
		Amount:          order.Amount,
		Currency:        currency,
		Reference:       strings.TrimSpace(order.Reference),
		Status:          core.PaymentStatusPending,
		SCAChallengeID:  uuid.New().String(),
		SCAExpiresAt:    now.Add(s.scaTimeout),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.payments.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store payment: %w", err)
	}

	s.logger.Info("payment initiated",
		zap.String("payment_id", p.ID),
		zap.String("consent_id", p.ConsentID),
		zap.String("amount", p.Amount.StringFixed(2)),
		zap.String("currency", p.Currency))
	s.publish(ctx, p)
	return p, nil
}

// Get returns a payment made under consentID
func (s *PaymentService) Get(ctx context.Context, consentID, paymentID string) (*core.Payment, error) {
	p, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, lookupErr(err, "payment")
	}
	if p.ConsentID != consentID {
		return nil, core.NewError(core.KindNotFound, "payment not found")
	}
	return p, nil
}

// AuthorizeSCA applies an SCA result. Only a passing result for the open
// challenge moves the payment to processing; it is then submitted to the
// ledger. Failed and timed out results leave the payment pending. An expired
// challenge is replaced with a new one.
func (s *PaymentService) AuthorizeSCA(ctx context.Context, consentID, paymentID string, result core.SCAResult) (*core.Payment, error) {
	p, err := s.Get(ctx, consentID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != core.PaymentStatusPending {
		return p, core.Errorf(core.KindInvalidTransition, "payment is %s", p.Status)
	}

	now := s.now()
	if !now.Before(p.SCAExpiresAt) {
		p.SCAChallengeID = uuid.New().String()
		p.SCAExpiresAt = now.Add(s.scaTimeout)
		p.UpdatedAt = now
		if err := s.update(ctx, p, core.PaymentStatusPending); err != nil {
			return nil, err
		}
		return p, core.NewError(core.KindSCARequired, "sca challenge expired; a new challenge was issued")
	}
	if result.ChallengeID != p.SCAChallengeID {
		return p, core.NewError(core.KindSCAFailed, "sca result does not match the open challenge")
	}

	switch result.Outcome {
	case core.SCAPassed:
	case core.SCAFailed:
		s.logger.Info("sca failed", zap.String("payment_id", p.ID))
		return p, core.NewError(core.KindSCAFailed, "strong customer authentication failed")
	case core.SCATimedOut:
		return p, core.NewError(core.KindSCARequired, "strong customer authentication timed out")
	default:
		return nil, core.Errorf(core.KindInvalidRequest, "unknown sca outcome %q", result.Outcome)
	}

	if err := p.CompleteSCA(now); err != nil {
		return nil, err
	}
	if err := s.update(ctx, p, core.PaymentStatusPending); err != nil {
		return nil, err
	}
	s.logger.Info("payment authorized", zap.String("payment_id", p.ID))
	s.publish(ctx, p)

	return p, s.submit(ctx, p)
}

// Resubmit hands a processing payment to the ledger again after a failed
// submission.
func (s *PaymentService) Resubmit(ctx context.Context, consentID, paymentID string) (*core.Payment, error) {
	p, err := s.Get(ctx, consentID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != core.PaymentStatusProcessing {
		return p, core.Errorf(core.KindInvalidTransition, "payment is %s", p.Status)
	}
	return p, s.submit(ctx, p)
}

// Settle applies the ledger's verdict. Settling a payment that already
// reached a terminal status is a no-op.
func (s *PaymentService) Settle(ctx context.Context, paymentID string, settlement core.Settlement) (*core.Payment, error) {
	p, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, lookupErr(err, "payment")
	}
	if p.Status.Terminal() {
		return p, nil
	}
	if err := p.Settle(settlement, s.now()); err != nil {
		return nil, err
	}

	err = s.payments.UpdatePayment(ctx, p, core.PaymentStatusProcessing)
	if errors.Is(err, core.ErrConflict) {
		fresh, getErr := s.payments.GetPayment(ctx, paymentID)
		if getErr != nil {
			return nil, lookupErr(getErr, "payment")
		}
		if fresh.Status.Terminal() {
			return fresh, nil
		}
		return fresh, core.Errorf(core.KindInvalidTransition, "payment is %s", fresh.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	s.logger.Info("payment settled",
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.String("reason", p.FailureReason))
	s.publish(ctx, p)
	return p, nil
}

// Cancel cancels a pending payment
func (s *PaymentService) Cancel(ctx context.Context, consentID, paymentID string) (*core.Payment, error) {
	p, err := s.Get(ctx, consentID, paymentID)
	if err != nil {
		return nil, err
	}
	if err := p.Cancel(s.now()); err != nil {
		return p, err
	}

	err = s.payments.UpdatePayment(ctx, p, core.PaymentStatusPending)
	if errors.Is(err, core.ErrConflict) {
		fresh, getErr := s.payments.GetPayment(ctx, paymentID)
		if getErr != nil {
			return nil, lookupErr(getErr, "payment")
		}
		return fresh, core.Errorf(core.KindPaymentNotCancellable, "payment is %s", fresh.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	s.logger.Info("payment cancelled", zap.String("payment_id", p.ID))
	s.publish(ctx, p)
	return p, nil
}

func (s *PaymentService) submit(ctx context.Context, p *core.Payment) error {
	if err := s.ledger.SubmitPayment(ctx, p); err != nil {
		s.logger.Warn("ledger submission failed; payment stays processing",
			zap.String("payment_id", p.ID), zap.Error(err))
		if core.KindOf(err) == core.KindServerError {
			return core.WrapError(core.KindTemporarilyUnavailable, "payment is processing but the ledger did not accept it; resubmit later", err)
		}
		return err
	}
	return nil
}

func (s *PaymentService) update(ctx context.Context, p *core.Payment, expected core.PaymentStatus) error {
	err := s.payments.UpdatePayment(ctx, p, expected)
	if errors.Is(err, core.ErrConflict) {
		return core.NewError(core.KindInvalidTransition, "payment was changed concurrently")
	}
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

func (s *PaymentService) publish(ctx context.Context, p *core.Payment) {
	event := core.PaymentEvent{
		PaymentID: p.ID,
		ConsentID: p.ConsentID,
		AppID:     p.AppID,
		Status:    p.Status,
		Reason:    p.FailureReason,
		At:        p.UpdatedAt,
	}
	if err := s.eventPub.PublishPayment(ctx, event); err != nil {
		s.logger.Warn("failed to publish payment event", zap.String("payment_id", p.ID), zap.Error(err))
	}
}
