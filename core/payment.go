package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSCATimeout is how long an SCA challenge stays answerable
const DefaultSCATimeout = 5 * time.Minute

// PaymentStatus is the lifecycle status of a payment
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed},
}

// CanTransitionTo reports whether s may move to next
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s PaymentStatus) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}

// SCAOutcome is the opaque result of a strong customer authentication step
type SCAOutcome string

const (
	SCAPassed   SCAOutcome = "passed"
	SCAFailed   SCAOutcome = "failed"
	SCATimedOut SCAOutcome = "timeout"
)

// SCAResult is reported by the SCA verifier for a payment's challenge
type SCAResult struct {
	ChallengeID string
	Outcome     SCAOutcome
}

// Settlement is the Ledger Service's verdict on a submitted payment
type Settlement struct {
	Succeeded bool
	Reason    string
}

// Payment is a single payment-initiation instance
type Payment struct {
	ID              string
	ConsentID       string
	AppID           string
	UserID          string
	DebtorAccount   string
	CreditorAccount string
	CreditorName    string
	Amount          decimal.Decimal
	Currency        string
	Reference       string
	Status          PaymentStatus

	SCAChallengeID string
	SCAExpiresAt   time.Time
	SCACompletedAt *time.Time

	SettledAt     *time.Time
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidatePaymentAmount checks the amount is positive and the currency is an
// ISO 4217 style three letter code.
func ValidatePaymentAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return NewError(KindInvalidRequest, "amount must be positive")
	}
	if amount.Exponent() < -2 {
		return NewError(KindInvalidRequest, "amount supports at most two decimal places")
	}
	if len(currency) != 3 {
		return Errorf(KindInvalidRequest, "invalid currency %q", currency)
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return Errorf(KindInvalidRequest, "invalid currency %q", currency)
		}
	}
	return nil
}

// CompleteSCA records a passing SCA result and moves the payment to processing
func (p *Payment) CompleteSCA(at time.Time) error {
	if err := p.transition(PaymentStatusProcessing, at); err != nil {
		return err
	}
	p.SCACompletedAt = &at
	return nil
}

// Cancel moves a pending payment to cancelled
func (p *Payment) Cancel(at time.Time) error {
	if p.Status != PaymentStatusPending {
		return Errorf(KindPaymentNotCancellable, "payment is %s", p.Status)
	}
	if err := p.transition(PaymentStatusCancelled, at); err != nil {
		return err
	}
	p.FailureReason = "cancelled by user"
	return nil
}

// Settle applies the ledger verdict to a processing payment
func (p *Payment) Settle(s Settlement, at time.Time) error {
	next := PaymentStatusCompleted
	if !s.Succeeded {
		next = PaymentStatusFailed
	}
	if err := p.transition(next, at); err != nil {
		return err
	}
	p.SettledAt = &at
	if !s.Succeeded {
		p.FailureReason = s.Reason
		if p.FailureReason == "" {
			p.FailureReason = "rejected by ledger"
		}
	}
	return nil
}

func (p *Payment) transition(next PaymentStatus, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return Errorf(KindInvalidTransition, "payment cannot move from %s to %s", p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = at
	return nil
}
