package service

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/obgate/adapters/ledger"
	"github.com/layer-3/obgate/core"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentAccess(t *testing.T, h *harness, accounts ...string) *Access {
	t.Helper()
	a := h.registerApp(t, "accounts payments")
	pair := h.tokensFor(t, a, "payments", "user-1", accounts...)
	access, err := h.enforcer.Authorize(h.ctx, pair.AccessToken.Reveal(), core.ScopePayments)
	require.NoError(t, err)
	return access
}

func order(amount string) PaymentOrder {
	return PaymentOrder{
		DebtorAccount:   "user-1-current",
		CreditorAccount: "DE89370400440532013000",
		CreditorName:    "Landlord",
		Amount:          decimal.RequireFromString(amount),
		Currency:        "EUR",
		Reference:       "rent",
	}
}

func TestPaymentLifecycle(t *testing.T) {
	h := newHarness(t)
	access := paymentAccess(t, h)

	p, err := h.payments.Initiate(h.ctx, access.Consent, order("25.50"))
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusPending, p.Status)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("25.50")))
	assert.NotEmpty(t, p.SCAChallengeID)

	p, err = h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: p.SCAChallengeID, Outcome: core.SCAPassed})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusProcessing, p.Status)
	require.NotNil(t, p.SCACompletedAt)

	_, submitted := h.ledger.Submitted(p.ID)
	assert.True(t, submitted)

	p, err = h.payments.Settle(h.ctx, p.ID, core.Settlement{Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusCompleted, p.Status)
	require.NotNil(t, p.SettledAt)
	settledAt := *p.SettledAt

	h.clock.Advance(time.Minute)
	p, err = h.payments.Settle(h.ctx, p.ID, core.Settlement{Succeeded: false, Reason: "late duplicate"})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusCompleted, p.Status)
	assert.True(t, settledAt.Equal(*p.SettledAt))
	assert.Empty(t, p.FailureReason)
}

func TestPaymentSettlementFailure(t *testing.T) {
	h := newHarness(t)
	access := paymentAccess(t, h)

	p, err := h.payments.Initiate(h.ctx, access.Consent, order("10.00"))
	require.NoError(t, err)
	_, err = h.payments.Settle(h.ctx, p.ID, core.Settlement{Succeeded: true})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: p.SCAChallengeID, Outcome: core.SCAPassed})
	require.NoError(t, err)

	p, err = h.payments.Settle(h.ctx, p.ID, core.Settlement{Reason: "insufficient funds"})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusFailed, p.Status)
	assert.Equal(t, "insufficient funds", p.FailureReason)
}

func TestPaymentCancel(t *testing.T) {
	h := newHarness(t)
	access := paymentAccess(t, h)

	pending, err := h.payments.Initiate(h.ctx, access.Consent, order("5.00"))
	require.NoError(t, err)
	cancelled, err := h.payments.Cancel(h.ctx, access.Consent.ID, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusCancelled, cancelled.Status)

	processing, err := h.payments.Initiate(h.ctx, access.Consent, order("6.00"))
	require.NoError(t, err)
	_, err = h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, processing.ID, core.SCAResult{ChallengeID: processing.SCAChallengeID, Outcome: core.SCAPassed})
	require.NoError(t, err)
	_, err = h.payments.Cancel(h.ctx, access.Consent.ID, processing.ID)
	assert.ErrorIs(t, err, core.ErrPaymentNotCancellable)

	_, err = h.payments.Settle(h.ctx, processing.ID, core.Settlement{Succeeded: true})
	require.NoError(t, err)
	_, err = h.payments.Cancel(h.ctx, access.Consent.ID, processing.ID)
	assert.ErrorIs(t, err, core.ErrPaymentNotCancellable)
}

func TestPaymentSCAOutcomes(t *testing.T) {
	h := newHarness(t)
	access := paymentAccess(t, h)

	p, err := h.payments.Initiate(h.ctx, access.Consent, order("7.25"))
	require.NoError(t, err)

	_, err = h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: p.SCAChallengeID, Outcome: core.SCAFailed})
	assert.ErrorIs(t, err, core.ErrSCAFailed)
	_, err = h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: p.SCAChallengeID, Outcome: core.SCATimedOut})
	assert.ErrorIs(t, err, core.ErrSCARequired)
	_, err = h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: "other", Outcome: core.SCAPassed})
	assert.ErrorIs(t, err, core.ErrSCAFailed)

	stored, err := h.payments.Get(h.ctx, access.Consent.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusPending, stored.Status)

	// An expired challenge is replaced and the payment stays pending
	h.clock.Advance(core.DefaultSCATimeout)
	renewed, err := h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: p.SCAChallengeID, Outcome: core.SCAPassed})
	assert.ErrorIs(t, err, core.ErrSCARequired)
	require.NotNil(t, renewed)
	assert.Equal(t, core.PaymentStatusPending, renewed.Status)
	assert.NotEqual(t, p.SCAChallengeID, renewed.SCAChallengeID)

	done, err := h.payments.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: renewed.SCAChallengeID, Outcome: core.SCAPassed})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentStatusProcessing, done.Status)
}

func TestPaymentInitiateValidation(t *testing.T) {
	h := newHarness(t)
	access := paymentAccess(t, h, "user-1-current")

	_, err := h.payments.Initiate(h.ctx, access.Consent, order("0"))
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
	_, err = h.payments.Initiate(h.ctx, access.Consent, order("1.005"))
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	bad := order("1.00")
	bad.Currency = "euro"
	_, err = h.payments.Initiate(h.ctx, access.Consent, bad)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	other := order("1.00")
	other.DebtorAccount = "user-1-savings"
	_, err = h.payments.Initiate(h.ctx, access.Consent, other)
	assert.ErrorIs(t, err, core.ErrInsufficientScope)

	readOnly := *access.Consent
	readOnly.Permissions = core.Permissions{ReadAccounts: true}
	_, err = h.payments.Initiate(h.ctx, &readOnly, order("1.00"))
	assert.ErrorIs(t, err, core.ErrInsufficientScope)

	_, err = h.payments.Get(h.ctx, "another-consent", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// flakyLedger rejects the first submissions it sees
type flakyLedger struct {
	*ledger.SandboxLedger
	failures int
}

func (f *flakyLedger) SubmitPayment(ctx context.Context, p *core.Payment) error {
	if f.failures > 0 {
		f.failures--
		return core.NewError(core.KindTemporarilyUnavailable, "ledger down")
	}
	return f.SandboxLedger.SubmitPayment(ctx, p)
}

func TestPaymentResubmitAfterLedgerOutage(t *testing.T) {
	h := newHarness(t)
	access := paymentAccess(t, h)

	svc := NewPaymentService(h.store, &flakyLedger{SandboxLedger: h.ledger, failures: 1}, h.events, DefaultSettings(), nil)
	svc.now = h.clock.Now

	p, err := svc.Initiate(h.ctx, access.Consent, order("25.50"))
	require.NoError(t, err)

	p, err = svc.AuthorizeSCA(h.ctx, access.Consent.ID, p.ID, core.SCAResult{ChallengeID: p.SCAChallengeID, Outcome: core.SCAPassed})
	assert.ErrorIs(t, err, core.ErrTemporarilyUnavailable)
	require.NotNil(t, p)
	assert.Equal(t, core.PaymentStatusProcessing, p.Status)
	_, submitted := h.ledger.Submitted(p.ID)
	assert.False(t, submitted)

	p, err = svc.Resubmit(h.ctx, access.Consent.ID, p.ID)
	require.NoError(t, err)
	_, submitted = h.ledger.Submitted(p.ID)
	assert.True(t, submitted)
}
