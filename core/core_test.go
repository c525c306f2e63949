package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScopes(t *testing.T) {
	s, err := ParseScopes("payments  accounts")
	require.NoError(t, err)
	assert.Equal(t, Scopes{ScopeAccounts, ScopePayments}, s)
	assert.Equal(t, "accounts payments", s.String())

	for _, raw := range []string{"", "   ", "accounts loans", "balances balances"} {
		_, err := ParseScopes(raw)
		assert.ErrorIs(t, err, ErrInvalidScope, raw)
	}

	assert.True(t, NewScopes(ScopeBalances).SubsetOf(NewScopes(ScopeAccounts, ScopeBalances)))
	assert.False(t, NewScopes(ScopePayments).SubsetOf(NewScopes(ScopeAccounts)))
}

func TestPKCE(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, challenge, PKCEChallenge(verifier))
	assert.True(t, VerifyPKCE(verifier, challenge, PKCEMethodS256))
	assert.False(t, VerifyPKCE(verifier, challenge, "plain"))
	assert.False(t, VerifyPKCE(verifier+"x", challenge, PKCEMethodS256))
	assert.False(t, VerifyPKCE("short", PKCEChallenge("short"), PKCEMethodS256))
}

func TestSecretRedaction(t *testing.T) {
	s := NewSecret("plaintext-value")

	assert.Equal(t, "plaintext-value", s.Reveal())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "plaintext")

	data, err := json.Marshal(map[string]any{"secret": s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "plaintext")

	gen, err := GenerateSecret(32)
	require.NoError(t, err)
	assert.Len(t, gen.Reveal(), 43)
	assert.Len(t, HashToken(gen.Reveal()), 64)
}

func TestDeriveConsentKind(t *testing.T) {
	tests := []struct {
		name      string
		requested ConsentKind
		scopes    Scopes
		want      ConsentKind
		kind      Kind
	}{
		{name: "read only", scopes: NewScopes(ScopeAccounts, ScopeBalances), want: ConsentKindAIS},
		{name: "payments only", scopes: NewScopes(ScopePayments), want: ConsentKindPIS},
		{name: "mixed", scopes: NewScopes(ScopeAccounts, ScopePayments), want: ConsentKindCombined},
		{name: "funds check", requested: ConsentKindFundsCheck, scopes: NewScopes(ScopeBalances), want: ConsentKindFundsCheck},
		{name: "funds check too wide", requested: ConsentKindFundsCheck, scopes: NewScopes(ScopeAccounts, ScopeBalances), kind: KindInvalidScope},
		{name: "ais with payments", requested: ConsentKindAIS, scopes: NewScopes(ScopeAccounts, ScopePayments), kind: KindInvalidScope},
		{name: "unknown kind", requested: "loan", scopes: NewScopes(ScopeAccounts), kind: KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveConsentKind(tt.requested, tt.scopes)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsentLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	perms := PermissionsFromScopes(NewScopes(ScopeAccounts, ScopeTransactions))

	_, err := NewConsent("c", "app", ConsentKindAIS, perms, now, now.Add(MaxConsentValidity+time.Second))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	c, err := NewConsent("c", "app", ConsentKindAIS, perms, now, now.Add(MaxConsentValidity))
	require.NoError(t, err)
	assert.Equal(t, ConsentStatusPending, c.Status)
	assert.Error(t, c.CheckUsable(now))

	require.NoError(t, c.Authorize("user-1", []string{"acc-1"}, now))
	assert.NoError(t, c.CheckUsable(now.Add(time.Hour)))
	assert.True(t, c.CoversAccount("acc-1"))
	assert.False(t, c.CoversAccount("acc-2"))
	assert.ErrorIs(t, c.CheckUsable(c.ValidUntil), ErrConsentExpired)

	require.NoError(t, c.Revoke(RevokedByAdmin, "fraud", now.Add(time.Minute)))
	assert.ErrorIs(t, c.CheckUsable(now.Add(time.Hour)), ErrConsentRevoked)
	assert.True(t, c.Status.Terminal())

	// nothing leaves a terminal status
	assert.ErrorIs(t, c.Authorize("user-1", nil, now), ErrInvalidTransition)
	assert.ErrorIs(t, c.Expire(now), ErrInvalidTransition)
}

func TestPaymentTransitions(t *testing.T) {
	now := time.Now()
	p := &Payment{Status: PaymentStatusPending}

	require.NoError(t, p.CompleteSCA(now))
	assert.ErrorIs(t, p.Cancel(now), ErrPaymentNotCancellable)

	require.NoError(t, p.Settle(Settlement{Succeeded: false}, now))
	assert.Equal(t, PaymentStatusFailed, p.Status)
	assert.Equal(t, "rejected by ledger", p.FailureReason)
	assert.ErrorIs(t, p.Settle(Settlement{Succeeded: true}, now), ErrInvalidTransition)

	pending := &Payment{Status: PaymentStatusPending}
	require.NoError(t, pending.Cancel(now))
	assert.Equal(t, PaymentStatusCancelled, pending.Status)
}

func TestValidatePaymentAmount(t *testing.T) {
	assert.NoError(t, ValidatePaymentAmount(decimal.RequireFromString("25.50"), "EUR"))
	assert.Error(t, ValidatePaymentAmount(decimal.Zero, "EUR"))
	assert.Error(t, ValidatePaymentAmount(decimal.RequireFromString("1.005"), "EUR"))
	assert.Error(t, ValidatePaymentAmount(decimal.RequireFromString("10"), "eur"))
}

func TestValidateRedirectURIs(t *testing.T) {
	assert.NoError(t, ValidateRedirectURIs([]string{"https://tpp.example/cb", "http://localhost:8080/cb"}))

	for _, uris := range [][]string{
		nil,
		{"/relative"},
		{"https://tpp.example/cb#frag"},
		{" https://tpp.example/cb"},
		{"https://tpp.example/cb", "https://tpp.example/cb"},
	} {
		assert.ErrorIs(t, ValidateRedirectURIs(uris), ErrInvalidRequest, uris)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("exchange: %w", Errorf(KindInvalidGrant, "code %s", "used"))

	assert.True(t, errors.Is(err, ErrInvalidGrant))
	assert.False(t, errors.Is(err, ErrInvalidClient))
	assert.Equal(t, KindInvalidGrant, KindOf(err))
	assert.Equal(t, "code used", DescriptionOf(err))
	assert.Equal(t, KindServerError, KindOf(errors.New("boom")))
}
