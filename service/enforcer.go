package service

import (
	"context"
	"errors"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"go.uber.org/zap"
)

// Access is what a bearer credential was found to permit
type Access struct {
	Credential *core.Credential
	Consent    *core.Consent
	App        *core.ThirdPartyApp
	Rate       core.RateDecision
}

// CheckAccount fails with insufficient_scope when accountID is outside the
// consent's account restriction.
func (a *Access) CheckAccount(accountID string) error {
	if !a.Consent.CoversAccount(accountID) {
		return core.Errorf(core.KindInsufficientScope, "consent does not cover account %s", accountID)
	}
	return nil
}

// Enforcer is the Access Enforcer. It runs in front of every account and
// payment call.
type Enforcer struct {
	tokens   *TokenService
	consents *ConsentService
	apps     ports.AppStore
	limiter  ports.RateLimiter
	logger   *zap.Logger
	now      func() time.Time
}

// NewEnforcer creates a new access enforcer
func NewEnforcer(tokens *TokenService, consents *ConsentService, apps ports.AppStore, limiter ports.RateLimiter, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		tokens:   tokens,
		consents: consents,
		apps:     apps,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}
}

// Validate checks that a bearer value is a live token backed by a usable
// consent. It reads the consent record on every call.
func (e *Enforcer) Validate(ctx context.Context, bearer string) (*core.Credential, *core.Consent, error) {
	cred, err := e.tokens.Lookup(ctx, bearer)
	if err != nil {
		return nil, nil, err
	}
	if cred.Type == core.CredentialAuthorizationCode {
		return nil, nil, core.NewError(core.KindInvalidToken, "token is not recognised")
	}

	now := e.now()
	if cred.Revoked {
		return nil, nil, core.NewError(core.KindInvalidToken, "token has been revoked")
	}
	if cred.Expired(now) {
		return nil, nil, core.NewError(core.KindInvalidToken, "token has expired")
	}

	consent, err := e.consents.Get(ctx, cred.ConsentID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil, core.NewError(core.KindConsentRevoked, "consent no longer exists")
	}
	if err != nil {
		return nil, nil, err
	}
	if err := consent.CheckUsable(now); err != nil {
		return cred, consent, err
	}
	return cred, consent, nil
}

// Authorize runs every check for a call that needs the required scope, then
// counts it against the app's quota. The returned Access carries the rate
// decision even when the call is limited.
func (e *Enforcer) Authorize(ctx context.Context, bearer string, required core.Scope) (*Access, error) {
	cred, consent, err := e.Validate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if cred.Type != core.CredentialAccessToken {
		return nil, core.NewError(core.KindInvalidToken, "an access token is required")
	}
	if !cred.Scopes.Contains(required) {
		return nil, core.Errorf(core.KindInsufficientScope, "scope %s is required", required)
	}

	app, err := e.apps.GetApp(ctx, cred.AppID)
	if err != nil {
		return nil, lookupErr(err, "app")
	}
	if !app.Status.CanAuthorize() {
		return nil, core.Errorf(core.KindInvalidToken, "client is %s", app.Status)
	}

	decision, err := e.limiter.Allow(ctx, app.ID, core.QuotaOf(app))
	if err != nil {
		e.logger.Error("rate limiter unavailable", zap.String("app_id", app.ID), zap.Error(err))
		return nil, core.WrapError(core.KindTemporarilyUnavailable, "rate limiter unavailable", err)
	}

	access := &Access{Credential: cred, Consent: consent, App: app, Rate: decision}
	if !decision.Allowed {
		e.logger.Debug("request rate limited", zap.String("app_id", app.ID))
		return access, core.NewError(core.KindRateLimited, "request quota exceeded")
	}
	return access, nil
}
