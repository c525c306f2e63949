package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"go.uber.org/zap"
)

const credentialBytes = 32

// TokenService is the Token Store: it issues bearer credentials, finds them
// by hash and is the only writer of their consumed and revoked flags.
type TokenService struct {
	creds    ports.CredentialStore
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// NewTokenService creates a new token store service
func NewTokenService(creds ports.CredentialStore, settings Settings, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		creds:    creds,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *TokenService) ttl(typ core.CredentialType) time.Duration {
	switch typ {
	case core.CredentialAuthorizationCode:
		return s.settings.CodeTTL
	case core.CredentialRefreshToken:
		return s.settings.RefreshTTL
	}
	return s.settings.AccessTTL
}

// Mint builds a credential bound to consent and its plaintext value. Nothing
// is stored until Persist.
func (s *TokenService) Mint(typ core.CredentialType, consent *core.Consent, scopes core.Scopes, grantID, parentID string) (core.IssuedCredential, error) {
	value, err := core.GenerateSecret(credentialBytes)
	if err != nil {
		return core.IssuedCredential{}, fmt.Errorf("failed to generate %s: %w", typ, err)
	}
	now := s.now()
	return core.IssuedCredential{
		Credential: core.Credential{
			ID:        uuid.New().String(),
			Type:      typ,
			Hash:      core.HashToken(value.Reveal()),
			UserID:    consent.UserID,
			AppID:     consent.AppID,
			ConsentID: consent.ID,
			Scopes:    scopes.Normalize(),
			GrantID:   grantID,
			ParentID:  parentID,
			ExpiresAt: now.Add(s.ttl(typ)),
			CreatedAt: now,
		},
		Value: value,
	}, nil
}

// Persist stores every minted credential or none of them
func (s *TokenService) Persist(ctx context.Context, issued ...*core.IssuedCredential) error {
	creds := make([]*core.Credential, len(issued))
	for i, ic := range issued {
		creds[i] = &ic.Credential
	}
	if err := s.creds.InsertCredentials(ctx, creds...); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// Lookup finds a credential by its plaintext value. A miss is invalid_token.
func (s *TokenService) Lookup(ctx context.Context, value string) (*core.Credential, error) {
	if value == "" {
		return nil, core.NewError(core.KindInvalidToken, "token is missing")
	}
	cred, err := s.creds.GetCredentialByHash(ctx, core.HashToken(value))
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.NewError(core.KindInvalidToken, "token is not recognised")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return cred, nil
}

// Get returns a credential by id
func (s *TokenService) Get(ctx context.Context, id string) (*core.Credential, error) {
	cred, err := s.creds.GetCredential(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "credential")
	}
	return cred, nil
}

// Consume marks an authorization code used. It returns core.ErrAlreadyConsumed
// to every caller but the first.
func (s *TokenService) Consume(ctx context.Context, codeID string) error {
	if err := s.creds.ConsumeCode(ctx, codeID, s.now()); err != nil {
		if errors.Is(err, core.ErrAlreadyConsumed) {
			return err
		}
		return fmt.Errorf("failed to consume code: %w", err)
	}
	return nil
}

// Retire revokes a single credential. It returns core.ErrConflict when
// another caller revoked it first.
func (s *TokenService) Retire(ctx context.Context, id string) error {
	if err := s.creds.RevokeCredential(ctx, id, s.now()); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	return nil
}

// Revoke revokes cred together with what it produced: a refresh token takes
// its access tokens with it, a code takes its whole grant.
func (s *TokenService) Revoke(ctx context.Context, cred *core.Credential) (int, error) {
	err := s.Retire(ctx, cred.ID)
	if errors.Is(err, core.ErrConflict) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	revoked := 1
	switch cred.Type {
	case core.CredentialRefreshToken:
		n, err := s.creds.RevokeByParent(ctx, cred.ID, s.now())
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke derived tokens: %w", err)
		}
		revoked += n
	case core.CredentialAuthorizationCode:
		n, err := s.RevokeGrant(ctx, cred.ID)
		if err != nil {
			return revoked, err
		}
		revoked += n
	}
	return revoked, nil
}

// RevokeGrant revokes every credential descended from an authorization code
func (s *TokenService) RevokeGrant(ctx context.Context, codeID string) (int, error) {
	n, err := s.creds.RevokeByGrant(ctx, codeID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grant: %w", err)
	}
	return n, nil
}

// Purge deletes credentials whose lifetime ended before the given instant.
// An authorization code outlives that cut while any credential of its grant
// is still stored.
func (s *TokenService) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := s.creds.DeleteExpiredCredentials(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired credentials: %w", err)
	}
	return n, nil
}
