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
	"go.uber.org/zap"
)

const appSecretBytes = 32

// AppRegistration is the metadata a developer submits for a new app
type AppRegistration struct {
	DeveloperID  string
	Name         string
	Description  string
	RedirectURIs []string
	Scope        string
}

// AppUpdate carries the mutable app fields. Nil fields are left unchanged.
type AppUpdate struct {
	Name         *string
	Description  *string
	RedirectURIs []string
}

// RegistryService owns third-party application identity and credentials
type RegistryService struct {
	apps   ports.AppStore
	hasher ports.SecretHasher
	quota  core.Quota
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistryService creates a new app registry
func NewRegistryService(apps ports.AppStore, hasher ports.SecretHasher, settings Settings, logger *zap.Logger) *RegistryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryService{
		apps:   apps,
		hasher: hasher,
		quota:  settings.DefaultQuota,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates an app in sandbox status. The returned secret is the only
// copy of the plaintext.
func (s *RegistryService) Register(ctx context.Context, reg AppRegistration) (*core.ThirdPartyApp, core.Secret, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, core.Secret{}, core.NewError(core.KindInvalidRequest, "name is required")
	}
	if reg.DeveloperID == "" {
		return nil, core.Secret{}, core.NewError(core.KindInvalidRequest, "developer is required")
	}
	if err := core.ValidateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, core.Secret{}, err
	}
	scopes, err := core.ParseScopes(reg.Scope)
	if err != nil {
		return nil, core.Secret{}, err
	}

	secret, hash, err := s.newSecret()
	if err != nil {
		return nil, core.Secret{}, err
	}

	now := s.now()
	app := &core.ThirdPartyApp{
		ID:                 uuid.New().String(),
		DeveloperID:        reg.DeveloperID,
		Name:               name,
		Description:        strings.TrimSpace(reg.Description),
		SecretHash:         hash,
		RedirectURIs:       append([]string(nil), reg.RedirectURIs...),
		AllowedScopes:      scopes,
		Status:             core.AppStatusSandbox,
		RateLimitPerMinute: s.quota.PerMinute,
		RateLimitPerDay:    s.quota.PerDay,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.apps.CreateApp(ctx, app); err != nil {
		return nil, core.Secret{}, fmt.Errorf("failed to store app: %w", err)
	}

	s.logger.Info("app registered",
		zap.String("app_id", app.ID),
		zap.String("developer_id", app.DeveloperID),
		zap.String("scopes", scopes.String()))
	return app, secret, nil
}

// Rotate replaces the app secret. The previous secret stops working at once.
func (s *RegistryService) Rotate(ctx context.Context, developerID, appID string) (*core.ThirdPartyApp, core.Secret, error) {
	app, err := s.Get(ctx, developerID, appID)
	if err != nil {
		return nil, core.Secret{}, err
	}
	if app.Status == core.AppStatusRevoked {
		return nil, core.Secret{}, core.NewError(core.KindInvalidTransition, "app is revoked")
	}

	secret, hash, err := s.newSecret()
	if err != nil {
		return nil, core.Secret{}, err
	}
	app.SecretHash = hash
	app.UpdatedAt = s.now()
	if err := s.apps.UpdateApp(ctx, app); err != nil {
		return nil, core.Secret{}, fmt.Errorf("failed to store app: %w", err)
	}

	s.logger.Info("app secret rotated", zap.String("app_id", app.ID))
	return app, secret, nil
}

// SetStatus applies an administrative status transition
func (s *RegistryService) SetStatus(ctx context.Context, appID string, status core.AppStatus) (*core.ThirdPartyApp, error) {
	app, err := s.apps.GetApp(ctx, appID)
	if err != nil {
		return nil, lookupErr(err, "app")
	}
	previous := app.Status
	if err := app.TransitionTo(status, s.now()); err != nil {
		return nil, err
	}
	if err := s.apps.UpdateApp(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to store app: %w", err)
	}

	s.logger.Info("app status changed",
		zap.String("app_id", app.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(status)))
	return app, nil
}

// Get returns an app owned by developerID
func (s *RegistryService) Get(ctx context.Context, developerID, appID string) (*core.ThirdPartyApp, error) {
	app, err := s.apps.GetApp(ctx, appID)
	if err != nil {
		return nil, lookupErr(err, "app")
	}
	if app.DeveloperID != developerID {
		return nil, core.NewError(core.KindNotFound, "app not found")
	}
	return app, nil
}

// List returns the apps owned by developerID
func (s *RegistryService) List(ctx context.Context, developerID string) ([]*core.ThirdPartyApp, error) {
	apps, err := s.apps.ListAppsByDeveloper(ctx, developerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	return apps, nil
}

// Update changes an app's descriptive fields and redirect targets
func (s *RegistryService) Update(ctx context.Context, developerID, appID string, upd AppUpdate) (*core.ThirdPartyApp, error) {
	app, err := s.Get(ctx, developerID, appID)
	if err != nil {
		return nil, err
	}
	if app.Status == core.AppStatusRevoked {
		return nil, core.NewError(core.KindInvalidTransition, "app is revoked")
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, core.NewError(core.KindInvalidRequest, "name is required")
		}
		app.Name = name
	}
	if upd.Description != nil {
		app.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.RedirectURIs != nil {
		if err := core.ValidateRedirectURIs(upd.RedirectURIs); err != nil {
			return nil, err
		}
		app.RedirectURIs = append([]string(nil), upd.RedirectURIs...)
	}
	app.UpdatedAt = s.now()

	if err := s.apps.UpdateApp(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to store app: %w", err)
	}
	return app, nil
}

// Delete retires an app. The record is kept with status revoked.
func (s *RegistryService) Delete(ctx context.Context, developerID, appID string) error {
	if _, err := s.Get(ctx, developerID, appID); err != nil {
		return err
	}
	_, err := s.SetStatus(ctx, appID, core.AppStatusRevoked)
	return err
}

// Authenticate checks client credentials. Unknown apps and bad secrets are
// indistinguishable to the caller.
func (s *RegistryService) Authenticate(ctx context.Context, appID, secret string) (*core.ThirdPartyApp, error) {
	if appID == "" || secret == "" {
		return nil, core.NewError(core.KindInvalidClient, "client authentication failed")
	}
	app, err := s.apps.GetApp(ctx, appID)
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.NewError(core.KindInvalidClient, "client authentication failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load app: %w", err)
	}
	if !s.hasher.Compare(app.SecretHash, secret) {
		return nil, core.NewError(core.KindInvalidClient, "client authentication failed")
	}
	if app.Status == core.AppStatusRevoked {
		return nil, core.NewError(core.KindInvalidClient, "client is revoked")
	}
	return app, nil
}

// Lookup returns an app by its public identifier without authenticating it
func (s *RegistryService) Lookup(ctx context.Context, appID string) (*core.ThirdPartyApp, error) {
	app, err := s.apps.GetApp(ctx, appID)
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.NewError(core.KindInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load app: %w", err)
	}
	return app, nil
}

func (s *RegistryService) newSecret() (core.Secret, string, error) {
	secret, err := core.GenerateSecret(appSecretBytes)
	if err != nil {
		return core.Secret{}, "", fmt.Errorf("failed to generate secret: %w", err)
	}
	hash, err := s.hasher.Hash(secret.Reveal())
	if err != nil {
		return core.Secret{}, "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return secret, hash, nil
}
