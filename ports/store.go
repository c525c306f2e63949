package ports

import (
	"context"
	"time"

	"github.com/layer-3/obgate/core"
)

// AppStore persists registered applications. Misses return core.ErrRecordNotFound.
type AppStore interface {
	CreateApp(ctx context.Context, app *core.ThirdPartyApp) error
	GetApp(ctx context.Context, id string) (*core.ThirdPartyApp, error)
	ListAppsByDeveloper(ctx context.Context, developerID string) ([]*core.ThirdPartyApp, error)
	UpdateApp(ctx context.Context, app *core.ThirdPartyApp) error
}

// ConsentStore persists consents. UpdateConsent is a compare-and-set on the
// stored status: it writes c only if the stored status still equals expected
// and returns core.ErrConflict otherwise.
type ConsentStore interface {
	CreateConsent(ctx context.Context, c *core.Consent) error
	GetConsent(ctx context.Context, id string) (*core.Consent, error)
	ListConsentsByUser(ctx context.Context, userID string) ([]*core.Consent, error)
	UpdateConsent(ctx context.Context, c *core.Consent, expected core.ConsentStatus) error

	// ListLapsedConsents returns authorized consents whose validity ended at or before now
	ListLapsedConsents(ctx context.Context, now time.Time, limit int) ([]*core.Consent, error)
}

// AuthRequestStore persists in-flight authorization handshakes. UpdateAuthRequest
// is a compare-and-set on the stage.
type AuthRequestStore interface {
	CreateAuthRequest(ctx context.Context, r *core.AuthorizationRequest) error
	GetAuthRequest(ctx context.Context, id string) (*core.AuthorizationRequest, error)
	UpdateAuthRequest(ctx context.Context, r *core.AuthorizationRequest, expected core.AuthRequestStage) error
	DeleteExpiredAuthRequests(ctx context.Context, before time.Time) (int, error)
}

// CredentialStore persists bearer credentials by hash. It is the only writer
// of the consumed and revoked flags.
type CredentialStore interface {
	// InsertCredentials stores all given credentials or none of them
	InsertCredentials(ctx context.Context, creds ...*core.Credential) error
	GetCredential(ctx context.Context, id string) (*core.Credential, error)
	GetCredentialByHash(ctx context.Context, hash string) (*core.Credential, error)

	// ConsumeCode marks an authorization code consumed. It returns
	// core.ErrAlreadyConsumed when another caller consumed it first.
	ConsumeCode(ctx context.Context, id string, at time.Time) error

	// RevokeCredential marks one credential revoked. It returns core.ErrConflict
	// when the credential was already revoked.
	RevokeCredential(ctx context.Context, id string, at time.Time) error

	// RevokeByParent revokes every live credential produced directly by parentID
	RevokeByParent(ctx context.Context, parentID string, at time.Time) (int, error)

	// RevokeByGrant revokes every live credential descended from an authorization code
	RevokeByGrant(ctx context.Context, grantID string, at time.Time) (int, error)

	// DeleteExpiredCredentials removes credentials whose lifetime ended before
	// the given instant. Codes with a credential of their grant left are kept.
	DeleteExpiredCredentials(ctx context.Context, before time.Time) (int, error)
}

// PaymentStore persists payments. UpdatePayment is a compare-and-set on status.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *core.Payment) error
	GetPayment(ctx context.Context, id string) (*core.Payment, error)
	UpdatePayment(ctx context.Context, p *core.Payment, expected core.PaymentStatus) error
}

// Store bundles every record store behind one backend
type Store interface {
	AppStore
	ConsentStore
	AuthRequestStore
	CredentialStore
	PaymentStore
}
