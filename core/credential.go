package core

import "time"

// CredentialType tags the kind of bearer credential
type CredentialType string

const (
	CredentialAuthorizationCode CredentialType = "authorization_code"
	CredentialAccessToken       CredentialType = "access_token"
	CredentialRefreshToken      CredentialType = "refresh_token"
)

const (
	// DefaultCodeTTL is the lifetime of an authorization code
	DefaultCodeTTL = 10 * time.Minute

	// DefaultAccessTTL is the lifetime of an access token
	DefaultAccessTTL = time.Hour

	// DefaultRefreshTTL is the lifetime of a refresh token
	DefaultRefreshTTL = 30 * 24 * time.Hour

	// DefaultRequestTTL is how long a consent screen stays answerable
	DefaultRequestTTL = 15 * time.Minute
)

// Credential is an authorization code, access token or refresh token. Only
// the hash of its value is stored.
type Credential struct {
	ID        string
	Type      CredentialType
	Hash      string
	UserID    string
	AppID     string
	ConsentID string
	Scopes    Scopes

	// GrantID is the id of the authorization code the credential descends
	// from; ParentID is the credential that directly produced it. A code's
	// parent is the authorization request it was issued for.
	GrantID  string
	ParentID string

	// Set on authorization codes only
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Consumed            bool
	ConsumedAt          *time.Time

	Revoked   bool
	RevokedAt *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the credential's lifetime ended at now
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IssuedCredential pairs a stored record with its plaintext value, which is
// never persisted.
type IssuedCredential struct {
	Credential Credential
	Value      Secret
}
