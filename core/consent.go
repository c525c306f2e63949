package core

import "time"

// MaxConsentValidity is the ceiling on a consent's validity window
const MaxConsentValidity = 90 * 24 * time.Hour

// ConsentKind classifies what a consent is for
type ConsentKind string

const (
	ConsentKindAIS        ConsentKind = "ais"
	ConsentKindPIS        ConsentKind = "pis"
	ConsentKindFundsCheck ConsentKind = "funds_check"
	ConsentKindCombined   ConsentKind = "combined"
)

// ConsentStatus is the lifecycle status of a consent
type ConsentStatus string

const (
	ConsentStatusPending    ConsentStatus = "pending"
	ConsentStatusAuthorized ConsentStatus = "authorized"
	ConsentStatusRejected   ConsentStatus = "rejected"
	ConsentStatusRevoked    ConsentStatus = "revoked"
	ConsentStatusExpired    ConsentStatus = "expired"
)

// RevocationInitiator records who revoked a consent
type RevocationInitiator string

const (
	RevokedByUser  RevocationInitiator = "user"
	RevokedByAdmin RevocationInitiator = "admin"
)

var consentTransitions = map[ConsentStatus][]ConsentStatus{
	ConsentStatusPending:    {ConsentStatusAuthorized, ConsentStatusRejected},
	ConsentStatusAuthorized: {ConsentStatusRevoked, ConsentStatusExpired},
}

// CanTransitionTo reports whether s may move to next. Rejected, revoked and
// expired are terminal.
func (s ConsentStatus) CanTransitionTo(next ConsentStatus) bool {
	for _, allowed := range consentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s ConsentStatus) Terminal() bool {
	return len(consentTransitions[s]) == 0
}

// Permissions are the granted-permission flags of a consent
type Permissions struct {
	ReadAccounts     bool
	ReadBalances     bool
	ReadTransactions bool
	InitiatePayments bool
}

// PermissionsFromScopes maps a scope set to permission flags
func PermissionsFromScopes(s Scopes) Permissions {
	return Permissions{
		ReadAccounts:     s.Contains(ScopeAccounts),
		ReadBalances:     s.Contains(ScopeBalances),
		ReadTransactions: s.Contains(ScopeTransactions),
		InitiatePayments: s.Contains(ScopePayments),
	}
}

// Scopes maps permission flags back to the scope set
func (p Permissions) Scopes() Scopes {
	var out Scopes
	if p.ReadAccounts {
		out = append(out, ScopeAccounts)
	}
	if p.ReadBalances {
		out = append(out, ScopeBalances)
	}
	if p.ReadTransactions {
		out = append(out, ScopeTransactions)
	}
	if p.InitiatePayments {
		out = append(out, ScopePayments)
	}
	return out
}

// DeriveConsentKind picks the consent kind for a requested scope set, or
// validates an explicitly requested kind against it.
func DeriveConsentKind(requested ConsentKind, s Scopes) (ConsentKind, error) {
	hasRead := s.Contains(ScopeAccounts) || s.Contains(ScopeBalances) || s.Contains(ScopeTransactions)
	hasPay := s.Contains(ScopePayments)

	if requested == "" {
		switch {
		case hasRead && hasPay:
			return ConsentKindCombined, nil
		case hasPay:
			return ConsentKindPIS, nil
		case hasRead:
			return ConsentKindAIS, nil
		}
		return "", NewError(KindInvalidScope, "scope is required")
	}

	switch requested {
	case ConsentKindAIS:
		if hasRead && !hasPay {
			return requested, nil
		}
	case ConsentKindPIS:
		if hasPay && !hasRead {
			return requested, nil
		}
	case ConsentKindFundsCheck:
		if len(s) == 1 && s[0] == ScopeBalances {
			return requested, nil
		}
	case ConsentKindCombined:
		if len(s) > 0 {
			return requested, nil
		}
	default:
		return "", Errorf(KindInvalidRequest, "unknown consent_type %q", requested)
	}
	return "", Errorf(KindInvalidScope, "scope %q is not compatible with consent_type %s", s.String(), requested)
}

// Consent is a user's scoped, time-boxed grant to one app
type Consent struct {
	ID               string
	UserID           string
	AppID            string
	Kind             ConsentKind
	Permissions      Permissions
	AccountIDs       []string
	Status           ConsentStatus
	ValidFrom        time.Time
	ValidUntil       time.Time
	AuthorizedAt     *time.Time
	RevokedAt        *time.Time
	RevokedBy        RevocationInitiator
	RevocationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewConsent creates a pending consent, enforcing the validity ceiling
func NewConsent(id, appID string, kind ConsentKind, perms Permissions, validFrom, validUntil time.Time) (*Consent, error) {
	if !validUntil.After(validFrom) {
		return nil, NewError(KindInvalidRequest, "consent validity window is empty")
	}
	if validUntil.Sub(validFrom) > MaxConsentValidity {
		return nil, NewError(KindInvalidRequest, "consent validity exceeds 90 days")
	}
	return &Consent{
		ID:          id,
		AppID:       appID,
		Kind:        kind,
		Permissions: perms,
		Status:      ConsentStatusPending,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
		CreatedAt:   validFrom,
		UpdatedAt:   validFrom,
	}, nil
}

// Scopes returns the granted scope set
func (c *Consent) Scopes() Scopes {
	return c.Permissions.Scopes()
}

// Lapsed reports whether the validity window has ended at now
func (c *Consent) Lapsed(now time.Time) bool {
	return !now.Before(c.ValidUntil)
}

// CoversAccount reports whether accountID is within the consent's account
// restriction. An empty restriction covers every account.
func (c *Consent) CoversAccount(accountID string) bool {
	if len(c.AccountIDs) == 0 {
		return true
	}
	for _, id := range c.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// CheckUsable returns the caller-facing error for a consent that cannot back
// a credential at now, or nil.
func (c *Consent) CheckUsable(now time.Time) error {
	switch c.Status {
	case ConsentStatusAuthorized:
		if c.Lapsed(now) || now.Before(c.ValidFrom) {
			return ErrConsentExpired
		}
		return nil
	case ConsentStatusExpired:
		return ErrConsentExpired
	case ConsentStatusRevoked, ConsentStatusRejected:
		return ErrConsentRevoked
	}
	return NewError(KindConsentRevoked, "consent is not authorized")
}

// Authorize moves a pending consent to authorized on behalf of userID
func (c *Consent) Authorize(userID string, accountIDs []string, at time.Time) error {
	if err := c.transition(ConsentStatusAuthorized, at); err != nil {
		return err
	}
	c.UserID = userID
	c.AccountIDs = append([]string(nil), accountIDs...)
	c.AuthorizedAt = &at
	return nil
}

// Reject moves a pending consent to rejected
func (c *Consent) Reject(userID string, at time.Time) error {
	if err := c.transition(ConsentStatusRejected, at); err != nil {
		return err
	}
	c.UserID = userID
	return nil
}

// Revoke moves an authorized consent to revoked
func (c *Consent) Revoke(by RevocationInitiator, reason string, at time.Time) error {
	if err := c.transition(ConsentStatusRevoked, at); err != nil {
		return err
	}
	c.RevokedAt = &at
	c.RevokedBy = by
	c.RevocationReason = reason
	return nil
}

// Expire moves an authorized consent to expired
func (c *Consent) Expire(at time.Time) error {
	return c.transition(ConsentStatusExpired, at)
}

func (c *Consent) transition(next ConsentStatus, at time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return Errorf(KindInvalidTransition, "consent cannot move from %s to %s", c.Status, next)
	}
	c.Status = next
	c.UpdatedAt = at
	return nil
}
