package core

import (
	"net/url"
	"strings"
	"time"
)

// AppStatus is the lifecycle status of a third-party application
type AppStatus string

const (
	AppStatusSandbox   AppStatus = "sandbox"
	AppStatusPending   AppStatus = "pending"
	AppStatusApproved  AppStatus = "approved"
	AppStatusSuspended AppStatus = "suspended"
	AppStatusRevoked   AppStatus = "revoked"
)

const (
	// DefaultRateLimitPerMinute is the per-minute request quota given to new apps
	DefaultRateLimitPerMinute = 60

	// DefaultRateLimitPerDay is the per-day request quota given to new apps
	DefaultRateLimitPerDay = 10000
)

var appTransitions = map[AppStatus][]AppStatus{
	AppStatusSandbox:   {AppStatusPending, AppStatusApproved, AppStatusSuspended, AppStatusRevoked},
	AppStatusPending:   {AppStatusApproved, AppStatusSandbox, AppStatusSuspended, AppStatusRevoked},
	AppStatusApproved:  {AppStatusSuspended, AppStatusRevoked},
	AppStatusSuspended: {AppStatusApproved, AppStatusRevoked},
}

// Valid reports whether s is a known status
func (s AppStatus) Valid() bool {
	switch s {
	case AppStatusSandbox, AppStatusPending, AppStatusApproved, AppStatusSuspended, AppStatusRevoked:
		return true
	}
	return false
}

// CanTransitionTo reports whether an administrative action may move s to next
func (s AppStatus) CanTransitionTo(next AppStatus) bool {
	for _, allowed := range appTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanAuthorize reports whether apps in this status may run the handshake
func (s AppStatus) CanAuthorize() bool {
	return s == AppStatusApproved || s == AppStatusSandbox
}

// ThirdPartyApp is a registered application
type ThirdPartyApp struct {
	ID                 string
	DeveloperID        string
	Name               string
	Description        string
	SecretHash         string
	RedirectURIs       []string
	AllowedScopes      Scopes
	Status             AppStatus
	RateLimitPerMinute int
	RateLimitPerDay    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasRedirectURI reports whether uri is registered verbatim
func (a *ThirdPartyApp) HasRedirectURI(uri string) bool {
	for _, r := range a.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// TransitionTo applies an administrative status change
func (a *ThirdPartyApp) TransitionTo(next AppStatus, at time.Time) error {
	if !next.Valid() {
		return Errorf(KindInvalidRequest, "unknown app status %q", next)
	}
	if !a.Status.CanTransitionTo(next) {
		return Errorf(KindInvalidTransition, "app cannot move from %s to %s", a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = at
	return nil
}

// ValidateRedirectURIs checks that every target is an absolute location
// without a fragment and that none is repeated.
func ValidateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return NewError(KindInvalidRequest, "at least one redirect_uri is required")
	}
	seen := make(map[string]struct{}, len(uris))
	for _, raw := range uris {
		if strings.TrimSpace(raw) != raw || raw == "" {
			return Errorf(KindInvalidRequest, "malformed redirect_uri %q", raw)
		}
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" || u.Fragment != "" {
			return Errorf(KindInvalidRequest, "malformed redirect_uri %q", raw)
		}
		if _, dup := seen[raw]; dup {
			return Errorf(KindInvalidRequest, "duplicate redirect_uri %q", raw)
		}
		seen[raw] = struct{}{}
	}
	return nil
}
