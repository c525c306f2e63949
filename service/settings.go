package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/obgate/core"
)

// Settings are the lifetimes and switches shared by the services
type Settings struct {
	CodeTTL    time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RequestTTL bounds how long the user has to decide on a consent screen
	RequestTTL time.Duration

	// ConsentValidity is used when the client does not ask for a validity window
	ConsentValidity time.Duration
	SCATimeout      time.Duration

	RotateRefreshTokens bool
	DefaultQuota        core.Quota
}

// DefaultSettings returns the production defaults
func DefaultSettings() Settings {
	return Settings{
		CodeTTL:             core.DefaultCodeTTL,
		AccessTTL:           core.DefaultAccessTTL,
		RefreshTTL:          core.DefaultRefreshTTL,
		RequestTTL:          core.DefaultRequestTTL,
		ConsentValidity:     core.MaxConsentValidity,
		SCATimeout:          core.DefaultSCATimeout,
		RotateRefreshTokens: true,
		DefaultQuota: core.Quota{
			PerMinute: core.DefaultRateLimitPerMinute,
			PerDay:    core.DefaultRateLimitPerDay,
		},
	}
}

// lookupErr converts a store miss into not_found and wraps anything else
func lookupErr(err error, what string) error {
	if errors.Is(err, core.ErrRecordNotFound) {
		return core.Errorf(core.KindNotFound, "%s not found", what)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
