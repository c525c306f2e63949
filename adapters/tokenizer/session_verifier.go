package tokenizer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
)

const AudienceBankSession = "bank:session"

// HMACSessions verifies HS256 session tokens minted by the bank's login system
type HMACSessions struct {
	secret []byte
}

var _ ports.SessionVerifier = (*HMACSessions)(nil)

// NewHMACSessions creates a verifier for the shared session secret
func NewHMACSessions(secret string) *HMACSessions {
	return &HMACSessions{secret: []byte(secret)}
}

// Verify parses a session token into the authenticated identity
func (h *HMACSessions) Verify(tokenStr string) (*core.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	}, jwt.WithAudience(AudienceBankSession), jwt.WithExpirationRequired())
	if err != nil {
		return nil, core.WrapError(core.KindInvalidToken, "invalid session", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, core.NewError(core.KindInvalidToken, "invalid session")
	}

	role := core.Role(claims.Role)
	if role != core.RoleAdmin {
		role = core.RoleCustomer
	}
	return &core.Identity{
		UserID:    claims.Subject,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Sign mints a session token. The bank's login system owns this in
// production; it is used by the sandbox CLI and tests.
func (h *HMACSessions) Sign(identity core.Identity, now time.Time, ttl time.Duration) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  jwt.ClaimStrings{AudienceBankSession},
		},
		Role: string(identity.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}
