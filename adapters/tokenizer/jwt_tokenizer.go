package tokenizer

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
)

const AudienceConsentTicket = "consent:ticket"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return &JWTTokenizer{signKey: signKey}
}

// LoadSigningKey reads a PEM encoded EC private key
func LoadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not an EC key", path)
	}
	return key, nil
}

// TicketToToken converts a ConsentTicket to a JWT token
func (j *JWTTokenizer) TicketToToken(ticket *core.ConsentTicket) (string, error) {
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ticket.RequestID,
			ExpiresAt: jwt.NewNumericDate(ticket.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(ticket.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceConsentTicket},
		},
		ConsentID: ticket.ConsentID,
		AppID:     ticket.AppID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// TokenToTicket converts a JWT token to a ConsentTicket
func (j *JWTTokenizer) TokenToTicket(tokenStr string) (*core.ConsentTicket, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceConsentTicket), jwt.WithExpirationRequired())
	if err != nil {
		return nil, core.WrapError(core.KindInvalidRequest, "invalid consent handle", err)
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, core.NewError(core.KindInvalidRequest, "invalid consent handle")
	}

	return &core.ConsentTicket{
		RequestID: claims.ID,
		ConsentID: claims.ConsentID,
		AppID:     claims.AppID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
