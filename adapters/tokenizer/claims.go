package tokenizer

import "github.com/golang-jwt/jwt/v5"

// TicketClaims combines standard claims with consent-ticket ones
type TicketClaims struct {
	jwt.RegisteredClaims
	ConsentID string `json:"cid"`
	AppID     string `json:"azp"`
}

// SessionClaims are issued by the bank's own login system
type SessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}
