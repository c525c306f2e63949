package ports

import "github.com/layer-3/obgate/core"

// Tokenizer converts between domain objects and signed tokens
type Tokenizer interface {
	// Consent ticket operations
	TicketToToken(ticket *core.ConsentTicket) (string, error)
	TokenToTicket(token string) (*core.ConsentTicket, error)
}

// SessionVerifier authenticates end users from the bank's own session token
type SessionVerifier interface {
	Verify(token string) (*core.Identity, error)
}

// SecretHasher hashes app secrets for storage
type SecretHasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) bool
}
