package hasher

import (
	"fmt"

	"github.com/layer-3/obgate/ports"
	"golang.org/x/crypto/bcrypt"
)

// BcryptHasher hashes app secrets with bcrypt
type BcryptHasher struct {
	cost int
}

var _ ports.SecretHasher = (*BcryptHasher)(nil)

// NewBcryptHasher creates a hasher. A cost below bcrypt.MinCost selects the default.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

func (h *BcryptHasher) Compare(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
