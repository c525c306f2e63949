package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const redacted = "[REDACTED]"

// Secret holds a plaintext credential on its way to the caller. Formatting
// and JSON encoding redact it; only Reveal returns the value.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext value
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the plaintext
func (s Secret) Reveal() string { return s.value }

// Empty reports whether no value is held
func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// GenerateSecret returns a random URL-safe value built from n random bytes
func GenerateSecret(n int) (Secret, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return Secret{}, err
	}
	return NewSecret(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// HashToken returns the one-way hash under which a bearer value is stored
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
