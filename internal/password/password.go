// Package password wraps argon2id hashing with the service's fixed
// parameters.
package password

import (
	"fmt"

	"github.com/matthewhartstonge/argon2"
)

// Hash derives an encoded argon2id hash of the plaintext password.
func Hash(plain string) (string, error) {
	cfg := argon2.DefaultConfig()
	encoded, err := cfg.HashEncoded([]byte(plain))
	if err != nil {
		return "", fmt.Errorf("password: hash: %w", err)
	}
	return string(encoded), nil
}

// Verify reports whether plain matches the encoded hash. A malformed hash
// is an error, not a mismatch.
func Verify(plain, encoded string) (bool, error) {
	ok, err := argon2.VerifyEncoded([]byte(plain), []byte(encoded))
	if err != nil {
		return false, fmt.Errorf("password: verify: %w", err)
	}
	return ok, nil
}
