package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/rescale-labs/accountbridge/internal/constants"
)

// DeriveKey derives a 256-bit key from a password and salt using
// PBKDF2-HMAC-SHA256 at the fixed iteration count from constants.go.
// Same (password, salt) always yields the same key.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password must not be empty", ErrCipherInitFailed)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: salt must not be empty", ErrCipherInitFailed)
	}

	key := pbkdf2.Key([]byte(password), salt, constants.PBKDF2Iterations, constants.KeySize, sha256.New)
	return key, nil
}
