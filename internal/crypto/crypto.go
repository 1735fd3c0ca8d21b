// Package crypto implements the authenticated encryption and key derivation
// primitives backing the credential store: AES-256-GCM for at-rest session
// blobs and PBKDF2/machine-bound derivation for the keys that protect them.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rescale-labs/accountbridge/internal/constants"
)

// ErrAuthenticationFailed is returned when a ciphertext's GCM tag does not
// verify — either the blob was tampered with or the wrong key was used.
var ErrAuthenticationFailed = errors.New("crypto: authentication failed")

// ErrMalformedInput is returned when a blob is too short to contain a valid
// IV and tag.
var ErrMalformedInput = errors.New("crypto: malformed ciphertext")

// ErrCipherInitFailed wraps failures constructing the AES-GCM cipher itself
// (invalid key length, CSPRNG failure generating the IV).
var ErrCipherInitFailed = errors.New("crypto: cipher initialization failed")

// Encrypt seals plaintext under a 256-bit key and returns
// base64(IV[12] ‖ ciphertext ‖ tag[16]). The IV is freshly drawn from a
// CSPRNG on every call.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) != constants.KeySize {
		return "", fmt.Errorf("%w: key must be %d bytes, got %d", ErrCipherInitFailed, constants.KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipherInitFailed, err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, constants.IVSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipherInitFailed, err)
	}

	iv := make([]byte, constants.IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: reading IV: %v", ErrCipherInitFailed, err)
	}

	// Seal appends the tag to the ciphertext, giving us IV‖ct‖tag once
	// prefixed with the nonce ourselves.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	blob := make([]byte, 0, len(iv)+len(sealed))
	blob = append(blob, iv...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. It fails with ErrAuthenticationFailed if the tag
// does not verify, or ErrMalformedInput if the blob is too short to contain
// an IV and tag.
func Decrypt(blob string, key []byte) ([]byte, error) {
	if len(key) != constants.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCipherInitFailed, constants.KeySize, len(key))
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	if len(raw) < constants.IVSize+constants.TagSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrMalformedInput, len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherInitFailed, err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, constants.IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherInitFailed, err)
	}

	iv, sealed := raw[:constants.IVSize], raw[constants.IVSize:]

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

// GenerateSalt returns fresh CSPRNG-backed random bytes of the given length,
// used for both KDF salts and the per-installation machine-key salt.
func GenerateSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generating salt: %v", ErrCipherInitFailed, err)
	}
	return salt, nil
}
