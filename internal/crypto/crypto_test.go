package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rescale-labs/accountbridge/internal/constants"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateSalt(constants.KeySize)
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustKey(t)
	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("session-token-abc123"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, p := range plaintexts {
		blob, err := Encrypt(p, key)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		got, err := Decrypt(blob, key)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch: got %q want %q", got, p)
		}
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	key := mustKey(t)
	blob, err := Encrypt([]byte("hello world"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decoding blob: %v", err)
	}

	// Flip a single bit well inside the ciphertext, past the IV.
	raw[constants.IVSize] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered, key)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	key := mustKey(t)
	_, err := Decrypt(base64.StdEncoding.EncodeToString([]byte("short")), key)
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput, got %v", err)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1 := mustKey(t)
	key2 := mustKey(t)

	blob, err := Encrypt([]byte("secret"), key1)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(blob, key2); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed with wrong key, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := GenerateSalt(constants.SaltSize)
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}

	k1, err := DeriveKey("hunter2", salt)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey("hunter2", salt)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("DeriveKey not deterministic for same password+salt")
	}
	if len(k1) != constants.KeySize {
		t.Fatalf("expected %d-byte key, got %d", constants.KeySize, len(k1))
	}

	k3, err := DeriveKey("different", salt)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatalf("different passwords produced the same key")
	}
}

func TestMachineKeyReproducible(t *testing.T) {
	salt, err := GenerateSalt(constants.SaltSize)
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}

	k1, err := MachineKey(context.Background(), salt)
	if err != nil {
		t.Fatalf("MachineKey failed: %v", err)
	}
	k2, err := MachineKey(context.Background(), salt)
	if err != nil {
		t.Fatalf("MachineKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("MachineKey not reproducible across calls on the same machine")
	}
	if len(k1) != constants.KeySize {
		t.Fatalf("expected %d-byte key, got %d", constants.KeySize, len(k1))
	}
}

func TestMachineKeyRejectsBadSaltSize(t *testing.T) {
	_, err := MachineKey(context.Background(), []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for undersized salt")
	}
}
