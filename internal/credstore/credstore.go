// Package credstore persists per-account session tokens encrypted with a
// machine-bound key, one JSON blob file guarded by a mutex and written
// atomically via tempfile-then-rename.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/crypto"
)

// ErrNotFound is returned by Retrieve when no entry exists for an account.
var ErrNotFound = errors.New("credstore: account not found")

// Store maps account ids to encrypted session blobs, persisted to a single
// JSON file alongside a per-installation salt file.
type Store struct {
	mu           sync.Mutex
	path         string
	saltPath     string
	blobs        map[string]string // account id -> base64(IV|ct|tag)
	installSalt  []byte
}

// New creates a Store backed by path (the .sessions.enc file) and saltPath
// (the .salt.bin file), loading any existing state from disk.
func New(path, saltPath string) (*Store, error) {
	s := &Store{
		path:     path,
		saltPath: saltPath,
		blobs:    make(map[string]string),
	}

	if err := s.loadSalt(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSalt() error {
	data, err := os.ReadFile(s.saltPath)
	if err == nil {
		s.installSalt = data
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("credstore: reading salt file: %w", err)
	}

	salt, err := crypto.GenerateSalt(constants.SaltSize)
	if err != nil {
		return fmt.Errorf("credstore: generating salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.saltPath), 0700); err != nil {
		return fmt.Errorf("credstore: creating config dir: %w", err)
	}
	if err := writeFileAtomic(s.saltPath, salt, 0600); err != nil {
		return fmt.Errorf("credstore: writing salt file: %w", err)
	}
	s.installSalt = salt
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("credstore: reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.blobs); err != nil {
		return fmt.Errorf("credstore: decoding %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) machineKey(ctx context.Context) ([]byte, error) {
	return crypto.MachineKey(ctx, s.installSalt)
}

// Store encrypts sessionToken with the machine key and persists it under
// accountID, replacing any existing entry.
func (s *Store) Store(ctx context.Context, accountID, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.machineKey(ctx)
	if err != nil {
		return fmt.Errorf("credstore: deriving machine key: %w", err)
	}

	blob, err := crypto.Encrypt([]byte(sessionToken), key)
	if err != nil {
		return fmt.Errorf("credstore: encrypting session: %w", err)
	}

	s.blobs[accountID] = blob
	return s.persistLocked()
}

// Retrieve decrypts and returns the session token for accountID. Fails with
// ErrNotFound, crypto.ErrAuthenticationFailed, or crypto.ErrMalformedInput.
func (s *Store) Retrieve(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	blob, ok := s.blobs[accountID]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	key, err := s.machineKey(ctx)
	if err != nil {
		return "", fmt.Errorf("credstore: deriving machine key: %w", err)
	}

	plaintext, err := crypto.Decrypt(blob, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Remove deletes accountID's entry, a no-op if it doesn't exist.
func (s *Store) Remove(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[accountID]; !ok {
		return nil
	}
	delete(s.blobs, accountID)
	return s.persistLocked()
}

// ListIDs returns every account id currently stored, in no particular order.
func (s *Store) ListIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	return ids
}

// Clear removes every stored session.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[string]string)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.blobs, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("credstore: creating config dir: %w", err)
	}
	return writeFileAtomic(s.path, data, 0600)
}

// writeFileAtomic writes data to a .tmp sibling of path, fsyncs it, then
// renames it into place so the file is never observed half-written.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
