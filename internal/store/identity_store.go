package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const identityFile = "identity.enc"

// IdentityFileStore persists the long-term identity keys encrypted at rest
// in the scrypt/ChaCha20-Poly1305 blob format of crypto_envelope.go; it is
// the only encrypted collection, the other stores write plain JSON.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir}
}

// SaveIdentity encrypts id under passphrase and writes it to disk.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("store: marshal identity: %w", err)
	}
	N, r, p := scryptParamsDefault()
	blob, err := encrypt(passphrase, raw, N, r, p)
	if err != nil {
		return fmt.Errorf("store: encrypt identity: %w", err)
	}
	return writeFile(filepath.Join(s.dir, identityFile), blob, 0o600)
}

// LoadIdentity decrypts and returns the stored identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, identityFile))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("store: read identity: %w", err)
	}
	if b == nil {
		return domain.Identity{}, fmt.Errorf("store: %w: no identity at %s", ErrNotFound, s.dir)
	}
	raw, err := decrypt(passphrase, b)
	if err != nil {
		return domain.Identity{}, err
	}
	var id domain.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return domain.Identity{}, fmt.Errorf("store: %w: unmarshal identity: %v", ErrIntegrity, err)
	}
	return id, nil
}

var _ domain.IdentityStore = (*IdentityFileStore)(nil)
