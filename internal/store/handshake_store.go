package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const (
	confirmationsFile = "confirmations.json"
	invitationsFile   = "invitations.json"
)

// HandshakeFileStore persists in-flight Confirmation and Invitation records
// for the duration of the X3DH handshake, one JSON map per collection.
type HandshakeFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewHandshakeFileStore returns a HandshakeFileStore rooted at dir.
func NewHandshakeFileStore(dir string) *HandshakeFileStore {
	return &HandshakeFileStore{dir: dir}
}

func (s *HandshakeFileStore) confirmations() (map[string]domain.Confirmation, error) {
	m := make(map[string]domain.Confirmation)
	if err := readJSON(filepath.Join(s.dir, confirmationsFile), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *HandshakeFileStore) saveConfirmations(m map[string]domain.Confirmation) error {
	return writeJSON(filepath.Join(s.dir, confirmationsFile), m, 0o600)
}

func (s *HandshakeFileStore) invitations() (map[string]domain.Invitation, error) {
	m := make(map[string]domain.Invitation)
	if err := readJSON(filepath.Join(s.dir, invitationsFile), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *HandshakeFileStore) saveInvitations(m map[string]domain.Invitation) error {
	return writeJSON(filepath.Join(s.dir, invitationsFile), m, 0o600)
}

// SaveConfirmation inserts or replaces a staged confirmation.
func (s *HandshakeFileStore) SaveConfirmation(c domain.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.confirmations()
	if err != nil {
		return err
	}
	m[c.ConfId] = c
	return s.saveConfirmations(m)
}

// LoadConfirmation retrieves a staged confirmation by id.
func (s *HandshakeFileStore) LoadConfirmation(confId string) (domain.Confirmation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.confirmations()
	if err != nil {
		return domain.Confirmation{}, false, err
	}
	c, ok := m[confId]
	return c, ok, nil
}

// DeleteConfirmation discards a staged confirmation once it has been acted
// on (accepted or rejected); deleting an absent one is a no-op.
func (s *HandshakeFileStore) DeleteConfirmation(confId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.confirmations()
	if err != nil {
		return err
	}
	if _, ok := m[confId]; !ok {
		return nil
	}
	delete(m, confId)
	return s.saveConfirmations(m)
}

// SaveInvitation inserts or replaces inv.
func (s *HandshakeFileStore) SaveInvitation(inv domain.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.invitations()
	if err != nil {
		return err
	}
	m[inv.InvitationId] = inv
	return s.saveInvitations(m)
}

// LoadInvitation retrieves an invitation by id.
func (s *HandshakeFileStore) LoadInvitation(invitationId string) (domain.Invitation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.invitations()
	if err != nil {
		return domain.Invitation{}, false, err
	}
	inv, ok := m[invitationId]
	return inv, ok, nil
}

// DeleteInvitation removes an invitation by id; deleting an absent one is a
// no-op.
func (s *HandshakeFileStore) DeleteInvitation(invitationId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.invitations()
	if err != nil {
		return err
	}
	if _, ok := m[invitationId]; !ok {
		return nil
	}
	delete(m, invitationId)
	return s.saveInvitations(m)
}

// ListInvitations returns every stored invitation, in no particular order.
func (s *HandshakeFileStore) ListInvitations() ([]domain.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.invitations()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Invitation, 0, len(m))
	for _, inv := range m {
		out = append(out, inv)
	}
	return out, nil
}

var _ domain.HandshakeStore = (*HandshakeFileStore)(nil)
