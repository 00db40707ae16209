package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const tokensFile = "tokens.json"

// NotificationFileStore persists NtfToken records, one per
// notification server, keyed by ServerRef.
type NotificationFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewNotificationFileStore returns a NotificationFileStore rooted at dir.
func NewNotificationFileStore(dir string) *NotificationFileStore {
	return &NotificationFileStore{dir: dir}
}

func (s *NotificationFileStore) load() (map[domain.ServerRef]domain.NtfToken, error) {
	m := make(map[domain.ServerRef]domain.NtfToken)
	if err := readJSON(filepath.Join(s.dir, tokensFile), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *NotificationFileStore) save(m map[domain.ServerRef]domain.NtfToken) error {
	return writeJSON(filepath.Join(s.dir, tokensFile), m, 0o600)
}

// SaveToken inserts or replaces the token for tok.NtfServer.
func (s *NotificationFileStore) SaveToken(tok domain.NtfToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m[tok.NtfServer] = tok
	return s.save(m)
}

// LoadToken retrieves the token registered for server.
func (s *NotificationFileStore) LoadToken(server domain.ServerRef) (domain.NtfToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return domain.NtfToken{}, false, err
	}
	t, ok := m[server]
	return t, ok, nil
}

// DeleteToken removes the token for server; deleting an absent one is a
// no-op.
func (s *NotificationFileStore) DeleteToken(server domain.ServerRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[server]; !ok {
		return nil
	}
	delete(m, server)
	return s.save(m)
}

// ListTokens returns every registered token, in no particular order.
func (s *NotificationFileStore) ListTokens() ([]domain.NtfToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.NtfToken, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out, nil
}

var _ domain.NotificationStore = (*NotificationFileStore)(nil)
