package store

import (
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

const ratchetFile = "ratchets.json"

// RatchetFileStore persists per-connection Double Ratchet state, keyed by
// ConnId.
type RatchetFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewRatchetFileStore returns a RatchetFileStore rooted at dir.
func NewRatchetFileStore(dir string) *RatchetFileStore { return &RatchetFileStore{dir: dir} }

// SaveRatchet persists state for conn, including its skipped-key map.
func (s *RatchetFileStore) SaveRatchet(conn domain.ConnId, state domain.RatchetState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, ratchetFile)
	m := make(map[domain.ConnId]domain.RatchetState)
	if err := readJSON(path, &m); err != nil {
		return err
	}
	m[conn] = state
	return writeJSON(path, m, 0o600)
}

// UpdateRatchet persists the advanced chain state and applies the
// skipped-keys diff to the stored map in one critical section. The map
// carried inside state is ignored: the store's copy plus the diff is
// authoritative, so two interleaved decrypt paths cannot lose each other's
// skipped keys.
func (s *RatchetFileStore) UpdateRatchet(conn domain.ConnId, state domain.RatchetState, diff domain.SkippedKeysDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, ratchetFile)
	m := make(map[domain.ConnId]domain.RatchetState)
	if err := readJSON(path, &m); err != nil {
		return err
	}

	skipped := make(map[string][]byte)
	if prev, ok := m[conn]; ok {
		for id, mk := range prev.Skipped {
			skipped[id] = mk
		}
	}
	for _, id := range diff.Deleted {
		delete(skipped, id)
	}
	for id, mk := range diff.Added {
		skipped[id] = mk
	}
	state.Skipped = skipped

	m[conn] = state
	return writeJSON(path, m, 0o600)
}

// LoadRatchet retrieves state for conn.
func (s *RatchetFileStore) LoadRatchet(conn domain.ConnId) (domain.RatchetState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, ratchetFile)
	m := make(map[domain.ConnId]domain.RatchetState)
	if err := readJSON(path, &m); err != nil {
		return domain.RatchetState{}, false, err
	}
	c, ok := m[conn]
	return c, ok, nil
}

// DeleteRatchet removes state for conn; deleting an absent entry is a no-op.
func (s *RatchetFileStore) DeleteRatchet(conn domain.ConnId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, ratchetFile)
	m := make(map[domain.ConnId]domain.RatchetState)
	if err := readJSON(path, &m); err != nil {
		return err
	}
	if _, ok := m[conn]; !ok {
		return nil
	}
	delete(m, conn)
	return writeJSON(path, m, 0o600)
}

var _ domain.RatchetStore = (*RatchetFileStore)(nil)
