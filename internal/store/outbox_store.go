package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"ciphera/internal/domain"
)

// OutboxFileStore persists pending outbound messages. Worker identity is
// keyed by (server, senderId), so each worker key gets its own JSON file;
// one mutex guards every file. A metadata file tracks, per connection, the
// InternalId / ExternalSndId counters and the hash chain.
type OutboxFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewOutboxFileStore returns an OutboxFileStore rooted at dir.
func NewOutboxFileStore(dir string) *OutboxFileStore { return &OutboxFileStore{dir: dir} }

type connMeta struct {
	NextInternalId    int64  `json:"next_internal_id"`
	NextExternalSndId int64  `json:"next_external_snd_id"`
	LastHash          []byte `json:"last_hash,omitempty"`
}

func workerKeyFile(server domain.ServerRef, sender domain.QueueId) string {
	sum := sha256.Sum256([]byte(server.String() + "|" + sender.String()))
	return "outbox_" + hex.EncodeToString(sum[:8]) + ".json"
}

func (s *OutboxFileStore) metaPath() string {
	return filepath.Join(s.dir, "outbox_meta.json")
}

func (s *OutboxFileStore) loadMeta() (map[domain.ConnId]connMeta, error) {
	m := make(map[domain.ConnId]connMeta)
	if err := readJSON(s.metaPath(), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *OutboxFileStore) saveMeta(m map[domain.ConnId]connMeta) error {
	return writeJSON(s.metaPath(), m, 0o600)
}

func (s *OutboxFileStore) loadWorkerFile(server domain.ServerRef, sender domain.QueueId) (map[int64]domain.Message, error) {
	path := filepath.Join(s.dir, workerKeyFile(server, sender))
	m := make(map[int64]domain.Message)
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *OutboxFileStore) saveWorkerFile(server domain.ServerRef, sender domain.QueueId, m map[int64]domain.Message) error {
	path := filepath.Join(s.dir, workerKeyFile(server, sender))
	return writeJSON(path, m, 0o600)
}

// Enqueue assigns InternalId, ExternalSndId (for kind A_MSG only) and
// Hash/PrevHash under one critical section, so id assignment and hash
// computation cannot interleave across connections, then appends the
// record to its worker file.
func (s *OutboxFileStore) Enqueue(msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.loadMeta()
	if err != nil {
		return domain.Message{}, err
	}
	cm := metas[msg.ConnId]
	cm.NextInternalId++
	msg.InternalId = cm.NextInternalId
	if msg.Kind == domain.MsgA {
		cm.NextExternalSndId++
		msg.ExternalSndId = cm.NextExternalSndId
	}

	// The hash covers only kind and body so the peer can recompute the same
	// value from the decrypted message; the chain itself links application
	// payloads only, matching what the receive side tracks.
	body, err := json.Marshal(struct {
		Kind domain.AgentMsgKind
		Body []byte
	}{msg.Kind, msg.Body})
	if err != nil {
		return domain.Message{}, fmt.Errorf("store: encode outbox record: %w", err)
	}
	sum := sha256.Sum256(body)
	msg.Hash = sum[:]
	if msg.Kind == domain.MsgA {
		msg.PrevHash = cm.LastHash
		cm.LastHash = sum[:]
	}
	metas[msg.ConnId] = cm
	if err := s.saveMeta(metas); err != nil {
		return domain.Message{}, err
	}

	wf, err := s.loadWorkerFile(msg.Server, msg.SenderId)
	if err != nil {
		return domain.Message{}, err
	}
	wf[msg.InternalId] = msg
	if err := s.saveWorkerFile(msg.Server, msg.SenderId, wf); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// LoadMessage locates the record for key by scanning every worker file,
// since an OutboxKey (ConnId, InternalId) does not name its worker file and
// the store keeps no location index; a full scan is acceptable given the
// file-backed, low-connection-count deployment target.
func (s *OutboxFileStore) LoadMessage(key domain.OutboxKey) (domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "outbox_*.json"))
	if err != nil {
		return domain.Message{}, false, err
	}
	for _, path := range matches {
		if filepath.Base(path) == "outbox_meta.json" {
			continue
		}
		m := make(map[int64]domain.Message)
		if err := readJSON(path, &m); err != nil {
			return domain.Message{}, false, err
		}
		if msg, ok := m[key.InternalId]; ok && msg.ConnId == key.ConnId {
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}

// PendingKeys lists outbox records for (server, sender) in InternalId order.
func (s *OutboxFileStore) PendingKeys(server domain.ServerRef, sender domain.QueueId) ([]domain.OutboxKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, err := s.loadWorkerFile(server, sender)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.OutboxKey, 0, len(wf))
	for id, msg := range wf {
		keys = append(keys, domain.OutboxKey{ConnId: msg.ConnId, InternalId: id})
	}
	// Simple insertion sort by InternalId; outbox files are small.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].InternalId < keys[j-1].InternalId; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys, nil
}

// IncrementAttempts bumps and returns the retry counter for key.
func (s *OutboxFileStore) IncrementAttempts(key domain.OutboxKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "outbox_*.json"))
	if err != nil {
		return 0, err
	}
	for _, path := range matches {
		if filepath.Base(path) == "outbox_meta.json" {
			continue
		}
		m := make(map[int64]domain.Message)
		if err := readJSON(path, &m); err != nil {
			return 0, err
		}
		msg, ok := m[key.InternalId]
		if !ok || msg.ConnId != key.ConnId {
			continue
		}
		msg.Attempts++
		m[key.InternalId] = msg
		if err := writeJSON(path, m, 0o600); err != nil {
			return 0, err
		}
		return msg.Attempts, nil
	}
	return 0, fmt.Errorf("store: %w: outbox key %v", ErrNotFound, key)
}

// Delete removes the record for key on terminal resolution; deleting an
// absent key is not an error.
func (s *OutboxFileStore) Delete(key domain.OutboxKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "outbox_*.json"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if filepath.Base(path) == "outbox_meta.json" {
			continue
		}
		m := make(map[int64]domain.Message)
		if err := readJSON(path, &m); err != nil {
			return err
		}
		msg, ok := m[key.InternalId]
		if !ok || msg.ConnId != key.ConnId {
			continue
		}
		delete(m, key.InternalId)
		return writeJSON(path, m, 0o600)
	}
	return nil
}

// LastHash returns the hash chain tip for conn, or nil if no message has
// been enqueued for it yet.
func (s *OutboxFileStore) LastHash(conn domain.ConnId) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	return metas[conn].LastHash, nil
}

var _ domain.OutboxStore = (*OutboxFileStore)(nil)
