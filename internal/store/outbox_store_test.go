package store

import (
	"bytes"
	"testing"

	"ciphera/internal/domain"
)

func testMessage(kind domain.AgentMsgKind, body []byte) domain.Message {
	return domain.Message{
		ConnId:   "conn-1",
		Server:   domain.ServerRef{Host: "relay.test", Port: "5223"},
		SenderId: "snd-1",
		Kind:     kind,
		Body:     body,
		Status:   domain.OutboxPending,
	}
}

func TestEnqueueAssignsIdsAndChainsHashes(t *testing.T) {
	s := NewOutboxFileStore(t.TempDir())

	m1, err := s.Enqueue(testMessage(domain.MsgA, []byte("one")))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if m1.InternalId != 1 || m1.ExternalSndId != 1 {
		t.Fatalf("got ids (%d, %d), want (1, 1)", m1.InternalId, m1.ExternalSndId)
	}
	if m1.PrevHash != nil {
		t.Fatalf("first message must have no prev hash")
	}

	// A control message takes an internal id but neither an external id nor
	// a place in the hash chain.
	hello, err := s.Enqueue(testMessage(domain.MsgHello, nil))
	if err != nil {
		t.Fatalf("Enqueue hello: %v", err)
	}
	if hello.InternalId != 2 || hello.ExternalSndId != 0 {
		t.Fatalf("got ids (%d, %d), want (2, 0)", hello.InternalId, hello.ExternalSndId)
	}

	m2, err := s.Enqueue(testMessage(domain.MsgA, []byte("two")))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if m2.ExternalSndId != 2 {
		t.Fatalf("got external id %d, want 2", m2.ExternalSndId)
	}
	if !bytes.Equal(m2.PrevHash, m1.Hash) {
		t.Fatalf("second payload must chain to the first payload's hash")
	}
}

func TestPendingKeysOrderedByInternalId(t *testing.T) {
	s := NewOutboxFileStore(t.TempDir())
	for _, body := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(testMessage(domain.MsgA, []byte(body))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	keys, err := s.PendingKeys(domain.ServerRef{Host: "relay.test", Port: "5223"}, "snd-1")
	if err != nil {
		t.Fatalf("PendingKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("got %d keys, want 3", len(keys))
	}
	for i, k := range keys {
		if k.InternalId != int64(i+1) {
			t.Fatalf("keys out of order: %v", keys)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewOutboxFileStore(t.TempDir())
	m, err := s.Enqueue(testMessage(domain.MsgA, []byte("gone")))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	key := domain.OutboxKey{ConnId: m.ConnId, InternalId: m.InternalId}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, found, err := s.LoadMessage(key); err != nil || found {
		t.Fatalf("message still present after delete (found=%v, err=%v)", found, err)
	}
}
