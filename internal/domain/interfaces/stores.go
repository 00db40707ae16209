package interfaces

import domaintypes "ciphera/internal/domain/types"

// IdentityStore persists the long-term identity keys, encrypted at rest.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}

// PreKeyStore manages signed and one-time prekeys on disk.
type PreKeyStore interface {
	SaveSignedPrekey(id domaintypes.SPKID, priv domaintypes.X25519Private, pub domaintypes.X25519Public, sig []byte) error
	LoadSignedPrekey(id domaintypes.SPKID) (priv domaintypes.X25519Private, pub domaintypes.X25519Public, sig []byte, ok bool, err error)

	SaveOneTimePrekeys(pairs []domaintypes.OneTimePair) error
	ConsumeOneTimePrekey(id domaintypes.OPKID) (priv domaintypes.X25519Private, pub domaintypes.X25519Public, ok bool, err error)
	ListOneTimePrekeyPublics() ([]domaintypes.OneTimePub, error)

	SetCurrentSignedPrekeyID(id domaintypes.SPKID) error
	CurrentSignedPrekeyID() (domaintypes.SPKID, bool, error)
}

// RatchetStore keeps per-connection Double Ratchet state, including the
// skipped-message-key map. Decrypt paths go through UpdateRatchet so the
// advanced chain state and the skipped-keys diff land in one transaction.
type RatchetStore interface {
	SaveRatchet(conn domaintypes.ConnId, state domaintypes.RatchetState) error
	// UpdateRatchet persists state and applies diff to the stored
	// skipped-key map atomically; the map inside state is ignored in favor
	// of the store's own copy plus the diff.
	UpdateRatchet(conn domaintypes.ConnId, state domaintypes.RatchetState, diff domaintypes.SkippedKeysDiff) error
	LoadRatchet(conn domaintypes.ConnId) (domaintypes.RatchetState, bool, error)
	DeleteRatchet(conn domaintypes.ConnId) error
}

// ConnectionStore persists Connection records: the tagged connection
// variant together with its queues and rotation state.
type ConnectionStore interface {
	SaveConnection(conn domaintypes.Connection) error
	LoadConnection(id domaintypes.ConnId) (domaintypes.Connection, bool, error)
	DeleteConnection(id domaintypes.ConnId) error
	ListConnections() ([]domaintypes.Connection, error)
}

// OutboxKey identifies one outbox record: the connection that owns it plus
// its per-connection InternalId.
type OutboxKey struct {
	ConnId     domaintypes.ConnId
	InternalId int64
}

// OutboxStore persists pending and historical outbound messages, grouped so
// a send-pipeline worker can claim pending work for a given (server,
// senderId) key without scanning unrelated connections.
type OutboxStore interface {
	// Enqueue assigns InternalId (and, for kind A_MSG, ExternalSndId) and
	// computes Hash/PrevHash in the same transaction, returning the fully
	// populated record.
	Enqueue(msg domaintypes.Message) (domaintypes.Message, error)
	LoadMessage(key OutboxKey) (domaintypes.Message, bool, error)
	// PendingKeys lists outbox records for the given worker key in
	// InternalId order, used both to feed the live worker channel and to
	// recover pending work after a restart.
	PendingKeys(server domaintypes.ServerRef, sender domaintypes.QueueId) ([]OutboxKey, error)
	IncrementAttempts(key OutboxKey) (int, error)
	// Delete removes a record on terminal resolution (success or permanent
	// failure); deleting an absent key is not an error.
	Delete(key OutboxKey) error
	LastHash(conn domaintypes.ConnId) ([]byte, error)
}

// HandshakeStore stages confirmation and invitation records between the dispatcher
// decrypting an incoming handshake envelope and the application's
// allowConnection/acceptContact/rejectContact call.
type HandshakeStore interface {
	SaveConfirmation(c domaintypes.Confirmation) error
	LoadConfirmation(confId string) (domaintypes.Confirmation, bool, error)
	DeleteConfirmation(confId string) error

	SaveInvitation(inv domaintypes.Invitation) error
	LoadInvitation(invitationId string) (domaintypes.Invitation, bool, error)
	DeleteInvitation(invitationId string) error
	ListInvitations() ([]domaintypes.Invitation, error)
}

// NotificationStore persists notification token state per server.
type NotificationStore interface {
	SaveToken(tok domaintypes.NtfToken) error
	LoadToken(server domaintypes.ServerRef) (domaintypes.NtfToken, bool, error)
	DeleteToken(server domaintypes.ServerRef) error
	ListTokens() ([]domaintypes.NtfToken, error)
}
