package types

// Username labels the identity that published a PrekeyBundle. It has no
// relation to relay addressing: queues and connections are addressed by
// opaque ids (ConnId, QueueId), not by username.
type Username string

// String returns the string form of the username.
func (u Username) String() string { return string(u) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SPKID identifies a signed prekey.
type SPKID string

// String returns the string form of the identifier.
func (id SPKID) String() string { return string(id) }

// OPKID identifies a one-time prekey.
type OPKID string

// String returns the string form of the identifier.
func (id OPKID) String() string { return string(id) }

// ConnId identifies a Connection record, agent-wide.
type ConnId string

// String returns the string form of the identifier.
func (c ConnId) String() string { return string(c) }

// CorrId identifies a client command and the event(s) it produces in response.
type CorrId string

// String returns the string form of the identifier.
func (c CorrId) String() string { return string(c) }

// QueueId is a relay-assigned queue handle (recipientId or senderId).
type QueueId string

// String returns the string form of the identifier.
func (q QueueId) String() string { return string(q) }
