// Package store provides file-based persistence for Ciphera’s core data.
//
// It contains concrete implementations of the domain storage interfaces,
// serialising data as JSON on disk. All methods are concurrency-safe via
// internal locking. Stored files typically live under the user’s configured
// home directory.
//
// The package includes stores for:
//   - Identity keys (IdentityFileStore)
//   - Prekeys (PrekeyFileStore)
//   - Connections and their queues (ConnectionFileStore)
//   - Double Ratchet state per connection (RatchetFileStore)
//   - The pending-send outbox (OutboxFileStore)
//   - Staged confirmations and invitations (HandshakeFileStore)
//   - Notification tokens (NotificationFileStore)
package store
