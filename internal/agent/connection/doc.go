// Package connection implements the agent's public API and the per
// connection state machine: invitation and contact handshakes, duplex
// promotion, ordered sending through the outbox pipeline, queue rotation,
// and connection lifecycle (subscribe, suspend, delete).
package connection
