// Package receive consumes the merged relay inbound stream: it decrypts
// envelopes (one-time DH for handshake confirmations, Double Ratchet for
// everything after), checks message integrity against the per-connection
// hash chain, buffers traffic arriving on a rotation's next queue, and
// routes control messages into the connection state machine.
package receive
