// Package relay provides an HTTP implementation of the domain.RelayClient
// and domain.RelayPool interfaces used by ciphera.
//
// The relay acts as a store-and-forward service for encrypted envelopes
// addressed to queues rather than to usernames: each Connection owns one or
// more (recipientId, senderId) queue pairs, and Client exposes the
// queue-oriented operations a connection's lifecycle needs — creation,
// securing with a peer's DH key, sending, acknowledging, suspending and
// deleting — against one SMP relay server.
//
// Pool caches one Client per server and runs a background long-poll stream
// goroutine per subscribed receive queue, merging every server's delivered
// envelopes into a single process-wide channel for the receive dispatcher
// to consume.
//
// All requests are JSON over HTTP and accept a context for cancellation and
// deadlines. Non-2xx statuses are returned as errors with the HTTP method,
// full URL, and status text to aid diagnostics.
package relay
