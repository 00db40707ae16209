// Package sendpipeline drains the persistent outbox: one serial worker per
// (server, senderId) key encrypts, ships and retries pending messages,
// classifying relay errors into retry, permanent failure, or rotation
// cancellation.
package sendpipeline
