// Package main runs the in-memory HTTP relay used by ciphera during
// development and tests. It stores queues of encrypted envelopes addressed
// by relay-assigned queue ids rather than by username; it never sees
// plaintext or private key material, only ciphertext and public keys.
//
// HTTP API
//
//	POST /queue { "rcv_auth_pub": ... }
//	    Allocate a new (recipientId, senderId) pair bound to an auth public
//	    key. Returns {"rcv_id", "snd_id"}.
//
//	POST /queue/{id}/secure { "snd_pub_key": ... }
//	    Bind a peer's E2E DH public key to the receive queue named by {id},
//	    moving it from new to secured.
//
//	POST /queue/{id}/send
//	    Append an Envelope to the queue whose senderId is {id}. A queue in
//	    new accepts a single handshake confirmation; everything after
//	    requires the queue to be secured.
//
//	POST /queue/{id}/ack { "server_msg_id": "..." }
//	    Drop every envelope up to and including server_msg_id from the
//	    receive queue named by {id}.
//
//	POST /queue/{id}/suspend
//	    Stop the receive queue named by {id} from accepting new envelopes;
//	    its backlog is still delivered. Returns {"remaining": N}, the count
//	    of envelopes still queued.
//
//	DELETE /queue/{id}
//	    Remove the queue named by {id} and its senderId alias. Deleting an
//	    absent queue is not an error.
//
//	GET /queue/{id}/events[?ack=1]
//	    Long-poll for the next envelope on the receive queue named by {id},
//	    returning {"server_msg_id", "envelope"} or {} on timeout, or
//	    {"end": true} to a poll that was waiting when the queue was deleted
//	    (a request for an already deleted queue gets 404). With ack=1 the
//	    call returns immediately
//	    once the queue is known, without waiting for traffic.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Responses are JSON. Non-2xx statuses carry a short error message.
//   - A lightweight access log records method, path, remote, status, bytes and
//     duration for each request.
//   - The default listen address is :8080.
//
// This relay is intended for local use or as an untrusted middleman on a
// private network; it implements no signature verification of its own and
// assumes the agent's end-to-end ratchet is the only source of
// confidentiality and authenticity.
package main
