package interfaces

import (
	"context"

	domaintypes "ciphera/internal/domain/types"
)

// SubscribeResult is one queue's outcome from a batched SubscribeQueues
// call; the caller compares len(results) against len(rcvIds)
// ("a mismatch in size vs input raises an internal error notification").
type SubscribeResult struct {
	RcvId domaintypes.QueueId
	Err   error
}

// RelayClient is how the agent talks to one SMP relay server's queues, all
// context-aware so callers can bound or cancel a call under the operation
// gate.
type RelayClient interface {
	CreateRcvQueue(ctx context.Context) (domaintypes.ReceiveQueue, error)
	SecureQueue(ctx context.Context, rcvId domaintypes.QueueId, sndPubKey domaintypes.X25519Public) error
	SuspendQueue(ctx context.Context, rcvId domaintypes.QueueId) (remaining int, err error)
	DeleteQueue(ctx context.Context, rcvId domaintypes.QueueId) error

	SendAgentMessage(ctx context.Context, sndId domaintypes.QueueId, env domaintypes.Envelope) error
	SendConfirmation(ctx context.Context, sndId domaintypes.QueueId, env domaintypes.Envelope) error
	SendInvitation(ctx context.Context, sndId domaintypes.QueueId, env domaintypes.Envelope) error
	SendAck(ctx context.Context, rcvId domaintypes.QueueId, serverMsgId string) error

	SubscribeQueue(ctx context.Context, rcvId domaintypes.QueueId) error
	SubscribeQueues(ctx context.Context, rcvIds []domaintypes.QueueId) ([]SubscribeResult, error)
}

// InboundEvent is one relay-delivered item on a subscribed receive queue.
type InboundEvent struct {
	Server      domaintypes.ServerRef
	RcvId       domaintypes.QueueId
	SessionID   string
	ServerMsgId string
	Envelope    *domaintypes.Envelope // nil for control events (END, empty poll)
	End         bool
}

// RelayPool resolves a ServerRef to its RelayClient, creating and caching
// one client per server, and fans every server's inbound stream into a
// single process-wide channel. StreamQueue starts the long-poll
// loop feeding Inbound for one subscribed queue; StopStream cancels it.
type RelayPool interface {
	Client(ctx context.Context, server domaintypes.ServerRef) (RelayClient, error)
	StreamQueue(ctx context.Context, server domaintypes.ServerRef, rcvId domaintypes.QueueId) error
	StopStream(server domaintypes.ServerRef, rcvId domaintypes.QueueId)
	Inbound() <-chan InboundEvent
	Close() error
}
