package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
)

// Client is how the supervisor talks to one notification relay server; the
// HTTP implementation lives in internal/relay (relay.NtfClient).
type Client interface {
	Register(ctx context.Context, deviceToken string) (tknId string, err error)
	Verify(ctx context.Context, tknId, code string) error
	Check(ctx context.Context, tknId string) (domain.NtfTokenStatus, error)
	Delete(ctx context.Context, tknId string) error
	CreateSubscription(ctx context.Context, tknId string, rcvId domain.QueueId) error
	DeleteSubscription(ctx context.Context, tknId string, rcvId domain.QueueId) error
}

type cmdKind int

const (
	cmdCreate cmdKind = iota
	cmdDelete
)

type command struct {
	kind  cmdKind
	server domain.ServerRef
	rcvId  domain.QueueId
}

// Supervisor owns token lifecycle and the subscription command queue for
// every notification server the agent has registered a token with.
type Supervisor struct {
	store     domain.NotificationStore
	clientFor func(domain.ServerRef) Client
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []command
	signal chan struct{}
	stopCh chan struct{}
}

// New constructs a Supervisor. clientFor resolves a ServerRef to the Client
// talking to that notification server, mirroring relay.Pool's per-server
// client cache.
func New(store domain.NotificationStore, clientFor func(domain.ServerRef) Client, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:     store,
		clientFor: clientFor,
		logger:    logger,
		signal:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// RegisterToken moves a server's token from (none) to Registered.
func (s *Supervisor) RegisterToken(ctx context.Context, server domain.ServerRef, deviceToken string, mode domain.NtfMode) (domain.NtfToken, error) {
	tknId, err := s.clientFor(server).Register(ctx, deviceToken)
	if err != nil {
		return domain.NtfToken{}, agenterr.NTF(fmt.Sprintf("register: %v", err))
	}
	tok := domain.NtfToken{DeviceToken: deviceToken, NtfServer: server, TknId: tknId, Status: domain.NtfRegistered, Mode: mode}
	if err := s.store.SaveToken(tok); err != nil {
		return domain.NtfToken{}, agenterr.Internal("save ntf token", err)
	}
	return tok, nil
}

// VerifyToken moves a Registered token to Confirmed using the out-of-band
// verification code.
func (s *Supervisor) VerifyToken(ctx context.Context, server domain.ServerRef, code string) (domain.NtfToken, error) {
	tok, ok, err := s.store.LoadToken(server)
	if err != nil {
		return domain.NtfToken{}, agenterr.Internal("load ntf token", err)
	}
	if !ok {
		return domain.NtfToken{}, agenterr.NTF("NOT_REGISTERED")
	}
	if err := s.clientFor(server).Verify(ctx, tok.TknId, code); err != nil {
		return domain.NtfToken{}, agenterr.NTF(fmt.Sprintf("verify: %v", err))
	}
	tok.Status = domain.NtfConfirmed
	if err := s.store.SaveToken(tok); err != nil {
		return domain.NtfToken{}, agenterr.Internal("save ntf token", err)
	}
	return tok, nil
}

// CheckToken polls server-side status and stores the status the server
// reports on the token. The token's Action field is not read.
func (s *Supervisor) CheckToken(ctx context.Context, server domain.ServerRef) (domain.NtfToken, error) {
	tok, ok, err := s.store.LoadToken(server)
	if err != nil {
		return domain.NtfToken{}, agenterr.Internal("load ntf token", err)
	}
	if !ok {
		return domain.NtfToken{}, agenterr.NTF("NOT_REGISTERED")
	}
	status, err := s.clientFor(server).Check(ctx, tok.TknId)
	if err != nil {
		return domain.NtfToken{}, agenterr.NTF(fmt.Sprintf("check: %v", err))
	}
	tok.Status = status
	if err := s.store.SaveToken(tok); err != nil {
		return domain.NtfToken{}, agenterr.Internal("save ntf token", err)
	}
	return tok, nil
}

// DeleteToken moves an Active token to Expired, tearing down its server
// side registration and flushing any queued subscription commands for it.
func (s *Supervisor) DeleteToken(ctx context.Context, server domain.ServerRef) error {
	tok, ok, err := s.store.LoadToken(server)
	if err != nil {
		return agenterr.Internal("load ntf token", err)
	}
	if !ok {
		return nil
	}
	if err := s.clientFor(server).Delete(ctx, tok.TknId); err != nil {
		return agenterr.NTF(fmt.Sprintf("delete: %v", err))
	}
	tok.Status = domain.NtfExpired
	if err := s.store.SaveToken(tok); err != nil {
		return agenterr.Internal("save ntf token", err)
	}

	s.mu.Lock()
	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.server != server {
			kept = append(kept, c)
		}
	}
	s.queue = kept
	s.mu.Unlock()
	return nil
}

// EnqueueCreate requests a subscription be created for rcvId on server,
// processed asynchronously by Run.
func (s *Supervisor) EnqueueCreate(server domain.ServerRef, rcvId domain.QueueId) {
	s.enqueue(command{kind: cmdCreate, server: server, rcvId: rcvId})
}

// FlushThenEnqueueDelete atomically drops any pending command for (server,
// rcvId) and enqueues a delete, so a create queued just before a
// subscription is torn down can never race the delete behind it.
func (s *Supervisor) FlushThenEnqueueDelete(server domain.ServerRef, rcvId domain.QueueId) {
	s.mu.Lock()
	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.server != server || c.rcvId != rcvId {
			kept = append(kept, c)
		}
	}
	s.queue = append(kept, command{kind: cmdDelete, server: server, rcvId: rcvId})
	s.mu.Unlock()
	s.wake()
}

func (s *Supervisor) enqueue(c command) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.wake()
}

func (s *Supervisor) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run drains the command queue until ctx is canceled or Stop is called.
// Only tokens in Active status with Mode Instant actually perform
// subscription work; other commands are silently dropped.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.signal:
		}
		s.drain(ctx)
	}
}

func (s *Supervisor) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		tok, ok, err := s.store.LoadToken(c.server)
		if err != nil || !ok || tok.Status != domain.NtfActive || tok.Mode != domain.NtfInstant {
			continue
		}
		client := s.clientFor(c.server)
		switch c.kind {
		case cmdCreate:
			if err := client.CreateSubscription(ctx, tok.TknId, c.rcvId); err != nil {
				s.logger.Warn("ntf subscription create failed", "server", c.server.String(), "rcv_id", c.rcvId.String(), "err", err)
			}
		case cmdDelete:
			if err := client.DeleteSubscription(ctx, tok.TknId, c.rcvId); err != nil {
				s.logger.Warn("ntf subscription delete failed", "server", c.server.String(), "rcv_id", c.rcvId.String(), "err", err)
			}
		}
	}
}

// Stop ends a running Run loop.
func (s *Supervisor) Stop() {
	close(s.stopCh)
}
