package sendpipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ciphera/internal/agent/gate"
	"ciphera/internal/domain"
)

// ConnOps is the slice of the connection manager the pipeline calls back
// into: envelope construction (ratchet state lives with the manager) and
// kind-specific post-processing of terminal outcomes.
type ConnOps interface {
	// EncodeMessage builds the wire envelope for msg, advancing and
	// persisting the connection's ratchet.
	EncodeMessage(ctx context.Context, msg domain.Message) (domain.Envelope, error)
	// Delivered runs the kind-specific post-processing for a successfully sent msg.
	Delivered(ctx context.Context, msg domain.Message)
	// Failed surfaces a permanent send failure to the application.
	Failed(ctx context.Context, msg domain.Message, err error)
	// CancelRotation aborts an in-progress queue rotation after QTEST or
	// QHELLO hit the relay quota on the next queue.
	CancelRotation(ctx context.Context, connId domain.ConnId, cause error)
	// SendProfile reports the handshake facts error classification needs
	// for msg's connection: whether the duplex handshake is in effect and
	// whether this side created the connection.
	SendProfile(ctx context.Context, connId domain.ConnId) (duplexHandshake, initiator bool)
}

type workerKey struct {
	server string
	sender domain.QueueId
}

// Pool owns every live outbox worker, keyed by (server, senderId). A worker
// serves all connections sharing that send queue and processes its records
// strictly in InternalId order.
type Pool struct {
	outbox domain.OutboxStore
	relays domain.RelayPool
	gate   *gate.Gate
	cfg    domain.AgentConfig
	logger *slog.Logger

	mu      sync.Mutex
	ops     ConnOps
	workers map[workerKey]*worker
	wg      sync.WaitGroup
}

// NewPool constructs a Pool; SetOps must be called before the first Enqueue.
func NewPool(outbox domain.OutboxStore, relays domain.RelayPool, g *gate.Gate, cfg domain.AgentConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		outbox:  outbox,
		relays:  relays,
		gate:    g,
		cfg:     cfg,
		logger:  logger,
		workers: make(map[workerKey]*worker),
	}
}

// SetOps wires the connection manager in after construction; the manager
// and the pool reference each other, so one side is attached late.
func (p *Pool) SetOps(ops ConnOps) {
	p.mu.Lock()
	p.ops = ops
	p.mu.Unlock()
}

type worker struct {
	server domain.ServerRef
	sender domain.QueueId
	ch     chan domain.OutboxKey
	cancel context.CancelFunc
}

// Enqueue hands one freshly stored outbox record to the worker for its
// (server, senderId) key, spawning the worker if none is live.
func (p *Pool) Enqueue(ctx context.Context, server domain.ServerRef, sender domain.QueueId, key domain.OutboxKey) {
	w := p.ensureWorker(ctx, server, sender)
	select {
	case w.ch <- key:
	default:
		// Channel full: the worker will pick the record up from the store
		// on its next Resume cycle.
		p.logger.Warn("outbox worker channel full", "server", server.String(), "snd_id", sender.String())
	}
}

// Resume re-seeds the worker for (server, sender) from the persistent
// outbox, in InternalId order. Called on subscribe and after agent
// reactivation.
func (p *Pool) Resume(ctx context.Context, server domain.ServerRef, sender domain.QueueId) error {
	keys, err := p.outbox.PendingKeys(server, sender)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	w := p.ensureWorker(ctx, server, sender)
	for _, k := range keys {
		select {
		case w.ch <- k:
		default:
			return nil // worker backlog full; rest comes on the next cycle
		}
	}
	return nil
}

func (p *Pool) ensureWorker(ctx context.Context, server domain.ServerRef, sender domain.QueueId) *worker {
	key := workerKey{server: server.String(), sender: sender}
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[key]; ok {
		return w
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{server: server, sender: sender, ch: make(chan domain.OutboxKey, 64), cancel: cancel}
	p.workers[key] = w
	p.wg.Add(1)
	go p.run(wctx, w, key)
	return w
}

// Stop cancels every worker and waits for them to exit. Pending records
// stay in the outbox for the next Resume.
func (p *Pool) Stop() {
	p.mu.Lock()
	for key, w := range p.workers {
		w.cancel()
		delete(p.workers, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, w *worker, key workerKey) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-w.ch:
			if stopped := p.process(ctx, w, k); stopped {
				p.mu.Lock()
				delete(p.workers, key)
				p.mu.Unlock()
				return
			}
		}
	}
}

// process drives one outbox record to a terminal outcome: delivered,
// permanently failed, or abandoned because the agent is suspending. It
// returns true when the worker should stop (suspension), leaving the
// record in the store untouched.
func (p *Pool) process(ctx context.Context, w *worker, key domain.OutboxKey) bool {
	p.mu.Lock()
	ops := p.ops
	p.mu.Unlock()

	msg, ok, err := p.outbox.LoadMessage(key)
	if err != nil {
		p.logger.Error("outbox load failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false // deleted under us: the connection was removed
	}

	env, err := ops.EncodeMessage(ctx, msg)
	if err != nil {
		ops.Failed(ctx, msg, err)
		_ = p.outbox.Delete(key)
		return false
	}

	duplexHandshake, initiator := ops.SendProfile(ctx, msg.ConnId)
	deadline := time.Now().Add(p.timeoutFor(msg.Kind))
	interval := p.cfg.Network.RetryInterval

	for {
		release, err := p.gate.Begin(gate.SndNetwork)
		if err != nil {
			return true // suspending: stop at this checkpoint, keep the record
		}
		sendErr := p.send(ctx, w, msg, env)
		release()

		if sendErr == nil {
			_ = p.outbox.Delete(key)
			ops.Delivered(ctx, msg)
			return false
		}

		switch classify(sendErr, msg.Kind, duplexHandshake) {
		case verdictCancelRotation:
			_ = p.outbox.Delete(key)
			ops.CancelRotation(ctx, msg.ConnId, sendErr)
			return false
		case verdictPermanent:
			_ = p.outbox.Delete(key)
			ops.Failed(ctx, msg, permanentErr(sendErr, msg.Kind, initiator))
			return false
		}

		if time.Now().Add(interval).After(deadline) {
			_ = p.outbox.Delete(key)
			ops.Failed(ctx, msg, permanentErr(sendErr, msg.Kind, initiator))
			return false
		}
		if _, err := p.outbox.IncrementAttempts(key); err != nil {
			return false // record deleted while we were retrying
		}
		p.logger.Info("retrying send", "conn", msg.ConnId.String(), "kind", string(msg.Kind), "in", interval, "err", sendErr)
		select {
		case <-ctx.Done():
			return true
		case <-time.After(interval):
		}
		if interval *= 2; interval > p.cfg.Network.MaxRetryInterval {
			interval = p.cfg.Network.MaxRetryInterval
		}
	}
}

func (p *Pool) send(ctx context.Context, w *worker, msg domain.Message, env domain.Envelope) error {
	client, err := p.relays.Client(ctx, w.server)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Network.TCPTimeout)
	defer cancel()
	switch {
	case msg.Kind == domain.MsgInvitation:
		return client.SendInvitation(ctx, w.sender, env)
	case msg.Kind.IsConnInfo():
		return client.SendConfirmation(ctx, w.sender, env)
	default:
		return client.SendAgentMessage(ctx, w.sender, env)
	}
}

func (p *Pool) timeoutFor(kind domain.AgentMsgKind) time.Duration {
	if kind == domain.MsgHello {
		return p.cfg.HelloTimeout
	}
	return p.cfg.MessageTimeout
}
