package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciphera/internal/agent/gate"
	"ciphera/internal/agent/notify"
	"ciphera/internal/agent/receive"
	"ciphera/internal/agent/sendpipeline"
	"ciphera/internal/agenterr"
	"ciphera/internal/crypto"
	"ciphera/internal/domain"
)

const (
	// minAgentVersion is the oldest peer the agent still interoperates
	// with: version 1 uses the legacy REPLY handshake, version 2 the duplex
	// handshake where both sides create their queue before HELLO.
	minAgentVersion     = 1
	currentAgentVersion = 2
)

// Manager drives every connection's state machine and exposes the agent's
// caller-visible API. All state-machine-visible effects are serialized
// under one agent-wide lock.
type Manager struct {
	id  domain.Identity
	cfg domain.AgentConfig

	conns      domain.ConnectionStore
	ratchets   domain.RatchetStore
	prekeys    domain.PreKeyStore
	staging    domain.HandshakeStore
	outbox     domain.OutboxStore
	relays     domain.RelayPool
	dispatcher *receive.Dispatcher
	pipeline   *sendpipeline.Pool
	supervisor *notify.Supervisor // nil when no notification relay is configured
	gate       *gate.Gate
	logger     *slog.Logger

	mu         sync.Mutex
	smpServers []domain.ServerRef
	ntfServers []domain.ServerRef
	nextServer int
	subscribed map[domain.ConnId]bool

	runCtx context.Context
	events chan domain.AEvent
}

// New constructs a Manager and wires itself into the dispatcher and the
// send pipeline. Start must be called before commands that spawn workers.
func New(
	id domain.Identity,
	cfg domain.AgentConfig,
	conns domain.ConnectionStore,
	ratchets domain.RatchetStore,
	prekeys domain.PreKeyStore,
	staging domain.HandshakeStore,
	outbox domain.OutboxStore,
	relays domain.RelayPool,
	dispatcher *receive.Dispatcher,
	pipeline *sendpipeline.Pool,
	supervisor *notify.Supervisor,
	g *gate.Gate,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		id:         id,
		cfg:        cfg,
		conns:      conns,
		ratchets:   ratchets,
		prekeys:    prekeys,
		staging:    staging,
		outbox:     outbox,
		relays:     relays,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		supervisor: supervisor,
		gate:       g,
		logger:     logger,
		subscribed: make(map[domain.ConnId]bool),
		runCtx:     context.Background(),
		events:     make(chan domain.AEvent, 256),
	}
	dispatcher.SetStateMachine(m)
	dispatcher.SetLocker(&m.mu)
	pipeline.SetOps(m)
	return m
}

// Start binds the manager's long-lived workers to ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
}

// Events returns the application event stream. The channel is bounded; an
// application that stops draining loses new events: emit drops an event
// when the channel is full.
func (m *Manager) Events() <-chan domain.AEvent {
	return m.events
}

func (m *Manager) emit(ev domain.AEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping", "tag", string(ev.Tag), "conn", ev.ConnId.String())
	}
}

// Emit publishes an event on the application stream on behalf of another
// component (the receive dispatcher shares the manager's channel).
func (m *Manager) Emit(ev domain.AEvent) { m.emit(ev) }

// checkActive fails fast with CMD PROHIBITED once the agent is Suspended;
// commands issued while Suspending still run, but any network work they
// start is refused by the per-class gate.
func (m *Manager) checkActive() error {
	if m.gate.State() == gate.Suspended {
		return agenterr.CmdProhibited
	}
	return nil
}

// SetSMPServers replaces the relay servers new queues are created on.
func (m *Manager) SetSMPServers(servers []domain.ServerRef) {
	m.mu.Lock()
	m.smpServers = append([]domain.ServerRef(nil), servers...)
	m.nextServer = 0
	m.mu.Unlock()
}

// SetNtfServers replaces the notification servers token commands go to.
func (m *Manager) SetNtfServers(servers []domain.ServerRef) {
	m.mu.Lock()
	m.ntfServers = append([]domain.ServerRef(nil), servers...)
	m.mu.Unlock()
}

// SetNetworkConfig replaces the retry/timeout configuration stored on the
// manager and reported by GetNetworkConfig. The send pipeline keeps the
// configuration it was constructed with and does not see the change.
func (m *Manager) SetNetworkConfig(cfg domain.NetworkConfig) {
	m.mu.Lock()
	m.cfg.Network = cfg
	m.mu.Unlock()
}

// GetNetworkConfig returns the current network configuration.
func (m *Manager) GetNetworkConfig() domain.NetworkConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Network
}

// pickServer rotates through the configured SMP servers. Callers hold m.mu.
func (m *Manager) pickServer() (domain.ServerRef, error) {
	if len(m.smpServers) == 0 {
		return domain.ServerRef{}, agenterr.Internal("no SMP servers configured", nil)
	}
	s := m.smpServers[m.nextServer%len(m.smpServers)]
	m.nextServer++
	return s, nil
}

// loadConn maps a missing record to CMD PROHIBITED at the API boundary.
func (m *Manager) loadConn(connId domain.ConnId) (domain.Connection, error) {
	conn, ok, err := m.conns.LoadConnection(connId)
	if err != nil {
		return domain.Connection{}, agenterr.Internal("load connection", err)
	}
	if !ok {
		return domain.Connection{}, agenterr.CmdProhibited
	}
	return conn, nil
}

// newRcvQueue creates a receive queue on server, generates a fresh signed
// prekey for it, and returns the queue plus the connection request a peer
// would use to send to it.
func (m *Manager) newRcvQueue(ctx context.Context, server domain.ServerRef, mode domain.ConnReqMode) (*domain.ReceiveQueue, *domain.ConnRequest, error) {
	release, err := m.gate.Begin(gate.RcvNetwork)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	client, err := m.relays.Client(ctx, server)
	if err != nil {
		return nil, nil, err
	}
	rq, err := client.CreateRcvQueue(ctx)
	if err != nil {
		return nil, nil, err
	}

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, nil, agenterr.Internal("generate signed prekey", err)
	}
	sig := crypto.SignEd25519(m.id.EdPriv, spkPub.Slice())
	spkID := domain.SPKID(uuid.NewString())
	if err := m.prekeys.SaveSignedPrekey(spkID, spkPriv, spkPub, sig); err != nil {
		return nil, nil, agenterr.Internal("save signed prekey", err)
	}

	req := &domain.ConnRequest{
		Mode:         mode,
		Server:       server,
		SndId:        rq.SndId,
		AgentVersion: currentAgentVersion,
		E2ERatchet: domain.RatchetEPars{
			IdentityKey:     m.id.XPub,
			SignKey:         m.id.EdPub,
			SPKID:           spkID,
			SignedPreKey:    spkPub,
			SignedPreKeySig: sig,
		},
	}
	return &rq, req, nil
}

// ActivateAgent reopens the operation gate and resumes every connection's
// outbox worker from persistent state.
func (m *Manager) ActivateAgent(ctx context.Context) error {
	m.gate.ActivateAgent()

	conns, err := m.conns.ListConnections()
	if err != nil {
		return agenterr.Internal("list connections", err)
	}
	m.mu.Lock()
	runCtx := m.runCtx
	m.mu.Unlock()
	for _, c := range conns {
		for _, sq := range []*domain.SendQueue{c.SndQueue, c.NextSnd} {
			if sq == nil {
				continue
			}
			if err := m.pipeline.Resume(runCtx, sq.Server, sq.SndId); err != nil {
				m.logger.Warn("outbox resume failed", "conn", c.ConnId.String(), "err", err)
			}
		}
	}
	return nil
}

// SuspendAgent drains SndNetwork and MsgDelivery up to maxDelay, then
// forces Suspended.
func (m *Manager) SuspendAgent(maxDelay time.Duration) {
	m.gate.SuspendAgent(maxDelay)
}
