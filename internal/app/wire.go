package app

import (
	"context"
	"log/slog"
	"net/http"

	"ciphera/internal/agent/connection"
	"ciphera/internal/agent/gate"
	"ciphera/internal/agent/notify"
	"ciphera/internal/agent/receive"
	"ciphera/internal/agent/sendpipeline"
	"ciphera/internal/domain"
	"ciphera/internal/relay"
	"ciphera/internal/store"
)

// Wire bundles the stores and clients every agent instance shares.
type Wire struct {
	Config Config

	Identity domain.IdentityStore
	Prekeys  domain.PreKeyStore
	Conns    domain.ConnectionStore
	Ratchets domain.RatchetStore
	Outbox   domain.OutboxStore
	Staging  domain.HandshakeStore
	Tokens   domain.NotificationStore
	Relays   *relay.Pool
	Logger   *slog.Logger
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Agent.DataDir == "" {
		cfg.Agent = domain.DefaultAgentConfig(cfg.DataDir)
	}

	return &Wire{
		Config:   cfg,
		Identity: store.NewIdentityFileStore(cfg.DataDir),
		Prekeys:  store.NewPrekeyFileStore(cfg.DataDir),
		Conns:    store.NewConnectionFileStore(cfg.DataDir),
		Ratchets: store.NewRatchetFileStore(cfg.DataDir),
		Outbox:   store.NewOutboxFileStore(cfg.DataDir),
		Staging:  store.NewHandshakeFileStore(cfg.DataDir),
		Tokens:   store.NewNotificationFileStore(cfg.DataDir),
		Relays:   relay.NewPool(cfg.HTTPClient, 0, cfg.Logger),
		Logger:   cfg.Logger,
	}, nil
}

// Agent is one running agent instance: the connection manager plus its
// background workers.
type Agent struct {
	Manager    *connection.Manager
	Dispatcher *receive.Dispatcher
	Pipeline   *sendpipeline.Pool
	Supervisor *notify.Supervisor
	Gate       *gate.Gate

	wire   *Wire
	cancel context.CancelFunc
}

// Agent unlocks the identity with passphrase and assembles the running
// agent graph on top of the wire's shared stores.
func (w *Wire) Agent(passphrase string) (*Agent, error) {
	id, err := w.Identity.LoadIdentity(passphrase)
	if err != nil {
		return nil, err
	}

	g := gate.New()

	var sup *notify.Supervisor
	if w.Config.NtfServer != "" {
		clientFor := func(s domain.ServerRef) notify.Client {
			return relay.NewNtfClient("http://"+s.String(), w.Config.HTTPClient)
		}
		sup = notify.New(w.Tokens, clientFor, w.Logger)
	}

	pipeline := sendpipeline.NewPool(w.Outbox, w.Relays, g, w.Config.Agent, w.Logger)

	// The dispatcher publishes onto the manager's event stream; the manager
	// does not exist yet, so the closure binds it late.
	var mgr *connection.Manager
	dispatcher := receive.New(
		id, w.Conns, w.Ratchets, w.Prekeys, w.Staging, w.Relays, g,
		func(ev domain.AEvent) { mgr.Emit(ev) },
		w.Logger,
	)

	mgr = connection.New(
		id, w.Config.Agent,
		w.Conns, w.Ratchets, w.Prekeys, w.Staging, w.Outbox,
		w.Relays, dispatcher, pipeline, sup, g, w.Logger,
	)
	mgr.SetSMPServers(w.Config.SMPServers)
	if w.Config.NtfServer != "" {
		mgr.SetNtfServers([]domain.ServerRef{{Host: w.Config.NtfServer}})
	}

	return &Agent{
		Manager:    mgr,
		Dispatcher: dispatcher,
		Pipeline:   pipeline,
		Supervisor: sup,
		Gate:       g,
		wire:       w,
	}, nil
}

// Start launches the agent's long-running loops: the receive dispatcher and
// the notification supervisor.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Manager.Start(ctx)
	go a.Dispatcher.Run(ctx)
	if a.Supervisor != nil {
		go a.Supervisor.Run(ctx)
	}
}

// Stop cancels the background loops and the outbox workers; pending outbox
// records stay on disk for the next start.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.Pipeline.Stop()
}
