package connection_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ciphera/internal/agent/connection"
	"ciphera/internal/agent/gate"
	"ciphera/internal/agent/receive"
	"ciphera/internal/agent/sendpipeline"
	"ciphera/internal/agenterr"
	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/store"
)

// memRelay is the queue table two agents' pools share, standing in for one
// SMP relay server.
type memRelay struct {
	mu    sync.Mutex
	n     int
	byRcv map[domain.QueueId]*memQueue
	bySnd map[domain.QueueId]*memQueue
}

type memMsg struct {
	id  string
	env domain.Envelope
}

type memQueue struct {
	rcvId     domain.QueueId
	sndId     domain.QueueId
	secured   bool
	suspended bool
	deleted   bool
	msgs      []memMsg
}

func newMemRelay() *memRelay {
	return &memRelay{
		byRcv: make(map[domain.QueueId]*memQueue),
		bySnd: make(map[domain.QueueId]*memQueue),
	}
}

func (r *memRelay) create() *memQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	q := &memQueue{
		rcvId: domain.QueueId(fmt.Sprintf("rcv-%d", r.n)),
		sndId: domain.QueueId(fmt.Sprintf("snd-%d", r.n)),
	}
	r.byRcv[q.rcvId] = q
	r.bySnd[q.sndId] = q
	return q
}

func (r *memRelay) send(sndId domain.QueueId, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.bySnd[sndId]
	if !ok || q.deleted || q.suspended {
		return agenterr.SMP("AUTH")
	}
	if !q.secured && len(q.msgs) > 0 {
		return agenterr.SMP("AUTH")
	}
	r.n++
	q.msgs = append(q.msgs, memMsg{id: fmt.Sprintf("msg-%d", r.n), env: env})
	return nil
}

// pop dequeues the next message for rcvId; end reports a deleted queue.
func (r *memRelay) pop(rcvId domain.QueueId) (env *domain.Envelope, id string, end bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.byRcv[rcvId]
	if !ok || q.deleted {
		return nil, "", true
	}
	// A suspended queue still drains its backlog to the owner.
	if len(q.msgs) == 0 {
		return nil, "", false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	e := m.env
	return &e, m.id, false
}

// fakePool is one agent's domain.RelayPool over the shared memRelay.
type fakePool struct {
	relay   *memRelay
	mu      sync.Mutex
	inbound chan domain.InboundEvent
	stops   map[string]chan struct{}
}

func newFakePool(r *memRelay) *fakePool {
	return &fakePool{
		relay:   r,
		inbound: make(chan domain.InboundEvent, 128),
		stops:   make(map[string]chan struct{}),
	}
}

func (p *fakePool) Client(ctx context.Context, server domain.ServerRef) (domain.RelayClient, error) {
	return &fakeClient{relay: p.relay, server: server}, nil
}

func (p *fakePool) StreamQueue(ctx context.Context, server domain.ServerRef, rcvId domain.QueueId) error {
	key := server.String() + "/" + rcvId.String()
	p.mu.Lock()
	if _, ok := p.stops[key]; ok {
		p.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	p.stops[key] = stop
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			env, id, end := p.relay.pop(rcvId)
			if end {
				select {
				case p.inbound <- domain.InboundEvent{Server: server, RcvId: rcvId, End: true}:
				case <-ctx.Done():
				}
				return
			}
			if env != nil {
				select {
				case p.inbound <- domain.InboundEvent{Server: server, RcvId: rcvId, ServerMsgId: id, Envelope: env}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (p *fakePool) StopStream(server domain.ServerRef, rcvId domain.QueueId) {
	key := server.String() + "/" + rcvId.String()
	p.mu.Lock()
	if stop, ok := p.stops[key]; ok {
		close(stop)
		delete(p.stops, key)
	}
	p.mu.Unlock()
}

func (p *fakePool) Inbound() <-chan domain.InboundEvent { return p.inbound }
func (p *fakePool) Close() error                        { return nil }

type fakeClient struct {
	relay  *memRelay
	server domain.ServerRef
}

func (c *fakeClient) CreateRcvQueue(ctx context.Context) (domain.ReceiveQueue, error) {
	q := c.relay.create()
	return domain.ReceiveQueue{Server: c.server, RcvId: q.rcvId, SndId: q.sndId, Status: domain.RcvNew}, nil
}

func (c *fakeClient) SecureQueue(ctx context.Context, rcvId domain.QueueId, snd domain.X25519Public) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	q, ok := c.relay.byRcv[rcvId]
	if !ok || q.deleted {
		return agenterr.SMP("AUTH")
	}
	q.secured = true
	return nil
}

func (c *fakeClient) SuspendQueue(ctx context.Context, rcvId domain.QueueId) (int, error) {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	q, ok := c.relay.byRcv[rcvId]
	if !ok {
		return 0, agenterr.SMP("AUTH")
	}
	q.suspended = true
	return len(q.msgs), nil
}

func (c *fakeClient) DeleteQueue(ctx context.Context, rcvId domain.QueueId) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	if q, ok := c.relay.byRcv[rcvId]; ok {
		q.deleted = true
	}
	return nil
}

func (c *fakeClient) SendAgentMessage(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.relay.send(sndId, env)
}

func (c *fakeClient) SendConfirmation(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.relay.send(sndId, env)
}

func (c *fakeClient) SendInvitation(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.relay.send(sndId, env)
}

func (c *fakeClient) SendAck(ctx context.Context, rcvId domain.QueueId, serverMsgId string) error {
	return nil
}

func (c *fakeClient) SubscribeQueue(ctx context.Context, rcvId domain.QueueId) error { return nil }

func (c *fakeClient) SubscribeQueues(ctx context.Context, rcvIds []domain.QueueId) ([]domain.SubscribeResult, error) {
	results := make([]domain.SubscribeResult, len(rcvIds))
	for i, id := range rcvIds {
		results[i] = domain.SubscribeResult{RcvId: id}
	}
	return results, nil
}

func newTestAgent(t *testing.T, relay *memRelay) *connection.Manager {
	t.Helper()
	dir := t.TempDir()

	xpriv, xpub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edpriv, edpub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	id := domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv}

	conns := store.NewConnectionFileStore(dir)
	ratchets := store.NewRatchetFileStore(dir)
	prekeys := store.NewPrekeyFileStore(dir)
	staging := store.NewHandshakeFileStore(dir)
	outbox := store.NewOutboxFileStore(dir)

	pool := newFakePool(relay)
	g := gate.New()
	cfg := domain.DefaultAgentConfig(dir)
	cfg.Network.RetryInterval = 10 * time.Millisecond
	cfg.MessageTimeout = 2 * time.Second
	cfg.HelloTimeout = 5 * time.Second

	pipeline := sendpipeline.NewPool(outbox, pool, g, cfg, nil)
	var mgr *connection.Manager
	dispatcher := receive.New(id, conns, ratchets, prekeys, staging, pool, g,
		func(ev domain.AEvent) { mgr.Emit(ev) }, nil)
	mgr = connection.New(id, cfg, conns, ratchets, prekeys, staging, outbox,
		pool, dispatcher, pipeline, nil, g, nil)
	mgr.SetSMPServers([]domain.ServerRef{{Host: "relay.test", Port: "5223"}})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pipeline.Stop()
	})
	mgr.Start(ctx)
	go dispatcher.Run(ctx)
	return mgr
}

// waitEvent drains the agent's stream until an event with tag arrives.
func waitEvent(t *testing.T, mgr *connection.Manager, tag domain.EventTag) domain.AEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-mgr.Events():
			if ev.Tag == tag {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", tag)
		}
	}
}

// establish runs the invitation handshake between two fresh agents and
// returns both connection ids once both sides emitted CON.
func establish(t *testing.T, a, b *connection.Manager) (connA, connB domain.ConnId) {
	t.Helper()

	connA, uri, err := a.CreateConnection(context.Background(), domain.ConnReqInvitation)
	require.NoError(t, err)

	connB, err = b.JoinConnection(context.Background(), uri, "hi")
	require.NoError(t, err)

	conf := waitEvent(t, a, domain.EvCONF)
	require.Equal(t, connA, conf.ConnId)
	require.Equal(t, "hi", string(conf.Message.Plaintext))

	require.NoError(t, a.AllowConnection(context.Background(), conf.Info, "hello"))

	info := waitEvent(t, b, domain.EvINFO)
	require.Equal(t, "hello", string(info.Message.Plaintext))

	waitEvent(t, b, domain.EvCON)
	waitEvent(t, a, domain.EvCON)
	return connA, connB
}

func TestInvitationHappyPath(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)
	b := newTestAgent(t, relay)

	connA, connB := establish(t, a, b)

	msgId, err := a.SendMessage(context.Background(), connA, []byte("ping"))
	require.NoError(t, err)

	sent := waitEvent(t, a, domain.EvSENT)
	require.Equal(t, msgId, sent.MsgId)

	msg := waitEvent(t, b, domain.EvMSG)
	require.Equal(t, "ping", string(msg.Message.Plaintext))
	require.Equal(t, domain.MsgOK, msg.Message.Integrity)
	require.Equal(t, int64(1), msg.MsgId)

	require.NoError(t, b.AckMessage(context.Background(), connB, msg.MsgId))
	// Acking the same id again has no network effect and no error.
	require.NoError(t, b.AckMessage(context.Background(), connB, msg.MsgId))
}

func TestMessageOrderAndIntegrity(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)
	b := newTestAgent(t, relay)

	connA, _ := establish(t, a, b)

	for i := 1; i <= 3; i++ {
		_, err := a.SendMessage(context.Background(), connA, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		msg := waitEvent(t, b, domain.EvMSG)
		require.Equal(t, int64(i), msg.MsgId)
		require.Equal(t, fmt.Sprintf("m%d", i), string(msg.Message.Plaintext))
		require.Equal(t, domain.MsgOK, msg.Message.Integrity)
	}
}

func TestContactPath(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)
	b := newTestAgent(t, relay)

	_, contactURI, err := a.CreateConnection(context.Background(), domain.ConnReqContact)
	require.NoError(t, err)

	connB, err := b.JoinConnection(context.Background(), contactURI, "it's me")
	require.NoError(t, err)

	req := waitEvent(t, a, domain.EvREQ)
	require.Equal(t, "it's me", string(req.Message.Plaintext))

	connA, err := a.AcceptContact(context.Background(), req.Info, "ok")
	require.NoError(t, err)

	conf := waitEvent(t, b, domain.EvCONF)
	require.Equal(t, connB, conf.ConnId)
	require.NoError(t, b.AllowConnection(context.Background(), conf.Info, "welcome"))

	waitEvent(t, a, domain.EvCON)
	waitEvent(t, b, domain.EvCON)

	msgId, err := a.SendMessage(context.Background(), connA, []byte("ping"))
	require.NoError(t, err)
	sent := waitEvent(t, a, domain.EvSENT)
	require.Equal(t, msgId, sent.MsgId)

	msg := waitEvent(t, b, domain.EvMSG)
	require.Equal(t, "ping", string(msg.Message.Plaintext))
}

func TestRejectContact(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)
	b := newTestAgent(t, relay)

	_, contactURI, err := a.CreateConnection(context.Background(), domain.ConnReqContact)
	require.NoError(t, err)
	_, err = b.JoinConnection(context.Background(), contactURI, "knock")
	require.NoError(t, err)

	req := waitEvent(t, a, domain.EvREQ)
	require.NoError(t, a.RejectContact(context.Background(), req.Info))

	// The invitation is gone: accepting it now is prohibited.
	_, err = a.AcceptContact(context.Background(), req.Info, "late")
	require.ErrorIs(t, err, agenterr.CmdProhibited)
}

func TestQueueRotation(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)
	b := newTestAgent(t, relay)

	connA, connB := establish(t, a, b)

	require.NoError(t, a.SwitchConnection(context.Background(), connA))

	started := waitEvent(t, a, domain.EvSWITCH)
	require.Equal(t, domain.SwitchStarted, started.Phase)
	startedB := waitEvent(t, b, domain.EvSWITCH)
	require.Equal(t, domain.SwitchStarted, startedB.Phase)

	doneB := waitEvent(t, b, domain.EvSWITCH)
	require.Equal(t, domain.SwitchCompleted, doneB.Phase)
	doneA := waitEvent(t, a, domain.EvSWITCH)
	require.Equal(t, domain.SwitchCompleted, doneA.Phase)

	// Traffic still flows both ways across the rotated queue pair.
	_, err := b.SendMessage(context.Background(), connB, []byte("after-rotation"))
	require.NoError(t, err)
	msg := waitEvent(t, a, domain.EvMSG)
	require.Equal(t, "after-rotation", string(msg.Message.Plaintext))
	require.Equal(t, domain.MsgOK, msg.Message.Integrity)

	_, err = a.SendMessage(context.Background(), connA, []byte("still-here"))
	require.NoError(t, err)
	msgB := waitEvent(t, b, domain.EvMSG)
	require.Equal(t, "still-here", string(msgB.Message.Plaintext))
}

func TestDeleteConnectionIdempotent(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)
	b := newTestAgent(t, relay)

	connA, _ := establish(t, a, b)

	require.NoError(t, a.DeleteConnection(context.Background(), connA))
	require.NoError(t, a.DeleteConnection(context.Background(), connA))

	// The connection is gone for every other command too.
	_, err := a.SendMessage(context.Background(), connA, []byte("x"))
	require.ErrorIs(t, err, agenterr.CmdProhibited)
}

func TestSuspendedAgentRejectsCommands(t *testing.T) {
	relay := newMemRelay()
	a := newTestAgent(t, relay)

	a.SuspendAgent(10 * time.Millisecond)
	_, _, err := a.CreateConnection(context.Background(), domain.ConnReqInvitation)
	require.ErrorIs(t, err, agenterr.CmdProhibited)

	require.NoError(t, a.ActivateAgent(context.Background()))
	_, _, err = a.CreateConnection(context.Background(), domain.ConnReqInvitation)
	require.NoError(t, err)
}
