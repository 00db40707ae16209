package sendpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ciphera/internal/agent/gate"
	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
	"ciphera/internal/store"
)

type flakyRelay struct {
	mu       sync.Mutex
	failures int // errors to return before succeeding
	err      error
	sent     int
}

func (r *flakyRelay) Client(ctx context.Context, server domain.ServerRef) (domain.RelayClient, error) {
	return (*flakyClient)(r), nil
}
func (r *flakyRelay) StreamQueue(ctx context.Context, server domain.ServerRef, rcvId domain.QueueId) error {
	return nil
}
func (r *flakyRelay) StopStream(server domain.ServerRef, rcvId domain.QueueId) {}
func (r *flakyRelay) Inbound() <-chan domain.InboundEvent                      { return nil }
func (r *flakyRelay) Close() error                                             { return nil }

type flakyClient flakyRelay

func (c *flakyClient) send() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return c.err
	}
	c.sent++
	return nil
}

func (c *flakyClient) CreateRcvQueue(ctx context.Context) (domain.ReceiveQueue, error) {
	return domain.ReceiveQueue{}, nil
}
func (c *flakyClient) SecureQueue(ctx context.Context, rcvId domain.QueueId, snd domain.X25519Public) error {
	return nil
}
func (c *flakyClient) SuspendQueue(ctx context.Context, rcvId domain.QueueId) (int, error) {
	return 0, nil
}
func (c *flakyClient) DeleteQueue(ctx context.Context, rcvId domain.QueueId) error { return nil }
func (c *flakyClient) SendAgentMessage(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.send()
}
func (c *flakyClient) SendConfirmation(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.send()
}
func (c *flakyClient) SendInvitation(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.send()
}
func (c *flakyClient) SendAck(ctx context.Context, rcvId domain.QueueId, serverMsgId string) error {
	return nil
}
func (c *flakyClient) SubscribeQueue(ctx context.Context, rcvId domain.QueueId) error { return nil }
func (c *flakyClient) SubscribeQueues(ctx context.Context, rcvIds []domain.QueueId) ([]domain.SubscribeResult, error) {
	return nil, nil
}

type recordingOps struct {
	mu        sync.Mutex
	delivered []domain.Message
	failed    []error
	canceled  []domain.ConnId
	done      chan struct{}
}

func newRecordingOps() *recordingOps {
	return &recordingOps{done: make(chan struct{}, 8)}
}

func (o *recordingOps) EncodeMessage(ctx context.Context, msg domain.Message) (domain.Envelope, error) {
	return domain.Envelope{Cipher: msg.Body}, nil
}

func (o *recordingOps) Delivered(ctx context.Context, msg domain.Message) {
	o.mu.Lock()
	o.delivered = append(o.delivered, msg)
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *recordingOps) Failed(ctx context.Context, msg domain.Message, err error) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *recordingOps) CancelRotation(ctx context.Context, connId domain.ConnId, cause error) {
	o.mu.Lock()
	o.canceled = append(o.canceled, connId)
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *recordingOps) SendProfile(ctx context.Context, connId domain.ConnId) (bool, bool) {
	return true, true
}

func newTestPool(t *testing.T, relay *flakyRelay) (*Pool, *recordingOps, domain.OutboxStore) {
	t.Helper()
	outbox := store.NewOutboxFileStore(t.TempDir())
	cfg := domain.DefaultAgentConfig(t.TempDir())
	cfg.Network.RetryInterval = 5 * time.Millisecond
	cfg.MessageTimeout = 500 * time.Millisecond
	cfg.HelloTimeout = 500 * time.Millisecond

	pool := NewPool(outbox, relay, gate.New(), cfg, nil)
	ops := newRecordingOps()
	pool.SetOps(ops)
	t.Cleanup(pool.Stop)
	return pool, ops, outbox
}

func enqueueOne(t *testing.T, pool *Pool, outbox domain.OutboxStore, kind domain.AgentMsgKind) domain.OutboxKey {
	t.Helper()
	server := domain.ServerRef{Host: "relay.test"}
	msg, err := outbox.Enqueue(domain.Message{
		ConnId:   "conn-1",
		Server:   server,
		SenderId: "snd-1",
		Kind:     kind,
		Body:     []byte("payload"),
		Status:   domain.OutboxPending,
	})
	require.NoError(t, err)
	key := domain.OutboxKey{ConnId: msg.ConnId, InternalId: msg.InternalId}
	pool.Enqueue(context.Background(), server, "snd-1", key)
	return key
}

func waitDone(t *testing.T, ops *recordingOps) {
	t.Helper()
	select {
	case <-ops.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal outcome")
	}
}

func TestTransientErrorRetriesUntilSuccess(t *testing.T) {
	relay := &flakyRelay{failures: 2, err: agenterr.Broker(agenterr.BrokerHost)}
	pool, ops, outbox := newTestPool(t, relay)

	key := enqueueOne(t, pool, outbox, domain.MsgA)
	waitDone(t, ops)

	ops.mu.Lock()
	defer ops.mu.Unlock()
	require.Len(t, ops.delivered, 1)
	require.Empty(t, ops.failed)

	_, found, err := outbox.LoadMessage(key)
	require.NoError(t, err)
	require.False(t, found, "record must be deleted on terminal resolution")
}

func TestPermanentErrorSurfacesAndDeletes(t *testing.T) {
	relay := &flakyRelay{failures: 1 << 30, err: agenterr.SMP("AUTH")}
	pool, ops, outbox := newTestPool(t, relay)

	key := enqueueOne(t, pool, outbox, domain.MsgA)
	waitDone(t, ops)

	ops.mu.Lock()
	defer ops.mu.Unlock()
	require.Empty(t, ops.delivered)
	require.Len(t, ops.failed, 1)

	_, found, err := outbox.LoadMessage(key)
	require.NoError(t, err)
	require.False(t, found)
}

func TestQuotaOnQTestCancelsRotation(t *testing.T) {
	relay := &flakyRelay{failures: 1 << 30, err: agenterr.SMP("QUOTA")}
	pool, ops, outbox := newTestPool(t, relay)

	enqueueOne(t, pool, outbox, domain.MsgQTest)
	waitDone(t, ops)

	ops.mu.Lock()
	defer ops.mu.Unlock()
	require.Equal(t, []domain.ConnId{"conn-1"}, ops.canceled)
	require.Empty(t, ops.failed)
}

func TestRetryTimeoutBecomesPermanent(t *testing.T) {
	relay := &flakyRelay{failures: 1 << 30, err: agenterr.Broker(agenterr.BrokerHost)}
	pool, ops, outbox := newTestPool(t, relay)

	enqueueOne(t, pool, outbox, domain.MsgA)
	waitDone(t, ops)

	ops.mu.Lock()
	defer ops.mu.Unlock()
	require.Empty(t, ops.delivered)
	require.Len(t, ops.failed, 1)
}

func TestSuspendStopsWorkerAndKeepsRecord(t *testing.T) {
	relay := &flakyRelay{failures: 1 << 30, err: agenterr.Broker(agenterr.BrokerHost)}
	pool, ops, outbox := newTestPool(t, relay)
	g := pool.gate

	g.SuspendAgent(0)
	key := enqueueOne(t, pool, outbox, domain.MsgA)

	// The worker hits the closed gate at its first checkpoint and stops;
	// the record stays in the outbox untouched.
	time.Sleep(50 * time.Millisecond)
	ops.mu.Lock()
	require.Empty(t, ops.delivered)
	require.Empty(t, ops.failed)
	ops.mu.Unlock()

	_, found, err := outbox.LoadMessage(key)
	require.NoError(t, err)
	require.True(t, found, "suspend must leave the outbox unchanged")
}
