package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ciphera/internal/domain"
	"ciphera/internal/store"
)

type fakeClient struct {
	mu      sync.Mutex
	created []domain.QueueId
	deleted []domain.QueueId
}

func (f *fakeClient) Register(ctx context.Context, deviceToken string) (string, error) { return "tkn-1", nil }
func (f *fakeClient) Verify(ctx context.Context, tknId, code string) error              { return nil }
func (f *fakeClient) Check(ctx context.Context, tknId string) (domain.NtfTokenStatus, error) {
	return domain.NtfActive, nil
}
func (f *fakeClient) Delete(ctx context.Context, tknId string) error { return nil }
func (f *fakeClient) CreateSubscription(ctx context.Context, tknId string, rcvId domain.QueueId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, rcvId)
	return nil
}
func (f *fakeClient) DeleteSubscription(ctx context.Context, tknId string, rcvId domain.QueueId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rcvId)
	return nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeClient) {
	t.Helper()
	st := store.NewNotificationFileStore(t.TempDir())
	fc := &fakeClient{}
	sup := New(st, func(domain.ServerRef) Client { return fc }, nil)
	return sup, fc
}

func TestTokenStateMachineAdvances(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	server := domain.ServerRef{Host: "ntf.example"}
	ctx := context.Background()

	tok, err := sup.RegisterToken(ctx, server, "device-token", domain.NtfInstant)
	require.NoError(t, err)
	require.Equal(t, domain.NtfRegistered, tok.Status)

	tok, err = sup.VerifyToken(ctx, server, "123456")
	require.NoError(t, err)
	require.Equal(t, domain.NtfConfirmed, tok.Status)

	tok, err = sup.CheckToken(ctx, server)
	require.NoError(t, err)
	require.Equal(t, domain.NtfActive, tok.Status)
}

func TestSubscriptionLoopOnlyRunsForActiveInstantToken(t *testing.T) {
	sup, fc := newTestSupervisor(t)
	server := domain.ServerRef{Host: "ntf.example"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)

	sup.EnqueueCreate(server, domain.QueueId("rcv-1"))
	time.Sleep(20 * time.Millisecond)
	fc.mu.Lock()
	require.Empty(t, fc.created)
	fc.mu.Unlock()

	_, err := sup.RegisterToken(ctx, server, "device-token", domain.NtfInstant)
	require.NoError(t, err)
	_, err = sup.VerifyToken(ctx, server, "123456")
	require.NoError(t, err)
	_, err = sup.CheckToken(ctx, server)
	require.NoError(t, err)

	sup.EnqueueCreate(server, domain.QueueId("rcv-2"))
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.created) == 1 && fc.created[0] == domain.QueueId("rcv-2")
	}, time.Second, 5*time.Millisecond)
}

func TestFlushThenEnqueueDeleteDropsStaleCreate(t *testing.T) {
	sup, fc := newTestSupervisor(t)
	server := domain.ServerRef{Host: "ntf.example"}
	ctx := context.Background()

	_, err := sup.RegisterToken(ctx, server, "device-token", domain.NtfInstant)
	require.NoError(t, err)
	_, err = sup.VerifyToken(ctx, server, "code")
	require.NoError(t, err)
	_, err = sup.CheckToken(ctx, server)
	require.NoError(t, err)

	rcvId := domain.QueueId("rcv-1")
	sup.EnqueueCreate(server, rcvId)
	sup.FlushThenEnqueueDelete(server, rcvId)

	sup.mu.Lock()
	require.Len(t, sup.queue, 1)
	require.Equal(t, cmdDelete, sup.queue[0].kind)
	sup.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(runCtx)

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.deleted) == 1
	}, time.Second, 5*time.Millisecond)

	fc.mu.Lock()
	require.Empty(t, fc.created)
	fc.mu.Unlock()
}
