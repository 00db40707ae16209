package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ciphera/internal/agenterr"
)

func TestBeginRejectsWhenSuspended(t *testing.T) {
	g := New()
	g.SuspendAgent(time.Millisecond)
	require.Equal(t, Suspended, g.State())

	_, err := g.Begin(SndNetwork)
	require.ErrorIs(t, err, agenterr.CmdProhibited)
}

func TestSuspendAgentWaitsForDrain(t *testing.T) {
	g := New()
	release, err := g.Begin(SndNetwork)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		g.SuspendAgent(200 * time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Suspending, g.State())
	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SuspendAgent did not return after lease released")
	}
	require.Equal(t, Suspended, g.State())
}

func TestSuspendAgentForcesStopAfterMaxDelay(t *testing.T) {
	g := New()
	release, err := g.Begin(MsgDelivery)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	g.SuspendAgent(30 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, Suspended, g.State())
}

func TestActivateAgentReopensClasses(t *testing.T) {
	g := New()
	g.SuspendAgent(time.Millisecond)
	require.Equal(t, Suspended, g.State())

	g.ActivateAgent()
	require.Equal(t, Active, g.State())

	release, err := g.Begin(RcvNetwork)
	require.NoError(t, err)
	release()
}
