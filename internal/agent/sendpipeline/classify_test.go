package sendpipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   domain.AgentMsgKind
		duplex bool
		want   verdict
	}{
		{"quota on conn-info is permanent", agenterr.SMP("QUOTA"), domain.MsgConnInfo, true, verdictPermanent},
		{"quota on conn-info-reply is permanent", agenterr.SMP("QUOTA"), domain.MsgConnInfoReply, true, verdictPermanent},
		{"quota on qtest cancels rotation", agenterr.SMP("QUOTA"), domain.MsgQTest, true, verdictCancelRotation},
		{"quota on qhello cancels rotation", agenterr.SMP("QUOTA"), domain.MsgQHello, true, verdictCancelRotation},
		{"quota on a-msg retries", agenterr.SMP("QUOTA"), domain.MsgA, true, verdictRetry},
		{"auth on conn-info is permanent", agenterr.SMP("AUTH"), domain.MsgConnInfo, true, verdictPermanent},
		{"auth on duplex hello is permanent", agenterr.SMP("AUTH"), domain.MsgHello, true, verdictPermanent},
		{"auth on legacy hello retries", agenterr.SMP("AUTH"), domain.MsgHello, false, verdictRetry},
		{"auth on reply is permanent", agenterr.SMP("AUTH"), domain.MsgReply, false, verdictPermanent},
		{"auth on a-msg is permanent", agenterr.SMP("AUTH"), domain.MsgA, true, verdictPermanent},
		{"broker host retries", agenterr.Broker(agenterr.BrokerHost), domain.MsgA, true, verdictRetry},
		{"broker timeout retries", agenterr.Broker(agenterr.BrokerTimeout), domain.MsgQNew, true, verdictRetry},
		{"broker unexpected is permanent", agenterr.Broker(agenterr.BrokerUnexpected), domain.MsgA, true, verdictPermanent},
		{"other smp codes retry", agenterr.SMP("NO_MSG"), domain.MsgA, true, verdictRetry},
		{"unclassified errors are permanent", errors.New("boom"), domain.MsgA, true, verdictPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classify(tc.err, tc.kind, tc.duplex))
		})
	}
}

func TestPermanentErrByKindAndRole(t *testing.T) {
	connCode := func(t *testing.T, err error) string {
		t.Helper()
		var e *agenterr.Err
		require.ErrorAs(t, err, &e)
		require.Equal(t, "CONN", e.Kind)
		return e.Code
	}

	// A dead handshake queue: NOT_AVAILABLE for the side that created the
	// connection, NOT_ACCEPTED for the side that joined it.
	require.Equal(t, string(agenterr.ConnNotAvailable),
		connCode(t, permanentErr(agenterr.SMP("AUTH"), domain.MsgConnInfo, true)))
	require.Equal(t, string(agenterr.ConnNotAvailable),
		connCode(t, permanentErr(agenterr.SMP("AUTH"), domain.MsgHello, true)))
	require.Equal(t, string(agenterr.ConnNotAccepted),
		connCode(t, permanentErr(agenterr.SMP("AUTH"), domain.MsgHello, false)))

	// REPLY surfaces the relay error itself, not a CONN code.
	var e *agenterr.Err
	err := permanentErr(agenterr.SMP("AUTH"), domain.MsgReply, false)
	require.ErrorAs(t, err, &e)
	require.Equal(t, "SMP", e.Kind)
	require.Equal(t, "AUTH", e.Code)

	// Application payloads keep the original relay error too.
	err = permanentErr(agenterr.SMP("AUTH"), domain.MsgA, true)
	require.ErrorAs(t, err, &e)
	require.Equal(t, "SMP", e.Kind)
}
