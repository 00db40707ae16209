package receive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ciphera/internal/domain"
)

func TestIntegrityVerdicts(t *testing.T) {
	h1 := bodyHash(domain.MsgA, []byte("one"))

	conn := domain.Connection{LastRcvExtId: 1, LastRcvHash: h1}

	cases := []struct {
		name   string
		hdr    domain.PrivHeader
		want   domain.MsgIntegrity
		lo, hi int64
	}{
		{"next id with matching hash", domain.PrivHeader{SndMsgId: 2, PrevMsgHash: h1}, domain.MsgOK, 0, 0},
		{"gap of one", domain.PrivHeader{SndMsgId: 3, PrevMsgHash: h1}, domain.MsgSkipped, 2, 2},
		{"gap of several", domain.PrivHeader{SndMsgId: 6, PrevMsgHash: h1}, domain.MsgSkipped, 2, 5},
		{"right id, wrong hash", domain.PrivHeader{SndMsgId: 2, PrevMsgHash: []byte("bogus")}, domain.MsgBadHash, 0, 0},
		{"non-positive id", domain.PrivHeader{SndMsgId: 0}, domain.MsgBadId, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, lo, hi := integrity(conn, tc.hdr)
			require.Equal(t, tc.want, verdict)
			require.Equal(t, tc.lo, lo)
			require.Equal(t, tc.hi, hi)
		})
	}
}

func TestIntegrityFirstMessage(t *testing.T) {
	conn := domain.Connection{}
	verdict, lo, hi := integrity(conn, domain.PrivHeader{SndMsgId: 1})
	require.Equal(t, domain.MsgOK, verdict)
	require.Zero(t, lo)
	require.Zero(t, hi)
}

func TestBodyHashIsStable(t *testing.T) {
	a := bodyHash(domain.MsgA, []byte("payload"))
	b := bodyHash(domain.MsgA, []byte("payload"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, bodyHash(domain.MsgA, []byte("other")))
	require.NotEqual(t, a, bodyHash(domain.MsgHello, []byte("payload")))
}
