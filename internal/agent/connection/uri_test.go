package connection

import (
	"testing"

	"ciphera/internal/domain"
)

func TestConnURIRoundTrip(t *testing.T) {
	req := domain.ConnRequest{
		Mode:         domain.ConnReqInvitation,
		Server:       domain.ServerRef{Host: "relay.test", Port: "5223", KeyHash: "abc123"},
		SndId:        "snd-42",
		AgentVersion: 2,
		E2ERatchet: domain.RatchetEPars{
			SPKID:           "spk-1",
			SignedPreKeySig: []byte{1, 2, 3},
		},
	}

	uri, err := EncodeConnURI(req)
	if err != nil {
		t.Fatalf("EncodeConnURI: %v", err)
	}
	got, err := DecodeConnURI(uri)
	if err != nil {
		t.Fatalf("DecodeConnURI: %v", err)
	}
	if got.Mode != req.Mode || got.Server != req.Server || got.SndId != req.SndId || got.AgentVersion != req.AgentVersion {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
	if got.E2ERatchet.SPKID != req.E2ERatchet.SPKID {
		t.Fatalf("lost prekey id: %+v", got.E2ERatchet)
	}
}

func TestDecodeConnURIRejectsGarbage(t *testing.T) {
	for _, uri := range []string{"", "http://not-ours", "ciphera://%%%", "ciphera://bm90LWpzb24"} {
		if _, err := DecodeConnURI(uri); err == nil {
			t.Fatalf("DecodeConnURI(%q) should fail", uri)
		}
	}
}
