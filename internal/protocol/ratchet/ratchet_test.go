package ratchet_test

import (
	"bytes"
	"testing"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/ratchet"
)

const testPaddedLen = 256

// makeIdentity returns a fresh X25519 identity pair.
func makeIdentity(t *testing.T) (priv domain.X25519Private, pub domain.X25519Public) {
	t.Helper()
	p, P, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return p, P
}

// makePair initialises both ends of a ratchet from a shared root.
func makePair(t *testing.T) (a, b domain.RatchetState) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)

	aPriv, aPub := makeIdentity(t)
	bPriv, bPub := makeIdentity(t)

	a, err := ratchet.InitAsInitiator(rk, aPriv, aPub, bPub)
	if err != nil {
		t.Fatalf("InitAsInitiator: %v", err)
	}
	b, err = ratchet.InitAsResponder(rk, bPriv, bPub, a.DHPub)
	if err != nil {
		t.Fatalf("InitAsResponder: %v", err)
	}
	return a, b
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	aState, bState := makePair(t)

	header, ct, err := ratchet.Encrypt(&aState, testPaddedLen, nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ct) < testPaddedLen {
		t.Fatalf("ciphertext shorter than the padded length: %d", len(ct))
	}
	pt, diff, err := ratchet.Decrypt(&bState, nil, nil, header, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hi" {
		t.Fatalf("got %q, want %q", pt, "hi")
	}
	if !diff.Empty() {
		t.Fatalf("in-order decrypt must not touch the skipped map: %+v", diff)
	}
}

func TestDoubleRatchet_PingPong(t *testing.T) {
	aState, bState := makePair(t)

	for i, msg := range []string{"ping", "pong", "ping-2", "pong-2"} {
		snd, rcv := &aState, &bState
		if i%2 == 1 {
			snd, rcv = &bState, &aState
		}
		header, ct, err := ratchet.Encrypt(snd, testPaddedLen, nil, []byte(msg))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		pt, _, err := ratchet.Decrypt(rcv, nil, nil, header, ct)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if string(pt) != msg {
			t.Fatalf("round %d: got %q, want %q", i, pt, msg)
		}
	}
}

func TestDoubleRatchet_OutOfOrderViaSkippedDiff(t *testing.T) {
	aState, bState := makePair(t)

	type sealed struct {
		header domain.RatchetHeader
		ct     []byte
	}
	var msgs []sealed
	for _, body := range []string{"m0", "m1", "m2"} {
		header, ct, err := ratchet.Encrypt(&aState, testPaddedLen, nil, []byte(body))
		if err != nil {
			t.Fatalf("Encrypt %s: %v", body, err)
		}
		msgs = append(msgs, sealed{header, ct})
	}

	skipped := map[string][]byte{}

	// m0 in order.
	pt, diff, err := ratchet.Decrypt(&bState, skipped, nil, msgs[0].header, msgs[0].ct)
	if err != nil || string(pt) != "m0" {
		t.Fatalf("Decrypt m0: %q %v", pt, err)
	}
	if !diff.Empty() {
		t.Fatalf("unexpected diff for m0: %+v", diff)
	}

	// m2 early: the diff must carry m1's key for later.
	pt, diff, err = ratchet.Decrypt(&bState, skipped, nil, msgs[2].header, msgs[2].ct)
	if err != nil || string(pt) != "m2" {
		t.Fatalf("Decrypt m2: %q %v", pt, err)
	}
	if len(diff.Added) != 1 || len(diff.Deleted) != 0 {
		t.Fatalf("want exactly one stored key for m1, got %+v", diff)
	}
	for id, mk := range diff.Added {
		skipped[id] = mk
	}

	// m1 late: consumed from the skipped map, chains untouched.
	nrBefore := bState.Nr
	pt, diff, err = ratchet.Decrypt(&bState, skipped, nil, msgs[1].header, msgs[1].ct)
	if err != nil || string(pt) != "m1" {
		t.Fatalf("Decrypt m1: %q %v", pt, err)
	}
	if len(diff.Deleted) != 1 || len(diff.Added) != 0 {
		t.Fatalf("want the stored key consumed, got %+v", diff)
	}
	if bState.Nr != nrBefore {
		t.Fatalf("skipped-key decrypt advanced the chain: %d -> %d", nrBefore, bState.Nr)
	}
}

func TestDoubleRatchet_SameEnvelopeCannotDecryptTwice(t *testing.T) {
	aState, bState := makePair(t)

	header, ct, err := ratchet.Encrypt(&aState, testPaddedLen, nil, []byte("once"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, _, err := ratchet.Decrypt(&bState, nil, nil, header, ct); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	// The chain has advanced past this message and no skipped key exists
	// for it, so a replay cannot produce a plaintext.
	if _, _, err := ratchet.Decrypt(&bState, nil, nil, header, ct); err == nil {
		t.Fatal("replayed envelope decrypted twice")
	}
}
