// Package ratchet implements the Double Ratchet algorithm following Signal’s design.
package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
)

const (
	aeadKeySize = chacha20poly1305.KeySize
	nonceSize   = chacha20poly1305.NonceSize

	// maxSkippedMK bounds how many message keys one Decrypt call may derive
	// for not-yet-received messages; a header further ahead than this is
	// rejected rather than ground through the chain.
	maxSkippedMK = 1000
)

var (
	errStateUninitialised = errors.New("ratchet state uninitialised")
	errChainUninitialised = errors.New("ratchet chain key uninitialised")
	errTooManySkipped     = errors.New("ratchet header skips too many messages")
)

// InitAsInitiator initialises the ratchet state for the sender, deriving only
// the send chain key from the given root and peer identity.
func InitAsInitiator(
	root []byte,
	_ domain.X25519Private,
	_ domain.X25519Public,
	peerIdentity domain.X25519Public,
) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}

	// Single DH: EK_A ⋅ IK_B
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, sendCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return domain.RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder initialises the ratchet state for the receiver, deriving
// only the receive chain key from the given root and sender’s ratchet pub.
func InitAsResponder(
	root []byte,
	ourIDPriv domain.X25519Private,
	_ domain.X25519Public,
	senderRatchetPub domain.X25519Public,
) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}

	// Single DH: IK_B ⋅ EK_A
	dh, err := crypto.DH(ourIDPriv, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, recvCK := kdfRK(root, dh[:])
	crypto.Wipe(dh[:])

	return domain.RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt pads plaintext to exactly paddedLen bytes and encrypts it under
// the send chain, performing a lazy ratchet step on the first send when
// SendCK is nil. Padding to a fixed per-kind length is part of the wire
// protocol, so it happens inside the ratchet rather than at each caller.
func Encrypt(
	st *domain.RatchetState,
	paddedLen int,
	ad, plaintext []byte,
) (domain.RatchetHeader, []byte, error) {
	if st == nil {
		return domain.RatchetHeader{}, nil, errStateUninitialised
	}

	// Lazy responder ratchet
	if st.SendCK == nil {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(priv, st.PeerDHPub)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		newRoot, sendCK := kdfRK(st.RootKey, dh[:])
		crypto.Wipe(dh[:])

		st.PN = st.Ns
		st.Ns = 0
		st.RootKey, st.DHPriv, st.DHPub, st.SendCK = newRoot, priv, pub, sendCK
	}

	padded, err := crypto.PadToLength(plaintext, paddedLen)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}

	header := domain.RatchetHeader{
		DHPub: st.DHPub.Slice(),
		PN:    st.PN,
		N:     st.Ns,
	}
	ct, err := seal(mk, header, ad, padded)
	crypto.Wipe(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}

	st.Ns++
	return header, ct, nil
}

// Decrypt decrypts ciphertext and strips the fixed-length padding. The
// skipped map is the caller's persisted skipped-message-key table: it is
// read but never written. Every change Decrypt wants made to it comes back
// in the diff, so the caller can persist the advanced chain state and the
// map change in one transaction. On error the state must be discarded, not
// persisted.
func Decrypt(
	st *domain.RatchetState,
	skipped map[string][]byte,
	ad []byte,
	header domain.RatchetHeader,
	ciphertext []byte,
) ([]byte, domain.SkippedKeysDiff, error) {
	var diff domain.SkippedKeysDiff
	if st == nil {
		return nil, diff, errStateUninitialised
	}

	var headerDH domain.X25519Public
	copy(headerDH[:], header.DHPub)

	// A previously skipped message: its key was derived earlier; consume it
	// without touching the chains.
	keyID := skippedKeyID(headerDH, header.N)
	if mk, ok := skipped[keyID]; ok {
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, diff, err
		}
		diff.Deleted = []string{keyID}
		unpadded, err := crypto.UnpadFixedLength(pt)
		if err != nil {
			return nil, diff, err
		}
		return unpadded, diff, nil
	}

	// New ratchet step: close out the old receive chain first, recording its
	// remaining keys for out-of-order arrivals, then derive the new chains.
	if !equal32(st.PeerDHPub.Slice(), header.DHPub) {
		if st.RecvCK != nil {
			if err := skipUntil(st, header.PN, &diff); err != nil {
				return nil, diff, err
			}
		}
		if err := dhRatchetStep(st, headerDH); err != nil {
			return nil, diff, err
		}
	}

	// Skip within the current chain up to the header's counter.
	if err := skipUntil(st, header.N, &diff); err != nil {
		return nil, diff, err
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, diff, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	crypto.Wipe(mk)
	if err != nil {
		return nil, diff, err
	}
	st.Nr++

	unpadded, err := crypto.UnpadFixedLength(pt)
	if err != nil {
		return nil, diff, err
	}
	return unpadded, diff, nil
}

// dhRatchetStep installs the peer's new ratchet key: one DH for the new
// receive chain, then a fresh keypair and a second DH for our next send
// chain.
func dhRatchetStep(st *domain.RatchetState, peer domain.X25519Public) error {
	dh, err := crypto.DH(st.DHPriv, peer)
	if err != nil {
		return err
	}
	newRoot, recvCK := kdfRK(st.RootKey, dh[:])
	crypto.Wipe(dh[:])

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(priv, peer)
	if err != nil {
		return err
	}
	rk2, sendCK := kdfRK(newRoot, dh2[:])
	crypto.Wipe(dh2[:])

	st.PN, st.Ns, st.Nr = st.Ns, 0, 0
	st.RootKey, st.DHPriv, st.DHPub, st.PeerDHPub, st.SendCK, st.RecvCK = rk2, priv, pub, peer, sendCK, recvCK
	return nil
}

// skipUntil derives message keys on the current receive chain up to (but
// not including) n, recording each in the diff.
func skipUntil(st *domain.RatchetState, n uint32, diff *domain.SkippedKeysDiff) error {
	if st.Nr >= n {
		return nil
	}
	if n-st.Nr > maxSkippedMK {
		return errTooManySkipped
	}
	for st.Nr < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		if diff.Added == nil {
			diff.Added = make(map[string][]byte)
		}
		diff.Added[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

// --- Helpers ---

// kdfRK derives a new root key and chain key from the DH output.
func kdfRK(root, dh []byte) (newRoot, ck []byte) {
	hk := hkdf.New(sha256.New, dh, root, []byte("DR|rk"))
	newRoot = make([]byte, 32)
	ck = make([]byte, 32)
	io.ReadFull(hk, newRoot)
	io.ReadFull(hk, ck)
	return
}

// kdfCKSend advances the send-chain key, returning the next message key.
func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if st.SendCK == nil {
		return nil, errChainUninitialised
	}
	hk := hkdf.New(sha256.New, st.SendCK, nil, []byte("DR|ck"))
	nextCK := make([]byte, 32)
	mk := make([]byte, 32)
	io.ReadFull(hk, nextCK)
	io.ReadFull(hk, mk)
	st.SendCK = nextCK
	return mk, nil
}

// kdfCKRecv advances the receive-chain key, returning the next message key.
func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if st.RecvCK == nil {
		return nil, errChainUninitialised
	}
	hk := hkdf.New(sha256.New, st.RecvCK, nil, []byte("DR|ck"))
	nextCK := make([]byte, 32)
	mk := make([]byte, 32)
	io.ReadFull(hk, nextCK)
	io.ReadFull(hk, mk)
	st.RecvCK = nextCK
	return mk, nil
}

// seal encrypts plaintext with ChaCha20-Poly1305 using ad||headerBytes(header) as associated data.
func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(header)...)), nil
}

// open decrypts ciphertext with ChaCha20-Poly1305.
func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(header)...))
}

// headerBytes serializes PN and N into big-endian bytes appended after DHPub.
func headerBytes(h domain.RatchetHeader) []byte {
	var tmp [4]byte
	out := append([]byte{}, h.DHPub...)
	binary.BigEndian.PutUint32(tmp[:], h.PN)
	out = append(out, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], h.N)
	return append(out, tmp[:]...)
}

// skippedKeyID yields a unique map key from peerDHPub||n.
func skippedKeyID(pub domain.X25519Public, n uint32) string {
	var buf [36]byte
	copy(buf[:32], pub[:])
	binary.BigEndian.PutUint32(buf[32:], n)
	return string(buf[:])
}

// equal32 compares two 32-byte slices in constant time.
func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := range 32 {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
