// Package x3dh implements the Extended Triple Diffie-Hellman key agreement
// used to derive the initial Double Ratchet root key for a new connection.
package x3dh

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/util/memzero"
)

// InitiatorRoot runs X3DH as the initiator against a peer's PrekeyBundle. It
// generates a fresh ephemeral key pair, picks the bundle's first one-time
// prekey if any, and returns the derived root key plus the identifiers the
// responder will need to reproduce it.
func InitiatorRoot(
	id domain.Identity,
	bundle domain.PrekeyBundle,
) (rootKey []byte, spkID domain.SPKID, opkID domain.OPKID, ephPub domain.X25519Public, err error) {
	if !crypto.VerifyEd25519(bundle.SignKey, bundle.SignedPrekey.Slice(), bundle.SignedPrekeySig) {
		return nil, "", "", ephPub, fmt.Errorf("x3dh: signed prekey signature invalid")
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, "", "", ephPub, err
	}

	var opk *domain.X25519Public
	if len(bundle.OneTime) > 0 {
		opkID = bundle.OneTime[0].ID
		opk = &bundle.OneTime[0].Pub
	}

	root, err := InitiatorRootKey(id.XPriv, ephPriv, bundle.IdentityKey, bundle.SignedPrekey, opk)
	if err != nil {
		return nil, "", "", ephPub, err
	}
	return root, bundle.SPKID, opkID, ephPub, nil
}

// ResponderRoot recomputes the same root key on the responder's side from
// the PrekeyMessage carried in the initiator's first envelope.
func ResponderRoot(
	id domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	pm domain.PrekeyMessage,
) ([]byte, error) {
	dh1, err := dh(spkPriv, pm.InitiatorIK) // SPKB . IKA
	if err != nil {
		return nil, err
	}
	dh2, err := dh(id.XPriv, pm.Ephemeral) // IKB . EKA
	if err != nil {
		return nil, err
	}
	dh3, err := dh(spkPriv, pm.Ephemeral) // SPKB . EKA
	if err != nil {
		return nil, err
	}

	dhConcat := make([]byte, 0, 32*4)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)

	if opkPriv != nil {
		dh4, err := dh(*opkPriv, pm.Ephemeral) // OPKB . EKA
		if err != nil {
			return nil, err
		}
		dhConcat = append(dhConcat, dh4[:]...)
	}

	root := hkdfSHA256(dhConcat, nil, []byte("ciphera-x3dh"), 32)
	memzero.Zero(dhConcat)
	return root, nil
}

// InitiatorRootKey derives the root key for the initiator using X3DH.
func InitiatorRootKey(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
) ([]byte, error) {
	dh1, err := dh(ourIDPriv, peerSPK) // DH(IKA, SPKB)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEphPriv, peerIDPub) // DH(EKA, IKB)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEphPriv, peerSPK) // DH(EKA, SPKB)
	if err != nil {
		return nil, err
	}

	dhConcat := make([]byte, 0, 32*4)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)

	if peerOPK != nil {
		dh4, err := dh(ourEphPriv, *peerOPK) // DH(EKA, OPKB)
		if err != nil {
			return nil, err
		}
		dhConcat = append(dhConcat, dh4[:]...)
	}

	root := hkdfSHA256(dhConcat, nil, []byte("ciphera-x3dh"), 32)
	memzero.Zero(dhConcat)
	return root, nil
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

func dh(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	return crypto.DH(priv, pub)
}

// hkdfSHA256 implements HKDF (RFC 5869) with SHA-256.
func hkdfSHA256(ikm, salt, info []byte, outLen int) []byte {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	prk := hmacSum(salt, ikm)
	var (
		t   []byte
		okm []byte
		cnt byte = 1
	)
	for len(okm) < outLen {
		h := hmac.New(sha256.New, prk)
		h.Write(t)
		h.Write(info)
		h.Write([]byte{cnt})
		t = h.Sum(nil)
		okm = append(okm, t...)
		cnt++
	}
	return okm[:outLen]
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
