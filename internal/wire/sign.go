package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SigningKeyFromSeed expands a share's signing seed into an ed25519
// key pair, the same HKDF-then-ed25519 shape the teacher uses to derive
// a node's identity key (go-node/fingerprint.go deriveNodeKeyPair) and
// to sign manifests (go-node/file_transfer.go verifyManifest).
func SigningKeyFromSeed(seed []byte) ed25519.PrivateKey {
	hk := hkdf.New(sha256.New, seed, nil, []byte("clearshare-frame-signing"))
	raw := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hk, raw); err != nil {
		panic("wire: hkdf expand failed: " + err.Error())
	}
	return ed25519.NewKeyFromSeed(raw)
}

// Sign produces a detached signature over the encoded message bytes.
func Sign(priv ed25519.PrivateKey, encodedMessage []byte) []byte {
	return ed25519.Sign(priv, encodedMessage)
}

// Verify reports whether sig is a valid signature over encodedMessage
// under pub.
func Verify(pub ed25519.PublicKey, encodedMessage, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, encodedMessage, sig)
}
