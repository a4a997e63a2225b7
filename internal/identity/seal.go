package identity

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// magic tags the sealed file format: MAGIC|salt(16)|nonce(24)|len(4)|ct.
var magic = []byte("CSID1")

const saltLen = 16

// kdf derives a 32-byte key from a passphrase and salt via Argon2id, the
// same parameters go-node's env_encrypt.go uses for its env.enc.
func kdf(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 2, 64*1024, 1, 32)
}

// seal encrypts plain with an XChaCha20-Poly1305 AEAD keyed by passphrase,
// grounded on go-node's sealEnvSecrets.
func seal(plain, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(kdf(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("identity: build aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(magic)+saltLen+len(nonce)+4+len(ct))
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(plain)))
	out = append(out, lbuf[:]...)
	out = append(out, ct...)
	return out, nil
}

// open reverses seal, grounded on go-node's openEnvSecrets.
func open(sealed, passphrase []byte) ([]byte, error) {
	min := len(magic) + saltLen + chacha20poly1305.NonceSizeX + 4
	if len(sealed) < min {
		return nil, errors.New("identity: sealed file too short")
	}
	if string(sealed[:len(magic)]) != string(magic) {
		return nil, errors.New("identity: bad magic header")
	}
	off := len(magic)
	salt := sealed[off : off+saltLen]
	off += saltLen
	nonce := sealed[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	off += 4 // plaintext length, unused on decrypt
	ct := sealed[off:]

	aead, err := chacha20poly1305.NewX(kdf(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("identity: build aead: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("identity: decrypt failed (wrong passphrase?)")
	}
	return plain, nil
}
