// Package identity manages a node's persisted, passphrase-sealed key
// material: its peer_id and the per-share pre-shared keys it holds,
// sealed the way go-node's env.go/env_encrypt.go seal BeaconKey/FileKey.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hoshizora/clearshare/internal/share"
)

// Secrets is the plaintext payload sealed into identity.enc: the local
// peer_id and every share this node has joined, keyed by share_id.
type Secrets struct {
	PeerID string                 `json:"peer_id"`
	Shares map[string]ShareSecret `json:"shares"`
}

// ShareSecret is one share's persisted identity: its root directory and
// the access-tier PSKs it was joined with.
type ShareSecret struct {
	Root string              `json:"root"`
	PSKs map[share.Access]string `json:"psks"`
}

// NewSecrets generates a fresh peer_id and an empty share set, for first
// run (spec.md §3: "key material is generated on first creation").
func NewSecrets() (*Secrets, error) {
	peerID, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("identity: generate peer_id: %w", err)
	}
	return &Secrets{PeerID: peerID, Shares: map[string]ShareSecret{}}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Load opens and decrypts the secrets file at path with passphrase,
// per spec.md's persisted-key-material requirement.
func Load(path string, passphrase []byte) (*Secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	plain, err := open(raw, passphrase)
	if err != nil {
		return nil, err
	}
	var sec Secrets
	if err := json.Unmarshal(plain, &sec); err != nil {
		return nil, fmt.Errorf("identity: decode secrets: %w", err)
	}
	return &sec, nil
}

// Save encrypts and writes sec to path, creating or overwriting it.
func Save(path string, passphrase []byte, sec *Secrets) error {
	plain, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("identity: encode secrets: %w", err)
	}
	sealed, err := seal(plain, passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}
