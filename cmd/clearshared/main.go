// Command clearshared runs one clearshare node: it loads (or creates)
// the node's sealed identity, attaches its configured shares, and
// listens for peer connections over libp2p.
//
// Grounded on go-node/main.go (flag parsing, env var passphrase
// fallback, log.Fatalf on setup errors) and keysaver-server/main.go
// (config-struct-with-defaults wiring).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hoshizora/clearshare/internal/identity"
	"github.com/hoshizora/clearshare/internal/server"
	"github.com/hoshizora/clearshare/internal/share"
)

func randomPSK() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const identityEnvPassVar = "CLEARSHARE_IDENTITY_PASS"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clearshare"
	}
	return filepath.Join(home, ".clearshare")
}

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "directory holding identity.enc and share indexes")
	listenAddrs := flag.String("listen", "/ip4/0.0.0.0/tcp/0,/ip4/0.0.0.0/udp/0/quic-v1", "comma-separated libp2p listen multiaddrs")
	sharePath := flag.String("share", "", "path to a directory to attach as a share on startup")
	newIdentity := flag.Bool("new-identity", false, "generate a fresh identity.enc if one doesn't exist")
	identityPass := flag.String("identity-pass", "", "passphrase for identity.enc (or set "+identityEnvPassVar+")")
	flag.Parse()

	if *identityPass == "" {
		*identityPass = os.Getenv(identityEnvPassVar)
	}
	if *identityPass == "" {
		log.Fatalf("identity.enc passphrase missing. Supply --identity-pass or set %s", identityEnvPassVar)
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatalf("data dir: %v", err)
	}
	identityPathVal := filepath.Join(*dataDir, "identity.enc")

	secrets, err := loadOrCreateIdentity(identityPathVal, []byte(*identityPass), *newIdentity)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("[clearshared] peer_id=%s", secrets.PeerID)

	quarantineDir := filepath.Join(*dataDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
		log.Fatalf("quarantine dir: %v", err)
	}

	srv := server.New(server.Config{
		PeerID:        secrets.PeerID,
		Name:          hostnameOrDefault(),
		Software:      "clearshared/1.0",
		QuarantineDir: quarantineDir,
	})

	sharesDir := filepath.Join(*dataDir, "shares")
	if err := os.MkdirAll(sharesDir, 0o700); err != nil {
		log.Fatalf("shares dir: %v", err)
	}

	for shareID, ss := range secrets.Shares {
		idx, err := share.OpenIndex(filepath.Join(sharesDir, shareID+".db"))
		if err != nil {
			log.Fatalf("open index for share %s: %v", shareID, err)
		}
		sh := &share.Share{Root: ss.Root, ShareID: shareID, PeerID: secrets.PeerID, PSKs: ss.PSKs}
		srv.AddShare(sh, idx)
		log.Printf("[clearshared] attached share %s at %s", shareID, ss.Root)
	}

	if *sharePath != "" {
		if err := attachNewShare(secrets, identityPathVal, []byte(*identityPass), srv, *sharePath); err != nil {
			log.Fatalf("attach share %s: %v", *sharePath, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := strings.Split(*listenAddrs, ",")
	listener, err := server.NewListener(ctx, srv, addrs)
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	defer listener.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("[clearshared] shutting down")
}

func loadOrCreateIdentity(path string, pass []byte, allowNew bool) (*identity.Secrets, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.Load(path, pass)
	}
	if !allowNew {
		return nil, fmt.Errorf("no identity at %s; rerun with --new-identity to create one", path)
	}
	secrets, err := identity.NewSecrets()
	if err != nil {
		return nil, err
	}
	if err := identity.Save(path, pass, secrets); err != nil {
		return nil, err
	}
	log.Printf("[clearshared] created new identity at %s", path)
	return secrets, nil
}

func attachNewShare(secrets *identity.Secrets, identityPath string, pass []byte, srv *server.Server, root string) error {
	shareID, peerID, err := share.NewIdentity()
	if err != nil {
		return err
	}
	_ = peerID // the node's own peer_id is fixed at identity creation; shares reuse it

	idx, err := share.OpenIndex(filepath.Join(filepath.Dir(identityPath), "shares", shareID+".db"))
	if err != nil {
		return err
	}
	psks := map[share.Access]string{}
	for _, access := range []share.Access{share.AccessReadWrite, share.AccessReadOnly, share.AccessUntrusted} {
		psk, err := randomPSK()
		if err != nil {
			return err
		}
		psks[access] = psk
	}

	sh := &share.Share{Root: root, ShareID: shareID, PeerID: secrets.PeerID, PSKs: psks}
	srv.AddShare(sh, idx)

	secrets.Shares[shareID] = identity.ShareSecret{Root: root, PSKs: psks}
	if err := identity.Save(identityPath, pass, secrets); err != nil {
		return err
	}
	log.Printf("[clearshared] created share %s at %s", shareID, root)
	return nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "clearshare-node"
	}
	return h
}
