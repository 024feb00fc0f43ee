package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/driftpub/driftpub/domain"
	"github.com/driftpub/driftpub/users"
)

// rsaKeyBits matches the teacher's own actor-key size, the Fediverse's de
// facto minimum for RSA-SHA256 HTTP signatures.
const rsaKeyBits = 2048

// createUser provisions a new local actor: generates an RSA keypair, files
// the private half under keyRoot keyed by username (the opaque
// PrivateKeyRef domain.User carries), and inserts the user record holding
// the public half. There is no SSH TUI wizard in this tree (out of scope,
// per DESIGN.md) so this is the one provisioning path a fresh deployment
// has; it is meant to be run once per new local account, not as a long
// running service.
func createUser(ctx context.Context, db *users.DB, keyRoot, username, displayName string) error {
	if username == "" {
		return fmt.Errorf("createuser: username is required")
	}
	keystore, err := newFilePrivateKeyStore(keyRoot)
	if err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("createuser: generating key: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("createuser: marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("createuser: marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	privateKeyRef := username
	keyPath := keystore.root + "/" + privateKeyRef + ".pem"
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("createuser: a key already exists for %q at %s", username, keyPath)
	}
	if err := os.WriteFile(keyPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("createuser: writing private key: %w", err)
	}

	now := time.Now().UTC()
	if displayName == "" {
		displayName = username
	}
	err = db.CreateUser(ctx, domain.User{
		Username:       username,
		DisplayName:    displayName,
		PublicKeyPEM:   string(pubPEM),
		PrivateKeyRef:  privateKeyRef,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		os.Remove(keyPath)
		return fmt.Errorf("createuser: recording user: %w", err)
	}
	return nil
}
