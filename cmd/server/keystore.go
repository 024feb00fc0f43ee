package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// filePrivateKeyStore resolves the opaque private-key reference domain.User
// carries (spec's User invariant keeps the raw key out of the user index
// itself) to PEM key material stored as one file per reference under root.
// A production deployment would back this with a secrets manager instead;
// this is the local stand-in the teacher's own single-binary deployment
// model calls for.
type filePrivateKeyStore struct {
	root string
}

func newFilePrivateKeyStore(root string) (*filePrivateKeyStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: creating root %s: %w", root, err)
	}
	return &filePrivateKeyStore{root: root}, nil
}

func (s *filePrivateKeyStore) Lookup(ctx context.Context, privateKeyRef string) (string, error) {
	body, err := os.ReadFile(filepath.Join(s.root, privateKeyRef+".pem"))
	if err != nil {
		return "", fmt.Errorf("keystore: reading key %s: %w", privateKeyRef, err)
	}
	return string(body), nil
}
